package notify

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dialHub upgrades one client connection and registers it as a driver.
func dialHub(t *testing.T, hub *Hub, driverID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hub.AddDriver(driverID, conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	// registration happens server side after the handshake; wait for it
	deadline := time.Now().Add(2 * time.Second)
	for !hub.Connected(driverID) {
		if time.Now().After(deadline) {
			t.Fatalf("session never registered")
		}
		time.Sleep(time.Millisecond)
	}
	return conn
}

func TestHubDeliversEvent(t *testing.T) {
	hub := NewHub(testLogger())
	conn := dialHub(t, hub, "d1")

	hub.NotifyDriver("d1", NewEvent(EventNewRequest, NewRequestPayload{DistanceKm: 1.2}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != EventNewRequest {
		t.Fatalf("expected %s, got %s", EventNewRequest, got.Type)
	}
	if got.Timestamp.IsZero() {
		t.Fatalf("envelope must be stamped")
	}
}

func TestHubOfflineIsNoop(t *testing.T) {
	hub := NewHub(testLogger())
	// no sessions registered; must not panic or block
	hub.NotifyDriver("nobody", NewEvent(EventNewRequest, NewRequestPayload{}))
	hub.NotifyRider("nobody", NewEvent(EventOfferReceived, OfferPayload{}))
}

func TestHubConnected(t *testing.T) {
	hub := NewHub(testLogger())
	if hub.Connected("d1") {
		t.Fatalf("no session yet")
	}
	dialHub(t, hub, "d1")
	if !hub.Connected("d1") {
		t.Fatalf("session should be visible")
	}
}

func TestRemoveIgnoresStaleConn(t *testing.T) {
	hub := NewHub(testLogger())
	conn := dialHub(t, hub, "d1")
	fresh := dialHub(t, hub, "d1") // reconnect replaces the session

	hub.RemoveDriver("d1", conn) // the old conn's teardown must not evict the fresh one
	if !hub.Connected("d1") {
		t.Fatalf("fresh session should survive the stale teardown")
	}
	_ = fresh
}

func TestWithExpiry(t *testing.T) {
	at := time.Now().Add(5 * time.Minute)
	ev := NewEvent(EventOfferReceived, OfferPayload{}).WithExpiry(at)
	if ev.ExpiresAt == nil || !ev.ExpiresAt.Equal(at) {
		t.Fatalf("expiry not stamped: %+v", ev)
	}
	// the original is unchanged; value semantics
	base := NewEvent(EventOfferReceived, OfferPayload{})
	base.WithExpiry(at)
	if base.ExpiresAt != nil {
		t.Fatalf("WithExpiry must not mutate the receiver")
	}
}

func TestMultiFansOut(t *testing.T) {
	a := &countingNotifier{}
	b := &countingNotifier{}
	m := Multi{a, b}
	m.NotifyRider("r1", NewEvent(EventOfferReceived, OfferPayload{}))
	m.NotifyDriver("d1", NewEvent(EventNewRequest, NewRequestPayload{}))
	if a.riders != 1 || a.drivers != 1 || b.riders != 1 || b.drivers != 1 {
		t.Fatalf("every notifier should see every event: %+v %+v", a, b)
	}
}

type countingNotifier struct{ riders, drivers int }

func (c *countingNotifier) NotifyRider(string, Event)  { c.riders++ }
func (c *countingNotifier) NotifyDriver(string, Event) { c.drivers++ }

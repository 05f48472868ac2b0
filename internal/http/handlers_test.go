package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/storage"
)

var testSecret = []byte("test-secret")

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore, geo.Locator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	locator := geo.NewMemoryLocator(store)
	hub := notify.NewHub(logger)

	cfg := dispatch.Config{
		SearchRadiusKm: 20, CandidateLimit: 20,
		NoOfferTimeout: 300 * time.Second, OffersTimeout: 2 * time.Minute,
		MinRideKm: 0.01, MaxRideKm: 50,
		BaseFare: 3.5, PerKmRate: 1.2, CitySpeedKmh: 25, MaxSuggestedFare: 500,
	}
	svc := dispatch.NewService(cfg, store, locator, hub, logger)
	engine := offers.NewEngine(offers.Config{
		OfferTTL: 8 * time.Minute, OfferCeiling: 6, CitySpeedKmh: 25, MaxFare: 500,
	}, store, hub, svc, logger)
	tracker := ingest.NewTracker(ingest.TrackerConfig{}, locator, store, svc, hub, nil, logger)

	return NewServer(svc, engine, tracker, hub, store, testSecret, logger), store, locator
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	claims := authClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func doJSON(t *testing.T, s *Server, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func seedTrackedDriver(t *testing.T, store *storage.MemoryStore, locator geo.Locator, id string, lat, lng float64) {
	t.Helper()
	vid := "veh-" + id
	store.AddDriver(&models.Driver{ID: id, VehicleID: &vid, Active: true, Available: true})
	if err := locator.Upsert(context.Background(), id, lat, lng); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

var rideBody = map[string]any{
	"origin":      map[string]any{"lat": -12.0464, "lng": -77.0428},
	"destination": map[string]any{"lat": -12.1211, "lng": -77.0297},
}

func TestAuthRequired(t *testing.T) {
	s, _, _ := newTestServer(t)

	if w := doJSON(t, s, "POST", "/api/v1/rides", "", rideBody); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := doJSON(t, s, "POST", "/api/v1/rides", "garbage", rideBody); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}
}

func TestRoleEnforcement(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(t, s, "POST", "/api/v1/rides", token(t, "d1", RoleDriver), rideBody)
	if w.Code != http.StatusNotFound {
		t.Fatalf("drivers cannot open searches, got %d", w.Code)
	}
	w = doJSON(t, s, "GET", "/api/v1/driver/offers", token(t, "r1", RoleRider), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("riders have no driver inbox, got %d", w.Code)
	}
}

func TestRideNegotiationFlow(t *testing.T) {
	s, store, locator := newTestServer(t)
	seedTrackedDriver(t, store, locator, "d1", -12.04, -77.04)
	rider := token(t, "r1", RoleRider)
	driver := token(t, "d1", RoleDriver)

	w := doJSON(t, s, "POST", "/api/v1/rides", rider, rideBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created dispatch.CreateResult
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Outcome != dispatch.OutcomeSearching || created.DriversNotified != 1 {
		t.Fatalf("bad create result: %+v", created)
	}
	rideID := created.Ride.ID

	w = doJSON(t, s, "GET", "/api/v1/rides/"+rideID, rider, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/api/v1/rides/"+rideID+"/offers", driver, map[string]any{"fare": 18.5})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit offer: %d %s", w.Code, w.Body.String())
	}
	var offer models.Offer
	json.Unmarshal(w.Body.Bytes(), &offer)

	w = doJSON(t, s, "POST", "/api/v1/rides/"+rideID+"/offers", driver, map[string]any{"fare": 17})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate bid should be 409, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/api/v1/rides/"+rideID+"/offers", rider, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list offers: %d", w.Code)
	}
	var list []*models.Offer
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Fatalf("expected one offer, got %+v", list)
	}

	w = doJSON(t, s, "POST", "/api/v1/rides/"+rideID+"/offers/"+offer.ID+"/accept", rider, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "POST", "/api/v1/rides/"+rideID+"/start", driver, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, s, "POST", "/api/v1/rides/"+rideID+"/complete", driver, map[string]any{"actual_minutes": 25})
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body.String())
	}
	var done models.Ride
	json.Unmarshal(w.Body.Bytes(), &done)
	if done.State != models.RideCompleted {
		t.Fatalf("expected completed, got %s", done.State)
	}
}

func TestErrorMapping(t *testing.T) {
	s, _, _ := newTestServer(t)
	rider := token(t, "r1", RoleRider)

	w := doJSON(t, s, "GET", "/api/v1/rides/missing", rider, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing ride should be 404, got %d", w.Code)
	}

	bad := map[string]any{
		"origin":      map[string]any{"lat": 95.0, "lng": 0.0},
		"destination": map[string]any{"lat": 0.0, "lng": 0.1},
	}
	w = doJSON(t, s, "POST", "/api/v1/rides", rider, bad)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad coords should be 400, got %d", w.Code)
	}

	// nobody is tracking; a search finds no drivers but still succeeds
	w = doJSON(t, s, "POST", "/api/v1/rides", rider, rideBody)
	if w.Code != http.StatusOK {
		t.Fatalf("no-drivers outcome should be 200, got %d %s", w.Code, w.Body.String())
	}
	var res dispatch.CreateResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Outcome != dispatch.OutcomeNoDrivers || !res.Retryable {
		t.Fatalf("expected retryable no-drivers, got %+v", res)
	}
}

func TestDriverTrackingEndpoints(t *testing.T) {
	s, store, _ := newTestServer(t)
	store.AddDriver(&models.Driver{ID: "d1", Active: true})
	driver := token(t, "d1", RoleDriver)

	w := doJSON(t, s, "PUT", "/api/v1/driver/location", driver, map[string]any{"lat": 1.0, "lng": 2.0})
	if w.Code != http.StatusConflict {
		t.Fatalf("reporting without a session should be 409, got %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/api/v1/driver/tracking/start", driver, map[string]any{"lat": 1.0, "lng": 2.0})
	if w.Code != http.StatusNoContent {
		t.Fatalf("start tracking: %d", w.Code)
	}
	w = doJSON(t, s, "PUT", "/api/v1/driver/location", driver, map[string]any{"lat": 1.0, "lng": 2.0})
	if w.Code != http.StatusOK {
		t.Fatalf("report: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, s, "POST", "/api/v1/driver/tracking/stop", driver, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("stop tracking: %d", w.Code)
	}
}

func TestWebsocketReceivesFanOut(t *testing.T) {
	s, store, locator := newTestServer(t)
	seedTrackedDriver(t, store, locator, "d1", -12.04, -77.04)

	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token(t, "d1", RoleDriver)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Hub.Connected("d1") {
		if time.Now().After(deadline) {
			t.Fatalf("driver session never registered")
		}
		time.Sleep(time.Millisecond)
	}

	w := doJSON(t, s, "POST", "/api/v1/rides", token(t, "r1", RoleRider), rideBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev notify.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != notify.EventNewRequest {
		t.Fatalf("expected new_request, got %s", ev.Type)
	}
	if ev.ExpiresAt == nil {
		t.Fatalf("fan-out must carry the deadline")
	}
}

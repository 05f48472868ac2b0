package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
)

// Notifier pushes events at callers that must not fail because a client is
// offline. Delivery is best effort; the durable state already committed.
type Notifier interface {
	NotifyRider(riderID string, ev Event)
	NotifyDriver(driverID string, ev Event)
}

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// Hub tracks connected rider and driver websocket sessions. One session per
// principal; a reconnect replaces and closes the previous one.
type Hub struct {
	mu      sync.RWMutex
	riders  map[string]*session
	drivers map[string]*session
	log     *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		riders:  make(map[string]*session),
		drivers: make(map[string]*session),
		log:     log,
	}
}

func (h *Hub) AddRider(id string, conn *websocket.Conn)  { h.add(h.riders, id, conn) }
func (h *Hub) AddDriver(id string, conn *websocket.Conn) { h.add(h.drivers, id, conn) }

func (h *Hub) add(m map[string]*session, id string, conn *websocket.Conn) {
	h.mu.Lock()
	prev := m[id]
	m[id] = &session{conn: conn}
	h.mu.Unlock()
	if prev != nil {
		prev.conn.Close()
	}
}

// RemoveRider drops the session only if conn is still the registered one,
// so a reconnect racing a disconnect cannot evict the fresh session.
func (h *Hub) RemoveRider(id string, conn *websocket.Conn)  { h.remove(h.riders, id, conn) }
func (h *Hub) RemoveDriver(id string, conn *websocket.Conn) { h.remove(h.drivers, id, conn) }

func (h *Hub) remove(m map[string]*session, id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := m[id]; ok && s.conn == conn {
		delete(m, id)
	}
}

func (h *Hub) NotifyRider(riderID string, ev Event)   { h.push(h.riders, "rider", riderID, ev) }
func (h *Hub) NotifyDriver(driverID string, ev Event) { h.push(h.drivers, "driver", driverID, ev) }

func (h *Hub) push(m map[string]*session, role, id string, ev Event) {
	h.mu.RLock()
	s, ok := m[id]
	h.mu.RUnlock()
	if !ok {
		observability.EventsPushed.WithLabelValues(string(ev.Type), "offline").Inc()
		return
	}
	go func() {
		if err := s.send(ev); err != nil {
			observability.EventsPushed.WithLabelValues(string(ev.Type), "error").Inc()
			h.log.Warn("ws push failed", "role", role, "id", id, "event", ev.Type, "error", err)
			return
		}
		observability.EventsPushed.WithLabelValues(string(ev.Type), "sent").Inc()
	}()
}

// Connected reports whether a driver currently holds a live session; the
// ingestion advisory path uses it to skip work for offline drivers.
func (h *Hub) Connected(driverID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.drivers[driverID]
	return ok
}

// Nop discards every event; it stands in for the hub in tests and in the
// consumer binary, which has no websocket surface.
type Nop struct{}

func (Nop) NotifyRider(string, Event)  {}
func (Nop) NotifyDriver(string, Event) {}

// Multi fans one event out to several notifiers, typically the hub plus a
// push gateway.
type Multi []Notifier

func (m Multi) NotifyRider(id string, ev Event) {
	for _, n := range m {
		n.NotifyRider(id, ev)
	}
}

func (m Multi) NotifyDriver(id string, ev Event) {
	for _, n := range m {
		n.NotifyDriver(id, ev)
	}
}

package notify

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// EventType names every message the realtime layer can push. Handlers on
// both ends switch on this, so the set is closed: adding a type means
// adding a payload struct next to it.
type EventType string

const (
	EventNewRequest     EventType = "ride:new_request"
	EventOfferReceived  EventType = "ride:offer_received"
	EventOfferAccepted  EventType = "ride:offer_accepted"
	EventOfferRejected  EventType = "ride:offer_rejected"
	EventOfferCountered EventType = "ride:offer_countered"
	EventRideStarted    EventType = "ride:started"
	EventRideCompleted  EventType = "ride:completed"
	EventRideCancelled  EventType = "ride:cancelled"
	EventRideTimeout    EventType = "ride:timeout"
	EventAutoCancelled  EventType = "ride:auto_cancelled"
	EventNoDrivers      EventType = "ride:no_drivers_available"
	EventNearbyUpdated  EventType = "location:nearby_requests_updated"
)

// Event is the wire envelope. Payload is always one of the fixed structs
// below, never a free-form map.
type Event struct {
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Payload   any        `json:"payload"`
}

func NewEvent(t EventType, payload any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Payload: payload}
}

// WithExpiry stamps the action deadline on the envelope so clients can
// show a countdown without recomputing server policy.
func (e Event) WithExpiry(at time.Time) Event {
	e.ExpiresAt = &at
	return e
}

// NewRequestPayload goes to candidate drivers when a rider opens a search.
type NewRequestPayload struct {
	Ride       *models.Ride `json:"ride"`
	DistanceKm float64      `json:"driver_distance_km"`
}

// OfferPayload carries a driver's offer to the rider. It is also reused
// when a countered offer re-enters the pending state.
type OfferPayload struct {
	Offer *models.Offer `json:"offer"`
}

// OfferAcceptedPayload goes to the winning driver.
type OfferAcceptedPayload struct {
	Ride  *models.Ride  `json:"ride"`
	Offer *models.Offer `json:"offer"`
}

// OfferRejectedPayload goes to losing or explicitly rejected drivers.
type OfferRejectedPayload struct {
	RideID  string `json:"ride_id"`
	OfferID string `json:"offer_id"`
	Reason  string `json:"reason,omitempty"`
}

// OfferCounteredPayload goes to the driver whose offer the rider countered.
type OfferCounteredPayload struct {
	Offer       *models.Offer `json:"offer"`
	CounterFare float64       `json:"counter_fare"`
}

// RideStatePayload covers started, completed and cancelled transitions.
type RideStatePayload struct {
	Ride   *models.Ride `json:"ride"`
	Reason string       `json:"reason,omitempty"`
}

// SearchEndedPayload covers the terminal search outcomes a rider can hit
// without acting: timeout, auto cancel, no drivers in range.
type SearchEndedPayload struct {
	RideID    string `json:"ride_id"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// NearbyUpdatedPayload nudges a driver that open requests exist near their
// latest reported position.
type NearbyUpdatedPayload struct {
	Count int     `json:"count"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

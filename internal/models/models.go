package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is inside the WGS84 envelope.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Location struct {
	Coord
	Address string `json:"address,omitempty"`
}

type RideState string

const (
	RideRequested      RideState = "requested"
	RideOffersReceived RideState = "offers_received"
	RideAccepted       RideState = "accepted"
	RideInProgress     RideState = "in_progress"
	RideCompleted      RideState = "completed"
	RideCancelled      RideState = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RideState) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Biddable reports whether drivers may still submit offers.
func (s RideState) Biddable() bool {
	return s == RideRequested || s == RideOffersReceived
}

// Who (or what) cancelled a ride.
const (
	CancelledByRider       = "rider"
	CancelledByDriver      = "driver"
	CancelledByTimeout     = "system_timeout"
	CancelledByNoDrivers   = "system_no_drivers"
	CancelledByAutoTimeout = "system_timeout_auto"
	CancelledByStaleDriver = "system_stale_driver"
)

type Ride struct {
	ID          string   `json:"id"`
	RiderID     string   `json:"rider_id"`
	DriverID    *string  `json:"driver_id,omitempty"`
	VehicleID   *string  `json:"vehicle_id,omitempty"`
	Origin      Location `json:"origin"`
	Destination Location `json:"destination"`
	DistanceKm  float64  `json:"distance_km"`
	EtaMinutes  int      `json:"estimated_eta_minutes"`
	// ReferenceFare is computed from distance once at creation; SuggestedFare
	// is what the rider asked for; AgreedFare is bound on accept.
	ReferenceFare float64    `json:"reference_fare"`
	SuggestedFare *float64   `json:"suggested_fare,omitempty"`
	AgreedFare    *float64   `json:"agreed_fare,omitempty"`
	State         RideState  `json:"state"`
	RequestedAt   time.Time  `json:"requested_at"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	CancelledBy   string     `json:"cancelled_by,omitempty"`
	ActualMinutes *int       `json:"actual_minutes,omitempty"`
}

// Offer states. Everything out of pending is terminal except countered,
// which opens a new negotiation round on the same offer.
type OfferState string

const (
	OfferPending   OfferState = "pending"
	OfferAccepted  OfferState = "accepted"
	OfferRejected  OfferState = "rejected"
	OfferExpired   OfferState = "expired"
	OfferCancelled OfferState = "cancelled"
	OfferCountered OfferState = "countered"
)

type Offer struct {
	ID           string  `json:"id"`
	RideID       string  `json:"ride_id"`
	DriverID     string  `json:"driver_id"`
	ProposedFare float64 `json:"proposed_fare"`
	// CounterFare carries the rider's counter while State is countered.
	CounterFare *float64   `json:"counter_fare,omitempty"`
	EtaMinutes  int        `json:"eta_minutes"`
	Message     string     `json:"message,omitempty"`
	State       OfferState `json:"state"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
}

// Expired reports whether the offer's bidding window has passed.
func (o *Offer) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Driver is the durable-store view used for dispatch eligibility.
type Driver struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Phone     string  `json:"phone,omitempty"`
	VehicleID *string `json:"vehicle_id,omitempty"`
	Active    bool    `json:"active"`
	Available bool    `json:"available"`
	Position  *Coord  `json:"position,omitempty"`
}

// Eligible reports whether the driver may be dispatched at all; position
// freshness is the ingestion tracker's concern, not the store's.
func (d *Driver) Eligible() bool {
	return d.Active && d.Available
}

// NearbyDriver is a locator result, ordered ascending by distance from the
// query point.
type NearbyDriver struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

// PositionPing is the wire shape of a periodic driver location report, both
// on the HTTP ingest path and on the Kafka firehose.
type PositionPing struct {
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	ReportedAt time.Time `json:"reported_at"`
}

// OpenRide is what a driver sees when browsing nearby requests.
type OpenRide struct {
	Ride             *Ride   `json:"ride"`
	DriverDistanceKm float64 `json:"driver_distance_km"`
	ArrivalMinutes   int     `json:"arrival_minutes"`
	AlreadyBid       bool    `json:"already_bid"`
	PendingOffers    int     `json:"pending_offers"`
}

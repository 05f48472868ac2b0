package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// AcceptResult is everything the orchestrator needs to notify parties after
// the accept transaction commits.
type AcceptResult struct {
	Ride           *models.Ride
	Offer          *models.Offer
	RejectedOffers []*models.Offer
}

// CancelResult carries the cancelled ride plus the pending offers that were
// cascade-cancelled with it.
type CancelResult struct {
	Ride            *models.Ride
	CancelledOffers []*models.Offer
}

// DriverOfferFilter narrows ListDriverOffers; zero values mean "no filter".
type DriverOfferFilter struct {
	State  models.OfferState
	Limit  int
	Offset int
}

// Store is the durable persistence contract for rides, offers and the
// driver-position mirror. Implementations must make CreateOffer and
// AcceptOffer race-free: duplicate-bid and ceiling checks happen inside the
// same transaction (or under the same lock) as the write, and AcceptOffer
// commits its four effects atomically or not at all.
type Store interface {
	// Rides.
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error)
	ListOpenRides(ctx context.Context, limit int) ([]*models.Ride, error)
	StartRide(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error)
	CompleteRide(ctx context.Context, rideID, driverID string, actualMinutes int, at time.Time) (*models.Ride, error)
	// CancelRide cancels the ride if it is in one of fromStates, cascading
	// all pending offers to cancelled. Conflict when the ride has moved on.
	CancelRide(ctx context.Context, rideID string, fromStates []models.RideState, reason, by string, at time.Time) (*CancelResult, error)
	// DeleteActiveSearch hard-deletes the rider's open rides and their
	// offers in a single transaction, returning what was removed.
	DeleteActiveSearch(ctx context.Context, riderID string) ([]*CancelResult, error)

	// Offers.
	CreateOffer(ctx context.Context, o *models.Offer, ceiling int) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	ListRideOffers(ctx context.Context, rideID string) ([]*models.Offer, error)
	ListDriverOffers(ctx context.Context, driverID string, f DriverOfferFilter) ([]*models.Offer, error)
	HasDriverOffer(ctx context.Context, rideID, driverID string) (bool, error)
	CountPendingOffers(ctx context.Context, rideID string) (int, error)
	AcceptOffer(ctx context.Context, rideID, offerID, riderID string, now time.Time) (*AcceptResult, error)
	RejectOffer(ctx context.Context, rideID, offerID, riderID string, at time.Time) (*models.Offer, error)
	ExpireOffer(ctx context.Context, offerID string) error
	CounterOffer(ctx context.Context, offerID string, fare float64, expiresAt time.Time) (*models.Offer, error)
	ResolveCounter(ctx context.Context, offerID, driverID string, accept bool, now, expiresAt time.Time) (*models.Offer, error)

	// Drivers and positions.
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpdateDriverPosition(ctx context.Context, id string, lat, lng float64) error
	SetDriverAvailability(ctx context.Context, id string, available bool) error
	FindNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.NearbyDriver, error)
	SaveLocationSample(ctx context.Context, ping models.PositionPing) error
	PurgeLocationHistory(ctx context.Context, olderThan time.Time) (int64, error)
}

package offers

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// SearchClock is how the engine tells the dispatcher a ride entered its
// decision window. Implemented by dispatch.Service.
type SearchClock interface {
	FirstOffer(rideID string)
}

type Config struct {
	OfferTTL     time.Duration
	OfferCeiling int
	CitySpeedKmh float64
	MaxFare      float64
}

const maxMessageLen = 200

// Engine handles the driver side of the negotiation: submitting offers,
// and the counter-offer round trip. Atomicity of the checks lives in the
// store; the engine validates, prices and notifies.
type Engine struct {
	cfg      Config
	store    storage.Store
	notifier notify.Notifier
	clock    SearchClock
	log      *slog.Logger
	now      func() time.Time
}

func NewEngine(cfg Config, store storage.Store, notifier notify.Notifier, clock SearchClock, log *slog.Logger) *Engine {
	return &Engine{cfg: cfg, store: store, notifier: notifier, clock: clock, log: log, now: time.Now}
}

// Submit places a driver's offer on an open ride. One offer per driver per
// ride, capped pending offers per ride; both are enforced inside the store
// transaction so concurrent submissions cannot slip past.
func (e *Engine) Submit(ctx context.Context, rideID, driverID string, fare float64, message string) (*models.Offer, error) {
	if fare <= 0 || fare > e.cfg.MaxFare {
		return nil, apperr.Invalid("fare must be in (0, %.2f]", e.cfg.MaxFare)
	}
	if len(message) > maxMessageLen {
		return nil, apperr.Invalid("message exceeds %d characters", maxMessageLen)
	}
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	driver, err := e.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !driver.Eligible() {
		return nil, apperr.Invalid("driver %s is not available for offers", driverID)
	}

	eta := 0
	if driver.Position != nil {
		dist := geo.Haversine(driver.Position.Lat, driver.Position.Lng, ride.Origin.Lat, ride.Origin.Lng)
		eta = int(math.Ceil(dist / e.cfg.CitySpeedKmh * 60))
	}

	now := e.now()
	offer := &models.Offer{
		ID:           uuid.NewString(),
		RideID:       rideID,
		DriverID:     driverID,
		ProposedFare: fare,
		EtaMinutes:   eta,
		Message:      message,
		State:        models.OfferPending,
		ExpiresAt:    now.Add(e.cfg.OfferTTL),
		CreatedAt:    now,
	}
	if err := e.store.CreateOffer(ctx, offer, e.cfg.OfferCeiling); err != nil {
		return nil, err
	}
	observability.OffersSubmitted.Inc()
	if ride.State == models.RideRequested {
		e.clock.FirstOffer(rideID)
	}
	e.notifier.NotifyRider(ride.RiderID, notify.NewEvent(notify.EventOfferReceived,
		notify.OfferPayload{Offer: offer}).WithExpiry(offer.ExpiresAt))
	e.log.Info("offer submitted", "ride_id", rideID, "driver_id", driverID, "offer_id", offer.ID,
		"fare", fare, "eta_minutes", eta)
	return offer, nil
}

// Reject declines one offer without touching the rest of the search.
func (e *Engine) Reject(ctx context.Context, rideID, offerID, riderID string) (*models.Offer, error) {
	offer, err := e.store.RejectOffer(ctx, rideID, offerID, riderID, e.now())
	if err != nil {
		return nil, err
	}
	e.notifier.NotifyDriver(offer.DriverID, notify.NewEvent(notify.EventOfferRejected,
		notify.OfferRejectedPayload{RideID: rideID, OfferID: offerID, Reason: "rider rejected the offer"}))
	e.log.Info("offer rejected", "ride_id", rideID, "offer_id", offerID)
	return offer, nil
}

// Counter sends the rider's counter-fare back to the driver. The offer
// leaves the pending pool until the driver resolves it, with a fresh
// expiry window for the reply.
func (e *Engine) Counter(ctx context.Context, rideID, offerID, riderID string, fare float64) (*models.Offer, error) {
	if fare <= 0 || fare > e.cfg.MaxFare {
		return nil, apperr.Invalid("fare must be in (0, %.2f]", e.cfg.MaxFare)
	}
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.RiderID != riderID {
		return nil, apperr.NotFound("ride %s for rider %s", rideID, riderID)
	}
	if !ride.State.Biddable() {
		return nil, apperr.Conflict("ride %s is %s, negotiation is closed", rideID, ride.State)
	}
	offer, err := e.store.CounterOffer(ctx, offerID, fare, e.now().Add(e.cfg.OfferTTL))
	if err != nil {
		return nil, err
	}
	if offer.RideID != rideID {
		return nil, apperr.NotFound("offer %s on ride %s", offerID, rideID)
	}
	e.notifier.NotifyDriver(offer.DriverID, notify.NewEvent(notify.EventOfferCountered,
		notify.OfferCounteredPayload{Offer: offer, CounterFare: fare}).WithExpiry(offer.ExpiresAt))
	e.log.Info("offer countered", "ride_id", rideID, "offer_id", offerID, "counter_fare", fare)
	return offer, nil
}

// ResolveCounter is the driver's answer to a counter. Accepting adopts the
// rider's fare and puts the offer back in the pending pool for a fresh
// round; declining rejects the offer outright.
func (e *Engine) ResolveCounter(ctx context.Context, offerID, driverID string, accept bool) (*models.Offer, error) {
	now := e.now()
	offer, err := e.store.ResolveCounter(ctx, offerID, driverID, accept, now, now.Add(e.cfg.OfferTTL))
	if err != nil {
		return nil, err
	}
	ride, err := e.store.GetRide(ctx, offer.RideID)
	if err != nil {
		return nil, err
	}
	if accept {
		e.notifier.NotifyRider(ride.RiderID, notify.NewEvent(notify.EventOfferReceived,
			notify.OfferPayload{Offer: offer}).WithExpiry(offer.ExpiresAt))
	} else {
		e.notifier.NotifyRider(ride.RiderID, notify.NewEvent(notify.EventOfferRejected,
			notify.OfferRejectedPayload{RideID: offer.RideID, OfferID: offerID, Reason: "driver declined the counter"}))
	}
	e.log.Info("counter resolved", "offer_id", offerID, "driver_id", driverID, "accepted", accept)
	return offer, nil
}

// RideOffers lists a ride's offers for its rider. Offers past their window
// are flipped to expired on the way out rather than by a background job.
func (e *Engine) RideOffers(ctx context.Context, rideID, riderID string) ([]*models.Offer, error) {
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.RiderID != riderID {
		return nil, apperr.NotFound("ride %s for rider %s", rideID, riderID)
	}
	offers, err := e.store.ListRideOffers(ctx, rideID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	for _, o := range offers {
		if (o.State == models.OfferPending || o.State == models.OfferCountered) && o.Expired(now) {
			if err := e.store.ExpireOffer(ctx, o.ID); err != nil {
				e.log.Warn("lazy expiry failed", "offer_id", o.ID, "error", err)
				continue
			}
			o.State = models.OfferExpired
		}
	}
	return offers, nil
}

// DriverOffers lists a driver's own offers, optionally filtered by state.
func (e *Engine) DriverOffers(ctx context.Context, driverID string, f storage.DriverOfferFilter) ([]*models.Offer, error) {
	return e.store.ListDriverOffers(ctx, driverID, f)
}

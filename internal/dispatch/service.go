package dispatch

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Config struct {
	SearchRadiusKm   float64
	CandidateLimit   int
	NoOfferTimeout   time.Duration
	OffersTimeout    time.Duration
	MinRideKm        float64
	MaxRideKm        float64
	BaseFare         float64
	PerKmRate        float64
	CitySpeedKmh     float64
	MaxSuggestedFare float64
}

func ConfigFromServer(c config.ServerConfig) Config {
	return Config{
		SearchRadiusKm:   c.SearchRadiusKm,
		CandidateLimit:   c.CandidateLimit,
		NoOfferTimeout:   c.NoOfferTimeout,
		OffersTimeout:    c.OffersTimeout,
		MinRideKm:        c.MinRideKm,
		MaxRideKm:        c.MaxRideKm,
		BaseFare:         c.BaseFare,
		PerKmRate:        c.PerKmRate,
		CitySpeedKmh:     c.CitySpeedKmh,
		MaxSuggestedFare: c.MaxSuggestedFare,
	}
}

// CreateResult is the outcome of opening a search. An exhausted search
// (nobody in range) is a result, not an error: the ride exists, cancelled,
// and the rider may simply retry.
type CreateResult struct {
	Ride            *models.Ride `json:"ride"`
	DriversNotified int          `json:"drivers_notified"`
	Outcome         string       `json:"outcome"`
	Retryable       bool         `json:"retryable,omitempty"`
}

const (
	OutcomeSearching = "searching"
	OutcomeNoDrivers = "no_drivers_available"
)

const maxAddressLen = 500

// Service drives the ride lifecycle: request creation, candidate fan-out,
// acceptance, progress transitions and every cancellation path. Search
// deadlines are enforced with per-ride timers that verify state before
// acting, so a timer firing late against a ride that moved on is a no-op.
type Service struct {
	cfg      Config
	store    storage.Store
	locator  geo.Locator
	notifier notify.Notifier
	log      *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewService(cfg Config, store storage.Store, locator geo.Locator, notifier notify.Notifier, log *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		locator:  locator,
		notifier: notifier,
		log:      log,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
	}
}

func (s *Service) referenceFare(distanceKm float64) float64 {
	return math.Round((s.cfg.BaseFare+s.cfg.PerKmRate*distanceKm)*100) / 100
}

func (s *Service) etaMinutes(distanceKm float64) int {
	return int(math.Ceil(distanceKm / s.cfg.CitySpeedKmh * 60))
}

// CreateRequest opens a ride search for the rider. Exactly one search may
// be live per rider; a previous search the rider walked away from is
// auto-cancelled here before the new one starts.
func (s *Service) CreateRequest(ctx context.Context, riderID string, origin, dest models.Location, suggestedFare *float64) (*CreateResult, error) {
	if !origin.Valid() || !dest.Valid() {
		return nil, apperr.Invalid("coordinates out of range")
	}
	distance := geo.Haversine(origin.Lat, origin.Lng, dest.Lat, dest.Lng)
	if distance < s.cfg.MinRideKm || distance > s.cfg.MaxRideKm {
		return nil, apperr.Invalid("ride distance %.2fkm outside allowed range [%.2f, %.2f]", distance, s.cfg.MinRideKm, s.cfg.MaxRideKm)
	}
	if suggestedFare != nil && (*suggestedFare <= 0 || *suggestedFare > s.cfg.MaxSuggestedFare) {
		return nil, apperr.Invalid("suggested fare must be in (0, %.2f]", s.cfg.MaxSuggestedFare)
	}
	if len(origin.Address) > maxAddressLen || len(dest.Address) > maxAddressLen {
		return nil, apperr.Invalid("address exceeds %d characters", maxAddressLen)
	}

	if err := s.resolveExistingSearch(ctx, riderID); err != nil {
		return nil, err
	}

	now := s.now()
	ride := &models.Ride{
		ID:            uuid.NewString(),
		RiderID:       riderID,
		Origin:        origin,
		Destination:   dest,
		DistanceKm:    distance,
		EtaMinutes:    s.etaMinutes(distance),
		ReferenceFare: s.referenceFare(distance),
		SuggestedFare: suggestedFare,
		State:         models.RideRequested,
		RequestedAt:   now,
	}
	if err := s.store.CreateRide(ctx, ride); err != nil {
		return nil, err
	}
	observability.RidesRequested.Inc()

	candidates, err := s.locator.FindNearby(ctx, origin.Lat, origin.Lng, s.cfg.SearchRadiusKm, s.cfg.CandidateLimit)
	if err != nil {
		s.cancelSilently(ctx, ride.ID, "driver search failed", models.CancelledByNoDrivers)
		return nil, apperr.Unavailable("driver search failed", err)
	}
	if len(candidates) == 0 {
		res, err := s.store.CancelRide(ctx, ride.ID, []models.RideState{models.RideRequested},
			"no drivers available", models.CancelledByNoDrivers, s.now())
		if err != nil {
			return nil, err
		}
		observability.RidesCancelled.WithLabelValues(models.CancelledByNoDrivers).Inc()
		s.notifier.NotifyRider(riderID, notify.NewEvent(notify.EventNoDrivers,
			notify.SearchEndedPayload{RideID: ride.ID, Reason: "no drivers available", Retryable: true}))
		return &CreateResult{Ride: res.Ride, Outcome: OutcomeNoDrivers, Retryable: true}, nil
	}

	expiry := now.Add(s.cfg.NoOfferTimeout)
	for _, c := range candidates {
		s.notifier.NotifyDriver(c.DriverID, notify.NewEvent(notify.EventNewRequest,
			notify.NewRequestPayload{Ride: ride, DistanceKm: c.DistanceKm}).WithExpiry(expiry))
	}
	s.armTimer(ride.ID, s.cfg.NoOfferTimeout, func() { s.onNoOfferTimeout(ride.ID) })

	s.log.Info("ride search opened", "ride_id", ride.ID, "rider_id", riderID,
		"distance_km", distance, "candidates", len(candidates))
	return &CreateResult{Ride: ride, DriversNotified: len(candidates), Outcome: OutcomeSearching}, nil
}

// resolveExistingSearch enforces one live search per rider. Searches the
// rider abandoned past their deadline get auto-cancelled; anything else
// live is a conflict.
func (s *Service) resolveExistingSearch(ctx context.Context, riderID string) error {
	active, err := s.store.ActiveRideForRider(ctx, riderID)
	if err != nil || active == nil {
		return err
	}
	if !active.State.Biddable() {
		return apperr.Conflict("rider %s has a ride in state %s", riderID, active.State)
	}
	// The timers normally close these out; the age check is the safety net
	// for rides that outlived a process restart.
	age := s.now().Sub(active.RequestedAt)
	deadline := s.cfg.NoOfferTimeout + time.Minute
	if active.State == models.RideOffersReceived {
		deadline += s.cfg.OffersTimeout
	}
	if age <= deadline {
		return apperr.Conflict("rider %s already has an active search", riderID)
	}
	res, err := s.store.CancelRide(ctx, active.ID, []models.RideState{models.RideRequested, models.RideOffersReceived},
		"search abandoned", models.CancelledByAutoTimeout, s.now())
	if err != nil {
		if apperr.IsConflict(err) {
			return apperr.Conflict("rider %s already has an active search", riderID)
		}
		return err
	}
	s.stopTimer(active.ID)
	observability.RidesCancelled.WithLabelValues(models.CancelledByAutoTimeout).Inc()
	s.notifier.NotifyRider(riderID, notify.NewEvent(notify.EventAutoCancelled,
		notify.SearchEndedPayload{RideID: active.ID, Reason: "search abandoned", Retryable: true}))
	s.notifyOfferDriversCancelled(res.CancelledOffers, "ride request cancelled")
	s.log.Info("auto-cancelled abandoned search", "ride_id", active.ID, "rider_id", riderID, "age", age)
	return nil
}

func (s *Service) cancelSilently(ctx context.Context, rideID, reason, by string) {
	if _, err := s.store.CancelRide(ctx, rideID, []models.RideState{models.RideRequested, models.RideOffersReceived},
		reason, by, s.now()); err != nil {
		s.log.Warn("cleanup cancel failed", "ride_id", rideID, "error", err)
		return
	}
	observability.RidesCancelled.WithLabelValues(by).Inc()
}

// FirstOffer re-arms the ride's deadline for the decision window. Called by
// the offer engine when a ride leaves the requested state.
func (s *Service) FirstOffer(rideID string) {
	s.armTimer(rideID, s.cfg.OffersTimeout, func() { s.onOffersTimeout(rideID) })
}

func (s *Service) onNoOfferTimeout(rideID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		s.log.Warn("timeout check failed", "ride_id", rideID, "error", err)
		return
	}
	switch ride.State {
	case models.RideRequested:
	case models.RideOffersReceived:
		// The first-offer re-arm raced this timer; fall through to the
		// decision window instead.
		s.FirstOffer(rideID)
		return
	default:
		return
	}
	res, err := s.store.CancelRide(ctx, rideID, []models.RideState{models.RideRequested},
		"no offers received", models.CancelledByTimeout, s.now())
	if err != nil {
		if !apperr.IsConflict(err) {
			s.log.Warn("timeout cancel failed", "ride_id", rideID, "error", err)
		}
		return
	}
	observability.RidesCancelled.WithLabelValues(models.CancelledByTimeout).Inc()
	s.notifier.NotifyRider(res.Ride.RiderID, notify.NewEvent(notify.EventRideTimeout,
		notify.SearchEndedPayload{RideID: rideID, Reason: "no offers received", Retryable: true}))
	s.log.Info("search timed out", "ride_id", rideID)
}

func (s *Service) onOffersTimeout(rideID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := s.store.CancelRide(ctx, rideID, []models.RideState{models.RideOffersReceived},
		"offers expired without a decision", models.CancelledByAutoTimeout, s.now())
	if err != nil {
		if !apperr.IsConflict(err) && !apperr.IsNotFound(err) {
			s.log.Warn("decision timeout cancel failed", "ride_id", rideID, "error", err)
		}
		return
	}
	observability.RidesCancelled.WithLabelValues(models.CancelledByAutoTimeout).Inc()
	s.notifier.NotifyRider(res.Ride.RiderID, notify.NewEvent(notify.EventAutoCancelled,
		notify.SearchEndedPayload{RideID: rideID, Reason: "offers expired without a decision", Retryable: true}))
	s.notifyOfferDriversCancelled(res.CancelledOffers, "ride request expired")
	s.log.Info("decision window expired", "ride_id", rideID)
}

// AcceptOffer settles the negotiation: the winning offer binds its driver,
// vehicle and fare to the ride, every other pending offer is rejected, all
// in one store transaction. Notifications go out only after it commits.
func (s *Service) AcceptOffer(ctx context.Context, rideID, offerID, riderID string) (*storage.AcceptResult, error) {
	res, err := s.store.AcceptOffer(ctx, rideID, offerID, riderID, s.now())
	if err != nil {
		return nil, err
	}
	s.stopTimer(rideID)
	observability.OffersAccepted.Inc()

	winner := res.Offer.DriverID
	if err := s.store.SetDriverAvailability(ctx, winner, false); err != nil {
		s.log.Warn("could not mark winning driver busy", "driver_id", winner, "error", err)
	}
	if err := s.locator.Remove(ctx, winner); err != nil {
		s.log.Warn("could not drop winning driver from index", "driver_id", winner, "error", err)
	}

	s.notifier.NotifyDriver(winner, notify.NewEvent(notify.EventOfferAccepted,
		notify.OfferAcceptedPayload{Ride: res.Ride, Offer: res.Offer}))
	for _, o := range res.RejectedOffers {
		s.notifier.NotifyDriver(o.DriverID, notify.NewEvent(notify.EventOfferRejected,
			notify.OfferRejectedPayload{RideID: rideID, OfferID: o.ID, Reason: "another offer was accepted"}))
	}
	s.log.Info("offer accepted", "ride_id", rideID, "offer_id", offerID, "driver_id", winner,
		"agreed_fare", res.Offer.ProposedFare, "rejected", len(res.RejectedOffers))
	return res, nil
}

func (s *Service) StartRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := s.store.StartRide(ctx, rideID, driverID, s.now())
	if err != nil {
		return nil, err
	}
	s.notifier.NotifyRider(ride.RiderID, notify.NewEvent(notify.EventRideStarted, notify.RideStatePayload{Ride: ride}))
	s.log.Info("ride started", "ride_id", rideID, "driver_id", driverID)
	return ride, nil
}

func (s *Service) CompleteRide(ctx context.Context, rideID, driverID string, actualMinutes int) (*models.Ride, error) {
	if actualMinutes < 0 {
		return nil, apperr.Invalid("actual minutes must be >= 0")
	}
	ride, err := s.store.CompleteRide(ctx, rideID, driverID, actualMinutes, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.SetDriverAvailability(ctx, driverID, true); err != nil {
		s.log.Warn("could not mark driver available", "driver_id", driverID, "error", err)
	}
	s.notifier.NotifyRider(ride.RiderID, notify.NewEvent(notify.EventRideCompleted, notify.RideStatePayload{Ride: ride}))
	s.log.Info("ride completed", "ride_id", rideID, "driver_id", driverID, "actual_minutes", actualMinutes)
	return ride, nil
}

// CancelByRider cancels any ride the rider owns that has not finished,
// including one already in progress.
func (s *Service) CancelByRider(ctx context.Context, rideID, riderID, reason string) (*models.Ride, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.RiderID != riderID {
		return nil, apperr.NotFound("ride %s for rider %s", rideID, riderID)
	}
	res, err := s.store.CancelRide(ctx, rideID,
		[]models.RideState{models.RideRequested, models.RideOffersReceived, models.RideAccepted, models.RideInProgress},
		reason, models.CancelledByRider, s.now())
	if err != nil {
		return nil, err
	}
	s.stopTimer(rideID)
	observability.RidesCancelled.WithLabelValues(models.CancelledByRider).Inc()
	if res.Ride.DriverID != nil {
		s.notifier.NotifyDriver(*res.Ride.DriverID, notify.NewEvent(notify.EventRideCancelled,
			notify.RideStatePayload{Ride: res.Ride, Reason: reason}))
		if err := s.store.SetDriverAvailability(ctx, *res.Ride.DriverID, true); err != nil {
			s.log.Warn("could not free cancelled ride's driver", "driver_id", *res.Ride.DriverID, "error", err)
		}
	}
	s.notifyOfferDriversCancelled(res.CancelledOffers, "rider cancelled the request")
	s.log.Info("ride cancelled by rider", "ride_id", rideID)
	return res.Ride, nil
}

// CancelByDriver lets the assigned driver abandon an accepted or
// in-progress ride.
func (s *Service) CancelByDriver(ctx context.Context, rideID, driverID, reason string) (*models.Ride, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID == nil || *ride.DriverID != driverID {
		return nil, apperr.Conflict("ride %s is not assigned to driver %s", rideID, driverID)
	}
	res, err := s.store.CancelRide(ctx, rideID,
		[]models.RideState{models.RideAccepted, models.RideInProgress},
		reason, models.CancelledByDriver, s.now())
	if err != nil {
		return nil, err
	}
	observability.RidesCancelled.WithLabelValues(models.CancelledByDriver).Inc()
	if err := s.store.SetDriverAvailability(ctx, driverID, true); err != nil {
		s.log.Warn("could not mark driver available", "driver_id", driverID, "error", err)
	}
	s.notifier.NotifyRider(res.Ride.RiderID, notify.NewEvent(notify.EventRideCancelled,
		notify.RideStatePayload{Ride: res.Ride, Reason: reason}))
	s.log.Info("ride cancelled by driver", "ride_id", rideID, "driver_id", driverID)
	return res.Ride, nil
}

// DeleteActiveSearch hard-deletes the rider's open searches and their
// offers, as opposed to cancelling, which keeps the record.
func (s *Service) DeleteActiveSearch(ctx context.Context, riderID string) (int, error) {
	results, err := s.store.DeleteActiveSearch(ctx, riderID)
	if err != nil {
		return 0, err
	}
	for _, res := range results {
		s.stopTimer(res.Ride.ID)
		s.notifyOfferDriversCancelled(res.CancelledOffers, "rider deleted the request")
	}
	if len(results) > 0 {
		s.log.Info("active search deleted", "rider_id", riderID, "rides", len(results))
	}
	return len(results), nil
}

// RideStatus returns the ride if the principal is its rider or its
// assigned driver.
func (s *Service) RideStatus(ctx context.Context, rideID, principalID string) (*models.Ride, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.RiderID != principalID && (ride.DriverID == nil || *ride.DriverID != principalID) {
		return nil, apperr.NotFound("ride %s", rideID)
	}
	return ride, nil
}

// NearbyOpenRides counts open requests within the search radius of a
// point: the ingestion advisory path.
func (s *Service) NearbyOpenRides(ctx context.Context, lat, lng float64) (int, error) {
	rides, err := s.store.ListOpenRides(ctx, 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rides {
		if geo.Haversine(lat, lng, r.Origin.Lat, r.Origin.Lng) <= s.cfg.SearchRadiusKm {
			n++
		}
	}
	return n, nil
}

// NearbyRequests is the driver-side browse view: open requests in range of
// the driver's last known position, closest first.
func (s *Service) NearbyRequests(ctx context.Context, driverID string) ([]models.OpenRide, error) {
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if d.Position == nil {
		return nil, apperr.Conflict("driver %s has no known position", driverID)
	}
	rides, err := s.store.ListOpenRides(ctx, 100)
	if err != nil {
		return nil, err
	}
	out := make([]models.OpenRide, 0)
	for _, r := range rides {
		dist := geo.Haversine(d.Position.Lat, d.Position.Lng, r.Origin.Lat, r.Origin.Lng)
		if dist > s.cfg.SearchRadiusKm {
			continue
		}
		bid, err := s.store.HasDriverOffer(ctx, r.ID, driverID)
		if err != nil {
			return nil, err
		}
		pending, err := s.store.CountPendingOffers(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.OpenRide{
			Ride:             r,
			DriverDistanceKm: dist,
			ArrivalMinutes:   s.etaMinutes(dist),
			AlreadyBid:       bid,
			PendingOffers:    pending,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverDistanceKm < out[j].DriverDistanceKm })
	if len(out) > s.cfg.CandidateLimit {
		out = out[:s.cfg.CandidateLimit]
	}
	return out, nil
}

func (s *Service) notifyOfferDriversCancelled(offers []*models.Offer, reason string) {
	for _, o := range offers {
		s.notifier.NotifyDriver(o.DriverID, notify.NewEvent(notify.EventRideCancelled,
			notify.RideStatePayload{Reason: reason, Ride: &models.Ride{ID: o.RideID, State: models.RideCancelled}}))
	}
}

func (s *Service) armTimer(rideID string, d time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[rideID]; ok {
		t.Stop()
	}
	s.timers[rideID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, rideID)
		s.mu.Unlock()
		fire()
	})
}

func (s *Service) stopTimer(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[rideID]; ok {
		t.Stop()
		delete(s.timers, rideID)
	}
}

// Shutdown stops every outstanding search timer. Deadlines survive via the
// abandoned-search safety net after restart.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything under one mutex, which trivially gives the
// transactional isolation the contract asks for. Used by tests and
// index-less local runs.
type MemoryStore struct {
	mu      sync.Mutex
	rides   map[string]*models.Ride
	offers  map[string]*models.Offer
	drivers map[string]*models.Driver
	history []models.PositionPing
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		offers:  make(map[string]*models.Offer),
		drivers: make(map[string]*models.Driver),
	}
}

// AddDriver seeds a driver record; mainly for tests and dev bootstrap.
func (m *MemoryStore) AddDriver(d *models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.drivers[d.ID] = &cp
}

func copyRide(r *models.Ride) *models.Ride {
	cp := *r
	return &cp
}

func copyOffer(o *models.Offer) *models.Offer {
	cp := *o
	return &cp
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = copyRide(r)
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, apperr.NotFound("ride %s", id)
	}
	return copyRide(r), nil
}

func (m *MemoryStore) ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *models.Ride
	for _, r := range m.rides {
		if r.RiderID != riderID || r.State.Terminal() {
			continue
		}
		if newest == nil || r.RequestedAt.After(newest.RequestedAt) {
			newest = r
		}
	}
	if newest == nil {
		return nil, nil
	}
	return copyRide(newest), nil
}

func (m *MemoryStore) ListOpenRides(ctx context.Context, limit int) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.State.Biddable() {
			out = append(out, copyRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) StartRide(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, apperr.NotFound("ride %s", rideID)
	}
	if r.DriverID == nil || *r.DriverID != driverID {
		return nil, apperr.Conflict("ride %s is not assigned to driver %s", rideID, driverID)
	}
	if r.State != models.RideAccepted {
		return nil, apperr.Conflict("ride %s is %s, cannot start", rideID, r.State)
	}
	r.State = models.RideInProgress
	r.StartedAt = &at
	return copyRide(r), nil
}

func (m *MemoryStore) CompleteRide(ctx context.Context, rideID, driverID string, actualMinutes int, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, apperr.NotFound("ride %s", rideID)
	}
	if r.DriverID == nil || *r.DriverID != driverID {
		return nil, apperr.Conflict("ride %s is not assigned to driver %s", rideID, driverID)
	}
	if r.State != models.RideInProgress {
		return nil, apperr.Conflict("ride %s is %s, cannot complete", rideID, r.State)
	}
	r.State = models.RideCompleted
	r.CompletedAt = &at
	r.ActualMinutes = &actualMinutes
	return copyRide(r), nil
}

func (m *MemoryStore) CancelRide(ctx context.Context, rideID string, fromStates []models.RideState, reason, by string, at time.Time) (*CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, apperr.NotFound("ride %s", rideID)
	}
	if !stateIn(r.State, fromStates) {
		return nil, apperr.Conflict("ride %s is %s, cannot cancel", rideID, r.State)
	}
	r.State = models.RideCancelled
	r.CancelledAt = &at
	r.CancelReason = reason
	r.CancelledBy = by
	res := &CancelResult{Ride: copyRide(r)}
	for _, o := range m.offers {
		if o.RideID == rideID && (o.State == models.OfferPending || o.State == models.OfferCountered) {
			o.State = models.OfferCancelled
			res.CancelledOffers = append(res.CancelledOffers, copyOffer(o))
		}
	}
	return res, nil
}

func (m *MemoryStore) DeleteActiveSearch(ctx context.Context, riderID string) ([]*CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CancelResult
	for id, r := range m.rides {
		if r.RiderID != riderID || !r.State.Biddable() {
			continue
		}
		res := &CancelResult{Ride: copyRide(r)}
		for oid, o := range m.offers {
			if o.RideID == id {
				if o.State == models.OfferPending || o.State == models.OfferCountered {
					res.CancelledOffers = append(res.CancelledOffers, copyOffer(o))
				}
				delete(m.offers, oid)
			}
		}
		delete(m.rides, id)
		out = append(out, res)
	}
	return out, nil
}

func (m *MemoryStore) CreateOffer(ctx context.Context, o *models.Offer, ceiling int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[o.RideID]
	if !ok {
		return apperr.NotFound("ride %s", o.RideID)
	}
	if !r.State.Biddable() {
		return apperr.Conflict("ride %s is %s, no longer accepting offers", o.RideID, r.State)
	}
	pending := 0
	for _, existing := range m.offers {
		if existing.RideID != o.RideID {
			continue
		}
		if existing.DriverID == o.DriverID {
			return apperr.Conflict("driver %s already has an offer on ride %s", o.DriverID, o.RideID)
		}
		if existing.State == models.OfferPending {
			pending++
		}
	}
	if pending >= ceiling {
		return apperr.Conflict("ride %s reached the offer ceiling (%d)", o.RideID, ceiling)
	}
	m.offers[o.ID] = copyOffer(o)
	if r.State == models.RideRequested {
		r.State = models.RideOffersReceived
	}
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, apperr.NotFound("offer %s", id)
	}
	return copyOffer(o), nil
}

func (m *MemoryStore) ListRideOffers(ctx context.Context, rideID string) ([]*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Offer, 0)
	for _, o := range m.offers {
		if o.RideID == rideID {
			out = append(out, copyOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListDriverOffers(ctx context.Context, driverID string, f DriverOfferFilter) ([]*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Offer, 0)
	for _, o := range m.offers {
		if o.DriverID != driverID {
			continue
		}
		if f.State != "" && o.State != f.State {
			continue
		}
		out = append(out, copyOffer(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) HasDriverOffer(ctx context.Context, rideID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.offers {
		if o.RideID == rideID && o.DriverID == driverID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CountPendingOffers(ctx context.Context, rideID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.offers {
		if o.RideID == rideID && o.State == models.OfferPending {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AcceptOffer(ctx context.Context, rideID, offerID, riderID string, now time.Time) (*AcceptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.RiderID != riderID {
		return nil, apperr.NotFound("ride %s for rider %s", rideID, riderID)
	}
	if !r.State.Biddable() {
		return nil, apperr.Conflict("ride %s is %s, offer can no longer be accepted", rideID, r.State)
	}
	o, ok := m.offers[offerID]
	if !ok || o.RideID != rideID {
		return nil, apperr.NotFound("offer %s on ride %s", offerID, rideID)
	}
	if o.State != models.OfferPending {
		return nil, apperr.Conflict("offer %s is %s, not pending", offerID, o.State)
	}
	if o.Expired(now) {
		o.State = models.OfferExpired
		return nil, apperr.Conflict("offer %s has expired", offerID)
	}

	driverID := o.DriverID
	r.State = models.RideAccepted
	r.DriverID = &driverID
	if d, ok := m.drivers[driverID]; ok {
		r.VehicleID = d.VehicleID
	}
	fare := o.ProposedFare
	r.AgreedFare = &fare
	r.AcceptedAt = &now

	o.State = models.OfferAccepted
	o.AcceptedAt = &now

	res := &AcceptResult{Ride: copyRide(r), Offer: copyOffer(o)}
	for _, other := range m.offers {
		if other.RideID == rideID && other.ID != offerID && (other.State == models.OfferPending || other.State == models.OfferCountered) {
			other.State = models.OfferRejected
			other.RejectedAt = &now
			res.RejectedOffers = append(res.RejectedOffers, copyOffer(other))
		}
	}
	return res, nil
}

func (m *MemoryStore) RejectOffer(ctx context.Context, rideID, offerID, riderID string, at time.Time) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.RiderID != riderID {
		return nil, apperr.NotFound("ride %s for rider %s", rideID, riderID)
	}
	o, ok := m.offers[offerID]
	if !ok || o.RideID != rideID {
		return nil, apperr.NotFound("offer %s on ride %s", offerID, rideID)
	}
	if o.State != models.OfferPending && o.State != models.OfferCountered {
		return nil, apperr.Conflict("offer %s is %s, cannot reject", offerID, o.State)
	}
	o.State = models.OfferRejected
	o.RejectedAt = &at
	return copyOffer(o), nil
}

func (m *MemoryStore) ExpireOffer(ctx context.Context, offerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return apperr.NotFound("offer %s", offerID)
	}
	if o.State == models.OfferPending || o.State == models.OfferCountered {
		o.State = models.OfferExpired
	}
	return nil
}

func (m *MemoryStore) CounterOffer(ctx context.Context, offerID string, fare float64, expiresAt time.Time) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return nil, apperr.NotFound("offer %s", offerID)
	}
	if o.State != models.OfferPending {
		return nil, apperr.Conflict("offer %s is %s, cannot counter", offerID, o.State)
	}
	o.State = models.OfferCountered
	o.CounterFare = &fare
	o.ExpiresAt = expiresAt
	return copyOffer(o), nil
}

func (m *MemoryStore) ResolveCounter(ctx context.Context, offerID, driverID string, accept bool, now, expiresAt time.Time) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok || o.DriverID != driverID {
		return nil, apperr.NotFound("offer %s for driver %s", offerID, driverID)
	}
	if o.State != models.OfferCountered || o.CounterFare == nil {
		return nil, apperr.Conflict("offer %s is %s, no counter to resolve", offerID, o.State)
	}
	if accept {
		o.ProposedFare = *o.CounterFare
		o.CounterFare = nil
		o.State = models.OfferPending
		o.ExpiresAt = expiresAt
	} else {
		o.State = models.OfferRejected
		o.RejectedAt = &now
	}
	return copyOffer(o), nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, apperr.NotFound("driver %s", id)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpdateDriverPosition(ctx context.Context, id string, lat, lng float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return apperr.NotFound("driver %s", id)
	}
	d.Position = &models.Coord{Lat: lat, Lng: lng}
	return nil
}

func (m *MemoryStore) SetDriverAvailability(ctx context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return apperr.NotFound("driver %s", id)
	}
	d.Available = available
	return nil
}

func (m *MemoryStore) FindNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.NearbyDriver, 0)
	for _, d := range m.drivers {
		if !d.Eligible() || d.Position == nil {
			continue
		}
		dist := geo.Haversine(lat, lng, d.Position.Lat, d.Position.Lng)
		if dist > radiusKm {
			continue
		}
		out = append(out, models.NearbyDriver{DriverID: d.ID, DistanceKm: dist, Lat: d.Position.Lat, Lng: d.Position.Lng})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveLocationSample(ctx context.Context, ping models.PositionPing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, ping)
	return nil
}

func (m *MemoryStore) PurgeLocationHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.history[:0]
	var purged int64
	for _, p := range m.history {
		if p.ReportedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, p)
	}
	m.history = kept
	return purged, nil
}

// HistoryLen reports how many sampled pings are retained; test helper.
func (m *MemoryStore) HistoryLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

func stateIn(s models.RideState, set []models.RideState) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

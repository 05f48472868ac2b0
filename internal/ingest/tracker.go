package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
)

// driverStore is the slice of the durable store the tracker needs.
type driverStore interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	SetDriverAvailability(ctx context.Context, id string, available bool) error
	SaveLocationSample(ctx context.Context, ping models.PositionPing) error
	PurgeLocationHistory(ctx context.Context, olderThan time.Time) (int64, error)
}

// RequestFinder reports how many open ride requests sit near a point. The
// tracker uses it to nudge drivers as they move.
type RequestFinder interface {
	NearbyOpenRides(ctx context.Context, lat, lng float64) (int, error)
}

type positionPublisher interface {
	PublishPosition(ping models.PositionPing) error
}

type trackEntry struct {
	lastSeen time.Time
	pings    int
	lat, lng float64
}

// Config for the tracker; zero values are filled with the ingestion
// defaults (5s report interval, 6 missed intervals before eviction).
type TrackerConfig struct {
	Interval      time.Duration
	StaleAfter    time.Duration
	SweepEvery    time.Duration
	SampleEvery   int
	HistoryMaxAge time.Duration
}

func (c *TrackerConfig) fill() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 6 * c.Interval
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 2 * time.Minute
	}
	if c.SampleEvery <= 0 {
		c.SampleEvery = 10
	}
	if c.HistoryMaxAge <= 0 {
		c.HistoryMaxAge = 7 * 24 * time.Hour
	}
}

// ReportResult tells the caller how a position report was handled.
// Degraded means the durable mirror took the write but the geo index did
// not; the driver stays dispatchable through the fallback path.
type ReportResult struct {
	Degraded    bool `json:"degraded"`
	Sampled     bool `json:"sampled"`
	NearbyRides int  `json:"nearby_rides"`
}

// Tracker owns the driver location ingestion session lifecycle: start,
// periodic reports, stop, and the staleness sweep that force-stops drivers
// who went silent.
type Tracker struct {
	cfg      TrackerConfig
	locator  geo.Locator
	store    driverStore
	requests RequestFinder
	notifier notify.Notifier
	producer positionPublisher
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	track map[string]*trackEntry
}

func NewTracker(cfg TrackerConfig, locator geo.Locator, store driverStore, requests RequestFinder, notifier notify.Notifier, producer positionPublisher, log *slog.Logger) *Tracker {
	cfg.fill()
	return &Tracker{
		cfg:      cfg,
		locator:  locator,
		store:    store,
		requests: requests,
		notifier: notifier,
		producer: producer,
		log:      log,
		now:      time.Now,
		track:    make(map[string]*trackEntry),
	}
}

// StartTracking opens an ingestion session at the driver's current
// position. The driver must exist and be active; starting seeds the geo
// index with the initial coordinates and marks them available, so the
// driver is never dispatchable against a previous session's location.
func (t *Tracker) StartTracking(ctx context.Context, driverID string, lat, lng float64) error {
	if !(models.Coord{Lat: lat, Lng: lng}).Valid() {
		return apperr.Invalid("coordinates out of range")
	}
	d, err := t.store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	if !d.Active {
		return apperr.Conflict("driver %s is not active", driverID)
	}
	if err := t.locator.Upsert(ctx, driverID, lat, lng); err != nil {
		if !apperr.IsUnavailable(err) {
			return err
		}
		t.log.Warn("geo index write failed, serving from durable mirror", "driver_id", driverID, "error", err)
	}
	if err := t.store.SetDriverAvailability(ctx, driverID, true); err != nil {
		return err
	}
	t.mu.Lock()
	if _, ok := t.track[driverID]; !ok {
		t.track[driverID] = &trackEntry{lastSeen: t.now(), lat: lat, lng: lng}
		observability.DriversTracked.Inc()
	}
	t.mu.Unlock()
	t.log.Info("tracking started", "driver_id", driverID)
	return nil
}

// ReportPosition ingests one ping. The durable mirror is written first; an
// index failure degrades rather than fails the report.
func (t *Tracker) ReportPosition(ctx context.Context, ping models.PositionPing) (*ReportResult, error) {
	if !(models.Coord{Lat: ping.Lat, Lng: ping.Lng}).Valid() {
		return nil, apperr.Invalid("coordinates out of range")
	}
	t.mu.Lock()
	entry, ok := t.track[ping.DriverID]
	var sampled bool
	if ok {
		entry.lastSeen = t.now()
		entry.pings++
		entry.lat, entry.lng = ping.Lat, ping.Lng
		sampled = entry.pings%t.cfg.SampleEvery == 0
	}
	t.mu.Unlock()
	if !ok {
		return nil, apperr.Conflict("driver %s is not tracking", ping.DriverID)
	}

	res := &ReportResult{}
	if err := t.locator.Upsert(ctx, ping.DriverID, ping.Lat, ping.Lng); err != nil {
		if !apperr.IsUnavailable(err) {
			return nil, err
		}
		res.Degraded = true
		t.log.Warn("geo index write failed, serving from durable mirror", "driver_id", ping.DriverID, "error", err)
	}

	if sampled {
		res.Sampled = true
		if err := t.store.SaveLocationSample(ctx, ping); err != nil {
			t.log.Warn("location sample write failed", "driver_id", ping.DriverID, "error", err)
		}
	}

	if t.producer != nil {
		if err := t.producer.PublishPosition(ping); err != nil {
			t.log.Warn("firehose publish failed", "driver_id", ping.DriverID, "error", err)
		}
	}

	if t.requests != nil {
		if n, err := t.requests.NearbyOpenRides(ctx, ping.Lat, ping.Lng); err == nil && n > 0 {
			res.NearbyRides = n
			t.notifier.NotifyDriver(ping.DriverID, notify.NewEvent(notify.EventNearbyUpdated,
				notify.NearbyUpdatedPayload{Count: n, Lat: ping.Lat, Lng: ping.Lng}))
		}
	}
	return res, nil
}

// StopTracking closes the session: the driver leaves the geo index and is
// marked unavailable so the durable fallback stops offering them too.
func (t *Tracker) StopTracking(ctx context.Context, driverID string) error {
	t.mu.Lock()
	_, ok := t.track[driverID]
	delete(t.track, driverID)
	t.mu.Unlock()
	if ok {
		observability.DriversTracked.Dec()
	}
	if err := t.locator.Remove(ctx, driverID); err != nil {
		t.log.Warn("geo index remove failed", "driver_id", driverID, "error", err)
	}
	if err := t.store.SetDriverAvailability(ctx, driverID, false); err != nil && !apperr.IsNotFound(err) {
		return err
	}
	t.log.Info("tracking stopped", "driver_id", driverID)
	return nil
}

// Tracking reports whether a driver has an open ingestion session.
func (t *Tracker) Tracking(driverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.track[driverID]
	return ok
}

// Run sweeps for stale sessions until ctx is done. A driver silent for
// longer than StaleAfter is force-stopped so riders never get matched to a
// ghost position. Location history past its retention window is purged on
// a slower cadence.
func (t *Tracker) Run(ctx context.Context) {
	sweep := time.NewTicker(t.cfg.SweepEvery)
	purge := time.NewTicker(time.Hour)
	defer sweep.Stop()
	defer purge.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			t.sweep(ctx)
		case <-purge.C:
			if n, err := t.store.PurgeLocationHistory(ctx, t.now().Add(-t.cfg.HistoryMaxAge)); err != nil {
				t.log.Warn("history purge failed", "error", err)
			} else if n > 0 {
				t.log.Info("purged location history", "rows", n)
			}
		}
	}
}

func (t *Tracker) sweep(ctx context.Context) {
	cutoff := t.now().Add(-t.cfg.StaleAfter)
	t.mu.Lock()
	var stale []string
	for id, e := range t.track {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()
	for _, id := range stale {
		observability.StaleEvictions.Inc()
		t.log.Info("evicting stale driver", "driver_id", id)
		if err := t.StopTracking(ctx, id); err != nil {
			t.log.Warn("stale eviction failed", "driver_id", id, "error", err)
		}
	}
}

// Sweep runs one staleness pass immediately; exported for tests and for
// operational tooling.
func (t *Tracker) Sweep(ctx context.Context) { t.sweep(ctx) }

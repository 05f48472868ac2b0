package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeLocator struct {
	mu        sync.Mutex
	upserts   int
	removed   []string
	upsertErr error
}

func (f *fakeLocator) FindNearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	return nil, nil
}

func (f *fakeLocator) Upsert(ctx context.Context, driverID string, lat, lng float64) error {
	f.mu.Lock()
	f.upserts++
	f.mu.Unlock()
	return f.upsertErr
}

func (f *fakeLocator) Remove(ctx context.Context, driverID string) error {
	f.removed = append(f.removed, driverID)
	return nil
}

type fakeFinder struct{ count int }

func (f *fakeFinder) NearbyOpenRides(ctx context.Context, lat, lng float64) (int, error) {
	return f.count, nil
}

type recNotifier struct{ driver map[string][]notify.Event }

func (n *recNotifier) NotifyRider(string, notify.Event) {}
func (n *recNotifier) NotifyDriver(id string, ev notify.Event) {
	n.driver[id] = append(n.driver[id], ev)
}

type fakeProducer struct{ pings []models.PositionPing }

func (f *fakeProducer) PublishPosition(p models.PositionPing) error {
	f.pings = append(f.pings, p)
	return nil
}

func newTestTracker(cfg TrackerConfig, loc *fakeLocator, finder RequestFinder, producer positionPublisher) (*Tracker, *storage.MemoryStore, *recNotifier) {
	store := storage.NewMemoryStore()
	n := &recNotifier{driver: map[string][]notify.Event{}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(cfg, loc, store, finder, n, producer, log), store, n
}

func activeDriver(store *storage.MemoryStore, id string) {
	store.AddDriver(&models.Driver{ID: id, Active: true, Available: false})
}

func ping(id string) models.PositionPing {
	return models.PositionPing{DriverID: id, Lat: 1, Lng: 2, ReportedAt: time.Now()}
}

func TestStartTrackingRequiresActiveDriver(t *testing.T) {
	tr, store, _ := newTestTracker(TrackerConfig{}, &fakeLocator{}, nil, nil)
	ctx := context.Background()

	if err := tr.StartTracking(ctx, "ghost", 1, 2); !apperr.IsNotFound(err) {
		t.Fatalf("unknown driver, got %v", err)
	}

	store.AddDriver(&models.Driver{ID: "banned", Active: false})
	if err := tr.StartTracking(ctx, "banned", 1, 2); !apperr.IsConflict(err) {
		t.Fatalf("inactive driver cannot track, got %v", err)
	}

	activeDriver(store, "d1")
	if err := tr.StartTracking(ctx, "d1", 1, 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	d, _ := store.GetDriver(ctx, "d1")
	if !d.Available {
		t.Fatalf("starting a session should mark the driver available")
	}
	if !tr.Tracking("d1") {
		t.Fatalf("session should be open")
	}
}

func TestReportRequiresSession(t *testing.T) {
	tr, store, _ := newTestTracker(TrackerConfig{}, &fakeLocator{}, nil, nil)
	activeDriver(store, "d1")

	if _, err := tr.ReportPosition(context.Background(), ping("d1")); !apperr.IsConflict(err) {
		t.Fatalf("reports without a session must be refused, got %v", err)
	}
}

func TestReportInvalidCoordinates(t *testing.T) {
	tr, store, _ := newTestTracker(TrackerConfig{}, &fakeLocator{}, nil, nil)
	activeDriver(store, "d1")
	tr.StartTracking(context.Background(), "d1", 1, 2)

	bad := models.PositionPing{DriverID: "d1", Lat: 95, Lng: 0}
	if _, err := tr.ReportPosition(context.Background(), bad); !apperr.IsInvalid(err) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestReportDegradesWhenIndexDown(t *testing.T) {
	loc := &fakeLocator{upsertErr: apperr.Unavailable("geo index write failed", errors.New("down"))}
	tr, store, _ := newTestTracker(TrackerConfig{}, loc, nil, nil)
	activeDriver(store, "d1")
	tr.StartTracking(context.Background(), "d1", 1, 2)

	res, err := tr.ReportPosition(context.Background(), ping("d1"))
	if err != nil {
		t.Fatalf("index outage must not fail the report: %v", err)
	}
	if !res.Degraded {
		t.Fatalf("expected degraded result, got %+v", res)
	}
}

func TestReportSamplesEveryNth(t *testing.T) {
	tr, store, _ := newTestTracker(TrackerConfig{SampleEvery: 3}, &fakeLocator{}, nil, nil)
	activeDriver(store, "d1")
	tr.StartTracking(context.Background(), "d1", 1, 2)

	sampled := 0
	for i := 0; i < 6; i++ {
		res, err := tr.ReportPosition(context.Background(), ping("d1"))
		if err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
		if res.Sampled {
			sampled++
		}
	}
	if sampled != 2 || store.HistoryLen() != 2 {
		t.Fatalf("expected 2 of 6 pings sampled, got sampled=%d stored=%d", sampled, store.HistoryLen())
	}
}

func TestReportPublishesToFirehose(t *testing.T) {
	prod := &fakeProducer{}
	tr, store, _ := newTestTracker(TrackerConfig{}, &fakeLocator{}, nil, prod)
	activeDriver(store, "d1")
	tr.StartTracking(context.Background(), "d1", 1, 2)

	if _, err := tr.ReportPosition(context.Background(), ping("d1")); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(prod.pings) != 1 || prod.pings[0].DriverID != "d1" {
		t.Fatalf("ping should hit the firehose, got %+v", prod.pings)
	}
}

func TestReportAdvisesNearbyRequests(t *testing.T) {
	tr, store, n := newTestTracker(TrackerConfig{}, &fakeLocator{}, &fakeFinder{count: 2}, nil)
	activeDriver(store, "d1")
	tr.StartTracking(context.Background(), "d1", 1, 2)

	res, err := tr.ReportPosition(context.Background(), ping("d1"))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if res.NearbyRides != 2 {
		t.Fatalf("expected 2 nearby rides, got %+v", res)
	}
	evs := n.driver["d1"]
	if len(evs) != 1 || evs[0].Type != notify.EventNearbyUpdated {
		t.Fatalf("driver should get the nudge, got %+v", evs)
	}
}

func TestStopTracking(t *testing.T) {
	loc := &fakeLocator{}
	tr, store, _ := newTestTracker(TrackerConfig{}, loc, nil, nil)
	activeDriver(store, "d1")
	tr.StartTracking(context.Background(), "d1", 1, 2)

	if err := tr.StopTracking(context.Background(), "d1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if tr.Tracking("d1") {
		t.Fatalf("session should be closed")
	}
	if len(loc.removed) != 1 || loc.removed[0] != "d1" {
		t.Fatalf("driver should leave the index, got %v", loc.removed)
	}
	d, _ := store.GetDriver(context.Background(), "d1")
	if d.Available {
		t.Fatalf("stopped driver must not be dispatchable")
	}
}

func TestStaleSweepEvictsSilentDrivers(t *testing.T) {
	loc := &fakeLocator{}
	tr, store, _ := newTestTracker(TrackerConfig{Interval: 5 * time.Second}, loc, nil, nil)
	activeDriver(store, "d1")
	activeDriver(store, "d2")
	tr.StartTracking(context.Background(), "d1", 1, 2)
	tr.StartTracking(context.Background(), "d2", 1, 2)
	tr.ReportPosition(context.Background(), ping("d1"))
	tr.ReportPosition(context.Background(), ping("d2"))

	// d2 keeps reporting, d1 goes silent.
	tr.now = func() time.Time { return time.Now().Add(time.Minute) }
	tr.ReportPosition(context.Background(), ping("d2"))

	tr.Sweep(context.Background())

	if tr.Tracking("d1") {
		t.Fatalf("silent driver should be evicted")
	}
	if !tr.Tracking("d2") {
		t.Fatalf("reporting driver should survive the sweep")
	}
	d1, _ := store.GetDriver(context.Background(), "d1")
	if d1.Available {
		t.Fatalf("evicted driver must not be dispatchable")
	}
}

func TestStartTrackingSeedsPosition(t *testing.T) {
	loc := &fakeLocator{}
	tr, store, _ := newTestTracker(TrackerConfig{}, loc, nil, nil)
	activeDriver(store, "d1")

	if err := tr.StartTracking(context.Background(), "d1", 95, 0); !apperr.IsInvalid(err) {
		t.Fatalf("bad initial coordinates must be refused, got %v", err)
	}
	if loc.upserts != 0 {
		t.Fatalf("refused start must not touch the index")
	}

	if err := tr.StartTracking(context.Background(), "d1", 1, 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	if loc.upserts != 1 {
		t.Fatalf("starting a session must seed the current position, upserts=%d", loc.upserts)
	}
}

func TestReportConcurrentPings(t *testing.T) {
	tr, store, _ := newTestTracker(TrackerConfig{SampleEvery: 3}, &fakeLocator{}, nil, nil)
	activeDriver(store, "d1")
	tr.StartTracking(context.Background(), "d1", 1, 2)

	const reporters = 8
	const each = 25
	done := make(chan struct{})
	for i := 0; i < reporters; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < each; j++ {
				if _, err := tr.ReportPosition(context.Background(), ping("d1")); err != nil {
					t.Errorf("report: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < reporters; i++ {
		<-done
	}
	if got := store.HistoryLen(); got != reporters*each/3 {
		t.Fatalf("every 3rd ping samples exactly once, got %d", got)
	}
}

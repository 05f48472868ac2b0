package geo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLat(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111.19) > 0.5 {
		t.Fatalf("expected ~111.19km, got %f", d)
	}
}

type fakeSource struct {
	drivers   map[string]*models.Driver
	nearby    []models.NearbyDriver
	nearbyErr error
	updated   map[string]models.Coord
}

func newFakeSource() *fakeSource {
	return &fakeSource{drivers: map[string]*models.Driver{}, updated: map[string]models.Coord{}}
}

func (f *fakeSource) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, ok := f.drivers[id]
	if !ok {
		return nil, apperr.NotFound("driver %s", id)
	}
	return d, nil
}

func (f *fakeSource) FindNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	return f.nearby, f.nearbyErr
}

func (f *fakeSource) UpdateDriverPosition(ctx context.Context, id string, lat, lng float64) error {
	f.updated[id] = models.Coord{Lat: lat, Lng: lng}
	return nil
}

type fakeIndex struct {
	members   []string
	searchErr error
	addErr    error
	status    map[string]bool
	statusErr error
	removed   []string
}

func (f *fakeIndex) Add(ctx context.Context, key string, lng, lat float64, member string) error {
	return f.addErr
}

func (f *fakeIndex) Search(ctx context.Context, key string, lng, lat, radiusKm float64, count int) ([]string, error) {
	return f.members, f.searchErr
}

func (f *fakeIndex) Remove(ctx context.Context, key, member string) error {
	f.removed = append(f.removed, member)
	return nil
}

func (f *fakeIndex) SetStatus(ctx context.Context, member string, ttl time.Duration) error { return nil }

func (f *fakeIndex) Status(ctx context.Context, member string) (bool, error) {
	return f.status[member], f.statusErr
}

func (f *fakeIndex) DelStatus(ctx context.Context, member string) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLocator(idx *fakeIndex, src *fakeSource) *RedisLocator {
	return &RedisLocator{index: idx, store: src, key: "drv", statusTTL: time.Hour, candidateCap: 20, log: testLogger()}
}

func TestFindNearbyFallsBackOnIndexError(t *testing.T) {
	src := newFakeSource()
	src.nearby = []models.NearbyDriver{{DriverID: "d1", DistanceKm: 2.5}}
	l := newTestLocator(&fakeIndex{searchErr: errors.New("down")}, src)

	got, err := l.FindNearby(context.Background(), 0, 0, 20, 5)
	if err != nil {
		t.Fatalf("fallback should not error: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "d1" {
		t.Fatalf("expected fallback result, got %+v", got)
	}
}

func TestFindNearbyFallsBackOnStatusError(t *testing.T) {
	src := newFakeSource()
	src.nearby = []models.NearbyDriver{{DriverID: "d1", DistanceKm: 2.5}}
	idx := &fakeIndex{members: []string{"d1"}, statusErr: errors.New("down")}
	l := newTestLocator(idx, src)

	got, err := l.FindNearby(context.Background(), 0, 0, 20, 5)
	if err != nil {
		t.Fatalf("fallback should not error: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "d1" {
		t.Fatalf("an index dying mid-query must not drop eligible drivers, got %+v", got)
	}
}

func TestFindNearbyVerifiesCandidatesAgainstStore(t *testing.T) {
	src := newFakeSource()
	src.drivers["dead"] = &models.Driver{ID: "dead", Active: true, Available: true, Position: &models.Coord{Lat: 0.01, Lng: 0}}
	src.drivers["busy"] = &models.Driver{ID: "busy", Active: true, Available: false, Position: &models.Coord{Lat: 0.01, Lng: 0}}
	src.drivers["far"] = &models.Driver{ID: "far", Active: true, Available: true, Position: &models.Coord{Lat: 5, Lng: 5}}
	src.drivers["good"] = &models.Driver{ID: "good", Active: true, Available: true, Position: &models.Coord{Lat: 0.02, Lng: 0}}

	idx := &fakeIndex{
		members: []string{"dead", "busy", "far", "good", "missing"},
		status:  map[string]bool{"busy": true, "far": true, "good": true, "missing": true},
	}
	l := newTestLocator(idx, src)

	got, err := l.FindNearby(context.Background(), 0, 0, 20, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "good" {
		t.Fatalf("expected only the eligible in-range driver, got %+v", got)
	}
}

func TestFindNearbySortsAndCaps(t *testing.T) {
	src := newFakeSource()
	src.drivers["near"] = &models.Driver{ID: "near", Active: true, Available: true, Position: &models.Coord{Lat: 0.01, Lng: 0}}
	src.drivers["mid"] = &models.Driver{ID: "mid", Active: true, Available: true, Position: &models.Coord{Lat: 0.05, Lng: 0}}
	src.drivers["edge"] = &models.Driver{ID: "edge", Active: true, Available: true, Position: &models.Coord{Lat: 0.1, Lng: 0}}

	idx := &fakeIndex{
		members: []string{"edge", "near", "mid"},
		status:  map[string]bool{"edge": true, "near": true, "mid": true},
	}
	l := newTestLocator(idx, src)

	got, err := l.FindNearby(context.Background(), 0, 0, 20, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].DriverID != "near" || got[1].DriverID != "mid" {
		t.Fatalf("expected [near mid], got %+v", got)
	}
}

func TestUpsertMirrorsStoreBeforeIndex(t *testing.T) {
	src := newFakeSource()
	l := newTestLocator(&fakeIndex{addErr: errors.New("down")}, src)

	err := l.Upsert(context.Background(), "d1", 1, 2)
	if !apperr.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if pos, ok := src.updated["d1"]; !ok || pos.Lat != 1 || pos.Lng != 2 {
		t.Fatalf("durable mirror should have the position, got %+v", src.updated)
	}
}

func TestMemoryLocatorRadiusAndEligibility(t *testing.T) {
	src := newFakeSource()
	src.drivers["a"] = &models.Driver{ID: "a", Active: true, Available: true, Position: &models.Coord{Lat: 0.01, Lng: 0}}
	src.drivers["b"] = &models.Driver{ID: "b", Active: false, Available: true, Position: &models.Coord{Lat: 0.01, Lng: 0}}

	l := NewMemoryLocator(src)
	if err := l.Upsert(context.Background(), "a", 0.01, 0); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := l.Upsert(context.Background(), "b", 0.01, 0); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := l.FindNearby(context.Background(), 0, 0, 20, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "a" {
		t.Fatalf("expected only the active driver, got %+v", got)
	}

	if err := l.Remove(context.Background(), "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ = l.FindNearby(context.Background(), 0, 0, 20, 10)
	if len(got) != 0 {
		t.Fatalf("expected empty after remove, got %+v", got)
	}
}

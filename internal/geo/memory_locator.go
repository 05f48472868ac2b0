package geo

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryLocator is an index-less locator for local runs and tests. It scans
// every tracked position, which is fine at dev scale; the eligibility
// predicate is the same one the Redis path applies.
type MemoryLocator struct {
	mu        sync.RWMutex
	store     DriverSource
	positions map[string]memoryEntry
}

type memoryEntry struct {
	lat, lng float64
}

func NewMemoryLocator(store DriverSource) *MemoryLocator {
	return &MemoryLocator{store: store, positions: make(map[string]memoryEntry)}
}

func (l *MemoryLocator) Upsert(ctx context.Context, driverID string, lat, lng float64) error {
	if err := l.store.UpdateDriverPosition(ctx, driverID, lat, lng); err != nil {
		return err
	}
	l.mu.Lock()
	l.positions[driverID] = memoryEntry{lat: lat, lng: lng}
	l.mu.Unlock()
	return nil
}

func (l *MemoryLocator) Remove(ctx context.Context, driverID string) error {
	l.mu.Lock()
	delete(l.positions, driverID)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLocator) FindNearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	l.mu.RLock()
	ids := make([]string, 0, len(l.positions))
	for id := range l.positions {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	out := make([]models.NearbyDriver, 0, len(ids))
	for _, id := range ids {
		d, err := l.store.GetDriver(ctx, id)
		if err != nil || d == nil || !d.Eligible() || d.Position == nil {
			continue
		}
		dist := Haversine(lat, lng, d.Position.Lat, d.Position.Lng)
		if dist > radiusKm {
			continue
		}
		out = append(out, models.NearbyDriver{
			DriverID:   id,
			DistanceKm: dist,
			Lat:        d.Position.Lat,
			Lng:        d.Position.Lng,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

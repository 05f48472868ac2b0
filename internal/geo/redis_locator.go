package geo

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// geoIndex is the small subset of index operations the locator needs; the
// indirection keeps RedisLocator testable without a live server.
type geoIndex interface {
	Add(ctx context.Context, key string, lng, lat float64, member string) error
	Search(ctx context.Context, key string, lng, lat, radiusKm float64, count int) ([]string, error)
	Remove(ctx context.Context, key, member string) error
	SetStatus(ctx context.Context, member string, ttl time.Duration) error
	Status(ctx context.Context, member string) (bool, error)
	DelStatus(ctx context.Context, member string) error
}

// RedisLocator keeps driver positions in a Redis geo set with a per-driver
// session-liveness key, and mirrors every write into durable storage so the
// fallback path stays consistent even if the index is flushed.
type RedisLocator struct {
	index        geoIndex
	store        DriverSource
	key          string
	statusTTL    time.Duration
	candidateCap int
	log          *slog.Logger
}

func NewRedisLocator(client *redis.Client, store DriverSource, key string, statusTTL time.Duration, candidateCap int, log *slog.Logger) *RedisLocator {
	return &RedisLocator{
		index:        &redisIndex{c: client},
		store:        store,
		key:          key,
		statusTTL:    statusTTL,
		candidateCap: candidateCap,
		log:          log,
	}
}

// Upsert mirrors the position into durable storage first, then refreshes the
// index entry and the session key. Index errors surface as Unavailable so the
// caller can report degraded success; the durable mirror has already landed.
func (l *RedisLocator) Upsert(ctx context.Context, driverID string, lat, lng float64) error {
	if err := l.store.UpdateDriverPosition(ctx, driverID, lat, lng); err != nil {
		return err
	}
	if err := l.index.Add(ctx, l.key, lng, lat, driverID); err != nil {
		return apperr.Unavailable("geo index write failed", err)
	}
	if err := l.index.SetStatus(ctx, driverID, l.statusTTL); err != nil {
		return apperr.Unavailable("geo status write failed", err)
	}
	return nil
}

func (l *RedisLocator) Remove(ctx context.Context, driverID string) error {
	if err := l.index.Remove(ctx, l.key, driverID); err != nil {
		return apperr.Unavailable("geo index remove failed", err)
	}
	if err := l.index.DelStatus(ctx, driverID); err != nil {
		return apperr.Unavailable("geo status remove failed", err)
	}
	return nil
}

// FindNearby runs the index radius query as a pre-filter, then re-verifies
// each candidate against the durable store and recomputes the exact haversine
// distance. Index failures never propagate; they switch the query to the
// durable-store fallback, which applies the identical eligibility predicate.
func (l *RedisLocator) FindNearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	ids, err := l.index.Search(ctx, l.key, lng, lat, radiusKm, l.candidateCap)
	if err != nil {
		l.log.Warn("geo index query failed, falling back to store", "error", err)
		observability.LocatorFallbacks.Inc()
		return l.store.FindNearbyDrivers(ctx, lat, lng, radiusKm, limit)
	}

	out := make([]models.NearbyDriver, 0, len(ids))
	for _, id := range ids {
		live, err := l.index.Status(ctx, id)
		if err != nil {
			// The index died mid-query; a clean live=false is a dead
			// session, but an error means we can no longer trust any of
			// the candidates.
			l.log.Warn("geo status read failed, falling back to store", "driver_id", id, "error", err)
			observability.LocatorFallbacks.Inc()
			return l.store.FindNearbyDrivers(ctx, lat, lng, radiusKm, limit)
		}
		if !live {
			continue
		}
		d, err := l.store.GetDriver(ctx, id)
		if err != nil || d == nil || !d.Eligible() || d.Position == nil {
			// Failed the durable-store check: dropped, not retried.
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

type redisIndex struct{ c *redis.Client }

func (r *redisIndex) Add(ctx context.Context, key string, lng, lat float64, member string) error {
	return r.c.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: member}).Err()
}

func (r *redisIndex) Search(ctx context.Context, key string, lng, lat, radiusKm float64, count int) ([]string, error) {
	res, err := r.c.GeoSearch(ctx, key, &redis.GeoSearchQuery{
		Longitude:  lng,
		Latitude:   lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
		Count:      count,
	}).Result()
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *redisIndex) Remove(ctx context.Context, key, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

func statusKey(member string) string { return "driver:status:" + member }

func (r *redisIndex) SetStatus(ctx context.Context, member string, ttl time.Duration) error {
	return r.c.Set(ctx, statusKey(member), "active", ttl).Err()
}

func (r *redisIndex) Status(ctx context.Context, member string) (bool, error) {
	v, err := r.c.Get(ctx, statusKey(member)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "active", nil
}

func (r *redisIndex) DelStatus(ctx context.Context, member string) error {
	return r.c.Del(ctx, statusKey(member)).Err()
}

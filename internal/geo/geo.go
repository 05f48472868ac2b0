package geo

import (
	"context"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Locator answers "who is near (lat,lng)" and keeps the position index
// current. Results are sorted ascending by distance.
type Locator interface {
	FindNearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.NearbyDriver, error)
	Upsert(ctx context.Context, driverID string, lat, lng float64) error
	Remove(ctx context.Context, driverID string) error
}

// DriverSource is the durable-store view the locator verifies candidates
// against. The geo index is a pre-filter; eligibility and exact distance
// always come from here.
type DriverSource interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	FindNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.NearbyDriver, error)
	UpdateDriverPosition(ctx context.Context, id string, lat, lng float64) error
}

// Haversine distance in kilometers.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

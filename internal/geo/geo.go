package geo

import (
	"context"
	"math"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// cellPrecision gives ~150m cells, fine enough to key location pings by neighbourhood.
const cellPrecision = 7

// Store is the live driver-location store. Availability is only mutated
// through CompareAndSwapAvailable; Upsert never touches it for known drivers.
type Store interface {
	Upsert(ctx context.Context, loc models.DriverLocation) error
	SetOnline(ctx context.Context, driverID string, online bool) error
	UpsertProfile(ctx context.Context, p models.DriverProfile) error
	Get(ctx context.Context, driverID string) (models.DriverLocation, error)
	Profile(ctx context.Context, driverID string) (models.DriverProfile, error)
	Nearby(ctx context.Context, q Query) ([]models.DriverLocation, error)
	CompareAndSwapAvailable(ctx context.Context, driverID string, expected, next bool) (bool, error)
}

// Query selects dispatchable drivers: online, available, verified, of one of
// Classes, seen after SeenAfter and within RadiusKm of Center.
type Query struct {
	Center    models.Coord
	RadiusKm  float64
	Classes   []models.VehicleClass
	SeenAfter time.Time
	Limit     int
}

// Match applies the non-spatial filters of q to loc.
func (q Query) Match(loc models.DriverLocation) bool {
	if !loc.Online || !loc.Available || !loc.Verified {
		return false
	}
	if !q.SeenAfter.IsZero() && loc.LastSeen.Before(q.SeenAfter) {
		return false
	}
	if len(q.Classes) == 0 {
		return true
	}
	for _, c := range q.Classes {
		if c == loc.VehicleClass {
			return true
		}
	}
	return false
}

// Cell returns the geohash cell of c.
func Cell(c models.Coord) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, cellPrecision)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is the great-circle distance between two coordinates.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}

// boundingBox returns the lat/lon extent covering radiusKm around c.
func boundingBox(c models.Coord, radiusKm float64) (min, max models.Coord) {
	const kmPerDegree = 111.32
	dLat := radiusKm / kmPerDegree
	cos := math.Cos(c.Lat * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01
	}
	dLon := radiusKm / (kmPerDegree * cos)
	return models.Coord{Lat: c.Lat - dLat, Lon: c.Lon - dLon}, models.Coord{Lat: c.Lat + dLat, Lon: c.Lon + dLon}
}

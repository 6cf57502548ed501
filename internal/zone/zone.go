// Package zone maps coordinates to service zones and their surge multipliers.
// Lookups are pure and safe for concurrent use.
package zone

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

const boundaryEpsilon = 1e-9

// Service resolves zones in the fixed priority order they were configured in;
// the first zone containing a point wins, including points on a shared edge.
type Service struct {
	zones []models.Zone
}

func NewService(zones []models.Zone) *Service {
	cp := make([]models.Zone, len(zones))
	for i, z := range zones {
		z.Polygon = append([]models.Coord(nil), z.Polygon...)
		z.ComputeExtent()
		cp[i] = z
	}
	return &Service{zones: cp}
}

// Locate returns the first zone containing p.
func (s *Service) Locate(p models.Coord) (models.Zone, bool) {
	for _, z := range s.zones {
		if Contains(z, p) {
			return z, true
		}
	}
	return models.Zone{}, false
}

// SurgeMultiplier is never below 1; points outside every zone get 1.
func (s *Service) SurgeMultiplier(p models.Coord, class models.VehicleClass) float64 {
	z, ok := s.Locate(p)
	if !ok {
		return 1
	}
	m := z.SurgeMultiplier
	if v, ok := z.ClassSurge[class]; ok {
		m = v
	}
	return math.Max(1, m)
}

// Contains reports whether p lies inside or on the boundary of z.
func Contains(z models.Zone, p models.Coord) bool {
	n := len(z.Polygon)
	if n < 3 {
		return false
	}
	if p.Lat < z.Min.Lat || p.Lat > z.Max.Lat || p.Lon < z.Min.Lon || p.Lon > z.Max.Lon {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := z.Polygon[i], z.Polygon[j]
		if onSegment(a, b, p) {
			return true
		}
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			x := (b.Lon-a.Lon)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lon
			if p.Lon < x {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(a, b, p models.Coord) bool {
	cross := (b.Lon-a.Lon)*(p.Lat-a.Lat) - (b.Lat-a.Lat)*(p.Lon-a.Lon)
	if math.Abs(cross) > boundaryEpsilon {
		return false
	}
	return p.Lon >= math.Min(a.Lon, b.Lon)-boundaryEpsilon && p.Lon <= math.Max(a.Lon, b.Lon)+boundaryEpsilon &&
		p.Lat >= math.Min(a.Lat, b.Lat)-boundaryEpsilon && p.Lat <= math.Max(a.Lat, b.Lat)+boundaryEpsilon
}

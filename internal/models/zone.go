package models

// Zone is a served polygon. Vertices are in order; the ring is closed implicitly.
type Zone struct {
	ID              string                   `json:"id"`
	Name            string                   `json:"name"`
	Polygon         []Coord                  `json:"polygon"`
	SurgeMultiplier float64                  `json:"surge_multiplier"`
	ClassSurge      map[VehicleClass]float64 `json:"class_surge,omitempty"`
	Min             Coord                    `json:"min"`
	Max             Coord                    `json:"max"`
}

// ComputeExtent fills Min/Max from the polygon.
func (z *Zone) ComputeExtent() {
	if len(z.Polygon) == 0 {
		return
	}
	z.Min, z.Max = z.Polygon[0], z.Polygon[0]
	for _, p := range z.Polygon[1:] {
		if p.Lat < z.Min.Lat {
			z.Min.Lat = p.Lat
		}
		if p.Lon < z.Min.Lon {
			z.Min.Lon = p.Lon
		}
		if p.Lat > z.Max.Lat {
			z.Max.Lat = p.Lat
		}
		if p.Lon > z.Max.Lon {
			z.Max.Lon = p.Lon
		}
	}
}

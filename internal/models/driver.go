package models

import "time"

// DriverLocation is the live presence record kept by the location store.
// Available is only ever flipped through compare-and-swap.
type DriverLocation struct {
	DriverID     string       `json:"driver_id"`
	Loc          Coord        `json:"loc"`
	Online       bool         `json:"online"`
	Available    bool         `json:"available"`
	Verified     bool         `json:"verified"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Geohash      string       `json:"geohash,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
}

type DriverProfile struct {
	DriverID       string  `json:"driver_id"`
	Rating         float64 `json:"rating"` // 0..5
	CompletedTrips int     `json:"completed_trips"`
}

// Candidate is computed per dispatch attempt and never persisted.
type Candidate struct {
	DriverID       string       `json:"driver_id"`
	Loc            Coord        `json:"loc"`
	VehicleClass   VehicleClass `json:"vehicle_class"`
	DistanceKm     float64      `json:"distance_km"`
	Rating         float64      `json:"rating"`
	CompletedTrips int          `json:"completed_trips"`
	Score          float64      `json:"score"`
}

package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

type VehicleClass string

const (
	VehicleMoto     VehicleClass = "moto"
	VehicleStandard VehicleClass = "standard"
	VehicleComfort  VehicleClass = "comfort"
	VehicleXL       VehicleClass = "xl"
	VehicleVan      VehicleClass = "van"
)

// VehicleClasses lists every class the rules file may reference.
var VehicleClasses = []VehicleClass{VehicleMoto, VehicleStandard, VehicleComfort, VehicleXL, VehicleVan}

func (v VehicleClass) Valid() bool {
	for _, c := range VehicleClasses {
		if c == v {
			return true
		}
	}
	return false
}

type ServiceType string

const (
	ServiceRide     ServiceType = "ride"
	ServiceDelivery ServiceType = "delivery"
)

func (s ServiceType) Valid() bool { return s == ServiceRide || s == ServiceDelivery }

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh || p == PriorityUrgent
}

type RequestStatus string

const (
	StatusPending            RequestStatus = "pending"
	StatusDispatching        RequestStatus = "dispatching"
	StatusBidding            RequestStatus = "bidding"
	StatusAccepted           RequestStatus = "accepted"
	StatusInProgress         RequestStatus = "in_progress"
	StatusCompleted          RequestStatus = "completed"
	StatusNoDriversAvailable RequestStatus = "no_drivers_available"
	StatusCancelled          RequestStatus = "cancelled"
	StatusCancelledByClient  RequestStatus = "cancelled_by_client"
)

// RequestTransitions is the request state flow as code.
var RequestTransitions = map[RequestStatus][]RequestStatus{
	StatusPending:     {StatusDispatching, StatusBidding, StatusCancelled},
	StatusBidding:     {StatusPending, StatusAccepted, StatusCancelled},
	StatusDispatching: {StatusAccepted, StatusNoDriversAvailable, StatusCancelled},
	StatusAccepted:    {StatusInProgress, StatusCancelledByClient, StatusDispatching},
	StatusInProgress:  {StatusCompleted},
}

func CanTransition(from, to RequestStatus) bool {
	for _, s := range RequestTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	_, ok := RequestTransitions[s]
	return !ok
}

// HoldsDriver reports whether a request in this status keeps its driver bound.
func (s RequestStatus) HoldsDriver() bool {
	return s == StatusAccepted || s == StatusInProgress
}

// Request is a ride or delivery ask. Prices are integer currency units.
type Request struct {
	ID                string        `json:"id"`
	RequesterID       string        `json:"requester_id"`
	Pickup            Coord         `json:"pickup"`
	Destination       Coord         `json:"destination"`
	VehicleClass      VehicleClass  `json:"vehicle_class"`
	ServiceType       ServiceType   `json:"service_type"`
	Priority          Priority      `json:"priority"`
	DistanceKm        float64       `json:"distance_km"`
	EstimatedPrice    int64         `json:"estimated_price"`
	SurgePrice        int64         `json:"surge_price"`
	FinalPrice        int64         `json:"final_price,omitempty"`
	PickupZoneID      string        `json:"pickup_zone_id,omitempty"`
	DestinationZoneID string        `json:"destination_zone_id,omitempty"`
	Status            RequestStatus `json:"status"`
	AssignedDriverID  string        `json:"assigned_driver_id,omitempty"`
	Bidding           bool          `json:"bidding"`
	BudgetCeiling     int64         `json:"budget_ceiling,omitempty"`
	BiddingDeadline   *time.Time    `json:"bidding_deadline,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Price is what the requester owes: the bound price once a driver accepted,
// otherwise the surge-adjusted quote.
func (r *Request) Price() int64 {
	if r.FinalPrice > 0 {
		return r.FinalPrice
	}
	if r.SurgePrice > 0 {
		return r.SurgePrice
	}
	return r.EstimatedPrice
}

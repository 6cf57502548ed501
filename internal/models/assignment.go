package models

import "time"

type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentAccepted  AssignmentStatus = "accepted"
	AssignmentTimedOut  AssignmentStatus = "timeout"
	AssignmentRejected  AssignmentStatus = "rejected"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// Active reports whether the assignment still holds its driver.
func (s AssignmentStatus) Active() bool {
	return s == AssignmentPending || s == AssignmentAccepted
}

// Assignment binds one request to one driver attempt.
type Assignment struct {
	ID          string           `json:"id"`
	RequestID   string           `json:"request_id"`
	DriverID    string           `json:"driver_id"`
	Status      AssignmentStatus `json:"status"`
	Score       float64          `json:"score"`
	ExpiresAt   time.Time        `json:"expires_at"`
	CreatedAt   time.Time        `json:"created_at"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`
}

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferExpired   OfferStatus = "expired"
	OfferWithdrawn OfferStatus = "withdrawn"
)

// Offer is a driver's counter-proposal in bidding mode.
type Offer struct {
	ID         string      `json:"id"`
	RequestID  string      `json:"request_id"`
	DriverID   string      `json:"driver_id"`
	Price      int64       `json:"price"`
	Message    string      `json:"message,omitempty"`
	ETASeconds float64     `json:"eta_seconds,omitempty"`
	Status     OfferStatus `json:"status"`
	ExpiresAt  time.Time   `json:"expires_at"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (o *Offer) IsExpired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

type FraudAction string

const (
	ActionNone    FraudAction = "none"
	ActionCharged FraudAction = "charged"
	ActionBanned  FraudAction = "banned"
)

type CancelInitiator string

const (
	CancelByRequester CancelInitiator = "requester"
	CancelByDriver    CancelInitiator = "driver"
)

// CancellationRecord is append-only.
type CancellationRecord struct {
	ID                 string          `json:"id"`
	RequestID          string          `json:"request_id"`
	RequesterID        string          `json:"requester_id"`
	DriverID           string          `json:"driver_id"`
	Initiator          CancelInitiator `json:"initiator"`
	DriverDistanceKm   float64         `json:"driver_distance_km"`
	DriverWasNear      bool            `json:"driver_was_near"`
	Suspicious         bool            `json:"suspicious"`
	NearCount24h       int             `json:"near_count_24h"`
	Action             FraudAction     `json:"action"`
	ChargeAmount       int64           `json:"charge_amount"`
	CompensationAmount int64           `json:"compensation_amount"`
	CreatedAt          time.Time       `json:"created_at"`
}

type Ban struct {
	UserID   string    `json:"user_id"`
	Reason   string    `json:"reason"`
	BannedAt time.Time `json:"banned_at"`
}

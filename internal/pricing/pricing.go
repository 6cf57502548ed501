// Package pricing turns a raw ride or delivery ask into a priced pending Request.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/zone"
)

// minTripKm treats anything closer as the same point.
const minTripKm = 0.001

// Input is the intake payload. Coordinates are pointers so a missing point is
// distinguishable from (0,0).
type Input struct {
	RequesterID   string              `json:"requester_id" validate:"required"`
	Pickup        *models.Coord       `json:"pickup" validate:"required"`
	Destination   *models.Coord       `json:"destination" validate:"required"`
	VehicleClass  models.VehicleClass `json:"vehicle_class" validate:"required"`
	ServiceType   models.ServiceType  `json:"service_type"`
	Priority      models.Priority     `json:"priority"`
	Bidding       bool                `json:"bidding"`
	BudgetCeiling int64               `json:"budget_ceiling" validate:"gte=0"`
}

// Quote is the price breakdown for one trip.
type Quote struct {
	DistanceKm        float64 `json:"distance_km"`
	BasePrice         int64   `json:"base_price"`
	PerKmRate         int64   `json:"per_km_rate"`
	EstimatedPrice    int64   `json:"estimated_price"`
	SurgeMultiplier   float64 `json:"surge_multiplier"`
	SurgePrice        int64   `json:"surge_price"`
	PickupZoneID      string  `json:"pickup_zone_id,omitempty"`
	DestinationZoneID string  `json:"destination_zone_id,omitempty"`
}

// BanChecker reports whether a requester is banned; nil ban means allowed.
type BanChecker interface {
	GetBan(ctx context.Context, userID string) (*models.Ban, error)
}

type Service struct {
	rules    config.Rules
	zones    *zone.Service
	bans     BanChecker
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(rules config.Rules, zones *zone.Service, bans BanChecker, logger *slog.Logger) *Service {
	return &Service{
		rules:    rules,
		zones:    zones,
		bans:     bans,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logging.Component(logger, "pricing"),
		now:      time.Now,
	}
}

// Estimate applies base + distance * per-km, rounded to whole currency units.
func Estimate(distanceKm float64, rule config.PricingRule) int64 {
	return rule.BasePrice + int64(math.Round(distanceKm*float64(rule.PerKmRate)))
}

// ApplySurge scales an estimate by a multiplier, never below the estimate.
func ApplySurge(estimate int64, multiplier float64) int64 {
	if multiplier < 1 {
		multiplier = 1
	}
	return int64(math.Round(float64(estimate) * multiplier))
}

func (s *Service) normalize(in *Input) error {
	if in.ServiceType == "" {
		in.ServiceType = models.ServiceRide
	}
	if in.Priority == "" {
		in.Priority = models.PriorityNormal
	}
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	if !in.ServiceType.Valid() || !in.Priority.Valid() {
		return fmt.Errorf("%w: service %q priority %q", models.ErrInvalidRequest, in.ServiceType, in.Priority)
	}
	if !in.VehicleClass.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnsupportedVehicleClass, in.VehicleClass)
	}
	if geo.DistanceKm(*in.Pickup, *in.Destination) < minTripKm {
		return fmt.Errorf("%w: pickup and destination are the same point", models.ErrInvalidRequest)
	}
	return nil
}

// Quote validates in and prices it without creating anything.
func (s *Service) Quote(in Input) (Quote, error) {
	if err := s.normalize(&in); err != nil {
		return Quote{}, err
	}
	return s.quote(in)
}

func (s *Service) quote(in Input) (Quote, error) {
	q := Quote{DistanceKm: geo.DistanceKm(*in.Pickup, *in.Destination)}
	if z, ok := s.zones.Locate(*in.Pickup); ok {
		q.PickupZoneID = z.ID
	}
	if z, ok := s.zones.Locate(*in.Destination); ok {
		q.DestinationZoneID = z.ID
	}
	rule, ok := s.rules.FindPricing(q.PickupZoneID, in.VehicleClass, in.ServiceType)
	if !ok {
		return Quote{}, fmt.Errorf("%w: no pricing for zone %q class %q service %q",
			models.ErrUnsupportedVehicleClass, q.PickupZoneID, in.VehicleClass, in.ServiceType)
	}
	q.BasePrice = rule.BasePrice
	q.PerKmRate = rule.PerKmRate
	q.EstimatedPrice = Estimate(q.DistanceKm, rule)
	q.SurgeMultiplier = s.zones.SurgeMultiplier(*in.Pickup, in.VehicleClass)
	q.SurgePrice = ApplySurge(q.EstimatedPrice, q.SurgeMultiplier)
	return q, nil
}

// Intake validates, prices and screens in, returning a new pending Request.
// Nothing is persisted here.
func (s *Service) Intake(ctx context.Context, in Input) (*models.Request, error) {
	if err := s.normalize(&in); err != nil {
		return nil, err
	}
	if s.bans != nil {
		ban, err := s.bans.GetBan(ctx, in.RequesterID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("pricing.Intake ban lookup: %w", err)
		}
		if ban != nil {
			s.logger.Info("refused banned requester", "requester_id", in.RequesterID, "reason", ban.Reason)
			return nil, models.ErrRequesterBanned
		}
	}
	q, err := s.quote(in)
	if err != nil {
		return nil, err
	}

	now := s.now()
	r := &models.Request{
		ID:                uuid.NewString(),
		RequesterID:       in.RequesterID,
		Pickup:            *in.Pickup,
		Destination:       *in.Destination,
		VehicleClass:      in.VehicleClass,
		ServiceType:       in.ServiceType,
		Priority:          in.Priority,
		DistanceKm:        q.DistanceKm,
		EstimatedPrice:    q.EstimatedPrice,
		SurgePrice:        q.SurgePrice,
		PickupZoneID:      q.PickupZoneID,
		DestinationZoneID: q.DestinationZoneID,
		Status:            models.StatusPending,
		Bidding:           in.Bidding,
		BudgetCeiling:     in.BudgetCeiling,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.logger.Debug("request priced", "request_id", r.ID, "distance_km", q.DistanceKm,
		"estimated", q.EstimatedPrice, "surge", q.SurgePrice, "zone", q.PickupZoneID)
	return r, nil
}

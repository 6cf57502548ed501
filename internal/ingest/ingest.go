// Package ingest accepts driver presence updates: location pings, online
// toggles and profile changes. It never touches availability, which belongs
// to the dispatch flows.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Ping is the wire format of a driver location update, shared by the HTTP
// endpoint and the Kafka topic.
type Ping struct {
	DriverID     string              `json:"driver_id" validate:"required"`
	Loc          *models.Coord       `json:"loc" validate:"required"`
	VehicleClass models.VehicleClass `json:"vehicle_class" validate:"required"`
	Verified     bool                `json:"verified"`
	Online       *bool               `json:"online,omitempty"`
	At           time.Time           `json:"at,omitempty"`
}

// Location converts the ping into the stored presence record. A ping without
// an explicit online flag means the driver is online.
func (p Ping) Location() models.DriverLocation {
	online := true
	if p.Online != nil {
		online = *p.Online
	}
	return models.DriverLocation{
		DriverID:     p.DriverID,
		Loc:          *p.Loc,
		Online:       online,
		Verified:     p.Verified,
		VehicleClass: p.VehicleClass,
		LastSeen:     p.At,
	}
}

// LocationPublisher forwards accepted pings downstream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, p Ping) error
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the ping's required fields, coordinates and vehicle class.
func (p Ping) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	if !p.VehicleClass.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnsupportedVehicleClass, p.VehicleClass)
	}
	return nil
}

// Decode parses and validates a ping read from the wire.
func Decode(b []byte) (Ping, error) {
	var p Ping
	if err := json.Unmarshal(b, &p); err != nil {
		return Ping{}, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	return p, p.Validate()
}

type Service struct {
	geo       geo.Store
	publisher LocationPublisher
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds the ingest path. publisher may be nil when no location
// topic is configured.
func NewService(store geo.Store, publisher LocationPublisher, pub events.Publisher, logger *slog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{geo: store, publisher: publisher, events: pub, logger: logging.Component(logger, "ingest"), now: time.Now}
}

// Ingest stores a location ping and forwards it to the location topic.
// Forwarding failures are logged, the local update still counts.
func (s *Service) Ingest(ctx context.Context, p Ping) (models.DriverLocation, error) {
	if err := p.Validate(); err != nil {
		return models.DriverLocation{}, err
	}
	if p.At.IsZero() {
		p.At = s.now()
	}
	wasOnline := false
	if prev, err := s.geo.Get(ctx, p.DriverID); err == nil {
		wasOnline = prev.Online
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.DriverLocation{}, err
	}

	loc := p.Location()
	if err := s.geo.Upsert(ctx, loc); err != nil {
		return models.DriverLocation{}, err
	}
	trackOnline(wasOnline, loc.Online)

	if s.publisher != nil {
		if err := s.publisher.PublishLocation(ctx, p); err != nil {
			observability.SideEffectFailures.WithLabelValues("location_publish").Inc()
			s.logger.Warn("publish location failed", "driver_id", p.DriverID, "err", err)
		}
	}
	stored, err := s.geo.Get(ctx, p.DriverID)
	if err != nil {
		return models.DriverLocation{}, err
	}
	s.events.Publish(ctx, events.Event{Type: events.DriverLocation, DriverID: p.DriverID, Payload: stored, At: p.At})
	return stored, nil
}

// SetOnline toggles whether the driver takes work. Unknown drivers are
// ErrNotFound: they must send a location first.
func (s *Service) SetOnline(ctx context.Context, driverID string, online bool) error {
	prev, err := s.geo.Get(ctx, driverID)
	if err != nil {
		return err
	}
	if err := s.geo.SetOnline(ctx, driverID, online); err != nil {
		return err
	}
	trackOnline(prev.Online, online)
	s.logger.Info("driver online toggled", "driver_id", driverID, "online", online)
	return nil
}

type profileInput struct {
	DriverID       string  `validate:"required"`
	Rating         float64 `validate:"gte=0,lte=5"`
	CompletedTrips int     `validate:"gte=0"`
}

func (s *Service) UpsertProfile(ctx context.Context, p models.DriverProfile) error {
	if err := validate.Struct(profileInput{p.DriverID, p.Rating, p.CompletedTrips}); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	return s.geo.UpsertProfile(ctx, p)
}

func trackOnline(was, is bool) {
	switch {
	case !was && is:
		observability.DriversOnline.Inc()
	case was && !is:
		observability.DriversOnline.Dec()
	}
}

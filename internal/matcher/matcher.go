// Package matcher finds dispatchable drivers around a pickup and ranks them.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Locator queries the live location store for eligible drivers.
type Locator struct {
	Geo       geo.Store
	Rules     config.Rules
	Freshness time.Duration
	Logger    *slog.Logger
	now       func() time.Time
}

func NewLocator(store geo.Store, rules config.Rules, freshness time.Duration, logger *slog.Logger) *Locator {
	return &Locator{Geo: store, Rules: rules, Freshness: freshness, Logger: logging.Component(logger, "matcher"), now: time.Now}
}

// FindCandidates returns every online, available, verified and compatible
// driver seen within the freshness window and inside the service radius.
// Drivers listed in exclude are skipped. An empty result is not an error.
func (l *Locator) FindCandidates(ctx context.Context, req *models.Request, exclude map[string]bool) ([]models.Candidate, error) {
	q := geo.Query{
		Center:   req.Pickup,
		RadiusKm: l.Rules.Radius(req.ServiceType),
		Classes:  l.Rules.CompatibleClasses(req.VehicleClass),
	}
	if l.Rules.MaxCandidates > 0 {
		// excluded drivers are dropped below, so they must not eat into the cap
		q.Limit = l.Rules.MaxCandidates + len(exclude)
	}
	if l.Freshness > 0 {
		q.SeenAfter = l.now().Add(-l.Freshness)
	}
	locs, err := l.Geo.Nearby(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("matcher.FindCandidates: %w", err)
	}

	out := make([]models.Candidate, 0, len(locs))
	for _, loc := range locs {
		if exclude[loc.DriverID] || (l.Rules.MaxCandidates > 0 && len(out) == l.Rules.MaxCandidates) {
			continue
		}
		d := geo.DistanceKm(loc.Loc, req.Pickup)
		if d > q.RadiusKm {
			continue
		}
		c := models.Candidate{DriverID: loc.DriverID, Loc: loc.Loc, VehicleClass: loc.VehicleClass, DistanceKm: d}
		p, err := l.Geo.Profile(ctx, loc.DriverID)
		switch {
		case err == nil:
			c.Rating = p.Rating
			c.CompletedTrips = p.CompletedTrips
		case errors.Is(err, models.ErrNotFound):
			// new driver, no history yet
		default:
			return nil, fmt.Errorf("matcher.FindCandidates profile %s: %w", loc.DriverID, err)
		}
		out = append(out, c)
	}
	observability.CandidatesFound.Observe(float64(len(out)))
	return out, nil
}

// Service combines lookup and ranking for a request.
type Service struct {
	Locator *Locator
	Scoring config.ScoringRules
}

func NewService(locator *Locator, scoring config.ScoringRules) *Service {
	return &Service{Locator: locator, Scoring: scoring}
}

// Ranked returns candidates ordered by descending score.
func (s *Service) Ranked(ctx context.Context, req *models.Request, exclude map[string]bool) ([]models.Candidate, error) {
	cands, err := s.Locator.FindCandidates(ctx, req, exclude)
	if err != nil {
		return nil, err
	}
	return Rank(cands, req.Priority, s.Locator.Rules.Radius(req.ServiceType), s.Scoring), nil
}

package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func scenarioB() []models.Candidate {
	return []models.Candidate{
		{DriverID: "A", DistanceKm: 1, Rating: 4.8, CompletedTrips: 120},
		{DriverID: "B", DistanceKm: 0.5, Rating: 4.0, CompletedTrips: 10},
	}
}

func TestScenarioBScoresAndOrder(t *testing.T) {
	w := config.DefaultScoring()
	ranked := Rank(scenarioB(), models.PriorityNormal, 15, w)
	require.Len(t, ranked, 2)
	assert.Equal(t, "A", ranked[0].DriverID)
	assert.InDelta(t, 46.6667+28.8+20, ranked[0].Score, 0.001)
	assert.InDelta(t, 48.3333+24+2, ranked[1].Score, 0.001)

	for i := 0; i < 50; i++ {
		again := Rank(scenarioB(), models.PriorityNormal, 15, w)
		assert.Equal(t, ranked, again)
	}
}

func TestRankTieBreaks(t *testing.T) {
	w := config.DefaultScoring()
	cands := []models.Candidate{
		{DriverID: "z", DistanceKm: 2, Rating: 5, CompletedTrips: 100},
		{DriverID: "a", DistanceKm: 2, Rating: 5, CompletedTrips: 100},
		{DriverID: "m", DistanceKm: 2, Rating: 5, CompletedTrips: 100},
	}
	ranked := Rank(cands, models.PriorityNormal, 15, w)
	assert.Equal(t, []string{"a", "m", "z"}, []string{ranked[0].DriverID, ranked[1].DriverID, ranked[2].DriverID})
	assert.Equal(t, "z", cands[0].DriverID, "input untouched")
}

func TestScoreMonotonicInDistance(t *testing.T) {
	w := config.DefaultScoring()
	prev := Score(models.Candidate{DistanceKm: 0, Rating: 4.5, CompletedTrips: 30}, models.PriorityNormal, 15, w)
	for d := 0.25; d <= 20; d += 0.25 {
		s := Score(models.Candidate{DistanceKm: d, Rating: 4.5, CompletedTrips: 30}, models.PriorityNormal, 15, w)
		assert.LessOrEqual(t, s, prev, "distance %.2f", d)
		prev = s
	}
	beyond := Score(models.Candidate{DistanceKm: 30, Rating: 0, CompletedTrips: 0}, models.PriorityNormal, 15, w)
	assert.Equal(t, 0.0, beyond)
}

func TestPriorityBonus(t *testing.T) {
	w := config.DefaultScoring()
	c := models.Candidate{DistanceKm: 3, Rating: 4, CompletedTrips: 50}
	normal := Score(c, models.PriorityNormal, 15, w)
	assert.InDelta(t, normal+10, Score(c, models.PriorityHigh, 15, w), 1e-9)
	assert.InDelta(t, normal+20, Score(c, models.PriorityUrgent, 15, w), 1e-9)
}

func seed(t *testing.T, idx *geo.Index, id string, loc models.Coord, class models.VehicleClass, verified bool, rating float64, trips int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, models.DriverLocation{
		DriverID: id, Loc: loc, Online: true, Verified: verified, VehicleClass: class, LastSeen: time.Now(),
	}))
	require.NoError(t, idx.UpsertProfile(ctx, models.DriverProfile{DriverID: id, Rating: rating, CompletedTrips: trips}))
}

func TestLocatorFiltersAndRanks(t *testing.T) {
	idx := geo.NewIndex()
	pickup := models.Coord{Lat: 40.0, Lon: -73.0}
	seed(t, idx, "close-comfort", models.Coord{Lat: 40.005, Lon: -73.0}, models.VehicleComfort, true, 4.9, 300)
	seed(t, idx, "mid-standard", models.Coord{Lat: 40.02, Lon: -73.0}, models.VehicleStandard, true, 4.5, 40)
	seed(t, idx, "unverified", models.Coord{Lat: 40.001, Lon: -73.0}, models.VehicleStandard, false, 5, 500)
	seed(t, idx, "moto", models.Coord{Lat: 40.001, Lon: -73.0}, models.VehicleMoto, true, 5, 500)
	seed(t, idx, "far", models.Coord{Lat: 40.3, Lon: -73.0}, models.VehicleStandard, true, 5, 500)
	seed(t, idx, "excluded", models.Coord{Lat: 40.002, Lon: -73.0}, models.VehicleStandard, true, 5, 500)

	loc := NewLocator(idx, config.DefaultRules(), 10*time.Minute, logging.Discard())
	svc := NewService(loc, config.DefaultScoring())
	req := &models.Request{ID: "r1", Pickup: pickup, VehicleClass: models.VehicleStandard, ServiceType: models.ServiceRide, Priority: models.PriorityNormal}

	ranked, err := svc.Ranked(context.Background(), req, map[string]bool{"excluded": true})
	require.NoError(t, err)
	ids := make([]string, len(ranked))
	for i, c := range ranked {
		ids[i] = c.DriverID
	}
	assert.Equal(t, []string{"close-comfort", "mid-standard"}, ids)
	assert.Equal(t, 4.9, ranked[0].Rating)
}

func TestLocatorSkipsStaleAndReserved(t *testing.T) {
	idx := geo.NewIndex()
	ctx := context.Background()
	pickup := models.Coord{Lat: 10, Lon: 10}
	require.NoError(t, idx.Upsert(ctx, models.DriverLocation{DriverID: "stale", Loc: pickup, Online: true, Verified: true,
		VehicleClass: models.VehicleStandard, LastSeen: time.Now().Add(-time.Hour)}))
	seed(t, idx, "busy", pickup, models.VehicleStandard, true, 5, 10)
	ok, err := idx.CompareAndSwapAvailable(ctx, "busy", true, false)
	require.NoError(t, err)
	require.True(t, ok)

	loc := NewLocator(idx, config.DefaultRules(), 10*time.Minute, logging.Discard())
	cands, err := loc.FindCandidates(ctx, &models.Request{Pickup: pickup, VehicleClass: models.VehicleStandard, ServiceType: models.ServiceRide}, nil)
	require.NoError(t, err)
	assert.Empty(t, cands)
	assert.NotNil(t, cands)
}

func TestLocatorCapsCandidatesNearestFirst(t *testing.T) {
	idx := geo.NewIndex()
	pickup := models.Coord{Lat: 0, Lon: 0}
	for i, id := range []string{"d0", "d1", "d2", "d3", "d4"} {
		seed(t, idx, id, models.Coord{Lat: float64(i+1) * 0.01, Lon: 0}, models.VehicleStandard, true, 4.5, 10)
	}
	rules := config.DefaultRules()
	assert.Equal(t, config.DefaultMaxCandidates, rules.MaxCandidates)
	rules.MaxCandidates = 2
	loc := NewLocator(idx, rules, 10*time.Minute, logging.Discard())
	req := &models.Request{Pickup: pickup, VehicleClass: models.VehicleStandard, ServiceType: models.ServiceRide}

	cands, err := loc.FindCandidates(context.Background(), req, nil)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "d0", cands[0].DriverID)
	assert.Equal(t, "d1", cands[1].DriverID)

	cands, err = loc.FindCandidates(context.Background(), req, map[string]bool{"d0": true})
	require.NoError(t, err)
	require.Len(t, cands, 2, "excluded drivers do not shrink the list")
	assert.Equal(t, "d1", cands[0].DriverID)
	assert.Equal(t, "d2", cands[1].DriverID)
}

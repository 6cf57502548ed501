package matcher

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
)

// Score is proximity + quality + experience on a 100 point scale (with the
// default weights) plus a flat priority bonus.
func Score(c models.Candidate, priority models.Priority, radiusKm float64, w config.ScoringRules) float64 {
	var proximity float64
	if radiusKm > 0 {
		proximity = math.Max(0, (radiusKm-c.DistanceKm)/radiusKm) * w.ProximityWeight
	}
	var quality float64
	if w.MaxRating > 0 {
		quality = math.Min(c.Rating/w.MaxRating, 1) * w.QualityWeight
	}
	var experience float64
	if w.ExperienceCap > 0 {
		experience = math.Min(float64(c.CompletedTrips)/float64(w.ExperienceCap), 1) * w.ExperienceWeight
	}
	s := proximity + quality + experience
	switch priority {
	case models.PriorityHigh:
		s += w.HighBonus
	case models.PriorityUrgent:
		s += w.UrgentBonus
	}
	return s
}

// Rank scores every candidate and sorts by score descending, then distance
// ascending, then driver id. The input slice is not modified.
func Rank(cands []models.Candidate, priority models.Priority, radiusKm float64, w config.ScoringRules) []models.Candidate {
	out := make([]models.Candidate, len(cands))
	copy(out, cands)
	for i := range out {
		out[i].Score = Score(out[i], priority, radiusKm, w)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.DriverID < b.DriverID
	})
	return out
}

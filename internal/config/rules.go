package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/example/ride-dispatch/internal/models"
)

// Rules is the validated dispatch rule set: vehicle compatibility, pricing,
// zones, search radius per service type and scoring weights.
type Rules struct {
	Compatibility map[models.VehicleClass][]models.VehicleClass
	Pricing       []PricingRule
	Zones         []models.Zone
	RadiusKm      map[models.ServiceType]float64
	Scoring       ScoringRules
	// MaxCandidates caps how many of the nearest eligible drivers one search
	// returns.
	MaxCandidates int
}

// DefaultMaxCandidates applies when the rules file leaves max_candidates unset.
const DefaultMaxCandidates = 20

// PricingRule prices one vehicle class and service type, optionally scoped to
// a pickup zone. An empty Zone matches any zone.
type PricingRule struct {
	Zone         string
	VehicleClass models.VehicleClass
	ServiceType  models.ServiceType
	BasePrice    int64
	PerKmRate    int64
}

type ScoringRules struct {
	ProximityWeight  float64 `mapstructure:"proximity_weight" validate:"gte=0"`
	QualityWeight    float64 `mapstructure:"quality_weight" validate:"gte=0"`
	ExperienceWeight float64 `mapstructure:"experience_weight" validate:"gte=0"`
	MaxRating        float64 `mapstructure:"max_rating" validate:"gt=0"`
	ExperienceCap    int     `mapstructure:"experience_cap" validate:"gt=0"`
	HighBonus        float64 `mapstructure:"high_bonus" validate:"gte=0"`
	UrgentBonus      float64 `mapstructure:"urgent_bonus" validate:"gte=0"`
}

type rulesFile struct {
	Compatibility map[string][]string `mapstructure:"compatibility" validate:"required"`
	Pricing       []pricingEntry      `mapstructure:"pricing" validate:"required,min=1,dive"`
	Zones         []zoneEntry         `mapstructure:"zones" validate:"dive"`
	RadiusKm      map[string]float64  `mapstructure:"radius_km" validate:"required"`
	Scoring       ScoringRules        `mapstructure:"scoring"`
	MaxCandidates int                 `mapstructure:"max_candidates" validate:"gte=0"`
}

type pricingEntry struct {
	Zone         string `mapstructure:"zone"`
	VehicleClass string `mapstructure:"vehicle_class" validate:"required"`
	ServiceType  string `mapstructure:"service_type" validate:"required"`
	BasePrice    int64  `mapstructure:"base_price" validate:"gte=0"`
	PerKmRate    int64  `mapstructure:"per_km_rate" validate:"gte=0"`
}

type zoneEntry struct {
	ID         string             `mapstructure:"id" validate:"required"`
	Name       string             `mapstructure:"name"`
	Surge      float64            `mapstructure:"surge" validate:"gte=1"`
	ClassSurge map[string]float64 `mapstructure:"class_surge"`
	Polygon    [][]float64        `mapstructure:"polygon" validate:"min=3,dive,len=2"`
}

var validate = validator.New()

// LoadRules reads a YAML (or any viper-supported) rules file and validates it.
// Unknown vehicle classes or service types fail here, not at request time.
func LoadRules(path string) (Rules, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Rules{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	var raw rulesFile
	if err := v.Unmarshal(&raw); err != nil {
		return Rules{}, fmt.Errorf("decode rules %s: %w", path, err)
	}
	if raw.Scoring == (ScoringRules{}) {
		raw.Scoring = DefaultScoring()
	}
	return compileRules(raw)
}

func DefaultScoring() ScoringRules {
	return ScoringRules{
		ProximityWeight:  50,
		QualityWeight:    30,
		ExperienceWeight: 20,
		MaxRating:        5,
		ExperienceCap:    100,
		HighBonus:        10,
		UrgentBonus:      20,
	}
}

// DefaultRules is the built-in rule set used when no rules file is configured.
func DefaultRules() Rules {
	r, err := compileRules(rulesFile{
		Compatibility: map[string][]string{
			"moto":     {"moto"},
			"standard": {"standard", "comfort", "xl"},
			"comfort":  {"comfort", "xl"},
			"xl":       {"xl"},
			"van":      {"van"},
		},
		Pricing: []pricingEntry{
			{VehicleClass: "moto", ServiceType: "delivery", BasePrice: 1500, PerKmRate: 800},
			{VehicleClass: "standard", ServiceType: "ride", BasePrice: 3000, PerKmRate: 1500},
			{VehicleClass: "standard", ServiceType: "delivery", BasePrice: 2500, PerKmRate: 1200},
			{VehicleClass: "comfort", ServiceType: "ride", BasePrice: 4500, PerKmRate: 2000},
			{VehicleClass: "xl", ServiceType: "ride", BasePrice: 5000, PerKmRate: 2200},
			{VehicleClass: "van", ServiceType: "delivery", BasePrice: 6000, PerKmRate: 2500},
		},
		RadiusKm: map[string]float64{"ride": 15, "delivery": 15},
		Scoring:  DefaultScoring(),
	})
	if err != nil {
		panic(err)
	}
	return r
}

func compileRules(raw rulesFile) (Rules, error) {
	if err := validate.Struct(raw); err != nil {
		return Rules{}, fmt.Errorf("rules: %w", err)
	}
	var errs []error
	out := Rules{
		Compatibility: make(map[models.VehicleClass][]models.VehicleClass, len(raw.Compatibility)),
		RadiusKm:      make(map[models.ServiceType]float64, len(raw.RadiusKm)),
		Scoring:       raw.Scoring,
		MaxCandidates: raw.MaxCandidates,
	}
	if out.MaxCandidates == 0 {
		out.MaxCandidates = DefaultMaxCandidates
	}

	for k, list := range raw.Compatibility {
		class := models.VehicleClass(k)
		if !class.Valid() {
			errs = append(errs, fmt.Errorf("compatibility: unknown vehicle class %q", k))
			continue
		}
		for _, c := range list {
			dc := models.VehicleClass(c)
			if !dc.Valid() {
				errs = append(errs, fmt.Errorf("compatibility[%s]: unknown vehicle class %q", k, c))
				continue
			}
			out.Compatibility[class] = append(out.Compatibility[class], dc)
		}
	}

	for k, r := range raw.RadiusKm {
		st := models.ServiceType(k)
		if !st.Valid() {
			errs = append(errs, fmt.Errorf("radius_km: unknown service type %q", k))
			continue
		}
		if r <= 0 {
			errs = append(errs, fmt.Errorf("radius_km[%s] must be > 0", k))
			continue
		}
		out.RadiusKm[st] = r
	}

	zoneIDs := make(map[string]bool, len(raw.Zones))
	for _, z := range raw.Zones {
		if zoneIDs[z.ID] {
			errs = append(errs, fmt.Errorf("zones: duplicate id %q", z.ID))
			continue
		}
		zoneIDs[z.ID] = true
		zone := models.Zone{ID: z.ID, Name: z.Name, SurgeMultiplier: z.Surge}
		for _, p := range z.Polygon {
			zone.Polygon = append(zone.Polygon, models.Coord{Lat: p[0], Lon: p[1]})
		}
		for k, m := range z.ClassSurge {
			class := models.VehicleClass(k)
			if !class.Valid() {
				errs = append(errs, fmt.Errorf("zones[%s]: unknown vehicle class %q", z.ID, k))
				continue
			}
			if m < 1 {
				errs = append(errs, fmt.Errorf("zones[%s]: class surge for %s must be >= 1", z.ID, k))
				continue
			}
			if zone.ClassSurge == nil {
				zone.ClassSurge = make(map[models.VehicleClass]float64)
			}
			zone.ClassSurge[class] = m
		}
		zone.ComputeExtent()
		out.Zones = append(out.Zones, zone)
	}

	type pricingKey struct {
		zone    string
		class   models.VehicleClass
		service models.ServiceType
	}
	seen := make(map[pricingKey]bool, len(raw.Pricing))
	for _, p := range raw.Pricing {
		rule := PricingRule{
			Zone:         p.Zone,
			VehicleClass: models.VehicleClass(p.VehicleClass),
			ServiceType:  models.ServiceType(p.ServiceType),
			BasePrice:    p.BasePrice,
			PerKmRate:    p.PerKmRate,
		}
		if !rule.VehicleClass.Valid() {
			errs = append(errs, fmt.Errorf("pricing: unknown vehicle class %q", p.VehicleClass))
			continue
		}
		if !rule.ServiceType.Valid() {
			errs = append(errs, fmt.Errorf("pricing: unknown service type %q", p.ServiceType))
			continue
		}
		if rule.Zone != "" && !zoneIDs[rule.Zone] {
			errs = append(errs, fmt.Errorf("pricing: unknown zone %q", rule.Zone))
			continue
		}
		k := pricingKey{rule.Zone, rule.VehicleClass, rule.ServiceType}
		if seen[k] {
			errs = append(errs, fmt.Errorf("pricing: duplicate rule for zone=%q class=%s service=%s", rule.Zone, rule.VehicleClass, rule.ServiceType))
			continue
		}
		seen[k] = true
		if _, ok := out.RadiusKm[rule.ServiceType]; !ok {
			errs = append(errs, fmt.Errorf("pricing: no radius_km for service type %s", rule.ServiceType))
		}
		out.Pricing = append(out.Pricing, rule)
	}

	if err := errors.Join(errs...); err != nil {
		return Rules{}, err
	}
	return out, nil
}

// FindPricing prefers a zone-scoped rule over the catch-all rule.
func (r Rules) FindPricing(zoneID string, class models.VehicleClass, service models.ServiceType) (PricingRule, bool) {
	var fallback *PricingRule
	for i := range r.Pricing {
		p := &r.Pricing[i]
		if p.VehicleClass != class || p.ServiceType != service {
			continue
		}
		if zoneID != "" && p.Zone == zoneID {
			return *p, true
		}
		if p.Zone == "" && fallback == nil {
			fallback = p
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return PricingRule{}, false
}

// CompatibleClasses lists the driver vehicle classes that may serve a request
// of the given class. A class always serves itself.
func (r Rules) CompatibleClasses(class models.VehicleClass) []models.VehicleClass {
	if list, ok := r.Compatibility[class]; ok && len(list) > 0 {
		return list
	}
	return []models.VehicleClass{class}
}

func (r Rules) Radius(service models.ServiceType) float64 {
	if v, ok := r.RadiusKm[service]; ok {
		return v
	}
	return 15
}

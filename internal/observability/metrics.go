package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "requests_created_total", Help: "Requests accepted at intake"},
		[]string{"vehicle_class", "mode"},
	)
	RequestOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "request_outcomes_total", Help: "Requests reaching a dispatch outcome"},
		[]string{"status"},
	)
	AssignmentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assignment_outcomes_total", Help: "Assignment attempts by final status"},
		[]string{"status"},
	)
	ReservationConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "reservation_conflicts_total", Help: "Lost availability compare-and-swap races"})
	MatchLatency         = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Time from dispatch start to driver acceptance", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600}})
	CandidatesFound      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "candidates_found", Help: "Ranked candidates per dispatch", Buckets: []float64{0, 1, 2, 5, 10, 20, 50}})
	DriversOnline        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	OffersSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_submitted_total", Help: "Bidding offers submitted"})
	OfferOutcomes   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offer_outcomes_total", Help: "Bidding offers by final status"},
		[]string{"status"},
	)

	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "cancellations_total", Help: "Cancellations by initiator and fraud action"},
		[]string{"initiator", "action"},
	)
	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "side_effect_failures_total", Help: "Non-fatal notifier/wallet/alert failures"},
		[]string{"kind"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

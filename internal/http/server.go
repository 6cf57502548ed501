package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/assignment"
	"github.com/example/ride-dispatch/internal/bidding"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

// Deps are the services behind the API. Ready, when set, backs /healthz.
type Deps struct {
	Engine      *engine.Engine
	Pricing     *pricing.Service
	Store       storage.Store
	Coordinator *assignment.Coordinator
	Arena       *bidding.Arena
	Ingest      *ingest.Service
	WS          *notify.WSRegistry
	Bus         *events.Bus
	Ready       func(ctx context.Context) error
	Logger      *slog.Logger
}

type Server struct {
	engine      *engine.Engine
	pricing     *pricing.Service
	store       storage.Store
	coordinator *assignment.Coordinator
	arena       *bidding.Arena
	ingest      *ingest.Service
	ws          *notify.WSRegistry
	bus         *events.Bus
	ready       func(ctx context.Context) error
	logger      *slog.Logger
	mux         *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		engine:      d.Engine,
		pricing:     d.Pricing,
		store:       d.Store,
		coordinator: d.Coordinator,
		arena:       d.Arena,
		ingest:      d.Ingest,
		ws:          d.WS,
		bus:         d.Bus,
		ready:       d.Ready,
		logger:      logging.Component(d.Logger, "http"),
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/quotes", s.handleQuote).Methods(http.MethodPost)
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/assignments", s.handleListAssignments).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/fallback", s.handleFallback).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/start", s.handleStartTrip).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/complete", s.handleCompleteTrip).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/driver-cancel", s.handleDriverCancel).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/offers", s.handleListOffers).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/offers", s.handleSubmitOffer).Methods(http.MethodPost)
	api.HandleFunc("/assignments/{id}/respond", s.handleRespond).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}/accept", s.handleAcceptOffer).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}/withdraw", s.handleWithdrawOffer).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/drivers/{id}/online", s.handleDriverOnline).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/drivers/{id}/profile", s.handleDriverProfile).Methods(http.MethodPut)

	s.mux.HandleFunc("/ws/drivers/{id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/requests/{id}", s.handleRequestWS)

	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.log(r).Warn("health check failed", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

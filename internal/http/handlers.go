package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/bidding"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
)

type requesterBody struct {
	RequesterID string `json:"requester_id"`
}

type driverBody struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var in pricing.Input
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.pricing.Quote(in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in pricing.Input
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.engine.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetRequest(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.store.ListAssignments(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Assignment{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body requesterBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.engine.Cancel(r.Context(), id, body.RequesterID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req, "cancellation": rec})
}

func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	var body requesterBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.arena.Fallback(r.Context(), id, body.RequesterID); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	s.tripAction(w, r, s.coordinator.StartTrip)
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	s.tripAction(w, r, s.coordinator.CompleteTrip)
}

func (s *Server) tripAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, requestID, driverID string) error) {
	var body driverBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := action(r.Context(), id, body.DriverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDriverCancel(w http.ResponseWriter, r *http.Request) {
	var body driverBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.coordinator.DriverCancel(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
		Accept   bool   `json:"accept"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coordinator.Respond(r.Context(), mux.Vars(r)["id"], body.DriverID, body.Accept); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.arena.ListOffers(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var in bidding.OfferInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.RequestID = mux.Vars(r)["id"]
	o, err := s.arena.SubmitOffer(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	var body requesterBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.arena.AcceptOffer(r.Context(), mux.Vars(r)["id"], body.RequesterID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleWithdrawOffer(w http.ResponseWriter, r *http.Request) {
	var body driverBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.arena.Withdraw(r.Context(), mux.Vars(r)["id"], body.DriverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p ingest.Ping
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.ingest.Ingest(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ingest.SetOnline(r.Context(), mux.Vars(r)["id"], body.Online); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverProfile(w http.ResponseWriter, r *http.Request) {
	var p models.DriverProfile
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	p.DriverID = mux.Vars(r)["id"]
	if err := s.ingest.UpsertProfile(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-dispatch/internal/models"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRequest), errors.Is(err, models.ErrUnsupportedVehicleClass):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrRequesterBanned):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrOfferAboveBudget):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrOfferNoLongerAvailable),
		errors.Is(err, models.ErrRequestAlreadyResolved),
		errors.Is(err, models.ErrAssignmentExpired),
		errors.Is(err, models.ErrAssignmentNotPending),
		errors.Is(err, models.ErrDuplicateOffer),
		errors.Is(err, models.ErrBiddingClosed),
		errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log(r).Error("request failed", "err", err)
		writeJSON(w, code, internalError(r))
		return
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// internalError hides the cause but hands back the id to quote to support.
func internalError(r *http.Request) map[string]string {
	return map[string]string{"error": "internal error", "request_id": requestID(r.Context())}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(models.ErrInvalidRequest, err)
	}
	return nil
}

package models

import "errors"

var (
	// ErrInvalidRequest is returned for malformed or zero-distance request payloads.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnsupportedVehicleClass is returned when no pricing rule covers the
	// zone, vehicle class and service type of a request.
	ErrUnsupportedVehicleClass = errors.New("unsupported vehicle class")

	// ErrOfferNoLongerAvailable is returned when accepting an offer that is not pending anymore.
	ErrOfferNoLongerAvailable = errors.New("offer no longer available")

	// ErrRequestAlreadyResolved is returned when the request left the state the operation needs.
	ErrRequestAlreadyResolved = errors.New("request already resolved")

	ErrNotFound = errors.New("not found")

	// ErrRequesterBanned is returned at intake for banned requesters.
	ErrRequesterBanned = errors.New("requester is banned")

	// ErrAssignmentExpired is returned when a driver responds after the response window.
	ErrAssignmentExpired = errors.New("assignment expired")

	ErrAssignmentNotPending = errors.New("assignment is not pending")

	ErrOfferAboveBudget = errors.New("offer exceeds requester budget")
	ErrDuplicateOffer   = errors.New("driver already has a pending offer")
	ErrBiddingClosed    = errors.New("bidding is closed")

	ErrInvalidTransition = errors.New("invalid state transition")
)

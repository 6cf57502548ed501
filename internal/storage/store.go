package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Conditional writes return ok=false when the row is no longer in the expected
// state; that is a lost race, not an error.

type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.Request) error
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	// UpdateRequestStatus moves a request from one status to another. driverID
	// is stored when the target status holds a driver and cleared otherwise.
	UpdateRequestStatus(ctx context.Context, id string, from, to models.RequestStatus, driverID string) (bool, error)
	// OpenBidding moves a pending request into bidding with the given deadline.
	OpenBidding(ctx context.Context, id string, deadline time.Time) (bool, error)
	ListRequestsByStatus(ctx context.Context, status models.RequestStatus) ([]models.Request, error)
}

type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a *models.Assignment) error
	GetAssignment(ctx context.Context, id string) (*models.Assignment, error)
	ListAssignments(ctx context.Context, requestID string) ([]models.Assignment, error)
	ResolveAssignment(ctx context.Context, id string, from, to models.AssignmentStatus, at time.Time) (bool, error)
	// AcceptAssignment flips a pending assignment to accepted and binds its
	// request (dispatching -> accepted) in one unit. It refuses once at is past
	// the assignment deadline.
	AcceptAssignment(ctx context.Context, id string, at time.Time) (bool, error)
	// AcceptedAssignment returns the assignment currently holding the request's driver.
	AcceptedAssignment(ctx context.Context, requestID string) (*models.Assignment, error)
}

type OfferStore interface {
	// CreateOffer fails with models.ErrDuplicateOffer when the driver already
	// has a pending offer on the request, and with models.ErrBiddingClosed
	// unless the request is still bidding with a deadline after o.CreatedAt.
	// The check and the insert are one unit, so an offer can never land on a
	// request whose window has already been closed.
	CreateOffer(ctx context.Context, o *models.Offer) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	// ListOffers returns offers sorted by price, then submission time. An empty
	// status lists all of them.
	ListOffers(ctx context.Context, requestID string, status models.OfferStatus) ([]models.Offer, error)
	UpdateOfferStatus(ctx context.Context, id string, from, to models.OfferStatus) (bool, error)
	// ExpireOffers moves every pending offer of the request to expired.
	ExpireOffers(ctx context.Context, requestID string) (int, error)
	// AcceptOffer accepts the offer, rejects every other pending offer of the
	// request, binds the request (bidding -> accepted) at the offer price and
	// inserts the accepted assignment, all or nothing.
	AcceptOffer(ctx context.Context, offerID string, a *models.Assignment, at time.Time) error
}

type CancellationStore interface {
	// AppendCancellation is idempotent on rec.ID.
	AppendCancellation(ctx context.Context, rec *models.CancellationRecord) error
	ListCancellations(ctx context.Context, requesterID string, since time.Time) ([]models.CancellationRecord, error)
	CancellationsForRequest(ctx context.Context, requestID string) ([]models.CancellationRecord, error)
	// Ban is monotonic: it returns false when the user was already banned and
	// keeps the original reason.
	Ban(ctx context.Context, b models.Ban) (bool, error)
	GetBan(ctx context.Context, userID string) (*models.Ban, error)
}

type Store interface {
	RequestStore
	AssignmentStore
	OfferStore
	CancellationStore
}

const (
	appendAttempts = 4
	appendBackoff  = 20 * time.Millisecond
)

// AppendCancellationRetry writes rec, retrying failed attempts with a
// doubling pause. It keeps going after ctx is cancelled, bounded by
// appendAttempts, because the record must outlive the caller's request.
func AppendCancellationRetry(ctx context.Context, s CancellationStore, rec *models.CancellationRecord) error {
	ctx = context.WithoutCancel(ctx)
	pause := appendBackoff
	var err error
	for i := 0; i < appendAttempts; i++ {
		if i > 0 {
			time.Sleep(pause)
			pause *= 2
		}
		actx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = s.AppendCancellation(actx, rec)
		cancel()
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("append cancellation %s after %d attempts: %w", rec.ID, appendAttempts, err)
}

// Package bidding runs the alternate dispatch mode where nearby drivers
// compete with price offers during a fixed window.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Locator lists drivers the request is broadcast to.
type Locator interface {
	FindCandidates(ctx context.Context, req *models.Request, exclude map[string]bool) ([]models.Candidate, error)
}

// Dispatcher is the direct-dispatch side: it owns driver availability and
// the fixed-price fallback.
type Dispatcher interface {
	Reserve(ctx context.Context, driverID string) (bool, error)
	Release(ctx context.Context, driverID string)
	Dispatch(ctx context.Context, requestID string) error
}

type Deps struct {
	Store      storage.Store
	Geo        geo.Store
	Locator    Locator
	Dispatcher Dispatcher
	Notifier   notify.Notifier
	Events     events.Publisher
	Logger     *slog.Logger
}

type Arena struct {
	store      storage.Store
	geo        geo.Store
	locator    Locator
	dispatcher Dispatcher
	notifier   notify.Notifier
	events     events.Publisher
	logger     *slog.Logger
	window     time.Duration
	now        func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewArena(window time.Duration, d Deps) *Arena {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return &Arena{
		store:      d.Store,
		geo:        d.Geo,
		locator:    d.Locator,
		dispatcher: d.Dispatcher,
		notifier:   d.Notifier,
		events:     d.Events,
		logger:     logging.Component(d.Logger, "bidding"),
		window:     window,
		now:        time.Now,
		timers:     make(map[string]*time.Timer),
	}
}

// Close stops every deadline timer.
func (a *Arena) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
}

// Open puts a pending request into bidding until now+window and broadcasts
// it to every compatible driver nearby.
func (a *Arena) Open(ctx context.Context, requestID string) (*models.Request, error) {
	deadline := a.now().Add(a.window)
	ok, err := a.store.OpenBidding(ctx, requestID, deadline)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrRequestAlreadyResolved
	}
	a.schedule(requestID, a.window)

	req, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	a.events.Publish(ctx, events.Event{Type: events.BiddingOpened, RequestID: requestID, Status: string(models.StatusBidding), Payload: req})

	cands, err := a.locator.FindCandidates(ctx, req, nil)
	if err != nil {
		a.logger.Warn("broadcast lookup failed", "request_id", requestID, "err", err)
	}
	for _, c := range cands {
		a.notify(ctx, c.DriverID, notify.Notification{
			Kind: notify.KindBiddingOpen, Title: "Request open for offers",
			Data: map[string]any{
				"request_id": requestID, "pickup": req.Pickup, "destination": req.Destination,
				"estimated_price": req.Price(), "budget_ceiling": req.BudgetCeiling,
				"distance_km": c.DistanceKm, "deadline": deadline,
			},
		})
	}
	a.logger.Info("bidding opened", "request_id", requestID, "deadline", deadline, "drivers", len(cands))
	return req, nil
}

func (a *Arena) schedule(requestID string, after time.Duration) {
	t := time.AfterFunc(after, func() {
		a.expire(context.Background(), requestID)
	})
	a.mu.Lock()
	if old, ok := a.timers[requestID]; ok {
		old.Stop()
	}
	a.timers[requestID] = t
	a.mu.Unlock()
}

// Recover re-arms the deadline timers of requests still bidding after a
// restart. Deadlines already past close on the next timer tick.
func (a *Arena) Recover(ctx context.Context) (int, error) {
	open, err := a.store.ListRequestsByStatus(ctx, models.StatusBidding)
	if err != nil {
		return 0, err
	}
	now := a.now()
	for _, r := range open {
		if r.BiddingDeadline == nil {
			continue
		}
		a.schedule(r.ID, max(r.BiddingDeadline.Sub(now), 0))
	}
	return len(open), nil
}

func (a *Arena) unschedule(requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[requestID]; ok {
		t.Stop()
		delete(a.timers, requestID)
	}
}

// expire closes bidding once the deadline has passed. Calling it early or
// on a request that already left bidding does nothing.
func (a *Arena) expire(ctx context.Context, requestID string) {
	req, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		a.logger.Error("expire lookup", "request_id", requestID, "err", err)
		return
	}
	if req.Status != models.StatusBidding || req.BiddingDeadline == nil {
		a.unschedule(requestID)
		return
	}
	if now := a.now(); now.Before(*req.BiddingDeadline) {
		a.schedule(requestID, req.BiddingDeadline.Sub(now))
		return
	}
	a.unschedule(requestID)

	pending, err := a.store.ListOffers(ctx, requestID, models.OfferPending)
	if err != nil {
		a.logger.Warn("list offers before expiry", "request_id", requestID, "err", err)
	}
	ok, err := a.store.UpdateRequestStatus(ctx, requestID, models.StatusBidding, models.StatusPending, "")
	if err != nil {
		a.logger.Error("close bidding", "request_id", requestID, "err", err)
		return
	}
	if !ok {
		return
	}
	n, err := a.store.ExpireOffers(ctx, requestID)
	if err != nil {
		a.logger.Error("expire offers", "request_id", requestID, "err", err)
	}
	observability.OfferOutcomes.WithLabelValues(string(models.OfferExpired)).Add(float64(n))
	for _, o := range pending {
		a.notify(ctx, o.DriverID, notify.Notification{Kind: notify.KindBiddingClosed, Title: "Bidding closed",
			Data: map[string]any{"request_id": requestID, "offer_id": o.ID}})
	}
	a.events.Publish(ctx, events.Event{Type: events.BiddingClosed, RequestID: requestID, Status: string(models.StatusPending)})
	a.notify(ctx, req.RequesterID, notify.Notification{
		Kind: notify.KindBiddingClosed, Title: "No offer accepted",
		Body: "Dispatch at the estimated price or cancel.",
		Data: map[string]any{"request_id": requestID, "estimated_price": req.Price()},
	})
	a.logger.Info("bidding closed without acceptance", "request_id", requestID, "expired_offers", n)
}

type OfferInput struct {
	RequestID  string  `json:"request_id"`
	DriverID   string  `json:"driver_id"`
	Price      int64   `json:"price"`
	Message    string  `json:"message,omitempty"`
	ETASeconds float64 `json:"eta_seconds,omitempty"`
}

// SubmitOffer records a driver's price for a request that is still open.
func (a *Arena) SubmitOffer(ctx context.Context, in OfferInput) (*models.Offer, error) {
	if in.DriverID == "" || in.Price <= 0 {
		return nil, fmt.Errorf("%w: driver and positive price required", models.ErrInvalidRequest)
	}
	now := a.now()
	req, err := a.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusBidding || req.BiddingDeadline == nil || !now.Before(*req.BiddingDeadline) {
		return nil, models.ErrBiddingClosed
	}
	if req.BudgetCeiling > 0 && in.Price > req.BudgetCeiling {
		return nil, models.ErrOfferAboveBudget
	}
	loc, err := a.geo.Get(ctx, in.DriverID)
	if err != nil {
		return nil, err
	}
	if !loc.Online || !loc.Verified {
		return nil, fmt.Errorf("%w: driver %s cannot bid", models.ErrInvalidRequest, in.DriverID)
	}

	o := &models.Offer{
		ID:         uuid.NewString(),
		RequestID:  in.RequestID,
		DriverID:   in.DriverID,
		Price:      in.Price,
		Message:    in.Message,
		ETASeconds: in.ETASeconds,
		Status:     models.OfferPending,
		ExpiresAt:  *req.BiddingDeadline,
		CreatedAt:  now,
	}
	// the store re-checks status and deadline; expiry may have run since the read above
	if err := a.store.CreateOffer(ctx, o); err != nil {
		return nil, err
	}
	observability.OffersSubmitted.Inc()
	a.events.Publish(ctx, events.Event{Type: events.OfferSubmitted, RequestID: o.RequestID, DriverID: o.DriverID,
		Status: string(o.Status), Payload: o})
	a.notify(ctx, req.RequesterID, notify.Notification{
		Kind: notify.KindOfferReceived, Title: "New offer",
		Data: map[string]any{"request_id": o.RequestID, "offer_id": o.ID, "price": o.Price, "eta_seconds": o.ETASeconds},
	})
	return o, nil
}

// ListOffers returns pending offers cheapest first, earliest first on ties.
func (a *Arena) ListOffers(ctx context.Context, requestID string) ([]models.Offer, error) {
	if _, err := a.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	offers, err := a.store.ListOffers(ctx, requestID, models.OfferPending)
	if err != nil {
		return nil, err
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	return offers, nil
}

// Withdraw lets a driver pull a still-pending offer.
func (a *Arena) Withdraw(ctx context.Context, offerID, driverID string) error {
	o, err := a.store.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if o.DriverID != driverID {
		return fmt.Errorf("offer %s: %w", offerID, models.ErrNotFound)
	}
	ok, err := a.store.UpdateOfferStatus(ctx, offerID, models.OfferPending, models.OfferWithdrawn)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrOfferNoLongerAvailable
	}
	observability.OfferOutcomes.WithLabelValues(string(models.OfferWithdrawn)).Inc()
	a.events.Publish(ctx, events.Event{Type: events.OfferStatus, RequestID: o.RequestID, DriverID: driverID, Status: string(models.OfferWithdrawn)})
	return nil
}

// AcceptOffer binds the request to the offering driver at the offered price.
// The winning offer, every competing rejection and the binding are one
// store transaction.
func (a *Arena) AcceptOffer(ctx context.Context, offerID, requesterID string) (*models.Assignment, error) {
	now := a.now()
	o, err := a.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	req, err := a.store.GetRequest(ctx, o.RequestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != requesterID {
		return nil, fmt.Errorf("request %s: %w", req.ID, models.ErrNotFound)
	}
	if o.Status != models.OfferPending || o.IsExpired(now) {
		return nil, models.ErrOfferNoLongerAvailable
	}
	if req.Status != models.StatusBidding {
		return nil, models.ErrRequestAlreadyResolved
	}

	won, err := a.dispatcher.Reserve(ctx, o.DriverID)
	if err != nil {
		return nil, err
	}
	if !won {
		// the driver was taken by another dispatch in the meantime
		if ok, _ := a.store.UpdateOfferStatus(ctx, o.ID, models.OfferPending, models.OfferExpired); ok {
			observability.OfferOutcomes.WithLabelValues(string(models.OfferExpired)).Inc()
		}
		return nil, models.ErrOfferNoLongerAvailable
	}

	pending, err := a.store.ListOffers(ctx, o.RequestID, models.OfferPending)
	if err != nil {
		a.dispatcher.Release(ctx, o.DriverID)
		return nil, err
	}
	asg := &models.Assignment{
		ID:          uuid.NewString(),
		RequestID:   o.RequestID,
		DriverID:    o.DriverID,
		Status:      models.AssignmentAccepted,
		ExpiresAt:   now,
		CreatedAt:   now,
		RespondedAt: &now,
	}
	if err := a.store.AcceptOffer(ctx, o.ID, asg, now); err != nil {
		a.dispatcher.Release(ctx, o.DriverID)
		return nil, err
	}
	a.unschedule(o.RequestID)

	observability.OfferOutcomes.WithLabelValues(string(models.OfferAccepted)).Inc()
	observability.RequestOutcomes.WithLabelValues(string(models.StatusAccepted)).Inc()
	a.events.Publish(ctx, events.Event{Type: events.OfferStatus, RequestID: o.RequestID, DriverID: o.DriverID, Status: string(models.OfferAccepted)})
	a.events.Publish(ctx, events.Event{Type: events.RequestStatus, RequestID: o.RequestID, DriverID: o.DriverID, Status: string(models.StatusAccepted)})
	a.notify(ctx, o.DriverID, notify.Notification{Kind: notify.KindOfferAccepted, Title: "Your offer was accepted",
		Data: map[string]any{"request_id": o.RequestID, "offer_id": o.ID, "price": o.Price, "pickup": req.Pickup}})
	for _, other := range pending {
		if other.ID == o.ID {
			continue
		}
		observability.OfferOutcomes.WithLabelValues(string(models.OfferRejected)).Inc()
		a.events.Publish(ctx, events.Event{Type: events.OfferStatus, RequestID: other.RequestID, DriverID: other.DriverID, Status: string(models.OfferRejected)})
		a.notify(ctx, other.DriverID, notify.Notification{Kind: notify.KindOfferRejected, Title: "Another offer was chosen",
			Data: map[string]any{"request_id": other.RequestID, "offer_id": other.ID}})
	}
	a.logger.Info("offer accepted", "request_id", o.RequestID, "offer_id", o.ID, "driver_id", o.DriverID, "price", o.Price)
	return asg, nil
}

// Fallback sends a request whose bidding closed without a winner into
// direct dispatch at the estimated price.
func (a *Arena) Fallback(ctx context.Context, requestID, requesterID string) error {
	req, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.RequesterID != requesterID {
		return fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
	}
	if !req.Bidding {
		return fmt.Errorf("%w: request %s never opened bidding", models.ErrInvalidTransition, requestID)
	}
	if req.Status == models.StatusBidding {
		if req.BiddingDeadline != nil && !a.now().Before(*req.BiddingDeadline) {
			a.expire(ctx, requestID)
		} else {
			return fmt.Errorf("%w: bidding still open", models.ErrInvalidTransition)
		}
	}
	if err := a.dispatcher.Dispatch(ctx, requestID); err != nil {
		return err
	}
	a.logger.Info("bidding fallback to direct dispatch", "request_id", requestID)
	return nil
}

// Cancel withdraws a request while bidding is open.
func (a *Arena) Cancel(ctx context.Context, requestID string) error {
	pending, err := a.store.ListOffers(ctx, requestID, models.OfferPending)
	if err != nil {
		return err
	}
	ok, err := a.store.UpdateRequestStatus(ctx, requestID, models.StatusBidding, models.StatusCancelled, "")
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrRequestAlreadyResolved
	}
	a.unschedule(requestID)
	if _, err := a.store.ExpireOffers(ctx, requestID); err != nil && !errors.Is(err, models.ErrNotFound) {
		a.logger.Warn("expire offers on cancel", "request_id", requestID, "err", err)
	}
	for _, o := range pending {
		a.notify(ctx, o.DriverID, notify.Notification{Kind: notify.KindRequestCancelled, Title: "Request cancelled",
			Data: map[string]any{"request_id": requestID, "offer_id": o.ID}})
	}
	observability.RequestOutcomes.WithLabelValues(string(models.StatusCancelled)).Inc()
	a.events.Publish(ctx, events.Event{Type: events.RequestStatus, RequestID: requestID, Status: string(models.StatusCancelled)})
	return nil
}

func (a *Arena) notify(ctx context.Context, userID string, n notify.Notification) {
	if err := notify.SendWithin(ctx, notify.DefaultSendTimeout, a.notifier, userID, n); err != nil {
		observability.SideEffectFailures.WithLabelValues("notify").Inc()
		a.logger.Warn("notify failed", "user_id", userID, "kind", n.Kind, "err", err)
	}
}

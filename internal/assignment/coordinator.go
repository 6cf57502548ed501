// Package assignment owns the direct-dispatch lifecycle of a request:
// reserve a driver, notify, wait for a response or the deadline, then accept
// or move to the next candidate. It is the only writer of driver availability.
package assignment

import (
	"context"
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

// storeTimeout bounds cleanup writes made after the session context is gone.
const storeTimeout = 5 * time.Second

// Ranker returns eligible drivers for a request in the order they must be tried.
type Ranker interface {
	Ranked(ctx context.Context, req *models.Request, exclude map[string]bool) ([]models.Candidate, error)
}

// ETA estimates drive time in seconds; used only for notifications.
type ETA interface {
	Seconds(ctx context.Context, from, to models.Coord) float64
}

type Deps struct {
	Store    storage.Store
	Geo      geo.Store
	Ranker   Ranker
	Notifier notify.Notifier
	Events   events.Publisher
	ETA      ETA
	Logger   *slog.Logger
}

type Coordinator struct {
	store    storage.Store
	geo      geo.Store
	ranker   Ranker
	notifier notify.Notifier
	events   events.Publisher
	eta      ETA
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	baseCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	sessions map[string]*session
}

func NewCoordinator(responseTimeout time.Duration, d Deps) *Coordinator {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:    d.Store,
		geo:      d.Geo,
		ranker:   d.Ranker,
		notifier: d.Notifier,
		events:   d.Events,
		eta:      d.ETA,
		logger:   logging.Component(d.Logger, "assignment"),
		timeout:  responseTimeout,
		now:      time.Now,
		baseCtx:  ctx,
		stop:     cancel,
		sessions: make(map[string]*session),
	}
}

// Close stops every running session and waits for them to exit.
func (c *Coordinator) Close() {
	c.stop()
	c.wg.Wait()
}

// Dispatch moves a pending request into dispatching and starts working the
// ranked candidate list in the background.
func (c *Coordinator) Dispatch(ctx context.Context, requestID string) error {
	return c.start(ctx, requestID, models.StatusPending, nil)
}

func (c *Coordinator) start(ctx context.Context, requestID string, from models.RequestStatus, exclude map[string]bool) error {
	s := newSession(requestID, exclude)
	c.mu.Lock()
	if _, busy := c.sessions[requestID]; busy {
		c.mu.Unlock()
		return models.ErrRequestAlreadyResolved
	}
	c.sessions[requestID] = s
	c.mu.Unlock()

	ok, err := c.store.UpdateRequestStatus(ctx, requestID, from, models.StatusDispatching, "")
	if err != nil || !ok {
		c.dropSession(s)
		if err != nil {
			return err
		}
		return models.ErrRequestAlreadyResolved
	}
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		c.dropSession(s)
		return err
	}
	c.publishStatus(ctx, req.ID, "", models.StatusDispatching)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.dropSession(s)
		c.run(c.baseCtx, s, req)
	}()
	return nil
}

func (c *Coordinator) dropSession(s *session) {
	c.mu.Lock()
	if c.sessions[s.requestID] == s {
		delete(c.sessions, s.requestID)
	}
	c.mu.Unlock()
	s.finish()
}

func (c *Coordinator) session(requestID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[requestID]
}

type outcome int

const (
	nextCandidate outcome = iota
	bound
	cancelled
	stopped
)

func (c *Coordinator) run(ctx context.Context, s *session, req *models.Request) {
	started := c.now()
	log := c.logger.With("request_id", req.ID)

	ranked, err := c.ranker.Ranked(ctx, req, s.exclude)
	if err != nil {
		log.Error("candidate lookup failed", "err", err)
		ranked = nil
	}
	log.Info("dispatch started", "candidates", len(ranked))

	for _, cand := range ranked {
		if cr, ok := s.pendingCancel(); ok {
			cr.reply <- c.cancelDispatching(ctx, req)
			return
		}
		switch c.attempt(ctx, s, req, cand) {
		case bound:
			observability.MatchLatency.Observe(c.now().Sub(started).Seconds())
			return
		case cancelled:
			return
		case stopped:
			// nobody will resume this session; close the request rather than strand it
			c.markNoDrivers(ctx, req)
			return
		}
	}

	if cr, ok := s.pendingCancel(); ok {
		cr.reply <- c.cancelDispatching(ctx, req)
		return
	}
	c.markNoDrivers(ctx, req)
}

// markNoDrivers ends a dispatching request with no_drivers_available.
func (c *Coordinator) markNoDrivers(ctx context.Context, req *models.Request) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()
	log := c.logger.With("request_id", req.ID)
	ok, err := c.store.UpdateRequestStatus(ctx, req.ID, models.StatusDispatching, models.StatusNoDriversAvailable, "")
	if err != nil {
		log.Error("mark no drivers", "err", err)
		return
	}
	if ok {
		observability.RequestOutcomes.WithLabelValues(string(models.StatusNoDriversAvailable)).Inc()
		c.publishStatus(ctx, req.ID, "", models.StatusNoDriversAvailable)
		c.notify(ctx, req.RequesterID, notify.Notification{
			Kind: notify.KindNoDrivers, Title: "No drivers available",
			Body: "We could not find a driver for your request.",
			Data: map[string]any{"request_id": req.ID},
		})
		log.Info("no drivers available")
	}
}

// Recover closes requests left in dispatching by a process that stopped
// without finishing them: their pending assignments are cancelled, which
// frees the reserved drivers, and the request ends as no_drivers_available
// so the requester can submit again. Call it once at startup, before
// serving traffic.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	orphans, err := c.store.ListRequestsByStatus(ctx, models.StatusDispatching)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range orphans {
		req := &orphans[i]
		if c.session(req.ID) != nil {
			continue
		}
		list, err := c.store.ListAssignments(ctx, req.ID)
		if err != nil {
			return n, err
		}
		for j := range list {
			if list[j].Status == models.AssignmentPending {
				if _, err := c.EndAssignment(ctx, &list[j], models.AssignmentCancelled); err != nil {
					return n, err
				}
			}
		}
		c.markNoDrivers(ctx, req)
		n++
	}
	if n > 0 {
		c.logger.Warn("closed orphaned dispatching requests", "count", n)
	}
	return n, nil
}

// attempt runs one reserve/notify/await cycle against a single candidate.
func (c *Coordinator) attempt(ctx context.Context, s *session, req *models.Request, cand models.Candidate) outcome {
	log := c.logger.With("request_id", req.ID, "driver_id", cand.DriverID)

	won, err := c.Reserve(ctx, cand.DriverID)
	if err != nil {
		log.Warn("reserve failed", "err", err)
		return nextCandidate
	}
	if !won {
		log.Debug("lost reservation race")
		return nextCandidate
	}

	now := c.now()
	a := &models.Assignment{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		DriverID:  cand.DriverID,
		Status:    models.AssignmentPending,
		Score:     cand.Score,
		ExpiresAt: now.Add(c.timeout),
		CreatedAt: now,
	}
	if err := c.store.CreateAssignment(ctx, a); err != nil {
		log.Error("create assignment", "err", err)
		c.Release(ctx, cand.DriverID)
		return nextCandidate
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var etaSec float64
	if c.eta != nil {
		etaSec = c.eta.Seconds(ctx, cand.Loc, req.Pickup)
	}
	c.events.Publish(ctx, events.Event{Type: events.AssignmentOffered, RequestID: req.ID, DriverID: cand.DriverID,
		Status: string(a.Status), Payload: a})
	c.notify(ctx, cand.DriverID, notify.Notification{
		Kind:  notify.KindAssignmentOffer,
		Title: "New trip request",
		Data: map[string]any{
			"request_id": req.ID, "assignment_id": a.ID, "pickup": req.Pickup, "destination": req.Destination,
			"price": req.Price(), "distance_km": cand.DistanceKm, "eta_seconds": etaSec, "expires_at": a.ExpiresAt,
		},
	})
	log.Info("assignment offered", "assignment_id", a.ID, "score", cand.Score)

	for {
		select {
		case r := <-s.responses:
			if r.assignmentID != a.ID {
				r.reply <- c.staleResponse(ctx, r.assignmentID)
				continue
			}
			if !r.accept {
				c.endPending(ctx, a, models.AssignmentRejected)
				r.reply <- nil
				log.Info("assignment rejected", "assignment_id", a.ID)
				return nextCandidate
			}
			ok, err := c.store.AcceptAssignment(ctx, a.ID, r.at)
			if err != nil {
				r.reply <- err
				continue
			}
			if !ok {
				// late by the store's clock; the timer is about to fire
				r.reply <- models.ErrAssignmentExpired
				continue
			}
			r.reply <- nil
			c.onBound(ctx, req, a)
			return bound

		case <-timer.C:
			c.endPending(ctx, a, models.AssignmentTimedOut)
			c.notify(ctx, cand.DriverID, notify.Notification{
				Kind: notify.KindAssignmentTimeout, Title: "Trip request expired",
				Data: map[string]any{"request_id": req.ID, "assignment_id": a.ID},
			})
			log.Info("assignment timed out", "assignment_id", a.ID)
			return nextCandidate

		case cr := <-s.cancels:
			c.endPending(ctx, a, models.AssignmentCancelled)
			c.notify(ctx, cand.DriverID, notify.Notification{
				Kind: notify.KindRequestCancelled, Title: "Trip cancelled by rider",
				Data: map[string]any{"request_id": req.ID, "assignment_id": a.ID},
			})
			cr.reply <- c.cancelDispatching(ctx, req)
			return cancelled

		case <-ctx.Done():
			c.endPending(ctx, a, models.AssignmentCancelled)
			log.Warn("dispatch interrupted by shutdown")
			return stopped
		}
	}
}

func (c *Coordinator) onBound(ctx context.Context, req *models.Request, a *models.Assignment) {
	observability.AssignmentOutcomes.WithLabelValues(string(models.AssignmentAccepted)).Inc()
	observability.RequestOutcomes.WithLabelValues(string(models.StatusAccepted)).Inc()
	c.events.Publish(ctx, events.Event{Type: events.AssignmentResolved, RequestID: req.ID, DriverID: a.DriverID,
		Status: string(models.AssignmentAccepted)})
	c.publishStatus(ctx, req.ID, a.DriverID, models.StatusAccepted)
	c.notify(ctx, req.RequesterID, notify.Notification{
		Kind: notify.KindRequestAccepted, Title: "Driver on the way",
		Data: map[string]any{"request_id": req.ID, "driver_id": a.DriverID},
	})
	c.logger.Info("assignment accepted", "request_id", req.ID, "driver_id", a.DriverID, "assignment_id", a.ID)
}

// endPending closes a pending assignment and frees its driver.
func (c *Coordinator) endPending(ctx context.Context, a *models.Assignment, to models.AssignmentStatus) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()
	if _, err := c.EndAssignment(ctx, a, to); err != nil {
		c.logger.Error("end assignment", "assignment_id", a.ID, "to", to, "err", err)
	}
}

// EndAssignment moves a to a terminal status and, only if this call made the
// transition, makes its driver available again. Calling it twice for the
// same assignment releases the driver once.
func (c *Coordinator) EndAssignment(ctx context.Context, a *models.Assignment, to models.AssignmentStatus) (bool, error) {
	ok, err := c.store.ResolveAssignment(ctx, a.ID, a.Status, to, c.now())
	if err != nil || !ok {
		return false, err
	}
	observability.AssignmentOutcomes.WithLabelValues(string(to)).Inc()
	c.events.Publish(ctx, events.Event{Type: events.AssignmentResolved, RequestID: a.RequestID, DriverID: a.DriverID, Status: string(to)})
	c.Release(ctx, a.DriverID)
	return true, nil
}

// Reserve claims a driver by flipping availability true -> false. A false
// result means another dispatch got there first.
func (c *Coordinator) Reserve(ctx context.Context, driverID string) (bool, error) {
	ok, err := c.geo.CompareAndSwapAvailable(ctx, driverID, true, false)
	if err != nil {
		return false, err
	}
	if !ok {
		observability.ReservationConflicts.Inc()
	}
	return ok, nil
}

// Release flips availability false -> true.
func (c *Coordinator) Release(ctx context.Context, driverID string) {
	ok, err := c.geo.CompareAndSwapAvailable(ctx, driverID, false, true)
	switch {
	case err != nil:
		c.logger.Error("release driver", "driver_id", driverID, "err", err)
	case !ok:
		c.logger.Warn("driver was not reserved on release", "driver_id", driverID)
	}
}

func (c *Coordinator) staleResponse(ctx context.Context, assignmentID string) error {
	a, err := c.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if a.Status == models.AssignmentTimedOut {
		return models.ErrAssignmentExpired
	}
	return models.ErrAssignmentNotPending
}

func (c *Coordinator) cancelDispatching(ctx context.Context, req *models.Request) error {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()
	ok, err := c.store.UpdateRequestStatus(ctx, req.ID, models.StatusDispatching, models.StatusCancelled, "")
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrRequestAlreadyResolved
	}
	observability.RequestOutcomes.WithLabelValues(string(models.StatusCancelled)).Inc()
	c.publishStatus(ctx, req.ID, "", models.StatusCancelled)
	c.logger.Info("request cancelled during dispatch", "request_id", req.ID)
	return nil
}

// notify never takes more than a quarter of the response window, so a stalled
// push channel cannot hold a session past its assignment deadline.
func (c *Coordinator) notify(ctx context.Context, userID string, n notify.Notification) {
	budget := min(notify.DefaultSendTimeout, c.timeout/4)
	if err := notify.SendWithin(ctx, budget, c.notifier, userID, n); err != nil {
		observability.SideEffectFailures.WithLabelValues("notify").Inc()
		c.logger.Warn("notify failed", "user_id", userID, "kind", n.Kind, "err", err)
	}
}

func (c *Coordinator) publishStatus(ctx context.Context, requestID, driverID string, status models.RequestStatus) {
	c.events.Publish(ctx, events.Event{Type: events.RequestStatus, RequestID: requestID, DriverID: driverID, Status: string(status)})
}

// Respond records a driver's answer to a pending assignment. Answers at or
// after the deadline are refused even if the timer has not fired yet.
func (c *Coordinator) Respond(ctx context.Context, assignmentID, driverID string, accept bool) error {
	at := c.now()
	a, err := c.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if a.DriverID != driverID {
		return fmt.Errorf("assignment %s: %w", assignmentID, models.ErrNotFound)
	}
	switch {
	case a.Status == models.AssignmentTimedOut:
		return models.ErrAssignmentExpired
	case a.Status != models.AssignmentPending:
		return models.ErrAssignmentNotPending
	case !at.Before(a.ExpiresAt):
		return models.ErrAssignmentExpired
	}

	s := c.session(a.RequestID)
	if s == nil {
		return models.ErrAssignmentNotPending
	}
	r := response{assignmentID: assignmentID, accept: accept, at: at, reply: make(chan error, 1)}
	select {
	case s.responses <- r:
	case <-s.done:
		return c.staleResponse(ctx, assignmentID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel handles a requester cancellation before any driver is bound:
// pending requests are cancelled directly, dispatching ones through their
// session so the in-flight assignment is closed first. A request that gets
// bound meanwhile yields ErrRequestAlreadyResolved; callers route it to the
// cancellation fraud check.
func (c *Coordinator) Cancel(ctx context.Context, requestID string) error {
	for i := 0; i < 3; i++ {
		req, err := c.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		switch req.Status {
		case models.StatusPending:
			ok, err := c.store.UpdateRequestStatus(ctx, requestID, models.StatusPending, models.StatusCancelled, "")
			if err != nil {
				return err
			}
			if ok {
				observability.RequestOutcomes.WithLabelValues(string(models.StatusCancelled)).Inc()
				c.publishStatus(ctx, requestID, "", models.StatusCancelled)
				return nil
			}
		case models.StatusDispatching:
			s := c.session(requestID)
			if s == nil {
				// another process or a session just finishing; fall back to a plain conditional update
				ok, err := c.store.UpdateRequestStatus(ctx, requestID, models.StatusDispatching, models.StatusCancelled, "")
				if err != nil {
					return err
				}
				if ok {
					c.publishStatus(ctx, requestID, "", models.StatusCancelled)
					return nil
				}
				continue
			}
			cr := cancelRequest{reply: make(chan error, 1)}
			select {
			case s.cancels <- cr:
			case <-s.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case err := <-cr.reply:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return models.ErrRequestAlreadyResolved
		}
	}
	return models.ErrRequestAlreadyResolved
}

// Wait blocks until the dispatch session of requestID has finished.
func (c *Coordinator) Wait(ctx context.Context, requestID string) error {
	s := c.session(requestID)
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

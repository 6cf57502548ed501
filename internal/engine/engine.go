// Package engine is the entry point for requester actions: it prices and
// stores new requests, routes them to direct dispatch or bidding, and sends
// cancellations to whichever component owns the request's current state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

// cancelAttempts bounds how often Cancel follows a request that keeps
// changing state under it.
const cancelAttempts = 3

type Intake interface {
	Intake(ctx context.Context, in pricing.Input) (*models.Request, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, requestID string) error
	Cancel(ctx context.Context, requestID string) error
}

type Bidding interface {
	Open(ctx context.Context, requestID string) (*models.Request, error)
	Cancel(ctx context.Context, requestID string) error
}

type CancellationHandler interface {
	HandleCancellation(ctx context.Context, requestID string) (*models.CancellationRecord, error)
}

type Engine struct {
	intake     Intake
	store      storage.RequestStore
	dispatcher Dispatcher
	bidding    Bidding
	fraud      CancellationHandler
	events     events.Publisher
	logger     *slog.Logger
}

func New(intake Intake, store storage.RequestStore, dispatcher Dispatcher, bidding Bidding, fraud CancellationHandler, pub events.Publisher, logger *slog.Logger) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{
		intake:     intake,
		store:      store,
		dispatcher: dispatcher,
		bidding:    bidding,
		fraud:      fraud,
		events:     pub,
		logger:     logging.Component(logger, "engine"),
	}
}

// Submit creates a request and starts either direct dispatch or bidding.
// The returned request reflects the state right after the hand-off.
func (e *Engine) Submit(ctx context.Context, in pricing.Input) (*models.Request, error) {
	req, err := e.intake.Intake(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("engine.Submit: %w", err)
	}
	mode := "direct"
	if req.Bidding {
		mode = "bidding"
	}
	observability.RequestsCreated.WithLabelValues(string(req.VehicleClass), mode).Inc()
	e.events.Publish(ctx, events.Event{Type: events.RequestCreated, RequestID: req.ID, Status: string(req.Status), Payload: req})
	e.logger.Info("request created", "request_id", req.ID, "requester_id", req.RequesterID,
		"vehicle_class", req.VehicleClass, "mode", mode, "price", req.Price())

	if req.Bidding {
		if _, err := e.bidding.Open(ctx, req.ID); err != nil {
			return nil, fmt.Errorf("open bidding: %w", err)
		}
	} else if err := e.dispatcher.Dispatch(ctx, req.ID); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return e.store.GetRequest(ctx, req.ID)
}

// Cancel handles a requester cancellation in any non-terminal state. A
// CancellationRecord is returned only when a driver was already bound.
func (e *Engine) Cancel(ctx context.Context, requestID, requesterID string) (*models.CancellationRecord, error) {
	for i := 0; i < cancelAttempts; i++ {
		req, err := e.store.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.RequesterID != requesterID {
			return nil, fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
		}
		var rec *models.CancellationRecord
		switch req.Status {
		case models.StatusPending, models.StatusDispatching:
			err = e.dispatcher.Cancel(ctx, requestID)
		case models.StatusBidding:
			err = e.bidding.Cancel(ctx, requestID)
		case models.StatusAccepted:
			rec, err = e.fraud.HandleCancellation(ctx, requestID)
		default:
			return nil, models.ErrRequestAlreadyResolved
		}
		if !errors.Is(err, models.ErrRequestAlreadyResolved) {
			return rec, err
		}
		// a driver accepted or cancelled in between; route again on the new status
		e.logger.Debug("cancel raced a state change", "request_id", requestID, "seen", req.Status)
	}
	return nil, models.ErrRequestAlreadyResolved
}

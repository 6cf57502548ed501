package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// boundRequest loads a request and checks that driverID is the driver bound to it.
func (c *Coordinator) boundRequest(ctx context.Context, requestID, driverID string, status models.RequestStatus) (*models.Request, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.AssignedDriverID != driverID {
		return nil, fmt.Errorf("request %s is not assigned to %s: %w", requestID, driverID, models.ErrNotFound)
	}
	if req.Status != status {
		return nil, models.ErrRequestAlreadyResolved
	}
	return req, nil
}

// StartTrip marks the pickup: accepted -> in_progress.
func (c *Coordinator) StartTrip(ctx context.Context, requestID, driverID string) error {
	if _, err := c.boundRequest(ctx, requestID, driverID, models.StatusAccepted); err != nil {
		return err
	}
	ok, err := c.store.UpdateRequestStatus(ctx, requestID, models.StatusAccepted, models.StatusInProgress, driverID)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrRequestAlreadyResolved
	}
	c.publishStatus(ctx, requestID, driverID, models.StatusInProgress)
	c.logger.Info("trip started", "request_id", requestID, "driver_id", driverID)
	return nil
}

// CompleteTrip closes the trip and frees the driver.
func (c *Coordinator) CompleteTrip(ctx context.Context, requestID, driverID string) error {
	if _, err := c.boundRequest(ctx, requestID, driverID, models.StatusInProgress); err != nil {
		return err
	}
	ok, err := c.store.UpdateRequestStatus(ctx, requestID, models.StatusInProgress, models.StatusCompleted, "")
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrRequestAlreadyResolved
	}
	a, err := c.store.AcceptedAssignment(ctx, requestID)
	if err != nil {
		return fmt.Errorf("assignment.CompleteTrip: %w", err)
	}
	if _, err := c.EndAssignment(ctx, a, models.AssignmentCompleted); err != nil {
		return err
	}
	observability.RequestOutcomes.WithLabelValues(string(models.StatusCompleted)).Inc()
	c.publishStatus(ctx, requestID, driverID, models.StatusCompleted)
	c.logger.Info("trip completed", "request_id", requestID, "driver_id", driverID)
	return nil
}

// DriverCancel handles a bound driver backing out before pickup. The driver
// is freed, the cancellation is audited, and the request goes back to
// dispatching with that driver excluded.
func (c *Coordinator) DriverCancel(ctx context.Context, requestID, driverID string) (*models.CancellationRecord, error) {
	req, err := c.boundRequest(ctx, requestID, driverID, models.StatusAccepted)
	if err != nil {
		return nil, err
	}
	a, err := c.store.AcceptedAssignment(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("assignment.DriverCancel: %w", err)
	}

	rec := &models.CancellationRecord{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		RequesterID: req.RequesterID,
		DriverID:    driverID,
		Initiator:   models.CancelByDriver,
		Action:      models.ActionNone,
		CreatedAt:   c.now(),
	}
	if loc, err := c.geo.Get(ctx, driverID); err == nil {
		rec.DriverDistanceKm = geo.DistanceKm(loc.Loc, req.Pickup)
	} else if !errors.Is(err, models.ErrNotFound) {
		c.logger.Warn("driver location lookup", "driver_id", driverID, "err", err)
	}

	// claim first so a racing requester cancellation cannot also act on it
	ok, err := c.store.UpdateRequestStatus(ctx, requestID, models.StatusAccepted, models.StatusDispatching, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrRequestAlreadyResolved
	}
	if _, err := c.EndAssignment(ctx, a, models.AssignmentCancelled); err != nil {
		return nil, err
	}
	if err := storage.AppendCancellationRetry(ctx, c.store, rec); err != nil {
		c.logger.Error("append driver cancellation", "request_id", requestID, "err", err)
	}
	observability.Cancellations.WithLabelValues(string(models.CancelByDriver), string(models.ActionNone)).Inc()
	c.events.Publish(ctx, events.Event{Type: events.CancellationHandled, RequestID: requestID, DriverID: driverID, Payload: rec})
	c.notify(ctx, req.RequesterID, notify.Notification{
		Kind: notify.KindRequestCancelled, Title: "Your driver cancelled",
		Body: "We are looking for another driver.",
		Data: map[string]any{"request_id": requestID},
	})

	exclude := map[string]bool{driverID: true}
	if err := c.start(ctx, requestID, models.StatusDispatching, exclude); err != nil {
		return rec, fmt.Errorf("redispatch: %w", err)
	}
	c.logger.Info("driver cancelled, redispatching", "request_id", requestID, "driver_id", driverID)
	return rec, nil
}

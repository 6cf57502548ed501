// Package fraud screens requester cancellations of bound trips and applies
// charges, driver compensation and bans.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

// unknownDistance marks a cancellation where the driver had no known location.
const unknownDistance = -1

// Releaser ends the bound assignment and frees its driver.
type Releaser interface {
	EndAssignment(ctx context.Context, a *models.Assignment, to models.AssignmentStatus) (bool, error)
}

type Deps struct {
	Store    storage.Store
	Geo      geo.Store
	Wallet   payments.Wallet
	Releaser Releaser
	Notifier notify.Notifier
	Alerter  notify.Alerter
	Events   events.Publisher
	Logger   *slog.Logger
}

type Detector struct {
	cfg      config.FraudConfig
	store    storage.Store
	geo      geo.Store
	wallet   payments.Wallet
	releaser Releaser
	notifier notify.Notifier
	alerter  notify.Alerter
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewDetector(cfg config.FraudConfig, d Deps) *Detector {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Alerter == nil {
		d.Alerter = notify.LogAlerter{Logger: d.Logger}
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return &Detector{
		cfg:      cfg,
		store:    d.Store,
		geo:      d.Geo,
		wallet:   d.Wallet,
		releaser: d.Releaser,
		notifier: d.Notifier,
		alerter:  d.Alerter,
		events:   d.Events,
		logger:   logging.Component(d.Logger, "fraud"),
		now:      time.Now,
	}
}

// Verdict is the pure part of the decision.
type Verdict struct {
	DistanceKm float64
	Near       bool
	NearCount  int
	Suspicious bool
	Ban        bool
}

// Evaluate classifies one cancellation given the requester's prior
// cancellations inside the window.
func (d *Detector) Evaluate(distanceKm float64, history []models.CancellationRecord) Verdict {
	v := Verdict{DistanceKm: distanceKm}
	v.Near = distanceKm >= 0 && distanceKm < d.cfg.NearKm
	for _, rec := range history {
		if rec.Initiator == models.CancelByRequester && rec.DriverWasNear {
			v.NearCount++
		}
	}
	if v.Near {
		v.NearCount++
	}
	v.Suspicious = v.Near && v.NearCount >= d.cfg.SuspiciousCount
	v.Ban = v.Suspicious && v.NearCount >= d.cfg.BanCount
	return v
}

// Compensation is the driver's share of price.
func (d *Detector) Compensation(price int64) int64 {
	return int64(math.Round(float64(price) * d.cfg.CompensationRatio))
}

// HandleCancellation processes a requester cancelling a request whose driver
// is en route. The request is claimed with a conditional status update
// first, so a repeated or concurrent call gets ErrRequestAlreadyResolved and
// causes no second record, charge or release.
func (d *Detector) HandleCancellation(ctx context.Context, requestID string) (*models.CancellationRecord, error) {
	req, err := d.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusAccepted {
		return nil, models.ErrRequestAlreadyResolved
	}
	a, err := d.store.AcceptedAssignment(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("fraud.HandleCancellation: %w", err)
	}
	ok, err := d.store.UpdateRequestStatus(ctx, requestID, models.StatusAccepted, models.StatusCancelledByClient, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrRequestAlreadyResolved
	}
	now := d.now()
	log := d.logger.With("request_id", requestID, "requester_id", req.RequesterID, "driver_id", a.DriverID)

	distance := float64(unknownDistance)
	if loc, err := d.geo.Get(ctx, a.DriverID); err == nil {
		distance = geo.DistanceKm(loc.Loc, req.Pickup)
	} else {
		log.Warn("driver location unavailable at cancel time", "err", err)
	}
	history, err := d.store.ListCancellations(ctx, req.RequesterID, now.Add(-d.cfg.Window))
	if err != nil {
		// without history the requester is judged on this cancellation alone
		log.Error("load cancellation history", "err", err)
	}
	v := d.Evaluate(distance, history)

	rec := &models.CancellationRecord{
		ID:               uuid.NewString(),
		RequestID:        requestID,
		RequesterID:      req.RequesterID,
		DriverID:         a.DriverID,
		Initiator:        models.CancelByRequester,
		DriverDistanceKm: v.DistanceKm,
		DriverWasNear:    v.Near,
		Suspicious:       v.Suspicious,
		NearCount24h:     v.NearCount,
		Action:           models.ActionNone,
		CreatedAt:        now,
	}
	price := req.Price()

	if v.Suspicious {
		d.applyPenalty(ctx, log, req, a, rec, price)
	}
	if v.Ban {
		d.ban(ctx, log, req, rec)
	}

	if err := storage.AppendCancellationRetry(ctx, d.store, rec); err != nil {
		log.Error("append cancellation record", "err", err)
		d.alert(ctx, notify.Alert{Subject: "cancellation audit write failed", Details: map[string]any{
			"request_id": requestID, "record_id": rec.ID, "error": err.Error(),
		}})
	}
	if _, err := d.releaser.EndAssignment(ctx, a, models.AssignmentCancelled); err != nil {
		log.Error("release driver after cancellation", "err", err)
	}

	observability.Cancellations.WithLabelValues(string(models.CancelByRequester), string(rec.Action)).Inc()
	observability.RequestOutcomes.WithLabelValues(string(models.StatusCancelledByClient)).Inc()
	d.events.Publish(ctx, events.Event{Type: events.CancellationHandled, RequestID: requestID, DriverID: a.DriverID, Payload: rec})
	d.events.Publish(ctx, events.Event{Type: events.RequestStatus, RequestID: requestID, DriverID: a.DriverID, Status: string(models.StatusCancelledByClient)})
	if !v.Suspicious {
		d.notify(ctx, a.DriverID, notify.Notification{Kind: notify.KindRequestCancelled, Title: "Trip cancelled by rider",
			Data: map[string]any{"request_id": requestID}})
	}
	log.Info("requester cancellation handled", "distance_km", v.DistanceKm, "near", v.Near,
		"near_count", v.NearCount, "suspicious", v.Suspicious, "action", rec.Action)
	return rec, nil
}

func (d *Detector) applyPenalty(ctx context.Context, log *slog.Logger, req *models.Request, a *models.Assignment, rec *models.CancellationRecord, price int64) {
	err := d.wallet.Debit(ctx, req.RequesterID, price, rec.ID)
	switch {
	case err == nil:
		rec.ChargeAmount = price
		rec.Action = models.ActionCharged
	case errors.Is(err, payments.ErrInsufficientFunds):
		observability.SideEffectFailures.WithLabelValues("wallet_debit").Inc()
		log.Warn("cancellation charge skipped, insufficient balance", "amount", price)
		d.alert(ctx, notify.Alert{Subject: "cancellation charge skipped", Details: map[string]any{
			"request_id": req.ID, "requester_id": req.RequesterID, "amount": price, "reason": "insufficient funds",
		}})
	default:
		observability.SideEffectFailures.WithLabelValues("wallet_debit").Inc()
		log.Error("cancellation charge failed", "amount", price, "err", err)
		d.alert(ctx, notify.Alert{Subject: "cancellation charge failed", Details: map[string]any{
			"request_id": req.ID, "requester_id": req.RequesterID, "amount": price, "error": err.Error(),
		}})
	}

	comp := d.Compensation(price)
	if comp > 0 {
		if err := d.wallet.Credit(ctx, a.DriverID, comp, rec.ID); err != nil {
			observability.SideEffectFailures.WithLabelValues("wallet_credit").Inc()
			log.Error("driver compensation failed", "amount", comp, "err", err)
			d.alert(ctx, notify.Alert{Subject: "driver compensation failed", Details: map[string]any{
				"request_id": req.ID, "driver_id": a.DriverID, "amount": comp, "error": err.Error(),
			}})
		} else {
			rec.CompensationAmount = comp
		}
	}

	d.notify(ctx, req.RequesterID, notify.Notification{
		Kind: notify.KindCancelWarning, Title: "Cancellation fee applied",
		Body: "Repeated cancellations after your driver arrives may lead to suspension.",
		Data: map[string]any{"request_id": req.ID, "charge": rec.ChargeAmount, "near_count": rec.NearCount24h},
	})
	d.notify(ctx, a.DriverID, notify.Notification{
		Kind: notify.KindCompensation, Title: "Rider cancelled, you have been compensated",
		Data: map[string]any{"request_id": req.ID, "amount": rec.CompensationAmount},
	})
	d.alert(ctx, notify.Alert{Subject: "suspicious cancellation", Details: map[string]any{
		"request_id": req.ID, "requester_id": req.RequesterID, "driver_id": a.DriverID,
		"distance_km": rec.DriverDistanceKm, "near_count": rec.NearCount24h,
		"charged": rec.ChargeAmount, "compensated": rec.CompensationAmount,
	}})
}

func (d *Detector) ban(ctx context.Context, log *slog.Logger, req *models.Request, rec *models.CancellationRecord) {
	b := models.Ban{
		UserID:   req.RequesterID,
		Reason:   fmt.Sprintf("%d near-pickup cancellations within %s", rec.NearCount24h, d.cfg.Window),
		BannedAt: rec.CreatedAt,
	}
	created, err := d.store.Ban(ctx, b)
	if err != nil {
		observability.SideEffectFailures.WithLabelValues("ban").Inc()
		log.Error("ban requester", "err", err)
		return
	}
	rec.Action = models.ActionBanned
	if !created {
		return
	}
	d.notify(ctx, req.RequesterID, notify.Notification{Kind: notify.KindAccountBanned, Title: "Account suspended", Body: b.Reason})
	d.alert(ctx, notify.Alert{Subject: "requester banned", Details: map[string]any{
		"requester_id": req.RequesterID, "reason": b.Reason, "request_id": req.ID,
	}})
	log.Warn("requester banned", "reason", b.Reason)
}

func (d *Detector) notify(ctx context.Context, userID string, n notify.Notification) {
	if err := notify.SendWithin(ctx, notify.DefaultSendTimeout, d.notifier, userID, n); err != nil {
		observability.SideEffectFailures.WithLabelValues("notify").Inc()
		d.logger.Warn("notify failed", "user_id", userID, "kind", n.Kind, "err", err)
	}
}

func (d *Detector) alert(ctx context.Context, a notify.Alert) {
	if err := d.alerter.Alert(ctx, a); err != nil {
		observability.SideEffectFailures.WithLabelValues("alert").Inc()
		d.logger.Warn("alert failed", "subject", a.Subject, "err", err)
	}
}

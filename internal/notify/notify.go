// Package notify delivers user-facing notifications and admin alerts.
// Every delivery is best effort: callers log failures and carry on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
)

type Kind string

const (
	KindAssignmentOffer   Kind = "assignment_offer"
	KindAssignmentTimeout Kind = "assignment_timeout"
	KindRequestAccepted   Kind = "request_accepted"
	KindNoDrivers         Kind = "no_drivers_available"
	KindBiddingOpen       Kind = "bidding_open"
	KindOfferReceived     Kind = "offer_received"
	KindOfferAccepted     Kind = "offer_accepted"
	KindOfferRejected     Kind = "offer_rejected"
	KindBiddingClosed     Kind = "bidding_closed"
	KindRequestCancelled  Kind = "request_cancelled"
	KindCancelWarning     Kind = "cancellation_warning"
	KindCompensation      Kind = "cancellation_compensation"
	KindAccountBanned     Kind = "account_banned"
)

type Notification struct {
	Kind  Kind           `json:"kind"`
	Title string         `json:"title,omitempty"`
	Body  string         `json:"body,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Notifier sends one notification to one user.
type Notifier interface {
	Send(ctx context.Context, userID string, n Notification) error
}

var ErrNoSession = errors.New("no ws session")

// Fallback tries each notifier in order until one succeeds.
type Fallback []Notifier

func (f Fallback) Send(ctx context.Context, userID string, n Notification) error {
	var errs []error
	for _, nt := range f {
		if nt == nil {
			continue
		}
		err := nt.Send(ctx, userID, n)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DefaultSendTimeout bounds one notification when the caller sets no tighter limit.
const DefaultSendTimeout = 2 * time.Second

// SendWithin runs n.Send with a budget of d and returns once it finishes or
// the budget runs out, whichever is first. The send keeps a copy of ctx's
// values but not its cancellation, so a notification about a cancelled
// operation still goes out. A notifier that ignores its context is left to
// finish on its own.
func SendWithin(ctx context.Context, d time.Duration, nt Notifier, userID string, n Notification) error {
	if d <= 0 {
		d = DefaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- nt.Send(ctx, userID, n) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("notify %s: %w", userID, ctx.Err())
	}
}

// Nop drops everything.
type Nop struct{}

func (Nop) Send(context.Context, string, Notification) error { return nil }

// BestEffort wraps a Notifier so that failures are logged and counted but
// never returned.
type BestEffort struct {
	next   Notifier
	logger *slog.Logger
}

func NewBestEffort(next Notifier, logger *slog.Logger) *BestEffort {
	if next == nil {
		next = Nop{}
	}
	return &BestEffort{next: next, logger: logging.Component(logger, "notify")}
}

func (b *BestEffort) Send(ctx context.Context, userID string, n Notification) error {
	if err := b.next.Send(ctx, userID, n); err != nil {
		observability.SideEffectFailures.WithLabelValues("notify").Inc()
		b.logger.Warn("notification failed", "user_id", userID, "kind", n.Kind, "err", err)
	}
	return nil
}

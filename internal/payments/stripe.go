package payments

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/transfer"
)

// StripeWallet charges requesters with off-session PaymentIntents against
// their saved Stripe customer, and pays drivers with transfers to their
// connected account. User ids are used as the Stripe customer and account ids.
type StripeWallet struct {
	currency    string
	newIntent   func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	newTransfer func(*stripe.TransferParams) (*stripe.Transfer, error)
}

// NewStripeWallet sets the global stripe key.
func NewStripeWallet(apiKey, currency string) *StripeWallet {
	stripe.Key = apiKey
	return &StripeWallet{currency: currency, newIntent: paymentintent.New, newTransfer: transfer.New}
}

func (s *StripeWallet) Debit(ctx context.Context, userID string, amount int64, ref string) error {
	params := &stripe.PaymentIntentParams{
		Amount:     stripe.Int64(amount),
		Currency:   stripe.String(s.currency),
		Customer:   stripe.String(userID),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey("debit-" + ref)
	params.AddMetadata("ref", ref)
	pi, err := s.newIntent(params)
	if err != nil {
		return mapStripeError(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("payment intent %s ended in %s", pi.ID, pi.Status)
	}
	return nil
}

func (s *StripeWallet) Credit(ctx context.Context, userID string, amount int64, ref string) error {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(s.currency),
		Destination: stripe.String(userID),
	}
	params.Context = ctx
	params.SetIdempotencyKey("credit-" + ref)
	params.AddMetadata("ref", ref)
	if _, err := s.newTransfer(params); err != nil {
		return mapStripeError(err)
	}
	return nil
}

func mapStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.DeclineCode == stripe.DeclineCodeInsufficientFunds || se.Code == stripe.ErrorCodeBalanceInsufficient {
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, se.Msg)
		}
	}
	return err
}

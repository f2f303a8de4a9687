package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/speedyvan/dispatch/internal/apperr"
)

// Verifier checks that a booking has been paid before it is confirmed.
type Verifier interface {
	Verify(ctx context.Context, paymentRef string, amountPence int64) error
}

// StripeVerifier looks up the PaymentIntent behind a booking. A succeeded
// intent, or one holding funds for later capture, counts as paid.
type StripeVerifier struct {
	get func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// NewStripeVerifier initializes the stripe client with the given secret key.
func NewStripeVerifier(apiKey string) *StripeVerifier {
	stripe.Key = apiKey
	return &StripeVerifier{get: paymentintent.Get}
}

func (s *StripeVerifier) Verify(ctx context.Context, paymentRef string, amountPence int64) error {
	if paymentRef == "" {
		return fmt.Errorf("payment reference required: %w", apperr.ErrValidation)
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.get(paymentRef, params)
	if err != nil {
		if se, ok := err.(*stripe.Error); ok && se.HTTPStatusCode == 404 {
			return fmt.Errorf("payment %s: %w", paymentRef, apperr.ErrValidation)
		}
		return fmt.Errorf("stripe lookup %s: %w: %v", paymentRef, apperr.ErrExternalService, err)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
	default:
		return fmt.Errorf("payment %s is %s: %w", paymentRef, pi.Status, apperr.ErrValidation)
	}
	if amountPence > 0 && pi.Amount != amountPence {
		return fmt.Errorf("payment %s amount %d does not match booking total %d: %w", paymentRef, pi.Amount, amountPence, apperr.ErrValidation)
	}
	return nil
}

// AcceptAll is used when no payment provider is configured.
type AcceptAll struct{}

func (AcceptAll) Verify(context.Context, string, int64) error { return nil }

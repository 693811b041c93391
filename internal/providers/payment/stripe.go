package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// StripeProvider charges stored payment methods through off-session
// PaymentIntents. Stripe deduplicates on the idempotency key, so replaying a
// billing cycle's charge after a crash or timeout never double-bills.
type StripeProvider struct {
	apiKey string
}

func NewStripeProvider(apiKey string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{apiKey: apiKey}
}

func (p *StripeProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(req.IdempotencyKey),
		},
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}

	intent, err := paymentintent.New(params)
	if err != nil {
		return ChargeResult{}, classifyStripeErr(err)
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return ChargeResult{ProviderChargeID: intent.ID}, nil
	case stripe.PaymentIntentStatusProcessing:
		// Outcome unknown; the next attempt replays the same idempotency key.
		return ChargeResult{}, fmt.Errorf("%w: payment intent %s still processing", ErrProviderUnavailable, intent.ID)
	default:
		return ChargeResult{}, fmt.Errorf("%w: payment intent %s status %s", ErrPaymentDeclined, intent.ID, intent.Status)
	}
}

func classifyStripeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard:
			return fmt.Errorf("%w: %s", ErrPaymentDeclined, stripeErr.Code)
		case stripeErr.HTTPStatusCode >= 500, stripeErr.Type == stripe.ErrorTypeAPI:
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		default:
			return fmt.Errorf("%w: %v", ErrPaymentDeclined, err)
		}
	}

	// Network level failures never reached Stripe.
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

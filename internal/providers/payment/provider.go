package payment

import (
	"context"
	"errors"
)

var (
	// ErrPaymentDeclined means the provider reached the card network and the
	// charge was refused. Retrying later is the caller's decision.
	ErrPaymentDeclined = errors.New("payment_declined")
	// ErrProviderUnavailable means the provider could not be reached or
	// returned a transient failure. The charge outcome is unknown to the
	// caller but safe to retry with the same idempotency key.
	ErrProviderUnavailable = errors.New("payment_provider_unavailable")
)

// ChargeRequest describes one charge attempt. IdempotencyKey must be stable
// across retries of the same billing cycle so the provider deduplicates.
type ChargeRequest struct {
	PaymentMethodRef string
	Amount           int64
	Currency         string
	IdempotencyKey   string
}

type ChargeResult struct {
	ProviderChargeID string
}

type Provider interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// NoOpProvider approves every charge. Used in environments without a
// configured payment backend.
type NoOpProvider struct{}

func (p *NoOpProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	return ChargeResult{ProviderChargeID: "noop_" + req.IdempotencyKey}, nil
}

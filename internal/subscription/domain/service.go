package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidPlan         = errors.New("invalid_plan")
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrSubscriptionNotDue  = errors.New("subscription_not_past_due_capable")
)

type CreateSubscriptionRequest struct {
	CustomerID       string
	PlanID           string
	CustomerEmail    string
	PaymentMethodRef string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	TrialEnd         *time.Time
	MaxRetryAttempts int
	Metadata         map[string]any
}

type CreateSubscriptionResponse struct {
	Subscription Subscription `json:"subscription"`
}

type GetSubscriptionRequest struct {
	SubscriptionID string
}

// RecordPaymentFailureRequest marks a renewal charge as failed: the
// subscription moves to PAST_DUE, a FAILED billing cycle is recorded and the
// first retry is scheduled.
type RecordPaymentFailureRequest struct {
	SubscriptionID string
	Total          int64
	Currency       string
}

type RecordPaymentFailureResponse struct {
	Subscription Subscription `json:"subscription"`
	Cycle        BillingCycle `json:"cycle"`
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (CreateSubscriptionResponse, error)
	Get(ctx context.Context, req GetSubscriptionRequest) (Subscription, error)
	RecordPaymentFailure(ctx context.Context, req RecordPaymentFailureRequest) (RecordPaymentFailureResponse, error)
	ListEvents(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
}

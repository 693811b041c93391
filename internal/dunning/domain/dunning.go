// Package domain defines the dunning pipeline contract: which past-due
// subscriptions get retried, what a retry decides, and the error taxonomy
// that keeps one bad subscription from poisoning a batch.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/agoramart/dunning/internal/config"
	subscriptiondomain "github.com/agoramart/dunning/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
)

var (
	// ErrNotEligible means the subscription is not PAST_DUE or its retries
	// are already exhausted. Raised before any charge attempt, no mutation.
	ErrNotEligible = errors.New("subscription_not_eligible")
	// ErrNoFailedCycle means a PAST_DUE subscription has no FAILED billing
	// cycle to retry. Data inconsistency: logged, skipped, not auto-repaired.
	ErrNoFailedCycle = errors.New("no_failed_billing_cycle")
	// ErrTransitionConflict means another writer changed the subscription
	// between the eligibility read and the transition write.
	ErrTransitionConflict = errors.New("dunning_transition_conflict")
)

// Outcome names the state transition a retry produced.
type Outcome string

const (
	OutcomeRenewed        Outcome = "renewed"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeCanceled       Outcome = "canceled"
)

// Decision is the committed result of one subscription's pipeline run.
type Decision struct {
	SubscriptionID snowflake.ID
	CycleID        snowflake.ID
	Outcome        Outcome
	RetryCount     int
	NextRetryAt    *time.Time
	CustomerEmail  string
	Total          int64
	Currency       string
}

// BatchResult aggregates one tick of the pipeline.
type BatchResult struct {
	Claimed          int
	Renewed          int
	RetriesScheduled int
	Canceled         int
	Skipped          int
	Errs             error
}

type Service interface {
	// RunBatch claims due subscriptions and fans each into its own
	// pipeline. Per-subscription failures are captured into Errs; only a
	// scan failure returns a non-nil error directly.
	RunBatch(ctx context.Context) (BatchResult, error)

	// Process runs the pipeline for a single subscription id.
	Process(ctx context.Context, subscriptionID snowflake.ID) (Decision, error)
}

// NextRetryDelay returns the wait before attempt newRetryCount (1-based).
// Attempts past the end of the backoff table reuse its last entry. An empty
// table falls back to the default policy's table.
func NextRetryDelay(policy config.RetryPolicy, newRetryCount int) time.Duration {
	days := policy.BackoffDays
	if len(days) == 0 {
		days = config.DefaultRetryPolicy().BackoffDays
	}
	idx := newRetryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(days) {
		idx = len(days) - 1
	}
	return time.Duration(days[idx]) * 24 * time.Hour
}

// Eligible reports whether the dunning pipeline may charge the subscription.
func Eligible(sub *subscriptiondomain.Subscription) bool {
	return sub != nil &&
		sub.Status == subscriptiondomain.SubscriptionStatusPastDue &&
		sub.RetryCount < sub.MaxRetryAttempts
}

package domain

import (
	"context"
	"errors"
	"time"

	"github.com/agoramart/dunning/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrStaleSubscription    = errors.New("subscription_version_conflict")
)

// ListEventsRequest selects a page of audit events for one subscription.
type ListEventsRequest struct {
	SubscriptionID snowflake.ID
	PageToken      string
	PageSize       int
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []SubscriptionEvent `json:"events"`
}

// Repository is the single owner of persisted subscription state. All
// mutating methods that take a prior retry_count apply an optimistic guard:
// they return false when another writer got there first, without modifying
// anything.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)

	// ClaimPastDueDueForRetry selects past-due subscriptions whose
	// next_retry_at has elapsed, locking the rows against concurrent
	// claims. Results are ordered by next_retry_at, then id.
	ClaimPastDueDueForRetry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)

	InsertCycle(ctx context.Context, db *gorm.DB, cycle *BillingCycle) error
	FindLatestFailedCycle(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*BillingCycle, error)
	CompleteCycle(ctx context.Context, db *gorm.DB, cycleID snowflake.ID, now time.Time) (bool, error)

	// Dunning transition writes. Each is one guarded UPDATE keyed on the
	// subscription id, PAST_DUE status and the retry count the decision
	// was based on.
	MarkRenewed(ctx context.Context, db *gorm.DB, id snowflake.ID, priorRetryCount int, now time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, priorRetryCount int, nextRetryAt, now time.Time) (bool, error)
	MarkCanceled(ctx context.Context, db *gorm.DB, id snowflake.ID, priorRetryCount int, now time.Time) (bool, error)

	// Lifecycle sweeps outside the dunning flow.
	FindPausedDueForResume(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	MarkResumed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	FindCanceledDueForExpiry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)

	InsertEvent(ctx context.Context, db *gorm.DB, event *SubscriptionEvent) error
	ListEvents(ctx context.Context, db *gorm.DB, req ListEventsRequest) (ListEventsResponse, error)
}

// Package domain contains persistence models for subscriptions, billing
// cycles and the subscription event audit trail.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "TRIALING"
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPaused   SubscriptionStatus = "PAUSED"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusExpired  SubscriptionStatus = "EXPIRED"
)

// Subscription captures a customer's recurring commitment to a plan.
//
// Dunning invariants, enforced by every write path:
//   - retry_count never exceeds max_retry_attempts
//   - next_retry_at is set if and only if status is PAST_DUE and
//     retry_count < max_retry_attempts
//   - canceled_at is set if and only if status is CANCELED or the
//     subscription has since moved to EXPIRED
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	CustomerID         snowflake.ID       `gorm:"not null;index"`
	PlanID             snowflake.ID       `gorm:"not null;index"`
	Status             SubscriptionStatus `gorm:"type:text;not null;index"`
	CurrentPeriodStart time.Time          `gorm:"not null"`
	CurrentPeriodEnd   time.Time          `gorm:"not null"`
	TrialEnd           *time.Time         `gorm:""`
	CanceledAt         *time.Time         `gorm:""`
	PauseStartsAt      *time.Time         `gorm:""`
	PauseEndsAt        *time.Time         `gorm:""`
	RetryCount         int                `gorm:"not null;default:0"`
	MaxRetryAttempts   int                `gorm:"not null;default:3"`
	LastRetryAt        *time.Time         `gorm:""`
	NextRetryAt        *time.Time         `gorm:"index"`
	PaymentMethodRef   string             `gorm:"type:text;not null"`
	CustomerEmail      string             `gorm:"type:text;not null"`
	Metadata           datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// BillingCycleStatus represents charge progress for a cycle.
type BillingCycleStatus string

const (
	BillingCycleStatusPending   BillingCycleStatus = "PENDING"
	BillingCycleStatusCompleted BillingCycleStatus = "COMPLETED"
	BillingCycleStatusFailed    BillingCycleStatus = "FAILED"
)

// BillingCycle represents one charge attempt/period for a subscription.
// Total is in the currency's minor unit.
type BillingCycle struct {
	ID             snowflake.ID       `gorm:"primaryKey"`
	SubscriptionID snowflake.ID       `gorm:"not null;index"`
	Status         BillingCycleStatus `gorm:"type:text;not null;index"`
	Total          int64              `gorm:"not null"`
	Currency       string             `gorm:"type:text;not null"`
	CreatedAt      time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CompletedAt    *time.Time         `gorm:""`
	UpdatedAt      time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingCycle) TableName() string { return "billing_cycles" }

// SubscriptionEventType enumerates audit trail entries.
type SubscriptionEventType string

const (
	EventCreated       SubscriptionEventType = "created"
	EventActivated     SubscriptionEventType = "activated"
	EventPaused        SubscriptionEventType = "paused"
	EventResumed       SubscriptionEventType = "resumed"
	EventCanceled      SubscriptionEventType = "canceled"
	EventRenewed       SubscriptionEventType = "renewed"
	EventPlanChanged   SubscriptionEventType = "plan_changed"
	EventPaymentFailed SubscriptionEventType = "payment_failed"
)

// SubscriptionEvent is an append-only audit record, one per state transition.
type SubscriptionEvent struct {
	ID             snowflake.ID          `gorm:"primaryKey"`
	SubscriptionID snowflake.ID          `gorm:"not null;index"`
	Type           SubscriptionEventType `gorm:"type:text;not null"`
	Data           datatypes.JSONMap     `gorm:"type:jsonb"`
	CreatedAt      time.Time             `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionEvent) TableName() string { return "subscription_events" }

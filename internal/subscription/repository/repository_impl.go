package repository

import (
	"context"
	"strconv"
	"time"

	subscriptiondomain "github.com/agoramart/dunning/internal/subscription/domain"
	"github.com/agoramart/dunning/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, customer_id, plan_id, status, current_period_start, current_period_end,
			trial_end, canceled_at, pause_starts_at, pause_ends_at, retry_count,
			max_retry_attempts, last_retry_at, next_retry_at, payment_method_ref,
			customer_email, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.CustomerID,
		subscription.PlanID,
		subscription.Status,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.TrialEnd,
		subscription.CanceledAt,
		subscription.PauseStartsAt,
		subscription.PauseEndsAt,
		subscription.RetryCount,
		subscription.MaxRetryAttempts,
		subscription.LastRetryAt,
		subscription.NextRetryAt,
		subscription.PaymentMethodRef,
		subscription.CustomerEmail,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE id = ? LIMIT 1`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE id = ? LIMIT 1 FOR UPDATE`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) ClaimPastDueDueForRetry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT *
		 FROM subscriptions
		 WHERE status = ?
		   AND next_retry_at IS NOT NULL
		   AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		subscriptiondomain.SubscriptionStatusPastDue,
		now,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) InsertCycle(ctx context.Context, db *gorm.DB, cycle *subscriptiondomain.BillingCycle) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_cycles (
			id, subscription_id, status, total, currency, created_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cycle.ID,
		cycle.SubscriptionID,
		cycle.Status,
		cycle.Total,
		cycle.Currency,
		cycle.CreatedAt,
		cycle.CompletedAt,
		cycle.UpdatedAt,
	).Error
}

func (r *repo) FindLatestFailedCycle(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*subscriptiondomain.BillingCycle, error) {
	var cycle subscriptiondomain.BillingCycle
	err := db.WithContext(ctx).Raw(
		`SELECT *
		 FROM billing_cycles
		 WHERE subscription_id = ? AND status = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		subscriptionID,
		subscriptiondomain.BillingCycleStatusFailed,
	).Scan(&cycle).Error
	if err != nil {
		return nil, err
	}
	if cycle.ID == 0 {
		return nil, nil
	}
	return &cycle, nil
}

func (r *repo) CompleteCycle(ctx context.Context, db *gorm.DB, cycleID snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_cycles
		 SET status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		subscriptiondomain.BillingCycleStatusCompleted,
		now,
		now,
		cycleID,
		subscriptiondomain.BillingCycleStatusFailed,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkRenewed(ctx context.Context, db *gorm.DB, id snowflake.ID, priorRetryCount int, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, retry_count = 0, last_retry_at = ?, next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND retry_count = ?`,
		subscriptiondomain.SubscriptionStatusActive,
		now,
		now,
		id,
		subscriptiondomain.SubscriptionStatusPastDue,
		priorRetryCount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ScheduleRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, priorRetryCount int, nextRetryAt, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET retry_count = retry_count + 1, last_retry_at = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND retry_count = ?
		   AND retry_count + 1 < max_retry_attempts`,
		now,
		nextRetryAt,
		now,
		id,
		subscriptiondomain.SubscriptionStatusPastDue,
		priorRetryCount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkCanceled(ctx context.Context, db *gorm.DB, id snowflake.ID, priorRetryCount int, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, retry_count = retry_count + 1, canceled_at = ?, last_retry_at = ?,
		     next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND retry_count = ?
		   AND retry_count + 1 >= max_retry_attempts`,
		subscriptiondomain.SubscriptionStatusCanceled,
		now,
		now,
		now,
		id,
		subscriptiondomain.SubscriptionStatusPastDue,
		priorRetryCount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindPausedDueForResume(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT *
		 FROM subscriptions
		 WHERE status = ?
		   AND pause_ends_at IS NOT NULL
		   AND pause_ends_at <= ?
		 ORDER BY id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		subscriptiondomain.SubscriptionStatusPaused,
		now,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) MarkResumed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, pause_starts_at = NULL, pause_ends_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		subscriptiondomain.SubscriptionStatusActive,
		now,
		id,
		subscriptiondomain.SubscriptionStatusPaused,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindCanceledDueForExpiry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT *
		 FROM subscriptions
		 WHERE status = ?
		   AND current_period_end <= ?
		 ORDER BY id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		subscriptiondomain.SubscriptionStatusCanceled,
		now,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		subscriptiondomain.SubscriptionStatusExpired,
		now,
		id,
		subscriptiondomain.SubscriptionStatusCanceled,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *subscriptiondomain.SubscriptionEvent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_events (
			id, subscription_id, type, data, created_at
		) VALUES (?, ?, ?, ?, ?)`,
		event.ID,
		event.SubscriptionID,
		event.Type,
		event.Data,
		event.CreatedAt,
	).Error
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, req subscriptiondomain.ListEventsRequest) (subscriptiondomain.ListEventsResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > 250 {
		pageSize = 50
	}

	var cursorID int64
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return subscriptiondomain.ListEventsResponse{}, err
		}
		cursorID, err = strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return subscriptiondomain.ListEventsResponse{}, err
		}
	}

	query := `SELECT * FROM subscription_events WHERE subscription_id = ?`
	args := []any{req.SubscriptionID}
	if cursorID != 0 {
		query += ` AND id < ?`
		args = append(args, cursorID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, pageSize+1)

	var events []subscriptiondomain.SubscriptionEvent
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&events).Error; err != nil {
		return subscriptiondomain.ListEventsResponse{}, err
	}

	resp := subscriptiondomain.ListEventsResponse{}
	if len(events) > pageSize {
		events = events[:pageSize]
		resp.HasMore = true
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID: events[len(events)-1].ID.String(),
		})
		if err != nil {
			return subscriptiondomain.ListEventsResponse{}, err
		}
		resp.NextPageToken = token
	}
	resp.Events = events
	return resp, nil
}

package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	subscriptiondomain "github.com/agoramart/dunning/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support hack: remove FOR UPDATE clauses
	stripLocking := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocking)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocking)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.BillingCycle{},
		&subscriptiondomain.SubscriptionEvent{},
	))
	return db
}

func newTestNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func pastDueSubscription(node *snowflake.Node, retryCount int, nextRetryAt *time.Time) *subscriptiondomain.Subscription {
	now := time.Now().UTC().Truncate(time.Second)
	return &subscriptiondomain.Subscription{
		ID:                 node.Generate(),
		CustomerID:         node.Generate(),
		PlanID:             node.Generate(),
		Status:             subscriptiondomain.SubscriptionStatusPastDue,
		CurrentPeriodStart: now.AddDate(0, -1, 0),
		CurrentPeriodEnd:   now.AddDate(0, 0, 7),
		RetryCount:         retryCount,
		MaxRetryAttempts:   3,
		NextRetryAt:        nextRetryAt,
		PaymentMethodRef:   "pm_test",
		CustomerEmail:      "jordan@example.com",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestClaimPastDueDueForRetry(t *testing.T) {
	db := setupTestDB(t)
	node := newTestNode(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	early := now.Add(-2 * time.Hour)
	late := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	dueLate := pastDueSubscription(node, 0, &late)
	dueEarly := pastDueSubscription(node, 1, &early)
	notDue := pastDueSubscription(node, 0, &future)
	active := pastDueSubscription(node, 0, &early)
	active.Status = subscriptiondomain.SubscriptionStatusActive
	active.NextRetryAt = nil

	for _, sub := range []*subscriptiondomain.Subscription{dueLate, dueEarly, notDue, active} {
		require.NoError(t, repo.Insert(ctx, db, sub))
	}

	claimed, err := repo.ClaimPastDueDueForRetry(ctx, db, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, dueEarly.ID, claimed[0].ID)
	require.Equal(t, dueLate.ID, claimed[1].ID)

	limited, err := repo.ClaimPastDueDueForRetry(ctx, db, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, dueEarly.ID, limited[0].ID)
}

func TestMarkRenewedGuard(t *testing.T) {
	db := setupTestDB(t)
	node := newTestNode(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	retryAt := now.Add(-time.Hour)
	sub := pastDueSubscription(node, 1, &retryAt)
	require.NoError(t, repo.Insert(ctx, db, sub))

	ok, err := repo.MarkRenewed(ctx, db, sub.ID, 0, now)
	require.NoError(t, err)
	require.False(t, ok, "stale retry count must not match")

	ok, err = repo.MarkRenewed(ctx, db, sub.ID, 1, now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.FindByID(ctx, db, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusActive, got.Status)
	require.Equal(t, 0, got.RetryCount)
	require.Nil(t, got.NextRetryAt)
	require.NotNil(t, got.LastRetryAt)

	// A second renewal attempt sees ACTIVE and misses the guard.
	ok, err = repo.MarkRenewed(ctx, db, sub.ID, 0, now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScheduleRetryStopsAtMaxAttempts(t *testing.T) {
	db := setupTestDB(t)
	node := newTestNode(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	retryAt := now.Add(-time.Hour)
	sub := pastDueSubscription(node, 2, &retryAt)
	require.NoError(t, repo.Insert(ctx, db, sub))

	// retry_count+1 == max_retry_attempts: only cancel may proceed.
	next := now.AddDate(0, 0, 7)
	ok, err := repo.ScheduleRetry(ctx, db, sub.ID, 2, next, now)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = repo.MarkCanceled(ctx, db, sub.ID, 2, now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.FindByID(ctx, db, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, got.Status)
	require.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.CanceledAt)
	require.Nil(t, got.NextRetryAt)
}

func TestScheduleRetryAdvancesRetryState(t *testing.T) {
	db := setupTestDB(t)
	node := newTestNode(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	retryAt := now.Add(-time.Hour)
	sub := pastDueSubscription(node, 0, &retryAt)
	require.NoError(t, repo.Insert(ctx, db, sub))

	next := now.AddDate(0, 0, 1)
	ok, err := repo.ScheduleRetry(ctx, db, sub.ID, 0, next, now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.FindByID(ctx, db, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	require.WithinDuration(t, next, *got.NextRetryAt, time.Second)
}

func TestCompleteCycleOnlyFromFailed(t *testing.T) {
	db := setupTestDB(t)
	node := newTestNode(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	retryAt := now.Add(-time.Hour)
	sub := pastDueSubscription(node, 0, &retryAt)
	require.NoError(t, repo.Insert(ctx, db, sub))

	cycle := &subscriptiondomain.BillingCycle{
		ID:             node.Generate(),
		SubscriptionID: sub.ID,
		Status:         subscriptiondomain.BillingCycleStatusFailed,
		Total:          5000,
		Currency:       "usd",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, repo.InsertCycle(ctx, db, cycle))

	ok, err := repo.CompleteCycle(ctx, db, cycle.ID, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.CompleteCycle(ctx, db, cycle.ID, now)
	require.NoError(t, err)
	require.False(t, ok, "completed cycle must not complete twice")
}

func TestFindLatestFailedCycle(t *testing.T) {
	db := setupTestDB(t)
	node := newTestNode(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	retryAt := now.Add(-time.Hour)
	sub := pastDueSubscription(node, 0, &retryAt)
	require.NoError(t, repo.Insert(ctx, db, sub))

	older := &subscriptiondomain.BillingCycle{
		ID:             node.Generate(),
		SubscriptionID: sub.ID,
		Status:         subscriptiondomain.BillingCycleStatusFailed,
		Total:          5000,
		Currency:       "usd",
		CreatedAt:      now.Add(-48 * time.Hour),
		UpdatedAt:      now.Add(-48 * time.Hour),
	}
	newer := &subscriptiondomain.BillingCycle{
		ID:             node.Generate(),
		SubscriptionID: sub.ID,
		Status:         subscriptiondomain.BillingCycleStatusFailed,
		Total:          5000,
		Currency:       "usd",
		CreatedAt:      now.Add(-time.Hour),
		UpdatedAt:      now.Add(-time.Hour),
	}
	completed := &subscriptiondomain.BillingCycle{
		ID:             node.Generate(),
		SubscriptionID: sub.ID,
		Status:         subscriptiondomain.BillingCycleStatusCompleted,
		Total:          5000,
		Currency:       "usd",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, c := range []*subscriptiondomain.BillingCycle{older, newer, completed} {
		require.NoError(t, repo.InsertCycle(ctx, db, c))
	}

	got, err := repo.FindLatestFailedCycle(ctx, db, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, newer.ID, got.ID)

	missing, err := repo.FindLatestFailedCycle(ctx, db, node.Generate())
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestPausedAndCanceledSweeps(t *testing.T) {
	db := setupTestDB(t)
	node := newTestNode(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	pauseEnded := now.Add(-time.Hour)
	paused := pastDueSubscription(node, 0, nil)
	paused.Status = subscriptiondomain.SubscriptionStatusPaused
	paused.PauseEndsAt = &pauseEnded
	require.NoError(t, repo.Insert(ctx, db, paused))

	canceledAt := now.Add(-72 * time.Hour)
	canceled := pastDueSubscription(node, 3, nil)
	canceled.Status = subscriptiondomain.SubscriptionStatusCanceled
	canceled.CanceledAt = &canceledAt
	canceled.CurrentPeriodEnd = now.Add(-time.Hour)
	require.NoError(t, repo.Insert(ctx, db, canceled))

	dueResume, err := repo.FindPausedDueForResume(ctx, db, now, 10)
	require.NoError(t, err)
	require.Len(t, dueResume, 1)

	ok, err := repo.MarkResumed(ctx, db, paused.ID, now)
	require.NoError(t, err)
	require.True(t, ok)

	resumed, err := repo.FindByID(ctx, db, paused.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusActive, resumed.Status)
	require.Nil(t, resumed.PauseEndsAt)

	dueExpiry, err := repo.FindCanceledDueForExpiry(ctx, db, now, 10)
	require.NoError(t, err)
	require.Len(t, dueExpiry, 1)

	ok, err = repo.MarkExpired(ctx, db, canceled.ID, now)
	require.NoError(t, err)
	require.True(t, ok)

	expired, err := repo.FindByID(ctx, db, canceled.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusExpired, expired.Status)
}

func TestListEventsPagination(t *testing.T) {
	db := setupTestDB(t)
	node := newTestNode(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	retryAt := now.Add(-time.Hour)
	sub := pastDueSubscription(node, 0, &retryAt)
	require.NoError(t, repo.Insert(ctx, db, sub))

	types := []subscriptiondomain.SubscriptionEventType{
		subscriptiondomain.EventCreated,
		subscriptiondomain.EventPaymentFailed,
		subscriptiondomain.EventPaymentFailed,
		subscriptiondomain.EventRenewed,
		subscriptiondomain.EventCanceled,
	}
	for i, eventType := range types {
		require.NoError(t, repo.InsertEvent(ctx, db, &subscriptiondomain.SubscriptionEvent{
			ID:             node.Generate(),
			SubscriptionID: sub.ID,
			Type:           eventType,
			CreatedAt:      now.Add(time.Duration(i) * time.Minute),
		}))
	}

	page1, err := repo.ListEvents(ctx, db, subscriptiondomain.ListEventsRequest{
		SubscriptionID: sub.ID,
		PageSize:       2,
	})
	require.NoError(t, err)
	require.Len(t, page1.Events, 2)
	require.True(t, page1.HasMore)
	require.NotEmpty(t, page1.NextPageToken)
	// Newest first.
	require.Equal(t, subscriptiondomain.EventCanceled, page1.Events[0].Type)

	page2, err := repo.ListEvents(ctx, db, subscriptiondomain.ListEventsRequest{
		SubscriptionID: sub.ID,
		PageSize:       2,
		PageToken:      page1.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, page2.Events, 2)
	require.True(t, page2.HasMore)

	page3, err := repo.ListEvents(ctx, db, subscriptiondomain.ListEventsRequest{
		SubscriptionID: sub.ID,
		PageSize:       2,
		PageToken:      page2.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, page3.Events, 1)
	require.False(t, page3.HasMore)
	require.Equal(t, subscriptiondomain.EventCreated, page3.Events[0].Type)
}

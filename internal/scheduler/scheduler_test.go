package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agoramart/dunning/internal/clock"
	dunningdomain "github.com/agoramart/dunning/internal/dunning/domain"
	subscriptiondomain "github.com/agoramart/dunning/internal/subscription/domain"
	"github.com/agoramart/dunning/internal/subscription/repository"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubDunningSvc struct {
	mu      sync.Mutex
	calls   int
	results []dunningdomain.BatchResult
	err     error
	block   chan struct{}
}

func (s *stubDunningSvc) RunBatch(ctx context.Context) (dunningdomain.BatchResult, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	block := s.block
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	if s.err != nil {
		return dunningdomain.BatchResult{}, s.err
	}
	if call < len(s.results) {
		return s.results[call], nil
	}
	return dunningdomain.BatchResult{}, nil
}

func (s *stubDunningSvc) Process(ctx context.Context, id snowflake.ID) (dunningdomain.Decision, error) {
	return dunningdomain.Decision{}, nil
}

func (s *stubDunningSvc) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func setupSchedulerDB(t *testing.T) *gorm.DB {
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

func newTestScheduler(t *testing.T, db *gorm.DB, svc dunningdomain.Service, clk clock.Clock) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	sched, err := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		DunningSvc: svc,
		Repo:       repository.Provide(),
		Config: Config{
			RunAt:       []TimeOfDay{{Hour: 9}, {Hour: 17}},
			BatchSize:   10,
			TickTimeout: 5 * time.Second,
		},
	})
	require.NoError(t, err)
	return sched
}

func TestParseRunAt(t *testing.T) {
	times, err := ParseRunAt([]string{"09:00", "17:30"})
	require.NoError(t, err)
	require.Equal(t, []TimeOfDay{{Hour: 9}, {Hour: 17, Minute: 30}}, times)

	_, err = ParseRunAt([]string{"25:00"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseRunAt([]string{"9"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNextRunAfter(t *testing.T) {
	db := setupSchedulerDB(t)
	clk := clock.NewFakeClock(time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC))
	sched := newTestScheduler(t, db, &stubDunningSvc{}, clk)

	morning := time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC), sched.NextRunAfter(morning))

	midday := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, time.March, 10, 17, 0, 0, 0, time.UTC), sched.NextRunAfter(midday))

	evening := time.Date(2025, time.March, 10, 18, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, time.March, 11, 9, 0, 0, 0, time.UTC), sched.NextRunAfter(evening))

	// A trigger firing exactly on the boundary schedules the next slot.
	exact := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, time.March, 10, 17, 0, 0, 0, time.UTC), sched.NextRunAfter(exact))
}

func TestRunOnceSkipsOverlappingRun(t *testing.T) {
	db := setupSchedulerDB(t)
	clk := clock.NewFakeClock(time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC))
	block := make(chan struct{})
	svc := &stubDunningSvc{block: block}
	sched := newTestScheduler(t, db, svc, clk)

	done := make(chan error, 1)
	go func() {
		done <- sched.RunOnce(context.Background())
	}()

	// Wait until the first run is inside the dunning job.
	require.Eventually(t, func() bool {
		return svc.callCount() > 0
	}, time.Second, 5*time.Millisecond)

	err := sched.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)

	close(block)
	require.NoError(t, <-done)

	// The guard clears once the run completes.
	err = sched.RunOnce(context.Background())
	require.NoError(t, err)
}

func TestRunOnceScanFailurePropagates(t *testing.T) {
	db := setupSchedulerDB(t)
	clk := clock.NewFakeClock(time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC))
	scanErr := errors.New("pq: connection refused")
	svc := &stubDunningSvc{err: scanErr}
	sched := newTestScheduler(t, db, svc, clk)

	err := sched.RunOnce(context.Background())
	require.ErrorIs(t, err, scanErr)

	// The drain loop stops on the first scan failure instead of retrying
	// within the tick.
	require.Equal(t, 1, svc.callCount())

	// The guard clears after a failed tick: the next run fails on the scan
	// again rather than on the overlap guard.
	err = sched.RunOnce(context.Background())
	require.ErrorIs(t, err, scanErr)
	require.NotErrorIs(t, err, ErrRunInProgress)
}

func TestRunOnceDrainsDunningBatches(t *testing.T) {
	db := setupSchedulerDB(t)
	clk := clock.NewFakeClock(time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC))
	svc := &stubDunningSvc{
		results: []dunningdomain.BatchResult{
			{Claimed: 10, Renewed: 6, RetriesScheduled: 3, Canceled: 1},
			{Claimed: 2, Renewed: 2},
			{Claimed: 0},
		},
	}
	sched := newTestScheduler(t, db, svc, clk)

	require.NoError(t, sched.RunOnce(context.Background()))
	require.Equal(t, 3, svc.callCount())
}

func TestResumePausedJob(t *testing.T) {
	db := setupSchedulerDB(t)
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	sched := newTestScheduler(t, db, &stubDunningSvc{}, clk)
	repo := repository.Provide()
	ctx := context.Background()
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	pauseEnded := now.Add(-time.Hour)
	pauseOngoing := now.Add(24 * time.Hour)
	due := &subscriptiondomain.Subscription{
		ID:                 node.Generate(),
		CustomerID:         node.Generate(),
		PlanID:             node.Generate(),
		Status:             subscriptiondomain.SubscriptionStatusPaused,
		CurrentPeriodStart: now.AddDate(0, -1, 0),
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		PauseEndsAt:        &pauseEnded,
		MaxRetryAttempts:   3,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	notDue := &subscriptiondomain.Subscription{
		ID:                 node.Generate(),
		CustomerID:         node.Generate(),
		PlanID:             node.Generate(),
		Status:             subscriptiondomain.SubscriptionStatusPaused,
		CurrentPeriodStart: now.AddDate(0, -1, 0),
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		PauseEndsAt:        &pauseOngoing,
		MaxRetryAttempts:   3,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, repo.Insert(ctx, db, due))
	require.NoError(t, repo.Insert(ctx, db, notDue))

	require.NoError(t, sched.RunOnce(ctx))

	got, err := repo.FindByID(ctx, db, due.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusActive, got.Status)
	require.Nil(t, got.PauseEndsAt)

	events, err := repo.ListEvents(ctx, db, subscriptiondomain.ListEventsRequest{SubscriptionID: due.ID, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, events.Events, 1)
	require.Equal(t, subscriptiondomain.EventResumed, events.Events[0].Type)

	still, err := repo.FindByID(ctx, db, notDue.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusPaused, still.Status)
}

func TestExpireCanceledJob(t *testing.T) {
	db := setupSchedulerDB(t)
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	sched := newTestScheduler(t, db, &stubDunningSvc{}, clk)
	repo := repository.Provide()
	ctx := context.Background()
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	canceledAt := now.Add(-72 * time.Hour)
	sub := &subscriptiondomain.Subscription{
		ID:                 node.Generate(),
		CustomerID:         node.Generate(),
		PlanID:             node.Generate(),
		Status:             subscriptiondomain.SubscriptionStatusCanceled,
		CurrentPeriodStart: now.AddDate(0, -1, 0),
		CurrentPeriodEnd:   now.Add(-time.Hour),
		CanceledAt:         &canceledAt,
		MaxRetryAttempts:   3,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, repo.Insert(ctx, db, sub))

	require.NoError(t, sched.RunOnce(ctx))

	got, err := repo.FindByID(ctx, db, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusExpired, got.Status)
}

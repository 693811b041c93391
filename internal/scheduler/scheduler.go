package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agoramart/dunning/internal/clock"
	dunningdomain "github.com/agoramart/dunning/internal/dunning/domain"
	obsmetrics "github.com/agoramart/dunning/internal/observability/metrics"
	subscriptiondomain "github.com/agoramart/dunning/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrRunInProgress is returned when a tick fires while the previous one is
// still running. The trigger is skipped, never queued.
var ErrRunInProgress = errors.New("scheduler: run already in progress")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	DunningSvc dunningdomain.Service
	Repo       subscriptiondomain.Repository
	Locker     *RunLocker `optional:"true"`
	Config     Config     `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	dunningSvc dunningdomain.Service
	repo       subscriptiondomain.Repository
	locker     *RunLocker

	running atomic.Bool
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.DunningSvc == nil || p.Repo == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		dunningSvc: p.DunningSvc,
		repo:       p.Repo,
		locker:     p.Locker,
	}, nil
}

// RunOnce executes one full tick: the dunning batch plus the lifecycle
// sweeps. Overlap is guarded twice, with a process-local CAS and, when Redis
// is configured, a distributed run lease. A held guard skips the tick.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		obsmetrics.Dunning().IncRunLockSkip()
		s.log.Warn("tick skipped, previous run still in progress")
		return ErrRunInProgress
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(parent, s.cfg.TickTimeout)
	defer cancel()

	token, acquired, err := s.locker.TryLock(ctx, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		obsmetrics.Dunning().IncRunLockSkip()
		s.log.Warn("tick skipped, run lock held by another instance")
		return ErrRunInProgress
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), token); err != nil {
			s.log.Warn("run lock release failed", zap.Error(err))
		}
	}()

	var tickErr error
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"dunning", s.DunningJob},
		{"resume_paused", s.ResumePausedJob},
		{"expire_canceled", s.ExpireCanceledJob},
	}
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		tickErr = errors.Join(tickErr, s.runJob(ctx, job.Name, job.Run))
	}
	return tickErr
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, run := s.newJobRun(parent, name)
	s.logJobStart(ctx, run)

	metrics := obsmetrics.Dunning()
	metrics.IncJobRun(name)

	err := runWithJobRun(ctx, run, fn)
	metrics.ObserveJobDuration(name, time.Since(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)

	if err == nil {
		return nil
	}
	metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out", zap.String("job", name), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

type jobRunKey struct{}

func runWithJobRun(ctx context.Context, run *jobRun, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, jobRunKey{}, run))
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

// DunningJob drains due past-due subscriptions batch by batch until the
// claim query comes back empty.
func (s *Scheduler) DunningJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		result, err := s.dunningSvc.RunBatch(ctx)
		if err != nil {
			// Scan failure: fatal for the tick, nothing processed.
			run.IncError()
			return errors.Join(jobErr, err)
		}
		if result.Errs != nil {
			run.IncError()
			jobErr = errors.Join(jobErr, result.Errs)
		}
		run.AddProcessed(result.Renewed + result.RetriesScheduled + result.Canceled)
		if result.Claimed == 0 {
			break
		}
		// A batch made of conflicts or skips claims rows but settles none;
		// bail instead of spinning on the same set.
		if result.Renewed+result.RetriesScheduled+result.Canceled == 0 {
			break
		}
	}
	return jobErr
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RunForever fires RunOnce at each configured wall-clock time until the
// context is canceled.
func (s *Scheduler) RunForever(ctx context.Context) {
	for {
		now := s.clock.Now()
		next := s.NextRunAfter(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
	}
}

// NextRunAfter returns the earliest configured trigger time strictly after t.
func (s *Scheduler) NextRunAfter(t time.Time) time.Time {
	var next time.Time
	for _, at := range s.cfg.RunAt {
		candidate := time.Date(t.Year(), t.Month(), t.Day(), at.Hour, at.Minute, 0, 0, t.Location())
		if !candidate.After(t) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if next.IsZero() || candidate.Before(next) {
			next = candidate
		}
	}
	return next
}

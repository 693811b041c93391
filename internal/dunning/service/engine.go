package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agoramart/dunning/internal/clock"
	"github.com/agoramart/dunning/internal/config"
	dunningdomain "github.com/agoramart/dunning/internal/dunning/domain"
	obscontext "github.com/agoramart/dunning/internal/observability/context"
	obslogger "github.com/agoramart/dunning/internal/observability/logger"
	obsmetrics "github.com/agoramart/dunning/internal/observability/metrics"
	"github.com/agoramart/dunning/internal/providers/payment"
	subscriptiondomain "github.com/agoramart/dunning/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Engine runs the dunning pipeline: claim due past-due subscriptions, retry
// the outstanding charge and commit exactly one state transition per
// subscription. The engine is the only writer of subscription state inside
// the dunning flow.
type Engine struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	repo       subscriptiondomain.Repository
	provider   payment.Provider
	dispatcher *Dispatcher
	policy     *config.RetryPolicyHolder
	cfg        config.DunningConfig
}

type EngineParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       subscriptiondomain.Repository
	Provider   payment.Provider
	Dispatcher *Dispatcher
	Policy     *config.RetryPolicyHolder
	Config     config.Config
}

func NewEngine(p EngineParam) dunningdomain.Service {
	return &Engine{
		db:         p.DB,
		log:        p.Log.Named("dunning.engine"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		provider:   p.Provider,
		dispatcher: p.Dispatcher,
		policy:     p.Policy,
		cfg:        p.Config.Dunning,
	}
}

// RunBatch claims subscriptions due for retry and processes each in its own
// pipeline with bounded parallelism. A claim (scan) failure aborts the tick
// and is returned directly; per-subscription failures are logged, counted
// and joined into the result without stopping the batch.
func (e *Engine) RunBatch(ctx context.Context) (dunningdomain.BatchResult, error) {
	now := e.clock.Now()

	var claimed []subscriptiondomain.Subscription
	if err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		claimed, err = e.repo.ClaimPastDueDueForRetry(ctx, tx, now, e.cfg.BatchSize)
		return err
	}); err != nil {
		return dunningdomain.BatchResult{}, fmt.Errorf("claim due subscriptions: %w", err)
	}

	result := dunningdomain.BatchResult{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return result, nil
	}

	metrics := obsmetrics.Dunning()

	var mu sync.Mutex
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())

	for _, sub := range claimed {
		g.Go(func() error {
			decision, err := e.process(groupCtx, sub.ID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Skipped++
				result.Errs = errors.Join(result.Errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
				e.logPipelineError(groupCtx, sub.ID, err)
				metrics.IncPipelineError(classifyPipelineError(err))
				return nil
			}
			switch decision.Outcome {
			case dunningdomain.OutcomeRenewed:
				result.Renewed++
			case dunningdomain.OutcomeRetryScheduled:
				result.RetriesScheduled++
			case dunningdomain.OutcomeCanceled:
				result.Canceled++
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.AddBatchProcessed("dunning", result.Renewed+result.RetriesScheduled+result.Canceled)
	return result, nil
}

// Process runs the pipeline for one subscription id.
func (e *Engine) Process(ctx context.Context, subscriptionID snowflake.ID) (dunningdomain.Decision, error) {
	return e.process(ctx, subscriptionID)
}

func (e *Engine) process(ctx context.Context, subscriptionID snowflake.ID) (dunningdomain.Decision, error) {
	ctx = obscontext.WithSubscriptionID(ctx, subscriptionID.String())
	metrics := obsmetrics.Dunning()

	// Reload inside the pipeline: the claim snapshot may be stale by the
	// time a worker picks the subscription up.
	sub, err := e.repo.FindByID(ctx, e.db, subscriptionID)
	if err != nil {
		return dunningdomain.Decision{}, fmt.Errorf("reload subscription: %w", err)
	}
	if sub == nil {
		return dunningdomain.Decision{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	if !dunningdomain.Eligible(sub) {
		return dunningdomain.Decision{}, dunningdomain.ErrNotEligible
	}

	cycle, err := e.repo.FindLatestFailedCycle(ctx, e.db, sub.ID)
	if err != nil {
		return dunningdomain.Decision{}, fmt.Errorf("find failed cycle: %w", err)
	}
	if cycle == nil {
		return dunningdomain.Decision{}, dunningdomain.ErrNoFailedCycle
	}

	chargeErr := e.charge(ctx, sub, cycle)
	metrics.IncChargeAttempt(chargeOutcomeLabel(chargeErr))

	decision, err := e.commitTransition(ctx, sub, cycle, chargeErr == nil)
	if err != nil {
		return dunningdomain.Decision{}, err
	}
	metrics.IncTransition(
		string(subscriptiondomain.SubscriptionStatusPastDue),
		transitionTargetLabel(decision.Outcome),
	)

	e.notify(ctx, decision)
	return decision, nil
}

func (e *Engine) charge(ctx context.Context, sub *subscriptiondomain.Subscription, cycle *subscriptiondomain.BillingCycle) error {
	chargeCtx, cancel := context.WithTimeout(ctx, e.chargeTimeout())
	defer cancel()

	_, err := e.provider.Charge(chargeCtx, payment.ChargeRequest{
		PaymentMethodRef: sub.PaymentMethodRef,
		Amount:           cycle.Total,
		Currency:         cycle.Currency,
		IdempotencyKey:   cycle.ID.String(),
	})
	if err != nil {
		obslogger.WithContext(ctx, e.log).Info("charge attempt failed",
			zap.String("billing_cycle_id", cycle.ID.String()),
			zap.Int("retry_count", sub.RetryCount),
			zap.Error(err),
		)
	}
	return err
}

// commitTransition applies the decision table in one transaction. Every
// subscription write is guarded on the retry count observed during the
// eligibility read, so a concurrent writer makes the guard miss and the
// whole transaction rolls back with ErrTransitionConflict.
func (e *Engine) commitTransition(ctx context.Context, sub *subscriptiondomain.Subscription, cycle *subscriptiondomain.BillingCycle, success bool) (dunningdomain.Decision, error) {
	now := e.clock.Now()

	decision := dunningdomain.Decision{
		SubscriptionID: sub.ID,
		CycleID:        cycle.ID,
		CustomerEmail:  sub.CustomerEmail,
		Total:          cycle.Total,
		Currency:       cycle.Currency,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if success {
			ok, err := e.repo.MarkRenewed(ctx, tx, sub.ID, sub.RetryCount, now)
			if err != nil {
				return err
			}
			if !ok {
				return dunningdomain.ErrTransitionConflict
			}
			cycleOK, err := e.repo.CompleteCycle(ctx, tx, cycle.ID, now)
			if err != nil {
				return err
			}
			if !cycleOK {
				// The renewal itself won the subscription guard, so commit
				// it; the cycle row leaving FAILED under us is an anomaly
				// worth surfacing.
				obslogger.WithContext(ctx, e.log).Warn("renewed but billing cycle no longer FAILED",
					zap.String("billing_cycle_id", cycle.ID.String()),
				)
			}
			decision.Outcome = dunningdomain.OutcomeRenewed
			decision.RetryCount = 0
			return e.insertEvent(ctx, tx, sub.ID, subscriptiondomain.EventRenewed, datatypes.JSONMap{
				"billing_cycle_id": cycle.ID.String(),
			}, now)
		}

		newRetryCount := sub.RetryCount + 1
		if newRetryCount < sub.MaxRetryAttempts {
			nextRetryAt := now.Add(dunningdomain.NextRetryDelay(e.policy.Get(), newRetryCount))
			ok, err := e.repo.ScheduleRetry(ctx, tx, sub.ID, sub.RetryCount, nextRetryAt, now)
			if err != nil {
				return err
			}
			if !ok {
				return dunningdomain.ErrTransitionConflict
			}
			decision.Outcome = dunningdomain.OutcomeRetryScheduled
			decision.RetryCount = newRetryCount
			decision.NextRetryAt = &nextRetryAt
			return e.insertEvent(ctx, tx, sub.ID, subscriptiondomain.EventPaymentFailed, datatypes.JSONMap{
				"billing_cycle_id": cycle.ID.String(),
				"retry_count":      newRetryCount,
				"next_retry_at":    nextRetryAt.Format(time.RFC3339),
			}, now)
		}

		ok, err := e.repo.MarkCanceled(ctx, tx, sub.ID, sub.RetryCount, now)
		if err != nil {
			return err
		}
		if !ok {
			return dunningdomain.ErrTransitionConflict
		}
		decision.Outcome = dunningdomain.OutcomeCanceled
		decision.RetryCount = newRetryCount
		return e.insertEvent(ctx, tx, sub.ID, subscriptiondomain.EventCanceled, datatypes.JSONMap{
			"billing_cycle_id": cycle.ID.String(),
			"retry_count":      newRetryCount,
		}, now)
	})
	if err != nil {
		return dunningdomain.Decision{}, err
	}
	return decision, nil
}

func (e *Engine) insertEvent(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, eventType subscriptiondomain.SubscriptionEventType, data datatypes.JSONMap, now time.Time) error {
	return e.repo.InsertEvent(ctx, tx, &subscriptiondomain.SubscriptionEvent{
		ID:             e.genID.Generate(),
		SubscriptionID: subscriptionID,
		Type:           eventType,
		Data:           data,
		CreatedAt:      now,
	})
}

func (e *Engine) notify(ctx context.Context, decision dunningdomain.Decision) {
	notifyCtx, cancel := context.WithTimeout(ctx, e.notifyTimeout())
	defer cancel()

	metrics := obsmetrics.Dunning()
	if err := e.dispatcher.Notify(notifyCtx, decision); err != nil {
		obslogger.WithContext(ctx, e.log).Warn("dunning notification failed",
			zap.String("outcome", string(decision.Outcome)),
			zap.Error(err),
		)
		metrics.IncNotification(string(decision.Outcome), "failed")
		return
	}
	metrics.IncNotification(string(decision.Outcome), "sent")
}

func (e *Engine) logPipelineError(ctx context.Context, subscriptionID snowflake.ID, err error) {
	log := obslogger.WithContext(ctx, e.log).With(
		zap.String("subscription_id", subscriptionID.String()),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, dunningdomain.ErrNotEligible):
		log.Info("subscription skipped, not eligible")
	case errors.Is(err, dunningdomain.ErrNoFailedCycle):
		log.Error("past-due subscription has no failed billing cycle")
	case errors.Is(err, dunningdomain.ErrTransitionConflict):
		log.Warn("lost transition race, skipping")
	default:
		log.Error("dunning pipeline failed")
	}
}

func (e *Engine) workers() int {
	if e.cfg.Workers > 0 {
		return e.cfg.Workers
	}
	return 4
}

func (e *Engine) chargeTimeout() time.Duration {
	if e.cfg.ChargeTimeout > 0 {
		return e.cfg.ChargeTimeout
	}
	return 30 * time.Second
}

func (e *Engine) notifyTimeout() time.Duration {
	if e.cfg.NotifyTimeout > 0 {
		return e.cfg.NotifyTimeout
	}
	return 10 * time.Second
}

func classifyPipelineError(err error) string {
	switch {
	case errors.Is(err, dunningdomain.ErrNotEligible):
		return obsmetrics.PipelineErrorNotEligible
	case errors.Is(err, dunningdomain.ErrNoFailedCycle):
		return obsmetrics.PipelineErrorNoFailedCycle
	case errors.Is(err, dunningdomain.ErrTransitionConflict):
		return obsmetrics.PipelineErrorTransitionConflict
	case errors.Is(err, gorm.ErrInvalidDB), errors.Is(err, context.DeadlineExceeded):
		return obsmetrics.PipelineErrorStore
	default:
		return obsmetrics.PipelineErrorUnknown
	}
}

func chargeOutcomeLabel(err error) string {
	switch {
	case err == nil:
		return obsmetrics.ChargeOutcomeSucceeded
	case errors.Is(err, context.DeadlineExceeded):
		return obsmetrics.ChargeOutcomeTimeout
	case errors.Is(err, payment.ErrProviderUnavailable):
		return obsmetrics.ChargeOutcomeUnavailable
	default:
		return obsmetrics.ChargeOutcomeDeclined
	}
}

func transitionTargetLabel(outcome dunningdomain.Outcome) string {
	switch outcome {
	case dunningdomain.OutcomeRenewed:
		return string(subscriptiondomain.SubscriptionStatusActive)
	case dunningdomain.OutcomeCanceled:
		return string(subscriptiondomain.SubscriptionStatusCanceled)
	default:
		return string(subscriptiondomain.SubscriptionStatusPastDue)
	}
}

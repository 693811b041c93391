package scheduler

import (
	"context"
	"errors"

	subscriptiondomain "github.com/agoramart/dunning/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ResumePausedJob moves PAUSED subscriptions whose pause window has elapsed
// back to ACTIVE and records a resumed event.
func (s *Scheduler) ResumePausedJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		processed := 0
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			due, err := s.repo.FindPausedDueForResume(ctx, tx, now, s.cfg.BatchSize)
			if err != nil {
				return err
			}
			for _, sub := range due {
				ok, err := s.repo.MarkResumed(ctx, tx, sub.ID, now)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if err := s.repo.InsertEvent(ctx, tx, &subscriptiondomain.SubscriptionEvent{
					ID:             s.genID.Generate(),
					SubscriptionID: sub.ID,
					Type:           subscriptiondomain.EventResumed,
					Data:           datatypes.JSONMap{},
					CreatedAt:      now,
				}); err != nil {
					return err
				}
				s.logger(ctx).Info("subscription resumed",
					zap.String("subscription_id", sub.ID.String()),
				)
				processed++
			}
			return nil
		})
		if err != nil {
			run.IncError()
			return errors.Join(jobErr, err)
		}
		run.AddProcessed(processed)
		if processed == 0 {
			break
		}
	}
	return jobErr
}

// ExpireCanceledJob finishes off CANCELED subscriptions whose paid period
// has run out, moving them to EXPIRED.
func (s *Scheduler) ExpireCanceledJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		processed := 0
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			due, err := s.repo.FindCanceledDueForExpiry(ctx, tx, now, s.cfg.BatchSize)
			if err != nil {
				return err
			}
			for _, sub := range due {
				ok, err := s.repo.MarkExpired(ctx, tx, sub.ID, now)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				s.logger(ctx).Info("subscription expired",
					zap.String("subscription_id", sub.ID.String()),
				)
				processed++
			}
			return nil
		})
		if err != nil {
			run.IncError()
			return errors.Join(jobErr, err)
		}
		run.AddProcessed(processed)
		if processed == 0 {
			break
		}
	}
	return jobErr
}

package service

import (
	"context"
	"strings"
	"time"

	"github.com/agoramart/dunning/internal/clock"
	"github.com/agoramart/dunning/internal/config"
	subscriptiondomain "github.com/agoramart/dunning/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID  *snowflake.Node
	clock  clock.Clock
	repo   subscriptiondomain.Repository
	policy *config.RetryPolicyHolder
}

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   subscriptiondomain.Repository
	Policy *config.RetryPolicyHolder
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("subscription.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		policy: p.Policy,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.CreateSubscriptionResponse, error) {
	customerID, err := s.parseID(req.CustomerID, subscriptiondomain.ErrInvalidCustomer)
	if err != nil {
		return subscriptiondomain.CreateSubscriptionResponse{}, err
	}

	planID, err := s.parseID(req.PlanID, subscriptiondomain.ErrInvalidPlan)
	if err != nil {
		return subscriptiondomain.CreateSubscriptionResponse{}, err
	}

	now := s.clock.Now()

	status := subscriptiondomain.SubscriptionStatusActive
	if req.TrialEnd != nil && req.TrialEnd.After(now) {
		status = subscriptiondomain.SubscriptionStatusTrialing
	}

	maxAttempts := req.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.policy.Get().MaxRetryAttempts
	}

	subscription := subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		CustomerID:         customerID,
		PlanID:             planID,
		Status:             status,
		CurrentPeriodStart: req.PeriodStart,
		CurrentPeriodEnd:   req.PeriodEnd,
		TrialEnd:           req.TrialEnd,
		MaxRetryAttempts:   maxAttempts,
		PaymentMethodRef:   strings.TrimSpace(req.PaymentMethodRef),
		CustomerEmail:      strings.TrimSpace(req.CustomerEmail),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.Metadata != nil {
		subscription.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &subscription); err != nil {
			return err
		}
		return s.repo.InsertEvent(ctx, tx, &subscriptiondomain.SubscriptionEvent{
			ID:             s.genID.Generate(),
			SubscriptionID: subscription.ID,
			Type:           subscriptiondomain.EventCreated,
			Data: datatypes.JSONMap{
				"status": string(subscription.Status),
			},
			CreatedAt: now,
		})
	}); err != nil {
		return subscriptiondomain.CreateSubscriptionResponse{}, err
	}

	return subscriptiondomain.CreateSubscriptionResponse{Subscription: subscription}, nil
}

func (s *Service) Get(ctx context.Context, req subscriptiondomain.GetSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	subscriptionID, err := s.parseID(req.SubscriptionID, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	item, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	return *item, nil
}

// RecordPaymentFailure moves an ACTIVE or TRIALING subscription into PAST_DUE,
// records the failed billing cycle and schedules the first dunning retry
// according to the current retry policy.
func (s *Service) RecordPaymentFailure(ctx context.Context, req subscriptiondomain.RecordPaymentFailureRequest) (subscriptiondomain.RecordPaymentFailureResponse, error) {
	subscriptionID, err := s.parseID(req.SubscriptionID, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.RecordPaymentFailureResponse{}, err
	}
	if req.Total <= 0 {
		return subscriptiondomain.RecordPaymentFailureResponse{}, subscriptiondomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	policy := s.policy.Get()
	firstRetryAt := now.Add(time.Duration(policy.BackoffDays[0]) * 24 * time.Hour)

	var (
		subscription subscriptiondomain.Subscription
		cycle        subscriptiondomain.BillingCycle
	)

	if err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if item == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		switch item.Status {
		case subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusTrialing:
		default:
			return subscriptiondomain.ErrSubscriptionNotDue
		}

		cycle = subscriptiondomain.BillingCycle{
			ID:             s.genID.Generate(),
			SubscriptionID: item.ID,
			Status:         subscriptiondomain.BillingCycleStatusFailed,
			Total:          req.Total,
			Currency:       strings.ToLower(strings.TrimSpace(req.Currency)),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.InsertCycle(ctx, tx, &cycle); err != nil {
			return err
		}

		result := tx.WithContext(ctx).Exec(
			`UPDATE subscriptions
			 SET status = ?, retry_count = 0, next_retry_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			subscriptiondomain.SubscriptionStatusPastDue,
			firstRetryAt,
			now,
			item.ID,
			item.Status,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return subscriptiondomain.ErrStaleSubscription
		}

		if err := s.repo.InsertEvent(ctx, tx, &subscriptiondomain.SubscriptionEvent{
			ID:             s.genID.Generate(),
			SubscriptionID: item.ID,
			Type:           subscriptiondomain.EventPaymentFailed,
			Data: datatypes.JSONMap{
				"billing_cycle_id": cycle.ID.String(),
				"next_retry_at":    firstRetryAt.Format(time.RFC3339),
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		subscription = *item
		subscription.Status = subscriptiondomain.SubscriptionStatusPastDue
		subscription.RetryCount = 0
		subscription.NextRetryAt = &firstRetryAt
		subscription.UpdatedAt = now
		return nil
	}); err != nil {
		return subscriptiondomain.RecordPaymentFailureResponse{}, err
	}

	s.log.Info("subscription past due",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("billing_cycle_id", cycle.ID.String()),
		zap.Time("next_retry_at", firstRetryAt),
	)

	return subscriptiondomain.RecordPaymentFailureResponse{
		Subscription: subscription,
		Cycle:        cycle,
	}, nil
}

func (s *Service) ListEvents(ctx context.Context, req subscriptiondomain.ListEventsRequest) (subscriptiondomain.ListEventsResponse, error) {
	if req.SubscriptionID == 0 {
		return subscriptiondomain.ListEventsResponse{}, subscriptiondomain.ErrInvalidSubscription
	}
	return s.repo.ListEvents(ctx, s.db, req)
}

func (s *Service) parseID(raw string, invalid error) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, invalid
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, invalid
	}
	return id, nil
}

package service

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/smallbiznis/subgate/internal/clock"
	subscriptiondomain "github.com/smallbiznis/subgate/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxConflictRetries  = 3
	conflictBackoffBase = 25 * time.Millisecond
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Apply implements domain.Service. Concurrent writers for the same account
// are serialized by the version column; a lost update here would silently
// erase a valid renewal, so conflicts are retried with jittered backoff
// before surfacing as ErrTransitionConflict.
func (s *Service) Apply(ctx context.Context, accountID string, ev subscriptiondomain.Event) (subscriptiondomain.ApplyResult, error) {
	for attempt := 0; ; attempt++ {
		result, err := s.ApplyTx(ctx, s.db, accountID, ev)
		if err == nil || !errors.Is(err, subscriptiondomain.ErrTransitionConflict) {
			return result, err
		}
		if attempt >= maxConflictRetries {
			s.log.Warn("transition conflict retries exhausted",
				zap.String("account_id", accountID),
			)
			return subscriptiondomain.ApplyResult{}, subscriptiondomain.ErrTransitionConflict
		}
		sleepWithJitter(ctx, attempt)
	}
}

// ApplyTx implements domain.Service.
func (s *Service) ApplyTx(ctx context.Context, db *gorm.DB, accountID string, ev subscriptiondomain.Event) (subscriptiondomain.ApplyResult, error) {
	current, err := s.repo.FindByAccountID(ctx, db, accountID)
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}

	now := s.clock.Now()
	next, effects, err := subscriptiondomain.Transition(current, ev, now)
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}
	if next == nil {
		// No-op event; report the unchanged state.
		return subscriptiondomain.ApplyResult{Subscription: current}, nil
	}

	next.AccountID = accountID
	if current == nil {
		err = s.repo.Create(ctx, db, next)
	} else {
		err = s.repo.Update(ctx, db, next, current.Version)
	}
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}

	s.log.Info("subscription transition committed",
		zap.String("account_id", accountID),
		zap.String("status", string(next.Status)),
		zap.Time("end_at", next.EndAt),
	)
	return subscriptiondomain.ApplyResult{Subscription: next, Effects: effects}, nil
}

func sleepWithJitter(ctx context.Context, attempt int) {
	backoff := conflictBackoffBase * time.Duration(attempt+1)
	jitter := time.Duration(rand.Int63n(int64(conflictBackoffBase)))
	select {
	case <-ctx.Done():
	case <-time.After(backoff + jitter):
	}
}

func (s *Service) Get(ctx context.Context, accountID string) (*subscriptiondomain.Subscription, error) {
	return s.repo.FindByAccountID(ctx, s.db, accountID)
}

func (s *Service) Status(ctx context.Context, accountID string) (subscriptiondomain.StatusResponse, error) {
	sub, err := s.repo.FindByAccountID(ctx, s.db, accountID)
	if err != nil {
		return subscriptiondomain.StatusResponse{}, err
	}

	now := s.clock.Now()
	resolved := subscriptiondomain.Resolve(sub, now)
	resp := subscriptiondomain.StatusResponse{
		Status: resolved,
		IsActive: resolved == subscriptiondomain.StatusActive ||
			resolved == subscriptiondomain.StatusCancelled ||
			resolved == subscriptiondomain.StatusGracePeriod,
	}
	if sub == nil {
		return resp, nil
	}

	resp.Plan = sub.Plan
	resp.EndAt = &sub.EndAt
	resp.CancelledAt = sub.CancelledAt
	if sub.EndAt.After(now) {
		resp.DaysUntilExpiry = int(math.Ceil(sub.EndAt.Sub(now).Hours() / 24))
	}
	return resp, nil
}

func (s *Service) Cancel(ctx context.Context, accountID string) (subscriptiondomain.ApplyResult, error) {
	return s.Apply(ctx, accountID, subscriptiondomain.CancelRequested{})
}

// SweepExpiry implements the periodic expiry check. Each due subscription is
// pushed through the same Apply path as any other event, so a concurrent
// renewal can never be overwritten by the sweep.
func (s *Service) SweepExpiry(ctx context.Context, batchSize int) (subscriptiondomain.SweepResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	due, err := s.repo.ListDue(ctx, s.db, s.clock.Now(), batchSize)
	if err != nil {
		return subscriptiondomain.SweepResult{}, err
	}

	result := subscriptiondomain.SweepResult{Checked: len(due)}
	for i := range due {
		applied, err := s.Apply(ctx, due[i].AccountID, subscriptiondomain.ExpiryCheck{})
		if err != nil {
			s.log.Warn("expiry check failed",
				zap.String("account_id", due[i].AccountID),
				zap.Error(err),
			)
			continue
		}
		if len(applied.Effects) > 0 {
			result.Transitioned++
			result.Pending = append(result.Pending, subscriptiondomain.AccountEffects{
				AccountID: due[i].AccountID,
				Effects:   applied.Effects,
			})
		}
	}
	return result, nil
}

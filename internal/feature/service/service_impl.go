package service

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/subgate/internal/clock"
	featuredomain "github.com/smallbiznis/subgate/internal/feature/domain"
	"github.com/smallbiznis/subgate/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/subgate/internal/subscription/domain"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Policy        *featuredomain.Policy
	Subscriptions subscriptiondomain.Service
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	clock   clock.Clock
	policy  *featuredomain.Policy
	subs    subscriptiondomain.Service
	metrics *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		log:     p.Log.Named("feature.service"),
		clock:   p.Clock,
		policy:  p.Policy,
		subs:    p.Subscriptions,
		metrics: p.Metrics,
	}
}

// Check evaluates feature access for the account right now. It reads the
// stored subscription and derives the effective status itself, so the
// answer never waits on the expiry sweep.
func (s *Service) Check(ctx context.Context, accountID, feature string) (featuredomain.Decision, error) {
	sub, err := s.subs.Get(ctx, accountID)
	if err != nil {
		return featuredomain.Decision{}, err
	}

	decision := s.policy.Evaluate(sub, feature, s.clock.Now())
	s.metrics.RecordAccessCheck(ctx, feature, decision.ReasonCode)
	s.log.Debug("feature access evaluated",
		zap.String("account_id", accountID),
		zap.String("feature", feature),
		zap.Bool("has_access", decision.HasAccess),
		zap.String("reason", decision.ReasonCode),
	)
	return decision, nil
}

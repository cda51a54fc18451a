package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/subgate/internal/clock"
	"github.com/smallbiznis/subgate/internal/notify"
	obsmetrics "github.com/smallbiznis/subgate/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/subgate/internal/subscription/domain"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Log             *zap.Logger
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	Dispatcher      notify.Dispatcher
	Config          Config `optional:"true"`
}

// Scheduler drives the periodic expiry sweep. Renewals and webhooks keep
// subscriptions fresh on their own; the sweep is what moves idle rows
// into grace and expiry and sends the matching reminders.
type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	dispatcher      notify.Dispatcher
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.SubscriptionSvc == nil || p.Dispatcher == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		dispatcher:      p.Dispatcher,
	}, nil
}

// RunOnce executes a single sweep pass with a bounded deadline.
func (s *Scheduler) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	sweepMetrics := obsmetrics.Sweep()
	sweepMetrics.IncRun()
	start := s.clock.Now()

	result, err := s.subscriptionSvc.SweepExpiry(ctx, s.cfg.BatchSize)
	sweepMetrics.ObserveDuration(s.clock.Now().Sub(start))
	if err != nil {
		sweepMetrics.IncError(err)
		s.log.Warn("expiry sweep failed", zap.Error(err))
		return err
	}
	sweepMetrics.AddResults(result.Checked, result.Transitioned)

	for _, pending := range result.Pending {
		s.dispatcher.Dispatch(ctx, pending.AccountID, pending.Effects)
	}

	if result.Checked > 0 {
		s.log.Info("expiry sweep completed",
			zap.Int("checked", result.Checked),
			zap.Int("transitioned", result.Transitioned),
		)
	}
	return nil
}

// RunForever loops RunOnce until the context is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/subgate/internal/clock"
	"github.com/smallbiznis/subgate/internal/config"
	"github.com/smallbiznis/subgate/internal/notify"
	"github.com/smallbiznis/subgate/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/subgate/internal/payment/domain"
	"github.com/smallbiznis/subgate/internal/payment/gateway"
	subscriptiondomain "github.com/smallbiznis/subgate/internal/subscription/domain"
)

const (
	maxConflictRetries  = 3
	conflictBackoffBase = 25 * time.Millisecond
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Config        config.Config
	Repo          paymentdomain.Repository
	Orders        gateway.OrderCreator
	Verifier      *gateway.Verifier
	Subscriptions subscriptiondomain.Service
	Dispatcher    notify.Dispatcher
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	cfg      config.Config
	repo     paymentdomain.Repository
	orders   gateway.OrderCreator
	verifier *gateway.Verifier
	subs     subscriptiondomain.Service
	notify   notify.Dispatcher
	metrics  *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.service"),
		clock:    p.Clock,
		cfg:      p.Config,
		repo:     p.Repo,
		orders:   p.Orders,
		verifier: p.Verifier,
		subs:     p.Subscriptions,
		notify:   p.Dispatcher,
		metrics:  p.Metrics,
	}
}

var _ paymentdomain.Service = (*Service)(nil)

func (s *Service) CreateOrder(ctx context.Context, accountID string, req paymentdomain.CreateOrderRequest) (*paymentdomain.CreateOrderResponse, error) {
	amount, err := paymentdomain.PlanPrice(req.Plan)
	if err != nil {
		return nil, err
	}
	if req.Currency != "" && req.Currency != s.cfg.Gateway.Currency {
		return nil, fmt.Errorf("%w: %s not supported", paymentdomain.ErrInvalidCurrency, req.Currency)
	}

	order, err := s.orders.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   amount,
		Currency: s.cfg.Gateway.Currency,
		Receipt:  fmt.Sprintf("sub_%s_%d", req.Plan, s.clock.Now().Unix()),
		Notes: map[string]string{
			"account_id": accountID,
			"plan":       string(req.Plan),
		},
	})
	if err != nil {
		return nil, err
	}

	rec := &paymentdomain.PaymentRecord{
		AccountID:      accountID,
		Plan:           req.Plan,
		GatewayOrderID: order.ID,
		Amount:         amount,
		Currency:       s.cfg.Gateway.Currency,
		Status:         paymentdomain.PaymentCreated,
	}
	if err := s.repo.CreateRecord(ctx, s.db, rec); err != nil {
		return nil, err
	}

	s.log.Info("order created",
		zap.String("account_id", accountID),
		zap.String("order_id", order.ID),
		zap.String("plan", string(req.Plan)),
		zap.Int64("amount", amount),
	)
	return &paymentdomain.CreateOrderResponse{
		OrderID:  order.ID,
		Amount:   amount,
		Currency: s.cfg.Gateway.Currency,
		KeyID:    s.cfg.Gateway.KeyID,
	}, nil
}

func (s *Service) VerifyCheckout(ctx context.Context, req paymentdomain.VerifyRequest) (*paymentdomain.VerifyResponse, error) {
	if !s.verifier.VerifyCheckout(req.OrderID, req.PaymentID, req.Signature) {
		s.log.Warn("checkout signature rejected", zap.String("order_id", req.OrderID))
		return nil, paymentdomain.ErrInvalidSignature
	}

	result, err := s.ApplyEvent(ctx, paymentdomain.GatewayEvent{
		EventID:   "checkout:" + req.PaymentID,
		Type:      paymentdomain.EventPaymentCaptured,
		PaymentID: req.PaymentID,
		OrderID:   req.OrderID,
	})
	if err != nil {
		return nil, err
	}

	status, err := s.subs.Status(ctx, result.AccountID)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.VerifyResponse{
		Verified: true,
		Status:   &status,
		Effects:  result.Effects,
	}, nil
}

// ApplyEvent applies one gateway event. The ledger write and the
// subscription transition share a transaction, so a capture either
// fully lands or leaves no trace for the retry to trip over.
func (s *Service) ApplyEvent(ctx context.Context, ev paymentdomain.GatewayEvent) (*paymentdomain.ApplyResult, error) {
	var result *paymentdomain.ApplyResult
	var err error

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		switch ev.Type {
		case paymentdomain.EventPaymentCaptured:
			result, err = s.applyCaptured(ctx, ev)
		case paymentdomain.EventPaymentFailed:
			result, err = s.applyFailed(ctx, ev)
		case paymentdomain.EventRefundProcessed:
			result, err = s.applyRefund(ctx, ev)
		default:
			return &paymentdomain.ApplyResult{}, nil
		}
		if !errors.Is(err, subscriptiondomain.ErrTransitionConflict) {
			break
		}
		sleepWithJitter(ctx, attempt)
	}
	if err != nil {
		return nil, err
	}

	if result.Applied {
		s.notify.Dispatch(ctx, result.AccountID, result.Effects)
	}
	return result, nil
}

func sleepWithJitter(ctx context.Context, attempt int) {
	backoff := conflictBackoffBase * time.Duration(attempt+1)
	jitter := time.Duration(rand.Int63n(int64(conflictBackoffBase)))
	select {
	case <-ctx.Done():
	case <-time.After(backoff + jitter):
	}
}

func (s *Service) applyCaptured(ctx context.Context, ev paymentdomain.GatewayEvent) (*paymentdomain.ApplyResult, error) {
	out := &paymentdomain.ApplyResult{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rec, err := s.repo.FindByOrderID(ctx, tx, ev.OrderID)
		if err != nil {
			return err
		}
		if rec == nil {
			return paymentdomain.ErrOrderNotFound
		}
		out.AccountID = rec.AccountID

		captured, err := s.repo.MarkCaptured(ctx, tx, ev.OrderID, ev.PaymentID, s.clock.Now())
		if err != nil {
			return err
		}
		if !captured {
			s.log.Info("duplicate capture ignored",
				zap.String("order_id", ev.OrderID),
				zap.String("payment_id", ev.PaymentID),
			)
			return nil
		}

		applied, err := s.subs.ApplyTx(ctx, tx, rec.AccountID, subscriptiondomain.PaymentCaptured{
			Plan:      rec.Plan,
			PaymentID: ev.PaymentID,
		})
		if err != nil {
			return err
		}
		out.Applied = true
		out.Subscription = applied.Subscription
		out.Effects = applied.Effects
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Applied && out.Subscription != nil {
		s.metrics.RecordPaymentCapture(ctx, string(out.Subscription.Plan))
	}
	return out, nil
}

func (s *Service) applyFailed(ctx context.Context, ev paymentdomain.GatewayEvent) (*paymentdomain.ApplyResult, error) {
	out := &paymentdomain.ApplyResult{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rec, err := s.repo.FindByOrderID(ctx, tx, ev.OrderID)
		if err != nil {
			return err
		}
		if rec == nil {
			// Failures for unknown orders carry no state to change.
			return nil
		}
		out.AccountID = rec.AccountID
		return s.repo.MarkFailed(ctx, tx, ev.OrderID, ev.PaymentID, ev.ErrorDescription, s.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) applyRefund(ctx context.Context, ev paymentdomain.GatewayEvent) (*paymentdomain.ApplyResult, error) {
	out := &paymentdomain.ApplyResult{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rec, err := s.repo.MarkRefunded(ctx, tx, ev.PaymentID, s.clock.Now())
		if err != nil {
			return err
		}
		if rec == nil {
			s.log.Warn("refund for unknown payment", zap.String("payment_id", ev.PaymentID))
			return nil
		}
		out.AccountID = rec.AccountID

		// The refund only revokes access when the refunded payment is the
		// one funding the current period; refunds of older payments leave
		// the subscription alone.
		latest, err := s.repo.FindLatestCaptured(ctx, tx, rec.AccountID)
		if err != nil {
			return err
		}
		fundsCurrent := latest != nil && latest.ID == rec.ID

		applied, err := s.subs.ApplyTx(ctx, tx, rec.AccountID, subscriptiondomain.Refunded{
			PaymentID:          ev.PaymentID,
			FundsCurrentPeriod: fundsCurrent,
		})
		if err != nil {
			return err
		}
		if applied.Subscription != nil && len(applied.Effects) > 0 {
			out.Applied = true
			out.Subscription = applied.Subscription
			out.Effects = applied.Effects
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

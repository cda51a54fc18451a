package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/subgate/internal/clock"
	"github.com/smallbiznis/subgate/internal/config"
	paymentdomain "github.com/smallbiznis/subgate/internal/payment/domain"
	"github.com/smallbiznis/subgate/internal/payment/gateway"
	paymentrepository "github.com/smallbiznis/subgate/internal/payment/repository"
	subscriptiondomain "github.com/smallbiznis/subgate/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/subgate/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/subgate/internal/subscription/service"
)

const (
	testKeySecret     = "key-secret"
	testWebhookSecret = "webhook-secret"
)

type fakeOrderCreator struct {
	nextID string
	err    error
	calls  int
}

func (f *fakeOrderCreator) CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	f.calls++
	_ = ctx
	if f.err != nil {
		return nil, f.err
	}
	id := f.nextID
	if id == "" {
		id = fmt.Sprintf("order_%d", f.calls)
	}
	return &gateway.Order{ID: id, Amount: req.Amount, Currency: req.Currency, Status: "created"}, nil
}

type recordingDispatcher struct {
	accounts []string
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, accountID string, effects []subscriptiondomain.Effect) {
	_ = ctx
	_ = effects
	r.accounts = append(r.accounts, accountID)
}

type paymentFixture struct {
	svc      *Service
	orders   *fakeOrderCreator
	dispatch *recordingDispatcher
	clock    *clock.FakeClock
	db       *gorm.DB
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	return newPaymentFixtureWith(t, nil)
}

func newPaymentFixtureWith(t *testing.T, wrapSubs func(subscriptiondomain.Service) subscriptiondomain.Service) *paymentFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionHistory{},
		&paymentdomain.PaymentRecord{},
		&paymentdomain.WebhookEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	var subs subscriptiondomain.Service = subscriptionservice.NewService(subscriptionservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fc,
		Repo:  subscriptionrepository.Provide(node),
	})
	if wrapSubs != nil {
		subs = wrapSubs(subs)
	}

	orders := &fakeOrderCreator{}
	dispatch := &recordingDispatcher{}

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fc,
		Config: config.Config{
			Gateway: config.GatewayConfig{
				KeyID:         "rzp_test_key",
				KeySecret:     testKeySecret,
				WebhookSecret: testWebhookSecret,
				Currency:      "INR",
			},
		},
		Repo:          paymentrepository.Provide(node),
		Orders:        orders,
		Verifier:      gateway.NewVerifier(testKeySecret, testWebhookSecret),
		Subscriptions: subs,
		Dispatcher:    dispatch,
	})
	return &paymentFixture{svc: svc, orders: orders, dispatch: dispatch, clock: fc, db: db}
}

func checkoutSignature(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(testKeySecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreateOrderPersistsLedgerRow(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	resp, err := f.svc.CreateOrder(ctx, "acct_1", paymentdomain.CreateOrderRequest{
		Plan: subscriptiondomain.PlanMonthly,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9900), resp.Amount)
	assert.Equal(t, "INR", resp.Currency)
	assert.Equal(t, "rzp_test_key", resp.KeyID)
	assert.NotEmpty(t, resp.OrderID)

	var rec paymentdomain.PaymentRecord
	require.NoError(t, f.db.Where("gateway_order_id = ?", resp.OrderID).First(&rec).Error)
	assert.Equal(t, paymentdomain.PaymentCreated, rec.Status)
	assert.Equal(t, "acct_1", rec.AccountID)
}

func TestCreateOrderInvalidPlan(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), "acct_1", paymentdomain.CreateOrderRequest{
		Plan: subscriptiondomain.Plan("WEEKLY"),
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidPlan)
	assert.Zero(t, f.orders.calls, "no gateway call for a plan we cannot price")
}

func TestCreateOrderCurrencyMismatch(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), "acct_1", paymentdomain.CreateOrderRequest{
		Plan:     subscriptiondomain.PlanMonthly,
		Currency: "USD",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidCurrency)
	assert.Zero(t, f.orders.calls)

	// Matching or omitted currency both pass; amounts come from the table.
	resp, err := f.svc.CreateOrder(context.Background(), "acct_1", paymentdomain.CreateOrderRequest{
		Plan:     subscriptiondomain.PlanMonthly,
		Currency: "INR",
	})
	require.NoError(t, err)
	assert.Equal(t, "INR", resp.Currency)
}

func TestCreateOrderGatewayUnavailable(t *testing.T) {
	f := newPaymentFixture(t)
	f.orders.err = fmt.Errorf("post orders: %w", paymentdomain.ErrGatewayUnavailable)

	_, err := f.svc.CreateOrder(context.Background(), "acct_1", paymentdomain.CreateOrderRequest{
		Plan: subscriptiondomain.PlanMonthly,
	})
	assert.ErrorIs(t, err, paymentdomain.ErrGatewayUnavailable)
}

func TestApplyCapturedActivatesAndIsIdempotent(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, "acct_1", paymentdomain.CreateOrderRequest{
		Plan: subscriptiondomain.PlanMonthly,
	})
	require.NoError(t, err)

	ev := paymentdomain.GatewayEvent{
		EventID:   "evt_1",
		Type:      paymentdomain.EventPaymentCaptured,
		PaymentID: "pay_1",
		OrderID:   order.OrderID,
	}
	result, err := f.svc.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	require.NotNil(t, result.Subscription)
	assert.Equal(t, subscriptiondomain.StatusActive, result.Subscription.Status)
	wantEnd := f.clock.Now().Add(30 * 24 * time.Hour)

	// Redelivery of the same capture must not extend coverage again.
	again, err := f.svc.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, "acct_1", again.AccountID)

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.Where("account_id = ?", "acct_1").First(&sub).Error)
	assert.Equal(t, wantEnd, sub.EndAt)

	assert.Equal(t, []string{"acct_1"}, f.dispatch.accounts, "only the applied capture notifies")
}

func TestApplyCapturedUnknownOrder(t *testing.T) {
	f := newPaymentFixture(t)

	_, err := f.svc.ApplyEvent(context.Background(), paymentdomain.GatewayEvent{
		EventID:   "evt_1",
		Type:      paymentdomain.EventPaymentCaptured,
		PaymentID: "pay_1",
		OrderID:   "order_ghost",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrOrderNotFound)
}

func TestApplyFailedRecordsLedgerOnly(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, "acct_1", paymentdomain.CreateOrderRequest{
		Plan: subscriptiondomain.PlanMonthly,
	})
	require.NoError(t, err)

	result, err := f.svc.ApplyEvent(ctx, paymentdomain.GatewayEvent{
		EventID:          "evt_1",
		Type:             paymentdomain.EventPaymentFailed,
		PaymentID:        "pay_1",
		OrderID:          order.OrderID,
		ErrorDescription: "card declined",
	})
	require.NoError(t, err)
	assert.False(t, result.Applied)

	var rec paymentdomain.PaymentRecord
	require.NoError(t, f.db.Where("gateway_order_id = ?", order.OrderID).First(&rec).Error)
	assert.Equal(t, paymentdomain.PaymentFailed, rec.Status)
	require.NotNil(t, rec.FailureReason)
	assert.Equal(t, "card declined", *rec.FailureReason)

	var count int64
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).Count(&count).Error)
	assert.Zero(t, count, "a failed payment never touches subscription state")
}

func TestVerifyCheckout(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, "acct_1", paymentdomain.CreateOrderRequest{
		Plan: subscriptiondomain.PlanMonthly,
	})
	require.NoError(t, err)

	t.Run("bad signature", func(t *testing.T) {
		_, err := f.svc.VerifyCheckout(ctx, paymentdomain.VerifyRequest{
			OrderID:   order.OrderID,
			PaymentID: "pay_1",
			Signature: "deadbeef",
		})
		assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	})

	t.Run("valid signature captures", func(t *testing.T) {
		resp, err := f.svc.VerifyCheckout(ctx, paymentdomain.VerifyRequest{
			OrderID:   order.OrderID,
			PaymentID: "pay_1",
			Signature: checkoutSignature(order.OrderID, "pay_1"),
		})
		require.NoError(t, err)
		assert.True(t, resp.Verified)
		require.NotNil(t, resp.Status)
		assert.True(t, resp.Status.IsActive)
	})
}

func TestRefundOfCurrentPeriodExpiresImmediately(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, "acct_1", paymentdomain.CreateOrderRequest{
		Plan: subscriptiondomain.PlanMonthly,
	})
	require.NoError(t, err)
	_, err = f.svc.ApplyEvent(ctx, paymentdomain.GatewayEvent{
		EventID:   "evt_1",
		Type:      paymentdomain.EventPaymentCaptured,
		PaymentID: "pay_1",
		OrderID:   order.OrderID,
	})
	require.NoError(t, err)

	result, err := f.svc.ApplyEvent(ctx, paymentdomain.GatewayEvent{
		EventID:   "evt_2",
		Type:      paymentdomain.EventRefundProcessed,
		PaymentID: "pay_1",
		RefundID:  "rfnd_1",
	})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, subscriptiondomain.StatusExpired, result.Subscription.Status)

	var rec paymentdomain.PaymentRecord
	require.NoError(t, f.db.Where("gateway_payment_id = ?", "pay_1").First(&rec).Error)
	assert.Equal(t, paymentdomain.PaymentRefunded, rec.Status)
}

func TestRefundOfOlderPaymentKeepsAccess(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	// First period.
	first, err := f.svc.CreateOrder(ctx, "acct_1", paymentdomain.CreateOrderRequest{
		Plan: subscriptiondomain.PlanMonthly,
	})
	require.NoError(t, err)
	_, err = f.svc.ApplyEvent(ctx, paymentdomain.GatewayEvent{
		EventID:   "evt_1",
		Type:      paymentdomain.EventPaymentCaptured,
		PaymentID: "pay_1",
		OrderID:   first.OrderID,
	})
	require.NoError(t, err)

	// Renewal ten days later funds the current coverage.
	f.clock.Advance(10 * 24 * time.Hour)
	second, err := f.svc.CreateOrder(ctx, "acct_1", paymentdomain.CreateOrderRequest{
		Plan: subscriptiondomain.PlanMonthly,
	})
	require.NoError(t, err)
	_, err = f.svc.ApplyEvent(ctx, paymentdomain.GatewayEvent{
		EventID:   "evt_2",
		Type:      paymentdomain.EventPaymentCaptured,
		PaymentID: "pay_2",
		OrderID:   second.OrderID,
	})
	require.NoError(t, err)

	// Refunding the superseded payment is ledger bookkeeping only.
	result, err := f.svc.ApplyEvent(ctx, paymentdomain.GatewayEvent{
		EventID:   "evt_3",
		Type:      paymentdomain.EventRefundProcessed,
		PaymentID: "pay_1",
		RefundID:  "rfnd_1",
	})
	require.NoError(t, err)
	assert.False(t, result.Applied)

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.Where("account_id = ?", "acct_1").First(&sub).Error)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
}

type conflictingSubs struct {
	subscriptiondomain.Service
	remaining int
	conflicts int
}

func (c *conflictingSubs) ApplyTx(ctx context.Context, tx *gorm.DB, accountID string, ev subscriptiondomain.Event) (subscriptiondomain.ApplyResult, error) {
	if c.remaining > 0 {
		c.remaining--
		c.conflicts++
		return subscriptiondomain.ApplyResult{}, subscriptiondomain.ErrTransitionConflict
	}
	return c.Service.ApplyTx(ctx, tx, accountID, ev)
}

func TestApplyEventBacksOffOnTransitionConflict(t *testing.T) {
	var subs *conflictingSubs
	f := newPaymentFixtureWith(t, func(inner subscriptiondomain.Service) subscriptiondomain.Service {
		subs = &conflictingSubs{Service: inner, remaining: 2}
		return subs
	})
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, "acct_1", paymentdomain.CreateOrderRequest{
		Plan: subscriptiondomain.PlanMonthly,
	})
	require.NoError(t, err)

	start := time.Now()
	result, err := f.svc.ApplyEvent(ctx, paymentdomain.GatewayEvent{
		EventID:   "evt_1",
		Type:      paymentdomain.EventPaymentCaptured,
		PaymentID: "pay_1",
		OrderID:   order.OrderID,
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, 2, subs.conflicts, "both conflicting attempts were retried")
	assert.GreaterOrEqual(t, elapsed, 75*time.Millisecond,
		"each conflicted attempt backs off before the next")

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.Where("account_id = ?", "acct_1").First(&sub).Error)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
}

func TestApplyUnknownEventTypeIsNoOp(t *testing.T) {
	f := newPaymentFixture(t)

	result, err := f.svc.ApplyEvent(context.Background(), paymentdomain.GatewayEvent{
		EventID: "evt_1",
		Type:    "invoice.generated",
	})
	require.NoError(t, err)
	assert.False(t, result.Applied)
}

package webhook

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
	paymentservice "github.com/smallbiznis/subgate/internal/payment/service"
	subscriptiondomain "github.com/smallbiznis/subgate/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/subgate/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/subgate/internal/subscription/service"
)

const (
	testKeySecret     = "key-secret"
	testWebhookSecret = "webhook-secret"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(ctx context.Context, accountID string, effects []subscriptiondomain.Effect) {
	_ = ctx
	_ = accountID
	_ = effects
}

type fakeOrders struct {
	calls int
}

func (f *fakeOrders) CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	f.calls++
	_ = ctx
	return &gateway.Order{
		ID:       fmt.Sprintf("order_%d", f.calls),
		Amount:   req.Amount,
		Currency: req.Currency,
		Status:   "created",
	}, nil
}

type webhookFixture struct {
	svc      Service
	payments paymentdomain.Service
	repo     paymentdomain.Repository
	clock    *clock.FakeClock
	db       *gorm.DB
}

func newWebhookFixture(t *testing.T) *webhookFixture {
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
	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fc,
		Repo:  subscriptionrepository.Provide(node),
	})

	repo := paymentrepository.Provide(node)
	verifier := gateway.NewVerifier(testKeySecret, testWebhookSecret)
	payments := paymentservice.NewService(paymentservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fc,
		Config: config.Config{
			Gateway: config.GatewayConfig{
				KeyID:     "rzp_test_key",
				KeySecret: testKeySecret,
				Currency:  "INR",
			},
		},
		Repo:          repo,
		Orders:        &fakeOrders{},
		Verifier:      verifier,
		Subscriptions: subs,
		Dispatcher:    nopDispatcher{},
	})

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    fc,
		Repo:     repo,
		Payments: payments,
		Verifier: verifier,
	})
	return &webhookFixture{svc: svc, payments: payments, repo: repo, clock: fc, db: db}
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func capturedBody(eventID, paymentID, orderID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"event":"payment.captured","payload":{"payment":{"entity":{"id":%q,"order_id":%q,"amount":9900}}}}`,
		eventID, paymentID, orderID,
	))
}

func (f *webhookFixture) createOrder(t *testing.T, account string) string {
	t.Helper()
	resp, err := f.payments.CreateOrder(context.Background(), account, paymentdomain.CreateOrderRequest{
		Plan: subscriptiondomain.PlanMonthly,
	})
	require.NoError(t, err)
	return resp.OrderID
}

func (f *webhookFixture) eventRow(t *testing.T, eventID string) *paymentdomain.WebhookEvent {
	t.Helper()
	row, err := f.repo.FindEvent(context.Background(), f.db, eventID)
	require.NoError(t, err)
	require.NotNil(t, row)
	return row
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := newWebhookFixture(t)
	body := capturedBody("evt_1", "pay_1", "order_1")

	_, err := f.svc.Ingest(context.Background(), body, "deadbeef")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	_, err = f.svc.Ingest(context.Background(), body, "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	var count int64
	require.NoError(t, f.db.Model(&paymentdomain.WebhookEvent{}).Count(&count).Error)
	assert.Zero(t, count, "rejected deliveries leave no event row")
}

func TestIngestAcknowledgesInvalidPayload(t *testing.T) {
	f := newWebhookFixture(t)
	body := []byte(`{"event":"payment.captured"}`)

	resp, err := f.svc.Ingest(context.Background(), body, signBody(body))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid payload", resp.Message)
}

func TestIngestProcessesCapture(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()
	orderID := f.createOrder(t, "acct_1")
	body := capturedBody("evt_1", "pay_1", orderID)

	resp, err := f.svc.Ingest(ctx, body, signBody(body))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "event processed", resp.Message)

	row := f.eventRow(t, "evt_1")
	assert.Equal(t, paymentdomain.EventProcessed, row.Status)
	assert.NotNil(t, row.ProcessedAt)

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.Where("account_id = ?", "acct_1").First(&sub).Error)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
}

func TestIngestDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()
	orderID := f.createOrder(t, "acct_1")
	body := capturedBody("evt_1", "pay_1", orderID)

	first, err := f.svc.Ingest(ctx, body, signBody(body))
	require.NoError(t, err)
	assert.True(t, first.Success)

	again, err := f.svc.Ingest(ctx, body, signBody(body))
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.Equal(t, "event already processed", again.Message)

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.Where("account_id = ?", "acct_1").First(&sub).Error)
	assert.Equal(t, f.clock.Now().Add(30*24*time.Hour), sub.EndAt,
		"redelivery must not extend coverage")
}

func TestIngestUnknownEventTypeAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)
	body := []byte(`{"id":"evt_odd","event":"invoice.generated","payload":{}}`)

	resp, err := f.svc.Ingest(context.Background(), body, signBody(body))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "event type not handled", resp.Message)

	row := f.eventRow(t, "evt_odd")
	assert.Equal(t, paymentdomain.EventProcessed, row.Status,
		"unhandled types are parked as processed so retries skip them")
}

func TestIngestFailureIsQueuedForRetry(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	// Capture for an order that was never created fails processing but
	// is still acknowledged; the retry path owns it from here.
	body := capturedBody("evt_1", "pay_1", "order_ghost")
	resp, err := f.svc.Ingest(ctx, body, signBody(body))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "event accepted, processing will be retried", resp.Message)

	row := f.eventRow(t, "evt_1")
	assert.Equal(t, paymentdomain.EventFailed, row.Status)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, "order_not_found")
}

func TestRetrySucceedsOnceOrderExists(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	// The capture raced ahead of the order row.
	body := capturedBody("evt_1", "pay_1", "order_1")
	_, err := f.svc.Ingest(ctx, body, signBody(body))
	require.NoError(t, err)

	// Order lands afterwards; fakeOrders numbers from order_1.
	orderID := f.createOrder(t, "acct_1")
	require.Equal(t, "order_1", orderID)

	result, err := f.svc.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Succeeded)

	row := f.eventRow(t, "evt_1")
	assert.Equal(t, paymentdomain.EventProcessed, row.Status)

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.Where("account_id = ?", "acct_1").First(&sub).Error)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
}

func TestRetryPicksUpReceivedRows(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()
	orderID := f.createOrder(t, "acct_1")

	// A crash between inserting the event row and recording the first
	// processing outcome leaves the row at RECEIVED with no attempts.
	body := capturedBody("evt_stuck", "pay_1", orderID)
	inserted, err := f.repo.InsertEvent(ctx, f.db, &paymentdomain.WebhookEvent{
		GatewayEventID: "evt_stuck",
		EventType:      paymentdomain.EventPaymentCaptured,
		Payload:        body,
		Status:         paymentdomain.EventReceived,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	result, err := f.svc.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Succeeded)

	row := f.eventRow(t, "evt_stuck")
	assert.Equal(t, paymentdomain.EventProcessed, row.Status)
	assert.NotNil(t, row.ProcessedAt)

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.Where("account_id = ?", "acct_1").First(&sub).Error)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
}

func TestRetryExhaustionParksEvent(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	body := capturedBody("evt_1", "pay_1", "order_never")
	_, err := f.svc.Ingest(ctx, body, signBody(body))
	require.NoError(t, err)

	// Burn through the remaining attempts.
	for i := 0; i < DefaultMaxAttempts-1; i++ {
		_, err := f.svc.Retry(ctx)
		require.NoError(t, err)
	}

	row := f.eventRow(t, "evt_1")
	assert.Equal(t, paymentdomain.EventExceeded, row.Status)
	assert.Equal(t, DefaultMaxAttempts, row.Attempts)

	// Parked events leave the retry queue.
	result, err := f.svc.Retry(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)

	// And the per-event path refuses them too.
	err = f.svc.RetryEvent(ctx, "evt_1")
	assert.ErrorIs(t, err, paymentdomain.ErrMaxRetriesExceeded)
}

func TestRetryEvent(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	t.Run("unknown event id", func(t *testing.T) {
		err := f.svc.RetryEvent(ctx, "evt_ghost")
		assert.ErrorIs(t, err, paymentdomain.ErrEventNotFound)
	})

	t.Run("already processed", func(t *testing.T) {
		orderID := f.createOrder(t, "acct_1")
		body := capturedBody("evt_ok", "pay_1", orderID)
		_, err := f.svc.Ingest(ctx, body, signBody(body))
		require.NoError(t, err)

		err = f.svc.RetryEvent(ctx, "evt_ok")
		assert.ErrorIs(t, err, paymentdomain.ErrEventAlreadyApplied)
	})

	t.Run("failed event retries", func(t *testing.T) {
		body := capturedBody("evt_retry", "pay_2", "order_pending")
		_, err := f.svc.Ingest(ctx, body, signBody(body))
		require.NoError(t, err)

		err = f.svc.RetryEvent(ctx, "evt_retry")
		require.Error(t, err)

		row := f.eventRow(t, "evt_retry")
		assert.Equal(t, 2, row.Attempts)
	})
}

func TestStatsCountsByStatus(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	orderID := f.createOrder(t, "acct_1")
	ok := capturedBody("evt_ok", "pay_1", orderID)
	_, err := f.svc.Ingest(ctx, ok, signBody(ok))
	require.NoError(t, err)

	bad := capturedBody("evt_bad", "pay_2", "order_ghost")
	_, err = f.svc.Ingest(ctx, bad, signBody(bad))
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Exceeded)
}

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type WebhookStats struct {
	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Exceeded  int64 `json:"exceeded"`
	Pending   int64 `json:"pending"`
}

type Repository interface {
	CreateRecord(ctx context.Context, tx *gorm.DB, rec *PaymentRecord) error
	FindByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*PaymentRecord, error)
	FindByPaymentID(ctx context.Context, tx *gorm.DB, paymentID string) (*PaymentRecord, error)
	FindLatestCaptured(ctx context.Context, tx *gorm.DB, accountID string) (*PaymentRecord, error)

	// MarkCaptured flips a CREATED record to CAPTURED and stamps the gateway
	// payment id. Returns false when the record already left CREATED, which
	// is how duplicate capture deliveries are detected.
	MarkCaptured(ctx context.Context, tx *gorm.DB, orderID, paymentID string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, tx *gorm.DB, orderID, paymentID, reason string, now time.Time) error
	MarkRefunded(ctx context.Context, tx *gorm.DB, paymentID string, now time.Time) (*PaymentRecord, error)

	// InsertEvent records a verified webhook delivery. Returns false when an
	// event with the same gateway id already exists.
	InsertEvent(ctx context.Context, tx *gorm.DB, ev *WebhookEvent) (bool, error)
	FindEvent(ctx context.Context, tx *gorm.DB, gatewayEventID string) (*WebhookEvent, error)
	MarkEventProcessed(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time) error
	MarkEventFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID, attempts int, lastErr string) error
	MarkEventExceeded(ctx context.Context, tx *gorm.DB, id snowflake.ID, attempts int, lastErr string) error
	ListRetryable(ctx context.Context, tx *gorm.DB, maxAttempts, limit int) ([]WebhookEvent, error)
	EventStats(ctx context.Context, tx *gorm.DB) (*WebhookStats, error)
}

package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	subscription "github.com/smallbiznis/subgate/internal/subscription/domain"
)

var (
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrInvalidPayload      = errors.New("invalid_payload")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrGatewayUnavailable  = errors.New("gateway_unavailable")
	ErrOrderNotFound       = errors.New("order_not_found")
	ErrEventNotFound       = errors.New("event_not_found")
	ErrMaxRetriesExceeded  = errors.New("max_retries_exceeded")
	ErrEventAlreadyApplied = errors.New("event_already_applied")
)

type PaymentStatus string

const (
	PaymentCreated  PaymentStatus = "CREATED"
	PaymentCaptured PaymentStatus = "CAPTURED"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// PlanPrice returns the charge amount for a plan in minor units.
func PlanPrice(plan subscription.Plan) (int64, error) {
	switch plan {
	case subscription.PlanMonthly:
		return 9900, nil
	case subscription.PlanYearly:
		return 99900, nil
	default:
		return 0, subscription.ErrInvalidPlan
	}
}

// PaymentRecord is the local ledger entry for one gateway order. The
// unique index on GatewayPaymentID is the serialization point that makes
// capture idempotent across webhook and checkout verification.
type PaymentRecord struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID        string            `gorm:"index;not null" json:"account_id"`
	Plan             subscription.Plan `gorm:"not null" json:"plan"`
	GatewayOrderID   string            `gorm:"uniqueIndex;not null" json:"gateway_order_id"`
	GatewayPaymentID *string           `gorm:"uniqueIndex" json:"gateway_payment_id,omitempty"`
	Amount           int64             `gorm:"not null" json:"amount"`
	Currency         string            `gorm:"not null" json:"currency"`
	Status           PaymentStatus     `gorm:"not null" json:"status"`
	FailureReason    *string           `json:"failure_reason,omitempty"`
	CapturedAt       *time.Time        `json:"captured_at,omitempty"`
	RefundedAt       *time.Time        `json:"refunded_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (PaymentRecord) TableName() string {
	return "payment_records"
}

type EventStatus string

const (
	EventReceived  EventStatus = "RECEIVED"
	EventProcessed EventStatus = "PROCESSED"
	EventFailed    EventStatus = "FAILED"
	EventExceeded  EventStatus = "EXCEEDED"
)

// WebhookEvent records every webhook delivery that passed signature
// verification. The unique index on GatewayEventID is what makes replays
// and concurrent duplicate deliveries collapse to a single application.
type WebhookEvent struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	GatewayEventID string         `gorm:"uniqueIndex;not null" json:"gateway_event_id"`
	EventType      string         `gorm:"index;not null" json:"event_type"`
	Payload        datatypes.JSON `gorm:"not null" json:"payload"`
	Status         EventStatus    `gorm:"index;not null" json:"status"`
	Attempts       int            `gorm:"not null;default:0" json:"attempts"`
	LastError      *string        `json:"last_error,omitempty"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}

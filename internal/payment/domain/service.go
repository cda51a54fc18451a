package domain

import (
	"context"

	subscription "github.com/smallbiznis/subgate/internal/subscription/domain"
)

type CreateOrderRequest struct {
	Plan subscription.Plan `json:"plan" binding:"required"`
	// Currency is optional; when present it must match the configured
	// settlement currency. Amounts always come from the price table.
	Currency string `json:"currency"`
}

type CreateOrderResponse struct {
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	KeyID    string `json:"key_id"`
}

type VerifyRequest struct {
	OrderID   string `json:"order_id" binding:"required"`
	PaymentID string `json:"payment_id" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type VerifyResponse struct {
	Verified bool                         `json:"verified"`
	Status   *subscription.StatusResponse `json:"subscription,omitempty"`
	Effects  []subscription.Effect        `json:"-"`
}

// ApplyResult reports what one gateway event did. Applied is false when
// the event was a duplicate or targeted an unknown payment.
type ApplyResult struct {
	AccountID    string
	Applied      bool
	Subscription *subscription.Subscription
	Effects      []subscription.Effect
}

// Service owns the payment ledger and the coupling between gateway
// events and subscription transitions.
type Service interface {
	// CreateOrder charges nothing; it creates a gateway order plus the
	// local CREATED ledger row the later capture will be matched against.
	CreateOrder(ctx context.Context, accountID string, req CreateOrderRequest) (*CreateOrderResponse, error)

	// VerifyCheckout validates the client-supplied checkout signature and,
	// on success, captures the payment exactly like the webhook path would.
	VerifyCheckout(ctx context.Context, req VerifyRequest) (*VerifyResponse, error)

	// ApplyEvent applies one decoded gateway event to the ledger and the
	// owning account's subscription. It is idempotent per payment id.
	ApplyEvent(ctx context.Context, ev GatewayEvent) (*ApplyResult, error)
}

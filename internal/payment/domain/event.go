package domain

import (
	"encoding/json"
	"fmt"
)

const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventRefundProcessed = "refund.processed"
)

// GatewayEvent is the decoded webhook envelope. Fields are flattened out
// of the gateway's nested payload so the pipeline never touches raw JSON
// past this point.
type GatewayEvent struct {
	EventID          string
	Type             string
	PaymentID        string
	OrderID          string
	Amount           int64
	ErrorDescription string
	RefundID         string
}

// Known reports whether the event type maps to a subscription transition.
// Unknown types are acknowledged and dropped upstream.
func (e GatewayEvent) Known() bool {
	switch e.Type {
	case EventPaymentCaptured, EventPaymentFailed, EventRefundProcessed:
		return true
	}
	return false
}

type webhookEnvelope struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				Amount           int64  `json:"amount"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity struct {
				ID        string `json:"id"`
				PaymentID string `json:"payment_id"`
			} `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

// DecodeEvent parses a raw webhook body into the canonical envelope.
// Bodies that are not JSON or carry no event id fail with ErrInvalidPayload.
func DecodeEvent(body []byte) (GatewayEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return GatewayEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.ID == "" || env.Event == "" {
		return GatewayEvent{}, fmt.Errorf("%w: missing event id or type", ErrInvalidPayload)
	}

	ev := GatewayEvent{
		EventID:          env.ID,
		Type:             env.Event,
		PaymentID:        env.Payload.Payment.Entity.ID,
		OrderID:          env.Payload.Payment.Entity.OrderID,
		Amount:           env.Payload.Payment.Entity.Amount,
		ErrorDescription: env.Payload.Payment.Entity.ErrorDescription,
		RefundID:         env.Payload.Refund.Entity.ID,
	}
	if ev.Type == EventRefundProcessed && ev.PaymentID == "" {
		ev.PaymentID = env.Payload.Refund.Entity.PaymentID
	}
	return ev, nil
}

package domain

// Event is an input to Transition. Exactly one concrete event type is passed
// per application; events originate from gateway webhooks, the client-side
// verification call, user actions, and the expiry sweep.
type Event interface {
	eventName() string
}

// PaymentCaptured reports a successfully captured gateway payment.
type PaymentCaptured struct {
	Plan      Plan
	PaymentID string
}

// PaymentFailed reports a failed payment attempt. It never mutates the
// subscription; only the payment ledger records the failure.
type PaymentFailed struct {
	PaymentID string
}

// Refunded reports a refunded payment. FundsCurrentPeriod is decided by the
// caller from the payment ledger: true when the refunded payment paid for the
// current coverage period.
type Refunded struct {
	PaymentID          string
	FundsCurrentPeriod bool
}

// CancelRequested stops auto-renewal. Access continues until EndAt.
type CancelRequested struct{}

// ExpiryCheck is the periodic sweep input. Applying it twice against the same
// state produces the same result.
type ExpiryCheck struct{}

func (PaymentCaptured) eventName() string { return "payment_captured" }
func (PaymentFailed) eventName() string   { return "payment_failed" }
func (Refunded) eventName() string        { return "refunded" }
func (CancelRequested) eventName() string { return "cancel_requested" }
func (ExpiryCheck) eventName() string     { return "expiry_check" }

// Effect describes a side effect the caller should dispatch after the
// transition is durably committed. Transition never executes effects.
type Effect string

const (
	EffectSendPaymentReceipt     Effect = "send_payment_receipt"
	EffectSendExpiryReminder     Effect = "send_expiry_reminder"
	EffectSendAccessRevoked      Effect = "send_access_revoked"
	EffectSendCancellationNotice Effect = "send_cancellation_notice"
)

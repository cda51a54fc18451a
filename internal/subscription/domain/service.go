package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// StatusResponse is the synchronous read model. It is derived purely from
// stored state plus the clock and never requires the gateway.
type StatusResponse struct {
	Status Status `json:"status"`
	Plan   Plan   `json:"plan,omitempty"`
	// IsActive reports whether gated access is currently granted. It stays
	// true through the grace window, matching the feature-access answer.
	IsActive        bool       `json:"is_active"`
	DaysUntilExpiry int        `json:"days_until_expiry"`
	EndAt           *time.Time `json:"end_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

// ApplyResult carries a committed transition and its pending side effects.
type ApplyResult struct {
	Subscription *Subscription
	Effects      []Effect
}

// AccountEffects pairs pending side effects with the account that owns them.
type AccountEffects struct {
	AccountID string
	Effects   []Effect
}

// SweepResult reports one expiry-sweep pass. Pending holds the side
// effects of every transition the sweep committed, for the caller to
// dispatch after the fact.
type SweepResult struct {
	Checked      int
	Transitioned int
	Pending      []AccountEffects
}

type Service interface {
	// Apply runs the transition function against the account's current
	// subscription under an optimistic-lock retry loop and persists the
	// outcome. It is the only write path for subscription state.
	Apply(ctx context.Context, accountID string, ev Event) (ApplyResult, error)

	// ApplyTx runs a single transition attempt inside a caller-owned
	// transaction, so a payment-ledger write and the subscription change
	// commit or roll back together. No internal conflict retry; the caller's
	// retry bookkeeping (webhook attempts, client retry) resolves conflicts.
	ApplyTx(ctx context.Context, tx *gorm.DB, accountID string, ev Event) (ApplyResult, error)

	// Get returns the current subscription row, nil when the account has none.
	Get(ctx context.Context, accountID string) (*Subscription, error)

	Status(ctx context.Context, accountID string) (StatusResponse, error)
	Cancel(ctx context.Context, accountID string) (ApplyResult, error)

	// SweepExpiry applies ExpiryCheck to every subscription whose coverage or
	// grace window has lapsed. Idempotent; overlapping runs are safe.
	SweepExpiry(ctx context.Context, batchSize int) (SweepResult, error)
}

// Package domain contains the subscription model and its transition rules.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Plan identifies a paid subscription plan.
type Plan string

const (
	PlanMonthly Plan = "MONTHLY"
	PlanYearly  Plan = "YEARLY"
)

// Duration returns the coverage a single payment buys.
func (p Plan) Duration() time.Duration {
	switch p {
	case PlanYearly:
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Valid reports whether p is a supported plan.
func (p Plan) Valid() bool {
	return p == PlanMonthly || p == PlanYearly
}

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusInactive    Status = "INACTIVE"
	StatusActive      Status = "ACTIVE"
	StatusGracePeriod Status = "GRACE_PERIOD"
	StatusExpired     Status = "EXPIRED"
	StatusCancelled   Status = "CANCELLED"
)

// GraceWindow is the time after EndAt during which access is still granted.
const GraceWindow = 7 * 24 * time.Hour

// Subscription is the current row per account. EndAt is the exclusive upper
// bound of paid coverage. Version backs the optimistic-lock update; a row is
// never mutated outside Transition.
type Subscription struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID   string       `gorm:"type:text;not null;uniqueIndex" json:"account_id"`
	Plan        Plan         `gorm:"type:text;not null" json:"plan"`
	Status      Status       `gorm:"type:text;not null" json:"status"`
	StartAt     time.Time    `gorm:"not null" json:"start_at"`
	EndAt       time.Time    `gorm:"not null" json:"end_at"`
	CancelledAt *time.Time   `json:"cancelled_at,omitempty"`
	Version     int64        `gorm:"not null;default:0" json:"-"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionHistory is the append-only trail of superseded states, written
// on every committed transition.
type SubscriptionHistory struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	AccountID      string       `gorm:"type:text;not null;index"`
	Plan           Plan         `gorm:"type:text;not null"`
	Status         Status       `gorm:"type:text;not null"`
	StartAt        time.Time    `gorm:"not null"`
	EndAt          time.Time    `gorm:"not null"`
	CancelledAt    *time.Time
	RecordedAt     time.Time `gorm:"not null"`
}

func (SubscriptionHistory) TableName() string { return "subscription_history" }

// Resolve computes the effective status at a point in time without waiting
// for the expiry sweep. A nil subscription reads as INACTIVE; coverage that
// lapsed reads as GRACE_PERIOD until the grace window closes, then EXPIRED.
func Resolve(s *Subscription, now time.Time) Status {
	if s == nil {
		return StatusInactive
	}
	switch s.Status {
	case StatusActive, StatusCancelled, StatusGracePeriod:
		if now.After(s.EndAt.Add(GraceWindow)) {
			return StatusExpired
		}
		if now.After(s.EndAt) {
			return StatusGracePeriod
		}
		if s.Status == StatusGracePeriod {
			// Stored grace with coverage still open should not happen;
			// trust the clock over the stored label.
			return StatusActive
		}
		return s.Status
	default:
		return s.Status
	}
}

// Covered reports whether paid coverage is still open at now.
func (s *Subscription) Covered(now time.Time) bool {
	return s != nil && !now.After(s.EndAt)
}

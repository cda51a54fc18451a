package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindByAccountID(ctx context.Context, db *gorm.DB, accountID string) (*Subscription, error)

	// Create inserts a fresh subscription row plus its history entry.
	Create(ctx context.Context, db *gorm.DB, next *Subscription) error

	// Update persists next conditionally on the version the caller read.
	// ErrTransitionConflict is returned when a concurrent writer won.
	Update(ctx context.Context, db *gorm.DB, next *Subscription, readVersion int64) error

	// ListDue returns subscriptions whose stored status no longer matches the
	// clock: coverage lapsed while ACTIVE/CANCELLED, or grace window closed.
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
}

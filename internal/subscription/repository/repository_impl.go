package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/subgate/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) subscriptiondomain.Repository {
	return &repo{genID: genID}
}

func (r *repo) FindByAccountID(ctx context.Context, db *gorm.DB, accountID string) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, next *subscriptiondomain.Subscription) error {
	now := time.Now().UTC()
	if next.ID == 0 {
		next.ID = r.genID.Generate()
	}
	next.Version = 1
	next.CreatedAt = now
	next.UpdatedAt = now

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(next).Error; err != nil {
			return err
		}
		return r.appendHistory(ctx, tx, next)
	})
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, next *subscriptiondomain.Subscription, readVersion int64) error {
	now := time.Now().UTC()
	next.Version = readVersion + 1
	next.UpdatedAt = now

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&subscriptiondomain.Subscription{}).
			Where("id = ? AND version = ?", next.ID, readVersion).
			Updates(map[string]any{
				"plan":         next.Plan,
				"status":       next.Status,
				"start_at":     next.StartAt,
				"end_at":       next.EndAt,
				"cancelled_at": next.CancelledAt,
				"version":      next.Version,
				"updated_at":   next.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return subscriptiondomain.ErrTransitionConflict
		}
		return r.appendHistory(ctx, tx, next)
	})
}

func (r *repo) appendHistory(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
	return tx.WithContext(ctx).Create(&subscriptiondomain.SubscriptionHistory{
		ID:             r.genID.Generate(),
		SubscriptionID: sub.ID,
		AccountID:      sub.AccountID,
		Plan:           sub.Plan,
		Status:         sub.Status,
		StartAt:        sub.StartAt,
		EndAt:          sub.EndAt,
		CancelledAt:    sub.CancelledAt,
		RecordedAt:     time.Now().UTC(),
	}).Error
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	graceBound := now.Add(-subscriptiondomain.GraceWindow)
	var subs []subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("(status IN ? AND end_at < ?) OR (status = ? AND end_at < ?)",
			[]subscriptiondomain.Status{subscriptiondomain.StatusActive, subscriptiondomain.StatusCancelled},
			now,
			subscriptiondomain.StatusGracePeriod,
			graceBound,
		).
		Order("end_at asc").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

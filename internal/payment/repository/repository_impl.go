package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/subgate/internal/payment/domain"
	"github.com/smallbiznis/subgate/pkg/db"
	"gorm.io/gorm"
)

type repo struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) paymentdomain.Repository {
	return &repo{genID: genID}
}

func (r *repo) CreateRecord(ctx context.Context, tx *gorm.DB, rec *paymentdomain.PaymentRecord) error {
	now := time.Now().UTC()
	if rec.ID == 0 {
		rec.ID = r.genID.Generate()
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return tx.WithContext(ctx).Create(rec).Error
}

func (r *repo) FindByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*paymentdomain.PaymentRecord, error) {
	var rec paymentdomain.PaymentRecord
	err := tx.WithContext(ctx).
		Where("gateway_order_id = ?", orderID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *repo) FindByPaymentID(ctx context.Context, tx *gorm.DB, paymentID string) (*paymentdomain.PaymentRecord, error) {
	var rec paymentdomain.PaymentRecord
	err := tx.WithContext(ctx).
		Where("gateway_payment_id = ?", paymentID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *repo) FindLatestCaptured(ctx context.Context, tx *gorm.DB, accountID string) (*paymentdomain.PaymentRecord, error) {
	var rec paymentdomain.PaymentRecord
	err := tx.WithContext(ctx).
		Where("account_id = ? AND status IN ?", accountID,
			[]paymentdomain.PaymentStatus{paymentdomain.PaymentCaptured, paymentdomain.PaymentRefunded}).
		Order("captured_at desc").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *repo) MarkCaptured(ctx context.Context, tx *gorm.DB, orderID, paymentID string, now time.Time) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&paymentdomain.PaymentRecord{}).
		Where("gateway_order_id = ? AND status = ?", orderID, paymentdomain.PaymentCreated).
		Updates(map[string]any{
			"gateway_payment_id": paymentID,
			"status":             paymentdomain.PaymentCaptured,
			"captured_at":        now,
			"updated_at":         now,
		})
	if res.Error != nil {
		// A second capture for the same payment id trips the unique index
		// instead of the status guard when it races the first one.
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, tx *gorm.DB, orderID, paymentID, reason string, now time.Time) error {
	return tx.WithContext(ctx).
		Model(&paymentdomain.PaymentRecord{}).
		Where("gateway_order_id = ? AND status = ?", orderID, paymentdomain.PaymentCreated).
		Updates(map[string]any{
			"gateway_payment_id": paymentID,
			"status":             paymentdomain.PaymentFailed,
			"failure_reason":     reason,
			"updated_at":         now,
		}).Error
}

func (r *repo) MarkRefunded(ctx context.Context, tx *gorm.DB, paymentID string, now time.Time) (*paymentdomain.PaymentRecord, error) {
	rec, err := r.FindByPaymentID(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if rec.Status == paymentdomain.PaymentRefunded {
		return rec, nil
	}

	err = tx.WithContext(ctx).
		Model(rec).
		Updates(map[string]any{
			"status":      paymentdomain.PaymentRefunded,
			"refunded_at": now,
			"updated_at":  now,
		}).Error
	if err != nil {
		return nil, err
	}
	rec.Status = paymentdomain.PaymentRefunded
	rec.RefundedAt = &now
	return rec, nil
}

func (r *repo) InsertEvent(ctx context.Context, tx *gorm.DB, ev *paymentdomain.WebhookEvent) (bool, error) {
	now := time.Now().UTC()
	if ev.ID == 0 {
		ev.ID = r.genID.Generate()
	}
	ev.CreatedAt = now
	ev.UpdatedAt = now

	if err := tx.WithContext(ctx).Create(ev).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *repo) FindEvent(ctx context.Context, tx *gorm.DB, gatewayEventID string) (*paymentdomain.WebhookEvent, error) {
	var ev paymentdomain.WebhookEvent
	err := tx.WithContext(ctx).
		Where("gateway_event_id = ?", gatewayEventID).
		First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ev, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time) error {
	return tx.WithContext(ctx).
		Model(&paymentdomain.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       paymentdomain.EventProcessed,
			"processed_at": now,
			"last_error":   nil,
			"updated_at":   now,
		}).Error
}

func (r *repo) MarkEventFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID, attempts int, lastErr string) error {
	return tx.WithContext(ctx).
		Model(&paymentdomain.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     paymentdomain.EventFailed,
			"attempts":   attempts,
			"last_error": lastErr,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *repo) MarkEventExceeded(ctx context.Context, tx *gorm.DB, id snowflake.ID, attempts int, lastErr string) error {
	return tx.WithContext(ctx).
		Model(&paymentdomain.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     paymentdomain.EventExceeded,
			"attempts":   attempts,
			"last_error": lastErr,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *repo) ListRetryable(ctx context.Context, tx *gorm.DB, maxAttempts, limit int) ([]paymentdomain.WebhookEvent, error) {
	var events []paymentdomain.WebhookEvent
	err := tx.WithContext(ctx).
		Where("processed_at IS NULL AND status <> ? AND attempts < ?", paymentdomain.EventExceeded, maxAttempts).
		Order("created_at asc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) EventStats(ctx context.Context, tx *gorm.DB) (*paymentdomain.WebhookStats, error) {
	stats := &paymentdomain.WebhookStats{}

	counts := []struct {
		status paymentdomain.EventStatus
		dest   *int64
	}{
		{paymentdomain.EventProcessed, &stats.Processed},
		{paymentdomain.EventFailed, &stats.Failed},
		{paymentdomain.EventExceeded, &stats.Exceeded},
		{paymentdomain.EventReceived, &stats.Pending},
	}
	for _, c := range counts {
		err := tx.WithContext(ctx).
			Model(&paymentdomain.WebhookEvent{}).
			Where("status = ?", c.status).
			Count(c.dest).Error
		if err != nil {
			return nil, err
		}
	}
	stats.Total = stats.Processed + stats.Failed + stats.Exceeded + stats.Pending
	return stats, nil
}

package webhook

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/subgate/internal/clock"
	"github.com/smallbiznis/subgate/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/subgate/internal/payment/domain"
	"github.com/smallbiznis/subgate/internal/payment/gateway"
)

// DefaultMaxAttempts bounds event reprocessing before an event is parked
// as EXCEEDED for manual review.
const DefaultMaxAttempts = 5

const retryBatchSize = 100

type IngestResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type RetryResult struct {
	Scanned   int `json:"scanned"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Exceeded  int `json:"exceeded"`
}

type Service interface {
	// Ingest runs one webhook delivery through the pipeline: verify
	// signature, decode, dedupe, apply, record outcome. Only a bad
	// signature is an error; everything past that point is acknowledged
	// so the gateway stops redelivering.
	Ingest(ctx context.Context, body []byte, signature string) (*IngestResponse, error)

	// Retry reprocesses events that never reached a terminal outcome and
	// still have attempts left, including rows stuck at RECEIVED.
	Retry(ctx context.Context) (*RetryResult, error)

	// RetryEvent reprocesses a single event regardless of batch order.
	RetryEvent(ctx context.Context, gatewayEventID string) error

	Stats(ctx context.Context) (*paymentdomain.WebhookStats, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Repo     paymentdomain.Repository
	Payments paymentdomain.Service
	Verifier *gateway.Verifier
	Metrics  *metrics.Metrics `optional:"true"`
}

type service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     paymentdomain.Repository
	payments paymentdomain.Service
	verifier *gateway.Verifier
	metrics  *metrics.Metrics
}

func NewService(p Params) Service {
	return &service{
		db:       p.DB,
		log:      p.Log.Named("payment.webhook"),
		clock:    p.Clock,
		repo:     p.Repo,
		payments: p.Payments,
		verifier: p.Verifier,
		metrics:  p.Metrics,
	}
}

func (s *service) Ingest(ctx context.Context, body []byte, signature string) (*IngestResponse, error) {
	if !s.verifier.VerifyWebhook(body, signature) {
		s.log.Warn("webhook signature rejected", zap.Int("body_bytes", len(body)))
		s.metrics.RecordWebhookEvent(ctx, "unknown", "rejected_signature")
		return nil, paymentdomain.ErrInvalidSignature
	}

	ev, err := paymentdomain.DecodeEvent(body)
	if err != nil {
		// Signature was valid, so this came from the gateway; acknowledge
		// it rather than triggering redelivery of a body we cannot parse.
		s.log.Warn("webhook payload rejected", zap.Error(err))
		s.metrics.RecordWebhookEvent(ctx, "unknown", "invalid_payload")
		return &IngestResponse{Success: false, Message: "invalid payload"}, nil
	}

	record := &paymentdomain.WebhookEvent{
		GatewayEventID: ev.EventID,
		EventType:      ev.Type,
		Payload:        body,
		Status:         paymentdomain.EventReceived,
	}
	if !ev.Known() {
		now := s.clock.Now()
		record.Status = paymentdomain.EventProcessed
		record.ProcessedAt = &now
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		s.log.Info("duplicate webhook event ignored", zap.String("event_id", ev.EventID))
		s.metrics.RecordWebhookEvent(ctx, ev.Type, "duplicate")
		return &IngestResponse{Success: true, Message: "event already processed"}, nil
	}
	if !ev.Known() {
		s.metrics.RecordWebhookEvent(ctx, ev.Type, "ignored")
		return &IngestResponse{Success: true, Message: "event type not handled"}, nil
	}

	if err := s.process(ctx, record.ID, ev, 1); err != nil {
		s.metrics.RecordWebhookEvent(ctx, ev.Type, "failed")
		return &IngestResponse{Success: false, Message: "event accepted, processing will be retried"}, nil
	}
	s.metrics.RecordWebhookEvent(ctx, ev.Type, "processed")
	return &IngestResponse{Success: true, Message: "event processed"}, nil
}

// process applies the event and records the outcome on the webhook row.
// attempts is the total attempt count including this one.
func (s *service) process(ctx context.Context, id snowflake.ID, ev paymentdomain.GatewayEvent, attempts int) error {
	_, err := s.payments.ApplyEvent(ctx, ev)
	if err != nil {
		s.log.Warn("webhook event processing failed",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", ev.Type),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if attempts >= DefaultMaxAttempts {
			if markErr := s.repo.MarkEventExceeded(ctx, s.db, id, attempts, err.Error()); markErr != nil {
				s.log.Error("failed to park webhook event", zap.Error(markErr))
			}
		} else {
			if markErr := s.repo.MarkEventFailed(ctx, s.db, id, attempts, err.Error()); markErr != nil {
				s.log.Error("failed to record webhook failure", zap.Error(markErr))
			}
		}
		return err
	}

	if err := s.repo.MarkEventProcessed(ctx, s.db, id, s.clock.Now()); err != nil {
		return err
	}
	s.log.Info("webhook event processed",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", ev.Type),
	)
	return nil
}

func (s *service) Retry(ctx context.Context) (*RetryResult, error) {
	events, err := s.repo.ListRetryable(ctx, s.db, DefaultMaxAttempts, retryBatchSize)
	if err != nil {
		return nil, err
	}

	result := &RetryResult{Scanned: len(events)}
	for _, record := range events {
		ev, err := paymentdomain.DecodeEvent(record.Payload)
		if err != nil {
			// The payload parsed at ingest time; a decode failure now is
			// permanent, so stop burning attempts on it.
			if markErr := s.repo.MarkEventExceeded(ctx, s.db, record.ID, record.Attempts+1, err.Error()); markErr != nil {
				return nil, markErr
			}
			result.Exceeded++
			continue
		}

		if err := s.process(ctx, record.ID, ev, record.Attempts+1); err != nil {
			if record.Attempts+1 >= DefaultMaxAttempts {
				result.Exceeded++
			} else {
				result.Failed++
			}
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

func (s *service) RetryEvent(ctx context.Context, gatewayEventID string) error {
	record, err := s.repo.FindEvent(ctx, s.db, gatewayEventID)
	if err != nil {
		return err
	}
	if record == nil {
		return paymentdomain.ErrEventNotFound
	}
	switch record.Status {
	case paymentdomain.EventProcessed:
		return paymentdomain.ErrEventAlreadyApplied
	case paymentdomain.EventExceeded:
		return paymentdomain.ErrMaxRetriesExceeded
	}

	ev, err := paymentdomain.DecodeEvent(record.Payload)
	if err != nil {
		return err
	}
	return s.process(ctx, record.ID, ev, record.Attempts+1)
}

func (s *service) Stats(ctx context.Context) (*paymentdomain.WebhookStats, error) {
	return s.repo.EventStats(ctx, s.db)
}

package domain

import (
	"errors"
	"time"
)

var (
	ErrInvalidTransition  = errors.New("invalid_transition")
	ErrInvalidPlan        = errors.New("invalid_plan")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrTransitionConflict = errors.New("transition_conflict")
)

// Transition is the single authoritative transition function. It is pure:
// given the current subscription (nil when the account has none), an event
// and the current time, it returns the next subscription state and the side
// effects the caller should dispatch once the state is committed.
//
// The returned subscription is always a fresh value; current is never
// mutated. A nil next with a nil error means the event was a no-op.
func Transition(current *Subscription, ev Event, now time.Time) (*Subscription, []Effect, error) {
	switch e := ev.(type) {
	case PaymentCaptured:
		return applyCapture(current, e, now)
	case PaymentFailed:
		// Ledger-only event. Failure is never retried into success here.
		return nil, nil, nil
	case Refunded:
		return applyRefund(current, e, now)
	case CancelRequested:
		return applyCancel(current, now)
	case ExpiryCheck:
		return applyExpiryCheck(current, now)
	default:
		return nil, nil, ErrInvalidTransition
	}
}

func applyCapture(current *Subscription, e PaymentCaptured, now time.Time) (*Subscription, []Effect, error) {
	if !e.Plan.Valid() {
		return nil, nil, ErrInvalidPlan
	}

	effects := []Effect{EffectSendPaymentReceipt}

	// No live coverage to extend: start a fresh period. This covers first
	// purchase and re-purchase after expiry or cancellation; the old row is
	// superseded, not resurrected.
	if current == nil || !renewable(current, now) {
		next := &Subscription{
			Plan:    e.Plan,
			Status:  StatusActive,
			StartAt: now,
			EndAt:   now.Add(e.Plan.Duration()),
		}
		if current != nil {
			next.ID = current.ID
			next.Version = current.Version
		}
		return next, effects, nil
	}

	next := *current
	next.Status = StatusActive
	next.CancelledAt = nil
	if e.Plan != current.Plan {
		// Mid-cycle plan change: no proration, coverage restarts from the
		// payment time under the new plan.
		next.Plan = e.Plan
		next.EndAt = now.Add(e.Plan.Duration())
	} else {
		end := next.EndAt
		if now.After(end) {
			end = now
		}
		next.EndAt = end.Add(e.Plan.Duration())
	}
	return &next, effects, nil
}

// renewable reports whether a capture should extend the existing period
// rather than open a fresh one. Active coverage and the grace window extend;
// expired and cancelled subscriptions start over.
func renewable(s *Subscription, now time.Time) bool {
	switch Resolve(s, now) {
	case StatusActive, StatusGracePeriod:
		return s.CancelledAt == nil
	default:
		return false
	}
}

func applyRefund(current *Subscription, e Refunded, now time.Time) (*Subscription, []Effect, error) {
	if current == nil || !e.FundsCurrentPeriod {
		return nil, nil, nil
	}
	switch current.Status {
	case StatusActive, StatusGracePeriod, StatusCancelled:
		next := *current
		next.Status = StatusExpired
		next.EndAt = now
		return &next, []Effect{EffectSendAccessRevoked}, nil
	default:
		return nil, nil, nil
	}
}

func applyCancel(current *Subscription, now time.Time) (*Subscription, []Effect, error) {
	if current == nil {
		return nil, nil, ErrSubscriptionNotFound
	}
	if current.Status != StatusActive || Resolve(current, now) != StatusActive {
		return nil, nil, ErrInvalidTransition
	}
	next := *current
	next.Status = StatusCancelled
	cancelledAt := now
	next.CancelledAt = &cancelledAt
	return &next, []Effect{EffectSendCancellationNotice}, nil
}

func applyExpiryCheck(current *Subscription, now time.Time) (*Subscription, []Effect, error) {
	if current == nil {
		return nil, nil, nil
	}
	switch current.Status {
	case StatusActive, StatusCancelled:
		if now.After(current.EndAt.Add(GraceWindow)) {
			next := *current
			next.Status = StatusExpired
			return &next, []Effect{EffectSendAccessRevoked}, nil
		}
		if now.After(current.EndAt) {
			next := *current
			next.Status = StatusGracePeriod
			return &next, []Effect{EffectSendExpiryReminder}, nil
		}
		return nil, nil, nil
	case StatusGracePeriod:
		if now.After(current.EndAt.Add(GraceWindow)) {
			next := *current
			next.Status = StatusExpired
			return &next, []Effect{EffectSendAccessRevoked}, nil
		}
		return nil, nil, nil
	default:
		return nil, nil, nil
	}
}

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func activeSub(endAt time.Time) *Subscription {
	return &Subscription{
		ID:        1,
		AccountID: "acc1",
		Plan:      PlanMonthly,
		Status:    StatusActive,
		StartAt:   testNow.Add(-10 * 24 * time.Hour),
		EndAt:     endAt,
		Version:   3,
	}
}

func TestTransition_FirstPurchase(t *testing.T) {
	next, effects, err := Transition(nil, PaymentCaptured{Plan: PlanMonthly, PaymentID: "pay_1"}, testNow)
	require.NoError(t, err)
	require.NotNil(t, next)

	assert.Equal(t, StatusActive, next.Status)
	assert.Equal(t, PlanMonthly, next.Plan)
	assert.Equal(t, testNow, next.StartAt)
	assert.Equal(t, testNow.Add(30*24*time.Hour), next.EndAt)
	assert.Equal(t, []Effect{EffectSendPaymentReceipt}, effects)
}

func TestTransition_RenewalBeforeExpiryExtendsFromEndAt(t *testing.T) {
	endAt := testNow.Add(5 * 24 * time.Hour)
	current := activeSub(endAt)

	next, _, err := Transition(current, PaymentCaptured{Plan: PlanMonthly, PaymentID: "pay_2"}, testNow)
	require.NoError(t, err)
	require.NotNil(t, next)

	// Extends from the existing end date, not from the payment time.
	assert.Equal(t, endAt.Add(30*24*time.Hour), next.EndAt)
	assert.Equal(t, StatusActive, next.Status)
	// Original is untouched.
	assert.Equal(t, endAt, current.EndAt)
}

func TestTransition_RenewalDuringGraceExtendsFromNow(t *testing.T) {
	current := activeSub(testNow.Add(-2 * 24 * time.Hour))

	next, _, err := Transition(current, PaymentCaptured{Plan: PlanMonthly, PaymentID: "pay_3"}, testNow)
	require.NoError(t, err)

	assert.Equal(t, StatusActive, next.Status)
	assert.Equal(t, testNow.Add(30*24*time.Hour), next.EndAt)
}

func TestTransition_PlanChangeResetsCoverage(t *testing.T) {
	current := activeSub(testNow.Add(20 * 24 * time.Hour))

	next, _, err := Transition(current, PaymentCaptured{Plan: PlanYearly, PaymentID: "pay_4"}, testNow)
	require.NoError(t, err)

	assert.Equal(t, PlanYearly, next.Plan)
	assert.Equal(t, testNow.Add(365*24*time.Hour), next.EndAt)
}

func TestTransition_PurchaseAfterExpiryStartsFreshPeriod(t *testing.T) {
	current := activeSub(testNow.Add(-60 * 24 * time.Hour))
	current.Status = StatusExpired

	next, _, err := Transition(current, PaymentCaptured{Plan: PlanMonthly, PaymentID: "pay_5"}, testNow)
	require.NoError(t, err)

	assert.Equal(t, StatusActive, next.Status)
	assert.Equal(t, testNow, next.StartAt)
	assert.Equal(t, testNow.Add(30*24*time.Hour), next.EndAt)
	assert.Nil(t, next.CancelledAt)
}

func TestTransition_PurchaseAfterCancellationIsNewPeriodNotResurrection(t *testing.T) {
	cancelledAt := testNow.Add(-3 * 24 * time.Hour)
	current := activeSub(testNow.Add(10 * 24 * time.Hour))
	current.Status = StatusCancelled
	current.CancelledAt = &cancelledAt

	next, _, err := Transition(current, PaymentCaptured{Plan: PlanMonthly, PaymentID: "pay_6"}, testNow)
	require.NoError(t, err)

	assert.Equal(t, StatusActive, next.Status)
	assert.Equal(t, testNow.Add(30*24*time.Hour), next.EndAt)
	assert.Nil(t, next.CancelledAt)
}

func TestTransition_InvalidPlanRejected(t *testing.T) {
	_, _, err := Transition(nil, PaymentCaptured{Plan: Plan("WEEKLY")}, testNow)
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestTransition_PaymentFailedIsLedgerOnly(t *testing.T) {
	current := activeSub(testNow.Add(5 * 24 * time.Hour))
	next, effects, err := Transition(current, PaymentFailed{PaymentID: "pay_7"}, testNow)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Empty(t, effects)
}

func TestTransition_CancelKeepsEndAt(t *testing.T) {
	endAt := testNow.Add(12 * 24 * time.Hour)
	current := activeSub(endAt)

	next, effects, err := Transition(current, CancelRequested{}, testNow)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, next.Status)
	assert.Equal(t, endAt, next.EndAt)
	require.NotNil(t, next.CancelledAt)
	assert.Equal(t, testNow, *next.CancelledAt)
	assert.Equal(t, []Effect{EffectSendCancellationNotice}, effects)
}

func TestTransition_CancelWithoutActiveSubscription(t *testing.T) {
	_, _, err := Transition(nil, CancelRequested{}, testNow)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	expired := activeSub(testNow.Add(-60 * 24 * time.Hour))
	expired.Status = StatusExpired
	_, _, err = Transition(expired, CancelRequested{}, testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransition_ExpiryCheckOpensGrace(t *testing.T) {
	current := activeSub(testNow.Add(-1 * time.Hour))

	next, effects, err := Transition(current, ExpiryCheck{}, testNow)
	require.NoError(t, err)

	assert.Equal(t, StatusGracePeriod, next.Status)
	assert.Equal(t, []Effect{EffectSendExpiryReminder}, effects)
}

func TestTransition_ExpiryCheckClosesGrace(t *testing.T) {
	current := activeSub(testNow.Add(-8 * 24 * time.Hour))
	current.Status = StatusGracePeriod

	next, effects, err := Transition(current, ExpiryCheck{}, testNow)
	require.NoError(t, err)

	assert.Equal(t, StatusExpired, next.Status)
	assert.Equal(t, []Effect{EffectSendAccessRevoked}, effects)
}

func TestTransition_ExpiryCheckSkipsGraceWhenWindowAlreadyClosed(t *testing.T) {
	// A sweep that was down for the whole grace window lands on EXPIRED
	// directly rather than parking the row in grace.
	current := activeSub(testNow.Add(-30 * 24 * time.Hour))

	next, _, err := Transition(current, ExpiryCheck{}, testNow)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, next.Status)
}

func TestTransition_ExpiryCheckIsIdempotent(t *testing.T) {
	current := activeSub(testNow.Add(-1 * time.Hour))

	first, _, err := Transition(current, ExpiryCheck{}, testNow)
	require.NoError(t, err)
	require.Equal(t, StatusGracePeriod, first.Status)

	second, effects, err := Transition(first, ExpiryCheck{}, testNow)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Empty(t, effects)
}

func TestTransition_ExpiryCheckBeforeEndAtIsNoop(t *testing.T) {
	current := activeSub(testNow.Add(10 * 24 * time.Hour))
	next, _, err := Transition(current, ExpiryCheck{}, testNow)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestTransition_RefundForcesExpiryBypassingGrace(t *testing.T) {
	current := activeSub(testNow.Add(20 * 24 * time.Hour))

	next, effects, err := Transition(current, Refunded{PaymentID: "pay_1", FundsCurrentPeriod: true}, testNow)
	require.NoError(t, err)

	assert.Equal(t, StatusExpired, next.Status)
	assert.Equal(t, []Effect{EffectSendAccessRevoked}, effects)
	assert.Equal(t, StatusExpired, Resolve(next, testNow.Add(time.Hour)))
}

func TestTransition_RefundOfOldPaymentIsNoop(t *testing.T) {
	current := activeSub(testNow.Add(20 * 24 * time.Hour))

	next, _, err := Transition(current, Refunded{PaymentID: "pay_old", FundsCurrentPeriod: false}, testNow)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestResolve(t *testing.T) {
	endAt := testNow.Add(-2 * 24 * time.Hour)

	tests := []struct {
		name string
		sub  *Subscription
		want Status
	}{
		{"nil is inactive", nil, StatusInactive},
		{"active within coverage", activeSub(testNow.Add(time.Hour)), StatusActive},
		{"active past end reads as grace", activeSub(endAt), StatusGracePeriod},
		{"active past grace reads as expired", activeSub(testNow.Add(-10 * 24 * time.Hour)), StatusExpired},
		{"expired stays expired", func() *Subscription {
			s := activeSub(endAt)
			s.Status = StatusExpired
			return s
		}(), StatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.sub, testNow))
		})
	}
}

func TestResolve_CancelledWithinCoverage(t *testing.T) {
	cancelledAt := testNow.Add(-time.Hour)
	sub := activeSub(testNow.Add(5 * 24 * time.Hour))
	sub.Status = StatusCancelled
	sub.CancelledAt = &cancelledAt

	assert.Equal(t, StatusCancelled, Resolve(sub, testNow))
	assert.Equal(t, StatusGracePeriod, Resolve(sub, testNow.Add(6*24*time.Hour)))
	assert.Equal(t, StatusExpired, Resolve(sub, testNow.Add(15*24*time.Hour)))
}

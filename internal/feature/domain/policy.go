package domain

import (
	"time"

	subscription "github.com/smallbiznis/subgate/internal/subscription/domain"
)

const (
	ReasonOKActive       = "ok_active"
	ReasonOKFreeFeature  = "ok_free_feature"
	ReasonOKGracePeriod  = "ok_grace_period"
	ReasonDeniedInactive = "denied_inactive"
	ReasonDeniedExpired  = "denied_expired"

	// Cancelled accounts keep access until endDate but never enter the
	// grace soft landing; cancellation was an explicit walk-away.
	ReasonDeniedCancelled = "denied_cancelled"

	ReasonDeniedGraceRestricted = "denied_grace_restricted"
)

// DefaultFreeFeatures are the read-only views that never require a
// subscription.
var DefaultFreeFeatures = []string{"dashboard", "history"}

// Decision is computed on demand and never persisted.
type Decision struct {
	Feature    string `json:"feature"`
	HasAccess  bool   `json:"has_access"`
	ReasonCode string `json:"reason_code"`
}

// Policy decides feature access from subscription state. The zero value
// denies everything; build one with NewPolicy.
type Policy struct {
	free map[string]struct{}

	// graceRestricted lists gated features withheld during the grace
	// period. Empty means grace grants the full feature set.
	graceRestricted map[string]struct{}
}

func NewPolicy(freeFeatures, graceRestricted []string) *Policy {
	p := &Policy{
		free:            make(map[string]struct{}, len(freeFeatures)),
		graceRestricted: make(map[string]struct{}, len(graceRestricted)),
	}
	for _, f := range freeFeatures {
		p.free[f] = struct{}{}
	}
	for _, f := range graceRestricted {
		p.graceRestricted[f] = struct{}{}
	}
	return p
}

// Evaluate is pure: stored subscription state plus the clock in, decision out.
func (p *Policy) Evaluate(sub *subscription.Subscription, feature string, now time.Time) Decision {
	if _, ok := p.free[feature]; ok {
		return Decision{Feature: feature, HasAccess: true, ReasonCode: ReasonOKFreeFeature}
	}

	switch subscription.Resolve(sub, now) {
	case subscription.StatusActive, subscription.StatusCancelled:
		// A cancelled subscription still inside its paid coverage behaves
		// like an active one.
		return Decision{Feature: feature, HasAccess: true, ReasonCode: ReasonOKActive}

	case subscription.StatusGracePeriod:
		if sub != nil && sub.CancelledAt != nil {
			return Decision{Feature: feature, ReasonCode: ReasonDeniedCancelled}
		}
		if _, restricted := p.graceRestricted[feature]; restricted {
			return Decision{Feature: feature, ReasonCode: ReasonDeniedGraceRestricted}
		}
		return Decision{Feature: feature, HasAccess: true, ReasonCode: ReasonOKGracePeriod}

	case subscription.StatusExpired:
		if sub != nil && sub.CancelledAt != nil {
			return Decision{Feature: feature, ReasonCode: ReasonDeniedCancelled}
		}
		return Decision{Feature: feature, ReasonCode: ReasonDeniedExpired}

	default:
		return Decision{Feature: feature, ReasonCode: ReasonDeniedInactive}
	}
}

package notify

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/smallbiznis/subgate/internal/providers/email"
	subscription "github.com/smallbiznis/subgate/internal/subscription/domain"
)

// Dispatcher turns transition effects into outbound notifications.
// Delivery is best effort: a failed send is logged and never blocks or
// rolls back the transition that produced it.
type Dispatcher interface {
	Dispatch(ctx context.Context, accountID string, effects []subscription.Effect)
}

type dispatcher struct {
	provider email.Provider
	log      *zap.Logger
}

func NewDispatcher(provider email.Provider, log *zap.Logger) Dispatcher {
	return &dispatcher{
		provider: provider,
		log:      log.Named("notify.dispatcher"),
	}
}

type message struct {
	subject string
	body    string
}

var messages = map[subscription.Effect]message{
	subscription.EffectSendPaymentReceipt: {
		subject: "Payment received",
		body:    "<p>Your payment was received and your subscription is active.</p>",
	},
	subscription.EffectSendExpiryReminder: {
		subject: "Your subscription has expired",
		body:    "<p>Your subscription period has ended. Renew within the grace period to keep access.</p>",
	},
	subscription.EffectSendAccessRevoked: {
		subject: "Subscription access ended",
		body:    "<p>Your subscription access has ended. Purchase a new plan to restore it.</p>",
	},
	subscription.EffectSendCancellationNotice: {
		subject: "Cancellation confirmed",
		body:    "<p>Auto-renewal is off. Your access continues until the end of the paid period.</p>",
	},
}

func (d *dispatcher) Dispatch(ctx context.Context, accountID string, effects []subscription.Effect) {
	if len(effects) == 0 {
		return
	}

	// Account ids double as the notification address; accounts provisioned
	// with an opaque id have no reachable mailbox.
	if !strings.Contains(accountID, "@") {
		d.log.Debug("no mailbox for account, skipping notifications",
			zap.String("account_id", accountID),
			zap.Int("effects", len(effects)),
		)
		return
	}

	for _, effect := range effects {
		msg, ok := messages[effect]
		if !ok {
			d.log.Warn("unknown effect", zap.String("effect", string(effect)))
			continue
		}
		if err := d.provider.Send(ctx, []string{accountID}, msg.subject, msg.body); err != nil {
			d.log.Warn("notification send failed",
				zap.String("account_id", accountID),
				zap.String("effect", string(effect)),
				zap.Error(err),
			)
		}
	}
}

package payment

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/subgate/internal/config"
	"github.com/smallbiznis/subgate/internal/payment/domain"
	"github.com/smallbiznis/subgate/internal/payment/gateway"
	"github.com/smallbiznis/subgate/internal/payment/repository"
	"github.com/smallbiznis/subgate/internal/payment/service"
	"github.com/smallbiznis/subgate/internal/payment/webhook"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(newVerifier),
	fx.Provide(
		gateway.NewClient,
		func(c *gateway.Client) gateway.OrderCreator { return c },
	),
	fx.Provide(
		service.NewService,
		func(s *service.Service) domain.Service { return s },
	),
	fx.Provide(webhook.NewService),
)

func newVerifier(cfg config.Config) *gateway.Verifier {
	return gateway.NewVerifier(cfg.Gateway.KeySecret, cfg.Gateway.WebhookSecret)
}

package feature

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/subgate/internal/config"
	"github.com/smallbiznis/subgate/internal/feature/domain"
	"github.com/smallbiznis/subgate/internal/feature/service"
)

var Module = fx.Module("feature.service",
	fx.Provide(newPolicy),
	fx.Provide(service.NewService),
)

func newPolicy(cfg config.Config) *domain.Policy {
	return domain.NewPolicy(cfg.FreeFeatures, cfg.GraceRestrictedFeatures)
}

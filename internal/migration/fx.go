package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/smallbiznis/subgate/internal/config"
	paymentdomain "github.com/smallbiznis/subgate/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/subgate/internal/subscription/domain"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// The versioned SQL targets postgres; lighter local setups
			// derive the schema from the models instead.
			return conn.AutoMigrate(
				&subscriptiondomain.Subscription{},
				&subscriptiondomain.SubscriptionHistory{},
				&paymentdomain.PaymentRecord{},
				&paymentdomain.WebhookEvent{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)

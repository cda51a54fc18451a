package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/subgate/internal/auth"
	"github.com/smallbiznis/subgate/internal/clock"
	"github.com/smallbiznis/subgate/internal/config"
	"github.com/smallbiznis/subgate/internal/feature"
	"github.com/smallbiznis/subgate/internal/migration"
	"github.com/smallbiznis/subgate/internal/notify"
	"github.com/smallbiznis/subgate/internal/observability"
	"github.com/smallbiznis/subgate/internal/payment"
	"github.com/smallbiznis/subgate/internal/providers/email"
	"github.com/smallbiznis/subgate/internal/ratelimit"
	"github.com/smallbiznis/subgate/internal/scheduler"
	"github.com/smallbiznis/subgate/internal/server"
	"github.com/smallbiznis/subgate/internal/subscription"
	"github.com/smallbiznis/subgate/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		auth.Module,
		email.Module,
		notify.Module,
		subscription.Module,
		payment.Module,
		feature.Module,
		ratelimit.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

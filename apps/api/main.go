package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/events"
	"github.com/smallbiznis/paysync/internal/migration"
	"github.com/smallbiznis/paysync/internal/observability"
	"github.com/smallbiznis/paysync/internal/payment"
	"github.com/smallbiznis/paysync/internal/ratelimit"
	"github.com/smallbiznis/paysync/internal/server"
	"github.com/smallbiznis/paysync/internal/subscription"
	"github.com/smallbiznis/paysync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		ratelimit.Module,
		events.Module,
		subscription.Module,
		payment.Module,

		// No scheduler; run apps/scheduler next to it.
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

package main

import (
	"github.com/agoramart/dunning/internal/clock"
	"github.com/agoramart/dunning/internal/config"
	"github.com/agoramart/dunning/internal/dunning"
	"github.com/agoramart/dunning/internal/migration"
	"github.com/agoramart/dunning/internal/observability"
	"github.com/agoramart/dunning/internal/ops"
	"github.com/agoramart/dunning/internal/providers"
	"github.com/agoramart/dunning/internal/scheduler"
	"github.com/agoramart/dunning/internal/subscription"
	"github.com/agoramart/dunning/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Engine
		subscription.Module,
		providers.Module,
		dunning.Module,
		scheduler.Module,

		// Operational surface
		ops.Module,
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

// dunning-tick runs one scheduler tick and exits. Intended for external
// cron setups (0 9,17 * * *) instead of the long-running daemon.
package main

import (
	"context"
	"os"

	"github.com/agoramart/dunning/internal/clock"
	"github.com/agoramart/dunning/internal/config"
	"github.com/agoramart/dunning/internal/dunning"
	"github.com/agoramart/dunning/internal/migration"
	"github.com/agoramart/dunning/internal/observability"
	"github.com/agoramart/dunning/internal/providers"
	"github.com/agoramart/dunning/internal/scheduler"
	"github.com/agoramart/dunning/internal/subscription"
	"github.com/agoramart/dunning/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	var exitCode int

	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		subscription.Module,
		providers.Module,
		dunning.Module,

		fx.Provide(scheduler.ProvideConfig),
		fx.Provide(scheduler.NewRunLocker),
		fx.Provide(scheduler.New),

		fx.Invoke(func(lc fx.Lifecycle, sd fx.Shutdowner, log *zap.Logger, sched *scheduler.Scheduler) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go func() {
						if err := sched.RunOnce(context.Background()); err != nil {
							log.Error("tick failed", zap.Error(err))
							exitCode = 1
						}
						_ = sd.Shutdown()
					}()
					return nil
				},
			})
		}),
	)
	app.Run()
	os.Exit(exitCode)
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

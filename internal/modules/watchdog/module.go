package watchdog

import (
	"context"

	"go.uber.org/fx"

	"croupier_bot/internal/modules/config"
	"croupier_bot/internal/modules/watchdog/service"
)

func newWatchdog(cfg *config.Config) *service.Watchdog {
	return service.New(cfg.WatchdogInterval)
}

func Module() fx.Option {
	return fx.Module("watchdog",
		fx.Provide(
			newWatchdog,
		),

		fx.Invoke(func(lc fx.Lifecycle, w *service.Watchdog) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					w.Run(context.Background())
					return nil
				},
				OnStop: func(ctx context.Context) error {
					w.Stop()
					return nil
				},
			})
		}),
	)
}

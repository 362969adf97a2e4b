package state

import (
	"context"

	"go.uber.org/fx"

	"croupier_bot/internal/models"
	"croupier_bot/internal/modules/config"
	croupier "croupier_bot/internal/modules/croupier/service"
	exsvc "croupier_bot/internal/modules/exchange/service"
	portfolio "croupier_bot/internal/modules/portfolio/service"
	"croupier_bot/internal/modules/state/service"
	watchdog "croupier_bot/internal/modules/watchdog/service"
	"croupier_bot/pkg/db"
	"croupier_bot/pkg/logger"
)

// newStore prefers Postgres when a DSN is configured, the local file
// otherwise.
func newStore(cfg *config.Config, txm db.TxManager) (service.Store, error) {
	if cfg.DB != "" && txm != nil {
		return service.NewPgStore(txm), nil
	}
	return service.NewFileStore(cfg.SnapshotPath, cfg.SnapshotBackups)
}

func newKeeper(cfg *config.Config, store service.Store, tracker *portfolio.Tracker, oco *croupier.OCOManager, adapter *exsvc.Adapter) *service.Keeper {
	return service.NewKeeper(store, tracker, oco, adapter, cfg.SnapshotInterval)
}

func Module() fx.Option {
	return fx.Module("state",
		fx.Provide(
			newStore,
			newKeeper,
		),

		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, k *service.Keeper, tracker *portfolio.Tracker, oco *croupier.OCOManager, w *watchdog.Watchdog) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if _, recovered, err := k.Recover(); err != nil {
						return err
					} else if !recovered {
						logger.Info("[STATE] cold start, no snapshot")
					}
					tracker.OnChange(func(models.Position, bool) { k.MarkDirty() })
					oco.SetOnChange(k.MarkDirty)
					// three missed ticks counts as a stall
					w.Register("persistence", 3*cfg.SnapshotInterval, nil)
					k.SetHeartbeat(func() { w.Heartbeat("persistence") })
					k.Run(context.Background())
					return nil
				},
				OnStop: func(ctx context.Context) error {
					w.Unregister("persistence")
					return k.Stop(ctx)
				},
			})
		}),
	)
}

package recon

import (
	"context"
	"time"

	"go.uber.org/fx"

	"croupier_bot/internal/modules/config"
	croupier "croupier_bot/internal/modules/croupier/service"
	exsvc "croupier_bot/internal/modules/exchange/service"
	portfolio "croupier_bot/internal/modules/portfolio/service"
	"croupier_bot/internal/modules/recon/service"
	shutdownsvc "croupier_bot/internal/modules/shutdown/service"
	watchdog "croupier_bot/internal/modules/watchdog/service"
)

func newReconciler(cfg *config.Config, adapter *exsvc.Adapter, tracker *portfolio.Tracker, oco *croupier.OCOManager, w *watchdog.Watchdog) *service.Reconciler {
	return service.NewReconciler(service.Config{
		Interval: cfg.ReconInterval,
		Policy:   service.OrphanPolicyFromString(cfg.OrphanPolicy),
	}, adapter, tracker, oco, w)
}

func Module() fx.Option {
	return fx.Module("recon",
		fx.Provide(
			newReconciler,
		),

		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, r *service.Reconciler, w *watchdog.Watchdog, ctrl *shutdownsvc.Controller) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					// three missed intervals counts as a stall
					w.Register("reconciliation", 3*cfg.ReconInterval, nil)

					// startup pass: the book on the venue is the truth after
					// a restart, adopt it before trading begins
					startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
					defer cancel()
					if _, err := r.Reconcile(startCtx); err != nil {
						return err
					}
					r.Run(context.Background())
					// the periodic pass must not race the shutdown sweep
					ctrl.OnDrain(r.Stop)
					return nil
				},
				OnStop: func(ctx context.Context) error {
					r.Stop()
					w.Unregister("reconciliation")
					return nil
				},
			})
		}),
	)
}

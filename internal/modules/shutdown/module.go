package shutdown

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"

	"croupier_bot/internal/modules/config"
	croupier "croupier_bot/internal/modules/croupier/service"
	exsvc "croupier_bot/internal/modules/exchange/service"
	portfolio "croupier_bot/internal/modules/portfolio/service"
	recon "croupier_bot/internal/modules/recon/service"
	"croupier_bot/internal/modules/shutdown/service"
	state "croupier_bot/internal/modules/state/service"
	"croupier_bot/internal/notify"
)

func newController(cfg *config.Config, adapter *exsvc.Adapter, tracker *portfolio.Tracker, oco *croupier.OCOManager, r *recon.Reconciler, k *state.Keeper) *service.Controller {
	return service.NewController(adapter, tracker, oco, r, k, cfg.SweepTimeout, cfg.CloseOnExit)
}

func sessionSummary(rep croupier.SessionReport, failed []string) string {
	msg := fmt.Sprintf(
		"🏁 Session finished\nuptime: %s\nexecuted: %d, rejected: %d\nopened: %d, closed: %d, still open: %d",
		rep.Duration.Round(time.Second), rep.Executed, rep.Rejected,
		rep.OpenedLifetime, rep.ClosedLifetime, rep.PositionsOpen,
	)
	if len(failed) > 0 {
		msg += fmt.Sprintf("\n⚠️ sweep failed for: %v", failed)
	}
	return msg
}

func Module() fx.Option {
	return fx.Module("shutdown",
		fx.Provide(
			newController,
		),

		// Registered last in main, so this OnStop runs before every other
		// module begins tearing down.
		fx.Invoke(func(lc fx.Lifecycle, c *service.Controller, cr *croupier.Croupier, n notify.Notifier) {
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					if err := c.Shutdown(ctx); err != nil {
						return err
					}
					n.Send(sessionSummary(cr.Report(), c.FailedSymbols()))
					return nil
				},
			})
		}),
	)
}

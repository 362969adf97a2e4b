package metrics

import (
	"go.uber.org/fx"

	"croupier_bot/internal/models"
	croupier "croupier_bot/internal/modules/croupier/service"
	exsvc "croupier_bot/internal/modules/exchange/service"
	portfolio "croupier_bot/internal/modules/portfolio/service"
	recon "croupier_bot/internal/modules/recon/service"
	state "croupier_bot/internal/modules/state/service"
	watchdog "croupier_bot/internal/modules/watchdog/service"
)

func breakerGaugeValue(s exsvc.BreakerState) float64 {
	switch s {
	case exsvc.BreakerClosed:
		return 0
	case exsvc.BreakerHalfOpen:
		return 1
	}
	return 2
}

func Module() fx.Option {
	return fx.Module("metrics",
		fx.Provide(
			New,
		),

		fx.Invoke(func(m *Metrics, adapter *exsvc.Adapter, tracker *portfolio.Tracker, inbox *croupier.Inbox, oco *croupier.OCOManager, cr *croupier.Croupier, r *recon.Reconciler, k *state.Keeper, w *watchdog.Watchdog) {
			for _, cat := range []exsvc.Category{exsvc.CategoryOrders, exsvc.CategoryAccount, exsvc.CategoryMarketData} {
				m.BreakerState.WithLabelValues(string(cat)).Set(0)
				adapter.Breaker(cat).OnStateChange(func(c exsvc.Category, s exsvc.BreakerState) {
					m.BreakerState.WithLabelValues(string(c)).Set(breakerGaugeValue(s))
				})
			}
			tracker.OnChange(func(models.Position, bool) {
				m.OpenPositions.Set(float64(len(tracker.OpenPositions())))
			})
			inbox.SetOnDrop(m.InboxDropped.Inc)
			oco.SetOnChange(func() {
				m.ActiveBrackets.Set(float64(oco.ActiveCount()))
			})
			cr.SetOnResult(func(ok bool) {
				if ok {
					m.OrdersExecuted.WithLabelValues("ok").Inc()
				} else {
					m.OrdersExecuted.WithLabelValues("rejected").Inc()
				}
			})
			r.SetOnFinding(func(kind string) {
				m.ReconFindings.WithLabelValues(kind).Inc()
			})
			k.SetOnSave(func(bal models.Balance) {
				m.SnapshotSaves.Inc()
				if bal.Total > 0 {
					m.Equity.Set(bal.Total)
				}
			})
			w.SetOnStall(m.WatchdogStalls.Inc)
		}),
	)
}

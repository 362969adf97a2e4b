package croupier

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/fx"

	"croupier_bot/internal/models"
	"croupier_bot/internal/modules/config"
	"croupier_bot/internal/modules/croupier/service"
	exsvc "croupier_bot/internal/modules/exchange/service"
	portfolio "croupier_bot/internal/modules/portfolio/service"
	shutdownsvc "croupier_bot/internal/modules/shutdown/service"
	watchdog "croupier_bot/internal/modules/watchdog/service"
	"croupier_bot/pkg/logger"
)

func execMode(cfg *config.Config) models.ExecMode {
	if cfg.Mode == models.ExecModeLive.String() {
		return models.ExecModeLive
	}
	return models.ExecModeGhost
}

func newOCOManager(cfg *config.Config, adapter *exsvc.Adapter, locks *service.SymbolLocks) *service.OCOManager {
	return service.NewOCOManager(adapter, locks, service.OCOConfig{
		TakeProfitPct:  cfg.TakeProfitPct / 100,
		StopLossPct:    cfg.StopLossPct / 100,
		FillTimeout:    cfg.FillTimeout,
		BracketRetries: cfg.BracketRetries,
		BracketBackoff: time.Second,
	})
}

func newCroupier(cfg *config.Config, adapter *exsvc.Adapter, oco *service.OCOManager, tracker *portfolio.Tracker) *service.Croupier {
	return service.NewCroupier(service.CroupierConfig{
		Mode:             execMode(cfg),
		MaxOpenPositions: cfg.MaxOpenPositions,
		MinNotional:      cfg.MinNotional,
		MaxPositionPct:   cfg.MaxPositionPct,
		Leverage:         cfg.Leverage,
	}, adapter, adapter, oco, tracker)
}

func newInbox(cfg *config.Config) *service.Inbox {
	policy := service.InboxDropOldest
	if cfg.InboxPolicy == "block" {
		policy = service.InboxBlock
	}
	return service.NewInbox(cfg.InboxCapacity, policy)
}

func Module() fx.Option {
	return fx.Module("croupier",
		fx.Provide(
			service.NewSymbolLocks,
			newOCOManager,
			newCroupier,
			newInbox,
		),

		// Update router: one goroutine drains the user-data stream and fans
		// events out to the bracket machinery and the position tracker.
		fx.Invoke(func(lc fx.Lifecycle, adapter *exsvc.Adapter, oco *service.OCOManager, tracker *portfolio.Tracker) {
			var cancel context.CancelFunc
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					var ctx context.Context
					ctx, cancel = context.WithCancel(context.Background())
					go func() {
						logger.Info("[CROUPIER] update router started")
						for {
							select {
							case <-ctx.Done():
								return
							case upd, ok := <-adapter.Updates():
								if !ok {
									logger.Error("[CROUPIER] updates channel closed")
									return
								}
								oco.OnOrderUpdate(ctx, upd)
								if upd.Status == models.OrderStatusFilled {
									reduce := false
									side := models.SideLong
									if g, found := oco.GroupBySymbol(upd.Symbol); found {
										side = g.Main.Side
										reduce = upd.OrderID != g.Main.ID && upd.ClientOrderID != g.Main.ClientOrderID
									}
									tracker.ApplyFill(models.Fill{
										OrderID:  upd.OrderID,
										Symbol:   upd.Symbol,
										Side:     side,
										Price:    upd.Price,
										Quantity: upd.Quantity,
										Reduce:   reduce,
										Fee:      upd.Fee,
										At:       upd.At,
									})
								}
							}
						}
					}()
					return nil
				},
				OnStop: func(context.Context) error {
					if cancel != nil {
						cancel()
					}
					return nil
				},
			})
		}),

		// Decision loop: drain the inbox and execute sequentially. Per-symbol
		// exclusivity is enforced further down by the symbol locks. The loop
		// hangs itself on the shutdown controller's drain phase, so no fresh
		// bracket can open once the teardown sweep begins.
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, inbox *service.Inbox, cr *service.Croupier, w *watchdog.Watchdog, ctrl *shutdownsvc.Controller) {
			wake := cfg.WatchdogInterval
			if wake <= 0 {
				wake = 10 * time.Second
			}
			var cancel context.CancelFunc
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					var ctx context.Context
					ctx, cancel = context.WithCancel(context.Background())
					ctrl.OnDrain(cancel)
					w.Register("decision_loop", 3*wake, nil)
					go func() {
						logger.Info("[CROUPIER] decision loop started")
						for {
							w.Heartbeat("decision_loop")
							// bounded wait so an idle inbox still beats
							rctx, rcancel := context.WithTimeout(ctx, wake)
							d, err := inbox.Receive(rctx)
							rcancel()
							if err != nil {
								if ctx.Err() != nil || errors.Is(err, service.ErrInboxClosed) {
									return
								}
								continue
							}
							if _, err := cr.ExecuteDecision(ctx, d); err != nil {
								logger.Error("[CROUPIER] decision %s %s failed: %v", d.Symbol, d.Side, err)
							}
						}
					}()
					return nil
				},
				OnStop: func(context.Context) error {
					if cancel != nil {
						cancel()
					}
					w.Unregister("decision_loop")
					return nil
				},
			})
		}),
	)
}

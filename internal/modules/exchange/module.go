package exchange

import (
	"context"
	"time"

	"go.uber.org/fx"

	"croupier_bot/internal/models"
	"croupier_bot/internal/modules/config"
	"croupier_bot/internal/modules/exchange/service"
	healthsvc "croupier_bot/internal/modules/health/service"
	"croupier_bot/pkg/logger"
)

func newVirtualConnector(cfg *config.Config) *service.VirtualConnector {
	return service.NewVirtualConnector(cfg.VirtualBalance)
}

// newConnector picks the backend for the run mode. Ghost mode gets the
// virtual book so the whole pipeline runs without a live account.
func newConnector(cfg *config.Config, virt *service.VirtualConnector) service.Connector {
	if cfg.Mode == models.ExecModeLive.String() {
		return service.NewOkxConnector(cfg.Okx.BaseURL, cfg.Okx.APIKey, cfg.Okx.APISecret, cfg.Okx.Passphrase)
	}
	return virt
}

func newAdapter(cfg *config.Config, conn service.Connector) *service.Adapter {
	return service.NewAdapter(conn, service.AdapterConfig{
		Breaker: service.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
			HalfOpenMaxCalls: cfg.BreakerHalfOpenCalls,
		},
		Retry: service.RetryConfig{
			MaxRetries:  cfg.RetryMax,
			BackoffBase: cfg.RetryBackoffBase,
			BackoffMax:  15 * time.Second,
			Jitter:      true,
		},
		Budgets: map[service.Category]service.RateBudget{
			service.CategoryOrders:     {HardLimit: 300, Window: time.Minute, Buffer: cfg.RateBuffer},
			service.CategoryAccount:    {HardLimit: 60, Window: time.Minute, Buffer: cfg.RateBuffer},
			service.CategoryMarketData: {HardLimit: 2400, Window: time.Minute, Buffer: cfg.RateBuffer},
		},
	})
}

func Module() fx.Option {
	return fx.Module("exchange",
		fx.Provide(
			newVirtualConnector,
			newConnector,
			newAdapter,
		),

		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, conn service.Connector, adapter *service.Adapter, virt *service.VirtualConnector, hstate *healthsvc.State) {
			// The feed pushes ticks into the adapter's price cache. In ghost
			// mode the virtual book gets the same ticks so conditional legs
			// can trigger.
			onPrice := func(symbol string, px float64) {
				adapter.SetPrice(symbol, px)
				hstate.TouchTick(time.Now())
			}
			if okx, ok := conn.(*service.OkxConnector); ok {
				feed := service.NewFeed(cfg.Symbols, cfg.Okx.PublicWS, cfg.Okx.PrivateWS, cfg.Okx.APIKey, cfg.Okx.APISecret, cfg.Okx.Passphrase, onPrice)
				okx.AttachFeed(feed)
			} else {
				feed := service.NewFeed(cfg.Symbols, cfg.Okx.PublicWS, "", "", "", "", func(symbol string, px float64) {
					onPrice(symbol, px)
					virt.SetPrice(symbol, px)
				})
				virt.AttachFeed(feed)
			}

			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					logger.Info("[EXCHANGE] connecting, mode=%s", cfg.Mode)
					if err := adapter.Connect(ctx); err != nil {
						return err
					}
					hstate.SetWSConnected(true)
					return nil
				},
				OnStop: func(ctx context.Context) error {
					hstate.SetWSConnected(false)
					return adapter.Disconnect(ctx)
				},
			})
		}),
	)
}

package notify

import (
	"context"

	"go.uber.org/fx"

	"croupier_bot/internal/modules/config"
	portfolio "croupier_bot/internal/modules/portfolio/service"
	"croupier_bot/pkg/logger"
)

func newNotifier(cfg *config.Config, tracker *portfolio.Tracker) (Notifier, error) {
	if cfg.Telegram.Token == "" {
		return NewStdout(), nil
	}
	return NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, tracker)
}

func Module() fx.Option {
	return fx.Module("notify",
		fx.Provide(
			newNotifier,
		),

		fx.Invoke(func(lc fx.Lifecycle, n Notifier) {
			tg, ok := n.(*Telegram)
			if !ok {
				return
			}
			var cancel context.CancelFunc
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					var ctx context.Context
					ctx, cancel = context.WithCancel(context.Background())
					logger.Info("[NOTIFY] telegram long-polling started")
					return tg.Start(ctx)
				},
				OnStop: func(context.Context) error {
					if cancel != nil {
						cancel()
					}
					tg.Stop()
					return nil
				},
			})
		}),
	)
}

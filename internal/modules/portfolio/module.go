package portfolio

import (
	"go.uber.org/fx"

	"croupier_bot/internal/modules/portfolio/service"
)

func Module() fx.Option {
	return fx.Module("portfolio",
		fx.Provide(
			service.NewTracker,
		),
	)
}

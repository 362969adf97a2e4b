package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/fx"

	"croupier_bot/internal/metrics"
	"croupier_bot/internal/modules/config"
	"croupier_bot/internal/modules/croupier"
	"croupier_bot/internal/modules/exchange"
	"croupier_bot/internal/modules/health"
	"croupier_bot/internal/modules/portfolio"
	"croupier_bot/internal/modules/postgres"
	"croupier_bot/internal/modules/recon"
	"croupier_bot/internal/modules/shutdown"
	"croupier_bot/internal/modules/state"
	"croupier_bot/internal/modules/watchdog"
	"croupier_bot/internal/notify"
	"croupier_bot/pkg/logger"
	"croupier_bot/pkg/tracing"
)

func main() {
	if err := logger.Init(); err != nil {
		log.Fatal(err)
	}

	app := fx.New(
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config) error {
			if cfg.Jaeger.Host == "" {
				return nil
			}
			_, closer, err := tracing.InitTracer(tracing.Config{
				Host: cfg.Jaeger.Host,
				Port: cfg.Jaeger.Port,
			})
			if err != nil {
				return err
			}
			lc.Append(fx.Hook{OnStop: func(context.Context) error {
				closer()
				return nil
			}})
			return nil
		}),
		config.Module(),
		postgres.Module(),
		exchange.Module(),
		portfolio.Module(),
		croupier.Module(),
		watchdog.Module(),
		recon.Module(),
		state.Module(),
		notify.Module(),
		metrics.Module(),
		health.Module(),
		// last: its OnStop runs first on teardown
		shutdown.Module(),
	)

	if err := app.Start(context.Background()); err != nil {
		log.Fatal(err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	if err := app.Stop(context.Background()); err != nil {
		log.Fatal(err)
	}
}

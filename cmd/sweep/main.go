package main

import (
	"context"
	"flag"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"croupier_bot/internal/modules/config"
	exsvc "croupier_bot/internal/modules/exchange/service"
	"croupier_bot/pkg/logger"
)

// Emergency flatten: cancel every resting order and close every position for
// the configured symbols. For when the bot is down and the book must go flat.
func main() {
	dryRun := flag.Bool("dry-run", false, "report what would be swept without touching the venue")
	timeout := flag.Duration("timeout", 60*time.Second, "overall deadline")
	flag.Parse()

	if err := logger.Init(); err != nil {
		log.Fatal(err)
	}

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}

	conn := exsvc.NewOkxConnector(cfg.Okx.BaseURL, cfg.Okx.APIKey, cfg.Okx.APISecret, cfg.Okx.Passphrase)
	adapter := exsvc.NewAdapter(conn, exsvc.AdapterConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	positions, err := adapter.FetchPositions(ctx, "")
	if err != nil {
		log.Fatalf("fetch positions: %v", err)
	}

	targets := make(map[string]struct{})
	for _, s := range cfg.Symbols {
		targets[s] = struct{}{}
	}
	for _, p := range positions {
		targets[p.Symbol] = struct{}{}
	}

	if *dryRun {
		for sym := range targets {
			logger.Info("[SWEEP] would sweep %s", sym)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(5)
	for sym := range targets {
		sym := sym
		g.Go(func() error {
			if err := adapter.CancelAllOrders(gctx, sym); err != nil {
				logger.Error("[SWEEP] cancel orders %s: %v", sym, err)
				return nil
			}
			if err := adapter.ClosePosition(gctx, sym); err != nil {
				logger.Error("[SWEEP] close position %s: %v", sym, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	logger.Info("[SWEEP] done, %d symbols", len(targets))
}

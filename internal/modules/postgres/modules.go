package postgres

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"croupier_bot/internal/modules/config"
	"croupier_bot/pkg/db"
	"croupier_bot/pkg/logger"
)

func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			// Postgres is optional: without a DSN snapshots go to the local
			// file store and the manager stays nil.
			func(lc fx.Lifecycle, cfg *config.Config) (db.TxManager, error) {
				if cfg.DB == "" {
					logger.Info("[PG] no DSN configured, skipping postgres")
					return nil, nil
				}

				ctx := context.Background()
				poolMaster, err := db.NewPool(ctx, db.PoolConfig{
					DSN: cfg.DB,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to create poolMaster: %w", err)
				}

				if err = poolMaster.Ping(ctx); err != nil {
					return nil, err
				}

				txm := db.NewPgTxManager(poolMaster)
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error {
						txm.Close()
						return nil
					},
				})
				return txm, nil
			},
		),
	)
}

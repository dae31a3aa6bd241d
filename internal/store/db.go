package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/foldqueue/internal/config"
)

const defaultMaxConns = 25

// PoolSize returns the pgx pool bounds for a process whose background
// goroutines hold up to workers connections at once (webhook delivery workers
// and the tracker loop). Request handlers keep cfg.MaxOpenConns on top of
// that, so a burst of deliveries cannot starve job submission.
func PoolSize(cfg config.DatabaseConfig, workers int) (maxConns, minConns int32) {
	open := cfg.MaxOpenConns
	if open <= 0 {
		open = defaultMaxConns
	}
	total := open + max(workers, 0)
	idle := min(max(cfg.MaxIdleConns, workers), total)
	return int32(total), int32(max(idle, 0))
}

// Connect opens the job database pool sized by PoolSize and pings it.
func Connect(ctx context.Context, cfg config.DatabaseConfig, workers int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolCfg.MaxConns, poolCfg.MinConns = PoolSize(cfg, workers)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "foldqueue"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Package db opens Postgres connection pools.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"StxPayGateway/internal/retry"
)

type Pool = pgxpool.Pool

// Connect builds a pool from dsn. It does not dial; pgxpool connects lazily.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns < 4 {
		cfg.MaxConns = 4
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, cfg)
}

// ConnectWait connects and pings until the database answers or attempts run
// out, so binaries can start alongside the database container.
func ConnectWait(ctx context.Context, dsn string, attempts int, log zerolog.Logger) (*pgxpool.Pool, error) {
	policy := retry.Policy{Attempts: attempts, Delay: retry.Exponential(500*time.Millisecond, 10*time.Second)}
	return retry.Do(ctx, policy, func(attempt int) (*pgxpool.Pool, error) {
		pool, err := Connect(ctx, dsn)
		if err != nil {
			return nil, retry.Stop(err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			log.Warn().Err(err).Int("attempt", attempt).Msg("database not ready")
			return nil, err
		}
		return pool, nil
	})
}

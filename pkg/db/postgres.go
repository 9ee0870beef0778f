package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config tunes the connection pool. Zero values keep the pgxpool defaults.
type Config struct {
	URI             string
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// Connect opens a pool for connStr with default settings and verifies it with a ping.
func Connect(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	return ConnectWithConfig(ctx, Config{URI: connStr})
}

// ConnectWithConfig opens a pool using cfg and verifies it with a ping.
func ConnectWithConfig(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// Package db opens the persistence backend selected by configuration.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matthew-holman/strategy-runner/internal/config"
	"github.com/matthew-holman/strategy-runner/pkg/persistence"
)

// NewPool creates a configured pgxpool connection pool.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("Database connection pool established",
		"host", cfg.Host,
		"db_name", cfg.Name,
		"max_conns", cfg.MaxConns,
		"min_conns", cfg.MinConns,
	)
	return pool, nil
}

// OpenStore returns the SQLite store when a path is configured and the
// PostgreSQL store otherwise. The backtest tables are migrated either way.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (persistence.Store, error) {
	var store persistence.Store
	if cfg.SQLite.Path != "" {
		s, err := persistence.NewSQLiteStore(cfg.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Using SQLite store", "path", cfg.SQLite.Path)
		store = s
	} else {
		pool, err := NewPool(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		store = persistence.NewClient(pool, logger)
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close() //nolint:errcheck
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return store, nil
}

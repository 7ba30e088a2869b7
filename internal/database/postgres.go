package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stemsi/bandprep-backend/internal/config"
)

// NewPostgresPool opens the pool and waits until PostgreSQL answers.
func NewPostgresPool(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	applyPoolConfig(poolCfg, cfg)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := waitFor(ctx, log, "postgres", cfg.ConnectAttempts, cfg.ConnectDelay, pool.Ping); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", poolCfg.MaxConns).
		Int32("min_conns", poolCfg.MinConns).
		Str("database", poolCfg.ConnConfig.Database).
		Msg("PostgreSQL connected")

	return pool, nil
}

// applyPoolConfig sizes the pool and names the connections after the service.
func applyPoolConfig(poolCfg *pgxpool.Config, cfg *config.Config) {
	if cfg.MaxDBConns > 0 {
		poolCfg.MaxConns = cfg.MaxDBConns
	}
	if cfg.MinDBConns > 0 && cfg.MinDBConns <= poolCfg.MaxConns {
		poolCfg.MinConns = cfg.MinDBConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second

	if cfg.OTelServiceName != "" {
		if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
			poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.OTelServiceName
		}
	}
}

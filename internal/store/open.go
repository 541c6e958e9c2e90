package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"paircode/internal/config"
	"paircode/internal/observability"
)

// postgresRetries bounds the startup ping when Postgres is requested
// explicitly; auto mode gives up sooner and falls back to SQLite.
const (
	postgresRetries     = 5
	autoPostgresRetries = 1
)

// Open builds the backend named by cfg.Store.
func Open(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (Store, error) {
	logger = observability.WithComponent(logger, "store")
	switch strings.ToLower(cfg.Store) {
	case config.StoreMemory:
		return NewMemory(), nil
	case config.StorePostgres:
		pg, err := OpenPostgres(ctx, cfg.DatabaseURL, postgresRetries)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case config.StoreSQLite:
		return openSQLite(ctx, cfg.SQLitePath)
	case config.StoreBolt:
		b, err := OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.StoreAuto, "":
		if cfg.DatabaseURL != "" {
			pg, err := OpenPostgres(ctx, cfg.DatabaseURL, autoPostgresRetries)
			if err == nil {
				logger.Info("using postgres store")
				return pg, nil
			}
			logger.Warn("postgres unavailable, falling back to sqlite", "error", err, "path", cfg.SQLitePath)
		}
		return openSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func openSQLite(ctx context.Context, path string) (Store, error) {
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

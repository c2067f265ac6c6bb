package storage

import (
	"context"
	"strings"

	"joinbot/internal/apperr"
	logx "joinbot/pkg/logx"
)

// Open initializes the configured store. Any error here is meant to stop the process.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "bolt", "bbolt":
		return openBolt(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, apperr.New(apperr.Validation, "storage.open", "unknown storage driver: "+driver)
	}
}

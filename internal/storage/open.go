package storage

import (
	"context"
	"errors"
	"strings"

	"cadence/pkg/logx"
)

// Store is the dispatch journal.
type Store interface {
	AppendDispatch(ctx context.Context, e DispatchEntry) error
	// RecentDispatches returns up to limit entries, newest first.
	RecentDispatches(ctx context.Context, limit int) ([]DispatchEntry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Component("storage").With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "svcdispatch/pkg/logx"
)

// Store is the persistence API used by the recorder, pruner and CLI.
type Store interface {
	AppendRun(ctx context.Context, r Run) error
	// RecentRuns returns matching runs, newest first.
	RecentRuns(ctx context.Context, q Query) ([]Run, error)
	// Prune deletes runs that finished before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown history driver: %s", driver)
	}
}

package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

// Store is the persistence API used by the scheduler and the notifier.
type Store interface {
	SaveTask(ctx context.Context, rec TaskRecord) error
	DeleteTask(ctx context.Context, id string) error
	LoadTasks(ctx context.Context) ([]TaskRecord, error)

	AppendExecution(ctx context.Context, rec engine.ExecutionRecord) error
	// ListExecutions returns records newest first. An empty taskID matches
	// every task; limit <= 0 means no limit.
	ListExecutions(ctx context.Context, taskID string, limit int) ([]engine.ExecutionRecord, error)
	PruneExecutions(ctx context.Context, before time.Time) (int, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Ping(ctx context.Context) error
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
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

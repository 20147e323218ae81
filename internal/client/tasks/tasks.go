// Package tasks implements the scheduled maintenance tasks of the client.
package tasks

import (
	"context"
	"log/slog"
	"time"
)

// ScheduledTaskFunc is the signature of every scheduled task. The context
// passed by the scheduler should be respected for cancellation.
type ScheduledTaskFunc func(ctx context.Context) error

// Store is the local database surface the tasks maintain.
type Store interface {
	RunSQLMaintenance(ctx context.Context) error
	PruneTranslations(ctx context.Context, olderThan time.Time) (int64, error)
}

// TaskDeps contains the dependencies of scheduled tasks.
type TaskDeps struct {
	Logger *slog.Logger
	Store  Store
	// CacheTTL is how long cached translations are kept. Zero keeps them forever.
	CacheTTL time.Duration
	Now      func() time.Time
}

// RegisterAllTasks returns the registered tasks keyed by the name used in the
// scheduler configuration.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	tasks := map[string]ScheduledTaskFunc{
		"sql_maintenance":         newCompactionTask(deps),
		"translation_cache_prune": newCachePruneTask(deps),
	}

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}

package tasks

import (
	"context"
	"fmt"
	"time"
)

// newCompactionTask reclaims the space left in the local chat database by
// deleted messages, profiles and pruned translations. A run whose context is
// already done is skipped without touching the store.
func newCompactionTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "sql_maintenance")

	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			log.DebugContext(ctx, "Skipping local database compaction", "reason", err)
			return err
		}

		began := deps.Now()
		if err := deps.Store.RunSQLMaintenance(ctx); err != nil {
			log.ErrorContext(ctx, "Local database compaction failed", "error", err, "elapsed", time.Since(began))
			return fmt.Errorf("failed to compact local database: %w", err)
		}

		log.InfoContext(ctx, "Local database compacted", "elapsed", deps.Now().Sub(began))
		return nil
	}
}

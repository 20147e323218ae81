package tasks

import (
	"context"
	"fmt"
)

// newCachePruneTask drops cached translations older than the cache TTL.
func newCachePruneTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "translation_cache_prune")

	return func(ctx context.Context) error {
		if deps.CacheTTL <= 0 {
			log.DebugContext(ctx, "Translation cache TTL disabled, nothing to prune")
			return nil
		}

		cutoff := deps.Now().Add(-deps.CacheTTL)
		deleted, err := deps.Store.PruneTranslations(ctx, cutoff)
		if err != nil {
			log.ErrorContext(ctx, "Translation cache prune failed", "error", err)
			return fmt.Errorf("translation cache prune failed: %w", err)
		}

		log.InfoContext(ctx, "Translation cache pruned", "deleted", deleted, "cutoff", cutoff)
		return nil
	}
}

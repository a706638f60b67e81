package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/pylon/internal/policy"
	"github.com/eugener/pylon/internal/storage"
)

// RetentionWorker periodically deletes request logs older than the
// policy retention window. Interval and window are re-read from the
// live policy snapshot each cycle, so admin changes apply without a
// restart.
type RetentionWorker struct {
	store  storage.RequestLogStore
	policy *policy.Service
}

// NewRetentionWorker creates a RetentionWorker.
func NewRetentionWorker(store storage.RequestLogStore, pol *policy.Service) *RetentionWorker {
	return &RetentionWorker{store: store, policy: pol}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "retention" }

// Run performs an initial cleanup, then repeats on the policy interval
// until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	w.cleanup(ctx)
	for {
		timer := time.NewTimer(w.policy.Current().CleanupInterval)
		select {
		case <-timer.C:
			w.cleanup(ctx)
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (w *RetentionWorker) cleanup(ctx context.Context) {
	pol := w.policy.Current()
	cutoff := time.Now().UTC().AddDate(0, 0, -pol.RetentionDays)
	removed, err := w.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "retention cleanup failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		slog.Info("retention cleanup completed",
			"removed", removed, "retention_days", pol.RetentionDays)
	}
}

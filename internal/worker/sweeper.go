package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/pylon/internal/ratelimit"
)

const sweepInterval = time.Minute

// SweepWorker periodically removes idle counter cells so keys that
// stopped sending traffic do not leak memory.
type SweepWorker struct {
	bank *ratelimit.Bank
}

// NewSweepWorker creates a SweepWorker over bank.
func NewSweepWorker(bank *ratelimit.Bank) *SweepWorker {
	return &SweepWorker{bank: bank}
}

// Name returns the worker identifier.
func (w *SweepWorker) Name() string { return "ratelimit_sweeper" }

// Run sweeps idle cells every minute until ctx is cancelled.
func (w *SweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := w.bank.Sweep(time.Now()); n > 0 {
				slog.Debug("swept idle rate limit cells", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

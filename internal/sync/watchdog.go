package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultWatchdogInterval is how often stuck jobs are swept
const DefaultWatchdogInterval = time.Minute

// Sweeper requeues running jobs whose deadline has passed
type Sweeper interface {
	SweepOverdue(ctx context.Context) ([]uuid.UUID, error)
}

// Watchdog periodically reclaims jobs a crashed or wedged worker left in
// the running state past their deadline.
type Watchdog struct {
	sweeper  Sweeper
	interval time.Duration
}

// NewWatchdog creates a watchdog with the given sweep cadence; zero means
// the default.
func NewWatchdog(sweeper Sweeper, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{sweeper: sweeper, interval: interval}
}

// Run blocks until the context is canceled
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	ids, err := w.sweeper.SweepOverdue(ctx)
	if err != nil {
		slog.Error("watchdog sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		slog.Warn("requeued job stuck past its deadline", "job_id", id)
	}
}

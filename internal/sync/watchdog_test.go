package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	mu     sync.Mutex
	ids    []uuid.UUID
	err    error
	sweeps int
}

func (f *fakeSweeper) SweepOverdue(_ context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return f.ids, f.err
}

func (f *fakeSweeper) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

func TestWatchdog(t *testing.T) {
	t.Parallel()

	t.Run("sweeps on every tick", func(t *testing.T) {
		t.Parallel()
		sweeper := &fakeSweeper{ids: []uuid.UUID{uuid.New(), uuid.New()}}
		wd := NewWatchdog(sweeper, 10*time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- wd.Run(ctx) }()

		require.Eventually(t, func() bool {
			return sweeper.sweepCount() >= 2
		}, 2*time.Second, 5*time.Millisecond)

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("sweep failures do not stop the loop", func(t *testing.T) {
		t.Parallel()
		sweeper := &fakeSweeper{err: errors.New("db down")}
		wd := NewWatchdog(sweeper, 10*time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- wd.Run(ctx) }()

		require.Eventually(t, func() bool {
			return sweeper.sweepCount() >= 3
		}, 2*time.Second, 5*time.Millisecond)

		cancel()
		<-done
	})

	t.Run("zero interval falls back to the default", func(t *testing.T) {
		t.Parallel()
		wd := NewWatchdog(&fakeSweeper{}, 0)
		assert.Equal(t, DefaultWatchdogInterval, wd.interval)
	})
}

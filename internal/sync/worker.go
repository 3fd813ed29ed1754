package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/searcb/pncp-sync/internal/pncp"
	"github.com/searcb/pncp-sync/internal/telemetry"
)

// Pool defaults
const (
	DefaultWorkers      = 4
	DefaultPollInterval = 2 * time.Second
	DefaultJobTimeout   = 30 * time.Minute
	DefaultMaxRetries   = 5
	DefaultRetryBase    = 30 * time.Second
	maxRetryDelay       = 30 * time.Minute
)

// Queue is the claim-and-settle surface of the job store
type Queue interface {
	Claim(ctx context.Context, jobTimeout time.Duration) (*Job, error)
	MarkSucceeded(ctx context.Context, jobID uuid.UUID) error
	MarkRetry(ctx context.Context, jobID uuid.UUID, delay time.Duration, cause string) error
	MarkDeadLetter(ctx context.Context, jobID uuid.UUID, cause string) error
	RecordDeadLetter(ctx context.Context, dl *DeadLetter) error
}

// Pool runs a fixed set of workers that drain the job queue. Workers poll
// rather than block so a crashed peer's requeued jobs are picked up without
// notification plumbing.
type Pool struct {
	queue   Queue
	runner  *Runner
	metrics *telemetry.SyncMetrics

	workers      int
	pollInterval time.Duration
	jobTimeout   time.Duration
	maxRetries   int
	retryBase    time.Duration
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithWorkers sets the worker count
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPollInterval sets how often an idle worker checks the queue
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithJobTimeout sets the per-job deadline stamped at claim time
func WithJobTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}

// WithMaxRetries sets how many attempts a job gets before dead-lettering
func WithMaxRetries(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryBase sets the base delay of the retry backoff schedule
func WithRetryBase(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.retryBase = d
		}
	}
}

// WithPoolMetrics attaches sync instrumentation
func WithPoolMetrics(m *telemetry.SyncMetrics) PoolOption {
	return func(p *Pool) {
		p.metrics = m
	}
}

// NewPool creates a worker pool over the given queue and runner
func NewPool(queue Queue, runner *Runner, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:        queue,
		runner:       runner,
		workers:      DefaultWorkers,
		pollInterval: DefaultPollInterval,
		jobTimeout:   DefaultJobTimeout,
		maxRetries:   DefaultMaxRetries,
		retryBase:    DefaultRetryBase,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until the context is canceled, then waits for in-flight jobs
// to settle before returning.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("starting sync workers", "workers", p.workers)

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		group.Go(func() error {
			p.workLoop(ctx, worker)
			return nil
		})
	}
	err := group.Wait()
	slog.Info("sync workers stopped")
	return err
}

func (p *Pool) workLoop(ctx context.Context, worker int) {
	for {
		job, err := p.queue.Claim(ctx, p.jobTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to claim job", "worker", worker, "error", err)
		} else if job != nil {
			p.execute(ctx, worker, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// execute runs one claimed job under its deadline and settles its state
func (p *Pool) execute(ctx context.Context, worker int, job *Job) {
	slog.Info("job started",
		"worker", worker,
		"job_id", job.ID,
		"entity_type", job.EntityType,
		"kind", job.Kind,
		"attempt", job.RetryCount+1)

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	start := time.Now()
	err := p.runner.Run(jobCtx, job)
	p.metrics.RecordJobDuration(ctx, string(job.EntityType), time.Since(start), err == nil)

	// settle outside the cancellation scope so a shutdown still records
	// the job's state; the watchdog is only the fallback
	settleCtx := context.WithoutCancel(ctx)
	if err == nil {
		if markErr := p.queue.MarkSucceeded(settleCtx, job.ID); markErr != nil {
			slog.Error("failed to mark job succeeded", "job_id", job.ID, "error", markErr)
		}
		return
	}
	p.settleFailure(settleCtx, job, err)
}

// settleFailure classifies a job-level error into retry or dead letter
func (p *Pool) settleFailure(ctx context.Context, job *Job, cause error) {
	attempt := job.RetryCount + 1

	switch {
	case interrupted(cause):
		// shutdown, not a real failure; requeue for immediate pickup
		if markErr := p.queue.MarkRetry(ctx, job.ID, 0, "interrupted by shutdown"); markErr != nil {
			slog.Error("failed to requeue interrupted job", "job_id", job.ID, "error", markErr)
		}

	case pncp.IsPermanent(cause):
		p.deadLetterJob(ctx, job, fmt.Sprintf("permanent failure: %v", cause))

	case attempt >= p.maxRetries:
		p.deadLetterJob(ctx, job, fmt.Sprintf("retries exhausted after %d attempts: %v", attempt, cause))

	default:
		delay := p.retryDelay(job.RetryCount)
		if markErr := p.queue.MarkRetry(ctx, job.ID, delay, cause.Error()); markErr != nil {
			slog.Error("failed to schedule retry", "job_id", job.ID, "error", markErr)
			return
		}
		slog.Warn("job failed, retry scheduled",
			"job_id", job.ID,
			"entity_type", job.EntityType,
			"attempt", attempt,
			"retry_in", delay,
			"error", cause)
	}
}

// deadLetterJob parks the job and preserves its failure for replay
func (p *Pool) deadLetterJob(ctx context.Context, job *Job, reason string) {
	if err := p.queue.MarkDeadLetter(ctx, job.ID, reason); err != nil {
		slog.Error("failed to dead-letter job", "job_id", job.ID, "error", err)
		return
	}
	dl := &DeadLetter{
		EntityType: job.EntityType,
		ExternalID: job.ExternalID,
		Reason:     reason,
	}
	if err := p.queue.RecordDeadLetter(ctx, dl); err != nil {
		slog.Error("failed to record job dead letter", "job_id", job.ID, "error", err)
	}
	p.metrics.RecordDeadLetter(ctx, string(job.EntityType), "job")
	slog.Error("job dead-lettered",
		"job_id", job.ID,
		"entity_type", job.EntityType,
		"kind", job.Kind,
		"reason", reason)
}

// retryDelay doubles the base per prior attempt with 20% jitter, capped
func (p *Pool) retryDelay(retryCount int) time.Duration {
	delay := p.retryBase
	for i := 0; i < retryCount && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 5)) //nolint:gosec // jitter, not crypto
	return delay + jitter
}

// interrupted reports whether the error is only the shutdown signal
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}

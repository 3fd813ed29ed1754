// Package sync contains the synchronization engine: the job model, the
// runner that executes one job, the worker pool draining the queue, the
// scheduler that produces jobs, and the watchdog that reclaims stuck ones.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/searcb/pncp-sync/internal/domaincache"
	"github.com/searcb/pncp-sync/internal/pncp"
	"github.com/searcb/pncp-sync/internal/telemetry"
	"github.com/searcb/pncp-sync/internal/transform"
)

// EntityReference is the pseudo entity type carried by domain refresh jobs
const EntityReference = pncp.EntityType("reference")

// DefaultBatchSize is how many canonical records go into one upsert
// transaction
const DefaultBatchSize = 100

// Fetcher pulls raw data from the upstream registry
type Fetcher interface {
	FetchPage(ctx context.Context, entityType pncp.EntityType, filters pncp.Filters, page, pageSize int) (*pncp.Page, error)
	FetchRecord(ctx context.Context, entityType pncp.EntityType, externalID string) (*pncp.RawRecord, error)
	FetchCodes(ctx context.Context, path string) ([]pncp.Code, error)
}

// Datastore is the persistence surface the runner writes to
type Datastore interface {
	Upsert(ctx context.Context, rec *transform.CanonicalRecord) (UpsertOutcome, error)
	UpsertBatch(ctx context.Context, recs []*transform.CanonicalRecord) (BatchResult, error)
	RecordDeadLetter(ctx context.Context, dl *DeadLetter) error
	RecordSummary(ctx context.Context, sum *Summary) error
	ReplaceCategory(ctx context.Context, category string, mapping map[int]string) error
}

// Invalidator drops cached reference categories after a domain refresh
type Invalidator interface {
	Invalidate(category string)
}

// referencePaths maps reference categories to their upstream code endpoints
var referencePaths = map[string]string{
	domaincache.CategoryModalities:    "v1/modalidades",
	domaincache.CategorySituations:    "v1/situacoes-compra",
	domaincache.CategoryContractTypes: "v1/tipos-contrato",
	domaincache.CategoryLegalBases:    "v1/amparos-legais",
}

// Runner executes a single sync job end to end
type Runner struct {
	fetcher     Fetcher
	datastore   Datastore
	transformer *transform.Transformer
	invalidator Invalidator
	metrics     *telemetry.SyncMetrics
	batchSize   int
	pageSize    int
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithBatchSize sets how many records are upserted per transaction
func WithBatchSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithPageSize sets the upstream page size requested per fetch
func WithPageSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithSyncMetrics attaches sync instrumentation
func WithSyncMetrics(m *telemetry.SyncMetrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithInvalidator attaches the cache to invalidate after domain refreshes
func WithInvalidator(inv Invalidator) RunnerOption {
	return func(r *Runner) {
		r.invalidator = inv
	}
}

// NewRunner creates a job runner
func NewRunner(fetcher Fetcher, datastore Datastore, transformer *transform.Transformer, opts ...RunnerOption) *Runner {
	r := &Runner{
		fetcher:     fetcher,
		datastore:   datastore,
		transformer: transformer,
		batchSize:   DefaultBatchSize,
		pageSize:    pncp.MaxPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one job. The returned error is the job-level failure the
// worker classifies into retry or dead letter; record-level validation
// failures are dead-lettered inside the run and do not fail the job.
func (r *Runner) Run(ctx context.Context, job *Job) error {
	switch job.Kind {
	case KindWebhook:
		return r.runRecord(ctx, job)
	case KindDomain:
		return r.runDomain(ctx, job)
	default:
		return r.runFull(ctx, job)
	}
}

// runFull walks every upstream page for the job's entity type in order,
// transforming and upserting in batches. Cancellation is honored between
// pages so a shutdown never abandons a half-written batch.
func (r *Runner) runFull(ctx context.Context, job *Job) error {
	sum := &Summary{
		JobID:      job.ID,
		EntityType: job.EntityType,
		StartedAt:  time.Now(),
	}
	filters := pncp.Filters{Year: job.Year}

	page := 1
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync of %s interrupted at page %d: %w", job.EntityType, page, err)
		}

		result, err := r.fetcher.FetchPage(ctx, job.EntityType, filters, page, r.pageSize)
		if err != nil {
			return fmt.Errorf("failed to fetch %s page %d: %w", job.EntityType, page, err)
		}
		sum.Pages++

		if err := r.ingestPage(ctx, job, result.Records, sum); err != nil {
			return err
		}

		if result.Empty || result.PagesRemaining == 0 {
			break
		}
		page++
	}

	sum.FinishedAt = time.Now()
	r.recordTallies(ctx, job.EntityType, sum)

	if err := r.datastore.RecordSummary(ctx, sum); err != nil {
		return err
	}

	slog.Info("sync run finished",
		"job_id", job.ID,
		"entity_type", job.EntityType,
		"pages", sum.Pages,
		"inserted", sum.Inserted,
		"updated", sum.Updated,
		"unchanged", sum.Unchanged,
		"failed", sum.Failed,
		"duration", sum.Duration())
	return nil
}

// ingestPage transforms one page of raw records and upserts the valid ones
// in batches. Invalid records are dead-lettered and counted as failed.
func (r *Runner) ingestPage(ctx context.Context, job *Job, records []pncp.RawRecord, sum *Summary) error {
	batch := make([]*transform.CanonicalRecord, 0, r.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		result, err := r.datastore.UpsertBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to upsert %s batch: %w", job.EntityType, err)
		}
		sum.Inserted += result.Inserted
		sum.Updated += result.Updated
		sum.Unchanged += result.Unchanged
		batch = batch[:0]
		return nil
	}

	for _, raw := range records {
		rec, err := r.transformer.Transform(ctx, raw)
		if err != nil {
			if !r.deadLetterInvalid(ctx, job, raw, err) {
				return err
			}
			sum.Failed++
			continue
		}
		batch = append(batch, rec)
		if len(batch) >= r.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// deadLetterInvalid parks a record that failed validation. Returns false for
// non-validation errors, which must fail the job instead.
func (r *Runner) deadLetterInvalid(ctx context.Context, job *Job, raw pncp.RawRecord, cause error) bool {
	var verr *transform.ValidationError
	if !errors.As(cause, &verr) {
		return false
	}

	dl := &DeadLetter{
		EntityType: raw.EntityType,
		ExternalID: raw.ExternalID,
		Reason:     verr.Error(),
		Payload:    raw.Payload,
	}
	if err := r.datastore.RecordDeadLetter(ctx, dl); err != nil {
		slog.Error("failed to record dead letter",
			"entity_type", raw.EntityType,
			"external_id", raw.ExternalID,
			"error", err)
		return true
	}

	r.metrics.RecordDeadLetter(ctx, string(raw.EntityType), "validation")
	slog.Warn("record failed validation, dead-lettered",
		"job_id", job.ID,
		"entity_type", raw.EntityType,
		"external_id", raw.ExternalID,
		"reason", verr.Reason)
	return true
}

// runRecord refreshes the single record a webhook notification named
func (r *Runner) runRecord(ctx context.Context, job *Job) error {
	raw, err := r.fetcher.FetchRecord(ctx, job.EntityType, job.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to fetch %s record %s: %w", job.EntityType, job.ExternalID, err)
	}

	rec, err := r.transformer.Transform(ctx, *raw)
	if err != nil {
		if r.deadLetterInvalid(ctx, job, *raw, err) {
			// the record is parked; the job itself did its work
			return nil
		}
		return err
	}

	outcome, err := r.datastore.Upsert(ctx, rec)
	if err != nil {
		return err
	}

	r.metrics.RecordRecords(ctx, string(job.EntityType), string(outcome), 1)

	slog.Info("webhook record refreshed",
		"job_id", job.ID,
		"entity_type", job.EntityType,
		"external_id", job.ExternalID,
		"outcome", outcome)
	return nil
}

// runDomain refreshes every reference code table from upstream and drops the
// cached copies so the next lookup sees the new taxonomy.
func (r *Runner) runDomain(ctx context.Context, job *Job) error {
	for _, category := range domaincache.KnownCategories() {
		path, ok := referencePaths[category]
		if !ok {
			return fmt.Errorf("no upstream path for reference category %s", category)
		}

		codes, err := r.fetcher.FetchCodes(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to fetch reference category %s: %w", category, err)
		}
		if len(codes) == 0 {
			slog.Warn("upstream returned no codes, keeping current table", "category", category)
			continue
		}

		mapping := make(map[int]string, len(codes))
		for _, code := range codes {
			mapping[code.ID] = code.Name
		}
		if err := r.datastore.ReplaceCategory(ctx, category, mapping); err != nil {
			return err
		}
		if r.invalidator != nil {
			r.invalidator.Invalidate(category)
		}

		slog.Info("reference category refreshed",
			"job_id", job.ID,
			"category", category,
			"codes", len(mapping))
	}
	return nil
}

func (r *Runner) recordTallies(ctx context.Context, entityType pncp.EntityType, sum *Summary) {
	r.metrics.RecordRecords(ctx, string(entityType), string(OutcomeInserted), int64(sum.Inserted))
	r.metrics.RecordRecords(ctx, string(entityType), string(OutcomeUpdated), int64(sum.Updated))
	r.metrics.RecordRecords(ctx, string(entityType), string(OutcomeUnchanged), int64(sum.Unchanged))
	r.metrics.RecordRecords(ctx, string(entityType), "failed", int64(sum.Failed))
}

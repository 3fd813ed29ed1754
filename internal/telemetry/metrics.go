// Package telemetry provides OpenTelemetry instrumentation for the sync engine.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// FetchMetricsMeterName is the name used for the upstream fetch meter
	FetchMetricsMeterName = "github.com/searcb/pncp-sync/fetch"

	// SyncMetricsMeterName is the name used for the sync job meter
	SyncMetricsMeterName = "github.com/searcb/pncp-sync/sync"

	// CacheMetricsMeterName is the name used for the domain cache meter
	CacheMetricsMeterName = "github.com/searcb/pncp-sync/cache"
)

// FetchMetrics holds the OpenTelemetry instruments for upstream fetch metrics
type FetchMetrics struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
}

// NewFetchMetrics creates a new FetchMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewFetchMetrics(provider metric.MeterProvider) (*FetchMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(FetchMetricsMeterName)

	requestDuration, err := meter.Float64Histogram(
		"pncp_sync_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream PNCP requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	requestsTotal, err := meter.Int64Counter(
		"pncp_sync_fetch_requests_total",
		metric.WithDescription("Total number of upstream PNCP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &FetchMetrics{
		requestDuration: requestDuration,
		requestsTotal:   requestsTotal,
	}, nil
}

// RecordFetch records one upstream call observation.
// A status of 0 means the request never left (rate limiter or transport failure).
func (m *FetchMetrics) RecordFetch(ctx context.Context, entityType string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("entity_type", entityType),
		attribute.Int("status", status),
	}

	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// SyncMetrics holds the OpenTelemetry instruments for sync job metrics
type SyncMetrics struct {
	jobDuration  metric.Float64Histogram
	recordsTotal metric.Int64Counter
	deadLetters  metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	jobDuration, err := meter.Float64Histogram(
		"pncp_sync_job_duration_seconds",
		metric.WithDescription("Duration of sync jobs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	recordsTotal, err := meter.Int64Counter(
		"pncp_sync_records_total",
		metric.WithDescription("Records processed by sync jobs, by outcome"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter(
		"pncp_sync_dead_letters_total",
		metric.WithDescription("Units routed to the dead-letter store"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		jobDuration:  jobDuration,
		recordsTotal: recordsTotal,
		deadLetters:  deadLetters,
	}, nil
}

// RecordJobDuration records the duration and outcome of one sync job
func (m *SyncMetrics) RecordJobDuration(ctx context.Context, entityType string, duration time.Duration, success bool) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("entity_type", entityType),
		attribute.Bool("success", success),
	}

	m.jobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRecords adds processed record counts for one outcome
// (inserted, updated, unchanged, failed)
func (m *SyncMetrics) RecordRecords(ctx context.Context, entityType, outcome string, count int64) {
	if m == nil || count == 0 {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("entity_type", entityType),
		attribute.String("outcome", outcome),
	}

	m.recordsTotal.Add(ctx, count, metric.WithAttributes(attrs...))
}

// RecordDeadLetter counts one unit routed to the dead-letter store
func (m *SyncMetrics) RecordDeadLetter(ctx context.Context, entityType, failureClass string) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("entity_type", entityType),
		attribute.String("failure_class", failureClass),
	}

	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// CacheMetrics holds the OpenTelemetry instruments for domain cache metrics
type CacheMetrics struct {
	lookupsTotal metric.Int64Counter
	reloadsTotal metric.Int64Counter
}

// NewCacheMetrics creates a new CacheMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewCacheMetrics(provider metric.MeterProvider) (*CacheMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(CacheMetricsMeterName)

	lookupsTotal, err := meter.Int64Counter(
		"pncp_sync_cache_lookups_total",
		metric.WithDescription("Domain cache lookups, by result (hit, stale, miss)"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	reloadsTotal, err := meter.Int64Counter(
		"pncp_sync_cache_reloads_total",
		metric.WithDescription("Domain cache reload attempts"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{
		lookupsTotal: lookupsTotal,
		reloadsTotal: reloadsTotal,
	}, nil
}

// RecordLookup records one cache lookup with its result (hit, stale, miss)
func (m *CacheMetrics) RecordLookup(ctx context.Context, category, result string) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("category", category),
		attribute.String("result", result),
	}

	m.lookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReload records one cache reload attempt
func (m *CacheMetrics) RecordReload(ctx context.Context, category string, success bool) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("category", category),
		attribute.Bool("success", success),
	}

	m.reloadsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

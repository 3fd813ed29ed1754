package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/searcb/pncp-sync/internal/pncp"
)

// Scheduler defaults
const (
	DefaultInterval       = 24 * time.Hour
	DefaultDomainInterval = 7 * 24 * time.Hour
	schedulerLease        = "scheduler"
)

// ErrSyncActive is returned when a trigger is coalesced into a sync that is
// already pending or running for the entity type.
var ErrSyncActive = errors.New("a sync for this entity type is already active")

// SchedulerStore is the persistence surface the scheduler needs
type SchedulerStore interface {
	Enqueue(ctx context.Context, job *Job) error
	HasActive(ctx context.Context, entityType pncp.EntityType) (bool, error)
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Scheduler periodically enqueues full-sync jobs for each configured entity
// type and a weekly refresh of the reference code tables. A database lease
// keeps replicas from double-scheduling; the active-job check coalesces
// triggers that land while a sync is still in flight.
type Scheduler struct {
	store       SchedulerStore
	entityTypes []pncp.EntityType
	holder      string

	interval       time.Duration
	domainInterval time.Duration

	// now and jitter are test seams
	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithInterval sets the full-sync cadence
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithDomainInterval sets the reference table refresh cadence
func WithDomainInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.domainInterval = d
		}
	}
}

// NewScheduler creates a scheduler for the given entity types
func NewScheduler(store SchedulerStore, entityTypes []pncp.EntityType, opts ...SchedulerOption) *Scheduler {
	hostname, _ := os.Hostname()
	s := &Scheduler{
		store:          store,
		entityTypes:    entityTypes,
		holder:         fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		interval:       DefaultInterval,
		domainInterval: DefaultDomainInterval,
		now:            time.Now,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max))) //nolint:gosec // schedule smear, not crypto
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until the context is canceled. Ticks are smeared with up to 10%
// jitter so replicas do not stampede the lease at the same instant.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("starting scheduler",
		"holder", s.holder,
		"interval", s.interval,
		"domain_interval", s.domainInterval,
		"entity_types", s.entityTypes)

	// first full sync shortly after startup rather than a whole interval out
	next := time.NewTimer(s.jitter(s.interval / 10))
	defer next.Stop()

	domainTick := time.NewTicker(s.domainInterval)
	defer domainTick.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return ctx.Err()

		case <-next.C:
			s.tick(ctx)
			next.Reset(s.interval + s.jitter(s.interval/10))

		case <-domainTick.C:
			s.scheduleDomain(ctx)
		}
	}
}

// tick enqueues one full-sync job per entity type, guarded by the lease
func (s *Scheduler) tick(ctx context.Context) {
	acquired, err := s.store.AcquireLease(ctx, schedulerLease, s.holder, s.interval/2)
	if err != nil {
		slog.Error("failed to acquire scheduler lease", "error", err)
		return
	}
	if !acquired {
		slog.Debug("scheduler lease held elsewhere, skipping tick")
		return
	}
	defer func() {
		if err := s.store.ReleaseLease(ctx, schedulerLease, s.holder); err != nil {
			slog.Error("failed to release scheduler lease", "error", err)
		}
	}()

	for _, entityType := range s.entityTypes {
		if _, err := s.schedule(ctx, entityType, KindScheduled); err != nil {
			if errors.Is(err, ErrSyncActive) {
				slog.Info("sync still active, trigger coalesced", "entity_type", entityType)
				continue
			}
			slog.Error("failed to schedule sync", "entity_type", entityType, "error", err)
		}
	}
}

// scheduleDomain enqueues the reference table refresh
func (s *Scheduler) scheduleDomain(ctx context.Context) {
	job := &Job{
		ID:         uuid.New(),
		EntityType: EntityReference,
		Kind:       KindDomain,
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		if errors.Is(err, ErrSyncActive) {
			slog.Info("domain refresh still active, tick coalesced")
			return
		}
		slog.Error("failed to schedule domain refresh", "error", err)
		return
	}
	slog.Info("domain refresh scheduled", "job_id", job.ID)
}

// Trigger enqueues a manual full sync for one entity type. Returns
// ErrSyncActive when one is already pending or running.
func (s *Scheduler) Trigger(ctx context.Context, entityType pncp.EntityType) (*Job, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	return s.schedule(ctx, entityType, KindManual)
}

// schedule enqueues one full-sync job. HasActive is only a fast path to
// spare the insert; the store's unique index is what holds the at-most-one
// invariant when two triggers race past the check, surfacing as
// ErrSyncActive from Enqueue.
func (s *Scheduler) schedule(ctx context.Context, entityType pncp.EntityType, kind JobKind) (*Job, error) {
	active, err := s.store.HasActive(ctx, entityType)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, fmt.Errorf("%s: %w", entityType, ErrSyncActive)
	}

	job := &Job{
		ID:         uuid.New(),
		EntityType: entityType,
		Kind:       kind,
		Year:       s.now().Year(),
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	slog.Info("sync scheduled",
		"job_id", job.ID,
		"entity_type", entityType,
		"kind", kind,
		"year", job.Year)
	return job, nil
}

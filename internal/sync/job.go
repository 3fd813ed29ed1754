package sync

import (
	"time"

	"github.com/google/uuid"

	"github.com/searcb/pncp-sync/internal/pncp"
)

// JobKind identifies what triggered a sync job
type JobKind string

// Job trigger kinds
const (
	KindScheduled JobKind = "scheduled"
	KindWebhook   JobKind = "webhook"
	KindManual    JobKind = "manual"
	KindDomain    JobKind = "domain"
)

// JobState is the lifecycle state of a sync job
type JobState string

// Job lifecycle states
const (
	StatePending         JobState = "pending"
	StateRunning         JobState = "running"
	StateSucceeded       JobState = "succeeded"
	StateFailedRetryable JobState = "failed_retryable"
	StateDeadLetter      JobState = "dead_letter"
)

// Job is one unit of synchronization work. A scheduled or manual job walks
// every upstream page for its entity type; a webhook job targets a single
// record identified by ExternalID; a domain job refreshes the reference
// code tables.
type Job struct {
	ID         uuid.UUID
	EntityType pncp.EntityType
	Kind       JobKind

	// ExternalID is set only for webhook jobs
	ExternalID string

	// Year scopes a scheduled job to one yearly partition; zero means all
	Year int

	State      JobState
	RetryCount int

	// NextAttemptAt gates retryable jobs; a job is claimable once it passes
	NextAttemptAt time.Time

	// Deadline is set when the job is claimed. The watchdog fails jobs
	// still running past it.
	Deadline time.Time

	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the job can no longer run
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateDeadLetter
}

// Summary is the per-run outcome tally persisted when a job finishes
type Summary struct {
	JobID      uuid.UUID
	EntityType pncp.EntityType
	Inserted   int
	Updated    int
	Unchanged  int
	Failed     int
	Pages      int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall-clock run time of the summarized job
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Total returns the number of records the run touched
func (s *Summary) Total() int {
	return s.Inserted + s.Updated + s.Unchanged + s.Failed
}

// UpsertOutcome classifies what an upsert did to the canonical row
type UpsertOutcome string

// Upsert outcomes
const (
	OutcomeInserted  UpsertOutcome = "inserted"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// BatchResult tallies the outcomes of one batch upsert
type BatchResult struct {
	Inserted  int
	Updated   int
	Unchanged int
}

// Add merges another result into the receiver
func (r *BatchResult) Add(other BatchResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
}

// DeadLetter preserves a record or job that exhausted its retries or failed
// validation, together with enough context to replay it after a fix.
type DeadLetter struct {
	ID         uuid.UUID
	EntityType pncp.EntityType
	ExternalID string
	Reason     string
	Payload    []byte
	CreatedAt  time.Time
}

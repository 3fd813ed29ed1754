package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searcb/pncp-sync/internal/pncp"
	syncpkg "github.com/searcb/pncp-sync/internal/sync"
)

func fullSyncJob(entityType pncp.EntityType) *syncpkg.Job {
	return &syncpkg.Job{
		ID:         uuid.New(),
		EntityType: entityType,
		Kind:       syncpkg.KindScheduled,
		Year:       2026,
	}
}

func webhookJob(entityType pncp.EntityType, externalID string) *syncpkg.Job {
	return &syncpkg.Job{
		ID:         uuid.New(),
		EntityType: entityType,
		Kind:       syncpkg.KindWebhook,
		ExternalID: externalID,
		Year:       2026,
	}
}

func TestEnqueueHoldsOneFullSync(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, fullSyncJob(pncp.EntityContratacao)))

	// a second live full sync for the same entity type trips the index
	err := st.Enqueue(ctx, fullSyncJob(pncp.EntityContratacao))
	require.ErrorIs(t, err, syncpkg.ErrSyncActive)

	// other entity types are unaffected
	require.NoError(t, st.Enqueue(ctx, fullSyncJob(pncp.EntityAta)))

	// webhook jobs carry an external id and never coalesce with full syncs
	require.NoError(t, st.Enqueue(ctx, webhookJob(pncp.EntityContratacao, "00000000000191-1-000001/2026")))
	require.NoError(t, st.Enqueue(ctx, webhookJob(pncp.EntityContratacao, "00000000000191-1-000002/2026")))

	// a running job still occupies the slot; a finished one frees it
	claimed, err := st.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, pncp.EntityContratacao, claimed.EntityType)

	err = st.Enqueue(ctx, fullSyncJob(pncp.EntityContratacao))
	require.ErrorIs(t, err, syncpkg.ErrSyncActive)

	require.NoError(t, st.MarkSucceeded(ctx, claimed.ID))
	require.NoError(t, st.Enqueue(ctx, fullSyncJob(pncp.EntityContratacao)))
}

func TestClaimAndSettle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	job := fullSyncJob(pncp.EntityContratacao)
	require.NoError(t, st.Enqueue(ctx, job))

	claimed, err := st.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, syncpkg.StateRunning, claimed.State)
	assert.WithinDuration(t, time.Now().Add(time.Minute), claimed.Deadline, 10*time.Second)

	// the claim moved it out of the runnable set
	second, err := st.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	// a retry in the future keeps it parked
	require.NoError(t, st.MarkRetry(ctx, claimed.ID, time.Hour, "upstream returned 503"))
	parked, err := st.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, parked)

	got, err := st.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, syncpkg.StateFailedRetryable, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "upstream returned 503", got.LastError)

	// an immediate retry is claimable again
	require.NoError(t, st.MarkRetry(ctx, claimed.ID, 0, "upstream returned 503"))
	again, err := st.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, claimed.ID, again.ID)

	require.NoError(t, st.MarkDeadLetter(ctx, again.ID, "retries exhausted after 3 attempts"))
	final, err := st.GetJob(ctx, again.ID)
	require.NoError(t, err)
	assert.Equal(t, syncpkg.StateDeadLetter, final.State)
	assert.Equal(t, "retries exhausted after 3 attempts", final.LastError)
}

func TestClaimOrdersByAge(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	first := webhookJob(pncp.EntityContratacao, "00000000000191-1-000001/2026")
	require.NoError(t, st.Enqueue(ctx, first))
	second := webhookJob(pncp.EntityContratacao, "00000000000191-1-000002/2026")
	require.NoError(t, st.Enqueue(ctx, second))

	claimed, err := st.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
}

func TestSweepOverdue(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	job := fullSyncJob(pncp.EntityContratacao)
	require.NoError(t, st.Enqueue(ctx, job))

	claimed, err := st.Claim(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	time.Sleep(100 * time.Millisecond)

	swept, err := st.SweepOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, job.ID, swept[0])

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, syncpkg.StateFailedRetryable, got.State)
	assert.Equal(t, "job deadline exceeded", got.LastError)

	// nothing overdue on a second pass
	swept, err = st.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestHasActive(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	active, err := st.HasActive(ctx, pncp.EntityContratacao)
	require.NoError(t, err)
	assert.False(t, active)

	// webhook jobs do not count as an active full sync
	require.NoError(t, st.Enqueue(ctx, webhookJob(pncp.EntityContratacao, "00000000000191-1-000001/2026")))
	active, err = st.HasActive(ctx, pncp.EntityContratacao)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, st.Enqueue(ctx, fullSyncJob(pncp.EntityContratacao)))
	active, err = st.HasActive(ctx, pncp.EntityContratacao)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestHasRecentWebhookJob(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	externalID := "00000000000191-1-000001/2026"
	require.NoError(t, st.Enqueue(ctx, webhookJob(pncp.EntityContratacao, externalID)))

	recent, err := st.HasRecentWebhookJob(ctx, pncp.EntityContratacao, externalID, time.Hour)
	require.NoError(t, err)
	assert.True(t, recent)

	recent, err = st.HasRecentWebhookJob(ctx, pncp.EntityContratacao, "00000000000191-1-000099/2026", time.Hour)
	require.NoError(t, err)
	assert.False(t, recent)

	time.Sleep(50 * time.Millisecond)
	recent, err = st.HasRecentWebhookJob(ctx, pncp.EntityContratacao, externalID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, recent)
}

func TestSummaries(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	latest, err := st.LatestSummary(ctx, pncp.EntityContratacao)
	require.NoError(t, err)
	assert.Nil(t, latest)

	started := time.Now().Add(-time.Minute).UTC()
	sum := &syncpkg.Summary{
		JobID:      uuid.New(),
		EntityType: pncp.EntityContratacao,
		Inserted:   100,
		Updated:    20,
		Unchanged:  380,
		Failed:     2,
		Pages:      2,
		StartedAt:  started,
		FinishedAt: started.Add(30 * time.Second),
	}
	require.NoError(t, st.RecordSummary(ctx, sum))

	latest, err = st.LatestSummary(ctx, pncp.EntityContratacao)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, sum.JobID, latest.JobID)
	assert.Equal(t, 100, latest.Inserted)
	assert.Equal(t, 502, latest.Total())
	assert.WithinDuration(t, sum.FinishedAt, latest.FinishedAt, time.Second)
}

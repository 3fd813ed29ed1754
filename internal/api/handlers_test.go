package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"

	"github.com/searcb/pncp-sync/internal/domaincache"
	"github.com/searcb/pncp-sync/internal/pncp"
	syncpkg "github.com/searcb/pncp-sync/internal/sync"
)

type fakeTrigger struct {
	job *syncpkg.Job
	err error
}

func (f *fakeTrigger) Trigger(_ context.Context, entityType pncp.EntityType) (*syncpkg.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.job == nil {
		f.job = &syncpkg.Job{
			ID:         uuid.New(),
			EntityType: entityType,
			Kind:       syncpkg.KindManual,
			State:      syncpkg.StatePending,
		}
	}
	return f.job, nil
}

type fakeStatuser struct {
	summary      *syncpkg.Summary
	jobs         []*syncpkg.Job
	count        int64
	deadLetters  []*syncpkg.DeadLetter
	deleteErr    error
	deletedID    uuid.UUID
	refUpdates   map[string]string
	refUpdateErr error
	pingErr      error

	listedEntity pncp.EntityType
	listedLimit  int
}

func (f *fakeStatuser) LatestSummary(_ context.Context, _ pncp.EntityType) (*syncpkg.Summary, error) {
	return f.summary, nil
}

func (f *fakeStatuser) ListJobs(_ context.Context, _ pncp.EntityType, _ int) ([]*syncpkg.Job, error) {
	return f.jobs, nil
}

func (f *fakeStatuser) CountRecords(_ context.Context, _ string) (int64, error) {
	return f.count, nil
}

func (f *fakeStatuser) ListDeadLetters(_ context.Context, entityType pncp.EntityType, limit int) ([]*syncpkg.DeadLetter, error) {
	f.listedEntity = entityType
	f.listedLimit = limit
	return f.deadLetters, nil
}

func (f *fakeStatuser) DeleteDeadLetter(_ context.Context, id uuid.UUID) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletedID = id
	return nil
}

func (f *fakeStatuser) UpdateReferenceCode(_ context.Context, category string, code int, name string) error {
	if f.refUpdateErr != nil {
		return f.refUpdateErr
	}
	if f.refUpdates == nil {
		f.refUpdates = make(map[string]string)
	}
	f.refUpdates[fmt.Sprintf("%s/%d", category, code)] = name
	return nil
}

func (f *fakeStatuser) Ping() error {
	return f.pingErr
}

type fakeCache struct {
	invalidated []string
}

func (f *fakeCache) Invalidate(category string) {
	f.invalidated = append(f.invalidated, category)
}

type fixture struct {
	trigger *fakeTrigger
	store   *fakeStatuser
	cache   *fakeCache
	router  http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		trigger: &fakeTrigger{},
		store:   &fakeStatuser{},
		cache:   &fakeCache{},
	}
	f.router = NewServer(NewHandlers(f.trigger, f.store, f.cache, "test"))
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("healthz", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodGet, "/healthz", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		payload := decodeBody(t, rec)
		assert.Equal(t, "ok", payload["status"])
		assert.Equal(t, "test", payload["version"])
	})

	t.Run("readyz ready", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodGet, "/readyz", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readyz database down", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.store.pingErr = errors.New("dial refused")

		rec := f.do(t, http.MethodGet, "/readyz", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "unavailable", decodeBody(t, rec)["status"])
	})
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodPost, "/admin/sync/contratacao", "")

		assert.Equal(t, http.StatusAccepted, rec.Code)
		payload := decodeBody(t, rec)
		assert.Equal(t, "contratacao", payload["entityType"])
		assert.NotEmpty(t, payload["jobId"])
	})

	t.Run("unknown entity type", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodPost, "/admin/sync/fornecedor", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("already active", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.trigger.err = fmt.Errorf("contratacao: %w", syncpkg.ErrSyncActive)

		rec := f.do(t, http.MethodPost, "/admin/sync/contratacao", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.trigger.err = errors.New("db down")

		rec := f.do(t, http.MethodPost, "/admin/sync/contratacao", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestSyncStatus(t *testing.T) {
	t.Parallel()

	t.Run("full payload", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		jobID := uuid.New()
		f.store.count = 1234
		f.store.summary = &syncpkg.Summary{
			JobID:      jobID,
			EntityType: pncp.EntityContratacao,
			Inserted:   10,
			Updated:    5,
			Unchanged:  85,
			Failed:     2,
			Pages:      3,
			StartedAt:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
			FinishedAt: time.Date(2026, 5, 1, 12, 4, 0, 0, time.UTC),
		}
		f.store.jobs = []*syncpkg.Job{{
			ID:         jobID,
			Kind:       syncpkg.KindScheduled,
			State:      syncpkg.StateSucceeded,
			RetryCount: 1,
			CreatedAt:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		}}

		rec := f.do(t, http.MethodGet, "/admin/sync/contratacao", "")
		require.Equal(t, http.StatusOK, rec.Code)

		payload := decodeBody(t, rec)
		assert.Equal(t, float64(1234), payload["recordCount"])

		lastRun, ok := payload["lastRun"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(10), lastRun["inserted"])
		assert.Equal(t, jobID.String(), lastRun["jobId"])

		jobs, ok := payload["recentJobs"].([]any)
		require.True(t, ok)
		require.Len(t, jobs, 1)
	})

	t.Run("no runs yet", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodGet, "/admin/sync/ata", "")
		require.Equal(t, http.StatusOK, rec.Code)

		payload := decodeBody(t, rec)
		assert.NotContains(t, payload, "lastRun")
		assert.Empty(t, payload["recentJobs"])
	})

	t.Run("unknown entity type", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodGet, "/admin/sync/fornecedor", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestInvalidateCache(t *testing.T) {
	t.Parallel()

	t.Run("known category", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodDelete, "/admin/cache/"+domaincache.CategoryModalities, "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{domaincache.CategoryModalities}, f.cache.invalidated)
	})

	t.Run("unknown category", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodDelete, "/admin/cache/nope", "")

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, f.cache.invalidated)
	})
}

func TestListDeadLetters(t *testing.T) {
	t.Parallel()

	t.Run("lists with defaults", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.store.deadLetters = []*syncpkg.DeadLetter{{
			ID:         uuid.New(),
			EntityType: pncp.EntityContratacao,
			ExternalID: "x-1/2026",
			Reason:     "invalid tax id",
			Payload:    []byte(`{"a":1}`),
			CreatedAt:  time.Now(),
		}}

		rec := f.do(t, http.MethodGet, "/admin/dead-letters", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 50, f.store.listedLimit)

		payload := decodeBody(t, rec)
		letters, ok := payload["deadLetters"].([]any)
		require.True(t, ok)
		require.Len(t, letters, 1)
	})

	t.Run("entity filter and limit", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodGet, "/admin/dead-letters?entityType=ata&limit=5", "")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, pncp.EntityAta, f.store.listedEntity)
		assert.Equal(t, 5, f.store.listedLimit)
	})

	t.Run("reference pseudo entity is allowed", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodGet, "/admin/dead-letters?entityType=reference", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("bad entity filter", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodGet, "/admin/dead-letters?entityType=fornecedor", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("limit out of range", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodGet, "/admin/dead-letters?limit=5000", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDeleteDeadLetter(t *testing.T) {
	t.Parallel()

	t.Run("deleted", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		id := uuid.New()

		rec := f.do(t, http.MethodDelete, "/admin/dead-letters/"+id.String(), "")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, id, f.store.deletedID)
	})

	t.Run("bad id", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodDelete, "/admin/dead-letters/not-a-uuid", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.store.deleteErr = errors.New("no rows")

		rec := f.do(t, http.MethodDelete, "/admin/dead-letters/"+uuid.NewString(), "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUpdateReferenceCode(t *testing.T) {
	t.Parallel()

	path := "/admin/reference/" + domaincache.CategoryModalities + "/99"

	t.Run("upserts and invalidates", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodPut, path, `{"name":"Nova Modalidade"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Nova Modalidade", f.store.refUpdates[domaincache.CategoryModalities+"/99"])
		assert.Equal(t, []string{domaincache.CategoryModalities}, f.cache.invalidated)
	})

	t.Run("unknown category", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodPut, "/admin/reference/nope/99", `{"name":"x"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad code", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodPut, "/admin/reference/"+domaincache.CategoryModalities+"/zero", `{"name":"x"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing name", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		rec := f.do(t, http.MethodPut, path, `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, f.cache.invalidated)
	})

	t.Run("store failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.store.refUpdateErr = errors.New("db down")

		rec := f.do(t, http.MethodPut, path, `{"name":"x"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Empty(t, f.cache.invalidated)
	})
}

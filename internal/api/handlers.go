package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/searcb/pncp-sync/internal/domaincache"
	"github.com/searcb/pncp-sync/internal/pncp"
	syncpkg "github.com/searcb/pncp-sync/internal/sync"
)

// Trigger starts a manual sync, coalescing with any active one
type Trigger interface {
	Trigger(ctx context.Context, entityType pncp.EntityType) (*syncpkg.Job, error)
}

// Statuser is the read surface the admin endpoints use
type Statuser interface {
	LatestSummary(ctx context.Context, entityType pncp.EntityType) (*syncpkg.Summary, error)
	ListJobs(ctx context.Context, entityType pncp.EntityType, limit int) ([]*syncpkg.Job, error)
	CountRecords(ctx context.Context, entityType string) (int64, error)
	ListDeadLetters(ctx context.Context, entityType pncp.EntityType, limit int) ([]*syncpkg.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id uuid.UUID) error
	UpdateReferenceCode(ctx context.Context, category string, code int, name string) error
	Ping() error
}

// Invalidator drops cached reference categories
type Invalidator interface {
	Invalidate(category string)
}

// Handlers bundles the dependencies behind the admin and health endpoints
type Handlers struct {
	trigger Trigger
	store   Statuser
	cache   Invalidator
	version string
}

// NewHandlers creates the endpoint handlers
func NewHandlers(trigger Trigger, store Statuser, cache Invalidator, version string) *Handlers {
	return &Handlers{
		trigger: trigger,
		store:   store,
		cache:   cache,
		version: version,
	}
}

// Healthz reports process liveness
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Readyz reports readiness, including database connectivity
func (h *Handlers) Readyz(w http.ResponseWriter, _ *http.Request) {
	if err := h.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "database unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// TriggerSync starts a manual full sync for one entity type
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	entityType := pncp.EntityType(chi.URLParam(r, "entityType"))
	if !entityType.Valid() {
		writeError(w, http.StatusNotFound, "unknown entity type")
		return
	}

	job, err := h.trigger.Trigger(r.Context(), entityType)
	if err != nil {
		if errors.Is(err, syncpkg.ErrSyncActive) {
			writeError(w, http.StatusConflict, "a sync for this entity type is already active")
			return
		}
		slog.Error("failed to trigger sync", "entity_type", entityType, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to trigger sync")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":      job.ID.String(),
		"entityType": string(entityType),
		"state":      string(job.State),
	})
}

// syncStatusResponse is the status payload for one entity type
type syncStatusResponse struct {
	EntityType  string          `json:"entityType"`
	RecordCount int64           `json:"recordCount"`
	LastRun     *summaryPayload `json:"lastRun,omitempty"`
	RecentJobs  []jobPayload    `json:"recentJobs"`
}

type summaryPayload struct {
	JobID      string `json:"jobId"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Unchanged  int    `json:"unchanged"`
	Failed     int    `json:"failed"`
	Pages      int    `json:"pages"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt"`
}

type jobPayload struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	State      string `json:"state"`
	RetryCount int    `json:"retryCount"`
	LastError  string `json:"lastError,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

// SyncStatus reports the last run and recent jobs for one entity type
func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	entityType := pncp.EntityType(chi.URLParam(r, "entityType"))
	if !entityType.Valid() {
		writeError(w, http.StatusNotFound, "unknown entity type")
		return
	}
	ctx := r.Context()

	count, err := h.store.CountRecords(ctx, string(entityType))
	if err != nil {
		slog.Error("failed to count records", "entity_type", entityType, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}

	resp := syncStatusResponse{
		EntityType:  string(entityType),
		RecordCount: count,
		RecentJobs:  []jobPayload{},
	}

	if sum, err := h.store.LatestSummary(ctx, entityType); err != nil {
		slog.Error("failed to load latest summary", "entity_type", entityType, "error", err)
	} else if sum != nil {
		resp.LastRun = &summaryPayload{
			JobID:      sum.JobID.String(),
			Inserted:   sum.Inserted,
			Updated:    sum.Updated,
			Unchanged:  sum.Unchanged,
			Failed:     sum.Failed,
			Pages:      sum.Pages,
			StartedAt:  sum.StartedAt.Format(timeFormat),
			FinishedAt: sum.FinishedAt.Format(timeFormat),
		}
	}

	jobs, err := h.store.ListJobs(ctx, entityType, 10)
	if err != nil {
		slog.Error("failed to list jobs", "entity_type", entityType, "error", err)
	}
	for _, job := range jobs {
		resp.RecentJobs = append(resp.RecentJobs, jobPayload{
			ID:         job.ID.String(),
			Kind:       string(job.Kind),
			State:      string(job.State),
			RetryCount: job.RetryCount,
			LastError:  job.LastError,
			CreatedAt:  job.CreatedAt.Format(timeFormat),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// InvalidateCache drops one cached reference category
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !slices.Contains(domaincache.KnownCategories(), category) {
		writeError(w, http.StatusNotFound, "unknown reference category")
		return
	}

	h.cache.Invalidate(category)
	slog.Info("reference cache invalidated", "category", category)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "invalidated",
		"category": category,
	})
}

// deadLetterPayload is one dead letter in the listing
type deadLetterPayload struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entityType"`
	ExternalID string          `json:"externalId,omitempty"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  string          `json:"createdAt"`
}

// ListDeadLetters returns recent dead letters, optionally filtered
func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entityType := pncp.EntityType(r.URL.Query().Get("entityType"))
	if entityType != "" && !entityType.Valid() && entityType != syncpkg.EntityReference {
		writeError(w, http.StatusBadRequest, "unknown entity type")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	letters, err := h.store.ListDeadLetters(r.Context(), entityType, limit)
	if err != nil {
		slog.Error("failed to list dead letters", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	payload := make([]deadLetterPayload, 0, len(letters))
	for _, dl := range letters {
		payload = append(payload, deadLetterPayload{
			ID:         dl.ID.String(),
			EntityType: string(dl.EntityType),
			ExternalID: dl.ExternalID,
			Reason:     dl.Reason,
			Payload:    json.RawMessage(dl.Payload),
			CreatedAt:  dl.CreatedAt.Format(timeFormat),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": payload})
}

// DeleteDeadLetter removes one dead letter after it was replayed or triaged
func (h *Handlers) DeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}

	if err := h.store.DeleteDeadLetter(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// referenceUpdateRequest is the administrative code correction payload
type referenceUpdateRequest struct {
	Name string `json:"name"`
}

// UpdateReferenceCode upserts one reference code and drops the cached
// category so the change is visible immediately.
func (h *Handlers) UpdateReferenceCode(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !slices.Contains(domaincache.KnownCategories(), category) {
		writeError(w, http.StatusNotFound, "unknown reference category")
		return
	}

	code, err := strconv.Atoi(chi.URLParam(r, "code"))
	if err != nil || code < 1 {
		writeError(w, http.StatusBadRequest, "invalid reference code")
		return
	}

	var req referenceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.store.UpdateReferenceCode(r.Context(), category, code, req.Name); err != nil {
		slog.Error("failed to update reference code",
			"category", category,
			"code", code,
			"error", err)
		writeError(w, http.StatusInternalServerError, "failed to update reference code")
		return
	}
	h.cache.Invalidate(category)

	writeJSON(w, http.StatusOK, map[string]any{
		"category": category,
		"code":     code,
		"name":     req.Name,
	})
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

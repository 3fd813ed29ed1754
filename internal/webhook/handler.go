// Package webhook ingests upstream change notifications. A notification is
// authenticated with an HMAC signature over the raw body, deduplicated
// against recently enqueued jobs, and turned into a single-record sync job.
// The handler acknowledges before the job runs; ingestion is asynchronous.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/searcb/pncp-sync/internal/pncp"
	syncpkg "github.com/searcb/pncp-sync/internal/sync"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body,
// prefixed with the algorithm.
const SignatureHeader = "X-PNCP-Signature"

// DefaultDedupWindow suppresses repeat notifications for the same record
const DefaultDedupWindow = 60 * time.Second

const maxBodySize = 1 << 20 // 1MB

// Queue is the job store surface the handler enqueues into
type Queue interface {
	Enqueue(ctx context.Context, job *syncpkg.Job) error
	HasRecentWebhookJob(ctx context.Context, entityType pncp.EntityType, externalID string, window time.Duration) (bool, error)
}

// event is the notification payload
type event struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// eventData carries the record identity; the control number key varies by
// entity type upstream.
type eventData struct {
	NumeroControlePNCP   string `json:"numeroControlePNCP"`
	NumeroControleCompra string `json:"numeroControlePncpCompra"`
	AnoCompra            int    `json:"anoCompra"`
	AnoContrato          int    `json:"anoContrato"`
}

// Handler is the webhook HTTP endpoint
type Handler struct {
	queue       Queue
	secret      []byte
	dedupWindow time.Duration
}

// NewHandler creates a webhook handler. The secret must not be empty;
// unsigned ingestion is not supported.
func NewHandler(queue Queue, secret []byte, dedupWindow time.Duration) *Handler {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Handler{
		queue:       queue,
		secret:      secret,
		dedupWindow: dedupWindow,
	}
}

// ServeHTTP handles POST notifications. Authentication failures are answered
// with a bare 403; the response never says whether the signature was absent,
// malformed, or wrong.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.verify(body, r.Header.Get(SignatureHeader)) {
		slog.Warn("webhook rejected: signature verification failed",
			"remote_addr", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var evt event
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	entityType, ok := parseEventType(evt.EventType)
	if !ok {
		// acknowledged but not actionable; the upstream retries on non-2xx
		slog.Warn("webhook event type not recognized", "event_type", evt.EventType)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var data eventData
	if err := json.Unmarshal(evt.Data, &data); err != nil || externalID(data) == "" {
		http.Error(w, "notification is missing the record identifier", http.StatusBadRequest)
		return
	}
	id := externalID(data)

	duplicate, err := h.queue.HasRecentWebhookJob(r.Context(), entityType, id, h.dedupWindow)
	if err != nil {
		slog.Error("webhook dedup check failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if duplicate {
		slog.Info("webhook deduplicated",
			"entity_type", entityType,
			"external_id", id)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	job := &syncpkg.Job{
		ID:         uuid.New(),
		EntityType: entityType,
		Kind:       syncpkg.KindWebhook,
		ExternalID: id,
		Year:       firstNonZero(data.AnoCompra, data.AnoContrato),
	}
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		slog.Error("failed to enqueue webhook job", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	slog.Info("webhook accepted",
		"job_id", job.ID,
		"entity_type", entityType,
		"external_id", id,
		"event_type", evt.EventType)
	w.WriteHeader(http.StatusAccepted)
}

// verify checks the signature header against the body HMAC in constant time
func (h *Handler) verify(body []byte, header string) bool {
	if len(h.secret) == 0 || header == "" {
		return false
	}

	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// parseEventType maps "contratacao.updated" style event names to the entity
// they concern.
func parseEventType(eventType string) (pncp.EntityType, bool) {
	name, _, ok := strings.Cut(eventType, ".")
	if !ok {
		return "", false
	}
	entityType := pncp.EntityType(name)
	if !entityType.Valid() {
		return "", false
	}
	return entityType, true
}

func externalID(data eventData) string {
	if data.NumeroControlePNCP != "" {
		return data.NumeroControlePNCP
	}
	return data.NumeroControleCompra
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

package pncp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetry keeps test backoff waits in the microsecond range
func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		RateLimitDelay: time.Millisecond,
	}
}

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, WithRetryPolicy(fastRetry()))
	return client, srv
}

// pageHandler serves a fixed number of records split into pages
func pageHandler(t *testing.T, total, pageSize int) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		fmt.Sscanf(r.URL.Query().Get("pagina"), "%d", &page)

		totalPages := (total + pageSize - 1) / pageSize
		start := (page - 1) * pageSize
		end := start + pageSize
		if end > total {
			end = total
		}

		var data []json.RawMessage
		for i := start; i < end; i++ {
			data = append(data, json.RawMessage(fmt.Sprintf(
				`{"numeroControlePNCP":"00000000000100-1-%06d/2026","anoCompra":2026}`, i+1)))
		}

		resp := map[string]any{
			"data":             data,
			"totalRegistros":   total,
			"totalPaginas":     totalPages,
			"numeroPagina":     page,
			"paginasRestantes": totalPages - page,
			"empty":            len(data) == 0,
		}
		if totalPages-page < 0 {
			resp["paginasRestantes"] = 0
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
}

func TestFetchPage(t *testing.T) {
	t.Parallel()

	t.Run("walks every page without loss or duplication", func(t *testing.T) {
		t.Parallel()

		client, _ := testClient(t, pageHandler(t, 120, 50))

		seen := map[string]bool{}
		page := 1
		for {
			result, err := client.FetchPage(context.Background(), EntityContratacao, Filters{}, page, 50)
			require.NoError(t, err)
			assert.Equal(t, 120, result.TotalRecords)
			assert.Equal(t, 3, result.TotalPages)

			for _, rec := range result.Records {
				assert.False(t, seen[rec.ExternalID], "duplicate record %s", rec.ExternalID)
				seen[rec.ExternalID] = true
				assert.Equal(t, 2026, rec.Year)
			}
			if result.Empty || result.PagesRemaining == 0 {
				break
			}
			page++
		}
		assert.Len(t, seen, 120)
		assert.Equal(t, 3, page)
	})

	t.Run("sends pagination and filter parameters", func(t *testing.T) {
		t.Parallel()

		var gotQuery atomic.Value
		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery.Store(r.URL.Query())
			fmt.Fprint(w, `{"data":[],"empty":true}`)
		}))

		filters := Filters{
			CNPJ:     "00000000000191",
			Modality: 6,
			Year:     2026,
			DateFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		_, err := client.FetchPage(context.Background(), EntityContratacao, filters, 2, 100)
		require.NoError(t, err)

		q := gotQuery.Load().(url.Values)
		assert.Equal(t, "2", q.Get("pagina"))
		assert.Equal(t, "100", q.Get("tamanhoPagina"))
		assert.Equal(t, "00000000000191", q.Get("cnpj"))
		assert.Equal(t, "6", q.Get("modalidade"))
		assert.Equal(t, "2026", q.Get("ano"))
		assert.Equal(t, "2026-01-01", q.Get("dataInicio"))
	})

	t.Run("clamps the page size to the upstream maximum", func(t *testing.T) {
		t.Parallel()

		var gotSize atomic.Value
		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotSize.Store(r.URL.Query().Get("tamanhoPagina"))
			fmt.Fprint(w, `{"data":[],"empty":true}`)
		}))

		_, err := client.FetchPage(context.Background(), EntityPCA, Filters{}, 1, 9999)
		require.NoError(t, err)
		assert.Equal(t, "500", gotSize.Load())
	})

	t.Run("treats 204 as an empty page", func(t *testing.T) {
		t.Parallel()

		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

		result, err := client.FetchPage(context.Background(), EntityAta, Filters{}, 7, 50)
		require.NoError(t, err)
		assert.True(t, result.Empty)
		assert.Empty(t, result.Records)
	})

	t.Run("retries transient server errors", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int64
		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			fmt.Fprint(w, `{"data":[],"empty":true}`)
		}))

		_, err := client.FetchPage(context.Background(), EntityContrato, Filters{}, 1, 50)
		require.NoError(t, err)
		assert.Equal(t, int64(3), calls.Load())
	})

	t.Run("does not retry permanent client errors", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int64
		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))

		_, err := client.FetchPage(context.Background(), EntityContratacao, Filters{}, 1, 50)
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("retries upstream 429 responses", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int64
		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			fmt.Fprint(w, `{"data":[],"empty":true}`)
		}))

		_, err := client.FetchPage(context.Background(), EntityContratacao, Filters{}, 1, 50)
		require.NoError(t, err)
		assert.Equal(t, int64(2), calls.Load())
	})

	t.Run("surfaces the upstream error after exhausting retries", func(t *testing.T) {
		t.Parallel()

		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		_, err := client.FetchPage(context.Background(), EntityContratacao, Filters{}, 1, 50)
		require.Error(t, err)

		var uerr *UpstreamError
		require.ErrorAs(t, err, &uerr)
		assert.Equal(t, http.StatusServiceUnavailable, uerr.StatusCode)
	})

	t.Run("rejects unknown entity types", func(t *testing.T) {
		t.Parallel()

		client, _ := testClient(t, pageHandler(t, 0, 50))
		_, err := client.FetchPage(context.Background(), EntityType("licitacao"), Filters{}, 1, 50)
		require.Error(t, err)
	})
}

func TestFetchRecord(t *testing.T) {
	t.Parallel()

	t.Run("fetches one record by control number", func(t *testing.T) {
		t.Parallel()

		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"numeroControlePNCP":"12345678000195-1-000042/2025","anoCompra":2025,"objetoCompra":"x"}`)
		}))

		rec, err := client.FetchRecord(context.Background(), EntityContratacao, "12345678000195-1-000042/2025")
		require.NoError(t, err)
		assert.Equal(t, "12345678000195-1-000042/2025", rec.ExternalID)
		assert.Equal(t, 2025, rec.Year)
		assert.Equal(t, EntityContratacao, rec.EntityType)
	})

	t.Run("derives the year from the control number suffix", func(t *testing.T) {
		t.Parallel()

		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"numeroControlePNCP":"12345678000195-1-000001/2024"}`)
		}))

		rec, err := client.FetchRecord(context.Background(), EntityAta, "12345678000195-1-000001/2024")
		require.NoError(t, err)
		assert.Equal(t, 2024, rec.Year)
	})

	t.Run("requires an external id", func(t *testing.T) {
		t.Parallel()

		client, _ := testClient(t, pageHandler(t, 0, 50))
		_, err := client.FetchRecord(context.Background(), EntityContratacao, "")
		require.Error(t, err)
	})
}

func TestFetchCodes(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"id":6,"nome":"Pregão Eletrônico"},{"id":8,"nome":"Dispensa de Licitação"}]`)
	}))

	codes, err := client.FetchCodes(context.Background(), "v1/modalidades")
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.Equal(t, 6, codes[0].ID)
	assert.Equal(t, "Pregão Eletrônico", codes[0].Name)
}

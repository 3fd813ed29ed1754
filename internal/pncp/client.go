// Package pncp implements the paginated client for the PNCP consultation API
// (Portal Nacional de Contratações Públicas). It owns retry, backoff and
// rate limiting for every outbound call.
package pncp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/searcb/pncp-sync/internal/telemetry"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// MaxPageSize is the upstream page size ceiling
	MaxPageSize = 500

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "pncp-sync/1.0"
)

// Filters narrows a paginated listing. Zero fields are omitted from the query.
type Filters struct {
	// CNPJ filters by the contracting body's tax id (digits only)
	CNPJ string

	// Modality filters by contracting modality code
	Modality int

	// Year filters by the record's reference year
	Year int

	// DateFrom and DateTo bound the publication date range
	DateFrom time.Time
	DateTo   time.Time
}

func (f Filters) apply(q url.Values) {
	if f.CNPJ != "" {
		q.Set("cnpj", f.CNPJ)
	}
	if f.Modality > 0 {
		q.Set("modalidade", strconv.Itoa(f.Modality))
	}
	if f.Year > 0 {
		q.Set("ano", strconv.Itoa(f.Year))
	}
	if !f.DateFrom.IsZero() {
		q.Set("dataInicio", f.DateFrom.Format("2006-01-02"))
	}
	if !f.DateTo.IsZero() {
		q.Set("dataFim", f.DateTo.Format("2006-01-02"))
	}
}

// RawRecord is one upstream payload as fetched, before any transformation.
// Immutable once produced.
type RawRecord struct {
	EntityType EntityType
	ExternalID string
	Year       int
	Payload    json.RawMessage
}

// Page is one page of upstream results plus the pagination totals
type Page struct {
	Records        []RawRecord
	TotalRecords   int
	TotalPages     int
	PageNumber     int
	PagesRemaining int
	Empty          bool
}

// Code is one entry of an upstream reference (domain code) table
type Code struct {
	ID   int    `json:"id"`
	Name string `json:"nome"`
}

// envelope mirrors the upstream response wrapper
type envelope struct {
	Data           []json.RawMessage `json:"data"`
	TotalRecords   int               `json:"totalRegistros"`
	TotalPages     int               `json:"totalPaginas"`
	PageNumber     int               `json:"numeroPagina"`
	PagesRemaining int               `json:"paginasRestantes"`
	Empty          bool              `json:"empty"`
}

// recordProbe extracts the natural key fields from a raw payload without
// committing to a full schema. Field names differ slightly per entity type.
type recordProbe struct {
	NumeroControlePNCP       string `json:"numeroControlePNCP"`
	NumeroControlePNCPCompra string `json:"numeroControlePncpCompra"`
	AnoCompra                int    `json:"anoCompra"`
	AnoContrato              int    `json:"anoContrato"`
	Ano                      int    `json:"ano"`
}

var controlNumberYear = regexp.MustCompile(`/(\d{4})$`)

// Client is the paginated HTTP client for the PNCP consultation API
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retry       RetryPolicy
	limiter     *RateLimiter
	metrics     *telemetry.FetchMetrics
	maxPageSize int
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying http.Client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetryPolicy overrides the retry policy
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = p
	}
}

// WithRateLimiter overrides the shared rate limiter
func WithRateLimiter(l *RateLimiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithFetchMetrics attaches fetch instrumentation
func WithFetchMetrics(m *telemetry.FetchMetrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithMaxPageSize lowers the page size ceiling below the upstream maximum
func WithMaxPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 && n <= MaxPageSize {
			c.maxPageSize = n
		}
	}
}

// NewClient creates a client for the given base endpoint
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(endpoint, "/"),
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		retry:       DefaultRetryPolicy(),
		limiter:     NewRateLimiter(0, 0, 0),
		maxPageSize: MaxPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage retrieves one page of records for an entity type. Filters must be
// pre-validated by the caller. An out-of-range page yields an empty Page with
// the correct totals rather than an error.
func (c *Client) FetchPage(
	ctx context.Context, entityType EntityType, filters Filters, page, pageSize int,
) (*Page, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > c.maxPageSize {
		pageSize = c.maxPageSize
	}

	q := url.Values{}
	q.Set("pagina", strconv.Itoa(page))
	q.Set("tamanhoPagina", strconv.Itoa(pageSize))
	filters.apply(q)

	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, entityType.Path(), q.Encode())

	body, err := c.get(ctx, entityType, reqURL)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode upstream envelope: %w", err)
	}

	result := &Page{
		TotalRecords:   env.TotalRecords,
		TotalPages:     env.TotalPages,
		PageNumber:     env.PageNumber,
		PagesRemaining: env.PagesRemaining,
		Empty:          env.Empty || len(env.Data) == 0,
	}
	if result.PageNumber == 0 {
		result.PageNumber = page
	}

	result.Records = make([]RawRecord, 0, len(env.Data))
	for _, payload := range env.Data {
		rec, err := probeRecord(entityType, payload)
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, rec)
	}

	return result, nil
}

// FetchRecord retrieves one record by its PNCP control number
func (c *Client) FetchRecord(
	ctx context.Context, entityType EntityType, externalID string,
) (*RawRecord, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	if externalID == "" {
		return nil, fmt.Errorf("external id is required")
	}

	reqURL := fmt.Sprintf("%s/%s/%s", c.baseURL, entityType.Path(), url.PathEscape(externalID))

	body, err := c.get(ctx, entityType, reqURL)
	if err != nil {
		return nil, err
	}

	rec, err := probeRecord(entityType, body)
	if err != nil {
		return nil, err
	}
	if rec.ExternalID == "" {
		rec.ExternalID = externalID
	}
	return &rec, nil
}

// FetchCodes retrieves an upstream reference table, e.g. "modalidades"
func (c *Client) FetchCodes(ctx context.Context, path string) ([]Code, error) {
	reqURL := fmt.Sprintf("%s/%s", c.baseURL, strings.Trim(path, "/"))

	body, err := c.get(ctx, EntityType(path), reqURL)
	if err != nil {
		return nil, err
	}

	var codes []Code
	if err := json.Unmarshal(body, &codes); err != nil {
		return nil, fmt.Errorf("failed to decode reference table %s: %w", path, err)
	}
	return codes, nil
}

// get performs a rate-limited GET with the retry policy applied.
// Each attempt emits a latency/status observation.
func (c *Client) get(ctx context.Context, entityType EntityType, reqURL string) ([]byte, error) {
	var body []byte
	err := c.retry.Do(ctx, func() error {
		if err := c.limiter.Acquire(ctx); err != nil {
			c.metrics.RecordFetch(ctx, string(entityType), 0, 0)
			return err
		}

		start := time.Now()
		data, status, err := c.doGet(ctx, reqURL)
		c.metrics.RecordFetch(ctx, string(entityType), status, time.Since(start))
		if err != nil {
			return err
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) doGet(ctx context.Context, reqURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Some upstream listings answer 204 for pages past the end
	if resp.StatusCode == http.StatusNoContent {
		return []byte(`{"data":[],"empty":true}`), resp.StatusCode, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, NewUpstreamError(resp.StatusCode, reqURL, resp.Status)
	}

	if resp.ContentLength > MaxResponseSize {
		return nil, resp.StatusCode, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes",
			resp.ContentLength, MaxResponseSize)
	}

	// +1 to detect if the limit was exceeded
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	data, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > MaxResponseSize {
		return nil, resp.StatusCode, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}

	return data, resp.StatusCode, nil
}

// probeRecord extracts the natural key fields from one raw payload
func probeRecord(entityType EntityType, payload json.RawMessage) (RawRecord, error) {
	var probe recordProbe
	if err := json.Unmarshal(payload, &probe); err != nil {
		return RawRecord{}, fmt.Errorf("malformed upstream record: %w", err)
	}

	externalID := probe.NumeroControlePNCP
	if externalID == "" {
		externalID = probe.NumeroControlePNCPCompra
	}

	year := probe.AnoCompra
	if year == 0 {
		year = probe.AnoContrato
	}
	if year == 0 {
		year = probe.Ano
	}
	if year == 0 && externalID != "" {
		if m := controlNumberYear.FindStringSubmatch(externalID); m != nil {
			year, _ = strconv.Atoi(m[1])
		}
	}

	return RawRecord{
		EntityType: entityType,
		ExternalID: externalID,
		Year:       year,
		Payload:    payload,
	}, nil
}

// Package domaincache serves the small reference ("domain code") tables,
// code to display name, behind a read-through TTL cache.
//
// Refreshes favor read availability over strict freshness: while one reload
// is in flight for a category, concurrent readers are served the previous,
// possibly stale, mapping instead of blocking. The alternative (blocking all
// readers on reload) was rejected because readers in the hot ingestion path
// only use the mapping for advisory cross-checks.
package domaincache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/searcb/pncp-sync/internal/telemetry"
)

// Reference categories backed by local reference tables
const (
	// CategoryModalities maps contracting modality codes (Lei 14.133/2021)
	CategoryModalities = "modalidades_contratacao"

	// CategorySituations maps contracting situation codes
	CategorySituations = "situacoes_contratacao"

	// CategoryContractTypes maps contract type codes
	CategoryContractTypes = "tipos_contrato"

	// CategoryLegalBases maps legal basis (amparo legal) codes
	CategoryLegalBases = "amparos_legais"
)

// DefaultTTL is how long a cached category stays fresh
const DefaultTTL = 24 * time.Hour

// KnownCategories returns the reference category catalog in a stable order
func KnownCategories() []string {
	return []string{
		CategoryModalities,
		CategorySituations,
		CategoryContractTypes,
		CategoryLegalBases,
	}
}

// Loader loads one category's mapping from the canonical reference table
type Loader interface {
	LoadCategory(ctx context.Context, category string) (map[int]string, error)
}

// entry is one cached category
type entry struct {
	mapping    map[int]string
	expiresAt  time.Time
	refreshing bool
}

// Cache is the read-through, TTL-bounded reference cache
type Cache struct {
	loader  Loader
	ttl     time.Duration
	metrics *telemetry.CacheMetrics

	mu      sync.Mutex
	entries map[string]*entry
	// gens is bumped by Invalidate so an in-flight reload that started
	// before the invalidation cannot store its pre-update mapping
	gens map[string]uint64

	// group collapses concurrent cold-miss loads per category
	group singleflight.Group

	// now is a test seam
	now func() time.Time
}

// Option configures the cache
type Option func(*Cache)

// WithTTL overrides the default 24h TTL
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheMetrics attaches cache instrumentation
func WithCacheMetrics(m *telemetry.CacheMetrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates a cache backed by the given loader
func New(loader Loader, opts ...Option) *Cache {
	c := &Cache{
		loader:  loader,
		ttl:     DefaultTTL,
		entries: make(map[string]*entry),
		gens:    make(map[string]uint64),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the mapping for a category, loading it on first miss and
// reloading it once its TTL has elapsed. During a reload, other callers get
// the previous value. A failed reload also serves the previous value; only a
// cold miss with no prior value surfaces the load error.
func (c *Cache) Get(ctx context.Context, category string) (map[int]string, error) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[category]
	if ok && now.Before(e.expiresAt) {
		mapping := e.mapping
		c.mu.Unlock()
		c.metrics.RecordLookup(ctx, category, "hit")
		return mapping, nil
	}

	if ok {
		// Expired with a previous value. One caller reloads; the rest are
		// served the stale mapping until the reload lands.
		if e.refreshing {
			mapping := e.mapping
			c.mu.Unlock()
			c.metrics.RecordLookup(ctx, category, "stale")
			return mapping, nil
		}
		e.refreshing = true
		stale := e.mapping
		c.mu.Unlock()

		mapping, err := c.reload(ctx, category)
		if err != nil {
			slog.Warn("domain cache reload failed, serving stale value",
				"category", category,
				"error", err)
			c.metrics.RecordLookup(ctx, category, "stale")
			return stale, nil
		}
		c.metrics.RecordLookup(ctx, category, "hit")
		return mapping, nil
	}
	c.mu.Unlock()

	// Cold miss: collapse concurrent loads into one
	c.metrics.RecordLookup(ctx, category, "miss")
	v, err, _ := c.group.Do(category, func() (any, error) {
		return c.reload(ctx, category)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load reference category %s: %w", category, err)
	}
	return v.(map[int]string), nil
}

// reload loads the category and stores the fresh entry. The refreshing flag
// is always cleared, even on failure, so a later read can try again. A
// result from before an Invalidate is returned to the caller but never
// stored; the next Get loads the post-invalidation data.
func (c *Cache) reload(ctx context.Context, category string) (map[int]string, error) {
	c.mu.Lock()
	gen := c.gens[category]
	c.mu.Unlock()

	mapping, err := c.loader.LoadCategory(ctx, category)
	c.metrics.RecordReload(ctx, category, err == nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if e, ok := c.entries[category]; ok {
			e.refreshing = false
		}
		return nil, err
	}

	if c.gens[category] != gen {
		if e, ok := c.entries[category]; ok {
			e.refreshing = false
		}
		return mapping, nil
	}

	c.entries[category] = &entry{
		mapping:   mapping,
		expiresAt: c.now().Add(c.ttl),
	}
	return mapping, nil
}

// Invalidate clears a category immediately. The next Get reloads it.
// Called from the administrative update path and on scheduler completion.
func (c *Cache) Invalidate(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[category]++
	delete(c.entries, category)
}

// Lookup resolves one code within a category. The boolean reports whether
// the code is known.
func (c *Cache) Lookup(ctx context.Context, category string, code int) (string, bool, error) {
	mapping, err := c.Get(ctx, category)
	if err != nil {
		return "", false, err
	}
	name, ok := mapping[code]
	return name, ok, nil
}

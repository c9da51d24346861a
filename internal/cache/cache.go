package cache

import (
	"log/slog"
	"sync"
	"time"

	"convopipe/internal/domain"
)

// DefaultValidity is how long a cached analysis payload stays fresh.
const DefaultValidity = 5 * time.Minute

// Namespace separates the payload kinds cached under one session id.
type Namespace string

const (
	NamespaceDetail   Namespace = "detail"
	NamespaceStrategy Namespace = "strategy"
)

type entry[T any] struct {
	value     T
	cachedAt  time.Time
	expiresAt time.Time
}

type loadKey struct {
	ns Namespace
	id string
}

// Options tune a ResultCache.
type Options struct {
	Validity      time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// ResultCache holds completed analysis payloads keyed by session id with TTL-based expiration.
// It never fetches; loading flags are a cooperative signal for callers that do.
type ResultCache struct {
	mu         sync.Mutex
	details    map[string]*entry[domain.AnalysisDetail]
	strategies map[string]*entry[domain.StrategyAnalysis]
	loading    map[loadKey]struct{}

	validity time.Duration
	now      func() time.Time
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and, when SweepInterval > 0, starts a goroutine removing expired entries.
func New(opts Options) *ResultCache {
	if opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &ResultCache{
		details:    make(map[string]*entry[domain.AnalysisDetail]),
		strategies: make(map[string]*entry[domain.StrategyAnalysis]),
		loading:    make(map[loadKey]struct{}),
		validity:   opts.Validity,
		now:        opts.Now,
		logger:     opts.Logger,
		done:       make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go c.cleanupLoop(opts.SweepInterval)
	}
	return c
}

// GetDetail returns a fresh detail. An expired entry is evicted and reported as a miss.
func (c *ResultCache) GetDetail(id string) (domain.AnalysisDetail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lookup(c.details, id, c.now())
}

func (c *ResultCache) PutDetail(id string, detail domain.AnalysisDetail) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details[id] = newEntry(detail, c.now(), c.validity)
}

func (c *ResultCache) GetStrategy(id string) (domain.StrategyAnalysis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lookup(c.strategies, id, c.now())
}

func (c *ResultCache) PutStrategy(id string, strategy domain.StrategyAnalysis) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies[id] = newEntry(strategy, c.now(), c.validity)
}

func newEntry[T any](value T, now time.Time, validity time.Duration) *entry[T] {
	return &entry[T]{value: value, cachedAt: now, expiresAt: now.Add(validity)}
}

// IsLoading reports whether a fetch for (ns, id) is in flight.
func (c *ResultCache) IsLoading(ns Namespace, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loading[loadKey{ns: ns, id: id}]
	return ok
}

func (c *ResultCache) SetLoading(ns Namespace, id string, loading bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := loadKey{ns: ns, id: id}
	if loading {
		c.loading[key] = struct{}{}
		return
	}
	delete(c.loading, key)
}

// TryStartLoading sets the loading flag only if it was clear. Exactly one of any
// number of concurrent callers for the same key gets true.
func (c *ResultCache) TryStartLoading(ns Namespace, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := loadKey{ns: ns, id: id}
	if _, busy := c.loading[key]; busy {
		return false
	}
	c.loading[key] = struct{}{}
	return true
}

// InvalidateNamespace drops one payload kind for id and its loading flag.
func (c *ResultCache) InvalidateNamespace(ns Namespace, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ns {
	case NamespaceDetail:
		delete(c.details, id)
	case NamespaceStrategy:
		delete(c.strategies, id)
	}
	delete(c.loading, loadKey{ns: ns, id: id})
}

// Invalidate clears both namespaces and all loading flags for id.
func (c *ResultCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.details, id)
	delete(c.strategies, id)
	delete(c.loading, loadKey{ns: NamespaceDetail, id: id})
	delete(c.loading, loadKey{ns: NamespaceStrategy, id: id})
}

// Size returns the number of cached payloads across namespaces.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.details) + len(c.strategies)
}

// Clear removes everything.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details = make(map[string]*entry[domain.AnalysisDetail])
	c.strategies = make(map[string]*entry[domain.StrategyAnalysis])
	c.loading = make(map[loadKey]struct{})
}

// Sweep removes expired entries and returns how many were dropped.
func (c *ResultCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := sweep(c.details, now) + sweep(c.strategies, now)
	if removed > 0 {
		c.logger.Debug("swept expired analysis cache entries", "removed", removed)
	}
	return removed
}

// Close stops the sweep goroutine.
func (c *ResultCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *ResultCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

func lookup[T any](m map[string]*entry[T], id string, now time.Time) (T, bool) {
	var zero T
	cached, ok := m[id]
	if !ok {
		return zero, false
	}
	if !now.Before(cached.expiresAt) {
		delete(m, id)
		return zero, false
	}
	return cached.value, true
}

func sweep[T any](m map[string]*entry[T], now time.Time) int {
	removed := 0
	for id, cached := range m {
		if !now.Before(cached.expiresAt) {
			delete(m, id)
			removed++
		}
	}
	return removed
}

package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"convopipe/internal/domain"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(validity time.Duration) (*ResultCache, *testClock) {
	clock := &testClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return New(Options{Validity: validity, Now: clock.Now}), clock
}

func TestResultCachePutThenGet(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Minute)
	c.PutDetail("srv-1", domain.AnalysisDetail{SessionID: "srv-1", Summary: "calm"})

	got, ok := c.GetDetail("srv-1")
	if !ok {
		t.Fatalf("expected hit")
	}
	if got.Summary != "calm" {
		t.Fatalf("unexpected detail: %+v", got)
	}
}

func TestResultCacheExpiryEvictsAndAllowsFreshPut(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(300 * time.Second)
	c.PutDetail("srv-1", domain.AnalysisDetail{SessionID: "srv-1", Title: "old"})

	clock.Advance(299 * time.Second)
	if _, ok := c.GetDetail("srv-1"); !ok {
		t.Fatalf("expected entry inside validity window")
	}

	clock.Advance(time.Second)
	if _, ok := c.GetDetail("srv-1"); ok {
		t.Fatalf("expected miss once validity window elapsed")
	}
	if c.Size() != 0 {
		t.Fatalf("expected stale entry to be evicted, size=%d", c.Size())
	}

	c.PutDetail("srv-1", domain.AnalysisDetail{SessionID: "srv-1", Title: "new"})
	got, ok := c.GetDetail("srv-1")
	if !ok || got.Title != "new" {
		t.Fatalf("expected fresh put to succeed, got %+v ok=%v", got, ok)
	}
}

func TestResultCacheNamespacesAreIndependent(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Minute)
	c.PutDetail("srv-1", domain.AnalysisDetail{SessionID: "srv-1"})
	c.PutStrategy("srv-1", domain.StrategyAnalysis{Strategies: []domain.Strategy{{ID: "a", Title: "Pause"}}})

	c.InvalidateNamespace(NamespaceStrategy, "srv-1")
	if _, ok := c.GetStrategy("srv-1"); ok {
		t.Fatalf("expected strategy to be invalidated")
	}
	if _, ok := c.GetDetail("srv-1"); !ok {
		t.Fatalf("detail must survive strategy invalidation")
	}
}

func TestResultCacheInvalidateClearsBothAndLoadingFlags(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Minute)
	c.PutDetail("srv-1", domain.AnalysisDetail{SessionID: "srv-1"})
	c.PutStrategy("srv-1", domain.StrategyAnalysis{})
	c.SetLoading(NamespaceDetail, "srv-1", true)
	c.SetLoading(NamespaceStrategy, "srv-1", true)

	c.Invalidate("srv-1")

	if _, ok := c.GetDetail("srv-1"); ok {
		t.Fatalf("expected detail miss")
	}
	if _, ok := c.GetStrategy("srv-1"); ok {
		t.Fatalf("expected strategy miss")
	}
	if c.IsLoading(NamespaceDetail, "srv-1") || c.IsLoading(NamespaceStrategy, "srv-1") {
		t.Fatalf("expected loading flags to be cleared")
	}
}

func TestResultCacheLoadingFlagIsObservable(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Minute)
	c.SetLoading(NamespaceDetail, "srv-1", true)
	if !c.IsLoading(NamespaceDetail, "srv-1") {
		t.Fatalf("expected loading")
	}
	if c.TryStartLoading(NamespaceDetail, "srv-1") {
		t.Fatalf("second fetch must not start while first is in flight")
	}
	if c.IsLoading(NamespaceStrategy, "srv-1") {
		t.Fatalf("loading flags are per namespace")
	}
	c.SetLoading(NamespaceDetail, "srv-1", false)
	if !c.TryStartLoading(NamespaceDetail, "srv-1") {
		t.Fatalf("expected start after flag cleared")
	}
}

func TestResultCacheTryStartLoadingIsExclusive(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Minute)
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryStartLoading(NamespaceDetail, "srv-1") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
}

func TestResultCacheSweepRemovesExpired(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(time.Minute)
	c.PutDetail("old", domain.AnalysisDetail{})
	clock.Advance(30 * time.Second)
	c.PutStrategy("new", domain.StrategyAnalysis{})
	clock.Advance(31 * time.Second)

	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected one expired entry, got %d", removed)
	}
	if _, ok := c.GetStrategy("new"); !ok {
		t.Fatalf("fresh entry must survive sweep")
	}
}

func TestResultCacheCleanupLoopStopsOnClose(t *testing.T) {
	t.Parallel()

	c := New(Options{Validity: time.Millisecond, SweepInterval: time.Millisecond})
	c.PutDetail("srv-1", domain.AnalysisDetail{})

	deadline := time.Now().Add(time.Second)
	for c.Size() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("cleanup loop never removed expired entry")
		}
		time.Sleep(2 * time.Millisecond)
	}
	c.Close()
	c.Close()
}

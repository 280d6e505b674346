package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"memograph/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// stubClusterer counts calls and groups everything into one cluster.
// When block is set, Cluster waits on it before returning.
type stubClusterer struct {
	calls int32
	block chan struct{}
	err   error
}

func (c *stubClusterer) Cluster(ctx context.Context, userID string, memoryIDs []string, vectors [][]float64) ([]models.ClusterResult, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.block != nil {
		<-c.block
	}
	if c.err != nil {
		return nil, c.err
	}
	return []models.ClusterResult{{
		ClusterID: "c0",
		Centroid:  vectors[0],
		MemoryIDs: memoryIDs,
	}}, nil
}

func seedUser(store *stubStore, userID string, n int) {
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		store.addMemory(models.Memory{ID: id, UserID: userID, Content: "about topic " + id})
		store.addEmbedding(models.Embedding{MemoryID: id, UserID: userID, Vector: []float64{float64(i), 1}, Dimensions: 2})
	}
}

func newTestCache(store *stubStore, clusterer Clusterer, ttl time.Duration) *ClusterCache {
	return NewClusterCache(ClusterCacheConfig{
		Store:     store,
		Clusterer: clusterer,
		TTL:       ttl,
	})
}

func TestGetCachesAndServesLiveEntry(t *testing.T) {
	store := newStubStore()
	seedUser(store, "user-1", 3)
	clusterer := &stubClusterer{}
	cache := newTestCache(store, clusterer, time.Hour)

	first, err := cache.Get(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("expected version 1, got %d", first.Version)
	}

	second, err := cache.Get(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if second.Version != 1 {
		t.Errorf("expected cached version 1, got %d", second.Version)
	}
	if got := atomic.LoadInt32(&clusterer.calls); got != 1 {
		t.Errorf("expected exactly one clustering run, got %d", got)
	}
}

func TestConcurrentRefreshesCoalesce(t *testing.T) {
	store := newStubStore()
	seedUser(store, "user-1", 3)
	clusterer := &stubClusterer{block: make(chan struct{})}
	cache := newTestCache(store, clusterer, time.Hour)

	const callers = 8
	versions := make([]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := cache.Get(context.Background(), "user-1", true)
			if err != nil {
				t.Errorf("Get failed: %v", err)
				return
			}
			versions[i] = entry.Version
		}(i)
	}

	// Let every caller reach the in-flight run before it finishes.
	for atomic.LoadInt32(&clusterer.calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(clusterer.block)
	wg.Wait()

	if got := atomic.LoadInt32(&clusterer.calls); got != 1 {
		t.Errorf("expected one coalesced clustering run, got %d", got)
	}
	for i, v := range versions {
		if v != versions[0] {
			t.Errorf("caller %d saw version %d, expected %d", i, v, versions[0])
		}
	}
}

func TestCacheMetricsAddUp(t *testing.T) {
	store := newStubStore()
	seedUser(store, "user-1", 3)
	clusterer := &stubClusterer{block: make(chan struct{})}
	metrics := InitMetrics()
	cache := NewClusterCache(ClusterCacheConfig{
		Store:     store,
		Clusterer: clusterer,
		TTL:       time.Hour,
		Metrics:   metrics,
	})

	const callers = 4
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background(), "user-1", true); err != nil {
				t.Errorf("Get failed: %v", err)
			}
		}()
	}

	for atomic.LoadInt32(&clusterer.calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(clusterer.block)
	wg.Wait()

	// One miss for the executing caller, one coalesced count per waiter.
	if got := testutil.ToFloat64(metrics.CacheMisses); got != 1 {
		t.Errorf("expected 1 miss, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.CacheCoalesced); got != callers-1 {
		t.Errorf("expected %d coalesced waiters, got %v", callers-1, got)
	}

	if _, err := cache.Get(context.Background(), "user-1", false); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := testutil.ToFloat64(metrics.CacheHits); got != 1 {
		t.Errorf("expected 1 hit, got %v", got)
	}
}

func TestInvalidateForcesNewVersion(t *testing.T) {
	store := newStubStore()
	seedUser(store, "user-1", 3)
	clusterer := &stubClusterer{}
	cache := newTestCache(store, clusterer, time.Hour)

	first, err := cache.Get(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if err := cache.Invalidate(context.Background(), "user-1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	second, err := cache.Get(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if second.Version != first.Version+1 {
		t.Errorf("expected version %d after invalidation, got %d", first.Version+1, second.Version)
	}
	if got := atomic.LoadInt32(&clusterer.calls); got != 2 {
		t.Errorf("expected two clustering runs, got %d", got)
	}
}

func TestFailedRefreshPreservesPreviousEntry(t *testing.T) {
	store := newStubStore()
	seedUser(store, "user-1", 3)
	clusterer := &stubClusterer{}
	cache := newTestCache(store, clusterer, time.Hour)

	first, err := cache.Get(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	clusterer.err = &ClusteringError{Payload: "worker crashed"}
	if _, err := cache.Get(context.Background(), "user-1", true); err == nil {
		t.Fatal("expected forced refresh to fail")
	}

	// The old entry is still served.
	prev := cache.Peek(context.Background(), "user-1")
	if prev == nil {
		t.Fatal("expected previous entry to survive the failed refresh")
	}
	if prev.Version != first.Version {
		t.Errorf("expected version %d, got %d", first.Version, prev.Version)
	}

	clusterer.err = nil
	next, err := cache.Get(context.Background(), "user-1", true)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if next.Version != first.Version+1 {
		t.Errorf("expected version %d after recovery, got %d", first.Version+1, next.Version)
	}
}

func TestZeroEmbeddingsCacheEmptyRun(t *testing.T) {
	store := newStubStore()
	store.addMemory(models.Memory{ID: "m1", UserID: "user-1", Content: "no embedding yet"})
	clusterer := &stubClusterer{}
	cache := newTestCache(store, clusterer, time.Hour)

	entry, err := cache.Get(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(entry.Clusters) != 0 {
		t.Errorf("expected empty cluster set, got %d", len(entry.Clusters))
	}
	if got := atomic.LoadInt32(&clusterer.calls); got != 0 {
		t.Errorf("worker must not be called with zero vectors, got %d calls", got)
	}
}

func TestSingleEmbeddingClustersLocally(t *testing.T) {
	store := newStubStore()
	store.addMemory(models.Memory{ID: "m1", UserID: "user-1", Content: "a lonely memory"})
	store.addEmbedding(models.Embedding{MemoryID: "m1", UserID: "user-1", Vector: []float64{1, 2}, Dimensions: 2})
	clusterer := &stubClusterer{}
	cache := newTestCache(store, clusterer, time.Hour)

	entry, err := cache.Get(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(entry.Clusters) != 1 {
		t.Fatalf("expected one cluster, got %d", len(entry.Clusters))
	}
	if len(entry.Clusters[0].MemoryIDs) != 1 || entry.Clusters[0].MemoryIDs[0] != "m1" {
		t.Errorf("unexpected members: %v", entry.Clusters[0].MemoryIDs)
	}
	if got := atomic.LoadInt32(&clusterer.calls); got != 0 {
		t.Errorf("worker must not be called for a single vector, got %d calls", got)
	}
}

func TestEnrichmentAttributesKeywordsAndTopic(t *testing.T) {
	store := newStubStore()
	seedUser(store, "user-1", 3)
	store.keywords["a"] = []string{"golang", "testing"}
	store.keywords["b"] = []string{"golang"}
	clusterer := &stubClusterer{}
	cache := newTestCache(store, clusterer, time.Hour)

	entry, err := cache.Get(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	cluster := entry.Clusters[0]
	if len(cluster.Keywords) == 0 {
		t.Fatal("expected keywords to be attributed")
	}
	if cluster.Keywords[0] != "golang" {
		t.Errorf("expected most frequent keyword first, got %v", cluster.Keywords)
	}
	if cluster.Topic != "golang" {
		t.Errorf("expected topic from leading keyword, got %q", cluster.Topic)
	}
}

func TestEnrichmentFallsBackToContentTerms(t *testing.T) {
	store := newStubStore()
	store.addMemory(models.Memory{ID: "m1", UserID: "user-1", Content: "planning the kitchen renovation budget"})
	store.addMemory(models.Memory{ID: "m2", UserID: "user-1", Content: "renovation quotes came in high"})
	store.addEmbedding(models.Embedding{MemoryID: "m1", UserID: "user-1", Vector: []float64{1, 0}, Dimensions: 2})
	store.addEmbedding(models.Embedding{MemoryID: "m2", UserID: "user-1", Vector: []float64{1, 1}, Dimensions: 2})
	clusterer := &stubClusterer{}
	cache := newTestCache(store, clusterer, time.Hour)

	entry, err := cache.Get(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	cluster := entry.Clusters[0]
	found := false
	for _, kw := range cluster.Keywords {
		if kw == "renovation" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected fallback keyword %q, got %v", "renovation", cluster.Keywords)
	}
}

func TestRefreshFailurePropagatesStoreError(t *testing.T) {
	store := newStubStore()
	seedUser(store, "user-1", 3)
	store.replaceErr = errors.New("mongo down")
	cache := newTestCache(store, &stubClusterer{}, time.Hour)

	if _, err := cache.Get(context.Background(), "user-1", false); err == nil {
		t.Fatal("expected persistence failure to surface")
	}
}

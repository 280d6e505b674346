package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"memograph/internal/logging"
	"memograph/internal/models"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Clusterer is the clustering dependency of the cache; implemented by
// ClusteringServiceManager and stubbed in tests.
type Clusterer interface {
	Cluster(ctx context.Context, userID string, memoryIDs []string, vectors [][]float64) ([]models.ClusterResult, error)
}

// InvalidationPublisher fans an invalidation out to other instances.
// Implemented by CacheInvalidationBus; nil disables fan-out.
type InvalidationPublisher interface {
	PublishInvalidation(ctx context.Context, userID string)
}

// ClusterCache is the versioned, per-user, TTL cache of cluster results.
//
// Correctness properties it owns:
//   - at most one live entry per user, replaced wholesale, never merged
//   - versions increase monotonically per user
//   - at most one in-flight clustering computation per user; concurrent
//     callers wait for and share that run (singleflight keyed by user, so
//     cross-user parallelism is untouched)
//   - a failed refresh never replaces the previous entry
type ClusterCache struct {
	store     MemoryStore
	clusterer Clusterer
	publisher InvalidationPublisher
	metrics   *Metrics
	ttl       time.Duration

	hot    *gocache.Cache // userID -> *models.ClusterCacheEntry
	flight singleflight.Group
}

// ClusterCacheConfig holds construction parameters.
type ClusterCacheConfig struct {
	Store     MemoryStore
	Clusterer Clusterer
	TTL       time.Duration
	Publisher InvalidationPublisher // optional
	Metrics   *Metrics              // optional
}

// NewClusterCache creates the cache.
func NewClusterCache(cfg ClusterCacheConfig) *ClusterCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}

	return &ClusterCache{
		store:     cfg.Store,
		clusterer: cfg.Clusterer,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		ttl:       ttl,
		hot:       gocache.New(ttl, 10*time.Minute),
	}
}

// Get returns the user's clusters, serving a live cached entry unless
// forceRefresh is set or nothing live exists. A refresh failure leaves
// any prior entry untouched and surfaces the error to the caller.
func (c *ClusterCache) Get(ctx context.Context, userID string, forceRefresh bool) (*models.ClusterCacheEntry, error) {
	now := time.Now()

	if !forceRefresh {
		if entry := c.lookupLive(ctx, userID, now); entry != nil {
			if c.metrics != nil {
				c.metrics.CacheHits.Inc()
			}
			return entry, nil
		}
	}

	// One in-flight clustering run per user; late arrivals share it.
	// Only the caller whose closure runs counts as a miss, so misses and
	// coalesced waiters add up to the callers that reached this point.
	executed := false
	result, err, _ := c.flight.Do(userID, func() (interface{}, error) {
		executed = true
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		return c.refresh(ctx, userID)
	})
	if !executed && c.metrics != nil {
		c.metrics.CacheCoalesced.Inc()
	}
	if err != nil {
		return nil, err
	}
	return result.(*models.ClusterCacheEntry), nil
}

// Invalidate eagerly deletes the live entry for a user. Called whenever a
// new memory or embedding lands, so served graphs never silently omit
// recent memories until TTL expiry.
func (c *ClusterCache) Invalidate(ctx context.Context, userID string) error {
	c.hot.Delete(userID)
	if err := c.store.DeleteClusterCacheEntry(ctx, userID); err != nil {
		return fmt.Errorf("failed to invalidate cluster cache for user %s: %w", userID, err)
	}

	if c.publisher != nil {
		c.publisher.PublishInvalidation(ctx, userID)
	}

	log.Printf("🗑️ [CLUSTER-CACHE] Invalidated entry for user %s", userID)
	return nil
}

// Drop removes only the local hot-tier entry. Used by the invalidation
// bus when another instance already deleted the persisted row.
func (c *ClusterCache) Drop(userID string) {
	c.hot.Delete(userID)
}

// Peek returns the last stored entry for a user, live or expired, without
// triggering any computation. The graph endpoint uses it to serve the
// last good result with a stale flag after a failed refresh.
func (c *ClusterCache) Peek(ctx context.Context, userID string) *models.ClusterCacheEntry {
	if cached, found := c.hot.Get(userID); found {
		return cached.(*models.ClusterCacheEntry)
	}
	entry, err := c.store.GetClusterCacheEntry(ctx, userID)
	if err != nil {
		log.Printf("⚠️ [CLUSTER-CACHE] Peek failed for user %s: %v", userID, err)
		return nil
	}
	return entry
}

// lookupLive returns a live entry from the hot tier or the persisted
// mirror, or nil.
func (c *ClusterCache) lookupLive(ctx context.Context, userID string, now time.Time) *models.ClusterCacheEntry {
	if cached, found := c.hot.Get(userID); found {
		entry := cached.(*models.ClusterCacheEntry)
		if entry.Live(now) {
			return entry
		}
	}

	// Another instance may have computed since we last looked.
	entry, err := c.store.GetClusterCacheEntry(ctx, userID)
	if err != nil {
		log.Printf("⚠️ [CLUSTER-CACHE] Persisted lookup failed for user %s: %v", userID, err)
		return nil
	}
	if entry.Live(now) {
		c.hot.Set(userID, entry, time.Until(entry.ExpiresAt))
		return entry
	}
	return nil
}

// refresh runs one full clustering pass for a user and replaces the
// cache entry wholesale. Never called concurrently for one user.
func (c *ClusterCache) refresh(ctx context.Context, userID string) (*models.ClusterCacheEntry, error) {
	embeddings, err := c.store.GetEmbeddingsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to gather embeddings for user %s: %w", userID, err)
	}

	memories, err := c.store.GetMemoriesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to gather memories for user %s: %w", userID, err)
	}

	clusters, err := c.computeClusters(ctx, userID, embeddings)
	if err != nil {
		// The previous entry, if any, stays in place.
		return nil, err
	}

	c.enrichClusters(ctx, clusters, memories)

	prevVersion := int64(0)
	if prev := c.Peek(ctx, userID); prev != nil {
		prevVersion = prev.Version
	}

	now := time.Now()
	entry := &models.ClusterCacheEntry{
		UserID:    userID,
		Version:   prevVersion + 1,
		Clusters:  clusters,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	if err := c.store.ReplaceClusterCacheEntry(ctx, entry); err != nil {
		return nil, err
	}
	c.hot.Set(userID, entry, c.ttl)

	logging.WithUser(userID).Debug("cluster cache refreshed",
		"clusters", len(clusters),
		"embeddings", len(embeddings),
		"version", entry.Version,
	)
	log.Printf("✅ [CLUSTER-CACHE] Cached %d clusters for user %s (version %d)", len(clusters), userID, entry.Version)
	return entry, nil
}

// computeClusters dispatches to the worker, except for the degenerate
// sizes the worker rejects: zero embeddings cache as an empty run, and a
// single embedding becomes its own cluster locally.
func (c *ClusterCache) computeClusters(ctx context.Context, userID string, embeddings []models.Embedding) ([]models.ClusterResult, error) {
	switch len(embeddings) {
	case 0:
		return []models.ClusterResult{}, nil
	case 1:
		return []models.ClusterResult{{
			ClusterID: "solo-0",
			Centroid:  embeddings[0].Vector,
			MemoryIDs: []string{embeddings[0].MemoryID},
		}}, nil
	}

	memoryIDs := make([]string, len(embeddings))
	vectors := make([][]float64, len(embeddings))
	for i, emb := range embeddings {
		memoryIDs[i] = emb.MemoryID
		vectors[i] = emb.Vector
	}

	return c.clusterer.Cluster(ctx, userID, memoryIDs, vectors)
}

// enrichClusters attributes keywords to each cluster, ordered by how
// often they occur across the cluster's members. When the extractor has
// produced nothing for an entire cluster, keywords fall back to the most
// frequent content terms of its members. Topic is set from the leading
// keyword; clusters without any stay pending (empty topic) and render
// with a placeholder downstream.
func (c *ClusterCache) enrichClusters(ctx context.Context, clusters []models.ClusterResult, memories []models.Memory) {
	contentByID := make(map[string]string, len(memories))
	for _, mem := range memories {
		contentByID[mem.ID] = mem.Content
	}

	for i := range clusters {
		counts := make(map[string]int)
		order := []string{}

		for _, memoryID := range clusters[i].MemoryIDs {
			keywords, err := c.store.GetKeywords(ctx, memoryID)
			if err != nil {
				log.Printf("⚠️ [CLUSTER-CACHE] Keyword lookup failed for memory %s: %v", memoryID, err)
				continue
			}
			for _, kw := range keywords {
				kw = strings.ToLower(strings.TrimSpace(kw))
				if kw == "" {
					continue
				}
				if counts[kw] == 0 {
					order = append(order, kw)
				}
				counts[kw]++
			}
		}

		if len(order) == 0 {
			order, counts = fallbackKeywords(clusters[i].MemoryIDs, contentByID)
		}

		sort.SliceStable(order, func(a, b int) bool {
			return counts[order[a]] > counts[order[b]]
		})
		if len(order) > 8 {
			order = order[:8]
		}

		clusters[i].Keywords = order
		if clusters[i].Topic == "" && len(order) > 0 {
			clusters[i].Topic = order[0]
		}
	}
}

// fallbackKeywords derives candidate keywords from raw member content.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "for": true, "with": true,
	"it": true, "this": true, "that": true, "i": true, "you": true, "we": true,
	"my": true, "your": true, "not": true, "do": true, "does": true, "how": true,
	"what": true, "can": true, "about": true, "me": true, "at": true, "as": true,
}

func fallbackKeywords(memoryIDs []string, contentByID map[string]string) ([]string, map[string]int) {
	counts := make(map[string]int)
	order := []string{}

	for _, id := range memoryIDs {
		for _, word := range strings.Fields(strings.ToLower(contentByID[id])) {
			word = strings.Trim(word, ".,!?;:\"'()[]{}")
			if len(word) < 4 || stopwords[word] {
				continue
			}
			if counts[word] == 0 {
				order = append(order, word)
			}
			counts[word]++
		}
	}

	// Terms mentioned once are noise, not keywords.
	kept := order[:0]
	for _, word := range order {
		if counts[word] >= 2 {
			kept = append(kept, word)
		}
	}
	return kept, counts
}

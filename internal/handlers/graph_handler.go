package handlers

import (
	"context"
	"errors"
	"log"
	"time"

	"memograph/internal/models"
	"memograph/internal/services"

	"github.com/gofiber/fiber/v2"
)

// GraphHandler serves the knowledge graph endpoints.
type GraphHandler struct {
	cache   *services.ClusterCache
	builder *services.KnowledgeGraphBuilder
	store   services.MemoryStore
}

// NewGraphHandler creates a new graph handler.
func NewGraphHandler(cache *services.ClusterCache, builder *services.KnowledgeGraphBuilder, store services.MemoryStore) *GraphHandler {
	return &GraphHandler{cache: cache, builder: builder, store: store}
}

// GetKnowledgeGraph renders the user's memory graph.
// GET /api/v1/knowledge-graph?refresh=true
//
// Cached cluster results are served when live; refresh=true forces a new
// clustering run. If a forced or cold refresh fails but an older entry
// exists, that entry is served with stale=true instead of an error page.
func (h *GraphHandler) GetKnowledgeGraph(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID required",
		})
	}

	forceRefresh := c.Query("refresh", "false") == "true"

	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Minute)
	defer cancel()

	stale := false
	entry, err := h.cache.Get(ctx, userID, forceRefresh)
	if err != nil {
		if errors.Is(err, services.ErrInvalidInput) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "Stored embeddings are not clusterable",
			})
		}

		// Clustering failed; fall back to the last good result if any.
		entry = h.cache.Peek(ctx, userID)
		if entry == nil {
			log.Printf("❌ [GRAPH-API] Graph unavailable for user %s: %v", userID, err)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Clustering service unavailable",
			})
		}
		stale = true
		log.Printf("⚠️ [GRAPH-API] Serving stale graph (version %d) for user %s: %v", entry.Version, userID, err)
	}

	memories, err := h.store.GetMemoriesByUser(ctx, userID)
	if err != nil {
		log.Printf("❌ [GRAPH-API] Failed to load memories for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve memories",
		})
	}

	byID := make(map[string]models.Memory, len(memories))
	for _, mem := range memories {
		byID[mem.ID] = mem
	}

	nodes, links := h.builder.Build(entry.Clusters, byID)

	return c.JSON(models.KnowledgeGraph{
		Nodes:   nodes,
		Links:   links,
		Version: entry.Version,
		Stale:   stale,
	})
}

// GetClusters returns the raw cluster results without graph rendering.
// GET /api/v1/clusters
func (h *GraphHandler) GetClusters(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID required",
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Minute)
	defer cancel()

	entry, err := h.cache.Get(ctx, userID, false)
	if err != nil {
		log.Printf("❌ [GRAPH-API] Failed to get clusters for user %s: %v", userID, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Clustering service unavailable",
		})
	}

	return c.JSON(fiber.Map{
		"clusters": entry.Clusters,
		"version":  entry.Version,
		"expires":  entry.ExpiresAt.Format(time.RFC3339),
	})
}

// InvalidateCache evicts the user's cached clusters.
// DELETE /api/v1/admin/clusters/cache
func (h *GraphHandler) InvalidateCache(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID required",
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 10*time.Second)
	defer cancel()

	if err := h.cache.Invalidate(ctx, userID); err != nil {
		log.Printf("❌ [GRAPH-API] Failed to invalidate cache for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to invalidate cache",
		})
	}

	return c.JSON(fiber.Map{"status": "invalidated"})
}

// requestUserID resolves the caller's user ID. The auth layer upstream of
// this service sets X-User-ID; a query parameter is accepted for local use.
func requestUserID(c *fiber.Ctx) string {
	if id := c.Get("X-User-ID"); id != "" {
		return id
	}
	return c.Query("user_id", "")
}

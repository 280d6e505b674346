package handlers

import (
	"time"

	"memograph/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	manager *services.ClusteringServiceManager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(manager *services.ClusteringServiceManager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":            "healthy",
		"clustering_worker": string(h.manager.State()),
		"timestamp":         time.Now().Format(time.RFC3339),
	})
}

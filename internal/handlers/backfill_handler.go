package handlers

import (
	"errors"
	"log"

	"memograph/internal/services"

	"github.com/gofiber/fiber/v2"
)

// BackfillHandler exposes admin control over the embedding backfill.
type BackfillHandler struct {
	coordinator *services.BackfillCoordinator
}

// NewBackfillHandler creates a new backfill handler.
func NewBackfillHandler(coordinator *services.BackfillCoordinator) *BackfillHandler {
	return &BackfillHandler{coordinator: coordinator}
}

// TriggerBackfill runs a backfill and returns its report.
// POST /api/v1/admin/backfill  {"batch_size": 5, "max_batches": 0}
//
// The run executes within the request; the server's write timeout bounds
// it, so large backlogs should be drained with max_batches or left to the
// scheduled job.
func (h *BackfillHandler) TriggerBackfill(c *fiber.Ctx) error {
	var req struct {
		BatchSize  int `json:"batch_size"`
		MaxBatches int `json:"max_batches"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	report, err := h.coordinator.Run(c.UserContext(), services.BackfillOptions{
		BatchSize:  req.BatchSize,
		MaxBatches: req.MaxBatches,
	})
	if err != nil {
		if errors.Is(err, services.ErrBackfillRunning) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Backfill already running",
			})
		}
		log.Printf("❌ [BACKFILL-API] Run failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Backfill run failed",
		})
	}

	return c.JSON(report)
}

// GetBackfillStatus reports whether a run is in flight.
// GET /api/v1/admin/backfill
func (h *BackfillHandler) GetBackfillStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"running": h.coordinator.Running(),
	})
}

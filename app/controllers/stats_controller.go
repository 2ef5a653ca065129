package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/revopsio/recoup/app/repository"
	"github.com/revopsio/recoup/internal/pkg/statistics"
)

// HandleStats returns the operator statistics overview.
func HandleStats(c *fiber.Ctx) error {
	factory := repository.GetGlobalFactory()

	var unhandled int64
	if webhookEngine != nil {
		unhandled = webhookEngine.UnhandledCount()
	}

	overview, err := statistics.GetOverview(
		factory.GetEventRepository(),
		factory.GetDunningRepository(),
		unhandled,
	)
	if err != nil {
		log.Errorf("[Stats] Building overview failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}

	return c.JSON(overview)
}

// HandleHealth is the liveness probe.
func HandleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

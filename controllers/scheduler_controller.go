package controller

import (
	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailcadence/engine"
)

type SchedulerController struct {
	Scheduler *engine.Scheduler
	Logger    *logrus.Logger
}

func NewSchedulerController(scheduler *engine.Scheduler, logger *logrus.Logger) *SchedulerController {
	return &SchedulerController{
		Scheduler: scheduler,
		Logger:    logger,
	}
}

// RunScheduler executes one scheduling pass. The endpoint is invoked by an
// external cron trigger; overlapping invocations are safe because due work is
// claimed row by row.
func (sc *SchedulerController) RunScheduler(c *fiber.Ctx) error {
	summary, err := sc.Scheduler.ProcessScheduledSends(c.Context())
	if err != nil {
		sc.Logger.WithError(err).Error("scheduler pass failed")
		sentry.CaptureException(err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Scheduler pass failed",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Scheduler pass completed",
		"summary": summary,
	})
}

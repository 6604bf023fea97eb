package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "mailcadence/controllers"
	"mailcadence/engine"
	"mailcadence/middleware"
	"mailcadence/store"
)

// Deps carries the wired engine components into route registration.
type Deps struct {
	DB        *gorm.DB
	Store     store.Store
	Log       *logrus.Logger
	Scheduler *engine.Scheduler
	AutoPause *engine.AutoPause
	Guard     *engine.QuotaGuard
	Registry  engine.AdapterRegistry
}

func SetupRoutes(app *fiber.App, deps Deps) {
	campaignController := controller.NewCampaignController(deps.DB, deps.Log, deps.Scheduler, deps.AutoPause)
	senderController := controller.NewSenderController(deps.DB, deps.Log, deps.Guard, deps.Registry)
	schedulerController := controller.NewSchedulerController(deps.Scheduler, deps.Log)
	eventController := controller.NewEventController(deps.Store, deps.Log, deps.AutoPause)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), middleware.APIRateLimiter(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Campaign routes
	campaigns := api.Group("/campaigns")
	campaigns.Post("/", campaignController.CreateCampaign)
	campaigns.Get("/", campaignController.GetCampaigns)
	campaigns.Get("/:id", campaignController.GetCampaign)
	campaigns.Post("/:id/steps", campaignController.AddStep)
	campaigns.Post("/:id/activate", campaignController.ActivateCampaign)
	campaigns.Post("/:id/enroll", campaignController.EnrollProspects)
	campaigns.Post("/:id/pause", campaignController.PauseCampaign)
	campaigns.Post("/:id/resume", campaignController.ResumeCampaign)

	// Sender routes
	senders := api.Group("/senders")
	senders.Post("/", senderController.CreateSender)
	senders.Get("/", senderController.GetSenders)
	senders.Get("/:id/quota", senderController.GetQuota)

	// Internal endpoints for trusted infrastructure
	internal := app.Group("/internal", middleware.InternalOnly())
	internal.Post("/scheduler/run", schedulerController.RunScheduler)

	// Provider webhooks share the internal secret
	webhooks := app.Group("/webhooks", middleware.InternalOnly())
	webhooks.Post("/email-events", eventController.HandleEmailEvent)

	// Public tracking endpoints, addressed by opaque tracking id
	app.Get("/track/open/:trackingID", eventController.HandleOpenTracking)
	app.Get("/track/click/:trackingID", eventController.HandleClickTracking)
}

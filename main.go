package main

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailcadence/config"
	"mailcadence/engine"
	"mailcadence/mailer"
	"mailcadence/middleware"
	"mailcadence/routes"
	"mailcadence/store"
	"mailcadence/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Fatalf("Failed to initialize Sentry: %v", err)
		}
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Wire the delivery engine
	st := store.NewGormStore(config.DB)
	registry := mailer.NewRegistry(st, config.AppConfig.Scheduler.ProviderTimeout)
	guard := engine.NewQuotaGuard(st, logger)
	sender := engine.NewEmailSender(st, registry, guard, logger,
		config.AppConfig.Scheduler.SendDelay,
		config.AppConfig.Scheduler.ProviderTimeout,
		config.AppConfig.TrackingURL)
	scheduler := engine.NewScheduler(st, sender, logger,
		config.AppConfig.Scheduler.BatchSize,
		config.AppConfig.Scheduler.MaxStepRetries,
		config.AppConfig.Scheduler.RetryBackoff)
	autopause := engine.NewAutoPause(st, logger, config.AppConfig.Scheduler.MaxBounceRetries)

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	// Start the reply/bounce inbox poller
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inboxWorker := worker.NewInboxWorker(st, autopause, logger, config.AppConfig.InboxPollInterval)
	go inboxWorker.Start(ctx)

	routes.SetupRoutes(app, routes.Deps{
		DB:        config.DB,
		Store:     st,
		Log:       logger,
		Scheduler: scheduler,
		AutoPause: autopause,
		Guard:     guard,
		Registry:  registry,
	})

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/revopsio/recoup/app/controllers"
	"github.com/revopsio/recoup/app/repository"
	"github.com/revopsio/recoup/internal/pkg/cache"
	"github.com/revopsio/recoup/internal/pkg/constants"
	"github.com/revopsio/recoup/internal/pkg/database"
	"github.com/revopsio/recoup/internal/pkg/dunning"
	"github.com/revopsio/recoup/internal/pkg/env"
	"github.com/revopsio/recoup/internal/pkg/events"
	"github.com/revopsio/recoup/internal/pkg/gateway"
	"github.com/revopsio/recoup/internal/pkg/mail"
	"github.com/revopsio/recoup/internal/pkg/router"
)

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Println("Shutdown signal received, draining workers...")
		manager.Stop()
		_ = app.Shutdown()
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))); err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *events.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	repository.InitializeFactory(db)
	factory := repository.GetGlobalFactory()

	strategies := dunning.NewRegistry(factory.GetStrategyRepository())
	if err := strategies.Load(); err != nil {
		log.Fatalf("Loading dunning strategies failed: %v", err)
	}

	orchestrator := dunning.NewOrchestrator(
		db,
		strategies,
		gateway.NewClientFromEnv(),
		mail.NewSMTPMailer(),
		intFromEnv("DUNNING_BATCH_SIZE", 0),
	)

	registry := events.NewRegistry(events.NewHandlers(orchestrator))
	engine := events.NewEngine(db, factory.GetEventRepository(), registry, events.Config{
		Workers:    intFromEnv("ENGINE_WORKERS", 0),
		MaxRetries: intFromEnv("ENGINE_MAX_RETRIES", 0),
	})
	manager := events.NewManager(engine, orchestrator, factory.GetEventRepository(), events.ManagerConfig{})

	controllers.InitializeWebhookController(engine)

	app := fiber.New(fiber.Config{
		AppName: "recoup",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get(constants.MetricsRoute, basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("STATS_USER", "admin"): env.GetEnv("STATS_PASSWORD", "admin"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app, manager
}

func intFromEnv(key string, def int) int {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Invalid value for %s: %q, using default", key, raw)
		return def
	}
	return v
}

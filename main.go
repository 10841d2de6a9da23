package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/wayjake/innbox/config"
	"github.com/wayjake/innbox/events"
	"github.com/wayjake/innbox/handlers/api"
	"github.com/wayjake/innbox/ingest"
	"github.com/wayjake/innbox/storage"
	"github.com/wayjake/innbox/threading"
	"github.com/wayjake/innbox/utils"
)

// isStreamRequest reports whether the response is a long-lived stream
func isStreamRequest(c *fiber.Ctx) bool {
	path := c.Path()
	return strings.HasPrefix(path, "/ws/") || strings.HasSuffix(path, "/stream")
}

func main() {
	utils.Log.Info("Initializing innbox...")

	// Load configuration
	cfg, err := config.LoadConfig("config.toml")
	if err != nil {
		utils.Log.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	utils.Log.SetLevel(utils.ParseLogLevel(cfg.Log.Level))

	db, err := storage.InitDB(cfg.Storage.DataDir)
	if err != nil {
		utils.Log.Error("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	blobs, err := storage.NewFileBlobStore(cfg.Storage.BlobDir, cfg.Server.PublicBaseURL)
	if err != nil {
		utils.Log.Error("Failed to initialize blob storage: %v", err)
		os.Exit(1)
	}

	mailboxes := storage.NewMailboxStorage(db)
	threads := storage.NewThreadStorage(db)
	messages := storage.NewMessageStorage(db)
	sent := storage.NewSentStorage(db)

	bus := events.NewBus(cfg.Stream.HeartbeatInterval)
	if err := bus.Start(); err != nil {
		utils.Log.Error("Failed to start event bus: %v", err)
		os.Exit(1)
	}
	defer bus.Stop()

	updater := threading.NewUpdater(threads)
	gateway := ingest.NewGateway(ingest.Config{
		Domain:        cfg.Server.Domain,
		Secret:        cfg.Webhook.Secret,
		PreviewLength: cfg.Threading.PreviewLength,
	}, ingest.Deps{
		Mailboxes: mailboxes,
		Messages:  messages,
		Sent:      sent,
		Resolver:  threading.NewResolver(messages, threads, cfg.Threading.SubjectWindow),
		Updater:   updater,
		Blobs:     blobs,
		Broker:    bus,
	})
	defer gateway.Close()

	app := fiber.New(fiber.Config{
		ErrorHandler: api.ErrorHandler,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	// Add global middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(compress.New(compress.Config{
		Next: isStreamRequest,
	}))
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "no-referrer",
	}))
	app.Use("/api", func(c *fiber.Ctx) error {
		for k, v := range cfg.GetSecurityHeaders() {
			c.Set(k, v)
		}
		return c.Next()
	})

	api.NewHandler(api.Deps{
		Config:    cfg,
		Mailboxes: mailboxes,
		Threads:   threads,
		Messages:  messages,
		Sent:      sent,
		Gateway:   gateway,
		Updater:   updater,
		Bus:       bus,
	}).Register(app)

	// 404 Handler for undefined routes
	app.Use(func(c *fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		utils.Log.Info("Shutting down...")
		// Closing the bus ends open streams so Shutdown does not wait on them
		bus.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			utils.Log.Error("Shutdown failed: %v", err)
		}
	}()

	utils.Log.Info("Starting server on port %d for %s...", cfg.Server.Port, cfg.Server.Domain)
	if err := app.Listen(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
		utils.Log.Error("Error starting server: %v", err)
	}
}

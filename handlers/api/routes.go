package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/wayjake/innbox/middleware"
)

// Register mounts every route on app
func (h *Handler) Register(app *fiber.App) {
	cfg := h.Config

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// The relay retries on its own schedule; limit per source address
	app.Post("/webhooks/inbound",
		middleware.RateLimiter(middleware.RateLimiterConfig{
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
		}),
		h.HandleInbound,
	)

	app.Static("/blobs", cfg.Storage.BlobDir, fiber.Static{
		Download:      true,
		CacheDuration: time.Hour,
	})

	auth := middleware.RequireAccount(cfg.Auth.JWTSecret)

	app.Get("/ws/mailboxes/:id", auth, h.UpgradeWebSocket, h.HandleWebSocket())

	apiRoutes := app.Group("/api", auth, middleware.RateLimiter(middleware.RateLimiterConfig{
		Requests: cfg.RateLimit.Requests,
		Window:   cfg.RateLimit.Window,
		KeyFunc:  middleware.AccountID,
	}))
	{
		// Mailbox routes
		apiRoutes.Get("/mailboxes", h.ListMailboxes)
		apiRoutes.Post("/mailboxes", h.CreateMailbox)
		apiRoutes.Get("/mailboxes/:id", h.GetMailbox)
		apiRoutes.Patch("/mailboxes/:id", h.UpdateMailbox)

		// Streaming
		apiRoutes.Get("/mailboxes/:id/stream", h.HandleSSE)

		// Thread and message routes
		apiRoutes.Get("/mailboxes/:id/threads", h.ListThreads)
		apiRoutes.Get("/mailboxes/:id/threads/:threadId/messages", h.ThreadMessages)
		apiRoutes.Post("/mailboxes/:id/messages/read", h.MarkRead)
		apiRoutes.Post("/mailboxes/:id/messages/:messageId/star", h.ToggleStar)

		// Outbound records
		apiRoutes.Post("/mailboxes/:id/sent", h.RecordSent)
		apiRoutes.Patch("/mailboxes/:id/sent/:sentId", h.UpdateSentStatus)
	}
}

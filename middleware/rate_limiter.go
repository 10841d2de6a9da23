package middleware

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// RateLimiterConfig configures RateLimiter
type RateLimiterConfig struct {
	Requests int // Burst and per-Window budget
	Window   time.Duration
	// KeyFunc picks the bucket for a request; defaults to the client IP
	KeyFunc func(c *fiber.Ctx) string
	// IdleTTL drops buckets not seen for this long; defaults to 10 minutes
	IdleTTL time.Duration
}

// RateLimiter creates a rate limiting middleware. Idle buckets are swept
// during requests, so no background goroutine is needed.
func RateLimiter(cfg RateLimiterConfig) fiber.Handler {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	if cfg.Requests <= 0 {
		cfg.Requests = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c *fiber.Ctx) string { return c.IP() }
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}

	var (
		clients   = make(map[string]*client)
		mu        sync.Mutex
		lastSweep = time.Now()
	)

	return func(c *fiber.Ctx) error {
		key := cfg.KeyFunc(c)
		now := time.Now()

		mu.Lock()
		if now.Sub(lastSweep) > cfg.IdleTTL/2 {
			for k, cl := range clients {
				if now.Sub(cl.lastSeen) > cfg.IdleTTL {
					delete(clients, k)
				}
			}
			lastSweep = now
		}
		cl, exists := clients[key]
		if !exists {
			// Create new limiter: requests per window
			limiter := rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.Requests)), cfg.Requests)
			cl = &client{limiter: limiter}
			clients[key] = cl
		}
		cl.lastSeen = now
		mu.Unlock()

		if !cl.limiter.Allow() {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return c.Next()
	}
}

package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"shooramail/utils"
)

// RateLimiter allows each client IP a burst of requests per window,
// refilled evenly. A non-positive requests value disables limiting.
func RateLimiter(requests int, window time.Duration) fiber.Handler {
	if requests <= 0 || window <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}

	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		clients = make(map[string]*client)
		mu      sync.Mutex
	)

	// Cleanup idle clients every 5 minutes
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for ip, c := range clients {
				if time.Since(c.lastSeen) > 2*window+10*time.Minute {
					delete(clients, ip)
				}
			}
			mu.Unlock()
		}
	}()

	every := window / time.Duration(requests)
	retryAfter := strconv.Itoa(int(every.Seconds()) + 1)

	return func(c *fiber.Ctx) error {
		ip := c.IP()

		mu.Lock()
		cl, exists := clients[ip]
		if !exists {
			cl = &client{limiter: rate.NewLimiter(rate.Every(every), requests)}
			clients[ip] = cl
		}
		cl.lastSeen = time.Now()
		mu.Unlock()

		if !cl.limiter.Allow() {
			c.Set(fiber.HeaderRetryAfter, retryAfter)
			return utils.TooManyRequestsError("rate limit exceeded", nil).
				WithContext("ip", ip).
				WithMessageID("error_rate_limit")
		}

		return c.Next()
	}
}

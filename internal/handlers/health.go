package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

var startTime = time.Now()

// NewHealthHandler returns a handler reporting service status and uptime.
// When a Redis client is supplied its reachability is probed best-effort;
// the probe never fails the endpoint.
func NewHealthHandler(service string, rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		resp := fiber.Map{
			"status":      "ok",
			"service":     service,
			"uptime_secs": int64(time.Since(startTime).Seconds()),
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}
		if rdb != nil {
			ctx, cancel := context.WithTimeout(c.Context(), 500*time.Millisecond)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				resp["redis"] = "unreachable"
			} else {
				resp["redis"] = "ok"
			}
		}
		return c.JSON(resp)
	}
}

// NewIndexHandler returns a handler describing the service's endpoints.
func NewIndexHandler(service string, endpoints map[string]string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service":   service,
			"endpoints": endpoints,
		})
	}
}

package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterHealthRoutes adds liveness and readiness endpoints.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		checks := fiber.Map{}
		healthy := true
		if d.DB != nil {
			checks["postgres"] = "ok"
			if err := d.DB.Ping(ctx); err != nil {
				checks["postgres"] = err.Error()
				healthy = false
			}
		}
		if d.Cache != nil {
			checks["redis"] = "ok"
			if err := d.Cache.Ping(ctx).Err(); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			}
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    checks,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

package app

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/redis/go-redis/v9"

	"imgsvc/internal/handlers"
	"imgsvc/internal/matting"
	"imgsvc/internal/utils"
)

// newApp creates a Fiber app with the shared error envelope. Outside
// production, non-HTTP errors carry their detail in the response.
func newApp(cfg utils.Config, bodyLimit int) *fiber.App {
	return fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		DisableStartupMessage: true,
		BodyLimit:             bodyLimit,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal Server Error"
			detail := ""

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				msg = e.Message
			} else if !cfg.IsProduction() {
				detail = err.Error()
			}

			utils.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

			body := fiber.Map{"code": code, "message": msg}
			if detail != "" {
				body["detail"] = detail
			}
			return c.Status(code).JSON(fiber.Map{"error": body})
		},
	})
}

// SetupRenderApp builds the HTML-capture service.
func SetupRenderApp(cfg utils.Config, rdb *redis.Client) *fiber.App {
	// Leave headroom above the HTML cap for JSON framing.
	app := newApp(cfg, cfg.Capture.MaxHTMLBytes+1024*1024)
	RegisterMiddleware(app, cfg)

	svc := handlers.NewRenderService(cfg)

	app.Post("/api/render", svc.HandleRender)
	app.Post("/render", svc.HandleRenderScaled)
	app.Get("/stats/chrome", svc.HandleChromeStats)
	app.Get("/monitor", monitor.New())
	app.Get("/health", handlers.NewHealthHandler("render", rdb))
	app.Get("/", handlers.NewIndexHandler("render", map[string]string{
		"POST /api/render":  "render HTML to PNG (width, height)",
		"POST /render":      "render HTML to PNG (width, height, deviceScaleFactor)",
		"GET /health":       "service status",
		"GET /stats/chrome": "chrome pool stats",
	}))

	// All responses, including 404s, return JSON.
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})
	return app
}

// SetupUploadApp builds the background-removal service.
func SetupUploadApp(cfg utils.Config, rdb *redis.Client, remover matting.Remover) *fiber.App {
	app := newApp(cfg, cfg.Upload.MaxFileBytes+1024*1024)
	RegisterMiddleware(app, cfg)

	svc := handlers.NewUploadService(cfg, remover)

	app.Post("/api/remove-background", svc.HandleRemoveBackground)
	app.Get("/api/health", handlers.NewHealthHandler("bgremove", rdb))
	app.Get("/monitor", monitor.New())
	app.Get("/", handlers.NewIndexHandler("bgremove", map[string]string{
		"POST /api/remove-background": "remove image background (multipart field: image)",
		"GET /api/health":             "service status",
	}))

	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})
	return app
}

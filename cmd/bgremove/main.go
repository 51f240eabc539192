package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"imgsvc/internal/app"
	"imgsvc/internal/matting"
	"imgsvc/internal/utils"
)

func main() {
	cfg := utils.LoadConfig()
	utils.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)

	if cfg.Matting.Endpoint == "" {
		utils.Warn("No matting endpoint configured; removal requests will fail")
	}

	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Host,
			DB:   cfg.Redis.RateLimitDB,
		})
	}

	idleConnsClosed := make(chan struct{})
	if cfg.Auth.Enabled {
		if err := utils.LoadTokensFromPostgres(cfg.Auth.Postgres); err != nil {
			utils.Error("Failed to load API tokens", "error", err)
		}
		go utils.RefreshTokensPeriodicallyFromPostgres(cfg.Auth.Postgres, time.Minute, idleConnsClosed)
	}

	fiberApp := app.SetupUploadApp(cfg, rdb, matting.NewClient(cfg))

	startServer(fiberApp, cfg, idleConnsClosed)
	<-idleConnsClosed
}

// startServer starts the Fiber app and listens for shutdown signals.
func startServer(app *fiber.App, cfg utils.Config, idleConnsClosed chan struct{}) {
	go func() {
		if err := app.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			utils.Error("Server error", "error", err)
		}
	}()
	utils.Info("Background-removal service listening", "addr", cfg.Server.Host+cfg.Server.Port, "env", cfg.Env)

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	<-sigint

	utils.Warn("Shutdown signal received, closing server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		utils.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
	utils.Info("Server stopped cleanly")
}

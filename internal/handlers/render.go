package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"imgsvc/internal/capture"
	"imgsvc/internal/chrome"
	"imgsvc/internal/htmlprep"
	"imgsvc/internal/utils"
)

// Default dimensions for the scaled variant; the plain variant takes its
// defaults from config. 1200x630 is the usual social-card aspect.
const (
	cardWidth  = 1200
	cardHeight = 630
)

// Viewport bounds; out-of-range request values fall back to defaults rather
// than erroring, only bad html rejects a request.
const (
	minDimension = 16
	maxDimension = 4096
	minScale     = 1
	maxScale     = 4
)

// RenderParams holds validated capture parameters.
type RenderParams struct {
	HTML   string
	Width  int
	Height int
	Scale  float64

	// Detailed selects the response shape of the scaled variant
	// (X-Success header, explicit Content-Length).
	Detailed bool
}

// RenderService bundles configuration and the optional Chrome pool for the
// capture endpoints.
type RenderService struct {
	Config *utils.Config

	// render is the capture backend; tests swap it for a fake.
	render func(html string, opts capture.Options) ([]byte, error)

	poolMu  sync.Mutex
	pool    *chrome.Pool
	poolErr error
}

// NewRenderService creates a RenderService.
func NewRenderService(cfg utils.Config) *RenderService {
	svc := &RenderService{Config: &cfg}
	svc.render = svc.renderPNG
	return svc
}

func (svc *RenderService) getChromePool() (*chrome.Pool, error) {
	svc.poolMu.Lock()
	defer svc.poolMu.Unlock()

	if svc.Config.Capture.ChromePoolSize <= 0 {
		return nil, nil
	}
	if svc.pool != nil {
		return svc.pool, nil
	}
	pool, err := chrome.NewPool(*svc.Config)
	if err != nil {
		svc.poolErr = err
		return nil, err
	}
	svc.pool = pool
	return svc.pool, nil
}

// HandleRender captures posted HTML at the configured default viewport.
func (svc *RenderService) HandleRender(c *fiber.Ctx) error {
	params, err := svc.validateRenderParams(c, false)
	if err != nil {
		return err
	}
	return svc.processCapture(c, params)
}

// HandleRenderScaled is the variant with deviceScaleFactor support and
// richer response headers.
func (svc *RenderService) HandleRenderScaled(c *fiber.Ctx) error {
	params, err := svc.validateRenderParams(c, true)
	if err != nil {
		return err
	}
	return svc.processCapture(c, params)
}

// validateRenderParams parses the JSON body into explicit parameters with
// defaulted optional fields.
func (svc *RenderService) validateRenderParams(c *fiber.Ctx, detailed bool) (*RenderParams, error) {
	var raw struct {
		HTML              interface{} `json:"html"`
		Width             interface{} `json:"width"`
		Height            interface{} `json:"height"`
		DeviceScaleFactor interface{} `json:"deviceScaleFactor"`
	}
	if err := json.Unmarshal(c.Body(), &raw); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid JSON body")
	}

	html, ok := raw.HTML.(string)
	if !ok {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid request: html must be a string")
	}
	if html == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid request: html is empty")
	}
	if len(html) > svc.Config.Capture.MaxHTMLBytes {
		return nil, fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("HTML input exceeds %d bytes", svc.Config.Capture.MaxHTMLBytes))
	}

	defWidth, defHeight := svc.Config.Capture.DefaultWidth, svc.Config.Capture.DefaultHeight
	if detailed {
		defWidth, defHeight = cardWidth, cardHeight
	}

	params := &RenderParams{
		HTML:     html,
		Width:    intInRange(raw.Width, defWidth, minDimension, maxDimension),
		Height:   intInRange(raw.Height, defHeight, minDimension, maxDimension),
		Scale:    svc.Config.Capture.DefaultScale,
		Detailed: detailed,
	}
	if detailed {
		params.Scale = floatInRange(raw.DeviceScaleFactor, svc.Config.Capture.DefaultScale, minScale, maxScale)
	}
	return params, nil
}

// processCapture preprocesses the HTML, renders it and writes the PNG.
func (svc *RenderService) processCapture(c *fiber.Ctx, params *RenderParams) error {
	start := time.Now()

	prepared := htmlprep.Prepare(c.Context(), params.HTML, *svc.Config)

	png, err := svc.render(prepared, capture.Options{
		Width:        params.Width,
		Height:       params.Height,
		Scale:        params.Scale,
		SettleBudget: time.Duration(svc.Config.Capture.SettleMillis) * time.Millisecond,
	})
	if err != nil {
		utils.Error("Capture failed", "error", err.Error(), "width", params.Width, "height", params.Height)
		msg := "Render failed"
		if !svc.Config.IsProduction() {
			msg = "Render failed: " + err.Error()
		}
		return fiber.NewError(fiber.StatusInternalServerError, msg)
	}

	if len(png) > svc.Config.Capture.MaxPNGBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "Rendered PNG exceeds allowed size")
	}

	elapsed := time.Since(start)
	requestID := c.Get("X-Request-ID")
	utils.Info("HTML captured", "bytes", len(png), "elapsed_ms", elapsed.Milliseconds(), "request_id", requestID)

	c.Set("Content-Type", "image/png")
	c.Set("X-Render-Time", fmt.Sprintf("%dms", elapsed.Milliseconds()))
	if params.Detailed {
		c.Set("X-Success", "true")
		c.Set("Content-Length", strconv.Itoa(len(png)))
	}
	return c.Send(png)
}

// renderPNG captures through the warm pool when one is configured, falling
// back to one isolated Chrome per request otherwise.
func (svc *RenderService) renderPNG(html string, opts capture.Options) ([]byte, error) {
	pool, err := svc.getChromePool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return capture.WithChrome(html, opts, *svc.Config)
	}

	timeout := time.Duration(svc.Config.Capture.TimeoutSecs) * time.Second

	runOnce := func() ([]byte, error) {
		acquireCtx, acquireCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer acquireCancel()

		tab, err := pool.Acquire(acquireCtx)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(tab.Ctx, timeout)
		png, renderErr := capture.InTab(ctx, html, opts)
		cancel()

		pool.Release(tab, renderErr)
		return png, renderErr
	}

	png, renderErr := runOnce()
	if renderErr != nil && chrome.IsSessionInterrupted(renderErr) {
		utils.Warn("Chrome session interrupted; restarting pool and retrying once", "error", renderErr.Error())
		_ = pool.Restart()
		return runOnce()
	}
	return png, renderErr
}

// HandleChromeStats exposes basic observability for the Chrome pool.
func (svc *RenderService) HandleChromeStats(c *fiber.Ctx) error {
	pool, err := svc.getChromePool()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Chrome pool init failed: "+err.Error())
	}

	if pool == nil {
		return c.JSON(fiber.Map{
			"enabled":        false,
			"capacity":       0,
			"idle":           0,
			"in_use":         0,
			"pool_size_conf": svc.Config.Capture.ChromePoolSize,
			"profile_dir":    "",
			"timeout_secs":   svc.Config.Capture.TimeoutSecs,
			"restarts":       0,
		})
	}

	s := pool.Stats(svc.Config.Capture.TimeoutSecs)
	return c.JSON(fiber.Map{
		"enabled":        s.Enabled,
		"capacity":       s.Capacity,
		"idle":           s.Idle,
		"in_use":         s.InUse,
		"pool_size_conf": s.PoolSizeConf,
		"profile_dir":    s.ProfileDir,
		"timeout_secs":   svc.Config.Capture.TimeoutSecs,
		"restarts":       s.Restarts,
		"last_restart":   s.LastRestart,
	})
}

func intInRange(v interface{}, def, min, max int) int {
	f, ok := v.(float64)
	if !ok {
		return def
	}
	n := int(f)
	if n < min || n > max {
		return def
	}
	return n
}

func floatInRange(v interface{}, def, min, max float64) float64 {
	f, ok := v.(float64)
	if !ok {
		return def
	}
	if f < min || f > max {
		return def
	}
	return f
}

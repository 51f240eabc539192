package handlers

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"

	"imgsvc/internal/capture"
	"imgsvc/internal/utils"
)

func testRenderCfg() utils.Config {
	var cfg utils.Config
	cfg.Capture.TimeoutSecs = 1
	cfg.Capture.SettleMillis = 10
	cfg.Capture.DefaultWidth = 1200
	cfg.Capture.DefaultHeight = 800
	cfg.Capture.DefaultScale = 2
	cfg.Capture.MaxHTMLBytes = 1024 * 1024
	cfg.Capture.MaxPNGBytes = 32 * 1024 * 1024
	return cfg
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestValidateRenderParams_Defaults(t *testing.T) {
	svc := NewRenderService(testRenderCfg())

	app := fiber.New()
	var got *RenderParams
	app.Post("/probe", func(c *fiber.Ctx) error {
		p, err := svc.validateRenderParams(c, false)
		if err != nil {
			return err
		}
		got = p
		return c.SendString("ok")
	})

	req := httptest.NewRequest("POST", "/probe", strings.NewReader(`{"html":"<h1>Hi</h1>"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got.Width != 1200 || got.Height != 800 {
		t.Fatalf("expected default 1200x800, got %dx%d", got.Width, got.Height)
	}
	if got.Scale != 2 {
		t.Fatalf("expected default scale 2, got %v", got.Scale)
	}
}

func TestValidateRenderParams_DetailedDefaultsAndClamps(t *testing.T) {
	svc := NewRenderService(testRenderCfg())

	app := fiber.New()
	var got *RenderParams
	app.Post("/probe", func(c *fiber.Ctx) error {
		p, err := svc.validateRenderParams(c, true)
		if err != nil {
			return err
		}
		got = p
		return c.SendString("ok")
	})

	cases := []struct {
		body          string
		width, height int
		scale         float64
	}{
		{`{"html":"<p>x</p>"}`, 1200, 630, 2},
		{`{"html":"<p>x</p>","width":640,"height":480,"deviceScaleFactor":1}`, 640, 480, 1},
		{`{"html":"<p>x</p>","width":99999,"height":-5,"deviceScaleFactor":42}`, 1200, 630, 2},
		{`{"html":"<p>x</p>","width":"wide"}`, 1200, 630, 2},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("POST", "/probe", strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("body %s: expected 200, got %d", tc.body, resp.StatusCode)
		}
		if got.Width != tc.width || got.Height != tc.height || got.Scale != tc.scale {
			t.Fatalf("body %s: got %dx%d@%v, want %dx%d@%v",
				tc.body, got.Width, got.Height, got.Scale, tc.width, tc.height, tc.scale)
		}
	}
}

func TestHandleRender_Validation(t *testing.T) {
	svc := NewRenderService(testRenderCfg())
	app := fiber.New()
	app.Post("/api/render", svc.HandleRender)
	app.Post("/render", svc.HandleRenderScaled)

	cases := []struct {
		path string
		body string
	}{
		{"/api/render", `{}`},
		{"/api/render", `{"html":""}`},
		{"/api/render", `not json at all`},
		{"/render", `{"html":42}`},
		{"/render", `{"html":null}`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("POST", tc.path, strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d", tc.path, tc.body, resp.StatusCode)
		}
	}
}

func TestHandleRender_SuccessHeaders(t *testing.T) {
	fakePNG := encodePNG(t, 8, 8)

	svc := NewRenderService(testRenderCfg())
	svc.render = func(html string, opts capture.Options) ([]byte, error) {
		return fakePNG, nil
	}

	app := fiber.New()
	app.Post("/render", svc.HandleRenderScaled)

	req := httptest.NewRequest("POST", "/render", strings.NewReader(`{"html":"<h1>Hi</h1>"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	if resp.Header.Get("X-Success") != "true" {
		t.Fatalf("expected X-Success header")
	}
	if resp.Header.Get("X-Render-Time") == "" {
		t.Fatalf("expected X-Render-Time header")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) == 0 || !bytes.Equal(body, fakePNG) {
		t.Fatalf("unexpected body")
	}
	if cl := resp.Header.Get("Content-Length"); cl != strconv.Itoa(len(body)) {
		t.Fatalf("Content-Length %q does not match body length %d", cl, len(body))
	}
}

func TestHandleRender_SanitizesBeforeCapture(t *testing.T) {
	svc := NewRenderService(testRenderCfg())
	var captured string
	svc.render = func(html string, opts capture.Options) ([]byte, error) {
		captured = html
		return []byte{1}, nil
	}

	app := fiber.New()
	app.Post("/api/render", svc.HandleRender)

	req := httptest.NewRequest("POST", "/api/render",
		strings.NewReader(`{"html":"<h1>Hi</h1><script>alert(1)</script>"}`))
	req.Header.Set("Content-Type", "application/json")
	if _, err := app.Test(req); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if strings.Contains(captured, "<script") {
		t.Fatalf("script tag reached the capture backend: %q", captured)
	}
	if !strings.Contains(captured, "preconnect") {
		t.Fatalf("expected preconnect hints injected: %q", captured)
	}
}

func TestHandleRender_ErrorPath(t *testing.T) {
	cfg := testRenderCfg()
	cfg.Capture.ChromePath = "/definitely/missing/chrome"

	svc := NewRenderService(cfg)
	app := fiber.New()
	app.Post("/api/render", svc.HandleRender)

	req := httptest.NewRequest("POST", "/api/render", strings.NewReader(`{"html":"<h1>Hi</h1>"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 from missing chrome path, got %d", resp.StatusCode)
	}
}

func TestHandleRender_TooLargePNG(t *testing.T) {
	cfg := testRenderCfg()
	cfg.Capture.MaxPNGBytes = 4

	svc := NewRenderService(cfg)
	svc.render = func(html string, opts capture.Options) ([]byte, error) {
		return []byte{1, 2, 3, 4, 5, 6}, nil
	}

	app := fiber.New()
	app.Post("/api/render", svc.HandleRender)

	req := httptest.NewRequest("POST", "/api/render", strings.NewReader(`{"html":"<h1>Hi</h1>"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestHandleRender_ConcurrentRequests(t *testing.T) {
	svc := NewRenderService(testRenderCfg())
	svc.render = func(html string, opts capture.Options) ([]byte, error) {
		return []byte{0x89, 0x50, 0x4e, 0x47}, nil
	}

	app := fiber.New()
	app.Post("/api/render", svc.HandleRender)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("POST", "/api/render", strings.NewReader(`{"html":"<h1>Hi</h1>"}`))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req, -1)
			if err != nil {
				errs <- err
				return
			}
			if resp.StatusCode != fiber.StatusOK {
				errs <- fmt.Errorf("unexpected status %d", resp.StatusCode)
				return
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				errs <- err
				return
			}
			if len(body) != 4 {
				errs <- fmt.Errorf("unexpected body length %d", len(body))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent request failed: %v", err)
	}
}

func TestHandleChromeStats_Disabled(t *testing.T) {
	svc := NewRenderService(testRenderCfg())
	app := fiber.New()
	app.Get("/stats/chrome", svc.HandleChromeStats)

	resp, err := app.Test(httptest.NewRequest("GET", "/stats/chrome", nil))
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 for disabled pool stats, got %d", resp.StatusCode)
	}
}

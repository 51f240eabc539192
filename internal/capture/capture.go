// Package capture turns an HTML document into a clipped PNG screenshot via
// headless Chrome. Each capture is a linear pipeline: load content, wait for
// the page to settle, shoot the viewport, tear everything down.
package capture

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"imgsvc/internal/chrome"
	"imgsvc/internal/utils"
)

// Options are the per-request capture parameters. All fields must be
// populated; defaulting happens at the handler layer.
type Options struct {
	Width  int
	Height int
	Scale  float64

	// SettleBudget bounds the post-load settling phase. The wait is
	// best-effort: when the budget runs out the page is captured as-is.
	SettleBudget time.Duration
}

// finalDelay is one last fixed pause after the settle budget, matching the
// trailing delay the settling policy documents.
const finalDelay = 150 * time.Millisecond

const fontsReadyJS = `(document.fonts ? document.fonts.ready : Promise.resolve()).then(() => true)`

// Every <img> resolves on load or error; broken images must not stall the
// capture.
const imagesSettledJS = `Promise.all(Array.from(document.images).map((img) =>
	img.complete ? Promise.resolve(true) : new Promise((resolve) => {
		img.addEventListener('load', () => resolve(true), { once: true });
		img.addEventListener('error', () => resolve(true), { once: true });
	})
)).then(() => true)`

// settleJS alternates animation frames and short timers until the budget
// (milliseconds, substituted in) is spent.
const settleJS = `new Promise((resolve) => {
	const deadline = performance.now() + %d;
	const tick = () => {
		if (performance.now() >= deadline) { resolve(true); return; }
		requestAnimationFrame(() => setTimeout(tick, 16));
	};
	tick();
})`

// WithChrome launches an isolated Chrome for a single capture and tears it
// down unconditionally, profile directory included.
func WithChrome(html string, opts Options, cfg utils.Config) ([]byte, error) {
	profileDir, err := chrome.CreateProfileDir(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(profileDir); err != nil {
			utils.Warn("Failed to remove chrome profile dir", "dir", profileDir, "error", err.Error())
		}
	}()

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), chrome.AllocatorOptions(cfg, profileDir)...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	timeout := time.Duration(cfg.Capture.TimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()

	return InTab(ctx, html, opts)
}

// InTab runs the capture pipeline inside an existing chromedp context.
func InTab(ctx context.Context, html string, opts Options) ([]byte, error) {
	var png []byte

	actions := []chromedp.Action{
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			// Injected inline styles must apply even when the document
			// declares a restrictive CSP.
			return page.SetBypassCSP(true).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetDeviceMetricsOverride(int64(opts.Width), int64(opts.Height), opts.Scale, false).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetDefaultBackgroundColorOverride().
				WithColor(&cdp.RGBA{R: 0, G: 0, B: 0, A: 0}).
				Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frame, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frame.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}

	actions = append(actions, stabilizeActions(opts.SettleBudget)...)

	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		png, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithFromSurface(true).
			WithClip(&page.Viewport{
				X:      0,
				Y:      0,
				Width:  float64(opts.Width),
				Height: float64(opts.Height),
				Scale:  1,
			}).
			Do(ctx)
		return err
	}))

	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, fmt.Errorf("capture failed: %w", err)
	}
	return png, nil
}

// stabilizeActions waits for fonts and images, then spends a bounded settle
// budget on animation-frame rounds. It never blocks past the budget plus the
// fixed trailing delay, and makes no completeness guarantee.
func stabilizeActions(budget time.Duration) []chromedp.Action {
	var ok bool
	return []chromedp.Action{
		chromedp.Evaluate(fontsReadyJS, &ok, awaitPromise),
		// Force one synchronous layout so inlined font styles take effect
		// before the image wait starts.
		chromedp.Evaluate(`document.body ? document.body.offsetHeight > -1 : true`, &ok),
		chromedp.Evaluate(imagesSettledJS, &ok, awaitPromise),
		chromedp.Evaluate(fmt.Sprintf(settleJS, budget.Milliseconds()), &ok, awaitPromise),
		chromedp.Sleep(finalDelay),
	}
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

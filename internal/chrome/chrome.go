package chrome

import (
	"fmt"
	"os"

	"github.com/chromedp/chromedp"

	"imgsvc/internal/utils"
)

// AllocatorOptions builds the exec allocator options used for every Chrome
// launch, pooled or per-request. The flag set forces software rendering and
// consistent font rasterization so captures look the same inside minimal
// container environments.
func AllocatorOptions(cfg utils.Config, profileDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("font-render-hinting", "none"),
		chromedp.Flag("force-color-profile", "srgb"),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.Capture.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.Capture.ChromePath))
	}
	if cfg.Capture.ChromeNoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	return opts
}

// CreateProfileDir creates a fresh Chrome profile directory under the
// configured base, or the system temp dir when none is set.
func CreateProfileDir(cfg utils.Config) (string, error) {
	base := cfg.Capture.UserDataDir
	if base == "" {
		dir, err := os.MkdirTemp("", "imgsvc-chrome-*")
		if err != nil {
			return "", fmt.Errorf("cannot create temp profile dir: %w", err)
		}
		return dir, nil
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("cannot create profile base dir: %w", err)
	}
	dir, err := os.MkdirTemp(base, "profile-*")
	if err != nil {
		return "", fmt.Errorf("cannot create profile dir: %w", err)
	}
	return dir, nil
}

// Package htmlprep rewrites request HTML before it reaches the browser:
// active content is stripped, and external font stylesheets from the known
// provider are inlined so captures do not race font downloads.
package htmlprep

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"imgsvc/internal/utils"
)

var (
	scriptRe      = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	iframeRe      = regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe>`)
	strayScriptRe = regexp.MustCompile(`(?i)</?script\b[^>]*>`)
	strayIframeRe = regexp.MustCompile(`(?i)</?iframe\b[^>]*>`)
	headRe        = regexp.MustCompile(`(?i)<head\b[^>]*>`)
	linkRe        = regexp.MustCompile(`(?i)<link\b[^>]*>`)
	hrefRe        = regexp.MustCompile(`(?i)href\s*=\s*["']([^"']+)["']`)
)

const preconnectHints = `<link rel="preconnect" href="https://fonts.googleapis.com"><link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>`

// Chrome on Linux; the font provider varies its CSS by user agent and this
// one gets woff2 back.
const fetchUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Sanitize removes script and iframe elements, including stray unpaired tags.
func Sanitize(html string) string {
	html = scriptRe.ReplaceAllString(html, "")
	html = iframeRe.ReplaceAllString(html, "")
	html = strayScriptRe.ReplaceAllString(html, "")
	html = strayIframeRe.ReplaceAllString(html, "")
	return html
}

// InjectPreconnect adds preconnect hints for the font provider, right after
// <head> when one exists and at the front of the document otherwise.
func InjectPreconnect(html string) string {
	if loc := headRe.FindStringIndex(html); loc != nil {
		return html[:loc[1]] + preconnectHints + html[loc[1]:]
	}
	return preconnectHints + html
}

// InlineFonts replaces stylesheet links pointing at an allowed font host with
// inline <style> elements. Every failure is swallowed: the original link tag
// stays in place and the page degrades to loading fonts itself.
func InlineFonts(ctx context.Context, html string, client *http.Client, allowedHosts []string, timeout time.Duration) string {
	links := linkRe.FindAllString(html, -1)
	if len(links) == 0 {
		return html
	}

	for _, link := range links {
		if !strings.Contains(strings.ToLower(link), "stylesheet") {
			continue
		}
		m := hrefRe.FindStringSubmatch(link)
		if m == nil {
			continue
		}
		href := m[1]
		if !hostAllowed(href, allowedHosts) {
			continue
		}

		css, err := fetchStylesheet(ctx, client, href, timeout)
		if err != nil {
			utils.Debug("Font stylesheet fetch failed, keeping link tag", "href", href, "error", err.Error())
			continue
		}
		html = strings.Replace(html, link, "<style>"+css+"</style>", 1)
	}
	return html
}

func hostAllowed(href string, allowed []string) bool {
	u, err := url.Parse(href)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	for _, h := range allowed {
		if strings.EqualFold(u.Hostname(), h) {
			return true
		}
	}
	return false
}

func fetchStylesheet(ctx context.Context, client *http.Client, href string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stylesheet fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Prepare runs the full preprocessing chain for a capture request.
func Prepare(ctx context.Context, html string, cfg utils.Config) string {
	html = Sanitize(html)
	html = InjectPreconnect(html)
	if !cfg.Fonts.InlineDisabled {
		timeout := time.Duration(cfg.Fonts.TimeoutMillis) * time.Millisecond
		html = InlineFonts(ctx, html, http.DefaultClient, cfg.Fonts.AllowedHosts, timeout)
	}
	return html
}

// Package matting wraps the external background-removal capability. The
// model runs behind an HTTP endpoint; this package only ships bytes to it
// with a fixed model/quality preset and hands PNG bytes back.
package matting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"imgsvc/internal/utils"
)

// Remover segments an image and removes its background. Implementations
// must return PNG bytes.
type Remover interface {
	Remove(ctx context.Context, image []byte) ([]byte, error)
}

// ErrNotConfigured is returned when no matting endpoint is set.
var ErrNotConfigured = errors.New("matting endpoint not configured")

// Client calls a remote matting service.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	quality  string

	httpClient *http.Client
}

var _ Remover = (*Client)(nil)

// NewClient builds a Client from the matting config section.
func NewClient(cfg utils.Config) *Client {
	return &Client{
		endpoint: cfg.Matting.Endpoint,
		apiKey:   cfg.Matting.APIKey,
		model:    cfg.Matting.Model,
		quality:  cfg.Matting.Quality,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Matting.TimeoutSecs) * time.Second,
		},
	}
}

// Remove posts the image to the matting endpoint and returns the resulting
// PNG bytes.
func (c *Client) Remove(ctx context.Context, image []byte) ([]byte, error) {
	if c.endpoint == "" {
		return nil, ErrNotConfigured
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image_file", "image")
	if err != nil {
		return nil, fmt.Errorf("matting request build failed: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("matting request build failed: %w", err)
	}
	_ = w.WriteField("model", c.model)
	_ = w.WriteField("quality", c.quality)
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("matting request build failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("matting request build failed: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("matting service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("matting service returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("matting response read failed: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("matting service returned an empty result")
	}
	return out, nil
}

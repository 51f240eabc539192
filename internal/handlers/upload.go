package handlers

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gofiber/fiber/v2"
	_ "golang.org/x/image/webp"

	"imgsvc/internal/matting"
	"imgsvc/internal/utils"
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// UploadService handles image uploads for background removal.
type UploadService struct {
	Config  *utils.Config
	Remover matting.Remover
}

// NewUploadService creates an UploadService backed by the given remover.
func NewUploadService(cfg utils.Config, remover matting.Remover) *UploadService {
	return &UploadService{Config: &cfg, Remover: remover}
}

// HandleRemoveBackground accepts one multipart image, runs it through the
// background-removal capability and streams the resulting PNG back.
func (svc *UploadService) HandleRemoveBackground(c *fiber.Ctx) error {
	start := time.Now()

	fh, err := c.FormFile("image")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "No image file provided")
	}
	if fh.Size > int64(svc.Config.Upload.MaxFileBytes) {
		return fiber.NewError(fiber.StatusBadRequest,
			fmt.Sprintf("Image exceeds %d bytes", svc.Config.Upload.MaxFileBytes))
	}

	tmpPath, err := svc.saveUpload(c, fh)
	if err != nil {
		utils.Error("Failed to persist upload", "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, "Could not store uploaded file")
	}
	// Best-effort: a failed delete is logged, never surfaced.
	defer removeTempFile(tmpPath)

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		utils.Error("Failed to read upload back", "path", tmpPath, "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, "Could not read uploaded file")
	}

	// MIME type is sniffed from content; the multipart header is not trusted.
	mimeType := http.DetectContentType(data)
	if !allowedImageTypes[mimeType] {
		return fiber.NewError(fiber.StatusBadRequest,
			"Unsupported image type: only JPEG, PNG and WEBP are accepted")
	}
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Corrupt or undecodable image")
	}

	result, err := svc.Remover.Remove(c.Context(), data)
	if err != nil {
		utils.Error("Background removal failed", "error", err.Error(), "size", fh.Size, "mime", mimeType)
		msg := "Background removal failed"
		if !svc.Config.IsProduction() {
			msg = "Background removal failed: " + err.Error()
		}
		return fiber.NewError(fiber.StatusInternalServerError, msg)
	}

	elapsed := time.Since(start)
	requestID := c.Get("X-Request-ID")
	utils.Info("Background removed", "bytes_in", fh.Size, "bytes_out", len(result),
		"elapsed_ms", elapsed.Milliseconds(), "request_id", requestID)

	c.Set("Content-Type", "image/png")
	c.Set("X-Processing-Time", fmt.Sprintf("%dms", elapsed.Milliseconds()))
	return c.Send(result)
}

func (svc *UploadService) saveUpload(c *fiber.Ctx, fh *multipart.FileHeader) (string, error) {
	tmp, err := os.CreateTemp(svc.Config.Upload.TempDir, "upload-*")
	if err != nil {
		return "", err
	}
	path := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	if err := c.SaveFile(fh, path); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func removeTempFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		utils.Warn("Failed to delete temp upload", "path", path, "error", err.Error())
	}
}

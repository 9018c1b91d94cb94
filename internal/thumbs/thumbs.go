package thumbs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"github.com/modelforge/forge3d/internal/config"
)

// Fetcher downloads the provider's thumbnail render and stores a downscaled
// copy alongside the asset.
type Fetcher struct {
	httpClient *http.Client
	dir        string
	width      int
	maxBytes   int64
}

// New builds a fetcher writing thumbnails under cfg.AssetDir.
func New(cfg config.Config) *Fetcher {
	width := cfg.ThumbWidth
	if width == 0 {
		width = 320
	}
	dir := cfg.AssetDir
	if dir == "" {
		dir = "./assets"
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dir:        dir,
		width:      width,
		maxBytes:   10 * 1024 * 1024,
	}
}

// Fetch downloads, downscales, and writes the thumbnail, returning its path.
func (f *Fetcher) Fetch(ctx context.Context, thumbURL, artifactID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, thumbURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("download thumbnail: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, f.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return "", fmt.Errorf("read thumbnail: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return "", fmt.Errorf("thumbnail too large (>%d bytes)", f.maxBytes)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode thumbnail: %w", err)
	}

	img = imaging.Resize(img, f.width, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("create thumb dir: %w", err)
	}
	path := filepath.Join(f.dir, artifactID+"_thumb.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write thumbnail: %w", err)
	}
	return path, nil
}

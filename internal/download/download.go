package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelforge/forge3d/internal/config"
	"github.com/modelforge/forge3d/internal/thumbs"
)

// Mirror uploads a finished asset to remote storage and returns its URL.
type Mirror interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

// Result describes where a finished asset ended up.
type Result struct {
	LocalPath     string
	MirrorURL     string
	ThumbnailPath string
}

// Downloader streams remote assets into durable local storage. The write is
// atomic: a temp file is renamed into place only after the full stream
// completes and a non-zero-size check passes.
type Downloader struct {
	httpClient *http.Client
	dir        string
	maxBytes   int64
	mirror     Mirror
	thumbs     *thumbs.Fetcher
}

// New builds a downloader writing under cfg.AssetDir, with an optional S3
// mirror and thumbnail fetcher.
func New(cfg config.Config, mirror Mirror, tf *thumbs.Fetcher) *Downloader {
	timeout := cfg.DownloadTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	maxBytes := cfg.AssetMaxBytes
	if maxBytes == 0 {
		maxBytes = 200 * 1024 * 1024
	}
	dir := cfg.AssetDir
	if dir == "" {
		dir = "./assets"
	}
	return &Downloader{
		httpClient: &http.Client{Timeout: timeout},
		dir:        dir,
		maxBytes:   maxBytes,
		mirror:     mirror,
		thumbs:     tf,
	}
}

// Fetch downloads the asset at assetURL for the given artifact. A failure
// leaves no file at the final path and returns a retryable error. Mirror and
// thumbnail steps run only after the local write succeeds and are best-effort.
func (d *Downloader) Fetch(ctx context.Context, assetURL, thumbURL, artifactID string) (Result, error) {
	if assetURL == "" {
		return Result{}, errors.New("empty asset url")
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create asset dir: %w", err)
	}

	final := filepath.Join(d.dir, artifactID+assetExt(assetURL))
	tmp := final + ".tmp"

	if err := d.streamTo(ctx, assetURL, tmp); err != nil {
		_ = os.Remove(tmp)
		return Result{}, err
	}

	info, err := os.Stat(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return Result{}, fmt.Errorf("stat downloaded asset: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(tmp)
		return Result{}, errors.New("downloaded asset is empty")
	}

	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return Result{}, fmt.Errorf("move asset into place: %w", err)
	}

	res := Result{LocalPath: final}

	if d.mirror != nil {
		if u, err := d.mirrorAsset(ctx, final, artifactID); err != nil {
			log.Printf("mirror asset %s: %v", artifactID, err)
		} else {
			res.MirrorURL = u
		}
	}

	if d.thumbs != nil && thumbURL != "" {
		if p, err := d.thumbs.Fetch(ctx, thumbURL, artifactID); err != nil {
			log.Printf("fetch thumbnail %s: %v", artifactID, err)
		} else {
			res.ThumbnailPath = p
		}
	}

	return res, nil
}

func (d *Downloader) streamTo(ctx context.Context, assetURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("download asset: status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	limited := io.LimitReader(resp.Body, d.maxBytes+1)
	n, err := io.Copy(f, limited)
	if err != nil {
		f.Close()
		return fmt.Errorf("write asset: %w", err)
	}
	if n > d.maxBytes {
		f.Close()
		return fmt.Errorf("asset too large (>%d bytes)", d.maxBytes)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync asset: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close asset: %w", err)
	}
	return nil
}

func (d *Downloader) mirrorAsset(ctx context.Context, localPath, artifactID string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open asset for mirror: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat asset for mirror: %w", err)
	}
	key := "assets/" + filepath.Base(localPath)
	return d.mirror.Upload(ctx, key, f, info.Size(), "model/gltf-binary")
}

func assetExt(assetURL string) string {
	if u, err := url.Parse(assetURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 6 {
			return ext
		}
	}
	return ".glb"
}

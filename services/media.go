package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"rare_birds/config"
	"rare_birds/identity"
	"rare_birds/observability"
)

var (
	ErrEmptyDownload = errors.New("downloaded image is empty")
	ErrEmptySlug     = errors.New("species name has no usable characters")
)

const defaultImageExt = "jpg"

// ImageCache keeps one downloaded image per species under the project's
// cache directory. Entries never expire.
type ImageCache struct {
	client    *http.Client
	root      string
	dir       string
	userAgent string
	referer   string
	metrics   *observability.Metrics
}

func NewImageCache(client *http.Client, paths config.PathsConfig, wiki config.WikipediaConfig, metrics *observability.Metrics) *ImageCache {
	return &ImageCache{
		client:    client,
		root:      paths.ProjectRoot,
		dir:       strings.TrimSuffix(filepath.ToSlash(paths.ImageCacheDir), "/"),
		userAgent: wiki.UserAgent,
		referer:   wiki.Referer,
		metrics:   metrics,
	}
}

// Ensure returns the project-relative path of the cached image for species,
// downloading imageURL first if nothing is cached yet.
func (c *ImageCache) Ensure(ctx context.Context, imageURL, species string) (string, error) {
	slug := identity.Slug(species)
	if slug == "" {
		return "", fmt.Errorf("%w: %q", ErrEmptySlug, species)
	}

	rel := path.Join(c.dir, slug+"."+guessExtension(imageURL))
	dest := filepath.Join(c.root, filepath.FromSlash(rel))

	if info, err := os.Stat(dest); err == nil && !info.IsDir() {
		c.metrics.ImageCache.WithLabelValues("hit").Inc()
		return rel, nil
	}

	if err := c.download(ctx, imageURL, dest); err != nil {
		c.metrics.ImageCache.WithLabelValues("failed").Inc()
		return "", err
	}

	c.metrics.ImageCache.WithLabelValues("downloaded").Inc()
	log.WithFields(log.Fields{"species": species, "path": rel}).Debug("Cached image")
	return rel, nil
}

// download streams the body into a temp file next to dest and renames it
// into place, so a failed or empty download never leaves an entry behind.
func (c *ImageCache) download(ctx context.Context, imageURL, dest string) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", c.referer)
	req.Header.Set("Accept", "image/*,*/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status: %d", resp.StatusCode)
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	if n == 0 {
		return ErrEmptyDownload
	}

	if err = os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("move image into cache: %w", err)
	}
	return nil
}

// guessExtension takes the extension of the URL's last path segment when it
// is a known image type, otherwise jpg.
func guessExtension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if isImageExt(ext) {
		return ext
	}
	return defaultImageExt
}

func isImageExt(ext string) bool {
	switch ext {
	case "jpg", "jpeg", "png", "gif", "svg":
		return true
	}
	return false
}

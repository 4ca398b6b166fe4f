// Package photos downloads avatar images for markers.
package photos

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2/asset"
	cldconfig "github.com/cloudinary/cloudinary-go/v2/config"
	"github.com/pinmap/locsync/internal/cache"
)

// maxImageBytes caps a single avatar download.
const maxImageBytes = 2 << 20

// 1x1 transparent PNG.
var placeholderPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")

// ErrNoPhoto is returned for an empty photo reference.
var ErrNoPhoto = errors.New("no photo reference")

// Config holds the fetcher settings.
type Config struct {
	// CloudName resolves bare object-storage public ids to delivery URLs.
	// Without it only absolute URLs can be fetched.
	CloudName   string
	CacheSize   int
	Timeout     time.Duration
	Placeholder []byte
}

// Fetcher downloads and caches avatar images.
type Fetcher struct {
	client      *http.Client
	cache       *cache.AvatarCache
	cld         *cldconfig.Configuration
	placeholder []byte
	log         *slog.Logger
}

// New creates a fetcher.
func New(cfg Config, logger *slog.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	f := &Fetcher{
		client:      &http.Client{Timeout: cfg.Timeout},
		cache:       cache.NewAvatarCache(cfg.CacheSize),
		placeholder: cfg.Placeholder,
		log:         logger,
	}
	if len(f.placeholder) == 0 {
		f.placeholder = placeholderPNG
	}
	if cfg.CloudName != "" {
		conf, err := cldconfig.NewFromParams(cfg.CloudName, "", "")
		if err != nil {
			return nil, fmt.Errorf("invalid cloudinary config: %w", err)
		}
		// keep URLs stable so they work as cache keys
		conf.URL.Analytics = false
		f.cld = conf
	}
	return f, nil
}

// Placeholder is the image shown when a photo cannot be loaded.
func (f *Fetcher) Placeholder() []byte {
	return f.placeholder
}

// Cache exposes the image cache.
func (f *Fetcher) Cache() *cache.AvatarCache {
	return f.cache
}

// ResolveURL turns a photo reference into a fetchable URL. Absolute URLs
// pass through; anything else is treated as a public id.
func (f *Fetcher) ResolveURL(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrNoPhoto
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	if f.cld == nil {
		return "", fmt.Errorf("cannot resolve public id %q without a cloud name", ref)
	}
	img, err := asset.Image(ref, f.cld)
	if err != nil {
		return "", fmt.Errorf("failed to build image asset: %w", err)
	}
	u, err := img.String()
	if err != nil {
		return "", fmt.Errorf("failed to build image URL: %w", err)
	}
	return u, nil
}

// Fetch returns the image for ref from cache or by downloading it.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if img, ok := f.cache.Get(ref); ok {
		return img, nil
	}
	u, err := f.ResolveURL(ref)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("photo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("photo request returned status %d", resp.StatusCode)
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read photo: %w", err)
	}
	if len(img) > maxImageBytes {
		return nil, fmt.Errorf("photo exceeds %d bytes", maxImageBytes)
	}
	if len(img) == 0 {
		return nil, errors.New("photo is empty")
	}

	f.cache.Put(ref, img)
	f.log.Debug("Fetched photo", "ref", ref, "bytes", len(img))
	return img, nil
}

// FetchOrPlaceholder never fails: errors are logged and the placeholder is
// returned with fallback=true.
func (f *Fetcher) FetchOrPlaceholder(ctx context.Context, ref string) (img []byte, fallback bool) {
	img, err := f.Fetch(ctx, ref)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			f.log.Warn("Photo unavailable, using placeholder", "ref", ref, "error", err)
		}
		return f.placeholder, true
	}
	return img, false
}

// Package media loads user-supplied images from URLs and data URLs and
// detects their types.
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

// DefaultMaxSize caps a single image.
const DefaultMaxSize = 20 * 1024 * 1024

// Fetcher downloads images referenced by URL.
type Fetcher struct {
	client  *http.Client
	maxSize int64
}

// FetcherOption configures the fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient sets a custom HTTP client for the fetcher.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithMaxSize sets the maximum allowed image size.
func WithMaxSize(maxSize int64) FetcherOption {
	return func(f *Fetcher) {
		if maxSize > 0 {
			f.maxSize = maxSize
		}
	}
}

// NewFetcher creates a new image fetcher.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxSize: DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// MaxSize returns the configured size cap.
func (f *Fetcher) MaxSize() int64 {
	return f.maxSize
}

// Fetch loads an image from an http(s) URL or a base64 data URL.
func (f *Fetcher) Fetch(ctx context.Context, url string) (domain.Image, error) {
	if strings.HasPrefix(url, "data:") {
		return f.parseDataURL(url)
	}

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return domain.Image{}, fmt.Errorf("unsupported URL scheme: must be http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Image{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.Image{}, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Image{}, fmt.Errorf("failed to fetch image: status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxSize {
		return domain.Image{}, fmt.Errorf("image too large: %d bytes (max %d)", resp.ContentLength, f.maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return domain.Image{}, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > f.maxSize {
		return domain.Image{}, fmt.Errorf("image too large: exceeds %d bytes", f.maxSize)
	}

	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" || !IsSupported(mediaType) {
		mediaType = DetectMIME(data)
	}
	if mediaType == "" {
		mediaType = inferFromURL(url)
	}
	if !IsSupported(mediaType) {
		return domain.Image{}, fmt.Errorf("unsupported media type: %s", mediaType)
	}

	return domain.Image{Data: data, MIMEType: Normalize(mediaType)}, nil
}

// parseDataURL decodes data:image/png;base64,... URLs.
func (f *Fetcher) parseDataURL(url string) (domain.Image, error) {
	metadata, payload, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !ok {
		return domain.Image{}, fmt.Errorf("invalid data URL: missing comma separator")
	}

	parts := strings.Split(metadata, ";")
	mediaType := parts[0]
	if !IsSupported(mediaType) {
		return domain.Image{}, fmt.Errorf("unsupported media type: %s", mediaType)
	}

	isBase64 := false
	for _, part := range parts[1:] {
		if part == "base64" {
			isBase64 = true
			break
		}
	}
	if !isBase64 {
		return domain.Image{}, fmt.Errorf("data URL must be base64 encoded")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return domain.Image{}, fmt.Errorf("invalid data URL payload: %w", err)
	}
	if int64(len(data)) > f.maxSize {
		return domain.Image{}, fmt.Errorf("image too large: exceeds %d bytes", f.maxSize)
	}

	return domain.Image{Data: data, MIMEType: Normalize(mediaType)}, nil
}

// DetectMIME sniffs an image type from its leading bytes. It returns an
// empty string for anything that is not a supported image.
func DetectMIME(data []byte) string {
	mediaType := Normalize(http.DetectContentType(data))
	if !IsSupported(mediaType) {
		return ""
	}
	return mediaType
}

func inferFromURL(url string) string {
	lower := strings.ToLower(url)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}

	switch {
	case strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return ""
	}
}

// IsSupported reports whether the generation service accepts mediaType.
func IsSupported(mediaType string) bool {
	switch Normalize(mediaType) {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}

// Normalize strips parameters and folds image/jpg into image/jpeg.
func Normalize(mediaType string) string {
	mainType, _, _ := strings.Cut(mediaType, ";")
	mainType = strings.TrimSpace(strings.ToLower(mainType))
	if mainType == "image/jpg" {
		return "image/jpeg"
	}
	return mainType
}

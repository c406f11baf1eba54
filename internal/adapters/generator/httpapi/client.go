// Package httpapi calls an image generation service that speaks a plain
// JSON-over-HTTP protocol with bearer token authentication.
package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
	"github.com/tjfontaine/genflow/internal/media"
)

const (
	generationsPath = "/v1/images/generations"
	defaultModel    = "image-standard"
	userAgent       = "genflow/1.0"
)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithModels maps quality tiers to model names. The "default" entry covers
// tiers that are not listed.
func WithModels(models map[string]string) Option {
	return func(c *Client) {
		for tier, model := range models {
			c.models[tier] = model
		}
	}
}

// Client implements ports.Generator.
type Client struct {
	baseURL    string
	httpClient *http.Client
	models     map[string]string
}

var _ ports.Generator = (*Client)(nil)

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
		models:     map[string]string{"default": defaultModel},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string {
	return "http"
}

// Model resolves the model used for a quality tier.
func (c *Client) Model(tier string) string {
	if m, ok := c.models[tier]; ok && m != "" {
		return m
	}
	return c.models["default"]
}

// Generate requests one image. Every failure is a classified
// *domain.RemoteServiceError.
func (c *Client) Generate(ctx context.Context, token string, req *ports.GenerateRequest) (*ports.GenerateResponse, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, domain.ErrMalformedRequest(fmt.Sprintf("failed to marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generationsPath, bytes.NewReader(body))
	if err != nil {
		return nil, domain.ErrMalformedRequest(fmt.Sprintf("failed to create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrNetwork(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrNetwork(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		if apiErr := ParseErrorResponse(respBody); apiErr != nil {
			return nil, domain.NewRemoteServiceError(apiErr.Class(resp.StatusCode), apiErr.Message).
				WithStatusCode(resp.StatusCode)
		}
		return nil, domain.NewRemoteServiceError(domain.ClassFromStatus(resp.StatusCode), strings.TrimSpace(string(respBody))).
			WithStatusCode(resp.StatusCode)
	}

	var result ImageResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, domain.ErrMalformedRequest(fmt.Sprintf("failed to unmarshal response: %v", err))
	}

	out := &ports.GenerateResponse{Images: make([]domain.Image, 0, len(result.Data))}
	for i, obj := range result.Data {
		data, err := base64.StdEncoding.DecodeString(obj.B64JSON)
		if err != nil {
			return nil, domain.ErrMalformedRequest(fmt.Sprintf("image %d: invalid base64: %v", i, err))
		}
		mimeType := media.Normalize(obj.MIMEType)
		if mimeType == "" {
			mimeType = media.DetectMIME(data)
		}
		out.Images = append(out.Images, domain.Image{Data: data, MIMEType: mimeType})
	}
	return out, nil
}

func (c *Client) buildRequest(req *ports.GenerateRequest) *ImageRequest {
	r := &ImageRequest{
		Model:          c.Model(req.QualityTier),
		Prompt:         req.Prompt,
		AspectRatio:    req.AspectRatio,
		N:              1,
		ResponseFormat: "b64_json",
	}
	for _, img := range req.Images {
		r.Images = append(r.Images, InputImage{
			MIMEType: img.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		})
	}
	return r
}

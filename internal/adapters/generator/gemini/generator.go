// Package gemini generates images with the Gemini API. A client is built
// per call because every credential carries its own API key.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/genai"

	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
	"github.com/tjfontaine/genflow/internal/media"
)

// DefaultModel serves quality tiers without a mapping.
const DefaultModel = "gemini-2.5-flash-image"

// Option configures the generator.
type Option func(*Generator)

// WithHTTPClient sets the HTTP client handed to genai.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Generator) {
		g.httpClient = c
	}
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(baseURL string) Option {
	return func(g *Generator) {
		g.baseURL = baseURL
	}
}

// WithAPIVersion overrides the API version segment.
func WithAPIVersion(version string) Option {
	return func(g *Generator) {
		g.apiVersion = version
	}
}

// WithModels maps quality tiers to model names.
func WithModels(models map[string]string) Option {
	return func(g *Generator) {
		for tier, model := range models {
			g.models[tier] = model
		}
	}
}

// Generator implements ports.Generator.
type Generator struct {
	httpClient *http.Client
	baseURL    string
	apiVersion string
	models     map[string]string
}

var _ ports.Generator = (*Generator)(nil)

// New creates a Gemini generator.
func New(opts ...Option) *Generator {
	g := &Generator{
		models: map[string]string{"default": DefaultModel},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Name() string {
	return "gemini"
}

// Model resolves the model used for a quality tier.
func (g *Generator) Model(tier string) string {
	if m, ok := g.models[tier]; ok && m != "" {
		return m
	}
	return g.models["default"]
}

func (g *Generator) client(ctx context.Context, token string) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:     token,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    g.baseURL,
			APIVersion: g.apiVersion,
		},
	}
	return genai.NewClient(ctx, cfg)
}

// Generate sends the prompt and reference photos as one user turn and
// collects every inline image of the reply.
func (g *Generator) Generate(ctx context.Context, token string, req *ports.GenerateRequest) (*ports.GenerateResponse, error) {
	client, err := g.client(ctx, token)
	if err != nil {
		return nil, domain.ErrMalformedRequest(fmt.Sprintf("failed to create gemini client: %v", err)).WithCause(err)
	}

	parts := make([]*genai.Part, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
	}
	if req.AspectRatio != "" {
		config.ImageConfig = &genai.ImageConfig{AspectRatio: req.AspectRatio}
	}

	resp, err := client.Models.GenerateContent(ctx, g.Model(req.QualityTier), contents, config)
	if err != nil {
		return nil, classify(err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, domain.ErrMalformedRequest(fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason))
	}

	out := &ports.GenerateResponse{}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			mimeType := media.Normalize(part.InlineData.MIMEType)
			if mimeType == "" {
				mimeType = media.DetectMIME(part.InlineData.Data)
			}
			out.Images = append(out.Images, domain.Image{Data: part.InlineData.Data, MIMEType: mimeType})
		}
	}
	return out, nil
}

// classify turns a genai failure into a remote service error. Quota
// wording wins over the HTTP status, since the API reports some quota
// rejections as 400 or 403.
func classify(err error) *domain.RemoteServiceError {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if errors.As(err, &ptr) && ptr != nil {
			apiErr = *ptr
		} else {
			return classifyTransport(err)
		}
	}

	class := domain.ClassFromStatus(apiErr.Code)
	if c := domain.ClassFromMessage(apiErr.Status + " " + apiErr.Message); c == domain.ClassRateLimited {
		class = c
	}
	return domain.NewRemoteServiceError(class, apiErr.Message).
		WithStatusCode(apiErr.Code).
		WithCause(err)
}

func classifyTransport(err error) *domain.RemoteServiceError {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrNetwork(err)
	}
	if c := domain.ClassFromMessage(err.Error()); c != "" {
		return domain.NewRemoteServiceError(c, err.Error()).WithCause(err)
	}
	return domain.ErrServer(err.Error()).WithCause(err)
}

package ports

import (
	"context"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

// GenerateRequest is one call to the remote generation service.
type GenerateRequest struct {
	Prompt      string
	Images      []domain.Image
	AspectRatio string
	QualityTier string
}

// GenerateResponse carries the images returned by the service. A valid
// response holds exactly one image.
type GenerateResponse struct {
	Images []domain.Image
}

// Generator calls the remote generation service with one credential token.
// Failures should be *domain.RemoteServiceError with a class.
type Generator interface {
	Name() string
	Generate(ctx context.Context, token string, req *GenerateRequest) (*GenerateResponse, error)
}

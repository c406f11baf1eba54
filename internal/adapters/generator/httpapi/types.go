package httpapi

import (
	"encoding/json"
	"strings"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

// ImageRequest is the body of POST /v1/images/generations.
type ImageRequest struct {
	Model          string       `json:"model"`
	Prompt         string       `json:"prompt"`
	AspectRatio    string       `json:"aspect_ratio,omitempty"`
	N              int          `json:"n"`
	ResponseFormat string       `json:"response_format"`
	Images         []InputImage `json:"images,omitempty"`
}

// InputImage is a reference photo sent inline.
type InputImage struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ImageResponse is the success body.
type ImageResponse struct {
	Created int64         `json:"created"`
	Data    []ImageObject `json:"data"`
}

// ImageObject is one generated image.
type ImageObject struct {
	B64JSON  string `json:"b64_json"`
	MIMEType string `json:"mime_type,omitempty"`
}

// ErrorResponse wraps an APIError.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError is the error object returned by the service.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Class maps the error to a remote failure class. The HTTP status decides
// unless the error type names a quota rejection.
func (e *APIError) Class(status int) domain.ErrorClass {
	switch strings.ToLower(e.Type) {
	case "rate_limit_error", "rate_limit_exceeded", "insufficient_quota":
		return domain.ClassRateLimited
	case "invalid_request_error":
		if status < 500 {
			return domain.ClassMalformedRequest
		}
	}
	if c := domain.ClassFromMessage(e.Code + " " + e.Message); c == domain.ClassRateLimited {
		return c
	}
	return domain.ClassFromStatus(status)
}

// ParseErrorResponse extracts the error object from a failure body. It
// returns nil when the body carries none.
func ParseErrorResponse(data []byte) *APIError {
	var resp ErrorResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil
	}
	return resp.Error
}

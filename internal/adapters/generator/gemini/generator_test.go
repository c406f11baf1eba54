package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/genai"

	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
)

const pngB64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

type captured struct {
	mu   sync.Mutex
	path string
	key  string
	body string
}

func newServer(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.path = r.URL.Path
		c.key = r.Header.Get("x-goog-api-key")
		if c.key == "" {
			c.key = r.URL.Query().Get("key")
		}
		c.body = string(body)
		c.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func newTestGenerator(srv *httptest.Server) *Generator {
	return New(
		WithBaseURL(srv.URL+"/"),
		WithAPIVersion("v1beta"),
		WithHTTPClient(srv.Client()),
		WithModels(map[string]string{"pro": "gemini-3-pro-image-preview"}),
	)
}

func TestGenerator_Generate(t *testing.T) {
	reply := fmt.Sprintf(`{"candidates":[{"content":{"role":"model","parts":[
		{"text":"Here is your image"},
		{"inlineData":{"mimeType":"image/png","data":%q}}]},"finishReason":"STOP"}]}`, pngB64)
	srv, got := newServer(t, http.StatusOK, reply)
	g := newTestGenerator(srv)

	resp, err := g.Generate(context.Background(), "key-a", &ports.GenerateRequest{
		Prompt:      "a red dress",
		AspectRatio: "9:16",
		QualityTier: "pro",
		Images:      []domain.Image{{Data: []byte("jpegbytes"), MIMEType: "image/jpeg"}},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(resp.Images) != 1 {
		t.Fatalf("images = %d, want 1 (text parts ignored)", len(resp.Images))
	}
	want, _ := base64.StdEncoding.DecodeString(pngB64)
	if string(resp.Images[0].Data) != string(want) || resp.Images[0].MIMEType != "image/png" {
		t.Errorf("image = %s %d bytes", resp.Images[0].MIMEType, len(resp.Images[0].Data))
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	if !strings.Contains(got.path, "gemini-3-pro-image-preview:generateContent") {
		t.Errorf("path = %q, want the pro model", got.path)
	}
	if got.key != "key-a" {
		t.Errorf("api key = %q, want key-a", got.key)
	}
	for _, want := range []string{`"aspectRatio":"9:16"`, `"IMAGE"`, `"a red dress"`, base64.StdEncoding.EncodeToString([]byte("jpegbytes"))} {
		if !strings.Contains(got.body, want) {
			t.Errorf("request body missing %s: %s", want, got.body)
		}
	}
}

func TestGenerator_GenerateNoImage(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{"candidates":[{"content":{"role":"model","parts":[{"text":"I cannot do that"}]}}]}`)

	resp, err := newTestGenerator(srv).Generate(context.Background(), "k", &ports.GenerateRequest{Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(resp.Images) != 0 {
		t.Errorf("images = %d, want 0", len(resp.Images))
	}
}

func TestGenerator_GenerateBlocked(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{"promptFeedback":{"blockReason":"SAFETY"}}`)

	_, err := newTestGenerator(srv).Generate(context.Background(), "k", &ports.GenerateRequest{Prompt: "p"})
	remote, ok := domain.AsRemote(err)
	if !ok || remote.Class != domain.ClassMalformedRequest {
		t.Fatalf("Generate() error = %v, want malformed-request", err)
	}
}

func TestGenerator_GenerateAPIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.ErrorClass
	}{
		{
			name:   "quota",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`,
			want:   domain.ClassRateLimited,
		},
		{
			name:   "invalid argument",
			status: http.StatusBadRequest,
			body:   `{"error":{"code":400,"message":"Unsupported aspect ratio","status":"INVALID_ARGUMENT"}}`,
			want:   domain.ClassMalformedRequest,
		},
		{
			name:   "key out of quota reported as 400",
			status: http.StatusBadRequest,
			body:   `{"error":{"code":400,"message":"Quota exceeded for quota metric","status":"FAILED_PRECONDITION"}}`,
			want:   domain.ClassRateLimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, tt.status, tt.body)

			_, err := newTestGenerator(srv).Generate(context.Background(), "k", &ports.GenerateRequest{Prompt: "p"})
			remote, ok := domain.AsRemote(err)
			if !ok {
				t.Fatalf("Generate() error = %v, want remote service error", err)
			}
			if remote.Class != tt.want {
				t.Errorf("class = %s, want %s", remote.Class, tt.want)
			}
			if remote.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", remote.StatusCode, tt.status)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorClass
	}{
		{name: "api 500", err: genai.APIError{Code: 500, Message: "internal", Status: "INTERNAL"}, want: domain.ClassServer},
		{name: "api 502", err: genai.APIError{Code: 502, Message: "bad gateway"}, want: domain.ClassNetwork},
		{name: "api 403 quota", err: genai.APIError{Code: 403, Message: "quota exceeded"}, want: domain.ClassRateLimited},
		{name: "wrapped api", err: fmt.Errorf("call: %w", genai.APIError{Code: 429}), want: domain.ClassRateLimited},
		{name: "deadline", err: context.DeadlineExceeded, want: domain.ClassNetwork},
		{name: "proxy text", err: errors.New("proxyconnect tcp: proxy refused"), want: domain.ClassNetwork},
		{name: "unknown", err: errors.New("boom"), want: domain.ClassServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err).Class; got != tt.want {
				t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestGenerator_Model(t *testing.T) {
	g := New(WithModels(map[string]string{"pro": "m-pro"}))

	if got := g.Model("pro"); got != "m-pro" {
		t.Errorf("Model(pro) = %q", got)
	}
	if got := g.Model("standard"); got != DefaultModel {
		t.Errorf("Model(standard) = %q, want %q", got, DefaultModel)
	}
}

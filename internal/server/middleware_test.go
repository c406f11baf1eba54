package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	wrapped := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if seen == "" {
		t.Fatal("expected request ID in context")
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("header = %q, context = %q", got, seen)
	}
}

func TestRequestIDMiddleware_Incoming(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "uuid kept", incoming: "0b6c2c57-8c3e-4e0f-a9a4-5e2f0c3f7d11", keep: true},
		{name: "junk replaced", incoming: "<script>", keep: false},
		{name: "absent", incoming: "", keep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			RequestIDMiddleware(okHandler()).ServeHTTP(rec, req)

			got := rec.Header().Get(RequestIDHeader)
			if (got == tt.incoming) != tt.keep {
				t.Errorf("request ID = %q, incoming %q, keep %v", got, tt.incoming, tt.keep)
			}
			if got == "" {
				t.Error("request ID missing")
			}
		})
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("GetRequestID() = %q, want empty", id)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	cancelled := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			cancelled = true
		case <-time.After(200 * time.Millisecond):
		}
	})

	TimeoutMiddleware(10*time.Millisecond)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !cancelled {
		t.Error("expected context to be cancelled by the timeout")
	}
}

func TestTimeoutMiddleware_Disabled(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("zero timeout set a deadline")
		}
	})
	TimeoutMiddleware(0)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestAuthMiddleware(t *testing.T) {
	a, err := NewAuthenticator([]string{HashAPIKey("driver-key")})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer driver-key", want: http.StatusOK},
		{name: "lowercase scheme", header: "bearer driver-key", want: http.StatusOK},
		{name: "wrong key", header: "Bearer other", want: http.StatusUnauthorized},
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "no scheme", header: "driver-key", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			AuthMiddleware(a)(okHandler()).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_NilAuthenticator(t *testing.T) {
	rec := httptest.NewRecorder()
	AuthMiddleware(nil)(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestNewAuthenticator_RejectsBadHash(t *testing.T) {
	if _, err := NewAuthenticator([]string{"not-hex"}); err == nil {
		t.Error("NewAuthenticator() error = nil, want error")
	}
	if _, err := NewAuthenticator([]string{"abcd"}); err == nil {
		t.Error("NewAuthenticator() accepted a short hash")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "session", "s-1")
		AddLogField(r.Context(), "empty", "")
		AddError(r.Context(), errors.New("bad input"))
		AddError(r.Context(), nil)
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	wrapped := RequestIDMiddleware(LoggingMiddleware(logger)(handler))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/sessions/s-1/input", nil))

	out := buf.String()
	for _, want := range []string{"request completed", "level=WARN", "status=422", "session=s-1", `error="bad input"`, "/v1/sessions/s-1/input"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "empty=") {
		t.Errorf("empty field logged: %s", out)
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	AddLogField(context.Background(), "key", "value")
}

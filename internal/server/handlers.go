package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/genflow/internal/flow"
	"github.com/tjfontaine/genflow/internal/media"
	"github.com/tjfontaine/genflow/internal/session"
	"github.com/tjfontaine/genflow/internal/wizard"
)

// Wizard is the service behind the API.
type Wizard interface {
	Categories(ctx context.Context) ([]string, error)
	Start(ctx context.Context, userID, category, lang string, prefill map[string]string) (*wizard.View, error)
	Get(ctx context.Context, id string) (*wizard.View, error)
	Advance(ctx context.Context, id string, in flow.Input) (*wizard.View, error)
	Back(ctx context.Context, id string) (*wizard.View, error)
	Reset(ctx context.Context, id string) (*wizard.View, error)
	Close(ctx context.Context, id string) error
	PromptText(ctx context.Context, id string) (string, error)
	Generate(ctx context.Context, id string) (*session.Job, error)
	UploadMedia(ctx context.Context, data []byte) (string, error)
	ImportMedia(ctx context.Context, url string) (string, error)
	Media(ctx context.Context, ref string) ([]byte, error)
}

var _ Wizard = (*wizard.Service)(nil)

type handlers struct {
	wizard  Wizard
	maxBody int64
}

// StartRequest opens a session.
type StartRequest struct {
	UserID   string            `json:"user_id"`
	Category string            `json:"category"`
	Lang     string            `json:"lang,omitempty"`
	Prefill  map[string]string `json:"prefill,omitempty"`
}

// ImportRequest asks the server to download an image.
type ImportRequest struct {
	URL string `json:"url"`
}

func (h *handlers) mount(r chi.Router) {
	r.Get("/v1/categories", h.categories)

	r.Post("/v1/sessions", h.start)
	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Use(sessionLogField)
		r.Get("/", h.get)
		r.Delete("/", h.close)
		r.Post("/input", h.advance)
		r.Post("/back", h.back)
		r.Post("/reset", h.reset)
		r.Post("/generate", h.generate)
		r.Get("/job", h.job)
		r.Get("/prompt", h.prompt)
	})

	r.Post("/v1/media", h.upload)
	r.Get("/v1/media/{ref}", h.media)
}

func sessionLogField(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "session", chi.URLParam(r, "id"))
		next.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		AddError(r.Context(), err)
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}

func (h *handlers) categories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.wizard.Categories(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if cats == nil {
		cats = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"categories": cats})
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Category == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "user_id and category are required")
		return
	}

	v, err := h.wizard.Start(r.Context(), req.UserID, req.Category, req.Lang, req.Prefill)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	AddLogField(r.Context(), "session", v.Session.ID)
	writeJSON(w, http.StatusCreated, v)
}

func (h *handlers) respond(w http.ResponseWriter, r *http.Request, v *wizard.View, err error) {
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	v, err := h.wizard.Get(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, v, err)
}

func (h *handlers) advance(w http.ResponseWriter, r *http.Request) {
	var in flow.Input
	if !decode(w, r, &in) {
		return
	}
	v, err := h.wizard.Advance(r.Context(), chi.URLParam(r, "id"), in)
	h.respond(w, r, v, err)
}

func (h *handlers) back(w http.ResponseWriter, r *http.Request) {
	v, err := h.wizard.Back(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, v, err)
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	v, err := h.wizard.Reset(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, v, err)
}

func (h *handlers) close(w http.ResponseWriter, r *http.Request) {
	if err := h.wizard.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	j, err := h.wizard.Generate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	AddLogField(r.Context(), "job", j.ID)
	writeJSON(w, http.StatusAccepted, j)
}

func (h *handlers) job(w http.ResponseWriter, r *http.Request) {
	v, err := h.wizard.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if v.Job == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "no generation for this session")
		return
	}
	writeJSON(w, http.StatusOK, v.Job)
}

func (h *handlers) prompt(w http.ResponseWriter, r *http.Request) {
	text, err := h.wizard.PromptText(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": text})
}

// upload stores a raw image body, or imports {"url": ...} when the body is
// JSON.
func (h *handlers) upload(w http.ResponseWriter, r *http.Request) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		ref string
		err error
	)
	if ct == "application/json" {
		var req ImportRequest
		if !decode(w, r, &req) {
			return
		}
		ref, err = h.wizard.ImportMedia(r.Context(), req.URL)
	} else {
		data, readErr := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
		if readErr != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(readErr, &tooLarge) {
				writeError(w, r, http.StatusRequestEntityTooLarge, "too_large", "image too large")
				return
			}
			writeError(w, r, http.StatusBadRequest, "invalid_request", "failed to read body")
			return
		}
		ref, err = h.wizard.UploadMedia(r.Context(), data)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"ref": ref})
}

func (h *handlers) media(w http.ResponseWriter, r *http.Request) {
	data, err := h.wizard.Media(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	ct := media.DetectMIME(data)
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

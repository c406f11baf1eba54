// Package wizard is the driver-facing API: it ties the conversation
// engine, prompt assembler and dispatch controller to live sessions.
package wizard

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
	"github.com/tjfontaine/genflow/internal/dispatch"
	"github.com/tjfontaine/genflow/internal/flow"
	"github.com/tjfontaine/genflow/internal/media"
	"github.com/tjfontaine/genflow/internal/prompt"
	"github.com/tjfontaine/genflow/internal/session"
)

// Dispatcher is the dispatch controller as seen by the service.
type Dispatcher interface {
	CheckBalance(ctx context.Context, userID string, cost domain.Amount) error
	Dispatch(ctx context.Context, req dispatch.Request) (*domain.Artifact, error)
}

// View is what a driver renders after each interaction.
type View struct {
	Session *domain.Session `json:"session"`
	Prompt  *flow.Prompt    `json:"prompt"`
	Job     *session.Job    `json:"job,omitempty"`
}

// Service coordinates one wizard deployment.
type Service struct {
	engine     *flow.Engine
	registry   *session.Registry
	dispatcher Dispatcher
	media      ports.MediaStore
	fetcher    *media.Fetcher
	categories ports.CategoryLister
	prices     map[string]domain.Amount
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPrices sets the per-quality-tier cost of a generation. The "default"
// key applies to tiers without their own price.
func WithPrices(prices map[string]domain.Amount) Option {
	return func(s *Service) {
		s.prices = prices
	}
}

// WithFetcher enables importing media by URL.
func WithFetcher(f *media.Fetcher) Option {
	return func(s *Service) {
		s.fetcher = f
	}
}

// WithCategoryLister enables category listing.
func WithCategoryLister(l ports.CategoryLister) Option {
	return func(s *Service) {
		s.categories = l
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates the wizard service.
func NewService(engine *flow.Engine, registry *session.Registry, dispatcher Dispatcher, store ports.MediaStore, opts ...Option) *Service {
	s := &Service{
		engine:     engine,
		registry:   registry,
		dispatcher: dispatcher,
		media:      store,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Price returns the cost of a generation at tier.
func (s *Service) Price(tier string) domain.Amount {
	if p, ok := s.prices[tier]; ok {
		return p
	}
	return s.prices["default"]
}

// Categories lists the categories with a defined flow.
func (s *Service) Categories(ctx context.Context) ([]string, error) {
	if s.categories == nil {
		return nil, nil
	}
	return s.categories.ListCategories(ctx)
}

// Start opens a session for category. prefill values are assigned before
// the first step is chosen, so their steps are skipped.
func (s *Service) Start(ctx context.Context, userID, category, lang string, prefill map[string]string) (*View, error) {
	sess, p, err := s.engine.Start(ctx, userID, category, lang)
	if err != nil {
		return nil, err
	}

	if len(prefill) > 0 {
		if p, err = s.engine.Prefill(ctx, sess, prefill); err != nil {
			return nil, err
		}
	}

	s.registry.Add(sess)
	s.logger.Info("session started",
		slog.String("session", sess.ID),
		slog.String("user", userID),
		slog.String("category", category))
	return &View{Session: sess.Clone(), Prompt: p}, nil
}

// Get returns the current view of a session.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	var p *flow.Prompt
	err := s.registry.With(id, func(sess *domain.Session) error {
		var err error
		p, err = s.engine.CurrentPrompt(ctx, sess)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.view(id, p)
}

// Advance feeds one input to a session.
func (s *Service) Advance(ctx context.Context, id string, in flow.Input) (*View, error) {
	var p *flow.Prompt
	err := s.registry.With(id, func(sess *domain.Session) error {
		var err error
		p, err = s.engine.Advance(ctx, sess, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.view(id, p)
}

// Back returns a session to its previous step.
func (s *Service) Back(ctx context.Context, id string) (*View, error) {
	var p *flow.Prompt
	err := s.registry.With(id, func(sess *domain.Session) error {
		var err error
		p, err = s.engine.GoBack(ctx, sess)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.view(id, p)
}

// Reset clears a session and abandons any running generation.
func (s *Service) Reset(ctx context.Context, id string) (*View, error) {
	var p *flow.Prompt
	err := s.registry.Reset(id, func(sess *domain.Session) error {
		var err error
		p, err = s.engine.Reset(ctx, sess)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.view(id, p)
}

// Close forgets a session.
func (s *Service) Close(ctx context.Context, id string) error {
	return s.registry.Remove(id)
}

// PromptText assembles the generation prompt of a ready session.
func (s *Service) PromptText(ctx context.Context, id string) (string, error) {
	var text string
	err := s.registry.With(id, func(sess *domain.Session) error {
		var err error
		text, err = s.assemble(ctx, sess)
		return err
	})
	return text, err
}

func (s *Service) assemble(ctx context.Context, sess *domain.Session) (string, error) {
	if sess.State != domain.StateReady {
		return "", domain.NewSessionInputError("", "session is not ready")
	}
	steps, err := s.engine.Steps(ctx, sess.Category)
	if err != nil {
		return "", err
	}
	template, defaults := s.engine.Template(sess.Category)
	return prompt.Assemble(sess, template, defaults, steps), nil
}

// Generate starts a generation for a ready session. The balance is checked
// before any credential is touched. On success the session starts over.
func (s *Service) Generate(ctx context.Context, id string) (*session.Job, error) {
	return s.registry.Launch(ctx, id,
		func(sess *domain.Session) (session.Work, error) {
			text, err := s.assemble(ctx, sess)
			if err != nil {
				return nil, err
			}

			cost := s.Price(sess.QualityTier)
			if err := s.dispatcher.CheckBalance(ctx, sess.UserID, cost); err != nil {
				return nil, err
			}

			req := dispatch.Request{
				UserID:      sess.UserID,
				Prompt:      text,
				Media:       append([]string(nil), sess.Media...),
				AspectRatio: sess.AspectRatio,
				QualityTier: sess.QualityTier,
				Cost:        cost,
			}
			return func(ctx context.Context) (*domain.Artifact, error) {
				return s.dispatcher.Dispatch(ctx, req)
			}, nil
		},
		func(ctx context.Context, sess *domain.Session, artifact *domain.Artifact, err error) {
			if err != nil {
				s.logger.Warn("generation failed",
					slog.String("session", sess.ID),
					slog.String("error", err.Error()))
				return
			}
			if _, err := s.engine.Reset(ctx, sess); err != nil {
				s.logger.Error("failed to reset session after generation",
					slog.String("session", sess.ID),
					slog.String("error", err.Error()))
			}
		})
}

// UploadMedia stores raw image bytes and returns their reference.
func (s *Service) UploadMedia(ctx context.Context, data []byte) (string, error) {
	if media.DetectMIME(data) == "" {
		return "", domain.NewSessionInputError("", "unsupported image type")
	}
	if s.fetcher != nil && int64(len(data)) > s.fetcher.MaxSize() {
		return "", domain.NewSessionInputError("", "image too large")
	}
	return s.media.Store(ctx, data)
}

// ImportMedia downloads an image by URL and stores it.
func (s *Service) ImportMedia(ctx context.Context, url string) (string, error) {
	if s.fetcher == nil {
		return "", domain.NewSessionInputError("", "media import is not enabled")
	}
	img, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return "", domain.NewSessionInputError("", err.Error())
	}
	return s.media.Store(ctx, img.Data)
}

// Media returns stored bytes by reference.
func (s *Service) Media(ctx context.Context, ref string) ([]byte, error) {
	return s.media.Fetch(ctx, ref)
}

func (s *Service) view(id string, p *flow.Prompt) (*View, error) {
	sess, j, err := s.registry.Snapshot(id)
	if err != nil {
		return nil, err
	}
	return &View{Session: sess, Prompt: p, Job: j}, nil
}

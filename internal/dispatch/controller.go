// Package dispatch sends assembled generation requests through the
// credential pool with failover.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
	"github.com/tjfontaine/genflow/internal/media"
	"github.com/tjfontaine/genflow/internal/metrics"
)

// Pool is the part of the credential pool manager the controller uses.
type Pool interface {
	Candidates(ctx context.Context) ([]*domain.Credential, error)
	CheckAvailability(ctx context.Context, id string) (bool, domain.ExhaustionReason, error)
	RecordUsage(ctx context.Context, id string) error
}

// Request is one generation to dispatch.
type Request struct {
	UserID      string
	Prompt      string
	Media       []string
	AspectRatio string
	QualityTier string
	// Cost is debited from the user's balance on success. Zero disables
	// billing.
	Cost domain.Amount
}

// Controller walks the candidate list until one credential produces an
// artifact.
type Controller struct {
	pool      Pool
	generator ports.Generator
	media     ports.MediaStore
	ledger    ports.BillingLedger
	executor  *Executor
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics counts attempts and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithExecutor replaces the default retry executor.
func WithExecutor(x *Executor) Option {
	return func(c *Controller) {
		c.executor = x
	}
}

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		c.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a dispatch controller. ledger may be nil when
// billing is disabled.
func NewController(pool Pool, generator ports.Generator, media ports.MediaStore, ledger ports.BillingLedger, opts ...Option) *Controller {
	c := &Controller{
		pool:      pool,
		generator: generator,
		media:     media,
		ledger:    ledger,
		tracer:    otel.Tracer("github.com/tjfontaine/genflow/internal/dispatch"),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.executor == nil {
		c.executor = NewExecutor(WithExecutorLogger(c.logger))
	}
	return c
}

// CheckBalance returns a BalanceInsufficientError when userID cannot pay
// cost. It touches no credential.
func (c *Controller) CheckBalance(ctx context.Context, userID string, cost domain.Amount) error {
	if c.ledger == nil || cost.IsZero() {
		return nil
	}
	balance, err := c.ledger.Balance(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if !balance.Covers(cost) {
		return &domain.BalanceInsufficientError{UserID: userID, Balance: balance, Required: cost}
	}
	return nil
}

// Dispatch fetches the attached media, which must not be empty, then tries each candidate in
// priority order. The first success records usage, debits the user and
// returns the artifact. When every candidate is unavailable or fails the
// result is a PoolExhaustedError and nothing is billed.
func (c *Controller) Dispatch(ctx context.Context, req Request) (*domain.Artifact, error) {
	if len(req.Media) == 0 {
		c.metrics.Dispatch("error")
		return nil, domain.ErrMalformedRequest("at least one reference image is required")
	}
	images, err := c.loadMedia(ctx, req.Media)
	if err != nil {
		c.metrics.Dispatch("error")
		return nil, err
	}

	candidates, err := c.pool.Candidates(ctx)
	if err != nil {
		c.metrics.Dispatch("error")
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	genReq := &ports.GenerateRequest{
		Prompt:      req.Prompt,
		Images:      images,
		AspectRatio: req.AspectRatio,
		QualityTier: req.QualityTier,
	}

	exhausted := &domain.PoolExhaustedError{Candidates: len(candidates)}
	for _, cred := range candidates {
		ok, reason, err := c.pool.CheckAvailability(ctx, cred.ID)
		if err != nil {
			c.logger.Warn("availability check failed",
				slog.String("credential", cred.ID),
				slog.String("error", err.Error()))
			exhausted.LastErr = err
			continue
		}
		if !ok {
			c.logger.Debug("credential unavailable",
				slog.String("credential", cred.ID),
				slog.String("reason", string(reason)))
			c.metrics.Unavailable(string(reason))
			if exhausted.LastErr == nil {
				exhausted.LastErr = &domain.CredentialExhaustedError{CredentialID: cred.ID, Reason: reason}
			}
			continue
		}

		exhausted.Attempted++
		started := time.Now()
		image, failure := c.attempt(ctx, cred, genReq)
		if failure != nil {
			c.metrics.Attempt(c.generator.Name(), string(failure.Class), time.Since(started))
			c.logger.Warn("generation failed, moving to next credential",
				slog.String("credential", cred.ID),
				slog.String("token", cred.MaskedToken()),
				slog.String("class", string(failure.Class)),
				slog.String("error", failure.Message))
			exhausted.LastErr = failure
			continue
		}

		c.metrics.Attempt(c.generator.Name(), "success", time.Since(started))
		c.metrics.Dispatch("success")
		return c.complete(ctx, req, cred, image), nil
	}

	c.metrics.Dispatch("exhausted")
	c.logger.Error("credential pool exhausted",
		slog.Int("candidates", exhausted.Candidates),
		slog.Int("attempted", exhausted.Attempted))
	return nil, exhausted
}

func (c *Controller) attempt(ctx context.Context, cred *domain.Credential, req *ports.GenerateRequest) (domain.Image, *domain.RemoteServiceError) {
	ctx, span := c.tracer.Start(ctx, "dispatch.attempt",
		trace.WithAttributes(
			attribute.String("genflow.credential", cred.ID),
			attribute.String("genflow.generator", c.generator.Name()),
			attribute.String("genflow.quality_tier", req.QualityTier),
		))
	defer span.End()

	image, err := Run(ctx, c.executor, cred.ID, func(ctx context.Context) (domain.Image, error) {
		resp, err := c.generator.Generate(ctx, cred.Token, req)
		if err != nil {
			return domain.Image{}, err
		}
		if resp == nil || len(resp.Images) != 1 {
			n := 0
			if resp != nil {
				n = len(resp.Images)
			}
			return domain.Image{}, domain.ErrMalformedRequest(fmt.Sprintf("expected exactly one image, got %d", n))
		}
		return resp.Images[0], nil
	})
	if err != nil {
		remote := Classify(err)
		span.RecordError(remote)
		span.SetAttributes(attribute.String("genflow.error_class", string(remote.Class)))
		span.SetStatus(codes.Error, remote.Message)
		return domain.Image{}, remote
	}
	span.SetStatus(codes.Ok, "")
	return image, nil
}

// complete performs the success bookkeeping. Failures here are logged but
// never turn a produced artifact into an error.
func (c *Controller) complete(ctx context.Context, req Request, cred *domain.Credential, image domain.Image) *domain.Artifact {
	if err := c.pool.RecordUsage(ctx, cred.ID); err != nil {
		c.logger.Error("failed to record credential usage",
			slog.String("credential", cred.ID),
			slog.String("error", err.Error()))
	}

	if c.ledger != nil && !req.Cost.IsZero() {
		note := fmt.Sprintf("generation %s via %s", req.QualityTier, c.generator.Name())
		if _, err := c.ledger.Debit(ctx, req.UserID, req.Cost, note); err != nil {
			c.logger.Error("failed to debit balance",
				slog.String("user", req.UserID),
				slog.String("amount", req.Cost.String()),
				slog.String("error", err.Error()))
		}
	}

	artifact := &domain.Artifact{
		MIMEType:     image.MIMEType,
		CredentialID: cred.ID,
		Data:         image.Data,
	}
	if c.media != nil {
		ref, err := c.media.Store(ctx, image.Data)
		if err != nil {
			c.logger.Error("failed to store artifact",
				slog.String("error", err.Error()))
		} else {
			artifact.Ref = ref
		}
	}

	c.logger.Info("generation dispatched",
		slog.String("user", req.UserID),
		slog.String("credential", cred.ID),
		slog.String("artifact", artifact.Ref))
	return artifact
}

func (c *Controller) loadMedia(ctx context.Context, refs []string) ([]domain.Image, error) {
	images := make([]domain.Image, 0, len(refs))
	for _, ref := range refs {
		if c.media == nil {
			return nil, fmt.Errorf("media store not configured")
		}
		data, err := c.media.Fetch(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch media %s: %w", ref, err)
		}
		mimeType := media.DetectMIME(data)
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		images = append(images, domain.Image{Data: data, MIMEType: mimeType})
	}
	return images, nil
}

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

// DefaultCallTimeout bounds a single remote call.
const DefaultCallTimeout = 120 * time.Second

// Call is one invocation of the remote service with a fixed credential.
type Call[T any] func(ctx context.Context) (T, error)

// Executor runs a call under a per-call timeout, classifies failures and
// retries retryable classes on the same credential.
type Executor struct {
	timeout time.Duration
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCallTimeout sets the per-call timeout.
func WithCallTimeout(d time.Duration) ExecutorOption {
	return func(x *Executor) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// MaxRetries caps same-credential retries of a retryable failure.
const MaxRetries = 1

// WithRetries sets how many extra attempts a retryable failure gets,
// clamped to 0..MaxRetries.
func WithRetries(n int) ExecutorOption {
	return func(x *Executor) {
		x.retries = min(max(n, 0), MaxRetries)
	}
}

// WithBackoff sets the pause before a retry.
func WithBackoff(d time.Duration) ExecutorOption {
	return func(x *Executor) {
		x.backoff = d
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(x *Executor) {
		x.logger = logger
	}
}

// NewExecutor creates an executor that retries network failures once.
func NewExecutor(opts ...ExecutorOption) *Executor {
	x := &Executor{
		timeout: DefaultCallTimeout,
		retries: 1,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Run executes call. The returned error, if any, is always a
// *domain.RemoteServiceError.
func Run[T any](ctx context.Context, x *Executor, label string, call Call[T]) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, x.timeout)
		result, err := call(callCtx)
		cancel()
		if err == nil {
			return result, nil
		}

		remote := Classify(err)
		if !remote.Class.Retryable() || attempt >= x.retries {
			return zero, remote
		}

		x.logger.Warn("retrying remote call",
			slog.String("target", label),
			slog.Int("attempt", attempt+1),
			slog.String("class", string(remote.Class)),
			slog.String("error", remote.Message))

		if x.backoff > 0 {
			select {
			case <-ctx.Done():
				return zero, domain.ErrNetwork(ctx.Err())
			case <-time.After(x.backoff):
			}
		}
	}
}

// Classify maps any error onto the remote error taxonomy. Already
// classified errors pass through; timeouts and transport errors count as
// network failures; everything unrecognized is a server failure.
func Classify(err error) *domain.RemoteServiceError {
	if remote, ok := domain.AsRemote(err); ok {
		if remote.Class == "" {
			classified := *remote
			classified.Class = domain.ClassServer
			return &classified
		}
		return remote
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrNetwork(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ErrNetwork(err)
	}
	if class := domain.ClassFromMessage(err.Error()); class != "" {
		return domain.NewRemoteServiceError(class, err.Error()).WithCause(err)
	}
	return domain.ErrServer(err.Error()).WithCause(err)
}

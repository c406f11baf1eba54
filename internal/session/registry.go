// Package session keeps live wizard sessions, serializes access to each
// one, and runs generations off the session lock.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/progress"
)

// JobStatus is the lifecycle of one generation.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	// JobDiscarded marks a generation whose session was reset while it ran.
	JobDiscarded JobStatus = "discarded"
)

// Job is a snapshot of the most recent generation of a session.
type Job struct {
	ID          string    `json:"id"`
	Status      JobStatus `json:"status"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	MIMEType    string    `json:"mime_type,omitempty"`
	Error       string    `json:"error,omitempty"`
	Ticks       int       `json:"ticks"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

type job struct {
	Job
	ticks     atomic.Int64
	indicator *progress.Indicator
}

func (j *job) snapshot() *Job {
	out := j.Job
	out.Ticks = int(j.ticks.Load())
	return &out
}

type entry struct {
	mu         sync.Mutex
	session    *domain.Session
	generation uint64
	job        *job
	touched    time.Time
}

// Work performs the remote part of a generation. It runs without the
// session lock.
type Work func(ctx context.Context) (*domain.Artifact, error)

// Apply folds a finished generation back into its session. It runs under
// the session lock and only when the session was not reset meanwhile.
type Apply func(ctx context.Context, s *domain.Session, artifact *domain.Artifact, err error)

// Registry holds live sessions in memory.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	ttl              time.Duration
	progressInterval time.Duration
	now              func() time.Time
	logger           *slog.Logger

	inflight sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets how long an untouched session survives.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

// WithProgressInterval sets the progress tick period of generations.
func WithProgressInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.progressInterval = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:          make(map[string]*entry),
		ttl:              time.Hour,
		progressInterval: progress.DefaultInterval,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a session.
func (r *Registry) Add(s *domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.ID] = &entry{session: s, touched: r.now()}
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// With runs fn with exclusive access to the session.
func (r *Registry) With(id string, fn func(s *domain.Session) error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touched = r.now()
	return fn(e.session)
}

// Snapshot returns copies of the session and its latest job.
func (r *Registry) Snapshot(id string) (*domain.Session, *Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var j *Job
	if e.job != nil {
		j = e.job.snapshot()
	}
	return e.session.Clone(), j, nil
}

// Reset runs fn under the session lock after invalidating any in-flight
// generation. The late result of that generation is discarded.
func (r *Registry) Reset(id string, fn func(s *domain.Session) error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.generation++
	e.touched = r.now()
	if e.job != nil && e.job.Status == JobRunning {
		e.job.indicator.Stop()
		e.job.Status = JobDiscarded
		e.job.FinishedAt = r.now()
		r.logger.Info("generation discarded by reset",
			slog.String("session", id),
			slog.String("job", e.job.ID))
	}
	return fn(e.session)
}

// Remove forgets a session. An in-flight generation finishes unobserved.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation++
	if e.job != nil && e.job.Status == JobRunning {
		e.job.indicator.Stop()
		e.job.Status = JobDiscarded
	}
	return nil
}

// Launch starts work in the background. prepare runs under the session
// lock first and may veto the launch; apply runs when work finishes. Only
// one generation per session may run at a time.
func (r *Registry) Launch(ctx context.Context, id string, prepare func(s *domain.Session) (Work, error), apply Apply) (*Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job != nil && e.job.Status == JobRunning {
		return nil, domain.NewSessionInputError("", "a generation is already running")
	}

	work, err := prepare(e.session)
	if err != nil {
		return nil, err
	}

	j := &job{Job: Job{ID: uuid.NewString(), Status: JobRunning, StartedAt: r.now()}}
	j.indicator = progress.Start(r.progressInterval, func(time.Duration, int) {
		j.ticks.Add(1)
	})
	e.job = j
	e.touched = r.now()
	gen := e.generation

	r.inflight.Add(1)
	go r.run(context.WithoutCancel(ctx), id, e, j, gen, work, apply)

	return j.snapshot(), nil
}

func (r *Registry) run(ctx context.Context, id string, e *entry, j *job, gen uint64, work Work, apply Apply) {
	defer r.inflight.Done()

	artifact, err := work(ctx)
	j.indicator.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.generation != gen {
		r.logger.Info("dropping result of reset session",
			slog.String("session", id),
			slog.String("job", j.ID))
		return
	}

	j.FinishedAt = r.now()
	if err != nil {
		j.Status = JobFailed
		j.Error = err.Error()
	} else {
		j.Status = JobSucceeded
		j.ArtifactRef = artifact.Ref
		j.MIMEType = artifact.MIMEType
	}
	e.touched = r.now()

	if apply != nil {
		apply(ctx, e.session, artifact, err)
	}
}

// Wait blocks until every launched generation has finished or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Reap removes sessions untouched for longer than the TTL. Sessions with a
// running generation are kept.
func (r *Registry) Reap() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.entries {
		e.mu.Lock()
		expired := e.touched.Before(cutoff) && (e.job == nil || e.job.Status != JobRunning)
		e.mu.Unlock()
		if expired {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// StartReaper sweeps abandoned sessions every interval until ctx ends.
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("session reaper started",
			slog.Duration("interval", interval),
			slog.Duration("ttl", r.ttl))

		for {
			select {
			case <-ticker.C:
				if n := r.Reap(); n > 0 {
					r.logger.Info("reaped abandoned sessions", slog.Int("count", n))
				}
			case <-ctx.Done():
				r.logger.Info("session reaper shutting down", slog.String("reason", ctx.Err().Error()))
				return
			}
		}
	}()
}

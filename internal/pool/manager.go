// Package pool tracks pooled credentials against three independent quota
// ceilings and orders candidates for dispatch.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
)

// Window is the trailing period counted against the minute limit.
const Window = 60 * time.Second

// Limits are the per-credential quota ceilings. A zero limit disables that
// ceiling.
type Limits struct {
	PerMinute int
	PerDay    int
	Lifetime  int
}

// Manager answers whether a credential is usable and records usage.
type Manager struct {
	store    ports.CredentialStore
	limits   Limits
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	randMu sync.Mutex
	rand   *rand.Rand
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLocation sets the zone whose calendar day bounds the daily limit.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.location = loc
		}
	}
}

// WithRand sets the source used for tie-breaking between equal priorities.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) {
		m.rand = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a pool manager over store.
func NewManager(store ports.CredentialStore, limits Limits, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		limits:   limits,
		location: time.UTC,
		now:      time.Now,
		logger:   slog.Default(),
		locks:    make(map[string]*sync.Mutex),
		rand:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Limits returns the configured ceilings.
func (m *Manager) Limits() Limits {
	return m.limits
}

func (m *Manager) lock(id string) func() {
	m.locksMu.Lock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	m.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// CheckAvailability evaluates lifetime, daily and minute ceilings in that
// order. Reaching the lifetime cap deactivates the credential for good.
// A non-nil error means the store failed, not that the credential is
// exhausted.
func (m *Manager) CheckAvailability(ctx context.Context, id string) (bool, domain.ExhaustionReason, error) {
	unlock := m.lock(id)
	defer unlock()

	cred, err := m.store.GetCredential(ctx, id)
	if err != nil {
		return false, "", fmt.Errorf("failed to load credential %s: %w", id, err)
	}

	if m.limits.Lifetime > 0 && cred.LifetimeUsage >= m.limits.Lifetime {
		if cred.Active {
			if err := m.store.SetActive(ctx, id, false); err != nil {
				return false, domain.ReasonLifetime, fmt.Errorf("failed to deactivate credential %s: %w", id, err)
			}
			m.logger.Warn("credential lifetime cap reached, deactivated",
				slog.String("credential", id),
				slog.String("token", cred.MaskedToken()),
				slog.Int("lifetime_usage", cred.LifetimeUsage))
		}
		return false, domain.ReasonLifetime, nil
	}

	if !cred.Active {
		return false, domain.ReasonInactive, nil
	}

	now := m.now()
	if m.predatesToday(cred.LastReset, now) {
		if err := m.store.ResetDaily(ctx, id, now); err != nil {
			return false, "", fmt.Errorf("failed to reset daily usage for %s: %w", id, err)
		}
		cred.DailyUsage = 0
	}
	if m.limits.PerDay > 0 && cred.DailyUsage >= m.limits.PerDay {
		return false, domain.ReasonDaily, nil
	}

	if m.limits.PerMinute > 0 {
		count, err := m.store.CountUsageSince(ctx, id, now.Add(-Window))
		if err != nil {
			return false, "", fmt.Errorf("failed to count recent usage for %s: %w", id, err)
		}
		if count >= m.limits.PerMinute {
			return false, domain.ReasonMinute, nil
		}
	}

	return true, "", nil
}

func (m *Manager) predatesToday(lastReset, now time.Time) bool {
	if lastReset.IsZero() {
		return true
	}
	ly, lm, ld := lastReset.In(m.location).Date()
	ny, nm, nd := now.In(m.location).Date()
	last := time.Date(ly, lm, ld, 0, 0, 0, 0, time.UTC)
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return last.Before(today)
}

// RecordUsage appends a ledger entry and bumps the daily and lifetime
// counters of a credential.
func (m *Manager) RecordUsage(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()

	if err := m.store.RecordUsage(ctx, id, m.now()); err != nil {
		return fmt.Errorf("failed to record usage for %s: %w", id, err)
	}
	return nil
}

// Candidates returns active credentials ordered by priority, highest
// first. Equal priorities are shuffled so the first-listed credential is
// not always hit first.
func (m *Manager) Candidates(ctx context.Context) ([]*domain.Credential, error) {
	all, err := m.store.ListCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	active := make([]*domain.Credential, 0, len(all))
	for _, c := range all {
		if c.Active {
			active = append(active, c)
		}
	}

	m.randMu.Lock()
	m.rand.Shuffle(len(active), func(i, j int) {
		active[i], active[j] = active[j], active[i]
	})
	m.randMu.Unlock()

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority > active[j].Priority
	})
	return active, nil
}

// Add registers a new credential.
func (m *Manager) Add(ctx context.Context, cred *domain.Credential) error {
	if cred.ID == "" || cred.Token == "" {
		return fmt.Errorf("credential id and token are required")
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = m.now()
	}
	if err := m.store.AddCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to add credential %s: %w", cred.ID, err)
	}
	return nil
}

// SetActive toggles a credential. A credential past its lifetime cap can
// not be reactivated.
func (m *Manager) SetActive(ctx context.Context, id string, active bool) error {
	unlock := m.lock(id)
	defer unlock()

	if active && m.limits.Lifetime > 0 {
		cred, err := m.store.GetCredential(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load credential %s: %w", id, err)
		}
		if cred.LifetimeUsage >= m.limits.Lifetime {
			return &domain.CredentialExhaustedError{CredentialID: id, Reason: domain.ReasonLifetime}
		}
	}
	if err := m.store.SetActive(ctx, id, active); err != nil {
		return fmt.Errorf("failed to update credential %s: %w", id, err)
	}
	return nil
}

// List returns every credential for status reporting.
func (m *Manager) List(ctx context.Context) ([]*domain.Credential, error) {
	return m.store.ListCredentials(ctx)
}

// Prune drops ledger entries that no longer count toward the minute limit.
func (m *Manager) Prune(ctx context.Context) (int64, error) {
	return m.store.PruneUsage(ctx, m.now().Add(-Window))
}

// StartPruner prunes the usage ledger every interval until ctx is done.
func (m *Manager) StartPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := m.Prune(ctx)
				if err != nil {
					m.logger.Error("failed to prune usage ledger", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					m.logger.Debug("pruned usage ledger", slog.Int64("entries", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

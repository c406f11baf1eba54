// Package memory provides in-process implementations of the flow,
// credential and billing stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
)

// Store keeps everything in maps guarded by one RWMutex.
type Store struct {
	mu sync.RWMutex

	steps   map[string]domain.StepDefinition
	options map[string]domain.OptionDefinition

	credentials map[string]*domain.Credential
	usage       map[string][]time.Time

	balances map[string]domain.Amount
	history  map[string][]*domain.BillingEntry
}

var (
	_ ports.FlowStore       = (*Store)(nil)
	_ ports.FlowWriter      = (*Store)(nil)
	_ ports.CategoryLister  = (*Store)(nil)
	_ ports.CredentialStore = (*Store)(nil)
	_ ports.BillingLedger   = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		steps:       make(map[string]domain.StepDefinition),
		options:     make(map[string]domain.OptionDefinition),
		credentials: make(map[string]*domain.Credential),
		usage:       make(map[string][]time.Time),
		balances:    make(map[string]domain.Amount),
		history:     make(map[string][]*domain.BillingEntry),
	}
}

func (s *Store) UpsertStep(ctx context.Context, step domain.StepDefinition) error {
	if step.ID == "" {
		return fmt.Errorf("step id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.ID] = step
	return nil
}

func (s *Store) UpsertOption(ctx context.Context, opt domain.OptionDefinition) error {
	if opt.ID == "" || opt.StepID == "" {
		return fmt.Errorf("option id and step id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[opt.StepID+"/"+opt.ID] = opt
	return nil
}

func (s *Store) ListSteps(ctx context.Context, category string) ([]domain.StepDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.StepDefinition
	for _, step := range s.steps {
		if step.Category == category {
			out = append(out, step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *Store) ListOptions(ctx context.Context, stepID string) ([]domain.OptionDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.OptionDefinition
	for _, opt := range s.options {
		if opt.StepID == stepID {
			out = append(out, opt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, step := range s.steps {
		if !seen[step.Category] {
			seen[step.Category] = true
			out = append(out, step.Category)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[id]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, domain.ErrNotFound)
	}
	c := *cred
	return &c, nil
}

func (s *Store) ListCredentials(ctx context.Context) ([]*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Credential, 0, len(s.credentials))
	for _, cred := range s.credentials {
		c := *cred
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AddCredential(ctx context.Context, cred *domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.credentials[cred.ID]; exists {
		return fmt.Errorf("credential %s already exists", cred.ID)
	}
	c := *cred
	s.credentials[cred.ID] = &c
	return nil
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, domain.ErrNotFound)
	}
	cred.Active = active
	return nil
}

func (s *Store) ResetDaily(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, domain.ErrNotFound)
	}
	cred.DailyUsage = 0
	cred.LastReset = at
	return nil
}

func (s *Store) CountUsageSince(ctx context.Context, id string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, at := range s.usage[id] {
		if !at.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) RecordUsage(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, domain.ErrNotFound)
	}
	s.usage[id] = append(s.usage[id], at)
	cred.DailyUsage++
	cred.LifetimeUsage++
	return nil
}

func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for id, entries := range s.usage {
		kept := entries[:0]
		for _, at := range entries {
			if at.Before(before) {
				pruned++
				continue
			}
			kept = append(kept, at)
		}
		s.usage[id] = kept
	}
	return pruned, nil
}

func (s *Store) Balance(ctx context.Context, userID string) (domain.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID], nil
}

func (s *Store) Debit(ctx context.Context, userID string, amount domain.Amount, note string) (domain.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balances[userID].Debit(amount)
	s.balances[userID] = balance
	s.appendHistory(userID, amount, true, balance, note)
	return balance, nil
}

func (s *Store) Credit(ctx context.Context, userID string, amount domain.Amount, note string) (domain.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balances[userID].Credit(amount)
	s.balances[userID] = balance
	s.appendHistory(userID, amount, false, balance, note)
	return balance, nil
}

func (s *Store) appendHistory(userID string, delta domain.Amount, debit bool, balance domain.Amount, note string) {
	s.history[userID] = append(s.history[userID], &domain.BillingEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Delta:     delta,
		Debit:     debit,
		Balance:   balance,
		Note:      note,
		CreatedAt: time.Now(),
	})
}

func (s *Store) History(ctx context.Context, userID string, limit int) ([]*domain.BillingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[userID]
	out := make([]*domain.BillingEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := *entries[i]
		out = append(out, &e)
	}
	return out, nil
}

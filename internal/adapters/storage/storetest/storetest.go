// Package storetest checks a storage backend against the behavior the
// pool, dispatch and flow packages rely on.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
)

// Store is the full surface of a storage backend.
type Store interface {
	ports.FlowStore
	ports.FlowWriter
	ports.CategoryLister
	ports.CredentialStore
	ports.BillingLedger
}

// Run exercises a fresh store from newStore in each subtest.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("Flow", func(t *testing.T) { testFlow(t, newStore(t)) })
	t.Run("Credentials", func(t *testing.T) { testCredentials(t, newStore(t)) })
	t.Run("Usage", func(t *testing.T) { testUsage(t, newStore(t)) })
	t.Run("Billing", func(t *testing.T) { testBilling(t, newStore(t)) })
}

func testFlow(t *testing.T, s Store) {
	ctx := context.Background()
	steps := []domain.StepDefinition{
		{ID: "c-size", Category: "child", Key: "size", Kind: domain.InputFreeText, Order: 2, MaxLength: 10},
		{ID: "c-gender", Category: "child", Key: "gender", Kind: domain.InputSingleChoice, Order: 1,
			Prompt: "Who?", LocalizedPrompts: map[string]string{"uk": "Хто?"}},
		{ID: "d-color", Category: "dress", Key: "color", Kind: domain.InputSingleChoice, Order: 1},
	}
	for _, step := range steps {
		if err := s.UpsertStep(ctx, step); err != nil {
			t.Fatalf("UpsertStep(%s) error = %v", step.ID, err)
		}
	}
	for _, opt := range []domain.OptionDefinition{
		{ID: "girl", StepID: "c-gender", Label: "Girl", Value: "girl", Order: 2},
		{ID: "boy", StepID: "c-gender", Label: "Boy", Value: "boy", Order: 1, LocalizedLabels: map[string]string{"uk": "Хлопчик"}},
	} {
		if err := s.UpsertOption(ctx, opt); err != nil {
			t.Fatalf("UpsertOption(%s) error = %v", opt.ID, err)
		}
	}

	got, err := s.ListSteps(ctx, "child")
	if err != nil {
		t.Fatalf("ListSteps() error = %v", err)
	}
	if len(got) != 2 || got[0].Key != "gender" || got[1].Key != "size" {
		t.Fatalf("ListSteps() = %+v, want gender then size", got)
	}
	if got[0].LocalizedPrompts["uk"] != "Хто?" || got[1].MaxLength != 10 {
		t.Errorf("step fields not preserved: %+v", got)
	}

	// Upsert replaces.
	updated := steps[0]
	updated.Order = 0
	if err := s.UpsertStep(ctx, updated); err != nil {
		t.Fatalf("UpsertStep() error = %v", err)
	}
	got, _ = s.ListSteps(ctx, "child")
	if len(got) != 2 || got[0].Key != "size" {
		t.Errorf("ListSteps() after upsert = %+v, want size first", got)
	}

	opts, err := s.ListOptions(ctx, "c-gender")
	if err != nil {
		t.Fatalf("ListOptions() error = %v", err)
	}
	if len(opts) != 2 || opts[0].ID != "boy" || opts[0].LabelFor("uk") != "Хлопчик" {
		t.Errorf("ListOptions() = %+v", opts)
	}

	cats, err := s.ListCategories(ctx)
	if err != nil {
		t.Fatalf("ListCategories() error = %v", err)
	}
	if len(cats) != 2 || cats[0] != "child" || cats[1] != "dress" {
		t.Errorf("ListCategories() = %v", cats)
	}

	if none, _ := s.ListSteps(ctx, "missing"); len(none) != 0 {
		t.Errorf("ListSteps(missing) = %+v, want none", none)
	}
}

func testCredentials(t *testing.T, s Store) {
	ctx := context.Background()

	if _, err := s.GetCredential(ctx, "k1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetCredential() on empty store error = %v, want ErrNotFound", err)
	}

	for _, c := range []*domain.Credential{
		{ID: "k2", Token: "token-2", Active: true, Priority: 1},
		{ID: "k1", Label: "first", Token: "token-1", Active: true, Priority: 5},
	} {
		if err := s.AddCredential(ctx, c); err != nil {
			t.Fatalf("AddCredential(%s) error = %v", c.ID, err)
		}
	}
	if err := s.AddCredential(ctx, &domain.Credential{ID: "k1", Token: "x"}); err == nil {
		t.Error("AddCredential() duplicate error = nil")
	}

	cred, err := s.GetCredential(ctx, "k1")
	if err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}
	if cred.Label != "first" || cred.Token != "token-1" || cred.Priority != 5 || !cred.Active {
		t.Errorf("GetCredential() = %+v", cred)
	}

	all, err := s.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("ListCredentials() error = %v", err)
	}
	if len(all) != 2 || all[0].ID != "k1" {
		t.Errorf("ListCredentials() = %+v, want k1 first", all)
	}

	if err := s.SetActive(ctx, "k1", false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if cred, _ := s.GetCredential(ctx, "k1"); cred.Active {
		t.Error("SetActive(false) did not persist")
	}
	if err := s.SetActive(ctx, "nope", true); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("SetActive(nope) error = %v, want ErrNotFound", err)
	}
}

func testUsage(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.AddCredential(ctx, &domain.Credential{ID: "k1", Token: "t", Active: true}); err != nil {
		t.Fatalf("AddCredential() error = %v", err)
	}
	for _, offset := range []time.Duration{0, 30 * time.Second, 90 * time.Second} {
		if err := s.RecordUsage(ctx, "k1", base.Add(offset)); err != nil {
			t.Fatalf("RecordUsage() error = %v", err)
		}
	}
	if err := s.RecordUsage(ctx, "nope", base); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("RecordUsage(nope) error = %v, want ErrNotFound", err)
	}

	cred, _ := s.GetCredential(ctx, "k1")
	if cred.DailyUsage != 3 || cred.LifetimeUsage != 3 {
		t.Errorf("usage = %d/%d, want 3/3", cred.DailyUsage, cred.LifetimeUsage)
	}

	n, err := s.CountUsageSince(ctx, "k1", base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("CountUsageSince() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CountUsageSince() = %d, want 2", n)
	}

	reset := base.Add(24 * time.Hour)
	if err := s.ResetDaily(ctx, "k1", reset); err != nil {
		t.Fatalf("ResetDaily() error = %v", err)
	}
	cred, _ = s.GetCredential(ctx, "k1")
	if cred.DailyUsage != 0 || cred.LifetimeUsage != 3 || !cred.LastReset.Equal(reset) {
		t.Errorf("after reset = %+v", cred)
	}

	pruned, err := s.PruneUsage(ctx, base.Add(60*time.Second))
	if err != nil {
		t.Fatalf("PruneUsage() error = %v", err)
	}
	if pruned != 2 {
		t.Errorf("PruneUsage() = %d, want 2", pruned)
	}
	if n, _ := s.CountUsageSince(ctx, "k1", base); n != 1 {
		t.Errorf("CountUsageSince() after prune = %d, want 1", n)
	}
}

func testBilling(t *testing.T, s Store) {
	ctx := context.Background()

	if b, err := s.Balance(ctx, "u1"); err != nil || !b.IsZero() {
		t.Fatalf("Balance() of new user = %s, %v", b, err)
	}

	if _, err := s.Credit(ctx, "u1", domain.Amount{Units: 2, Fraction: 10}, "top-up"); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}
	got, err := s.Debit(ctx, "u1", domain.Amount{Units: 1, Fraction: 25}, "generation")
	if err != nil {
		t.Fatalf("Debit() error = %v", err)
	}
	if want := (domain.Amount{Units: 0, Fraction: 85}); got != want {
		t.Errorf("Debit() = %s, want %s", got, want)
	}
	if b, _ := s.Balance(ctx, "u1"); b != got {
		t.Errorf("Balance() = %s, want %s", b, got)
	}
	if b, _ := s.Balance(ctx, "u2"); !b.IsZero() {
		t.Errorf("Balance(u2) = %s, want zero", b)
	}

	history, err := s.History(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() = %d entries, want 2", len(history))
	}
	if !history[0].Debit || history[0].Note != "generation" || history[0].Balance != got {
		t.Errorf("latest entry = %+v", history[0])
	}
	if limited, _ := s.History(ctx, "u1", 1); len(limited) != 1 {
		t.Errorf("History(limit 1) = %d entries", len(limited))
	}
}

package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/tjfontaine/genflow/internal/adapters/storage/memory"
	"github.com/tjfontaine/genflow/internal/core/domain"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T, limits Limits, loc *time.Location) (*Manager, *memory.Store, *clock) {
	t.Helper()
	store := memory.New()
	c := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	m := NewManager(store, limits,
		WithClock(c.Now),
		WithLocation(loc),
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return m, store, c
}

func addCredential(t *testing.T, m *Manager, id string, priority int) {
	t.Helper()
	if err := m.Add(context.Background(), &domain.Credential{ID: id, Token: "token-" + id, Priority: priority, Active: true}); err != nil {
		t.Fatalf("Add(%s) error = %v", id, err)
	}
}

func use(t *testing.T, m *Manager, id string, n int) {
	t.Helper()
	for range n {
		if err := m.RecordUsage(context.Background(), id); err != nil {
			t.Fatalf("RecordUsage(%s) error = %v", id, err)
		}
	}
}

func TestCheckAvailability_Limits(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
		uses   int
		want   domain.ExhaustionReason
	}{
		{name: "under every limit", limits: Limits{PerMinute: 5, PerDay: 5, Lifetime: 5}, uses: 2},
		{name: "minute", limits: Limits{PerMinute: 2, PerDay: 10}, uses: 2, want: domain.ReasonMinute},
		{name: "daily before minute", limits: Limits{PerMinute: 2, PerDay: 2}, uses: 2, want: domain.ReasonDaily},
		{name: "lifetime first", limits: Limits{PerMinute: 1, PerDay: 1, Lifetime: 1}, uses: 1, want: domain.ReasonLifetime},
		{name: "zero limits disable ceilings", limits: Limits{}, uses: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, tt.limits, time.UTC)
			addCredential(t, m, "k1", 0)
			// The first check stamps today's daily reset.
			if _, _, err := m.CheckAvailability(context.Background(), "k1"); err != nil {
				t.Fatalf("CheckAvailability() error = %v", err)
			}
			use(t, m, "k1", tt.uses)

			ok, reason, err := m.CheckAvailability(context.Background(), "k1")
			if err != nil {
				t.Fatalf("CheckAvailability() error = %v", err)
			}
			if ok != (tt.want == "") || reason != tt.want {
				t.Errorf("CheckAvailability() = %v, %q, want reason %q", ok, reason, tt.want)
			}
		})
	}
}

func TestCheckAvailability_MinuteWindowSlides(t *testing.T) {
	m, _, c := newTestManager(t, Limits{PerMinute: 1}, time.UTC)
	ctx := context.Background()
	addCredential(t, m, "k1", 0)
	use(t, m, "k1", 1)

	if ok, _, _ := m.CheckAvailability(ctx, "k1"); ok {
		t.Fatal("available right after hitting the minute limit")
	}
	c.Advance(Window + time.Second)
	if ok, reason, _ := m.CheckAvailability(ctx, "k1"); !ok {
		t.Errorf("unavailable after the window passed: %s", reason)
	}
}

func TestCheckAvailability_DailyResetFollowsLocation(t *testing.T) {
	kyiv, err := time.LoadLocation("Europe/Kyiv")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	m, store, c := newTestManager(t, Limits{PerDay: 1}, kyiv)
	ctx := context.Background()
	addCredential(t, m, "k1", 0)

	// 10:00 UTC is 12:00 in Kyiv; establish today's reset before using.
	if ok, _, _ := m.CheckAvailability(ctx, "k1"); !ok {
		t.Fatal("fresh credential unavailable")
	}
	use(t, m, "k1", 1)
	if _, reason, _ := m.CheckAvailability(ctx, "k1"); reason != domain.ReasonDaily {
		t.Fatalf("reason = %q, want daily", reason)
	}

	// 21:30 UTC is 23:30 in Kyiv, still the same local day.
	c.Advance(11*time.Hour + 30*time.Minute)
	if _, reason, _ := m.CheckAvailability(ctx, "k1"); reason != domain.ReasonDaily {
		t.Errorf("reason before local midnight = %q, want daily", reason)
	}

	// 22:30 UTC is past local midnight.
	c.Advance(time.Hour)
	ok, reason, err := m.CheckAvailability(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("after local midnight = %v, %q, %v; want available", ok, reason, err)
	}
	cred, _ := store.GetCredential(ctx, "k1")
	if cred.DailyUsage != 0 || cred.LifetimeUsage != 1 {
		t.Errorf("counters after reset = %d/%d, want 0/1", cred.DailyUsage, cred.LifetimeUsage)
	}
}

func TestCheckAvailability_LifetimeDeactivates(t *testing.T) {
	m, store, clk := newTestManager(t, Limits{Lifetime: 2}, time.UTC)
	ctx := context.Background()
	addCredential(t, m, "k1", 0)
	use(t, m, "k1", 2)

	for i := 0; i < 3; i++ {
		if ok, reason, _ := m.CheckAvailability(ctx, "k1"); ok || reason != domain.ReasonLifetime {
			t.Fatalf("CheckAvailability() #%d = %v, %q, want lifetime", i, ok, reason)
		}
	}
	if cred, _ := store.GetCredential(ctx, "k1"); cred.Active {
		t.Error("credential still active after lifetime cap")
	}

	clk.Advance(48 * time.Hour)
	for i := 0; i < 3; i++ {
		if ok, reason, _ := m.CheckAvailability(ctx, "k1"); ok || reason != domain.ReasonLifetime {
			t.Fatalf("CheckAvailability() after rollover #%d = %v, %q, want lifetime", i, ok, reason)
		}
	}
	if cred, _ := store.GetCredential(ctx, "k1"); cred.Active || cred.LifetimeUsage != 2 {
		t.Errorf("credential after rollover = active %v, lifetime %d", cred.Active, cred.LifetimeUsage)
	}
	var exhausted *domain.CredentialExhaustedError
	if err := m.SetActive(ctx, "k1", true); !errors.As(err, &exhausted) {
		t.Errorf("SetActive(true) error = %v, want exhausted", err)
	}
}

func TestCheckAvailability_Inactive(t *testing.T) {
	m, _, _ := newTestManager(t, Limits{}, time.UTC)
	ctx := context.Background()
	addCredential(t, m, "k1", 0)
	if err := m.SetActive(ctx, "k1", false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}

	if ok, reason, _ := m.CheckAvailability(ctx, "k1"); ok || reason != domain.ReasonInactive {
		t.Errorf("CheckAvailability() = %v, %q, want inactive", ok, reason)
	}
	if _, _, err := m.CheckAvailability(ctx, "missing"); err == nil {
		t.Error("CheckAvailability(missing) error = nil")
	}
}

func TestCandidates_PriorityOrder(t *testing.T) {
	m, _, _ := newTestManager(t, Limits{}, time.UTC)
	ctx := context.Background()
	addCredential(t, m, "low", 1)
	addCredential(t, m, "high", 9)
	addCredential(t, m, "mid-a", 5)
	addCredential(t, m, "mid-b", 5)
	addCredential(t, m, "off", 10)
	m.SetActive(ctx, "off", false)

	got, err := m.Candidates(ctx)
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Candidates() = %d, want 4 active", len(got))
	}
	if got[0].ID != "high" || got[3].ID != "low" {
		t.Errorf("order = %s,%s,%s,%s", got[0].ID, got[1].ID, got[2].ID, got[3].ID)
	}
	if got[1].Priority != 5 || got[2].Priority != 5 {
		t.Errorf("middle priorities = %d,%d", got[1].Priority, got[2].Priority)
	}
}

func TestCandidates_TiesAreShuffled(t *testing.T) {
	m, _, _ := newTestManager(t, Limits{}, time.UTC)
	ctx := context.Background()
	addCredential(t, m, "a", 1)
	addCredential(t, m, "b", 1)

	firsts := make(map[string]bool)
	for range 64 {
		got, _ := m.Candidates(ctx)
		firsts[got[0].ID] = true
	}
	if len(firsts) != 2 {
		t.Errorf("first candidate was always %v", firsts)
	}
}

func TestAdd_RequiresIDAndToken(t *testing.T) {
	m, _, _ := newTestManager(t, Limits{}, time.UTC)
	if err := m.Add(context.Background(), &domain.Credential{ID: "k1"}); err == nil {
		t.Error("Add() without token error = nil")
	}
}

func TestPrune(t *testing.T) {
	m, _, c := newTestManager(t, Limits{PerMinute: 10}, time.UTC)
	ctx := context.Background()
	addCredential(t, m, "k1", 0)
	use(t, m, "k1", 3)
	c.Advance(2 * Window)
	use(t, m, "k1", 1)

	n, err := m.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Prune() = %d, want 3", n)
	}
}

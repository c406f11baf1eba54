package wizard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/genflow/internal/adapters/storage/memory"
	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/dispatch"
	"github.com/tjfontaine/genflow/internal/flow"
	"github.com/tjfontaine/genflow/internal/session"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	balance  domain.Amount
	requests []dispatch.Request
	err      error
}

func (d *fakeDispatcher) CheckBalance(ctx context.Context, userID string, cost domain.Amount) error {
	if !d.balance.Covers(cost) {
		return &domain.BalanceInsufficientError{UserID: userID, Balance: d.balance, Required: cost}
	}
	return nil
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (*domain.Artifact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	return &domain.Artifact{Ref: "art-1", MIMEType: "image/png"}, nil
}

type nopMedia struct{}

func (nopMedia) Fetch(ctx context.Context, ref string) ([]byte, error) { return nil, domain.ErrNotFound }
func (nopMedia) Store(ctx context.Context, data []byte) (string, error) {
	return "ref-1", nil
}

func newTestService(t *testing.T, d *fakeDispatcher) *Service {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	store.UpsertStep(ctx, domain.StepDefinition{ID: "g", Category: "child", Key: "gender", Kind: domain.InputSingleChoice, Order: 1})
	store.UpsertStep(ctx, domain.StepDefinition{ID: "a", Category: "child", Key: "age", Kind: domain.InputSingleChoice, Order: 2})
	store.UpsertStep(ctx, domain.StepDefinition{ID: "s", Category: "child", Key: "size", Kind: domain.InputFreeText, Order: 3})
	store.UpsertStep(ctx, domain.StepDefinition{ID: "n", Category: "child", Key: "note", Kind: domain.InputFreeText, Order: 4, Optional: true})
	store.UpsertOption(ctx, domain.OptionDefinition{ID: "boy", StepID: "g", Label: "boy", Value: "boy"})
	store.UpsertOption(ctx, domain.OptionDefinition{ID: "kid", StepID: "g", Label: "kid", Value: "kid"})
	store.UpsertOption(ctx, domain.OptionDefinition{ID: "a3", StepID: "a", Label: "3 years", Value: "3"})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := flow.NewEngine(store, flow.WithLogger(logger), flow.WithDefaultQuality("standard"))
	registry := session.NewRegistry(session.WithLogger(logger), session.WithProgressInterval(time.Millisecond))

	return NewService(engine, registry, d, nopMedia{},
		WithLogger(logger),
		WithCategoryLister(store),
		WithPrices(map[string]domain.Amount{"default": {Units: 1}, "pro": {Units: 3}}))
}

func walkToReady(t *testing.T, svc *Service, id string) {
	t.Helper()
	ctx := context.Background()
	for _, in := range []flow.Input{{OptionID: "boy"}, {Text: "M"}, {Text: "with a red hat"}, {OptionID: "4:3"}} {
		if _, err := svc.Advance(ctx, id, in); err != nil {
			t.Fatalf("Advance(%+v) error = %v", in, err)
		}
	}
}

func TestService_GenerateAssemblesPromptAndResets(t *testing.T) {
	d := &fakeDispatcher{balance: domain.Amount{Units: 5}}
	svc := newTestService(t, d)
	ctx := context.Background()

	v, err := svc.Start(ctx, "u1", "child", "en", nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	id := v.Session.ID

	if _, err := svc.Generate(ctx, id); !domain.IsSessionInput(err) {
		t.Fatalf("Generate() before ready error = %v, want session input error", err)
	}

	walkToReady(t, svc, id)

	text, err := svc.PromptText(ctx, id)
	if err != nil {
		t.Fatalf("PromptText() error = %v", err)
	}
	for _, want := range []string{"boy", "child", "M", "4:3", "note: with a red hat"} {
		if !strings.Contains(text, want) {
			t.Errorf("prompt %q missing %q", text, want)
		}
	}
	if strings.ContainsAny(text, "{}") {
		t.Errorf("prompt has unresolved placeholder: %q", text)
	}

	if _, err := svc.Generate(ctx, id); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := svc.registry.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	v, err = svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v.Job == nil || v.Job.Status != session.JobSucceeded || v.Job.ArtifactRef != "art-1" {
		t.Errorf("job = %+v, want succeeded", v.Job)
	}
	if len(v.Session.Answers) != 0 || v.Prompt.Step.Key != "gender" {
		t.Errorf("session not reset after success: %+v", v.Session)
	}

	if len(d.requests) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(d.requests))
	}
	if req := d.requests[0]; req.Cost != (domain.Amount{Units: 1}) || req.AspectRatio != "4:3" {
		t.Errorf("request = %+v", req)
	}
}

func TestService_GenerateRejectsInsufficientBalance(t *testing.T) {
	d := &fakeDispatcher{}
	svc := newTestService(t, d)
	ctx := context.Background()

	v, _ := svc.Start(ctx, "u1", "child", "en", nil)
	walkToReady(t, svc, v.Session.ID)

	_, err := svc.Generate(ctx, v.Session.ID)
	if !domain.IsBalanceInsufficient(err) {
		t.Fatalf("Generate() error = %v, want insufficient balance", err)
	}
	if len(d.requests) != 0 {
		t.Errorf("dispatches = %d, want none", len(d.requests))
	}
}

func TestService_FailedGenerationKeepsSession(t *testing.T) {
	d := &fakeDispatcher{balance: domain.Amount{Units: 5}, err: &domain.PoolExhaustedError{}}
	svc := newTestService(t, d)
	ctx := context.Background()

	v, _ := svc.Start(ctx, "u1", "child", "en", nil)
	walkToReady(t, svc, v.Session.ID)
	svc.Generate(ctx, v.Session.ID)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	svc.registry.Wait(waitCtx)

	v, _ = svc.Get(ctx, v.Session.ID)
	if v.Job.Status != session.JobFailed {
		t.Errorf("job status = %s, want failed", v.Job.Status)
	}
	if v.Session.State != domain.StateReady {
		t.Errorf("state = %s, want ready for a retry", v.Session.State)
	}
}

func TestService_StartWithPrefill(t *testing.T) {
	svc := newTestService(t, &fakeDispatcher{})
	ctx := context.Background()

	v, err := svc.Start(ctx, "u1", "child", "en", map[string]string{"gender": "kid", "size": "L"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if v.Prompt.Step == nil || v.Prompt.Step.Key != "age" {
		t.Fatalf("prompt = %+v, want age", v.Prompt)
	}

	v, _ = svc.Advance(ctx, v.Session.ID, flow.Input{OptionID: "a3"})
	if v.Prompt.Step.Key != "note" {
		t.Errorf("prompt step = %s, want note (size prefilled)", v.Prompt.Step.Key)
	}
}

func TestService_UnknownSession(t *testing.T) {
	svc := newTestService(t, &fakeDispatcher{})

	if _, err := svc.Advance(context.Background(), "missing", flow.Input{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Advance() error = %v, want ErrNotFound", err)
	}
}

func TestService_Categories(t *testing.T) {
	svc := newTestService(t, &fakeDispatcher{})

	got, err := svc.Categories(context.Background())
	if err != nil {
		t.Fatalf("Categories() error = %v", err)
	}
	if len(got) != 1 || got[0] != "child" {
		t.Errorf("Categories() = %v, want [child]", got)
	}
}

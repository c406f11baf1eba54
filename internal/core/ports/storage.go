// Package ports defines the narrow interfaces the core consumes. Adapters
// under internal/adapters implement them.
package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

// FlowStore is the read-only Flow Definition Store.
type FlowStore interface {
	// ListSteps returns the steps of a category ordered by order index.
	ListSteps(ctx context.Context, category string) ([]domain.StepDefinition, error)

	// ListOptions returns the options of a step ordered by order index.
	ListOptions(ctx context.Context, stepID string) ([]domain.OptionDefinition, error)
}

// CategoryLister is implemented by flow stores that can enumerate categories.
type CategoryLister interface {
	ListCategories(ctx context.Context) ([]string, error)
}

// FlowWriter seeds flow definitions into a writable store.
type FlowWriter interface {
	UpsertStep(ctx context.Context, step domain.StepDefinition) error
	UpsertOption(ctx context.Context, opt domain.OptionDefinition) error
}

// CredentialStore persists credentials and the usage ledger.
type CredentialStore interface {
	// GetCredential retrieves a credential by ID
	GetCredential(ctx context.Context, id string) (*domain.Credential, error)

	// ListCredentials returns every credential, active or not
	ListCredentials(ctx context.Context) ([]*domain.Credential, error)

	// AddCredential inserts a credential
	AddCredential(ctx context.Context, cred *domain.Credential) error

	// SetActive flips the active flag
	SetActive(ctx context.Context, id string, active bool) error

	// ResetDaily zeroes the daily counter and stamps the reset time
	ResetDaily(ctx context.Context, id string, at time.Time) error

	// CountUsageSince counts ledger entries for id at or after since
	CountUsageSince(ctx context.Context, id string, since time.Time) (int, error)

	// RecordUsage appends a ledger entry and increments the daily and
	// lifetime counters in one atomic step
	RecordUsage(ctx context.Context, id string, at time.Time) error

	// PruneUsage drops ledger entries older than before
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// BillingLedger holds user balances with an append-only history.
type BillingLedger interface {
	Balance(ctx context.Context, userID string) (domain.Amount, error)

	// Debit subtracts integral units plus a fractional remainder
	Debit(ctx context.Context, userID string, amount domain.Amount, note string) (domain.Amount, error)

	// Credit tops a balance up
	Credit(ctx context.Context, userID string, amount domain.Amount, note string) (domain.Amount, error)

	History(ctx context.Context, userID string, limit int) ([]*domain.BillingEntry, error)
}

// MediaStore is the opaque media collaborator.
type MediaStore interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
	Store(ctx context.Context, data []byte) (string, error)
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tjfontaine/genflow/internal/adapters/storage/storetest"
	"github.com/tjfontaine/genflow/internal/core/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "genflow.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return newTestStore(t)
	})
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genflow.db")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if _, err := s.Credit(ctx, "u1", domain.Amount{Units: 3}, "seed"); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}
	s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatalf("New() on existing database error = %v", err)
	}
	defer s.Close()
	if b, _ := s.Balance(ctx, "u1"); b != (domain.Amount{Units: 3}) {
		t.Errorf("Balance() after reopen = %s, want 3.00", b)
	}
}

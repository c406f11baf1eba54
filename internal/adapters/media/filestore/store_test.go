package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

func TestStore_RoundTrip(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "media"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	ref, err := s.Store(ctx, []byte("image-bytes"))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	got, err := s.Fetch(ctx, ref)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(got) != "image-bytes" {
		t.Errorf("Fetch() = %q", got)
	}

	other, _ := s.Store(ctx, []byte("x"))
	if other == ref {
		t.Error("Store() reused a reference")
	}

	entries, _ := os.ReadDir(s.Dir())
	if len(entries) != 2 {
		t.Errorf("directory has %d entries, want 2 without temp files", len(entries))
	}
}

func TestStore_FetchRejectsUnknownRefs(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []string{
		"../../etc/passwd",
		"",
		"not-a-uuid",
		"6f1c2a4e-8a53-4f43-9c8e-2b2f3b1e9a10",
	}
	for _, ref := range tests {
		if _, err := s.Fetch(context.Background(), ref); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Fetch(%q) error = %v, want ErrNotFound", ref, err)
		}
	}
}

func TestStore_Delete(t *testing.T) {
	s, _ := New(t.TempDir())
	ctx := context.Background()

	ref, _ := s.Store(ctx, []byte("x"))
	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Fetch(ctx, ref); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Fetch() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, ref); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

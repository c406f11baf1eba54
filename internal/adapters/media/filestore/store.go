// Package filestore keeps media in a local directory under uuid names.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
)

// Store implements ports.MediaStore.
type Store struct {
	dir string
}

var _ ports.MediaStore = (*Store)(nil)

// New creates the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string {
	return s.dir
}

// Store writes data under a fresh reference. The file is written to a
// temporary name first so readers never see a partial image.
func (s *Store) Store(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := uuid.New().String()

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create media file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close media file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, ref)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store media file: %w", err)
	}
	return ref, nil
}

// Fetch reads a stored reference. References that are not uuids are
// rejected before touching the filesystem.
func (s *Store) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(ref); err != nil {
		return nil, fmt.Errorf("media %q: %w", ref, domain.ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("media %s: %w", ref, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read media %s: %w", ref, err)
	}
	return data, nil
}

// Delete removes a stored reference.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if _, err := uuid.Parse(ref); err != nil {
		return fmt.Errorf("media %q: %w", ref, domain.ErrNotFound)
	}
	err := os.Remove(filepath.Join(s.dir, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("media %s: %w", ref, domain.ErrNotFound)
	}
	return err
}

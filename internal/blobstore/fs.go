package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSPrefix marks locators produced by FS.
const FSPrefix = "file://"

// FS stores blobs as files under a root directory.
type FS struct {
	root string
}

// NewFS creates the root directory if needed and returns a store over it.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FS{root: abs}, nil
}

// Put writes data to root/key. The write goes through a temporary file so
// readers never observe a partial blob.
func (s *FS) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}

	return FSPrefix + filepath.ToSlash(strings.TrimPrefix(path, s.root+string(filepath.Separator))), nil
}

// Get reads the blob at locator. Bare keys are accepted as well as
// file:// locators.
func (s *FS) Get(_ context.Context, locator string) ([]byte, error) {
	path, err := s.resolve(strings.TrimPrefix(locator, FSPrefix))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// resolve maps key under the root, refusing keys that escape it.
func (s *FS) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidLocator)
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes storage root", ErrInvalidLocator, key)
	}
	return path, nil
}

// Package local archives compressed result segments to a directory, for
// deployments without object storage.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config names the archive root.
type Config struct {
	BaseDir string
}

// BlobStore copies objects under BaseDir and returns file:// URIs.
type BlobStore struct {
	baseDir string
}

// New creates the archive root if needed and checks it is a directory.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("archive directory is required")
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive directory: %w", err)
	}
	if err := os.MkdirAll(base, 0o750); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	info, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("stat archive directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive path %s is not a directory", base)
	}
	return &BlobStore{baseDir: base}, nil
}

// PutObject streams r into name under the archive root. The object becomes
// visible only once fully written.
func (s *BlobStore) PutObject(ctx context.Context, name string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("object name is required")
	}
	full := filepath.Join(s.baseDir, name)
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("object name %q escapes the archive", name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".partial-*")
	if err != nil {
		return "", fmt.Errorf("create object: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write object %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("publish object %s: %w", name, err)
	}
	return "file://" + full, nil
}

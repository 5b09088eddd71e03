// Package blob stores assembled files durably. Two backends are provided:
// a local directory for single-node deployments and S3 for everything else.
package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// Store writes and removes final file payloads. Keys are slash-separated
// paths scoped by tenant, e.g. "tenant/session-id/invoice.pdf".
type Store interface {
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// LocalStore keeps final files under a directory tree.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a LocalStore rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{basePath: basePath}, nil
}

// Put copies data to basePath/key via a temp file and atomic rename.
func (s *LocalStore) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error) {
	dest := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	tmpPath := dest + ".partial"
	file, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := io.Copy(file, data); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return dest, nil
}

// Delete removes the stored file; missing files are not an error.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(filepath.Join(s.basePath, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

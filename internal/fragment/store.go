// Package fragment persists in-flight chunk fragments on disk until a
// session is assembled or reclaimed.
package fragment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"arkiv-backend/internal/domain"
)

// Store keeps one directory per session under a common root.
type Store struct {
	basePath string
}

// NewStore creates a Store rooted at basePath.
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Store{basePath: basePath}, nil
}

// SessionDir returns the fragment directory for a session.
func (s *Store) SessionDir(sessionID uuid.UUID) string {
	return filepath.Join(s.basePath, sessionID.String())
}

// ChunkPath returns the on-disk location for a finalized chunk fragment.
func (s *Store) ChunkPath(sessionID uuid.UUID, chunkIndex int) string {
	return filepath.Join(s.SessionDir(sessionID), "chunks", fmt.Sprintf("chunk-%05d", chunkIndex))
}

// WriteAttempt copies the incoming chunk reader to a private attempt file
// and computes its checksum. The attempt is invisible to assembly until
// Promote renames it into place; concurrent attempts for the same chunk get
// distinct attempt files.
func (s *Store) WriteAttempt(sessionID uuid.UUID, chunkIndex int, data io.Reader) (string, int64, string, error) {
	chunkPath := s.ChunkPath(sessionID, chunkIndex)
	if err := os.MkdirAll(filepath.Dir(chunkPath), 0o755); err != nil {
		return "", 0, "", err
	}

	tmpPath := chunkPath + ".partial-" + uuid.NewString()
	file, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, "", err
	}
	defer file.Close()

	hasher := sha256.New()
	w := io.MultiWriter(file, hasher)
	written, err := io.Copy(w, data)
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, "", err
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, "", err
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	return tmpPath, written, checksum, nil
}

// Promote atomically renames a validated attempt into the fragment slot and
// returns the final fragment path.
func (s *Store) Promote(tmpPath string, sessionID uuid.UUID, chunkIndex int) (string, error) {
	chunkPath := s.ChunkPath(sessionID, chunkIndex)
	if err := os.Rename(tmpPath, chunkPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return chunkPath, nil
}

// Discard removes an attempt file that will not be promoted.
func (s *Store) Discard(tmpPath string) {
	_ = os.Remove(tmpPath)
}

// Assemble concatenates the chunk fragments in index order into a staging
// file inside the session directory and returns its path, whole-file hash,
// and byte size. Fragments are left in place for diagnostics.
func (s *Store) Assemble(sessionID uuid.UUID, chunks []domain.Chunk) (string, string, int64, error) {
	dest := filepath.Join(s.SessionDir(sessionID), "assembled.bin")
	file, err := os.Create(dest)
	if err != nil {
		return "", "", 0, err
	}
	defer file.Close()

	hasher := sha256.New()
	w := io.MultiWriter(file, hasher)
	var written int64
	for _, chunk := range chunks {
		data, err := os.Open(chunk.FragmentPath)
		if err != nil {
			return "", "", 0, err
		}
		n, err := io.Copy(w, data)
		data.Close()
		if err != nil {
			return "", "", 0, err
		}
		written += n
	}
	if err := file.Close(); err != nil {
		return "", "", 0, err
	}

	return dest, hex.EncodeToString(hasher.Sum(nil)), written, nil
}

// RemoveSession deletes all fragments and staging files for the session.
func (s *Store) RemoveSession(sessionID uuid.UUID) error {
	return os.RemoveAll(s.SessionDir(sessionID))
}

package fragment

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"

	"github.com/google/uuid"

	"arkiv-backend/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestWriteAttemptAndPromote(t *testing.T) {
	s := newTestStore(t)
	sessionID := uuid.New()
	data := []byte("fragment payload")

	tmpPath, written, checksum, err := s.WriteAttempt(sessionID, 0, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("write attempt: %v", err)
	}
	if written != int64(len(data)) {
		t.Errorf("written = %d, want %d", written, len(data))
	}
	wantSum := sha256.Sum256(data)
	if checksum != hex.EncodeToString(wantSum[:]) {
		t.Errorf("checksum = %s, want %s", checksum, hex.EncodeToString(wantSum[:]))
	}

	// The attempt is not visible at the chunk slot until promoted.
	if _, err := os.Stat(s.ChunkPath(sessionID, 0)); !os.IsNotExist(err) {
		t.Fatal("chunk slot occupied before promote")
	}
	fragPath, err := s.Promote(tmpPath, sessionID, 0)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if fragPath != s.ChunkPath(sessionID, 0) {
		t.Errorf("promoted to %s, want %s", fragPath, s.ChunkPath(sessionID, 0))
	}
	stored, err := os.ReadFile(fragPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, data) {
		t.Errorf("stored fragment = %q, want %q", stored, data)
	}
}

func TestDiscardRemovesAttempt(t *testing.T) {
	s := newTestStore(t)
	sessionID := uuid.New()

	tmpPath, _, _, err := s.WriteAttempt(sessionID, 0, bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatal(err)
	}
	s.Discard(tmpPath)
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Error("attempt file survived discard")
	}
}

func TestAssembleOrdersByIndex(t *testing.T) {
	s := newTestStore(t)
	sessionID := uuid.New()
	parts := [][]byte{[]byte("first-"), []byte("second-"), []byte("third")}

	var chunks []domain.Chunk
	// Write in reverse to prove order comes from the manifest, not disk.
	for index := len(parts) - 1; index >= 0; index-- {
		tmpPath, _, _, err := s.WriteAttempt(sessionID, index, bytes.NewReader(parts[index]))
		if err != nil {
			t.Fatal(err)
		}
		fragPath, err := s.Promote(tmpPath, sessionID, index)
		if err != nil {
			t.Fatal(err)
		}
		chunks = append(chunks, domain.Chunk{SessionID: sessionID, Index: index, FragmentPath: fragPath})
	}
	// Assemble expects manifest order.
	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}

	path, hash, size, err := s.Assemble(sessionID, chunks)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	want := []byte("first-second-third")
	if size != int64(len(want)) {
		t.Errorf("size = %d, want %d", size, len(want))
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("assembled = %q, want %q", got, want)
	}
	wantSum := sha256.Sum256(want)
	if hash != hex.EncodeToString(wantSum[:]) {
		t.Errorf("hash = %s, want %s", hash, hex.EncodeToString(wantSum[:]))
	}

	// Fragments stay in place after assembly.
	for _, c := range chunks {
		if _, err := os.Stat(c.FragmentPath); err != nil {
			t.Errorf("fragment %d missing after assembly: %v", c.Index, err)
		}
	}
}

func TestRemoveSession(t *testing.T) {
	s := newTestStore(t)
	sessionID := uuid.New()

	tmpPath, _, _, err := s.WriteAttempt(sessionID, 0, bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Promote(tmpPath, sessionID, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveSession(sessionID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(s.SessionDir(sessionID)); !os.IsNotExist(err) {
		t.Error("session dir survived removal")
	}

	// Removing an unknown session is fine.
	if err := s.RemoveSession(uuid.New()); err != nil {
		t.Errorf("removing unknown session: %v", err)
	}
}

package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"arkiv-backend/internal/blob"
	"arkiv-backend/internal/domain"
	"arkiv-backend/internal/fragment"
	"arkiv-backend/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore, *fragment.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	frags, err := fragment.NewStore(filepath.Join(t.TempDir(), "frags"))
	if err != nil {
		t.Fatalf("fragment store: %v", err)
	}
	blobs, err := blob.NewLocalStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	m := NewManager(Options{
		DefaultChunkSize: 4,
		MaxChunkSize:     1 << 20,
		MaxUploadBytes:   1 << 30,
		SessionTTL:       time.Hour,
	}, st, frags, blobs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, st, frags
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// payload is 10 bytes, which splits into chunks of 4+4+2 at the test
// manager's default chunk size.
var payload = []byte("abcdefghij")

func chunkOf(index int) []byte {
	start := index * 4
	end := start + 4
	if end > len(payload) {
		end = len(payload)
	}
	return payload[start:end]
}

func openSession(t *testing.T, m *Manager, req OpenRequest) *domain.Session {
	t.Helper()
	if req.Tenant == "" {
		req.Tenant = "acme"
	}
	if req.Filename == "" {
		req.Filename = "report.pdf"
	}
	if req.SizeBytes == 0 {
		req.SizeBytes = int64(len(payload))
	}
	sess, err := m.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return sess
}

func TestRoundTripOutOfOrder(t *testing.T) {
	m, st, _ := newTestManager(t)
	sess := openSession(t, m, OpenRequest{ExpectedHash: sum(payload)})
	if sess.TotalChunks != 3 {
		t.Fatalf("total chunks = %d, want 3", sess.TotalChunks)
	}

	ctx := context.Background()
	for _, index := range []int{2, 0, 1} {
		data := chunkOf(index)
		result, err := m.SubmitChunk(ctx, sess.ID, index, bytes.NewReader(data), sum(data))
		if err != nil {
			t.Fatalf("chunk %d: %v", index, err)
		}
		if result.Duplicate {
			t.Fatalf("chunk %d unexpectedly reported duplicate", index)
		}
	}

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionCompleted {
		t.Fatalf("status = %s, want completed (%s)", got.Status, got.ErrorMessage)
	}
	if got.Progress() != 100 {
		t.Errorf("progress = %d, want 100", got.Progress())
	}
	if got.FinalHash != sum(payload) {
		t.Errorf("final hash = %s, want %s", got.FinalHash, sum(payload))
	}

	stored, err := os.ReadFile(got.FinalPath)
	if err != nil {
		t.Fatalf("reading final file: %v", err)
	}
	if !bytes.Equal(stored, payload) {
		t.Errorf("final file = %q, want %q", stored, payload)
	}
	if _, err := os.Stat(got.FragmentDir); !os.IsNotExist(err) {
		t.Errorf("fragment dir still present after completion")
	}
}

func TestConcurrentChunks(t *testing.T) {
	m, st, _ := newTestManager(t)
	sess := openSession(t, m, OpenRequest{ExpectedHash: sum(payload)})

	var wg sync.WaitGroup
	errs := make([]error, sess.TotalChunks)
	for i := 0; i < sess.TotalChunks; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			data := chunkOf(index)
			_, errs[index] = m.SubmitChunk(context.Background(), sess.ID, index, bytes.NewReader(data), sum(data))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}

	got, err := st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionCompleted {
		t.Fatalf("status = %s, want completed (%s)", got.Status, got.ErrorMessage)
	}
	if got.ReceivedBytes != int64(len(payload)) {
		t.Errorf("received bytes = %d, want %d", got.ReceivedBytes, len(payload))
	}
}

func TestDuplicateChunkIsNoOp(t *testing.T) {
	m, st, _ := newTestManager(t)
	sess := openSession(t, m, OpenRequest{})
	ctx := context.Background()

	data := chunkOf(0)
	if _, err := m.SubmitChunk(ctx, sess.ID, 0, bytes.NewReader(data), sum(data)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	result, err := m.SubmitChunk(ctx, sess.ID, 0, bytes.NewReader(data), sum(data))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !result.Duplicate {
		t.Error("second submit not reported as duplicate")
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.ChunksUploaded != 1 {
		t.Errorf("chunks uploaded = %d, want 1", got.ChunksUploaded)
	}
	if got.ReceivedBytes != int64(len(data)) {
		t.Errorf("received bytes = %d, want %d (double counted)", got.ReceivedBytes, len(data))
	}
}

func TestConflictingResubmitRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	sess := openSession(t, m, OpenRequest{})
	ctx := context.Background()

	data := chunkOf(0)
	if _, err := m.SubmitChunk(ctx, sess.ID, 0, bytes.NewReader(data), sum(data)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	other := []byte("wxyz")
	_, err := m.SubmitChunk(ctx, sess.ID, 0, bytes.NewReader(other), sum(other))
	if !errors.Is(err, domain.ErrChunkAlreadyFinalized) {
		t.Fatalf("err = %v, want ErrChunkAlreadyFinalized", err)
	}
}

func TestIdenticalRetryAfterCompletion(t *testing.T) {
	m, st, _ := newTestManager(t)
	sess := openSession(t, m, OpenRequest{ExpectedHash: sum(payload)})
	ctx := context.Background()

	for index := 0; index < sess.TotalChunks; index++ {
		data := chunkOf(index)
		if _, err := m.SubmitChunk(ctx, sess.ID, index, bytes.NewReader(data), sum(data)); err != nil {
			t.Fatalf("chunk %d: %v", index, err)
		}
	}
	got, _ := st.GetSession(ctx, sess.ID)
	if got.Status != domain.SessionCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	// A client that lost the last ack retries the final chunk verbatim and
	// must get the duplicate no-op back, not a rejection.
	last := sess.TotalChunks - 1
	data := chunkOf(last)
	result, err := m.SubmitChunk(ctx, sess.ID, last, bytes.NewReader(data), sum(data))
	if err != nil {
		t.Fatalf("retry after completion: %v", err)
	}
	if !result.Duplicate {
		t.Error("retry not reported as duplicate")
	}
	if result.SessionStatus != domain.SessionCompleted {
		t.Errorf("session status = %s, want completed", result.SessionStatus)
	}

	// Without a declared hash the body itself is verified.
	result, err = m.SubmitChunk(ctx, sess.ID, last, bytes.NewReader(data), "")
	if err != nil || !result.Duplicate {
		t.Fatalf("undeclared-hash retry: result=%+v err=%v", result, err)
	}

	// Different content is a conflict, not a silent overwrite.
	other := []byte("zz")
	_, err = m.SubmitChunk(ctx, sess.ID, last, bytes.NewReader(other), sum(other))
	if !errors.Is(err, domain.ErrChunkAlreadyFinalized) {
		t.Fatalf("err = %v, want ErrChunkAlreadyFinalized", err)
	}
}

type stubGate struct{ allow bool }

func (g stubGate) Admitted(uuid.UUID) bool { return g.allow }

func TestUnadmittedBatchSessionRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SetGate(stubGate{allow: false})
	ctx := context.Background()

	batchID := uuid.New()
	sess := openSession(t, m, OpenRequest{BatchID: &batchID})
	data := chunkOf(0)
	_, err := m.SubmitChunk(ctx, sess.ID, 0, bytes.NewReader(data), sum(data))
	if !errors.Is(err, domain.ErrConcurrencyLimitReached) {
		t.Fatalf("err = %v, want ErrConcurrencyLimitReached", err)
	}

	// Standalone sessions never consult the gate.
	solo := openSession(t, m, OpenRequest{Filename: "solo.bin"})
	if _, err := m.SubmitChunk(ctx, solo.ID, 0, bytes.NewReader(data), sum(data)); err != nil {
		t.Fatalf("standalone submit: %v", err)
	}
}

func TestChunkOutOfRange(t *testing.T) {
	m, _, _ := newTestManager(t)
	sess := openSession(t, m, OpenRequest{})

	_, err := m.SubmitChunk(context.Background(), sess.ID, 7, bytes.NewReader([]byte("data")), "")
	if !errors.Is(err, domain.ErrChunkOutOfRange) {
		t.Fatalf("err = %v, want ErrChunkOutOfRange", err)
	}
}

func TestRetryBudgetExhaustionFailsSession(t *testing.T) {
	m, st, _ := newTestManager(t)
	sess := openSession(t, m, OpenRequest{})
	ctx := context.Background()
	data := chunkOf(0)
	badHash := sum([]byte("not the data"))

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := m.SubmitChunk(ctx, sess.ID, 0, bytes.NewReader(data), badHash)
		if !errors.Is(err, domain.ErrIntegrityMismatch) {
			t.Fatalf("attempt %d: err = %v, want ErrIntegrityMismatch", attempt, err)
		}
		got, _ := st.GetSession(ctx, sess.ID)
		if got.Status.Terminal() {
			t.Fatalf("attempt %d: session already terminal", attempt)
		}
	}

	_, err := m.SubmitChunk(ctx, sess.ID, 0, bytes.NewReader(data), badHash)
	if !errors.Is(err, domain.ErrRetryLimitExceeded) {
		t.Fatalf("err = %v, want ErrRetryLimitExceeded", err)
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.Status != domain.SessionFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	// A terminal session takes no further chunks.
	good := chunkOf(1)
	_, err = m.SubmitChunk(ctx, sess.ID, 1, bytes.NewReader(good), sum(good))
	if !errors.Is(err, domain.ErrSessionNotResumable) {
		t.Fatalf("err = %v, want ErrSessionNotResumable", err)
	}
}

func TestChunkSizeMismatchCountsAttempt(t *testing.T) {
	m, st, _ := newTestManager(t)
	sess := openSession(t, m, OpenRequest{})
	ctx := context.Background()

	short := []byte("ab")
	_, err := m.SubmitChunk(ctx, sess.ID, 0, bytes.NewReader(short), "")
	if !errors.Is(err, domain.ErrChunkSizeMismatch) {
		t.Fatalf("err = %v, want ErrChunkSizeMismatch", err)
	}

	chunk, err := st.GetChunk(ctx, sess.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if chunk.Attempts != 1 || chunk.Status != domain.ChunkFailed {
		t.Errorf("chunk attempts=%d status=%s, want 1/failed", chunk.Attempts, chunk.Status)
	}

	// A correct retry recovers the chunk.
	data := chunkOf(0)
	if _, err := m.SubmitChunk(ctx, sess.ID, 0, bytes.NewReader(data), sum(data)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	chunk, _ = st.GetChunk(ctx, sess.ID, 0)
	if chunk.Status != domain.ChunkUploaded || chunk.Attempts != 2 {
		t.Errorf("chunk attempts=%d status=%s, want 2/uploaded", chunk.Attempts, chunk.Status)
	}
}

func TestWholeFileHashMismatchFailsAssembly(t *testing.T) {
	m, st, frags := newTestManager(t)
	sess := openSession(t, m, OpenRequest{ExpectedHash: sum([]byte("something else"))})
	ctx := context.Background()

	for index := 0; index < sess.TotalChunks; index++ {
		data := chunkOf(index)
		if _, err := m.SubmitChunk(ctx, sess.ID, index, bytes.NewReader(data), sum(data)); err != nil {
			t.Fatalf("chunk %d: %v", index, err)
		}
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.Status != domain.SessionFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("failed session has no error message")
	}
	// Fragments survive assembly failure for diagnostics.
	if _, err := os.Stat(frags.SessionDir(sess.ID)); err != nil {
		t.Errorf("fragment dir missing after assembly failure: %v", err)
	}
}

func TestCancelReleasesFragments(t *testing.T) {
	m, st, frags := newTestManager(t)
	sess := openSession(t, m, OpenRequest{})
	ctx := context.Background()

	data := chunkOf(0)
	if _, err := m.SubmitChunk(ctx, sess.ID, 0, bytes.NewReader(data), sum(data)); err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(ctx, sess.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.Status != domain.SessionCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if _, err := os.Stat(frags.SessionDir(sess.ID)); !os.IsNotExist(err) {
		t.Error("fragment dir still present after cancel")
	}

	// Cancelling a terminal session is a no-op.
	if err := m.Cancel(ctx, sess.ID); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
}

func TestExpireOnlyHitsActiveSessions(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	active := openSession(t, m, OpenRequest{Filename: "a.bin"})
	if err := m.Expire(ctx, active.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got, _ := st.GetSession(ctx, active.ID)
	if got.Status != domain.SessionExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}

	// A late chunk after expiry is rejected.
	data := chunkOf(0)
	_, err := m.SubmitChunk(ctx, active.ID, 0, bytes.NewReader(data), sum(data))
	if !errors.Is(err, domain.ErrSessionNotResumable) {
		t.Fatalf("err = %v, want ErrSessionNotResumable", err)
	}

	done := openSession(t, m, OpenRequest{Filename: "b.bin"})
	for index := 0; index < done.TotalChunks; index++ {
		d := chunkOf(index)
		if _, err := m.SubmitChunk(ctx, done.ID, index, bytes.NewReader(d), sum(d)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Expire(ctx, done.ID); err != nil {
		t.Fatalf("expire completed: %v", err)
	}
	got, _ = st.GetSession(ctx, done.ID)
	if got.Status != domain.SessionCompleted {
		t.Fatalf("completed session flipped to %s", got.Status)
	}
}

func TestOpenIdempotentByToken(t *testing.T) {
	m, _, _ := newTestManager(t)
	first := openSession(t, m, OpenRequest{UploadToken: "tok-1"})
	second := openSession(t, m, OpenRequest{UploadToken: "tok-1"})
	if first.ID != second.ID {
		t.Fatalf("token reuse opened a new session: %s vs %s", first.ID, second.ID)
	}

	// Same token under another tenant is a distinct session.
	other := openSession(t, m, OpenRequest{Tenant: "globex", UploadToken: "tok-1"})
	if other.ID == first.ID {
		t.Fatal("upload token leaked across tenants")
	}
}

func TestOpenValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  OpenRequest
	}{
		{"missing tenant", OpenRequest{Filename: "f", SizeBytes: 1}},
		{"missing filename", OpenRequest{Tenant: "acme", SizeBytes: 1}},
		{"zero size", OpenRequest{Tenant: "acme", Filename: "f"}},
		{"over limit", OpenRequest{Tenant: "acme", Filename: "f", SizeBytes: 1 << 40}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Open(ctx, tc.req); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestInfectedFileStillCompletes(t *testing.T) {
	m, st, _ := newTestManager(t)
	m.SetScanner(stubScanner{clean: false})
	sess := openSession(t, m, OpenRequest{})
	ctx := context.Background()

	for index := 0; index < sess.TotalChunks; index++ {
		data := chunkOf(index)
		if _, err := m.SubmitChunk(ctx, sess.ID, index, bytes.NewReader(data), sum(data)); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.Status != domain.SessionCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ScanStatus != domain.ScanInfected {
		t.Errorf("scan status = %s, want infected", got.ScanStatus)
	}
}

type stubScanner struct{ clean bool }

func (s stubScanner) Scan(ctx context.Context, path string) (bool, error) {
	return s.clean, nil
}

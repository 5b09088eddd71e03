package batch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"arkiv-backend/internal/blob"
	"arkiv-backend/internal/domain"
	"arkiv-backend/internal/fragment"
	"arkiv-backend/internal/store"
	"arkiv-backend/internal/upload"
)

func newTestHarness(t *testing.T) (*Orchestrator, *upload.Manager, *store.MemoryStore) {
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
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := upload.NewManager(upload.Options{
		DefaultChunkSize: 4,
		MaxChunkSize:     1 << 20,
		MaxUploadBytes:   1 << 30,
		SessionTTL:       time.Hour,
	}, st, frags, blobs, logger)
	return NewOrchestrator(st, m, logger), m, st
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// contentFor derives a distinct payload per filename.
func contentFor(name string) []byte {
	return bytes.Repeat([]byte(name), 3)
}

// driveSession pushes a full payload through an admitted session.
func driveSession(t *testing.T, m *upload.Manager, id uuid.UUID, content []byte) {
	t.Helper()
	ctx := context.Background()
	sess, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	for index := 0; index < sess.TotalChunks; index++ {
		start := int64(index) * sess.ChunkSize
		end := start + sess.ChunkSize
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		data := content[start:end]
		if _, err := m.SubmitChunk(ctx, id, index, bytes.NewReader(data), sum(data)); err != nil {
			t.Fatalf("session %s chunk %d: %v", id, index, err)
		}
	}
}

// uploadSingle completes one standalone session so the tenant has existing
// content for collision tests.
func uploadSingle(t *testing.T, m *upload.Manager, tenant, name string, content []byte) {
	t.Helper()
	sess, err := m.Open(context.Background(), upload.OpenRequest{
		Tenant:    tenant,
		Filename:  name,
		SizeBytes: int64(len(content)),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	driveSession(t, m, sess.ID, content)
}

func specsFor(names ...string) []FileSpec {
	specs := make([]FileSpec, 0, len(names))
	for _, name := range names {
		content := contentFor(name)
		specs = append(specs, FileSpec{
			Name:        name,
			SizeBytes:   int64(len(content)),
			ContentHash: sum(content),
		})
	}
	return specs
}

func TestBatchRunsWithinConcurrencyLimit(t *testing.T) {
	o, m, _ := newTestHarness(t)
	ctx := context.Background()
	names := []string{"a.bin", "b.bin", "c.bin", "d.bin", "e.bin"}

	b, err := o.Create(ctx, CreateRequest{
		Tenant:           "acme",
		Files:            specsFor(names...),
		Policy:           domain.DuplicateFail,
		ConcurrencyLimit: 2,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.Status != domain.BatchPending {
		t.Fatalf("status = %s, want pending", b.Status)
	}

	b, err = o.Start(ctx, b.ID, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if b.FilesActive != 2 {
		t.Fatalf("files active = %d, want 2", b.FilesActive)
	}

	driven := make(map[uuid.UUID]bool)
	for rounds := 0; rounds < 20; rounds++ {
		b, err = o.Get(ctx, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if b.FilesActive > b.ConcurrencyLimit {
			t.Fatalf("files active = %d exceeds limit %d", b.FilesActive, b.ConcurrencyLimit)
		}
		if b.Status.Terminal() {
			break
		}
		for _, f := range b.Files {
			if f.State == domain.FileActive && f.SessionID != nil && !driven[*f.SessionID] {
				driven[*f.SessionID] = true
				driveSession(t, m, *f.SessionID, contentFor(f.Name))
			}
		}
	}

	if b.Status != domain.BatchCompleted {
		t.Fatalf("status = %s, want completed", b.Status)
	}
	if b.FilesCompleted != len(names) {
		t.Errorf("files completed = %d, want %d", b.FilesCompleted, len(names))
	}
	if b.CompletedAt == nil {
		t.Error("completed batch has no completion time")
	}
}

func TestDuplicatePolicySkip(t *testing.T) {
	o, m, _ := newTestHarness(t)
	ctx := context.Background()
	uploadSingle(t, m, "acme", "existing.bin", contentFor("existing.bin"))

	b, err := o.Create(ctx, CreateRequest{
		Tenant: "acme",
		Files:  specsFor("existing.bin"),
		Policy: domain.DuplicateSkip,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.Files[0].State != domain.FileSkipped {
		t.Fatalf("file state = %s, want skipped", b.Files[0].State)
	}

	// An all-skipped batch settles immediately on start.
	b, err = o.Start(ctx, b.ID, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if b.Status != domain.BatchCompleted {
		t.Fatalf("status = %s, want completed", b.Status)
	}
	if b.FilesSkipped != 1 {
		t.Errorf("files skipped = %d, want 1", b.FilesSkipped)
	}
}

func TestDuplicatePolicyRename(t *testing.T) {
	o, m, _ := newTestHarness(t)
	ctx := context.Background()
	uploadSingle(t, m, "acme", "report.pdf", contentFor("report.pdf"))

	specs := specsFor("report.pdf")
	specs[0].ContentHash = sum([]byte("different content"))
	b, err := o.Create(ctx, CreateRequest{
		Tenant: "acme",
		Files:  specs,
		Policy: domain.DuplicateRename,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := b.Files[0].ResolvedName; got != "report (1).pdf" {
		t.Fatalf("resolved name = %q, want %q", got, "report (1).pdf")
	}
	if b.Files[0].Name != "report.pdf" {
		t.Errorf("original name rewritten to %q", b.Files[0].Name)
	}
}

func TestDuplicatePolicyRenameWithinBatch(t *testing.T) {
	o, _, _ := newTestHarness(t)
	specs := []FileSpec{
		{Name: "photo.jpg", SizeBytes: 10},
		{Name: "photo.jpg", SizeBytes: 12},
		{Name: "photo.jpg", SizeBytes: 14},
	}
	b, err := o.Create(context.Background(), CreateRequest{
		Tenant: "acme",
		Files:  specs,
		Policy: domain.DuplicateRename,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	want := []string{"photo.jpg", "photo (1).jpg", "photo (2).jpg"}
	for i, f := range b.Files {
		if f.ResolvedName != want[i] {
			t.Errorf("file %d resolved to %q, want %q", i, f.ResolvedName, want[i])
		}
	}
}

func TestDuplicatePolicyOverwrite(t *testing.T) {
	o, m, _ := newTestHarness(t)
	uploadSingle(t, m, "acme", "notes.txt", contentFor("notes.txt"))

	specs := specsFor("notes.txt")
	specs[0].ContentHash = sum([]byte("fresh content"))
	b, err := o.Create(context.Background(), CreateRequest{
		Tenant: "acme",
		Files:  specs,
		Policy: domain.DuplicateOverwrite,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !b.Files[0].Overwrite {
		t.Error("colliding file not flagged for overwrite")
	}
	if b.Files[0].State != domain.FileQueued {
		t.Errorf("file state = %s, want queued", b.Files[0].State)
	}
}

func TestDuplicatePolicyFailRejectsWholeBatch(t *testing.T) {
	o, m, _ := newTestHarness(t)
	uploadSingle(t, m, "acme", "taken.bin", contentFor("taken.bin"))

	_, err := o.Create(context.Background(), CreateRequest{
		Tenant: "acme",
		Files:  append(specsFor("fresh.bin"), specsFor("taken.bin")...),
		Policy: domain.DuplicateFail,
	})
	if !errors.Is(err, domain.ErrBatchCollisionRejected) {
		t.Fatalf("err = %v, want ErrBatchCollisionRejected", err)
	}
}

func TestCollisionsAreTenantScoped(t *testing.T) {
	o, m, _ := newTestHarness(t)
	uploadSingle(t, m, "acme", "shared.bin", contentFor("shared.bin"))

	b, err := o.Create(context.Background(), CreateRequest{
		Tenant: "globex",
		Files:  specsFor("shared.bin"),
		Policy: domain.DuplicateFail,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.Files[0].State != domain.FileQueued {
		t.Errorf("file state = %s, want queued", b.Files[0].State)
	}
}

func TestCancelMidFlight(t *testing.T) {
	o, m, _ := newTestHarness(t)
	ctx := context.Background()
	names := []string{"a.bin", "b.bin", "c.bin"}

	b, err := o.Create(ctx, CreateRequest{
		Tenant:           "acme",
		Files:            specsFor(names...),
		Policy:           domain.DuplicateFail,
		ConcurrencyLimit: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b, err = o.Start(ctx, b.ID, 0); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Finish the first file, leaving the second active and the third queued.
	driveSession(t, m, *b.Files[0].SessionID, contentFor("a.bin"))

	b, err = o.Cancel(ctx, b.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if b.Status != domain.BatchCancelled {
		t.Fatalf("status = %s, want cancelled", b.Status)
	}
	if b.FilesCompleted != 1 {
		t.Errorf("files completed = %d, want 1 (completed work must survive)", b.FilesCompleted)
	}
	for _, f := range b.Files[1:] {
		if f.State != domain.FileAborted {
			t.Errorf("file %s state = %s, want aborted", f.Name, f.State)
		}
	}

	// Cancel is idempotent.
	again, err := o.Cancel(ctx, b.ID)
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again.Status != domain.BatchCancelled {
		t.Errorf("repeat cancel status = %s", again.Status)
	}
}

func TestPartialCompletion(t *testing.T) {
	o, m, _ := newTestHarness(t)
	ctx := context.Background()

	specs := specsFor("good.bin", "bad.bin")
	// Declare a hash the uploaded bytes will not match, so assembly fails.
	specs[1].ContentHash = sum([]byte("never uploaded"))

	b, err := o.Create(ctx, CreateRequest{
		Tenant:           "acme",
		Files:            specs,
		Policy:           domain.DuplicateFail,
		ConcurrencyLimit: 2,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b, err = o.Start(ctx, b.ID, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, f := range b.Files {
		driveSession(t, m, *f.SessionID, contentFor(f.Name))
	}

	b, err = o.Get(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != domain.BatchPartiallyCompleted {
		t.Fatalf("status = %s, want partially_completed", b.Status)
	}
	if b.FilesCompleted != 1 || b.FilesFailed != 1 {
		t.Errorf("completed=%d failed=%d, want 1/1", b.FilesCompleted, b.FilesFailed)
	}
	for _, f := range b.Files {
		if f.Name == "bad.bin" && f.Error == "" {
			t.Error("failed file carries no error")
		}
	}
}

func TestStartRequiresPendingBatch(t *testing.T) {
	o, _, _ := newTestHarness(t)
	ctx := context.Background()

	b, err := o.Create(ctx, CreateRequest{
		Tenant: "acme",
		Files:  specsFor("a.bin"),
		Policy: domain.DuplicateSkip,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = o.Start(ctx, b.ID, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err = o.Start(ctx, b.ID, 0); !errors.Is(err, domain.ErrBatchNotStartable) {
		t.Fatalf("err = %v, want ErrBatchNotStartable", err)
	}
}

package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"arkiv-backend/internal/domain"
	"arkiv-backend/internal/store"
)

func newTestPublisher(t *testing.T) (*Publisher, *store.MemoryStore, time.Time) {
	t.Helper()
	st := store.NewMemoryStore()
	p := NewPublisher(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })
	return p, st, now
}

func seedSession(t *testing.T, st *store.MemoryStore, sess *domain.Session) {
	t.Helper()
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
}

func TestSessionSnapshotPinsAssemblingAtNinetyNine(t *testing.T) {
	p, st, now := newTestPublisher(t)
	sess := &domain.Session{
		ID:             uuid.New(),
		Tenant:         "acme",
		Filename:       "a.bin",
		SizeBytes:      100,
		TotalChunks:    4,
		ChunksUploaded: 4,
		ReceivedBytes:  100,
		Status:         domain.SessionAssembling,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
	seedSession(t, st, sess)

	snap, err := p.Session(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Progress != 99 {
		t.Errorf("progress = %d, want 99 while assembling", snap.Progress)
	}
}

func TestSessionSnapshotExtrapolatesETA(t *testing.T) {
	p, st, now := newTestPublisher(t)
	started := now.Add(-10 * time.Second)
	sess := &domain.Session{
		ID:            uuid.New(),
		Tenant:        "acme",
		Filename:      "a.bin",
		SizeBytes:     100,
		TotalChunks:   4,
		ReceivedBytes: 50,
		Status:        domain.SessionUploading,
		StartedAt:     &started,
		CreatedAt:     started,
		ExpiresAt:     now.Add(time.Hour),
	}
	seedSession(t, st, sess)

	snap, err := p.Session(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ThroughputBps != 5 {
		t.Errorf("throughput = %f, want 5", snap.ThroughputBps)
	}
	if snap.EstimatedSecondsLeft == nil || *snap.EstimatedSecondsLeft != 10 {
		t.Errorf("eta = %v, want 10s", snap.EstimatedSecondsLeft)
	}
}

func TestTerminalSessionHasNoETA(t *testing.T) {
	p, st, now := newTestPublisher(t)
	started := now.Add(-time.Minute)
	sess := &domain.Session{
		ID:            uuid.New(),
		Tenant:        "acme",
		Filename:      "a.bin",
		SizeBytes:     100,
		ReceivedBytes: 40,
		Status:        domain.SessionFailed,
		StartedAt:     &started,
		CreatedAt:     started,
		ExpiresAt:     now.Add(time.Hour),
	}
	seedSession(t, st, sess)

	snap, err := p.Session(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.EstimatedSecondsLeft != nil {
		t.Errorf("terminal session got eta %v", *snap.EstimatedSecondsLeft)
	}
}

func TestBatchSnapshotRollsUpFiles(t *testing.T) {
	p, st, now := newTestPublisher(t)
	ctx := context.Background()

	batchID := uuid.New()
	started := now.Add(-10 * time.Second)
	sess := &domain.Session{
		ID:             uuid.New(),
		Tenant:         "acme",
		BatchID:        &batchID,
		Filename:       "half.bin",
		SizeBytes:      100,
		TotalChunks:    4,
		ChunksUploaded: 2,
		ReceivedBytes:  50,
		Status:         domain.SessionUploading,
		StartedAt:      &started,
		CreatedAt:      started,
		ExpiresAt:      now.Add(time.Hour),
	}
	seedSession(t, st, sess)

	b := &domain.Batch{
		ID:     batchID,
		Tenant: "acme",
		Files: []domain.BatchFile{
			{Name: "skipped.bin", ResolvedName: "skipped.bin", State: domain.FileSkipped},
			{Name: "half.bin", ResolvedName: "half.bin", State: domain.FileActive, SessionID: &sess.ID},
		},
		TotalFiles:    2,
		FilesSkipped:  1,
		FilesActive:   1,
		DeclaredBytes: 100,
		Status:        domain.BatchInProgress,
		StartedAt:     &started,
		CreatedAt:     started,
	}
	if err := st.CreateBatch(ctx, b); err != nil {
		t.Fatal(err)
	}

	snap, err := p.Batch(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Progress != 75 {
		t.Errorf("progress = %d, want 75 (skipped counts as done)", snap.Progress)
	}
	if snap.ReceivedBytes != 50 {
		t.Errorf("received bytes = %d, want 50", snap.ReceivedBytes)
	}
	if snap.ThroughputBps != 5 {
		t.Errorf("throughput = %f, want 5", snap.ThroughputBps)
	}
	if len(snap.CurrentFiles) != 1 || snap.CurrentFiles[0] != "half.bin" {
		t.Errorf("current files = %v", snap.CurrentFiles)
	}
	if len(snap.Errors) != 1 || snap.Errors[0].Name != "skipped.bin" {
		t.Errorf("errors = %v, want skipped entry", snap.Errors)
	}
}

func TestWatchSessionClosesOnTerminal(t *testing.T) {
	p, st, now := newTestPublisher(t)
	completed := now.Add(-time.Minute)
	sess := &domain.Session{
		ID:          uuid.New(),
		Tenant:      "acme",
		Filename:    "a.bin",
		SizeBytes:   10,
		Status:      domain.SessionCompleted,
		CreatedAt:   completed,
		CompletedAt: &completed,
		ExpiresAt:   now.Add(time.Hour),
	}
	seedSession(t, st, sess)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snaps, err := p.WatchSession(ctx, sess.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	final, open := <-snaps
	if !open {
		t.Fatal("channel closed before the final snapshot")
	}
	if final.Status != domain.SessionCompleted {
		t.Errorf("final status = %s, want completed", final.Status)
	}
	if _, open := <-snaps; open {
		t.Error("channel stayed open after the final snapshot")
	}
}

func TestWatchClosesSilentlyWhenSessionVanishes(t *testing.T) {
	p, st, now := newTestPublisher(t)
	sess := &domain.Session{
		ID:          uuid.New(),
		Tenant:      "acme",
		Filename:    "a.bin",
		SizeBytes:   10,
		TotalChunks: 3,
		Status:      domain.SessionUploading,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	seedSession(t, st, sess)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snaps, err := p.WatchSession(ctx, sess.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	// Yank the record out from under the watcher; every snapshot delivered
	// before the channel closes must still be a real one.
	if _, open := <-snaps; !open {
		t.Fatal("channel closed before the first snapshot")
	}
	if err := st.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	for snap := range snaps {
		if snap.Status == "" {
			t.Fatal("received a zero-value snapshot after the session vanished")
		}
	}
}

func TestWatchUnknownSession(t *testing.T) {
	p, _, _ := newTestPublisher(t)
	_, err := p.WatchSession(context.Background(), uuid.New(), time.Second)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

// Package progress derives point-in-time snapshots from session and batch
// state. It is a pure read path: snapshots never mutate engine state, and
// publishing problems are logged and dropped, never propagated back into
// the ingestion path.
package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"arkiv-backend/internal/domain"
	"arkiv-backend/internal/store"
)

// SessionSnapshot is an immutable view of one session.
type SessionSnapshot struct {
	SessionID      uuid.UUID            `json:"sessionId"`
	Tenant         string               `json:"tenant"`
	Filename       string               `json:"filename"`
	Status         domain.SessionStatus `json:"status"`
	Progress       int                  `json:"progress"`
	ChunksUploaded int                  `json:"chunksUploaded"`
	ChunksFailed   int                  `json:"chunksFailed"`
	TotalChunks    int                  `json:"totalChunks"`
	ReceivedBytes  int64                `json:"receivedBytes"`
	SizeBytes      int64                `json:"sizeBytes"`
	ChunkSize      int64                `json:"chunkSize"`
	ThroughputBps  float64              `json:"throughputBps"`
	// EstimatedSecondsLeft is a linear extrapolation from observed
	// throughput, not a guarantee. Nil while no throughput is observed.
	EstimatedSecondsLeft *float64          `json:"estimatedSecondsLeft,omitempty"`
	Error                string            `json:"error,omitempty"`
	ScanStatus           domain.ScanStatus `json:"scanStatus"`
	Category             string            `json:"category,omitempty"`
	NeedsReview          bool              `json:"needsReview"`
	ExpiresAt            time.Time         `json:"expiresAt"`
	TakenAt              time.Time         `json:"takenAt"`
}

// FileError surfaces one failed or skipped file of a batch.
type FileError struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// BatchSnapshot is an immutable view of one batch.
type BatchSnapshot struct {
	BatchID        uuid.UUID          `json:"batchId"`
	Tenant         string             `json:"tenant"`
	Status         domain.BatchStatus `json:"status"`
	Progress       int                `json:"progress"`
	TotalFiles     int                `json:"totalFiles"`
	FilesCompleted int                `json:"filesCompleted"`
	FilesFailed    int                `json:"filesFailed"`
	FilesSkipped   int                `json:"filesSkipped"`
	FilesActive    int                `json:"filesActive"`
	CurrentFiles   []string           `json:"currentFiles,omitempty"`
	DeclaredBytes  int64              `json:"declaredBytes"`
	ReceivedBytes  int64              `json:"receivedBytes"`
	ThroughputBps  float64            `json:"throughputBps"`
	// EstimatedSecondsLeft is a linear extrapolation from the batch's
	// aggregate throughput, not a guarantee. Nil while nothing is observed.
	EstimatedSecondsLeft *float64    `json:"estimatedSecondsLeft,omitempty"`
	Errors               []FileError `json:"errors,omitempty"`
	TakenAt              time.Time   `json:"takenAt"`
}

// Publisher serves snapshots by pull and by push.
type Publisher struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher constructs a Publisher.
func NewPublisher(st store.Store, logger *slog.Logger) *Publisher {
	return &Publisher{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source for tests.
func (p *Publisher) SetClock(now func() time.Time) { p.now = now }

// Session returns a single session snapshot.
func (p *Publisher) Session(ctx context.Context, id uuid.UUID) (*SessionSnapshot, error) {
	sess, err := p.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.sessionSnapshot(sess), nil
}

func (p *Publisher) sessionSnapshot(sess *domain.Session) *SessionSnapshot {
	now := p.now()
	snap := &SessionSnapshot{
		SessionID:      sess.ID,
		Tenant:         sess.Tenant,
		Filename:       sess.Filename,
		Status:         sess.Status,
		Progress:       sess.Progress(),
		ChunksUploaded: sess.ChunksUploaded,
		ChunksFailed:   sess.ChunksFailed,
		TotalChunks:    sess.TotalChunks,
		ReceivedBytes:  sess.ReceivedBytes,
		SizeBytes:      sess.SizeBytes,
		ChunkSize:      sess.ChunkSize,
		Error:          sess.ErrorMessage,
		ScanStatus:     sess.ScanStatus,
		Category:       sess.Category,
		NeedsReview:    sess.NeedsReview,
		ExpiresAt:      sess.ExpiresAt,
		TakenAt:        now,
	}
	if sess.StartedAt != nil && !sess.Status.Terminal() {
		elapsed := now.Sub(*sess.StartedAt).Seconds()
		if elapsed > 0 && sess.ReceivedBytes > 0 {
			snap.ThroughputBps = float64(sess.ReceivedBytes) / elapsed
			remaining := float64(sess.SizeBytes - sess.ReceivedBytes)
			eta := remaining / snap.ThroughputBps
			snap.EstimatedSecondsLeft = &eta
		}
	}
	return snap
}

// Batch returns a single batch snapshot, rolling live session state into
// the manifest counters.
func (p *Publisher) Batch(ctx context.Context, id uuid.UUID) (*BatchSnapshot, error) {
	b, err := p.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	sessions, err := p.store.ListSessionsByBatch(ctx, id)
	if err != nil {
		return nil, err
	}

	now := p.now()
	snap := &BatchSnapshot{
		BatchID:        b.ID,
		Tenant:         b.Tenant,
		Status:         b.Status,
		TotalFiles:     b.TotalFiles,
		FilesCompleted: b.FilesCompleted,
		FilesFailed:    b.FilesFailed,
		FilesSkipped:   b.FilesSkipped,
		FilesActive:    b.FilesActive,
		DeclaredBytes:  b.DeclaredBytes,
		TakenAt:        now,
	}

	perSession := make(map[uuid.UUID]int, len(sessions))
	var observed int64
	for i := range sessions {
		s := &sessions[i]
		perSession[s.ID] = s.Progress()
		observed += s.ReceivedBytes
		if !s.Status.Terminal() {
			snap.CurrentFiles = append(snap.CurrentFiles, s.Filename)
		}
	}
	snap.ReceivedBytes = observed
	snap.Progress = b.Progress(perSession)

	for _, f := range b.Files {
		switch f.State {
		case domain.FileFailed:
			snap.Errors = append(snap.Errors, FileError{Name: f.ResolvedName, Reason: f.Error})
		case domain.FileSkipped:
			snap.Errors = append(snap.Errors, FileError{Name: f.Name, Reason: "skipped: duplicate content"})
		}
	}

	if b.StartedAt != nil && !b.Status.Terminal() {
		elapsed := now.Sub(*b.StartedAt).Seconds()
		if elapsed > 0 && observed > 0 {
			snap.ThroughputBps = float64(observed) / elapsed
			remaining := float64(b.DeclaredBytes - observed)
			if remaining < 0 {
				remaining = 0
			}
			eta := remaining / snap.ThroughputBps
			snap.EstimatedSecondsLeft = &eta
		}
	}
	return snap, nil
}

// WatchSession emits session snapshots every interval until the session
// reaches a terminal state, after which one final snapshot is emitted and
// the channel closes. Slow subscribers miss intermediate snapshots rather
// than slowing anything down.
func (p *Publisher) WatchSession(ctx context.Context, id uuid.UUID, interval time.Duration) (<-chan SessionSnapshot, error) {
	if _, err := p.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	out := make(chan SessionSnapshot, 1)
	go watch(ctx, out, interval, func() (*SessionSnapshot, bool) {
		snap, err := p.Session(ctx, id)
		if err != nil {
			p.logger.Warn("session snapshot failed", "session", id, "err", err)
			return nil, false
		}
		return snap, !snap.Status.Terminal()
	})
	return out, nil
}

// WatchBatch is WatchSession for batches.
func (p *Publisher) WatchBatch(ctx context.Context, id uuid.UUID, interval time.Duration) (<-chan BatchSnapshot, error) {
	if _, err := p.store.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	out := make(chan BatchSnapshot, 1)
	go watch(ctx, out, interval, func() (*BatchSnapshot, bool) {
		snap, err := p.Batch(ctx, id)
		if err != nil {
			p.logger.Warn("batch snapshot failed", "batch", id, "err", err)
			return nil, false
		}
		return snap, !snap.Status.Terminal()
	})
	return out, nil
}

// watch drives one subscription. take returns the latest snapshot and
// whether the subject is still live; a nil snapshot means the subject can
// no longer be read and the channel closes without emitting anything.
func watch[T any](ctx context.Context, out chan<- T, interval time.Duration, take func() (*T, bool)) {
	defer close(out)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap, live := take()
		if snap == nil {
			return
		}
		if !live {
			// Final snapshot: give the subscriber a grace window, then drop.
			select {
			case out <- *snap:
			case <-ctx.Done():
			case <-time.After(interval):
			}
			return
		}
		select {
		case out <- *snap:
		default:
			// Subscriber lagging; drop the stale snapshot.
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Package batch supervises groups of upload sessions as one logical unit:
// duplicate-policy resolution before any bytes move, admission-controlled
// dispatch bounded by the batch concurrency limit, and per-event rollup.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"arkiv-backend/internal/domain"
	"arkiv-backend/internal/store"
	"arkiv-backend/internal/upload"
)

// Orchestrator drives batches. It implements upload.Observer to react to
// constituent session transitions and upload.Gate to enforce admission on
// the chunk path.
type Orchestrator struct {
	store   store.Store
	manager *upload.Manager
	logger  *slog.Logger
	now     func() time.Time

	// mu guards the admitted set and batch dispatch; it is never held while
	// acquiring a session lock.
	mu       sync.Mutex
	admitted map[uuid.UUID]uuid.UUID
}

// NewOrchestrator constructs an Orchestrator and wires it into the manager.
func NewOrchestrator(st store.Store, manager *upload.Manager, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		manager:  manager,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		admitted: make(map[uuid.UUID]uuid.UUID),
	}
	manager.AddObserver(o)
	manager.SetGate(o)
	return o
}

// SetClock overrides the time source for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// FileSpec declares one file of a batch.
type FileSpec struct {
	Name        string `json:"name"`
	SizeBytes   int64  `json:"sizeBytes"`
	MimeType    string `json:"mimeType"`
	ContentHash string `json:"contentHash,omitempty"`
}

// CreateRequest declares a batch of files submitted together.
type CreateRequest struct {
	Tenant           string
	Creator          string
	Files            []FileSpec
	Policy           domain.DuplicatePolicy
	ConcurrencyLimit int
	Priority         int
}

// Create validates the declared files against the duplicate-handling policy
// and records the batch. Collisions are resolved here, before any session
// opens, so a rejection never leaves partial state.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*domain.Batch, error) {
	if req.Tenant == "" {
		return nil, errors.New("tenant is required")
	}
	if len(req.Files) == 0 {
		return nil, errors.New("batch must declare at least one file")
	}
	if !req.Policy.Valid() {
		return nil, fmt.Errorf("unknown duplicate policy %q", req.Policy)
	}
	limit := req.ConcurrencyLimit
	if limit < 1 {
		limit = 1
	}

	b := &domain.Batch{
		ID:               uuid.New(),
		Tenant:           req.Tenant,
		Creator:          req.Creator,
		TotalFiles:       len(req.Files),
		ConcurrencyLimit: limit,
		Policy:           req.Policy,
		Priority:         req.Priority,
		Status:           domain.BatchPending,
		CreatedAt:        o.now(),
	}

	claimed := make(map[string]bool)
	for _, spec := range req.Files {
		if spec.Name == "" || spec.SizeBytes <= 0 {
			return nil, fmt.Errorf("file %q: name and positive size are required", spec.Name)
		}
		file := domain.BatchFile{
			Name:         spec.Name,
			ResolvedName: spec.Name,
			SizeBytes:    spec.SizeBytes,
			MimeType:     spec.MimeType,
			ContentHash:  strings.ToLower(spec.ContentHash),
			State:        domain.FileQueued,
		}

		collision, err := o.collides(ctx, req.Tenant, &file, claimed)
		if err != nil {
			return nil, err
		}
		if collision {
			switch req.Policy {
			case domain.DuplicateSkip:
				file.State = domain.FileSkipped
			case domain.DuplicateOverwrite:
				file.Overwrite = true
			case domain.DuplicateRename:
				file.ResolvedName, err = o.resolveName(ctx, req.Tenant, file.Name, claimed)
				if err != nil {
					return nil, err
				}
			case domain.DuplicateFail:
				return nil, fmt.Errorf("%w: %s", domain.ErrBatchCollisionRejected, file.Name)
			}
		}
		claimed[file.ResolvedName] = true
		b.DeclaredBytes += file.SizeBytes
		b.Files = append(b.Files, file)
	}
	recount(b)

	if err := o.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}
	o.recordEvent(ctx, b, domain.EventBatchCreated,
		fmt.Sprintf("batch created with %d files (%d bytes)", b.TotalFiles, b.DeclaredBytes))
	for _, f := range b.Files {
		if f.State == domain.FileSkipped {
			o.recordEvent(ctx, b, domain.EventFileSkipped, fmt.Sprintf("%s: duplicate content", f.Name))
		}
	}

	o.logger.Info("batch created",
		"batch", b.ID, "tenant", b.Tenant, "files", b.TotalFiles,
		"policy", b.Policy, "limit", b.ConcurrencyLimit)
	return b, nil
}

// collides reports whether the file clashes with tenant content or with a
// name already claimed earlier in the same batch.
func (o *Orchestrator) collides(ctx context.Context, tenant string, file *domain.BatchFile, claimed map[string]bool) (bool, error) {
	if file.ContentHash != "" {
		dup, err := o.store.HasCompletedFile(ctx, tenant, file.ContentHash)
		if err != nil {
			return false, err
		}
		if dup {
			return true, nil
		}
	}
	if claimed[file.Name] {
		return true, nil
	}
	return o.store.HasFileName(ctx, tenant, file.Name)
}

// resolveName suffixes the filename deterministically: "name (1).ext",
// "name (2).ext", ... first free slot wins.
func (o *Orchestrator) resolveName(ctx context.Context, tenant, name string, claimed map[string]bool) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if claimed[candidate] {
			continue
		}
		taken, err := o.store.HasFileName(ctx, tenant, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}

// Start moves a pending batch to in_progress and admits the first wave of
// sessions up to the concurrency limit.
func (o *Orchestrator) Start(ctx context.Context, batchID uuid.UUID, priority int) (*domain.Batch, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BatchPending {
		return nil, fmt.Errorf("%w: batch is %s", domain.ErrBatchNotStartable, b.Status)
	}

	now := o.now()
	b.Status = domain.BatchInProgress
	b.StartedAt = &now
	b.Priority = priority

	o.admitLocked(ctx, b)
	o.finishIfDoneLocked(ctx, b)

	if err := o.store.SaveBatch(ctx, b); err != nil {
		return nil, err
	}
	o.recordEvent(ctx, b, domain.EventBatchStarted, "batch started")
	o.logger.Info("batch started", "batch", b.ID, "tenant", b.Tenant, "priority", priority)
	return b, nil
}

// admitLocked opens sessions for queued files until the active count
// reaches the concurrency limit. Caller holds o.mu and saves the batch.
func (o *Orchestrator) admitLocked(ctx context.Context, b *domain.Batch) {
	for i := range b.Files {
		if b.FilesActive >= b.ConcurrencyLimit {
			return
		}
		f := &b.Files[i]
		if f.State != domain.FileQueued {
			continue
		}
		sess, err := o.manager.Open(ctx, upload.OpenRequest{
			Tenant:       b.Tenant,
			Filename:     f.ResolvedName,
			SizeBytes:    f.SizeBytes,
			MimeType:     f.MimeType,
			ExpectedHash: f.ContentHash,
			BatchID:      &b.ID,
		})
		if err != nil {
			o.logger.Error("opening batch session failed",
				"batch", b.ID, "file", f.ResolvedName, "err", err)
			f.State = domain.FileFailed
			f.Error = err.Error()
			recount(b)
			continue
		}
		f.State = domain.FileActive
		f.SessionID = &sess.ID
		o.admitted[sess.ID] = b.ID
		recount(b)
	}
}

// Cancel propagates cancellation to every non-terminal constituent session
// and marks the batch cancelled once propagation completes. Idempotent.
func (o *Orchestrator) Cancel(ctx context.Context, batchID uuid.UUID) (*domain.Batch, error) {
	o.mu.Lock()
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if b.Status.Terminal() {
		o.mu.Unlock()
		return b, nil
	}

	// Flip status first so terminal callbacks stop admitting new sessions.
	b.Status = domain.BatchCancelled
	var toCancel []uuid.UUID
	for i := range b.Files {
		f := &b.Files[i]
		switch f.State {
		case domain.FileQueued:
			f.State = domain.FileAborted
		case domain.FileActive:
			toCancel = append(toCancel, *f.SessionID)
		}
	}
	recount(b)
	if err := o.store.SaveBatch(ctx, b); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.mu.Unlock()

	for _, id := range toCancel {
		if err := o.manager.Cancel(ctx, id); err != nil &&
			!errors.Is(err, domain.ErrSessionNotResumable) {
			o.logger.Warn("cancelling batch session failed", "batch", batchID, "session", id, "err", err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	b, err = o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	now := o.now()
	b.CompletedAt = &now
	if err := o.store.SaveBatch(ctx, b); err != nil {
		return nil, err
	}
	o.recordEvent(ctx, b, domain.EventBatchCancelled, "batch cancelled")
	o.logger.Info("batch cancelled", "batch", b.ID, "tenant", b.Tenant)
	return b, nil
}

// Get returns the batch record.
func (o *Orchestrator) Get(ctx context.Context, batchID uuid.UUID) (*domain.Batch, error) {
	return o.store.GetBatch(ctx, batchID)
}

// Events returns the batch's lifecycle audit trail in insertion order.
func (o *Orchestrator) Events(ctx context.Context, batchID uuid.UUID) ([]domain.Event, error) {
	return o.store.ListEvents(ctx, domain.ScopeBatch, batchID)
}

// Admitted implements upload.Gate.
func (o *Orchestrator) Admitted(sessionID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.admitted[sessionID]
	return ok
}

// SessionTerminal implements upload.Observer: it books the file outcome,
// admits the next queued file, and recomputes the batch rollup.
func (o *Orchestrator) SessionTerminal(ctx context.Context, sess *domain.Session) {
	if sess.BatchID == nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.admitted, sess.ID)

	b, err := o.store.GetBatch(ctx, *sess.BatchID)
	if err != nil {
		o.logger.Error("batch rollup: load failed", "batch", *sess.BatchID, "err", err)
		return
	}

	for i := range b.Files {
		f := &b.Files[i]
		if f.SessionID == nil || *f.SessionID != sess.ID {
			continue
		}
		switch sess.Status {
		case domain.SessionCompleted:
			f.State = domain.FileDone
		case domain.SessionCancelled:
			f.State = domain.FileAborted
		default:
			f.State = domain.FileFailed
			f.Error = sess.ErrorMessage
		}
		break
	}
	b.ReceivedBytes += sess.ReceivedBytes
	recount(b)

	if b.Status == domain.BatchInProgress {
		o.admitLocked(ctx, b)
		o.finishIfDoneLocked(ctx, b)
	}
	if err := o.store.SaveBatch(ctx, b); err != nil {
		o.logger.Error("batch rollup: save failed", "batch", b.ID, "err", err)
	}
}

// recount derives the per-status counters from the manifest.
func recount(b *domain.Batch) {
	b.FilesCompleted, b.FilesFailed, b.FilesSkipped, b.FilesActive = 0, 0, 0, 0
	for _, f := range b.Files {
		switch f.State {
		case domain.FileDone:
			b.FilesCompleted++
		case domain.FileFailed:
			b.FilesFailed++
		case domain.FileSkipped:
			b.FilesSkipped++
		case domain.FileActive:
			b.FilesActive++
		}
	}
}

// finishIfDoneLocked moves an in_progress batch with no queued or active
// files to its terminal status. Caller holds o.mu and saves the batch.
func (o *Orchestrator) finishIfDoneLocked(ctx context.Context, b *domain.Batch) {
	aborted := 0
	for _, f := range b.Files {
		switch f.State {
		case domain.FileQueued, domain.FileActive:
			return
		case domain.FileAborted:
			aborted++
		}
	}

	now := o.now()
	b.CompletedAt = &now
	var event string
	switch {
	case b.FilesCompleted == b.TotalFiles:
		b.Status = domain.BatchCompleted
		event = domain.EventBatchCompleted
	case b.FilesCompleted > 0:
		b.Status = domain.BatchPartiallyCompleted
		event = domain.EventBatchPartial
	case b.FilesFailed > 0:
		b.Status = domain.BatchFailed
		event = domain.EventBatchFailed
	case aborted > 0:
		b.Status = domain.BatchCancelled
		event = domain.EventBatchCancelled
	default:
		// Every file was skipped: there was nothing left to do.
		b.Status = domain.BatchCompleted
		event = domain.EventBatchCompleted
	}
	o.recordEvent(ctx, b, event,
		fmt.Sprintf("batch finished: %d completed, %d failed, %d skipped",
			b.FilesCompleted, b.FilesFailed, b.FilesSkipped))
	o.logger.Info("batch finished",
		"batch", b.ID, "status", b.Status, "completed", b.FilesCompleted,
		"failed", b.FilesFailed, "skipped", b.FilesSkipped)
}

func (o *Orchestrator) recordEvent(ctx context.Context, b *domain.Batch, typ, msg string) {
	err := o.store.RecordEvent(ctx, &domain.Event{
		Tenant:  b.Tenant,
		Scope:   domain.ScopeBatch,
		RefID:   b.ID,
		Type:    typ,
		Message: msg,
	})
	if err != nil {
		o.logger.Warn("recording batch event failed", "batch", b.ID, "type", typ, "err", err)
	}
}

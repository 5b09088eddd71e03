// Package upload implements the chunked-upload session engine: per-chunk
// transfer tracking and the session state machine
// pending -> uploading -> assembling -> completed, with failure exits to
// failed, cancelled, and expired.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"arkiv-backend/internal/blob"
	"arkiv-backend/internal/domain"
	"arkiv-backend/internal/fragment"
	"arkiv-backend/internal/metrics"
	"arkiv-backend/internal/store"
)

// Options bounds declared uploads and sets the session TTL.
type Options struct {
	DefaultChunkSize int64
	MaxChunkSize     int64
	MaxUploadBytes   int64
	SessionTTL       time.Duration
}

// Manager owns session and chunk lifecycle. All record mutation goes through
// it; the per-session lock arena is what makes the "last chunk triggers
// assembly" race safe.
type Manager struct {
	opts       Options
	store      store.Store
	frags      *fragment.Store
	blobs      blob.Store
	logger     *slog.Logger
	locks      *lockArena
	gate       Gate
	observers  []Observer
	classifier Classifier
	scanner    Scanner
	now        func() time.Time
}

// NewManager constructs a Manager. Classifier and scanner default to no-ops.
func NewManager(opts Options, st store.Store, frags *fragment.Store, blobs blob.Store, logger *slog.Logger) *Manager {
	return &Manager{
		opts:       opts,
		store:      st,
		frags:      frags,
		blobs:      blobs,
		logger:     logger,
		locks:      newLockArena(),
		classifier: NopClassifier{},
		scanner:    NopScanner{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetGate installs the batch admission gate.
func (m *Manager) SetGate(g Gate) { m.gate = g }

// AddObserver registers a terminal-transition observer.
func (m *Manager) AddObserver(o Observer) { m.observers = append(m.observers, o) }

// SetClassifier replaces the post-assembly classifier.
func (m *Manager) SetClassifier(c Classifier) { m.classifier = c }

// SetScanner replaces the post-assembly virus scanner.
func (m *Manager) SetScanner(s Scanner) { m.scanner = s }

// SetClock overrides the time source; used by tests and the sweeper tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// OpenRequest declares one file of known size.
type OpenRequest struct {
	Tenant       string
	Filename     string
	SizeBytes    int64
	ChunkSize    int64
	MimeType     string
	ExpectedHash string
	UploadToken  string
	BatchID      *uuid.UUID
	Policy       *domain.SessionPolicy
}

// Open creates a pending session, computing the chunk layout and allocating
// the fragment namespace. A request repeating an already-seen upload token
// returns the existing session unchanged.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*domain.Session, error) {
	if req.Tenant == "" {
		return nil, errors.New("tenant is required")
	}
	if req.Filename == "" {
		return nil, errors.New("filename is required")
	}
	if req.SizeBytes <= 0 {
		return nil, errors.New("file size must be greater than zero")
	}
	if m.opts.MaxUploadBytes > 0 && req.SizeBytes > m.opts.MaxUploadBytes {
		return nil, fmt.Errorf("file size exceeds max limit (%d bytes)", m.opts.MaxUploadBytes)
	}

	if req.UploadToken != "" {
		existing, err := m.store.GetSessionByToken(ctx, req.Tenant, req.UploadToken)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrSessionNotFound) {
			return nil, err
		}
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = m.opts.DefaultChunkSize
	}
	if m.opts.MaxChunkSize > 0 && chunkSize > m.opts.MaxChunkSize {
		chunkSize = m.opts.MaxChunkSize
	}
	if chunkSize > req.SizeBytes {
		chunkSize = req.SizeBytes
	}

	policy := domain.DefaultSessionPolicy()
	if req.Policy != nil {
		policy = *req.Policy
	}

	now := m.now()
	sess := &domain.Session{
		ID:           uuid.New(),
		UploadToken:  req.UploadToken,
		Tenant:       req.Tenant,
		BatchID:      req.BatchID,
		Filename:     req.Filename,
		MimeType:     req.MimeType,
		SizeBytes:    req.SizeBytes,
		ChunkSize:    chunkSize,
		TotalChunks:  domain.TotalChunkCount(req.SizeBytes, chunkSize),
		ExpectedHash: strings.ToLower(req.ExpectedHash),
		Status:       domain.SessionPending,
		Policy:       policy,
		ScanStatus:   domain.ScanPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.opts.SessionTTL),
	}
	sess.FragmentDir = m.frags.SessionDir(sess.ID)

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	m.recordEvent(ctx, sess, domain.EventSessionCreated,
		fmt.Sprintf("session opened for %s (%d bytes, %d chunks)", sess.Filename, sess.SizeBytes, sess.TotalChunks))
	metrics.ActiveSessions.Inc()

	m.logger.Info("session opened",
		"session", sess.ID, "tenant", sess.Tenant, "file", sess.Filename,
		"size", sess.SizeBytes, "chunks", sess.TotalChunks)
	return sess, nil
}

// Get returns the session record.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return m.store.GetSession(ctx, id)
}

// Events returns the session's lifecycle audit trail in insertion order.
func (m *Manager) Events(ctx context.Context, id uuid.UUID) ([]domain.Event, error) {
	return m.store.ListEvents(ctx, domain.ScopeSession, id)
}

// ChunkResult reports the outcome of one chunk submission.
type ChunkResult struct {
	Index          int                  `json:"index"`
	Attempts       int                  `json:"attempts"`
	Duplicate      bool                 `json:"duplicate"`
	ChunksUploaded int                  `json:"chunksUploaded"`
	TotalChunks    int                  `json:"totalChunks"`
	Throughput     float64              `json:"throughputBps"`
	SessionStatus  domain.SessionStatus `json:"sessionStatus"`
}

// SubmitChunk validates, hashes, and persists one fragment, then advances
// the session state machine. Fragment I/O happens outside the per-session
// lock; record mutation and transitions happen inside it. The submitter that
// lands the last chunk runs assembly before returning.
func (m *Manager) SubmitChunk(ctx context.Context, sessionID uuid.UUID, index int, data io.Reader, declaredHash string) (*ChunkResult, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= sess.TotalChunks {
		return nil, fmt.Errorf("%w: index %d not in [0, %d)", domain.ErrChunkOutOfRange, index, sess.TotalChunks)
	}
	if sess.Status.Terminal() {
		if sess.Status == domain.SessionCompleted {
			return m.completedRetry(ctx, sess, index, data, declaredHash)
		}
		return nil, fmt.Errorf("%w: session is %s", domain.ErrSessionNotResumable, sess.Status)
	}
	if sess.BatchID != nil && m.gate != nil && !m.gate.Admitted(sessionID) {
		return nil, domain.ErrConcurrencyLimitReached
	}

	started := m.now()
	tmpPath, written, checksum, err := m.frags.WriteAttempt(sessionID, index, data)
	if err != nil {
		return nil, err
	}
	elapsed := m.now().Sub(started)

	declaredHash = strings.ToLower(strings.TrimSpace(declaredHash))
	var attemptErr error
	switch {
	case written != sess.ExpectedChunkSize(index):
		attemptErr = fmt.Errorf("%w: chunk %d got %d bytes, want %d",
			domain.ErrChunkSizeMismatch, index, written, sess.ExpectedChunkSize(index))
	case declaredHash != "" && declaredHash != checksum:
		attemptErr = fmt.Errorf("%w: chunk %d declared %s, observed %s",
			domain.ErrIntegrityMismatch, index, declaredHash, checksum)
	}

	result, assemble, err := m.commitChunk(ctx, sessionID, index, tmpPath, written, checksum, declaredHash, elapsed, attemptErr)
	if err != nil {
		return nil, err
	}
	if assemble {
		// The counter reaches total_chunks exactly once, so exactly one
		// submitter gets here. The context is detached so a client hanging
		// up after the last chunk cannot abort assembly.
		m.assemble(context.WithoutCancel(ctx), sessionID)
	}
	return result, nil
}

// completedRetry resolves a chunk submitted to an already completed session.
// The common case is a client retrying the last chunk after its ack was lost
// on the wire: a verbatim retry of an uploaded chunk is acknowledged as a
// duplicate no-op so the client can settle. Anything else stays rejected.
func (m *Manager) completedRetry(ctx context.Context, sess *domain.Session, index int, data io.Reader, declaredHash string) (*ChunkResult, error) {
	chunk, err := m.store.GetChunk(ctx, sess.ID, index)
	if err != nil || chunk.Status != domain.ChunkUploaded {
		return nil, fmt.Errorf("%w: session is %s", domain.ErrSessionNotResumable, sess.Status)
	}

	checksum := strings.ToLower(strings.TrimSpace(declaredHash))
	if checksum == "" {
		hasher := sha256.New()
		if _, err := io.Copy(hasher, data); err != nil {
			return nil, err
		}
		checksum = hex.EncodeToString(hasher.Sum(nil))
	}
	if checksum != chunk.ObservedHash {
		return nil, fmt.Errorf("%w: chunk %d", domain.ErrChunkAlreadyFinalized, index)
	}
	return &ChunkResult{
		Index:          index,
		Attempts:       chunk.Attempts,
		Duplicate:      true,
		ChunksUploaded: sess.ChunksUploaded,
		TotalChunks:    sess.TotalChunks,
		SessionStatus:  sess.Status,
	}, nil
}

// commitChunk is the per-session critical section of SubmitChunk.
func (m *Manager) commitChunk(ctx context.Context, sessionID uuid.UUID, index int, tmpPath string, written int64, checksum, declaredHash string, elapsed time.Duration, attemptErr error) (*ChunkResult, bool, error) {
	unlock := m.locks.acquire(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.frags.Discard(tmpPath)
		return nil, false, err
	}
	if sess.Status.Terminal() {
		// Cancellation or expiry won the race: stop persisting bytes.
		m.frags.Discard(tmpPath)
		return nil, false, fmt.Errorf("%w: session is %s", domain.ErrSessionNotResumable, sess.Status)
	}

	chunk, err := m.store.GetChunk(ctx, sessionID, index)
	if errors.Is(err, store.ErrChunkNotFound) {
		chunk = &domain.Chunk{SessionID: sessionID, Index: index, Status: domain.ChunkPending}
	} else if err != nil {
		m.frags.Discard(tmpPath)
		return nil, false, err
	}

	if chunk.Status == domain.ChunkUploaded {
		m.frags.Discard(tmpPath)
		if attemptErr == nil && chunk.ObservedHash == checksum {
			// Client retry after an ambiguous network failure: no-op success.
			return &ChunkResult{
				Index:          index,
				Attempts:       chunk.Attempts,
				Duplicate:      true,
				ChunksUploaded: sess.ChunksUploaded,
				TotalChunks:    sess.TotalChunks,
				SessionStatus:  sess.Status,
			}, false, nil
		}
		return nil, false, fmt.Errorf("%w: chunk %d", domain.ErrChunkAlreadyFinalized, index)
	}
	if sess.Status == domain.SessionAssembling {
		m.frags.Discard(tmpPath)
		return nil, false, fmt.Errorf("%w: session is assembling", domain.ErrSessionNotResumable)
	}

	chunk.Attempts++
	chunk.ExpectedHash = declaredHash
	chunk.Duration = elapsed

	if attemptErr != nil {
		return nil, false, m.recordFailedAttempt(ctx, sess, chunk, tmpPath, attemptErr)
	}

	fragPath, err := m.frags.Promote(tmpPath, sessionID, index)
	if err != nil {
		return nil, false, err
	}

	now := m.now()
	chunk.Status = domain.ChunkUploaded
	chunk.SizeBytes = written
	chunk.ObservedHash = checksum
	chunk.FragmentPath = fragPath
	chunk.ReceivedAt = &now
	chunk.LastError = ""
	if err := m.store.UpsertChunk(ctx, chunk); err != nil {
		return nil, false, err
	}

	if sess.Status == domain.SessionPending {
		sess.Status = domain.SessionUploading
		sess.StartedAt = &now
	}
	sess.ChunksUploaded++
	sess.ReceivedBytes += written

	assemble := sess.ChunksUploaded == sess.TotalChunks && sess.ChunksFailed == 0
	if assemble {
		sess.Status = domain.SessionAssembling
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, false, err
	}

	m.recordEvent(ctx, sess, domain.EventChunkUploaded,
		fmt.Sprintf("chunk %d/%d uploaded (%d bytes)", index+1, sess.TotalChunks, written))
	if assemble {
		m.recordEvent(ctx, sess, domain.EventAssemblyStarted, "all chunks uploaded, assembling")
	}
	metrics.ChunksReceived.Inc()
	metrics.BytesReceived.Add(float64(written))

	return &ChunkResult{
		Index:          index,
		Attempts:       chunk.Attempts,
		ChunksUploaded: sess.ChunksUploaded,
		TotalChunks:    sess.TotalChunks,
		Throughput:     chunk.Throughput(),
		SessionStatus:  sess.Status,
	}, assemble, nil
}

// recordFailedAttempt books one failed transfer attempt and, once the
// attempt budget is spent, freezes the chunk and fails the session.
func (m *Manager) recordFailedAttempt(ctx context.Context, sess *domain.Session, chunk *domain.Chunk, tmpPath string, attemptErr error) error {
	m.frags.Discard(tmpPath)
	chunk.Status = domain.ChunkFailed
	chunk.LastError = attemptErr.Error()

	exhausted := chunk.Attempts > sess.Policy.MaxRetriesPerChunk
	if err := m.store.UpsertChunk(ctx, chunk); err != nil {
		return err
	}
	m.recordEvent(ctx, sess, domain.EventChunkFailed,
		fmt.Sprintf("chunk %d attempt %d failed: %v", chunk.Index, chunk.Attempts, attemptErr))
	metrics.ChunkFailures.WithLabelValues(failureReason(attemptErr)).Inc()

	if !exhausted {
		if sess.Status == domain.SessionPending {
			// A failed first attempt still marks the transfer as started.
			now := m.now()
			sess.Status = domain.SessionUploading
			sess.StartedAt = &now
			if err := m.store.SaveSession(ctx, sess); err != nil {
				return err
			}
		}
		return attemptErr
	}

	sess.ChunksFailed++
	m.failSessionLocked(ctx, sess,
		fmt.Sprintf("chunk %d failed after %d attempts: %v", chunk.Index, chunk.Attempts, attemptErr))
	return fmt.Errorf("%w: chunk %d (%d attempts)", domain.ErrRetryLimitExceeded, chunk.Index, chunk.Attempts)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrIntegrityMismatch):
		return "integrity_mismatch"
	case errors.Is(err, domain.ErrChunkSizeMismatch):
		return "size_mismatch"
	default:
		return "other"
	}
}

// assemble concatenates the session's fragments in index order, verifies the
// whole-file hash, writes the result to durable storage, and runs the
// post-assembly collaborators. Chunked transfer is all-or-nothing per file,
// so any failure here fails the session.
func (m *Manager) assemble(ctx context.Context, sessionID uuid.UUID) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Error("assembly aborted: session load failed", "session", sessionID, "err", err)
		return
	}
	if sess.Status != domain.SessionAssembling {
		return
	}

	chunks, err := m.store.ListChunks(ctx, sessionID)
	if err != nil {
		m.failSession(ctx, sessionID, fmt.Sprintf("listing chunks: %v", err))
		return
	}
	if len(chunks) != sess.TotalChunks {
		m.failSession(ctx, sessionID,
			fmt.Sprintf("chunk manifest incomplete (%d/%d)", len(chunks), sess.TotalChunks))
		return
	}

	var stagingPath, finalHash string
	var size int64
	attempts := sess.Policy.MaxAssemblyAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		stagingPath, finalHash, size, err = m.frags.Assemble(sessionID, chunks)
		if err == nil && size != sess.SizeBytes {
			err = fmt.Errorf("assembled %d bytes, declared %d", size, sess.SizeBytes)
		}
		if err == nil && sess.ExpectedHash != "" && finalHash != sess.ExpectedHash {
			err = fmt.Errorf("final hash %s does not match expected %s", finalHash, sess.ExpectedHash)
		}
		if err == nil {
			break
		}
		m.logger.Warn("assembly attempt failed",
			"session", sessionID, "attempt", attempt, "err", err)
		if attempt >= attempts {
			// Fragments are deliberately left in place for diagnostics.
			m.failSession(ctx, sessionID, fmt.Sprintf("%v: %v", domain.ErrAssemblyFailed, err))
			return
		}
	}

	key := fmt.Sprintf("%s/%s/%s", sess.Tenant, sess.ID, sess.Filename)
	location, err := m.putBlob(ctx, key, stagingPath, size, sess.MimeType)
	if err != nil {
		m.failSession(ctx, sessionID, fmt.Sprintf("%v: storing final file: %v", domain.ErrAssemblyFailed, err))
		return
	}

	scan, category := m.runCollaborators(ctx, stagingPath, sess)

	unlock := m.locks.acquire(sessionID)
	defer unlock()

	sess, err = m.store.GetSession(ctx, sessionID)
	if err != nil || sess.Status != domain.SessionAssembling {
		return
	}
	now := m.now()
	sess.Status = domain.SessionCompleted
	sess.FinalPath = location
	sess.FinalHash = finalHash
	sess.CompletedAt = &now
	sess.ScanStatus = scan
	sess.Category = category.Category
	sess.CategoryConfidence = category.Confidence
	sess.NeedsReview = category.NeedsReview
	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.logger.Error("saving completed session failed", "session", sessionID, "err", err)
		return
	}

	m.recordEvent(ctx, sess, domain.EventAssemblyCompleted,
		fmt.Sprintf("assembled %d bytes, hash %s", size, finalHash))
	m.recordEvent(ctx, sess, domain.EventSessionCompleted, "upload completed")
	metrics.SessionsCompleted.Inc()
	metrics.ActiveSessions.Dec()

	// Fragments served their purpose once the final file is durable.
	_ = m.frags.RemoveSession(sessionID)

	m.logger.Info("session completed",
		"session", sessionID, "tenant", sess.Tenant, "file", sess.Filename,
		"bytes", size, "scan", sess.ScanStatus)
	m.notifyTerminal(ctx, sess)
}

func (m *Manager) putBlob(ctx context.Context, key, stagingPath string, size int64, contentType string) (string, error) {
	file, err := os.Open(stagingPath)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return m.blobs.Put(ctx, key, file, size, contentType)
}

// runCollaborators invokes the virus scanner and classifier. Neither can
// fail the upload; scanner errors leave the scan pending for a later pass.
func (m *Manager) runCollaborators(ctx context.Context, path string, sess *domain.Session) (domain.ScanStatus, Classification) {
	scan := domain.ScanClean
	clean, err := m.scanner.Scan(ctx, path)
	switch {
	case err != nil:
		m.logger.Warn("virus scan failed", "session", sess.ID, "err", err)
		scan = domain.ScanPending
	case !clean:
		m.logger.Warn("virus scan hit", "session", sess.ID, "file", sess.Filename)
		scan = domain.ScanInfected
	}

	category, err := m.classifier.Classify(ctx, path, sess)
	if err != nil {
		m.logger.Warn("classification failed", "session", sess.ID, "err", err)
		category = Classification{NeedsReview: true}
	}
	return scan, category
}

// Cancel moves a pending or uploading session to cancelled and releases its
// chunk storage immediately. Cancelling a terminal session is a no-op.
func (m *Manager) Cancel(ctx context.Context, sessionID uuid.UUID) error {
	unlock := m.locks.acquire(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	if sess.Status == domain.SessionAssembling {
		return fmt.Errorf("%w: session is assembling", domain.ErrSessionNotResumable)
	}

	now := m.now()
	sess.Status = domain.SessionCancelled
	sess.CompletedAt = &now
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return err
	}
	_ = m.frags.RemoveSession(sessionID)

	m.recordEvent(ctx, sess, domain.EventSessionCancelled, "cancelled by caller")
	metrics.ActiveSessions.Dec()
	m.logger.Info("session cancelled", "session", sessionID, "tenant", sess.Tenant)
	m.notifyTerminal(ctx, sess)
	return nil
}

// Expire moves a pending or uploading session past its deadline to expired.
// Fragments are kept until the sweeper's purge pass. Idempotent.
func (m *Manager) Expire(ctx context.Context, sessionID uuid.UUID) error {
	unlock := m.locks.acquire(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.Status {
	case domain.SessionPending, domain.SessionUploading:
	default:
		return nil
	}

	now := m.now()
	sess.Status = domain.SessionExpired
	sess.CompletedAt = &now
	sess.ErrorMessage = "session expired before completion"
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return err
	}

	m.recordEvent(ctx, sess, domain.EventSessionExpired, "expired by sweeper")
	metrics.SessionsExpired.Inc()
	metrics.ActiveSessions.Dec()
	m.logger.Info("session expired", "session", sessionID, "tenant", sess.Tenant)
	m.notifyTerminal(ctx, sess)
	return nil
}

// failSession acquires the session lock and fails the session.
func (m *Manager) failSession(ctx context.Context, sessionID uuid.UUID, reason string) {
	unlock := m.locks.acquire(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Error("failing session: load failed", "session", sessionID, "err", err)
		return
	}
	if sess.Status.Terminal() {
		return
	}
	m.failSessionLocked(ctx, sess, reason)
}

// failSessionLocked fails a session whose lock the caller already holds.
func (m *Manager) failSessionLocked(ctx context.Context, sess *domain.Session, reason string) {
	now := m.now()
	sess.Status = domain.SessionFailed
	sess.ErrorMessage = reason
	sess.CompletedAt = &now
	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.logger.Error("saving failed session", "session", sess.ID, "err", err)
		return
	}

	m.recordEvent(ctx, sess, domain.EventSessionFailed, reason)
	metrics.SessionsFailed.Inc()
	metrics.ActiveSessions.Dec()
	m.logger.Warn("session failed", "session", sess.ID, "tenant", sess.Tenant, "reason", reason)
	m.notifyTerminal(ctx, sess)
}

func (m *Manager) notifyTerminal(ctx context.Context, sess *domain.Session) {
	for _, o := range m.observers {
		o.SessionTerminal(ctx, sess)
	}
}

func (m *Manager) recordEvent(ctx context.Context, sess *domain.Session, typ, msg string) {
	err := m.store.RecordEvent(ctx, &domain.Event{
		Tenant:  sess.Tenant,
		Scope:   domain.ScopeSession,
		RefID:   sess.ID,
		Type:    typ,
		Message: msg,
	})
	if err != nil {
		m.logger.Warn("recording event failed", "session", sess.ID, "type", typ, "err", err)
	}
}

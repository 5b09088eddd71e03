package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// SessionStatus captures the lifecycle of one chunked file transfer.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionUploading  SessionStatus = "uploading"
	SessionAssembling SessionStatus = "assembling"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
	SessionExpired    SessionStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled, SessionExpired:
		return true
	}
	return false
}

// ChunkStatus captures the lifecycle of one fragment.
type ChunkStatus string

const (
	ChunkPending  ChunkStatus = "pending"
	ChunkUploaded ChunkStatus = "uploaded"
	ChunkFailed   ChunkStatus = "failed"
)

// ScanStatus records the verdict of the virus-scan collaborator.
type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
	ScanSkipped  ScanStatus = "skipped"
)

// SessionPolicy bounds retries and concurrency for a single session.
type SessionPolicy struct {
	MaxRetriesPerChunk  int `json:"maxRetriesPerChunk"`
	MaxConcurrentChunks int `json:"maxConcurrentChunks"`
	MaxAssemblyAttempts int `json:"maxAssemblyAttempts"`
}

// DefaultSessionPolicy returns the policy applied when callers supply none.
func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{
		MaxRetriesPerChunk:  3,
		MaxConcurrentChunks: 4,
		MaxAssemblyAttempts: 1,
	}
}

// Session represents one logical file being transferred, stored in the DB.
type Session struct {
	ID           uuid.UUID
	UploadToken  string
	Tenant       string
	BatchID      *uuid.UUID
	Filename     string
	MimeType     string
	SizeBytes    int64
	ChunkSize    int64
	TotalChunks  int
	ExpectedHash string

	Status         SessionStatus
	ChunksUploaded int
	ChunksFailed   int
	ReceivedBytes  int64
	FragmentDir    string
	FinalPath      string
	FinalHash      string
	ErrorMessage   string
	Policy         SessionPolicy

	ScanStatus         ScanStatus
	Category           string
	CategoryConfidence float64
	NeedsReview        bool

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   time.Time
}

// Progress derives the 0-100 percentage from chunk counters. It reports 100
// only for completed sessions; an assembling session is pinned at 99.
func (s *Session) Progress() int {
	switch {
	case s.Status == SessionCompleted:
		return 100
	case s.TotalChunks == 0:
		return 0
	}
	pct := int(math.Round(100 * float64(s.ChunksUploaded) / float64(s.TotalChunks)))
	if pct > 99 {
		pct = 99
	}
	return pct
}

// LastChunkSize returns the declared size of the final (remainder) chunk.
func (s *Session) LastChunkSize() int64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return s.SizeBytes - int64(s.TotalChunks-1)*s.ChunkSize
}

// ExpectedChunkSize returns the declared size of the chunk at index.
func (s *Session) ExpectedChunkSize(index int) int64 {
	if index == s.TotalChunks-1 {
		return s.LastChunkSize()
	}
	return s.ChunkSize
}

// TotalChunkCount computes ceil(size/chunkSize).
func TotalChunkCount(size, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// Chunk stores bookkeeping for one fragment of a session's file.
type Chunk struct {
	SessionID    uuid.UUID
	Index        int
	SizeBytes    int64
	ExpectedHash string
	ObservedHash string
	FragmentPath string
	Status       ChunkStatus
	Attempts     int
	ReceivedAt   *time.Time
	Duration     time.Duration
	LastError    string
}

// Throughput returns observed bytes per second for the last attempt.
func (c *Chunk) Throughput() float64 {
	if c.Duration <= 0 {
		return 0
	}
	return float64(c.SizeBytes) / c.Duration.Seconds()
}

// DuplicatePolicy controls how a batch treats files that collide with
// content the tenant already has.
type DuplicatePolicy string

const (
	DuplicateSkip      DuplicatePolicy = "skip"
	DuplicateOverwrite DuplicatePolicy = "overwrite"
	DuplicateRename    DuplicatePolicy = "rename"
	DuplicateFail      DuplicatePolicy = "fail"
)

// Valid reports whether the policy is one of the supported values.
func (p DuplicatePolicy) Valid() bool {
	switch p {
	case DuplicateSkip, DuplicateOverwrite, DuplicateRename, DuplicateFail:
		return true
	}
	return false
}

// BatchStatus captures the lifecycle of a group of files submitted together.
type BatchStatus string

const (
	BatchPending            BatchStatus = "pending"
	BatchInProgress         BatchStatus = "in_progress"
	BatchCompleted          BatchStatus = "completed"
	BatchPartiallyCompleted BatchStatus = "partially_completed"
	BatchFailed             BatchStatus = "failed"
	BatchCancelled          BatchStatus = "cancelled"
)

// Terminal reports whether the batch admits no further transitions.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchPartiallyCompleted, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// BatchFileState tracks one manifest entry through dispatch.
type BatchFileState string

const (
	FileQueued  BatchFileState = "queued"
	FileActive  BatchFileState = "active"
	FileSkipped BatchFileState = "skipped"
	FileDone    BatchFileState = "done"
	FileFailed  BatchFileState = "failed"
	FileAborted BatchFileState = "aborted"
)

// BatchFile is one declared file in a batch manifest.
type BatchFile struct {
	Name         string         `json:"name"`
	ResolvedName string         `json:"resolvedName"`
	SizeBytes    int64          `json:"sizeBytes"`
	MimeType     string         `json:"mimeType"`
	ContentHash  string         `json:"contentHash,omitempty"`
	Overwrite    bool           `json:"overwrite,omitempty"`
	State        BatchFileState `json:"state"`
	SessionID    *uuid.UUID     `json:"sessionId,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Batch is a caller-defined group of files uploaded and tracked together.
type Batch struct {
	ID               uuid.UUID
	Tenant           string
	Creator          string
	Files            []BatchFile
	TotalFiles       int
	FilesCompleted   int
	FilesFailed      int
	FilesSkipped     int
	FilesActive      int
	DeclaredBytes    int64
	ReceivedBytes    int64
	ConcurrencyLimit int
	Policy           DuplicatePolicy
	Priority         int
	Status           BatchStatus
	ErrorMessage     string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Progress averages constituent session progress over the declared file
// count. Skipped files count as fully processed.
func (b *Batch) Progress(sessionProgress map[uuid.UUID]int) int {
	if b.TotalFiles == 0 {
		return 0
	}
	sum := 0
	for _, f := range b.Files {
		switch {
		case f.State == FileSkipped:
			sum += 100
		case f.SessionID != nil:
			sum += sessionProgress[*f.SessionID]
		}
	}
	return int(math.Round(float64(sum) / float64(b.TotalFiles)))
}

// Event scope values.
const (
	ScopeSession = "session"
	ScopeBatch   = "batch"
)

// Event types recorded on lifecycle transitions.
const (
	EventSessionCreated    = "session_created"
	EventChunkUploaded     = "chunk_uploaded"
	EventChunkFailed       = "chunk_failed"
	EventAssemblyStarted   = "assembly_started"
	EventAssemblyCompleted = "assembly_completed"
	EventSessionCompleted  = "session_completed"
	EventSessionFailed     = "session_failed"
	EventSessionCancelled  = "session_cancelled"
	EventSessionExpired    = "session_expired"
	EventBatchCreated      = "batch_created"
	EventBatchStarted      = "batch_started"
	EventBatchCompleted    = "batch_completed"
	EventBatchPartial      = "batch_partially_completed"
	EventBatchFailed       = "batch_failed"
	EventBatchCancelled    = "batch_cancelled"
	EventFileSkipped       = "file_skipped"
)

// Event is an audit record written on every notable transition.
type Event struct {
	ID        int64
	Tenant    string
	Scope     string
	RefID     uuid.UUID
	Type      string
	Message   string
	CreatedAt time.Time
}

package domain

import "errors"

// Ingestion error taxonomy. Chunk-level range/integrity errors are
// recoverable by retrying the same chunk; retry exhaustion and assembly
// failure are terminal for the owning session.
var (
	// ErrChunkOutOfRange indicates a chunk index outside [0, total_chunks).
	ErrChunkOutOfRange = errors.New("chunk index out of range")

	// ErrChunkSizeMismatch indicates a chunk body whose length does not match
	// the declared chunk size (or the remainder size for the final chunk).
	ErrChunkSizeMismatch = errors.New("chunk size mismatch")

	// ErrIntegrityMismatch indicates the observed chunk hash differs from the
	// hash the client declared.
	ErrIntegrityMismatch = errors.New("chunk integrity mismatch")

	// ErrChunkAlreadyFinalized indicates a re-submission of an uploaded chunk
	// with different content.
	ErrChunkAlreadyFinalized = errors.New("chunk already finalized with different content")

	// ErrRetryLimitExceeded indicates a chunk exhausted its attempt budget.
	ErrRetryLimitExceeded = errors.New("chunk retry limit exceeded")

	// ErrAssemblyFailed indicates concatenation or final-hash verification failed.
	ErrAssemblyFailed = errors.New("assembly failed")

	// ErrSessionNotFound indicates no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotResumable indicates the session is terminal and accepts no
	// further chunks.
	ErrSessionNotResumable = errors.New("session is not resumable")

	// ErrBatchNotFound indicates no batch exists for the given id.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrBatchNotStartable indicates a start request for a non-pending batch.
	ErrBatchNotStartable = errors.New("batch is not startable")

	// ErrBatchCollisionRejected indicates the fail duplicate policy found a
	// collision before any session was opened.
	ErrBatchCollisionRejected = errors.New("batch rejected: duplicate file")

	// ErrConcurrencyLimitReached indicates the session is queued behind the
	// batch concurrency limit; the client should retry later.
	ErrConcurrencyLimitReached = errors.New("batch concurrency limit reached")
)

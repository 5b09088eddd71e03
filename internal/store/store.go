// Package store provides persistence for upload sessions, chunks, batches,
// and lifecycle events.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"arkiv-backend/internal/domain"
)

// Store defines persistence behavior for the ingestion engine. All engine
// mutation goes through the owning component's API, so implementations only
// need read-committed semantics; per-session serialization happens above.
type Store interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	GetSessionByToken(ctx context.Context, tenant, token string) (*domain.Session, error)
	SaveSession(ctx context.Context, s *domain.Session) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
	ListSessionsByBatch(ctx context.Context, batchID uuid.UUID) ([]domain.Session, error)

	// ListExpiredSessions returns sessions still pending or uploading whose
	// expiry elapsed before now.
	ListExpiredSessions(ctx context.Context, now time.Time) ([]domain.Session, error)

	// ListPurgeableSessions returns expired, failed, or cancelled sessions
	// whose terminal transition happened before the cutoff.
	ListPurgeableSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error)

	UpsertChunk(ctx context.Context, c *domain.Chunk) error
	GetChunk(ctx context.Context, sessionID uuid.UUID, index int) (*domain.Chunk, error)
	ListChunks(ctx context.Context, sessionID uuid.UUID) ([]domain.Chunk, error)
	DeleteChunks(ctx context.Context, sessionID uuid.UUID) error

	CreateBatch(ctx context.Context, b *domain.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error)
	SaveBatch(ctx context.Context, b *domain.Batch) error

	// HasCompletedFile reports whether the tenant already holds a completed
	// file with the given content hash.
	HasCompletedFile(ctx context.Context, tenant, contentHash string) (bool, error)

	// HasFileName reports whether the tenant already holds a non-terminal or
	// completed file under the given name.
	HasFileName(ctx context.Context, tenant, name string) (bool, error)

	RecordEvent(ctx context.Context, e *domain.Event) error
	ListEvents(ctx context.Context, scope string, refID uuid.UUID) ([]domain.Event, error)
}

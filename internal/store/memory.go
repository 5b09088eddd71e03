package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"arkiv-backend/internal/domain"
)

// MemoryStore is an in-memory Store used by tests and by dev deployments
// that run without a database. All methods return copies so callers never
// share record memory with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*domain.Session
	tokens   map[string]uuid.UUID
	chunks   map[uuid.UUID]map[int]*domain.Chunk
	batches  map[uuid.UUID]*domain.Batch
	events   []domain.Event
	eventSeq int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*domain.Session),
		tokens:   make(map[string]uuid.UUID),
		chunks:   make(map[uuid.UUID]map[int]*domain.Chunk),
		batches:  make(map[uuid.UUID]*domain.Batch),
	}
}

func tokenKey(tenant, token string) string {
	return tenant + "\x00" + token
}

func copySession(s *domain.Session) *domain.Session {
	out := *s
	if s.BatchID != nil {
		id := *s.BatchID
		out.BatchID = &id
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func copyChunk(c *domain.Chunk) *domain.Chunk {
	out := *c
	if c.ReceivedAt != nil {
		t := *c.ReceivedAt
		out.ReceivedAt = &t
	}
	return &out
}

func copyBatch(b *domain.Batch) *domain.Batch {
	out := *b
	out.Files = make([]domain.BatchFile, len(b.Files))
	copy(out.Files, b.Files)
	for i, f := range b.Files {
		if f.SessionID != nil {
			id := *f.SessionID
			out.Files[i].SessionID = &id
		}
	}
	if b.StartedAt != nil {
		t := *b.StartedAt
		out.StartedAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = copySession(s)
	if s.UploadToken != "" {
		m.tokens[tokenKey(s.Tenant, s.UploadToken)] = s.ID
	}
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) GetSessionByToken(ctx context.Context, tenant, token string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tokens[tokenKey(tenant, token)]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return domain.ErrSessionNotFound
	}
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.UploadToken != "" {
		delete(m.tokens, tokenKey(s.Tenant, s.UploadToken))
	}
	delete(m.sessions, id)
	delete(m.chunks, id)
	return nil
}

func (m *MemoryStore) ListSessionsByBatch(ctx context.Context, batchID uuid.UUID) ([]domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.BatchID != nil && *s.BatchID == batchID {
			out = append(out, *copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListExpiredSessions(ctx context.Context, now time.Time) ([]domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if (s.Status == domain.SessionPending || s.Status == domain.SessionUploading) && s.ExpiresAt.Before(now) {
			out = append(out, *copySession(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPurgeableSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Session
	for _, s := range m.sessions {
		switch s.Status {
		case domain.SessionExpired, domain.SessionFailed, domain.SessionCancelled:
			if s.CompletedAt != nil && s.CompletedAt.Before(cutoff) {
				out = append(out, *copySession(s))
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertChunk(ctx context.Context, c *domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byIndex, ok := m.chunks[c.SessionID]
	if !ok {
		byIndex = make(map[int]*domain.Chunk)
		m.chunks[c.SessionID] = byIndex
	}
	byIndex[c.Index] = copyChunk(c)
	return nil
}

func (m *MemoryStore) GetChunk(ctx context.Context, sessionID uuid.UUID, index int) (*domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[sessionID][index]
	if !ok {
		return nil, ErrChunkNotFound
	}
	return copyChunk(c), nil
}

func (m *MemoryStore) ListChunks(ctx context.Context, sessionID uuid.UUID) ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Chunk
	for _, c := range m.chunks[sessionID] {
		out = append(out, *copyChunk(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *MemoryStore) DeleteChunks(ctx context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, sessionID)
	return nil
}

func (m *MemoryStore) CreateBatch(ctx context.Context, b *domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = copyBatch(b)
	return nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	return copyBatch(b), nil
}

func (m *MemoryStore) SaveBatch(ctx context.Context, b *domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; !ok {
		return domain.ErrBatchNotFound
	}
	m.batches[b.ID] = copyBatch(b)
	return nil
}

func (m *MemoryStore) HasCompletedFile(ctx context.Context, tenant, contentHash string) (bool, error) {
	if contentHash == "" {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Tenant == tenant && s.Status == domain.SessionCompleted && s.FinalHash == contentHash {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) HasFileName(ctx context.Context, tenant, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Tenant != tenant || s.Filename != name {
			continue
		}
		if s.Status == domain.SessionCompleted || !s.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) RecordEvent(ctx context.Context, e *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSeq++
	rec := *e
	rec.ID = m.eventSeq
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, rec)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, scope string, refID uuid.UUID) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.Scope == scope && e.RefID == refID {
			out = append(out, e)
		}
	}
	return out, nil
}

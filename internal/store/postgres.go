package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arkiv-backend/internal/domain"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using a PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database using the provided connection
// string and applies the bootstrap schema.
func NewPostgresStore(ctx context.Context, conn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const sessionColumns = `
	id, upload_token, tenant, batch_id, filename, mime_type, size_bytes,
	chunk_size, total_chunks, expected_hash, status, chunks_uploaded,
	chunks_failed, received_bytes, fragment_dir, final_path, final_hash,
	error_message, policy, scan_status, category, category_confidence,
	needs_review, created_at, started_at, completed_at, expires_at`

func (s *PostgresStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	policy, err := json.Marshal(sess.Policy)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO upload_sessions (` + sessionColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
		        $18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
	`
	_, err = s.pool.Exec(ctx, query,
		sess.ID, sess.UploadToken, sess.Tenant, sess.BatchID, sess.Filename,
		sess.MimeType, sess.SizeBytes, sess.ChunkSize, sess.TotalChunks,
		sess.ExpectedHash, string(sess.Status), sess.ChunksUploaded,
		sess.ChunksFailed, sess.ReceivedBytes, sess.FragmentDir,
		sess.FinalPath, sess.FinalHash, sess.ErrorMessage, policy,
		string(sess.ScanStatus), sess.Category, sess.CategoryConfidence,
		sess.NeedsReview, sess.CreatedAt, sess.StartedAt, sess.CompletedAt,
		sess.ExpiresAt,
	)
	return err
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var sess domain.Session
	var status, scanStatus string
	var policy []byte
	err := row.Scan(
		&sess.ID, &sess.UploadToken, &sess.Tenant, &sess.BatchID,
		&sess.Filename, &sess.MimeType, &sess.SizeBytes, &sess.ChunkSize,
		&sess.TotalChunks, &sess.ExpectedHash, &status, &sess.ChunksUploaded,
		&sess.ChunksFailed, &sess.ReceivedBytes, &sess.FragmentDir,
		&sess.FinalPath, &sess.FinalHash, &sess.ErrorMessage, &policy,
		&scanStatus, &sess.Category, &sess.CategoryConfidence,
		&sess.NeedsReview, &sess.CreatedAt, &sess.StartedAt,
		&sess.CompletedAt, &sess.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Status = domain.SessionStatus(status)
	sess.ScanStatus = domain.ScanStatus(scanStatus)
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &sess.Policy); err != nil {
			return nil, err
		}
	}
	return &sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *PostgresStore) GetSessionByToken(ctx context.Context, tenant, token string) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions
		WHERE tenant = $1 AND upload_token = $2 AND upload_token <> ''
	`, tenant, token)
	return scanSession(row)
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	policy, err := json.Marshal(sess.Policy)
	if err != nil {
		return err
	}
	res, err := s.pool.Exec(ctx, `
		UPDATE upload_sessions SET
			status = $2, chunks_uploaded = $3, chunks_failed = $4,
			received_bytes = $5, fragment_dir = $6, final_path = $7,
			final_hash = $8, error_message = $9, policy = $10,
			scan_status = $11, category = $12, category_confidence = $13,
			needs_review = $14, started_at = $15, completed_at = $16,
			filename = $17
		WHERE id = $1
	`, sess.ID, string(sess.Status), sess.ChunksUploaded, sess.ChunksFailed,
		sess.ReceivedBytes, sess.FragmentDir, sess.FinalPath, sess.FinalHash,
		sess.ErrorMessage, policy, string(sess.ScanStatus), sess.Category,
		sess.CategoryConfidence, sess.NeedsReview, sess.StartedAt,
		sess.CompletedAt, sess.Filename,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSessionsByBatch(ctx context.Context, batchID uuid.UUID) ([]domain.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions
		WHERE batch_id = $1 ORDER BY created_at ASC
	`, batchID)
}

func (s *PostgresStore) ListExpiredSessions(ctx context.Context, now time.Time) ([]domain.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions
		WHERE status IN ('pending', 'uploading') AND expires_at < $1
	`, now)
}

func (s *PostgresStore) ListPurgeableSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions
		WHERE status IN ('expired', 'failed', 'cancelled') AND completed_at < $1
	`, cutoff)
}

func (s *PostgresStore) UpsertChunk(ctx context.Context, c *domain.Chunk) error {
	query := `
		INSERT INTO upload_chunks (
			session_id, chunk_index, size_bytes, expected_hash, observed_hash,
			fragment_path, status, attempts, received_at, duration_ms, last_error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (session_id, chunk_index) DO UPDATE SET
			size_bytes = EXCLUDED.size_bytes,
			expected_hash = EXCLUDED.expected_hash,
			observed_hash = EXCLUDED.observed_hash,
			fragment_path = EXCLUDED.fragment_path,
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			received_at = EXCLUDED.received_at,
			duration_ms = EXCLUDED.duration_ms,
			last_error = EXCLUDED.last_error
	`
	_, err := s.pool.Exec(ctx, query,
		c.SessionID, c.Index, c.SizeBytes, c.ExpectedHash, c.ObservedHash,
		c.FragmentPath, string(c.Status), c.Attempts, c.ReceivedAt,
		c.Duration.Milliseconds(), c.LastError,
	)
	return err
}

func scanChunk(row pgx.Row) (*domain.Chunk, error) {
	var c domain.Chunk
	var status string
	var durationMS int64
	err := row.Scan(
		&c.SessionID, &c.Index, &c.SizeBytes, &c.ExpectedHash,
		&c.ObservedHash, &c.FragmentPath, &status, &c.Attempts,
		&c.ReceivedAt, &durationMS, &c.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = domain.ChunkStatus(status)
	c.Duration = time.Duration(durationMS) * time.Millisecond
	return &c, nil
}

const chunkColumns = `
	session_id, chunk_index, size_bytes, expected_hash, observed_hash,
	fragment_path, status, attempts, received_at, duration_ms, last_error`

func (s *PostgresStore) GetChunk(ctx context.Context, sessionID uuid.UUID, index int) (*domain.Chunk, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+chunkColumns+` FROM upload_chunks
		WHERE session_id = $1 AND chunk_index = $2
	`, sessionID, index)
	return scanChunk(row)
}

func (s *PostgresStore) ListChunks(ctx context.Context, sessionID uuid.UUID) ([]domain.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+chunkColumns+` FROM upload_chunks
		WHERE session_id = $1 ORDER BY chunk_index ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteChunks(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM upload_chunks WHERE session_id = $1`, sessionID)
	return err
}

const batchColumns = `
	id, tenant, creator, files, total_files, files_completed, files_failed,
	files_skipped, files_active, declared_bytes, received_bytes,
	concurrency_limit, policy, priority, status, error_message, created_at,
	started_at, completed_at`

func (s *PostgresStore) CreateBatch(ctx context.Context, b *domain.Batch) error {
	files, err := json.Marshal(b.Files)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO upload_batches (` + batchColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`
	_, err = s.pool.Exec(ctx, query,
		b.ID, b.Tenant, b.Creator, files, b.TotalFiles, b.FilesCompleted,
		b.FilesFailed, b.FilesSkipped, b.FilesActive, b.DeclaredBytes,
		b.ReceivedBytes, b.ConcurrencyLimit, string(b.Policy), b.Priority,
		string(b.Status), b.ErrorMessage, b.CreatedAt, b.StartedAt, b.CompletedAt,
	)
	return err
}

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var b domain.Batch
	var policy, status string
	var files []byte
	err := row.Scan(
		&b.ID, &b.Tenant, &b.Creator, &files, &b.TotalFiles,
		&b.FilesCompleted, &b.FilesFailed, &b.FilesSkipped, &b.FilesActive,
		&b.DeclaredBytes, &b.ReceivedBytes, &b.ConcurrencyLimit, &policy,
		&b.Priority, &status, &b.ErrorMessage, &b.CreatedAt, &b.StartedAt,
		&b.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Policy = domain.DuplicatePolicy(policy)
	b.Status = domain.BatchStatus(status)
	if len(files) > 0 {
		if err := json.Unmarshal(files, &b.Files); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM upload_batches WHERE id = $1`, id)
	return scanBatch(row)
}

func (s *PostgresStore) SaveBatch(ctx context.Context, b *domain.Batch) error {
	files, err := json.Marshal(b.Files)
	if err != nil {
		return err
	}
	res, err := s.pool.Exec(ctx, `
		UPDATE upload_batches SET
			files = $2, files_completed = $3, files_failed = $4,
			files_skipped = $5, files_active = $6, received_bytes = $7,
			status = $8, error_message = $9, started_at = $10, completed_at = $11
		WHERE id = $1
	`, b.ID, files, b.FilesCompleted, b.FilesFailed, b.FilesSkipped,
		b.FilesActive, b.ReceivedBytes, string(b.Status), b.ErrorMessage,
		b.StartedAt, b.CompletedAt,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrBatchNotFound
	}
	return nil
}

func (s *PostgresStore) HasCompletedFile(ctx context.Context, tenant, contentHash string) (bool, error) {
	if contentHash == "" {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM upload_sessions
			WHERE tenant = $1 AND status = 'completed' AND final_hash = $2
		)
	`, tenant, contentHash).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) HasFileName(ctx context.Context, tenant, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM upload_sessions
			WHERE tenant = $1 AND filename = $2
			  AND status IN ('pending', 'uploading', 'assembling', 'completed')
		)
	`, tenant, name).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) RecordEvent(ctx context.Context, e *domain.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO upload_events (tenant, scope, ref_id, type, message, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, e.Tenant, e.Scope, e.RefID, e.Type, e.Message)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, scope string, refID uuid.UUID) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, scope, ref_id, type, message, created_at
		FROM upload_events
		WHERE scope = $1 AND ref_id = $2
		ORDER BY id ASC
	`, scope, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Scope, &e.RefID, &e.Type, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

package upload

import (
	"context"

	"github.com/google/uuid"

	"arkiv-backend/internal/domain"
)

// Observer is notified after a session reaches a terminal state. The batch
// orchestrator registers one to drive rollups and admission.
type Observer interface {
	SessionTerminal(ctx context.Context, sess *domain.Session)
}

// Gate is consulted on the chunk path for sessions that belong to a batch.
// A false answer means the session is still queued behind the batch
// concurrency limit; the chunk is rejected with a transient error and the
// file keeps its place in the queue.
type Gate interface {
	Admitted(sessionID uuid.UUID) bool
}

// Classification is the verdict of the document classification collaborator.
type Classification struct {
	Category    string
	Confidence  float64
	NeedsReview bool
}

// Classifier assigns a category to an assembled file. Failures annotate the
// session but never fail the upload.
type Classifier interface {
	Classify(ctx context.Context, path string, sess *domain.Session) (Classification, error)
}

// Scanner checks an assembled file for malware. A positive hit flags the
// record with a distinct reason code, independent of upload success.
type Scanner interface {
	Scan(ctx context.Context, path string) (clean bool, err error)
}

// NopClassifier marks every file as unclassified and needing review.
type NopClassifier struct{}

func (NopClassifier) Classify(ctx context.Context, path string, sess *domain.Session) (Classification, error) {
	return Classification{NeedsReview: true}, nil
}

// NopScanner reports every file clean.
type NopScanner struct{}

func (NopScanner) Scan(ctx context.Context, path string) (bool, error) {
	return true, nil
}

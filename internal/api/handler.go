// Package api exposes the ingestion engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arkiv-backend/internal/batch"
	"arkiv-backend/internal/config"
	"arkiv-backend/internal/domain"
	"arkiv-backend/internal/progress"
	"arkiv-backend/internal/upload"
)

const watchInterval = time.Second

// Handler wires HTTP routes to the upload manager, batch orchestrator, and
// progress publisher.
type Handler struct {
	cfg       *config.Config
	manager   *upload.Manager
	batches   *batch.Orchestrator
	publisher *progress.Publisher
}

// NewHandler creates a Handler instance.
func NewHandler(cfg *config.Config, manager *upload.Manager, batches *batch.Orchestrator, publisher *progress.Publisher) *Handler {
	return &Handler{cfg: cfg, manager: manager, batches: batches, publisher: publisher}
}

// Router returns a configured chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Tenant-Id", "X-Chunk-Checksum"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", h.withAuth(h.handleOpenSession))
			r.Put("/{sessionID}/chunks/{index}", h.withAuth(h.handleChunk))
			r.Get("/{sessionID}", h.withAuth(h.handleSessionStatus))
			r.Get("/{sessionID}/watch", h.withAuth(h.handleWatchSession))
			r.Get("/{sessionID}/events", h.withAuth(h.handleSessionEvents))
			r.Post("/{sessionID}/cancel", h.withAuth(h.handleCancelSession))
		})
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", h.withAuth(h.handleCreateBatch))
			r.Post("/{batchID}/start", h.withAuth(h.handleStartBatch))
			r.Post("/{batchID}/cancel", h.withAuth(h.handleCancelBatch))
			r.Get("/{batchID}", h.withAuth(h.handleBatchStatus))
			r.Get("/{batchID}/manifest", h.withAuth(h.handleBatchManifest))
			r.Get("/{batchID}/watch", h.withAuth(h.handleWatchBatch))
			r.Get("/{batchID}/events", h.withAuth(h.handleBatchEvents))
		})
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type openSessionRequest struct {
	Filename     string `json:"filename"`
	SizeBytes    int64  `json:"sizeBytes"`
	ChunkSize    int64  `json:"chunkSize,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	ExpectedHash string `json:"expectedHash,omitempty"`
	UploadToken  string `json:"uploadToken,omitempty"`
}

func (h *Handler) handleOpenSession(w http.ResponseWriter, r *http.Request, tenant string) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	sess, err := h.manager.Open(r.Context(), upload.OpenRequest{
		Tenant:       tenant,
		Filename:     req.Filename,
		SizeBytes:    req.SizeBytes,
		ChunkSize:    req.ChunkSize,
		MimeType:     req.MimeType,
		ExpectedHash: req.ExpectedHash,
		UploadToken:  req.UploadToken,
	})
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId":   sess.ID,
		"status":      sess.Status,
		"chunkSize":   sess.ChunkSize,
		"totalChunks": sess.TotalChunks,
		"expiresAt":   sess.ExpiresAt,
	})
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request, tenant string) {
	sess, ok := h.loadSession(w, r, tenant)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}

	checksum := r.Header.Get("X-Chunk-Checksum")
	result, err := h.manager.SubmitChunk(r.Context(), sess.ID, index, r.Body, checksum)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSessionStatus(w http.ResponseWriter, r *http.Request, tenant string) {
	sess, ok := h.loadSession(w, r, tenant)
	if !ok {
		return
	}
	snap, err := h.publisher.Session(r.Context(), sess.ID)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleCancelSession(w http.ResponseWriter, r *http.Request, tenant string) {
	sess, ok := h.loadSession(w, r, tenant)
	if !ok {
		return
	}
	if err := h.manager.Cancel(r.Context(), sess.ID); err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleWatchSession(w http.ResponseWriter, r *http.Request, tenant string) {
	sess, ok := h.loadSession(w, r, tenant)
	if !ok {
		return
	}
	snaps, err := h.publisher.WatchSession(r.Context(), sess.ID, watchInterval)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	streamSSE(w, r, snaps)
}

type createBatchRequest struct {
	Files            []batch.FileSpec       `json:"files"`
	DuplicatePolicy  domain.DuplicatePolicy `json:"duplicatePolicy"`
	ConcurrencyLimit int                    `json:"concurrencyLimit,omitempty"`
	Priority         int                    `json:"priority,omitempty"`
	Creator          string                 `json:"creator,omitempty"`
}

func (h *Handler) handleCreateBatch(w http.ResponseWriter, r *http.Request, tenant string) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	b, err := h.batches.Create(r.Context(), batch.CreateRequest{
		Tenant:           tenant,
		Creator:          req.Creator,
		Files:            req.Files,
		Policy:           req.DuplicatePolicy,
		ConcurrencyLimit: req.ConcurrencyLimit,
		Priority:         req.Priority,
	})
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

type startBatchRequest struct {
	Priority int `json:"priority,omitempty"`
}

func (h *Handler) handleStartBatch(w http.ResponseWriter, r *http.Request, tenant string) {
	b, ok := h.loadBatch(w, r, tenant)
	if !ok {
		return
	}
	var req startBatchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request payload")
			return
		}
	} else {
		req.Priority = b.Priority
	}
	started, err := h.batches.Start(r.Context(), b.ID, req.Priority)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, started)
}

func (h *Handler) handleCancelBatch(w http.ResponseWriter, r *http.Request, tenant string) {
	b, ok := h.loadBatch(w, r, tenant)
	if !ok {
		return
	}
	cancelled, err := h.batches.Cancel(r.Context(), b.ID)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

func (h *Handler) handleBatchStatus(w http.ResponseWriter, r *http.Request, tenant string) {
	b, ok := h.loadBatch(w, r, tenant)
	if !ok {
		return
	}
	snap, err := h.publisher.Batch(r.Context(), b.ID)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleSessionEvents(w http.ResponseWriter, r *http.Request, tenant string) {
	sess, ok := h.loadSession(w, r, tenant)
	if !ok {
		return
	}
	events, err := h.manager.Events(r.Context(), sess.ID)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleBatchEvents(w http.ResponseWriter, r *http.Request, tenant string) {
	b, ok := h.loadBatch(w, r, tenant)
	if !ok {
		return
	}
	events, err := h.batches.Events(r.Context(), b.ID)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleBatchManifest returns the raw batch record, including per-file
// states and session ids; clients drive their uploads off it.
func (h *Handler) handleBatchManifest(w http.ResponseWriter, r *http.Request, tenant string) {
	b, ok := h.loadBatch(w, r, tenant)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleWatchBatch(w http.ResponseWriter, r *http.Request, tenant string) {
	b, ok := h.loadBatch(w, r, tenant)
	if !ok {
		return
	}
	snaps, err := h.publisher.WatchBatch(r.Context(), b.ID, watchInterval)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	streamSSE(w, r, snaps)
}

// loadSession resolves the path id and enforces tenant ownership. Foreign
// sessions read as not found.
func (h *Handler) loadSession(w http.ResponseWriter, r *http.Request, tenant string) (*domain.Session, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return nil, false
	}
	sess, err := h.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return nil, false
	}
	if sess.Tenant != tenant {
		writeError(w, http.StatusNotFound, domain.ErrSessionNotFound.Error())
		return nil, false
	}
	return sess, true
}

func (h *Handler) loadBatch(w http.ResponseWriter, r *http.Request, tenant string) (*domain.Batch, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return nil, false
	}
	b, err := h.batches.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return nil, false
	}
	if b.Tenant != tenant {
		writeError(w, http.StatusNotFound, domain.ErrBatchNotFound.Error())
		return nil, false
	}
	return b, true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrChunkOutOfRange),
		errors.Is(err, domain.ErrChunkSizeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrIntegrityMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrChunkAlreadyFinalized),
		errors.Is(err, domain.ErrSessionNotResumable),
		errors.Is(err, domain.ErrBatchNotStartable),
		errors.Is(err, domain.ErrBatchCollisionRejected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRetryLimitExceeded):
		return http.StatusGone
	case errors.Is(err, domain.ErrConcurrencyLimitReached):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAssemblyFailed):
		return http.StatusInternalServerError
	default:
		return fallback
	}
}

type authedHandler func(http.ResponseWriter, *http.Request, string)

func (h *Handler) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" || apiKey != h.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		tenant := r.Header.Get("X-Tenant-Id")
		if tenant == "" {
			writeError(w, http.StatusUnauthorized, "missing tenant id")
			return
		}
		next(w, r, tenant)
	}
}

// streamSSE forwards snapshots as server-sent events until the publisher
// closes the channel or the client hangs up.
func streamSSE[T any](w http.ResponseWriter, r *http.Request, snaps <-chan T) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-snaps:
			if !open {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// Package sweeper runs the background lifecycle passes: expiring overdue
// sessions and purging the on-disk leftovers of dead ones.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"arkiv-backend/internal/fragment"
	"arkiv-backend/internal/metrics"
	"arkiv-backend/internal/store"
	"arkiv-backend/internal/upload"
)

// Options controls sweep cadence and how long dead sessions keep their
// fragments around for diagnostics.
type Options struct {
	Interval    time.Duration
	GracePeriod time.Duration
}

// Sweeper periodically expires overdue sessions and purges fragment
// directories and chunk rows of sessions that died past the grace period.
// Completed sessions are never touched; their final files live in blob
// storage and stay.
type Sweeper struct {
	opts    Options
	store   store.Store
	frags   *fragment.Store
	manager *upload.Manager
	logger  *slog.Logger
	now     func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(opts Options, st store.Store, frags *fragment.Store, manager *upload.Manager, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		opts:    opts,
		store:   st,
		frags:   frags,
		manager: manager,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source for tests.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run loops until the context is cancelled. One pass runs immediately on
// start so a restart doesn't wait a full interval to catch up.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expire pass and one purge pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.expirePass(ctx)
	s.purgePass(ctx)
}

func (s *Sweeper) expirePass(ctx context.Context) {
	overdue, err := s.store.ListExpiredSessions(ctx, s.now())
	if err != nil {
		s.logger.Error("expire pass: listing sessions failed", "err", err)
		return
	}
	for i := range overdue {
		id := overdue[i].ID
		if err := s.manager.Expire(ctx, id); err != nil {
			s.logger.Warn("expiring session failed", "session", id, "err", err)
		}
	}
	if len(overdue) > 0 {
		s.logger.Info("expire pass done", "sessions", len(overdue))
	}
}

func (s *Sweeper) purgePass(ctx context.Context) {
	cutoff := s.now().Add(-s.opts.GracePeriod)
	dead, err := s.store.ListPurgeableSessions(ctx, cutoff)
	if err != nil {
		s.logger.Error("purge pass: listing sessions failed", "err", err)
		return
	}

	purged := 0
	for i := range dead {
		sess := &dead[i]
		if err := s.frags.RemoveSession(sess.ID); err != nil {
			s.logger.Warn("purging fragments failed", "session", sess.ID, "err", err)
			continue
		}
		if err := s.store.DeleteChunks(ctx, sess.ID); err != nil {
			s.logger.Warn("purging chunk rows failed", "session", sess.ID, "err", err)
			continue
		}
		if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
			s.logger.Warn("purging session failed", "session", sess.ID, "err", err)
			continue
		}
		metrics.SessionsPurged.Inc()
		purged++
	}
	if purged > 0 {
		s.logger.Info("purge pass done", "sessions", purged)
	}
}

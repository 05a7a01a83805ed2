package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper removes sessions idle for longer than the TTL. Idle time is read
// from the directory modification time, which moves when an entry is created
// or deleted inside the session and when Store.Lookup serves a request for it.
type Sweeper struct {
	store    *Store
	ttl      time.Duration
	schedule string
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper. A zero ttl disables expiry.
func NewSweeper(store *Store, ttl time.Duration, schedule string, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		schedule: schedule,
		logger:   logger,
		now:      time.Now,
	}
}

// Expired returns the sessions idle for longer than the TTL without removing
// them. With expiry disabled it returns nothing.
func (s *Sweeper) Expired() ([]*Session, error) {
	expired, _, err := s.expired()
	return expired, err
}

func (s *Sweeper) expired() (expired []*Session, total int, err error) {
	if s.ttl <= 0 {
		return nil, 0, nil
	}
	sessions, err := s.store.List()
	if err != nil {
		return nil, 0, err
	}
	cutoff := s.now().Add(-s.ttl)
	for _, sess := range sessions {
		if sess.ModTime.Before(cutoff) {
			expired = append(expired, sess)
		}
	}
	return expired, len(sessions), nil
}

// Sweep runs a single expiry pass and returns how many sessions were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	start := time.Now()

	expired, total, err := s.expired()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, sess := range expired {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if err := os.RemoveAll(sess.Dir); err != nil {
			s.logger.WarnContext(ctx, "failed to remove expired session",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
		s.logger.InfoContext(ctx, "session expired",
			slog.String("session_id", sess.ID),
			slog.Time("last_modified", sess.ModTime),
		)
	}

	if m := s.store.metrics; m != nil {
		m.Removed.WithLabelValues("expired").Add(float64(removed))
		m.Active.Set(float64(total - removed)) // Resync with the disk.
		m.SweepDuration.Observe(time.Since(start).Seconds())
	}

	return removed, nil
}

// Start schedules Sweep on the configured cron spec. Returns a stop function
// that waits for a running sweep to finish. With expiry disabled Start is a no-op.
func (s *Sweeper) Start(ctx context.Context) (func(), error) {
	if s.ttl <= 0 {
		s.logger.Debug("session expiry disabled")
		return func() {}, nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "session sweep failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			s.logger.InfoContext(ctx, "session sweep completed", slog.Int("removed", n))
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduling session sweep %q: %w", s.schedule, err)
	}
	c.Start()

	s.logger.Info("session sweeper started",
		slog.String("schedule", s.schedule),
		slog.String("ttl", s.ttl.String()),
	)

	return func() {
		<-c.Stop().Done()
		s.logger.Info("session sweeper stopped")
	}, nil
}

package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Sweeper periodically releases holds left open by abandoned requests.
type Sweeper struct {
	Ledger   Ledger
	MaxAge   time.Duration
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger

	// OnSwept is called once per released hold.
	OnSwept func(Hold)
}

const (
	DefaultHoldMaxAge    = 15 * time.Minute
	DefaultSweepInterval = time.Minute
)

func (s *Sweeper) defaults() {
	if s.MaxAge <= 0 {
		s.MaxAge = DefaultHoldMaxAge
	}
	if s.Interval <= 0 {
		s.Interval = DefaultSweepInterval
	}
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.defaults()
	ticker := s.Clock.Ticker(s.Interval)
	defer ticker.Stop()

	s.Logger.Info("hold sweeper started", "max_age", s.MaxAge, "interval", s.Interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.Logger.WarnContext(ctx, "hold sweep failed", "error", err)
			}
		}
	}
}

// Sweep releases every open hold older than MaxAge and returns how many it
// released.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.defaults()
	released, err := s.Ledger.ExpireStale(ctx, s.Clock.Now().Add(-s.MaxAge))
	for _, h := range released {
		s.Logger.InfoContext(ctx, "released stale hold",
			"hold_id", h.ID,
			"request_id", h.RequestID,
			"amount", h.Amount.String())
		if s.OnSwept != nil {
			s.OnSwept(h)
		}
	}
	return len(released), err
}

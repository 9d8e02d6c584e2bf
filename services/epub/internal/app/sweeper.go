package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sillypop200/kiwifruit/pkg/store"
)

// Sweeper fails ingestions that stayed LOADING past StaleAfter, covering
// workers that died before recording an outcome.
type Sweeper struct {
	store      store.Store
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewSweeper(s store.Store, interval, staleAfter time.Duration) (*Sweeper, error) {
	if s == nil {
		return nil, errors.New("sweeper store required")
	}
	if interval <= 0 || staleAfter <= 0 {
		return nil, errors.New("sweeper requires positive interval and stale age")
	}
	return &Sweeper{
		store:      s,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("stale ingestion sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep fails every stale LOADING ingestion once and returns how many changed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.staleAfter)
	n, err := s.store.FailStaleIngestions(ctx, cutoff, TimeoutMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("failed stale ingestions", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/stellapay/escrowd/internal/metrics"
)

// Sweeper periodically purges expired entries from stores that do not
// expire them natively.
type Sweeper struct {
	purger   Purger
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	purged   atomic.Int64
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(purger Purger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		purger:   purger,
		interval: interval,
		batch:    500,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Purged returns the total number of entries removed so far.
func (s *Sweeper) Purged() int64 {
	return s.purged.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in lease sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep drains expired entries in batches until a short batch is returned.
func (s *Sweeper) Sweep(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := s.purger.PurgeExpired(ctx, s.batch)
		if err != nil {
			s.logger.Warn("failed to purge expired entries", "error", err)
			break
		}
		total += n
		if n < s.batch {
			break
		}
	}
	if total > 0 {
		s.purged.Add(int64(total))
		metrics.LeasesPurgedTotal.Add(float64(total))
		s.logger.Info("purged expired entries", "count", total)
	}
	return total
}

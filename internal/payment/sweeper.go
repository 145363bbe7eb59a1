package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/logging"
)

// Sweeper periodically deletes unsettled payments whose challenge expired
// more than a grace period ago. Within the grace period a late settle gets
// payment_expired instead of unknown_payment.
type Sweeper struct {
	store    Store
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	now      func() time.Time
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store Store, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Sweeper{
		store:    store,
		interval: time.Minute,
		grace:    time.Hour,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
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
			s.logger.Error("panic in payment sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) int {
	n, err := s.store.DeleteExpired(ctx, s.now().Add(-s.grace))
	if err != nil {
		s.logger.Warn("failed to sweep expired payments", "error", err)
		return 0
	}
	if n > 0 {
		expiredSwept.Add(float64(n))
		s.logger.Info("swept expired payments", "count", n)
	}
	return n
}

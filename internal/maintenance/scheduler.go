// Package maintenance runs the periodic file cache sweep.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orderdesk/internal/metrics"
	"orderdesk/pkg/logging/logging"

	"go.uber.org/zap"
)

// DefaultInterval is how often expired entries are swept.
const DefaultInterval = time.Minute

// Sweeper is the part of cache.Store the scheduler drives.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Scheduler owns at most one sweep loop. Start may be called from every
// request; only the first call after construction or Stop starts a loop.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	starts  int
}

func New(sweeper Sweeper, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With(zap.String("component", "maintenance")),
	}
}

// Start launches the sweep loop unless one is already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), s.logger))
	done := make(chan struct{})

	s.started = true
	s.cancel = cancel
	s.done = done
	s.starts++

	go s.loop(ctx, done)

	s.logger.Info("maintenance_started", zap.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for it to exit. A later Start runs a
// fresh loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	s.cancel()
	<-s.done

	s.started = false
	s.cancel = nil
	s.done = nil

	s.logger.Info("maintenance_stopped")
}

// Running reports whether a loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Starts counts how many loops have been launched over the lifetime of s.
func (s *Scheduler) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep. Errors and panics are logged and
// returned, never propagated to the loop.
func (s *Scheduler) RunOnce(ctx context.Context) (n int, err error) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("maintenance: sweep panicked: %v", rec)
			metrics.MaintenanceSweepsTotal.WithLabelValues("panic").Inc()
			s.logger.Error("maintenance_sweep_panic",
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
		}
	}()

	n, err = s.sweeper.Sweep(ctx)
	if err != nil {
		metrics.MaintenanceSweepsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("maintenance_sweep_failed", zap.Error(err))
		return n, err
	}

	metrics.MaintenanceSweepsTotal.WithLabelValues("ok").Inc()
	if n > 0 {
		s.logger.Info("maintenance_sweep",
			zap.Int("removed", n),
			zap.Duration("took", time.Since(start)),
		)
	}
	return n, nil
}

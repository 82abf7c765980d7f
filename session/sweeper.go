package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically expires overdue sessions.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	sweepsPerformed atomic.Int64
	sessionsExpired atomic.Int64
}

// NewSweeper creates a sweeper for the registry.
func NewSweeper(registry *Registry, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		logger:   logger,
	}, nil
}

// Start begins sweeping.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.checkLoop(subCtx)

	s.logger.Info("Session sweeper started", "interval", s.interval)
	return nil
}

// checkLoop runs a sweep immediately and then on every tick.
func (s *Sweeper) checkLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	s.sweepsPerformed.Add(1)
	n := s.registry.Sweep(s.registry.now())
	if n > 0 {
		s.sessionsExpired.Add(int64(n))
		s.logger.Debug("Expired sessions", "count", n)
	}
}

// Stop halts the sweeper and waits for the loop to exit or the timeout.
func (s *Sweeper) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.running = false
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("sweeper did not stop within %s", timeout)
	}

	s.logger.Info("Session sweeper stopped",
		"sweeps_performed", s.sweepsPerformed.Load(),
		"sessions_expired", s.sessionsExpired.Load())
	return nil
}

// Running reports whether the sweeper loop is active.
func (s *Sweeper) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

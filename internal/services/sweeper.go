package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grimm.is/chainwall/internal/clock"
	"grimm.is/chainwall/internal/config"
	"grimm.is/chainwall/internal/logging"
	"grimm.is/chainwall/internal/metrics"
)

// SweepTarget is the part of the engine the sweeper drives.
type SweepTarget interface {
	ConntrackSweep(now, timeout uint64) int
	Ticker() *clock.Ticker
}

// Sweeper periodically expires idle connection tracking entries.
type Sweeper struct {
	target   SweepTarget
	logger   *logging.Logger
	registry *metrics.Registry

	mu       sync.Mutex
	interval time.Duration
	timeout  time.Duration
	lastRun  time.Time
	removed  int

	loop loop
}

// NewSweeper creates a sweeper. registry may be nil.
func NewSweeper(target SweepTarget, interval, timeout time.Duration, logger *logging.Logger, registry *metrics.Registry) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		target:   target,
		logger:   logger.WithComponent("sweeper"),
		registry: registry,
		interval: interval,
		timeout:  timeout,
	}
}

func (s *Sweeper) Name() string {
	return "conntrack-sweeper"
}

// Start starts the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	interval := s.interval
	s.mu.Unlock()

	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", interval)
	}
	if !s.loop.start(ctx, interval, func(context.Context) { s.SweepOnce() }) {
		return fmt.Errorf("%s already running", s.Name())
	}
	s.logger.Info("Sweeper started", "interval", interval, "timeout", s.Timeout())
	return nil
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop(ctx context.Context) error {
	return s.loop.stop(ctx)
}

// Reload picks up new conntrack timers. A changed interval restarts a
// running loop.
func (s *Sweeper) Reload(cfg *config.Config) (bool, error) {
	d, err := cfg.ConntrackDurations()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	changed := d.SweepInterval != s.interval
	s.interval = d.SweepInterval
	s.timeout = d.Timeout
	s.mu.Unlock()

	if !changed || !s.loop.isRunning() {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.loop.restart(ctx, s.Start); err != nil {
		return false, err
	}
	return true, nil
}

// SweepOnce expires idle flows now and returns how many were removed.
func (s *Sweeper) SweepOnce() int {
	ticker := s.target.Ticker()
	timeout := ticker.Ticks(s.Timeout())

	start := time.Now()
	removed := s.target.ConntrackSweep(ticker.Now(), timeout)
	if s.registry != nil {
		s.registry.SweepDuration.Observe(time.Since(start).Seconds())
	}

	s.mu.Lock()
	s.lastRun = start
	s.removed = removed
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("Expired idle flows", "removed", removed)
	}
	return removed
}

// Timeout returns the idle timeout currently applied.
func (s *Sweeper) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Status returns the current status of the sweeper.
func (s *Sweeper) Status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServiceStatus{
		Name:    s.Name(),
		Running: s.loop.isRunning(),
		LastRun: s.lastRun,
	}
}

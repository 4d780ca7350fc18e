package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grimm.is/chainwall/internal/clock"
	"grimm.is/chainwall/internal/config"
	"grimm.is/chainwall/internal/conntrack"
	"grimm.is/chainwall/internal/logging"
	"grimm.is/chainwall/internal/metrics"
	"grimm.is/chainwall/internal/state"
)

// FlowStore is the part of the engine the checkpointer saves and restores.
type FlowStore interface {
	Tracker() *conntrack.Table
	RestoreFlows(flows []conntrack.Flow) (int, error)
}

// Checkpointer saves the connection table to the state store on an
// interval and when stopped, and restores it at startup so established
// sessions survive a restart.
type Checkpointer struct {
	engine   FlowStore
	bucket   *state.ConntrackBucket
	clock    clock.Clock
	logger   *logging.Logger
	registry *metrics.Registry

	mu       sync.Mutex
	interval time.Duration
	ttl      time.Duration
	lastRun  time.Time
	lastErr  error

	loop loop
}

// NewCheckpointer creates a checkpointer. clk and registry may be nil.
func NewCheckpointer(engine FlowStore, bucket *state.ConntrackBucket, interval, ttl time.Duration,
	clk clock.Clock, logger *logging.Logger, registry *metrics.Registry) *Checkpointer {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Checkpointer{
		engine:   engine,
		bucket:   bucket,
		clock:    clk,
		logger:   logger.WithComponent("state"),
		registry: registry,
		interval: interval,
		ttl:      ttl,
	}
}

func (c *Checkpointer) Name() string {
	return "conntrack-checkpoint"
}

// Restore loads the last checkpoint into the tracker. A missing or expired
// checkpoint is not an error.
func (c *Checkpointer) Restore() (int, error) {
	flows, takenAt, skipped, err := c.bucket.Load()
	if errors.Is(err, state.ErrNotFound) {
		c.logger.Info("No conntrack checkpoint to restore")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if skipped > 0 {
		c.logger.Warn("Skipped damaged checkpoint records", "skipped", skipped)
	}

	n, err := c.engine.RestoreFlows(flows)
	c.logger.Info("Restored conntrack checkpoint", "flows", n, "taken_at", takenAt, "age", c.clock.Since(takenAt).Round(time.Second))
	return n, err
}

// Checkpoint writes the current table to the state store.
func (c *Checkpointer) Checkpoint() error {
	flows := c.engine.Tracker().Flows()
	now := c.clock.Now()

	c.mu.Lock()
	ttl := c.ttl
	c.mu.Unlock()

	err := c.bucket.Save(flows, now, ttl)
	if c.registry != nil {
		metrics.RecordResult(c.registry.Checkpoints, err)
	}

	c.mu.Lock()
	c.lastRun = now
	c.lastErr = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("Conntrack checkpoint failed", "error", err)
		return err
	}
	c.logger.Debug("Conntrack checkpoint written", "flows", len(flows))
	return nil
}

// Start starts the checkpoint loop.
func (c *Checkpointer) Start(ctx context.Context) error {
	c.mu.Lock()
	interval := c.interval
	c.mu.Unlock()

	if interval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive, got %v", interval)
	}
	if !c.loop.start(ctx, interval, func(context.Context) { _ = c.Checkpoint() }) {
		return fmt.Errorf("%s already running", c.Name())
	}
	c.logger.Info("Checkpointer started", "interval", interval)
	return nil
}

// Stop stops the loop and writes a final checkpoint.
func (c *Checkpointer) Stop(ctx context.Context) error {
	wasRunning := c.loop.isRunning()
	if err := c.loop.stop(ctx); err != nil {
		return err
	}
	if !wasRunning {
		return nil
	}
	return c.Checkpoint()
}

// Reload picks up new checkpoint timers. A changed interval restarts a
// running loop.
func (c *Checkpointer) Reload(cfg *config.Config) (bool, error) {
	d, err := cfg.ConntrackDurations()
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	changed := d.CheckpointInterval != c.interval
	c.interval = d.CheckpointInterval
	c.ttl = d.CheckpointTTL
	c.mu.Unlock()

	if !changed || !c.loop.isRunning() {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.loop.restart(ctx, c.Start); err != nil {
		return false, err
	}
	return true, nil
}

// Status returns the current status of the checkpointer.
func (c *Checkpointer) Status() ServiceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ServiceStatus{
		Name:    c.Name(),
		Running: c.loop.isRunning(),
		LastRun: c.lastRun,
	}
	if c.lastErr != nil {
		st.Error = c.lastErr.Error()
	}
	return st
}

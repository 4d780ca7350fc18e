// Package services runs the periodic background work of a firewall
// instance: expiring idle flows and checkpointing the connection table.
package services

import (
	"context"
	"sync"
	"time"

	"grimm.is/chainwall/internal/config"
)

// ServiceStatus represents the current state of a service.
type ServiceStatus struct {
	Name    string    `json:"name"`
	Running bool      `json:"running"`
	LastRun time.Time `json:"last_run,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Service defines the standard lifecycle methods for all services.
type Service interface {
	// Name returns the unique name of the service.
	Name() string

	// Reload applies the given configuration to the service.
	// It returns true if the service was restarted, and an error if one occurred.
	Reload(cfg *config.Config) (bool, error)

	// Start starts the service.
	Start(ctx context.Context) error

	// Stop stops the service.
	Stop(ctx context.Context) error

	// Status returns the current status of the service.
	Status() ServiceStatus
}

// loop runs a function on a fixed interval until stopped or until the
// context it was started with ends.
type loop struct {
	mu      sync.Mutex
	parent  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// start launches fn every interval. It returns false if already running.
func (l *loop) start(ctx context.Context, interval time.Duration, fn func(context.Context)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return false
	}

	l.parent = ctx
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.running = true

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return true
}

// stop cancels the loop and waits for it to exit or for ctx to expire.
func (l *loop) stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// restart stops the loop and hands the context of the previous start to
// start, so a restarted loop still ends with its owner.
func (l *loop) restart(ctx context.Context, start func(context.Context) error) error {
	l.mu.Lock()
	parent := l.parent
	l.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	if err := l.stop(ctx); err != nil {
		return err
	}
	return start(parent)
}

func (l *loop) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

package hook

import (
	"context"
	"strconv"
	"sync"

	"grimm.is/chainwall/internal/logging"
	"grimm.is/chainwall/internal/metrics"
)

const (
	DefaultMaxQueueLen  = 1024
	DefaultMaxPacketLen = 128
)

// QueueConfig selects the kernel queue a Queue binds to.
type QueueConfig struct {
	Num         uint16
	MaxQueueLen uint32
	// MaxPacketLen is how much of each packet the kernel copies to us.
	// Headers are all the engine needs.
	MaxPacketLen uint32
}

// verdictConn is the part of the kernel queue a Queue uses after setup.
type verdictConn interface {
	SetVerdict(id uint32, verdict int) error
	Close() error
}

// Queue feeds packets from one kernel queue through a Handler and returns
// the verdicts. The kernel delivers a queue's packets on one goroutine, so
// the Handler's decoder is never shared.
type Queue struct {
	cfg      QueueConfig
	handler  *Handler
	logger   *logging.Logger
	verdErrs interface{ Inc() }

	mu      sync.Mutex
	conn    verdictConn
	cancel  context.CancelFunc
	running bool
}

// NewQueue creates a queue reader. reg may be nil.
func NewQueue(cfg QueueConfig, h *Handler, logger *logging.Logger, reg *metrics.Registry) *Queue {
	if cfg.MaxQueueLen == 0 {
		cfg.MaxQueueLen = DefaultMaxQueueLen
	}
	if cfg.MaxPacketLen == 0 {
		cfg.MaxPacketLen = DefaultMaxPacketLen
	}
	if logger == nil {
		logger = logging.Default()
	}
	q := &Queue{
		cfg:     cfg,
		handler: h,
		logger: logger.WithComponent("hook").WithFields(map[string]any{
			"queue":     cfg.Num,
			"direction": h.Direction().String(),
		}),
	}
	if reg != nil {
		q.verdErrs = reg.HookVerdictErrs.WithLabelValues(strconv.Itoa(int(cfg.Num)))
	}
	return q
}

// Name identifies the queue in logs and status output.
func (q *Queue) Name() string {
	return "nfqueue-" + strconv.Itoa(int(q.cfg.Num))
}

// IsRunning reports whether the queue is bound.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Stats returns the handler's counters.
func (q *Queue) Stats() StatsSnapshot {
	return q.handler.Snapshot()
}

// Stop unbinds the queue. Packets still queued in the kernel are
// released according to the queue's bypass setting.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	q.running = false
	q.cancel()
	if err := q.conn.Close(); err != nil {
		q.logger.Warn("Failed to close queue", "error", err)
	}
	q.conn = nil
	q.logger.Info("Queue stopped")
}

func (q *Queue) verdictFailed(id uint32, err error) {
	q.handler.stats.VerdictErrs.Add(1)
	if q.verdErrs != nil {
		q.verdErrs.Inc()
	}
	q.logger.Warn("Failed to set verdict", "packet_id", id, "error", err)
}

package firewall

import (
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/chainwall/internal/clock"
	"grimm.is/chainwall/internal/conntrack"
	"grimm.is/chainwall/internal/errors"
	"grimm.is/chainwall/internal/events"
	"grimm.is/chainwall/internal/logging"
	"grimm.is/chainwall/internal/metrics"
)

const (
	DefaultMaxRules         = 1024
	DefaultMaxChains        = 8
	DefaultBuiltinChainSize = 256
)

// Options configures an Engine.
type Options struct {
	MaxRules         int
	MaxChains        int
	BuiltinChainSize int

	// Default policies of the built-in chains.
	InboundPolicy  Verdict
	OutboundPolicy Verdict

	Conntrack      conntrack.Options
	Clock          clock.Clock
	TickResolution time.Duration

	Storage Storage
	Logger  *logging.Logger
	Events  *events.Hub
}

// DefaultOptions returns the default engine configuration.
func DefaultOptions() Options {
	return Options{
		MaxRules:         DefaultMaxRules,
		MaxChains:        DefaultMaxChains,
		BuiltinChainSize: DefaultBuiltinChainSize,
		InboundPolicy:    VerdictAllow,
		OutboundPolicy:   VerdictAllow,
		Conntrack:        conntrack.DefaultOptions(),
		TickResolution:   clock.DefaultTickResolution,
		Storage:          FileStorage{},
	}
}

// slot is one entry of the rule table. Slots never move; a freed slot is
// marked unused and may be reused by a later add to the same chain.
type slot struct {
	rule  Rule
	inUse bool

	// Each counter is exact on its own. They are bumped one after the
	// other, so a concurrent reader may see a hit whose bytes are not
	// added yet.
	hits  atomic.Uint64
	bytes atomic.Uint64
}

func (s *slot) reset() {
	s.rule = Rule{}
	s.inUse = false
	s.hits.Store(0)
	s.bytes.Store(0)
}

func (s *slot) info(idx int) RuleInfo {
	return RuleInfo{
		Rule:  s.rule,
		Index: idx,
		Hits:  s.hits.Load(),
		Bytes: s.bytes.Load(),
	}
}

// chain owns the reserved region [start, start+capacity) of the table.
// Rules live in [start, start+count).
type chain struct {
	name     string
	start    int
	count    int
	capacity int
	builtIn  bool
	dir      Direction // meaningful for built-ins only
	policy   Verdict
}

func (c *chain) end() int { return c.start + c.count }

func (c *chain) info(slots []slot) ChainInfo {
	inUse := 0
	for i := c.start; i < c.end(); i++ {
		if slots[i].inUse {
			inUse++
		}
	}
	return ChainInfo{
		Name:     c.name,
		Start:    c.start,
		Count:    c.count,
		Capacity: c.capacity,
		BuiltIn:  c.builtIn,
		Policy:   c.policy,
		InUse:    inUse,
	}
}

// Engine is a firewall instance: rule table, chains, connection tracker and
// counters.
type Engine struct {
	mu        sync.RWMutex
	slots     []slot
	chains    map[string]*chain
	builtin   [2]*chain
	maxChains int
	serial    string

	tracker  *conntrack.Table
	ticker   *clock.Ticker
	counters *metrics.Counters
	storage  Storage
	logger   *logging.Logger
	hub      *events.Hub
	closed   atomic.Bool
}

// New creates an engine with empty built-in chains.
func New(opts Options) (*Engine, error) {
	if opts.MaxRules <= 0 {
		return nil, errors.Errorf(errors.KindInvalidArgument, "max rules must be positive, got %d", opts.MaxRules)
	}
	if opts.MaxChains < 2 {
		return nil, errors.Errorf(errors.KindInvalidArgument, "max chains must be at least 2, got %d", opts.MaxChains)
	}
	if opts.BuiltinChainSize <= 0 || 2*opts.BuiltinChainSize > opts.MaxRules {
		return nil, errors.Errorf(errors.KindInvalidArgument,
			"built-in chain size %d does not fit twice in %d rules", opts.BuiltinChainSize, opts.MaxRules)
	}
	if !opts.InboundPolicy.valid() || !opts.OutboundPolicy.valid() {
		return nil, errors.New(errors.KindInvalidArgument, "invalid built-in chain policy")
	}

	tracker, err := conntrack.New(opts.Conntrack)
	if err != nil {
		return nil, err
	}

	if opts.Storage == nil {
		opts.Storage = FileStorage{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	e := &Engine{
		slots:     make([]slot, opts.MaxRules),
		maxChains: opts.MaxChains,
		tracker:   tracker,
		ticker:    clock.NewTicker(opts.Clock, opts.TickResolution),
		counters:  metrics.NewCounters(),
		storage:   opts.Storage,
		logger:    opts.Logger.WithComponent("firewall"),
		hub:       opts.Events,
	}
	e.chains, e.builtin = newBuiltinChains(opts.BuiltinChainSize, opts.InboundPolicy, opts.OutboundPolicy)

	return e, nil
}

func newBuiltinChains(size int, in, out Verdict) (map[string]*chain, [2]*chain) {
	inbound := &chain{name: ChainInbound, start: 0, capacity: size, builtIn: true, dir: Inbound, policy: in}
	outbound := &chain{name: ChainOutbound, start: size, capacity: size, builtIn: true, dir: Outbound, policy: out}
	return map[string]*chain{
		ChainInbound:  inbound,
		ChainOutbound: outbound,
	}, [2]*chain{inbound, outbound}
}

// Shutdown releases the engine. Afterwards control-path calls fail and every
// packet is dropped.
func (e *Engine) Shutdown() {
	if e.closed.Swap(true) {
		return
	}

	e.mu.Lock()
	for i := range e.slots {
		e.slots[i].reset()
	}
	for name, c := range e.chains {
		if !c.builtIn {
			delete(e.chains, name)
		}
		c.count = 0
	}
	e.mu.Unlock()

	e.counters.SetRulesActive(0)
	e.counters.ConnsReclaimed(e.tracker.Flush())
	e.logger.Info("Engine shut down")
}

// Closed reports whether Shutdown has been called.
func (e *Engine) Closed() bool {
	return e.closed.Load()
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return errors.New(errors.KindInternal, "engine is shut down")
	}
	return nil
}

// Metrics returns a snapshot of the counters.
func (e *Engine) Metrics() metrics.Snapshot {
	return e.counters.Snapshot()
}

// RuleStats returns the live counters of every rule in use.
func (e *Engine) RuleStats() []metrics.RuleStat {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []metrics.RuleStat
	for i := range e.slots {
		s := &e.slots[i]
		if !s.inUse {
			continue
		}
		out = append(out, metrics.RuleStat{
			Index:  i,
			Chain:  s.rule.Chain,
			Name:   s.rule.Name,
			Action: s.rule.Action.String(),
			Hits:   s.hits.Load(),
			Bytes:  s.bytes.Load(),
		})
	}
	return out
}

// Tracker returns the connection tracker.
func (e *Engine) Tracker() *conntrack.Table {
	return e.tracker
}

// Ticker returns the tick source used to stamp tracked flows.
func (e *Engine) Ticker() *clock.Ticker {
	return e.ticker
}

// Counters returns the live counter set.
func (e *Engine) Counters() *metrics.Counters {
	return e.counters
}

// MaxRules returns the size of the rule table.
func (e *Engine) MaxRules() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.slots)
}

// Serial returns the serial of the ruleset last loaded or saved.
func (e *Engine) Serial() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.serial
}

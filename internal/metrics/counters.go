// Package metrics holds the process-wide firewall counters and their
// Prometheus export.
package metrics

import "sync/atomic"

// Counters is the set of monotonic firewall counters. Every field is updated
// with atomic operations so the packet path never takes a lock to count.
type Counters struct {
	packetsInspected atomic.Uint64
	packetsDropped   atomic.Uint64
	packetsAccepted  atomic.Uint64
	packetsRejected  atomic.Uint64
	rulesDefined     atomic.Uint64
	rulesMatched     atomic.Uint64
	connsTracked     atomic.Uint64
	connsReclaimed   atomic.Uint64
	connInsertFailed atomic.Uint64
	failSafeDrops    atomic.Uint64

	rulesActive atomic.Int64
	connsActive atomic.Int64
}

// Snapshot is a point-in-time copy of the counters. Each field is read
// atomically; the snapshot as a whole is not a cross-counter transaction.
type Snapshot struct {
	PacketsInspected uint64 `json:"packets_inspected" yaml:"packets_inspected"`
	PacketsDropped   uint64 `json:"packets_dropped" yaml:"packets_dropped"`
	PacketsAccepted  uint64 `json:"packets_accepted" yaml:"packets_accepted"`
	PacketsRejected  uint64 `json:"packets_rejected" yaml:"packets_rejected"`
	RulesDefined     uint64 `json:"rules_defined" yaml:"rules_defined"`
	RulesMatched     uint64 `json:"rules_matched" yaml:"rules_matched"`
	ConnsTracked     uint64 `json:"connections_tracked" yaml:"connections_tracked"`
	ConnsReclaimed   uint64 `json:"connections_reclaimed" yaml:"connections_reclaimed"`
	ConnInsertFailed uint64 `json:"connection_insert_failed" yaml:"connection_insert_failed"`
	FailSafeDrops    uint64 `json:"fail_safe_drops" yaml:"fail_safe_drops"`

	RulesActive int64 `json:"rules_active" yaml:"rules_active"`
	ConnsActive int64 `json:"connections_active" yaml:"connections_active"`
}

// RuleStat carries the live counters of one rule slot.
type RuleStat struct {
	Index  int    `json:"index" yaml:"index"`
	Chain  string `json:"chain" yaml:"chain"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Action string `json:"action" yaml:"action"`
	Hits   uint64 `json:"hits" yaml:"hits"`
	Bytes  uint64 `json:"bytes" yaml:"bytes"`
}

// Source is anything that can report counters and per-rule statistics.
type Source interface {
	Metrics() Snapshot
	RuleStats() []RuleStat
}

// NewCounters returns a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) PacketInspected() { c.packetsInspected.Add(1) }
func (c *Counters) PacketDropped()   { c.packetsDropped.Add(1) }
func (c *Counters) PacketAccepted()  { c.packetsAccepted.Add(1) }
func (c *Counters) PacketRejected()  { c.packetsRejected.Add(1) }
func (c *Counters) RuleMatched()     { c.rulesMatched.Add(1) }
func (c *Counters) FailSafeDrop()    { c.failSafeDrops.Add(1) }
func (c *Counters) InsertFailed()    { c.connInsertFailed.Add(1) }

// RuleAdded records a rule definition and bumps the active gauge.
func (c *Counters) RuleAdded() {
	c.rulesDefined.Add(1)
	c.rulesActive.Add(1)
}

// RulesRemoved lowers the active rule gauge by n.
func (c *Counters) RulesRemoved(n int) {
	c.rulesActive.Add(-int64(n))
}

// RulesLoaded records n rules defined by a bulk load, which replaces every
// rule previously active.
func (c *Counters) RulesLoaded(n int) {
	c.rulesDefined.Add(uint64(n))
	c.rulesActive.Store(int64(n))
}

// SetRulesActive replaces the active rule gauge, used after a bulk load.
func (c *Counters) SetRulesActive(n int) {
	c.rulesActive.Store(int64(n))
}

// ConnTracked records a new tracker entry.
func (c *Counters) ConnTracked() {
	c.connsTracked.Add(1)
	c.connsActive.Add(1)
}

// ConnsReclaimed records n entries removed by a sweep or delete.
func (c *Counters) ConnsReclaimed(n int) {
	if n <= 0 {
		return
	}
	c.connsReclaimed.Add(uint64(n))
	c.connsActive.Add(-int64(n))
}

// SetConnsActive replaces the active connection gauge, used after a restore.
func (c *Counters) SetConnsActive(n int) {
	c.connsActive.Store(int64(n))
}

// Snapshot reads every counter.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		PacketsInspected: c.packetsInspected.Load(),
		PacketsDropped:   c.packetsDropped.Load(),
		PacketsAccepted:  c.packetsAccepted.Load(),
		PacketsRejected:  c.packetsRejected.Load(),
		RulesDefined:     c.rulesDefined.Load(),
		RulesMatched:     c.rulesMatched.Load(),
		ConnsTracked:     c.connsTracked.Load(),
		ConnsReclaimed:   c.connsReclaimed.Load(),
		ConnInsertFailed: c.connInsertFailed.Load(),
		FailSafeDrops:    c.failSafeDrops.Load(),
		RulesActive:      c.rulesActive.Load(),
		ConnsActive:      c.connsActive.Load(),
	}
}

// Package events provides the pub/sub event bus for chainwall.
// Rule LOG matches, flow lifecycle and ruleset changes flow through this hub.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	// Rule events
	EventRuleLog EventType = "rule.log" // LOG action matched

	// Connection tracking events
	EventFlowNew     EventType = "flow.new"
	EventFlowExpired EventType = "flow.expired" // Sweep summary

	// Ruleset events
	EventRulesetLoaded  EventType = "ruleset.loaded"
	EventRulesetSaved   EventType = "ruleset.saved"
	EventRulesetFlushed EventType = "ruleset.flushed"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // Component that emitted: "firewall", "conntrack", "hook"
	Data      any       `json:"data"`   // Type-specific payload
}

// ──────────────────────────────────────────────────────────────────────────────
// Type-Specific Payloads
// ──────────────────────────────────────────────────────────────────────────────

// RuleLogData is the payload for EventRuleLog.
type RuleLogData struct {
	Index     int    `json:"index"`
	Chain     string `json:"chain"`
	Name      string `json:"name,omitempty"`
	Direction string `json:"direction"`
	SrcIP     string `json:"src_ip"`
	DstIP     string `json:"dst_ip"`
	SrcPort   uint16 `json:"src_port,omitempty"`
	DstPort   uint16 `json:"dst_port,omitempty"`
	Protocol  uint8  `json:"protocol"`
	State     string `json:"state"`
	Bytes     uint32 `json:"bytes,omitempty"`
}

// FlowData is the payload for EventFlowNew.
type FlowData struct {
	Direction string `json:"direction"`
	SrcIP     string `json:"src_ip"`
	DstIP     string `json:"dst_ip"`
	SrcPort   uint16 `json:"src_port,omitempty"`
	DstPort   uint16 `json:"dst_port,omitempty"`
	Protocol  uint8  `json:"protocol"`
}

// SweepData is the payload for EventFlowExpired.
type SweepData struct {
	Removed   int    `json:"removed"`
	Remaining int    `json:"remaining"`
	Now       uint64 `json:"now"`
	Timeout   uint64 `json:"timeout"`
}

// RulesetData is the payload for ruleset events.
type RulesetData struct {
	Path   string `json:"path,omitempty"`
	Serial string `json:"serial,omitempty"`
	Rules  int    `json:"rules"`
	Chains int    `json:"chains"`
}

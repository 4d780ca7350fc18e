// Package firewall implements the chain-based stateful packet filter.
//
// # Overview
//
// An [Engine] owns a fixed-capacity rule table, the chains that partition it
// and a connection tracker. Packets are judged by walking a chain in index
// order until a terminal rule matches; the chain's default policy applies
// when none does.
//
// # Architecture
//
//	hook (nfqueue, pcap) → Engine.Inspect → chain walk → Matches → Verdict
//	                                          ↓
//	                                   conntrack.Table
//
// # Key Types
//
//   - [Engine]: rule store, dispatcher and persistence entry point
//   - [Rule]: match criteria plus an [Action]
//   - [Packet]: pre-parsed header fields of one IPv4 packet
//   - [Verdict]: allow, drop or reject
//
// # Chains
//
// Two built-in chains exist for the life of an engine: "inbound" and
// "outbound". Each owns a fixed region of the rule table. User chains get a
// region carved out of the remaining space when they are created and are
// only evaluated through [Engine.ApplyRules].
//
// # Concurrency
//
// Inspect and ApplyRules hold the rule table's read lock for the duration of
// a chain walk; every control-path mutation takes the write lock. Rule hit
// counters are atomics. The connection tracker has its own per-bucket locks.
//
// # Example
//
//	eng, _ := firewall.New(firewall.DefaultOptions())
//	eng.AddRule(firewall.Rule{
//		Match:     firewall.MatchDstPort | firewall.MatchProto,
//		DstPort:   80,
//		Proto:     firewall.ProtoTCP,
//		Direction: firewall.Inbound,
//		Action:    firewall.ActionDrop,
//		Enabled:   true,
//	})
//	v := eng.Inspect(pkt)
package firewall

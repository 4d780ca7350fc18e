package firewall

import (
	"grimm.is/chainwall/internal/conntrack"
	"grimm.is/chainwall/internal/events"
)

// Inspect judges a packet against the built-in chain for its direction.
func (e *Engine) Inspect(pkt Packet) Verdict {
	return e.ApplyRules(pkt.Direction.Chain(), pkt)
}

// ApplyRules walks the named chain and returns the verdict for pkt.
//
// Rules are evaluated in index order. LOG matches are recorded and the walk
// continues; ACCEPT, DROP and REJECT end it; RETURN ends it with the chain's
// default policy, which also applies when nothing matches. An allowed packet
// creates or refreshes its connection tracking entry.
//
// Every call counts one inspected packet and exactly one verdict. An unknown
// chain or a damaged table yields DROP.
func (e *Engine) ApplyRules(chainName string, pkt Packet) Verdict {
	e.counters.PacketInspected()

	if e.closed.Load() {
		return e.failSafe("engine shut down", chainName)
	}

	key := pkt.Key()
	state, _ := e.tracker.Peek(key)

	e.mu.RLock()
	c := e.chains[chainName]
	v, ok := e.walk(c, &pkt, state)
	e.mu.RUnlock()

	if !ok {
		return e.failSafe("chain unavailable", chainName)
	}

	if v == VerdictAllow {
		e.track(key, &pkt)
	}
	e.countVerdict(v)
	return v
}

// walk evaluates c. Caller holds e.mu for reading.
func (e *Engine) walk(c *chain, pkt *Packet, state conntrack.State) (Verdict, bool) {
	if c == nil {
		return VerdictDrop, false
	}
	end := c.end()
	if !invariant(c.start >= 0 && c.count <= c.capacity && end <= len(e.slots),
		"chain %q range [%d,%d) capacity %d outside table of %d", c.name, c.start, end, c.capacity, len(e.slots)) {
		return VerdictDrop, false
	}

	for i := c.start; i < end; i++ {
		s := &e.slots[i]
		if !s.inUse || !s.rule.Enabled || !Matches(&s.rule, pkt, state) {
			continue
		}

		s.hits.Add(1)
		s.bytes.Add(uint64(pkt.Length))
		e.counters.RuleMatched()

		switch s.rule.Action {
		case ActionLog:
			e.logMatch(i, s, pkt, state)
			continue
		case ActionAccept:
			return VerdictAllow, true
		case ActionDrop:
			return VerdictDrop, true
		case ActionReject:
			return VerdictReject, true
		case ActionReturn:
			return c.policy, true
		default:
			invariant(false, "rule %d has unknown action %d", i, s.rule.Action)
			return VerdictDrop, false
		}
	}
	return c.policy, true
}

func (e *Engine) track(key conntrack.Key, pkt *Packet) {
	created, err := e.tracker.Track(key, e.ticker.Now(), pkt.Length)
	if err != nil {
		e.counters.InsertFailed()
		return
	}
	if !created {
		return
	}
	e.counters.ConnTracked()
	if e.hub != nil {
		e.hub.Publish(events.Event{
			Type:   events.EventFlowNew,
			Source: "conntrack",
			Data: events.FlowData{
				Direction: pkt.Direction.String(),
				SrcIP:     FormatIPv4(pkt.SrcIP),
				DstIP:     FormatIPv4(pkt.DstIP),
				SrcPort:   pkt.SrcPort,
				DstPort:   pkt.DstPort,
				Protocol:  pkt.Proto,
			},
		})
	}
}

func (e *Engine) countVerdict(v Verdict) {
	switch v {
	case VerdictAllow:
		e.counters.PacketAccepted()
	case VerdictReject:
		e.counters.PacketRejected()
	default:
		e.counters.PacketDropped()
	}
}

func (e *Engine) failSafe(reason, chainName string) Verdict {
	e.counters.FailSafeDrop()
	e.counters.PacketDropped()
	e.logger.Warn("Fail-safe drop", "reason", reason, "chain", chainName)
	return VerdictDrop
}

// logMatch reports a LOG rule hit. Called with e.mu held for reading.
func (e *Engine) logMatch(idx int, s *slot, pkt *Packet, state conntrack.State) {
	data := events.RuleLogData{
		Index:     idx,
		Chain:     s.rule.Chain,
		Name:      s.rule.Name,
		Direction: pkt.Direction.String(),
		SrcIP:     FormatIPv4(pkt.SrcIP),
		DstIP:     FormatIPv4(pkt.DstIP),
		SrcPort:   pkt.SrcPort,
		DstPort:   pkt.DstPort,
		Protocol:  pkt.Proto,
		State:     state.String(),
		Bytes:     pkt.Length,
	}
	e.logger.Info("Rule matched",
		"index", idx,
		"chain", data.Chain,
		"rule", data.Name,
		"proto", ProtoName(pkt.Proto),
		"src", data.SrcIP,
		"sport", pkt.SrcPort,
		"dst", data.DstIP,
		"dport", pkt.DstPort,
		"state", data.State,
	)
	if e.hub != nil {
		e.hub.Publish(events.Event{Type: events.EventRuleLog, Source: "firewall", Data: data})
	}
}

// ConntrackSweep expires flows idle for more than timeout ticks as of now
// and returns the number removed.
func (e *Engine) ConntrackSweep(now, timeout uint64) int {
	removed := e.tracker.Sweep(now, timeout)
	e.counters.ConnsReclaimed(removed)
	if removed > 0 {
		e.logger.Debug("Conntrack sweep", "removed", removed, "remaining", e.tracker.Len())
		if e.hub != nil {
			e.hub.Publish(events.Event{
				Type:   events.EventFlowExpired,
				Source: "conntrack",
				Data: events.SweepData{
					Removed:   removed,
					Remaining: e.tracker.Len(),
					Now:       now,
					Timeout:   timeout,
				},
			})
		}
	}
	return removed
}

// MarkRelated flags the flow of pkt as RELATED, for use by protocol helpers
// that recognise auxiliary connections. Returns false if the flow is unknown.
func (e *Engine) MarkRelated(pkt Packet) bool {
	return e.tracker.MarkRelated(pkt.Key())
}

// RestoreFlows seeds the tracker with flows from a checkpoint or the kernel.
// Restored flows are stamped as seen at the current tick.
func (e *Engine) RestoreFlows(flows []conntrack.Flow) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	n, err := e.tracker.Restore(flows, e.ticker.Now())
	e.counters.SetConnsActive(e.tracker.Len())
	if n > 0 {
		e.logger.Info("Restored tracked flows", "restored", n, "offered", len(flows))
	}
	return n, err
}

package firewall

import (
	"sort"

	"grimm.is/chainwall/internal/errors"
	"grimm.is/chainwall/internal/events"
)

// AddRule stores r and returns its index. An empty r.Chain selects the
// built-in chain for r.Direction. The rule is appended after the chain's
// last rule; when the chain's region is exhausted the lowest freed slot in
// the chain is reused.
func (e *Engine) AddRule(r Rule) (int, error) {
	if err := e.checkOpen(); err != nil {
		return -1, err
	}
	if err := validateRule(&r); err != nil {
		return -1, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.chainFor(&r)
	if err != nil {
		return -1, err
	}

	idx, err := e.allocate(c)
	if err != nil {
		return -1, err
	}

	r.Chain = c.name
	s := &e.slots[idx]
	s.rule = r
	s.inUse = true
	s.hits.Store(0)
	s.bytes.Store(0)

	e.counters.RuleAdded()
	e.logger.Debug("Rule added", "index", idx, "chain", c.name, "action", r.Action.String())
	return idx, nil
}

// chainFor resolves the chain a rule belongs to. Caller holds e.mu.
func (e *Engine) chainFor(r *Rule) (*chain, error) {
	if r.Chain == "" {
		return e.builtin[r.Direction], nil
	}
	c, ok := e.chains[r.Chain]
	if !ok {
		return nil, errors.Errorf(errors.KindOutOfRange, "chain %q does not exist", r.Chain)
	}
	if c.builtIn && c.dir != r.Direction {
		return nil, errors.Errorf(errors.KindInvalidArgument,
			"%s rule cannot be placed in built-in chain %q", r.Direction, c.name)
	}
	return c, nil
}

// allocate picks a free slot for c. Caller holds e.mu.
func (e *Engine) allocate(c *chain) (int, error) {
	if c.count < c.capacity {
		idx := c.end()
		c.count++
		return idx, nil
	}
	for i := c.start; i < c.end(); i++ {
		if !e.slots[i].inUse {
			return i, nil
		}
	}
	return -1, errors.Errorf(errors.KindTableFull, "chain %q is full (%d rules)", c.name, c.capacity)
}

// slotAt returns the in-use slot at idx. Caller holds e.mu.
func (e *Engine) slotAt(idx int) (*slot, error) {
	if idx < 0 || idx >= len(e.slots) || !e.slots[idx].inUse {
		return nil, errors.Attr(errors.Errorf(errors.KindOutOfRange, "no rule at index %d", idx), "index", idx)
	}
	return &e.slots[idx], nil
}

// DeleteRule frees the slot at idx. Other rules keep their indices.
func (e *Engine) DeleteRule(idx int) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.slotAt(idx)
	if err != nil {
		return err
	}
	c := e.chains[s.rule.Chain]
	s.reset()

	// Trailing free slots drop out of the chain's range.
	if c != nil {
		for c.count > 0 && !e.slots[c.end()-1].inUse {
			c.count--
		}
	}

	e.counters.RulesRemoved(1)
	e.logger.Debug("Rule deleted", "index", idx)
	return nil
}

// EnableRule turns the rule at idx on or off.
func (e *Engine) EnableRule(idx int, enabled bool) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.slotAt(idx)
	if err != nil {
		return err
	}
	s.rule.Enabled = enabled
	return nil
}

// GetRule returns the rule at idx with its counters.
func (e *Engine) GetRule(idx int) (RuleInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, err := e.slotAt(idx)
	if err != nil {
		return RuleInfo{}, err
	}
	return s.info(idx), nil
}

// ReplaceRule overwrites the rule at idx in place. The rule stays in its
// chain; naming a different chain is an error. Counters restart at zero.
func (e *Engine) ReplaceRule(idx int, r Rule) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateRule(&r); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.slotAt(idx)
	if err != nil {
		return err
	}
	owner := s.rule.Chain
	if r.Chain != "" && r.Chain != owner {
		return errors.Errorf(errors.KindInvalidArgument, "rule %d belongs to chain %q, not %q", idx, owner, r.Chain)
	}
	if c := e.chains[owner]; c != nil && c.builtIn && c.dir != r.Direction {
		return errors.Errorf(errors.KindInvalidArgument,
			"%s rule cannot be placed in built-in chain %q", r.Direction, owner)
	}

	r.Chain = owner
	s.rule = r
	s.hits.Store(0)
	s.bytes.Store(0)
	return nil
}

// Flush removes every rule and every user chain. Built-in chains keep their
// regions and policies.
func (e *Engine) Flush() error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	e.mu.Lock()
	removed := 0
	for i := range e.slots {
		if e.slots[i].inUse {
			removed++
		}
		e.slots[i].reset()
	}
	for name, c := range e.chains {
		if !c.builtIn {
			delete(e.chains, name)
			continue
		}
		c.count = 0
	}
	e.mu.Unlock()

	e.counters.SetRulesActive(0)
	e.logger.Audit("flush", "ruleset", map[string]any{"rules_removed": removed})
	e.publish(events.EventRulesetFlushed, events.RulesetData{Rules: 0, Chains: 2})
	return nil
}

// Rules returns every rule in use, in index order.
func (e *Engine) Rules() []RuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []RuleInfo
	for i := range e.slots {
		if e.slots[i].inUse {
			out = append(out, e.slots[i].info(i))
		}
	}
	return out
}

// ChainRules returns the rules of one chain in evaluation order.
func (e *Engine) ChainRules(name string) ([]RuleInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, ok := e.chains[name]
	if !ok {
		return nil, errors.Errorf(errors.KindOutOfRange, "chain %q does not exist", name)
	}
	var out []RuleInfo
	for i := c.start; i < c.end(); i++ {
		if e.slots[i].inUse {
			out = append(out, e.slots[i].info(i))
		}
	}
	return out, nil
}

// Chains lists every chain ordered by region start.
func (e *Engine) Chains() []ChainInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.chainInfos()
}

// chainInfos lists chains by region start. Caller holds e.mu.
func (e *Engine) chainInfos() []ChainInfo {
	out := make([]ChainInfo, 0, len(e.chains))
	for _, c := range e.chains {
		out = append(out, c.info(e.slots))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (e *Engine) publish(t events.EventType, data any) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(events.Event{Type: t, Source: "firewall", Data: data})
}

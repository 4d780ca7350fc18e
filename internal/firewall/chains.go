package firewall

import (
	"sort"

	"grimm.is/chainwall/internal/errors"
)

// AddChain creates a user chain with room for capacity rules. Its region is
// the first gap in the table large enough to hold it.
func (e *Engine) AddChain(name string, capacity int, policy Verdict) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateChainName(name); err != nil {
		return err
	}
	if capacity <= 0 {
		return errors.Errorf(errors.KindInvalidArgument, "chain capacity must be positive, got %d", capacity)
	}
	if !policy.valid() {
		return errors.Errorf(errors.KindInvalidArgument, "invalid policy %d", policy)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.chains[name]; exists {
		return errors.Errorf(errors.KindAlreadyExists, "chain %q already exists", name)
	}
	if len(e.chains) >= e.maxChains {
		return errors.Errorf(errors.KindTableFull, "chain limit %d reached", e.maxChains)
	}

	start, ok := e.findRegion(capacity)
	if !ok {
		return errors.Errorf(errors.KindTableFull, "no free region of %d rules", capacity)
	}

	e.chains[name] = &chain{
		name:     name,
		start:    start,
		capacity: capacity,
		policy:   policy,
	}
	e.logger.Info("Chain created", "chain", name, "start", start, "capacity", capacity)
	return nil
}

// findRegion returns the start of the first free gap of at least n slots.
// Caller holds e.mu.
func (e *Engine) findRegion(n int) (int, bool) {
	regions := make([]*chain, 0, len(e.chains))
	for _, c := range e.chains {
		regions = append(regions, c)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })

	next := 0
	for _, c := range regions {
		if c.start-next >= n {
			return next, true
		}
		if end := c.start + c.capacity; end > next {
			next = end
		}
	}
	if len(e.slots)-next >= n {
		return next, true
	}
	return 0, false
}

// userChain returns a non-built-in chain. Caller holds e.mu.
func (e *Engine) userChain(name string) (*chain, error) {
	c, ok := e.chains[name]
	if !ok {
		return nil, errors.Errorf(errors.KindOutOfRange, "chain %q does not exist", name)
	}
	if c.builtIn {
		return nil, errors.Errorf(errors.KindBuiltinProtected, "chain %q is built in", name)
	}
	return c, nil
}

// DeleteChain removes a user chain together with its rules.
func (e *Engine) DeleteChain(name string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.userChain(name)
	if err != nil {
		return err
	}
	removed := e.clearChain(c)
	delete(e.chains, name)

	e.counters.RulesRemoved(removed)
	e.logger.Info("Chain deleted", "chain", name, "rules_removed", removed)
	return nil
}

// RenameChain renames a user chain. Its rules follow it.
func (e *Engine) RenameChain(oldName, newName string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateChainName(newName); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.userChain(oldName)
	if err != nil {
		return err
	}
	if _, exists := e.chains[newName]; exists {
		return errors.Errorf(errors.KindAlreadyExists, "chain %q already exists", newName)
	}

	for i := c.start; i < c.end(); i++ {
		if e.slots[i].inUse {
			e.slots[i].rule.Chain = newName
		}
	}
	delete(e.chains, oldName)
	c.name = newName
	e.chains[newName] = c
	return nil
}

// FlushChain removes every rule from one chain. The chain itself stays.
func (e *Engine) FlushChain(name string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.chains[name]
	if !ok {
		return errors.Errorf(errors.KindOutOfRange, "chain %q does not exist", name)
	}
	removed := e.clearChain(c)
	e.counters.RulesRemoved(removed)
	return nil
}

// clearChain frees every slot of c and returns how many were in use.
// Caller holds e.mu.
func (e *Engine) clearChain(c *chain) int {
	removed := 0
	for i := c.start; i < c.end(); i++ {
		if e.slots[i].inUse {
			removed++
		}
		e.slots[i].reset()
	}
	c.count = 0
	return removed
}

// SetChainPolicy changes the verdict used when no terminal rule matches.
func (e *Engine) SetChainPolicy(name string, policy Verdict) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if !policy.valid() {
		return errors.Errorf(errors.KindInvalidArgument, "invalid policy %d", policy)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.chains[name]
	if !ok {
		return errors.Errorf(errors.KindOutOfRange, "chain %q does not exist", name)
	}
	c.policy = policy
	return nil
}

// Chain returns one chain's description.
func (e *Engine) Chain(name string) (ChainInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, ok := e.chains[name]
	if !ok {
		return ChainInfo{}, errors.Errorf(errors.KindOutOfRange, "chain %q does not exist", name)
	}
	return c.info(e.slots), nil
}

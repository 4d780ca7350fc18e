package firewall

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/chainwall/internal/errors"
	"grimm.is/chainwall/internal/events"
)

// RulesFormatVersion is the version written to and required of rule files.
const RulesFormatVersion = 1

// ruleFile is the on-disk layout of a saved ruleset. Hit and byte counters
// are never persisted.
type ruleFile struct {
	FormatVersion int          `hcl:"format_version"`
	Serial        string       `hcl:"serial,optional"`
	MaxRules      int          `hcl:"max_rules,optional"`
	RuleCount     int          `hcl:"rule_count"`
	Chains        []chainBlock `hcl:"chain,block"`
	Rules         []ruleBlock  `hcl:"rule,block"`
}

type chainBlock struct {
	Name     string `hcl:"name,label"`
	BuiltIn  bool   `hcl:"builtin,optional"`
	Start    int    `hcl:"start"`
	Capacity int    `hcl:"capacity"`
	Count    int    `hcl:"count"`
	Policy   string `hcl:"policy"`
}

type ruleBlock struct {
	Index     int      `hcl:"index"`
	Chain     string   `hcl:"chain"`
	Name      string   `hcl:"name,optional"`
	Match     []string `hcl:"match,optional"`
	Src       string   `hcl:"src,optional"`
	Dst       string   `hcl:"dst,optional"`
	SrcPort   int      `hcl:"src_port,optional"`
	DstPort   int      `hcl:"dst_port,optional"`
	Proto     int      `hcl:"proto,optional"`
	Direction string   `hcl:"direction"`
	States    []string `hcl:"states,optional"`
	Action    string   `hcl:"action"`
	Enabled   bool     `hcl:"enabled"`
}

// SaveRules writes the complete ruleset to path through the engine's
// storage. Each save gets a fresh serial.
func (e *Engine) SaveRules(path string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	serial := uuid.NewString()
	data, rules, chains := e.export(serial)

	if err := e.storage.WriteFile(path, data); err != nil {
		return errors.Attr(errors.Wrapf(err, errors.KindIO, "write rules to %s", path), "path", path)
	}

	e.mu.Lock()
	e.serial = serial
	e.mu.Unlock()

	e.logger.Audit("save", "ruleset", map[string]any{"path": path, "serial": serial, "rules": rules})
	e.publish(events.EventRulesetSaved, events.RulesetData{Path: path, Serial: serial, Rules: rules, Chains: chains})
	return nil
}

// LoadRules replaces the live ruleset with the one stored at path. The file
// is parsed and validated in full before anything changes; on error the
// live ruleset is untouched.
func (e *Engine) LoadRules(path string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	data, err := e.storage.ReadFile(path)
	if err != nil {
		return errors.Attr(errors.Wrapf(err, errors.KindIO, "read rules from %s", path), "path", path)
	}
	if err := e.Import(path, data); err != nil {
		return errors.Attr(err, "path", path)
	}
	return nil
}

// Export renders the live ruleset in the rule file format.
func (e *Engine) Export() []byte {
	e.mu.RLock()
	serial := e.serial
	e.mu.RUnlock()
	if serial == "" {
		serial = uuid.NewString()
	}
	data, _, _ := e.export(serial)
	return data
}

func (e *Engine) export(serial string) (data []byte, rules, chains int) {
	e.mu.RLock()
	infos := e.chainInfos()
	var list []RuleInfo
	for i := range e.slots {
		if e.slots[i].inUse {
			list = append(list, e.slots[i].info(i))
		}
	}
	maxRules := len(e.slots)
	e.mu.RUnlock()

	return encodeRules(serial, maxRules, infos, list), len(list), len(infos)
}

func encodeRules(serial string, maxRules int, chains []ChainInfo, rules []RuleInfo) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("format_version", cty.NumberIntVal(RulesFormatVersion))
	body.SetAttributeValue("serial", cty.StringVal(serial))
	body.SetAttributeValue("max_rules", cty.NumberIntVal(int64(maxRules)))
	body.SetAttributeValue("rule_count", cty.NumberIntVal(int64(len(rules))))

	for _, c := range chains {
		body.AppendNewline()
		cb := body.AppendNewBlock("chain", []string{c.Name}).Body()
		cb.SetAttributeValue("builtin", cty.BoolVal(c.BuiltIn))
		cb.SetAttributeValue("start", cty.NumberIntVal(int64(c.Start)))
		cb.SetAttributeValue("capacity", cty.NumberIntVal(int64(c.Capacity)))
		cb.SetAttributeValue("count", cty.NumberIntVal(int64(c.Count)))
		cb.SetAttributeValue("policy", cty.StringVal(c.Policy.String()))
	}

	for _, r := range rules {
		body.AppendNewline()
		rb := body.AppendNewBlock("rule", nil).Body()
		rb.SetAttributeValue("index", cty.NumberIntVal(int64(r.Index)))
		rb.SetAttributeValue("chain", cty.StringVal(r.Chain))
		if r.Name != "" {
			rb.SetAttributeValue("name", cty.StringVal(r.Name))
		}
		rb.SetAttributeValue("match", stringList(r.Match.Names()))
		rb.SetAttributeValue("src", cty.StringVal(FormatCIDR(r.SrcIP, r.SrcMask)))
		rb.SetAttributeValue("dst", cty.StringVal(FormatCIDR(r.DstIP, r.DstMask)))
		rb.SetAttributeValue("src_port", cty.NumberIntVal(int64(r.SrcPort)))
		rb.SetAttributeValue("dst_port", cty.NumberIntVal(int64(r.DstPort)))
		rb.SetAttributeValue("proto", cty.NumberIntVal(int64(r.Proto)))
		rb.SetAttributeValue("direction", cty.StringVal(r.Direction.String()))
		rb.SetAttributeValue("states", stringList(r.States.Names()))
		rb.SetAttributeValue("action", cty.StringVal(r.Action.String()))
		rb.SetAttributeValue("enabled", cty.BoolVal(r.Enabled))
	}

	return f.Bytes()
}

func stringList(items []string) cty.Value {
	if len(items) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(items))
	for i, s := range items {
		vals[i] = cty.StringVal(s)
	}
	return cty.ListVal(vals)
}

// staged is a fully validated ruleset waiting to be swapped in.
type staged struct {
	slots   []slot
	chains  map[string]*chain
	builtin [2]*chain
	rules   int
	serial  string
}

// Import replaces the live ruleset with data, a rule file. name is used in
// error messages only.
func (e *Engine) Import(name string, data []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	var doc ruleFile
	if err := hclsimple.Decode(hclFilename(name), data, nil, &doc); err != nil {
		return errors.Wrap(err, errors.KindCorruptData, "parse rules")
	}

	e.mu.RLock()
	maxRules := len(e.slots)
	builtins := [2]chain{*e.builtin[Inbound], *e.builtin[Outbound]}
	e.mu.RUnlock()

	st, err := stageRules(&doc, maxRules, e.maxChains, builtins)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.slots = st.slots
	e.chains = st.chains
	e.builtin = st.builtin
	e.serial = st.serial
	e.mu.Unlock()

	e.counters.RulesLoaded(st.rules)
	e.logger.Audit("load", "ruleset", map[string]any{"source": name, "serial": st.serial, "rules": st.rules})
	e.publish(events.EventRulesetLoaded, events.RulesetData{Path: name, Serial: st.serial, Rules: st.rules, Chains: len(st.chains)})
	return nil
}

func hclFilename(name string) string {
	if strings.HasSuffix(name, ".hcl") {
		return name
	}
	return name + ".hcl"
}

func corrupt(format string, args ...any) error {
	return errors.Errorf(errors.KindCorruptData, format, args...)
}

// stageRules validates doc against the live table geometry and builds the
// replacement table.
func stageRules(doc *ruleFile, maxRules, maxChains int, builtins [2]chain) (*staged, error) {
	if doc.FormatVersion != RulesFormatVersion {
		return nil, corrupt("unsupported rules format version %d", doc.FormatVersion)
	}
	if doc.RuleCount != len(doc.Rules) {
		return nil, corrupt("rule_count is %d but file holds %d rules", doc.RuleCount, len(doc.Rules))
	}
	if len(doc.Chains) > maxChains {
		return nil, errors.Errorf(errors.KindTableFull, "file holds %d chains, limit is %d", len(doc.Chains), maxChains)
	}
	if len(doc.Rules) > maxRules {
		return nil, errors.Errorf(errors.KindTableFull, "file holds %d rules, table holds %d", len(doc.Rules), maxRules)
	}

	st := &staged{
		slots:  make([]slot, maxRules),
		chains: make(map[string]*chain, len(doc.Chains)),
		serial: doc.Serial,
	}

	owner := make([]*chain, maxRules)
	for _, cb := range doc.Chains {
		c, err := stageChain(cb, maxRules, builtins)
		if err != nil {
			return nil, err
		}
		if _, dup := st.chains[c.name]; dup {
			return nil, corrupt("chain %q defined twice", c.name)
		}
		for i := c.start; i < c.start+c.capacity; i++ {
			if owner[i] != nil {
				return nil, corrupt("chains %q and %q overlap at index %d", owner[i].name, c.name, i)
			}
			owner[i] = c
		}
		st.chains[c.name] = c
		if c.builtIn {
			st.builtin[c.dir] = c
		}
	}
	for _, b := range builtins {
		if st.builtin[b.dir] == nil {
			return nil, corrupt("built-in chain %q missing", b.name)
		}
	}

	for _, rb := range doc.Rules {
		idx := rb.Index
		if idx < 0 {
			return nil, corrupt("negative rule index %d", idx)
		}
		if idx >= maxRules {
			return nil, errors.Errorf(errors.KindTableFull, "rule index %d outside table of %d", idx, maxRules)
		}
		c, ok := st.chains[rb.Chain]
		if !ok {
			return nil, corrupt("rule %d references unknown chain %q", idx, rb.Chain)
		}
		if idx < c.start || idx >= c.end() {
			return nil, corrupt("rule %d outside chain %q range [%d,%d)", idx, c.name, c.start, c.end())
		}
		if st.slots[idx].inUse {
			return nil, corrupt("rule index %d defined twice", idx)
		}
		r, err := decodeRule(rb)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindCorruptData, "rule %d", idx)
		}
		if c.builtIn && r.Direction != c.dir {
			return nil, corrupt("rule %d is %s but sits in built-in chain %q", idx, r.Direction, c.name)
		}
		st.slots[idx].rule = r
		st.slots[idx].inUse = true
		st.rules++
	}

	// A chain's range must end on a rule.
	for _, c := range st.chains {
		if c.count > 0 && !st.slots[c.end()-1].inUse {
			return nil, corrupt("chain %q count %d does not end on a rule", c.name, c.count)
		}
	}

	return st, nil
}

func stageChain(cb chainBlock, maxRules int, builtins [2]chain) (*chain, error) {
	policy, err := ParseVerdict(cb.Policy)
	if err != nil {
		return nil, corrupt("chain %q: %v", cb.Name, err)
	}
	if err := validateChainName(cb.Name); err != nil {
		return nil, errors.Wrap(err, errors.KindCorruptData, "chain name")
	}
	if cb.Start < 0 || cb.Capacity <= 0 || cb.Count < 0 || cb.Count > cb.Capacity {
		return nil, corrupt("chain %q has invalid geometry start=%d capacity=%d count=%d", cb.Name, cb.Start, cb.Capacity, cb.Count)
	}
	if cb.Start+cb.Capacity > maxRules {
		return nil, errors.Errorf(errors.KindTableFull, "chain %q region ends at %d, table holds %d", cb.Name, cb.Start+cb.Capacity, maxRules)
	}

	c := &chain{
		name:     cb.Name,
		start:    cb.Start,
		count:    cb.Count,
		capacity: cb.Capacity,
		builtIn:  cb.BuiltIn,
		policy:   policy,
	}

	for _, b := range builtins {
		if b.name != cb.Name {
			continue
		}
		if !cb.BuiltIn || cb.Start != b.start || cb.Capacity != b.capacity {
			return nil, corrupt("built-in chain %q boundary mismatch: file [%d,+%d) live [%d,+%d)",
				cb.Name, cb.Start, cb.Capacity, b.start, b.capacity)
		}
		c.dir = b.dir
		return c, nil
	}
	if cb.BuiltIn {
		return nil, corrupt("chain %q is marked built-in", cb.Name)
	}
	return c, nil
}

func decodeRule(rb ruleBlock) (Rule, error) {
	r := Rule{
		Name:    rb.Name,
		Chain:   rb.Chain,
		Enabled: rb.Enabled,
	}

	var err error
	if r.Match, err = ParseMatchFlags(rb.Match); err != nil {
		return r, err
	}
	if r.States, err = ParseStateMask(rb.States); err != nil {
		return r, err
	}
	if rb.Src != "" {
		if r.SrcIP, r.SrcMask, err = ParseCIDR(rb.Src); err != nil {
			return r, fmt.Errorf("src: %w", err)
		}
	}
	if rb.Dst != "" {
		if r.DstIP, r.DstMask, err = ParseCIDR(rb.Dst); err != nil {
			return r, fmt.Errorf("dst: %w", err)
		}
	}
	if rb.SrcPort < 0 || rb.SrcPort > 0xffff || rb.DstPort < 0 || rb.DstPort > 0xffff {
		return r, fmt.Errorf("port out of range")
	}
	if rb.Proto < 0 || rb.Proto > 0xff {
		return r, fmt.Errorf("protocol %d out of range", rb.Proto)
	}
	r.SrcPort = uint16(rb.SrcPort)
	r.DstPort = uint16(rb.DstPort)
	r.Proto = uint8(rb.Proto)

	if r.Direction, err = ParseDirection(rb.Direction); err != nil {
		return r, err
	}
	if r.Action, err = ParseAction(rb.Action); err != nil {
		return r, err
	}
	if err := validateRule(&r); err != nil {
		return r, err
	}
	return r, nil
}

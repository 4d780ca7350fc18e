package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"grimm.is/chainwall/internal/firewall"
)

// rulesetView is the printable form of a ruleset shared by show and diff.
type rulesetView struct {
	Serial string      `json:"serial" yaml:"serial"`
	Chains []chainView `json:"chains" yaml:"chains"`
}

type chainView struct {
	Name     string     `json:"name" yaml:"name"`
	BuiltIn  bool       `json:"builtin" yaml:"builtin"`
	Policy   string     `json:"policy" yaml:"policy"`
	Start    int        `json:"start" yaml:"start"`
	Capacity int        `json:"capacity" yaml:"capacity"`
	Rules    []ruleView `json:"rules" yaml:"rules"`
}

type ruleView struct {
	Index     int      `json:"index" yaml:"index"`
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	Direction string   `json:"direction" yaml:"direction"`
	Action    string   `json:"action" yaml:"action"`
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Proto     string   `json:"proto,omitempty" yaml:"proto,omitempty"`
	Src       string   `json:"src,omitempty" yaml:"src,omitempty"`
	Dst       string   `json:"dst,omitempty" yaml:"dst,omitempty"`
	SrcPort   *uint16  `json:"src_port,omitempty" yaml:"src_port,omitempty"`
	DstPort   *uint16  `json:"dst_port,omitempty" yaml:"dst_port,omitempty"`
	States    []string `json:"states,omitempty" yaml:"states,omitempty"`
	Hits      uint64   `json:"hits" yaml:"hits"`
	Bytes     uint64   `json:"bytes" yaml:"bytes"`
}

func newRulesetView(e *firewall.Engine) (rulesetView, error) {
	v := rulesetView{Serial: e.Serial()}
	for _, c := range e.Chains() {
		rules, err := e.ChainRules(c.Name)
		if err != nil {
			return v, err
		}
		cv := chainView{
			Name:     c.Name,
			BuiltIn:  c.BuiltIn,
			Policy:   c.Policy.String(),
			Start:    c.Start,
			Capacity: c.Capacity,
			Rules:    make([]ruleView, 0, len(rules)),
		}
		for _, r := range rules {
			cv.Rules = append(cv.Rules, newRuleView(r))
		}
		v.Chains = append(v.Chains, cv)
	}
	return v, nil
}

// newRuleView shows only the fields the rule actually compares.
func newRuleView(r firewall.RuleInfo) ruleView {
	rv := ruleView{
		Index:     r.Index,
		Name:      r.Name,
		Direction: r.Direction.String(),
		Action:    r.Action.String(),
		Enabled:   r.Enabled,
		Hits:      r.Hits,
		Bytes:     r.Bytes,
	}
	m := r.Match
	if m&firewall.MatchProto != 0 {
		rv.Proto = firewall.ProtoName(r.Proto)
	}
	if m&firewall.MatchSrcIP != 0 {
		rv.Src = firewall.FormatCIDR(r.SrcIP, r.SrcMask)
	}
	if m&firewall.MatchDstIP != 0 {
		rv.Dst = firewall.FormatCIDR(r.DstIP, r.DstMask)
	}
	if m&firewall.MatchSrcPort != 0 {
		p := r.SrcPort
		rv.SrcPort = &p
	}
	if m&firewall.MatchDstPort != 0 {
		p := r.DstPort
		rv.DstPort = &p
	}
	if m&firewall.MatchState != 0 {
		rv.States = r.States.Names()
	}
	return rv
}

// match renders the rule's conditions in one column.
func (r ruleView) match() string {
	var parts []string
	if r.Proto != "" {
		parts = append(parts, r.Proto)
	}
	if r.Src != "" {
		parts = append(parts, "src "+r.Src)
	}
	if r.SrcPort != nil {
		parts = append(parts, "sport "+strconv.Itoa(int(*r.SrcPort)))
	}
	if r.Dst != "" {
		parts = append(parts, "dst "+r.Dst)
	}
	if r.DstPort != nil {
		parts = append(parts, "dport "+strconv.Itoa(int(*r.DstPort)))
	}
	if len(r.States) > 0 {
		parts = append(parts, "state "+strings.Join(r.States, ","))
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " ")
}

// lines is the canonical text form used by diff. Indices and serials are
// left out so that moving a chain's region is not reported as a change.
func (v rulesetView) lines() []string {
	var out []string
	for _, c := range v.Chains {
		out = append(out, fmt.Sprintf("chain %s policy=%s capacity=%d\n", c.Name, c.Policy, c.Capacity))
		for _, r := range c.Rules {
			state := ""
			if !r.Enabled {
				state = " disabled"
			}
			name := r.Name
			if name == "" {
				name = "-"
			}
			out = append(out, fmt.Sprintf("  %s %s %s %s%s\n", name, r.Direction, r.match(), r.Action, state))
		}
	}
	return out
}

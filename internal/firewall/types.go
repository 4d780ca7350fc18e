package firewall

import (
	"fmt"
	"math/bits"
	"net/netip"
	"strconv"
	"strings"

	"grimm.is/chainwall/internal/conntrack"
)

// Protocol numbers with names.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// Built-in chain names.
const (
	ChainInbound  = "inbound"
	ChainOutbound = "outbound"
)

// MaxNameLen is the longest rule or chain name accepted.
const MaxNameLen = 63

// Direction is the side of the host a packet travels.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

func (d Direction) flowDir() conntrack.Dir {
	if d == Outbound {
		return conntrack.DirOutbound
	}
	return conntrack.DirInbound
}

// Chain returns the name of the built-in chain bound to d.
func (d Direction) Chain() string {
	if d == Outbound {
		return ChainOutbound
	}
	return ChainInbound
}

// ParseDirection parses "inbound" or "outbound".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "inbound", "in":
		return Inbound, nil
	case "outbound", "out":
		return Outbound, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Action is what a matching rule does.
type Action uint8

const (
	ActionAccept Action = iota
	ActionDrop
	ActionReject
	// ActionLog records the match and continues with the next rule.
	ActionLog
	// ActionReturn stops the chain and applies its default policy.
	ActionReturn
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionDrop:
		return "drop"
	case ActionReject:
		return "reject"
	case ActionLog:
		return "log"
	case ActionReturn:
		return "return"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// ParseAction parses an action name.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "accept":
		return ActionAccept, nil
	case "drop":
		return ActionDrop, nil
	case "reject":
		return ActionReject, nil
	case "log":
		return ActionLog, nil
	case "return":
		return ActionReturn, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Verdict is the outcome for a packet, also used as a chain's default policy.
type Verdict uint8

const (
	VerdictAllow Verdict = iota
	VerdictDrop
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "accept"
	case VerdictDrop:
		return "drop"
	case VerdictReject:
		return "reject"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// ParseVerdict parses a policy name.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(s) {
	case "accept", "allow":
		return VerdictAllow, nil
	case "drop":
		return VerdictDrop, nil
	case "reject":
		return VerdictReject, nil
	}
	return 0, fmt.Errorf("unknown policy %q", s)
}

func (v Verdict) valid() bool {
	return v <= VerdictReject
}

// MatchFlags selects which rule fields are compared against a packet.
// A field whose bit is clear is ignored entirely.
type MatchFlags uint32

const (
	MatchSrcIP MatchFlags = 1 << iota
	MatchDstIP
	MatchSrcPort
	MatchDstPort
	MatchProto
	MatchState

	matchAll = MatchSrcIP | MatchDstIP | MatchSrcPort | MatchDstPort | MatchProto | MatchState
)

var matchFlagNames = []struct {
	flag MatchFlags
	name string
}{
	{MatchSrcIP, "src_ip"},
	{MatchDstIP, "dst_ip"},
	{MatchSrcPort, "src_port"},
	{MatchDstPort, "dst_port"},
	{MatchProto, "proto"},
	{MatchState, "state"},
}

// Names returns the names of the set flags in bit order.
func (f MatchFlags) Names() []string {
	var out []string
	for _, n := range matchFlagNames {
		if f&n.flag != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func (f MatchFlags) String() string {
	names := f.Names()
	if len(names) == 0 {
		return "any"
	}
	return strings.Join(names, ",")
}

// ParseMatchFlags converts flag names back into a bitmask.
func ParseMatchFlags(names []string) (MatchFlags, error) {
	var f MatchFlags
outer:
	for _, name := range names {
		for _, n := range matchFlagNames {
			if n.name == name {
				f |= n.flag
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown match flag %q", name)
	}
	return f, nil
}

// StateMask is a set of connection states, one bit per conntrack.State.
type StateMask uint8

const stateMaskAll = StateMask(1<<conntrack.NumStates - 1)

// StateBit returns the mask bit for s.
func StateBit(s conntrack.State) StateMask {
	return StateMask(1) << s
}

// StatesOf builds a mask from states.
func StatesOf(states ...conntrack.State) StateMask {
	var m StateMask
	for _, s := range states {
		m |= StateBit(s)
	}
	return m
}

// Has reports whether s is in the mask.
func (m StateMask) Has(s conntrack.State) bool {
	return m&StateBit(s) != 0
}

// Names returns the state names in the mask.
func (m StateMask) Names() []string {
	var out []string
	for s := conntrack.StateNew; int(s) < conntrack.NumStates; s++ {
		if m.Has(s) {
			out = append(out, s.String())
		}
	}
	return out
}

// ParseStateMask converts state names into a mask.
func ParseStateMask(names []string) (StateMask, error) {
	var m StateMask
	for _, n := range names {
		s, err := conntrack.ParseState(n)
		if err != nil {
			return 0, err
		}
		m |= StateBit(s)
	}
	return m, nil
}

// Rule is a single filter rule as supplied by callers.
//
// Addresses are IPv4 values with the first octet in the most significant
// byte; masks must be contiguous.
type Rule struct {
	Name      string
	Chain     string // empty selects the built-in chain for Direction
	Match     MatchFlags
	SrcIP     uint32
	SrcMask   uint32
	DstIP     uint32
	DstMask   uint32
	SrcPort   uint16
	DstPort   uint16
	Proto     uint8
	Direction Direction
	States    StateMask
	Action    Action
	Enabled   bool
}

// RuleInfo is a rule as stored in the table, with its index and counters.
// Hits and Bytes are read separately while packets may still be counted, so
// under traffic they can be one packet apart.
type RuleInfo struct {
	Rule
	Index int
	Hits  uint64
	Bytes uint64
}

// ChainInfo describes a chain.
type ChainInfo struct {
	Name     string
	Start    int
	Count    int
	Capacity int
	BuiltIn  bool
	Policy   Verdict
	InUse    int
}

// Packet holds the header fields of one packet. The core never parses
// packet bytes; the hook fills this in.
type Packet struct {
	Direction Direction
	Proto     uint8
	SrcIP     uint32
	DstIP     uint32
	SrcPort   uint16
	DstPort   uint16
	Length    uint32
}

// Key returns the packet's 5-tuple and direction.
func (p Packet) Key() conntrack.Key {
	return conntrack.Key{
		SrcIP:   p.SrcIP,
		DstIP:   p.DstIP,
		SrcPort: p.SrcPort,
		DstPort: p.DstPort,
		Proto:   p.Proto,
		Dir:     p.Direction.flowDir(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Address helpers
// ──────────────────────────────────────────────────────────────────────────────

// IPv4 converts an address to its numeric form. Returns false for non-IPv4.
func IPv4(a netip.Addr) (uint32, bool) {
	a = a.Unmap()
	if !a.Is4() {
		return 0, false
	}
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), true
}

// MustIPv4 parses a dotted-quad address and panics on failure. Intended for
// tests and constants.
func MustIPv4(s string) uint32 {
	ip, err := ParseIPv4(s)
	if err != nil {
		panic(err)
	}
	return ip
}

// ParseIPv4 parses a dotted-quad address.
func ParseIPv4(s string) (uint32, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return 0, err
	}
	ip, ok := IPv4(a)
	if !ok {
		return 0, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return ip, nil
}

// FormatIPv4 renders a numeric address in dotted-quad form.
func FormatIPv4(ip uint32) string {
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}).String()
}

// PrefixMask returns the netmask for a prefix length 0-32.
func PrefixMask(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	if bits >= 32 {
		return 0xffffffff
	}
	return ^uint32(0) << (32 - bits)
}

// MaskBits returns the prefix length of mask, or false if it is not contiguous.
func MaskBits(mask uint32) (int, bool) {
	ones := bits.OnesCount32(mask)
	if PrefixMask(ones) != mask {
		return 0, false
	}
	return ones, true
}

// ParseCIDR parses "a.b.c.d/n" or a bare address (treated as /32).
func ParseCIDR(s string) (ip, mask uint32, err error) {
	if !strings.Contains(s, "/") {
		ip, err = ParseIPv4(s)
		return ip, PrefixMask(32), err
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return 0, 0, err
	}
	ip, ok := IPv4(p.Addr())
	if !ok {
		return 0, 0, fmt.Errorf("%s is not an IPv4 prefix", s)
	}
	return ip, PrefixMask(p.Bits()), nil
}

// FormatCIDR renders an address and contiguous mask as "a.b.c.d/n".
func FormatCIDR(ip, mask uint32) string {
	n, ok := MaskBits(mask)
	if !ok {
		return FormatIPv4(ip) + "/" + FormatIPv4(mask)
	}
	return FormatIPv4(ip) + "/" + strconv.Itoa(n)
}

// ProtoName returns a protocol's common name or its number.
func ProtoName(p uint8) string {
	switch p {
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return strconv.Itoa(int(p))
	}
}

// ParseProto accepts a protocol name or number.
func ParseProto(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "icmp":
		return ProtoICMP, nil
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
	return uint8(n), nil
}

package conntrack

import (
	"fmt"
	"net/netip"
	"strings"
)

// State is the lifecycle state of a tracked flow.
type State uint8

const (
	StateNew State = iota
	StateEstablished
	StateRelated

	numStates
)

// NumStates is the number of defined states.
const NumStates = int(numStates)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateEstablished:
		return "ESTABLISHED"
	case StateRelated:
		return "RELATED"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// ParseState parses a state name, case-insensitively.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(s) {
	case "NEW":
		return StateNew, nil
	case "ESTABLISHED":
		return StateEstablished, nil
	case "RELATED":
		return StateRelated, nil
	}
	return 0, fmt.Errorf("unknown connection state %q", s)
}

// Dir is the hook a packet passed through.
type Dir uint8

const (
	DirInbound Dir = iota
	DirOutbound

	numDirs
)

func (d Dir) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	default:
		return fmt.Sprintf("dir(%d)", uint8(d))
	}
}

// ParseDir parses a direction name.
func ParseDir(s string) (Dir, error) {
	switch strings.ToLower(s) {
	case "inbound":
		return DirInbound, nil
	case "outbound":
		return DirOutbound, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Opposite returns the direction replies travel in.
func (d Dir) Opposite() Dir {
	if d == DirInbound {
		return DirOutbound
	}
	return DirInbound
}

// Key identifies a flow: the 5-tuple plus the direction it was seen in.
// Addresses are IPv4 values with the first octet in the most significant
// byte.
type Key struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
	Proto   uint8
	Dir     Dir
}

// Reverse returns the key a reply to k carries: endpoints swapped, seen in
// the opposite direction.
func (k Key) Reverse() Key {
	return Key{
		SrcIP:   k.DstIP,
		DstIP:   k.SrcIP,
		SrcPort: k.DstPort,
		DstPort: k.SrcPort,
		Proto:   k.Proto,
		Dir:     k.Dir.Opposite(),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s %d %s:%d -> %s:%d", k.Dir, k.Proto,
		addrString(k.SrcIP), k.SrcPort, addrString(k.DstIP), k.DstPort)
}

func addrString(ip uint32) string {
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}).String()
}

// Flow is a copy of a tracked entry. Key.Dir is the direction the flow was
// first seen in.
type Flow struct {
	Key      Key    `json:"key"`
	State    State  `json:"state"`
	LastSeen uint64 `json:"last_seen"`
	Packets  uint64 `json:"packets"`
	Bytes    uint64 `json:"bytes"`
}

type entry struct {
	key      Key
	state    State
	lastSeen uint64
	packets  uint64
	bytes    uint64
	next     *entry
}

func (e *entry) flow() Flow {
	return Flow{
		Key:      e.key,
		State:    e.state,
		LastSeen: e.lastSeen,
		Packets:  e.packets,
		Bytes:    e.bytes,
	}
}

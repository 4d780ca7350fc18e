package firewall

import "grimm.is/chainwall/internal/conntrack"

// Matches reports whether pkt in connection state st satisfies every field
// r selects. A rule with no match bits matches everything.
//
// Address comparison masks both sides and compares the raw values; no byte
// order conversion takes place.
func Matches(r *Rule, pkt *Packet, st conntrack.State) bool {
	f := r.Match
	if f == 0 {
		return true
	}
	if f&MatchSrcIP != 0 && pkt.SrcIP&r.SrcMask != r.SrcIP&r.SrcMask {
		return false
	}
	if f&MatchDstIP != 0 && pkt.DstIP&r.DstMask != r.DstIP&r.DstMask {
		return false
	}
	if f&MatchSrcPort != 0 && pkt.SrcPort != r.SrcPort {
		return false
	}
	if f&MatchDstPort != 0 && pkt.DstPort != r.DstPort {
		return false
	}
	if f&MatchProto != 0 && pkt.Proto != r.Proto {
		return false
	}
	if f&MatchState != 0 && !r.States.Has(st) {
		return false
	}
	return true
}

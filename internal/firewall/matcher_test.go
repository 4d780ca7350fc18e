package firewall

import (
	"testing"

	"grimm.is/chainwall/internal/conntrack"
)

func TestMatches_DstPortOnly(t *testing.T) {
	r := Rule{Match: MatchDstPort, DstPort: 22}

	// Every other field differs wildly from the rule's zero values
	pkt := Packet{
		Proto:   ProtoUDP,
		SrcIP:   MustIPv4("203.0.113.9"),
		DstIP:   MustIPv4("198.51.100.1"),
		SrcPort: 40000,
		DstPort: 22,
	}
	if !Matches(&r, &pkt, conntrack.StateRelated) {
		t.Error("expected match on dst port alone")
	}

	pkt.DstPort = 23
	if Matches(&r, &pkt, conntrack.StateNew) {
		t.Error("unexpected match on different dst port")
	}
}

func TestMatches_ZeroIsNotWildcard(t *testing.T) {
	r := Rule{Match: MatchSrcPort | MatchProto, SrcPort: 0, Proto: 0}
	pkt := Packet{SrcPort: 1234, Proto: ProtoTCP}
	if Matches(&r, &pkt, conntrack.StateNew) {
		t.Error("zero-valued fields with their bit set must compare exactly")
	}

	pkt = Packet{SrcPort: 0, Proto: 0}
	if !Matches(&r, &pkt, conntrack.StateNew) {
		t.Error("expected exact match on zero values")
	}
}

func TestMatches_CIDR(t *testing.T) {
	tests := []struct {
		name  string
		cidr  string
		ip    string
		match bool
	}{
		{"/32 exact", "10.0.0.5/32", "10.0.0.5", true},
		{"/32 neighbour", "10.0.0.5/32", "10.0.0.6", false},
		{"/24 inside", "10.0.0.0/24", "10.0.0.254", true},
		{"/24 first", "10.0.0.0/24", "10.0.0.0", true},
		{"/24 outside", "10.0.0.0/24", "10.0.1.1", false},
		{"/24 host bits in rule", "10.0.0.77/24", "10.0.0.3", true},
		{"/0 everything", "0.0.0.0/0", "255.255.255.255", true},
		{"/0 with address", "192.0.2.1/0", "8.8.8.8", true},
		{"/8", "10.0.0.0/8", "10.200.3.4", true},
		{"/8 miss", "10.0.0.0/8", "11.0.0.1", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ip, mask, err := ParseCIDR(tc.cidr)
			if err != nil {
				t.Fatalf("ParseCIDR(%s): %v", tc.cidr, err)
			}

			src := Rule{Match: MatchSrcIP, SrcIP: ip, SrcMask: mask}
			dst := Rule{Match: MatchDstIP, DstIP: ip, DstMask: mask}
			pkt := Packet{SrcIP: MustIPv4(tc.ip), DstIP: MustIPv4(tc.ip)}

			if got := Matches(&src, &pkt, conntrack.StateNew); got != tc.match {
				t.Errorf("src match = %v, expected %v", got, tc.match)
			}
			if got := Matches(&dst, &pkt, conntrack.StateNew); got != tc.match {
				t.Errorf("dst match = %v, expected %v", got, tc.match)
			}
		})
	}
}

func TestMatches_State(t *testing.T) {
	r := Rule{Match: MatchState, States: StatesOf(conntrack.StateEstablished, conntrack.StateRelated)}
	pkt := Packet{}

	if Matches(&r, &pkt, conntrack.StateNew) {
		t.Error("NEW should not match ESTABLISHED|RELATED")
	}
	if !Matches(&r, &pkt, conntrack.StateEstablished) {
		t.Error("ESTABLISHED should match")
	}
	if !Matches(&r, &pkt, conntrack.StateRelated) {
		t.Error("RELATED should match")
	}

	empty := Rule{Match: MatchState}
	if Matches(&empty, &pkt, conntrack.StateEstablished) {
		t.Error("empty state mask with the state bit set matches nothing")
	}
}

func TestMatches_NoFlags(t *testing.T) {
	r := Rule{SrcIP: MustIPv4("1.2.3.4"), SrcMask: PrefixMask(32), DstPort: 9}
	pkt := Packet{SrcIP: MustIPv4("5.6.7.8"), DstPort: 10}
	if !Matches(&r, &pkt, conntrack.StateNew) {
		t.Error("rule without match flags must match unconditionally")
	}
}

func TestMatches_AllFields(t *testing.T) {
	r := Rule{
		Match:   matchAll,
		SrcIP:   MustIPv4("10.0.0.0"),
		SrcMask: PrefixMask(8),
		DstIP:   MustIPv4("192.168.1.1"),
		DstMask: PrefixMask(32),
		SrcPort: 5000,
		DstPort: 443,
		Proto:   ProtoTCP,
		States:  StatesOf(conntrack.StateNew),
	}
	pkt := tcpIn("10.1.1.1", 5000, "192.168.1.1", 443)
	if !Matches(&r, &pkt, conntrack.StateNew) {
		t.Fatal("expected full match")
	}

	mutations := map[string]func(p *Packet){
		"src":   func(p *Packet) { p.SrcIP = MustIPv4("11.0.0.1") },
		"dst":   func(p *Packet) { p.DstIP = MustIPv4("192.168.1.2") },
		"sport": func(p *Packet) { p.SrcPort = 5001 },
		"dport": func(p *Packet) { p.DstPort = 80 },
		"proto": func(p *Packet) { p.Proto = ProtoUDP },
	}
	for name, mutate := range mutations {
		p := pkt
		mutate(&p)
		if Matches(&r, &p, conntrack.StateNew) {
			t.Errorf("%s mismatch should fail the rule", name)
		}
	}
	if Matches(&r, &pkt, conntrack.StateEstablished) {
		t.Error("state mismatch should fail the rule")
	}
}

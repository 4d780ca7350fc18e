// Package hook connects packet sources to the firewall engine: it decodes
// raw headers into firewall packets and returns verdicts to the kernel.
package hook

import (
	"encoding/binary"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/chainwall/internal/firewall"
)

// Decoder extracts the 5-tuple from raw packets. It reuses its layer
// buffers between calls and is not safe for concurrent use; give each
// packet source its own.
type Decoder struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	icmp    layers.ICMPv4
	payload gopacket.Payload

	first   gopacket.LayerType
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewDecoder creates a decoder for frames starting at first, which is
// layers.LayerTypeIPv4 for raw IP (NFQUEUE payloads) or
// layers.LayerTypeEthernet for captured frames.
func NewDecoder(first gopacket.LayerType) *Decoder {
	d := &Decoder{first: first}
	d.parser = gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.ip4, &d.tcp, &d.udp, &d.icmp, &d.payload)
	d.parser.IgnoreUnsupported = true
	d.decoded = make([]gopacket.LayerType, 0, 4)
	return d
}

// Result classifies what Decode made of a packet.
type Result int

const (
	// Decoded means the packet is IPv4 and its headers were read.
	Decoded Result = iota
	// NotIPv4 is traffic the engine does not filter.
	NotIPv4
	// Malformed claims to be IPv4 but its headers could not be read.
	Malformed
)

func (r Result) String() string {
	switch r {
	case Decoded:
		return "decoded"
	case NotIPv4:
		return "not-ipv4"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// Decode parses data into a packet travelling in dir.
func (d *Decoder) Decode(data []byte, dir firewall.Direction) (firewall.Packet, Result) {
	if d.first == layers.LayerTypeIPv4 && (len(data) == 0 || data[0]>>4 != 4) {
		return firewall.Packet{}, NotIPv4
	}

	d.decoded = d.decoded[:0]
	_ = d.parser.DecodeLayers(data, &d.decoded)

	var pkt firewall.Packet
	claimsIP := d.first == layers.LayerTypeIPv4
	haveIP, haveTransport := false, false
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			claimsIP = d.eth.EthernetType == layers.EthernetTypeIPv4
		case layers.LayerTypeIPv4:
			src, dst := d.ip4.SrcIP.To4(), d.ip4.DstIP.To4()
			if src == nil || dst == nil {
				return firewall.Packet{}, Malformed
			}
			haveIP = true
			pkt = firewall.Packet{
				Direction: dir,
				Proto:     uint8(d.ip4.Protocol),
				SrcIP:     binary.BigEndian.Uint32(src),
				DstIP:     binary.BigEndian.Uint32(dst),
				Length:    uint32(d.ip4.Length),
			}
		case layers.LayerTypeTCP:
			haveTransport = true
			pkt.SrcPort = uint16(d.tcp.SrcPort)
			pkt.DstPort = uint16(d.tcp.DstPort)
		case layers.LayerTypeUDP:
			haveTransport = true
			pkt.SrcPort = uint16(d.udp.SrcPort)
			pkt.DstPort = uint16(d.udp.DstPort)
		}
	}
	if !haveIP {
		if claimsIP {
			return firewall.Packet{}, Malformed
		}
		return firewall.Packet{}, NotIPv4
	}
	if !haveTransport && d.ip4.FragOffset == 0 &&
		(pkt.Proto == firewall.ProtoTCP || pkt.Proto == firewall.ProtoUDP) {
		// A cut header would otherwise reach the rules as port zero.
		fragmented := d.ip4.Flags&layers.IPv4MoreFragments != 0
		if !fragmented || len(d.ip4.Payload) < 4 {
			return firewall.Packet{}, Malformed
		}
		// The parser stops at the fragment; both protocols start with ports.
		pkt.SrcPort = binary.BigEndian.Uint16(d.ip4.Payload[0:2])
		pkt.DstPort = binary.BigEndian.Uint16(d.ip4.Payload[2:4])
	}
	if pkt.Length == 0 {
		pkt.Length = uint32(len(data))
	}
	return pkt, Decoded
}

//go:build linux

package conntrack

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	ct "github.com/ti-mo/conntrack"
)

const tcpStateEstablished = 3

// KernelFlows dumps the kernel's IPv4 connection table as flows. It is used
// to warm-start the table so existing sessions survive a restart. A flow
// whose original source is one of this host's addresses was first seen
// outbound; every other flow inbound.
func KernelFlows() ([]Flow, error) {
	local, err := hostAddrs()
	if err != nil {
		return nil, err
	}

	conn, err := ct.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("conntrack dial failed: %w", err)
	}
	defer conn.Close()

	dump, err := conn.Dump(nil)
	if err != nil {
		return nil, fmt.Errorf("conntrack dump failed: %w", err)
	}

	flows := make([]Flow, 0, len(dump))
	for _, f := range dump {
		src, dst := f.TupleOrig.IP.SourceAddress, f.TupleOrig.IP.DestinationAddress
		if !src.Is4() || !dst.Is4() {
			continue
		}
		s4, d4 := src.As4(), dst.As4()

		flow := Flow{
			Key: Key{
				SrcIP:   binary.BigEndian.Uint32(s4[:]),
				DstIP:   binary.BigEndian.Uint32(d4[:]),
				SrcPort: f.TupleOrig.Proto.SourcePort,
				DstPort: f.TupleOrig.Proto.DestinationPort,
				Proto:   f.TupleOrig.Proto.Protocol,
				Dir:     DirInbound,
			},
			State: StateNew,
		}
		if _, ok := local[src.Unmap()]; ok {
			flow.Key.Dir = DirOutbound
		}
		if f.ProtoInfo.TCP != nil && f.ProtoInfo.TCP.State == tcpStateEstablished {
			flow.State = StateEstablished
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

func hostAddrs() (map[netip.Addr]struct{}, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("list host addresses: %w", err)
	}
	out := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		if pfx, err := netip.ParsePrefix(a.String()); err == nil {
			out[pfx.Addr().Unmap()] = struct{}{}
		}
	}
	return out, nil
}

package conntrack

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// hashKey hashes a tuple so that k and k.Reverse() produce the same value.
// The two endpoints are written in a canonical order before hashing; the
// direction is left out since Reverse flips it.
func hashKey(k Key) uint64 {
	aIP, aPort := k.SrcIP, k.SrcPort
	bIP, bPort := k.DstIP, k.DstPort
	if aIP > bIP || (aIP == bIP && aPort > bPort) {
		aIP, aPort, bIP, bPort = bIP, bPort, aIP, aPort
	}

	var buf [13]byte
	binary.BigEndian.PutUint32(buf[0:4], aIP)
	binary.BigEndian.PutUint16(buf[4:6], aPort)
	binary.BigEndian.PutUint32(buf[6:10], bIP)
	binary.BigEndian.PutUint16(buf[10:12], bPort)
	buf[12] = k.Proto
	return xxhash.Sum64(buf[:])
}

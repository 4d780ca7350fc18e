package hook

import (
	"sync/atomic"

	"github.com/gopacket/gopacket/layers"

	"grimm.is/chainwall/internal/firewall"
)

// Inspector judges packets. *firewall.Engine implements it.
type Inspector interface {
	Inspect(pkt firewall.Packet) firewall.Verdict
}

// Handler turns raw IP packets from one direction into verdicts.
// Not safe for concurrent use; it owns a Decoder.
type Handler struct {
	inspector Inspector
	dir       firewall.Direction
	decoder   *Decoder

	stats Stats
}

// Stats counts what a handler has seen.
type Stats struct {
	Processed   atomic.Uint64
	Passthrough atomic.Uint64
	Malformed   atomic.Uint64
	Accepted    atomic.Uint64
	Dropped     atomic.Uint64
	Rejected    atomic.Uint64
	VerdictErrs atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Processed   uint64 `json:"processed"`
	Passthrough uint64 `json:"passthrough"`
	Malformed   uint64 `json:"malformed"`
	Accepted    uint64 `json:"accepted"`
	Dropped     uint64 `json:"dropped"`
	Rejected    uint64 `json:"rejected"`
	VerdictErrs uint64 `json:"verdict_errors"`
}

// NewHandler creates a handler for raw IP packets travelling in dir.
func NewHandler(inspector Inspector, dir firewall.Direction) *Handler {
	return &Handler{
		inspector: inspector,
		dir:       dir,
		decoder:   NewDecoder(layers.LayerTypeIPv4),
	}
}

// Direction returns the direction this handler judges.
func (h *Handler) Direction() firewall.Direction {
	return h.dir
}

// Judge returns the verdict for a raw IP packet. Packets that are not
// IPv4 are accepted without consulting the engine; IPv4 packets whose
// headers cannot be read are dropped.
func (h *Handler) Judge(payload []byte) firewall.Verdict {
	h.stats.Processed.Add(1)

	pkt, res := h.decoder.Decode(payload, h.dir)
	switch res {
	case NotIPv4:
		h.stats.Passthrough.Add(1)
		return firewall.VerdictAllow
	case Malformed:
		h.stats.Malformed.Add(1)
		h.stats.Dropped.Add(1)
		return firewall.VerdictDrop
	}

	v := h.inspector.Inspect(pkt)
	switch v {
	case firewall.VerdictAllow:
		h.stats.Accepted.Add(1)
	case firewall.VerdictReject:
		h.stats.Rejected.Add(1)
	default:
		h.stats.Dropped.Add(1)
	}
	return v
}

// Snapshot reads the handler's counters.
func (h *Handler) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Processed:   h.stats.Processed.Load(),
		Passthrough: h.stats.Passthrough.Load(),
		Malformed:   h.stats.Malformed.Load(),
		Accepted:    h.stats.Accepted.Load(),
		Dropped:     h.stats.Dropped.Load(),
		Rejected:    h.stats.Rejected.Load(),
		VerdictErrs: h.stats.VerdictErrs.Load(),
	}
}

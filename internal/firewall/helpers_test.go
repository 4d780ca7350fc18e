package firewall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/chainwall/internal/logging"
)

func newTestEngine(t *testing.T, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.Logger = logging.Discard()
	for _, m := range mutate {
		m(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e
}

func tcpIn(src string, sport uint16, dst string, dport uint16) Packet {
	return Packet{
		Direction: Inbound,
		Proto:     ProtoTCP,
		SrcIP:     MustIPv4(src),
		DstIP:     MustIPv4(dst),
		SrcPort:   sport,
		DstPort:   dport,
		Length:    60,
	}
}

func dropPort(port uint16) Rule {
	return Rule{
		Name:      "drop-port",
		Match:     MatchDstPort,
		DstPort:   port,
		Direction: Inbound,
		Action:    ActionDrop,
		Enabled:   true,
	}
}

package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/chainwall/internal/firewall"
)

type mockInspector struct {
	mock.Mock
}

func (m *mockInspector) Inspect(pkt firewall.Packet) firewall.Verdict {
	return m.Called(pkt).Get(0).(firewall.Verdict)
}

func TestHandler_Judge(t *testing.T) {
	insp := &mockInspector{}
	insp.On("Inspect", mock.MatchedBy(func(p firewall.Packet) bool { return p.DstPort == 443 })).
		Return(firewall.VerdictAllow)
	insp.On("Inspect", mock.MatchedBy(func(p firewall.Packet) bool { return p.DstPort == 23 })).
		Return(firewall.VerdictReject)
	insp.On("Inspect", mock.Anything).Return(firewall.VerdictDrop)

	h := NewHandler(insp, firewall.Inbound)

	assert.Equal(t, firewall.VerdictAllow, h.Judge(tcpPacket(t, 5000, 443, nil)))
	assert.Equal(t, firewall.VerdictReject, h.Judge(tcpPacket(t, 5000, 23, nil)))
	assert.Equal(t, firewall.VerdictDrop, h.Judge(tcpPacket(t, 5000, 8080, nil)))

	s := h.Snapshot()
	assert.Equal(t, uint64(3), s.Processed)
	assert.Equal(t, uint64(1), s.Accepted)
	assert.Equal(t, uint64(1), s.Rejected)
	assert.Equal(t, uint64(1), s.Dropped)
	assert.Zero(t, s.Passthrough)

	insp.AssertNumberOfCalls(t, "Inspect", 3)
	insp.AssertCalled(t, "Inspect", mock.MatchedBy(func(p firewall.Packet) bool {
		return p.Direction == firewall.Inbound
	}))
}

func TestHandler_PassthroughSkipsEngine(t *testing.T) {
	insp := &mockInspector{}
	h := NewHandler(insp, firewall.Outbound)

	v := h.Judge([]byte{0x60, 0, 0, 0})
	assert.Equal(t, firewall.VerdictAllow, v)
	assert.Equal(t, uint64(1), h.Snapshot().Passthrough)
	insp.AssertNotCalled(t, "Inspect", mock.Anything)
}

func TestHandler_MalformedIPv4Dropped(t *testing.T) {
	insp := &mockInspector{}
	h := NewHandler(insp, firewall.Inbound)

	short := []byte{0x45, 0, 0, 40, 0, 0, 0, 0, 64, 6, 0, 0}
	assert.Equal(t, firewall.VerdictDrop, h.Judge(short))
	assert.Equal(t, firewall.VerdictDrop, h.Judge(tcpPacket(t, 5000, 22, nil)[:30]))

	s := h.Snapshot()
	assert.Equal(t, uint64(2), s.Malformed)
	assert.Equal(t, uint64(2), s.Dropped)
	assert.Zero(t, s.Passthrough)
	insp.AssertNotCalled(t, "Inspect", mock.Anything)
}

func TestHandler_WithEngine(t *testing.T) {
	opts := firewall.DefaultOptions()
	opts.InboundPolicy = firewall.VerdictDrop
	e, err := firewall.New(opts)
	require.NoError(t, err)
	defer e.Shutdown()

	_, err = e.AddRule(firewall.Rule{
		Name:      "https",
		Match:     firewall.MatchDstPort | firewall.MatchProto,
		DstPort:   443,
		Proto:     firewall.ProtoTCP,
		Direction: firewall.Inbound,
		Action:    firewall.ActionAccept,
		Enabled:   true,
	})
	require.NoError(t, err)

	h := NewHandler(e, firewall.Inbound)
	assert.Equal(t, firewall.VerdictAllow, h.Judge(tcpPacket(t, 5000, 443, nil)))
	assert.Equal(t, firewall.VerdictDrop, h.Judge(tcpPacket(t, 5000, 22, nil)))
	assert.Equal(t, uint64(2), e.Metrics().PacketsInspected)
}

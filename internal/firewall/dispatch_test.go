package firewall

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/chainwall/internal/clock"
	"grimm.is/chainwall/internal/conntrack"
	"grimm.is/chainwall/internal/events"
)

func TestInspect_EndToEnd(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.AddRule(Rule{
		Name:      "block-http",
		Match:     MatchDstPort | MatchProto,
		DstPort:   80,
		Proto:     ProtoTCP,
		Direction: Inbound,
		Action:    ActionDrop,
		Enabled:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, VerdictDrop, e.Inspect(tcpIn("10.0.0.1", 1234, "10.0.0.2", 80)))
	assert.Equal(t, VerdictAllow, e.Inspect(tcpIn("10.0.0.1", 1235, "10.0.0.2", 443)))

	m := e.Metrics()
	assert.Equal(t, uint64(2), m.PacketsInspected)
	assert.Equal(t, uint64(1), m.PacketsDropped)
	assert.Equal(t, uint64(1), m.PacketsAccepted)
	assert.Equal(t, uint64(0), m.PacketsRejected)
	assert.Equal(t, uint64(1), m.RulesMatched)
	assert.Equal(t, uint64(1), m.ConnsTracked, "only the allowed packet is tracked")

	info, err := e.GetRule(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Hits)
	assert.Equal(t, uint64(60), info.Bytes)
}

func TestInspect_FirstMatchWins(t *testing.T) {
	e := newTestEngine(t)

	accept := dropPort(22)
	accept.Action = ActionAccept
	_, err := e.AddRule(accept)
	require.NoError(t, err)
	_, err = e.AddRule(dropPort(22))
	require.NoError(t, err)

	assert.Equal(t, VerdictAllow, e.Inspect(tcpIn("1.1.1.1", 1000, "2.2.2.2", 22)))

	second, _ := e.GetRule(1)
	assert.Equal(t, uint64(0), second.Hits, "rules after a terminal match are not evaluated")
}

func TestInspect_LogContinues(t *testing.T) {
	hub := events.NewHub()
	sub := hub.Subscribe(10, events.EventRuleLog)
	e := newTestEngine(t, func(o *Options) { o.Events = hub })

	logRule := Rule{Name: "audit-ssh", Match: MatchDstPort, DstPort: 22, Direction: Inbound, Action: ActionLog, Enabled: true}
	_, err := e.AddRule(logRule)
	require.NoError(t, err)
	_, err = e.AddRule(dropPort(22))
	require.NoError(t, err)

	assert.Equal(t, VerdictDrop, e.Inspect(tcpIn("1.1.1.1", 1000, "2.2.2.2", 22)))

	for _, idx := range []int{0, 1} {
		info, _ := e.GetRule(idx)
		assert.Equal(t, uint64(1), info.Hits, "rule %d", idx)
	}
	assert.Equal(t, uint64(2), e.Metrics().RulesMatched)

	select {
	case ev := <-sub:
		data, ok := ev.Data.(events.RuleLogData)
		require.True(t, ok)
		assert.Equal(t, 0, data.Index)
		assert.Equal(t, "audit-ssh", data.Name)
		assert.Equal(t, "2.2.2.2", data.DstIP)
		assert.Equal(t, "NEW", data.State)
	case <-time.After(time.Second):
		t.Fatal("expected a rule.log event")
	}
}

func TestInspect_LogOnlyFallsToPolicy(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.InboundPolicy = VerdictReject })

	_, err := e.AddRule(Rule{Action: ActionLog, Direction: Inbound, Enabled: true})
	require.NoError(t, err)

	assert.Equal(t, VerdictReject, e.Inspect(tcpIn("1.1.1.1", 1, "2.2.2.2", 2)))
	assert.Equal(t, uint64(1), e.Metrics().PacketsRejected)
}

func TestInspect_Return(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.InboundPolicy = VerdictDrop })

	ret := Rule{Match: MatchSrcIP, SrcIP: MustIPv4("10.0.0.0"), SrcMask: PrefixMask(8), Direction: Inbound, Action: ActionReturn, Enabled: true}
	_, err := e.AddRule(ret)
	require.NoError(t, err)
	accept := Rule{Direction: Inbound, Action: ActionAccept, Enabled: true}
	_, err = e.AddRule(accept)
	require.NoError(t, err)

	// RETURN stops the walk and applies the chain policy
	assert.Equal(t, VerdictDrop, e.Inspect(tcpIn("10.1.1.1", 1, "192.168.0.1", 80)))
	// Non-matching packets reach the catch-all accept
	assert.Equal(t, VerdictAllow, e.Inspect(tcpIn("172.16.0.1", 1, "192.168.0.1", 80)))
}

func TestApplyRules_UserChain(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddChain("web", 4, VerdictReject))

	r := Rule{Chain: "web", Match: MatchDstPort, DstPort: 443, Action: ActionAccept, Enabled: true}
	_, err := e.AddRule(r)
	require.NoError(t, err)

	assert.Equal(t, VerdictAllow, e.ApplyRules("web", tcpIn("1.1.1.1", 1, "2.2.2.2", 443)))
	assert.Equal(t, VerdictReject, e.ApplyRules("web", tcpIn("1.1.1.1", 1, "2.2.2.2", 80)))

	// User chains are not consulted by Inspect
	assert.Equal(t, VerdictAllow, e.Inspect(tcpIn("1.1.1.1", 2, "2.2.2.2", 80)))
}

func TestApplyRules_UnknownChainFailsSafe(t *testing.T) {
	e := newTestEngine(t)

	assert.Equal(t, VerdictDrop, e.ApplyRules("missing", tcpIn("1.1.1.1", 1, "2.2.2.2", 80)))

	m := e.Metrics()
	assert.Equal(t, uint64(1), m.PacketsInspected)
	assert.Equal(t, uint64(1), m.PacketsDropped)
	assert.Equal(t, uint64(1), m.FailSafeDrops)
	assert.Equal(t, uint64(0), m.ConnsTracked)
}

func TestApplyRules_CorruptChainFailsSafe(t *testing.T) {
	if debugInvariants {
		t.Skip("invariant violations panic in debug builds")
	}
	e := newTestEngine(t)

	e.mu.Lock()
	e.builtin[Inbound].count = len(e.slots) + 1
	e.mu.Unlock()

	assert.Equal(t, VerdictDrop, e.Inspect(tcpIn("1.1.1.1", 1, "2.2.2.2", 80)))
	assert.Equal(t, uint64(1), e.Metrics().FailSafeDrops)

	e.mu.Lock()
	e.builtin[Inbound].count = 0
	e.mu.Unlock()
}

func TestInspect_StatefulReply(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.InboundPolicy = VerdictDrop })

	// Inbound: only replies to connections we opened
	_, err := e.AddRule(Rule{
		Match:     MatchState,
		States:    StatesOf(conntrack.StateEstablished, conntrack.StateRelated),
		Direction: Inbound,
		Action:    ActionAccept,
		Enabled:   true,
	})
	require.NoError(t, err)

	out := Packet{Direction: Outbound, Proto: ProtoTCP, SrcIP: MustIPv4("192.168.1.10"), DstIP: MustIPv4("93.184.216.34"), SrcPort: 50000, DstPort: 443, Length: 60}
	reply := Packet{Direction: Inbound, Proto: ProtoTCP, SrcIP: out.DstIP, DstIP: out.SrcIP, SrcPort: 443, DstPort: 50000, Length: 1500}
	stranger := reply
	stranger.SrcPort = 8443

	// Unsolicited inbound is dropped
	assert.Equal(t, VerdictDrop, e.Inspect(reply))

	assert.Equal(t, VerdictAllow, e.Inspect(out))
	flow, _, ok := e.Tracker().Lookup(out.Key())
	require.True(t, ok)
	assert.Equal(t, conntrack.StateNew, flow.State)

	// The reply is seen as ESTABLISHED and moves the flow there
	assert.Equal(t, VerdictAllow, e.Inspect(reply))
	flow, _, _ = e.Tracker().Lookup(out.Key())
	assert.Equal(t, conntrack.StateEstablished, flow.State)

	assert.Equal(t, VerdictDrop, e.Inspect(stranger))
	assert.Equal(t, uint64(1), e.Metrics().ConnsTracked)
}

func TestInspect_FlowsKeepTheirDirection(t *testing.T) {
	e := newTestEngine(t)

	in := tcpIn("1.1.1.1", 4000, "2.2.2.2", 22)
	out := in
	out.Direction = Outbound

	assert.Equal(t, VerdictAllow, e.Inspect(in))
	assert.Equal(t, VerdictAllow, e.Inspect(out))
	assert.Equal(t, 2, e.Tracker().Len(), "same tuple on the other hook is its own flow")

	flow, _, ok := e.Tracker().Lookup(in.Key())
	require.True(t, ok)
	assert.Equal(t, conntrack.DirInbound, flow.Key.Dir)
	assert.Equal(t, conntrack.StateNew, flow.State)

	flow, _, ok = e.Tracker().Lookup(out.Key())
	require.True(t, ok)
	assert.Equal(t, conntrack.DirOutbound, flow.Key.Dir)
	assert.Equal(t, conntrack.StateNew, flow.State, "not mistaken for a reply")
}

func TestConntrackSweep(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	hub := events.NewHub()
	sub := hub.Subscribe(4, events.EventFlowExpired)
	e := newTestEngine(t, func(o *Options) {
		o.Clock = mock
		o.Events = hub
	})

	e.Inspect(tcpIn("1.1.1.1", 1, "2.2.2.2", 80))
	mock.Advance(100 * time.Second)
	e.Inspect(tcpIn("1.1.1.1", 2, "2.2.2.2", 80))

	now := e.Ticker().Now()
	assert.Equal(t, uint64(100), now)

	assert.Equal(t, 1, e.ConntrackSweep(now, 30))
	assert.Equal(t, 0, e.ConntrackSweep(now, 30), "sweep is idempotent")
	assert.Equal(t, 1, e.Tracker().Len())

	m := e.Metrics()
	assert.Equal(t, uint64(1), m.ConnsReclaimed)
	assert.Equal(t, int64(1), m.ConnsActive)

	select {
	case ev := <-sub:
		assert.Equal(t, 1, ev.Data.(events.SweepData).Removed)
	case <-time.After(time.Second):
		t.Fatal("expected a flow.expired event")
	}
}

func TestMarkRelated(t *testing.T) {
	e := newTestEngine(t)
	pkt := tcpIn("1.1.1.1", 1, "2.2.2.2", 21)

	assert.False(t, e.MarkRelated(pkt))
	e.Inspect(pkt)
	assert.True(t, e.MarkRelated(pkt))

	st, _ := e.Tracker().Peek(pkt.Key())
	assert.Equal(t, conntrack.StateRelated, st)
}

func TestInspect_ConntrackFull(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.Conntrack = conntrack.Options{Buckets: 4, MaxEntries: 1}
	})

	assert.Equal(t, VerdictAllow, e.Inspect(tcpIn("1.1.1.1", 1, "2.2.2.2", 80)))
	assert.Equal(t, VerdictAllow, e.Inspect(tcpIn("1.1.1.1", 2, "2.2.2.2", 80)), "verdict is unaffected by tracker capacity")

	m := e.Metrics()
	assert.Equal(t, uint64(1), m.ConnsTracked)
	assert.Equal(t, uint64(1), m.ConnInsertFailed)
}

func TestInspect_ConcurrentWithMutations(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.AddRule(dropPort(80))
	require.NoError(t, err)

	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				port := uint16(80)
				if i%2 == 1 {
					port = 443
				}
				e.Inspect(tcpIn("10.0.0.1", uint16(w*perWorker+i), "10.0.0.2", port))
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			idx, err := e.AddRule(dropPort(uint16(9000 + i)))
			if err == nil {
				_ = e.DeleteRule(idx)
			}
			e.ConntrackSweep(0, 1000)
		}
	}()
	wg.Wait()

	m := e.Metrics()
	assert.Equal(t, uint64(workers*perWorker), m.PacketsInspected)
	assert.Equal(t, m.PacketsInspected, m.PacketsAccepted+m.PacketsDropped+m.PacketsRejected)
	assert.Equal(t, uint64(workers*perWorker/2), m.PacketsDropped)

	info, err := e.GetRule(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*perWorker/2), info.Hits)
	assert.Equal(t, info.Hits*60, info.Bytes, "counters agree once traffic stops")
}

func TestRestoreFlows(t *testing.T) {
	e := newTestEngine(t, func(o *Options) {
		o.Conntrack = conntrack.Options{Buckets: 8, MaxEntries: 2}
	})

	pkt := tcpIn("1.1.1.1", 1, "2.2.2.2", 22)
	flows := []conntrack.Flow{
		{Key: pkt.Key(), State: conntrack.StateEstablished},
		{Key: tcpIn("1.1.1.1", 2, "2.2.2.2", 22).Key(), State: conntrack.StateNew},
		{Key: tcpIn("1.1.1.1", 3, "2.2.2.2", 22).Key(), State: conntrack.StateNew},
	}

	n, err := e.RestoreFlows(flows)
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), e.Metrics().ConnsActive)

	st, ok := e.Tracker().Peek(pkt.Key())
	require.True(t, ok)
	assert.Equal(t, conntrack.StateEstablished, st)
}

package netsim

import (
	"net/netip"
	"testing"

	"github.com/iti/qosim/evtsched"
	"github.com/iti/qosim/flowmon"
	"github.com/iti/qosim/mobility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a PacketObserver that keeps everything it is told
type recorder struct {
	sent     []Packet
	received []Packet
	rxTimes  []float64
	dropped  []Packet
	reasons  []DropReason
}

func (rec *recorder) PacketSent(pkt Packet, now float64) {
	rec.sent = append(rec.sent, pkt)
}

func (rec *recorder) PacketReceived(pkt Packet, now float64) {
	rec.received = append(rec.received, pkt)
	rec.rxTimes = append(rec.rxTimes, now)
}

func (rec *recorder) PacketDropped(pkt Packet, reason DropReason, now float64) {
	rec.dropped = append(rec.dropped, pkt)
	rec.reasons = append(rec.reasons, reason)
}

// testNet bundles a network with the scheduler and mobility engine it runs on
type testNet struct {
	sched *evtsched.Scheduler
	mob   *mobility.Engine
	net   *Network
	rec   *recorder
}

func newTestNet(t *testing.T) *testNet {
	t.Helper()
	tn := new(testNet)
	tn.sched = evtsched.New()
	tn.mob = mobility.CreateEngine(tn.sched)
	tn.net = CreateNetwork("test", tn.sched, tn.mob)
	tn.rec = new(recorder)
	tn.net.AddObserver(tn.rec)
	return tn
}

func (tn *testNet) node(t *testing.T, name string) *Node {
	t.Helper()
	node, err := tn.net.CreateNode(name)
	require.NoError(t, err)
	return node
}

func (tn *testNet) intrfc(t *testing.T, node *Node, name string, media NetworkMedia, prefix string) *Intrfc {
	t.Helper()
	intrfc, err := node.AddIntrfc(name, media, netip.MustParsePrefix(prefix))
	require.NoError(t, err)
	return intrfc
}

func (tn *testNet) p2p(t *testing.T, name string, rate, latency float64, a, b *Intrfc) *PointToPoint {
	t.Helper()
	link, err := CreatePointToPoint(tn.net, name, rate, latency)
	require.NoError(t, err)
	require.NoError(t, link.Attach(a))
	require.NoError(t, link.Attach(b))
	return link
}

// at schedules action at an absolute time
func (tn *testNet) at(t *testing.T, when float64, action func()) {
	t.Helper()
	_, err := tn.sched.ScheduleAt(when, action)
	require.NoError(t, err)
}

// chain builds a--b--c over point-to-point links and computes routes
func chain(t *testing.T, rate, latency float64) (*testNet, *Node, *Node, *Node) {
	tn := newTestNet(t)
	a, b, c := tn.node(t, "a"), tn.node(t, "b"), tn.node(t, "c")
	tn.p2p(t, "ab", rate, latency,
		tn.intrfc(t, a, "a-0", Wired, "10.0.0.1/24"), tn.intrfc(t, b, "b-0", Wired, "10.0.0.2/24"))
	tn.p2p(t, "bc", rate, latency,
		tn.intrfc(t, b, "b-1", Wired, "10.0.1.1/24"), tn.intrfc(t, c, "c-0", Wired, "10.0.1.2/24"))
	require.NoError(t, tn.net.ComputeRoutes())
	return tn, a, b, c
}

func udp(dst string, port uint16, size int, seq uint64) Packet {
	return Packet{Size: size, Dst: netip.MustParseAddr(dst), DstPort: port, Protocol: flowmon.ProtoUDP, Seq: seq}
}

func TestNodeAndIntrfcNamesAreUnique(t *testing.T) {
	tn := newTestNet(t)
	a := tn.node(t, "a")
	_, err := tn.net.CreateNode("a")
	assert.ErrorIs(t, err, ErrDuplicateName)

	tn.intrfc(t, a, "a-0", Wired, "10.0.0.1/24")
	_, err = a.AddIntrfc("a-0", Wired, netip.MustParsePrefix("10.0.0.9/24"))
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = a.AddIntrfc("a-1", Wired, netip.MustParsePrefix("10.0.0.1/24"))
	assert.ErrorIs(t, err, ErrBadAddress)

	_, err = a.AddIntrfc("a-2", Wired, netip.MustParsePrefix("2001:db8::1/64"))
	assert.ErrorIs(t, err, ErrBadAddress)

	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), a.PrimaryAddr())
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), a.Intrfcs[0].Subnet())
	assert.Equal(t, []string{"a"}, tn.net.NodeNames())
	assert.Equal(t, Wireless, NetMediaFromStr("Wireless"))
	assert.Equal(t, "wired", Wired.String())
}

func TestForwardingAcrossChain(t *testing.T) {
	tn, a, _, c := chain(t, 1e9, 0.005)
	sink, err := CreateSink(c, 9, 0, 10)
	require.NoError(t, err)

	tn.at(t, 1, func() { a.Send(udp("10.0.1.2", 9, 125, 0)) })
	require.NoError(t, tn.sched.RunUntil(10))

	require.Len(t, tn.rec.sent, 1)
	require.Len(t, tn.rec.received, 1)
	assert.Empty(t, tn.rec.dropped)

	pkt := tn.rec.received[0]
	assert.Equal(t, uint64(1), pkt.ID)
	assert.Equal(t, 1.0, pkt.SendTime)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), pkt.Src)
	assert.Equal(t, DefaultTTL-1, pkt.TTL)
	// two hops of 1 microsecond serialization plus 5 ms propagation
	assert.InDelta(t, 1.0+2*(0.005+1e-6), tn.rec.rxTimes[0], 1e-12)
	assert.Equal(t, 1, sink.Received())
	assert.Equal(t, int64(125), sink.Bytes())
}

func TestDropsAreReportedNotRaised(t *testing.T) {
	tn, a, _, c := chain(t, 1e9, 0.001)
	_, err := CreateSink(c, 9, 0, 10)
	require.NoError(t, err)

	tn.at(t, 1, func() {
		a.Send(udp("192.0.2.1", 9, 100, 0)) // nowhere
		a.Send(udp("10.0.1.2", 7, 100, 1))  // no one listening
		ttl := udp("10.0.1.2", 9, 100, 2)   // expires at b
		ttl.TTL = 1
		a.Send(ttl)
	})
	require.NoError(t, tn.sched.RunUntil(10))

	assert.Len(t, tn.rec.sent, 3)
	assert.Empty(t, tn.rec.received)
	assert.ElementsMatch(t, []DropReason{DropNoRoute, DropNoListener, DropTTL}, tn.rec.reasons)
	assert.Equal(t, map[DropReason]int{DropNoRoute: 1, DropNoListener: 1, DropTTL: 1}, tn.net.Drops())
	assert.Equal(t, uint64(3), tn.net.PacketsSent())
}

func TestSendToSelfIsDeliveredLocally(t *testing.T) {
	tn := newTestNet(t)
	a := tn.node(t, "a")
	tn.intrfc(t, a, "a-0", Wired, "10.0.0.1/24")
	sink, err := CreateSink(a, 9, 0, 10)
	require.NoError(t, err)

	a.Send(udp("10.0.0.1", 9, 10, 0))
	assert.Equal(t, 1, sink.Received())
	require.Len(t, tn.rec.received, 1)

	assert.ErrorIs(t, a.Bind(9, sink), ErrDuplicateName)
}

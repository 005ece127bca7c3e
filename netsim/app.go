package netsim

// app.go holds the application endpoints of a flow: a constant-rate on/off
// sender and a datagram server that counts what arrives

import (
	"fmt"
	"net/netip"

	"github.com/iti/qosim/evtsched"
	"github.com/iti/qosim/flowmon"
)

// DefaultSrcPort is the first ephemeral port, given to generators that do not pick one
const DefaultSrcPort uint16 = 49153

// Generator sends PacketSize-byte datagrams at Rate bits/sec from StartTime
// until StopTime.  The first packet leaves at StartTime; none leaves at or after StopTime.
type Generator struct {
	Node       *Node
	Dst        netip.Addr
	DstPort    uint16
	SrcPort    uint16
	Protocol   uint8
	Rate       float64 // bits per second
	PacketSize int     // bytes
	StartTime  float64
	StopTime   float64

	seq     uint64
	sent    int
	pending evtsched.Handle
	running bool
}

// CreateGenerator is a constructor
func CreateGenerator(node *Node, dst netip.Addr, dstPort uint16, rate float64, pcktSize int,
	start, stop float64) (*Generator, error) {

	if rate <= 0 || pcktSize <= 0 {
		return nil, fmt.Errorf("netsim: generator on %s needs positive rate and packet size", node.Name)
	}
	if start < 0 || stop < start {
		return nil, fmt.Errorf("netsim: generator on %s has bad activity window [%g, %g)", node.Name, start, stop)
	}
	gen := new(Generator)
	gen.Node = node
	gen.Dst = dst
	gen.DstPort = dstPort
	gen.SrcPort = DefaultSrcPort
	gen.Protocol = flowmon.ProtoUDP
	gen.Rate = rate
	gen.PacketSize = pcktSize
	gen.StartTime = start
	gen.StopTime = stop
	return gen, nil
}

// Interval is the time between consecutive sends
func (gen *Generator) Interval() float64 {
	return serializationDelay(gen.PacketSize, gen.Rate)
}

// Start schedules the first send at StartTime, or now if that has passed
func (gen *Generator) Start() error {
	if gen.running {
		return nil
	}
	sched := gen.Node.net.sched
	at := gen.StartTime
	if at < sched.Now() {
		at = sched.Now()
	}
	h, err := sched.ScheduleAt(at, gen.sendNext)
	if err != nil {
		return fmt.Errorf("netsim: starting generator on %s: %w", gen.Node.Name, err)
	}
	gen.pending = h
	gen.running = true
	return nil
}

// Halt cancels the pending send, if any
func (gen *Generator) Halt() {
	if !gen.running {
		return
	}
	gen.Node.net.sched.Cancel(gen.pending)
	gen.pending = evtsched.Handle{}
	gen.running = false
}

// Running reports whether a send is pending
func (gen *Generator) Running() bool {
	return gen.running
}

// Sent returns the number of packets sent so far
func (gen *Generator) Sent() int {
	return gen.sent
}

// sendNext is the self-repeating send action
func (gen *Generator) sendNext() {
	sched := gen.Node.net.sched
	if sched.Now() >= gen.StopTime {
		gen.running = false
		gen.pending = evtsched.Handle{}
		return
	}

	pkt := Packet{Size: gen.PacketSize, Src: gen.Node.PrimaryAddr(), Dst: gen.Dst,
		SrcPort: gen.SrcPort, DstPort: gen.DstPort, Protocol: gen.Protocol, Seq: gen.seq}
	gen.seq += 1
	gen.sent += 1
	gen.Node.Send(pkt)

	h, err := sched.Schedule(gen.Interval(), gen.sendNext)
	if err != nil {
		panic(fmt.Errorf("netsim: generator on %s: %w", gen.Node.Name, err))
	}
	gen.pending = h
}

// Sink is a datagram server bound to a port, accepting packets while active in [StartTime, StopTime)
type Sink struct {
	Node      *Node
	Port      uint16
	StartTime float64
	StopTime  float64

	received   int
	bytes      int64
	maxSeq     uint64
	seenAny    bool
	lastArrive float64
}

// CreateSink is a constructor, binding the sink to port on node
func CreateSink(node *Node, port uint16, start, stop float64) (*Sink, error) {
	if stop < start {
		return nil, fmt.Errorf("netsim: sink on %s has bad activity window [%g, %g)", node.Name, start, stop)
	}
	sink := new(Sink)
	sink.Node = node
	sink.Port = port
	sink.StartTime = start
	sink.StopTime = stop
	if err := node.Bind(port, sink); err != nil {
		return nil, err
	}
	return sink, nil
}

// Active reports whether the sink accepts packets at time t
func (sink *Sink) Active(t float64) bool {
	return sink.StartTime <= t && t < sink.StopTime
}

// Accept counts the packet if the sink is active
func (sink *Sink) Accept(pkt Packet, now float64) bool {
	if !sink.Active(now) {
		return false
	}
	sink.received += 1
	sink.bytes += int64(pkt.Size)
	sink.lastArrive = now
	if !sink.seenAny || pkt.Seq > sink.maxSeq {
		sink.maxSeq = pkt.Seq
	}
	sink.seenAny = true
	return true
}

// Received returns the number of packets accepted
func (sink *Sink) Received() int {
	return sink.received
}

// Bytes returns the payload bytes accepted
func (sink *Sink) Bytes() int64 {
	return sink.bytes
}

// LastArrival returns the time the latest accepted packet arrived
func (sink *Sink) LastArrival() float64 {
	return sink.lastArrive
}

// Lost estimates the packets missing from the sequence-number range seen so far
func (sink *Sink) Lost() int {
	if !sink.seenAny {
		return 0
	}
	expected := int(sink.maxSeq) + 1
	if expected < sink.received {
		return 0
	}
	return expected - sink.received
}

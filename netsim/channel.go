package netsim

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrChannelFull is returned when a point-to-point channel is given a third interface
	ErrChannelFull = errors.New("netsim: channel already has two interfaces")

	// ErrMediaMismatch is returned when an interface's media does not match the channel's
	ErrMediaMismatch = errors.New("netsim: interface media does not match channel")

	// ErrAttached is returned when an interface is attached to a second channel
	ErrAttached = errors.New("netsim: interface already attached")
)

// DeliveryChannel accepts a packet for transmission toward a next hop and
// eventually delivers it to the next hop's interface, or drops it
type DeliveryChannel interface {
	Name() string
	Media() NetworkMedia
	Attach(intrfc *Intrfc) error
	Intrfcs() []*Intrfc
	Transmit(from *Intrfc, nextHop netip.Addr, pkt Packet)
}

// serializationDelay is the time to clock size bytes onto a link of rate bits/sec
func serializationDelay(size int, rate float64) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(size*8) / rate
}

// attachCheck holds the checks common to every channel's Attach
func attachCheck(dc DeliveryChannel, intrfc *Intrfc) error {
	if intrfc.Channel != nil {
		return fmt.Errorf("%w: %s on %s", ErrAttached, intrfc.Name, intrfc.Channel.Name())
	}
	if intrfc.Media != dc.Media() {
		return fmt.Errorf("%w: %s is %s, %s is %s", ErrMediaMismatch, intrfc.Name, intrfc.Media,
			dc.Name(), dc.Media())
	}
	return nil
}

// peerByAddr finds among the attached interfaces the one holding addr
func peerByAddr(intrfcs []*Intrfc, from *Intrfc, addr netip.Addr) *Intrfc {
	for _, intrfc := range intrfcs {
		if intrfc != from && intrfc.Addr() == addr {
			return intrfc
		}
	}
	return nil
}

// PointToPoint is a wired link between exactly two interfaces.  Each direction
// has its own transmitter; a packet starts serializing when the one before it
// in the same direction has finished.
type PointToPoint struct {
	name    string
	net     *Network
	Rate    float64 // bits per second
	Latency float64 // propagation delay, seconds
	ends    []*Intrfc

	busyUntil map[int]float64 // per sending interface number
}

// CreatePointToPoint is a constructor
func CreatePointToPoint(net *Network, name string, rate, latency float64) (*PointToPoint, error) {
	if rate <= 0 || latency < 0 {
		return nil, fmt.Errorf("netsim: point-to-point %s needs positive rate and non-negative latency", name)
	}
	p2p := new(PointToPoint)
	p2p.name = name
	p2p.net = net
	p2p.Rate = rate
	p2p.Latency = latency
	p2p.ends = make([]*Intrfc, 0, 2)
	p2p.busyUntil = make(map[int]float64)
	net.addChannel(p2p)
	return p2p, nil
}

func (p2p *PointToPoint) Name() string        { return p2p.name }
func (p2p *PointToPoint) Media() NetworkMedia { return Wired }
func (p2p *PointToPoint) Intrfcs() []*Intrfc  { return p2p.ends }

// Attach connects one end of the link
func (p2p *PointToPoint) Attach(intrfc *Intrfc) error {
	if len(p2p.ends) == 2 {
		return fmt.Errorf("%w: %s", ErrChannelFull, p2p.name)
	}
	if err := attachCheck(p2p, intrfc); err != nil {
		return err
	}
	p2p.ends = append(p2p.ends, intrfc)
	intrfc.Channel = p2p
	return nil
}

// other returns the interface at the far end from intrfc
func (p2p *PointToPoint) other(intrfc *Intrfc) *Intrfc {
	if len(p2p.ends) != 2 {
		return nil
	}
	if p2p.ends[0] == intrfc {
		return p2p.ends[1]
	}
	return p2p.ends[0]
}

// Transmit queues the packet on from's transmitter and schedules its arrival at the far end.
// The far end receives every packet whatever the next hop, as on a real wire.
func (p2p *PointToPoint) Transmit(from *Intrfc, nextHop netip.Addr, pkt Packet) {
	to := p2p.other(from)
	if to == nil {
		panic(fmt.Errorf("netsim: transmit on %s from unattached or half-attached %s", p2p.name, from.Name))
	}

	now := p2p.net.sched.Now()
	start := now
	if busy := p2p.busyUntil[from.Number]; busy > start {
		start = busy
	}
	done := start + serializationDelay(pkt.Size, p2p.Rate)
	p2p.busyUntil[from.Number] = done

	p2p.net.deliverAfter(done+p2p.Latency-now, to, pkt)
}

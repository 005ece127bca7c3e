package netsim

import (
	"fmt"
	"net/netip"

	"github.com/iti/qosim/flowmon"
)

// DefaultTTL is the hop limit stamped on packets that enter the network without one
const DefaultTTL = 64

// Packet is a datagram in transit.  Packets are passed by value so that
// nothing downstream of the sender can alter what was sent.
type Packet struct {
	ID       uint64     // unique within a Network, assigned on entry
	Size     int        // payload bytes
	Src      netip.Addr // source address
	Dst      netip.Addr // destination address
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8   // IP protocol number
	SendTime float64 // virtual time the packet entered the network
	Seq      uint64  // sequence number assigned by the sending application
	TTL      int
}

// FlowKey returns the five-tuple the packet is classified by
func (pkt Packet) FlowKey() flowmon.FiveTuple {
	return flowmon.FiveTuple{Src: pkt.Src, Dst: pkt.Dst, Protocol: pkt.Protocol,
		SrcPort: pkt.SrcPort, DstPort: pkt.DstPort}
}

func (pkt Packet) String() string {
	return fmt.Sprintf("pkt %d seq %d %s (%d bytes)", pkt.ID, pkt.Seq, pkt.FlowKey(), pkt.Size)
}

// DropReason says why the network discarded a packet
type DropReason string

const (
	DropOutOfRange DropReason = "out-of-range"
	DropFading     DropReason = "fading"
	DropNoRoute    DropReason = "no-route"
	DropNoListener DropReason = "no-listener"
	DropTTL        DropReason = "ttl-expired"
)

// PacketObserver is notified where packets enter the network, leave it, or are lost in it
type PacketObserver interface {
	PacketSent(pkt Packet, now float64)
	PacketReceived(pkt Packet, now float64)
	PacketDropped(pkt Packet, reason DropReason, now float64)
}

// Receiver is an application bound to a port of a node.  Accept reports
// whether the application took the packet.
type Receiver interface {
	Accept(pkt Packet, now float64) bool
}

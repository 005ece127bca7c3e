package netsim

import (
	"github.com/iti/qosim/flowmon"
)

// FlowTap feeds the packets the network reports into a QoS monitor.
// Packets are identified within their flow by their network-wide id.
type FlowTap struct {
	mon *flowmon.Monitor
}

// CreateFlowTap is a constructor
func CreateFlowTap(mon *flowmon.Monitor) *FlowTap {
	return &FlowTap{mon: mon}
}

func (fp *FlowTap) PacketSent(pkt Packet, now float64) {
	fp.mon.RecordSend(pkt.FlowKey(), pkt.ID, pkt.Size, now)
}

func (fp *FlowTap) PacketReceived(pkt Packet, now float64) {
	fp.mon.RecordReceive(pkt.FlowKey(), pkt.ID, pkt.Size, now, pkt.SendTime)
}

func (fp *FlowTap) PacketDropped(pkt Packet, reason DropReason, now float64) {
	fp.mon.RecordDrop(pkt.FlowKey(), pkt.ID, string(reason), now)
}

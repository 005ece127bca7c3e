package netsim

// wireless.go models the access link between a moving device and its base
// station.  Whether a packet gets through, and how long it takes, depends on
// the distance between the two nodes at the moment the packet is sent.

import (
	"fmt"
	"math"
	"math/rand/v2"
	"net/netip"
	"sync"

	"github.com/iti/rngstream"
)

// Verdict is a channel policy's decision about one packet
type Verdict struct {
	Delay  float64    // seconds from send to arrival, when not dropped
	Drop   bool       // whether the packet is lost
	Reason DropReason // why, when dropped
}

// ChannelPolicy maps sender/receiver distance and packet size to a delivery verdict
type ChannelPolicy interface {
	Evaluate(distance float64, size int) Verdict
}

// RangePolicy delivers every packet within MaxRange metres, after a delay that
// grows linearly with distance, and drops every packet beyond it
type RangePolicy struct {
	BaseDelay float64 `json:"basedelay" yaml:"basedelay"` // seconds
	PerMeter  float64 `json:"permeter" yaml:"permeter"`   // seconds per metre
	Rate      float64 `json:"rate" yaml:"rate"`           // bits per second
	MaxRange  float64 `json:"maxrange" yaml:"maxrange"`   // metres
}

// Evaluate applies the range threshold
func (rp RangePolicy) Evaluate(distance float64, size int) Verdict {
	if distance > rp.MaxRange {
		return Verdict{Drop: true, Reason: DropOutOfRange}
	}
	return Verdict{Delay: rp.delay(distance, size)}
}

func (rp RangePolicy) delay(distance float64, size int) float64 {
	return rp.BaseDelay + distance*rp.PerMeter + serializationDelay(size, rp.Rate)
}

// rngMu serializes creation of rngstream streams, whose seeds are drawn from package state
var rngMu sync.Mutex

// FadingPolicy has the delay of a RangePolicy, but loses packets with a probability
// that rises linearly from 0 at SoftRange to 1 at MaxRange
type FadingPolicy struct {
	RangePolicy
	SoftRange float64

	u01 func() float64
}

// CreateFadingPolicy is a constructor.  Each policy draws from its own named
// rngstream, so sequences depend on how many streams the process already made.
func CreateFadingPolicy(name string, rp RangePolicy, softRange float64) (*FadingPolicy, error) {
	fp, err := newFadingPolicy(name, rp, softRange)
	if err != nil {
		return nil, err
	}
	rngMu.Lock()
	rngstrm := rngstream.New(name)
	rngMu.Unlock()
	fp.u01 = rngstrm.RandU01
	return fp, nil
}

// CreateSeededFadingPolicy is a constructor whose loss samples depend only on seed
func CreateSeededFadingPolicy(name string, rp RangePolicy, softRange float64, seed uint64) (*FadingPolicy, error) {
	fp, err := newFadingPolicy(name, rp, softRange)
	if err != nil {
		return nil, err
	}
	fp.u01 = rand.New(rand.NewPCG(seed, seed^pcgStream)).Float64
	return fp, nil
}

// pcgStream derives the second PCG word from the seed
const pcgStream = 0x9e3779b97f4a7c15

func newFadingPolicy(name string, rp RangePolicy, softRange float64) (*FadingPolicy, error) {
	if softRange < 0 || softRange > rp.MaxRange {
		return nil, fmt.Errorf("netsim: fading policy %s needs 0 <= soft range (%g) <= max range (%g)",
			name, softRange, rp.MaxRange)
	}
	fp := new(FadingPolicy)
	fp.RangePolicy = rp
	fp.SoftRange = softRange
	return fp, nil
}

// DropProb returns the probability a packet sent over distance is lost
func (fp *FadingPolicy) DropProb(distance float64) float64 {
	switch {
	case distance <= fp.SoftRange:
		return 0.0
	case distance >= fp.MaxRange:
		return 1.0
	}
	return (distance - fp.SoftRange) / (fp.MaxRange - fp.SoftRange)
}

// Evaluate samples the fading loss
func (fp *FadingPolicy) Evaluate(distance float64, size int) Verdict {
	if distance > fp.MaxRange {
		return Verdict{Drop: true, Reason: DropOutOfRange}
	}
	if prob := fp.DropProb(distance); prob > 0 && fp.u01() < prob {
		return Verdict{Drop: true, Reason: DropFading}
	}
	return Verdict{Delay: fp.delay(distance, size)}
}

// WirelessChannel is a shared medium joining a base station to the devices it serves
type WirelessChannel struct {
	name   string
	net    *Network
	policy ChannelPolicy
	member []*Intrfc
}

// CreateWireless is a constructor
func CreateWireless(net *Network, name string, policy ChannelPolicy) (*WirelessChannel, error) {
	if policy == nil {
		return nil, fmt.Errorf("netsim: wireless channel %s needs a policy", name)
	}
	if net.positions == nil {
		return nil, fmt.Errorf("netsim: wireless channel %s needs a network with a position source", name)
	}
	wc := new(WirelessChannel)
	wc.name = name
	wc.net = net
	wc.policy = policy
	wc.member = make([]*Intrfc, 0)
	net.addChannel(wc)
	return wc, nil
}

func (wc *WirelessChannel) Name() string          { return wc.name }
func (wc *WirelessChannel) Media() NetworkMedia   { return Wireless }
func (wc *WirelessChannel) Intrfcs() []*Intrfc    { return wc.member }
func (wc *WirelessChannel) Policy() ChannelPolicy { return wc.policy }

// Attach adds an interface to the medium
func (wc *WirelessChannel) Attach(intrfc *Intrfc) error {
	if err := attachCheck(wc, intrfc); err != nil {
		return err
	}
	wc.member = append(wc.member, intrfc)
	intrfc.Channel = wc
	return nil
}

// Distance returns the separation of two nodes at the current time.
// A node on a wireless channel without mobility state is a topology fault.
func (wc *WirelessChannel) Distance(from, to *Node) float64 {
	now := wc.net.sched.Now()
	posA, err := wc.net.positions.PositionAt(from.Name, now)
	if err != nil {
		panic(fmt.Errorf("netsim: wireless %s: %w", wc.name, err))
	}
	posB, err := wc.net.positions.PositionAt(to.Name, now)
	if err != nil {
		panic(fmt.Errorf("netsim: wireless %s: %w", wc.name, err))
	}
	return posA.DistanceTo(posB)
}

// Transmit looks up the next hop among the members and asks the policy what
// becomes of the packet at the present sender/receiver distance
func (wc *WirelessChannel) Transmit(from *Intrfc, nextHop netip.Addr, pkt Packet) {
	to := peerByAddr(wc.member, from, nextHop)
	if to == nil {
		wc.net.drop(from.Node, pkt, DropNoRoute)
		return
	}

	distance := wc.Distance(from.Node, to.Node)
	verdict := wc.policy.Evaluate(distance, pkt.Size)
	if verdict.Drop {
		wc.net.drop(from.Node, pkt, verdict.Reason)
		return
	}
	if math.IsNaN(verdict.Delay) || verdict.Delay < 0 {
		panic(fmt.Errorf("netsim: wireless %s policy gave delay %g", wc.name, verdict.Delay))
	}
	wc.net.deliverAfter(verdict.Delay, to, pkt)
}

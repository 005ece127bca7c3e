package flowmon

// flowmon.go classifies packets observed at the edges of the simulated network
// into flows and accumulates per-flow QoS statistics.  A Monitor is mutated
// only from scheduler actions while a run is in progress and becomes read-only
// once Finalize is called.

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sort"
)

var (
	// ErrUnknownFlow signals a receive or drop on a flow that never sent anything
	ErrUnknownFlow = errors.New("flowmon: no send recorded for flow")

	// ErrUnknownPacket signals a receive or drop of a sequence number not in flight on its flow
	ErrUnknownPacket = errors.New("flowmon: packet not in flight")

	// ErrFinalized signals a mutation of a monitor after the run has stopped
	ErrFinalized = errors.New("flowmon: monitor is finalized")

	// ErrNotFinalized is returned when statistics are requested while the run is still going
	ErrNotFinalized = errors.New("flowmon: monitor not yet finalized")
)

// IP protocol numbers of the transports that show up in flow keys
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

var protoToStr map[uint8]string = map[uint8]string{ProtoTCP: "tcp", ProtoUDP: "udp"}

// ProtoName returns the conventional name of an IP protocol number
func ProtoName(proto uint8) string {
	name, present := protoToStr[proto]
	if present {
		return name
	}
	return fmt.Sprintf("proto-%d", proto)
}

// FiveTuple identifies a unidirectional flow
type FiveTuple struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
	SrcPort  uint16
	DstPort  uint16
}

func (ft FiveTuple) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d", ProtoName(ft.Protocol), ft.Src, ft.SrcPort, ft.Dst, ft.DstPort)
}

// Classifier maps five-tuples to flow ids, handing out ids in order of first
// observation starting at 1
type Classifier struct {
	idByKey map[FiveTuple]int
	keyByID map[int]FiveTuple
	nxtID   int
}

// CreateClassifier is a constructor
func CreateClassifier() *Classifier {
	fc := new(Classifier)
	fc.idByKey = make(map[FiveTuple]int)
	fc.keyByID = make(map[int]FiveTuple)
	fc.nxtID = 1
	return fc
}

// Classify returns the flow id for key, creating one if the key is new
func (fc *Classifier) Classify(key FiveTuple) (int, bool) {
	id, present := fc.idByKey[key]
	if present {
		return id, false
	}
	id = fc.nxtID
	fc.nxtID += 1
	fc.idByKey[key] = id
	fc.keyByID[id] = key
	return id, true
}

// Lookup returns the id of a known flow
func (fc *Classifier) Lookup(key FiveTuple) (int, bool) {
	id, present := fc.idByKey[key]
	return id, present
}

// FindFlow returns the key of the flow with the given id
func (fc *Classifier) FindFlow(id int) (FiveTuple, bool) {
	key, present := fc.keyByID[id]
	return key, present
}

// FlowRecord accumulates everything observed about one flow
type FlowRecord struct {
	ID  int
	Key FiveTuple

	TxPackets   int
	TxBytes     int64
	RxPackets   int
	RxBytes     int64
	LostPackets int

	DelaySum   float64
	DelaySqSum float64
	LastDelay  float64
	Jitter     float64
	jitterN    int // number of delay deltas folded into Jitter

	FirstTx float64
	LastTx  float64
	FirstRx float64
	LastRx  float64

	DropsByReason map[string]int

	// send time of every packet sent and not yet received or dropped, by sequence number
	inFlight map[uint64]float64
}

func createFlowRecord(id int, key FiveTuple) *FlowRecord {
	fr := new(FlowRecord)
	fr.ID = id
	fr.Key = key
	fr.DropsByReason = make(map[string]int)
	fr.inFlight = make(map[uint64]float64)
	return fr
}

// InFlight returns the number of packets sent and not yet resolved
func (fr *FlowRecord) InFlight() int {
	return len(fr.inFlight)
}

// resolve removes seq from the in-flight set, panicking if it was never sent or already resolved
func (fr *FlowRecord) resolve(seq uint64) {
	_, present := fr.inFlight[seq]
	if !present {
		panic(fmt.Errorf("%w: flow %d seq %d", ErrUnknownPacket, fr.ID, seq))
	}
	delete(fr.inFlight, seq)
}

// FlowStats are the computed metrics of a flow, as read after a run.
// Times are in seconds and Throughput in bits per second.
type FlowStats struct {
	FlowID      int
	TxPackets   int
	TxBytes     int64
	RxPackets   int
	RxBytes     int64
	LostPackets int
	InFlight    int

	MeanDelay   float64
	DelayStdDev float64
	Jitter      float64
	LossRatio   float64
	Throughput  float64

	FirstTx float64
	LastTx  float64
	FirstRx float64
	LastRx  float64

	DropsByReason map[string]int
}

// Monitor is the QoS recorder for every flow of one simulation run
type Monitor struct {
	classifier *Classifier
	flows      map[int]*FlowRecord
	finalized  bool
	stopTime   float64
}

// CreateMonitor is a constructor
func CreateMonitor() *Monitor {
	mon := new(Monitor)
	mon.classifier = CreateClassifier()
	mon.flows = make(map[int]*FlowRecord)
	return mon
}

// Classifier gives access to the flow classifier the monitor uses
func (mon *Monitor) Classifier() *Classifier {
	return mon.classifier
}

func (mon *Monitor) mutable() {
	if mon.finalized {
		panic(ErrFinalized)
	}
}

// existing returns the record of a flow that must already be known
func (mon *Monitor) existing(key FiveTuple) *FlowRecord {
	id, present := mon.classifier.Lookup(key)
	if !present {
		panic(fmt.Errorf("%w: %s", ErrUnknownFlow, key))
	}
	return mon.flows[id]
}

// RecordSend notes the entry of a packet into the network.  seq identifies the
// packet within its flow until it is received or dropped.
func (mon *Monitor) RecordSend(key FiveTuple, seq uint64, size int, now float64) {
	mon.mutable()
	id, created := mon.classifier.Classify(key)
	if created {
		mon.flows[id] = createFlowRecord(id, key)
	}
	fr := mon.flows[id]

	if _, dup := fr.inFlight[seq]; dup {
		panic(fmt.Errorf("flowmon: flow %d seq %d sent twice", id, seq))
	}

	if fr.TxPackets == 0 {
		fr.FirstTx = now
	}
	fr.TxPackets += 1
	fr.TxBytes += int64(size)
	fr.LastTx = now
	fr.inFlight[seq] = now
}

// RecordReceive notes the exit of a packet from the network at time now.
// The packet must be in flight on a flow with a recorded send.
func (mon *Monitor) RecordReceive(key FiveTuple, seq uint64, size int, now, sendTime float64) {
	mon.mutable()
	fr := mon.existing(key)
	fr.resolve(seq)

	delay := now - sendTime
	if fr.RxPackets == 0 {
		fr.FirstRx = now
	} else {
		fr.jitterN += 1
		fr.Jitter += (math.Abs(delay-fr.LastDelay) - fr.Jitter) / float64(fr.jitterN)
	}
	fr.LastDelay = delay
	fr.RxPackets += 1
	fr.RxBytes += int64(size)
	fr.DelaySum += delay
	fr.DelaySqSum += delay * delay
	fr.LastRx = now
}

// RecordDrop notes that the network lost a packet in flight, and why
func (mon *Monitor) RecordDrop(key FiveTuple, seq uint64, reason string, now float64) {
	mon.mutable()
	fr := mon.existing(key)
	fr.resolve(seq)
	fr.LostPackets += 1
	fr.DropsByReason[reason] += 1
}

// Finalize freezes the monitor at the run's stop time
func (mon *Monitor) Finalize(stop float64) {
	mon.mutable()
	mon.finalized = true
	mon.stopTime = stop
}

// Finalized reports whether Finalize has been called
func (mon *Monitor) Finalized() bool {
	return mon.finalized
}

// StopTime returns the time passed to Finalize
func (mon *Monitor) StopTime() float64 {
	return mon.stopTime
}

// NumFlows returns the number of flows classified so far
func (mon *Monitor) NumFlows() int {
	return len(mon.flows)
}

// FlowIDs lists the ids of all flows in creation order
func (mon *Monitor) FlowIDs() []int {
	ids := make([]int, 0, len(mon.flows))
	for id := range mon.flows {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// computeStats derives the metrics of one record
func computeStats(fr *FlowRecord) FlowStats {
	fs := FlowStats{FlowID: fr.ID, TxPackets: fr.TxPackets, TxBytes: fr.TxBytes,
		RxPackets: fr.RxPackets, RxBytes: fr.RxBytes, LostPackets: fr.LostPackets,
		InFlight: len(fr.inFlight), Jitter: fr.Jitter,
		FirstTx: fr.FirstTx, LastTx: fr.LastTx, FirstRx: fr.FirstRx, LastRx: fr.LastRx}

	fs.DropsByReason = make(map[string]int)
	for reason, cnt := range fr.DropsByReason {
		fs.DropsByReason[reason] = cnt
	}

	if fr.RxPackets > 0 {
		n := float64(fr.RxPackets)
		fs.MeanDelay = fr.DelaySum / n
		variance := fr.DelaySqSum/n - fs.MeanDelay*fs.MeanDelay
		if variance > 0 {
			fs.DelayStdDev = math.Sqrt(variance)
		}
	}
	if fr.TxPackets > 0 {
		fs.LossRatio = float64(fr.LostPackets) / float64(fr.TxPackets)
	}
	span := fr.LastRx - fr.FirstTx
	if fr.RxPackets > 0 && span > 0 {
		fs.Throughput = float64(fr.RxBytes) * 8.0 / span
	}
	return fs
}

// Stats returns the metrics of every flow.  It may only be called once the
// monitor is finalized, after which it always returns the same values.
func (mon *Monitor) Stats() (map[FiveTuple]FlowStats, error) {
	if !mon.finalized {
		return nil, ErrNotFinalized
	}
	rtn := make(map[FiveTuple]FlowStats)
	for _, fr := range mon.flows {
		rtn[fr.Key] = computeStats(fr)
	}
	return rtn, nil
}

// FlowStatsOf returns the metrics of a single flow of a finalized monitor
func (mon *Monitor) FlowStatsOf(key FiveTuple) (FlowStats, bool) {
	if !mon.finalized {
		return FlowStats{}, false
	}
	id, present := mon.classifier.Lookup(key)
	if !present {
		return FlowStats{}, false
	}
	return computeStats(mon.flows[id]), true
}

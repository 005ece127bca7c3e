package netsim

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// TraceInst is one serialized trace record, kept with its time so records can be merged in time order
type TraceInst struct {
	TraceTime string `json:"tracetime" yaml:"tracetime"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// NameType is an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers a record of every packet event of a run, grouped by
// the node where the event happened.  While inactive its methods do nothing,
// so calls to it can stay in place when no trace is wanted.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each node and interface id
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// trace records, by id of the node they happened at
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace stores a trace record under the id of the object it concerns
func (tm *TraceManager) AddTrace(objID int, trace TraceInst) {
	if !tm.InUse {
		return
	}
	tm.Traces[objID] = append(tm.Traces[objID], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if !tm.InUse {
		return
	}
	if prev, present := tm.NameByID[id]; present && prev.Name != name {
		panic(fmt.Errorf("netsim: trace id %d given to both %s and %s", id, prev.Name, name))
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
}

// NumTraces returns the number of records held
func (tm *TraceManager) NumTraces() int {
	cnt := 0
	for _, traces := range tm.Traces {
		cnt += len(traces)
	}
	return cnt
}

// merged returns a copy of the manager whose records sit in one list under id 0, in time order
func (tm *TraceManager) merged() *TraceManager {
	ntm := CreateTraceManager(tm.ExpName, tm.InUse)
	for key, value := range tm.NameByID {
		ntm.NameByID[key] = value
	}
	ids := make([]int, 0, len(tm.Traces))
	for id := range tm.Traces {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	all := make([]TraceInst, 0)
	for _, id := range ids {
		all = append(all, tm.Traces[id]...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		v1, _ := strconv.ParseFloat(all[i].TraceTime, 64)
		v2, _ := strconv.ParseFloat(all[j].TraceTime, 64)
		return v1 < v2
	})
	ntm.Traces[0] = all
	return ntm
}

// WriteToFile stores the trace to the file whose name is given, doing nothing
// if the manager is inactive.  Serialization to json or to yaml is selected
// based on the extension of this name.  With globalOrder the records of all
// nodes are merged into a single time-ordered list.
func (tm *TraceManager) WriteToFile(filename string, globalOrder bool) error {
	if !tm.InUse {
		return nil
	}
	out := tm
	if globalOrder {
		out = tm.merged()
	}

	var bytes []byte
	var merr error
	pathExt := path.Ext(filename)
	switch pathExt {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(*out)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(*out, "", "\t")
	default:
		return fmt.Errorf("trace file %s: unrecognized extension %q", filename, pathExt)
	}
	if merr != nil {
		return fmt.Errorf("trace file %s: %w", filename, merr)
	}
	if err := os.WriteFile(filename, bytes, 0o644); err != nil {
		return fmt.Errorf("trace file %s: %w", filename, err)
	}
	return nil
}

// PacketTrace saves information about the visit of a packet to a node,
// for post-run analysis
type PacketTrace struct {
	Time     float64 `yaml:"time"`     // time in float64
	Ticks    int64   `yaml:"ticks"`    // ticks variable of time
	Priority int64   `yaml:"priority"` // priority field of time-stamp
	ObjID    int     `yaml:"objid"`    // id of the node
	PcktID   uint64  `yaml:"pcktid"`
	Seq      uint64  `yaml:"seq"`
	Flow     string  `yaml:"flow"`
	Op       string  `yaml:"op"` // "send", "forward", "deliver", "drop"
	Detail   string  `yaml:"detail,omitempty"`
}

// Serialize turns a PacketTrace into a string, in yaml format
func (pt *PacketTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*pt)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddPacketTrace creates a record of a packet event at node objID and stores it
func AddPacketTrace(tm *TraceManager, vrt vrtime.Time, pkt Packet, objID int, op, detail string) {
	if !tm.Active() {
		return
	}
	pt := new(PacketTrace)
	pt.Time = vrt.Seconds()
	pt.Ticks = vrt.Ticks()
	pt.Priority = vrt.Pri()
	pt.ObjID = objID
	pt.PcktID = pkt.ID
	pt.Seq = pkt.Seq
	pt.Flow = pkt.FlowKey().String()
	pt.Op = op
	pt.Detail = detail

	traceTime := strconv.FormatFloat(pt.Time, 'f', -1, 64)
	tm.AddTrace(objID, TraceInst{TraceTime: traceTime, TraceType: "packet", TraceStr: pt.Serialize()})
}

// traceEvent records a packet event at node in the network's trace
func (net *Network) traceEvent(node *Node, pkt Packet, op, detail string) {
	AddPacketTrace(net.trace, net.sched.CurrentTime(), pkt, node.Number, op, detail)
}

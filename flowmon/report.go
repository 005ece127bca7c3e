package flowmon

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// FlowReport is the serializable form of one flow's finalized metrics.
// Delays are in seconds, throughput in bits per second.
type FlowReport struct {
	FlowID   int    `json:"flowid" yaml:"flowid"`
	Src      string `json:"src" yaml:"src"`
	Dst      string `json:"dst" yaml:"dst"`
	Protocol string `json:"protocol" yaml:"protocol"`
	SrcPort  uint16 `json:"srcport" yaml:"srcport"`
	DstPort  uint16 `json:"dstport" yaml:"dstport"`

	TxPackets   int   `json:"txpackets" yaml:"txpackets"`
	TxBytes     int64 `json:"txbytes" yaml:"txbytes"`
	RxPackets   int   `json:"rxpackets" yaml:"rxpackets"`
	RxBytes     int64 `json:"rxbytes" yaml:"rxbytes"`
	LostPackets int   `json:"lostpackets" yaml:"lostpackets"`
	InFlight    int   `json:"inflight" yaml:"inflight"`

	MeanDelay   float64 `json:"meandelay" yaml:"meandelay"`
	DelayStdDev float64 `json:"delaystddev" yaml:"delaystddev"`
	Jitter      float64 `json:"jitter" yaml:"jitter"`
	LossRatio   float64 `json:"lossratio" yaml:"lossratio"`
	Throughput  float64 `json:"throughput" yaml:"throughput"`

	FirstTx float64 `json:"firsttx" yaml:"firsttx"`
	LastRx  float64 `json:"lastrx" yaml:"lastrx"`

	DropsByReason map[string]int `json:"drops,omitempty" yaml:"drops,omitempty"`
}

// Report holds the results of one run
type Report struct {
	RunID    string            `json:"runid" yaml:"runid"`
	StopTime float64           `json:"stoptime" yaml:"stoptime"`
	Params   map[string]string `json:"params" yaml:"params"`
	Flows    []FlowReport      `json:"flows" yaml:"flows"`
}

// CreateReport gathers finalized flow statistics into a Report, ordered by flow id
func CreateReport(runID string, stopTime float64, params map[string]string,
	stats map[FiveTuple]FlowStats) *Report {

	rpt := new(Report)
	rpt.RunID = runID
	rpt.StopTime = stopTime
	rpt.Params = make(map[string]string)
	for key, value := range params {
		rpt.Params[key] = value
	}
	rpt.Flows = make([]FlowReport, 0, len(stats))

	for key, fs := range stats {
		fr := FlowReport{FlowID: fs.FlowID, Src: key.Src.String(), Dst: key.Dst.String(),
			Protocol: ProtoName(key.Protocol), SrcPort: key.SrcPort, DstPort: key.DstPort,
			TxPackets: fs.TxPackets, TxBytes: fs.TxBytes, RxPackets: fs.RxPackets, RxBytes: fs.RxBytes,
			LostPackets: fs.LostPackets, InFlight: fs.InFlight,
			MeanDelay: fs.MeanDelay, DelayStdDev: fs.DelayStdDev, Jitter: fs.Jitter,
			LossRatio: fs.LossRatio, Throughput: fs.Throughput,
			FirstTx: fs.FirstTx, LastRx: fs.LastRx}
		if len(fs.DropsByReason) > 0 {
			fr.DropsByReason = fs.DropsByReason
		}
		rpt.Flows = append(rpt.Flows, fr)
	}
	slices.SortFunc(rpt.Flows, func(a, b FlowReport) int { return a.FlowID - b.FlowID })
	return rpt
}

// WriteToFile stores the Report to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (rpt *Report) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	switch pathExt {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(*rpt)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(*rpt, "", "\t")
	default:
		return fmt.Errorf("report file %s: unrecognized extension %q", filename, pathExt)
	}
	if merr != nil {
		return fmt.Errorf("report file %s: %w", filename, merr)
	}

	if err := os.WriteFile(filename, bytes, 0o644); err != nil {
		return fmt.Errorf("report file %s: %w", filename, err)
	}
	return nil
}

// ReadReport deserializes a Report from file, choosing the format by extension
func ReadReport(filename string) (*Report, error) {
	dict, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	rpt := new(Report)
	pathExt := path.Ext(filename)
	switch pathExt {
	case ".yaml", ".YAML", ".yml":
		err = yaml.Unmarshal(dict, rpt)
	case ".json", ".JSON":
		err = json.Unmarshal(dict, rpt)
	default:
		return nil, fmt.Errorf("report file %s: unrecognized extension %q", filename, pathExt)
	}
	if err != nil {
		return nil, fmt.Errorf("report file %s: %w", filename, err)
	}
	return rpt, nil
}

// CSVHeader names the columns written by WriteCSV
var CSVHeader = []string{"Flow ID", "Tx Packets", "Rx Packets", "Lost Packets",
	"Throughput (Kbps)", "Avg Delay (ms)", "Packet Loss Rate (%)"}

// WriteCSV writes one row per flow in the column layout of CSVHeader.
// Throughput is reported in units of 1024 bits per second.
func (rpt *Report) WriteCSV(w io.Writer) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(CSVHeader); err != nil {
		return err
	}
	for _, fr := range rpt.Flows {
		var avgDelayMs, lossPct float64
		if fr.RxPackets > 0 {
			avgDelayMs = fr.MeanDelay * 1e3
		}
		if fr.TxPackets > 0 {
			lossPct = float64(fr.LostPackets) / float64(fr.TxPackets) * 100.0
		}
		row := []string{
			strconv.Itoa(fr.FlowID),
			strconv.Itoa(fr.TxPackets),
			strconv.Itoa(fr.RxPackets),
			strconv.Itoa(fr.LostPackets),
			strconv.FormatFloat(fr.Throughput/1024.0, 'f', 3, 64),
			strconv.FormatFloat(avgDelayMs, 'f', 6, 64),
			strconv.FormatFloat(lossPct, 'f', 3, 64),
		}
		if err := csvWriter.Write(row); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

// WriteCSVFile creates filename and writes the CSV rows to it
func (rpt *Report) WriteCSVFile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("csv file %s: %w", filename, err)
	}
	if werr := rpt.WriteCSV(f); werr != nil {
		f.Close()
		return fmt.Errorf("csv file %s: %w", filename, werr)
	}
	return f.Close()
}

package flowmon

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var flowLabels = []string{"run", "flow", "src", "dst", "proto", "sport", "dport"}

// Collector exposes finalized flow metrics as Prometheus gauges
type Collector struct {
	TxPackets   *prometheus.GaugeVec
	RxPackets   *prometheus.GaugeVec
	LostPackets *prometheus.GaugeVec
	MeanDelay   *prometheus.GaugeVec
	Jitter      *prometheus.GaugeVec
	LossRatio   *prometheus.GaugeVec
	Throughput  *prometheus.GaugeVec
}

// NewCollector registers the flow gauges against reg, defaulting to the global
// Prometheus registry when nil.  Registering twice against the same registry
// hands back the gauges already there.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	gauges := []struct {
		name, help string
		dst        **prometheus.GaugeVec
	}{
		{"qosim_flow_tx_packets", "Packets sent on the flow.", nil},
		{"qosim_flow_rx_packets", "Packets received on the flow.", nil},
		{"qosim_flow_lost_packets", "Packets dropped in the network on the flow.", nil},
		{"qosim_flow_mean_delay_seconds", "Mean one-way delay of received packets.", nil},
		{"qosim_flow_jitter_seconds", "Running mean absolute delay variation.", nil},
		{"qosim_flow_loss_ratio", "Lost packets over sent packets.", nil},
		{"qosim_flow_throughput_bps", "Received bits over the first-send to last-receive span.", nil},
	}
	c := new(Collector)
	gauges[0].dst = &c.TxPackets
	gauges[1].dst = &c.RxPackets
	gauges[2].dst = &c.LostPackets
	gauges[3].dst = &c.MeanDelay
	gauges[4].dst = &c.Jitter
	gauges[5].dst = &c.LossRatio
	gauges[6].dst = &c.Throughput

	for _, g := range gauges {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: g.name, Help: g.help}, flowLabels)
		vec, err := registerGaugeVec(reg, vec, g.name)
		if err != nil {
			return nil, err
		}
		*g.dst = vec
	}
	return c, nil
}

// Publish sets the gauges of every flow in stats
func (c *Collector) Publish(runID string, stats map[FiveTuple]FlowStats) {
	if c == nil {
		return
	}
	for key, fs := range stats {
		labels := prometheus.Labels{
			"run":   runID,
			"flow":  strconv.Itoa(fs.FlowID),
			"src":   key.Src.String(),
			"dst":   key.Dst.String(),
			"proto": ProtoName(key.Protocol),
			"sport": strconv.Itoa(int(key.SrcPort)),
			"dport": strconv.Itoa(int(key.DstPort)),
		}
		c.TxPackets.With(labels).Set(float64(fs.TxPackets))
		c.RxPackets.With(labels).Set(float64(fs.RxPackets))
		c.LostPackets.With(labels).Set(float64(fs.LostPackets))
		c.MeanDelay.With(labels).Set(fs.MeanDelay)
		c.Jitter.With(labels).Set(fs.Jitter)
		c.LossRatio.With(labels).Set(fs.LossRatio)
		c.Throughput.With(labels).Set(fs.Throughput)
	}
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

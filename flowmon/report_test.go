package flowmon

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finalizedReport(t *testing.T) (*Report, map[FiveTuple]FlowStats) {
	t.Helper()
	mon := CreateMonitor()
	mon.RecordSend(downlink, 0, 512, 2)
	mon.RecordSend(downlink, 1, 512, 3)
	mon.RecordReceive(downlink, 0, 512, 2.5, 2)
	mon.RecordDrop(downlink, 1, "out-of-range", 3)
	mon.Finalize(4)

	stats, err := mon.Stats()
	require.NoError(t, err)
	return CreateReport("run-1", 4, map[string]string{"ueSpeed": "3"}, stats), stats
}

func TestReportRoundTripsThroughFiles(t *testing.T) {
	rpt, _ := finalizedReport(t)
	dir := t.TempDir()

	for _, name := range []string{"qos.yaml", "qos.json"} {
		filename := filepath.Join(dir, name)
		require.NoError(t, rpt.WriteToFile(filename))

		back, err := ReadReport(filename)
		require.NoError(t, err)
		assert.Equal(t, rpt, back, name)
	}

	assert.Error(t, rpt.WriteToFile(filepath.Join(dir, "qos.xml")))
}

func TestReportCSV(t *testing.T) {
	rpt, _ := finalizedReport(t)
	require.Len(t, rpt.Flows, 1)
	assert.Equal(t, "udp", rpt.Flows[0].Protocol)

	var buf bytes.Buffer
	require.NoError(t, rpt.WriteCSV(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(CSVHeader, ","), lines[0])
	// 512 bytes over 0.5 s is 8192 bit/s, 8 Kbps in 1024 units
	assert.Equal(t, "1,2,1,1,8.000,500.000000,50.000", lines[1])
}

func TestCollectorPublishesFlowGauges(t *testing.T) {
	_, stats := finalizedReport(t)
	reg := prometheus.NewRegistry()

	collector, err := NewCollector(reg)
	require.NoError(t, err)
	collector.Publish("run-1", stats)

	labels := prometheus.Labels{"run": "run-1", "flow": "1", "src": "1.0.0.2", "dst": "7.0.0.2",
		"proto": "udp", "sport": "49153", "dport": "8000"}
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.TxPackets.With(labels)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.LostPackets.With(labels)))
	assert.InDelta(t, 0.5, testutil.ToFloat64(collector.LossRatio.With(labels)), 1e-12)

	again, err := NewCollector(reg)
	require.NoError(t, err)
	assert.Same(t, collector.TxPackets, again.TxPackets)
}

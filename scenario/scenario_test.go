package scenario

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/iti/qosim/evtsched"
	"github.com/iti/qosim/flowmon"
	"github.com/iti/qosim/internal/observability"
	"github.com/iti/qosim/netsim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stationary is the fixed-delay scenario: the device never moves and the
// generator sends one 512 byte packet per second
func stationary() Config {
	cfg := DefaultConfig()
	cfg.UESpeed = 0
	cfg.SimTime = 20
	cfg.DataRate = 4096
	return cfg
}

// fixedDelay is the end-to-end delay of one packet of the stationary scenario
func fixedDelay(cfg Config) float64 {
	bits := float64(cfg.PacketSize * 8)
	return cfg.Internet.Latency + bits/cfg.Internet.Rate +
		cfg.S1U.Latency + bits/cfg.S1U.Rate +
		cfg.Radio.BaseDelay + cfg.UEStart.X*cfg.Radio.PerMeter + bits/cfg.Radio.Rate
}

func run(t *testing.T, cfg Config) (*Simulation, *Result) {
	t.Helper()
	sim, err := Build(cfg, Options{})
	require.NoError(t, err)
	res, err := sim.Run(context.Background())
	require.NoError(t, err)
	return sim, res
}

// only returns the single flow of a result
func only(t *testing.T, res *Result) (flowmon.FiveTuple, flowmon.FlowStats) {
	t.Helper()
	require.Len(t, res.Flows, 1)
	for key, fs := range res.Flows {
		return key, fs
	}
	return flowmon.FiveTuple{}, flowmon.FlowStats{}
}

func TestStationaryDeviceLosesNothing(t *testing.T) {
	cfg := stationary()
	sim, res := run(t, cfg)

	key, fs := only(t, res)
	assert.Equal(t, "1.0.0.2:49153 -> 7.0.0.2:8000 udp", key.String())
	assert.Equal(t, 1, fs.FlowID)
	assert.Equal(t, 18, fs.TxPackets)
	assert.Equal(t, 18, fs.RxPackets)
	assert.Equal(t, 0, fs.LostPackets)
	assert.Equal(t, 0.0, fs.LossRatio)
	assert.InDelta(t, fixedDelay(cfg), fs.MeanDelay, 1e-9)
	assert.InDelta(t, 0.0, fs.Jitter, 1e-9)
	assert.Equal(t, int64(18*512), fs.RxBytes)

	assert.Equal(t, 18, sim.Generator.Sent())
	assert.Equal(t, 18, res.SinkReceived)
	assert.Equal(t, 0, res.SinkLost)
	assert.Empty(t, res.Drops)
	assert.Equal(t, 20.0, res.StopTime)
	assert.False(t, res.Cancelled)
	assert.True(t, sim.Sched.Done())
}

func TestWalkingAwayLosesMoreTheLongerItRuns(t *testing.T) {
	cfg := DefaultConfig()
	crossing := (cfg.Radio.MaxRange - cfg.UEStart.X) / cfg.UESpeed

	prev := 0.0
	for _, simTime := range []float64{12, 15, 20} {
		cfg.SimTime = simTime
		_, res := run(t, cfg)
		_, fs := only(t, res)

		assert.Greater(t, simTime, crossing)
		assert.Positive(t, fs.LostPackets, "simTime %g", simTime)
		assert.Greater(t, fs.LossRatio, prev, "simTime %g", simTime)
		assert.Equal(t, fs.TxPackets, fs.RxPackets+fs.LostPackets+fs.InFlight)
		assert.Equal(t, fs.LostPackets, res.Drops[netsim.DropOutOfRange])
		prev = fs.LossRatio
	}
}

func TestNoLossBeforeLeavingRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimTime = 9 // the device crosses 40 m at 10 s
	_, res := run(t, cfg)
	_, fs := only(t, res)
	assert.Zero(t, fs.LostPackets)
	assert.Positive(t, fs.RxPackets)
}

func TestParameterSweepRunsInParallel(t *testing.T) {
	for _, speed := range []float64{0, 1, 3, 6} {
		for _, policy := range []string{RangePolicyName, FadingPolicyName} {
			t.Run(fmt.Sprintf("%s-speed-%g", policy, speed), func(t *testing.T) {
				t.Parallel()
				cfg := DefaultConfig()
				cfg.UESpeed = speed
				cfg.Radio.Policy = policy
				_, res := run(t, cfg)
				_, fs := only(t, res)

				assert.LessOrEqual(t, fs.RxPackets+fs.LostPackets, fs.TxPackets)
				if speed*cfg.SimTime+cfg.UEStart.X < cfg.Radio.SoftRange {
					assert.Zero(t, fs.LostPackets)
				}
				if speed >= 3 {
					assert.Positive(t, fs.LostPackets)
				}
			})
		}
	}
}

func TestSeededFadingRunsRepeat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Radio.Policy = FadingPolicyName
	cfg.Radio.Seed = 42

	_, first := run(t, cfg)
	_, second := run(t, cfg)
	_, fs1 := only(t, first)
	_, fs2 := only(t, second)

	assert.Positive(t, first.Drops[netsim.DropFading])
	assert.Equal(t, first.Drops, second.Drops)
	assert.Equal(t, fs1.LostPackets, fs2.LostPackets)
	assert.Equal(t, fs1.RxPackets, fs2.RxPackets)
	assert.InDelta(t, fs1.MeanDelay, fs2.MeanDelay, 1e-12)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRunIsOneShot(t *testing.T) {
	sim, err := Build(stationary(), Options{RunID: "fixed-id"})
	require.NoError(t, err)

	_, err = sim.Result()
	assert.ErrorIs(t, err, ErrNotRun)
	_, err = sim.Report()
	assert.ErrorIs(t, err, ErrNotRun)

	res, err := sim.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", res.RunID)

	_, err = sim.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)

	again, err := sim.Result()
	require.NoError(t, err)
	assert.Same(t, res, again)
	stats, err := sim.Monitor.Stats()
	require.NoError(t, err)
	assert.Equal(t, res.Flows, stats)
}

// canceller cancels a context once enough packets have arrived
type canceller struct {
	cancel  context.CancelFunc
	after   int
	arrived int
}

func (c *canceller) PacketSent(netsim.Packet, float64) {}
func (c *canceller) PacketDropped(netsim.Packet, netsim.DropReason, float64) {}
func (c *canceller) PacketReceived(netsim.Packet, float64) {
	c.arrived += 1
	if c.arrived == c.after {
		c.cancel()
	}
}

func TestCancelledContextEndsRunEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := &canceller{cancel: cancel, after: 5}

	sim, err := Build(stationary(), Options{Observers: []netsim.PacketObserver{obs}})
	require.NoError(t, err)
	res, err := sim.Run(ctx)
	require.NoError(t, err)

	assert.Less(t, res.StopTime, 7.5)
	assert.True(t, res.Cancelled)
	_, fs := only(t, res)
	assert.Equal(t, 5, fs.RxPackets)

	again, err := sim.Result()
	require.NoError(t, err)
	assert.True(t, again.Cancelled)

	dead, stop := context.WithCancel(context.Background())
	stop()
	sim, err = Build(stationary(), Options{})
	require.NoError(t, err)
	_, err = sim.Run(dead)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWatchOnStoppedSchedulerPanics(t *testing.T) {
	sim, _ := run(t, stationary())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.PanicsWithError(t,
		fmt.Sprintf("scenario: watching run %s: %s", sim.RunID, evtsched.ErrStopped),
		func() { sim.watch(ctx) })
}

func TestRunCollectorSeesRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewRunCollector(reg)
	require.NoError(t, err)

	sim, err := Build(stationary(), Options{RunCollector: collector})
	require.NoError(t, err)
	_, err = sim.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.Runs.WithLabelValues("ok")))
	assert.Equal(t, float64(sim.Sched.Fired()), testutil.ToFloat64(collector.EventsFired))
}

func TestReportAndPacketTrace(t *testing.T) {
	dir := t.TempDir()
	sim, err := Build(stationary(), Options{PacketTrace: true})
	require.NoError(t, err)
	_, err = sim.Run(context.Background())
	require.NoError(t, err)

	rpt, err := sim.Report()
	require.NoError(t, err)
	require.Len(t, rpt.Flows, 1)
	assert.Equal(t, "0", rpt.Params["ueSpeed"])
	assert.Equal(t, 18, rpt.Flows[0].RxPackets)

	rptFile := filepath.Join(dir, "report.yaml")
	require.NoError(t, rpt.WriteToFile(rptFile))
	back, err := flowmon.ReadReport(rptFile)
	require.NoError(t, err)
	assert.Equal(t, rpt.RunID, back.RunID)

	traceFile := filepath.Join(dir, "trace.yaml")
	require.NoError(t, sim.WritePacketTrace(traceFile))
	info, err := os.Stat(traceFile)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	// 18 sends, 36 forwards at the gateway and base station, 18 deliveries
	assert.Equal(t, 18*4, sim.Net.TraceManager().NumTraces())
}

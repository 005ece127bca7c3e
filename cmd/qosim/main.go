// qosim runs the mobile streaming scenario once and reports per-flow QoS.
//
//	qosim --ueSpeed=3.0 --simTime=20 --out=qos-results.yaml --csv=qos_metrics.csv
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iti/qosim/flowmon"
	"github.com/iti/qosim/internal/logging"
	"github.com/iti/qosim/internal/observability"
	"github.com/iti/qosim/scenario"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// cmdFlags holds the values of the command line
type cmdFlags struct {
	cfgFile     string
	ueSpeed     float64
	simTime     float64
	policy      string
	outFile     string
	csvFile     string
	pcktTrace   string
	logLevel    string
	logFormat   string
	traceSpans  bool
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	flags := new(cmdFlags)

	cmd := &cobra.Command{
		Use:   "qosim",
		Short: "Simulate QoS of a UDP stream to a device moving away from its base station",
		Long: `qosim builds a remote host, core gateway, base station and one moving
device, streams constant-rate UDP from the remote host to the device, and
reports throughput, delay, jitter and loss of the flow once the run ends.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd, flags)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.cfgFile, "config", "", "scenario file, .yaml or .json (defaults are built in)")
	fs.Float64Var(&flags.ueSpeed, "ueSpeed", 3.0, "UE movement speed in m/s")
	fs.Float64Var(&flags.simTime, "simTime", 20.0, "Simulation time in seconds")
	fs.StringVar(&flags.policy, "policy", "", "radio loss policy: range or fading")
	fs.StringVar(&flags.outFile, "out", "qos-results.yaml", "flow report, .yaml or .json; empty to skip")
	fs.StringVar(&flags.csvFile, "csv", "", "write the QoS metrics table to this CSV file")
	fs.StringVar(&flags.pcktTrace, "packet-trace", "", "record every packet event to this .yaml or .json file")
	fs.StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&flags.logFormat, "log-format", "text", "text or json")
	fs.BoolVar(&flags.traceSpans, "trace-spans", false, "export run spans to stderr")
	fs.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics here after the run, until interrupted")
	return cmd
}

func runScenario(cmd *cobra.Command, flags *cmdFlags) error {
	log := logging.New(logging.Config{Level: flags.logLevel, Format: flags.logFormat, Writer: cmd.ErrOrStderr()})
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := scenario.DefaultConfig()
	if flags.cfgFile != "" {
		read, err := scenario.ReadConfig(flags.cfgFile, nil)
		if err != nil {
			return err
		}
		cfg = *read
	}
	// flags override the file only when given
	if cmd.Flags().Changed("ueSpeed") || flags.cfgFile == "" {
		cfg.UESpeed = flags.ueSpeed
	}
	if cmd.Flags().Changed("simTime") || flags.cfgFile == "" {
		cfg.SimTime = flags.simTime
	}
	if flags.policy != "" {
		cfg.Radio.Policy = flags.policy
	}

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     flags.traceSpans,
		ServiceName: "qosim",
		Exporter:    "stdout",
		Writer:      cmd.ErrOrStderr(),
	}, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	opts := scenario.Options{Logger: log, PacketTrace: flags.pcktTrace != ""}
	var reg *prometheus.Registry
	var runs *observability.RunCollector
	if flags.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		if runs, err = observability.NewRunCollector(reg); err != nil {
			return err
		}
		opts.RunCollector = runs
	}

	sim, err := scenario.Build(cfg, opts)
	if err != nil {
		return err
	}
	res, err := sim.Run(ctx)
	if err != nil {
		return err
	}

	rpt, err := sim.Report()
	if err != nil {
		return err
	}
	if err := writeOutputs(cmd, flags, sim, rpt); err != nil {
		return err
	}

	if flags.metricsAddr != "" {
		return serveMetrics(ctx, flags.metricsAddr, reg, runs, res, log)
	}
	return nil
}

func writeOutputs(cmd *cobra.Command, flags *cmdFlags, sim *scenario.Simulation, rpt *flowmon.Report) error {
	if flags.outFile != "" {
		if err := rpt.WriteToFile(flags.outFile); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	}
	if flags.csvFile != "" {
		if err := rpt.WriteCSVFile(flags.csvFile); err != nil {
			return fmt.Errorf("writing metrics table: %w", err)
		}
	}
	if flags.pcktTrace != "" {
		if err := sim.WritePacketTrace(flags.pcktTrace); err != nil {
			return fmt.Errorf("writing packet trace: %w", err)
		}
	}
	return rpt.WriteCSV(cmd.OutOrStdout())
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, runs *observability.RunCollector,
	res *scenario.Result, log logging.Logger) error {

	flows, err := flowmon.NewCollector(reg)
	if err != nil {
		return err
	}
	flows.Publish(res.RunID, res.Flows)

	shutdown, err := observability.ServeMetrics(ctx, addr, runs.Handler(), log)
	if err != nil {
		return err
	}
	<-ctx.Done()
	observability.ShutdownWithTimeout(context.Background(), shutdown, log)
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

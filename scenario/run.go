package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iti/qosim/flowmon"
	"github.com/iti/qosim/internal/logging"
	"github.com/iti/qosim/netsim"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/iti/qosim/scenario"

// ErrAlreadyRun is returned when a Simulation is run a second time
var ErrAlreadyRun = errors.New("scenario: simulation has already run")

// ErrNotRun is returned when results are asked of a Simulation that has not run
var ErrNotRun = errors.New("scenario: simulation has not run")

// watchInterval is the virtual time between checks for a cancelled context
const watchInterval = 0.1

// RunObserver is told how each run ended
type RunObserver interface {
	ObserveRun(err error, wall time.Duration, eventsFired int)
}

// Result is what a finished run exposes
type Result struct {
	RunID       string
	StopTime    float64
	EventsFired int
	Cancelled   bool // the context stopped the run before SimTime
	Flows       map[flowmon.FiveTuple]flowmon.FlowStats
	Drops       map[netsim.DropReason]int

	// application level view from the sink
	SinkReceived int
	SinkLost     int
}

// Run drives the scheduler to the configured stop time, freezes the flow
// monitor, and returns the per-flow results.  A Simulation runs once.
// Cancelling ctx ends the run early; the results then cover the virtual time reached.
func (sim *Simulation) Run(ctx context.Context) (*Result, error) {
	if sim.ran {
		return nil, ErrAlreadyRun
	}
	sim.ran = true

	ctx = logging.ContextWithRunID(ctx, sim.RunID)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scenario.run",
		trace.WithAttributes(
			attribute.String("run.id", sim.RunID),
			attribute.Float64("scenario.ue_speed", sim.Config.UESpeed),
			attribute.Float64("scenario.sim_time", sim.Config.SimTime),
			attribute.String("scenario.policy", sim.Config.Radio.Policy),
		))
	defer span.End()

	wall := time.Now()
	res, err := sim.run(ctx)
	if sim.runObs != nil {
		sim.runObs.ObserveRun(err, time.Since(wall), sim.Sched.Fired())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		sim.log.Error(ctx, "run failed", logging.String("error", err.Error()))
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("run.events_fired", res.EventsFired),
		attribute.Int("run.flows", len(res.Flows)),
		attribute.Bool("run.cancelled", res.Cancelled),
	)
	sim.log.Info(ctx, "run finished",
		logging.SimTime(res.StopTime),
		logging.Int("events_fired", res.EventsFired),
		logging.Int("flows", len(res.Flows)),
		logging.Bool("cancelled", res.Cancelled),
		logging.Int("sink_received", res.SinkReceived),
		logging.Any("drops", res.Drops))
	return res, nil
}

func (sim *Simulation) run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scenario: run not started: %w", err)
	}
	if ctx.Done() != nil {
		sim.watch(ctx)
	}

	sim.log.Info(ctx, "run starting", logging.SimTime(sim.Sched.Now()))
	if err := sim.Sched.RunUntil(sim.Config.SimTime); err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	stop := sim.Sched.Now()
	if sim.stopped {
		sim.log.Warn(ctx, "run cancelled", logging.SimTime(stop))
	}

	sim.Monitor.Finalize(stop)
	flows, err := sim.Monitor.Stats()
	if err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}

	res := &Result{
		RunID:        sim.RunID,
		StopTime:     stop,
		EventsFired:  sim.Sched.Fired(),
		Cancelled:    sim.stopped,
		Flows:        flows,
		Drops:        sim.Net.Drops(),
		SinkReceived: sim.Sink.Received(),
		SinkLost:     sim.Sink.Lost(),
	}
	sim.result = res
	return res, nil
}

// watch polls ctx from inside the event loop, stopping the scheduler once it is cancelled.
// The checks are scheduled before and during RunUntil, so a failure is a scheduler fault.
func (sim *Simulation) watch(ctx context.Context) {
	var check func()
	next := func() {
		if _, err := sim.Sched.Schedule(watchInterval, check); err != nil {
			panic(fmt.Errorf("scenario: watching run %s: %w", sim.RunID, err))
		}
	}
	check = func() {
		if ctx.Err() != nil {
			sim.stopped = true
			sim.Sched.Stop()
			return
		}
		next()
	}
	next()
}

// Result returns the outcome of the completed run
func (sim *Simulation) Result() (*Result, error) {
	if sim.result == nil {
		return nil, ErrNotRun
	}
	return sim.result, nil
}

// Report packages the completed run for serialization
func (sim *Simulation) Report() (*flowmon.Report, error) {
	if sim.result == nil {
		return nil, ErrNotRun
	}
	return flowmon.CreateReport(sim.RunID, sim.result.StopTime, sim.Config.Params(), sim.result.Flows), nil
}

// WritePacketTrace stores the packet trace, if one was recorded
func (sim *Simulation) WritePacketTrace(filename string) error {
	tm := sim.Net.TraceManager()
	if tm == nil {
		return nil
	}
	return tm.WriteToFile(filename, true)
}

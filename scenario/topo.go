package scenario

// topo.go assembles the mobile access network: a remote host behind a core
// gateway, a base station reached over the S1-U link, and one moving device
// on the radio link.  Building is a one-time setup; nothing is scheduled
// except the application start events.

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"github.com/iti/qosim/evtsched"
	"github.com/iti/qosim/flowmon"
	"github.com/iti/qosim/internal/logging"
	"github.com/iti/qosim/mobility"
	"github.com/iti/qosim/netsim"
)

// node names of the topology
const (
	RemoteName = "remote"
	PGWName    = "pgw"
	ENBName    = "enb"
	UEName     = "ue"
)

// address plan, one subnet per link
var (
	remoteInetPrefix = netip.MustParsePrefix("1.0.0.2/8")
	pgwInetPrefix    = netip.MustParsePrefix("1.0.0.1/8")
	pgwS1UPrefix     = netip.MustParsePrefix("10.0.0.1/8")
	enbS1UPrefix     = netip.MustParsePrefix("10.0.0.2/8")
	enbRadioPrefix   = netip.MustParsePrefix("7.0.0.1/8")
	ueRadioPrefix    = netip.MustParsePrefix("7.0.0.2/8")
)

// Options carries the run-time collaborators of a Simulation that are not part of its Config
type Options struct {
	Logger       logging.Logger
	RunID        string                  // generated when empty
	PacketTrace  bool                    // record per-packet events in a TraceManager
	Observers    []netsim.PacketObserver // notified alongside the flow monitor
	RunCollector RunObserver             // optional, told how each run ended
}

// Simulation is one built scenario, ready to run once
type Simulation struct {
	Config Config
	RunID  string

	Sched    *evtsched.Scheduler
	Mobility *mobility.Engine
	Monitor  *flowmon.Monitor
	Net      *netsim.Network

	Radio     *netsim.WirelessChannel
	Generator *netsim.Generator
	Sink      *netsim.Sink

	log     logging.Logger
	runObs  RunObserver
	ran     bool
	stopped bool // the run was cut short by its context
	result  *Result
}

// Build validates cfg and assembles the topology it describes
func Build(cfg Config, opts Options) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sim := new(Simulation)
	sim.Config = cfg
	sim.RunID = opts.RunID
	if sim.RunID == "" {
		sim.RunID = uuid.NewString()
	}
	sim.log = opts.Logger
	if sim.log == nil {
		sim.log = logging.Noop()
	}
	sim.log = sim.log.With(logging.String("scenario", cfg.Name))
	sim.runObs = opts.RunCollector

	sim.Sched = evtsched.New()
	sim.Mobility = mobility.CreateEngine(sim.Sched)
	sim.Monitor = flowmon.CreateMonitor()
	sim.Net = netsim.CreateNetwork(cfg.Name, sim.Sched, sim.Mobility)
	sim.Net.SetLogger(sim.log)
	if opts.PacketTrace {
		sim.Net.SetTraceManager(netsim.CreateTraceManager(cfg.Name, true))
	}
	sim.Net.AddObserver(netsim.CreateFlowTap(sim.Monitor))
	for _, obs := range opts.Observers {
		sim.Net.AddObserver(obs)
	}

	if err := sim.buildTopology(); err != nil {
		return nil, fmt.Errorf("scenario: building topology: %w", err)
	}
	if err := sim.buildApps(); err != nil {
		return nil, fmt.Errorf("scenario: building applications: %w", err)
	}

	ctx := logging.ContextWithRunID(context.Background(), sim.RunID)
	sim.log.Info(ctx, "scenario built",
		logging.Int("nodes", len(sim.Net.NodeByName)),
		logging.Float("ue_speed", cfg.UESpeed),
		logging.Float("sim_time", cfg.SimTime),
		logging.String("policy", cfg.Radio.Policy))
	return sim, nil
}

func (sim *Simulation) buildTopology() error {
	cfg := sim.Config
	net := sim.Net

	nodes := make(map[string]*netsim.Node)
	for _, name := range []string{RemoteName, PGWName, ENBName, UEName} {
		node, err := net.CreateNode(name)
		if err != nil {
			return err
		}
		nodes[name] = node
	}

	// wired core: remote host <-> gateway <-> base station
	internet, err := netsim.CreatePointToPoint(net, "internet", cfg.Internet.Rate, cfg.Internet.Latency)
	if err != nil {
		return err
	}
	if err := sim.attach(internet, nodes[PGWName], "pgw-inet", netsim.Wired, pgwInetPrefix); err != nil {
		return err
	}
	if err := sim.attach(internet, nodes[RemoteName], "remote-inet", netsim.Wired, remoteInetPrefix); err != nil {
		return err
	}

	s1u, err := netsim.CreatePointToPoint(net, "s1u", cfg.S1U.Rate, cfg.S1U.Latency)
	if err != nil {
		return err
	}
	if err := sim.attach(s1u, nodes[PGWName], "pgw-s1u", netsim.Wired, pgwS1UPrefix); err != nil {
		return err
	}
	if err := sim.attach(s1u, nodes[ENBName], "enb-s1u", netsim.Wired, enbS1UPrefix); err != nil {
		return err
	}

	policy, err := sim.radioPolicy()
	if err != nil {
		return err
	}
	radio, err := netsim.CreateWireless(net, "radio", policy)
	if err != nil {
		return err
	}
	if err := sim.attach(radio, nodes[ENBName], "enb-radio", netsim.Wireless, enbRadioPrefix); err != nil {
		return err
	}
	if err := sim.attach(radio, nodes[UEName], "ue-radio", netsim.Wireless, ueRadioPrefix); err != nil {
		return err
	}
	sim.Radio = radio

	// base station fixed at the origin, device walking along +x
	if err := sim.Mobility.Add(ENBName, mobility.Vec3{}, mobility.Vec3{}); err != nil {
		return err
	}
	if err := sim.Mobility.Add(UEName, cfg.UEStart, mobility.Vec3{X: cfg.UESpeed}); err != nil {
		return err
	}

	// static entries first, then host routes for everything reachable
	remoteInet := net.IntrfcByName["remote-inet"]
	nodes[RemoteName].Routes.AddNetworkRoute(ueRadioPrefix, remoteInet, pgwInetPrefix.Addr())
	nodes[UEName].Routes.SetDefaultRoute(net.IntrfcByName["ue-radio"], enbRadioPrefix.Addr())
	return net.ComputeRoutes()
}

func (sim *Simulation) attach(dc netsim.DeliveryChannel, node *netsim.Node, name string,
	media netsim.NetworkMedia, prefix netip.Prefix) error {

	intrfc, err := node.AddIntrfc(name, media, prefix)
	if err != nil {
		return err
	}
	return dc.Attach(intrfc)
}

func (sim *Simulation) radioPolicy() (netsim.ChannelPolicy, error) {
	rc := sim.Config.Radio
	rp := netsim.RangePolicy{BaseDelay: rc.BaseDelay, PerMeter: rc.PerMeter, Rate: rc.Rate, MaxRange: rc.MaxRange}
	switch rc.Policy {
	case FadingPolicyName:
		if rc.Seed != 0 {
			return netsim.CreateSeededFadingPolicy("radio-"+sim.RunID, rp, rc.SoftRange, rc.Seed)
		}
		return netsim.CreateFadingPolicy("radio-"+sim.RunID, rp, rc.SoftRange)
	default:
		return rp, nil
	}
}

func (sim *Simulation) buildApps() error {
	cfg := sim.Config
	ue := sim.Net.NodeByName[UEName]
	remote := sim.Net.NodeByName[RemoteName]

	sink, err := netsim.CreateSink(ue, cfg.SinkPort, cfg.SinkStart, max(cfg.SinkStart, cfg.SimTime))
	if err != nil {
		return err
	}
	sim.Sink = sink

	gen, err := netsim.CreateGenerator(remote, ue.PrimaryAddr(), cfg.SinkPort, cfg.DataRate, cfg.PacketSize,
		cfg.GenStart, max(cfg.GenStart, cfg.SimTime))
	if err != nil {
		return err
	}
	sim.Generator = gen
	return gen.Start()
}

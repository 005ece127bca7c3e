package netsim

// node.go holds the entities of a simulated network, their interfaces, and
// the per-node forwarding path that moves packets between channels.

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"github.com/iti/qosim/evtsched"
	"github.com/iti/qosim/internal/logging"
	"github.com/iti/qosim/mobility"
)

var (
	// ErrDuplicateName is returned when a node, interface, or port binding is given twice
	ErrDuplicateName = errors.New("netsim: duplicate name")

	// ErrBadAddress is returned when an interface is given an address that is not IPv4
	ErrBadAddress = errors.New("netsim: bad interface address")
)

// NetworkMedia is the base type for an enumerated type of comm network media
type NetworkMedia int

const (
	Wired NetworkMedia = iota
	Wireless
	UnknownMedia
)

// NetMediaFromStr returns the NetworkMedia type corresponding to the input string name
func NetMediaFromStr(media string) NetworkMedia {
	switch media {
	case "Wired", "wired":
		return Wired
	case "wireless", "Wireless":
		return Wireless
	default:
		return UnknownMedia
	}
}

func (media NetworkMedia) String() string {
	switch media {
	case Wired:
		return "wired"
	case Wireless:
		return "wireless"
	default:
		return "unknown"
	}
}

// Intrfc is a network attachment point of a node
type Intrfc struct {
	Name    string          // unique within the network
	Number  int             // unique integer id
	Media   NetworkMedia    // media of the channel the interface attaches to
	Node    *Node           // node holding the interface
	Prefix  netip.Prefix    // address and the length of the subnet it belongs to
	Channel DeliveryChannel // set when the interface is attached
}

// Addr returns the interface's address
func (intrfc *Intrfc) Addr() netip.Addr {
	return intrfc.Prefix.Addr()
}

// Subnet returns the masked network the interface's address belongs to
func (intrfc *Intrfc) Subnet() netip.Prefix {
	return intrfc.Prefix.Masked()
}

// Node is a simulated host, gateway, or access point
type Node struct {
	Name    string
	Number  int
	Intrfcs []*Intrfc
	Routes  *RouteTable

	net   *Network
	ports map[uint16]Receiver
}

// AddIntrfc gives the node a new interface with the given address and subnet length, e.g. 7.0.0.2/8
func (node *Node) AddIntrfc(name string, media NetworkMedia, prefix netip.Prefix) (*Intrfc, error) {
	if !prefix.IsValid() || !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: %s on %s", ErrBadAddress, prefix, name)
	}
	if _, present := node.net.IntrfcByName[name]; present {
		return nil, fmt.Errorf("%w: interface %s", ErrDuplicateName, name)
	}
	if owner, present := node.net.IntrfcByAddr[prefix.Addr()]; present {
		return nil, fmt.Errorf("%w: %s already held by %s", ErrBadAddress, prefix.Addr(), owner.Name)
	}

	intrfc := new(Intrfc)
	intrfc.Name = name
	intrfc.Number = node.net.nxtID()
	intrfc.Media = media
	intrfc.Node = node
	intrfc.Prefix = prefix

	node.Intrfcs = append(node.Intrfcs, intrfc)
	node.net.IntrfcByName[name] = intrfc
	node.net.IntrfcByID[intrfc.Number] = intrfc
	node.net.IntrfcByAddr[prefix.Addr()] = intrfc
	node.net.trace.AddName(intrfc.Number, name, "interface")
	return intrfc, nil
}

// PrimaryAddr returns the address of the node's first interface
func (node *Node) PrimaryAddr() netip.Addr {
	if len(node.Intrfcs) == 0 {
		return netip.Addr{}
	}
	return node.Intrfcs[0].Addr()
}

// HasAddr reports whether one of the node's interfaces holds addr
func (node *Node) HasAddr(addr netip.Addr) bool {
	for _, intrfc := range node.Intrfcs {
		if intrfc.Addr() == addr {
			return true
		}
	}
	return false
}

// Bind attaches a receiving application to a port
func (node *Node) Bind(port uint16, rcvr Receiver) error {
	if _, present := node.ports[port]; present {
		return fmt.Errorf("%w: port %d on %s", ErrDuplicateName, port, node.Name)
	}
	node.ports[port] = rcvr
	return nil
}

// Send is where packets enter the network.  The packet is given its id, send
// time and hop limit, announced to the observers, and routed.
func (node *Node) Send(pkt Packet) {
	net := node.net
	pkt.ID = net.nxtPacketID()
	pkt.SendTime = net.sched.Now()
	if pkt.TTL <= 0 {
		pkt.TTL = DefaultTTL
	}
	if !pkt.Src.IsValid() {
		pkt.Src = node.PrimaryAddr()
	}

	for _, obs := range net.observers {
		obs.PacketSent(pkt, pkt.SendTime)
	}
	net.traceEvent(node, pkt, "send", "")
	node.route(pkt)
}

// arrive is called when a channel hands a packet to one of the node's interfaces
func (node *Node) arrive(pkt Packet, intrfc *Intrfc) {
	if node.HasAddr(pkt.Dst) {
		node.deliver(pkt)
		return
	}

	pkt.TTL -= 1
	if pkt.TTL <= 0 {
		node.net.drop(node, pkt, DropTTL)
		return
	}
	node.net.traceEvent(node, pkt, "forward", intrfc.Name)
	node.route(pkt)
}

// route hands the packet to the channel of the egress interface its route names
func (node *Node) route(pkt Packet) {
	if node.HasAddr(pkt.Dst) {
		node.deliver(pkt)
		return
	}

	entry, found := node.Routes.Lookup(pkt.Dst)
	if !found || entry.Egress == nil || entry.Egress.Channel == nil {
		node.net.drop(node, pkt, DropNoRoute)
		return
	}

	nextHop := entry.NextHop
	if !nextHop.IsValid() {
		nextHop = pkt.Dst
	}
	entry.Egress.Channel.Transmit(entry.Egress, nextHop, pkt)
}

// deliver is where packets leave the network, handed to the application bound to the destination port
func (node *Node) deliver(pkt Packet) {
	net := node.net
	now := net.sched.Now()

	rcvr, present := node.ports[pkt.DstPort]
	if !present || !rcvr.Accept(pkt, now) {
		net.drop(node, pkt, DropNoListener)
		return
	}

	for _, obs := range net.observers {
		obs.PacketReceived(pkt, now)
	}
	net.traceEvent(node, pkt, "deliver", "")
}

// Network is the explicitly constructed context every node, channel and
// application of one simulation shares
type Network struct {
	Name string

	NodeByName   map[string]*Node
	NodeByID     map[int]*Node
	IntrfcByName map[string]*Intrfc
	IntrfcByID   map[int]*Intrfc
	IntrfcByAddr map[netip.Addr]*Intrfc
	Channels     []DeliveryChannel

	sched     evtsched.Schedulable
	positions mobility.PositionSource
	observers []PacketObserver
	trace     *TraceManager
	log       logging.Logger

	numIDs    int
	numPckts  uint64
	numDrops  map[DropReason]int
	routesSet bool
}

// CreateNetwork is a constructor.  positions may be nil for a network without wireless channels.
func CreateNetwork(name string, sched evtsched.Schedulable, positions mobility.PositionSource) *Network {
	net := new(Network)
	net.Name = name
	net.NodeByName = make(map[string]*Node)
	net.NodeByID = make(map[int]*Node)
	net.IntrfcByName = make(map[string]*Intrfc)
	net.IntrfcByID = make(map[int]*Intrfc)
	net.IntrfcByAddr = make(map[netip.Addr]*Intrfc)
	net.Channels = make([]DeliveryChannel, 0)
	net.sched = sched
	net.positions = positions
	net.observers = make([]PacketObserver, 0)
	net.trace = CreateTraceManager(name, false)
	net.log = logging.Noop()
	net.numDrops = make(map[DropReason]int)
	return net
}

// SetLogger replaces the network's logger
func (net *Network) SetLogger(log logging.Logger) {
	if log == nil {
		log = logging.Noop()
	}
	net.log = log
}

// SetTraceManager replaces the network's packet trace
func (net *Network) SetTraceManager(tm *TraceManager) {
	net.trace = tm
	for id, node := range net.NodeByID {
		tm.AddName(id, node.Name, "node")
	}
	for id, intrfc := range net.IntrfcByID {
		tm.AddName(id, intrfc.Name, "interface")
	}
}

// TraceManager returns the network's packet trace
func (net *Network) TraceManager() *TraceManager {
	return net.trace
}

// AddObserver adds to the set of observers told about packet entries, exits and drops
func (net *Network) AddObserver(obs PacketObserver) {
	net.observers = append(net.observers, obs)
}

// Scheduler returns the scheduler the network runs against
func (net *Network) Scheduler() evtsched.Schedulable {
	return net.sched
}

// CreateNode adds a node with the given unique name
func (net *Network) CreateNode(name string) (*Node, error) {
	if _, present := net.NodeByName[name]; present {
		return nil, fmt.Errorf("%w: node %s", ErrDuplicateName, name)
	}
	node := new(Node)
	node.Name = name
	node.Number = net.nxtID()
	node.Intrfcs = make([]*Intrfc, 0)
	node.Routes = CreateRouteTable()
	node.net = net
	node.ports = make(map[uint16]Receiver)

	net.NodeByName[name] = node
	net.NodeByID[node.Number] = node
	net.trace.AddName(node.Number, name, "node")
	return node, nil
}

// NodeNames lists the names of the network's nodes, sorted
func (net *Network) NodeNames() []string {
	names := make([]string, 0, len(net.NodeByName))
	for name := range net.NodeByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Drops returns the number of packets dropped in the network, by reason
func (net *Network) Drops() map[DropReason]int {
	rtn := make(map[DropReason]int)
	for reason, cnt := range net.numDrops {
		rtn[reason] = cnt
	}
	return rtn
}

// PacketsSent returns the number of packets that have entered the network
func (net *Network) PacketsSent() uint64 {
	return net.numPckts
}

func (net *Network) nxtID() int {
	net.numIDs += 1
	return net.numIDs
}

func (net *Network) nxtPacketID() uint64 {
	net.numPckts += 1
	return net.numPckts
}

func (net *Network) addChannel(dc DeliveryChannel) {
	net.Channels = append(net.Channels, dc)
}

// drop records the loss of a packet at a node or on a channel leaving it
func (net *Network) drop(node *Node, pkt Packet, reason DropReason) {
	now := net.sched.Now()
	net.numDrops[reason] += 1
	for _, obs := range net.observers {
		obs.PacketDropped(pkt, reason, now)
	}
	net.traceEvent(node, pkt, "drop", string(reason))
	net.log.Debug(context.Background(), "packet dropped",
		logging.String("node", node.Name),
		logging.Any("packet", pkt.ID),
		logging.String("reason", string(reason)),
		logging.Any("time", now))
}

// deliverAfter schedules the arrival of pkt at intrfc after delay seconds
func (net *Network) deliverAfter(delay float64, intrfc *Intrfc, pkt Packet) {
	_, err := net.sched.Schedule(delay, func() { intrfc.Node.arrive(pkt, intrfc) })
	if err != nil {
		panic(fmt.Errorf("netsim: scheduling arrival of %s at %s: %w", pkt, intrfc.Name, err))
	}
}

package netsim

// routes.go provides the static forwarding tables of a network, and the
// shortest-path computation that fills them once the topology is built

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strings"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// ErrRoutesComputed is returned by a second call to ComputeRoutes
var ErrRoutesComputed = errors.New("netsim: routes already computed")

// RouteEntry says which interface a packet leaves by, and toward which neighbor.
// An invalid NextHop means the destination is on the egress interface's own channel.
type RouteEntry struct {
	Prefix  netip.Prefix
	Egress  *Intrfc
	NextHop netip.Addr
}

func (re RouteEntry) String() string {
	hop := "direct"
	if re.NextHop.IsValid() {
		hop = re.NextHop.String()
	}
	egress := "-"
	if re.Egress != nil {
		egress = re.Egress.Name
	}
	return fmt.Sprintf("%s via %s dev %s", re.Prefix, hop, egress)
}

// RouteTable holds a node's host routes, network routes and default route.
// Lookup prefers a host route, then the longest matching network prefix, then the default.
type RouteTable struct {
	host   map[netip.Addr]RouteEntry
	nets   []RouteEntry // longest prefix first
	dflt   RouteEntry
	hasDft bool
}

// CreateRouteTable is a constructor
func CreateRouteTable() *RouteTable {
	rt := new(RouteTable)
	rt.host = make(map[netip.Addr]RouteEntry)
	rt.nets = make([]RouteEntry, 0)
	return rt
}

// AddHostRoute installs a route to a single address, replacing any earlier one
func (rt *RouteTable) AddHostRoute(dst netip.Addr, egress *Intrfc, nextHop netip.Addr) {
	prefix := netip.PrefixFrom(dst, dst.BitLen())
	rt.host[dst] = RouteEntry{Prefix: prefix, Egress: egress, NextHop: nextHop}
}

// AddNetworkRoute installs a route to a subnet, replacing any earlier one for the same subnet
func (rt *RouteTable) AddNetworkRoute(prefix netip.Prefix, egress *Intrfc, nextHop netip.Addr) {
	prefix = prefix.Masked()
	entry := RouteEntry{Prefix: prefix, Egress: egress, NextHop: nextHop}

	idx := slices.IndexFunc(rt.nets, func(re RouteEntry) bool { return re.Prefix == prefix })
	if idx >= 0 {
		rt.nets[idx] = entry
		return
	}
	rt.nets = append(rt.nets, entry)
	slices.SortStableFunc(rt.nets, func(a, b RouteEntry) int { return b.Prefix.Bits() - a.Prefix.Bits() })
}

// SetDefaultRoute installs the route of last resort
func (rt *RouteTable) SetDefaultRoute(egress *Intrfc, nextHop netip.Addr) {
	rt.dflt = RouteEntry{Prefix: netip.PrefixFrom(netip.IPv4Unspecified(), 0), Egress: egress, NextHop: nextHop}
	rt.hasDft = true
}

// Lookup finds the route a packet for dst follows
func (rt *RouteTable) Lookup(dst netip.Addr) (RouteEntry, bool) {
	if entry, present := rt.host[dst]; present {
		return entry, true
	}
	for _, entry := range rt.nets {
		if entry.Prefix.Contains(dst) {
			return entry, true
		}
	}
	if rt.hasDft {
		return rt.dflt, true
	}
	return RouteEntry{}, false
}

// Entries lists every route, host routes first (by address), then network routes, then the default
func (rt *RouteTable) Entries() []RouteEntry {
	hosts := make([]RouteEntry, 0, len(rt.host))
	for _, entry := range rt.host {
		hosts = append(hosts, entry)
	}
	slices.SortFunc(hosts, func(a, b RouteEntry) int { return a.Prefix.Addr().Compare(b.Prefix.Addr()) })

	rtn := append(hosts, rt.nets...)
	if rt.hasDft {
		rtn = append(rtn, rt.dflt)
	}
	return rtn
}

// The network is converted into a gonum graph with one graph node per network
// node and a unit-weight edge between every two nodes sharing a channel, so a
// shortest path minimizes the number of hops.  A tree of shortest paths is
// computed from each source the first time it is needed and cached.

// routeGraph holds the graph form of a network and its cached shortest-path trees
type routeGraph struct {
	connGraph graph.Graph
	gNodes    map[int]simple.Node
	cachedSP  map[int]path.Shortest
}

// buildRouteGraph converts the channels of net into an undirected weighted graph
func buildRouteGraph(net *Network) *routeGraph {
	rg := new(routeGraph)
	rg.gNodes = make(map[int]simple.Node)
	rg.cachedSP = make(map[int]path.Shortest)

	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for id := range net.NodeByID {
		rg.gNodes[id] = simple.Node(id)
		connGraph.AddNode(rg.gNodes[id])
	}

	for _, dc := range net.Channels {
		members := dc.Intrfcs()
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				idA, idB := members[i].Node.Number, members[j].Node.Number
				if idA == idB {
					continue
				}
				connGraph.SetWeightedEdge(simple.WeightedEdge{F: rg.gNodes[idA], T: rg.gNodes[idB], W: 1.0})
			}
		}
	}
	rg.connGraph = connGraph
	return rg
}

// getSPTree returns the shortest path tree rooted in from, computing and caching it if need be
func (rg *routeGraph) getSPTree(from int) path.Shortest {
	spTree, present := rg.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(rg.gNodes[from], rg.connGraph)
	rg.cachedSP[from] = spTree
	return spTree
}

// routeFrom returns the ids of the nodes on a shortest path from srcID to dstID, inclusive.
// The result is empty when dstID is unreachable.
func (rg *routeGraph) routeFrom(srcID, dstID int) []int {
	spTree := rg.getSPTree(srcID)
	nodeSeq, _ := spTree.To(int64(dstID))

	route := make([]int, 0, len(nodeSeq))
	for _, gNode := range nodeSeq {
		route = append(route, int(gNode.ID()))
	}
	return route
}

// linkBetween finds the interfaces by which nodes a and b share a channel
func linkBetween(a, b *Node) (*Intrfc, *Intrfc) {
	for _, intrfcA := range a.Intrfcs {
		if intrfcA.Channel == nil {
			continue
		}
		for _, intrfcB := range intrfcA.Channel.Intrfcs() {
			if intrfcB.Node == b {
				return intrfcA, intrfcB
			}
		}
	}
	return nil, nil
}

// ComputeRoutes gives every node a host route to every interface address of
// every other node it can reach.  Routes already installed by hand stay in place
// but are shadowed for the addresses the computation covers.  It runs once, after
// the topology is complete.
func (net *Network) ComputeRoutes() error {
	if net.routesSet {
		return ErrRoutesComputed
	}
	rg := buildRouteGraph(net)

	for srcID, src := range net.NodeByID {
		for dstID, dst := range net.NodeByID {
			if srcID == dstID {
				continue
			}
			route := rg.routeFrom(srcID, dstID)
			if len(route) < 2 {
				continue
			}
			egress, ingress := linkBetween(src, net.NodeByID[route[1]])
			if egress == nil {
				return fmt.Errorf("netsim: no link between %s and %s on a computed route",
					src.Name, net.NodeByID[route[1]].Name)
			}
			for _, dstIntrfc := range dst.Intrfcs {
				nextHop := ingress.Addr()
				if route[1] == dstID {
					nextHop = dstIntrfc.Addr()
					if dstIntrfc.Channel != egress.Channel {
						// reach the far interface through the neighbor's address on our shared channel
						nextHop = ingress.Addr()
					}
				}
				src.Routes.AddHostRoute(dstIntrfc.Addr(), egress, nextHop)
			}
		}
	}
	net.routesSet = true
	return nil
}

// ShowPath returns the comma-separated names of the nodes on the shortest path between two named nodes
func (net *Network) ShowPath(srcName, dstName string) (string, error) {
	src, present := net.NodeByName[srcName]
	if !present {
		return "", fmt.Errorf("netsim: unknown node %s", srcName)
	}
	dst, present := net.NodeByName[dstName]
	if !present {
		return "", fmt.Errorf("netsim: unknown node %s", dstName)
	}

	route := buildRouteGraph(net).routeFrom(src.Number, dst.Number)
	if len(route) == 0 {
		return "", fmt.Errorf("netsim: %s unreachable from %s", dstName, srcName)
	}
	names := make([]string, 0, len(route))
	for _, id := range route {
		names = append(names, net.NodeByID[id].Name)
	}
	return strings.Join(names, ","), nil
}

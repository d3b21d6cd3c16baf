package agent

import (
	"maps"
	"net/netip"
	"slices"
	"time"

	"github.com/dantte-lp/ovn-bgp-agent/internal/netops"
)

// -------------------------------------------------------------------------
// Routing State Model
// -------------------------------------------------------------------------

// Gateway is a router gateway port active on this chassis.
type Gateway struct {
	// RouterDatapath is the logical router the port belongs to.
	RouterDatapath string `json:"router_datapath" yaml:"router_datapath"`

	// ProviderDatapath is the provider switch the gateway is attached to.
	ProviderDatapath string `json:"provider_datapath" yaml:"provider_datapath"`

	// IPs are the gateway addresses as encoded in the port binding,
	// usually with a prefix length.
	IPs []string `json:"ips" yaml:"ips"`

	// MAC is the gateway port MAC address.
	MAC string `json:"mac" yaml:"mac"`
}

// addrs returns the gateway addresses without prefix length.
func (g Gateway) addrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(g.IPs))
	for _, raw := range g.IPs {
		if addr, ok := parseAddr(raw); ok {
			out = append(out, addr)
		}
	}
	return out
}

// hasAddr reports whether addr is one of the gateway addresses.
func (g Gateway) hasAddr(addr netip.Addr) bool {
	return slices.Contains(g.addrs(), addr)
}

// via returns the first gateway address of the same family as addr.
func (g Gateway) via(addr netip.Addr) (netip.Addr, bool) {
	for _, gw := range g.addrs() {
		if gw.Is4() == addr.Is4() {
			return gw, true
		}
	}
	return netip.Addr{}, false
}

// proxyEntry is an installed proxy-NDP entry and the gateway ports using it.
type proxyEntry struct {
	addr   netip.Addr
	bridge string
	vlan   int
	owners map[string]struct{}
}

// state holds everything the engine knows about what it installed.
// It is only accessed with Engine.mu held.
type state struct {
	// bridgeMappings maps provider network name to bridge name.
	bridgeMappings map[string]string

	// routingTables maps bridge name to its routing table id.
	routingTables map[string]int

	// routes is the installed route set per bridge.
	routes map[string][]netops.Route

	// gateways is the local gateway registry keyed by port name.
	gateways map[string]Gateway

	// routerPorts is the set of router ports whose subnet is exposed.
	routerPorts map[string]struct{}

	// exposed mirrors the addresses on the advertising device.
	exposed map[netip.Addr]struct{}

	// proxies and neighbors survive resets; they mirror the kernel
	// proxy-NDP entries and gateway neighbor entries the engine installed.
	// A full resync rebuilds both and removes what it did not rebuild.
	proxies   map[string]proxyEntry
	neighbors map[string]netops.Rule

	lastResync time.Time
	resyncs    uint64
}

func newState() *state {
	s := &state{
		proxies:   make(map[string]proxyEntry),
		neighbors: make(map[string]netops.Rule),
	}
	s.reset()
	return s
}

// reset clears the registries rebuilt by a full resync.
func (s *state) reset() {
	s.bridgeMappings = make(map[string]string)
	s.routingTables = make(map[string]int)
	s.routes = make(map[string][]netops.Route)
	s.gateways = make(map[string]Gateway)
	s.routerPorts = make(map[string]struct{})
	s.exposed = make(map[netip.Addr]struct{})
}

// networks returns the mapped provider network names, sorted.
func (s *state) networks() []string {
	return slices.Sorted(maps.Keys(s.bridgeMappings))
}

// bridges returns the distinct mapped bridges, sorted.
func (s *state) bridges() []string {
	return slices.Sorted(maps.Keys(s.routingTables))
}

// tables returns the reserved routing table ids, sorted.
func (s *state) tables() []int {
	return slices.Sorted(maps.Values(s.routingTables))
}

// recordRoute adds r to the installed route set of its bridge.
func (s *state) recordRoute(r netops.Route) {
	routes := s.routes[r.Dev]
	if slices.ContainsFunc(routes, func(x netops.Route) bool { return x.Key() == r.Key() }) {
		return
	}
	s.routes[r.Dev] = append(routes, r)
}

// forgetRoute removes r from the installed route set of its bridge.
func (s *state) forgetRoute(r netops.Route) {
	s.routes[r.Dev] = slices.DeleteFunc(s.routes[r.Dev], func(x netops.Route) bool {
		return x.Key() == r.Key()
	})
}

// -------------------------------------------------------------------------
// Snapshot
// -------------------------------------------------------------------------

// Snapshot is a copy of the routing state at a point in time.
type Snapshot struct {
	Chassis          string              `json:"chassis" yaml:"chassis"`
	BridgeMappings   map[string]string   `json:"bridge_mappings" yaml:"bridge_mappings"`
	RoutingTables    map[string]int      `json:"routing_tables" yaml:"routing_tables"`
	Routes           map[string][]string `json:"routes" yaml:"routes"`
	LocalGateways    map[string]Gateway  `json:"local_gateways" yaml:"local_gateways"`
	LocalRouterPorts []string            `json:"local_router_ports" yaml:"local_router_ports"`
	ExposedIPs       []string            `json:"exposed_ips" yaml:"exposed_ips"`
	LastResync       time.Time           `json:"last_resync" yaml:"last_resync"`
	Resyncs          uint64              `json:"resyncs" yaml:"resyncs"`
}

func (s *state) snapshot(chassis string) Snapshot {
	snap := Snapshot{
		Chassis:          chassis,
		BridgeMappings:   maps.Clone(s.bridgeMappings),
		RoutingTables:    maps.Clone(s.routingTables),
		Routes:           make(map[string][]string, len(s.routes)),
		LocalGateways:    make(map[string]Gateway, len(s.gateways)),
		LocalRouterPorts: slices.Sorted(maps.Keys(s.routerPorts)),
		ExposedIPs:       make([]string, 0, len(s.exposed)),
		LastResync:       s.lastResync,
		Resyncs:          s.resyncs,
	}
	for bridge, routes := range s.routes {
		for _, r := range routes {
			snap.Routes[bridge] = append(snap.Routes[bridge], r.String())
		}
	}
	for name, gw := range s.gateways {
		gw.IPs = slices.Clone(gw.IPs)
		snap.LocalGateways[name] = gw
	}
	for _, addr := range slices.SortedFunc(maps.Keys(s.exposed), netip.Addr.Compare) {
		snap.ExposedIPs = append(snap.ExposedIPs, addr.String())
	}
	return snap
}

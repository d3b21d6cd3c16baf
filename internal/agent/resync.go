package agent

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/dantte-lp/ovn-bgp-agent/internal/netops"
	"github.com/dantte-lp/ovn-bgp-agent/internal/topology"
)

// -------------------------------------------------------------------------
// Resync snapshot
// -------------------------------------------------------------------------

// resync holds the kernel state listed at the start of a full resync.
// Objects the resync wants are confirmed; everything unconfirmed is
// deleted once every port has been processed.
type resync struct {
	ips    map[netip.Addr]bool
	rules  map[string]netops.Rule
	routes map[string]netops.Route

	// proxies and neighbors are the entries the engine had installed
	// before the resync. Entries not registered again are removed.
	proxies   map[string]proxyEntry
	neighbors map[string]netops.Rule

	confirmedIPs    map[netip.Addr]bool
	confirmedRules  map[string]bool
	confirmedRoutes map[string]bool
}

func newResync() *resync {
	return &resync{
		ips:             make(map[netip.Addr]bool),
		rules:           make(map[string]netops.Rule),
		routes:          make(map[string]netops.Route),
		confirmedIPs:    make(map[netip.Addr]bool),
		confirmedRules:  make(map[string]bool),
		confirmedRoutes: make(map[string]bool),
	}
}

// confirmIP marks addr as wanted and reports whether it is already present.
func (r *resync) confirmIP(addr netip.Addr) bool {
	r.confirmedIPs[addr] = true
	return r.ips[addr]
}

func (r *resync) confirmRule(rule netops.Rule) bool {
	r.confirmedRules[rule.Key()] = true
	_, ok := r.rules[rule.Key()]
	return ok
}

func (r *resync) confirmRoute(route netops.Route) bool {
	r.confirmedRoutes[route.Key()] = true
	_, ok := r.routes[route.Key()]
	return ok
}

func (r *resync) confirmProxy(key string) bool {
	_, ok := r.proxies[key]
	return ok
}

// hasNeighbor reports whether the neighbor entry of rule, if any, was
// installed with the same link-layer address.
func (r *resync) hasNeighbor(rule netops.Rule) bool {
	if rule.LLAddr == "" {
		return true
	}
	prev, ok := r.neighbors[neighborKey(rule)]
	return ok && prev.LLAddr == rule.LLAddr
}

// adopt takes over the proxy and neighbor entries of s, leaving s to
// register the ones the topology still justifies.
func (r *resync) adopt(s *state) {
	r.proxies, s.proxies = s.proxies, make(map[string]proxyEntry)
	r.neighbors, s.neighbors = s.neighbors, make(map[string]netops.Rule)
}

// restore hands back to s the adopted entries that were neither registered
// again nor removed.
func (r *resync) restore(s *state) {
	for key, p := range r.proxies {
		if _, ok := s.proxies[key]; !ok {
			s.proxies[key] = p
		}
	}
	for key, n := range r.neighbors {
		if _, ok := s.neighbors[key]; !ok {
			s.neighbors[key] = n
		}
	}
}

func (r *resync) staleIPs() []netip.Addr {
	var out []netip.Addr
	for addr := range r.ips {
		if !r.confirmedIPs[addr] {
			out = append(out, addr)
		}
	}
	slices.SortFunc(out, netip.Addr.Compare)
	return out
}

func (r *resync) staleRules() []netops.Rule {
	var out []netops.Rule
	for _, key := range slices.Sorted(maps.Keys(r.rules)) {
		if !r.confirmedRules[key] {
			out = append(out, r.rules[key])
		}
	}
	return out
}

func (r *resync) staleRoutes() []netops.Route {
	var out []netops.Route
	for _, key := range slices.Sorted(maps.Keys(r.routes)) {
		if !r.confirmedRoutes[key] {
			out = append(out, r.routes[key])
		}
	}
	return out
}

// -------------------------------------------------------------------------
// FullResync
// -------------------------------------------------------------------------

// FullResync rebuilds the routing state from the current topology and
// removes every address, rule, route, gateway neighbor and proxy-NDP entry
// in the agent's scope that the topology no longer justifies. Running it
// twice with no topology change issues no Add or Del primitive the second
// time.
func (e *Engine) FullResync(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() {
		e.metrics.ObserveResync(time.Since(start), err)
		e.updateGauges()
		if err == nil {
			e.state.lastResync = start
			e.state.resyncs++
		}
	}()

	e.state.reset()

	if err := e.ensureBase(ctx); err != nil {
		return err
	}

	sweep, err := e.listKernel()
	if err != nil {
		return err
	}
	sweep.adopt(e.state)
	e.sweep = sweep
	defer func() {
		if err != nil {
			sweep.restore(e.state)
		}
		e.sweep = nil
	}()

	ports, err := e.topo.PortsOnChassis(ctx, e.settings.Chassis)
	if err != nil {
		return fmt.Errorf("%w: ports on chassis: %w", ErrTopology, err)
	}
	for _, port := range ports {
		if err := e.ensurePortExposed(ctx, port); err != nil {
			return err
		}
	}

	if e.settings.ExposeTenantNetworks {
		for _, name := range slices.Sorted(maps.Keys(e.state.gateways)) {
			if err := e.exposeRouterNetworks(ctx, e.state.gateways[name]); err != nil {
				return err
			}
		}
	}

	if err := e.prune(); err != nil {
		return err
	}

	e.logger.Info("full resync complete",
		slog.Int("ports", len(ports)),
		slog.Int("exposed_ips", len(e.state.exposed)),
		slog.Int("local_gateways", len(e.state.gateways)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// ensureBase creates the VRF, the advertising device, the per-bridge
// routing tables and VLAN devices, and the OVS flows.
func (e *Engine) ensureBase(ctx context.Context) error {
	if err := e.do("ensure_vrf", func() error {
		return e.ops.EnsureVRF(e.settings.VRFName, e.settings.VRFTable)
	}); err != nil {
		return err
	}
	if err := e.do("ensure_device", func() error {
		return e.ops.EnsureDummyDevice(e.settings.Device, e.settings.VRFName)
	}); err != nil {
		return err
	}

	mappings, err := e.mapper.BridgeMappings(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBridgeMappings, err)
	}

	for _, m := range mappings {
		e.state.bridgeMappings[m.Network] = m.Bridge

		if _, ok := e.state.routingTables[m.Bridge]; !ok {
			var table int
			if err := e.do("ensure_routing_table", func() (err error) {
				table, err = e.ops.EnsureRoutingTable(m.Bridge)
				return err
			}); err != nil {
				return err
			}
			e.state.routingTables[m.Bridge] = table
		}

		vlan, tagged, err := e.topo.VlanTagForNetwork(ctx, m.Network)
		if err != nil {
			return fmt.Errorf("%w: vlan of network %s: %w", ErrTopology, m.Network, err)
		}
		if tagged && vlan > 0 {
			if err := e.do("ensure_vlan_device", func() error {
				return e.ops.EnsureVLANDevice(m.Bridge, vlan)
			}); err != nil {
				return err
			}
		}
	}

	return e.do("ensure_flows", func() error { return e.ops.EnsureFlows(e.state.bridges()) })
}

// listKernel snapshots the device addresses, the rules pointing at agent
// tables and the routes in them.
func (e *Engine) listKernel() (*resync, error) {
	sweep := newResync()

	var ips []netip.Addr
	if err := e.do("list_ips", func() (err error) {
		ips, err = e.ops.ListIPs(e.settings.Device)
		return err
	}); err != nil {
		return nil, err
	}
	for _, addr := range ips {
		sweep.ips[addr] = true
		e.state.exposed[addr] = struct{}{}
	}

	tables := e.state.tables()
	if len(tables) == 0 {
		return sweep, nil
	}

	var rules []netops.Rule
	if err := e.do("list_rules", func() (err error) {
		rules, err = e.ops.ListRules(tables)
		return err
	}); err != nil {
		return nil, err
	}
	for _, r := range rules {
		sweep.rules[r.Key()] = r
	}

	for _, table := range tables {
		var routes []netops.Route
		if err := e.do("list_routes", func() (err error) {
			routes, err = e.ops.ListRoutes(table)
			return err
		}); err != nil {
			return nil, err
		}
		for _, r := range routes {
			sweep.routes[r.Key()] = r
		}
	}
	return sweep, nil
}

// ensurePortExposed applies the per-port exposure logic to a port bound to
// this chassis.
func (e *Engine) ensurePortExposed(ctx context.Context, port topology.Port) error {
	kind := port.Kind()
	if kind != topology.KindVIF && kind != topology.KindGateway {
		return nil
	}
	addrs, ok := port.Addresses()
	if !ok {
		e.logger.Debug("skipping port without parseable addresses",
			slog.String("port", port.Name))
		return nil
	}
	_, err := e.exposeIP(ctx, addrs.IPs, port, "")
	return err
}

// prune deletes everything listed or adopted at the start that was not
// confirmed.
func (e *Engine) prune() error {
	stale := e.sweep.staleIPs()
	if len(stale) > 0 {
		e.logger.Info("removing stale addresses", slog.String("ips", joinAddrs(stale)))
		if err := e.delIPs(stale); err != nil {
			return err
		}
	}
	for _, r := range e.sweep.staleRules() {
		e.logger.Info("removing stale rule", slog.String("rule", r.String()))
		if err := e.delRule(r); err != nil {
			return err
		}
	}
	for _, r := range e.sweep.staleRoutes() {
		e.logger.Info("removing stale route", slog.String("route", r.String()))
		if err := e.delRoute(r); err != nil {
			return err
		}
	}
	for _, key := range slices.Sorted(maps.Keys(e.sweep.neighbors)) {
		if _, ok := e.state.neighbors[key]; ok {
			continue
		}
		n := e.sweep.neighbors[key]
		e.logger.Info("removing stale neighbor",
			slog.String("ip", n.Dst.Addr().String()),
			slog.String("dev", n.Dev),
		)
		if err := e.do("del_neighbor", func() error { return e.ops.DelNeighbor(n.Dst.Addr(), n.Dev) }); err != nil {
			return err
		}
		delete(e.sweep.neighbors, key)
	}
	for _, key := range slices.Sorted(maps.Keys(e.sweep.proxies)) {
		if _, ok := e.state.proxies[key]; ok {
			continue
		}
		p := e.sweep.proxies[key]
		e.logger.Info("removing stale proxy-NDP entry",
			slog.String("ip", p.addr.String()),
			slog.String("dev", netops.DeviceName(p.bridge, p.vlan)),
		)
		if err := e.do("del_ndp_proxy", func() error { return e.ops.DelNDPProxy(p.addr, p.bridge, p.vlan) }); err != nil {
			return err
		}
		delete(e.sweep.proxies, key)
	}
	return nil
}

func joinAddrs(addrs []netip.Addr) string {
	s := make([]string, len(addrs))
	for i, a := range addrs {
		s[i] = a.String()
	}
	return strings.Join(s, ",")
}

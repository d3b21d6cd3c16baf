// Package agent implements the reconciliation engine: the in-memory routing
// state model and the operations that translate Southbound topology changes
// into kernel and OVS primitives.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/dantte-lp/ovn-bgp-agent/internal/netops"
	"github.com/dantte-lp/ovn-bgp-agent/internal/topology"
	"github.com/dantte-lp/ovn-bgp-agent/internal/vswitchd"
)

// -------------------------------------------------------------------------
// Engine Errors
// -------------------------------------------------------------------------

// Sentinel errors for engine operations.
var (
	// ErrPrimitive wraps a failed primitive network operation.
	ErrPrimitive = errors.New("primitive network operation failed")

	// ErrTopology wraps a failed topology query.
	ErrTopology = errors.New("topology query failed")

	// ErrBridgeMappings indicates the local bridge mappings could not be read.
	ErrBridgeMappings = errors.New("read bridge mappings")
)

// BridgeMapper reads the provider network to bridge mappings of this node.
type BridgeMapper interface {
	BridgeMappings(ctx context.Context) ([]vswitchd.BridgeMapping, error)
}

// Settings is the static engine configuration.
type Settings struct {
	// Chassis is the name of this node's chassis.
	Chassis string

	// Device is the advertising dummy device.
	Device string

	// VRFName and VRFTable identify the VRF the device is enslaved to.
	VRFName  string
	VRFTable uint32

	// ExposeTenantNetworks enables subnet and tenant workload exposure
	// through local router gateways.
	ExposeTenantNetworks bool
}

// -------------------------------------------------------------------------
// Metrics
// -------------------------------------------------------------------------

// MetricsReporter receives engine measurements. Implemented by the
// Prometheus collector.
type MetricsReporter interface {
	// IncOperation counts one primitive operation and its outcome.
	IncOperation(op string, err error)
	// ObserveResync records the duration and outcome of a full resync.
	ObserveResync(d time.Duration, err error)
	// SetExposedIPs sets the number of addresses on the advertising device.
	SetExposedIPs(n int)
	// SetLocalGateways sets the size of the local gateway registry.
	SetLocalGateways(n int)
}

type noopMetrics struct{}

func (noopMetrics) IncOperation(string, error) {}
func (noopMetrics) ObserveResync(time.Duration, error) {}
func (noopMetrics) SetExposedIPs(int) {}
func (noopMetrics) SetLocalGateways(int) {}

// -------------------------------------------------------------------------
// Advertisement changes
// -------------------------------------------------------------------------

// Action is the direction of an advertisement change.
type Action uint8

const (
	// ActionAdvertise means an address was added to the advertising device.
	ActionAdvertise Action = iota + 1
	// ActionWithdraw means an address was removed from it.
	ActionWithdraw
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionAdvertise:
		return "advertise"
	case ActionWithdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

// AdvertisementChange reports one address appearing on or leaving the
// advertising device.
type AdvertisementChange struct {
	Action    Action
	Prefix    netip.Prefix
	Timestamp time.Time
}

// changesChSize is the buffer of the advertisement change channel.
const changesChSize = 256

// -------------------------------------------------------------------------
// Engine
// -------------------------------------------------------------------------

// Engine owns the routing state model. Every exported operation holds mu
// for its whole duration, so state transitions are atomic with respect to
// each other.
type Engine struct {
	mu sync.Mutex

	settings Settings
	ops      netops.Operations
	topo     topology.Querier
	mapper   BridgeMapper

	state *state

	// sweep is non-nil while FullResync runs.
	sweep *resync

	metrics  MetricsReporter
	changes  chan AdvertisementChange
	overflow chan struct{}
	logger   *slog.Logger
}

// EngineOption configures optional Engine parameters.
type EngineOption func(*Engine)

// WithEngineMetrics sets the MetricsReporter. If mr is nil, a no-op
// reporter is used.
func WithEngineMetrics(mr MetricsReporter) EngineOption {
	return func(e *Engine) {
		if mr != nil {
			e.metrics = mr
		}
	}
}

// NewEngine creates an engine. No state exists until FullResync runs.
func NewEngine(
	settings Settings,
	ops netops.Operations,
	topo topology.Querier,
	mapper BridgeMapper,
	logger *slog.Logger,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		settings: settings,
		ops:      ops,
		topo:     topo,
		mapper:   mapper,
		state:    newState(),
		metrics:  noopMetrics{},
		changes:  make(chan AdvertisementChange, changesChSize),
		overflow: make(chan struct{}, 1),
		logger: logger.With(
			slog.String("component", "agent.engine"),
			slog.String("chassis", settings.Chassis),
		),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Changes returns the channel of advertisement changes. If the consumer
// falls behind, changes are dropped and logged, and Overflows fires.
func (e *Engine) Changes() <-chan AdvertisementChange {
	return e.changes
}

// Overflows returns a channel that receives a value after one or more
// changes were dropped. ExposedPrefixes then holds the state to converge to.
func (e *Engine) Overflows() <-chan struct{} {
	return e.overflow
}

// Snapshot returns a copy of the routing state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.snapshot(e.settings.Chassis)
}

// ExposedPrefixes returns the host prefixes of the addresses on the
// advertising device.
func (e *Engine) ExposedPrefixes() []netip.Prefix {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]netip.Prefix, 0, len(e.state.exposed))
	for _, addr := range slices.SortedFunc(maps.Keys(e.state.exposed), netip.Addr.Compare) {
		out = append(out, netops.HostPrefix(addr))
	}
	return out
}

// LocalRouterPorts reports whether any router port subnet is exposed
// through a local gateway.
func (e *Engine) LocalRouterPorts() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.state.routerPorts) > 0
}

// ExposeTenantNetworks reports whether tenant exposure is enabled.
func (e *Engine) ExposeTenantNetworks() bool {
	return e.settings.ExposeTenantNetworks
}

func (e *Engine) publish(action Action, addr netip.Addr) {
	change := AdvertisementChange{
		Action:    action,
		Prefix:    netops.HostPrefix(addr),
		Timestamp: time.Now(),
	}
	select {
	case e.changes <- change:
	default:
		e.logger.Warn("advertisement channel full, dropping change",
			slog.String("action", action.String()),
			slog.String("prefix", change.Prefix.String()),
		)
		select {
		case e.overflow <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) updateGauges() {
	e.metrics.SetExposedIPs(len(e.state.exposed))
	e.metrics.SetLocalGateways(len(e.state.gateways))
}

// -------------------------------------------------------------------------
// Bridge resolution
// -------------------------------------------------------------------------

// target is the bridge, VLAN and routing table serving a provider datapath.
type target struct {
	bridge string
	vlan   int
	table  int
}

// targetFor resolves the provider bridge of datapath. ok is false when the
// datapath is not attached to a mapped provider network.
func (e *Engine) targetFor(ctx context.Context, datapath string) (target, bool, error) {
	nw, ok, err := e.topo.NetworkNameAndTag(ctx, datapath, e.state.networks())
	if err != nil {
		return target{}, false, fmt.Errorf("%w: network of datapath %s: %w", ErrTopology, datapath, err)
	}
	if !ok {
		e.logger.Debug("datapath has no mapped provider network",
			slog.String("datapath", datapath))
		return target{}, false, nil
	}
	bridge := e.state.bridgeMappings[nw.Name]
	table, ok := e.state.routingTables[bridge]
	if !ok {
		return target{}, false, nil
	}
	return target{bridge: bridge, vlan: nw.VLAN, table: table}, true, nil
}

func (t target) hostRule(addr netip.Addr) netops.Rule {
	return netops.Rule{Dst: netops.HostPrefix(addr), Table: t.table, Dev: t.bridge}
}

func (t target) hostRoute(addr netip.Addr) netops.Route {
	return netops.Route{Dst: netops.HostPrefix(addr), Table: t.table, Dev: t.bridge, VLAN: t.vlan}
}

// -------------------------------------------------------------------------
// Primitive wrappers
// -------------------------------------------------------------------------

// do runs one primitive and counts it.
func (e *Engine) do(op string, fn func() error) error {
	err := fn()
	e.metrics.IncOperation(op, err)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPrimitive, op, err)
	}
	return nil
}

// addIPs adds addresses to the advertising device. During a resync,
// addresses already present are only confirmed.
func (e *Engine) addIPs(addrs []netip.Addr) error {
	var missing []netip.Addr
	for _, addr := range addrs {
		if e.sweep != nil && e.sweep.confirmIP(addr) {
			continue
		}
		missing = append(missing, addr)
	}
	if len(missing) == 0 {
		return nil
	}
	if err := e.do("add_ips", func() error { return e.ops.AddIPs(e.settings.Device, missing) }); err != nil {
		return err
	}
	for _, addr := range missing {
		if _, ok := e.state.exposed[addr]; ok {
			continue
		}
		e.state.exposed[addr] = struct{}{}
		e.publish(ActionAdvertise, addr)
	}
	return nil
}

func (e *Engine) delIPs(addrs []netip.Addr) error {
	if len(addrs) == 0 {
		return nil
	}
	if err := e.do("del_ips", func() error { return e.ops.DelIPs(e.settings.Device, addrs) }); err != nil {
		return err
	}
	for _, addr := range addrs {
		if _, ok := e.state.exposed[addr]; !ok {
			continue
		}
		delete(e.state.exposed, addr)
		e.publish(ActionWithdraw, addr)
	}
	return nil
}

// addRule installs r. During a resync a listed rule is only confirmed,
// unless its neighbor entry is not known to be in place.
func (e *Engine) addRule(r netops.Rule) error {
	if e.sweep != nil && e.sweep.confirmRule(r) && e.sweep.hasNeighbor(r) {
		e.trackNeighbor(r)
		return nil
	}
	if err := e.do("add_rule", func() error { return e.ops.AddRule(r) }); err != nil {
		return err
	}
	e.trackNeighbor(r)
	return nil
}

func (e *Engine) delRule(r netops.Rule) error {
	if err := e.do("del_rule", func() error { return e.ops.DelRule(r) }); err != nil {
		return err
	}
	if r.LLAddr != "" {
		delete(e.state.neighbors, neighborKey(r))
	}
	return nil
}

// neighborKey identifies the neighbor entry kept alongside a rule.
func neighborKey(r netops.Rule) string {
	return r.Key() + "|" + r.Dev
}

func (e *Engine) trackNeighbor(r netops.Rule) {
	if r.LLAddr != "" {
		e.state.neighbors[neighborKey(r)] = r
	}
}

func (e *Engine) addRoute(r netops.Route) error {
	e.state.recordRoute(r)
	if e.sweep != nil && e.sweep.confirmRoute(r) {
		return nil
	}
	return e.do("add_route", func() error { return e.ops.AddRoute(r) })
}

func (e *Engine) delRoute(r netops.Route) error {
	e.state.forgetRoute(r)
	return e.do("del_route", func() error { return e.ops.DelRoute(r) })
}

func proxyKey(addr netip.Addr, t target) string {
	return addr.String() + "|" + netops.DeviceName(t.bridge, t.vlan)
}

// ndpProxyAddr returns the address proxied for a gateway IP: the network
// address of its subnet, so gateways on one subnet share the entry.
func ndpProxyAddr(raw string) (netip.Addr, bool) {
	if p, err := netip.ParsePrefix(raw); err == nil {
		return p.Masked().Addr(), true
	}
	return parseAddr(raw)
}

// addNDPProxy registers port as a user of the proxy-NDP entry for addr and
// installs the entry for its first user.
func (e *Engine) addNDPProxy(addr netip.Addr, t target, port string) error {
	key := proxyKey(addr, t)
	if p, ok := e.state.proxies[key]; ok {
		p.owners[port] = struct{}{}
		return nil
	}
	if e.sweep == nil || !e.sweep.confirmProxy(key) {
		if err := e.do("add_ndp_proxy", func() error { return e.ops.AddNDPProxy(addr, t.bridge, t.vlan) }); err != nil {
			return err
		}
	}
	e.state.proxies[key] = proxyEntry{
		addr:   addr,
		bridge: t.bridge,
		vlan:   t.vlan,
		owners: map[string]struct{}{port: {}},
	}
	return nil
}

// releaseNDPProxies drops port from the users of every proxy-NDP entry and
// removes the entries left without users.
func (e *Engine) releaseNDPProxies(port string) error {
	for _, key := range slices.Sorted(maps.Keys(e.state.proxies)) {
		p := e.state.proxies[key]
		if _, ok := p.owners[port]; !ok && len(p.owners) > 0 {
			continue
		}
		delete(p.owners, port)
		if len(p.owners) > 0 {
			continue
		}
		if err := e.do("del_ndp_proxy", func() error { return e.ops.DelNDPProxy(p.addr, p.bridge, p.vlan) }); err != nil {
			return err
		}
		delete(e.state.proxies, key)
	}
	return nil
}

// -------------------------------------------------------------------------
// Parsing helpers
// -------------------------------------------------------------------------

// parseAddr accepts an address with or without prefix length.
func parseAddr(raw string) (netip.Addr, bool) {
	return topology.ParseIP(raw)
}

// parseAddrs parses every entry, logging and skipping malformed ones.
func (e *Engine) parseAddrs(raw []string, port string) []netip.Addr {
	out := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		addr, ok := parseAddr(s)
		if !ok {
			e.logger.Warn("skipping unparseable address",
				slog.String("port", port),
				slog.String("address", s),
			)
			continue
		}
		out = append(out, addr)
	}
	return out
}

// Package netops provides the idempotent single-step kernel and Open vSwitch
// operations the reconciliation engine is built from.
//
// Every Add operation tolerates the object already existing and every Del
// operation tolerates it already being gone.
package netops

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
)

// Operations is the primitive network operation set.
type Operations interface {
	// EnsureVRF creates the VRF device bound to table and brings it up.
	EnsureVRF(name string, table uint32) error
	// EnsureDummyDevice creates the advertising dummy device enslaved to vrf.
	EnsureDummyDevice(name, vrf string) error
	// EnsureVLANDevice creates bridge.vlan on top of bridge.
	EnsureVLANDevice(bridge string, vlan int) error
	// EnsureRoutingTable returns the routing table id reserved for bridge,
	// reserving a new one and installing its default routes if needed.
	EnsureRoutingTable(bridge string) (int, error)

	AddIPs(dev string, ips []netip.Addr) error
	DelIPs(dev string, ips []netip.Addr) error
	// ListIPs returns the addresses on dev, without prefix length.
	ListIPs(dev string) ([]netip.Addr, error)
	// ListIPsInNetwork returns the addresses on dev contained in network.
	ListIPsInNetwork(dev string, network netip.Prefix) ([]netip.Addr, error)

	AddRule(r Rule) error
	DelRule(r Rule) error
	// ListRules returns the destination rules pointing at any of tables.
	ListRules(tables []int) ([]Rule, error)

	AddRoute(r Route) error
	DelRoute(r Route) error
	// ListRoutes returns the non-default routes of table.
	ListRoutes(table int) ([]Route, error)

	AddNDPProxy(ip netip.Addr, bridge string, vlan int) error
	DelNDPProxy(ip netip.Addr, bridge string, vlan int) error
	// DelNeighbor removes the neighbor entry for ip on dev, such as one
	// kept alongside a Rule with LLAddr.
	DelNeighbor(ip netip.Addr, dev string) error

	// BridgeMAC returns the hardware address of bridge.
	BridgeMAC(bridge string) (string, error)
	// EnsureFlows installs the agent flows on every bridge and removes any
	// flow carrying the agent cookie that is not expected.
	EnsureFlows(bridges []string) error
	// EnsureDefaultFlows installs the agent flows without removing others.
	EnsureDefaultFlows(bridges []string) error
}

// Errors returned by the Linux implementation.
var (
	// ErrLinkNotFound indicates a device referenced by an operation is missing.
	ErrLinkNotFound = errors.New("link not found")

	// ErrNoFreeTable indicates every table id in the configured range is taken.
	ErrNoFreeTable = errors.New("no free routing table id")

	// ErrCommand wraps a failed ovs-ofctl or ovs-vsctl invocation.
	ErrCommand = errors.New("command failed")
)

// -------------------------------------------------------------------------
// Rule
// -------------------------------------------------------------------------

// Rule is a "to <Dst> lookup <Table>" policy rule. When LLAddr is set a
// permanent neighbor entry for Dst's address with that link-layer address
// is kept on Dev alongside the rule.
type Rule struct {
	Dst    netip.Prefix
	Table  int
	Dev    string
	LLAddr string
}

// Key identifies a rule for diffing against kernel state.
func (r Rule) Key() string {
	return r.Dst.String() + "|" + strconv.Itoa(r.Table)
}

// String implements fmt.Stringer.
func (r Rule) String() string {
	if r.LLAddr != "" {
		return fmt.Sprintf("to %s table %d lladdr %s dev %s", r.Dst, r.Table, r.LLAddr, r.Dev)
	}
	return fmt.Sprintf("to %s table %d", r.Dst, r.Table)
}

// -------------------------------------------------------------------------
// Route
// -------------------------------------------------------------------------

// Route is a route in a per-bridge table. Via is the zero Addr for
// on-link routes.
type Route struct {
	Dst   netip.Prefix
	Via   netip.Addr
	Table int
	Dev   string
	VLAN  int
}

// Device returns the egress device name: the bridge or its VLAN device.
func (r Route) Device() string {
	return DeviceName(r.Dev, r.VLAN)
}

// Key identifies a route for diffing against kernel state.
func (r Route) Key() string {
	via := ""
	if r.Via.IsValid() {
		via = r.Via.String()
	}
	return r.Dst.String() + "|" + via + "|" + strconv.Itoa(r.Table)
}

// String implements fmt.Stringer.
func (r Route) String() string {
	if r.Via.IsValid() {
		return fmt.Sprintf("%s via %s dev %s table %d", r.Dst, r.Via, r.Device(), r.Table)
	}
	return fmt.Sprintf("%s dev %s table %d", r.Dst, r.Device(), r.Table)
}

// DeviceName returns bridge for untagged networks and bridge.vlan otherwise.
func DeviceName(bridge string, vlan int) string {
	if vlan <= 0 {
		return bridge
	}
	return bridge + "." + strconv.Itoa(vlan)
}

// HostPrefix returns the /32 or /128 prefix of addr.
func HostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}

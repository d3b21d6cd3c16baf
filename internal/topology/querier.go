// Package topology answers read-only questions about the current OVN
// Southbound snapshot held in the libovsdb client cache.
package topology

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dantte-lp/ovn-bgp-agent/internal/sbdb"
)

// ErrQuery wraps every cache read failure.
var ErrQuery = errors.New("topology query")

// Querier is the read-only view of the Southbound topology consumed by the
// reconciliation engine. Every call observes the latest snapshot; no
// consistency is implied across calls.
type Querier interface {
	// PortsOnChassis returns every port bound to the named chassis.
	PortsOnChassis(ctx context.Context, chassis string) ([]Port, error)

	// PortsOnDatapath returns the ports of a datapath, optionally limited
	// to the given port types.
	PortsOnDatapath(ctx context.Context, datapath string, types ...string) ([]Port, error)

	// PortByName returns the named port.
	PortByName(ctx context.Context, name string) (Port, bool, error)

	// FipAssociatedWith scans router patch ports for a NAT entry that
	// references port and returns the NAT IP and the patch port datapath.
	FipAssociatedWith(ctx context.Context, port string) (ip, datapath string, ok bool, err error)

	// IsProviderNetwork reports whether the datapath has a localnet port.
	IsProviderNetwork(ctx context.Context, datapath string) (bool, error)

	// IsPortOnChassis reports whether the named VIF port is bound to chassis.
	IsPortOnChassis(ctx context.Context, port, chassis string) (bool, error)

	// IsPortDeleted reports whether the named port no longer exists.
	IsPortDeleted(ctx context.Context, port string) (bool, error)

	// NetworkNameAndTag returns the provider network of a datapath,
	// restricted to candidate network names.
	NetworkNameAndTag(ctx context.Context, datapath string, candidates []string) (Network, bool, error)

	// VlanTagForNetwork returns the localnet tag of a provider network.
	VlanTagForNetwork(ctx context.Context, network string) (int, bool, error)

	// RouterGatewayChassis returns the chassis-redirect port of the router
	// datapath when it is bound to chassis.
	RouterGatewayChassis(ctx context.Context, datapath, chassis string) (string, bool, error)

	// RouterPeerPort returns options:peer of the first patch port on the
	// datapath, i.e. the router port a tenant switch hangs off.
	RouterPeerPort(ctx context.Context, datapath string) (string, bool, error)

	// RouterPorts returns the patch ports of a router datapath.
	RouterPorts(ctx context.Context, datapath string) ([]Port, error)

	// PortDatapath returns the datapath of the named port.
	PortDatapath(ctx context.Context, name string) (string, bool, error)
}

// Network is a provider network attached to a datapath.
type Network struct {
	Name string
	// VLAN is zero for untagged networks.
	VLAN int
}

// -------------------------------------------------------------------------
// Cache-backed implementation
// -------------------------------------------------------------------------

// Lister is the libovsdb cache read API: it fills result, a pointer to a
// slice of models, with every cached row of the model's table.
type Lister interface {
	List(ctx context.Context, result any) error
}

// Cache implements Querier over a libovsdb client cache.
type Cache struct {
	db Lister
}

// NewCache returns a Querier reading from db.
func NewCache(db Lister) *Cache {
	return &Cache{db: db}
}

var _ Querier = (*Cache)(nil)

// snapshot loads port bindings and the chassis name index in one pass.
func (c *Cache) snapshot(ctx context.Context) ([]sbdb.PortBinding, map[string]string, error) {
	var bindings []sbdb.PortBinding
	if err := c.db.List(ctx, &bindings); err != nil {
		return nil, nil, fmt.Errorf("%w: list %s: %w", ErrQuery, sbdb.PortBindingTable, err)
	}

	names, err := c.ChassisNames(ctx)
	if err != nil {
		return nil, nil, err
	}
	return bindings, names, nil
}

// ChassisNames returns the chassis name of every cached Chassis row, keyed
// by row UUID.
func (c *Cache) ChassisNames(ctx context.Context) (map[string]string, error) {
	var chassis []sbdb.Chassis
	if err := c.db.List(ctx, &chassis); err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrQuery, sbdb.ChassisTable, err)
	}
	names := make(map[string]string, len(chassis))
	for _, ch := range chassis {
		names[ch.UUID] = ch.Name
	}
	return names, nil
}

func (c *Cache) ports(ctx context.Context, keep func(*sbdb.PortBinding) bool) ([]Port, error) {
	bindings, names, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var out []Port
	for i := range bindings {
		if keep(&bindings[i]) {
			out = append(out, FromBinding(&bindings[i], names))
		}
	}
	return out, nil
}

// FromBinding converts a Port_Binding row, resolving the chassis UUID via
// names. An unresolvable reference leaves the UUID in place so the port
// still reads as bound.
func FromBinding(pb *sbdb.PortBinding, names map[string]string) Port {
	p := Port{
		Name:         pb.LogicalPort,
		Type:         pb.Type,
		Datapath:     pb.Datapath,
		MAC:          pb.MAC,
		NATAddresses: pb.NatAddresses,
		Options:      pb.Options,
		Tag:          pb.Tag,
	}
	if pb.Chassis != nil && *pb.Chassis != "" {
		if name, ok := names[*pb.Chassis]; ok {
			p.Chassis = name
		} else {
			p.Chassis = *pb.Chassis
		}
	}
	return p
}

// PortsOnChassis implements Querier.
func (c *Cache) PortsOnChassis(ctx context.Context, chassis string) ([]Port, error) {
	ports, err := c.ports(ctx, func(pb *sbdb.PortBinding) bool { return pb.Chassis != nil })
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(ports, func(p Port) bool { return !p.BoundTo(chassis) }), nil
}

// PortsOnDatapath implements Querier.
func (c *Cache) PortsOnDatapath(ctx context.Context, datapath string, types ...string) ([]Port, error) {
	return c.ports(ctx, func(pb *sbdb.PortBinding) bool {
		return pb.Datapath == datapath && (len(types) == 0 || slices.Contains(types, pb.Type))
	})
}

// PortByName implements Querier.
func (c *Cache) PortByName(ctx context.Context, name string) (Port, bool, error) {
	ports, err := c.ports(ctx, func(pb *sbdb.PortBinding) bool { return pb.LogicalPort == name })
	if err != nil || len(ports) == 0 {
		return Port{}, false, err
	}
	return ports[0], true, nil
}

// FipAssociatedWith implements Querier.
func (c *Cache) FipAssociatedWith(ctx context.Context, port string) (string, string, bool, error) {
	patches, err := c.ports(ctx, func(pb *sbdb.PortBinding) bool { return pb.Type == sbdb.PortTypePatch })
	if err != nil {
		return "", "", false, err
	}
	for _, p := range patches {
		for _, raw := range p.NATAddresses {
			if nat, ok := ParseNAT(raw); ok && nat.Port == port {
				return nat.IP, p.Datapath, true, nil
			}
		}
	}
	return "", "", false, nil
}

// IsProviderNetwork implements Querier.
func (c *Cache) IsProviderNetwork(ctx context.Context, datapath string) (bool, error) {
	ports, err := c.PortsOnDatapath(ctx, datapath, sbdb.PortTypeLocalnet)
	return len(ports) > 0, err
}

// IsPortOnChassis implements Querier.
func (c *Cache) IsPortOnChassis(ctx context.Context, port, chassis string) (bool, error) {
	p, ok, err := c.PortByName(ctx, port)
	if err != nil || !ok {
		return false, err
	}
	return p.Type == sbdb.PortTypeVIF && p.BoundTo(chassis), nil
}

// IsPortDeleted implements Querier.
func (c *Cache) IsPortDeleted(ctx context.Context, port string) (bool, error) {
	_, ok, err := c.PortByName(ctx, port)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// NetworkNameAndTag implements Querier.
func (c *Cache) NetworkNameAndTag(ctx context.Context, datapath string, candidates []string) (Network, bool, error) {
	ports, err := c.PortsOnDatapath(ctx, datapath, sbdb.PortTypeLocalnet)
	if err != nil {
		return Network{}, false, err
	}
	for _, p := range ports {
		name, ok := p.NetworkName()
		if !ok || !slices.Contains(candidates, name) {
			continue
		}
		vlan, _ := p.VLAN()
		return Network{Name: name, VLAN: vlan}, true, nil
	}
	return Network{}, false, nil
}

// VlanTagForNetwork implements Querier.
func (c *Cache) VlanTagForNetwork(ctx context.Context, network string) (int, bool, error) {
	ports, err := c.ports(ctx, func(pb *sbdb.PortBinding) bool { return pb.Type == sbdb.PortTypeLocalnet })
	if err != nil {
		return 0, false, err
	}
	for _, p := range ports {
		if name, ok := p.NetworkName(); ok && name == network {
			vlan, tagged := p.VLAN()
			return vlan, tagged, nil
		}
	}
	return 0, false, nil
}

// RouterGatewayChassis implements Querier.
func (c *Cache) RouterGatewayChassis(ctx context.Context, datapath, chassis string) (string, bool, error) {
	ports, err := c.PortsOnDatapath(ctx, datapath, sbdb.PortTypeChassisRedirect)
	if err != nil || len(ports) == 0 {
		return "", false, err
	}
	if !ports[0].BoundTo(chassis) {
		return "", false, nil
	}
	return ports[0].Name, true, nil
}

// RouterPeerPort implements Querier.
func (c *Cache) RouterPeerPort(ctx context.Context, datapath string) (string, bool, error) {
	ports, err := c.RouterPorts(ctx, datapath)
	if err != nil {
		return "", false, err
	}
	for _, p := range ports {
		if peer, ok := p.Peer(); ok {
			return peer, true, nil
		}
	}
	return "", false, nil
}

// RouterPorts implements Querier.
func (c *Cache) RouterPorts(ctx context.Context, datapath string) ([]Port, error) {
	return c.PortsOnDatapath(ctx, datapath, sbdb.PortTypePatch)
}

// PortDatapath implements Querier.
func (c *Cache) PortDatapath(ctx context.Context, name string) (string, bool, error) {
	p, ok, err := c.PortByName(ctx, name)
	if err != nil || !ok {
		return "", false, err
	}
	return p.Datapath, true, nil
}

package watcher

import (
	"context"
	"errors"
	"slices"

	"github.com/dantte-lp/ovn-bgp-agent/internal/sbdb"
	"github.com/dantte-lp/ovn-bgp-agent/internal/topology"
)

// Engine is the reconciliation surface events act on.
type Engine interface {
	Resyncer

	ExposeIP(ctx context.Context, ips []string, port topology.Port, associatedPort string) (string, error)
	WithdrawIP(ctx context.Context, ips []string, port topology.Port, associatedPort string) error
	ExposeSubnet(ctx context.Context, cidr string, port topology.Port) error
	WithdrawSubnet(ctx context.Context, cidr string, port topology.Port) error
	ExposeRemoteIP(ctx context.Context, ips []string, port topology.Port) error
	WithdrawRemoteIP(ctx context.Context, ips []string, port topology.Port) error

	// LocalRouterPorts reports whether any router port subnet is exposed
	// through a local gateway.
	LocalRouterPorts() bool
	// ExposeTenantNetworks reports whether tenant exposure is enabled.
	ExposeTenantNetworks() bool
}

// Event names, also used as metric labels.
const (
	EventPortBindingChassisCreated = "port_binding_chassis_created"
	EventPortBindingChassisDeleted = "port_binding_chassis_deleted"
	EventFIPSet                    = "fip_set"
	EventFIPUnset                  = "fip_unset"
	EventSubnetRouterAttached      = "subnet_router_attached"
	EventSubnetRouterDetached      = "subnet_router_detached"
	EventTenantPortCreated         = "tenant_port_created"
	EventTenantPortDeleted         = "tenant_port_deleted"
)

// PortBindingEvents returns the Port_Binding events of chassis. The subnet
// and tenant workload events are included only when engine exposes tenant
// networks.
func PortBindingEvents(chassis string, engine Engine) []Event {
	events := []Event{
		{
			Name:  EventPortBindingChassisCreated,
			Table: sbdb.PortBindingTable,
			Kinds: []Kind{KindUpdate},
			Match: func(c Change) bool {
				return addressed(c.Port) && c.Port.BoundTo(chassis) && !c.Old.Bound()
			},
			Run: func(ctx context.Context, c Change) error {
				if !bindable(c.Port) {
					return nil
				}
				_, err := engine.ExposeIP(ctx, ips(c.Port), c.Port, "")
				return err
			},
		},
		{
			Name:  EventPortBindingChassisDeleted,
			Table: sbdb.PortBindingTable,
			Kinds: []Kind{KindUpdate, KindDelete},
			Match: func(c Change) bool {
				if !addressed(c.Port) {
					return false
				}
				if c.Kind == KindUpdate {
					return c.Old.BoundTo(chassis) && !c.Port.Bound()
				}
				return c.Port.BoundTo(chassis)
			},
			Run: func(ctx context.Context, c Change) error {
				if !bindable(c.Port) {
					return nil
				}
				return engine.WithdrawIP(ctx, ips(c.Port), c.Port, "")
			},
		},
		{
			Name:  EventFIPSet,
			Table: sbdb.PortBindingTable,
			Kinds: []Kind{KindUpdate},
			Match: natChanged,
			Run: func(ctx context.Context, c Change) error {
				if c.Port.Kind() != topology.KindPatch {
					return nil
				}
				var errs []error
				for _, nat := range natDiff(c.Port, c.Old) {
					_, err := engine.ExposeIP(ctx, []string{nat.IP}, c.Port, nat.Port)
					errs = append(errs, err)
				}
				return errors.Join(errs...)
			},
		},
		{
			Name:  EventFIPUnset,
			Table: sbdb.PortBindingTable,
			Kinds: []Kind{KindUpdate},
			Match: natChanged,
			Run: func(ctx context.Context, c Change) error {
				if c.Port.Kind() != topology.KindPatch {
					return nil
				}
				var errs []error
				for _, nat := range natDiff(c.Old, c.Port) {
					errs = append(errs, engine.WithdrawIP(ctx, []string{nat.IP}, c.Port, nat.Port))
				}
				return errors.Join(errs...)
			},
		},
	}

	if !engine.ExposeTenantNetworks() {
		return events
	}

	return append(events,
		Event{
			Name:  EventSubnetRouterAttached,
			Table: sbdb.PortBindingTable,
			Kinds: []Kind{KindCreate},
			Match: routerInterface,
			Run: func(ctx context.Context, c Change) error {
				if c.Port.Kind() != topology.KindPatch {
					return nil
				}
				var errs []error
				for _, cidr := range ips(c.Port) {
					errs = append(errs, engine.ExposeSubnet(ctx, cidr, c.Port))
				}
				return errors.Join(errs...)
			},
		},
		Event{
			Name:  EventSubnetRouterDetached,
			Table: sbdb.PortBindingTable,
			Kinds: []Kind{KindDelete},
			Match: routerInterface,
			Run: func(ctx context.Context, c Change) error {
				if c.Port.Kind() != topology.KindPatch {
					return nil
				}
				var errs []error
				for _, cidr := range ips(c.Port) {
					errs = append(errs, engine.WithdrawSubnet(ctx, cidr, c.Port))
				}
				return errors.Join(errs...)
			},
		},
		Event{
			Name:  EventTenantPortCreated,
			Table: sbdb.PortBindingTable,
			Kinds: []Kind{KindUpdate},
			Guard: engine.LocalRouterPorts,
			Match: func(c Change) bool {
				return addressed(c.Port) && !c.Old.Bound() && c.Port.Bound()
			},
			Run: func(ctx context.Context, c Change) error {
				if !c.Port.IsVIF() {
					return nil
				}
				return engine.ExposeRemoteIP(ctx, ips(c.Port), c.Port)
			},
		},
		Event{
			Name:  EventTenantPortDeleted,
			Table: sbdb.PortBindingTable,
			Kinds: []Kind{KindDelete},
			Guard: engine.LocalRouterPorts,
			Match: func(c Change) bool { return addressed(c.Port) },
			Run: func(ctx context.Context, c Change) error {
				if !c.Port.IsVIF() {
					return nil
				}
				return engine.WithdrawRemoteIP(ctx, ips(c.Port), c.Port)
			},
		},
	)
}

// -------------------------------------------------------------------------
// Predicates
// -------------------------------------------------------------------------

// addressed reports whether the port carries a "MAC IP [IP]" entry.
func addressed(p topology.Port) bool {
	return topology.HasAddresses(p.MAC)
}

// bindable reports whether the port is a workload or gateway port.
func bindable(p topology.Port) bool {
	k := p.Kind()
	return k == topology.KindVIF || k == topology.KindGateway
}

func ips(p topology.Port) []string {
	addrs, _ := p.Addresses()
	return addrs.IPs
}

// natChanged matches an unbound non router-interface port whose NAT list
// changed.
func natChanged(c Change) bool {
	return !c.Port.Bound() &&
		!c.Port.IsRouterInterface() &&
		!slices.Equal(c.Port.NATAddresses, c.Old.NATAddresses)
}

// routerInterface matches an addressed unbound router interface port.
func routerInterface(c Change) bool {
	return addressed(c.Port) && !c.Port.Bound() && c.Port.IsRouterInterface()
}

// natDiff returns the parseable NAT entries of a that are not in b.
func natDiff(a, b topology.Port) []topology.NAT {
	var out []topology.NAT
	for _, raw := range a.NATAddresses {
		if slices.Contains(b.NATAddresses, raw) {
			continue
		}
		if nat, ok := topology.ParseNAT(raw); ok {
			out = append(out, nat)
		}
	}
	return out
}

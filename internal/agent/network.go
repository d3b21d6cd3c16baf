package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/dantte-lp/ovn-bgp-agent/internal/netops"
	"github.com/dantte-lp/ovn-bgp-agent/internal/topology"
)

// -------------------------------------------------------------------------
// Subnets behind local gateways
// -------------------------------------------------------------------------

// ExposeSubnet makes the subnet of router port reachable through the
// router's gateway when that gateway is active on this chassis.
func (e *Engine) ExposeSubnet(ctx context.Context, cidr string, port topology.Port) error {
	if !e.settings.ExposeTenantNetworks {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.updateGauges()

	gwPort, ok, err := e.topo.RouterGatewayChassis(ctx, port.Datapath, e.settings.Chassis)
	if err != nil {
		return fmt.Errorf("%w: gateway of %s: %w", ErrTopology, port.Datapath, err)
	}
	if !ok {
		return nil
	}

	e.logger.Info("exposing subnet",
		slog.String("port", port.Name),
		slog.String("cidr", cidr),
	)
	e.state.routerPorts[port.Name] = struct{}{}

	gw, ok := e.state.gateways[gwPort]
	if !ok {
		return nil
	}
	return e.exposeNetwork(ctx, port, cidr, gw)
}

// WithdrawSubnet is the inverse of ExposeSubnet. Every device address
// inside the subnet is withdrawn as well.
func (e *Engine) WithdrawSubnet(ctx context.Context, cidr string, port topology.Port) error {
	if !e.settings.ExposeTenantNetworks {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.updateGauges()

	gwPort, ok, err := e.topo.RouterGatewayChassis(ctx, port.Datapath, e.settings.Chassis)
	if err != nil {
		return fmt.Errorf("%w: gateway of %s: %w", ErrTopology, port.Datapath, err)
	}
	if !ok {
		return nil
	}

	e.logger.Info("withdrawing subnet",
		slog.String("port", port.Name),
		slog.String("cidr", cidr),
	)
	delete(e.state.routerPorts, port.Name)

	gw, ok := e.state.gateways[gwPort]
	if !ok {
		return nil
	}
	return e.withdrawNetwork(ctx, port, cidr, gw)
}

// exposeRouterNetworks exposes the subnet of every unbound router port
// of the gateway's router.
func (e *Engine) exposeRouterNetworks(ctx context.Context, gw Gateway) error {
	ports, err := e.topo.RouterPorts(ctx, gw.RouterDatapath)
	if err != nil {
		return fmt.Errorf("%w: router ports of %s: %w", ErrTopology, gw.RouterDatapath, err)
	}
	for _, lrp := range ports {
		if lrp.Bound() {
			continue
		}
		addrs, ok := lrp.Addresses()
		if !ok {
			continue
		}
		for _, cidr := range addrs.IPs {
			if err := e.exposeNetwork(ctx, lrp, cidr, gw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) withdrawRouterNetworks(ctx context.Context, gw Gateway) error {
	ports, err := e.topo.RouterPorts(ctx, gw.RouterDatapath)
	if err != nil {
		return fmt.Errorf("%w: router ports of %s: %w", ErrTopology, gw.RouterDatapath, err)
	}
	for _, lrp := range ports {
		if lrp.Bound() {
			continue
		}
		addrs, ok := lrp.Addresses()
		if !ok {
			continue
		}
		for _, cidr := range addrs.IPs {
			if err := e.withdrawNetwork(ctx, lrp, cidr, gw); err != nil {
				return err
			}
		}
	}
	return nil
}

// exposeNetwork installs the subnet rule and route for one router port
// address, then mirrors the same-family workload addresses of the
// attached network. The gateway's own router port is skipped.
func (e *Engine) exposeNetwork(ctx context.Context, lrp topology.Port, cidr string, gw Gateway) error {
	routerIP, network, ok := topology.ParseCIDR(cidr)
	if !ok {
		e.logger.Warn("skipping unparseable router port address",
			slog.String("port", lrp.Name),
			slog.String("cidr", cidr),
		)
		return nil
	}
	if gw.hasAddr(routerIP) {
		return nil
	}
	e.state.routerPorts[lrp.Name] = struct{}{}

	t, ok, err := e.targetFor(ctx, gw.ProviderDatapath)
	if err != nil || !ok {
		return err
	}

	if err := e.addRule(netops.Rule{Dst: network, Table: t.table, Dev: t.bridge}); err != nil {
		return err
	}
	if via, ok := gw.via(routerIP); ok {
		route := netops.Route{Dst: network, Via: via, Table: t.table, Dev: t.bridge, VLAN: t.vlan}
		if err := e.addRoute(route); err != nil {
			return err
		}
	}

	workloads, err := e.networkWorkloads(ctx, lrp, routerIP)
	if err != nil {
		return err
	}
	return e.addIPs(workloads)
}

func (e *Engine) withdrawNetwork(ctx context.Context, lrp topology.Port, cidr string, gw Gateway) error {
	routerIP, network, ok := topology.ParseCIDR(cidr)
	if !ok {
		return nil
	}
	if gw.hasAddr(routerIP) {
		return nil
	}
	delete(e.state.routerPorts, lrp.Name)

	t, ok, err := e.targetFor(ctx, gw.ProviderDatapath)
	if err != nil || !ok {
		return err
	}

	if err := e.delRule(netops.Rule{Dst: network, Table: t.table, Dev: t.bridge}); err != nil {
		return err
	}
	if via, ok := gw.via(routerIP); ok {
		route := netops.Route{Dst: network, Via: via, Table: t.table, Dev: t.bridge, VLAN: t.vlan}
		if err := e.delRoute(route); err != nil {
			return err
		}
	}

	var inside []netip.Addr
	if err := e.do("list_ips_in_network", func() (err error) {
		inside, err = e.ops.ListIPsInNetwork(e.settings.Device, network)
		return err
	}); err != nil {
		return err
	}
	return e.delIPs(inside)
}

// networkWorkloads returns the addresses of the workloads on the network
// behind router port lrp that share routerIP's family. A workload is a
// virtual port or a plain VIF bound to some chassis. An unbound plain VIF
// is exposed by ExposeRemoteIP once its binding event arrives, which is
// also how FullResync treats it.
func (e *Engine) networkWorkloads(ctx context.Context, lrp topology.Port, routerIP netip.Addr) ([]netip.Addr, error) {
	peer, ok := lrp.Peer()
	if !ok {
		return nil, nil
	}
	datapath, ok, err := e.topo.PortDatapath(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: datapath of %s: %w", ErrTopology, peer, err)
	}
	if !ok {
		return nil, nil
	}
	ports, err := e.topo.PortsOnDatapath(ctx, datapath)
	if err != nil {
		return nil, fmt.Errorf("%w: ports on %s: %w", ErrTopology, datapath, err)
	}

	var out []netip.Addr
	for _, p := range ports {
		if !p.IsVIF() || (p.Type == "" && !p.Bound()) {
			continue
		}
		addrs, ok := p.Addresses()
		if !ok {
			continue
		}
		for _, addr := range e.parseAddrs(addrs.IPs, p.Name) {
			if addr.Is4() == routerIP.Is4() {
				out = append(out, addr)
			}
		}
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Tenant workloads
// -------------------------------------------------------------------------

// ExposeRemoteIP adds the addresses of a tenant workload bound elsewhere
// when its network is exposed through a local gateway.
func (e *Engine) ExposeRemoteIP(ctx context.Context, ips []string, port topology.Port) error {
	if !e.settings.ExposeTenantNetworks {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.updateGauges()

	local, err := e.tenantNetworkLocal(ctx, port)
	if err != nil || !local {
		return err
	}
	e.logger.Info("exposing tenant workload",
		slog.String("port", port.Name),
		slog.Any("ips", ips),
	)
	return e.addIPs(e.parseAddrs(ips, port.Name))
}

// WithdrawRemoteIP is the inverse of ExposeRemoteIP.
func (e *Engine) WithdrawRemoteIP(ctx context.Context, ips []string, port topology.Port) error {
	if !e.settings.ExposeTenantNetworks {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.updateGauges()

	local, err := e.tenantNetworkLocal(ctx, port)
	if err != nil || !local {
		return err
	}
	e.logger.Info("withdrawing tenant workload",
		slog.String("port", port.Name),
		slog.Any("ips", ips),
	)
	return e.delIPs(e.parseAddrs(ips, port.Name))
}

// tenantNetworkLocal reports whether port sits on a tenant network whose
// router port is in the local router-port set.
func (e *Engine) tenantNetworkLocal(ctx context.Context, port topology.Port) (bool, error) {
	provider, err := e.topo.IsProviderNetwork(ctx, port.Datapath)
	if err != nil {
		return false, fmt.Errorf("%w: provider network of %s: %w", ErrTopology, port.Name, err)
	}
	if provider {
		return false, nil
	}
	lrp, ok, err := e.topo.RouterPeerPort(ctx, port.Datapath)
	if err != nil {
		return false, fmt.Errorf("%w: router port of %s: %w", ErrTopology, port.Datapath, err)
	}
	if !ok {
		return false, nil
	}
	_, local := e.state.routerPorts[lrp]
	return local, nil
}

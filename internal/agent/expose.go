package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/dantte-lp/ovn-bgp-agent/internal/topology"
)

// -------------------------------------------------------------------------
// ExposeIP / WithdrawIP
// -------------------------------------------------------------------------

// ExposeIP advertises the addresses of port. ips are the addresses as
// encoded in the port binding. For a workload behind a floating IP the
// floating IP is exposed instead and returned. associatedPort is the
// workload a patch port NAT entry belongs to.
func (e *Engine) ExposeIP(ctx context.Context, ips []string, port topology.Port, associatedPort string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.updateGauges()

	return e.exposeIP(ctx, ips, port, associatedPort)
}

func (e *Engine) exposeIP(ctx context.Context, ips []string, port topology.Port, associatedPort string) (string, error) {
	switch port.Kind() {
	case topology.KindVIF:
		provider, err := e.topo.IsProviderNetwork(ctx, port.Datapath)
		if err != nil {
			return "", fmt.Errorf("%w: provider network of %s: %w", ErrTopology, port.Name, err)
		}
		if provider {
			e.logger.Info("exposing provider network workload",
				slog.String("port", port.Name),
				slog.Any("ips", ips),
			)
			return "", e.exposeOnBridge(ctx, e.parseAddrs(ips, port.Name), port.Datapath)
		}
		return e.exposeFIPOf(ctx, port)

	case topology.KindPatch:
		if associatedPort == "" {
			return "", nil
		}
		local, err := e.topo.IsPortOnChassis(ctx, associatedPort, e.settings.Chassis)
		if err != nil {
			return "", fmt.Errorf("%w: chassis of %s: %w", ErrTopology, associatedPort, err)
		}
		if !local {
			return "", nil
		}
		e.logger.Info("exposing floating IP",
			slog.String("port", associatedPort),
			slog.Any("ips", ips),
		)
		return "", e.exposeOnBridge(ctx, e.parseAddrs(ips, port.Name), port.Datapath)

	case topology.KindGateway:
		return "", e.exposeGateway(ctx, ips, port)

	default:
		return "", nil
	}
}

// exposeFIPOf exposes the floating IP of a tenant workload, or installs the
// default flows when the workload has none.
func (e *Engine) exposeFIPOf(ctx context.Context, port topology.Port) (string, error) {
	fip, datapath, ok, err := e.topo.FipAssociatedWith(ctx, port.Name)
	if err != nil {
		return "", fmt.Errorf("%w: floating IP of %s: %w", ErrTopology, port.Name, err)
	}
	if !ok {
		return "", e.do("ensure_default_flows", func() error {
			return e.ops.EnsureDefaultFlows(e.state.bridges())
		})
	}
	addr, ok := parseAddr(fip)
	if !ok {
		e.logger.Warn("skipping unparseable floating IP",
			slog.String("port", port.Name),
			slog.String("fip", fip),
		)
		return "", nil
	}
	e.logger.Info("exposing floating IP",
		slog.String("port", port.Name),
		slog.String("fip", fip),
	)
	if err := e.exposeOnBridge(ctx, []netip.Addr{addr}, datapath); err != nil {
		return "", err
	}
	return addr.String(), nil
}

// exposeOnBridge adds addrs to the advertising device plus a rule and an
// on-link route per address in the table of the datapath's bridge.
func (e *Engine) exposeOnBridge(ctx context.Context, addrs []netip.Addr, datapath string) error {
	if err := e.addIPs(addrs); err != nil {
		return err
	}
	t, ok, err := e.targetFor(ctx, datapath)
	if err != nil || !ok {
		return err
	}
	for _, addr := range addrs {
		if err := e.addRule(t.hostRule(addr)); err != nil {
			return err
		}
		if err := e.addRoute(t.hostRoute(addr)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) exposeGateway(ctx context.Context, ips []string, port topology.Port) error {
	_, provider, ok, err := e.topo.FipAssociatedWith(ctx, port.Name)
	if err != nil {
		return fmt.Errorf("%w: provider datapath of %s: %w", ErrTopology, port.Name, err)
	}
	if !ok {
		return nil
	}

	addrs, _ := port.Addresses()
	gw := Gateway{
		RouterDatapath:   port.Datapath,
		ProviderDatapath: provider,
		IPs:              ips,
		MAC:              addrs.MAC,
	}
	e.state.gateways[port.Name] = gw

	e.logger.Info("exposing local gateway",
		slog.String("port", port.Name),
		slog.Any("ips", ips),
	)

	hosts := e.parseAddrs(ips, port.Name)
	if err := e.addIPs(hosts); err != nil {
		return err
	}

	t, ok, err := e.targetFor(ctx, provider)
	if err != nil || !ok {
		return err
	}
	for _, addr := range hosts {
		rule := t.hostRule(addr)
		rule.LLAddr = gw.MAC
		if err := e.addRule(rule); err != nil {
			return err
		}
		if err := e.addRoute(t.hostRoute(addr)); err != nil {
			return err
		}
	}
	for _, raw := range ips {
		addr, ok := ndpProxyAddr(raw)
		if !ok || !addr.Is6() {
			continue
		}
		if err := e.addNDPProxy(addr, t, port.Name); err != nil {
			return err
		}
	}

	// A resync exposes router networks once every gateway is registered.
	if !e.settings.ExposeTenantNetworks || e.sweep != nil {
		return nil
	}
	return e.exposeRouterNetworks(ctx, gw)
}

// WithdrawIP is the inverse of ExposeIP. A patch port NAT entry is also
// withdrawn when its associated workload port was deleted.
func (e *Engine) WithdrawIP(ctx context.Context, ips []string, port topology.Port, associatedPort string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.updateGauges()

	switch port.Kind() {
	case topology.KindVIF:
		provider, err := e.topo.IsProviderNetwork(ctx, port.Datapath)
		if err != nil {
			return fmt.Errorf("%w: provider network of %s: %w", ErrTopology, port.Name, err)
		}
		if provider {
			e.logger.Info("withdrawing provider network workload",
				slog.String("port", port.Name),
				slog.Any("ips", ips),
			)
			return e.withdrawFromBridge(ctx, e.parseAddrs(ips, port.Name), port.Datapath)
		}
		fip, datapath, ok, err := e.topo.FipAssociatedWith(ctx, port.Name)
		if err != nil {
			return fmt.Errorf("%w: floating IP of %s: %w", ErrTopology, port.Name, err)
		}
		if !ok {
			return nil
		}
		e.logger.Info("withdrawing floating IP",
			slog.String("port", port.Name),
			slog.String("fip", fip),
		)
		return e.withdrawFromBridge(ctx, e.parseAddrs([]string{fip}, port.Name), datapath)

	case topology.KindPatch:
		if associatedPort == "" {
			return nil
		}
		act, err := e.associatedLocalOrGone(ctx, associatedPort)
		if err != nil || !act {
			return err
		}
		e.logger.Info("withdrawing floating IP",
			slog.String("port", associatedPort),
			slog.Any("ips", ips),
		)
		return e.withdrawFromBridge(ctx, e.parseAddrs(ips, port.Name), port.Datapath)

	case topology.KindGateway:
		return e.withdrawGateway(ctx, ips, port)

	default:
		return nil
	}
}

// associatedLocalOrGone reports whether a NAT entry's workload is local or deleted.
func (e *Engine) associatedLocalOrGone(ctx context.Context, port string) (bool, error) {
	local, err := e.topo.IsPortOnChassis(ctx, port, e.settings.Chassis)
	if err != nil {
		return false, fmt.Errorf("%w: chassis of %s: %w", ErrTopology, port, err)
	}
	if local {
		return true, nil
	}
	deleted, err := e.topo.IsPortDeleted(ctx, port)
	if err != nil {
		return false, fmt.Errorf("%w: existence of %s: %w", ErrTopology, port, err)
	}
	return deleted, nil
}

func (e *Engine) withdrawFromBridge(ctx context.Context, addrs []netip.Addr, datapath string) error {
	if err := e.delIPs(addrs); err != nil {
		return err
	}
	t, ok, err := e.targetFor(ctx, datapath)
	if err != nil || !ok {
		return err
	}
	for _, addr := range addrs {
		if err := e.delRule(t.hostRule(addr)); err != nil {
			return err
		}
		if err := e.delRoute(t.hostRoute(addr)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) withdrawGateway(ctx context.Context, ips []string, port topology.Port) error {
	gw, ok := e.state.gateways[port.Name]
	if !ok {
		e.logger.Debug("gateway port already cleaned up", slog.String("port", port.Name))
		return nil
	}

	e.logger.Info("withdrawing local gateway",
		slog.String("port", port.Name),
		slog.Any("ips", ips),
	)

	hosts := e.parseAddrs(ips, port.Name)
	if err := e.delIPs(hosts); err != nil {
		return err
	}

	t, ok, err := e.targetFor(ctx, gw.ProviderDatapath)
	if err != nil {
		return err
	}
	if ok {
		for _, addr := range hosts {
			rule := t.hostRule(addr)
			rule.LLAddr = gw.MAC
			if err := e.delRule(rule); err != nil {
				return err
			}
			if err := e.delRoute(t.hostRoute(addr)); err != nil {
				return err
			}
		}
	}
	if err := e.releaseNDPProxies(port.Name); err != nil {
		return err
	}

	if e.settings.ExposeTenantNetworks {
		if err := e.withdrawRouterNetworks(ctx, gw); err != nil {
			return err
		}
	}

	delete(e.state.gateways, port.Name)
	return nil
}

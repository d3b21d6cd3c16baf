package netops

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// LinuxConfig holds the host specific parameters of Linux.
type LinuxConfig struct {
	// RTTablesPath is the iproute2 rt_tables file.
	RTTablesPath string
	// TableMin and TableMax bound per-bridge table ids.
	TableMin int
	TableMax int
	// SysctlRoot is the /proc/sys mount point. Overridden in tests.
	SysctlRoot string
}

// Linux implements Operations with netlink and the OVS command line tools.
type Linux struct {
	cfg    LinuxConfig
	flows  *Flows
	logger *slog.Logger
}

var _ Operations = (*Linux)(nil)

// NewLinux returns the host implementation of Operations.
func NewLinux(cfg LinuxConfig, flows *Flows, logger *slog.Logger) *Linux {
	if cfg.SysctlRoot == "" {
		cfg.SysctlRoot = "/proc/sys"
	}
	return &Linux{
		cfg:    cfg,
		flows:  flows,
		logger: logger.With(slog.String("component", "netops.linux")),
	}
}

// -------------------------------------------------------------------------
// Devices
// -------------------------------------------------------------------------

func linkByName(name string) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrLinkNotFound, name)
		}
		return nil, fmt.Errorf("lookup link %s: %w", name, err)
	}
	return link, nil
}

// ensureLink creates link unless a device with its name already exists,
// then brings it up.
func (l *Linux) ensureLink(link netlink.Link) (netlink.Link, error) {
	name := link.Attrs().Name
	existing, err := linkByName(name)
	switch {
	case err == nil:
		link = existing
	case errors.Is(err, ErrLinkNotFound):
		if err := netlink.LinkAdd(link); err != nil && !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("add link %s: %w", name, err)
		}
		if link, err = linkByName(name); err != nil {
			return nil, err
		}
		l.logger.Info("created link", slog.String("link", name), slog.String("type", link.Type()))
	default:
		return nil, err
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("set link %s up: %w", name, err)
	}
	return link, nil
}

// EnsureVRF implements Operations.
func (l *Linux) EnsureVRF(name string, table uint32) error {
	_, err := l.ensureLink(&netlink.Vrf{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Table:     table,
	})
	return err
}

// EnsureDummyDevice implements Operations.
func (l *Linux) EnsureDummyDevice(name, vrf string) error {
	link, err := l.ensureLink(&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name}})
	if err != nil {
		return err
	}
	master, err := linkByName(vrf)
	if err != nil {
		return err
	}
	if link.Attrs().MasterIndex == master.Attrs().Index {
		return nil
	}
	if err := netlink.LinkSetMaster(link, master); err != nil {
		return fmt.Errorf("enslave %s to %s: %w", name, vrf, err)
	}
	return nil
}

// EnsureVLANDevice implements Operations.
func (l *Linux) EnsureVLANDevice(bridge string, vlan int) error {
	parent, err := linkByName(bridge)
	if err != nil {
		return err
	}
	name := DeviceName(bridge, vlan)
	if _, err := l.ensureLink(&netlink.Vlan{
		LinkAttrs: netlink.LinkAttrs{Name: name, ParentIndex: parent.Attrs().Index},
		VlanId:    vlan,
	}); err != nil {
		return err
	}
	if err := l.sysctl("net/ipv4/conf/"+name+"/proxy_arp", "1"); err != nil {
		return err
	}
	return l.sysctl("net/ipv6/conf/"+name+"/proxy_ndp", "1")
}

// EnsureRoutingTable implements Operations.
func (l *Linux) EnsureRoutingTable(bridge string) (int, error) {
	table, err := ReserveTable(l.cfg.RTTablesPath, bridge, l.cfg.TableMin, l.cfg.TableMax)
	if err != nil {
		return 0, err
	}

	link, err := linkByName(bridge)
	if err != nil {
		return 0, err
	}
	for _, dst := range []string{"0.0.0.0/0", "::/0"} {
		_, ipnet, _ := net.ParseCIDR(dst)
		route := &netlink.Route{
			Dst:       ipnet,
			LinkIndex: link.Attrs().Index,
			Table:     table,
			Scope:     netlink.SCOPE_LINK,
		}
		if err := netlink.RouteReplace(route); err != nil {
			return 0, fmt.Errorf("default route %s dev %s table %d: %w", dst, bridge, table, err)
		}
	}
	return table, nil
}

// -------------------------------------------------------------------------
// Addresses
// -------------------------------------------------------------------------

// AddIPs implements Operations.
func (l *Linux) AddIPs(dev string, ips []netip.Addr) error {
	link, err := linkByName(dev)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		addr := &netlink.Addr{IPNet: prefixToIPNet(HostPrefix(ip))}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("add %s to %s: %w", ip, dev, err)
		}
	}
	return nil
}

// DelIPs implements Operations.
func (l *Linux) DelIPs(dev string, ips []netip.Addr) error {
	link, err := linkByName(dev)
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return nil
		}
		return err
	}
	for _, ip := range ips {
		addr := &netlink.Addr{IPNet: prefixToIPNet(HostPrefix(ip))}
		if err := netlink.AddrDel(link, addr); err != nil && !isNotFound(err) {
			return fmt.Errorf("delete %s from %s: %w", ip, dev, err)
		}
	}
	return nil
}

// ListIPs implements Operations. IPv6 link-local addresses are skipped.
func (l *Linux) ListIPs(dev string) ([]netip.Addr, error) {
	link, err := linkByName(dev)
	if err != nil {
		return nil, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil && !errors.Is(err, netlink.ErrDumpInterrupted) {
		return nil, fmt.Errorf("list addresses of %s: %w", dev, err)
	}

	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ip)
	}
	return out, nil
}

// ListIPsInNetwork implements Operations.
func (l *Linux) ListIPsInNetwork(dev string, network netip.Prefix) ([]netip.Addr, error) {
	ips, err := l.ListIPs(dev)
	if err != nil {
		return nil, err
	}
	out := ips[:0]
	for _, ip := range ips {
		if network.Contains(ip) {
			out = append(out, ip)
		}
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Rules
// -------------------------------------------------------------------------

func newRule(r Rule) *netlink.Rule {
	rule := netlink.NewRule()
	rule.Dst = prefixToIPNet(r.Dst)
	rule.Table = r.Table
	rule.Family = family(r.Dst.Addr())
	return rule
}

// AddRule implements Operations.
func (l *Linux) AddRule(r Rule) error {
	rules, err := l.ListRules([]int{r.Table})
	if err != nil {
		return err
	}
	exists := false
	for _, existing := range rules {
		if existing.Key() == r.Key() {
			exists = true
			break
		}
	}
	if !exists {
		if err := netlink.RuleAdd(newRule(r)); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("add rule %s: %w", r, err)
		}
	}
	if r.LLAddr == "" {
		return nil
	}
	return l.setNeighbor(r)
}

// DelRule implements Operations.
func (l *Linux) DelRule(r Rule) error {
	if err := netlink.RuleDel(newRule(r)); err != nil && !isNotFound(err) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("delete rule %s: %w", r, err)
	}
	if r.LLAddr == "" {
		return nil
	}
	return l.DelNeighbor(r.Dst.Addr(), r.Dev)
}

// ListRules implements Operations.
func (l *Linux) ListRules(tables []int) ([]Rule, error) {
	rules, err := netlink.RuleList(netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	wanted := make(map[int]bool, len(tables))
	for _, t := range tables {
		wanted[t] = true
	}

	var out []Rule
	for _, rule := range rules {
		if !wanted[rule.Table] || rule.Dst == nil {
			continue
		}
		dst, ok := ipNetToPrefix(rule.Dst)
		if !ok {
			continue
		}
		out = append(out, Rule{Dst: dst, Table: rule.Table})
	}
	return out, nil
}

func (l *Linux) setNeighbor(r Rule) error {
	link, err := linkByName(r.Dev)
	if err != nil {
		return err
	}
	mac, err := net.ParseMAC(r.LLAddr)
	if err != nil {
		return fmt.Errorf("parse lladdr %q: %w", r.LLAddr, err)
	}
	neigh := &netlink.Neigh{
		LinkIndex:    link.Attrs().Index,
		Family:       family(r.Dst.Addr()),
		State:        netlink.NUD_PERMANENT,
		IP:           net.IP(r.Dst.Addr().AsSlice()),
		HardwareAddr: mac,
	}
	if err := netlink.NeighSet(neigh); err != nil {
		return fmt.Errorf("set neighbor %s lladdr %s dev %s: %w", r.Dst.Addr(), r.LLAddr, r.Dev, err)
	}
	return nil
}

// DelNeighbor implements Operations.
func (l *Linux) DelNeighbor(ip netip.Addr, dev string) error {
	link, err := linkByName(dev)
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return nil
		}
		return err
	}
	neigh := &netlink.Neigh{
		LinkIndex: link.Attrs().Index,
		Family:    family(ip),
		IP:        net.IP(ip.AsSlice()),
	}
	if err := netlink.NeighDel(neigh); err != nil && !isNotFound(err) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("delete neighbor %s dev %s: %w", ip, dev, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Routes
// -------------------------------------------------------------------------

func (l *Linux) netlinkRoute(r Route) (*netlink.Route, error) {
	link, err := linkByName(r.Device())
	if err != nil {
		return nil, err
	}
	route := &netlink.Route{
		Dst:       prefixToIPNet(r.Dst),
		LinkIndex: link.Attrs().Index,
		Table:     r.Table,
		Protocol:  unix.RTPROT_STATIC,
		Scope:     netlink.SCOPE_LINK,
	}
	if r.Via.IsValid() {
		route.Gw = net.IP(r.Via.AsSlice())
		route.Scope = netlink.SCOPE_UNIVERSE
	}
	return route, nil
}

// AddRoute implements Operations.
func (l *Linux) AddRoute(r Route) error {
	route, err := l.netlinkRoute(r)
	if err != nil {
		return err
	}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("add route %s: %w", r, err)
	}
	return nil
}

// DelRoute implements Operations.
func (l *Linux) DelRoute(r Route) error {
	route, err := l.netlinkRoute(r)
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return nil
		}
		return err
	}
	if err := netlink.RouteDel(route); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete route %s: %w", r, err)
	}
	return nil
}

// ListRoutes implements Operations.
func (l *Linux) ListRoutes(table int) ([]Route, error) {
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL, &netlink.Route{Table: table}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, fmt.Errorf("list routes of table %d: %w", table, err)
	}

	var out []Route
	for _, route := range routes {
		if route.Dst == nil {
			continue
		}
		dst, ok := ipNetToPrefix(route.Dst)
		if !ok || dst.Bits() == 0 {
			continue
		}
		r := Route{Dst: dst, Table: table}
		if via, ok := netip.AddrFromSlice(route.Gw); ok {
			r.Via = via.Unmap()
		}
		if link, err := netlink.LinkByIndex(route.LinkIndex); err == nil {
			r.Dev = link.Attrs().Name
		}
		out = append(out, r)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Proxy NDP
// -------------------------------------------------------------------------

// AddNDPProxy implements Operations.
func (l *Linux) AddNDPProxy(ip netip.Addr, bridge string, vlan int) error {
	dev := DeviceName(bridge, vlan)
	if err := l.sysctl("net/ipv6/conf/"+dev+"/proxy_ndp", "1"); err != nil {
		return err
	}
	neigh, err := proxyNeigh(ip, dev)
	if err != nil {
		return err
	}
	if err := netlink.NeighSet(neigh); err != nil {
		return fmt.Errorf("add ndp proxy %s dev %s: %w", ip, dev, err)
	}
	return nil
}

// DelNDPProxy implements Operations.
func (l *Linux) DelNDPProxy(ip netip.Addr, bridge string, vlan int) error {
	neigh, err := proxyNeigh(ip, DeviceName(bridge, vlan))
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return nil
		}
		return err
	}
	if err := netlink.NeighDel(neigh); err != nil && !isNotFound(err) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("delete ndp proxy %s: %w", ip, err)
	}
	return nil
}

func proxyNeigh(ip netip.Addr, dev string) (*netlink.Neigh, error) {
	link, err := linkByName(dev)
	if err != nil {
		return nil, err
	}
	return &netlink.Neigh{
		LinkIndex: link.Attrs().Index,
		Family:    netlink.FAMILY_V6,
		Flags:     netlink.NTF_PROXY,
		IP:        net.IP(ip.AsSlice()),
	}, nil
}

// -------------------------------------------------------------------------
// OVS Flows
// -------------------------------------------------------------------------

// EnsureFlows implements Operations.
func (l *Linux) EnsureFlows(bridges []string) error {
	return l.ensureFlows(bridges, true)
}

// EnsureDefaultFlows implements Operations.
func (l *Linux) EnsureDefaultFlows(bridges []string) error {
	return l.ensureFlows(bridges, false)
}

// BridgeMAC implements Operations.
func (l *Linux) BridgeMAC(bridge string) (string, error) {
	link, err := linkByName(bridge)
	if err != nil {
		return "", err
	}
	return link.Attrs().HardwareAddr.String(), nil
}

func (l *Linux) ensureFlows(bridges []string, prune bool) error {
	for _, bridge := range bridges {
		mac, err := l.BridgeMAC(bridge)
		if err != nil {
			return err
		}
		if err := l.flows.Ensure(bridge, mac, prune); err != nil {
			return fmt.Errorf("flows on %s: %w", bridge, err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func (l *Linux) sysctl(key, value string) error {
	path := filepath.Join(l.cfg.SysctlRoot, key)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("sysctl %s=%s: %w", strings.ReplaceAll(key, "/", "."), value, err)
	}
	return nil
}

func family(addr netip.Addr) int {
	if addr.Is4() {
		return netlink.FAMILY_V4
	}
	return netlink.FAMILY_V6
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func ipNetToPrefix(n *net.IPNet) (netip.Prefix, bool) {
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr, ones), true
}

// isNotFound matches the netlink "no such process" / ESRCH and EADDRNOTAVAIL
// errors the kernel returns when deleting an absent object.
func isNotFound(err error) bool {
	return errors.Is(err, unix.ESRCH) || errors.Is(err, unix.EADDRNOTAVAIL) ||
		strings.Contains(err.Error(), "no such process")
}

package topology

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/dantte-lp/ovn-bgp-agent/internal/sbdb"
)

// -------------------------------------------------------------------------
// Port Kind
// -------------------------------------------------------------------------

// Kind classifies a port binding by the agent's interest in it.
type Kind uint8

const (
	// KindOther covers every port type the agent ignores.
	KindOther Kind = iota
	// KindVIF is a workload port (type "" or "virtual").
	KindVIF
	// KindPatch is a router/switch patch port.
	KindPatch
	// KindLocalnet connects a logical switch to a provider bridge.
	KindLocalnet
	// KindGateway is a chassis-redirect port named "cr-...".
	KindGateway
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindVIF:
		return "vif"
	case KindPatch:
		return "patch"
	case KindLocalnet:
		return "localnet"
	case KindGateway:
		return "gateway"
	default:
		return "other"
	}
}

// -------------------------------------------------------------------------
// Port
// -------------------------------------------------------------------------

// Port is a Port_Binding row with its chassis reference resolved to a
// chassis name. All optional columns are exposed through accessors that
// report absence explicitly instead of failing.
type Port struct {
	Name         string
	Type         string
	Datapath     string
	Chassis      string
	MAC          []string
	NATAddresses []string
	Options      map[string]string
	Tag          *int
}

// Kind classifies the port.
func (p Port) Kind() Kind {
	switch p.Type {
	case sbdb.PortTypeVIF, sbdb.PortTypeVirtual:
		return KindVIF
	case sbdb.PortTypePatch:
		return KindPatch
	case sbdb.PortTypeLocalnet:
		return KindLocalnet
	case sbdb.PortTypeChassisRedirect:
		if strings.HasPrefix(p.Name, sbdb.ChassisRedirectPrefix) {
			return KindGateway
		}
	}
	return KindOther
}

// IsVIF reports whether the port is a workload port.
func (p Port) IsVIF() bool { return p.Kind() == KindVIF }

// IsRouterInterface reports whether the port is named as a router interface.
func (p Port) IsRouterInterface() bool {
	return strings.HasPrefix(p.Name, sbdb.RouterPortPrefix)
}

// Bound reports whether the port is bound to any chassis.
func (p Port) Bound() bool { return p.Chassis != "" }

// BoundTo reports whether the port is bound to the named chassis.
func (p Port) BoundTo(chassis string) bool {
	return chassis != "" && p.Chassis == chassis
}

// Option returns an options column value.
func (p Port) Option(key string) (string, bool) {
	v, ok := p.Options[key]
	return v, ok && v != ""
}

// Peer returns options:peer of a patch port.
func (p Port) Peer() (string, bool) { return p.Option("peer") }

// NetworkName returns options:network_name of a localnet port.
func (p Port) NetworkName() (string, bool) { return p.Option("network_name") }

// VLAN returns the localnet tag.
func (p Port) VLAN() (int, bool) {
	if p.Tag == nil {
		return 0, false
	}
	return *p.Tag, true
}

// Addresses parses the first mac column entry.
func (p Port) Addresses() (Addresses, bool) {
	if len(p.MAC) == 0 {
		return Addresses{}, false
	}
	return ParseAddresses(p.MAC[0])
}

// NATEntries parses nat_addresses, skipping malformed entries.
func (p Port) NATEntries() []NAT {
	out := make([]NAT, 0, len(p.NATAddresses))
	for _, raw := range p.NATAddresses {
		if nat, ok := ParseNAT(raw); ok {
			out = append(out, nat)
		}
	}
	return out
}

// -------------------------------------------------------------------------
// Address Encoding
// -------------------------------------------------------------------------

// Addresses is the decoded form of a "MAC IP [IP]" mac column entry.
// IPs keep any prefix length present in the encoding.
type Addresses struct {
	MAC string
	IPs []string
}

// ParseAddresses decodes "MAC IPv4", "MAC IPv6" or "MAC IPv4 IPv6".
// Any other token count is unparseable.
func ParseAddresses(raw string) (Addresses, bool) {
	fields := strings.Split(raw, " ")
	if len(fields) != 2 && len(fields) != 3 {
		return Addresses{}, false
	}
	return Addresses{MAC: fields[0], IPs: slices.Clone(fields[1:])}, true
}

// HasAddresses reports whether the first mac entry is parseable.
func HasAddresses(mac []string) bool {
	if len(mac) == 0 {
		return false
	}
	_, ok := ParseAddresses(mac[0])
	return ok
}

// NAT is one decoded nat_addresses entry of a router patch port.
type NAT struct {
	MAC  string
	IP   string
	Port string
}

// ParseNAT decodes `MAC IP [IP...] is_chassis_resident("port")`. IP is the
// first address.
func ParseNAT(raw string) (NAT, bool) {
	fields := strings.Fields(raw)
	if len(fields) < 3 {
		return NAT{}, false
	}
	quoted := strings.Split(fields[len(fields)-1], "\"")
	if len(quoted) < 2 || quoted[1] == "" {
		return NAT{}, false
	}
	return NAT{MAC: fields[0], IP: fields[1], Port: quoted[1]}, true
}

// -------------------------------------------------------------------------
// IP helpers
// -------------------------------------------------------------------------

// ParseIP accepts "10.0.0.5" or "10.0.0.5/24" and returns the address.
func ParseIP(s string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr, true
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return prefix.Addr(), true
}

// ParseCIDR accepts "10.0.1.1/24" and returns both the address and the
// masked network prefix. A bare address yields its host prefix.
func ParseCIDR(s string) (netip.Addr, netip.Prefix, bool) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.Addr(), prefix.Masked(), true
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, netip.Prefix{}, false
	}
	return addr, netip.PrefixFrom(addr, addr.BitLen()), true
}

package gobgp

import (
	"errors"
	"fmt"
	"net/netip"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// ErrInvalidPrefix indicates a prefix that cannot be announced.
var ErrInvalidPrefix = errors.New("invalid prefix")

var (
	familyIPv4Unicast = &apipb.Family{Afi: apipb.Family_AFI_IP, Safi: apipb.Family_SAFI_UNICAST}
	familyIPv6Unicast = &apipb.Family{Afi: apipb.Family_AFI_IP6, Safi: apipb.Family_SAFI_UNICAST}
)

// originIGP is the ORIGIN attribute value for locally originated routes.
const originIGP = 0

// NewPath builds the GoBGP unicast path announcing prefix with nextHop.
// IPv4 prefixes carry a NEXT_HOP attribute, IPv6 prefixes an MP_REACH_NLRI
// attribute. A zero nextHop announces the unspecified address of the
// prefix family, which GoBGP rewrites to its own address.
func NewPath(prefix netip.Prefix, nextHop netip.Addr) (*apipb.Path, error) {
	if !prefix.IsValid() {
		return nil, fmt.Errorf("new path: %w: %s", ErrInvalidPrefix, prefix)
	}
	prefix = prefix.Masked()
	v4 := prefix.Addr().Is4()

	if !nextHop.IsValid() {
		nextHop = netip.IPv6Unspecified()
		if v4 {
			nextHop = netip.IPv4Unspecified()
		}
	}
	if nextHop.Is4() != v4 {
		return nil, fmt.Errorf("new path %s: %w: next hop %s has another family",
			prefix, ErrInvalidPrefix, nextHop)
	}

	nlri, err := anypb.New(&apipb.IPAddressPrefix{
		Prefix:    prefix.Addr().String(),
		PrefixLen: uint32(prefix.Bits()), //nolint:gosec // Bits is 0..128.
	})
	if err != nil {
		return nil, fmt.Errorf("marshal nlri %s: %w", prefix, err)
	}

	family := familyIPv4Unicast
	var hopAttr proto.Message = &apipb.NextHopAttribute{NextHop: nextHop.String()}
	if !v4 {
		family = familyIPv6Unicast
		hopAttr = &apipb.MpReachNLRIAttribute{
			Family:   familyIPv6Unicast,
			NextHops: []string{nextHop.String()},
			Nlris:    []*anypb.Any{nlri},
		}
	}

	attrs, err := marshalAll(&apipb.OriginAttribute{Origin: originIGP}, hopAttr)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes %s: %w", prefix, err)
	}

	return &apipb.Path{
		Family: family,
		Nlri:   nlri,
		Pattrs: attrs,
	}, nil
}

func marshalAll(msgs ...proto.Message) ([]*anypb.Any, error) {
	out := make([]*anypb.Any, 0, len(msgs))
	for _, m := range msgs {
		a, err := anypb.New(m)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

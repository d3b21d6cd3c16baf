package topology_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/dantte-lp/ovn-bgp-agent/internal/sbdb"
	"github.com/dantte-lp/ovn-bgp-agent/internal/topology"
)

// fakeLister serves fixed rows the way the libovsdb cache List does.
type fakeLister struct {
	bindings []sbdb.PortBinding
	chassis  []sbdb.Chassis
	err      error
}

func (f *fakeLister) List(_ context.Context, result any) error {
	if f.err != nil {
		return f.err
	}
	switch r := result.(type) {
	case *[]sbdb.PortBinding:
		*r = append(*r, f.bindings...)
	case *[]sbdb.Chassis:
		*r = append(*r, f.chassis...)
	default:
		return fmt.Errorf("unexpected result type %T", result)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

// newFixture builds a provider network, a tenant network behind a router
// and a gateway bound to compute-0.
func newFixture() *fakeLister {
	return &fakeLister{
		chassis: []sbdb.Chassis{
			{UUID: "ch-uuid-0", Name: "compute-0"},
			{UUID: "ch-uuid-1", Name: "compute-1"},
		},
		bindings: []sbdb.PortBinding{
			{
				LogicalPort: "provnet-public", Type: "localnet", Datapath: "dp-public",
				Options: map[string]string{"network_name": "public"},
			},
			{
				LogicalPort: "provnet-vlan", Type: "localnet", Datapath: "dp-vlan",
				Options: map[string]string{"network_name": "vlan100"}, Tag: ptr(100),
			},
			{
				LogicalPort: "p1", Type: "", Datapath: "dp-public",
				Chassis: ptr("ch-uuid-0"), MAC: []string{"aa:bb:cc:dd:ee:ff 172.24.4.10"},
			},
			{
				LogicalPort: "vm-tenant", Type: "", Datapath: "dp-tenant",
				Chassis: ptr("ch-uuid-1"), MAC: []string{"fa:16:3e:00:00:09 10.0.1.9"},
			},
			{
				LogicalPort: "router-gw", Type: "patch", Datapath: "dp-public",
				Options:      map[string]string{"peer": "lrp-gw"},
				NatAddresses: []string{`fa:16:3e:00:00:01 172.24.4.100 is_chassis_resident("vm-tenant")`},
			},
			{
				LogicalPort: "cr-lrp-gw", Type: "chassisredirect", Datapath: "dp-router",
				Chassis: ptr("ch-uuid-0"), MAC: []string{"fa:16:3e:00:00:02 172.24.4.5/24"},
			},
			{
				LogicalPort: "lrp-tenant", Type: "patch", Datapath: "dp-router",
				Options: map[string]string{"peer": "tenant-rtr"}, MAC: []string{"fa:16:3e:00:00:03 10.0.1.1/24"},
			},
			{
				LogicalPort: "tenant-rtr", Type: "patch", Datapath: "dp-tenant",
				Options: map[string]string{"peer": "lrp-tenant"},
			},
		},
	}
}

func TestPortsOnChassis(t *testing.T) {
	t.Parallel()

	q := topology.NewCache(newFixture())
	ports, err := q.PortsOnChassis(context.Background(), "compute-0")
	if err != nil {
		t.Fatalf("PortsOnChassis: %v", err)
	}

	var names []string
	for _, p := range ports {
		names = append(names, p.Name)
	}
	slices.Sort(names)
	if want := []string{"cr-lrp-gw", "p1"}; !slices.Equal(names, want) {
		t.Errorf("PortsOnChassis(compute-0) = %v, want %v", names, want)
	}
}

func TestPortsOnDatapathTypeFilter(t *testing.T) {
	t.Parallel()

	q := topology.NewCache(newFixture())
	ctx := context.Background()

	all, err := q.PortsOnDatapath(ctx, "dp-public")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("PortsOnDatapath(dp-public) = %d ports, want 3", len(all))
	}

	vifs, err := q.PortsOnDatapath(ctx, "dp-public", sbdb.PortTypeVIF)
	if err != nil {
		t.Fatal(err)
	}
	if len(vifs) != 1 || vifs[0].Name != "p1" {
		t.Errorf("PortsOnDatapath(dp-public, vif) = %v, want [p1]", vifs)
	}
}

func TestFipAssociatedWith(t *testing.T) {
	t.Parallel()

	q := topology.NewCache(newFixture())
	ctx := context.Background()

	ip, dp, ok, err := q.FipAssociatedWith(ctx, "vm-tenant")
	if err != nil || !ok {
		t.Fatalf("FipAssociatedWith(vm-tenant) = ok %v err %v", ok, err)
	}
	if ip != "172.24.4.100" || dp != "dp-public" {
		t.Errorf("FipAssociatedWith(vm-tenant) = %s, %s; want 172.24.4.100, dp-public", ip, dp)
	}

	if _, _, ok, _ := q.FipAssociatedWith(ctx, "unknown"); ok {
		t.Error("FipAssociatedWith(unknown) found an association")
	}
}

func TestFipAssociatedWithMatchesWholePortName(t *testing.T) {
	t.Parallel()

	db := newFixture()
	db.bindings = append(db.bindings, sbdb.PortBinding{
		LogicalPort: "router-gw-2", Type: "patch", Datapath: "dp-public",
		NatAddresses: []string{`fa:16:3e:00:00:10 172.24.4.10 is_chassis_resident("vm10")`},
	})
	q := topology.NewCache(db)
	ctx := context.Background()

	for _, port := range []string{"vm1", "vm", "vm-tenan", "tenant"} {
		if fip, _, ok, _ := q.FipAssociatedWith(ctx, port); ok {
			t.Errorf("FipAssociatedWith(%s) = %s, want no association", port, fip)
		}
	}

	fip, _, ok, err := q.FipAssociatedWith(ctx, "vm10")
	if err != nil || !ok || fip != "172.24.4.10" {
		t.Errorf("FipAssociatedWith(vm10) = %s, %v, %v", fip, ok, err)
	}
}

func TestProviderAndNetworkQueries(t *testing.T) {
	t.Parallel()

	q := topology.NewCache(newFixture())
	ctx := context.Background()

	if ok, _ := q.IsProviderNetwork(ctx, "dp-public"); !ok {
		t.Error("IsProviderNetwork(dp-public) = false")
	}
	if ok, _ := q.IsProviderNetwork(ctx, "dp-tenant"); ok {
		t.Error("IsProviderNetwork(dp-tenant) = true")
	}

	nw, ok, err := q.NetworkNameAndTag(ctx, "dp-vlan", []string{"public", "vlan100"})
	if err != nil || !ok || nw.Name != "vlan100" || nw.VLAN != 100 {
		t.Errorf("NetworkNameAndTag(dp-vlan) = %+v, %v, %v", nw, ok, err)
	}

	if _, ok, _ := q.NetworkNameAndTag(ctx, "dp-public", []string{"other"}); ok {
		t.Error("NetworkNameAndTag with non-matching candidates found a network")
	}

	tag, ok, _ := q.VlanTagForNetwork(ctx, "vlan100")
	if !ok || tag != 100 {
		t.Errorf("VlanTagForNetwork(vlan100) = %d, %v", tag, ok)
	}
	if _, ok, _ := q.VlanTagForNetwork(ctx, "public"); ok {
		t.Error("VlanTagForNetwork(public) reported a tag")
	}
}

func TestRouterQueries(t *testing.T) {
	t.Parallel()

	q := topology.NewCache(newFixture())
	ctx := context.Background()

	gw, ok, err := q.RouterGatewayChassis(ctx, "dp-router", "compute-0")
	if err != nil || !ok || gw != "cr-lrp-gw" {
		t.Errorf("RouterGatewayChassis(dp-router, compute-0) = %q, %v, %v", gw, ok, err)
	}
	if _, ok, _ := q.RouterGatewayChassis(ctx, "dp-router", "compute-1"); ok {
		t.Error("RouterGatewayChassis matched a foreign chassis")
	}

	peer, ok, _ := q.RouterPeerPort(ctx, "dp-tenant")
	if !ok || peer != "lrp-tenant" {
		t.Errorf("RouterPeerPort(dp-tenant) = %q, %v", peer, ok)
	}

	rps, _ := q.RouterPorts(ctx, "dp-router")
	if len(rps) != 1 || rps[0].Name != "lrp-tenant" {
		t.Errorf("RouterPorts(dp-router) = %v", rps)
	}

	dp, ok, _ := q.PortDatapath(ctx, "tenant-rtr")
	if !ok || dp != "dp-tenant" {
		t.Errorf("PortDatapath(tenant-rtr) = %q, %v", dp, ok)
	}
}

func TestPortPresence(t *testing.T) {
	t.Parallel()

	q := topology.NewCache(newFixture())
	ctx := context.Background()

	if ok, _ := q.IsPortOnChassis(ctx, "p1", "compute-0"); !ok {
		t.Error("IsPortOnChassis(p1, compute-0) = false")
	}
	if ok, _ := q.IsPortOnChassis(ctx, "cr-lrp-gw", "compute-0"); ok {
		t.Error("IsPortOnChassis accepted a non-VIF port")
	}
	if deleted, _ := q.IsPortDeleted(ctx, "p1"); deleted {
		t.Error("IsPortDeleted(p1) = true")
	}
	if deleted, _ := q.IsPortDeleted(ctx, "gone"); !deleted {
		t.Error("IsPortDeleted(gone) = false")
	}
}

func TestQueryErrorWrapped(t *testing.T) {
	t.Parallel()

	q := topology.NewCache(&fakeLister{err: errors.New("cache closed")})
	_, err := q.PortsOnChassis(context.Background(), "compute-0")
	if !errors.Is(err, topology.ErrQuery) {
		t.Errorf("PortsOnChassis error = %v, want ErrQuery", err)
	}
}

package watcher_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/ovn-bgp-agent/internal/ovsdbclient"
	"github.com/dantte-lp/ovn-bgp-agent/internal/sbdb"
	"github.com/dantte-lp/ovn-bgp-agent/internal/topology"
	"github.com/dantte-lp/ovn-bgp-agent/internal/watcher"
)

const chassis = "compute-0"

var errEngine = errors.New("engine failure")

// -------------------------------------------------------------------------
// Fakes
// -------------------------------------------------------------------------

type fakeEngine struct {
	mu     sync.Mutex
	calls  []string
	tenant bool
	lrps   bool
	fail   bool
	notify chan string
}

func (f *fakeEngine) record(format string, args ...any) error {
	call := strings.TrimSpace(fmt.Sprintf(format, args...))
	f.mu.Lock()
	f.calls = append(f.calls, call)
	fail := f.fail
	f.mu.Unlock()
	if f.notify != nil {
		f.notify <- call
	}
	if fail {
		return errEngine
	}
	return nil
}

func (f *fakeEngine) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeEngine) FullResync(context.Context) error {
	return f.record("FullResync")
}

func (f *fakeEngine) ExposeIP(_ context.Context, ips []string, p topology.Port, assoc string) (string, error) {
	return "", f.record("ExposeIP %s %v %s", p.Name, ips, assoc)
}

func (f *fakeEngine) WithdrawIP(_ context.Context, ips []string, p topology.Port, assoc string) error {
	return f.record("WithdrawIP %s %v %s", p.Name, ips, assoc)
}

func (f *fakeEngine) ExposeSubnet(_ context.Context, cidr string, p topology.Port) error {
	return f.record("ExposeSubnet %s %s", p.Name, cidr)
}

func (f *fakeEngine) WithdrawSubnet(_ context.Context, cidr string, p topology.Port) error {
	return f.record("WithdrawSubnet %s %s", p.Name, cidr)
}

func (f *fakeEngine) ExposeRemoteIP(_ context.Context, ips []string, p topology.Port) error {
	return f.record("ExposeRemoteIP %s %v", p.Name, ips)
}

func (f *fakeEngine) WithdrawRemoteIP(_ context.Context, ips []string, p topology.Port) error {
	return f.record("WithdrawRemoteIP %s %v", p.Name, ips)
}

func (f *fakeEngine) LocalRouterPorts() bool     { return f.lrps }
func (f *fakeEngine) ExposeTenantNetworks() bool { return f.tenant }

type fakeResolver map[string]string

func (r fakeResolver) ChassisNames(context.Context) (map[string]string, error) {
	return r, nil
}

type fakeMetrics struct {
	mu      sync.Mutex
	events  map[string]int
	failed  map[string]int
	dropped int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{events: make(map[string]int), failed: make(map[string]int)}
}

func (m *fakeMetrics) IncEvent(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[name]++
	if err != nil {
		m.failed[name]++
	}
}

func (m *fakeMetrics) IncDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nat(ip, port string) string {
	return fmt.Sprintf(`fa:16:3e:00:00:01 %s is_chassis_resident("%s")`, ip, port)
}

// -------------------------------------------------------------------------
// Rows
// -------------------------------------------------------------------------

func vif(name, boundTo, mac string) topology.Port {
	return topology.Port{Name: name, Type: "", Datapath: "dp", Chassis: boundTo, MAC: []string{mac}}
}

var (
	p1Unbound = vif("p1", "", "aa:bb:cc:dd:ee:ff 10.0.0.5")
	p1Here    = vif("p1", chassis, "aa:bb:cc:dd:ee:ff 10.0.0.5")
	p1There   = vif("p1", "compute-1", "aa:bb:cc:dd:ee:ff 10.0.0.5")
	vm2There  = vif("vm2", "compute-1", "fa:16:3e:00:00:10 10.0.1.10")
	vm2Loose  = vif("vm2", "", "fa:16:3e:00:00:10 10.0.1.10")

	gateway = topology.Port{
		Name: "cr-lrp-1", Type: "chassisredirect", Chassis: chassis,
		MAC: []string{"fa:16:3e:00:00:01 203.0.113.5/24"},
	}
	lrpTenant = topology.Port{
		Name: "lrp-tenant", Type: "patch",
		MAC: []string{"fa:16:3e:00:00:02 10.0.1.1/24"},
	}
)

func patch(name string, nats ...string) topology.Port {
	return topology.Port{Name: name, Type: "patch", NATAddresses: nats}
}

// -------------------------------------------------------------------------
// Tests
// -------------------------------------------------------------------------

func TestDispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		tenant bool
		lrps   bool
		change watcher.Change
		want   []string
	}{
		{
			name:   "workload bound here",
			change: watcher.Change{Kind: watcher.KindUpdate, Port: p1Here, Old: p1Unbound},
			want:   []string{"ExposeIP p1 [10.0.0.5]"},
		},
		{
			name:   "workload bound elsewhere",
			change: watcher.Change{Kind: watcher.KindUpdate, Port: p1There, Old: p1Unbound},
		},
		{
			name:   "workload already bound",
			change: watcher.Change{Kind: watcher.KindUpdate, Port: p1Here, Old: p1Here},
		},
		{
			name: "unparseable address",
			change: watcher.Change{
				Kind: watcher.KindUpdate,
				Port: vif("p1", chassis, "aa:bb:cc:dd:ee:ff"),
				Old:  vif("p1", "", "aa:bb:cc:dd:ee:ff"),
			},
		},
		{
			name: "dual-stack workload bound here",
			change: watcher.Change{
				Kind: watcher.KindUpdate,
				Port: vif("p2", chassis, "aa:bb:cc:dd:ee:01 10.0.0.6 2001:db8::6"),
				Old:  vif("p2", "", "aa:bb:cc:dd:ee:01 10.0.0.6 2001:db8::6"),
			},
			want: []string{"ExposeIP p2 [10.0.0.6 2001:db8::6]"},
		},
		{
			name:   "workload unbound from here",
			change: watcher.Change{Kind: watcher.KindUpdate, Port: p1Unbound, Old: p1Here},
			want:   []string{"WithdrawIP p1 [10.0.0.5]"},
		},
		{
			name:   "workload deleted while bound here",
			change: watcher.Change{Kind: watcher.KindDelete, Port: p1Here},
			want:   []string{"WithdrawIP p1 [10.0.0.5]"},
		},
		{
			name:   "workload deleted while bound elsewhere",
			change: watcher.Change{Kind: watcher.KindDelete, Port: p1There},
		},
		{
			name: "gateway bound here",
			change: watcher.Change{
				Kind: watcher.KindUpdate,
				Port: gateway,
				Old:  topology.Port{Name: "cr-lrp-1", Type: "chassisredirect", MAC: gateway.MAC},
			},
			want: []string{"ExposeIP cr-lrp-1 [203.0.113.5/24]"},
		},
		{
			name: "non workload port bound here",
			change: watcher.Change{
				Kind: watcher.KindUpdate,
				Port: topology.Port{Name: "ext", Type: "external", Chassis: chassis, MAC: p1Here.MAC},
				Old:  topology.Port{Name: "ext", Type: "external", MAC: p1Here.MAC},
			},
		},
		{
			name: "floating ip set",
			change: watcher.Change{
				Kind: watcher.KindUpdate,
				Port: patch("provider-rtr", nat("172.24.4.100", "vm1")),
				Old:  patch("provider-rtr"),
			},
			want: []string{"ExposeIP provider-rtr [172.24.4.100] vm1"},
		},
		{
			name: "floating ip unset",
			change: watcher.Change{
				Kind: watcher.KindUpdate,
				Port: patch("provider-rtr"),
				Old:  patch("provider-rtr", nat("172.24.4.100", "vm1")),
			},
			want: []string{"WithdrawIP provider-rtr [172.24.4.100] vm1"},
		},
		{
			name: "floating ip moved",
			change: watcher.Change{
				Kind: watcher.KindUpdate,
				Port: patch("provider-rtr", nat("172.24.4.101", "vm2")),
				Old:  patch("provider-rtr", nat("172.24.4.100", "vm1")),
			},
			want: []string{
				"ExposeIP provider-rtr [172.24.4.101] vm2",
				"WithdrawIP provider-rtr [172.24.4.100] vm1",
			},
		},
		{
			name: "malformed nat entry skipped",
			change: watcher.Change{
				Kind: watcher.KindUpdate,
				Port: patch("provider-rtr", "fa:16:3e:00:00:01 172.24.4.100", nat("172.24.4.102", "vm3")),
				Old:  patch("provider-rtr"),
			},
			want: []string{"ExposeIP provider-rtr [172.24.4.102] vm3"},
		},
		{
			name: "nat change on router interface ignored",
			change: watcher.Change{
				Kind: watcher.KindUpdate,
				Port: patch("lrp-x", nat("172.24.4.100", "vm1")),
				Old:  patch("lrp-x"),
			},
		},
		{
			name:   "subnet attached",
			tenant: true,
			change: watcher.Change{Kind: watcher.KindCreate, Port: lrpTenant},
			want:   []string{"ExposeSubnet lrp-tenant 10.0.1.1/24"},
		},
		{
			name:   "subnet attached without tenant exposure",
			change: watcher.Change{Kind: watcher.KindCreate, Port: lrpTenant},
		},
		{
			name:   "subnet detached",
			tenant: true,
			lrps:   true,
			change: watcher.Change{Kind: watcher.KindDelete, Port: lrpTenant},
			want:   []string{"WithdrawSubnet lrp-tenant 10.0.1.1/24"},
		},
		{
			name:   "tenant workload bound with local router ports",
			tenant: true,
			lrps:   true,
			change: watcher.Change{Kind: watcher.KindUpdate, Port: vm2There, Old: vm2Loose},
			want:   []string{"ExposeRemoteIP vm2 [10.0.1.10]"},
		},
		{
			name:   "tenant workload bound without local router ports",
			tenant: true,
			change: watcher.Change{Kind: watcher.KindUpdate, Port: vm2There, Old: vm2Loose},
		},
		{
			name:   "tenant workload deleted",
			tenant: true,
			lrps:   true,
			change: watcher.Change{Kind: watcher.KindDelete, Port: vm2There},
			want:   []string{"WithdrawRemoteIP vm2 [10.0.1.10]"},
		},
		{
			name:   "local tenant workload matches both events",
			tenant: true,
			lrps:   true,
			change: watcher.Change{Kind: watcher.KindUpdate, Port: p1Here, Old: p1Unbound},
			want: []string{
				"ExposeIP p1 [10.0.0.5]",
				"ExposeRemoteIP p1 [10.0.0.5]",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			eng := &fakeEngine{tenant: tt.tenant, lrps: tt.lrps}
			d := watcher.NewDispatcher(chassis, eng, fakeResolver{}, discard())

			c := tt.change
			c.Table = sbdb.PortBindingTable
			d.Dispatch(context.Background(), c)

			if got := eng.recorded(); !slices.Equal(got, tt.want) {
				t.Errorf("calls:\n got  %q\n want %q", got, tt.want)
			}
		})
	}
}

func TestTenantEventsRegistration(t *testing.T) {
	t.Parallel()

	base := watcher.NewDispatcher(chassis, &fakeEngine{}, fakeResolver{}, discard()).Events()
	tenant := watcher.NewDispatcher(chassis, &fakeEngine{tenant: true}, fakeResolver{}, discard()).Events()

	if len(base) != 4 {
		t.Errorf("events without tenant exposure = %v, want 4", base)
	}
	if len(tenant) != 8 {
		t.Errorf("events with tenant exposure = %v, want 8", tenant)
	}
	for _, name := range []string{watcher.EventSubnetRouterAttached, watcher.EventTenantPortDeleted} {
		if slices.Contains(base, name) {
			t.Errorf("%s registered without tenant exposure", name)
		}
		if !slices.Contains(tenant, name) {
			t.Errorf("%s not registered with tenant exposure", name)
		}
	}
}

func TestDispatchContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{fail: true}
	mr := newFakeMetrics()
	d := watcher.NewDispatcher(chassis, eng, fakeResolver{}, discard(), watcher.WithDispatcherMetrics(mr))

	d.Dispatch(context.Background(), watcher.Change{
		Table: sbdb.PortBindingTable,
		Kind:  watcher.KindUpdate,
		Port:  patch("provider-rtr", nat("172.24.4.101", "vm2")),
		Old:   patch("provider-rtr", nat("172.24.4.100", "vm1")),
	})

	if got := len(eng.recorded()); got != 2 {
		t.Errorf("engine calls = %d, want 2", got)
	}
	if mr.failed[watcher.EventFIPSet] != 1 || mr.failed[watcher.EventFIPUnset] != 1 {
		t.Errorf("failed events = %v", mr.failed)
	}
}

func TestDispatchIgnoresOtherTables(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	d := watcher.NewDispatcher(chassis, eng, fakeResolver{}, discard())
	d.Dispatch(context.Background(), watcher.Change{
		Table: sbdb.ChassisTable,
		Kind:  watcher.KindUpdate,
		Port:  p1Here,
		Old:   p1Unbound,
	})
	if got := eng.recorded(); len(got) != 0 {
		t.Errorf("calls = %q, want none", got)
	}
}

// -------------------------------------------------------------------------
// Run
// -------------------------------------------------------------------------

// startDispatcher runs d until the test ends.
func startDispatcher(t *testing.T, d *watcher.Dispatcher) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func waitCall(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case call := <-ch:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for engine call")
		return ""
	}
}

func TestRunResolvesChassisAndDelivers(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{notify: make(chan string, 4)}
	d := watcher.NewDispatcher(chassis, eng, fakeResolver{"ch0-uuid": chassis}, discard())
	startDispatcher(t, d)

	old := &sbdb.PortBinding{LogicalPort: "p1", MAC: []string{"aa:bb:cc:dd:ee:ff 10.0.0.5"}}
	row := &sbdb.PortBinding{
		LogicalPort: "p1",
		MAC:         []string{"aa:bb:cc:dd:ee:ff 10.0.0.5"},
		Chassis:     func() *string { s := "ch0-uuid"; return &s }(),
	}

	h := d.Handler()
	h.OnAdd(sbdb.ChassisTable, &sbdb.Chassis{UUID: "ch0-uuid", Name: chassis})
	h.OnUpdate(sbdb.PortBindingTable, old, row)

	if got := waitCall(t, eng.notify); got != "ExposeIP p1 [10.0.0.5]" {
		t.Errorf("call = %q", got)
	}
}

func TestRunResyncsOnlyOnReestablishedSession(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{notify: make(chan string, 4)}
	d := watcher.NewDispatcher(chassis, eng, fakeResolver{}, discard())
	startDispatcher(t, d)

	d.OnSession(ovsdbclient.SessionEstablished)
	d.OnSession(ovsdbclient.SessionReestablished)

	if got := waitCall(t, eng.notify); got != "FullResync" {
		t.Errorf("call = %q, want FullResync", got)
	}

	select {
	case call := <-eng.notify:
		t.Errorf("unexpected call %q", call)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunResyncsAfterQueueOverrun(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{notify: make(chan string, 4)}
	mr := newFakeMetrics()
	d := watcher.NewDispatcher(chassis, eng, fakeResolver{}, discard(), watcher.WithDispatcherMetrics(mr))

	// Creates of workload ports match no event; they only fill the queue.
	h := d.Handler()
	for i := range 5000 {
		h.OnAdd(sbdb.PortBindingTable, &sbdb.PortBinding{LogicalPort: fmt.Sprintf("p%d", i)})
	}

	mr.mu.Lock()
	dropped := mr.dropped
	mr.mu.Unlock()
	if dropped == 0 {
		t.Fatal("no notification dropped")
	}

	startDispatcher(t, d)
	if got := waitCall(t, eng.notify); got != "FullResync" {
		t.Errorf("call = %q, want FullResync", got)
	}
}

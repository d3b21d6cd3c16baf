package gobgp_test

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dantte-lp/ovn-bgp-agent/internal/agent"
	"github.com/dantte-lp/ovn-bgp-agent/internal/gobgp"
)

// Method name constants for mock call assertions.
const (
	methodAddPath    = "AddPath"
	methodDeletePath = "DeletePath"
)

// -------------------------------------------------------------------------
// Mock GoBGP Client
// -------------------------------------------------------------------------

// mockClient records GoBGP API calls for test assertions.
type mockClient struct {
	mu     sync.Mutex
	calls  []mockCall
	err    error // if set, all calls return this error
	closed bool
}

type mockCall struct {
	method  string
	prefix  netip.Prefix
	nextHop netip.Addr
}

func (m *mockClient) AddPath(_ context.Context, prefix netip.Prefix, nextHop netip.Addr) error {
	return m.record(methodAddPath, prefix, nextHop)
}

func (m *mockClient) DeletePath(_ context.Context, prefix netip.Prefix, nextHop netip.Addr) error {
	return m.record(methodDeletePath, prefix, nextHop)
}

func (m *mockClient) record(method string, prefix netip.Prefix, nextHop netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, mockCall{method: method, prefix: prefix, nextHop: nextHop})
	return nil
}

func (m *mockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

func (m *mockClient) getCalls() []mockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.calls)
}

func (m *mockClient) setError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.err = err
}

// fakeMetrics counts handler measurements.
type fakeMetrics struct {
	mu         sync.Mutex
	updates    map[string]int
	failures   int
	suppressed int
}

func (f *fakeMetrics) IncPathUpdate(action string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string]int)
	}
	f.updates[action]++
	if err != nil {
		f.failures++
	}
}

func (f *fakeMetrics) IncSuppressed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suppressed++
}

var (
	prefixV4 = netip.MustParsePrefix("203.0.113.5/32")
	prefixV6 = netip.MustParsePrefix("2001:db8::5/128")
	hopV4    = netip.MustParseAddr("192.0.2.1")
	hopV6    = netip.MustParseAddr("2001:db8:ffff::1")
)

// -------------------------------------------------------------------------
// Handler Tests
// -------------------------------------------------------------------------

func TestHandlerAppliesChanges(t *testing.T) {
	t.Parallel()

	mock := &mockClient{}
	mr := &fakeMetrics{}
	h := newTestHandler(t, mock, gobgp.DampeningConfig{}, gobgp.WithHandlerMetrics(mr))

	changes := make(chan agent.AdvertisementChange, 4)
	stop := runHandler(t, h, changes)
	defer stop()

	changes <- change(agent.ActionAdvertise, prefixV4)
	changes <- change(agent.ActionAdvertise, prefixV6)
	changes <- change(agent.ActionWithdraw, prefixV4)

	waitForCalls(t, mock, 3)

	want := []mockCall{
		{methodAddPath, prefixV4, hopV4},
		{methodAddPath, prefixV6, hopV6},
		{methodDeletePath, prefixV4, hopV4},
	}
	if got := mock.getCalls(); !slices.Equal(got, want) {
		t.Errorf("calls = %+v, want %+v", got, want)
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.updates["advertise"] != 2 || mr.updates["withdraw"] != 1 {
		t.Errorf("path updates = %v, want advertise=2 withdraw=1", mr.updates)
	}
}

func TestHandlerIgnoresUnknownAction(t *testing.T) {
	t.Parallel()

	mock := &mockClient{}
	h := newTestHandler(t, mock, gobgp.DampeningConfig{})

	changes := make(chan agent.AdvertisementChange, 2)
	stop := runHandler(t, h, changes)
	defer stop()

	changes <- change(agent.Action(0), prefixV4)
	changes <- change(agent.ActionAdvertise, prefixV6)

	waitForCalls(t, mock, 1)

	if got := mock.getCalls(); len(got) != 1 || got[0].prefix != prefixV6 {
		t.Errorf("calls = %+v, want one AddPath for %s", got, prefixV6)
	}
}

func TestHandlerStopsOnChannelClose(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &mockClient{}, gobgp.DampeningConfig{})

	changes := make(chan agent.AdvertisementChange)
	close(changes)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background(), changes) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop after channel close")
	}
}

func TestHandlerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &mockClient{}, gobgp.DampeningConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, make(chan agent.AdvertisementChange)) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop after context cancel")
	}
}

func TestHandlerClientErrorNonFatal(t *testing.T) {
	t.Parallel()

	mock := &mockClient{}
	mr := &fakeMetrics{}
	h := newTestHandler(t, mock, gobgp.DampeningConfig{}, gobgp.WithHandlerMetrics(mr))

	mock.setError(errors.New("connection refused"))

	changes := make(chan agent.AdvertisementChange, 1)
	stop := runHandler(t, h, changes)
	defer stop()

	changes <- change(agent.ActionAdvertise, prefixV4)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mr.mu.Lock()
		failures := mr.failures
		mr.mu.Unlock()
		if failures == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the failed update")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The handler keeps consuming after a failure.
	mock.setError(nil)
	changes <- change(agent.ActionAdvertise, prefixV6)
	waitForCalls(t, mock, 1)
}

func TestNewHandlerRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := gobgp.NewHandler(gobgp.HandlerConfig{Logger: slog.Default()})
	if !errors.Is(err, gobgp.ErrNoClient) {
		t.Errorf("NewHandler error = %v, want ErrNoClient", err)
	}
}

func TestHandlerSyncAnnouncesExisting(t *testing.T) {
	t.Parallel()

	mock := &mockClient{}
	h := newTestHandler(t, mock, gobgp.DampeningConfig{})

	if err := h.Sync(context.Background(), []netip.Prefix{prefixV4, prefixV6}); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	want := []mockCall{
		{methodAddPath, prefixV4, hopV4},
		{methodAddPath, prefixV6, hopV6},
	}
	if got := mock.getCalls(); !slices.Equal(got, want) {
		t.Errorf("calls = %+v, want %+v", got, want)
	}
}

func TestHandlerSyncJoinsErrors(t *testing.T) {
	t.Parallel()

	mock := &mockClient{}
	errDown := errors.New("gobgp down")
	mock.setError(errDown)
	h := newTestHandler(t, mock, gobgp.DampeningConfig{})

	err := h.Sync(context.Background(), []netip.Prefix{prefixV4, prefixV6})
	if !errors.Is(err, errDown) {
		t.Errorf("Sync error = %v, want %v", err, errDown)
	}
}

func TestHandlerSyncWithdrawsStale(t *testing.T) {
	t.Parallel()

	mock := &mockClient{}
	h := newTestHandler(t, mock, gobgp.DampeningConfig{})
	ctx := context.Background()

	if err := h.Sync(ctx, []netip.Prefix{prefixV4, prefixV6}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := h.Sync(ctx, []netip.Prefix{prefixV6}); err != nil {
		t.Fatalf("second Sync: %v", err)
	}

	want := []mockCall{
		{methodAddPath, prefixV4, hopV4},
		{methodAddPath, prefixV6, hopV6},
		{methodDeletePath, prefixV4, hopV4},
	}
	if got := mock.getCalls(); !slices.Equal(got, want) {
		t.Errorf("calls = %+v, want %+v", got, want)
	}
	if got := h.Announced(); !slices.Equal(got, []netip.Prefix{prefixV6}) {
		t.Errorf("announced = %v, want [%s]", got, prefixV6)
	}
}

// fakeSource serves a fixed prefix set and an overflow signal.
type fakeSource struct {
	mu       sync.Mutex
	prefixes []netip.Prefix
	overflow chan struct{}
}

func (f *fakeSource) ExposedPrefixes() []netip.Prefix {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.prefixes)
}

func (f *fakeSource) Overflows() <-chan struct{} { return f.overflow }

func TestHandlerResyncsAfterOverflow(t *testing.T) {
	t.Parallel()

	src := &fakeSource{prefixes: []netip.Prefix{prefixV4}, overflow: make(chan struct{}, 1)}
	mock := &mockClient{}
	h := newTestHandler(t, mock, gobgp.DampeningConfig{}, gobgp.WithPrefixSource(src))

	if err := h.Sync(context.Background(), src.ExposedPrefixes()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	stop := runHandler(t, h, make(chan agent.AdvertisementChange))
	defer stop()

	// The withdrawal of prefixV4 and the announcement of prefixV6 were
	// dropped; only the source knows about them.
	src.mu.Lock()
	src.prefixes = []netip.Prefix{prefixV6}
	src.mu.Unlock()
	src.overflow <- struct{}{}

	waitForCalls(t, mock, 3)

	want := []mockCall{
		{methodAddPath, prefixV4, hopV4},
		{methodAddPath, prefixV6, hopV6},
		{methodDeletePath, prefixV4, hopV4},
	}
	if got := mock.getCalls(); !slices.Equal(got, want) {
		t.Errorf("calls = %+v, want %+v", got, want)
	}
}

// -------------------------------------------------------------------------
// Handler Tests -- Dampening
// -------------------------------------------------------------------------

func TestHandlerDampeningHoldsAndReuses(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	cfg := gobgp.DampeningConfig{
		Enabled:           true,
		SuppressThreshold: 3,
		ReuseThreshold:    2,
		MaxSuppressTime:   60 * time.Second,
		HalfLife:          15 * time.Second,
	}

	mock := &mockClient{}
	mr := &fakeMetrics{}
	h := newTestHandler(t, mock, cfg,
		gobgp.WithDampener(gobgp.NewDampener(cfg, slog.Default(), gobgp.WithClock(clock))),
		gobgp.WithReuseInterval(10*time.Millisecond),
		gobgp.WithHandlerMetrics(mr),
	)

	changes := make(chan agent.AdvertisementChange, 8)
	stop := runHandler(t, h, changes)
	defer stop()

	// Three flaps reach the suppress threshold; the fourth announcement
	// is held back.
	for _, a := range []agent.Action{
		agent.ActionWithdraw, agent.ActionAdvertise,
		agent.ActionWithdraw, agent.ActionAdvertise,
		agent.ActionWithdraw, agent.ActionAdvertise,
	} {
		changes <- change(a, prefixV4)
	}

	waitForPending(t, h, 1)
	if got := len(mock.getCalls()); got != 5 {
		t.Fatalf("calls before reuse = %d, want 5", got)
	}

	offset.Store(int64(61 * time.Second))
	waitForCalls(t, mock, 6)

	last := mock.getCalls()[5]
	if last.method != methodAddPath || last.prefix != prefixV4 {
		t.Errorf("reused call = %+v, want AddPath %s", last, prefixV4)
	}
	if pending := h.Pending(); len(pending) != 0 {
		t.Errorf("pending after reuse = %v, want none", pending)
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.suppressed != 1 {
		t.Errorf("suppressed = %d, want 1", mr.suppressed)
	}
}

func TestHandlerWithdrawOfHeldPrefixSkipsDelete(t *testing.T) {
	t.Parallel()

	cfg := gobgp.DampeningConfig{
		Enabled:           true,
		SuppressThreshold: 1,
		ReuseThreshold:    0.5,
		MaxSuppressTime:   time.Hour,
		HalfLife:          time.Hour,
	}
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock := &mockClient{}
	h := newTestHandler(t, mock, cfg,
		gobgp.WithDampener(gobgp.NewDampener(cfg, slog.Default(),
			gobgp.WithClock(func() time.Time { return fixed }))),
	)

	changes := make(chan agent.AdvertisementChange, 4)
	stop := runHandler(t, h, changes)
	defer stop()

	changes <- change(agent.ActionWithdraw, prefixV4)
	changes <- change(agent.ActionAdvertise, prefixV4)
	waitForPending(t, h, 1)

	changes <- change(agent.ActionWithdraw, prefixV4)
	waitForPending(t, h, 0)

	// Only the first withdrawal reached GoBGP.
	want := []mockCall{{methodDeletePath, prefixV4, hopV4}}
	if got := mock.getCalls(); !slices.Equal(got, want) {
		t.Errorf("calls = %+v, want %+v", got, want)
	}
}

// -------------------------------------------------------------------------
// Test Helpers
// -------------------------------------------------------------------------

func change(a agent.Action, p netip.Prefix) agent.AdvertisementChange {
	return agent.AdvertisementChange{Action: a, Prefix: p, Timestamp: time.Now()}
}

// newTestHandler creates a Handler announcing the test next hops.
func newTestHandler(
	t *testing.T,
	client gobgp.Client,
	dampening gobgp.DampeningConfig,
	opts ...gobgp.HandlerOption,
) *gobgp.Handler {
	t.Helper()

	h, err := gobgp.NewHandler(gobgp.HandlerConfig{
		Client:    client,
		NextHopV4: hopV4,
		NextHopV6: hopV6,
		Dampening: dampening,
		Logger:    slog.Default(),
	}, opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	return h
}

// runHandler starts h and returns a function stopping it.
func runHandler(t *testing.T, h *gobgp.Handler, changes <-chan agent.AdvertisementChange) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx, changes)
	}()

	return func() {
		cancel()
		<-done
	}
}

// waitForCalls waits until the mock has accumulated at least n calls,
// with a timeout to prevent test hangs.
func waitForCalls(t *testing.T, mock *mockClient, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if len(mock.getCalls()) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %d calls, got %d", n, len(mock.getCalls()))
}

// waitForPending waits until exactly n announcements are held back.
func waitForPending(t *testing.T, h *gobgp.Handler, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if len(h.Pending()) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %d pending, got %v", n, h.Pending())
}

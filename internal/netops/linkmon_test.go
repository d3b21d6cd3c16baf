package netops_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/ovn-bgp-agent/internal/netops"
)

func linkUpdate(msgType uint16, name string, index int, flags net.Flags) netlink.LinkUpdate {
	u := netlink.LinkUpdate{
		Link: &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name, Index: index, Flags: flags}},
	}
	u.Header.Type = msgType
	return u
}

// replaySubscriber sends updates once the subscription starts.
func replaySubscriber(updates ...netlink.LinkUpdate) netops.LinkSubscriber {
	return func(ch chan<- netlink.LinkUpdate, done <-chan struct{}) error {
		go func() {
			for _, u := range updates {
				select {
				case ch <- u:
				case <-done:
					return
				}
			}
		}()
		return nil
	}
}

func TestLinkMonitorFiltersWatchedLinks(t *testing.T) {
	t.Parallel()

	mon := netops.NewLinkMonitor([]string{"bgp-nic", "bgp-vrf"}, slog.New(slog.DiscardHandler),
		netops.WithLinkSubscriber(replaySubscriber(
			linkUpdate(unix.RTM_NEWLINK, "eth0", 2, net.FlagUp),
			linkUpdate(unix.RTM_NEWLINK, "bgp-nic", 10, 0),
			linkUpdate(unix.RTM_DELLINK, "bgp-vrf", 11, net.FlagUp),
			linkUpdate(unix.RTM_NEWLINK, "bgp-nic", 10, net.FlagUp),
		)))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- mon.Run(ctx) }()

	want := []netops.LinkEvent{
		{Name: "bgp-nic", Index: 10, Up: false},
		{Name: "bgp-vrf", Index: 11, Deleted: true},
		{Name: "bgp-nic", Index: 10, Up: true},
	}
	for i, w := range want {
		select {
		case got := <-mon.Events():
			if got != w {
				t.Errorf("event %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := <-mon.Events(); ok {
		t.Error("events channel not closed after Run returned")
	}
}

func TestLinkMonitorSubscribeError(t *testing.T) {
	t.Parallel()

	errSubscribe := errors.New("operation not permitted")
	mon := netops.NewLinkMonitor([]string{"bgp-nic"}, slog.New(slog.DiscardHandler),
		netops.WithLinkSubscriber(func(chan<- netlink.LinkUpdate, <-chan struct{}) error {
			return errSubscribe
		}))

	if err := mon.Run(context.Background()); !errors.Is(err, errSubscribe) {
		t.Errorf("Run error = %v, want %v", err, errSubscribe)
	}
}

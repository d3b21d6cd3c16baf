package netops

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// Link Monitor
// -------------------------------------------------------------------------

// LinkEvent is a state change of a watched link.
type LinkEvent struct {
	Name  string
	Index int
	// Up reports IFF_UP. It is false for a deleted link.
	Up      bool
	Deleted bool
}

// LinkSubscriber delivers link updates to ch until done is closed.
// netlink.LinkSubscribe satisfies it.
type LinkSubscriber func(ch chan<- netlink.LinkUpdate, done <-chan struct{}) error

// LinkMonitor reports changes of the agent owned links, such as the VRF and
// the advertising device, so the caller can restore them.
type LinkMonitor struct {
	names     []string
	subscribe LinkSubscriber
	events    chan LinkEvent
	logger    *slog.Logger
}

// LinkMonitorOption configures optional LinkMonitor parameters.
type LinkMonitorOption func(*LinkMonitor)

// WithLinkSubscriber replaces the netlink subscription.
func WithLinkSubscriber(s LinkSubscriber) LinkMonitorOption {
	return func(m *LinkMonitor) {
		if s != nil {
			m.subscribe = s
		}
	}
}

// linkEventsSize bounds the events waiting for the consumer.
const linkEventsSize = 16

// NewLinkMonitor creates a monitor for the links called names.
func NewLinkMonitor(names []string, logger *slog.Logger, opts ...LinkMonitorOption) *LinkMonitor {
	m := &LinkMonitor{
		names:     slices.Clone(names),
		subscribe: netlink.LinkSubscribe,
		events:    make(chan LinkEvent, linkEventsSize),
		logger:    logger.With(slog.String("component", "netops.linkmon")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the event channel. It is closed when Run returns.
func (m *LinkMonitor) Events() <-chan LinkEvent {
	return m.events
}

// Run subscribes to link updates and blocks until ctx is cancelled. Run
// must be called at most once.
func (m *LinkMonitor) Run(ctx context.Context) error {
	defer close(m.events)

	updates := make(chan netlink.LinkUpdate, linkEventsSize)
	done := make(chan struct{})
	defer close(done)

	if err := m.subscribe(updates, done); err != nil {
		return fmt.Errorf("subscribe link updates: %w", err)
	}
	m.logger.Info("link monitor started", slog.Any("links", m.names))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("link monitor stopped")
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			m.handle(u)
		}
	}
}

func (m *LinkMonitor) handle(u netlink.LinkUpdate) {
	if u.Link == nil {
		return
	}
	attrs := u.Attrs()
	if !slices.Contains(m.names, attrs.Name) {
		return
	}

	ev := LinkEvent{
		Name:    attrs.Name,
		Index:   attrs.Index,
		Deleted: u.Header.Type == unix.RTM_DELLINK,
	}
	ev.Up = !ev.Deleted && attrs.Flags&net.FlagUp != 0

	select {
	case m.events <- ev:
	default:
		m.logger.Warn("link event channel full, dropping event",
			slog.String("link", ev.Name),
			slog.Bool("up", ev.Up),
			slog.Bool("deleted", ev.Deleted),
		)
	}
}

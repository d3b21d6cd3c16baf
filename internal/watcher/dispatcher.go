// Package watcher classifies Southbound row changes into semantic events
// and dispatches them, one at a time, to the reconciliation engine.
package watcher

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/ovn-org/libovsdb/cache"
	"github.com/ovn-org/libovsdb/model"

	"github.com/dantte-lp/ovn-bgp-agent/internal/ovsdbclient"
	"github.com/dantte-lp/ovn-bgp-agent/internal/sbdb"
	"github.com/dantte-lp/ovn-bgp-agent/internal/topology"
)

// -------------------------------------------------------------------------
// Row changes
// -------------------------------------------------------------------------

// Kind is the kind of a row change.
type Kind uint8

const (
	// KindCreate is a row added to the table.
	KindCreate Kind = iota + 1
	// KindUpdate is a modified row.
	KindUpdate
	// KindDelete is a row removed from the table.
	KindDelete
)

// String returns the change kind name.
func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one classified row change with the chassis references of both
// rows resolved to chassis names.
type Change struct {
	Table string
	Kind  Kind
	// Port is the new row, or the removed row for deletes.
	Port topology.Port
	// Old is the prior row of an update.
	Old topology.Port
}

// Event is a semantic event: the rows it watches, a predicate answering
// from the rows alone, and the action run when it matches.
type Event struct {
	Name  string
	Table string
	Kinds []Kind

	// Match is a pure function of the change.
	Match func(c Change) bool

	// Guard, when set, short-circuits the event before Match.
	Guard func() bool

	Run func(ctx context.Context, c Change) error
}

func (ev *Event) matches(c Change) bool {
	if ev.Table != c.Table || !slices.Contains(ev.Kinds, c.Kind) {
		return false
	}
	if ev.Guard != nil && !ev.Guard() {
		return false
	}
	return ev.Match(c)
}

// -------------------------------------------------------------------------
// Dispatcher
// -------------------------------------------------------------------------

// ChassisResolver maps chassis row UUIDs to chassis names.
type ChassisResolver interface {
	ChassisNames(ctx context.Context) (map[string]string, error)
}

// Resyncer runs a full resync.
type Resyncer interface {
	FullResync(ctx context.Context) error
}

// MetricsReporter receives dispatcher measurements.
type MetricsReporter interface {
	// IncEvent counts one event action and its outcome.
	IncEvent(name string, err error)
	// IncDropped counts one notification dropped on a full queue.
	IncDropped()
}

type noopMetrics struct{}

func (noopMetrics) IncEvent(string, error) {}
func (noopMetrics) IncDropped()            {}

// queueSize bounds the notifications waiting for the dispatcher.
const queueSize = 4096

// item is a queued unit of work: a raw row change or a resync request.
type item struct {
	table  string
	kind   Kind
	row    *sbdb.PortBinding
	old    *sbdb.PortBinding
	resync string
}

// Dispatcher receives row notifications from the libovsdb cache, queues
// them and delivers them on a single goroutine. A dropped notification
// schedules a full resync once the queue drains.
type Dispatcher struct {
	events   []Event
	resyncer Resyncer
	resolver ChassisResolver

	queue   chan item
	overrun atomic.Bool

	metrics MetricsReporter
	logger  *slog.Logger
}

// DispatcherOption configures optional Dispatcher parameters.
type DispatcherOption func(*Dispatcher)

// WithDispatcherMetrics sets the MetricsReporter. If mr is nil, a no-op
// reporter is used.
func WithDispatcherMetrics(mr MetricsReporter) DispatcherOption {
	return func(d *Dispatcher) {
		if mr != nil {
			d.metrics = mr
		}
	}
}

// WithEvents replaces the registered events.
func WithEvents(events ...Event) DispatcherOption {
	return func(d *Dispatcher) {
		d.events = events
	}
}

// NewDispatcher creates a dispatcher delivering to the port binding events
// of chassis. Subnet and tenant workload events are registered only when
// the engine exposes tenant networks.
func NewDispatcher(
	chassis string,
	engine Engine,
	resolver ChassisResolver,
	logger *slog.Logger,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		events:   PortBindingEvents(chassis, engine),
		resyncer: engine,
		resolver: resolver,
		queue:    make(chan item, queueSize),
		metrics:  noopMetrics{},
		logger:   logger.With(slog.String("component", "watcher.dispatcher")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Events returns the names of the registered events.
func (d *Dispatcher) Events() []string {
	names := make([]string, len(d.events))
	for i, ev := range d.events {
		names[i] = ev.Name
	}
	return names
}

// Handler returns the libovsdb cache handler feeding the dispatcher. Only
// Port_Binding rows are queued.
func (d *Dispatcher) Handler() cache.EventHandler {
	return &cache.EventHandlerFuncs{
		AddFunc: func(table string, m model.Model) {
			d.enqueueRow(table, KindCreate, m, nil)
		},
		UpdateFunc: func(table string, old, m model.Model) {
			d.enqueueRow(table, KindUpdate, m, old)
		},
		DeleteFunc: func(table string, m model.Model) {
			d.enqueueRow(table, KindDelete, m, nil)
		},
	}
}

// OnSession handles a Southbound session signal. Only a re-established
// session triggers a full resync.
func (d *Dispatcher) OnSession(s ovsdbclient.Session) {
	if s != ovsdbclient.SessionReestablished {
		return
	}
	d.RequestResync("southbound session re-established")
}

// RequestResync queues a full resync behind the pending notifications.
func (d *Dispatcher) RequestResync(reason string) {
	d.enqueue(item{resync: reason})
}

func (d *Dispatcher) enqueueRow(table string, kind Kind, m, old model.Model) {
	if table != sbdb.PortBindingTable {
		return
	}
	row, ok := m.(*sbdb.PortBinding)
	if !ok {
		return
	}
	it := item{table: table, kind: kind, row: copyRow(row)}
	if prev, ok := old.(*sbdb.PortBinding); ok {
		it.old = copyRow(prev)
	}
	d.enqueue(it)
}

func copyRow(pb *sbdb.PortBinding) *sbdb.PortBinding {
	c := *pb
	return &c
}

func (d *Dispatcher) enqueue(it item) {
	select {
	case d.queue <- it:
	default:
		d.overrun.Store(true)
		d.metrics.IncDropped()
		d.logger.Warn("event queue full, dropping notification",
			slog.String("table", it.table),
			slog.String("kind", it.kind.String()),
		)
	}
}

// Run delivers queued work until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", slog.Any("events", d.Events()))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case it := <-d.queue:
			d.handle(ctx, it)
		}

		if len(d.queue) == 0 && d.overrun.CompareAndSwap(true, false) {
			d.resync(ctx, "event queue overrun")
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, it item) {
	if it.resync != "" {
		d.resync(ctx, it.resync)
		return
	}

	names, err := d.resolver.ChassisNames(ctx)
	if err != nil {
		d.logger.Error("resolve chassis names", slog.String("error", err.Error()))
		return
	}

	c := Change{Table: it.table, Kind: it.kind, Port: topology.FromBinding(it.row, names)}
	if it.old != nil {
		c.Old = topology.FromBinding(it.old, names)
	}
	d.Dispatch(ctx, c)
}

// Dispatch runs the action of every event matching c. Failures are logged
// and do not stop the remaining actions.
func (d *Dispatcher) Dispatch(ctx context.Context, c Change) {
	for i := range d.events {
		ev := &d.events[i]
		if !ev.matches(c) {
			continue
		}

		err := ev.Run(ctx, c)
		d.metrics.IncEvent(ev.Name, err)
		if err != nil {
			d.logger.Error("event action failed",
				slog.String("event", ev.Name),
				slog.String("port", c.Port.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.logger.Debug("event handled",
			slog.String("event", ev.Name),
			slog.String("port", c.Port.Name),
		)
	}
}

func (d *Dispatcher) resync(ctx context.Context, reason string) {
	d.logger.Info("running full resync", slog.String("reason", reason))
	err := d.resyncer.FullResync(ctx)
	d.metrics.IncEvent("full_resync", err)
	if err != nil {
		d.logger.Error("full resync failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}

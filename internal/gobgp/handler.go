package gobgp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/dantte-lp/ovn-bgp-agent/internal/agent"
)

// ErrNoClient indicates a handler was configured without a GoBGP client.
var ErrNoClient = errors.New("gobgp handler requires a client")

// Metric action labels.
const (
	actionAdvertise = "advertise"
	actionWithdraw  = "withdraw"
)

// defaultReuseInterval is how often suppressed prefixes are re-evaluated.
const defaultReuseInterval = time.Second

// MetricsReporter receives handler measurements.
type MetricsReporter interface {
	// IncPathUpdate counts one AddPath or DeletePath call.
	IncPathUpdate(action string, err error)
	// IncSuppressed counts one announcement held back by dampening.
	IncSuppressed()
}

// PrefixSource is the authoritative set of prefixes to announce.
// Implemented by agent.Engine.
type PrefixSource interface {
	// ExposedPrefixes returns the prefixes currently on the advertising device.
	ExposedPrefixes() []netip.Prefix
	// Overflows signals that advertisement changes were dropped.
	Overflows() <-chan struct{}
}

type noopMetrics struct{}

func (noopMetrics) IncPathUpdate(string, error) {}
func (noopMetrics) IncSuppressed()              {}

// -------------------------------------------------------------------------
// Handler
// -------------------------------------------------------------------------

// Handler consumes advertisement changes and mirrors them as GoBGP paths.
// Announcements of flapping prefixes are held back by the dampener and
// retried until the prefix is reused. When the source reports dropped
// changes, the handler resynchronizes GoBGP with the source.
type Handler struct {
	client    Client
	nextHopV4 netip.Addr
	nextHopV6 netip.Addr
	dampener  *Dampener
	interval  time.Duration
	source    PrefixSource
	metrics   MetricsReporter
	logger    *slog.Logger

	mu        sync.Mutex
	pending   map[netip.Prefix]struct{}
	announced map[netip.Prefix]struct{}
}

// HandlerConfig holds the configuration for a Handler.
type HandlerConfig struct {
	// Client is the GoBGP gRPC client.
	Client Client

	// NextHopV4 and NextHopV6 are announced as path next hops. Zero values
	// announce the unspecified address.
	NextHopV4 netip.Addr
	NextHopV6 netip.Addr

	// Dampening configures prefix flap dampening.
	Dampening DampeningConfig

	// Logger is the parent logger. The handler adds its own component tag.
	Logger *slog.Logger
}

// HandlerOption configures optional Handler parameters.
type HandlerOption func(*Handler)

// WithHandlerMetrics sets the MetricsReporter. If mr is nil, a no-op
// reporter is used.
func WithHandlerMetrics(mr MetricsReporter) HandlerOption {
	return func(h *Handler) {
		if mr != nil {
			h.metrics = mr
		}
	}
}

// WithReuseInterval sets how often suppressed prefixes are re-evaluated.
func WithReuseInterval(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithPrefixSource makes Run resynchronize with src after dropped changes.
func WithPrefixSource(src PrefixSource) HandlerOption {
	return func(h *Handler) {
		h.source = src
	}
}

// WithDampener replaces the dampener built from the configuration.
func WithDampener(d *Dampener) HandlerOption {
	return func(h *Handler) {
		if d != nil {
			h.dampener = d
		}
	}
}

// NewHandler creates a handler with the given configuration.
func NewHandler(cfg HandlerConfig, opts ...HandlerOption) (*Handler, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("new gobgp handler: %w", ErrNoClient)
	}

	h := &Handler{
		client:    cfg.Client,
		nextHopV4: cfg.NextHopV4,
		nextHopV6: cfg.NextHopV6,
		dampener:  NewDampener(cfg.Dampening, cfg.Logger),
		interval:  defaultReuseInterval,
		metrics:   noopMetrics{},
		logger:    cfg.Logger.With(slog.String("component", "gobgp.handler")),
		pending:   make(map[netip.Prefix]struct{}),
		announced: make(map[netip.Prefix]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Run consumes advertisement changes until ctx is cancelled or changes is
// closed. It is designed to run as an errgroup goroutine:
//
//	g.Go(func() error {
//	    return handler.Run(gCtx, engine.Changes())
//	})
func (h *Handler) Run(ctx context.Context, changes <-chan agent.AdvertisementChange) error {
	h.logger.Info("handler started, consuming advertisement changes")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var overflows <-chan struct{}
	if h.source != nil {
		overflows = h.source.Overflows()
	}

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("handler stopped")
			return nil

		case ch, ok := <-changes:
			if !ok {
				h.logger.Info("advertisement channel closed, handler stopping")
				return nil
			}
			h.handleChange(ctx, ch)

		case <-overflows:
			h.resync(ctx, changes)

		case <-ticker.C:
			h.reusePending(ctx)
		}
	}
}

// Sync reconciles GoBGP with prefixes. Prefixes neither announced nor held
// are advertised; announced or held prefixes missing from prefixes are
// withdrawn.
func (h *Handler) Sync(ctx context.Context, prefixes []netip.Prefix) error {
	want := make(map[netip.Prefix]struct{}, len(prefixes))
	var errs []error
	for _, p := range prefixes {
		want[p] = struct{}{}
		if h.known(p) {
			continue
		}
		errs = append(errs, h.advertise(ctx, p))
	}

	h.mu.Lock()
	stale := make(map[netip.Prefix]struct{})
	for _, known := range []map[netip.Prefix]struct{}{h.announced, h.pending} {
		for p := range known {
			if _, ok := want[p]; !ok {
				stale[p] = struct{}{}
			}
		}
	}
	h.mu.Unlock()

	for _, p := range slices.SortedFunc(maps.Keys(stale), comparePrefix) {
		errs = append(errs, h.withdraw(ctx, p))
	}
	return errors.Join(errs...)
}

// Announced returns the prefixes currently announced to GoBGP.
func (h *Handler) Announced() []netip.Prefix {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.SortedFunc(maps.Keys(h.announced), comparePrefix)
}

// resync discards the queued changes, which the source state already
// reflects, and reconciles GoBGP with the source.
func (h *Handler) resync(ctx context.Context, changes <-chan agent.AdvertisementChange) {
	discarded := 0
drain:
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				break drain
			}
			discarded++
		default:
			break drain
		}
	}

	h.logger.Warn("advertisement changes were dropped, resynchronizing paths",
		slog.Int("discarded", discarded),
	)
	if err := h.Sync(ctx, h.source.ExposedPrefixes()); err != nil {
		h.logger.Error("failed to resynchronize paths", slog.String("error", err.Error()))
	}
}

func (h *Handler) known(p netip.Prefix) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, announced := h.announced[p]
	_, held := h.pending[p]
	return announced || held
}

// Pending returns the announcements currently held back by dampening.
func (h *Handler) Pending() []netip.Prefix {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.SortedFunc(maps.Keys(h.pending), comparePrefix)
}

func (h *Handler) handleChange(ctx context.Context, ch agent.AdvertisementChange) {
	h.logger.Debug("received advertisement change",
		slog.String("action", ch.Action.String()),
		slog.String("prefix", ch.Prefix.String()),
	)

	var err error
	switch ch.Action {
	case agent.ActionAdvertise:
		err = h.advertise(ctx, ch.Prefix)
	case agent.ActionWithdraw:
		err = h.withdraw(ctx, ch.Prefix)
	default:
		return
	}
	if err != nil {
		h.logger.Error("failed to apply advertisement change",
			slog.String("action", ch.Action.String()),
			slog.String("prefix", ch.Prefix.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Handler) advertise(ctx context.Context, prefix netip.Prefix) error {
	if h.dampener.Suppressed(prefix) {
		h.mu.Lock()
		h.pending[prefix] = struct{}{}
		h.mu.Unlock()
		h.metrics.IncSuppressed()
		h.logger.Warn("announcement suppressed by flap dampening",
			slog.String("prefix", prefix.String()),
		)
		return nil
	}

	err := h.client.AddPath(ctx, prefix, h.nextHop(prefix))
	h.metrics.IncPathUpdate(actionAdvertise, err)
	if err != nil {
		return fmt.Errorf("advertise %s: %w", prefix, err)
	}
	h.mu.Lock()
	h.announced[prefix] = struct{}{}
	h.mu.Unlock()
	return nil
}

func (h *Handler) withdraw(ctx context.Context, prefix netip.Prefix) error {
	h.mu.Lock()
	_, held := h.pending[prefix]
	_, announced := h.announced[prefix]
	delete(h.pending, prefix)
	h.mu.Unlock()

	h.dampener.RecordWithdraw(prefix)

	// A held announcement never reached GoBGP.
	if held && !announced {
		return nil
	}

	err := h.client.DeletePath(ctx, prefix, h.nextHop(prefix))
	h.metrics.IncPathUpdate(actionWithdraw, err)
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", prefix, err)
	}
	h.mu.Lock()
	delete(h.announced, prefix)
	h.mu.Unlock()
	return nil
}

// reusePending announces held prefixes whose suppression has ended.
func (h *Handler) reusePending(ctx context.Context) {
	for _, prefix := range h.Pending() {
		if h.dampener.Suppressed(prefix) {
			continue
		}

		h.mu.Lock()
		_, still := h.pending[prefix]
		delete(h.pending, prefix)
		h.mu.Unlock()
		if !still {
			continue
		}

		if err := h.advertise(ctx, prefix); err != nil {
			h.logger.Error("failed to announce reused prefix",
				slog.String("prefix", prefix.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (h *Handler) nextHop(prefix netip.Prefix) netip.Addr {
	if prefix.Addr().Is4() {
		return h.nextHopV4
	}
	return h.nextHopV6
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}

package gobgp

import (
	"log/slog"
	"math"
	"net/netip"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Prefix flap dampening
// -------------------------------------------------------------------------
//
// Follows the route flap dampening model of RFC 2439: each withdrawal of a
// prefix adds a penalty that decays exponentially. While the penalty is
// above the suppress threshold the prefix is not announced again; it is
// reused once the penalty decays below the reuse threshold or the maximum
// suppress time elapses.

// DampeningConfig configures prefix flap dampening.
type DampeningConfig struct {
	// Enabled controls whether dampening is active. When false, every
	// change is passed through immediately.
	Enabled bool

	// SuppressThreshold is the penalty at which a prefix is suppressed.
	SuppressThreshold float64

	// ReuseThreshold is the penalty below which a suppressed prefix is
	// announced again. Must be less than SuppressThreshold.
	ReuseThreshold float64

	// MaxSuppressTime caps how long a prefix stays suppressed.
	MaxSuppressTime time.Duration

	// HalfLife is the time for the penalty to decay by half.
	HalfLife time.Duration
}

// DefaultDampeningConfig returns the default (disabled) dampening
// configuration.
func DefaultDampeningConfig() DampeningConfig {
	return DampeningConfig{
		Enabled:           false,
		SuppressThreshold: 3,
		ReuseThreshold:    2,
		MaxSuppressTime:   60 * time.Second,
		HalfLife:          15 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Dampener
// -------------------------------------------------------------------------

// Dampener tracks flap penalties per prefix. Safe for concurrent use.
type Dampener struct {
	cfg      DampeningConfig
	prefixes map[netip.Prefix]*penalty
	mu       sync.Mutex
	logger   *slog.Logger
	now      func() time.Time
}

type penalty struct {
	value           float64
	lastUpdate      time.Time
	suppressed      bool
	suppressedSince time.Time
}

// DampenerOption configures optional Dampener parameters.
type DampenerOption func(*Dampener)

// WithClock sets the time source of the dampener.
func WithClock(now func() time.Time) DampenerOption {
	return func(d *Dampener) {
		d.now = now
	}
}

// NewDampener creates a prefix flap dampener.
func NewDampener(cfg DampeningConfig, logger *slog.Logger, opts ...DampenerOption) *Dampener {
	d := &Dampener{
		cfg:      cfg,
		prefixes: make(map[netip.Prefix]*penalty),
		logger:   logger.With(slog.String("component", "gobgp.dampener")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RecordWithdraw adds one flap to the penalty of prefix and reports
// whether the prefix is now suppressed. Withdrawals themselves are never
// held back; the result tells the caller that a later announcement will
// be.
func (d *Dampener) RecordWithdraw(prefix netip.Prefix) bool {
	if !d.cfg.Enabled {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	p, ok := d.prefixes[prefix]
	if !ok {
		p = &penalty{lastUpdate: now}
		d.prefixes[prefix] = p
	}
	d.decay(p, now)

	p.value++
	p.lastUpdate = now

	if p.suppressed && now.Sub(p.suppressedSince) >= d.cfg.MaxSuppressTime {
		d.reuse(p, prefix)
		return false
	}

	if !p.suppressed && p.value >= d.cfg.SuppressThreshold {
		p.suppressed = true
		p.suppressedSince = now
		d.logger.Warn("prefix suppressed by flap dampening",
			slog.String("prefix", prefix.String()),
			slog.Float64("penalty", p.value),
			slog.Float64("threshold", d.cfg.SuppressThreshold),
		)
	}

	return p.suppressed
}

// Suppressed reports whether an announcement of prefix must be held back.
// A suppressed prefix is released once its penalty decays below the
// reuse threshold or MaxSuppressTime elapses.
func (d *Dampener) Suppressed(prefix netip.Prefix) bool {
	if !d.cfg.Enabled {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.prefixes[prefix]
	if !ok {
		return false
	}

	now := d.now()
	d.decay(p, now)

	if p.suppressed &&
		(now.Sub(p.suppressedSince) >= d.cfg.MaxSuppressTime || p.value < d.cfg.ReuseThreshold) {
		d.reuse(p, prefix)
		return false
	}

	if !p.suppressed && p.value == 0 {
		delete(d.prefixes, prefix)
	}

	return p.suppressed
}

// Penalty returns the current decayed penalty of prefix.
func (d *Dampener) Penalty(prefix netip.Prefix) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.prefixes[prefix]
	if !ok {
		return 0
	}
	d.decay(p, d.now())
	return p.value
}

// Reset forgets the penalty of prefix.
func (d *Dampener) Reset(prefix netip.Prefix) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.prefixes, prefix)
}

// decay applies penalty = penalty * 2^(-elapsed/halfLife). Caller holds mu.
func (d *Dampener) decay(p *penalty, now time.Time) {
	if d.cfg.HalfLife <= 0 || p.value == 0 {
		return
	}

	elapsed := now.Sub(p.lastUpdate)
	if elapsed <= 0 {
		return
	}

	p.value *= math.Pow(0.5, float64(elapsed)/float64(d.cfg.HalfLife))
	p.lastUpdate = now

	if p.value < 0.001 {
		p.value = 0
	}
}

// reuse clears the suppression of prefix. Caller holds mu.
func (d *Dampener) reuse(p *penalty, prefix netip.Prefix) {
	p.suppressed = false
	p.suppressedSince = time.Time{}
	p.value = 0

	d.logger.Info("prefix reused, flap dampening cleared",
		slog.String("prefix", prefix.String()),
	)
}

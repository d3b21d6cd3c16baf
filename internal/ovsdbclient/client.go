// Package ovsdbclient connects the agent to the local Open_vSwitch database
// and to the OVN Southbound database, and turns Southbound reconnections
// into explicit session lifecycle signals.
package ovsdbclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/ovn-org/libovsdb/cache"
	"github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/model"

	"github.com/dantte-lp/ovn-bgp-agent/internal/sbdb"
	"github.com/dantte-lp/ovn-bgp-agent/internal/vswitchd"
)

// Sentinel errors for database connections.
var (
	// ErrConnect indicates the initial connection could not be established.
	ErrConnect = errors.New("connect ovsdb")

	// ErrMonitor indicates the cache monitor could not be set up.
	ErrMonitor = errors.New("monitor ovsdb")

	// ErrTLS indicates the Southbound TLS material could not be loaded.
	ErrTLS = errors.New("load southbound tls material")

	// ErrNoOpenvSwitchRow indicates the local database has no Open_vSwitch row.
	ErrNoOpenvSwitchRow = errors.New("open_vswitch table is empty")
)

// DefaultProbeInterval is the connection probe and reconnect timeout used
// when none is configured.
const DefaultProbeInterval = 60 * time.Second

// -------------------------------------------------------------------------
// Session lifecycle
// -------------------------------------------------------------------------

// Session is a Southbound connection lifecycle signal.
type Session uint8

const (
	// SessionEstablished is emitted once, for the first session.
	SessionEstablished Session = iota + 1
	// SessionReestablished is emitted for every session after a reconnect.
	SessionReestablished
)

// String returns the signal name.
func (s Session) String() string {
	switch s {
	case SessionEstablished:
		return "established"
	case SessionReestablished:
		return "reestablished"
	default:
		return "unknown"
	}
}

// SentinelHandler returns a cache handler that watches the sentinel row of
// chassis in table and reports a session signal every time the row is
// added to the cache. The first add is the initial session. A later add
// means the cache was purged and repopulated after a reconnect the server
// could not resume from the last transaction id. A resumed monitor only
// delivers deltas and raises no signal.
func SentinelHandler(table, chassis string, notify func(Session)) cache.EventHandler {
	var (
		mu    sync.Mutex
		count int
	)
	return &cache.EventHandlerFuncs{
		AddFunc: func(t string, m model.Model) {
			if t != table || sentinelName(m) != chassis {
				return
			}
			mu.Lock()
			count++
			sig := SessionReestablished
			if count == 1 {
				sig = SessionEstablished
			}
			mu.Unlock()
			notify(sig)
		},
	}
}

func sentinelName(m model.Model) string {
	switch row := m.(type) {
	case *sbdb.Chassis:
		return row.Name
	case *sbdb.ChassisPrivate:
		return row.Name
	default:
		return ""
	}
}

// -------------------------------------------------------------------------
// Local Open_vSwitch database
// -------------------------------------------------------------------------

// Local is a monitored connection to the local Open_vSwitch database.
type Local struct {
	client client.Client
	logger *slog.Logger
}

// DialLocal connects to the local switch database at endpoint and
// monitors it.
func DialLocal(ctx context.Context, endpoint string, logger *slog.Logger) (*Local, error) {
	logger = logger.With(slog.String("component", "ovsdb.local"))

	dbModel, err := vswitchd.DatabaseModel()
	if err != nil {
		return nil, fmt.Errorf("%w: %s model: %w", ErrConnect, vswitchd.DatabaseName, err)
	}

	c, err := dial(ctx, dbModel, endpoint, DefaultProbeInterval, nil, logger)
	if err != nil {
		return nil, err
	}
	if _, err := c.MonitorAll(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrMonitor, vswitchd.DatabaseName, err)
	}

	logger.Info("connected", slog.String("endpoint", endpoint))
	return &Local{client: c, logger: logger}, nil
}

func (l *Local) row(ctx context.Context) (*vswitchd.OpenvSwitch, error) {
	var rows []vswitchd.OpenvSwitch
	if err := l.client.List(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list %s: %w", vswitchd.OpenvSwitchTable, err)
	}
	if len(rows) == 0 {
		return nil, ErrNoOpenvSwitchRow
	}
	return &rows[0], nil
}

// OwnChassis returns external_ids:system-id.
func (l *Local) OwnChassis(ctx context.Context) (string, error) {
	row, err := l.row(ctx)
	if err != nil {
		return "", err
	}
	return row.OwnChassis()
}

// OVNRemote returns external_ids:ovn-remote.
func (l *Local) OVNRemote(ctx context.Context) (string, error) {
	row, err := l.row(ctx)
	if err != nil {
		return "", err
	}
	return row.OVNRemote()
}

// BridgeMappings returns the parsed external_ids:ovn-bridge-mappings.
func (l *Local) BridgeMappings(ctx context.Context) ([]vswitchd.BridgeMapping, error) {
	row, err := l.row(ctx)
	if err != nil {
		return nil, err
	}
	return row.BridgeMappings()
}

// Close disconnects.
func (l *Local) Close() {
	l.client.Close()
}

// -------------------------------------------------------------------------
// Southbound database
// -------------------------------------------------------------------------

// SouthboundConfig describes the Southbound connection.
type SouthboundConfig struct {
	// Remote is an OVSDB connection string, e.g. "ssl:192.0.2.10:6642".
	Remote string

	// Chassis is the name of this node's chassis.
	Chassis string

	// PrivateKey, Certificate and CACert are used for ssl: remotes.
	PrivateKey  string
	Certificate string
	CACert      string

	// ProbeInterval bounds each connection attempt.
	ProbeInterval time.Duration
}

// Southbound is a monitored connection to the OVN Southbound database.
type Southbound struct {
	client   client.Client
	sentinel string
	logger   *slog.Logger
}

// SouthboundOption configures optional Southbound parameters.
type SouthboundOption func(*southboundOptions)

type southboundOptions struct {
	onSession func(Session)
	handlers  []cache.EventHandler
}

// WithSessionHandler sets the function receiving session lifecycle signals.
func WithSessionHandler(fn func(Session)) SouthboundOption {
	return func(o *southboundOptions) {
		if fn != nil {
			o.onSession = fn
		}
	}
}

// WithEventHandler registers a cache handler before the initial monitor,
// so it observes the rows of the first snapshot.
func WithEventHandler(h cache.EventHandler) SouthboundOption {
	return func(o *southboundOptions) {
		o.handlers = append(o.handlers, h)
	}
}

// DialSouthbound connects to the Southbound database and monitors it.
// Databases without the Chassis_Private table are supported; the sentinel
// row for session signals is then taken from Chassis.
func DialSouthbound(
	ctx context.Context,
	cfg SouthboundConfig,
	logger *slog.Logger,
	opts ...SouthboundOption,
) (*Southbound, error) {
	logger = logger.With(slog.String("component", "ovsdb.southbound"))

	o := southboundOptions{onSession: func(Session) {}}
	for _, opt := range opts {
		opt(&o)
	}

	probe := cfg.ProbeInterval
	if probe <= 0 {
		probe = DefaultProbeInterval
	}

	var tlsConfig *tls.Config
	if strings.HasPrefix(cfg.Remote, "ssl:") {
		var err error
		if tlsConfig, err = loadTLS(cfg); err != nil {
			return nil, err
		}
	}

	c, sentinel, err := dialSouthbound(ctx, cfg.Remote, probe, tlsConfig, logger)
	if err != nil {
		return nil, err
	}

	c.Cache().AddEventHandler(SentinelHandler(sentinel, cfg.Chassis, func(s Session) {
		logger.Info("southbound session", slog.String("session", s.String()))
		o.onSession(s)
	}))
	for _, h := range o.handlers {
		c.Cache().AddEventHandler(h)
	}

	if _, err := c.MonitorAll(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrMonitor, sbdb.DatabaseName, err)
	}

	logger.Info("connected",
		slog.String("remote", cfg.Remote),
		slog.String("sentinel_table", sentinel),
	)
	return &Southbound{client: c, sentinel: sentinel, logger: logger}, nil
}

// dialSouthbound tries the full model first and falls back to the model
// without Chassis_Private when the server schema lacks it.
func dialSouthbound(
	ctx context.Context,
	remote string,
	probe time.Duration,
	tlsConfig *tls.Config,
	logger *slog.Logger,
) (client.Client, string, error) {
	full, err := sbdb.FullDatabaseModel()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s model: %w", ErrConnect, sbdb.DatabaseName, err)
	}
	c, fullErr := dial(ctx, full, remote, probe, tlsConfig, logger)
	if fullErr == nil {
		return c, sbdb.ChassisPrivateTable, nil
	}

	logger.Warn("full southbound model rejected, retrying without Chassis_Private",
		slog.String("error", fullErr.Error()))

	legacy, err := sbdb.LegacyDatabaseModel()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s model: %w", ErrConnect, sbdb.DatabaseName, err)
	}
	c, err = dial(ctx, legacy, remote, probe, tlsConfig, logger)
	if err != nil {
		return nil, "", errors.Join(fullErr, err)
	}
	return c, sbdb.ChassisTable, nil
}

func dial(
	ctx context.Context,
	dbModel model.ClientDBModel,
	endpoint string,
	probe time.Duration,
	tlsConfig *tls.Config,
	logger *slog.Logger,
) (client.Client, error) {
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	lr := logr.FromSlogHandler(logger.Handler())
	opts := []client.Option{
		client.WithEndpoint(endpoint),
		client.WithReconnect(probe, retry),
		client.WithLogger(&lr),
	}
	if tlsConfig != nil {
		opts = append(opts, client.WithTLSConfig(tlsConfig))
	}

	c, err := client.NewOVSDBClient(dbModel, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, endpoint, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, probe)
	defer cancel()
	if err := c.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, endpoint, err)
	}
	return c, nil
}

func loadTLS(cfg SouthboundConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Certificate, cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key pair: %w", ErrTLS, err)
	}
	pem, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("%w: ca cert: %w", ErrTLS, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrTLS, cfg.CACert)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// List fills result with every cached row of the model's table.
func (s *Southbound) List(ctx context.Context, result any) error {
	return s.client.List(ctx, result)
}

// Connected reports whether the connection is currently up.
func (s *Southbound) Connected() bool {
	return s.client.Connected()
}

// Close disconnects.
func (s *Southbound) Close() {
	s.client.Close()
}

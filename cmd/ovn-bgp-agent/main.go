// ovn-bgp-agent exposes OVN workloads hosted on this chassis to the BGP
// speaker of the node by configuring kernel routing state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
	kexec "k8s.io/utils/exec"

	"github.com/dantte-lp/ovn-bgp-agent/internal/agent"
	"github.com/dantte-lp/ovn-bgp-agent/internal/config"
	"github.com/dantte-lp/ovn-bgp-agent/internal/frr"
	"github.com/dantte-lp/ovn-bgp-agent/internal/gobgp"
	agentmetrics "github.com/dantte-lp/ovn-bgp-agent/internal/metrics"
	"github.com/dantte-lp/ovn-bgp-agent/internal/netops"
	"github.com/dantte-lp/ovn-bgp-agent/internal/ovsdbclient"
	"github.com/dantte-lp/ovn-bgp-agent/internal/server"
	"github.com/dantte-lp/ovn-bgp-agent/internal/topology"
	appversion "github.com/dantte-lp/ovn-bgp-agent/internal/version"
	"github.com/dantte-lp/ovn-bgp-agent/internal/watcher"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain.
const shutdownTimeout = 10 * time.Second

// gobgpCallTimeout bounds each GoBGP path RPC.
const gobgpCallTimeout = 5 * time.Second

var errNoSouthbound = errors.New("southbound database not connected")

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logOut, closeLog := newLogWriter(cfg.Log)
	defer closeLog()
	logger := newLoggerWithLevel(cfg.Log, logLevel, logOut)

	logger.Info("ovn-bgp-agent starting",
		slog.String("version", appversion.Version),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := agentmetrics.NewCollector(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runAgent(ctx, cfg, reg, collector, logger, *configPath, logLevel); err != nil {
		logger.Error("ovn-bgp-agent exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("ovn-bgp-agent stopped")
	return 0
}

// runAgent connects to the databases, wires the engine and its consumers,
// and blocks until ctx is cancelled or a component fails.
func runAgent(
	ctx context.Context,
	cfg *config.Config,
	reg *prometheus.Registry,
	collector *agentmetrics.Collector,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	local, err := ovsdbclient.DialLocal(ctx, cfg.OVS.Connection, logger)
	if err != nil {
		return fmt.Errorf("connect local switch database: %w", err)
	}
	defer local.Close()

	chassis, remote, err := resolveIdentity(ctx, cfg, local)
	if err != nil {
		return err
	}
	logger = logger.With(slog.String("chassis", chassis))

	// The topology cache reads the Southbound connection, which in turn
	// needs the dispatcher handler at dial time.
	sbLister := &southboundLister{}
	topo := topology.NewCache(sbLister)

	flows := netops.NewFlows(kexec.New(), cfg.Routing.OVSCookie, logger)
	ops := netops.NewLinux(netops.LinuxConfig{
		RTTablesPath: cfg.Routing.RTTablesPath,
		TableMin:     cfg.Routing.TableMin,
		TableMax:     cfg.Routing.TableMax,
	}, flows, logger)

	engine := agent.NewEngine(agent.Settings{
		Chassis:              chassis,
		Device:               cfg.Routing.Device,
		VRFName:              cfg.Routing.VRFName,
		VRFTable:             cfg.Routing.VRFTable,
		ExposeTenantNetworks: cfg.Agent.ExposeTenantNetworks,
	}, ops, topo, local, logger, agent.WithEngineMetrics(collector))

	dispatcher := watcher.NewDispatcher(chassis, engine, topo, logger,
		watcher.WithDispatcherMetrics(collector),
	)

	sb, err := ovsdbclient.DialSouthbound(ctx, ovsdbclient.SouthboundConfig{
		Remote:        remote,
		Chassis:       chassis,
		PrivateKey:    cfg.OVN.SBPrivateKey,
		Certificate:   cfg.OVN.SBCertificate,
		CACert:        cfg.OVN.SBCACert,
		ProbeInterval: cfg.OVN.InactivityProbe,
	}, logger,
		ovsdbclient.WithSessionHandler(dispatcher.OnSession),
		ovsdbclient.WithEventHandler(dispatcher.Handler()),
	)
	if err != nil {
		return fmt.Errorf("connect southbound database: %w", err)
	}
	defer sb.Close()
	sbLister.set(sb)

	if cfg.BGP.FRR.Enabled {
		if err := ensureFRRLeak(ctx, cfg, logger); err != nil {
			return err
		}
	}

	// The first resync runs before any queued row notification.
	if err := engine.FullResync(ctx); err != nil {
		logger.Error("initial full resync failed, retrying on schedule",
			slog.String("error", err.Error()),
		)
	}

	g, gCtx := errgroup.WithContext(ctx)

	// GoBGP is started first so a setup error returns before any other
	// goroutine runs.
	if cfg.GoBGP.Enabled {
		client, err := startGoBGPHandler(gCtx, g, cfg.GoBGP, engine, collector, logger)
		if err != nil {
			return err
		}
		defer closeGoBGPClient(client, logger)
	} else {
		g.Go(func() error {
			drainChanges(gCtx, engine.Changes())
			return nil
		})
	}

	g.Go(func() error { return dispatcher.Run(gCtx) })
	g.Go(func() error {
		runResyncTicker(gCtx, cfg.Agent.ResyncInterval, dispatcher)
		return nil
	})
	startLinkMonitor(gCtx, g, []string{cfg.Routing.VRFName, cfg.Routing.Device}, dispatcher, logger)

	adminSrv := server.New(engine, dispatcher, logger).
		NewHTTPServer(cfg.Admin.Addr, server.Interceptors(logger))
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	startHTTPServers(gCtx, g, adminSrv, metricsSrv, cfg, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(ctx, logger, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run agent: %w", err)
	}
	return nil
}

// resolveIdentity returns the chassis name and the Southbound remote,
// preferring configured overrides over the local switch database.
func resolveIdentity(ctx context.Context, cfg *config.Config, local *ovsdbclient.Local) (string, string, error) {
	chassis := cfg.Chassis
	if chassis == "" {
		var err error
		if chassis, err = local.OwnChassis(ctx); err != nil {
			return "", "", fmt.Errorf("read chassis name: %w", err)
		}
	}

	remote := cfg.OVN.SBRemote
	if remote == "" {
		var err error
		if remote, err = local.OVNRemote(ctx); err != nil {
			return "", "", fmt.Errorf("read southbound remote: %w", err)
		}
	}
	return chassis, remote, nil
}

// southboundLister is bound to the Southbound connection once it is dialed.
type southboundLister struct {
	sb atomic.Pointer[ovsdbclient.Southbound]
}

func (l *southboundLister) set(sb *ovsdbclient.Southbound) {
	l.sb.Store(sb)
}

func (l *southboundLister) List(ctx context.Context, result any) error {
	sb := l.sb.Load()
	if sb == nil {
		return errNoSouthbound
	}
	return sb.List(ctx, result)
}

func ensureFRRLeak(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	configurator := frr.NewConfigurator(kexec.New(), cfg.BGP.FRR.VtyshPath, logger)
	err := configurator.EnsureVRFLeak(ctx, frr.LeakConfig{
		AS:       cfg.BGP.AS,
		RouterID: cfg.BGP.RouterID,
		VRF:      cfg.Routing.VRFName,
	})
	if err != nil {
		return fmt.Errorf("configure frr vrf leak: %w", err)
	}
	return nil
}

// runResyncTicker schedules a full resync every interval.
func runResyncTicker(ctx context.Context, interval time.Duration, dispatcher *watcher.Dispatcher) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dispatcher.RequestResync("scheduled")
		}
	}
}

// startLinkMonitor requests a full resync whenever an agent owned link is
// deleted or set down, which restores it.
func startLinkMonitor(
	ctx context.Context,
	g *errgroup.Group,
	links []string,
	dispatcher *watcher.Dispatcher,
	logger *slog.Logger,
) {
	mon := netops.NewLinkMonitor(links, logger)

	g.Go(func() error {
		if err := mon.Run(ctx); err != nil {
			logger.Warn("link monitor unavailable, relying on scheduled resync",
				slog.String("error", err.Error()),
			)
		}
		return nil
	})

	g.Go(func() error {
		for ev := range mon.Events() {
			switch {
			case ev.Deleted:
				dispatcher.RequestResync("link " + ev.Name + " deleted")
			case !ev.Up:
				dispatcher.RequestResync("link " + ev.Name + " down")
			}
		}
		return nil
	})
}

// drainChanges consumes advertisement changes when no BGP consumer is
// configured.
func drainChanges(ctx context.Context, changes <-chan agent.AdvertisementChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
		}
	}
}

// -------------------------------------------------------------------------
// GoBGP
// -------------------------------------------------------------------------

// startGoBGPHandler connects to GoBGP, announces the prefixes already
// exposed and starts consuming engine changes. The returned client must be
// closed by the caller.
func startGoBGPHandler(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.GoBGPConfig,
	engine *agent.Engine,
	collector *agentmetrics.Collector,
	logger *slog.Logger,
) (gobgp.Client, error) {
	nextHopV4, err := parseNextHop(cfg.NextHopV4)
	if err != nil {
		return nil, err
	}
	nextHopV6, err := parseNextHop(cfg.NextHopV6)
	if err != nil {
		return nil, err
	}

	client, err := gobgp.NewGRPCClient(gobgp.GRPCClientConfig{
		Addr:        cfg.Addr,
		CallTimeout: gobgpCallTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create gobgp client: %w", err)
	}

	handler, err := gobgp.NewHandler(gobgp.HandlerConfig{
		Client:    client,
		NextHopV4: nextHopV4,
		NextHopV6: nextHopV6,
		Dampening: gobgp.DampeningConfig{
			Enabled:           cfg.Dampening.Enabled,
			SuppressThreshold: cfg.Dampening.SuppressThreshold,
			ReuseThreshold:    cfg.Dampening.ReuseThreshold,
			MaxSuppressTime:   cfg.Dampening.MaxSuppressTime,
			HalfLife:          cfg.Dampening.HalfLife,
		},
		Logger: logger,
	},
		gobgp.WithHandlerMetrics(collector),
		gobgp.WithPrefixSource(engine),
	)
	if err != nil {
		closeGoBGPClient(client, logger)
		return nil, fmt.Errorf("create gobgp handler: %w", err)
	}

	if err := handler.Sync(ctx, engine.ExposedPrefixes()); err != nil {
		logger.Warn("initial gobgp sync incomplete",
			slog.String("error", err.Error()),
		)
	}

	g.Go(func() error {
		return handler.Run(ctx, engine.Changes())
	})

	logger.Info("gobgp integration enabled",
		slog.String("addr", cfg.Addr),
		slog.Bool("dampening", cfg.Dampening.Enabled),
	)
	return client, nil
}

func parseNextHop(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse gobgp next hop %q: %w", s, err)
	}
	return addr, nil
}

func closeGoBGPClient(client gobgp.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("failed to close gobgp client",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// HTTP servers
// -------------------------------------------------------------------------

func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	adminSrv, metricsSrv *http.Server,
	cfg *config.Config,
	logger *slog.Logger,
) {
	lc := &net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// systemd and signals
// -------------------------------------------------------------------------

func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig applies the reloadable settings. Only the log level is
// reloadable; connection and routing settings require a restart.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Config and logging
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLogWriter returns stdout, or a size rotated file when cfg.File is set.
func newLogWriter(cfg config.LogConfig) (io.Writer, func()) {
	if cfg.File == "" {
		return os.Stdout, func() {}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	return rotator, func() { _ = rotator.Close() }
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}

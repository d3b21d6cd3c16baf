// Package config manages ovn-bgp-agent configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete agent configuration.
type Config struct {
	// Chassis overrides the chassis name read from the local
	// Open_vSwitch external_ids:system-id. Empty means "read it".
	Chassis string        `koanf:"chassis"`
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	OVS     OVSConfig     `koanf:"ovs"`
	OVN     OVNConfig     `koanf:"ovn"`
	Agent   AgentConfig   `koanf:"agent"`
	Routing RoutingConfig `koanf:"routing"`
	BGP     BGPConfig     `koanf:"bgp"`
	GoBGP   GoBGPConfig   `koanf:"gobgp"`
}

// AdminConfig holds the local admin HTTP server configuration.
type AdminConfig struct {
	// Addr is the listen address for state, resync and health (e.g., "127.0.0.1:8181").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
	// File is a log file rotated by size. Empty means stdout.
	File string `koanf:"file"`
	// MaxSizeMB and MaxBackups control rotation of File.
	MaxSizeMB  int `koanf:"max_size_mb"`
	MaxBackups int `koanf:"max_backups"`
}

// OVSConfig describes the connection to the local Open_vSwitch database.
type OVSConfig struct {
	// Connection is the OVSDB endpoint, e.g. "unix:/var/run/openvswitch/db.sock".
	Connection string `koanf:"connection"`
}

// OVNConfig describes the connection to the OVN Southbound database.
type OVNConfig struct {
	// SBRemote overrides external_ids:ovn-remote. Comma separated endpoints.
	SBRemote string `koanf:"sb_remote"`

	// SBPrivateKey, SBCertificate and SBCACert are used for "ssl:" remotes.
	SBPrivateKey  string `koanf:"sb_private_key"`
	SBCertificate string `koanf:"sb_certificate"`
	SBCACert      string `koanf:"sb_ca_cert"`

	// InactivityProbe is the echo interval used to detect a dead session.
	InactivityProbe time.Duration `koanf:"inactivity_probe"`
}

// AgentConfig holds the reconciliation behaviour knobs.
type AgentConfig struct {
	// ExposeTenantNetworks enables advertising tenant subnets reachable
	// through locally hosted router gateways.
	ExposeTenantNetworks bool `koanf:"expose_tenant_networks"`

	// ResyncInterval is the period of the scheduled full resync.
	ResyncInterval time.Duration `koanf:"resync_interval"`
}

// RoutingConfig names the kernel objects the agent owns.
type RoutingConfig struct {
	VRFName  string `koanf:"vrf_name"`
	VRFTable uint32 `koanf:"vrf_table"`

	// Device is the dummy interface carrying advertised addresses.
	Device string `koanf:"device"`

	// TableMin and TableMax bound the per-bridge routing table ids.
	TableMin int `koanf:"table_min"`
	TableMax int `koanf:"table_max"`

	// RTTablesPath is the iproute2 table name file consulted for existing ids.
	RTTablesPath string `koanf:"rt_tables_path"`

	// OVSCookie tags every OpenFlow rule installed by the agent.
	OVSCookie uint64 `koanf:"ovs_cookie"`
}

// BGPConfig holds the values used when configuring the local BGP speaker.
type BGPConfig struct {
	AS       uint32    `koanf:"as"`
	RouterID string    `koanf:"router_id"`
	FRR      FRRConfig `koanf:"frr"`
}

// FRRConfig controls the FRR VRF route leak setup.
type FRRConfig struct {
	Enabled   bool   `koanf:"enabled"`
	VtyshPath string `koanf:"vtysh_path"`
}

// GoBGPConfig configures direct path injection into a GoBGP daemon.
type GoBGPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`

	// NextHopV4 and NextHopV6 are announced as the path next hop.
	// Empty means "0.0.0.0" / "::" (self).
	NextHopV4 string `koanf:"next_hop_v4"`
	NextHopV6 string `koanf:"next_hop_v6"`

	Dampening DampeningConfig `koanf:"dampening"`
}

// DampeningConfig configures RFC 2439 style flap dampening of advertised prefixes.
type DampeningConfig struct {
	Enabled           bool          `koanf:"enabled"`
	SuppressThreshold float64       `koanf:"suppress_threshold"`
	ReuseThreshold    float64       `koanf:"reuse_threshold"`
	MaxSuppressTime   time.Duration `koanf:"max_suppress_time"`
	HalfLife          time.Duration `koanf:"half_life"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: "127.0.0.1:8181",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		OVS: OVSConfig{
			Connection: "unix:/var/run/openvswitch/db.sock",
		},
		OVN: OVNConfig{
			InactivityProbe: 60 * time.Second,
		},
		Agent: AgentConfig{
			ExposeTenantNetworks: false,
			ResyncInterval:       120 * time.Second,
		},
		Routing: RoutingConfig{
			VRFName:      "bgp_vrf",
			VRFTable:     10,
			Device:       "ovn",
			TableMin:     200,
			TableMax:     252,
			RTTablesPath: "/etc/iproute2/rt_tables",
			OVSCookie:    0x3e7,
		},
		BGP: BGPConfig{
			AS:       64999,
			RouterID: "",
			FRR: FRRConfig{
				Enabled:   true,
				VtyshPath: "/usr/bin/vtysh",
			},
		},
		GoBGP: GoBGPConfig{
			Enabled: false,
			Addr:    "127.0.0.1:50052",
			Dampening: DampeningConfig{
				Enabled:           false,
				SuppressThreshold: 3,
				ReuseThreshold:    2,
				MaxSuppressTime:   60 * time.Second,
				HalfLife:          15 * time.Second,
			},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for agent configuration.
// Variables are named OVN_BGP_AGENT_<section>_<key>, e.g., OVN_BGP_AGENT_LOG_LEVEL.
const envPrefix = "OVN_BGP_AGENT_"

// nestedSections lists env key prefixes that map onto two koanf levels.
var nestedSections = []string{"gobgp_dampening_", "bgp_frr_"}

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (OVN_BGP_AGENT_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer.
//
// Environment variable mapping:
//
//	OVN_BGP_AGENT_LOG_LEVEL                     -> log.level
//	OVN_BGP_AGENT_AGENT_EXPOSE_TENANT_NETWORKS  -> agent.expose_tenant_networks
//	OVN_BGP_AGENT_GOBGP_DAMPENING_HALF_LIFE     -> gobgp.dampening.half_life
//	OVN_BGP_AGENT_CHASSIS                       -> chassis
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms OVN_BGP_AGENT_ROUTING_VRF_NAME -> routing.vrf_name.
// Only the section separator becomes a dot; underscores inside key names
// are preserved.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))

	for _, nested := range nestedSections {
		if rest, ok := strings.CutPrefix(s, nested); ok {
			return strings.ReplaceAll(nested, "_", ".") + rest
		}
	}

	section, key, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	return section + "." + key
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"chassis":                            defaults.Chassis,
		"admin.addr":                         defaults.Admin.Addr,
		"metrics.addr":                       defaults.Metrics.Addr,
		"metrics.path":                       defaults.Metrics.Path,
		"log.level":                          defaults.Log.Level,
		"log.format":                         defaults.Log.Format,
		"log.file":                           defaults.Log.File,
		"log.max_size_mb":                    defaults.Log.MaxSizeMB,
		"log.max_backups":                    defaults.Log.MaxBackups,
		"ovs.connection":                     defaults.OVS.Connection,
		"ovn.sb_remote":                      defaults.OVN.SBRemote,
		"ovn.sb_private_key":                 defaults.OVN.SBPrivateKey,
		"ovn.sb_certificate":                 defaults.OVN.SBCertificate,
		"ovn.sb_ca_cert":                     defaults.OVN.SBCACert,
		"ovn.inactivity_probe":               defaults.OVN.InactivityProbe.String(),
		"agent.expose_tenant_networks":       defaults.Agent.ExposeTenantNetworks,
		"agent.resync_interval":              defaults.Agent.ResyncInterval.String(),
		"routing.vrf_name":                   defaults.Routing.VRFName,
		"routing.vrf_table":                  defaults.Routing.VRFTable,
		"routing.device":                     defaults.Routing.Device,
		"routing.table_min":                  defaults.Routing.TableMin,
		"routing.table_max":                  defaults.Routing.TableMax,
		"routing.rt_tables_path":             defaults.Routing.RTTablesPath,
		"routing.ovs_cookie":                 defaults.Routing.OVSCookie,
		"bgp.as":                             defaults.BGP.AS,
		"bgp.router_id":                      defaults.BGP.RouterID,
		"bgp.frr.enabled":                    defaults.BGP.FRR.Enabled,
		"bgp.frr.vtysh_path":                 defaults.BGP.FRR.VtyshPath,
		"gobgp.enabled":                      defaults.GoBGP.Enabled,
		"gobgp.addr":                         defaults.GoBGP.Addr,
		"gobgp.next_hop_v4":                  defaults.GoBGP.NextHopV4,
		"gobgp.next_hop_v6":                  defaults.GoBGP.NextHopV6,
		"gobgp.dampening.enabled":            defaults.GoBGP.Dampening.Enabled,
		"gobgp.dampening.suppress_threshold": defaults.GoBGP.Dampening.SuppressThreshold,
		"gobgp.dampening.reuse_threshold":    defaults.GoBGP.Dampening.ReuseThreshold,
		"gobgp.dampening.max_suppress_time":  defaults.GoBGP.Dampening.MaxSuppressTime.String(),
		"gobgp.dampening.half_life":          defaults.GoBGP.Dampening.HalfLife.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyOVSConnection indicates the local OVSDB endpoint is empty.
	ErrEmptyOVSConnection = errors.New("ovs.connection must not be empty")

	// ErrEmptyDevice indicates the advertising device name is empty.
	ErrEmptyDevice = errors.New("routing.device must not be empty")

	// ErrEmptyVRFName indicates the VRF name is empty.
	ErrEmptyVRFName = errors.New("routing.vrf_name must not be empty")

	// ErrInvalidTableRange indicates the per-bridge routing table range is unusable.
	ErrInvalidTableRange = errors.New("routing.table_min must be > 0 and <= routing.table_max")

	// ErrInvalidResyncInterval indicates the resync interval is not positive.
	ErrInvalidResyncInterval = errors.New("agent.resync_interval must be > 0")

	// ErrInvalidRouterID indicates bgp.router_id is not an IPv4 address.
	ErrInvalidRouterID = errors.New("bgp.router_id must be an IPv4 address")

	// ErrInvalidAS indicates the BGP AS number is zero while FRR setup is enabled.
	ErrInvalidAS = errors.New("bgp.as must be > 0")

	// ErrSSLFilesRequired indicates an ssl: remote without key material.
	ErrSSLFilesRequired = errors.New("ovn.sb_private_key, ovn.sb_certificate and ovn.sb_ca_cert are required for ssl remotes")

	// ErrEmptyGoBGPAddr indicates GoBGP injection is enabled without an address.
	ErrEmptyGoBGPAddr = errors.New("gobgp.addr must not be empty when gobgp.enabled")

	// ErrInvalidNextHop indicates a configured GoBGP next hop does not parse.
	ErrInvalidNextHop = errors.New("gobgp next hop must be an IP address")

	// ErrInvalidLogRotation indicates a log file without a usable rotation size.
	ErrInvalidLogRotation = errors.New("log.max_size_mb must be positive and log.max_backups non-negative")

	// ErrInvalidDampeningThreshold indicates reuse is not below suppress.
	ErrInvalidDampeningThreshold = errors.New("gobgp.dampening.reuse_threshold must be below suppress_threshold")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.OVS.Connection == "" {
		return ErrEmptyOVSConnection
	}

	if cfg.Log.File != "" && (cfg.Log.MaxSizeMB <= 0 || cfg.Log.MaxBackups < 0) {
		return ErrInvalidLogRotation
	}

	if err := validateRouting(cfg.Routing); err != nil {
		return err
	}

	if cfg.Agent.ResyncInterval <= 0 {
		return ErrInvalidResyncInterval
	}

	if strings.HasPrefix(cfg.OVN.SBRemote, "ssl:") &&
		(cfg.OVN.SBPrivateKey == "" || cfg.OVN.SBCertificate == "" || cfg.OVN.SBCACert == "") {
		return ErrSSLFilesRequired
	}

	if cfg.BGP.RouterID != "" {
		addr, err := netip.ParseAddr(cfg.BGP.RouterID)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("%w: %q", ErrInvalidRouterID, cfg.BGP.RouterID)
		}
	}

	if cfg.BGP.FRR.Enabled && cfg.BGP.AS == 0 {
		return ErrInvalidAS
	}

	if cfg.GoBGP.Enabled {
		if err := validateGoBGP(cfg.GoBGP); err != nil {
			return err
		}
	}

	return nil
}

func validateRouting(rc RoutingConfig) error {
	if rc.Device == "" {
		return ErrEmptyDevice
	}
	if rc.VRFName == "" {
		return ErrEmptyVRFName
	}
	if rc.TableMin <= 0 || rc.TableMin > rc.TableMax {
		return ErrInvalidTableRange
	}
	return nil
}

func validateGoBGP(gc GoBGPConfig) error {
	if gc.Addr == "" {
		return ErrEmptyGoBGPAddr
	}

	for _, nh := range []string{gc.NextHopV4, gc.NextHopV6} {
		if nh == "" {
			continue
		}
		if _, err := netip.ParseAddr(nh); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidNextHop, nh)
		}
	}

	if gc.Dampening.Enabled && gc.Dampening.ReuseThreshold >= gc.Dampening.SuppressThreshold {
		return ErrInvalidDampeningThreshold
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

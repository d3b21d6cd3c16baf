// Package frr configures the local FRR BGP speaker through vtysh so routes
// of the agent VRF are leaked into the default BGP instance.
package frr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"text/template"

	kexec "k8s.io/utils/exec"
)

// Sentinel errors for FRR configuration.
var (
	// ErrInvalidLeak indicates an incomplete VRF leak configuration.
	ErrInvalidLeak = errors.New("invalid vrf leak configuration")

	// ErrVtysh indicates vtysh failed to apply a configuration.
	ErrVtysh = errors.New("vtysh failed")
)

// LeakConfig describes the VRF whose connected routes are imported into
// the default BGP instance.
type LeakConfig struct {
	AS       uint32
	RouterID string
	VRF      string
}

// Validate checks the AS and VRF are set and the router id, when present,
// is an IPv4 address.
func (c LeakConfig) Validate() error {
	if c.AS == 0 {
		return fmt.Errorf("%w: bgp AS must be set", ErrInvalidLeak)
	}
	if c.VRF == "" {
		return fmt.Errorf("%w: vrf name must be set", ErrInvalidLeak)
	}
	if c.RouterID != "" {
		addr, err := netip.ParseAddr(c.RouterID)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("%w: router id %q is not an IPv4 address", ErrInvalidLeak, c.RouterID)
		}
	}
	return nil
}

var leakTemplate = template.Must(template.New("leak").Parse(`router bgp {{ .AS }}
 address-family ipv4 unicast
  import vrf {{ .VRF }}
 exit-address-family
 address-family ipv6 unicast
  import vrf {{ .VRF }}
 exit-address-family
!
router bgp {{ .AS }} vrf {{ .VRF }}
{{- if .RouterID }}
 bgp router-id {{ .RouterID }}
{{- end }}
 address-family ipv4 unicast
  redistribute connected
 exit-address-family
 address-family ipv6 unicast
  redistribute connected
 exit-address-family
!
`))

// RenderLeak returns the vtysh configuration leaking cfg.VRF.
func RenderLeak(cfg LeakConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := leakTemplate.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("render vrf leak: %w", err)
	}
	return buf.String(), nil
}

// Configurator applies configuration snippets with vtysh.
type Configurator struct {
	exec   kexec.Interface
	vtysh  string
	logger *slog.Logger
}

// NewConfigurator returns a Configurator running vtyshPath through runner.
func NewConfigurator(runner kexec.Interface, vtyshPath string, logger *slog.Logger) *Configurator {
	return &Configurator{
		exec:   runner,
		vtysh:  vtyshPath,
		logger: logger.With(slog.String("component", "frr.configurator")),
	}
}

// EnsureVRFLeak writes the leak configuration to a temporary file and
// loads it with "vtysh -f". FRR merges the statements into its running
// configuration, so repeated calls are harmless.
func (c *Configurator) EnsureVRFLeak(ctx context.Context, cfg LeakConfig) error {
	conf, err := RenderLeak(cfg)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp("", "ovn-bgp-agent-frr-*.conf")
	if err != nil {
		return fmt.Errorf("create frr config file: %w", err)
	}
	defer os.Remove(f.Name()) //nolint:errcheck // Best-effort cleanup.

	if _, err := f.WriteString(conf); err != nil {
		f.Close() //nolint:errcheck,gosec // Write error takes precedence.
		return fmt.Errorf("write frr config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close frr config file: %w", err)
	}

	out, err := c.exec.CommandContext(ctx, c.vtysh, "-f", f.Name()).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: load vrf leak for %s: %w: %s",
			ErrVtysh, cfg.VRF, err, strings.TrimSpace(string(out)))
	}

	c.logger.Info("vrf leak configured",
		slog.String("vrf", cfg.VRF),
		slog.Uint64("as", uint64(cfg.AS)),
	)
	return nil
}

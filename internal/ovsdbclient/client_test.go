package ovsdbclient_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/dantte-lp/ovn-bgp-agent/internal/ovsdbclient"
	"github.com/dantte-lp/ovn-bgp-agent/internal/sbdb"
)

func TestSentinelHandlerSignals(t *testing.T) {
	t.Parallel()

	var got []ovsdbclient.Session
	h := ovsdbclient.SentinelHandler(sbdb.ChassisPrivateTable, "compute-0", func(s ovsdbclient.Session) {
		got = append(got, s)
	})

	// Other tables and other chassis are ignored.
	h.OnAdd(sbdb.ChassisTable, &sbdb.Chassis{Name: "compute-0"})
	h.OnAdd(sbdb.ChassisPrivateTable, &sbdb.ChassisPrivate{Name: "compute-1"})
	h.OnAdd(sbdb.PortBindingTable, &sbdb.PortBinding{LogicalPort: "compute-0"})

	// Updates and deletes of the sentinel row are not sessions, as with
	// the deltas of a resumed monitor.
	h.OnUpdate(sbdb.ChassisPrivateTable, &sbdb.ChassisPrivate{Name: "compute-0"}, &sbdb.ChassisPrivate{Name: "compute-0", NbCfg: 2})
	h.OnDelete(sbdb.ChassisPrivateTable, &sbdb.ChassisPrivate{Name: "compute-0"})

	for range 3 {
		h.OnAdd(sbdb.ChassisPrivateTable, &sbdb.ChassisPrivate{Name: "compute-0"})
	}

	want := []ovsdbclient.Session{
		ovsdbclient.SessionEstablished,
		ovsdbclient.SessionReestablished,
		ovsdbclient.SessionReestablished,
	}
	if !slices.Equal(got, want) {
		t.Errorf("signals = %v, want %v", got, want)
	}
}

func TestSentinelHandlerLegacyTable(t *testing.T) {
	t.Parallel()

	var got []ovsdbclient.Session
	h := ovsdbclient.SentinelHandler(sbdb.ChassisTable, "compute-0", func(s ovsdbclient.Session) {
		got = append(got, s)
	})
	h.OnAdd(sbdb.ChassisTable, &sbdb.Chassis{Name: "compute-0"})

	if !slices.Equal(got, []ovsdbclient.Session{ovsdbclient.SessionEstablished}) {
		t.Errorf("signals = %v", got)
	}
}

func TestSessionString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    ovsdbclient.Session
		want string
	}{
		{ovsdbclient.SessionEstablished, "established"},
		{ovsdbclient.SessionReestablished, "reestablished"},
		{ovsdbclient.Session(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Session(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestDialSouthboundTLSMaterial(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	emptyCA := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(emptyCA, []byte("not a certificate\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  ovsdbclient.SouthboundConfig
	}{
		{
			name: "missing key pair",
			cfg: ovsdbclient.SouthboundConfig{
				Remote:      "ssl:192.0.2.10:6642",
				Certificate: filepath.Join(dir, "missing-cert.pem"),
				PrivateKey:  filepath.Join(dir, "missing-key.pem"),
				CACert:      emptyCA,
			},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ovsdbclient.DialSouthbound(context.Background(), tt.cfg, logger)
			if !errors.Is(err, ovsdbclient.ErrTLS) {
				t.Errorf("DialSouthbound error = %v, want ErrTLS", err)
			}
		})
	}
}

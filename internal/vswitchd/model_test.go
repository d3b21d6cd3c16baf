package vswitchd_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/dantte-lp/ovn-bgp-agent/internal/vswitchd"
)

func TestParseBridgeMappings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    []vswitchd.BridgeMapping
		wantErr error
	}{
		{name: "empty", raw: "", want: nil},
		{
			name: "single",
			raw:  "public:br-ex",
			want: []vswitchd.BridgeMapping{{Network: "public", Bridge: "br-ex"}},
		},
		{
			name: "multiple with spaces",
			raw:  "public:br-ex, vlan:br-vlan",
			want: []vswitchd.BridgeMapping{
				{Network: "public", Bridge: "br-ex"},
				{Network: "vlan", Bridge: "br-vlan"},
			},
		},
		{name: "missing bridge", raw: "public:", wantErr: vswitchd.ErrMalformedBridgeMapping},
		{name: "no separator", raw: "public", wantErr: vswitchd.ErrMalformedBridgeMapping},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := vswitchd.ParseBridgeMappings(tt.raw)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseBridgeMappings(%q) error = %v, want %v", tt.raw, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseBridgeMappings(%q) unexpected error: %v", tt.raw, err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("ParseBridgeMappings(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestOpenvSwitchIdentity(t *testing.T) {
	t.Parallel()

	row := &vswitchd.OpenvSwitch{ExternalIDs: map[string]string{
		"system-id":  "compute-0",
		"ovn-remote": "tcp:192.0.2.10:6642",
	}}

	chassis, err := row.OwnChassis()
	if err != nil || chassis != "compute-0" {
		t.Errorf("OwnChassis() = %q, %v; want compute-0, nil", chassis, err)
	}

	remote, err := row.OVNRemote()
	if err != nil || remote != "tcp:192.0.2.10:6642" {
		t.Errorf("OVNRemote() = %q, %v", remote, err)
	}

	empty := &vswitchd.OpenvSwitch{}
	if _, err := empty.OwnChassis(); !errors.Is(err, vswitchd.ErrNoSystemID) {
		t.Errorf("OwnChassis() on empty row error = %v, want ErrNoSystemID", err)
	}
	if _, err := empty.OVNRemote(); !errors.Is(err, vswitchd.ErrNoOVNRemote) {
		t.Errorf("OVNRemote() on empty row error = %v, want ErrNoOVNRemote", err)
	}
}

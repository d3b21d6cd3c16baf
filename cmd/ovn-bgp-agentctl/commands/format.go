// Package commands implements the ovn-bgp-agentctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/ovn-bgp-agent/internal/agent"
)

const (
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatTable = "table"
	valueNone   = "-"
	valueNever  = "never"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatState renders a routing state snapshot in the requested format.
func formatState(snap agent.Snapshot, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(snap)
	case formatYAML:
		return marshalYAML(snap)
	case formatTable:
		return formatStateTable(snap)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatDiff renders the exposed address changes between two snapshots.
func formatDiff(prev, cur agent.Snapshot, format string) (string, error) {
	added, removed := diffExposed(prev.ExposedIPs, cur.ExposedIPs)
	if len(added) == 0 && len(removed) == 0 {
		return "", nil
	}

	switch format {
	case formatJSON:
		return marshalJSON(exposedDiff{Added: added, Removed: removed})
	case formatYAML:
		return marshalYAML(exposedDiff{Added: added, Removed: removed})
	case formatTable:
		lines := make([]string, 0, len(added)+len(removed))
		for _, ip := range added {
			lines = append(lines, "+ "+ip)
		}
		for _, ip := range removed {
			lines = append(lines, "- "+ip)
		}
		return strings.Join(lines, "\n"), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

type exposedDiff struct {
	Added   []string `json:"added,omitempty"   yaml:"added,omitempty"`
	Removed []string `json:"removed,omitempty" yaml:"removed,omitempty"`
}

// diffExposed returns the addresses only in cur and those only in prev,
// both sorted.
func diffExposed(prev, cur []string) ([]string, []string) {
	var added, removed []string
	for _, ip := range cur {
		if !slices.Contains(prev, ip) {
			added = append(added, ip)
		}
	}
	for _, ip := range prev {
		if !slices.Contains(cur, ip) {
			removed = append(removed, ip)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)
	return added, removed
}

// --- Table formatter ---

func formatStateTable(snap agent.Snapshot) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Chassis:\t%s\n", snap.Chassis)
	fmt.Fprintf(w, "Last resync:\t%s\n", formatTime(snap.LastResync))
	fmt.Fprintf(w, "Resyncs:\t%d\n", snap.Resyncs)
	fmt.Fprintf(w, "Exposed IPs:\t%d\n", len(snap.ExposedIPs))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "NETWORK\tBRIDGE\tTABLE\tROUTES")
	for _, network := range slices.Sorted(maps.Keys(snap.BridgeMappings)) {
		bridge := snap.BridgeMappings[network]
		table := valueNone
		if id, ok := snap.RoutingTables[bridge]; ok {
			table = fmt.Sprint(id)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", network, bridge, table, len(snap.Routes[bridge]))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "GATEWAY\tROUTER\tPROVIDER\tIPS\tMAC")
	for _, name := range slices.Sorted(maps.Keys(snap.LocalGateways)) {
		gw := snap.LocalGateways[name]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			name, gw.RouterDatapath, gw.ProviderDatapath, joinOrNone(gw.IPs), gw.MAC)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Local router ports:\t%s\n", joinOrNone(snap.LocalRouterPorts))
	fmt.Fprintf(w, "Exposed:\t%s\n", joinOrNone(snap.ExposedIPs))

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush table: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return valueNever
	}
	return t.Format(time.RFC3339)
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return valueNone
	}
	return strings.Join(values, ", ")
}

// --- Encoders ---

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(data), nil
}

func marshalYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal yaml: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

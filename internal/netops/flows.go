package netops

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	kexec "k8s.io/utils/exec"
)

// provnetPatchPrefix is the name prefix ovn-controller gives the patch
// ports it plugs into provider bridges.
const provnetPatchPrefix = "patch-provnet"

// flowPriority is the priority of the agent's MAC rewrite flows.
const flowPriority = 900

// Flows manages the cookie-tagged OpenFlow rules that rewrite the
// destination MAC of traffic leaving OVN through a provider bridge to the
// bridge's own MAC, so the kernel routes it.
type Flows struct {
	exec   kexec.Interface
	cookie uint64
	logger *slog.Logger
}

// NewFlows returns a Flows running ovs-ofctl and ovs-vsctl through runner.
func NewFlows(runner kexec.Interface, cookie uint64, logger *slog.Logger) *Flows {
	return &Flows{
		exec:   runner,
		cookie: cookie,
		logger: logger.With(slog.String("component", "netops.flows")),
	}
}

// flowKey identifies one agent flow by protocol and ingress port.
type flowKey struct {
	proto  string
	inPort string
}

func (f *Flows) cookieString() string {
	return "0x" + strconv.FormatUint(f.cookie, 16)
}

// expected returns the flows the agent wants on a bridge, keyed by match.
func (f *Flows) expected(mac string, inPorts []string) map[flowKey]string {
	out := make(map[flowKey]string, 2*len(inPorts))
	for _, port := range inPorts {
		for _, proto := range []string{"ip", "ipv6"} {
			out[flowKey{proto: proto, inPort: port}] = fmt.Sprintf(
				"cookie=%s,priority=%d,%s,in_port=%s,actions=mod_dl_dst:%s,NORMAL",
				f.cookieString(), flowPriority, proto, port, mac)
		}
	}
	return out
}

// Ensure installs the expected flows on bridge. With prune set, flows
// carrying the agent cookie that are not expected are deleted.
func (f *Flows) Ensure(bridge, mac string, prune bool) error {
	inPorts, err := f.patchPortNumbers(bridge)
	if err != nil {
		return err
	}
	want := f.expected(mac, inPorts)

	if prune {
		existing, err := f.dump(bridge)
		if err != nil {
			return err
		}
		for _, key := range sortedKeys(existing) {
			if _, ok := want[key]; ok && strings.Contains(existing[key], "mod_dl_dst:"+mac) {
				continue
			}
			match := fmt.Sprintf("cookie=%s/-1,%s,in_port=%s", f.cookieString(), key.proto, key.inPort)
			if _, err := f.run("ovs-ofctl", "del-flows", bridge, match); err != nil {
				return err
			}
			f.logger.Info("removed stale flow",
				slog.String("bridge", bridge),
				slog.String("match", match),
			)
		}
	}

	for _, key := range sortedKeys(want) {
		if _, err := f.run("ovs-ofctl", "add-flow", bridge, want[key]); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[flowKey]string) []flowKey {
	keys := make([]flowKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b flowKey) int {
		if c := strings.Compare(a.inPort, b.inPort); c != 0 {
			return c
		}
		return strings.Compare(a.proto, b.proto)
	})
	return keys
}

// patchPortNumbers returns the OpenFlow port numbers of the provider
// patch ports plugged into bridge.
func (f *Flows) patchPortNumbers(bridge string) ([]string, error) {
	out, err := f.run("ovs-vsctl", "list-ports", bridge)
	if err != nil {
		return nil, err
	}

	var ofports []string
	for _, port := range strings.Fields(out) {
		if !strings.HasPrefix(port, provnetPatchPrefix) {
			continue
		}
		ofport, err := f.run("ovs-vsctl", "get", "Interface", port, "ofport")
		if err != nil {
			return nil, err
		}
		ofport = strings.TrimSpace(ofport)
		if ofport == "" || ofport == "-1" {
			continue
		}
		ofports = append(ofports, ofport)
	}
	return ofports, nil
}

// dump returns the agent-cookie flows on bridge keyed by match.
func (f *Flows) dump(bridge string) (map[flowKey]string, error) {
	out, err := f.run("ovs-ofctl", "dump-flows", bridge, "cookie="+f.cookieString()+"/-1")
	if err != nil {
		return nil, err
	}
	return parseDumpFlows(out), nil
}

// parseDumpFlows extracts protocol and in_port from ovs-ofctl dump-flows
// output lines. Lines without both are ignored.
func parseDumpFlows(out string) map[flowKey]string {
	flows := make(map[flowKey]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "cookie=") {
			continue
		}
		match, _, _ := strings.Cut(line, " actions=")
		var key flowKey
		for _, field := range strings.FieldsFunc(match, func(r rune) bool { return r == ',' || r == ' ' }) {
			switch {
			case field == "ip" || field == "ipv6":
				key.proto = field
			case strings.HasPrefix(field, "in_port="):
				key.inPort = strings.TrimPrefix(field, "in_port=")
			}
		}
		if key.proto != "" && key.inPort != "" {
			flows[key] = line
		}
	}
	return flows
}

func (f *Flows) run(cmd string, args ...string) (string, error) {
	out, err := f.exec.Command(cmd, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s %s: %w: %q", ErrCommand, cmd, strings.Join(args, " "), err, string(out))
	}
	return string(out), nil
}

package netops_test

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	kexec "k8s.io/utils/exec"
	fakeexec "k8s.io/utils/exec/testing"

	"github.com/dantte-lp/ovn-bgp-agent/internal/netops"
)

// scriptedExec records every command and answers from outputs in order.
type scriptedExec struct {
	fake     *fakeexec.FakeExec
	commands []string
}

func newScriptedExec(t *testing.T, outputs ...string) *scriptedExec {
	t.Helper()

	s := &scriptedExec{fake: &fakeexec.FakeExec{}}
	for _, out := range outputs {
		cmd := &fakeexec.FakeCmd{
			CombinedOutputScript: []fakeexec.FakeAction{
				func() ([]byte, []byte, error) { return []byte(out), nil, nil },
			},
		}
		s.fake.CommandScript = append(s.fake.CommandScript, func(name string, args ...string) kexec.Cmd {
			s.commands = append(s.commands, name+" "+strings.Join(args, " "))
			return fakeexec.InitFakeCmd(cmd, name, args...)
		})
	}
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFlowsEnsureInstallsPerPatchPort(t *testing.T) {
	t.Parallel()

	ex := newScriptedExec(t,
		"patch-provnet-public-to-br-int\neth1\n", // list-ports
		"5\n",                                    // get ofport
		"", "",                                   // add-flow ip, ipv6
	)

	f := netops.NewFlows(ex.fake, 0x3e7, discardLogger())
	if err := f.Ensure("br-ex", "aa:bb:cc:dd:ee:ff", false); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	want := []string{
		"ovs-vsctl list-ports br-ex",
		"ovs-vsctl get Interface patch-provnet-public-to-br-int ofport",
		"ovs-ofctl add-flow br-ex cookie=0x3e7,priority=900,ip,in_port=5,actions=mod_dl_dst:aa:bb:cc:dd:ee:ff,NORMAL",
		"ovs-ofctl add-flow br-ex cookie=0x3e7,priority=900,ipv6,in_port=5,actions=mod_dl_dst:aa:bb:cc:dd:ee:ff,NORMAL",
	}
	if strings.Join(ex.commands, "\n") != strings.Join(want, "\n") {
		t.Errorf("commands:\n%s\nwant:\n%s", strings.Join(ex.commands, "\n"), strings.Join(want, "\n"))
	}
}

func TestFlowsEnsurePrunesStale(t *testing.T) {
	t.Parallel()

	dump := "NXST_FLOW reply (xid=0x4):\n" +
		" cookie=0x3e7, duration=10.1s, table=0, n_packets=0, n_bytes=0, priority=900,ip,in_port=5 actions=mod_dl_dst:aa:bb:cc:dd:ee:ff,NORMAL\n" +
		" cookie=0x3e7, duration=10.1s, table=0, n_packets=0, n_bytes=0, priority=900,ip,in_port=9 actions=mod_dl_dst:aa:bb:cc:dd:ee:ff,NORMAL\n"

	ex := newScriptedExec(t,
		"patch-provnet-public-to-br-int\n", // list-ports
		"5\n",                              // get ofport
		dump,                               // dump-flows
		"",                                 // del-flows in_port=9
		"", "",                             // add-flow ip, ipv6
	)

	f := netops.NewFlows(ex.fake, 0x3e7, discardLogger())
	if err := f.Ensure("br-ex", "aa:bb:cc:dd:ee:ff", true); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if len(ex.commands) != 6 {
		t.Fatalf("ran %d commands, want 6:\n%s", len(ex.commands), strings.Join(ex.commands, "\n"))
	}
	if got, want := ex.commands[3], "ovs-ofctl del-flows br-ex cookie=0x3e7/-1,ip,in_port=9"; got != want {
		t.Errorf("prune command = %q, want %q", got, want)
	}
}

func TestFlowsCommandError(t *testing.T) {
	t.Parallel()

	cmd := &fakeexec.FakeCmd{
		CombinedOutputScript: []fakeexec.FakeAction{
			func() ([]byte, []byte, error) { return []byte("no bridge"), nil, errors.New("exit status 1") },
		},
	}
	fake := &fakeexec.FakeExec{
		CommandScript: []fakeexec.FakeCommandAction{
			func(name string, args ...string) kexec.Cmd { return fakeexec.InitFakeCmd(cmd, name, args...) },
		},
	}

	f := netops.NewFlows(fake, 0x3e7, discardLogger())
	err := f.Ensure("br-missing", "aa:bb:cc:dd:ee:ff", true)
	if !errors.Is(err, netops.ErrCommand) {
		t.Errorf("Ensure error = %v, want ErrCommand", err)
	}
}

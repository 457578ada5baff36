package enforce

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu     sync.Mutex
	calls  []string
	stdin  []string
	files  map[string]string
	failOn func(cmd Command) error
}

func (r *recordingRunner) Run(_ context.Context, cmd Command) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd.String())
	if cmd.Stdin != nil {
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return nil, err
		}
		r.stdin = append(r.stdin, string(data))
	}
	if r.failOn != nil {
		if err := r.failOn(cmd); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *recordingRunner) WriteFile(_ context.Context, path string, data []byte, _ os.FileMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.files == nil {
		r.files = make(map[string]string)
	}
	r.files[path] = string(data)
	r.calls = append(r.calls, "write "+path)
	return nil
}

func newTestShell(t *testing.T, runner Runner) *Shell {
	t.Helper()
	s, err := NewShell(runner, ShellOptions{
		RestoreCommand:   "iptables-restore",
		FilterCommand:    "iptables -w",
		ShaperCommand:    "fireqos start",
		ShaperConfigPath: "/etc/firehol/fireqos.conf",
		TempDir:          t.TempDir(),
	})
	require.NoError(t, err)
	return s
}

var testRuleset = Ruleset{
	Filter: []string{
		"-A INPUT -p tcp -m tcpmss --mss 1:500 -j DROP",
		"-A OUTPUT -m owner --uid-owner 1001 -j MARK --set-mark 1",
	},
	NAT: []string{
		"-A POSTROUTING -s 10.8.0.0/24 -o eth0 -j MASQUERADE",
	},
}

func TestRestorePayload(t *testing.T) {
	want := `*filter
:INPUT ACCEPT [0:0]
:FORWARD ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
-A INPUT -p tcp -m tcpmss --mss 1:500 -j DROP
-A OUTPUT -m owner --uid-owner 1001 -j MARK --set-mark 1
COMMIT
*nat
:PREROUTING ACCEPT [0:0]
:INPUT ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
:POSTROUTING ACCEPT [0:0]
-A POSTROUTING -s 10.8.0.0/24 -o eth0 -j MASQUERADE
COMMIT
`
	assert.Equal(t, want, RestorePayload(testRuleset))

	filterOnly := RestorePayload(Ruleset{Filter: testRuleset.Filter})
	assert.NotContains(t, filterOnly, "*nat")
}

func TestShellApplyAtomic(t *testing.T) {
	runner := &recordingRunner{}
	s := newTestShell(t, runner)

	require.NoError(t, s.ApplyAtomic(context.Background(), testRuleset))
	assert.Equal(t, []string{"iptables-restore"}, runner.calls)
	require.Len(t, runner.stdin, 1)
	assert.Equal(t, RestorePayload(testRuleset), runner.stdin[0])

	// temp file removed
	entries, err := os.ReadDir(s.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestShellApplyAtomicRemovesTempFileOnFailure(t *testing.T) {
	runner := &recordingRunner{failOn: func(Command) error { return errors.New("line 3 failed") }}
	s := newTestShell(t, runner)

	require.Error(t, s.ApplyAtomic(context.Background(), testRuleset))
	entries, err := os.ReadDir(s.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestShellApplySequential(t *testing.T) {
	runner := &recordingRunner{}
	s := newTestShell(t, runner)

	require.NoError(t, s.ApplySequential(context.Background(), testRuleset))
	assert.Equal(t, []string{
		"iptables -w -F INPUT",
		"iptables -w -F FORWARD",
		"iptables -w -F OUTPUT",
		"iptables -w -t nat -F PREROUTING",
		"iptables -w -t nat -F INPUT",
		"iptables -w -t nat -F OUTPUT",
		"iptables -w -t nat -F POSTROUTING",
		"iptables -w -A INPUT -p tcp -m tcpmss --mss 1:500 -j DROP",
		"iptables -w -A OUTPUT -m owner --uid-owner 1001 -j MARK --set-mark 1",
		"iptables -w -t nat -A POSTROUTING -s 10.8.0.0/24 -o eth0 -j MASQUERADE",
	}, runner.calls)
}

func TestShellApplySequentialLeavesNATAloneWithoutNATRules(t *testing.T) {
	runner := &recordingRunner{}
	s := newTestShell(t, runner)

	rs := Ruleset{Filter: testRuleset.Filter}
	require.NoError(t, s.ApplySequential(context.Background(), rs))
	for _, call := range runner.calls {
		assert.NotContains(t, call, "-t nat")
	}
	assert.NotContains(t, RestorePayload(rs), "*nat")
}

func TestShellApplySequentialKeepsExplicitTable(t *testing.T) {
	runner := &recordingRunner{}
	s := newTestShell(t, runner)

	rs := Ruleset{NAT: []string{"-t nat -A POSTROUTING -s 10.9.0.0/24 -o eth0 -j MASQUERADE"}}
	require.NoError(t, s.ApplySequential(context.Background(), rs))
	assert.Equal(t, "iptables -w -t nat -A POSTROUTING -s 10.9.0.0/24 -o eth0 -j MASQUERADE", runner.calls[len(runner.calls)-1])
}

func TestShellApplySequentialContinuesPastBadRule(t *testing.T) {
	runner := &recordingRunner{failOn: func(cmd Command) error {
		if strings.Contains(cmd.String(), "tcpmss") {
			return errors.New("iptables: No chain/target/match by that name")
		}
		return nil
	}}
	s := newTestShell(t, runner)

	err := s.ApplySequential(context.Background(), testRuleset)
	require.ErrorContains(t, err, "No chain/target/match")
	assert.Contains(t, runner.calls, "iptables -w -t nat -A POSTROUTING -s 10.8.0.0/24 -o eth0 -j MASQUERADE")
}

func TestFilterArgvPlaceholder(t *testing.T) {
	got := filterArgv([]string{"ip", "netns", "exec", "edge", "iptables", "%RULE%", "-w"}, []string{"-F", "INPUT"})
	assert.Equal(t, []string{"ip", "netns", "exec", "edge", "iptables", "-F", "INPUT", "-w"}, got)

	got = filterArgv([]string{"iptables", "-w"}, []string{"-F", "INPUT"})
	assert.Equal(t, []string{"iptables", "-w", "-F", "INPUT"}, got)
}

func TestShellLoadShaperConfig(t *testing.T) {
	runner := &recordingRunner{}
	s := newTestShell(t, runner)

	require.NoError(t, s.LoadShaperConfig(context.Background(), "interface eth0 world-in input rate 1000mbit\n"))
	assert.Equal(t, []string{"write /etc/firehol/fireqos.conf", "fireqos start"}, runner.calls)
	assert.Contains(t, runner.files["/etc/firehol/fireqos.conf"], "interface eth0")
}

func TestNewShellRejectsEmptyCommand(t *testing.T) {
	_, err := NewShell(&recordingRunner{}, ShellOptions{
		RestoreCommand:   "",
		FilterCommand:    "iptables -w",
		ShaperCommand:    "fireqos start",
		ShaperConfigPath: "/etc/firehol/fireqos.conf",
	})
	require.ErrorContains(t, err, "restore_command")
}

func TestApplierFallsBackAndFlushesFirst(t *testing.T) {
	runner := &recordingRunner{failOn: func(cmd Command) error {
		if cmd.Name == "iptables-restore" {
			return errors.New("iptables-restore: line 2 failed")
		}
		return nil
	}}
	a := NewApplier(newTestShell(t, runner), nil)

	require.NoError(t, a.Apply(context.Background(), testRuleset))

	// every flush must precede the first rule add
	firstAdd := -1
	flushes := map[string]int{}
	for i, call := range runner.calls {
		switch {
		case strings.Contains(call, " -F "):
			flushes[call[strings.LastIndex(call, " ")+1:]] = i
		case strings.Contains(call, " -A ") && firstAdd < 0:
			firstAdd = i
		}
	}
	require.Positive(t, firstAdd)
	for _, chain := range []string{"INPUT", "FORWARD", "OUTPUT", "POSTROUTING"} {
		idx, ok := flushes[chain]
		require.True(t, ok, "no flush for %s", chain)
		assert.Less(t, idx, firstAdd, "flush of %s after first add", chain)
	}
}

type fakeEnforcer struct {
	atomicErr, seqErr error
	atomic, seq       int
}

func (f *fakeEnforcer) ApplyAtomic(context.Context, Ruleset) error     { f.atomic++; return f.atomicErr }
func (f *fakeEnforcer) ApplySequential(context.Context, Ruleset) error { f.seq++; return f.seqErr }
func (f *fakeEnforcer) LoadShaperConfig(context.Context, string) error { return nil }

func TestApplier(t *testing.T) {
	f := &fakeEnforcer{}
	require.NoError(t, NewApplier(f, nil).Apply(context.Background(), testRuleset))
	assert.Equal(t, 1, f.atomic)
	assert.Zero(t, f.seq)

	f = &fakeEnforcer{atomicErr: errors.New("atomic"), seqErr: errors.New("sequential")}
	err := NewApplier(f, nil).Apply(context.Background(), testRuleset)
	require.ErrorContains(t, err, "atomic")
	require.ErrorContains(t, err, "sequential")
	assert.Equal(t, 1, f.seq)
}

func TestLocalRunner(t *testing.T) {
	r := NewLocalRunner(0)
	ctx := context.Background()

	out, err := r.Run(ctx, Command{Name: "sh", Args: []string{"-c", "cat"}, Stdin: strings.NewReader("hello")})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	_, err = r.Run(ctx, Command{Name: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
	require.ErrorContains(t, err, "boom")

	path := filepath.Join(t.TempDir(), "firehol", "fireqos.conf")
	require.NoError(t, r.WriteFile(ctx, path, []byte("x\n"), 0o640))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
}

func TestPrinter(t *testing.T) {
	var b strings.Builder
	p := &Printer{W: &b}
	require.NoError(t, p.ApplyAtomic(context.Background(), testRuleset))
	assert.Equal(t, RestorePayload(testRuleset), b.String())
}

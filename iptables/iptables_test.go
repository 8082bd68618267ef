package iptables

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zhpjy/sniproxy-ng/config"
)

// fakeShell records every command; existing holds "-S"/"-C" probes that
// should succeed.
type fakeShell struct {
	cmds     []string
	existing map[string]bool
}

func stubRun(t *testing.T) *fakeShell {
	t.Helper()
	fs := &fakeShell{existing: map[string]bool{}}
	origRun, origSnap := run, sysctlSnapPath
	run = func(args ...string) (string, error) {
		line := strings.Join(args, " ")
		fs.cmds = append(fs.cmds, line)
		switch {
		case args[0] == "sh":
			return "", nil
		case len(args) > 4 && (args[4] == "-S" || args[4] == "-C"):
			if fs.existing[line] {
				return "", nil
			}
			return "", errors.New("exit status 1")
		case len(args) > 4 && args[4] == "-D":
			return "", errors.New("exit status 1")
		}
		return "", nil
	}
	sysctlSnapPath = filepath.Join(t.TempDir(), "snap.json")
	t.Cleanup(func() { run, sysctlSnapPath = origRun, origSnap })
	return fs
}

func (fs *fakeShell) ran(prefix string) bool {
	for _, c := range fs.cmds {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestQbSpec(t *testing.T) {
	if got := strings.Join(qbSpec(537, 537), " "); got != "-j NFQUEUE --queue-num 537 --queue-bypass" {
		t.Fatalf("single queue: %q", got)
	}
	if got := strings.Join(qbSpec(537, 540), " "); got != "-j NFQUEUE --queue-balance 537:540 --queue-bypass" {
		t.Fatalf("balance: %q", got)
	}
}

func TestBuildManifest(t *testing.T) {
	cfg := config.DefaultConfig
	cfg.Queue.Threads = 4
	cfg.Sniff.Ports = []uint16{443, 8443}

	m := buildManifest(&cfg, []string{"iptables", "ip6tables"})
	if len(m.Chains) != 2 || m.Chains[0].Name != ChainName {
		t.Fatalf("chains = %+v", m.Chains)
	}
	// per binary: 2 protos x 2 ports + 2 jumps
	if len(m.Rules) != 12 {
		t.Fatalf("rules = %d, want 12", len(m.Rules))
	}
	first := strings.Join(m.Rules[0].Spec, " ")
	for _, want := range []string{
		"-p tcp --dport 443", "! --mark 0x8000/0x8000",
		"--connbytes 0:19", "--queue-balance 537:540",
	} {
		if !strings.Contains(first, want) {
			t.Errorf("rule %q lacks %q", first, want)
		}
	}
	if len(m.Sysctls) != 1 || m.Sysctls[0].Name != "net.netfilter.nf_conntrack_acct" {
		t.Fatalf("sysctls = %+v", m.Sysctls)
	}

	cfg.Queue.ConnBytesLimit = 0
	cfg.Queue.Mark = 0
	m = buildManifest(&cfg, []string{"iptables"})
	spec := strings.Join(m.Rules[0].Spec, " ")
	if strings.Contains(spec, "connbytes") || strings.Contains(spec, "--mark") {
		t.Fatalf("unexpected matches in %q", spec)
	}
}

func TestAddRules_Disabled(t *testing.T) {
	fs := stubRun(t)
	cfg := config.DefaultConfig
	if err := AddRules(&cfg); err != nil {
		t.Fatal(err)
	}
	if err := ClearRules(&cfg); err != nil {
		t.Fatal(err)
	}
	if len(fs.cmds) != 0 {
		t.Fatalf("commands run with manage_iptables off: %v", fs.cmds)
	}
}

func TestAddRules(t *testing.T) {
	fs := stubRun(t)
	cfg := config.DefaultConfig
	cfg.Queue.ManageIPTables = true
	cfg.Queue.IPv6 = false

	if err := AddRules(&cfg); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"iptables -w -t mangle -N " + ChainName,
		"iptables -w -t mangle -A " + ChainName + " -p tcp --dport 443",
		"iptables -w -t mangle -A " + ChainName + " -p udp --dport 443",
		"iptables -w -t mangle -I OUTPUT -j " + ChainName,
		"iptables -w -t mangle -I FORWARD -j " + ChainName,
		"sh -c sysctl -w net.netfilter.nf_conntrack_acct=1",
	} {
		if !fs.ran(want) {
			t.Errorf("missing command %q", want)
		}
	}
	if fs.ran("ip6tables -w") {
		t.Errorf("ip6tables used with ipv6 off")
	}
}

func TestAddRules_Idempotent(t *testing.T) {
	fs := stubRun(t)
	cfg := config.DefaultConfig
	cfg.Queue.ManageIPTables = true
	cfg.Queue.IPv6 = false

	m := buildManifest(&cfg, []string{"iptables"})
	fs.existing["iptables -w -t mangle -S "+ChainName] = true
	for _, r := range m.Rules {
		fs.existing[strings.Join(append([]string{r.IPT, "-w", "-t", r.Table, "-C", r.Chain}, r.Spec...), " ")] = true
	}
	if err := AddRules(&cfg); err != nil {
		t.Fatal(err)
	}
	if fs.ran("iptables -w -t mangle -A") || fs.ran("iptables -w -t mangle -I") || fs.ran("iptables -w -t mangle -N") {
		t.Fatalf("existing rules re-added: %v", fs.cmds)
	}
}

func TestClearRules(t *testing.T) {
	fs := stubRun(t)
	cfg := config.DefaultConfig
	cfg.Queue.ManageIPTables = true
	cfg.Queue.IPv6 = false
	fs.existing["iptables -w -t mangle -S "+ChainName] = true

	if err := ClearRules(&cfg); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"iptables -w -t mangle -D " + ChainName,
		"iptables -w -t mangle -D OUTPUT -j " + ChainName,
		"iptables -w -t mangle -F " + ChainName,
		"iptables -w -t mangle -X " + ChainName,
		"sh -c sysctl -w net.netfilter.nf_conntrack_acct=0",
	} {
		if !fs.ran(want) {
			t.Errorf("missing command %q", want)
		}
	}
}

func TestSysctlSnapshotRestore(t *testing.T) {
	fs := stubRun(t)
	s := SysctlSetting{Name: "net.netfilter.nf_conntrack_acct", Desired: "1", Revert: "0"}

	// fake sh returns "" for the current value, so the revert falls back
	s.Apply()
	snap := loadSysctlSnapshot()
	if _, ok := snap[s.Name]; !ok {
		t.Fatalf("snapshot not written")
	}
	saveSysctlSnapshot(map[string]string{s.Name: "2"})
	s.RevertBack()
	if !fs.ran("sh -c sysctl -w net.netfilter.nf_conntrack_acct=2") {
		t.Fatalf("snapshot value not restored: %v", fs.cmds)
	}
	if _, ok := loadSysctlSnapshot()[s.Name]; ok {
		t.Fatalf("snapshot entry not removed")
	}
}

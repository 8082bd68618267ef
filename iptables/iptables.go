// Package iptables installs the netfilter rules that feed ClientHello
// packets to the NFQUEUE classifier and removes them again.
package iptables

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/zhpjy/sniproxy-ng/config"
	"github.com/zhpjy/sniproxy-ng/logx"
)

// ChainName is the mangle chain owned by sniproxy-ng.
const ChainName = "SNIPROXY"

// run executes a command and returns its combined output. Tests replace it.
var run = func(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func existsChain(ipt, table, chain string) bool {
	_, err := run(ipt, "-w", "-t", table, "-S", chain)
	return err == nil
}

func existsRule(ipt, table, chain string, spec []string) bool {
	_, err := run(append([]string{ipt, "-w", "-t", table, "-C", chain}, spec...)...)
	return err == nil
}

func delAll(ipt, table, chain string, spec []string) {
	for {
		if _, err := run(append([]string{ipt, "-w", "-t", table, "-D", chain}, spec...)...); err != nil {
			break
		}
	}
}

func setSysctlOrProc(name, val string) {
	_, _ = run("sh", "-c", "sysctl -w "+name+"="+val+" || echo "+val+" > /proc/sys/"+strings.ReplaceAll(name, ".", "/"))
}

func getSysctlOrProc(name string) string {
	out, _ := run("sh", "-c", "sysctl -n "+name+" 2>/dev/null || cat /proc/sys/"+strings.ReplaceAll(name, ".", "/"))
	return strings.TrimSpace(out)
}

func qbSpec(start, end int) []string {
	if end > start {
		return []string{"-j", "NFQUEUE", "--queue-balance",
			strconv.Itoa(start) + ":" + strconv.Itoa(end), "--queue-bypass"}
	}
	return []string{"-j", "NFQUEUE", "--queue-num", strconv.Itoa(start), "--queue-bypass"}
}

type Rule struct {
	IPT    string
	Table  string
	Chain  string
	Spec   []string
	Action string
}

func (r Rule) Apply() error {
	if existsRule(r.IPT, r.Table, r.Chain, r.Spec) {
		return nil
	}
	op := "-A"
	if strings.ToUpper(r.Action) == "I" {
		op = "-I"
	}
	out, err := run(append([]string{r.IPT, "-w", "-t", r.Table, op, r.Chain}, r.Spec...)...)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w: %s", r.IPT, op, r.Chain, err, strings.TrimSpace(out))
	}
	return nil
}

func (r Rule) Remove() {
	delAll(r.IPT, r.Table, r.Chain, r.Spec)
}

type Chain struct {
	IPT   string
	Table string
	Name  string
}

func (c Chain) Ensure() {
	if !existsChain(c.IPT, c.Table, c.Name) {
		_, _ = run(c.IPT, "-w", "-t", c.Table, "-N", c.Name)
	}
}

func (c Chain) Remove() {
	if existsChain(c.IPT, c.Table, c.Name) {
		_, _ = run(c.IPT, "-w", "-t", c.Table, "-F", c.Name)
		_, _ = run(c.IPT, "-w", "-t", c.Table, "-X", c.Name)
	}
}

// SysctlSetting is applied on start. The previous value is kept in a
// snapshot file so ClearRules can restore it; Revert is the fallback.
type SysctlSetting struct {
	Name    string
	Desired string
	Revert  string
}

var sysctlSnapPath = "/tmp/sniproxy-ng_sysctl_snapshot.json"

func loadSysctlSnapshot() map[string]string {
	b, err := os.ReadFile(sysctlSnapPath)
	if err != nil {
		return map[string]string{}
	}
	var m map[string]string
	if json.Unmarshal(b, &m) != nil || m == nil {
		return map[string]string{}
	}
	return m
}

func saveSysctlSnapshot(m map[string]string) {
	b, _ := json.Marshal(m)
	_ = os.WriteFile(sysctlSnapPath, b, 0o600)
}

func (s SysctlSetting) Apply() {
	snap := loadSysctlSnapshot()
	if _, ok := snap[s.Name]; !ok {
		snap[s.Name] = getSysctlOrProc(s.Name)
		saveSysctlSnapshot(snap)
	}
	setSysctlOrProc(s.Name, s.Desired)
}

func (s SysctlSetting) RevertBack() {
	snap := loadSysctlSnapshot()
	if v, ok := snap[s.Name]; ok && v != "" {
		setSysctlOrProc(s.Name, v)
		delete(snap, s.Name)
		saveSysctlSnapshot(snap)
		return
	}
	setSysctlOrProc(s.Name, s.Revert)
}

type Manifest struct {
	Chains  []Chain
	Rules   []Rule
	Sysctls []SysctlSetting
}

func (m Manifest) Apply() error {
	for _, c := range m.Chains {
		c.Ensure()
	}
	for _, r := range m.Rules {
		if err := r.Apply(); err != nil {
			return err
		}
	}
	for _, s := range m.Sysctls {
		s.Apply()
	}
	return nil
}

func (m Manifest) RemoveRules() {
	for i := len(m.Rules) - 1; i >= 0; i-- {
		m.Rules[i].Remove()
	}
}

func (m Manifest) RemoveChains() {
	for i := len(m.Chains) - 1; i >= 0; i-- {
		m.Chains[i].Remove()
	}
}

func (m Manifest) RevertSysctls() {
	for _, s := range m.Sysctls {
		s.RevertBack()
	}
}

func hasBinary(name string) bool {
	_, err := run("sh", "-c", "command -v "+name)
	return err == nil
}

func binaries(ipv6 bool) []string {
	var ipts []string
	if hasBinary("iptables") {
		ipts = append(ipts, "iptables")
	}
	if ipv6 && hasBinary("ip6tables") {
		ipts = append(ipts, "ip6tables")
	}
	if len(ipts) == 0 {
		ipts = []string{"iptables"}
	}
	return ipts
}

// buildManifest queues the first connbytes_limit packets of every flow to
// a watched port, tcp and udp, skipping packets that carry our mark. The
// connbytes match needs conntrack accounting, hence nf_conntrack_acct.
func buildManifest(cfg *config.Config, ipts []string) Manifest {
	q := cfg.Queue
	start := int(q.Num)
	threads := q.Threads
	if threads < 1 {
		threads = 1
	}
	end := start + threads - 1
	markSpec := fmt.Sprintf("0x%x/0x%x", q.Mark, q.Mark)

	var window []string
	if q.ConnBytesLimit > 0 {
		window = []string{"-m", "connbytes", "--connbytes-dir", "original",
			"--connbytes-mode", "packets", "--connbytes", "0:" + strconv.Itoa(q.ConnBytesLimit)}
	}

	var chains []Chain
	var rules []Rule
	for _, ipt := range ipts {
		chains = append(chains, Chain{IPT: ipt, Table: "mangle", Name: ChainName})

		for _, proto := range []string{"tcp", "udp"} {
			for _, port := range cfg.SniffPorts() {
				spec := []string{"-p", proto, "--dport", strconv.Itoa(int(port))}
				if q.Mark != 0 {
					spec = append(spec, "-m", "mark", "!", "--mark", markSpec)
				}
				spec = append(spec, window...)
				spec = append(spec, qbSpec(start, end)...)
				rules = append(rules, Rule{IPT: ipt, Table: "mangle", Chain: ChainName, Action: "A", Spec: spec})
			}
		}
		for _, parent := range []string{"OUTPUT", "FORWARD"} {
			rules = append(rules, Rule{IPT: ipt, Table: "mangle", Chain: parent, Action: "I", Spec: []string{"-j", ChainName}})
		}
	}

	sysctls := []SysctlSetting{
		{Name: "net.netfilter.nf_conntrack_acct", Desired: "1", Revert: "0"},
	}
	return Manifest{Chains: chains, Rules: rules, Sysctls: sysctls}
}

func delAnyJump(ipt, chain string) {
	out, _ := run(ipt, "-w", "-t", "mangle", "-S", chain)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-A "+chain+" ") || !strings.Contains(line, "-j "+ChainName) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		_, _ = run(append([]string{ipt, "-w", "-t", "mangle", "-D", chain}, fields[2:]...)...)
	}
}

// AddRules installs the rules unless queue.manage_iptables is off.
func AddRules(cfg *config.Config) error {
	if !cfg.Queue.ManageIPTables {
		return nil
	}
	logx.Infof("IPTABLES: adding rules")
	return buildManifest(cfg, binaries(cfg.Queue.IPv6)).Apply()
}

// ClearRules removes what AddRules installed, including jumps left over
// from an earlier run with different settings.
func ClearRules(cfg *config.Config) error {
	if !cfg.Queue.ManageIPTables {
		return nil
	}
	logx.Infof("IPTABLES: clearing rules")
	ipts := binaries(cfg.Queue.IPv6)
	m := buildManifest(cfg, ipts)
	m.RemoveRules()
	for _, ipt := range ipts {
		delAnyJump(ipt, "OUTPUT")
		delAnyJump(ipt, "FORWARD")
	}
	time.Sleep(30 * time.Millisecond)
	m.RemoveChains()
	m.RevertSysctls()
	return nil
}

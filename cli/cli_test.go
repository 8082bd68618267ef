package cli

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/zhpjy/sniproxy-ng/config"
	"github.com/zhpjy/sniproxy-ng/hello"
)

func run(t *testing.T, stdin []byte, args ...string) (string, string, error) {
	t.Helper()
	var out, errb bytes.Buffer
	root := NewRootCmd(bytes.NewReader(stdin), &out, &errb)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errb.String(), err
}

// ───────────────────────────────────────────────────────────────
// decodeHex
// ───────────────────────────────────────────────────────────────

func TestDecodeHex(t *testing.T) {
	tests := []struct {
		in      string
		wantOut []byte
		wantErr bool
	}{
		{"", []byte{}, false},
		{"00ff10", []byte{0x00, 0xFF, 0x10}, false},
		{"0x16 03 01\n00:05", []byte{0x16, 0x03, 0x01, 0x00, 0x05}, false},
		{"0", nil, true},  // odd length
		{"zz", nil, true}, // non-hex
	}

	for _, tc := range tests {
		got, err := decodeHex(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("decodeHex(%q) error=%v, wantErr=%v", tc.in, err, tc.wantErr)
		}
		if !tc.wantErr && !reflect.DeepEqual(got, tc.wantOut) {
			t.Errorf("decodeHex(%q) = %#v, want %#v", tc.in, got, tc.wantOut)
		}
	}
}

func TestLooksHex(t *testing.T) {
	if !looksHex([]byte("1603 01\n")) || looksHex([]byte{0x16, 0x03}) || looksHex([]byte(" \n")) {
		t.Fatalf("looksHex misclassifies input")
	}
}

// ───────────────────────────────────────────────────────────────
// extract / gen / pcap
// ───────────────────────────────────────────────────────────────

func TestExtract(t *testing.T) {
	ch := hello.ForHost("cli.example")
	hexCH := hex.EncodeToString(ch)
	file := filepath.Join(t.TempDir(), "ch.bin")
	if err := os.WriteFile(file, ch, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		stdin []byte
		args  []string
	}{
		{"hex-arg", nil, []string{"extract", hexCH}},
		{"stdin-raw", ch, []string{"extract"}},
		{"stdin-hex", []byte(hexCH + "\n"), []string{"extract", "-"}},
		{"file", nil, []string{"extract", "--file", file}},
		{"handshake", nil, []string{"extract", "--handshake", hex.EncodeToString(ch[5:])}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, _, err := run(t, tc.stdin, tc.args...)
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if out != "cli.example\n" {
				t.Fatalf("out = %q", out)
			}
		})
	}
}

func TestExtract_Failure(t *testing.T) {
	ch := hello.ForHost("cli.example")
	if _, _, err := run(t, nil, "extract", hex.EncodeToString(ch[:30])); err == nil {
		t.Fatalf("truncated input must fail")
	}
	if _, _, err := run(t, nil, "extract", "zz"); err == nil {
		t.Fatalf("bad hex must fail")
	}
	if _, _, err := run(t, nil, "extract", "--handshake", "--quic", "00"); err == nil {
		t.Fatalf("--handshake and --quic together must fail")
	}
}

func TestExtract_Trace(t *testing.T) {
	out, _, err := run(t, nil, "--trace", "extract", hex.EncodeToString(hello.ForHost("t.example")))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 5 || lines[len(lines)-1] != "t.example" {
		t.Fatalf("trace output:\n%s", out)
	}
	if !strings.Contains(out, "record.content_type") || !strings.Contains(out, "server_name.name") {
		t.Fatalf("fields missing:\n%s", out)
	}
}

func TestGen_RoundTrip(t *testing.T) {
	out, _, err := run(t, nil, "gen", "a.example", "b.example")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Fields(out)
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %q", out)
	}
	for i, want := range []string{"a.example", "b.example"} {
		got, _, err := run(t, nil, "extract", lines[i])
		if err != nil || got != want+"\n" {
			t.Fatalf("extract(gen %s) = %q, %v", want, got, err)
		}
	}

	for _, v := range []string{"v1", "v2"} {
		out, _, err := run(t, nil, "gen", "--quic", v, "q.example")
		if err != nil {
			t.Fatal(err)
		}
		got, _, err := run(t, nil, "extract", "--quic", strings.TrimSpace(out))
		if err != nil || got != "q.example\n" {
			t.Fatalf("quic %s: %q, %v", v, got, err)
		}
	}

	if _, _, err := run(t, nil, "gen", "--format", "xml", "a.example"); err == nil {
		t.Fatalf("unknown format must fail")
	}
	if _, _, err := run(t, nil, "gen", "--quic", "v3", "a.example"); err == nil {
		t.Fatalf("unknown QUIC version must fail")
	}
}

func TestGenPcap_ThenPcap(t *testing.T) {
	for _, quicFlag := range [][]string{nil, {"--quic", "v1"}} {
		args := append([]string{"gen", "--format", "pcap"}, quicFlag...)
		args = append(args, "one.example", "two.example")
		capture, _, err := run(t, nil, args...)
		if err != nil {
			t.Fatal(err)
		}
		file := filepath.Join(t.TempDir(), "c.pcap")
		if err := os.WriteFile(file, []byte(capture), 0o600); err != nil {
			t.Fatal(err)
		}
		out, _, err := run(t, nil, "pcap", file)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, "sni=one.example") || !strings.Contains(out, "sni=two.example") {
			t.Fatalf("pcap %v output:\n%s", quicFlag, out)
		}
	}
}

func TestPcap_Ports(t *testing.T) {
	capture, _, err := run(t, nil, "gen", "--format", "pcap", "p.example")
	if err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(t.TempDir(), "c.pcap")
	if err := os.WriteFile(file, []byte(capture), 0o600); err != nil {
		t.Fatal(err)
	}
	out, _, err := run(t, nil, "pcap", "--ports", "8443", file)
	if err != nil || out != "" {
		t.Fatalf("port 443 traffic reported with --ports 8443: %q %v", out, err)
	}
}

// ───────────────────────────────────────────────────────────────
// configuration precedence
// ───────────────────────────────────────────────────────────────

func TestLoadConfig_Precedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "c.toml")
	body := `
[server]
listen_https_addr = "127.0.0.1:8443"
listen_http_addr = "127.0.0.1:8080"

[socks5]
addr = "127.0.0.1:1080"
timeout = 10

[rules]
allow = ["*.file.example"]
`
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	var sf serveFlags
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	sf.register(fs)
	if err := fs.Parse([]string{"--listen-https", "127.0.0.1:9443", "--allow", "*.flag.example", "--socks5", ""}); err != nil {
		t.Fatal(err)
	}

	o := &rootOptions{configPath: file, stderr: &bytes.Buffer{}}
	cfg, err := o.loadConfig(fs, sf.apply)
	if err != nil {
		t.Fatal(err)
	}
	// flag beats file
	if cfg.Server.ListenHTTPSAddr != "127.0.0.1:9443" {
		t.Errorf("https = %q", cfg.Server.ListenHTTPSAddr)
	}
	if !reflect.DeepEqual(cfg.Rules.Allow, []string{"*.flag.example"}) {
		t.Errorf("allow = %v", cfg.Rules.Allow)
	}
	if cfg.Socks5.Addr != "" {
		t.Errorf("explicit empty --socks5 ignored: %q", cfg.Socks5.Addr)
	}
	// file beats default
	if cfg.Server.ListenHTTPAddr != "127.0.0.1:8080" || cfg.Socks5.Timeout != 10 {
		t.Errorf("file values lost: %+v", cfg)
	}
	// default kept
	if cfg.Socks5.MaxConnections != config.DefaultConfig.Socks5.MaxConnections {
		t.Errorf("max_connections = %d", cfg.Socks5.MaxConnections)
	}
}

func TestQueueFlags(t *testing.T) {
	var qf queueFlags
	fs := pflag.NewFlagSet("nfqueue", pflag.ContinueOnError)
	qf.register(fs)
	if err := fs.Parse([]string{
		"--queue-num", "1001", "--threads", "4", "--no-gso", "--packet-mark", "4096",
		"--no-ipv6", "--reset", "--ports", "443,8443", "--block", "ads.example,evil.example",
	}); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig
	qf.apply(&cfg, fs)

	q := cfg.Queue
	if q.Num != 1001 || q.Threads != 4 || q.Mark != 4096 || q.GSO || q.IPv6 || !q.Reset {
		t.Fatalf("queue = %+v", q)
	}
	// untouched flags keep defaults
	if q.ConnBytesLimit != config.DefaultConfig.Queue.ConnBytesLimit {
		t.Fatalf("connbytes = %d", q.ConnBytesLimit)
	}
	if !reflect.DeepEqual(cfg.SniffPorts(), []uint16{443, 8443}) {
		t.Fatalf("ports = %v", cfg.SniffPorts())
	}
	if !reflect.DeepEqual(cfg.Rules.Block, []string{"ads.example", "evil.example"}) {
		t.Fatalf("block = %v", cfg.Rules.Block)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	if _, _, err := run(t, nil, "--log-format", "xml", "gen", "a.example"); err == nil {
		t.Fatalf("bad log format must fail")
	}
	if _, _, err := run(t, nil, "--config", filepath.Join(t.TempDir(), "missing.toml"), "gen", "a.example"); err == nil {
		t.Fatalf("missing config must fail")
	}
	if _, _, err := run(t, nil, "serve"); err == nil {
		t.Fatalf("serve without listeners must fail")
	}
}

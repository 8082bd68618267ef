package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/zhpjy/sniproxy-ng/logx"
)

// Server holds the listener and logging settings.
type Server struct {
	ListenHTTPSAddr string `toml:"listen_https_addr" yaml:"listen_https_addr"`
	ListenHTTPAddr  string `toml:"listen_http_addr" yaml:"listen_http_addr"`

	// ListenAddr is the old name of ListenHTTPSAddr, still read from files.
	ListenAddr string `toml:"listen_addr" yaml:"listen_addr"`

	LogLevel    string `toml:"log_level" yaml:"log_level"`
	LogFormat   string `toml:"log_format" yaml:"log_format"`
	MetricsAddr string `toml:"metrics_addr" yaml:"metrics_addr"`
}

// Socks5 describes the upstream proxy. An empty Addr means dial directly.
type Socks5 struct {
	Addr           string `toml:"addr" yaml:"addr"`
	Timeout        int    `toml:"timeout" yaml:"timeout"` // seconds
	MaxConnections int    `toml:"max_connections" yaml:"max_connections"`
	Username       string `toml:"username" yaml:"username"`
	Password       string `toml:"password" yaml:"password"`
}

func (s Socks5) DialTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// Rules select which hosts may pass. An empty Allow list allows every host
// that Block does not name.
type Rules struct {
	Allow []string `toml:"allow" yaml:"allow"`
	Block []string `toml:"block" yaml:"block"`
}

// Queue configures the NFQUEUE classifier.
type Queue struct {
	Num            uint16 `toml:"num" yaml:"num"`
	Threads        int    `toml:"threads" yaml:"threads"`
	Mark           uint32 `toml:"mark" yaml:"mark"`
	FailOpen       bool   `toml:"fail_open" yaml:"fail_open"`
	GSO            bool   `toml:"gso" yaml:"gso"`
	Conntrack      bool   `toml:"conntrack" yaml:"conntrack"`
	IPv6           bool   `toml:"ipv6" yaml:"ipv6"`
	ConnBytesLimit int    `toml:"connbytes_limit" yaml:"connbytes_limit"`
	ManageIPTables bool   `toml:"manage_iptables" yaml:"manage_iptables"`
	Reset          bool   `toml:"reset" yaml:"reset"`
}

// Sniff configures passive capture.
type Sniff struct {
	Interfaces []string `toml:"interfaces" yaml:"interfaces"`
	Ports      []uint16 `toml:"ports" yaml:"ports"`
}

// Logging is set from the command line only.
type Logging struct {
	Trace      bool
	Silent     bool
	Instaflush bool
	Syslog     bool
}

type Config struct {
	Server Server `toml:"server" yaml:"server"`
	Socks5 Socks5 `toml:"socks5" yaml:"socks5"`
	Rules  Rules  `toml:"rules" yaml:"rules"`
	Queue  Queue  `toml:"queue" yaml:"queue"`
	Sniff  Sniff  `toml:"sniff" yaml:"sniff"`

	Logging Logging `toml:"-" yaml:"-"`
}

var DefaultConfig = Config{
	Server: Server{
		LogLevel:  "info",
		LogFormat: "pretty",
	},
	Socks5: Socks5{
		Timeout:        30,
		MaxConnections: 100,
	},
	Queue: Queue{
		Num:            537,
		Threads:        1,
		Mark:           1 << 15,
		GSO:            true,
		IPv6:           true,
		ConnBytesLimit: 19,
	},
}

// DefaultSniffPorts is used when Sniff.Ports is empty.
var DefaultSniffPorts = []uint16{443}

// SniffPorts returns the configured capture ports or the defaults.
func (c *Config) SniffPorts() []uint16 {
	if len(c.Sniff.Ports) == 0 {
		return DefaultSniffPorts
	}
	return c.Sniff.Ports
}

// LogLevel resolves the effective level: --trace and --silent beat the
// file setting.
func (c *Config) LogLevel() (logx.Level, error) {
	switch {
	case c.Logging.Trace:
		return logx.LevelTrace, nil
	case c.Logging.Silent:
		return logx.LevelError, nil
	}
	return logx.ParseLevel(c.Server.LogLevel)
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	addr := func(name, v string) {
		if v == "" {
			return
		}
		if _, _, err := net.SplitHostPort(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	addr("server.listen_https_addr", c.Server.ListenHTTPSAddr)
	addr("server.listen_http_addr", c.Server.ListenHTTPAddr)
	addr("server.metrics_addr", c.Server.MetricsAddr)
	addr("socks5.addr", c.Socks5.Addr)

	if _, err := logx.ParseLevel(c.Server.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("server.log_level: %w", err))
	}
	if _, err := logx.ParseFormat(c.Server.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("server.log_format: %w", err))
	}
	if c.Socks5.Timeout < 0 {
		errs = append(errs, fmt.Errorf("socks5.timeout: %d is negative", c.Socks5.Timeout))
	}
	if c.Socks5.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("socks5.max_connections: %d is negative", c.Socks5.MaxConnections))
	}
	if (c.Socks5.Username == "") != (c.Socks5.Password == "") {
		errs = append(errs, errors.New("socks5: username and password must be set together"))
	}
	if c.Queue.Threads < 1 {
		errs = append(errs, fmt.Errorf("queue.threads: %d, need at least 1", c.Queue.Threads))
	}
	if c.Queue.ConnBytesLimit < 0 {
		errs = append(errs, fmt.Errorf("queue.connbytes_limit: %d is negative", c.Queue.ConnBytesLimit))
	}
	for i, p := range c.Rules.Allow {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("rules.allow[%d]: empty pattern", i))
		}
	}
	for i, p := range c.Rules.Block {
		if strings.Trim(strings.TrimSpace(p), ".") == "" {
			errs = append(errs, fmt.Errorf("rules.block[%d]: empty domain", i))
		}
	}
	return errors.Join(errs...)
}

// ValidateServe additionally requires at least one proxy listener.
func (c *Config) ValidateServe() error {
	err := c.Validate()
	if c.Server.ListenHTTPSAddr == "" && c.Server.ListenHTTPAddr == "" {
		err = errors.Join(err, errors.New("server: neither listen_https_addr nor listen_http_addr is set"))
	}
	return err
}

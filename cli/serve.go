package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zhpjy/sniproxy-ng/admin"
	"github.com/zhpjy/sniproxy-ng/config"
	"github.com/zhpjy/sniproxy-ng/inject"
	"github.com/zhpjy/sniproxy-ng/iptables"
	"github.com/zhpjy/sniproxy-ng/logx"
	"github.com/zhpjy/sniproxy-ng/nfq"
	"github.com/zhpjy/sniproxy-ng/processor"
	"github.com/zhpjy/sniproxy-ng/proxy"
	"github.com/zhpjy/sniproxy-ng/router"
	"github.com/zhpjy/sniproxy-ng/sni"
)

// startAdmin serves the admin handler on addr until the returned stop
// function is called. An empty addr starts nothing.
func startAdmin(ctx context.Context, addr string) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	srv := &http.Server{Addr: addr, Handler: admin.NewHandler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	// surface an immediate bind failure
	select {
	case err := <-errc:
		return nil, err
	case <-time.After(100 * time.Millisecond):
	}
	logx.Infof("admin listener on %s", addr)
	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Errorf("admin shutdown: %v", err)
		}
	}, nil
}

type serveFlags struct {
	listenHTTPS    string
	listenHTTP     string
	socks5         string
	timeout        int
	maxConnections int
	allow          []string
	block          []string
	metricsAddr    string
}

func (f *serveFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.listenHTTPS, "listen-https", "", "TLS passthrough listen address")
	fs.StringVar(&f.listenHTTP, "listen-http", "", "plain HTTP listen address")
	fs.StringVar(&f.socks5, "socks5", "", "upstream SOCKS5 proxy address (empty dials directly)")
	fs.IntVar(&f.timeout, "timeout", 0, "upstream dial and client read timeout in seconds")
	fs.IntVar(&f.maxConnections, "max-connections", 0, "concurrent upstream connections")
	fs.StringSliceVar(&f.allow, "allow", nil, "allowed host patterns (repeatable)")
	fs.StringSliceVar(&f.block, "block", nil, "blocked domains (repeatable)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "admin and metrics listen address")
}

func (f *serveFlags) apply(cfg *config.Config, fs *pflag.FlagSet) {
	if fs.Changed("listen-https") {
		cfg.Server.ListenHTTPSAddr = f.listenHTTPS
	}
	if fs.Changed("listen-http") {
		cfg.Server.ListenHTTPAddr = f.listenHTTP
	}
	if fs.Changed("socks5") {
		cfg.Socks5.Addr = f.socks5
	}
	if fs.Changed("timeout") {
		cfg.Socks5.Timeout = f.timeout
	}
	if fs.Changed("max-connections") {
		cfg.Socks5.MaxConnections = f.maxConnections
	}
	if fs.Changed("allow") {
		cfg.Rules.Allow = f.allow
	}
	if fs.Changed("block") {
		cfg.Rules.Block = f.block
	}
	if fs.Changed("metrics-addr") {
		cfg.Server.MetricsAddr = f.metricsAddr
	}
}

func newServeCmd(o *rootOptions) *cobra.Command {
	var sf serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SNI proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig(cmd.Flags(), sf.apply)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			r, err := router.New(cfg.Rules)
			if err != nil {
				return err
			}
			nAllow, nBlock := r.Size()
			logx.Infof("rules: %d allow patterns, %d block entries", nAllow, nBlock)
			s, err := proxy.New(*cfg, r, nil)
			if err != nil {
				return err
			}
			stopAdmin, err := startAdmin(cmd.Context(), cfg.Server.MetricsAddr)
			if err != nil {
				return err
			}
			defer stopAdmin()

			logx.Infof("starting sniproxy-ng: https=%q http=%q socks5=%q allow=%d block=%d",
				cfg.Server.ListenHTTPSAddr, cfg.Server.ListenHTTPAddr, cfg.Socks5.Addr,
				len(cfg.Rules.Allow), len(cfg.Rules.Block))
			err = s.Run(cmd.Context())
			logx.Infof("bye")
			return err
		},
	}
	sf.register(cmd.Flags())
	return cmd
}

type queueFlags struct {
	num            uint16
	threads        int
	mark           uint32
	noGSO          bool
	conntrack      bool
	noIPv6         bool
	connBytesLimit int
	failOpen       bool
	manageIPTables bool
	reset          bool
	ports          []uint
	block          []string
	metricsAddr    string
}

func (f *queueFlags) register(fs *pflag.FlagSet) {
	fs.Uint16Var(&f.num, "queue-num", 0, "first NFQUEUE id")
	fs.IntVar(&f.threads, "threads", 0, "number of NFQUEUE workers")
	fs.Uint32Var(&f.mark, "packet-mark", 0, "mark set on accepted packets and skipped on input")
	fs.BoolVar(&f.noGSO, "no-gso", false, "disable GSO handling")
	fs.BoolVar(&f.conntrack, "use-conntrack", false, "enable conntrack support")
	fs.BoolVar(&f.noIPv6, "no-ipv6", false, "do not bind the IPv6 queue")
	fs.IntVar(&f.connBytesLimit, "connbytes-limit", 0, "packets per flow to inspect")
	fs.BoolVar(&f.failOpen, "fail-open", false, "accept packets when the queue is full")
	fs.BoolVar(&f.manageIPTables, "manage-iptables", false, "install and remove the iptables rules")
	fs.BoolVar(&f.reset, "reset", false, "answer dropped TCP ClientHellos with a reset")
	fs.UintSliceVar(&f.ports, "ports", nil, "destination ports to inspect (default 443)")
	fs.StringSliceVar(&f.block, "block", nil, "blocked domains (repeatable)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "admin and metrics listen address")
}

func (f *queueFlags) apply(cfg *config.Config, fs *pflag.FlagSet) {
	q := &cfg.Queue
	if fs.Changed("queue-num") {
		q.Num = f.num
	}
	if fs.Changed("threads") {
		q.Threads = f.threads
	}
	if fs.Changed("packet-mark") {
		q.Mark = f.mark
	}
	if f.noGSO {
		q.GSO = false
	}
	if fs.Changed("use-conntrack") {
		q.Conntrack = f.conntrack
	}
	if f.noIPv6 {
		q.IPv6 = false
	}
	if fs.Changed("connbytes-limit") {
		q.ConnBytesLimit = f.connBytesLimit
	}
	if fs.Changed("fail-open") {
		q.FailOpen = f.failOpen
	}
	if fs.Changed("manage-iptables") {
		q.ManageIPTables = f.manageIPTables
	}
	if fs.Changed("reset") {
		q.Reset = f.reset
	}
	if fs.Changed("ports") {
		cfg.Sniff.Ports = nil
		for _, p := range f.ports {
			cfg.Sniff.Ports = append(cfg.Sniff.Ports, uint16(p))
		}
	}
	if fs.Changed("block") {
		cfg.Rules.Block = f.block
	}
	if fs.Changed("metrics-addr") {
		cfg.Server.MetricsAddr = f.metricsAddr
	}
}

func newNfqueueCmd(o *rootOptions) *cobra.Command {
	var qf queueFlags
	cmd := &cobra.Command{
		Use:   "nfqueue",
		Short: "Classify queued packets and drop ClientHellos for blocked hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig(cmd.Flags(), qf.apply)
			if err != nil {
				return err
			}
			r, err := router.New(cfg.Rules)
			if err != nil {
				return err
			}
			nAllow, nBlock := r.Size()
			logx.Infof("rules: %d allow patterns, %d block entries", nAllow, nBlock)
			q := cfg.Queue
			logx.Infof("starting nfqueue: queues from %d, threads=%d, gso=%v, conntrack=%v",
				q.Num, q.Threads, q.GSO, q.Conntrack)

			var rej processor.Rejecter
			if q.Reset {
				inj, err := inject.New(q.Mark)
				if err != nil {
					return err
				}
				rej = inj
			}
			cb := processor.New(q, sni.NewClassifier(cfg.SniffPorts()), r, func(info sni.Info, d router.Decision) {
				logx.Tracef("nfqueue: %s -> %s", info, d.Verdict)
			}, rej)
			workers, err := nfq.StartAll(q, cb)
			if err != nil {
				return err
			}
			if err := iptables.AddRules(cfg); err != nil {
				for _, w := range workers {
					w.Close()
				}
				_ = iptables.ClearRules(cfg)
				return err
			}
			stopAdmin, err := startAdmin(cmd.Context(), cfg.Server.MetricsAddr)
			if err != nil {
				logx.Errorf("admin: %v", err)
				stopAdmin = func() {}
			}

			var g errgroup.Group
			for _, w := range workers {
				w := w
				g.Go(func() error { return w.Run(cmd.Context()) })
			}
			_ = g.Wait()
			logx.Infof("shutting down...")
			stopAdmin()
			if err := iptables.ClearRules(cfg); err != nil {
				logx.Errorf("iptables: %v", err)
			}
			logx.Infof("bye")
			return nil
		},
	}
	qf.register(cmd.Flags())
	return cmd
}

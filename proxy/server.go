// Package proxy is the SNI proxy: it reads the TLS ClientHello (or the
// HTTP Host header on the plain listener), checks the host against the
// router and relays the connection to host:443 (or host:80) through the
// upstream dialer.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zhpjy/sniproxy-ng/config"
	"github.com/zhpjy/sniproxy-ng/logx"
	"github.com/zhpjy/sniproxy-ng/metrics"
	"github.com/zhpjy/sniproxy-ng/router"
)

// Listener kinds, also the "listener" metric label.
const (
	HTTPS = "https"
	HTTP  = "http"
)

// Connection outcomes, the "result" metric label.
const (
	resultRelayed   = "relayed"
	resultNoHost    = "no_host"
	resultDenied    = "denied"
	resultDialError = "dial_error"
)

type Server struct {
	cfg    config.Config
	router *router.Router
	dialer Dialer
	sem    *semaphore.Weighted
	m      *metrics.Registry

	// UpstreamPorts maps a listener kind to the port dialled on the
	// extracted host.
	UpstreamPorts map[string]int

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// New builds a Server from cfg. d may be nil, in which case the dialer
// comes from cfg.Socks5.
func New(cfg config.Config, r *router.Router, d Dialer) (*Server, error) {
	if d == nil {
		var err error
		if d, err = NewDialer(cfg.Socks5); err != nil {
			return nil, err
		}
	}
	s := &Server{
		cfg:           cfg,
		router:        r,
		dialer:        d,
		m:             metrics.Get(),
		UpstreamPorts: map[string]int{HTTPS: 443, HTTP: 80},
		conns:         make(map[net.Conn]struct{}),
	}
	if n := cfg.Socks5.MaxConnections; n > 0 {
		s.sem = semaphore.NewWeighted(int64(n))
	}
	return s, nil
}

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	type bound struct {
		kind string
		ln   net.Listener
	}
	var lns []bound
	for _, l := range []struct{ kind, addr string }{
		{HTTPS, s.cfg.Server.ListenHTTPSAddr},
		{HTTP, s.cfg.Server.ListenHTTPAddr},
	} {
		if l.addr == "" {
			continue
		}
		ln, err := net.Listen("tcp", l.addr)
		if err != nil {
			for _, b := range lns {
				_ = b.ln.Close()
			}
			return fmt.Errorf("listen %s %s: %w", l.kind, l.addr, err)
		}
		logx.Infof("%s listener on %s", strings.ToUpper(l.kind), ln.Addr())
		lns = append(lns, bound{l.kind, ln})
	}
	if len(lns) == 0 {
		return errors.New("proxy: no listen address configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range lns {
		b := b
		g.Go(func() error { return s.Serve(ctx, b.ln, b.kind) })
	}
	return g.Wait()
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// every open connection and waits for the handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener, kind string) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeAll()
	})
	defer stop()

	var err error
	for {
		c, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = aerr
			}
			break
		}
		s.track(c, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(c, false)
			s.handle(ctx, c, kind)
		}()
	}
	if err != nil {
		// a broken listener takes the open connections down with it
		_ = ln.Close()
		s.closeAll()
	}
	s.wg.Wait()
	return err
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case add && s.shutdown:
		// raced with closeAll
		_ = c.Close()
	case add:
		s.conns[c] = struct{}{}
	default:
		delete(s.conns, c)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) handle(ctx context.Context, c net.Conn, kind string) {
	defer c.Close()
	peer := c.RemoteAddr()

	if t := s.cfg.Socks5.DialTimeout(); t > 0 {
		_ = c.SetReadDeadline(time.Now().Add(t))
	}
	var (
		host   string
		head   []byte
		err    error
		source = metrics.SourceTLS
	)
	if kind == HTTP {
		source = metrics.SourceHTTP
		host, head, err = requestHost(c)
	} else {
		host, head, err = helloSNI(c)
	}
	_ = c.SetReadDeadline(time.Time{})
	s.m.ObserveExtract(source, err)
	if err != nil {
		logx.Warnf("%s %s: no host: %v", kind, peer, err)
		s.m.ObserveConnection(kind, resultNoHost)
		return
	}

	d := s.router.Decide(host)
	s.m.ObserveVerdict(d.Verdict.String())
	if !d.Allowed() {
		logx.Infof("%s %s: %s %s", kind, peer, d.Verdict, d.Host)
		s.m.ObserveConnection(kind, resultDenied)
		return
	}

	up, err := s.dial(ctx, kind, d.Host)
	if err != nil {
		logx.Errorf("%s %s: dial %s: %v", kind, peer, d.Host, err)
		s.m.ObserveConnection(kind, resultDialError)
		return
	}
	defer s.release()
	s.track(up, true)
	defer s.track(up, false)
	defer up.Close()

	logx.Infof("%s %s -> %s", kind, peer, d.Host)
	s.m.ObserveConnection(kind, resultRelayed)
	s.m.ActiveConnections.Inc()
	defer s.m.ActiveConnections.Dec()

	if _, err := up.Write(head); err != nil {
		logx.Debugf("%s %s: replay to %s: %v", kind, peer, d.Host, err)
		return
	}
	if err := relay(c, up); err != nil {
		logx.Debugf("%s %s: relay %s ended: %v", kind, peer, d.Host, err)
	}
	logx.Debugf("%s %s: closed", kind, peer)
}

// dial takes a semaphore slot and connects to host on the upstream port
// for kind. The slot is held until release.
func (s *Server) dial(ctx context.Context, kind, host string) (net.Conn, error) {
	t := s.cfg.Socks5.DialTimeout()
	if t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("max_connections reached: %w", err)
		}
	}
	addr := net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(s.UpstreamPorts[kind]))
	up, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.release()
		return nil, err
	}
	return up, nil
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

type closeWriter interface {
	CloseWrite() error
}

// relay copies both directions until both are done. Each finished
// direction half-closes its destination when it can; a failed one closes
// both. The caller closes a and b afterwards.
func relay(a, b net.Conn) error {
	var g errgroup.Group
	pipe := func(dst, src net.Conn) func() error {
		return func() error {
			_, err := io.Copy(dst, src)
			if err != nil {
				_ = dst.Close()
				_ = src.Close()
				return err
			}
			if cw, ok := dst.(closeWriter); ok {
				_ = cw.CloseWrite()
			}
			return nil
		}
	}
	g.Go(pipe(b, a))
	g.Go(pipe(a, b))
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

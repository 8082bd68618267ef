package proxy

import (
	"context"
	"fmt"
	"net"

	xproxy "golang.org/x/net/proxy"

	"github.com/zhpjy/sniproxy-ng/config"
)

// Dialer opens upstream connections.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer returns a SOCKS5 dialer for s.Addr, or a direct one when no
// upstream is configured. Credentials are sent only when both are set.
func NewDialer(s config.Socks5) (Dialer, error) {
	direct := &net.Dialer{Timeout: s.DialTimeout()}
	if s.Addr == "" {
		return direct, nil
	}
	var auth *xproxy.Auth
	if s.Username != "" && s.Password != "" {
		auth = &xproxy.Auth{User: s.Username, Password: s.Password}
	}
	d, err := xproxy.SOCKS5("tcp", s.Addr, auth, rawDialer{direct})
	if err != nil {
		return nil, fmt.Errorf("socks5 %s: %w", s.Addr, err)
	}
	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 %s: dialer %T has no DialContext", s.Addr, d)
	}
	return socksDialer{cd}, nil
}

type rawConnKey struct{}

// rawDialer dials the SOCKS5 server and hands the TCP connection back
// through the context, since the SOCKS5 connection wrapping it hides
// CloseWrite.
type rawDialer struct{ d *net.Dialer }

func (r rawDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	c, err := r.d.DialContext(ctx, network, addr)
	if slot, ok := ctx.Value(rawConnKey{}).(*net.Conn); ok && err == nil {
		*slot = c
	}
	return c, err
}

func (r rawDialer) Dial(network, addr string) (net.Conn, error) {
	return r.DialContext(context.Background(), network, addr)
}

type socksDialer struct{ d xproxy.ContextDialer }

func (s socksDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var raw net.Conn
	c, err := s.d.DialContext(context.WithValue(ctx, rawConnKey{}, &raw), network, addr)
	if err != nil {
		return nil, err
	}
	return &socksConn{Conn: c, raw: raw}, nil
}

// socksConn is a SOCKS5 connection that can half-close its transport.
type socksConn struct {
	net.Conn
	raw net.Conn
}

func (c *socksConn) CloseWrite() error {
	if cw, ok := c.raw.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// Package router decides whether a host may be proxied.
//
// Allow patterns use '*' as a wildcard that matches any run of bytes,
// dots included: "*google.com" covers google.com and www.google.com,
// "*.google.com" only its subdomains. An empty allow list allows every
// host. Block entries are domain names matched on label boundaries and
// always win over allow.
package router

import (
	"fmt"
	"net"
	"strings"

	"github.com/gobwas/glob"

	"github.com/zhpjy/sniproxy-ng/config"
	"github.com/zhpjy/sniproxy-ng/tls"
	"github.com/zhpjy/sniproxy-ng/trie"
)

// Verdict is the outcome of Decide.
type Verdict int

const (
	Allow Verdict = iota
	Deny
	Block
	Invalid
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Block:
		return "block"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Decision explains a verdict. Pattern is the allow pattern that matched,
// or empty when the allow list is empty or the host was not allowed.
type Decision struct {
	Host    string
	Verdict Verdict
	Pattern string
}

func (d Decision) Allowed() bool { return d.Verdict == Allow }

type pattern struct {
	src string
	g   glob.Glob
}

type Router struct {
	allow []pattern
	block *trie.Matcher
}

// New compiles rules.
func New(rules config.Rules) (*Router, error) {
	r := &Router{block: trie.NewMatcher()}
	for _, p := range rules.Allow {
		p = strings.ToLower(strings.TrimSpace(p))
		g, err := glob.Compile(quoteExceptStar(p))
		if err != nil {
			return nil, fmt.Errorf("router: allow pattern %q: %w", p, err)
		}
		r.allow = append(r.allow, pattern{src: p, g: g})
	}
	for _, b := range rules.Block {
		if err := r.block.Add(strings.TrimSpace(b)); err != nil {
			return nil, fmt.Errorf("router: block entry %q: %w", b, err)
		}
	}
	return r, nil
}

// quoteExceptStar escapes every glob meta character except '*', so '?',
// '[' and '{' in a pattern are literal.
func quoteExceptStar(p string) string {
	parts := strings.Split(p, "*")
	for i, s := range parts {
		parts[i] = glob.QuoteMeta(s)
	}
	return strings.Join(parts, "*")
}

// Decide applies block then allow rules to host.
func (r *Router) Decide(host string) Decision {
	h := tls.NormalizeHostname(host)
	d := Decision{Host: h}
	if !validHost(h) {
		d.Verdict = Invalid
		return d
	}
	if r.block.MatchDomain(h) {
		d.Verdict = Block
		return d
	}
	if len(r.allow) == 0 {
		return d
	}
	for _, p := range r.allow {
		if p.g.Match(h) {
			d.Pattern = p.src
			return d
		}
	}
	d.Verdict = Deny
	return d
}

// validHost accepts DNS names and IP literals, bracketed or not.
func validHost(h string) bool {
	if ip := strings.TrimSuffix(strings.TrimPrefix(h, "["), "]"); net.ParseIP(ip) != nil {
		return true
	}
	return tls.ValidHostname(h)
}

// Size returns the number of allow patterns and distinct block entries.
func (r *Router) Size() (allow, block int) { return len(r.allow), r.block.Len() }

// Allowed reports whether Decide(host) allows host.
func (r *Router) Allowed(host string) bool { return r.Decide(host).Allowed() }

// Blocked reports whether host falls under a block entry. Unlike Decide it
// ignores the allow list; the packet classifier only acts on blocks.
func (r *Router) Blocked(host string) bool {
	return r.block.MatchDomain(tls.NormalizeHostname(host))
}

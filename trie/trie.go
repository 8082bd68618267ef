package trie

import "errors"

// ErrEmptyPattern is returned by Add for a pattern with no bytes left
// after trailing dots are stripped.
var ErrEmptyPattern = errors.New("trie: empty pattern")

// Matcher is a suffix-matcher for ASCII hostnames.
// It is *case-insensitive*; patterns are stored reversed so a lookup walks
// a hostname from its last byte towards its first.
type Matcher struct {
	root node
	n    int
}

type node struct {
	leaf bool
	next [256]*node
}

func NewMatcher() *Matcher { return &Matcher{} }

func lower(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + 'a' - 'A'
	}
	return b
}

// Add inserts one hostname.  “googlevideo.com” and “youtu.be” are OK.
// It lower-cases ASCII bytes and ignores trailing dots.
func (m *Matcher) Add(pat string) error {
	for len(pat) > 0 && pat[len(pat)-1] == '.' {
		pat = pat[:len(pat)-1]
	}
	if pat == "" {
		return ErrEmptyPattern
	}
	cur := &m.root
	for i := len(pat) - 1; i >= 0; i-- { // build backwards ⇒ suffix-tree
		b := lower(pat[i])
		if cur.next[b] == nil {
			cur.next[b] = &node{}
		}
		cur = cur.next[b]
	}
	if !cur.leaf {
		m.n++
	}
	cur.leaf = true
	return nil
}

// Len returns the number of distinct patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return m.n
}

// MatchDomain reports whether host is one of the stored names or a
// subdomain of one. Matches only land on label boundaries, so
// "example.com" covers "a.example.com" but not "badexample.com".
func (m *Matcher) MatchDomain(host string) bool {
	if m == nil {
		return false
	}
	for len(host) > 0 && host[len(host)-1] == '.' {
		host = host[:len(host)-1]
	}
	cur := &m.root
	for j := len(host) - 1; j >= 0; j-- {
		cur = cur.next[lower(host[j])]
		if cur == nil {
			return false
		}
		if cur.leaf && (j == 0 || host[j-1] == '.') {
			return true
		}
	}
	return false
}

package tls

import (
	"strings"

	"golang.org/x/net/idna"
)

const maxHostnameLen = 253

// NormalizeHostname lower-cases host and drops one trailing dot.
func NormalizeHostname(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// ValidHostname reports whether host is usable as a DNS name for routing.
// ExtractSNI does not apply this check; it returns whatever UTF-8 the
// client sent.
func ValidHostname(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > maxHostnameLen {
		return false
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || len(ascii) > maxHostnameLen {
		return false
	}
	for _, label := range strings.Split(ascii, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
	}
	return true
}

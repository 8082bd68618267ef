package cli

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// decodeHex accepts hex with optional whitespace, "0x" prefix and ':'
// separators, as copied from Wireshark or tcpdump -X.
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == ':' {
			return -1
		}
		return r
	}, s)
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd hex length")
	}
	out := make([]byte, len(s)/2)
	if _, err := hex.Decode(out, []byte(s)); err != nil {
		return nil, err
	}
	return out, nil
}

// looksHex reports whether b is hex text rather than raw bytes.
func looksHex(b []byte) bool {
	seen := false
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
			seen = true
		case c == ' ', c == '\t', c == '\r', c == '\n', c == ':', c == 'x':
		default:
			return false
		}
	}
	return seen
}

// Package httphost pulls the Host header out of a plain HTTP request head.
package httphost

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrHostNotFound  = errors.New("httphost: Host header not found")
	ErrMalformedHost = errors.New("httphost: malformed Host header")
	ErrInvalidUTF8   = errors.New("httphost: request is not valid UTF-8")
)

// Extract returns the value of the first Host header in buf without its
// port. IPv6 literals keep their brackets ("[::1]:8080" gives "[::1]").
// Header names match case-insensitively; lines may end in CRLF or LF.
func Extract(buf []byte) (string, error) {
	if !utf8.Valid(buf) {
		return "", ErrInvalidUTF8
	}
	for len(buf) > 0 {
		var line []byte
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			line, buf = buf[:i], buf[i+1:]
		} else {
			line, buf = buf, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) < 5 || !strings.EqualFold(string(line[:5]), "host:") {
			continue
		}
		return hostValue(strings.TrimSpace(string(line[5:])))
	}
	return "", ErrHostNotFound
}

func hostValue(v string) (string, error) {
	host := v
	if strings.HasPrefix(v, "[") {
		if end := strings.IndexByte(v, ']'); end >= 0 {
			host = v[:end+1]
		}
	} else if i := strings.IndexByte(v, ':'); i >= 0 {
		host = v[:i]
	}
	if host == "" {
		return "", ErrMalformedHost
	}
	return host, nil
}

// HeadEnd returns the length of the request head including the blank
// line, or -1 if buf does not hold a complete head yet.
func HeadEnd(buf []byte) int {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return -1
}

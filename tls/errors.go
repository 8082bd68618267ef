package tls

import "fmt"

// --- sentinel errors ----------------------------------------------------

type parseErr string

func (e parseErr) Error() string { return string(e) }

var (
	// ErrTruncated: the buffer ends before a required field or block.
	ErrTruncated = parseErr("truncated")
	// ErrNotHandshake: the record content type is not 0x16.
	ErrNotHandshake = parseErr("not a handshake record")
	// ErrNotClientHello: the handshake message type is not 0x01.
	ErrNotClientHello = parseErr("not a ClientHello")
	// ErrUnsupportedNameType: the first server name entry is not host_name.
	ErrUnsupportedNameType = parseErr("unsupported server name type")
	// ErrInvalidHostname: the host name is empty or not valid UTF-8.
	ErrInvalidHostname = parseErr("invalid hostname")
	// ErrSNINotFound: the extensions carry no server_name extension.
	ErrSNINotFound = parseErr("SNI not found")
)

// ParseError reports where parsing stopped. Err is always one of the
// sentinels above, so errors.Is(err, ErrTruncated) and friends work on
// every error the extractor returns.
type ParseError struct {
	Err    error
	Field  string
	Offset int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tls: %v (%s at offset %d)", e.Err, e.Field, e.Offset)
}

func (e *ParseError) Unwrap() error { return e.Err }

package proxy

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/zhpjy/sniproxy-ng/httphost"
	"github.com/zhpjy/sniproxy-ng/tls"
)

const (
	recordHeaderLen = 5
	maxRecordLen    = 16 << 10
	maxHeadLen      = 8 << 10
)

// ErrHeadTooLarge is returned when no blank line ends the request head
// within 8 KiB.
var ErrHeadTooLarge = errors.New("proxy: HTTP request head too large")

// readRecord reads the first TLS record from r: the header plus the
// declared length, capped at 16 KiB. A non-handshake first byte stops after
// the header. The bytes read are returned even on error so nothing sent by
// the client is lost.
func readRecord(r io.Reader) ([]byte, error) {
	buf := make([]byte, recordHeaderLen, recordHeaderLen+maxRecordLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return buf, err
	}
	if buf[0] != tls.ContentTypeHandshake {
		return buf, nil
	}
	n := int(binary.BigEndian.Uint16(buf[3:5]))
	if n > maxRecordLen {
		n = maxRecordLen
	}
	buf = buf[:recordHeaderLen+n]
	m, err := io.ReadFull(r, buf[recordHeaderLen:])
	return buf[:recordHeaderLen+m], err
}

// readHead reads from r until the request head is complete. It returns
// everything read, which may include the start of a body, and the length
// of the head.
func readHead(r io.Reader) ([]byte, int, error) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if end := httphost.HeadEnd(buf); end >= 0 {
			return buf, end, nil
		}
		if len(buf) >= maxHeadLen {
			return buf, 0, ErrHeadTooLarge
		}
		if err != nil {
			return buf, 0, err
		}
	}
}

// helloSNI reads the ClientHello from r and returns its host name.
func helloSNI(r io.Reader) (string, []byte, error) {
	buf, err := readRecord(r)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", buf, err
	}
	// a short read still goes to the parser; it reports the truncation
	sni, perr := tls.ExtractSNI(buf)
	return sni, buf, perr
}

// requestHost reads the HTTP request head from r and returns its Host.
func requestHost(r io.Reader) (string, []byte, error) {
	buf, end, err := readHead(r)
	if err != nil {
		if errors.Is(err, ErrHeadTooLarge) {
			return "", buf, err
		}
		if len(buf) == 0 {
			return "", buf, err
		}
		// EOF before the blank line: look at what arrived
		end = len(buf)
	}
	host, err := httphost.Extract(buf[:end])
	return host, buf, err
}

// Package hello synthesizes TLS ClientHello messages and the packets that
// carry them. It exists for tests, fixtures and the gen command; nothing
// in the request path depends on it.
package hello

import "golang.org/x/crypto/cryptobyte"

const (
	contentTypeHandshake uint8  = 0x16
	msgTypeClientHello   uint8  = 0x01
	extServerName        uint16 = 0x0000
	nameTypeHostName     uint8  = 0x00
)

// Extension is a raw TLS extension.
type Extension struct {
	Type uint16
	Data []byte
}

// Options describe a ClientHello. The zero value builds a TLS 1.2 record
// holding a ClientHello without extensions.
type Options struct {
	ContentType   uint8  // record type, 0x16 if zero
	RecordVersion uint16 // 0x0301 if zero
	MsgType       uint8  // handshake type, 0x01 if zero
	Version       uint16 // legacy_version, 0x0303 if zero

	Random       []byte // 32 bytes, zero-filled if nil
	SessionID    []byte
	CipherSuites []uint16 // {0x1301, 0xc02f} if nil
	Compression  []uint8  // {0} if nil

	// ServerNames become one server_name extension, one entry per name,
	// each tagged with NameType. No extension is added when empty.
	ServerNames []string
	NameType    uint8

	Before []Extension // extensions written before server_name
	After  []Extension // extensions written after server_name
}

// ServerNameExtension encodes a server_name extension with one entry per host.
func ServerNameExtension(nameType uint8, hosts ...string) Extension {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, h := range hosts {
			b.AddUint8(nameType)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(h))
			})
		}
	})
	return Extension{Type: extServerName, Data: b.BytesOrPanic()}
}

// Build returns a TLS record carrying the ClientHello described by o.
// It panics if a length does not fit its prefix.
func Build(o Options) []byte {
	hs := Handshake(o)

	ct := o.ContentType
	if ct == 0 {
		ct = contentTypeHandshake
	}
	rv := o.RecordVersion
	if rv == 0 {
		rv = 0x0301
	}

	var b cryptobyte.Builder
	b.AddUint8(ct)
	b.AddUint16(rv)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(hs)
	})
	return b.BytesOrPanic()
}

// Handshake returns the bare handshake message (no record header), the
// form QUIC carries in CRYPTO frames.
func Handshake(o Options) []byte {
	mt := o.MsgType
	if mt == 0 {
		mt = msgTypeClientHello
	}
	ver := o.Version
	if ver == 0 {
		ver = 0x0303
	}
	random := make([]byte, 32)
	copy(random, o.Random)
	suites := o.CipherSuites
	if suites == nil {
		suites = []uint16{0x1301, 0xc02f}
	}
	comp := o.Compression
	if comp == nil {
		comp = []uint8{0}
	}

	exts := append([]Extension(nil), o.Before...)
	if len(o.ServerNames) > 0 {
		exts = append(exts, ServerNameExtension(o.NameType, o.ServerNames...))
	}
	exts = append(exts, o.After...)

	var b cryptobyte.Builder
	b.AddUint8(mt)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(ver)
		b.AddBytes(random)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(o.SessionID)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, cs := range suites {
				b.AddUint16(cs)
			}
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(comp)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, e := range exts {
				b.AddUint16(e.Type)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(e.Data)
				})
			}
		})
	})
	return b.BytesOrPanic()
}

// ForHost is Build with a single host_name entry and a couple of
// unrelated extensions around it, roughly what a browser sends.
func ForHost(host string) []byte {
	return Build(Options{
		SessionID:   make([]byte, 32),
		ServerNames: []string{host},
		Before: []Extension{
			// renegotiation_info, supported_groups
			{Type: 0xff01, Data: []byte{0x00}},
			{Type: 0x000a, Data: []byte{0x00, 0x02, 0x00, 0x1d}},
		},
		After: []Extension{
			{Type: 0x0010, Data: []byte{0x00, 0x03, 0x02, 'h', '2'}}, // ALPN
		},
	})
}

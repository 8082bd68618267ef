package tls

import "unicode/utf8"

// ExtractSNI returns the host name carried in the server_name extension of
// the TLS ClientHello at the start of payload.
//
// payload must begin with a TLS record header. It is never modified and
// never read past its end; malformed input yields a *ParseError wrapping
// one of the Err* sentinels. The returned string does not alias payload.
func ExtractSNI(payload []byte) (string, error) {
	return ExtractSNITrace(payload, nil)
}

// ExtractSNITrace is ExtractSNI with a per-field hook. tr may be nil.
func ExtractSNITrace(payload []byte, tr Tracer) (string, error) {
	r := newReader(payload, tr)

	// ---- TLS record header ----
	ctOff := r.offset()
	ct, err := r.u8("record.content_type")
	if err != nil {
		return "", err
	}
	if _, err := r.u16("record.version"); err != nil {
		return "", err
	}
	lenOff := r.offset()
	rlen, err := r.u16("record.length")
	if err != nil {
		return "", err
	}
	if ct != ContentTypeHandshake {
		return "", r.failAt(ErrNotHandshake, "record.content_type", ctOff)
	}
	// The declared length must be present, but parsing continues over the
	// whole buffer rather than the record fragment.
	if r.remaining() < int(rlen) {
		return "", r.failAt(ErrTruncated, "record.length", lenOff)
	}

	return clientHello(r)
}

// ExtractSNIFromHandshake is ExtractSNI for input that starts at the
// handshake header, as carried by the QUIC CRYPTO stream.
func ExtractSNIFromHandshake(msg []byte) (string, error) {
	return ExtractSNIFromHandshakeTrace(msg, nil)
}

// ExtractSNIFromHandshakeTrace is ExtractSNIFromHandshake with a per-field hook.
func ExtractSNIFromHandshakeTrace(msg []byte, tr Tracer) (string, error) {
	return clientHello(newReader(msg, tr))
}

func clientHello(r *reader) (string, error) {
	// ---- handshake header ----
	typOff := r.offset()
	typ, err := r.u8("handshake.msg_type")
	if err != nil {
		return "", err
	}
	if _, err := r.u24("handshake.length"); err != nil {
		return "", err
	}
	if typ != HandshakeTypeClientHello {
		return "", r.failAt(ErrNotClientHello, "handshake.msg_type", typOff)
	}

	// legacy_version(2) + random(32)
	if err := r.skip("client_hello.version", 2); err != nil {
		return "", err
	}
	if err := r.skip("client_hello.random", randomLen); err != nil {
		return "", err
	}

	sidLen, err := r.u8("session_id.length")
	if err != nil {
		return "", err
	}
	if err := r.skip("session_id", int(sidLen)); err != nil {
		return "", err
	}

	csLen, err := r.u16("cipher_suites.length")
	if err != nil {
		return "", err
	}
	if err := r.skip("cipher_suites", int(csLen)); err != nil {
		return "", err
	}

	cmLen, err := r.u8("compression_methods.length")
	if err != nil {
		return "", err
	}
	if err := r.skip("compression_methods", int(cmLen)); err != nil {
		return "", err
	}

	extLen, err := r.u16("extensions.length")
	if err != nil {
		return "", err
	}
	end := r.offset() + int(extLen)

	// fewer than 4 bytes cannot hold another extension header
	for r.offset() < end && r.remaining() >= 4 {
		et, err := r.u16("extension.type")
		if err != nil {
			return "", err
		}
		elen, err := r.u16("extension.length")
		if err != nil {
			return "", err
		}
		if et != ExtServerName {
			if err := r.skip("extension.data", int(elen)); err != nil {
				return "", err
			}
			continue
		}
		ext, err := r.sub("extension.server_name", int(elen))
		if err != nil {
			return "", err
		}
		// first server_name extension wins, whatever it holds
		return serverName(ext)
	}

	return "", r.failAt(ErrSNINotFound, "extensions", r.offset())
}

// serverName reads the first entry of a ServerNameList.
func serverName(r *reader) (string, error) {
	if _, err := r.u16("server_name_list.length"); err != nil {
		return "", err
	}
	ntOff := r.offset()
	nameType, err := r.u8("server_name.name_type")
	if err != nil {
		return "", err
	}
	if nameType != NameTypeHostName {
		return "", r.failAt(ErrUnsupportedNameType, "server_name.name_type", ntOff)
	}
	nameLen, err := r.u16("server_name.length")
	if err != nil {
		return "", err
	}
	nameOff := r.offset()
	name, err := r.bytes("server_name.host_name", int(nameLen))
	if err != nil {
		return "", err
	}
	if len(name) == 0 || !utf8.Valid(name) {
		return "", r.failAt(ErrInvalidHostname, "server_name.host_name", nameOff)
	}
	return string(name), nil
}

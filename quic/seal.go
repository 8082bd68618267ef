package quic

import (
	"encoding/binary"
	"fmt"
)

const (
	sealPNLen     = 4
	minClientSize = 1200
)

func appendVarint(b []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(b, byte(v))
	case v < 1<<14:
		return binary.BigEndian.AppendUint16(b, uint16(v)|0x4000)
	case v < 1<<30:
		return binary.BigEndian.AppendUint32(b, uint32(v)|0x80000000)
	}
	return binary.BigEndian.AppendUint64(b, v|0xc000000000000000)
}

// CryptoFrame encodes data as one CRYPTO frame at stream offset off.
func CryptoFrame(off uint64, data []byte) []byte {
	b := []byte{frameCrypto}
	b = appendVarint(b, off)
	b = appendVarint(b, uint64(len(data)))
	return append(b, data...)
}

// SealInitial builds a client Initial packet carrying frames, protected the
// way a client would protect it. Frames are padded so the datagram reaches
// the 1200 bytes a client Initial must fill.
func SealInitial(version uint32, dcid, scid []byte, pn uint32, frames []byte) ([]byte, error) {
	typ, ok := initialType(version)
	if !ok {
		return nil, fmt.Errorf("%w: %#08x", ErrUnsupportedVersion, version)
	}
	if len(dcid) > maxCIDLen || len(scid) > maxCIDLen {
		return nil, fmt.Errorf("quic: connection ID longer than %d bytes", maxCIDLen)
	}
	keys, err := deriveInitial(dcid, version)
	if err != nil {
		return nil, err
	}

	hdr := []byte{0xc0 | typ<<4 | (sealPNLen - 1)}
	hdr = binary.BigEndian.AppendUint32(hdr, version)
	hdr = append(hdr, byte(len(dcid)))
	hdr = append(hdr, dcid...)
	hdr = append(hdr, byte(len(scid)))
	hdr = append(hdr, scid...)
	hdr = append(hdr, 0x00) // token length

	// 2-byte Length field below
	overhead := len(hdr) + 2 + sealPNLen + keys.aead.Overhead()
	payload := append([]byte(nil), frames...)
	if pad := minClientSize - overhead - len(payload); pad > 0 {
		payload = append(payload, make([]byte, pad)...)
	}
	length := uint64(sealPNLen + len(payload) + keys.aead.Overhead())
	if length >= 1<<14 {
		return nil, fmt.Errorf("quic: payload of %d bytes does not fit one packet", len(frames))
	}
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(length)|0x4000)

	pnOffset := len(hdr)
	pnBytes := binary.BigEndian.AppendUint32(nil, pn)
	hdr = append(hdr, pnBytes...)

	pkt := keys.aead.Seal(hdr, keys.nonce(pnBytes), payload, hdr)

	mask := make([]byte, sampleSize)
	keys.hp.Encrypt(mask, pkt[pnOffset+4:pnOffset+4+sampleSize])
	pkt[0] ^= mask[0] & 0x0f
	for i := 0; i < sealPNLen; i++ {
		pkt[pnOffset+i] ^= mask[1+i]
	}
	return pkt, nil
}

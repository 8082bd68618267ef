package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

const (
	Version1 uint32 = 0x00000001
	Version2 uint32 = 0x6b3343cf

	secretSize = 32
	keySize    = 16
	ivSize     = 12
	sampleSize = 16
	maxCIDLen  = 20
)

var (
	saltV1 = []byte{0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a}
	saltV2 = []byte{0x0d, 0xed, 0xe3, 0xde, 0xf7, 0x00, 0xa6, 0xdb, 0x81, 0x93, 0x81, 0xbe, 0x6e, 0x26, 0x9d, 0xcb, 0xf9, 0xbd, 0x2e, 0xd9}
)

// --- sentinel errors ----------------------------------------------------

type quicErr string

func (e quicErr) Error() string { return string(e) }

var (
	ErrNotInitial         = quicErr("quic: not a long-header Initial packet")
	ErrUnsupportedVersion = quicErr("quic: unsupported version")
	ErrShortPacket        = quicErr("quic: packet truncated")
	ErrDecrypt            = quicErr("quic: Initial payload failed authentication")
	ErrBadFrame           = quicErr("quic: malformed frame")
	ErrNoCrypto           = quicErr("quic: no CRYPTO data")
)

// initialType returns the long-header packet type bits of an Initial
// packet for version, which RFC 9369 changed for v2.
func initialType(version uint32) (byte, bool) {
	switch version {
	case Version1:
		return 0b00, true
	case Version2:
		return 0b01, true
	}
	return 0, false
}

// IsInitial reports whether pkt starts with a QUIC v1 or v2 Initial header.
func IsInitial(pkt []byte) bool {
	if len(pkt) < 5 || pkt[0]&0x80 == 0 {
		return false
	}
	typ, ok := initialType(binary.BigEndian.Uint32(pkt[1:5]))
	return ok && (pkt[0]>>4)&0x03 == typ
}

// Header is the unprotected part of an Initial packet. Its slices alias the
// packet passed to ParseInitial.
type Header struct {
	Version  uint32
	DCID     []byte
	SCID     []byte
	Token    []byte
	Length   uint64 // packet number + protected payload
	PNOffset int
}

// End is the offset just past this packet; a datagram may hold more
// packets after it.
func (h *Header) End() int { return h.PNOffset + int(h.Length) }

// QUIC varint: the top two bits give the length (1,2,4,8), the rest plus
// the following bytes are the big-endian value.
func readVarint(b []byte) (val uint64, n int) {
	if len(b) == 0 {
		return 0, 0
	}
	l := 1 << (b[0] >> 6)
	if len(b) < l {
		return 0, 0
	}
	val = uint64(b[0] & 0x3f)
	for i := 1; i < l; i++ {
		val = (val << 8) | uint64(b[i])
	}
	return val, l
}

// ParseInitial decodes the long header of an Initial packet.
func ParseInitial(pkt []byte) (*Header, error) {
	if !IsInitial(pkt) {
		if len(pkt) >= 5 && pkt[0]&0x80 != 0 {
			if _, ok := initialType(binary.BigEndian.Uint32(pkt[1:5])); !ok {
				return nil, fmt.Errorf("%w: %#08x", ErrUnsupportedVersion, binary.BigEndian.Uint32(pkt[1:5]))
			}
		}
		return nil, ErrNotInitial
	}
	h := &Header{Version: binary.BigEndian.Uint32(pkt[1:5])}
	s := cryptobyte.String(pkt[5:])
	var dcid, scid cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&dcid) || !s.ReadUint8LengthPrefixed(&scid) {
		return nil, ErrShortPacket
	}
	if len(dcid) > maxCIDLen || len(scid) > maxCIDLen {
		return nil, fmt.Errorf("%w: connection ID longer than %d bytes", ErrNotInitial, maxCIDLen)
	}
	h.DCID, h.SCID = dcid, scid

	tokLen, n := readVarint(s)
	if n == 0 || !s.Skip(n) || uint64(len(s)) < tokLen {
		return nil, ErrShortPacket
	}
	if !s.ReadBytes(&h.Token, int(tokLen)) {
		return nil, ErrShortPacket
	}
	length, n := readVarint(s)
	if n == 0 || !s.Skip(n) {
		return nil, ErrShortPacket
	}
	h.Length = length
	h.PNOffset = len(pkt) - len(s)
	if uint64(len(s)) < length {
		return nil, ErrShortPacket
	}
	return h, nil
}

// --- key schedule -------------------------------------------------------

type labels struct{ key, iv, hp string }

var (
	labelsV1 = labels{"quic key", "quic iv", "quic hp"}
	labelsV2 = labels{"quicv2 key", "quicv2 iv", "quicv2 hp"}
)

type initialKeys struct {
	aead cipher.AEAD
	iv   []byte
	hp   cipher.Block
}

// hkdfExpandLabel is HKDF-Expand-Label from RFC 8446 with an empty context.
func hkdfExpandLabel(secret []byte, label string, size int) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(uint16(size))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte("tls13 " + label))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {})
	info, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// clientInitialSecret derives the client Initial secret for dcid.
func clientInitialSecret(dcid []byte, version uint32) ([]byte, labels, error) {
	var (
		salt []byte
		lb   labels
	)
	switch version {
	case Version1:
		salt, lb = saltV1, labelsV1
	case Version2:
		salt, lb = saltV2, labelsV2
	default:
		return nil, labels{}, fmt.Errorf("%w: %#08x", ErrUnsupportedVersion, version)
	}
	initial := hkdf.Extract(sha256.New, dcid, salt)
	secret, err := hkdfExpandLabel(initial, "client in", secretSize)
	return secret, lb, err
}

func deriveInitial(dcid []byte, version uint32) (*initialKeys, error) {
	secret, lb, err := clientInitialSecret(dcid, version)
	if err != nil {
		return nil, err
	}
	key, err := hkdfExpandLabel(secret, lb.key, keySize)
	if err != nil {
		return nil, err
	}
	iv, err := hkdfExpandLabel(secret, lb.iv, ivSize)
	if err != nil {
		return nil, err
	}
	hpKey, err := hkdfExpandLabel(secret, lb.hp, keySize)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	hp, err := aes.NewCipher(hpKey)
	if err != nil {
		return nil, err
	}
	return &initialKeys{aead: aead, iv: iv, hp: hp}, nil
}

func (k *initialKeys) nonce(pn []byte) []byte {
	n := append([]byte(nil), k.iv...)
	for i := range pn {
		n[ivSize-len(pn)+i] ^= pn[i]
	}
	return n
}

// DecryptInitial removes header protection from a copy of the first
// packet in pkt and returns its decrypted frames. pkt is not modified.
func DecryptInitial(pkt []byte) ([]byte, error) {
	h, err := ParseInitial(pkt)
	if err != nil {
		return nil, err
	}
	return decrypt(pkt, h)
}

func decrypt(pkt []byte, h *Header) ([]byte, error) {
	keys, err := deriveInitial(h.DCID, h.Version)
	if err != nil {
		return nil, err
	}
	end := h.End()
	if h.PNOffset+4+sampleSize > end {
		return nil, ErrShortPacket
	}
	p := append([]byte(nil), pkt[:end]...)

	mask := make([]byte, sampleSize)
	keys.hp.Encrypt(mask, p[h.PNOffset+4:h.PNOffset+4+sampleSize])
	p[0] ^= mask[0] & 0x0f
	pnLen := int(p[0]&0x03) + 1
	for i := 0; i < pnLen; i++ {
		p[h.PNOffset+i] ^= mask[1+i]
	}
	hdrEnd := h.PNOffset + pnLen
	plain, err := keys.aead.Open(nil, keys.nonce(p[h.PNOffset:hdrEnd]), p[hdrEnd:], p[:hdrEnd])
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

package quic

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zhpjy/sniproxy-ng/tls"
)

const (
	frameCrypto          = 0x06
	framePadding         = 0x00
	framePing            = 0x01
	frameAck             = 0x02
	frameAckECN          = 0x03
	frameConnClose       = 0x1c
	maxCryptoStream      = 64 << 10
	DefaultAssemblerSize = 4096
)

type cryptoFrame struct {
	off uint64
	b   []byte
}

// parseFrames returns the CRYPTO frames in a decrypted Initial payload.
// Only frame types allowed in Initial packets are accepted.
func parseFrames(plain []byte) ([]cryptoFrame, error) {
	var out []cryptoFrame
	b := plain
	next := func() (uint64, bool) {
		v, n := readVarint(b)
		if n == 0 {
			return 0, false
		}
		b = b[n:]
		return v, true
	}
	for len(b) > 0 {
		t, ok := next()
		if !ok {
			return out, ErrBadFrame
		}
		switch t {
		case framePadding, framePing:
		case frameCrypto:
			off, ok1 := next()
			ln, ok2 := next()
			if !ok1 || !ok2 || ln > uint64(len(b)) {
				return out, ErrBadFrame
			}
			out = append(out, cryptoFrame{off: off, b: b[:ln]})
			b = b[ln:]
		case frameAck, frameAckECN:
			// largest, delay, range count, first range
			var fields [4]uint64
			for i := range fields {
				v, ok := next()
				if !ok {
					return out, ErrBadFrame
				}
				fields[i] = v
			}
			extra := fields[2] * 2
			if t == frameAckECN {
				extra += 3
			}
			if extra > uint64(len(b)) {
				return out, ErrBadFrame
			}
			for i := uint64(0); i < extra; i++ {
				if _, ok := next(); !ok {
					return out, ErrBadFrame
				}
			}
		case frameConnClose:
			_, ok1 := next() // error code
			_, ok2 := next() // frame type
			rl, ok3 := next()
			if !ok1 || !ok2 || !ok3 || rl > uint64(len(b)) {
				return out, ErrBadFrame
			}
			b = b[rl:]
		default:
			return out, ErrBadFrame
		}
	}
	return out, nil
}

// cbuf accumulates one CRYPTO stream.
type cbuf struct {
	data []byte // accumulated CRYPTO stream
	mask []bool // byte i has been written
	head int    // length of the contiguous prefix [0:head)
}

func (b *cbuf) write(off int, p []byte) {
	end := off + len(p)
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
		b.mask = append(b.mask, make([]bool, end-len(b.mask))...)
	}
	copy(b.data[off:end], p)
	for i := off; i < end; i++ {
		b.mask[i] = true
	}
	for b.head < len(b.mask) && b.mask[b.head] {
		b.head++
	}
}

// Assembler reassembles client CRYPTO streams across Initial packets,
// keyed by the original destination connection ID. The least recently
// used streams are evicted once the table is full. It is safe for
// concurrent use.
type Assembler struct {
	mu      sync.Mutex
	streams *lru.Cache[string, *cbuf]
}

// NewAssembler returns an Assembler tracking at most size streams.
func NewAssembler(size int) *Assembler {
	if size <= 0 {
		size = DefaultAssemblerSize
	}
	c, err := lru.New[string, *cbuf](size)
	if err != nil {
		// only returned for size <= 0
		panic(err)
	}
	return &Assembler{streams: c}
}

// Add merges the CRYPTO frames of plain into the stream for dcid and
// returns a copy of its contiguous prefix. Frames reaching past 64 KiB
// are dropped.
func (a *Assembler) Add(dcid, plain []byte) ([]byte, error) {
	frames, err := parseFrames(plain)
	if len(frames) == 0 {
		if err != nil {
			return nil, err
		}
		return nil, ErrNoCrypto
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	key := string(dcid)
	buf, ok := a.streams.Get(key)
	if !ok {
		buf = &cbuf{}
		a.streams.Add(key, buf)
	}
	for _, f := range frames {
		if f.off+uint64(len(f.b)) > maxCryptoStream {
			continue
		}
		buf.write(int(f.off), f.b)
	}
	return append([]byte(nil), buf.data[:buf.head]...), nil
}

// Forget drops the stream for dcid.
func (a *Assembler) Forget(dcid []byte) {
	a.mu.Lock()
	a.streams.Remove(string(dcid))
	a.mu.Unlock()
}

// Len returns the number of tracked streams.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams.Len()
}

// ExtractSNI decrypts the Initial packet at the start of pkt, feeds its
// CRYPTO frames to a and parses the ClientHello once enough of it has
// arrived. While the ClientHello is still incomplete the returned error
// matches tls.ErrTruncated. a may be nil, in which case only this packet
// is considered.
func ExtractSNI(pkt []byte, a *Assembler) (string, error) {
	h, err := ParseInitial(pkt)
	if err != nil {
		return "", err
	}
	plain, err := decrypt(pkt, h)
	if err != nil {
		return "", err
	}
	if a == nil {
		a = NewAssembler(1)
	}
	stream, err := a.Add(h.DCID, plain)
	if err != nil {
		return "", err
	}
	if n, ok := pendingHello(stream); ok {
		return "", &tls.ParseError{Err: tls.ErrTruncated, Field: "crypto", Offset: n}
	}
	sni, err := tls.ExtractSNIFromHandshake(stream)
	if errors.Is(err, tls.ErrTruncated) {
		return "", err
	}
	a.Forget(h.DCID)
	return sni, err
}

// pendingHello reports whether stream starts with a ClientHello whose
// declared length has not fully arrived, and how many bytes have.
func pendingHello(stream []byte) (int, bool) {
	if len(stream) < 4 || stream[0] != tls.HandshakeTypeClientHello {
		return 0, false
	}
	msgLen := int(stream[1])<<16 | int(stream[2])<<8 | int(stream[3])
	return len(stream), 4+msgLen > len(stream)
}

package tls

import "golang.org/x/crypto/cryptobyte"

// reader is the bounds-checked cursor shared by every field of the parse.
// A failed read never advances the cursor and always yields ErrTruncated.
type reader struct {
	buf  []byte
	s    cryptobyte.String
	base int // absolute offset of buf[0] in the caller's payload
	tr   Tracer
}

func newReader(buf []byte, tr Tracer) *reader {
	return &reader{buf: buf, s: cryptobyte.String(buf), tr: tr}
}

func (r *reader) offset() int    { return r.base + len(r.buf) - len(r.s) }
func (r *reader) remaining() int { return len(r.s) }

func (r *reader) failAt(err error, field string, off int) error {
	return &ParseError{Err: err, Field: field, Offset: off}
}

func (r *reader) emit(f Field) {
	if r.tr != nil {
		r.tr(f)
	}
}

func (r *reader) u8(field string) (uint8, error) {
	off := r.offset()
	var v uint8
	if !r.s.ReadUint8(&v) {
		return 0, r.failAt(ErrTruncated, field, off)
	}
	r.emit(Field{Name: field, Offset: off, Len: 1, Value: uint32(v)})
	return v, nil
}

func (r *reader) u16(field string) (uint16, error) {
	off := r.offset()
	var v uint16
	if !r.s.ReadUint16(&v) {
		return 0, r.failAt(ErrTruncated, field, off)
	}
	r.emit(Field{Name: field, Offset: off, Len: 2, Value: uint32(v)})
	return v, nil
}

func (r *reader) u24(field string) (uint32, error) {
	off := r.offset()
	var v uint32
	if !r.s.ReadUint24(&v) {
		return 0, r.failAt(ErrTruncated, field, off)
	}
	r.emit(Field{Name: field, Offset: off, Len: 3, Value: v})
	return v, nil
}

func (r *reader) bytes(field string, n int) ([]byte, error) {
	off := r.offset()
	var b []byte
	if !r.s.ReadBytes(&b, n) {
		return nil, r.failAt(ErrTruncated, field, off)
	}
	r.emit(Field{Name: field, Offset: off, Len: n, Data: b})
	return b, nil
}

func (r *reader) skip(field string, n int) error {
	_, err := r.bytes(field, n)
	return err
}

// sub consumes the next n bytes and returns a reader confined to them.
func (r *reader) sub(field string, n int) (*reader, error) {
	off := r.offset()
	b, err := r.bytes(field, n)
	if err != nil {
		return nil, err
	}
	return &reader{buf: b, s: cryptobyte.String(b), base: off, tr: r.tr}, nil
}

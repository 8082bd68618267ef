package tls

// Field describes one value read from the buffer.
//
// Data is set for variable-length reads and aliases the caller's buffer.
type Field struct {
	Name   string
	Offset int
	Len    int
	Value  uint32
	Data   []byte
}

// Tracer receives every field the extractor reads, in wire order.
type Tracer func(Field)

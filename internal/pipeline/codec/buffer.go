// Package codec implements the wire encoding for pipeline payloads: a
// cursor buffer with fixed-width big-endian writers and a closed
// tagged-variant Value type that is self-describing on the wire.
package codec

import (
	"encoding/binary"
	"math"

	errspkg "github.com/wireflow-go/wireflow/internal/pipeline/errors"
)

// MaxPrefixedLength is the largest string or binary payload a 24-bit
// length prefix can describe.
const MaxPrefixedLength = 1<<24 - 1

// chunkSize bounds each copy when moving large blobs into the buffer.
const chunkSize = 4096

// Buffer is a growable byte region with a single cursor shared by reads
// and writes. A Buffer belongs to the encode or decode call that created
// it and must never be shared across goroutines.
type Buffer struct {
	data []byte
	pos  int
	high int
}

// NewBuffer returns an empty buffer ready for encoding.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// FromBytes wraps data for decoding. The buffer takes ownership of the
// slice; the cursor starts at zero and the whole slice is readable.
func FromBytes(data []byte) *Buffer {
	return &Buffer{data: data, high: len(data)}
}

// Allocate ensures the buffer can hold n more bytes from the cursor,
// growing the backing array by at least doubling. Existing bytes and the
// cursor are preserved; the buffer never shrinks.
func (b *Buffer) Allocate(n int) {
	need := b.pos + n
	if need <= len(b.data) {
		return
	}
	newSize := 2 * len(b.data)
	if newSize < need {
		newSize = need
	}
	grown := make([]byte, newSize)
	copy(grown, b.data[:b.high])
	b.data = grown
}

// Bytes returns the written region of the buffer. The slice aliases the
// buffer's backing array and is only valid until the next write.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.high]
}

// Len reports how many bytes have been written.
func (b *Buffer) Len() int {
	return b.high
}

// Pos reports the cursor offset.
func (b *Buffer) Pos() int {
	return b.pos
}

// Remaining reports how many written bytes are left to read.
func (b *Buffer) Remaining() int {
	return b.high - b.pos
}

// Seek moves the cursor to offset. Seeking outside the written region
// fails with ErrBufferExhausted.
func (b *Buffer) Seek(offset int) error {
	if offset < 0 || offset > b.high {
		return errspkg.ErrBufferExhausted
	}
	b.pos = offset
	return nil
}

// Reset clears the written region and rewinds the cursor so the buffer
// can be reused without reallocating.
func (b *Buffer) Reset() {
	b.pos = 0
	b.high = 0
}

func (b *Buffer) writeRaw(p []byte) {
	b.Allocate(len(p))
	// Large blobs copy in fixed-size chunks to bound each memmove.
	for len(p) > chunkSize {
		b.pos += copy(b.data[b.pos:], p[:chunkSize])
		p = p[chunkSize:]
	}
	b.pos += copy(b.data[b.pos:], p)
	if b.pos > b.high {
		b.high = b.pos
	}
}

func (b *Buffer) readRaw(n int) ([]byte, error) {
	if n < 0 || b.pos+n > b.high {
		return nil, errspkg.ErrBufferExhausted
	}
	out := b.data[b.pos : b.pos+n]
	b.pos += n
	return out, nil
}

// WriteUint8 writes one byte at the cursor.
func (b *Buffer) WriteUint8(v uint8) {
	b.writeRaw([]byte{v})
}

// WriteUint16 writes v as 2 big-endian bytes.
func (b *Buffer) WriteUint16(v uint16) {
	var scratch [2]byte
	binary.BigEndian.PutUint16(scratch[:], v)
	b.writeRaw(scratch[:])
}

// WriteUint24 writes v as 3 big-endian bytes. Values above
// MaxPrefixedLength fail with ErrEncodingLimit.
func (b *Buffer) WriteUint24(v uint32) error {
	if v > MaxPrefixedLength {
		return errspkg.ErrEncodingLimit
	}
	b.writeRaw([]byte{byte(v >> 16), byte(v >> 8), byte(v)})
	return nil
}

// WriteUint32 writes v as 4 big-endian bytes.
func (b *Buffer) WriteUint32(v uint32) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], v)
	b.writeRaw(scratch[:])
}

// WriteUint64 writes v as 8 big-endian bytes.
func (b *Buffer) WriteUint64(v uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	b.writeRaw(scratch[:])
}

// WriteInt64 writes v as 8 big-endian bytes, two's complement.
func (b *Buffer) WriteInt64(v int64) {
	b.WriteUint64(uint64(v))
}

// WriteFloat64 writes v as IEEE-754, 8 big-endian bytes.
func (b *Buffer) WriteFloat64(v float64) {
	b.WriteUint64(math.Float64bits(v))
}

// WriteString writes s with a 24-bit length prefix. Strings longer than
// MaxPrefixedLength fail with ErrEncodingLimit and write nothing.
func (b *Buffer) WriteString(s string) error {
	if len(s) > MaxPrefixedLength {
		return errspkg.ErrEncodingLimit
	}
	if err := b.WriteUint24(uint32(len(s))); err != nil {
		return err
	}
	b.Allocate(len(s))
	// Chunked copy keeps the temporary byte conversion bounded for
	// large strings.
	for len(s) > chunkSize {
		b.writeRaw([]byte(s[:chunkSize]))
		s = s[chunkSize:]
	}
	b.writeRaw([]byte(s))
	return nil
}

// WriteBinary writes p with a 24-bit length prefix. Blobs longer than
// MaxPrefixedLength fail with ErrEncodingLimit and write nothing.
func (b *Buffer) WriteBinary(p []byte) error {
	if len(p) > MaxPrefixedLength {
		return errspkg.ErrEncodingLimit
	}
	if err := b.WriteUint24(uint32(len(p))); err != nil {
		return err
	}
	b.writeRaw(p)
	return nil
}

// ReadUint8 reads one byte at the cursor.
func (b *Buffer) ReadUint8() (uint8, error) {
	p, err := b.readRaw(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// ReadUint16 reads 2 big-endian bytes.
func (b *Buffer) ReadUint16() (uint16, error) {
	p, err := b.readRaw(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

// ReadUint24 reads 3 big-endian bytes.
func (b *Buffer) ReadUint24() (uint32, error) {
	p, err := b.readRaw(3)
	if err != nil {
		return 0, err
	}
	return uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2]), nil
}

// ReadUint32 reads 4 big-endian bytes.
func (b *Buffer) ReadUint32() (uint32, error) {
	p, err := b.readRaw(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// ReadUint64 reads 8 big-endian bytes.
func (b *Buffer) ReadUint64() (uint64, error) {
	p, err := b.readRaw(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

// ReadInt64 reads 8 big-endian bytes as a two's-complement integer.
func (b *Buffer) ReadInt64() (int64, error) {
	v, err := b.ReadUint64()
	return int64(v), err
}

// ReadFloat64 reads 8 big-endian bytes as an IEEE-754 double.
func (b *Buffer) ReadFloat64() (float64, error) {
	v, err := b.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadString reads a 24-bit length prefix and that many bytes.
func (b *Buffer) ReadString() (string, error) {
	p, err := b.readPrefixed()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// ReadBinary reads a 24-bit length prefix and that many bytes. The
// returned slice is a copy and stays valid after the buffer is reused.
func (b *Buffer) ReadBinary() ([]byte, error) {
	p, err := b.readPrefixed()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

func (b *Buffer) readPrefixed() ([]byte, error) {
	n, err := b.ReadUint24()
	if err != nil {
		return nil, err
	}
	return b.readRaw(int(n))
}

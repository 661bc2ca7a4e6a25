package codec

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	errspkg "github.com/wireflow-go/wireflow/internal/pipeline/errors"
)

func TestBufferGrowthPreservesBytes(t *testing.T) {
	buf := NewBuffer()
	var want []byte
	for i := 0; i < 1000; i++ {
		buf.WriteUint8(uint8(i % 251))
		want = append(want, uint8(i%251))
	}

	if buf.Len() != 1000 {
		t.Fatalf("Len() = %d, want 1000", buf.Len())
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatal("growth corrupted written bytes")
	}
}

func TestBufferCursorAndSeek(t *testing.T) {
	buf := NewBuffer()
	buf.WriteUint32(0xAABBCCDD)
	buf.WriteUint16(0x1122)

	if buf.Pos() != 6 {
		t.Fatalf("Pos() = %d, want 6", buf.Pos())
	}

	if err := buf.Seek(4); err != nil {
		t.Fatalf("Seek(4) failed: %v", err)
	}
	got, err := buf.ReadUint16()
	if err != nil {
		t.Fatalf("ReadUint16 failed: %v", err)
	}
	if got != 0x1122 {
		t.Fatalf("ReadUint16 = %#x, want 0x1122", got)
	}
	if buf.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", buf.Remaining())
	}

	if err := buf.Seek(-1); !errors.Is(err, errspkg.ErrBufferExhausted) {
		t.Fatalf("Seek(-1) = %v, want ErrBufferExhausted", err)
	}
	if err := buf.Seek(7); !errors.Is(err, errspkg.ErrBufferExhausted) {
		t.Fatalf("Seek(7) = %v, want ErrBufferExhausted", err)
	}
}

func TestBufferOverwriteKeepsLength(t *testing.T) {
	buf := NewBuffer()
	buf.WriteUint32(0x01020304)
	if err := buf.Seek(0); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	buf.WriteUint8(0xFF)

	if buf.Len() != 4 {
		t.Fatalf("Len() = %d, want 4 after overwrite", buf.Len())
	}
	if !bytes.Equal(buf.Bytes(), []byte{0xFF, 0x02, 0x03, 0x04}) {
		t.Fatalf("Bytes() = %x", buf.Bytes())
	}
}

func TestNumericWireLayout(t *testing.T) {
	buf := NewBuffer()
	buf.WriteUint16(0x0102)
	if err := buf.WriteUint24(0x030405); err != nil {
		t.Fatalf("WriteUint24 failed: %v", err)
	}
	buf.WriteUint32(0x06070809)

	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire layout = %x, want %x", buf.Bytes(), want)
	}
}

func TestNumericRoundTrip(t *testing.T) {
	buf := NewBuffer()
	buf.WriteUint8(0xAB)
	buf.WriteUint16(65535)
	if err := buf.WriteUint24(MaxPrefixedLength); err != nil {
		t.Fatalf("WriteUint24 failed: %v", err)
	}
	buf.WriteUint32(4294967295)
	buf.WriteUint64(math.MaxUint64)
	buf.WriteInt64(-42)
	buf.WriteFloat64(3.14159)

	r := FromBytes(buf.Bytes())
	if v, err := r.ReadUint8(); err != nil || v != 0xAB {
		t.Fatalf("ReadUint8 = %v, %v", v, err)
	}
	if v, err := r.ReadUint16(); err != nil || v != 65535 {
		t.Fatalf("ReadUint16 = %v, %v", v, err)
	}
	if v, err := r.ReadUint24(); err != nil || v != MaxPrefixedLength {
		t.Fatalf("ReadUint24 = %v, %v", v, err)
	}
	if v, err := r.ReadUint32(); err != nil || v != 4294967295 {
		t.Fatalf("ReadUint32 = %v, %v", v, err)
	}
	if v, err := r.ReadUint64(); err != nil || v != math.MaxUint64 {
		t.Fatalf("ReadUint64 = %v, %v", v, err)
	}
	if v, err := r.ReadInt64(); err != nil || v != -42 {
		t.Fatalf("ReadInt64 = %v, %v", v, err)
	}
	if v, err := r.ReadFloat64(); err != nil || v != 3.14159 {
		t.Fatalf("ReadFloat64 = %v, %v", v, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", r.Remaining())
	}
}

func TestWriteUint24RejectsOverflow(t *testing.T) {
	buf := NewBuffer()
	if err := buf.WriteUint24(1 << 24); !errors.Is(err, errspkg.ErrEncodingLimit) {
		t.Fatalf("WriteUint24(1<<24) = %v, want ErrEncodingLimit", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("failed write left %d bytes behind", buf.Len())
	}
}

func TestStringRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"short", "position.update"},
		{"below chunk threshold", strings.Repeat("a", chunkSize-1)},
		{"at chunk threshold", strings.Repeat("b", chunkSize)},
		{"above chunk threshold", strings.Repeat("c", chunkSize+1)},
		{"multiple chunks", strings.Repeat("d", 3*chunkSize+17)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := NewBuffer()
			if err := buf.WriteString(tc.in); err != nil {
				t.Fatalf("WriteString failed: %v", err)
			}
			if buf.Len() != 3+len(tc.in) {
				t.Fatalf("Len() = %d, want %d", buf.Len(), 3+len(tc.in))
			}

			got, err := FromBytes(buf.Bytes()).ReadString()
			if err != nil {
				t.Fatalf("ReadString failed: %v", err)
			}
			if got != tc.in {
				t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(tc.in))
			}
		})
	}
}

func TestStringAtMaximumLength(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates 16 MiB payloads")
	}

	max := strings.Repeat("x", MaxPrefixedLength)
	buf := NewBuffer()
	if err := buf.WriteString(max); err != nil {
		t.Fatalf("WriteString at limit failed: %v", err)
	}

	got, err := FromBytes(buf.Bytes()).ReadString()
	if err != nil {
		t.Fatalf("ReadString failed: %v", err)
	}
	if got != max {
		t.Fatal("maximum-length string did not round trip")
	}
}

func TestStringOverLimitFails(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates 16 MiB payloads")
	}

	over := strings.Repeat("x", MaxPrefixedLength+1)
	buf := NewBuffer()
	if err := buf.WriteString(over); !errors.Is(err, errspkg.ErrEncodingLimit) {
		t.Fatalf("WriteString over limit = %v, want ErrEncodingLimit", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("failed write left %d bytes behind", buf.Len())
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"small", 100},
		{"chunk threshold", chunkSize},
		{"beyond threshold", 2*chunkSize + 31},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := make([]byte, tc.size)
			for i := range in {
				in[i] = byte(i * 7)
			}

			buf := NewBuffer()
			if err := buf.WriteBinary(in); err != nil {
				t.Fatalf("WriteBinary failed: %v", err)
			}

			got, err := FromBytes(buf.Bytes()).ReadBinary()
			if err != nil {
				t.Fatalf("ReadBinary failed: %v", err)
			}
			if !bytes.Equal(got, in) {
				t.Fatal("binary round trip mismatch")
			}
		})
	}
}

func TestBinaryOverLimitFails(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates 16 MiB payloads")
	}

	over := make([]byte, MaxPrefixedLength+1)
	buf := NewBuffer()
	if err := buf.WriteBinary(over); !errors.Is(err, errspkg.ErrEncodingLimit) {
		t.Fatalf("WriteBinary over limit = %v, want ErrEncodingLimit", err)
	}
}

func TestReadBinaryReturnsCopy(t *testing.T) {
	buf := NewBuffer()
	if err := buf.WriteBinary([]byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteBinary failed: %v", err)
	}

	r := FromBytes(buf.Bytes())
	got, err := r.ReadBinary()
	if err != nil {
		t.Fatalf("ReadBinary failed: %v", err)
	}

	buf.Reset()
	buf.WriteUint32(0xFFFFFFFF)
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatal("ReadBinary result aliased the reused buffer")
	}
}

func TestReadPastEndFails(t *testing.T) {
	t.Run("empty buffer", func(t *testing.T) {
		if _, err := FromBytes(nil).ReadUint8(); !errors.Is(err, errspkg.ErrBufferExhausted) {
			t.Fatalf("got %v, want ErrBufferExhausted", err)
		}
	})

	t.Run("truncated length prefix", func(t *testing.T) {
		if _, err := FromBytes([]byte{0x00, 0x01}).ReadString(); !errors.Is(err, errspkg.ErrBufferExhausted) {
			t.Fatalf("got %v, want ErrBufferExhausted", err)
		}
	})

	t.Run("prefix longer than body", func(t *testing.T) {
		buf := NewBuffer()
		if err := buf.WriteUint24(10); err != nil {
			t.Fatalf("WriteUint24 failed: %v", err)
		}
		buf.WriteUint8('x')
		if _, err := FromBytes(buf.Bytes()).ReadString(); !errors.Is(err, errspkg.ErrBufferExhausted) {
			t.Fatalf("got %v, want ErrBufferExhausted", err)
		}
	})
}

func TestResetAllowsReuse(t *testing.T) {
	buf := NewBuffer()
	if err := buf.WriteString("first payload"); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	buf.Reset()

	if buf.Len() != 0 || buf.Pos() != 0 {
		t.Fatalf("Reset left Len=%d Pos=%d", buf.Len(), buf.Pos())
	}

	buf.WriteUint16(7)
	if !bytes.Equal(buf.Bytes(), []byte{0x00, 0x07}) {
		t.Fatalf("Bytes() after reuse = %x", buf.Bytes())
	}
}

func TestAllocateGrowsWithoutMovingCursor(t *testing.T) {
	buf := NewBuffer()
	buf.WriteUint8(1)
	pos := buf.Pos()

	buf.Allocate(1 << 16)
	if buf.Pos() != pos {
		t.Fatalf("Allocate moved cursor from %d to %d", pos, buf.Pos())
	}
	if buf.Len() != 1 {
		t.Fatalf("Allocate changed Len to %d", buf.Len())
	}
}

package codec

import (
	"fmt"
	"math"
	"sort"

	errspkg "github.com/wireflow-go/wireflow/internal/pipeline/errors"
)

// Kind discriminates the closed set of payload shapes the pipeline can
// carry. Every encode and decode switch over Kind is exhaustive; adding
// a kind means extending both sides of the wire format.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBinary
	KindSequence
	KindTable
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindSequence:
		return "sequence"
	case KindTable:
		return "table"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// maxNestingDepth caps sequence/table recursion during decode so a
// crafted frame cannot exhaust the stack.
const maxNestingDepth = 100

// maxContainerItems is the largest element or pair count a 16-bit
// container header can describe.
const maxContainerItems = 1<<16 - 1

// Value is one payload element: a tagged variant over the supported
// kinds. The zero Value is KindNil. Values are immutable once built;
// accessors for the wrong kind return the kind's zero value.
type Value struct {
	kind Kind
	num  uint64
	str  string
	bin  []byte
	seq  []Value
	tab  map[string]Value
}

// NilValue returns the nil payload.
func NilValue() Value {
	return Value{}
}

// BoolValue returns a boolean payload.
func BoolValue(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// IntValue returns an integer payload.
func IntValue(v int64) Value {
	return Value{kind: KindInt, num: uint64(v)}
}

// FloatValue returns a floating-point payload.
func FloatValue(v float64) Value {
	return Value{kind: KindFloat, num: math.Float64bits(v)}
}

// StringValue returns a string payload.
func StringValue(v string) Value {
	return Value{kind: KindString, str: v}
}

// BinaryValue returns a raw byte payload. The slice is not copied.
func BinaryValue(v []byte) Value {
	return Value{kind: KindBinary, bin: v}
}

// SequenceValue returns an ordered payload of values.
func SequenceValue(items ...Value) Value {
	return Value{kind: KindSequence, seq: items}
}

// TableValue returns a keyed payload of values. The map is not copied.
func TableValue(entries map[string]Value) Value {
	return Value{kind: KindTable, tab: entries}
}

// Kind reports the variant tag.
func (v Value) Kind() Kind {
	return v.kind
}

// Bool returns the boolean payload, or false for other kinds.
func (v Value) Bool() bool {
	return v.kind == KindBool && v.num == 1
}

// Int returns the integer payload, or 0 for other kinds.
func (v Value) Int() int64 {
	if v.kind != KindInt {
		return 0
	}
	return int64(v.num)
}

// Float returns the floating-point payload, or 0 for other kinds.
func (v Value) Float() float64 {
	if v.kind != KindFloat {
		return 0
	}
	return math.Float64frombits(v.num)
}

// Text returns the string payload, or "" for other kinds.
func (v Value) Text() string {
	if v.kind != KindString {
		return ""
	}
	return v.str
}

// Binary returns the byte payload, or nil for other kinds.
func (v Value) Binary() []byte {
	if v.kind != KindBinary {
		return nil
	}
	return v.bin
}

// Sequence returns the ordered payload items, or nil for other kinds.
func (v Value) Sequence() []Value {
	if v.kind != KindSequence {
		return nil
	}
	return v.seq
}

// Table returns the keyed payload entries, or nil for other kinds.
func (v Value) Table() map[string]Value {
	if v.kind != KindTable {
		return nil
	}
	return v.tab
}

// Equal reports deep equality, the relation the round-trip law is
// stated over. Float comparison is on bit patterns, so NaN equals NaN.
func (v Value) Equal(w Value) bool {
	if v.kind != w.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool, KindInt, KindFloat:
		return v.num == w.num
	case KindString:
		return v.str == w.str
	case KindBinary:
		if len(v.bin) != len(w.bin) {
			return false
		}
		for i := range v.bin {
			if v.bin[i] != w.bin[i] {
				return false
			}
		}
		return true
	case KindSequence:
		if len(v.seq) != len(w.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(w.seq[i]) {
				return false
			}
		}
		return true
	case KindTable:
		if len(v.tab) != len(w.tab) {
			return false
		}
		for k, ve := range v.tab {
			we, ok := w.tab[k]
			if !ok || !ve.Equal(we) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String renders the value for logs and errors.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool())
	case KindInt:
		return fmt.Sprintf("%d", v.Int())
	case KindFloat:
		return fmt.Sprintf("%g", v.Float())
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindBinary:
		return fmt.Sprintf("binary(%d bytes)", len(v.bin))
	case KindSequence:
		return fmt.Sprintf("sequence(%d items)", len(v.seq))
	case KindTable:
		return fmt.Sprintf("table(%d entries)", len(v.tab))
	default:
		return v.kind.String()
	}
}

// EncodeValue appends v to the buffer: one kind byte followed by the
// kind-specific payload. Containers carry 16-bit counts; strings and
// blobs carry 24-bit length prefixes.
func EncodeValue(b *Buffer, v Value) error {
	b.WriteUint8(uint8(v.kind))
	switch v.kind {
	case KindNil:
		return nil
	case KindBool:
		b.WriteUint8(uint8(v.num))
		return nil
	case KindInt:
		b.WriteUint64(v.num)
		return nil
	case KindFloat:
		b.WriteUint64(v.num)
		return nil
	case KindString:
		return b.WriteString(v.str)
	case KindBinary:
		return b.WriteBinary(v.bin)
	case KindSequence:
		if len(v.seq) > maxContainerItems {
			return errspkg.ErrEncodingLimit
		}
		b.WriteUint16(uint16(len(v.seq)))
		for _, item := range v.seq {
			if err := EncodeValue(b, item); err != nil {
				return err
			}
		}
		return nil
	case KindTable:
		if len(v.tab) > maxContainerItems {
			return errspkg.ErrEncodingLimit
		}
		b.WriteUint16(uint16(len(v.tab)))
		// Sorted keys keep the encoding deterministic.
		keys := make([]string, 0, len(v.tab))
		for k := range v.tab {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := b.WriteString(k); err != nil {
				return err
			}
			if err := EncodeValue(b, v.tab[k]); err != nil {
				return err
			}
		}
		return nil
	default:
		return errspkg.NewDecodeError("unknown value kind %d", uint8(v.kind))
	}
}

// DecodeValue reads one value from the buffer cursor.
func DecodeValue(b *Buffer) (Value, error) {
	return decodeValue(b, 0)
}

func decodeValue(b *Buffer, depth int) (Value, error) {
	if depth > maxNestingDepth {
		return Value{}, errspkg.NewDecodeError("nesting deeper than %d levels", maxNestingDepth)
	}
	tag, err := b.ReadUint8()
	if err != nil {
		return Value{}, errspkg.NewDecodeError("missing kind byte")
	}
	switch Kind(tag) {
	case KindNil:
		return NilValue(), nil
	case KindBool:
		raw, err := b.ReadUint8()
		if err != nil {
			return Value{}, errspkg.NewDecodeError("truncated bool")
		}
		return BoolValue(raw == 1), nil
	case KindInt:
		raw, err := b.ReadUint64()
		if err != nil {
			return Value{}, errspkg.NewDecodeError("truncated int")
		}
		return IntValue(int64(raw)), nil
	case KindFloat:
		raw, err := b.ReadUint64()
		if err != nil {
			return Value{}, errspkg.NewDecodeError("truncated float")
		}
		return Value{kind: KindFloat, num: raw}, nil
	case KindString:
		s, err := b.ReadString()
		if err != nil {
			return Value{}, errspkg.NewDecodeError("truncated string")
		}
		return StringValue(s), nil
	case KindBinary:
		p, err := b.ReadBinary()
		if err != nil {
			return Value{}, errspkg.NewDecodeError("truncated binary")
		}
		return BinaryValue(p), nil
	case KindSequence:
		count, err := b.ReadUint16()
		if err != nil {
			return Value{}, errspkg.NewDecodeError("truncated sequence header")
		}
		items := make([]Value, 0, count)
		for i := 0; i < int(count); i++ {
			item, err := decodeValue(b, depth+1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return SequenceValue(items...), nil
	case KindTable:
		count, err := b.ReadUint16()
		if err != nil {
			return Value{}, errspkg.NewDecodeError("truncated table header")
		}
		entries := make(map[string]Value, count)
		for i := 0; i < int(count); i++ {
			key, err := b.ReadString()
			if err != nil {
				return Value{}, errspkg.NewDecodeError("truncated table key")
			}
			entry, err := decodeValue(b, depth+1)
			if err != nil {
				return Value{}, err
			}
			entries[key] = entry
		}
		return TableValue(entries), nil
	default:
		return Value{}, errspkg.NewDecodeError("unknown value kind %d", tag)
	}
}

package codec

import (
	"fmt"
	"math"
)

// AnyValue converts a native Go value into a payload Value. Supported
// inputs are the kinds themselves plus the natural Go spellings: bools,
// integer and float types, strings, []byte, []any and map[string]any
// (converted recursively), and nested Value containers. Anything else
// fails, including unsigned values beyond the int64 range.
func AnyValue(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return NilValue(), nil
	case Value:
		return x, nil
	case bool:
		return BoolValue(x), nil
	case int:
		return IntValue(int64(x)), nil
	case int8:
		return IntValue(int64(x)), nil
	case int16:
		return IntValue(int64(x)), nil
	case int32:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case uint8:
		return IntValue(int64(x)), nil
	case uint16:
		return IntValue(int64(x)), nil
	case uint32:
		return IntValue(int64(x)), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return Value{}, fmt.Errorf("wireflow: unsigned value %d overflows the integer payload range", x)
		}
		return IntValue(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, fmt.Errorf("wireflow: unsigned value %d overflows the integer payload range", x)
		}
		return IntValue(int64(x)), nil
	case float32:
		return FloatValue(float64(x)), nil
	case float64:
		return FloatValue(x), nil
	case string:
		return StringValue(x), nil
	case []byte:
		return BinaryValue(x), nil
	case []Value:
		return SequenceValue(x...), nil
	case []any:
		items := make([]Value, 0, len(x))
		for i, elem := range x {
			item, err := AnyValue(elem)
			if err != nil {
				return Value{}, fmt.Errorf("wireflow: sequence element %d: %w", i, err)
			}
			items = append(items, item)
		}
		return SequenceValue(items...), nil
	case map[string]Value:
		return TableValue(x), nil
	case map[string]any:
		entries := make(map[string]Value, len(x))
		for k, elem := range x {
			entry, err := AnyValue(elem)
			if err != nil {
				return Value{}, fmt.Errorf("wireflow: table entry %q: %w", k, err)
			}
			entries[k] = entry
		}
		return TableValue(entries), nil
	default:
		return Value{}, fmt.Errorf("wireflow: cannot convert %T to a payload value", v)
	}
}

// Any converts the value back to its native Go spelling: nil, bool,
// int64, float64, string, []byte, []any, or map[string]any.
func (v Value) Any() any {
	switch v.kind {
	case KindNil:
		return nil
	case KindBool:
		return v.Bool()
	case KindInt:
		return v.Int()
	case KindFloat:
		return v.Float()
	case KindString:
		return v.str
	case KindBinary:
		return v.bin
	case KindSequence:
		items := make([]any, len(v.seq))
		for i, item := range v.seq {
			items[i] = item.Any()
		}
		return items
	case KindTable:
		entries := make(map[string]any, len(v.tab))
		for k, entry := range v.tab {
			entries[k] = entry.Any()
		}
		return entries
	default:
		return nil
	}
}

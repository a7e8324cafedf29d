// Package dataset implements the value model, value encodings, and page
// construction for column chunks.
package dataset

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
)

// Helper types
type (
	stringptr *byte
	bytearray *byte
)

// A Value represents a single value within a column. Unlike [any], Values
// can be constructed without allocations. The zero Value corresponds to
// NULL.
type Value struct {
	// The internal representation is based on log/slog.Value, which is also
	// designed to avoid allocations:
	//
	// * Go will avoid allocating integer values that can be stored in a
	//   single byte, which applies to formatmd.ValueType.
	//
	// * Wrapping a pointer in an any does not allocate, which is why strings
	//   are stored as a stringptr rather than a string.

	_ [0]func() // Disallow equality checking of two Values

	// num holds the value for numeric types, or the length for string and
	// byte array types.
	num uint64

	// If any is of type [formatmd.ValueType], the value is in num as
	// described above. If any is of type stringptr or bytearray, the value
	// is the sequence of bytes starting at the pointer with length num.
	any any
}

// Int64Value returns a [Value] for an int64.
func Int64Value(v int64) Value {
	return Value{num: uint64(v), any: formatmd.ValueTypeInt64}
}

// Uint64Value returns a [Value] for a uint64.
func Uint64Value(v uint64) Value {
	return Value{num: v, any: formatmd.ValueTypeUint64}
}

// StringValue returns a [Value] for a string.
func StringValue(v string) Value {
	return Value{
		num: uint64(len(v)),
		any: (stringptr)(unsafe.StringData(v)),
	}
}

// ByteArrayValue returns a [Value] for a byte slice.
func ByteArrayValue(v []byte) Value {
	return Value{
		num: uint64(len(v)),
		any: (bytearray)(unsafe.SliceData(v)),
	}
}

// IsNil returns whether v is NULL.
func (v Value) IsNil() bool {
	return v.any == nil
}

// Type returns the [formatmd.ValueType] of v. If v is nil, Type returns
// [formatmd.ValueTypeUnspecified].
func (v Value) Type() formatmd.ValueType {
	if v.IsNil() {
		return formatmd.ValueTypeUnspecified
	}

	switch v := v.any.(type) {
	case formatmd.ValueType:
		return v
	case stringptr:
		return formatmd.ValueTypeString
	case bytearray:
		return formatmd.ValueTypeByteArray
	default:
		panic(fmt.Sprintf("dataset.Value has unexpected type %T", v))
	}
}

// Int64 returns v's value as an int64. It panics if v is not a
// [formatmd.ValueTypeInt64].
func (v Value) Int64() int64 {
	if expect, actual := formatmd.ValueTypeInt64, v.Type(); expect != actual {
		panic(fmt.Sprintf("dataset.Value type is %s, not %s", actual, expect))
	}
	return int64(v.num)
}

// Uint64 returns v's value as a uint64. It panics if v is not a
// [formatmd.ValueTypeUint64].
func (v Value) Uint64() uint64 {
	if expect, actual := formatmd.ValueTypeUint64, v.Type(); expect != actual {
		panic(fmt.Sprintf("dataset.Value type is %s, not %s", actual, expect))
	}
	return v.num
}

// String returns v's value as a string. Because of Go's String method
// convention, if v is not a string, String returns a string of the form
// "ValueType(T)" describing the underlying type of v.
func (v Value) String() string {
	if sp, ok := v.any.(stringptr); ok {
		return unsafe.String(sp, v.num)
	}
	return v.Type().String()
}

// ByteArray returns v's value as a byte slice. It panics if v is not a
// [formatmd.ValueTypeByteArray].
func (v Value) ByteArray() []byte {
	if ba, ok := v.any.(bytearray); ok {
		return unsafe.Slice(ba, v.num)
	}
	panic(fmt.Sprintf("dataset.Value type is %s, not %s", v.Type(), formatmd.ValueTypeByteArray))
}

// Bytes returns the raw bytes of a string or byte array value, regardless of
// which of the two types v is. It panics for other types.
func (v Value) Bytes() []byte {
	switch p := v.any.(type) {
	case stringptr:
		return unsafe.Slice((*byte)(p), v.num)
	case bytearray:
		return unsafe.Slice((*byte)(p), v.num)
	default:
		panic(fmt.Sprintf("dataset.Value type is %s, not a byte sequence", v.Type()))
	}
}

// MarshalBinary encodes v into a binary representation. Non-NULL values
// encode first with the type (as a uvarint), followed by the value:
//
//   - [formatmd.ValueTypeInt64] encodes as a varint.
//   - [formatmd.ValueTypeUint64] encodes as a uvarint.
//   - [formatmd.ValueTypeString] and [formatmd.ValueTypeByteArray] encode as
//     their raw bytes.
//
// NULL values encode as nil.
func (v Value) MarshalBinary() (data []byte, err error) {
	if v.IsNil() {
		return nil, nil
	}

	buf := binary.AppendUvarint(nil, uint64(v.Type()))

	switch v.Type() {
	case formatmd.ValueTypeInt64:
		buf = binary.AppendVarint(buf, v.Int64())
	case formatmd.ValueTypeUint64:
		buf = binary.AppendUvarint(buf, v.Uint64())
	case formatmd.ValueTypeString, formatmd.ValueTypeByteArray:
		buf = append(buf, v.Bytes()...)
	default:
		return nil, fmt.Errorf("dataset.Value.MarshalBinary: unsupported type %s", v.Type())
	}

	return buf, nil
}

// UnmarshalBinary decodes a Value from a binary representation. See
// [Value.MarshalBinary] for the encoding format.
func (v *Value) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		*v = Value{} // NULL
		return nil
	}

	typ, n := binary.Uvarint(data)
	if n <= 0 {
		return fmt.Errorf("dataset.Value.UnmarshalBinary: invalid type")
	}

	switch vtyp := formatmd.ValueType(typ); vtyp {
	case formatmd.ValueTypeInt64:
		val, n := binary.Varint(data[n:])
		if n <= 0 {
			return fmt.Errorf("dataset.Value.UnmarshalBinary: invalid int64 value")
		}
		*v = Int64Value(val)
	case formatmd.ValueTypeUint64:
		val, n := binary.Uvarint(data[n:])
		if n <= 0 {
			return fmt.Errorf("dataset.Value.UnmarshalBinary: invalid uint64 value")
		}
		*v = Uint64Value(val)
	case formatmd.ValueTypeString:
		*v = StringValue(string(data[n:]))
	case formatmd.ValueTypeByteArray:
		*v = ByteArrayValue(data[n:])
	default:
		return fmt.Errorf("dataset.Value.UnmarshalBinary: unsupported type %s", vtyp)
	}

	return nil
}

// CompareValues returns -1 if a<b, 0 if a==b, or 1 if a>b. CompareValues
// panics if a and b are not the same type.
//
// As a special case, either a or b may be nil. Two nil values are equal, and
// a nil value is always less than a non-nil value.
func CompareValues(a, b Value) int {
	switch {
	case a.IsNil() && !b.IsNil():
		return -1
	case !a.IsNil() && b.IsNil():
		return 1
	case a.IsNil() && b.IsNil():
		return 0
	}

	if a.Type() != b.Type() {
		panic(fmt.Sprintf("dataset.CompareValues: cannot compare values of type %s and %s", a.Type(), b.Type()))
	}

	switch a.Type() {
	case formatmd.ValueTypeInt64:
		return cmp.Compare(a.Int64(), b.Int64())
	case formatmd.ValueTypeUint64:
		return cmp.Compare(a.Uint64(), b.Uint64())
	case formatmd.ValueTypeString, formatmd.ValueTypeByteArray:
		return bytes.Compare(a.Bytes(), b.Bytes())
	default:
		panic(fmt.Sprintf("dataset.CompareValues: unsupported type %s", a.Type()))
	}
}

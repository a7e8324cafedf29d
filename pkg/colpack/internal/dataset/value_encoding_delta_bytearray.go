package dataset

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
	"github.com/grafana/colpack/pkg/colpack/internal/streamio"
)

func init() {
	for _, vt := range []formatmd.ValueType{
		formatmd.ValueTypeString,
		formatmd.ValueTypeByteArray,
	} {
		registerValueEncoding(
			vt,
			formatmd.EncodingDeltaLengthByteArray,
			func(w streamio.Writer) valueEncoder { return newDeltaLengthEncoder(vt, w) },
			func(r streamio.Reader) valueDecoder { return newDeltaLengthDecoder(vt, r) },
		)
		registerValueEncoding(
			vt,
			formatmd.EncodingDeltaByteArray,
			func(w streamio.Writer) valueEncoder { return newDeltaByteArrayEncoder(vt, w) },
			func(r streamio.Reader) valueDecoder { return newDeltaByteArrayDecoder(vt, r) },
		)
	}
}

// deltaLengthEncoder implements the delta length byte array layout: all
// value lengths as one delta binary packed plane, followed by the raw
// concatenated bytes.
type deltaLengthEncoder struct {
	valueType formatmd.ValueType
	w         streamio.Writer

	lengths []int64
	data    []byte // Concatenated value bytes, copied out of caller memory.
}

var _ valueEncoder = (*deltaLengthEncoder)(nil)

func newDeltaLengthEncoder(valueType formatmd.ValueType, w streamio.Writer) *deltaLengthEncoder {
	return &deltaLengthEncoder{valueType: valueType, w: w}
}

// ValueType returns the type of values supported by the encoder.
func (enc *deltaLengthEncoder) ValueType() formatmd.ValueType { return enc.valueType }

// EncodingType returns [formatmd.EncodingDeltaLengthByteArray].
func (enc *deltaLengthEncoder) EncodingType() formatmd.EncodingType {
	return formatmd.EncodingDeltaLengthByteArray
}

// Encode buffers a new value.
func (enc *deltaLengthEncoder) Encode(v Value) error {
	if v.Type() != enc.valueType {
		return fmt.Errorf("delta-length: invalid value type %s, expected %s", v.Type(), enc.valueType)
	}
	b := v.Bytes()
	enc.lengths = append(enc.lengths, int64(len(b)))
	enc.data = append(enc.data, b...)
	return nil
}

// Flush writes the lengths plane followed by the value bytes.
func (enc *deltaLengthEncoder) Flush() error {
	if len(enc.lengths) == 0 {
		return nil
	}

	lengthsEnc := newDeltaEncoder(formatmd.ValueTypeInt64, enc.w)
	for _, l := range enc.lengths {
		if err := lengthsEnc.Encode(Int64Value(l)); err != nil {
			return err
		}
	}
	if err := lengthsEnc.Flush(); err != nil {
		return err
	}

	if _, err := enc.w.Write(enc.data); err != nil {
		return err
	}

	enc.lengths = enc.lengths[:0]
	enc.data = enc.data[:0]
	return nil
}

// Reset resets the encoder to write to w.
func (enc *deltaLengthEncoder) Reset(w streamio.Writer) {
	enc.w = w
	enc.lengths = enc.lengths[:0]
	enc.data = enc.data[:0]
}

// deltaLengthDecoder decodes planes written by [deltaLengthEncoder].
type deltaLengthDecoder struct {
	valueType formatmd.ValueType
	r         streamio.Reader

	lengths []int64
	idx     int
}

var _ valueDecoder = (*deltaLengthDecoder)(nil)

func newDeltaLengthDecoder(valueType formatmd.ValueType, r streamio.Reader) *deltaLengthDecoder {
	return &deltaLengthDecoder{valueType: valueType, r: r}
}

// ValueType returns the type of values supported by the decoder.
func (dec *deltaLengthDecoder) ValueType() formatmd.ValueType { return dec.valueType }

// EncodingType returns [formatmd.EncodingDeltaLengthByteArray].
func (dec *deltaLengthDecoder) EncodingType() formatmd.EncodingType {
	return formatmd.EncodingDeltaLengthByteArray
}

// Decode decodes up to len(s) values.
func (dec *deltaLengthDecoder) Decode(s []Value) (int, error) {
	if len(s) == 0 {
		return 0, nil
	}

	if dec.lengths == nil {
		lengths, err := drainDeltaInt64(dec.r)
		if err != nil {
			return 0, err
		}
		dec.lengths = lengths
		dec.idx = 0
	}

	for i := range s {
		if dec.idx >= len(dec.lengths) {
			if i == 0 {
				return 0, io.EOF
			}
			return i, nil
		}

		length := dec.lengths[dec.idx]
		if length < 0 || length > math.MaxInt32 {
			return i, fmt.Errorf("delta-length: invalid value length %d", length)
		}
		b, err := readSized(dec.r, int(length))
		if err != nil {
			return i, eofIsCorrupt(err)
		}
		dec.idx++

		if dec.valueType == formatmd.ValueTypeString {
			s[i] = StringValue(unsafeString(b))
		} else {
			s[i] = ByteArrayValue(b)
		}
	}
	return len(s), nil
}

// Reset resets the decoder to read from r.
func (dec *deltaLengthDecoder) Reset(r streamio.Reader) {
	dec.r = r
	dec.lengths = nil
	dec.idx = 0
}

// drainDeltaInt64 decodes a complete delta binary packed plane from r,
// stopping after the plane's declared value count. An empty stream yields an
// empty slice.
func drainDeltaInt64(r streamio.Reader) ([]int64, error) {
	var (
		out []int64
		dec = newDeltaDecoder(formatmd.ValueTypeInt64, r)
		buf = make([]Value, 64)
	)
	for {
		n, err := dec.Decode(buf)
		for _, v := range buf[:n] {
			out = append(out, v.Int64())
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
	}
}

// deltaByteArrayEncoder implements the delta byte array (incremental
// encoding) layout: shared-prefix lengths as a delta binary packed plane,
// followed by the suffixes in delta length byte array form.
type deltaByteArrayEncoder struct {
	valueType formatmd.ValueType
	w         streamio.Writer

	prefixLengths []int64
	suffixes      *deltaLengthEncoder
	prev          []byte
}

var _ valueEncoder = (*deltaByteArrayEncoder)(nil)

func newDeltaByteArrayEncoder(valueType formatmd.ValueType, w streamio.Writer) *deltaByteArrayEncoder {
	return &deltaByteArrayEncoder{
		valueType: valueType,
		w:         w,
		// Suffixes are raw byte fragments regardless of the column type.
		suffixes: newDeltaLengthEncoder(formatmd.ValueTypeByteArray, w),
	}
}

// ValueType returns the type of values supported by the encoder.
func (enc *deltaByteArrayEncoder) ValueType() formatmd.ValueType { return enc.valueType }

// EncodingType returns [formatmd.EncodingDeltaByteArray].
func (enc *deltaByteArrayEncoder) EncodingType() formatmd.EncodingType {
	return formatmd.EncodingDeltaByteArray
}

// Encode buffers a new value.
func (enc *deltaByteArrayEncoder) Encode(v Value) error {
	if v.Type() != enc.valueType {
		return fmt.Errorf("delta-bytearray: invalid value type %s, expected %s", v.Type(), enc.valueType)
	}

	b := v.Bytes()
	prefix := sharedPrefix(enc.prev, b)
	enc.prefixLengths = append(enc.prefixLengths, int64(prefix))

	if err := enc.suffixes.Encode(ByteArrayValue(b[prefix:])); err != nil {
		return err
	}

	enc.prev = append(enc.prev[:0], b...)
	return nil
}

// Flush writes the prefix lengths plane followed by the suffix plane.
func (enc *deltaByteArrayEncoder) Flush() error {
	if len(enc.prefixLengths) == 0 {
		return nil
	}

	prefixEnc := newDeltaEncoder(formatmd.ValueTypeInt64, enc.w)
	for _, l := range enc.prefixLengths {
		if err := prefixEnc.Encode(Int64Value(l)); err != nil {
			return err
		}
	}
	if err := prefixEnc.Flush(); err != nil {
		return err
	}

	if err := enc.suffixes.Flush(); err != nil {
		return err
	}

	enc.prefixLengths = enc.prefixLengths[:0]
	enc.prev = enc.prev[:0]
	return nil
}

// Reset resets the encoder to write to w.
func (enc *deltaByteArrayEncoder) Reset(w streamio.Writer) {
	enc.w = w
	enc.prefixLengths = enc.prefixLengths[:0]
	enc.prev = enc.prev[:0]
	enc.suffixes.Reset(w)
}

func sharedPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// deltaByteArrayDecoder decodes planes written by [deltaByteArrayEncoder].
type deltaByteArrayDecoder struct {
	valueType formatmd.ValueType
	r         streamio.Reader

	prefixLengths []int64
	suffixes      *deltaLengthDecoder
	idx           int
	prev          []byte
}

var _ valueDecoder = (*deltaByteArrayDecoder)(nil)

func newDeltaByteArrayDecoder(valueType formatmd.ValueType, r streamio.Reader) *deltaByteArrayDecoder {
	return &deltaByteArrayDecoder{
		valueType: valueType,
		r:         r,
		suffixes:  newDeltaLengthDecoder(formatmd.ValueTypeByteArray, r),
	}
}

// ValueType returns the type of values supported by the decoder.
func (dec *deltaByteArrayDecoder) ValueType() formatmd.ValueType { return dec.valueType }

// EncodingType returns [formatmd.EncodingDeltaByteArray].
func (dec *deltaByteArrayDecoder) EncodingType() formatmd.EncodingType {
	return formatmd.EncodingDeltaByteArray
}

// Decode decodes up to len(s) values.
func (dec *deltaByteArrayDecoder) Decode(s []Value) (int, error) {
	if len(s) == 0 {
		return 0, nil
	}

	if dec.prefixLengths == nil {
		lengths, err := drainDeltaInt64(dec.r)
		if err != nil {
			return 0, err
		}
		dec.prefixLengths = lengths
		dec.idx = 0
	}

	var suffix [1]Value
	for i := range s {
		if dec.idx >= len(dec.prefixLengths) {
			if i == 0 {
				return 0, io.EOF
			}
			return i, nil
		}

		n, err := dec.suffixes.Decode(suffix[:])
		if err != nil && !errors.Is(err, io.EOF) {
			return i, err
		}
		if n != 1 {
			return i, fmt.Errorf("delta-bytearray: %d prefixes but suffix stream ended: %w", len(dec.prefixLengths), io.ErrUnexpectedEOF)
		}

		prefix := dec.prefixLengths[dec.idx]
		if prefix < 0 || int(prefix) > len(dec.prev) {
			return i, fmt.Errorf("delta-bytearray: invalid prefix length %d of %d previous bytes", prefix, len(dec.prev))
		}

		b := make([]byte, int(prefix)+len(suffix[0].ByteArray()))
		copy(b, dec.prev[:prefix])
		copy(b[prefix:], suffix[0].ByteArray())

		dec.prev = b
		dec.idx++

		if dec.valueType == formatmd.ValueTypeString {
			s[i] = StringValue(unsafeString(b))
		} else {
			s[i] = ByteArrayValue(b)
		}
	}
	return len(s), nil
}

// Reset resets the decoder to read from r.
func (dec *deltaByteArrayDecoder) Reset(r streamio.Reader) {
	dec.r = r
	dec.prefixLengths = nil
	dec.prev = nil
	dec.idx = 0
	dec.suffixes.Reset(r)
}

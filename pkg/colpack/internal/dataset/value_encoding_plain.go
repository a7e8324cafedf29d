package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unsafe"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
	"github.com/grafana/colpack/pkg/colpack/internal/streamio"
)

func init() {
	for _, vt := range []formatmd.ValueType{
		formatmd.ValueTypeInt64,
		formatmd.ValueTypeUint64,
		formatmd.ValueTypeString,
		formatmd.ValueTypeByteArray,
	} {
		registerValueEncoding(
			vt,
			formatmd.EncodingPlain,
			func(w streamio.Writer) valueEncoder { return newPlainEncoder(vt, w) },
			func(r streamio.Reader) valueDecoder { return newPlainDecoder(vt, r) },
		)
	}
}

// plainEncoder writes values back-to-back in their native little-endian
// layout. Fixed-width types take 8 bytes each; strings and byte arrays are
// prefixed with a 4-byte little-endian length.
type plainEncoder struct {
	valueType formatmd.ValueType
	w         streamio.Writer
	buf       [8]byte
}

var _ valueEncoder = (*plainEncoder)(nil)

func newPlainEncoder(valueType formatmd.ValueType, w streamio.Writer) *plainEncoder {
	return &plainEncoder{valueType: valueType, w: w}
}

// ValueType returns the type of values supported by the encoder.
func (enc *plainEncoder) ValueType() formatmd.ValueType { return enc.valueType }

// EncodingType returns [formatmd.EncodingPlain].
func (enc *plainEncoder) EncodingType() formatmd.EncodingType { return formatmd.EncodingPlain }

// Encode encodes a new value.
func (enc *plainEncoder) Encode(v Value) error {
	if v.Type() != enc.valueType {
		return fmt.Errorf("plain: invalid value type %s, expected %s", v.Type(), enc.valueType)
	}

	switch enc.valueType {
	case formatmd.ValueTypeInt64:
		binary.LittleEndian.PutUint64(enc.buf[:], uint64(v.Int64()))
		_, err := enc.w.Write(enc.buf[:])
		return err

	case formatmd.ValueTypeUint64:
		binary.LittleEndian.PutUint64(enc.buf[:], v.Uint64())
		_, err := enc.w.Write(enc.buf[:])
		return err

	case formatmd.ValueTypeString, formatmd.ValueTypeByteArray:
		b := v.Bytes()
		if len(b) > math.MaxUint32 {
			return fmt.Errorf("plain: value of %d bytes exceeds the 4-byte length prefix", len(b))
		}
		binary.LittleEndian.PutUint32(enc.buf[:4], uint32(len(b)))
		if _, err := enc.w.Write(enc.buf[:4]); err != nil {
			return err
		}
		_, err := enc.w.Write(b)
		return err

	default:
		return fmt.Errorf("plain: unsupported value type %s", enc.valueType)
	}
}

// Flush implements [valueEncoder]. It is a no-op for plainEncoder.
func (enc *plainEncoder) Flush() error { return nil }

// Reset resets the encoder to write to w.
func (enc *plainEncoder) Reset(w streamio.Writer) { enc.w = w }

// plainDecoder decodes values written by [plainEncoder].
type plainDecoder struct {
	valueType formatmd.ValueType
	r         streamio.Reader
	buf       [8]byte
}

var _ valueDecoder = (*plainDecoder)(nil)

func newPlainDecoder(valueType formatmd.ValueType, r streamio.Reader) *plainDecoder {
	return &plainDecoder{valueType: valueType, r: r}
}

// ValueType returns the type of values supported by the decoder.
func (dec *plainDecoder) ValueType() formatmd.ValueType { return dec.valueType }

// EncodingType returns [formatmd.EncodingPlain].
func (dec *plainDecoder) EncodingType() formatmd.EncodingType { return formatmd.EncodingPlain }

// Decode decodes up to len(s) values.
func (dec *plainDecoder) Decode(s []Value) (int, error) {
	if len(s) == 0 {
		return 0, nil
	}

	for i := range s {
		v, err := dec.decode()
		if errors.Is(err, io.EOF) {
			if i == 0 {
				return 0, io.EOF
			}
			return i, nil
		} else if err != nil {
			return i, err
		}
		s[i] = v
	}
	return len(s), nil
}

func (dec *plainDecoder) decode() (Value, error) {
	switch dec.valueType {
	case formatmd.ValueTypeInt64:
		if err := readFull(dec.r, dec.buf[:8]); err != nil {
			return Value{}, err
		}
		return Int64Value(int64(binary.LittleEndian.Uint64(dec.buf[:]))), nil

	case formatmd.ValueTypeUint64:
		if err := readFull(dec.r, dec.buf[:8]); err != nil {
			return Value{}, err
		}
		return Uint64Value(binary.LittleEndian.Uint64(dec.buf[:])), nil

	case formatmd.ValueTypeString, formatmd.ValueTypeByteArray:
		if err := readFull(dec.r, dec.buf[:4]); err != nil {
			return Value{}, err
		}
		length := binary.LittleEndian.Uint32(dec.buf[:4])
		b, err := readSized(dec.r, int(length))
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A length prefix with missing bytes is a truncated stream,
				// not a clean end.
				err = io.ErrUnexpectedEOF
			}
			return Value{}, err
		}
		if dec.valueType == formatmd.ValueTypeString {
			return StringValue(unsafeString(b)), nil
		}
		return ByteArrayValue(b), nil

	default:
		return Value{}, fmt.Errorf("plain: unsupported value type %s", dec.valueType)
	}
}

// Reset resets the decoder to read from r.
func (dec *plainDecoder) Reset(r streamio.Reader) { dec.r = r }

// readFull reads exactly len(b) bytes from r. Unlike [io.ReadFull], it
// returns io.EOF only when zero bytes were read; a partial read returns
// [io.ErrUnexpectedEOF].
func readFull(r io.Reader, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := io.ReadFull(r, b)
	return err
}

// readSized reads exactly n bytes from r. The buffer grows in bounded steps
// so a corrupt length prefix cannot force a huge allocation before the
// stream runs out.
func readSized(r io.Reader, n int) ([]byte, error) {
	const chunk = 1 << 20
	if n <= chunk {
		b := make([]byte, n)
		if err := readFull(r, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	b := make([]byte, 0, chunk)
	for len(b) < n {
		step := min(chunk, n-len(b))
		start := len(b)
		b = append(b, make([]byte, step)...)
		if _, err := io.ReadFull(r, b[start:]); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return b, nil
}

func unsafeString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

package dataset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
)

func Test_valueEncodings_roundTrip(t *testing.T) {
	tt := []struct {
		name      string
		valueType formatmd.ValueType
		encoding  formatmd.EncodingType
		values    []Value
	}{
		{
			name:      "int64 plain",
			valueType: formatmd.ValueTypeInt64,
			encoding:  formatmd.EncodingPlain,
			values:    int64Values(-5, 0, 5, 1<<40, -(1 << 40)),
		},
		{
			name:      "int64 delta monotonic",
			valueType: formatmd.ValueTypeInt64,
			encoding:  formatmd.EncodingDeltaBinaryPacked,
			values:    int64Range(1000, 1500),
		},
		{
			name:      "int64 delta mixed signs",
			valueType: formatmd.ValueTypeInt64,
			encoding:  formatmd.EncodingDeltaBinaryPacked,
			values:    int64Values(7, -3, 12, 12, -100000, 99, 0, 1<<50),
		},
		{
			name:      "int64 rle runs",
			valueType: formatmd.ValueTypeInt64,
			encoding:  formatmd.EncodingRLE,
			values:    int64Values(1, 1, 1, 2, 2, 3),
		},
		{
			name:      "int64 rle negative runs",
			valueType: formatmd.ValueTypeInt64,
			encoding:  formatmd.EncodingRLE,
			values:    repeatInt64(-42, 100),
		},
		{
			name:      "uint64 plain",
			valueType: formatmd.ValueTypeUint64,
			encoding:  formatmd.EncodingPlain,
			values:    uint64Values(0, 1, 1<<63, ^uint64(0)),
		},
		{
			name:      "uint64 rle long run",
			valueType: formatmd.ValueTypeUint64,
			encoding:  formatmd.EncodingRLE,
			values:    repeatUint64(7, 1000),
		},
		{
			name:      "uint64 rle alternating",
			valueType: formatmd.ValueTypeUint64,
			encoding:  formatmd.EncodingRLE,
			values:    alternatingUint64(0, 1, 57),
		},
		{
			name:      "uint64 delta wraparound",
			valueType: formatmd.ValueTypeUint64,
			encoding:  formatmd.EncodingDeltaBinaryPacked,
			values:    uint64Values(0, ^uint64(0), 1, 1<<62),
		},
		{
			name:      "string plain",
			valueType: formatmd.ValueTypeString,
			encoding:  formatmd.EncodingPlain,
			values:    stringValues("hello", "", "world", "colpack"),
		},
		{
			name:      "string delta length",
			valueType: formatmd.ValueTypeString,
			encoding:  formatmd.EncodingDeltaLengthByteArray,
			values:    stringValues("a", "bb", "", "dddd", "x"),
		},
		{
			name:      "string delta byte array shared prefixes",
			valueType: formatmd.ValueTypeString,
			encoding:  formatmd.EncodingDeltaByteArray,
			values:    stringValues("app", "apple", "apply", "banana", "band", "", "bandana"),
		},
		{
			name:      "byte array plain",
			valueType: formatmd.ValueTypeByteArray,
			encoding:  formatmd.EncodingPlain,
			values:    byteArrayValues([]byte{0x00}, []byte{}, []byte{0xff, 0x00, 0x01}),
		},
		{
			name:      "byte array delta byte array",
			valueType: formatmd.ValueTypeByteArray,
			encoding:  formatmd.EncodingDeltaByteArray,
			values:    byteArrayValues([]byte("prefix-1"), []byte("prefix-2"), []byte("other")),
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			roundTripValues(t, tc.valueType, tc.encoding, tc.values)
		})
	}
}

func Test_valueEncodings_empty(t *testing.T) {
	for key := range registry {
		t.Run(fmt.Sprintf("%s/%s", key.Value, key.Encoding), func(t *testing.T) {
			roundTripValues(t, key.Value, key.Encoding, nil)
		})
	}
}

func Test_valueEncodings_largeRandom(t *testing.T) {
	rnd := rand.New(rand.NewSource(875250))

	var ints []Value
	for i := 0; i < 5000; i++ {
		ints = append(ints, Int64Value(rnd.Int63n(1000)-500))
	}
	roundTripValues(t, formatmd.ValueTypeInt64, formatmd.EncodingDeltaBinaryPacked, ints)
	roundTripValues(t, formatmd.ValueTypeInt64, formatmd.EncodingPlain, ints)

	var strs []Value
	for i := 0; i < 2000; i++ {
		strs = append(strs, StringValue(fmt.Sprintf("key-%06d", rnd.Intn(100))))
	}
	roundTripValues(t, formatmd.ValueTypeString, formatmd.EncodingDeltaLengthByteArray, strs)
	roundTripValues(t, formatmd.ValueTypeString, formatmd.EncodingDeltaByteArray, strs)
}

func Fuzz_deltaEncoder_roundTrip(f *testing.F) {
	f.Add(int64(775990), 100)
	f.Add(int64(290045), 1)
	f.Add(int64(660824), 128)
	f.Add(int64(958350), 1000)

	f.Fuzz(func(t *testing.T, seed int64, count int) {
		if count <= 0 || count > 100_000 {
			t.Skip()
		}

		rnd := rand.New(rand.NewSource(seed))
		values := make([]Value, count)
		for i := range values {
			values[i] = Int64Value(rnd.Int63() - rnd.Int63())
		}
		roundTripValues(t, formatmd.ValueTypeInt64, formatmd.EncodingDeltaBinaryPacked, values)
	})
}

func Fuzz_rleEncoder_roundTrip(f *testing.F) {
	f.Add(int64(775990), 100, 4)
	f.Add(int64(290045), 1, 1)
	f.Add(int64(660824), 2048, 16)

	f.Fuzz(func(t *testing.T, seed int64, count, cardinality int) {
		if count <= 0 || count > 100_000 || cardinality <= 0 {
			t.Skip()
		}

		rnd := rand.New(rand.NewSource(seed))
		values := make([]Value, count)
		for i := range values {
			values[i] = Uint64Value(uint64(rnd.Intn(cardinality)))
		}
		roundTripValues(t, formatmd.ValueTypeUint64, formatmd.EncodingRLE, values)
	})
}

func Test_valueDecoder_truncated(t *testing.T) {
	values := int64Range(0, 200)

	for _, encoding := range []formatmd.EncodingType{
		formatmd.EncodingPlain,
		formatmd.EncodingRLE,
		formatmd.EncodingDeltaBinaryPacked,
	} {
		t.Run(encoding.String(), func(t *testing.T) {
			var buf bytes.Buffer
			enc, ok := newValueEncoder(formatmd.ValueTypeInt64, encoding, &buf)
			require.True(t, ok)
			for _, v := range values {
				require.NoError(t, enc.Encode(v))
			}
			require.NoError(t, enc.Flush())

			truncated := buf.Bytes()[:buf.Len()/2]
			dec, ok := newValueDecoder(formatmd.ValueTypeInt64, encoding, bytes.NewReader(truncated))
			require.True(t, ok)

			_, err := decodeAll(dec, len(values))
			require.Error(t, err)
		})
	}
}

func Test_plainDecoder_hugeLengthPrefix(t *testing.T) {
	// A length prefix near 4 GiB backed by three bytes must fail on the
	// stream running out, not by allocating the declared length up front.
	buf := binary.LittleEndian.AppendUint32(nil, 0xfffffff0)
	buf = append(buf, "abc"...)

	dec := newPlainDecoder(formatmd.ValueTypeString, bytes.NewReader(buf))
	_, err := dec.Decode(make([]Value, 1))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func Test_deltaLengthDecoder_hugeLength(t *testing.T) {
	var buf bytes.Buffer
	lengths := newDeltaEncoder(formatmd.ValueTypeInt64, &buf)
	require.NoError(t, lengths.Encode(Int64Value(1<<40)))
	require.NoError(t, lengths.Flush())
	buf.WriteString("abc")

	dec := newDeltaLengthDecoder(formatmd.ValueTypeString, &buf)
	_, err := dec.Decode(make([]Value, 1))
	require.Error(t, err)
}

// roundTripValues encodes values, decodes exactly len(values) back, and
// compares them. Decoders may produce trailing padding beyond the requested
// count, which callers of the registry discard by decoding exact counts.
func roundTripValues(t *testing.T, valueType formatmd.ValueType, encoding formatmd.EncodingType, values []Value) {
	t.Helper()

	var buf bytes.Buffer
	enc, ok := newValueEncoder(valueType, encoding, &buf)
	require.True(t, ok, "no encoder for %s/%s", valueType, encoding)
	for _, v := range values {
		require.NoError(t, enc.Encode(v))
	}
	require.NoError(t, enc.Flush())

	dec, ok := newValueDecoder(valueType, encoding, bytes.NewReader(buf.Bytes()))
	require.True(t, ok, "no decoder for %s/%s", valueType, encoding)

	out, err := decodeAll(dec, len(values))
	require.NoError(t, err)
	require.Equal(t, len(values), len(out))
	for i := range values {
		requireValueEqual(t, values[i], out[i])
	}
}

// decodeAll decodes exactly n values using deliberately awkward batch
// sizes.
func decodeAll(dec valueDecoder, n int) ([]Value, error) {
	out := make([]Value, 0, n)
	batch := make([]Value, 3)
	for len(out) < n {
		count, err := dec.Decode(batch)
		out = append(out, batch[:count]...)
		if errors.Is(err, io.EOF) {
			if len(out) < n {
				return nil, io.ErrUnexpectedEOF
			}
			break
		} else if err != nil {
			return nil, err
		}
	}
	return out[:n], nil
}

func requireValueEqual(t *testing.T, want, got Value) {
	t.Helper()
	require.Equal(t, want.Type(), got.Type())
	require.Zero(t, CompareValues(want, got), "values differ: want %v, got %v", want, got)
}

func int64Values(vs ...int64) []Value {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = Int64Value(v)
	}
	return out
}

func int64Range(lo, hi int64) []Value {
	var out []Value
	for v := lo; v < hi; v++ {
		out = append(out, Int64Value(v))
	}
	return out
}

func repeatInt64(v int64, n int) []Value {
	out := make([]Value, n)
	for i := range out {
		out[i] = Int64Value(v)
	}
	return out
}

func uint64Values(vs ...uint64) []Value {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = Uint64Value(v)
	}
	return out
}

func repeatUint64(v uint64, n int) []Value {
	out := make([]Value, n)
	for i := range out {
		out[i] = Uint64Value(v)
	}
	return out
}

func alternatingUint64(a, b uint64, n int) []Value {
	out := make([]Value, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = Uint64Value(a)
		} else {
			out[i] = Uint64Value(b)
		}
	}
	return out
}

func stringValues(vs ...string) []Value {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = StringValue(v)
	}
	return out
}

func byteArrayValues(vs ...[]byte) []Value {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = ByteArrayValue(v)
	}
	return out
}

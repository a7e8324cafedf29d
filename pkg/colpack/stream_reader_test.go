package colpack

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFrameStream drains a builder's pages into one frame stream, the
// transport format a StreamReader consumes.
func buildFrameStream(t *testing.T, schema ColumnSchema, cfg BuilderConfig, values []Value) []byte {
	t.Helper()

	builder, err := NewColumnChunkBuilder(schema, cfg)
	require.NoError(t, err)
	for _, v := range values {
		require.NoError(t, builder.Append(v))
	}
	_, err = builder.Finalize()
	require.NoError(t, err)

	var buf bytes.Buffer
	for page := builder.NextPage(); page != nil; page = builder.NextPage() {
		_, err := page.WriteTo(&buf)
		require.NoError(t, err)
	}
	return buf.Bytes()
}

func drainStream(t *testing.T, s *StreamReader, maxDefLevel int) []Value {
	t.Helper()

	var out []Value
	for {
		page, ok := s.NextPage()
		if !ok {
			return out
		}
		out = append(out, page.Rows(maxDefLevel)...)
	}
}

func Test_StreamReader_chunkingEquivalence(t *testing.T) {
	tt := []struct {
		name   string
		schema ColumnSchema
		values []Value
	}{
		{
			name:   "int64 delta",
			schema: ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingDeltaBinaryPacked},
			values: sequenceInt64(3000),
		},
		{
			name:   "string dictionary",
			schema: ColumnSchema{ValueType: ValueTypeString, Encoding: EncodingRLEDictionary},
			values: lowCardinalityStrings(2000),
		},
		{
			name:   "nullable string",
			schema: ColumnSchema{ValueType: ValueTypeString, Encoding: EncodingPlain, MaxDefLevel: 1},
			values: withNulls(keyStrings(1000), 4),
		},
	}

	feeds := map[string]int{
		"whole":      0,
		"one byte":   1,
		"seven":      7,
		"page-ish":   600,
		"large odds": 4093,
	}

	for _, tc := range tt {
		stream := buildFrameStream(t, tc.schema, testConfig(), tc.values)

		var want []Value
		for feedName, feedSize := range feeds {
			t.Run(fmt.Sprintf("%s/%s", tc.name, feedName), func(t *testing.T) {
				s, err := NewStreamReader(tc.schema, 0)
				require.NoError(t, err)

				if feedSize == 0 {
					_, err := s.Write(stream)
					require.NoError(t, err)
				} else {
					for off := 0; off < len(stream); off += feedSize {
						end := min(off+feedSize, len(stream))
						n, err := s.Write(stream[off:end])
						require.NoError(t, err)
						require.Equal(t, end-off, n)
					}
				}
				require.NoError(t, s.Close())

				got := drainStream(t, s, tc.schema.MaxDefLevel)
				require.Equal(t, len(tc.values), len(got))
				for i := range tc.values {
					requireSameValue(t, tc.values[i], got[i])
				}

				// Every feed pattern must agree with the first one.
				if want == nil {
					want = got
				} else {
					require.Equal(t, len(want), len(got))
				}
			})
		}
	}
}

func Test_StreamReader_pagesAvailableIncrementally(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain}
	stream := buildFrameStream(t, schema, testConfig(), sequenceInt64(5000))

	s, err := NewStreamReader(schema, 0)
	require.NoError(t, err)

	// Pages surface as soon as their frames complete, before the stream
	// ends.
	var sawEarlyPage bool
	for off := 0; off < len(stream); off += 512 {
		end := min(off+512, len(stream))
		_, err := s.Write(stream[off:end])
		require.NoError(t, err)

		if end < len(stream) {
			if _, ok := s.NextPage(); ok {
				sawEarlyPage = true
				break
			}
		}
	}
	require.True(t, sawEarlyPage)
}

func Test_StreamReader_corrupt(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain}
	stream := bytes.Clone(buildFrameStream(t, schema, testConfig(), sequenceInt64(1000)))

	// Corrupt a byte near the end of the first frame's payload.
	stream[200] ^= 0xff

	s, err := NewStreamReader(schema, 0)
	require.NoError(t, err)

	_, err = s.Write(stream)
	require.ErrorIs(t, err, ErrCorrupt)

	// The failure is sticky.
	_, err = s.Write([]byte{0x00})
	require.ErrorIs(t, err, ErrCorrupt)
}

func Test_StreamReader_midStreamEnd(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain}
	stream := buildFrameStream(t, schema, testConfig(), sequenceInt64(1000))

	s, err := NewStreamReader(schema, 0)
	require.NoError(t, err)

	_, err = s.Write(stream[:len(stream)-3])
	require.NoError(t, err)
	require.Greater(t, s.Buffered(), 0)
	require.ErrorIs(t, s.Close(), ErrCorrupt)
}

func Test_StreamReader_reset(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain}
	stream := buildFrameStream(t, schema, testConfig(), sequenceInt64(1000))

	s, err := NewStreamReader(schema, 0)
	require.NoError(t, err)

	// Feed half a stream, then cancel; the reader starts over cleanly.
	_, err = s.Write(stream[:len(stream)/2])
	require.NoError(t, err)
	s.Reset()
	require.Zero(t, s.Buffered())

	_, err = s.Write(stream)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	got := drainStream(t, s, 0)
	require.Len(t, got, 1000)
}

func Test_StreamReader_sizeLimit(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain}
	stream := buildFrameStream(t, schema, testConfig(), sequenceInt64(1000))

	s, err := NewStreamReader(schema, 64)
	require.NoError(t, err)

	_, err = s.Write(stream)
	require.ErrorIs(t, err, ErrResourceExhausted)
}

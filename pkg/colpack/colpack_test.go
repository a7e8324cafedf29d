package colpack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/colpack/pkg/compression"
)

func testConfig() BuilderConfig {
	cfg := DefaultBuilderConfig()
	cfg.PageSizeHint = 512 // Small pages so chunks span several.
	return cfg
}

func Test_WriteColumn_readBack(t *testing.T) {
	tt := []struct {
		name   string
		schema ColumnSchema
		values []Value
	}{
		{
			name:   "int64 plain",
			schema: ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain},
			values: sequenceInt64(2000),
		},
		{
			name:   "int64 delta",
			schema: ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingDeltaBinaryPacked},
			values: sequenceInt64(2000),
		},
		{
			name:   "uint64 rle",
			schema: ColumnSchema{ValueType: ValueTypeUint64, Encoding: EncodingRLE},
			values: repeatedUint64(7, 5000),
		},
		{
			name:   "string delta byte array",
			schema: ColumnSchema{ValueType: ValueTypeString, Encoding: EncodingDeltaByteArray},
			values: keyStrings(1500),
		},
		{
			name:   "string dictionary",
			schema: ColumnSchema{ValueType: ValueTypeString, Encoding: EncodingRLEDictionary},
			values: lowCardinalityStrings(3000),
		},
		{
			name:   "nullable int64",
			schema: ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain, MaxDefLevel: 1},
			values: withNulls(sequenceInt64(1000), 3),
		},
		{
			name:   "nullable dictionary",
			schema: ColumnSchema{ValueType: ValueTypeString, Encoding: EncodingRLEDictionary, MaxDefLevel: 1},
			values: withNulls(lowCardinalityStrings(1000), 5),
		},
	}

	for _, tc := range tt {
		for _, codec := range compression.Supported() {
			t.Run(fmt.Sprintf("%s/%s", tc.name, codec), func(t *testing.T) {
				cfg := testConfig()
				cfg.Compression = codec

				var buf bytes.Buffer
				md, err := WriteColumn(&buf, tc.schema, cfg, tc.values)
				require.NoError(t, err)
				require.Equal(t, len(tc.values), md.RowCount)

				out, err := ReadColumn(context.Background(), bytes.NewReader(buf.Bytes()), int64(buf.Len()))
				require.NoError(t, err)
				require.Equal(t, len(tc.values), len(out))
				for i := range tc.values {
					requireSameValue(t, tc.values[i], out[i])
				}
			})
		}
	}
}

func Test_ColumnChunkBuilder_dictionaryMetadata(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeString, Encoding: EncodingRLEDictionary}

	builder, err := NewColumnChunkBuilder(schema, testConfig())
	require.NoError(t, err)
	for _, s := range []string{"a", "b", "a", "b", "c"} {
		require.NoError(t, builder.Append(StringValue(s)))
	}

	var buf bytes.Buffer
	md, err := builder.Flush(&buf)
	require.NoError(t, err)
	require.Equal(t, uint64(3), md.DistinctCountEstimate)
	require.Equal(t, 5, md.RowCount)

	// The dictionary page is the first page on disk.
	ctx := context.Background()
	reader := NewColumnChunkReader(ReaderAtSource(bytes.NewReader(buf.Bytes()), int64(buf.Len())))
	page, err := reader.NextPage(ctx)
	require.NoError(t, err)
	require.Equal(t, "dictionary", page.Header.Type.String())
}

func Test_ColumnChunkReader_metadata(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingDeltaBinaryPacked}

	var buf bytes.Buffer
	wantMD, err := WriteColumn(&buf, schema, testConfig(), sequenceInt64(5000))
	require.NoError(t, err)
	require.Greater(t, len(wantMD.Pages), 1)

	ctx := context.Background()
	reader := NewColumnChunkReader(ReaderAtSource(bytes.NewReader(buf.Bytes()), int64(buf.Len())))

	md, err := reader.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, wantMD.RowCount, md.RowCount)
	require.Equal(t, wantMD.ValueType, md.ValueType)
	require.Equal(t, wantMD.Encoding, md.Encoding)
	require.Equal(t, len(wantMD.Pages), len(md.Pages))
	require.NotNil(t, md.Stats)

	// Metadata is fetched once and cached.
	again, err := reader.Metadata(ctx)
	require.NoError(t, err)
	require.Same(t, md, again)

	// Raw pages come back strictly in on-disk order.
	var rows int
	for {
		page, err := reader.NextPage(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		rows += page.Header.RowCount
	}
	require.Equal(t, md.RowCount, rows)

	_, err = reader.NextPage(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func Test_ColumnChunkReader_corruptPage(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain}

	var buf bytes.Buffer
	md, err := WriteColumn(&buf, schema, testConfig(), sequenceInt64(2000))
	require.NoError(t, err)
	require.Greater(t, len(md.Pages), 1)

	// Flip one byte inside the second page's payload.
	raw := bytes.Clone(buf.Bytes())
	raw[md.Pages[1].Offset+md.Pages[1].Size-1] ^= 0xff

	ctx := context.Background()
	reader := NewColumnChunkReader(ReaderAtSource(bytes.NewReader(raw), int64(len(raw))))

	// The first page still decodes.
	page, err := reader.ReadPage(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, page.Values)

	// The corrupt page fails, and the failure is sticky for this chunk.
	_, err = reader.ReadPage(ctx)
	require.ErrorIs(t, err, ErrCorrupt)
	_, err = reader.ReadPage(ctx)
	require.ErrorIs(t, err, ErrCorrupt)
}

func Test_ColumnChunkReader_corruptFraming(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain}

	var buf bytes.Buffer
	_, err := WriteColumn(&buf, schema, testConfig(), sequenceInt64(100))
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("bad header magic", func(t *testing.T) {
		raw := bytes.Clone(buf.Bytes())
		raw[0] ^= 0xff
		_, err := NewColumnChunkReader(ReaderAtSource(bytes.NewReader(raw), int64(len(raw)))).Metadata(ctx)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("bad tailer magic", func(t *testing.T) {
		raw := bytes.Clone(buf.Bytes())
		raw[len(raw)-1] ^= 0xff
		_, err := NewColumnChunkReader(ReaderAtSource(bytes.NewReader(raw), int64(len(raw)))).Metadata(ctx)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("unknown version", func(t *testing.T) {
		raw := bytes.Clone(buf.Bytes())
		raw[4] = 0x7f
		_, err := NewColumnChunkReader(ReaderAtSource(bytes.NewReader(raw), int64(len(raw)))).Metadata(ctx)
		require.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("truncated", func(t *testing.T) {
		raw := buf.Bytes()[:8]
		_, err := NewColumnChunkReader(ReaderAtSource(bytes.NewReader(raw), int64(len(raw)))).Metadata(ctx)
		require.ErrorIs(t, err, ErrCorrupt)
	})
}

func Test_ColumnChunkReader_bloom(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeString, Encoding: EncodingPlain}
	cfg := testConfig()
	cfg.BloomFilter = true

	members := keyStrings(2000)

	var buf bytes.Buffer
	md, err := WriteColumn(&buf, schema, cfg, members)
	require.NoError(t, err)
	require.Greater(t, md.BloomSize, 0)

	ctx := context.Background()
	reader := NewColumnChunkReader(ReaderAtSource(bytes.NewReader(buf.Bytes()), int64(buf.Len())))

	for _, v := range members {
		ok, err := reader.BloomMightContain(ctx, v)
		require.NoError(t, err)
		require.True(t, ok, "member %v rejected", v)
	}

	var falsePositives int
	for i := 0; i < 2000; i++ {
		ok, err := reader.BloomMightContain(ctx, StringValue(fmt.Sprintf("absent-%d", i)))
		require.NoError(t, err)
		if ok {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, 200)
}

func Test_ColumnChunkReader_noBloom(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain}

	var buf bytes.Buffer
	md, err := WriteColumn(&buf, schema, testConfig(), sequenceInt64(10))
	require.NoError(t, err)
	require.Zero(t, md.BloomSize)

	ctx := context.Background()
	reader := NewColumnChunkReader(ReaderAtSource(bytes.NewReader(buf.Bytes()), int64(buf.Len())))

	// Without a filter nothing can be ruled out.
	ok, err := reader.BloomMightContain(ctx, Int64Value(999999))
	require.NoError(t, err)
	require.True(t, ok)
}

func Test_ColumnChunkReader_maxPageSize(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain}

	var buf bytes.Buffer
	_, err := WriteColumn(&buf, schema, testConfig(), sequenceInt64(1000))
	require.NoError(t, err)

	ctx := context.Background()
	reader := NewColumnChunkReader(ReaderAtSource(bytes.NewReader(buf.Bytes()), int64(buf.Len())))
	reader.MaxPageSize = 32

	_, err = reader.ReadPage(ctx)
	require.ErrorIs(t, err, ErrResourceExhausted)
}

func Test_ColumnChunkReader_reset(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain}

	var buf bytes.Buffer
	_, err := WriteColumn(&buf, schema, testConfig(), sequenceInt64(500))
	require.NoError(t, err)

	ctx := context.Background()
	reader := NewColumnChunkReader(ReaderAtSource(bytes.NewReader(buf.Bytes()), int64(buf.Len())))

	first, err := reader.ReadPage(ctx)
	require.NoError(t, err)

	reader.Reset()
	again, err := reader.ReadPage(ctx)
	require.NoError(t, err)
	require.Equal(t, len(first.Values), len(again.Values))
}

func Test_ColumnChunkBuilder_appendAfterFlush(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain}

	builder, err := NewColumnChunkBuilder(schema, testConfig())
	require.NoError(t, err)
	require.NoError(t, builder.Append(Int64Value(1)))

	var buf bytes.Buffer
	_, err = builder.Flush(&buf)
	require.NoError(t, err)

	require.Error(t, builder.Append(Int64Value(2)))
	_, err = builder.Flush(&buf)
	require.Error(t, err)
}

func Test_ColumnChunkBuilder_metrics(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeInt64, Encoding: EncodingPlain}
	metrics := NewMetrics()

	builder, err := NewColumnChunkBuilder(schema, testConfig(), metrics)
	require.NoError(t, err)
	for _, v := range sequenceInt64(5000) {
		require.NoError(t, builder.Append(v))
	}

	var buf bytes.Buffer
	_, err = builder.Flush(&buf)
	require.NoError(t, err)
}

func Test_Metrics_register(t *testing.T) {
	// Registering twice must not fail; collectors already present are kept.
	reg := newTestRegistry(t)
	m := NewMetrics()
	require.NoError(t, m.Register(reg))
	require.NoError(t, NewMetrics().Register(reg))
	m.Unregister(reg)
}

func Test_BucketSource(t *testing.T) {
	schema := ColumnSchema{ValueType: ValueTypeString, Encoding: EncodingPlain}

	var buf bytes.Buffer
	_, err := WriteColumn(&buf, schema, testConfig(), keyStrings(500))
	require.NoError(t, err)

	ctx := context.Background()
	bucket := newTestBucket(t, "chunks/col.cpk", buf.Bytes())

	reader := NewColumnChunkReader(BucketSource(bucket, "chunks/col.cpk"))
	md, err := reader.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 500, md.RowCount)

	var rows int
	for {
		page, err := reader.ReadPage(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		rows += len(page.Rows(md.MaxDefLevel))
	}
	require.Equal(t, 500, rows)
}

func requireSameValue(t *testing.T, want, got Value) {
	t.Helper()
	if want.IsNil() {
		require.True(t, got.IsNil(), "expected NULL, got %v", got)
		return
	}
	require.Equal(t, want.Type(), got.Type())
	require.Zero(t, CompareValues(want, got))
}

func sequenceInt64(n int) []Value {
	out := make([]Value, n)
	for i := range out {
		out[i] = Int64Value(int64(i))
	}
	return out
}

func repeatedUint64(v uint64, n int) []Value {
	out := make([]Value, n)
	for i := range out {
		out[i] = Uint64Value(v)
	}
	return out
}

func keyStrings(n int) []Value {
	out := make([]Value, n)
	for i := range out {
		out[i] = StringValue(fmt.Sprintf("key-%08d", i))
	}
	return out
}

func lowCardinalityStrings(n int) []Value {
	states := []string{"pending", "running", "done", "failed"}
	out := make([]Value, n)
	for i := range out {
		out[i] = StringValue(states[i%len(states)])
	}
	return out
}

// withNulls replaces every stride-th value with NULL.
func withNulls(values []Value, stride int) []Value {
	out := make([]Value, len(values))
	copy(out, values)
	for i := 0; i < len(out); i += stride {
		out[i] = Value{}
	}
	return out
}

package dataset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
	"github.com/grafana/colpack/pkg/compression"
)

func Test_ColumnBuilder_multiPage(t *testing.T) {
	cb, err := NewColumnBuilder(BuilderOptions{
		ValueType:    formatmd.ValueTypeInt64,
		Encoding:     formatmd.EncodingDeltaBinaryPacked,
		Codec:        compression.Snappy,
		PageSizeHint: 512,
	}, StatisticsOptions{StoreRangeStats: true, StoreCardinalityStats: true})
	require.NoError(t, err)

	const rows = 10_000
	for i := int64(0); i < rows; i++ {
		require.NoError(t, cb.Append(Int64Value(i), 0, 0))
	}

	md, err := cb.Finalize()
	require.NoError(t, err)
	require.Equal(t, rows, md.RowCount)
	require.Equal(t, rows, md.ValueCount)
	require.Zero(t, md.NullCount)

	// A 512 byte hint forces many pages for 10k rows.
	var pages []*MemPage
	for page := cb.NextPage(); page != nil; page = cb.NextPage() {
		pages = append(pages, page)
	}
	require.Greater(t, len(pages), 1)

	// Column statistics cover the full value range.
	require.NotNil(t, md.Stats)
	var minVal, maxVal Value
	require.NoError(t, minVal.UnmarshalBinary(md.Stats.MinValue))
	require.NoError(t, maxVal.UnmarshalBinary(md.Stats.MaxValue))
	require.Equal(t, int64(0), minVal.Int64())
	require.Equal(t, int64(rows-1), maxVal.Int64())

	// The sketch estimate is within a few percent of the true cardinality.
	require.InEpsilon(t, float64(rows), float64(md.DistinctCountEstimate), 0.05)

	// Decoding every page yields the original sequence.
	var got []Value
	for _, page := range pages {
		decoded, err := DecodePage(page, DecodeOptions{ValueType: formatmd.ValueTypeInt64})
		require.NoError(t, err)
		got = append(got, decoded.Values...)
	}
	require.Len(t, got, rows)
	for i, v := range got {
		require.Equal(t, int64(i), v.Int64())
	}
}

func Test_ColumnBuilder_dictionary(t *testing.T) {
	cb, err := NewColumnBuilder(BuilderOptions{
		ValueType:    formatmd.ValueTypeString,
		Encoding:     formatmd.EncodingRLEDictionary,
		Codec:        compression.None,
		PageSizeHint: 1 << 20,
	}, StatisticsOptions{StoreRangeStats: true})
	require.NoError(t, err)

	logical := stringValues("a", "b", "a", "b", "c")
	for _, v := range logical {
		require.NoError(t, cb.Append(v, 0, 0))
	}

	// No page is ready before finalize; the dictionary page must be first
	// and is only complete at the end.
	require.Nil(t, cb.NextPage())

	md, err := cb.Finalize()
	require.NoError(t, err)
	require.Equal(t, uint64(3), md.DistinctCountEstimate)

	dictPage := cb.NextPage()
	require.NotNil(t, dictPage)
	require.Equal(t, formatmd.PageTypeDictionary, dictPage.Header.Type)

	dict, err := DecodeDictionaryPage(dictPage, formatmd.ValueTypeString, 0)
	require.NoError(t, err)
	require.Len(t, dict, 3)
	require.Equal(t, "a", dict[0].String())
	require.Equal(t, "b", dict[1].String())
	require.Equal(t, "c", dict[2].String())

	dataPage := cb.NextPage()
	require.NotNil(t, dataPage)
	require.Equal(t, formatmd.PageTypeData, dataPage.Header.Type)
	require.Nil(t, cb.NextPage())

	decoded, err := DecodePage(dataPage, DecodeOptions{
		ValueType:  formatmd.ValueTypeString,
		Dictionary: dict,
	})
	require.NoError(t, err)
	require.Len(t, decoded.Values, len(logical))
	for i := range logical {
		requireValueEqual(t, logical[i], decoded.Values[i])
	}

	// Column min/max reflect logical values, not indices.
	require.NotNil(t, md.Stats)
	var minVal Value
	require.NoError(t, minVal.UnmarshalBinary(md.Stats.MinValue))
	require.Equal(t, "a", minVal.String())
}

func Test_ColumnBuilder_nulls(t *testing.T) {
	cb, err := NewColumnBuilder(BuilderOptions{
		ValueType:    formatmd.ValueTypeString,
		Encoding:     formatmd.EncodingPlain,
		Codec:        compression.None,
		PageSizeHint: 1 << 20,
		MaxDefLevel:  1,
	}, StatisticsOptions{})
	require.NoError(t, err)

	require.NoError(t, cb.Append(StringValue("present"), 0, 1))
	require.NoError(t, cb.Append(Value{}, 0, 0))
	require.NoError(t, cb.Append(StringValue("also present"), 0, 1))

	md, err := cb.Finalize()
	require.NoError(t, err)
	require.Equal(t, 3, md.RowCount)
	require.Equal(t, 2, md.ValueCount)
	require.Equal(t, 1, md.NullCount)
	require.Equal(t, 1, md.MaxDefLevel)
}

func Test_ColumnBuilder_appendAfterFinalize(t *testing.T) {
	cb, err := NewColumnBuilder(BuilderOptions{
		ValueType:    formatmd.ValueTypeInt64,
		Encoding:     formatmd.EncodingPlain,
		Codec:        compression.None,
		PageSizeHint: 1 << 20,
	}, StatisticsOptions{})
	require.NoError(t, err)

	require.NoError(t, cb.Append(Int64Value(1), 0, 0))
	_, err = cb.Finalize()
	require.NoError(t, err)

	require.Error(t, cb.Append(Int64Value(2), 0, 0))
}

func Test_DictionaryBuilder(t *testing.T) {
	tt := []struct {
		name      string
		valueType formatmd.ValueType
		values    []Value
		distinct  int
	}{
		{"strings", formatmd.ValueTypeString, stringValues("a", "b", "a", "b", "c"), 3},
		{"int64", formatmd.ValueTypeInt64, int64Values(5, 5, 5, -5, 5), 2},
		{"single", formatmd.ValueTypeUint64, repeatUint64(9, 50), 1},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDictionaryBuilder(tc.valueType)

			indices := make([]uint64, len(tc.values))
			for i, v := range tc.values {
				idx, err := d.Index(v)
				require.NoError(t, err)
				indices[i] = idx
			}
			require.Equal(t, tc.distinct, d.Len())

			// Indices resolve back to the original values, and equal values
			// share an index.
			entries := d.Values()
			for i, v := range tc.values {
				requireValueEqual(t, v, entries[indices[i]])
			}
		})
	}
}

func Test_DictionaryBuilder_typeMismatch(t *testing.T) {
	d := NewDictionaryBuilder(formatmd.ValueTypeString)
	_, err := d.Index(Int64Value(1))
	require.Error(t, err)
}

func Test_ColumnBuilder_statsDisabled(t *testing.T) {
	cb, err := NewColumnBuilder(BuilderOptions{
		ValueType:    formatmd.ValueTypeInt64,
		Encoding:     formatmd.EncodingPlain,
		Codec:        compression.None,
		PageSizeHint: 1 << 20,
	}, StatisticsOptions{})
	require.NoError(t, err)

	for i := int64(0); i < 100; i++ {
		require.NoError(t, cb.Append(Int64Value(i%10), 0, 0))
	}

	md, err := cb.Finalize()
	require.NoError(t, err)
	require.Nil(t, md.Stats)
	require.Zero(t, md.DistinctCountEstimate)

	page := cb.NextPage()
	require.NotNil(t, page)
	require.Nil(t, page.Header.Stats)
}

func Test_ColumnBuilder_pageStats(t *testing.T) {
	cb, err := NewColumnBuilder(BuilderOptions{
		ValueType:    formatmd.ValueTypeUint64,
		Encoding:     formatmd.EncodingPlain,
		Codec:        compression.None,
		PageSizeHint: 1 << 20,
	}, StatisticsOptions{StoreRangeStats: true})
	require.NoError(t, err)

	for _, v := range []uint64{30, 10, 20} {
		require.NoError(t, cb.Append(Uint64Value(v), 0, 0))
	}
	_, err = cb.Finalize()
	require.NoError(t, err)

	page := cb.NextPage()
	require.NotNil(t, page)
	require.NotNil(t, page.Header.Stats)

	var minVal, maxVal Value
	require.NoError(t, minVal.UnmarshalBinary(page.Header.Stats.MinValue))
	require.NoError(t, maxVal.UnmarshalBinary(page.Header.Stats.MaxValue))
	require.Equal(t, uint64(10), minVal.Uint64())
	require.Equal(t, uint64(30), maxVal.Uint64())
}

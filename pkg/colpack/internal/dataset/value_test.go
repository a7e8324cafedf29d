package dataset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
)

func Test_Value_zero(t *testing.T) {
	var v Value
	require.True(t, v.IsNil())
	require.Equal(t, formatmd.ValueTypeUnspecified, v.Type())
}

func Test_Value_accessors(t *testing.T) {
	require.Equal(t, int64(-15), Int64Value(-15).Int64())
	require.Equal(t, uint64(15), Uint64Value(15).Uint64())
	require.Equal(t, "hello", StringValue("hello").String())
	require.Equal(t, []byte{0x01, 0x02}, ByteArrayValue([]byte{0x01, 0x02}).ByteArray())
}

func Test_Value_accessors_wrongType(t *testing.T) {
	require.Panics(t, func() { Int64Value(1).Uint64() })
	require.Panics(t, func() { StringValue("x").Int64() })
	require.Panics(t, func() { Uint64Value(1).Bytes() })
}

func Test_Value_Bytes(t *testing.T) {
	require.Equal(t, []byte("abc"), StringValue("abc").Bytes())
	require.Equal(t, []byte("abc"), ByteArrayValue([]byte("abc")).Bytes())
}

func Test_Value_marshalRoundTrip(t *testing.T) {
	tt := []Value{
		{},
		Int64Value(0),
		Int64Value(-1234567),
		Uint64Value(^uint64(0)),
		StringValue(""),
		StringValue("round trip"),
		ByteArrayValue([]byte{0x00, 0xff}),
	}

	for _, in := range tt {
		data, err := in.MarshalBinary()
		require.NoError(t, err)

		var out Value
		require.NoError(t, out.UnmarshalBinary(data))
		require.Equal(t, in.Type(), out.Type())
		if !in.IsNil() {
			require.Zero(t, CompareValues(in, out))
		}
	}
}

func Test_CompareValues(t *testing.T) {
	tt := []struct {
		name   string
		a, b   Value
		expect int
	}{
		{"int64 less", Int64Value(-5), Int64Value(3), -1},
		{"int64 equal", Int64Value(3), Int64Value(3), 0},
		{"uint64 greater", Uint64Value(10), Uint64Value(2), 1},
		{"string lexicographic", StringValue("abc"), StringValue("abd"), -1},
		{"string prefix", StringValue("ab"), StringValue("abc"), -1},
		{"byte array", ByteArrayValue([]byte{0x01}), ByteArrayValue([]byte{0x00}), 1},
		{"nil sorts first", Value{}, Int64Value(-1 << 62), -1},
		{"both nil", Value{}, Value{}, 0},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, CompareValues(tc.a, tc.b))
		})
	}
}

func Test_CompareValues_typeMismatch(t *testing.T) {
	require.Panics(t, func() { CompareValues(Int64Value(1), Uint64Value(1)) })
}

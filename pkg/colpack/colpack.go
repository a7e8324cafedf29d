// Package colpack reads and writes serialized column chunks: sequences of
// compressed, checksummed pages of typed values in a columnar layout,
// followed by column metadata and an optional Bloom filter.
//
// The write path is [ColumnChunkBuilder], which cuts pages by a size hint
// as values are appended and serializes the chunk with its Flush method.
// The read path is [ColumnChunkReader] for random-access sources and
// [StreamReader] for byte streams arriving incrementally.
package colpack

import (
	"context"
	"fmt"
	"io"

	"github.com/grafana/colpack/pkg/colpack/internal/dataset"
	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
	"github.com/grafana/colpack/pkg/compression"
)

// Sentinel errors returned across the package. Errors are wrapped; match
// them with errors.Is.
var (
	// ErrUnsupported indicates an unknown codec, value type, or encoding
	// tag.
	ErrUnsupported = compression.ErrUnsupported

	// ErrCorrupt indicates a checksum or length mismatch, truncation, or an
	// otherwise invalid byte stream.
	ErrCorrupt = compression.ErrCorrupt

	// ErrResourceExhausted indicates that a declared size exceeds a
	// configured limit.
	ErrResourceExhausted = dataset.ErrResourceExhausted
)

// Value is a tagged column value. The zero Value is NULL.
type Value = dataset.Value

// Constructors for [Value].
var (
	Int64Value     = dataset.Int64Value
	Uint64Value    = dataset.Uint64Value
	StringValue    = dataset.StringValue
	ByteArrayValue = dataset.ByteArrayValue
)

// CompareValues compares two values of the same type; NULLs sort first.
func CompareValues(a, b Value) int { return dataset.CompareValues(a, b) }

// ValueType is the physical type of a column's values.
type ValueType = formatmd.ValueType

const (
	ValueTypeInt64     = formatmd.ValueTypeInt64
	ValueTypeUint64    = formatmd.ValueTypeUint64
	ValueTypeString    = formatmd.ValueTypeString
	ValueTypeByteArray = formatmd.ValueTypeByteArray
)

// EncodingType is the byte layout of value planes within pages.
type EncodingType = formatmd.EncodingType

const (
	EncodingPlain                = formatmd.EncodingPlain
	EncodingRLE                  = formatmd.EncodingRLE
	EncodingDeltaBinaryPacked    = formatmd.EncodingDeltaBinaryPacked
	EncodingDeltaLengthByteArray = formatmd.EncodingDeltaLengthByteArray
	EncodingDeltaByteArray       = formatmd.EncodingDeltaByteArray
	EncodingRLEDictionary        = formatmd.EncodingRLEDictionary
)

// Wire structures shared with the on-disk format.
type (
	// Page is one page frame: its header plus the raw payload.
	Page = dataset.MemPage

	// PageHeader describes a page's contents and sizes.
	PageHeader = formatmd.PageHeader

	// ColumnMetadata is the chunk-level metadata written after the pages.
	ColumnMetadata = formatmd.ColumnMetadata

	// DecodedPage holds a page's logical values and level streams.
	DecodedPage = dataset.DecodedPage
)

// A ColumnSchema describes the shape of one column.
type ColumnSchema struct {
	ValueType ValueType
	Encoding  EncodingType

	// MaxRepLevel and MaxDefLevel describe nesting. A flat required column
	// has both at zero; a flat nullable column has MaxDefLevel of one.
	MaxRepLevel int
	MaxDefLevel int
}

// Validate checks that the schema names a known type and encoding
// combination.
func (s ColumnSchema) Validate() error {
	switch s.ValueType {
	case ValueTypeInt64, ValueTypeUint64, ValueTypeString, ValueTypeByteArray:
	default:
		return fmt.Errorf("%w: value type %s", ErrUnsupported, s.ValueType)
	}
	switch s.Encoding {
	case EncodingPlain, EncodingRLE, EncodingDeltaBinaryPacked,
		EncodingDeltaLengthByteArray, EncodingDeltaByteArray, EncodingRLEDictionary:
	default:
		return fmt.Errorf("%w: encoding %s", ErrUnsupported, s.Encoding)
	}
	if s.MaxRepLevel < 0 || s.MaxDefLevel < 0 {
		return fmt.Errorf("negative level maximums %d/%d", s.MaxRepLevel, s.MaxDefLevel)
	}
	return nil
}

// WriteColumn serializes values as a single column chunk using cfg,
// returning the chunk metadata. NULLs are permitted when the schema has a
// definition level. It is a convenience wrapper around
// [ColumnChunkBuilder].
func WriteColumn(w io.Writer, schema ColumnSchema, cfg BuilderConfig, values []Value) (*ColumnMetadata, error) {
	builder, err := NewColumnChunkBuilder(schema, cfg)
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		if err := builder.Append(v); err != nil {
			return nil, err
		}
	}
	return builder.Flush(w)
}

// ReadColumn reads every row of a serialized column chunk, expanding NULLs
// in place. It is a convenience wrapper around [ColumnChunkReader].
func ReadColumn(ctx context.Context, r io.ReaderAt, size int64) ([]Value, error) {
	reader := NewColumnChunkReader(ReaderAtSource(r, size))

	md, err := reader.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Value, 0, md.RowCount)
	for {
		page, err := reader.ReadPage(ctx)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		out = append(out, page.Rows(reader.MaxDefLevel())...)
	}
	return out, nil
}

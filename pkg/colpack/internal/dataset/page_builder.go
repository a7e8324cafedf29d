package dataset

import (
	"bytes"
	"fmt"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
	"github.com/grafana/colpack/pkg/colpack/internal/streamio"
	"github.com/grafana/colpack/pkg/compression"
)

// BuilderOptions configures page construction for one column.
type BuilderOptions struct {
	// ValueType is the physical type of the column's values.
	ValueType formatmd.ValueType

	// Encoding determines the byte layout of value planes. When set to
	// [formatmd.EncodingRLEDictionary], callers append uint64 dictionary
	// indices rather than logical values.
	Encoding formatmd.EncodingType

	// Codec and CompressionLevel control value plane compression.
	Codec            compression.Codec
	CompressionLevel compression.Level

	// PageSizeHint is the target uncompressed page size in bytes. Appends
	// report the page full once the estimate exceeds it.
	PageSizeHint int

	// MaxRepLevel and MaxDefLevel describe the column's nesting. A flat
	// required column has both at zero; a flat nullable column has
	// MaxDefLevel of one.
	MaxRepLevel int
	MaxDefLevel int
}

// pageBuilder accumulates values for one page.
//
// Each pageBuilder writes up to three streams: a repetition level stream
// and a definition level stream (both RLE, stored uncompressed), and the
// encoded value plane, which is compressed as a whole when the page is cut.
// NULLs exist only in the level streams; the value plane holds non-NULL
// values exclusively.
type pageBuilder struct {
	opts BuilderOptions

	repEnc *levelEncoder // nil when MaxRepLevel == 0.
	defEnc *levelEncoder // nil when MaxDefLevel == 0.

	valuesBuffer *bytes.Buffer
	valuesEnc    valueEncoder

	rows       int // Rows appended, including NULLs.
	values     int // Non-NULL values appended.
	nulls      int
	valueBytes int // Rough uncompressed size of appended values.
}

// newPageBuilder creates a pageBuilder. It returns an error if no encoder
// is registered for the options' value type and encoding.
func newPageBuilder(opts BuilderOptions) (*pageBuilder, error) {
	b := &pageBuilder{
		opts:         opts,
		valuesBuffer: bytes.NewBuffer(make([]byte, 0, opts.PageSizeHint)),
	}

	planeType, planeEncoding := planeEncoding(opts)
	enc, ok := newValueEncoder(planeType, planeEncoding, b.valuesBuffer)
	if !ok {
		return nil, fmt.Errorf("%w: no encoder for %s/%s", compression.ErrUnsupported, opts.ValueType, opts.Encoding)
	}
	b.valuesEnc = enc

	if opts.MaxRepLevel > 0 {
		b.repEnc = newLevelEncoder(opts.MaxRepLevel)
	}
	if opts.MaxDefLevel > 0 {
		b.defEnc = newLevelEncoder(opts.MaxDefLevel)
	}
	return b, nil
}

// planeEncoding maps the page encoding to the value type and encoding of
// the stored plane. Dictionary-encoded pages store uint64 indices under the
// plain RLE layout.
func planeEncoding(opts BuilderOptions) (formatmd.ValueType, formatmd.EncodingType) {
	if opts.Encoding == formatmd.EncodingRLEDictionary {
		return formatmd.ValueTypeUint64, formatmd.EncodingRLE
	}
	return opts.ValueType, opts.Encoding
}

// Append appends a value with its levels. A value is NULL when defLevel is
// below the column's maximum definition level; NULLs occupy only the level
// streams. Append returns false when the page is full; the caller should
// flush and retry.
func (b *pageBuilder) Append(value Value, repLevel, defLevel int) (bool, error) {
	if repLevel > b.opts.MaxRepLevel || defLevel > b.opts.MaxDefLevel {
		return false, fmt.Errorf("levels %d/%d exceed column maximums %d/%d",
			repLevel, defLevel, b.opts.MaxRepLevel, b.opts.MaxDefLevel)
	}

	isNull := defLevel < b.opts.MaxDefLevel
	if !isNull && value.IsNil() {
		return false, fmt.Errorf("nil value at definition level %d", defLevel)
	}

	// The encoders buffer internally, so the exact page size isn't known
	// until flush. The estimate tends to overshoot so pages rarely exceed
	// the hint.
	cost := 1
	if !isNull {
		cost = valueSize(value)
	}
	if sz := b.EstimatedSize(); b.rows > 0 && sz+cost > b.opts.PageSizeHint {
		return false, nil
	}

	if b.repEnc != nil {
		if err := b.repEnc.Encode(uint64(repLevel)); err != nil {
			return false, fmt.Errorf("encoding repetition level: %w", err)
		}
	}
	if b.defEnc != nil {
		if err := b.defEnc.Encode(uint64(defLevel)); err != nil {
			return false, fmt.Errorf("encoding definition level: %w", err)
		}
	}

	if isNull {
		b.nulls++
	} else {
		if err := b.valuesEnc.Encode(value); err != nil {
			return false, fmt.Errorf("encoding value: %w", err)
		}
		b.values++
		b.valueBytes += cost
	}

	b.rows++
	return true, nil
}

func valueSize(v Value) int {
	switch v.Type() {
	case formatmd.ValueTypeInt64:
		return streamio.VarintSize(v.Int64())
	case formatmd.ValueTypeUint64:
		return streamio.UvarintSize(v.Uint64())
	case formatmd.ValueTypeString, formatmd.ValueTypeByteArray:
		return 4 + len(v.Bytes())
	}
	return 1
}

// EstimatedSize returns the estimated uncompressed size of the page so far.
func (b *pageBuilder) EstimatedSize() int {
	sz := b.valuesBuffer.Len() + b.valueBytes
	if b.repEnc != nil {
		sz += b.repEnc.Len()
	}
	if b.defEnc != nil {
		sz += b.defEnc.Len()
	}
	return sz
}

// Rows returns the number of rows appended to the pageBuilder.
func (b *pageBuilder) Rows() int { return b.rows }

// Flush builds a [MemPage] from the accumulated data and resets the builder
// for reuse. Flush returns an error if the builder is empty. No bytes are
// produced when any stage fails.
func (b *pageBuilder) Flush(pageType formatmd.PageType, stats *formatmd.Statistics) (*MemPage, error) {
	if b.rows == 0 {
		return nil, fmt.Errorf("no data to flush")
	}

	if err := b.valuesEnc.Flush(); err != nil {
		return nil, fmt.Errorf("flushing value encoder: %w", err)
	}

	var repData, defData []byte
	var err error
	if b.repEnc != nil {
		if repData, err = b.repEnc.Bytes(); err != nil {
			return nil, fmt.Errorf("flushing repetition levels: %w", err)
		}
	}
	if b.defEnc != nil {
		if defData, err = b.defEnc.Bytes(); err != nil {
			return nil, fmt.Errorf("flushing definition levels: %w", err)
		}
	}

	compressed, err := compression.Compress(b.opts.Codec, nil, b.valuesBuffer.Bytes(), b.opts.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("compressing values: %w", err)
	}

	payload := make([]byte, 0, len(repData)+len(defData)+len(compressed))
	payload = append(payload, repData...)
	payload = append(payload, defData...)
	payload = append(payload, compressed...)

	page := MemPage{
		Header: formatmd.PageHeader{
			Type:     pageType,
			Encoding: b.opts.Encoding,
			Codec:    b.opts.Codec,

			RowCount:   b.rows,
			ValueCount: b.values,
			NullCount:  b.nulls,

			RepLevelsLen: len(repData),
			DefLevelsLen: len(defData),

			UncompressedSize: b.valuesBuffer.Len(),
			CompressedSize:   len(compressed),

			CRC32: Checksum(payload),
			Stats: stats,
		},
		Data: payload,
	}

	b.Reset()
	return &page, nil
}

// Reset resets the pageBuilder to a fresh state, allowing it to be reused.
func (b *pageBuilder) Reset() {
	b.valuesBuffer.Reset()
	b.valuesEnc.Reset(b.valuesBuffer)
	if b.repEnc != nil {
		b.repEnc.Reset(b.opts.MaxRepLevel)
	}
	if b.defEnc != nil {
		b.defEnc.Reset(b.opts.MaxDefLevel)
	}
	b.rows = 0
	b.values = 0
	b.nulls = 0
	b.valueBytes = 0
}

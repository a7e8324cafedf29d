// Package formatmd defines the metadata types shared between the write and
// read paths: value types, encoding tags, page types, and the binary layout
// of page headers and column chunk metadata.
//
// All multi-byte integers in the on-disk layout are little-endian unless
// written as varints.
package formatmd

import (
	"fmt"

	"github.com/grafana/colpack/pkg/compression"
)

// ValueType describes the physical type of values in a column. The numeric
// values are part of the on-disk format and must not be reordered.
type ValueType byte

const (
	ValueTypeUnspecified ValueType = iota // Unset; used for NULL values.
	ValueTypeInt64
	ValueTypeUint64
	ValueTypeString
	ValueTypeByteArray
)

func (t ValueType) String() string {
	switch t {
	case ValueTypeUnspecified:
		return "unspecified"
	case ValueTypeInt64:
		return "int64"
	case ValueTypeUint64:
		return "uint64"
	case ValueTypeString:
		return "string"
	case ValueTypeByteArray:
		return "bytearray"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// EncodingType describes how a value plane is laid out in bytes.
type EncodingType byte

const (
	EncodingUnspecified EncodingType = iota
	EncodingPlain
	EncodingRLE // Run-length / bit-packed hybrid.
	EncodingDeltaBinaryPacked
	EncodingDeltaLengthByteArray
	EncodingDeltaByteArray
	EncodingRLEDictionary // Bit-packed indices into a dictionary page.
)

func (e EncodingType) String() string {
	switch e {
	case EncodingUnspecified:
		return "unspecified"
	case EncodingPlain:
		return "plain"
	case EncodingRLE:
		return "rle"
	case EncodingDeltaBinaryPacked:
		return "delta-binary-packed"
	case EncodingDeltaLengthByteArray:
		return "delta-length-bytearray"
	case EncodingDeltaByteArray:
		return "delta-bytearray"
	case EncodingRLEDictionary:
		return "rle-dictionary"
	default:
		return fmt.Sprintf("unknown(%d)", byte(e))
	}
}

// PageType distinguishes dictionary pages from data pages.
type PageType byte

const (
	PageTypeData PageType = iota
	PageTypeDictionary
)

func (t PageType) String() string {
	switch t {
	case PageTypeData:
		return "data"
	case PageTypeDictionary:
		return "dictionary"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Statistics holds optional min/max statistics. Values are stored with
// [dataset.Value.MarshalBinary] semantics: a type tag followed by the value.
type Statistics struct {
	MinValue []byte
	MaxValue []byte
}

// PageHeader describes a single page. It precedes the page payload on the
// wire.
type PageHeader struct {
	Type     PageType
	Encoding EncodingType
	Codec    compression.Codec

	RowCount   int // Total rows in the page, including NULLs.
	ValueCount int // Non-NULL values in the page.
	NullCount  int

	RepLevelsLen int // Byte length of the repetition level stream (uncompressed).
	DefLevelsLen int // Byte length of the definition level stream (uncompressed).

	UncompressedSize int // Size of the value plane before compression.
	CompressedSize   int // Size of the value plane after compression.

	CRC32 uint32 // Checksum over the full page payload.

	Stats *Statistics // Optional page statistics.
}

// PayloadSize returns the byte length of the page payload following the
// header: level streams plus the compressed value plane.
func (h *PageHeader) PayloadSize() int {
	return h.RepLevelsLen + h.DefLevelsLen + h.CompressedSize
}

// ColumnMetadata describes a finalized column chunk. It is stored in the
// chunk tailer and lets readers locate pages without scanning.
type ColumnMetadata struct {
	ValueType ValueType
	Encoding  EncodingType
	Codec     compression.Codec

	RowCount   int
	ValueCount int
	NullCount  int

	// MaxRepLevel and MaxDefLevel describe the column's nesting; decoders
	// derive level stream bit widths from them.
	MaxRepLevel int
	MaxDefLevel int

	DistinctCountEstimate uint64
	Stats                 *Statistics

	Pages []PageLocation

	// BloomOffset and BloomSize locate the serialized bloom filter within the
	// chunk. BloomSize of zero means no filter was built.
	BloomOffset int
	BloomSize   int
}

// PageLocation records where a page frame lives within the chunk.
type PageLocation struct {
	Offset int // Byte offset of the page frame from the start of the chunk.
	Size   int // Byte length of the frame, header included.
}

// Package compression implements the compression codecs used for column
// page payloads. Codecs are identified by a stable on-disk tag and are
// stateless: all functions are safe for concurrent use.
package compression

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned when a codec or encoding tag is not
	// recognized. Unrecognized tags may come from files written by a newer
	// format version, so callers should surface the error rather than
	// treating the data as corrupt.
	ErrUnsupported = errors.New("unsupported feature")

	// ErrCorrupt is returned when decompressed data does not match the sizes
	// recorded for it, or when a payload is truncated or otherwise fails
	// validation.
	ErrCorrupt = errors.New("corrupt data")
)

// Codec identifies a compression codec. The numeric values are part of the
// on-disk format and must not be reordered.
type Codec byte

const (
	None Codec = iota // No compression; payload bytes are stored verbatim.
	GZIP
	Snappy
	LZ4Raw // LZ4 block format.
	LZ4    // LZ4 frame format.
	Zstd
	Brotli
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case GZIP:
		return "gzip"
	case Snappy:
		return "snappy"
	case LZ4Raw:
		return "lz4-raw"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Brotli:
		return "brotli"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

// ParseCodec parses a codec name as accepted on configuration surfaces.
func ParseCodec(s string) (Codec, error) {
	for _, c := range Supported() {
		if c.String() == s {
			return c, nil
		}
	}
	return None, fmt.Errorf("%w: invalid codec %q, supported: %v", ErrUnsupported, s, Supported())
}

// Supported returns all codecs known to this package.
func Supported() []Codec {
	return []Codec{None, GZIP, Snappy, LZ4Raw, LZ4, Zstd, Brotli}
}

// Level selects a compression effort for codecs that support one. The zero
// value picks the codec's default; codecs without levels (snappy, lz4-raw)
// ignore it.
type Level int

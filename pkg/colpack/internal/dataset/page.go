package dataset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
	"github.com/grafana/colpack/pkg/colpack/internal/streamio"
	"github.com/grafana/colpack/pkg/colpack/internal/util/bufpool"
	"github.com/grafana/colpack/pkg/compression"
)

// The table gets initialized once here so no other use of the crc32 package
// can race its construction.
var checksumTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32 (Castagnoli) checksum of a page payload.
func Checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, checksumTable)
}

// A MemPage is a fully materialized page: its header plus the payload. The
// payload is laid out as
//
//	<repetition levels> <definition levels> <compressed values>
//
// with the byte lengths of each region recorded in the header. Level
// streams are run-length encoded but never compressed.
type MemPage struct {
	Header formatmd.PageHeader
	Data   []byte
}

// FrameSize returns the encoded size of the page frame: the uvarint header
// length, the header, and the payload.
func (p *MemPage) FrameSize() int {
	headerLen := len(formatmd.MarshalPageHeader(nil, &p.Header))
	return streamio.UvarintSize(uint64(headerLen)) + headerLen + len(p.Data)
}

// WriteTo writes the page frame to w.
func (p *MemPage) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	header := formatmd.MarshalPageHeader(nil, &p.Header)
	if err := streamio.WriteUvarint(&buf, uint64(len(header))); err != nil {
		return 0, err
	}
	buf.Write(header)

	n, err := w.Write(buf.Bytes())
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(p.Data)
	return int64(n + m), err
}

// ErrPageIncomplete is returned by [ParsePageFrame] when b does not yet
// hold a complete frame. Streaming consumers use it to know they need more
// input.
var ErrPageIncomplete = fmt.Errorf("page frame incomplete")

// ParsePageFrame parses one page frame from the front of b, returning the
// page and the number of bytes consumed. If b holds only a partial frame,
// ParsePageFrame returns [ErrPageIncomplete]; callers with the full input
// should treat that as corruption.
//
// The returned page references b's memory; it is valid only as long as b is.
func ParsePageFrame(b []byte, maxPageSize int) (*MemPage, int, error) {
	headerLen, n := binary.Uvarint(b)
	if n <= 0 {
		if len(b) >= binary.MaxVarintLen64 {
			return nil, 0, fmt.Errorf("%w: invalid page header length", compression.ErrCorrupt)
		}
		return nil, 0, ErrPageIncomplete
	}
	if maxPageSize > 0 && headerLen > uint64(maxPageSize) {
		return nil, 0, fmt.Errorf("%w: page header of %d bytes exceeds limit %d", ErrResourceExhausted, headerLen, maxPageSize)
	}
	if uint64(len(b)-n) < headerLen {
		return nil, 0, ErrPageIncomplete
	}

	header, err := formatmd.UnmarshalPageHeader(b[n : n+int(headerLen)])
	if err != nil {
		return nil, 0, err
	}

	payloadSize := header.PayloadSize()
	if payloadSize < 0 {
		return nil, 0, fmt.Errorf("%w: page header declares negative payload size", compression.ErrCorrupt)
	}
	if maxPageSize > 0 && (payloadSize > maxPageSize || header.UncompressedSize > maxPageSize) {
		return nil, 0, fmt.Errorf("%w: page of %d bytes exceeds limit %d", ErrResourceExhausted, max(payloadSize, header.UncompressedSize), maxPageSize)
	}
	if len(b)-n-int(headerLen) < payloadSize {
		return nil, 0, ErrPageIncomplete
	}

	frameLen := n + int(headerLen) + payloadSize
	return &MemPage{
		Header: *header,
		Data:   b[n+int(headerLen) : frameLen],
	}, frameLen, nil
}

// ErrResourceExhausted is returned when declared sizes exceed configured
// limits. The public colpack package re-exports it.
var ErrResourceExhausted = errors.New("resource exhausted")

// A DecodedPage holds the logical contents of a data page: the non-NULL
// values plus the level streams describing nulls and nesting.
type DecodedPage struct {
	Values    []Value  // Non-NULL values, in order.
	RepLevels []uint64 // Empty when the column is not nested.
	DefLevels []uint64 // Empty when the column is required and flat.
}

// Rows expands the page into one [Value] per row for a flat column, using
// the definition levels to interleave NULLs. maxDefLevel is the level at
// which a value is present.
func (p *DecodedPage) Rows(maxDefLevel int) []Value {
	if maxDefLevel == 0 || len(p.DefLevels) == 0 {
		out := make([]Value, len(p.Values))
		copy(out, p.Values)
		return out
	}

	out := make([]Value, 0, len(p.DefLevels))
	vi := 0
	for _, lvl := range p.DefLevels {
		if int(lvl) == maxDefLevel && vi < len(p.Values) {
			out = append(out, p.Values[vi])
			vi++
		} else {
			out = append(out, Value{})
		}
	}
	return out
}

// DecodeOptions configures page decoding.
type DecodeOptions struct {
	ValueType   formatmd.ValueType
	MaxRepLevel int
	MaxDefLevel int

	// Dictionary resolves indices of dictionary-encoded pages. Required when
	// decoding a page whose encoding is [formatmd.EncodingRLEDictionary].
	Dictionary []Value

	// MaxPageSize bounds the decompressed size of a page; 0 means no bound.
	MaxPageSize int
}

// DecodePage validates and decodes a data page. The CRC is checked first,
// then the payload is split into level streams and the value plane, the
// plane is decompressed and its length verified, and finally exactly the
// header's value count is decoded. Trailing padding after the last value is
// ignored.
func DecodePage(p *MemPage, opts DecodeOptions) (*DecodedPage, error) {
	h := &p.Header

	if actual := Checksum(p.Data); h.CRC32 != actual {
		return nil, fmt.Errorf("%w: invalid CRC32 checksum %08x, expected %08x", compression.ErrCorrupt, actual, h.CRC32)
	}
	if got, want := len(p.Data), h.PayloadSize(); got != want {
		return nil, fmt.Errorf("%w: page payload is %d bytes, header declares %d", compression.ErrCorrupt, got, want)
	}
	if opts.MaxPageSize > 0 && h.UncompressedSize > opts.MaxPageSize {
		return nil, fmt.Errorf("%w: page decompresses to %d bytes, limit is %d", ErrResourceExhausted, h.UncompressedSize, opts.MaxPageSize)
	}

	var (
		repData    = p.Data[:h.RepLevelsLen]
		defData    = p.Data[h.RepLevelsLen : h.RepLevelsLen+h.DefLevelsLen]
		valuesData = p.Data[h.RepLevelsLen+h.DefLevelsLen:]
	)

	out := &DecodedPage{}

	var err error
	if h.RepLevelsLen > 0 {
		out.RepLevels, err = decodeLevels(repData, opts.MaxRepLevel, h.RowCount)
		if err != nil {
			return nil, fmt.Errorf("%w: repetition levels: %s", compression.ErrCorrupt, err)
		}
	}
	if h.DefLevelsLen > 0 {
		out.DefLevels, err = decodeLevels(defData, opts.MaxDefLevel, h.RowCount)
		if err != nil {
			return nil, fmt.Errorf("%w: definition levels: %s", compression.ErrCorrupt, err)
		}
	}

	// The decoders copy out of the plane, so its buffer can be pooled.
	scratch := bufpool.Get(h.UncompressedSize)
	defer bufpool.Put(scratch)

	plane, err := compression.Decompress(h.Codec, scratch.Bytes(), valuesData, h.UncompressedSize)
	if err != nil {
		return nil, err
	}

	out.Values, err = decodePlane(plane, h, opts)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodePlane(plane []byte, h *formatmd.PageHeader, opts DecodeOptions) ([]Value, error) {
	if h.ValueCount == 0 {
		return nil, nil
	}

	var (
		planeType = opts.ValueType
		encoding  = h.Encoding
	)
	if h.Encoding == formatmd.EncodingRLEDictionary {
		// Dictionary pages hold the logical values; data pages hold uint64
		// indices into them.
		planeType = formatmd.ValueTypeUint64
		encoding = formatmd.EncodingRLE
	}

	dec, ok := newValueDecoder(planeType, encoding, bytes.NewReader(plane))
	if !ok {
		return nil, fmt.Errorf("%w: no decoder for %s/%s", compression.ErrUnsupported, planeType, h.Encoding)
	}

	values := make([]Value, h.ValueCount)
	for got := 0; got < h.ValueCount; {
		n, err := dec.Decode(values[got:])
		got += n
		if err != nil {
			if errors.Is(err, io.EOF) && got < h.ValueCount {
				return nil, fmt.Errorf("%w: plane exhausted after %d of %d values", compression.ErrCorrupt, got, h.ValueCount)
			}
			if !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: decoding values: %s", compression.ErrCorrupt, err)
			}
		}
		if n == 0 && got < h.ValueCount {
			return nil, fmt.Errorf("%w: plane exhausted after %d of %d values", compression.ErrCorrupt, got, h.ValueCount)
		}
	}

	if h.Encoding != formatmd.EncodingRLEDictionary {
		return values, nil
	}

	// Resolve indices through the chunk's dictionary.
	if opts.Dictionary == nil {
		return nil, fmt.Errorf("%w: dictionary-encoded page with no preceding dictionary page", compression.ErrCorrupt)
	}
	resolved := make([]Value, len(values))
	for i, v := range values {
		idx := v.Uint64()
		if idx >= uint64(len(opts.Dictionary)) {
			return nil, fmt.Errorf("%w: dictionary index %d out of bounds (%d entries)", compression.ErrCorrupt, idx, len(opts.Dictionary))
		}
		resolved[i] = opts.Dictionary[idx]
	}
	return resolved, nil
}

// DecodeDictionaryPage decodes a dictionary page into its distinct values.
func DecodeDictionaryPage(p *MemPage, valueType formatmd.ValueType, maxPageSize int) ([]Value, error) {
	if p.Header.Type != formatmd.PageTypeDictionary {
		return nil, fmt.Errorf("page is a %s page, not a dictionary page", p.Header.Type)
	}

	decoded, err := DecodePage(p, DecodeOptions{
		ValueType:   valueType,
		MaxPageSize: maxPageSize,
	})
	if err != nil {
		return nil, err
	}
	return decoded.Values, nil
}

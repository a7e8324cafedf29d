package formatmd

import (
	"fmt"

	"github.com/grafana/colpack/pkg/compression"
)

// MarshalPageHeader encodes h, appending to dst. The layout is:
//
//	<byte page-type> <byte encoding> <byte codec>
//	<uvarint row-count> <uvarint value-count> <uvarint null-count>
//	<uvarint rep-levels-len> <uvarint def-levels-len>
//	<uvarint uncompressed-size> <uvarint compressed-size>
//	<le32 crc32>
//	<byte has-stats> [<uvarint-bytes min> <uvarint-bytes max>]
func MarshalPageHeader(dst []byte, h *PageHeader) []byte {
	eb := encbuf{b: dst}

	eb.putByte(byte(h.Type))
	eb.putByte(byte(h.Encoding))
	eb.putByte(byte(h.Codec))
	eb.putUvarint(h.RowCount)
	eb.putUvarint(h.ValueCount)
	eb.putUvarint(h.NullCount)
	eb.putUvarint(h.RepLevelsLen)
	eb.putUvarint(h.DefLevelsLen)
	eb.putUvarint(h.UncompressedSize)
	eb.putUvarint(h.CompressedSize)
	eb.putLE32(h.CRC32)

	if h.Stats != nil {
		eb.putByte(1)
		eb.putUvarintBytes(h.Stats.MinValue)
		eb.putUvarintBytes(h.Stats.MaxValue)
	} else {
		eb.putByte(0)
	}

	return eb.get()
}

// UnmarshalPageHeader decodes a page header from b.
func UnmarshalPageHeader(b []byte) (*PageHeader, error) {
	db := decbuf{b: b}

	var h PageHeader
	h.Type = PageType(db.byte())
	h.Encoding = EncodingType(db.byte())
	h.Codec = compression.Codec(db.byte())
	h.RowCount = db.uvarint()
	h.ValueCount = db.uvarint()
	h.NullCount = db.uvarint()
	h.RepLevelsLen = db.uvarint()
	h.DefLevelsLen = db.uvarint()
	h.UncompressedSize = db.uvarint()
	h.CompressedSize = db.uvarint()
	h.CRC32 = db.le32()

	if db.byte() == 1 {
		h.Stats = &Statistics{
			MinValue: db.uvarintBytes(),
			MaxValue: db.uvarintBytes(),
		}
	}

	if db.err() != nil {
		return nil, fmt.Errorf("%w: page header: %s", compression.ErrCorrupt, db.err())
	}
	return &h, nil
}

// MarshalColumnMetadata encodes md, appending to dst.
func MarshalColumnMetadata(dst []byte, md *ColumnMetadata) []byte {
	eb := encbuf{b: dst}

	eb.putByte(byte(md.ValueType))
	eb.putByte(byte(md.Encoding))
	eb.putByte(byte(md.Codec))
	eb.putUvarint(md.RowCount)
	eb.putUvarint(md.ValueCount)
	eb.putUvarint(md.NullCount)
	eb.putUvarint(md.MaxRepLevel)
	eb.putUvarint(md.MaxDefLevel)
	eb.putUvarint64(md.DistinctCountEstimate)

	if md.Stats != nil {
		eb.putByte(1)
		eb.putUvarintBytes(md.Stats.MinValue)
		eb.putUvarintBytes(md.Stats.MaxValue)
	} else {
		eb.putByte(0)
	}

	eb.putUvarint(len(md.Pages))
	for _, p := range md.Pages {
		eb.putUvarint(p.Offset)
		eb.putUvarint(p.Size)
	}

	eb.putUvarint(md.BloomOffset)
	eb.putUvarint(md.BloomSize)

	return eb.get()
}

// UnmarshalColumnMetadata decodes column chunk metadata from b.
func UnmarshalColumnMetadata(b []byte) (*ColumnMetadata, error) {
	db := decbuf{b: b}

	var md ColumnMetadata
	md.ValueType = ValueType(db.byte())
	md.Encoding = EncodingType(db.byte())
	md.Codec = compression.Codec(db.byte())
	md.RowCount = db.uvarint()
	md.ValueCount = db.uvarint()
	md.NullCount = db.uvarint()
	md.MaxRepLevel = db.uvarint()
	md.MaxDefLevel = db.uvarint()
	md.DistinctCountEstimate = db.uvarint64()

	if db.byte() == 1 {
		md.Stats = &Statistics{
			MinValue: db.uvarintBytes(),
			MaxValue: db.uvarintBytes(),
		}
	}

	pageCount := db.uvarint()
	if db.err() == nil && pageCount > db.len() {
		// Each page location needs at least two bytes; anything larger than
		// the remaining buffer is a corrupt count, not a huge chunk.
		return nil, fmt.Errorf("%w: column metadata declares %d pages", compression.ErrCorrupt, pageCount)
	}
	for i := 0; i < pageCount && db.err() == nil; i++ {
		md.Pages = append(md.Pages, PageLocation{
			Offset: db.uvarint(),
			Size:   db.uvarint(),
		})
	}

	md.BloomOffset = db.uvarint()
	md.BloomSize = db.uvarint()

	if db.err() != nil {
		return nil, fmt.Errorf("%w: column metadata: %s", compression.ErrCorrupt, db.err())
	}
	return &md, nil
}

package colpack

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
)

// A serialized column chunk is laid out as
//
//	<magic> <byte version>
//	<page frames, dictionary page first when present>
//	[bloom filter]
//	<column metadata> <le32 metadata-size> <magic>
//
// Page frames, the Bloom filter, and the metadata are located by absolute
// byte offsets recorded in the metadata and the tailer, so the chunk can be
// read with range requests alone.
var magic = []byte("CPK1")

const (
	chunkFormatVersion byte = 0x1

	chunkHeaderSize = 5 // magic + version
	chunkTailerSize = 8 // le32 metadata size + magic
)

// writeChunk serializes a finalized chunk to w. It fills in md's page
// locations and Bloom filter location as it writes.
func writeChunk(w io.Writer, pages []*Page, bloomData []byte, md *ColumnMetadata) error {
	offset := 0

	n, err := w.Write(append(append(make([]byte, 0, chunkHeaderSize), magic...), chunkFormatVersion))
	if err != nil {
		return fmt.Errorf("writing chunk header: %w", err)
	}
	offset += n

	md.Pages = md.Pages[:0]
	for _, page := range pages {
		written, err := page.WriteTo(w)
		if err != nil {
			return fmt.Errorf("writing page frame: %w", err)
		}
		md.Pages = append(md.Pages, formatmd.PageLocation{Offset: offset, Size: int(written)})
		offset += int(written)
	}

	md.BloomOffset, md.BloomSize = 0, 0
	if len(bloomData) > 0 {
		n, err := w.Write(bloomData)
		if err != nil {
			return fmt.Errorf("writing bloom filter: %w", err)
		}
		md.BloomOffset, md.BloomSize = offset, n
		offset += n
	}

	mdBytes := formatmd.MarshalColumnMetadata(nil, md)
	if _, err := w.Write(mdBytes); err != nil {
		return fmt.Errorf("writing column metadata: %w", err)
	}

	tailer := binary.LittleEndian.AppendUint32(make([]byte, 0, chunkTailerSize), uint32(len(mdBytes)))
	tailer = append(tailer, magic...)
	if _, err := w.Write(tailer); err != nil {
		return fmt.Errorf("writing chunk tailer: %w", err)
	}
	return nil
}

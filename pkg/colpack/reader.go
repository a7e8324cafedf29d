package colpack

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grafana/colpack/pkg/colpack/bloom"
	"github.com/grafana/colpack/pkg/colpack/internal/dataset"
	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
)

// DefaultMaxPageSize bounds the decoded size of a single page when a
// reader does not set its own limit.
const DefaultMaxPageSize = 16 * 1024 * 1024

type readerState int

const (
	// readerStateUnopened indicates the metadata has not been parsed yet.
	readerStateUnopened readerState = iota

	// readerStateMetadataParsed indicates the metadata is available and
	// page iteration has not started.
	readerStateMetadataParsed

	// readerStateIterating indicates at least one page has been read.
	readerStateIterating

	// readerStateExhausted indicates all pages have been read, or the chunk
	// failed and will not yield further pages.
	readerStateExhausted
)

// A ColumnChunkReader reads pages from one serialized column chunk. Pages
// are yielded strictly in on-disk order; metadata is fetched lazily on
// first use. A corrupt page is fatal for the chunk, but readers of sibling
// chunks are unaffected.
//
// ColumnChunkReader is not safe for concurrent use.
type ColumnChunkReader struct {
	src ByteSource

	// MaxPageSize bounds the decoded size of a single page. It may be set
	// before the first read; 0 means [DefaultMaxPageSize].
	MaxPageSize int

	state readerState
	err   error // Sticky failure; set when the chunk is unreadable.

	md    *ColumnMetadata
	dict  []Value // Decoded dictionary page, cached for the chunk's lifetime.
	bloom *bloom.Filter
	next  int // Index into md.Pages of the next page to read.
}

// NewColumnChunkReader creates a reader over src.
func NewColumnChunkReader(src ByteSource) *ColumnChunkReader {
	return &ColumnChunkReader{src: src}
}

func (r *ColumnChunkReader) maxPageSize() int {
	if r.MaxPageSize > 0 {
		return r.MaxPageSize
	}
	return DefaultMaxPageSize
}

// Metadata returns the chunk's metadata, fetching and validating the chunk
// framing on first call.
func (r *ColumnChunkReader) Metadata(ctx context.Context) (*ColumnMetadata, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.md != nil {
		return r.md, nil
	}

	md, err := r.readMetadata(ctx)
	if err != nil {
		r.fail(err)
		return nil, err
	}
	r.md = md
	r.state = readerStateMetadataParsed
	return md, nil
}

func (r *ColumnChunkReader) readMetadata(ctx context.Context) (*ColumnMetadata, error) {
	size, err := r.src.Size(ctx)
	if err != nil {
		return nil, err
	}
	if size < chunkHeaderSize+chunkTailerSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes is too short", ErrCorrupt, size)
	}

	header, err := r.src.ReadRange(ctx, 0, chunkHeaderSize)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(header[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: invalid chunk magic", ErrCorrupt)
	}
	if version := header[len(magic)]; version != chunkFormatVersion {
		return nil, fmt.Errorf("%w: chunk format version %d", ErrUnsupported, version)
	}

	tailer, err := r.src.ReadRange(ctx, size-chunkTailerSize, chunkTailerSize)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(tailer[4:], magic) {
		return nil, fmt.Errorf("%w: invalid tailer magic", ErrCorrupt)
	}

	mdSize := int64(binary.LittleEndian.Uint32(tailer))
	if mdSize > size-chunkHeaderSize-chunkTailerSize {
		return nil, fmt.Errorf("%w: metadata of %d bytes exceeds chunk size %d", ErrCorrupt, mdSize, size)
	}

	mdBytes, err := r.src.ReadRange(ctx, size-chunkTailerSize-mdSize, mdSize)
	if err != nil {
		return nil, err
	}
	return formatmd.UnmarshalColumnMetadata(mdBytes)
}

// MaxDefLevel returns the column's maximum definition level. It is zero
// until the metadata has been read.
func (r *ColumnChunkReader) MaxDefLevel() int {
	if r.md == nil {
		return 0
	}
	return r.md.MaxDefLevel
}

// NextPage returns the next raw page in on-disk order, or io.EOF once the
// chunk is exhausted. Dictionary pages are yielded like any other page;
// use [ColumnChunkReader.ReadPage] for transparent dictionary handling.
func (r *ColumnChunkReader) NextPage(ctx context.Context) (*Page, error) {
	if r.err != nil {
		return nil, r.err
	}
	if _, err := r.Metadata(ctx); err != nil {
		return nil, err
	}

	if r.next >= len(r.md.Pages) {
		r.state = readerStateExhausted
		return nil, io.EOF
	}

	loc := r.md.Pages[r.next]
	buf, err := r.src.ReadRange(ctx, int64(loc.Offset), int64(loc.Size))
	if err != nil {
		r.fail(err)
		return nil, err
	}

	page, consumed, err := dataset.ParsePageFrame(buf, r.maxPageSize())
	if err == dataset.ErrPageIncomplete {
		err = fmt.Errorf("%w: page frame truncated", ErrCorrupt)
	}
	if err != nil {
		r.fail(err)
		return nil, err
	}
	if consumed != loc.Size {
		err := fmt.Errorf("%w: page frame is %d bytes, metadata declares %d", ErrCorrupt, consumed, loc.Size)
		r.fail(err)
		return nil, err
	}

	r.next++
	r.state = readerStateIterating
	return page, nil
}

// ReadPage returns the next decoded data page, or io.EOF once the chunk is
// exhausted. Dictionary pages are consumed internally: their values are
// cached and used to resolve dictionary-encoded data pages.
func (r *ColumnChunkReader) ReadPage(ctx context.Context) (*DecodedPage, error) {
	for {
		page, err := r.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		if page.Header.Type == formatmd.PageTypeDictionary {
			dict, err := dataset.DecodeDictionaryPage(page, r.md.ValueType, r.maxPageSize())
			if err != nil {
				r.fail(err)
				return nil, err
			}
			r.dict = dict
			continue
		}

		decoded, err := dataset.DecodePage(page, dataset.DecodeOptions{
			ValueType:   r.md.ValueType,
			MaxRepLevel: r.md.MaxRepLevel,
			MaxDefLevel: r.md.MaxDefLevel,
			Dictionary:  r.dict,
			MaxPageSize: r.maxPageSize(),
		})
		if err != nil {
			r.fail(err)
			return nil, err
		}
		return decoded, nil
	}
}

// BloomFilter returns the chunk's Bloom filter, fetching it on first call.
// It returns nil when the chunk has none.
func (r *ColumnChunkReader) BloomFilter(ctx context.Context) (*bloom.Filter, error) {
	if r.bloom != nil {
		return r.bloom, nil
	}

	md, err := r.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	if md.BloomSize == 0 {
		return nil, nil
	}

	buf, err := r.src.ReadRange(ctx, int64(md.BloomOffset), int64(md.BloomSize))
	if err != nil {
		return nil, err
	}
	filter, err := bloom.Unmarshal(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	r.bloom = filter
	return filter, nil
}

// BloomMightContain reports whether value may appear in the chunk. It
// returns true when the chunk carries no Bloom filter, since nothing can be
// ruled out.
func (r *ColumnChunkReader) BloomMightContain(ctx context.Context, value Value) (bool, error) {
	filter, err := r.BloomFilter(ctx)
	if err != nil {
		return false, err
	}
	if filter == nil {
		return true, nil
	}
	return filter.MightContainHash(bloomHash(value)), nil
}

// Reset restarts page iteration from the beginning of the chunk, clearing
// any failure. Cached metadata is kept.
func (r *ColumnChunkReader) Reset() {
	r.next = 0
	r.dict = nil
	r.err = nil
	if r.md != nil {
		r.state = readerStateMetadataParsed
	} else {
		r.state = readerStateUnopened
	}
}

func (r *ColumnChunkReader) fail(err error) {
	r.err = err
	r.state = readerStateExhausted
}

package colpack

import (
	"fmt"

	"github.com/grafana/colpack/pkg/colpack/internal/dataset"
	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
)

// A StreamReader decodes a stream of page frames as bytes arrive, without
// random access and without the chunk framing. Bytes are fed with Write in
// any chunking; a page is decoded as soon as the buffer holds its complete
// frame, and the resulting page sequence is identical regardless of how the
// input was split.
//
// The input is the frame stream produced by a [ColumnChunkBuilder] draining
// pages with NextPage, dictionary page first for dictionary-encoded
// columns.
//
// StreamReader is not safe for concurrent use.
type StreamReader struct {
	schema      ColumnSchema
	maxPageSize int

	buf     []byte // Bytes fed but not yet parsed into a frame.
	dict    []Value
	pending []*DecodedPage
	err     error // Sticky; the stream cannot recover from corruption.
}

// NewStreamReader creates a StreamReader for a column of the given schema.
// maxPageSize bounds the decoded size of a single page; 0 means
// [DefaultMaxPageSize].
func NewStreamReader(schema ColumnSchema, maxPageSize int) (*StreamReader, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}
	return &StreamReader{schema: schema, maxPageSize: maxPageSize}, nil
}

// Write feeds bytes into the reader, decoding any page frames they
// complete. Decoded pages are retrieved with [StreamReader.NextPage].
// Corruption is terminal: once Write fails, the stream stays failed.
func (s *StreamReader) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}

	s.buf = append(s.buf, p...)
	for len(s.buf) > 0 {
		page, consumed, err := dataset.ParsePageFrame(s.buf, s.maxPageSize)
		if err == dataset.ErrPageIncomplete {
			break // Need more input.
		}
		if err != nil {
			s.err = err
			return len(p), err
		}

		if err := s.decode(page); err != nil {
			s.err = err
			return len(p), err
		}
		s.buf = s.buf[consumed:]
	}
	return len(p), nil
}

func (s *StreamReader) decode(page *Page) error {
	if page.Header.Type == formatmd.PageTypeDictionary {
		dict, err := dataset.DecodeDictionaryPage(page, s.schema.ValueType, s.maxPageSize)
		if err != nil {
			return err
		}
		s.dict = dict
		return nil
	}

	decoded, err := dataset.DecodePage(page, dataset.DecodeOptions{
		ValueType:   s.schema.ValueType,
		MaxRepLevel: s.schema.MaxRepLevel,
		MaxDefLevel: s.schema.MaxDefLevel,
		Dictionary:  s.dict,
		MaxPageSize: s.maxPageSize,
	})
	if err != nil {
		return err
	}
	s.pending = append(s.pending, decoded)
	return nil
}

// NextPage returns the next decoded page in arrival order. It returns
// false when no complete page is buffered; feed more bytes with Write.
func (s *StreamReader) NextPage() (*DecodedPage, bool) {
	if len(s.pending) == 0 {
		return nil, false
	}
	page := s.pending[0]
	s.pending = s.pending[1:]
	return page, true
}

// Buffered returns the number of bytes held for a not-yet-complete frame.
func (s *StreamReader) Buffered() int { return len(s.buf) }

// Close verifies the stream ended on a frame boundary. Pages already
// decoded remain retrievable with NextPage.
func (s *StreamReader) Close() error {
	if s.err != nil {
		return s.err
	}
	if len(s.buf) > 0 {
		return fmt.Errorf("%w: stream ended mid-frame with %d bytes buffered", ErrCorrupt, len(s.buf))
	}
	return nil
}

// Reset discards all buffered state, returning the reader to its initial
// state for a new stream.
func (s *StreamReader) Reset() {
	s.buf = nil
	s.dict = nil
	s.pending = nil
	s.err = nil
}

package colpack

import (
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/grafana/colpack/pkg/colpack/bloom"
	"github.com/grafana/colpack/pkg/colpack/internal/dataset"
	"github.com/grafana/colpack/pkg/compression"
)

type builderState int

const (
	// builderStateEmpty indicates no values have been appended.
	builderStateEmpty builderState = iota

	// builderStateAppending indicates the builder holds values and accepts
	// more.
	builderStateAppending

	// builderStateFinalized indicates the chunk's pages and metadata are
	// complete; no further appends are accepted.
	builderStateFinalized

	// builderStateFlushed indicates the chunk has been serialized.
	builderStateFlushed
)

// A ColumnChunkBuilder accumulates values for one column chunk. Pages are
// cut automatically once they reach the configured size hint.
//
// ColumnChunkBuilder is not safe for concurrent use; sibling builders are
// independent.
type ColumnChunkBuilder struct {
	schema  ColumnSchema
	cfg     BuilderConfig
	metrics *Metrics

	col *dataset.ColumnBuilder

	// hashes collects the distinct value hashes feeding the Bloom filter,
	// which can only be sized once the distinct count is known.
	hashes map[uint64]struct{}

	bloom *bloom.Filter
	md    *ColumnMetadata
	state builderState
}

// NewColumnChunkBuilder creates a builder for one column chunk. metrics may
// be nil.
func NewColumnChunkBuilder(schema ColumnSchema, cfg BuilderConfig, metrics ...*Metrics) (*ColumnChunkBuilder, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	col, err := dataset.NewColumnBuilder(
		dataset.BuilderOptions{
			ValueType:        schema.ValueType,
			Encoding:         schema.Encoding,
			Codec:            cfg.Compression,
			CompressionLevel: compression.Level(cfg.CompressionLevel),
			PageSizeHint:     int(cfg.PageSizeHint),
			MaxRepLevel:      schema.MaxRepLevel,
			MaxDefLevel:      schema.MaxDefLevel,
		},
		dataset.StatisticsOptions{
			StoreRangeStats:       cfg.RangeStats,
			StoreCardinalityStats: cfg.CardinalityStats,
		},
	)
	if err != nil {
		return nil, err
	}

	b := &ColumnChunkBuilder{
		schema: schema,
		cfg:    cfg,
		col:    col,
	}
	if len(metrics) > 0 {
		b.metrics = metrics[0]
	}
	if cfg.BloomFilter {
		b.hashes = make(map[uint64]struct{})
	}
	return b, nil
}

// Append adds one row to a flat column. A NULL row is appended by passing
// the zero Value when the schema has a definition level.
func (b *ColumnChunkBuilder) Append(value Value) error {
	defLevel := b.schema.MaxDefLevel
	if value.IsNil() {
		defLevel = 0
	}
	return b.AppendWithLevels(value, 0, defLevel)
}

// AppendWithLevels adds one row with explicit repetition and definition
// levels. The row is NULL when defLevel is below the schema's maximum
// definition level.
func (b *ColumnChunkBuilder) AppendWithLevels(value Value, repLevel, defLevel int) error {
	if b.state >= builderStateFinalized {
		return fmt.Errorf("append to finalized column chunk")
	}

	if err := b.col.Append(value, repLevel, defLevel); err != nil {
		return err
	}
	b.state = builderStateAppending

	if b.hashes != nil && defLevel == b.schema.MaxDefLevel {
		b.hashes[bloomHash(value)] = struct{}{}
	}
	return nil
}

// Rows returns the number of rows appended so far.
func (b *ColumnChunkBuilder) Rows() int { return b.col.Rows() }

// EstimatedSize returns the estimated uncompressed size of the page
// currently being built.
func (b *ColumnChunkBuilder) EstimatedSize() int { return b.col.EstimatedSize() }

// NextPage returns the next cut page, or nil when no page is ready. Each
// page is returned exactly once, in chunk order. Callers that drain pages
// this way transport them out of band and finish with [Finalize]; pages
// already taken are not written again by Flush.
//
// For dictionary-encoded columns NextPage returns nil until Finalize is
// called, since the dictionary page must precede the data pages and is
// complete only once all values are appended.
func (b *ColumnChunkBuilder) NextPage() *Page {
	page := b.col.NextPage()
	if page != nil {
		b.metrics.observePage(page)
	}
	return page
}

// Finalize cuts the final page, builds the Bloom filter if configured, and
// returns the chunk metadata. After Finalize, remaining pages are drained
// with [NextPage]; no further values may be appended.
//
// Metadata returned by Finalize has no page locations; those exist only in
// serialized chunks produced by [Flush].
func (b *ColumnChunkBuilder) Finalize() (*ColumnMetadata, error) {
	if b.state >= builderStateFinalized {
		return b.md, nil
	}

	md, err := b.col.Finalize()
	if err != nil {
		return nil, err
	}

	if b.hashes != nil && len(b.hashes) > 0 {
		start := time.Now()
		b.bloom = bloom.New(len(b.hashes), b.cfg.BloomFalsePositiveRate)
		for h := range b.hashes {
			b.bloom.InsertHash(h)
		}
		b.metrics.observeBloomBuild(time.Since(start).Seconds())
	}

	b.md = md
	b.state = builderStateFinalized
	return md, nil
}

// BloomFilter returns the chunk's Bloom filter, or nil when disabled or
// not yet built. It is available after Finalize.
func (b *ColumnChunkBuilder) BloomFilter() *bloom.Filter { return b.bloom }

// Flush finalizes the chunk and writes its serialized form to w, returning
// the metadata with page locations filled in. Flush may be called once.
func (b *ColumnChunkBuilder) Flush(w io.Writer) (*ColumnMetadata, error) {
	if b.state == builderStateFlushed {
		return nil, fmt.Errorf("column chunk already flushed")
	}

	md, err := b.Finalize()
	if err != nil {
		return nil, err
	}

	var pages []*Page
	for page := b.NextPage(); page != nil; page = b.NextPage() {
		pages = append(pages, page)
	}

	var bloomData []byte
	if b.bloom != nil {
		bloomData = b.bloom.Marshal(nil)
	}

	if err := writeChunk(w, pages, bloomData, md); err != nil {
		return nil, err
	}
	b.state = builderStateFlushed
	return md, nil
}

// bloomHash hashes a value for Bloom filter membership. The type tag is
// included so that, for example, Int64Value(1) and Uint64Value(1) hash
// differently.
func bloomHash(v Value) uint64 {
	buf, err := v.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("bloomHash: marshaling value of type %s: %s", v.Type(), err))
	}
	return xxhash.Sum64(buf)
}

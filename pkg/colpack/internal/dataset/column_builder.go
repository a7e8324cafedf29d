package dataset

import (
	"fmt"
	"math"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
)

// A ColumnBuilder accumulates a sequence of [Value]s into pages forming one
// column chunk. Pages are cut automatically when they reach the configured
// size hint.
//
// For dictionary-encoded columns, appended values are converted to indices
// into a chunk-wide dictionary; the dictionary page is built at finalize
// time and must be emitted before any data page.
type ColumnBuilder struct {
	opts      BuilderOptions
	statsOpts StatisticsOptions

	dict *DictionaryBuilder // Non-nil only for dictionary-encoded columns.
	pb   *pageBuilder

	pageStats pageStatsBuilder
	colStats  *columnStatsBuilder

	// queue holds cut pages not yet taken by NextPage. headers retains the
	// header of every cut data page for the metadata roll-up, including
	// pages already handed out.
	queue   []*MemPage
	headers []formatmd.PageHeader

	rows, values, nulls int
	finalized           bool
}

// NewColumnBuilder creates a ColumnBuilder for one column.
func NewColumnBuilder(opts BuilderOptions, statsOpts StatisticsOptions) (*ColumnBuilder, error) {
	pb, err := newPageBuilder(opts)
	if err != nil {
		return nil, err
	}
	colStats, err := newColumnStatsBuilder(statsOpts)
	if err != nil {
		return nil, err
	}

	cb := &ColumnBuilder{
		opts:      opts,
		statsOpts: statsOpts,
		pb:        pb,
		colStats:  colStats,
	}
	if opts.Encoding == formatmd.EncodingRLEDictionary {
		cb.dict = NewDictionaryBuilder(opts.ValueType)
	}
	return cb, nil
}

// Append adds one row to the column. A row is NULL when defLevel is below
// the column's maximum definition level. Append fails after Finalize.
func (cb *ColumnBuilder) Append(value Value, repLevel, defLevel int) error {
	if cb.finalized {
		return fmt.Errorf("append to finalized column")
	}

	isNull := defLevel < cb.opts.MaxDefLevel
	planeValue := value
	if cb.dict != nil && !isNull {
		idx, err := cb.dict.Index(value)
		if err != nil {
			return err
		}
		planeValue = Uint64Value(idx)
	}

	ok, err := cb.pb.Append(planeValue, repLevel, defLevel)
	if err != nil {
		return err
	}
	if !ok {
		// Page is full. Cut it, then retry; an empty page never rejects an
		// append.
		if err := cb.cutPage(); err != nil {
			return err
		}
		if _, err := cb.pb.Append(planeValue, repLevel, defLevel); err != nil {
			return err
		}
	}

	// Statistics always track logical values, not dictionary indices.
	if !isNull {
		cb.pageStats.Append(value)
	}
	cb.colStats.Append(value)
	return nil
}

// Rows returns the number of rows appended so far, including rows in the
// page currently being built.
func (cb *ColumnBuilder) Rows() int { return cb.rows + cb.pb.Rows() }

// EstimatedSize returns the estimated uncompressed size of the page
// currently being built.
func (cb *ColumnBuilder) EstimatedSize() int { return cb.pb.EstimatedSize() }

// NextPage returns the next cut page, or nil when no page is ready. Pages
// come back in chunk order, each exactly once.
//
// For dictionary-encoded columns no page is ready until Finalize has been
// called, since the dictionary page must come first and the dictionary is
// complete only once all values are appended.
func (cb *ColumnBuilder) NextPage() *MemPage {
	if cb.dict != nil && !cb.finalized {
		return nil
	}
	if len(cb.queue) == 0 {
		return nil
	}
	page := cb.queue[0]
	cb.queue = cb.queue[1:]
	return page
}

// Finalize cuts the final page, prepends the dictionary page for
// dictionary-encoded columns, and returns the column metadata. Page
// locations are left for the chunk encoder to fill in. After Finalize the
// remaining pages are drained with [ColumnBuilder.NextPage].
func (cb *ColumnBuilder) Finalize() (*formatmd.ColumnMetadata, error) {
	if cb.finalized {
		return nil, fmt.Errorf("column already finalized")
	}

	if cb.pb.Rows() > 0 {
		if err := cb.cutPage(); err != nil {
			return nil, err
		}
	}

	if cb.dict != nil {
		dictPage, err := cb.buildDictionaryPage()
		if err != nil {
			return nil, err
		}
		if dictPage != nil {
			cb.queue = append([]*MemPage{dictPage}, cb.queue...)
		}
	}
	cb.finalized = true

	stats, distinct := cb.colStats.Flush(cb.headers)
	if cb.dict != nil {
		// The dictionary knows the exact count; prefer it over the sketch
		// estimate.
		distinct = uint64(cb.dict.Len())
	}

	return &formatmd.ColumnMetadata{
		ValueType: cb.opts.ValueType,
		Encoding:  cb.opts.Encoding,
		Codec:     cb.opts.Codec,

		RowCount:   cb.rows,
		ValueCount: cb.values,
		NullCount:  cb.nulls,

		MaxRepLevel: cb.opts.MaxRepLevel,
		MaxDefLevel: cb.opts.MaxDefLevel,

		DistinctCountEstimate: distinct,
		Stats:                 stats,
	}, nil
}

func (cb *ColumnBuilder) cutPage() error {
	var stats *formatmd.Statistics
	if cb.statsOpts.StoreRangeStats {
		stats = cb.pageStats.Flush()
	} else {
		cb.pageStats = pageStatsBuilder{}
	}

	page, err := cb.pb.Flush(formatmd.PageTypeData, stats)
	if err != nil {
		return fmt.Errorf("cutting page: %w", err)
	}

	cb.queue = append(cb.queue, page)
	cb.headers = append(cb.headers, page.Header)
	cb.rows += page.Header.RowCount
	cb.values += page.Header.ValueCount
	cb.nulls += page.Header.NullCount
	return nil
}

// buildDictionaryPage encodes the dictionary's distinct values as a single
// PLAIN page. It returns nil when the dictionary is empty.
func (cb *ColumnBuilder) buildDictionaryPage() (*MemPage, error) {
	entries := cb.dict.Values()
	if len(entries) == 0 {
		return nil, nil
	}

	// The dictionary is always a single page regardless of size, so disable
	// the size cut-off.
	pb, err := newPageBuilder(BuilderOptions{
		ValueType:        cb.opts.ValueType,
		Encoding:         formatmd.EncodingPlain,
		Codec:            cb.opts.Codec,
		CompressionLevel: cb.opts.CompressionLevel,
		PageSizeHint:     math.MaxInt,
	})
	if err != nil {
		return nil, err
	}
	for _, v := range entries {
		if _, err := pb.Append(v, 0, 0); err != nil {
			return nil, fmt.Errorf("encoding dictionary entry: %w", err)
		}
	}
	return pb.Flush(formatmd.PageTypeDictionary, nil)
}

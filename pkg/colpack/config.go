package colpack

import (
	"errors"
	"flag"
	"fmt"
	"slices"

	"github.com/grafana/dskit/flagext"

	"github.com/grafana/colpack/pkg/compression"
)

// BuilderConfig configures a [ColumnChunkBuilder].
type BuilderConfig struct {
	// PageSizeHint is the target uncompressed size of a page. Pages are cut
	// once they reach it; a single oversized value may exceed it.
	PageSizeHint flagext.Bytes

	// MaxPageSize bounds the decoded size of any single page on the read
	// path. Pages declaring a larger size fail with ErrResourceExhausted.
	MaxPageSize flagext.Bytes

	// Compression is the codec applied to value planes.
	Compression      compression.Codec
	CompressionLevel int

	// RangeStats and CardinalityStats control min/max and distinct-count
	// statistics in page headers and column metadata.
	RangeStats       bool
	CardinalityStats bool

	// BloomFilter enables building a split-block Bloom filter over the
	// chunk's distinct values. BloomFalsePositiveRate is the target rate
	// used to size it.
	BloomFilter            bool
	BloomFalsePositiveRate float64
}

// DefaultBuilderConfig returns the configuration used when no flags are
// set.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		PageSizeHint: flagext.Bytes(8 * 1024),
		MaxPageSize:  flagext.Bytes(16 * 1024 * 1024),

		Compression: compression.Snappy,

		RangeStats:       true,
		CardinalityStats: true,

		BloomFilter:            false,
		BloomFalsePositiveRate: 0.01,
	}
}

// RegisterFlags registers flags with no prefix.
func (c *BuilderConfig) RegisterFlags(f *flag.FlagSet) {
	c.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix registers flags, prefixing each flag name.
func (c *BuilderConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	_ = c.PageSizeHint.Set("8KiB")
	f.Var(&c.PageSizeHint, prefix+"page-size-hint", "Target uncompressed page size.")

	_ = c.MaxPageSize.Set("16MiB")
	f.Var(&c.MaxPageSize, prefix+"max-page-size", "Maximum decoded size of a single page.")

	c.Compression = compression.Snappy
	f.Var(codecFlag{&c.Compression}, prefix+"compression", "Compression codec for value planes.")
	f.IntVar(&c.CompressionLevel, prefix+"compression-level", 0, "Codec-specific compression level; 0 means the codec default.")

	f.BoolVar(&c.RangeStats, prefix+"range-stats", true, "Store min/max statistics per page and per column.")
	f.BoolVar(&c.CardinalityStats, prefix+"cardinality-stats", true, "Store a distinct-count estimate per column.")

	f.BoolVar(&c.BloomFilter, prefix+"bloom-filter", false, "Build a Bloom filter over the column's distinct values.")
	f.Float64Var(&c.BloomFalsePositiveRate, prefix+"bloom-fpp", 0.01, "Target Bloom filter false-positive rate.")
}

// Validate checks the configuration for inconsistencies, reporting all of
// them at once.
func (c *BuilderConfig) Validate() error {
	var errs []error

	if c.PageSizeHint == 0 {
		errs = append(errs, fmt.Errorf("page size hint must be greater than 0"))
	}
	if c.MaxPageSize > 0 && c.MaxPageSize < c.PageSizeHint {
		errs = append(errs, fmt.Errorf("max page size %d is below the page size hint %d", c.MaxPageSize, c.PageSizeHint))
	}
	if !slices.Contains(compression.Supported(), c.Compression) {
		errs = append(errs, fmt.Errorf("%w: compression codec %d", ErrUnsupported, c.Compression))
	}
	if c.BloomFilter && (c.BloomFalsePositiveRate <= 0 || c.BloomFalsePositiveRate >= 1) {
		errs = append(errs, fmt.Errorf("bloom false-positive rate %f must be in (0, 1)", c.BloomFalsePositiveRate))
	}

	return errors.Join(errs...)
}

// codecFlag adapts a [compression.Codec] to the flag.Value interface.
type codecFlag struct{ c *compression.Codec }

func (v codecFlag) String() string {
	if v.c == nil {
		return compression.None.String()
	}
	return v.c.String()
}

func (v codecFlag) Set(s string) error {
	codec, err := compression.ParseCodec(s)
	if err != nil {
		return err
	}
	*v.c = codec
	return nil
}

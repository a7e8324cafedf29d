package dataset

import (
	"fmt"

	"github.com/axiomhq/hyperloglog"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
)

// NB: https://engineering.fb.com/2018/12/13/data-infrastructure/hyperloglog/
// Standard error (SE) = 1.04/sqrt(2^n_registers)
//
// With 2^12 registers, SE = 1.04/sqrt(2^12) = 0.01625, so 95% of estimates
// are within ±3.25% of the true cardinality at 4KB of register state.
func newHyperLogLog() (*hyperloglog.Sketch, error) {
	return hyperloglog.NewSketch(12, true)
}

// StatisticsOptions controls which statistics are collected for a column.
type StatisticsOptions struct {
	StoreRangeStats       bool
	StoreCardinalityStats bool
}

// pageStatsBuilder tracks min/max for the page currently being built.
type pageStatsBuilder struct {
	min, max Value
	count    int
}

func (psb *pageStatsBuilder) Append(value Value) {
	if value.IsNil() {
		return
	}
	if psb.count == 0 || CompareValues(value, psb.min) < 0 {
		psb.min = value
	}
	if psb.count == 0 || CompareValues(value, psb.max) > 0 {
		psb.max = value
	}
	psb.count++
}

// Flush returns the page statistics and resets the builder. It returns nil
// when no non-NULL values were appended.
func (psb *pageStatsBuilder) Flush() *formatmd.Statistics {
	defer func() { *psb = pageStatsBuilder{} }()

	if psb.count == 0 {
		return nil
	}

	minBytes, err := psb.min.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("pageStatsBuilder.Flush: marshaling min value: %s", err))
	}
	maxBytes, err := psb.max.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("pageStatsBuilder.Flush: marshaling max value: %s", err))
	}
	return &formatmd.Statistics{MinValue: minBytes, MaxValue: maxBytes}
}

// columnStatsBuilder accumulates column-level statistics across pages.
type columnStatsBuilder struct {
	opts StatisticsOptions

	// for cardinality
	hll *hyperloglog.Sketch
}

func newColumnStatsBuilder(opts StatisticsOptions) (*columnStatsBuilder, error) {
	result := &columnStatsBuilder{opts: opts}

	if opts.StoreCardinalityStats {
		var err error
		if result.hll, err = newHyperLogLog(); err != nil {
			return nil, fmt.Errorf("creating hyperloglog sketch: %w", err)
		}
	}
	return result, nil
}

func (csb *columnStatsBuilder) Append(value Value) {
	if !csb.opts.StoreCardinalityStats || value.IsNil() {
		return
	}

	buf, err := value.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("columnStatsBuilder.Append: marshaling value of type %s: %s", value.Type(), err))
	}
	csb.hll.Insert(buf)
}

// Flush rolls the per-page statistics up into column statistics and returns
// them together with the cardinality estimate.
func (csb *columnStatsBuilder) Flush(headers []formatmd.PageHeader) (*formatmd.Statistics, uint64) {
	var cardinality uint64
	if csb.opts.StoreCardinalityStats {
		cardinality = csb.hll.Estimate()
	}

	if !csb.opts.StoreRangeStats {
		return nil, cardinality
	}

	var minValue, maxValue Value
	var seen bool
	for _, header := range headers {
		if header.Stats == nil {
			continue // All-NULL page or stats disabled for the page.
		}

		var pageMin, pageMax Value
		if err := pageMin.UnmarshalBinary(header.Stats.MinValue); err != nil {
			panic(fmt.Sprintf("columnStatsBuilder.Flush: unmarshaling min value: %s", err))
		} else if err := pageMax.UnmarshalBinary(header.Stats.MaxValue); err != nil {
			panic(fmt.Sprintf("columnStatsBuilder.Flush: unmarshaling max value: %s", err))
		}

		if !seen || CompareValues(pageMin, minValue) < 0 {
			minValue = pageMin
		}
		if !seen || CompareValues(pageMax, maxValue) > 0 {
			maxValue = pageMax
		}
		seen = true
	}

	if !seen {
		return nil, cardinality
	}

	minBytes, err := minValue.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("columnStatsBuilder.Flush: marshaling min value: %s", err))
	}
	maxBytes, err := maxValue.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("columnStatsBuilder.Flush: marshaling max value: %s", err))
	}
	return &formatmd.Statistics{MinValue: minBytes, MaxValue: maxBytes}, cardinality
}

package colpack

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the write path. A single Metrics value may be shared
// by any number of builders.
type Metrics struct {
	pagesBuilt          prometheus.Counter
	pageRows            prometheus.Histogram
	pageCompressedBytes prometheus.Histogram
	pageDecodedBytes    prometheus.Histogram
	bloomBuildSeconds   prometheus.Histogram
}

// NewMetrics creates unregistered metrics. Call [Metrics.Register] to
// expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		pagesBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "colpack_pages_built_total",
			Help: "Total number of pages cut across all column chunk builders.",
		}),
		pageRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "colpack_page_rows",
			Help:    "Number of rows per cut page.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		pageCompressedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "colpack_page_compressed_bytes",
			Help:    "Compressed value plane size per cut page.",
			Buckets: prometheus.ExponentialBuckets(512, 4, 8),
		}),
		pageDecodedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "colpack_page_decoded_bytes",
			Help:    "Uncompressed value plane size per cut page.",
			Buckets: prometheus.ExponentialBuckets(512, 4, 8),
		}),
		bloomBuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "colpack_bloom_filter_build_seconds",
			Help:    "Time spent building Bloom filters at chunk finalize.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.pagesBuilt,
		m.pageRows,
		m.pageCompressedBytes,
		m.pageDecodedBytes,
		m.bloomBuildSeconds,
	}
}

// Register registers metrics with reg. Metrics already registered by
// another Metrics value are left in place.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if !errors.As(err, are) {
				return err
			}
		}
	}
	return nil
}

// Unregister removes the metrics from reg.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

func (m *Metrics) observePage(p *Page) {
	if m == nil {
		return
	}
	m.pagesBuilt.Inc()
	m.pageRows.Observe(float64(p.Header.RowCount))
	m.pageCompressedBytes.Observe(float64(p.Header.CompressedSize))
	m.pageDecodedBytes.Observe(float64(p.Header.UncompressedSize))
}

func (m *Metrics) observeBloomBuild(seconds float64) {
	if m == nil {
		return
	}
	m.bloomBuildSeconds.Observe(seconds)
}

// Command colpack-inspect prints per-column and per-page summaries of
// serialized column chunk files.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/colpack/pkg/colpack"
)

func main() {
	var (
		maxPageSize = flag.Int("max-page-size", colpack.DefaultMaxPageSize, "Maximum decoded size of a single page.")
		showPages   = flag.Bool("pages", true, "Print a line per page.")
		parallelism = flag.Int("parallelism", 4, "Number of files inspected concurrently.")
	)
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	files := flag.Args()
	if len(files) == 0 {
		level.Error(logger).Log("msg", "no files given", "usage", "colpack-inspect [flags] FILE...")
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(*parallelism)

	// Inspect concurrently but print in argument order.
	reports := make([]string, len(files))
	for i, path := range files {
		g.Go(func() error {
			report, err := inspect(ctx, path, *maxPageSize, *showPages)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		level.Error(logger).Log("msg", "inspection failed", "err", err)
		os.Exit(1)
	}

	for _, report := range reports {
		fmt.Print(report)
	}
}

func inspect(ctx context.Context, path string, maxPageSize int, showPages bool) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return "", err
	}

	reader := colpack.NewColumnChunkReader(colpack.ReaderAtSource(f, fi.Size()))
	reader.MaxPageSize = maxPageSize

	md, err := reader.Metadata(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s %s/%s/%s\n", path, humanize.IBytes(uint64(fi.Size())), md.ValueType, md.Encoding, md.Codec)
	fmt.Fprintf(&sb, "  rows=%d values=%d nulls=%d distinct~%d pages=%d\n",
		md.RowCount, md.ValueCount, md.NullCount, md.DistinctCountEstimate, len(md.Pages))
	if md.Stats != nil {
		fmt.Fprintf(&sb, "  min=%s max=%s\n", formatStat(md.Stats.MinValue), formatStat(md.Stats.MaxValue))
	}
	if md.BloomSize > 0 {
		fmt.Fprintf(&sb, "  bloom=%s\n", humanize.IBytes(uint64(md.BloomSize)))
	}

	if !showPages {
		return sb.String(), nil
	}

	for i := 0; ; i++ {
		page, err := reader.NextPage(ctx)
		if err == io.EOF {
			break
		} else if err != nil {
			return "", err
		}

		h := &page.Header
		fmt.Fprintf(&sb, "  page %d: %s %s rows=%d values=%d nulls=%d size=%s/%s crc=%08x\n",
			i, h.Type, h.Encoding, h.RowCount, h.ValueCount, h.NullCount,
			humanize.IBytes(uint64(h.CompressedSize)), humanize.IBytes(uint64(h.UncompressedSize)), h.CRC32)
	}
	return sb.String(), nil
}

// formatStat renders a marshaled statistics value for display.
func formatStat(raw []byte) string {
	var v colpack.Value
	if err := v.UnmarshalBinary(raw); err != nil {
		return fmt.Sprintf("<invalid: %s>", err)
	}

	switch v.Type() {
	case colpack.ValueTypeInt64:
		return fmt.Sprintf("%d", v.Int64())
	case colpack.ValueTypeUint64:
		return fmt.Sprintf("%d", v.Uint64())
	case colpack.ValueTypeString:
		return fmt.Sprintf("%q", v.String())
	case colpack.ValueTypeByteArray:
		return fmt.Sprintf("%x", v.ByteArray())
	}
	return "<nil>"
}

package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compress compresses src with the given codec and returns the result,
// appending to dst if it has capacity. The empty input compresses to an
// empty (but possibly non-nil) output for every codec.
func Compress(codec Codec, dst, src []byte, level Level) ([]byte, error) {
	switch codec {
	case None:
		return append(dst[:0], src...), nil

	case Snappy:
		return snappy.Encode(dst, src), nil

	case Zstd:
		enc, err := getZstdEncoder(level)
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(src, dst[:0]), nil

	case LZ4Raw:
		// CompressBlock needs the worst-case bound up front.
		bound := lz4.CompressBlockBound(len(src))
		if cap(dst) < bound {
			dst = make([]byte, bound)
		}
		dst = dst[:bound]
		compressor := lz4Compressors.Get().(*lz4.Compressor)
		n, err := compressor.CompressBlock(src, dst)
		lz4Compressors.Put(compressor)
		if err != nil {
			return nil, fmt.Errorf("lz4 block compression: %w", err)
		}
		if n == 0 {
			// Incompressible input is stored as a literal-only block so the
			// payload remains self-contained.
			n, err = writeLZ4Literals(src, dst)
			if err != nil {
				return nil, err
			}
		}
		return dst[:n], nil

	case GZIP, LZ4, Brotli:
		buf := bytes.NewBuffer(dst[:0])
		w, err := newFrameWriter(codec, buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(src); err != nil {
			return nil, fmt.Errorf("%s compression: %w", codec, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("%s compression: %w", codec, err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("%w: unknown codec %s", ErrUnsupported, codec)
	}
}

// Decompress decompresses src with the given codec into a buffer of exactly
// expectedLen bytes, appending to dst if it has capacity. Decompress fails
// with [ErrCorrupt] if the decompressed size differs from expectedLen and
// with [ErrUnsupported] if the codec tag is unknown.
func Decompress(codec Codec, dst, src []byte, expectedLen int) ([]byte, error) {
	out, err := decompress(codec, dst, src, expectedLen)
	if err != nil {
		return nil, err
	}
	if len(out) != expectedLen {
		return nil, fmt.Errorf("%w: %s decompressed to %d bytes, expected %d", ErrCorrupt, codec, len(out), expectedLen)
	}
	return out, nil
}

func decompress(codec Codec, dst, src []byte, expectedLen int) ([]byte, error) {
	switch codec {
	case None:
		return append(dst[:0], src...), nil

	case Snappy:
		out, err := snappy.Decode(dst, src)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %s", ErrCorrupt, err)
		}
		return out, nil

	case Zstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(src, dst[:0])
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %s", ErrCorrupt, err)
		}
		return out, nil

	case LZ4Raw:
		if cap(dst) < expectedLen {
			dst = make([]byte, expectedLen)
		}
		dst = dst[:expectedLen]
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 block: %s", ErrCorrupt, err)
		}
		return dst[:n], nil

	case GZIP, LZ4, Brotli:
		r, err := newFrameReader(codec, bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrCorrupt, codec, err)
		}
		buf := bytes.NewBuffer(dst[:0])
		// Read one byte past the expected length so a too-long payload is
		// detected rather than silently clipped.
		if _, err := io.Copy(buf, io.LimitReader(r, int64(expectedLen)+1)); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrCorrupt, codec, err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("%w: unknown codec %s", ErrUnsupported, codec)
	}
}

func newFrameWriter(codec Codec, w io.Writer, level Level) (io.WriteCloser, error) {
	switch codec {
	case GZIP:
		lvl := int(level)
		if lvl == 0 {
			lvl = gzip.DefaultCompression
		}
		gw, err := gzip.NewWriterLevel(w, lvl)
		if err != nil {
			return nil, fmt.Errorf("gzip level %d: %w", lvl, err)
		}
		return gw, nil
	case LZ4:
		lw := lz4.NewWriter(w)
		if level > 0 {
			if err := lw.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(1 << (8 + level)))); err != nil {
				return nil, fmt.Errorf("lz4 level %d: %w", level, err)
			}
		}
		return lw, nil
	case Brotli:
		lvl := int(level)
		if lvl == 0 {
			lvl = brotli.DefaultCompression
		}
		return brotli.NewWriterLevel(w, lvl), nil
	default:
		return nil, fmt.Errorf("%w: codec %s has no frame writer", ErrUnsupported, codec)
	}
}

func newFrameReader(codec Codec, r io.Reader) (io.Reader, error) {
	switch codec {
	case GZIP:
		return gzip.NewReader(r)
	case LZ4:
		return lz4.NewReader(r), nil
	case Brotli:
		return brotli.NewReader(r), nil
	default:
		return nil, fmt.Errorf("%w: codec %s has no frame reader", ErrUnsupported, codec)
	}
}

// writeLZ4Literals writes src as a single lz4 literal sequence, used when
// block compression yields no savings.
func writeLZ4Literals(src, dst []byte) (int, error) {
	// Token 0xF0 means literal length >= 15, continued in extra bytes.
	n := 0
	rem := len(src)
	if rem < 15 {
		if len(dst) < 1+rem {
			return 0, fmt.Errorf("lz4 literal block: destination too small")
		}
		dst[0] = byte(rem) << 4
		n = 1
	} else {
		extra := rem - 15
		need := 1 + extra/255 + 1 + rem
		if len(dst) < need {
			return 0, fmt.Errorf("lz4 literal block: destination too small")
		}
		dst[0] = 0xF0
		n = 1
		for extra >= 255 {
			dst[n] = 255
			extra -= 255
			n++
		}
		dst[n] = byte(extra)
		n++
	}
	copy(dst[n:], src)
	return n + len(src), nil
}

// lz4.Compressor reuses an internal match table, so instances are pooled
// rather than shared.
var lz4Compressors = sync.Pool{
	New: func() any { return &lz4.Compressor{} },
}

// getZstdDecoder lazily initializes a global zstd decoder. Only DecodeAll
// is safe for concurrent use, which is all this package calls.
var getZstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	// A concurrency of 0 uses GOMAXPROCS workers.
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

var (
	zstdEncoderMut sync.Mutex
	zstdEncoders   = map[Level]*zstd.Encoder{}
)

// getZstdEncoder returns a shared zstd encoder for the given level.
// EncodeAll is safe for concurrent use on a shared encoder.
func getZstdEncoder(level Level) (*zstd.Encoder, error) {
	zstdEncoderMut.Lock()
	defer zstdEncoderMut.Unlock()

	if enc, ok := zstdEncoders[level]; ok {
		return enc, nil
	}

	opts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
	if level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	zstdEncoders[level] = enc
	return enc, nil
}

package colpack

import (
	"context"
	"fmt"
	"io"

	"github.com/thanos-io/objstore"
)

// A ByteSource provides random access to a serialized column chunk.
// Implementations must be safe for concurrent reads.
type ByteSource interface {
	// Size returns the total size of the chunk in bytes.
	Size(ctx context.Context) (int64, error)

	// ReadRange reads length bytes starting at offset. Fewer bytes than
	// requested is an error.
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
}

// ReaderAtSource returns a ByteSource reading from r, which holds a
// serialized chunk of the given size.
func ReaderAtSource(r io.ReaderAt, size int64) ByteSource {
	return &readerAtSource{r: r, size: size}
}

type readerAtSource struct {
	r    io.ReaderAt
	size int64
}

func (s *readerAtSource) Size(_ context.Context) (int64, error) { return s.size, nil }

func (s *readerAtSource) ReadRange(_ context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > s.size {
		return nil, fmt.Errorf("%w: range %d+%d outside chunk of %d bytes", ErrCorrupt, offset, length, s.size)
	}

	buf := make([]byte, length)
	if _, err := s.r.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("reading range %d+%d: %w", offset, length, err)
	}
	return buf, nil
}

// BucketSource returns a ByteSource reading the object at path from an
// object storage bucket using range requests.
func BucketSource(bucket objstore.BucketReader, path string) ByteSource {
	return &bucketSource{bucket: bucket, path: path}
}

type bucketSource struct {
	bucket objstore.BucketReader
	path   string
}

func (s *bucketSource) Size(ctx context.Context) (int64, error) {
	attrs, err := s.bucket.Attributes(ctx, s.path)
	if err != nil {
		return 0, fmt.Errorf("reading attributes of %s: %w", s.path, err)
	}
	return attrs.Size, nil
}

func (s *bucketSource) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	rc, err := s.bucket.GetRange(ctx, s.path, offset, length)
	if err != nil {
		return nil, fmt.Errorf("reading range %d+%d of %s: %w", offset, length, s.path, err)
	}
	defer func() { _ = rc.Close() }()

	buf := make([]byte, length)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, fmt.Errorf("reading range %d+%d of %s: %w", offset, length, s.path, err)
	}
	return buf, nil
}

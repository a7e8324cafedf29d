// Package bufpool offers a pool of [bytes.Buffer]s that are grouped into
// buckets of exponentially increasing capacities. Pooling buffers by bucket
// keeps a request for a small buffer from pinning a huge previously-grown
// allocation.
package bufpool

import (
	"bytes"
	"math/bits"
	"sync"
)

// pools holds one pool per power-of-two size class from 1KB up to 1GB.
// Requests above the largest class share a single unbounded pool.
var pools [numBuckets]sync.Pool

const (
	minBucketBits = 10 // 1KB
	maxBucketBits = 30 // 1GB
	numBuckets    = maxBucketBits - minBucketBits + 2
)

func bucketFor(size int) int {
	if size <= 0 {
		return 0
	}
	b := bits.Len(uint(size-1)) - minBucketBits
	if b < 0 {
		return 0
	}
	if b >= numBuckets {
		return numBuckets - 1
	}
	return b
}

// Get returns a buffer from a pool whose capacity class fits size. The
// returned buffer is empty.
func Get(size int) *bytes.Buffer {
	bucket := bucketFor(size)
	buf, ok := pools[bucket].Get().(*bytes.Buffer)
	if !ok || buf == nil {
		buf = bytes.NewBuffer(make([]byte, 0, 1<<(bucket+minBucketBits)))
	}
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool matching its current capacity.
func Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	pools[bucketFor(buf.Cap())].Put(buf)
}

// Package bloom implements a split-block Bloom filter (SBBF) over 64-bit
// xxhash values, bit-compatible with the scheme used by Parquet bloom
// filters. Filters have no false negatives; the false-positive rate is
// governed by sizing.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// salt are the eight odd constants used to derive one bit position per
// 32-bit word of a block from the low half of a hash. They are fixed by the
// SBBF specification and must not change.
var salt = [8]uint32{
	0x47b6137b, 0x44974d91, 0x8824ad5b, 0xa2b7289d,
	0x705495c7, 0x2df1424b, 0x9efc4947, 0x5c6bfb31,
}

// hashXxh64 tags the hash algorithm in serialized filters.
const hashXxh64 = byte(1)

// A Block is 256 bits split into eight 32-bit words. Inserting a value sets
// exactly one bit in each word.
type Block [8]uint32

// BlockSize is the byte size of a single filter block.
const BlockSize = 32

// A Filter is a split-block Bloom filter. The zero value is not usable;
// construct filters with [New] or [Unmarshal].
type Filter struct {
	blocks []Block
}

// New creates a Filter sized for the expected number of distinct values and
// the target false-positive probability. The block count is rounded up to a
// power of two.
func New(expectedDistinct int, fpp float64) *Filter {
	return &Filter{blocks: make([]Block, NumBlocks(expectedDistinct, fpp))}
}

// NumBlocks returns the number of 256-bit blocks needed to hold
// expectedDistinct values at the target false-positive probability,
// rounded up to a power of two.
func NumBlocks(expectedDistinct int, fpp float64) int {
	if expectedDistinct < 1 {
		expectedDistinct = 1
	}
	if fpp <= 0 || fpp >= 1 {
		fpp = 0.01
	}

	// Standard Bloom sizing: m = -n*ln(p)/(ln 2)^2 bits.
	ln2 := math.Ln2
	bitsNeeded := -float64(expectedDistinct) * math.Log(fpp) / (ln2 * ln2)
	blocks := int(math.Ceil(bitsNeeded / (BlockSize * 8)))
	if blocks < 1 {
		blocks = 1
	}

	// Power-of-two block counts let the block index derivation stay a
	// multiply-shift without bias.
	if blocks&(blocks-1) != 0 {
		blocks = 1 << bits.Len(uint(blocks))
	}
	return blocks
}

// NumBlocksTotal returns the filter's block count.
func (f *Filter) NumBlocksTotal() int { return len(f.blocks) }

// SizeBytes returns the byte size of the filter's bit array, excluding the
// serialization header.
func (f *Filter) SizeBytes() int { return len(f.blocks) * BlockSize }

// Insert adds data to the filter.
func (f *Filter) Insert(data []byte) {
	f.InsertHash(xxhash.Sum64(data))
}

// InsertHash adds a precomputed 64-bit hash to the filter.
func (f *Filter) InsertHash(h uint64) {
	block := &f.blocks[f.blockIndex(h)]
	x := uint32(h)
	for i := range block {
		block[i] |= 1 << ((x * salt[i]) >> 27)
	}
}

// MightContain reports whether data may have been inserted. False positives
// are possible; false negatives are not.
func (f *Filter) MightContain(data []byte) bool {
	return f.MightContainHash(xxhash.Sum64(data))
}

// MightContainHash reports whether a precomputed hash may have been
// inserted.
func (f *Filter) MightContainHash(h uint64) bool {
	block := &f.blocks[f.blockIndex(h)]
	x := uint32(h)
	for i := range block {
		if block[i]&(1<<((x*salt[i])>>27)) == 0 {
			return false
		}
	}
	return true
}

// blockIndex maps the high half of a hash onto a block using the unbiased
// multiply-shift reduction.
func (f *Filter) blockIndex(h uint64) uint64 {
	return ((h >> 32) * uint64(len(f.blocks))) >> 32
}

// Marshal serializes the filter, appending to dst. The layout is a one-byte
// hash algorithm tag, a uvarint block count, and the raw little-endian
// blocks.
func (f *Filter) Marshal(dst []byte) []byte {
	dst = append(dst, hashXxh64)
	dst = binary.AppendUvarint(dst, uint64(len(f.blocks)))
	for _, block := range f.blocks {
		for _, word := range block {
			dst = binary.LittleEndian.AppendUint32(dst, word)
		}
	}
	return dst
}

// Unmarshal deserializes a filter produced by [Filter.Marshal].
func Unmarshal(b []byte) (*Filter, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("bloom filter truncated: %d bytes", len(b))
	}
	if b[0] != hashXxh64 {
		return nil, fmt.Errorf("unsupported bloom filter hash algorithm %d", b[0])
	}

	count, n := binary.Uvarint(b[1:])
	if n <= 0 {
		return nil, fmt.Errorf("bloom filter truncated: invalid block count")
	}
	rest := b[1+n:]
	// Bound the count by the bytes actually present before any arithmetic on
	// it; count*BlockSize wraps for attacker-controlled counts.
	if count > uint64(len(rest))/BlockSize {
		return nil, fmt.Errorf("bloom filter declares %d blocks, only %d bytes follow", count, len(rest))
	}
	if count == 0 || count&(count-1) != 0 {
		return nil, fmt.Errorf("bloom filter block count %d is not a power of two", count)
	}
	if uint64(len(rest)) != count*BlockSize {
		return nil, fmt.Errorf("bloom filter of %d blocks needs %d bytes, have %d", count, count*BlockSize, len(rest))
	}

	f := &Filter{blocks: make([]Block, count)}
	for i := range f.blocks {
		for j := range f.blocks[i] {
			f.blocks[i][j] = binary.LittleEndian.Uint32(rest[(i*8+j)*4:])
		}
	}
	return f, nil
}

package dataset

import (
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
	"github.com/grafana/colpack/pkg/colpack/internal/streamio"
)

func init() {
	registerValueEncoding(
		formatmd.ValueTypeInt64,
		formatmd.EncodingDeltaBinaryPacked,
		func(w streamio.Writer) valueEncoder { return newDeltaEncoder(formatmd.ValueTypeInt64, w) },
		func(r streamio.Reader) valueDecoder { return newDeltaDecoder(formatmd.ValueTypeInt64, r) },
	)
	registerValueEncoding(
		formatmd.ValueTypeUint64,
		formatmd.EncodingDeltaBinaryPacked,
		func(w streamio.Writer) valueEncoder { return newDeltaEncoder(formatmd.ValueTypeUint64, w) },
		func(r streamio.Reader) valueDecoder { return newDeltaDecoder(formatmd.ValueTypeUint64, r) },
	)
}

// The delta binary packed layout stores a header
//
//	<uvarint block-size> <uvarint miniblocks-per-block>
//	<uvarint total-count> <zigzag-varint first-value>
//
// followed by blocks of deltas. Each block holds
//
//	<zigzag-varint min-delta> <byte bit-width per miniblock> <miniblocks>
//
// where each miniblock bit-packs blockSize/miniblockCount delta offsets
// (delta minus the block's min delta), LSB first. A trailing partial
// miniblock is zero padded; unused miniblocks in the final block record a
// width of zero and store no data.
const (
	deltaBlockSize      = 128
	deltaMiniblocks     = 4
	deltaMiniblockLen   = deltaBlockSize / deltaMiniblocks
	deltaMaxTotalValues = 1 << 40 // Sanity bound for decoding corrupt headers.
)

// deltaEncoder encodes integers as bit-packed deltas. All values are
// buffered until Flush, which writes the complete plane.
type deltaEncoder struct {
	valueType formatmd.ValueType
	w         streamio.Writer
	inputBuf  []int64
	packBuf   []byte
}

var _ valueEncoder = (*deltaEncoder)(nil)

func newDeltaEncoder(valueType formatmd.ValueType, w streamio.Writer) *deltaEncoder {
	return &deltaEncoder{
		valueType: valueType,
		w:         w,
		inputBuf:  make([]int64, 0, deltaBlockSize),
	}
}

// ValueType returns the type of values supported by the encoder.
func (enc *deltaEncoder) ValueType() formatmd.ValueType { return enc.valueType }

// EncodingType returns [formatmd.EncodingDeltaBinaryPacked].
func (enc *deltaEncoder) EncodingType() formatmd.EncodingType {
	return formatmd.EncodingDeltaBinaryPacked
}

// Encode buffers a new value.
func (enc *deltaEncoder) Encode(v Value) error {
	if v.Type() != enc.valueType {
		return fmt.Errorf("delta: invalid value type %s, expected %s", v.Type(), enc.valueType)
	}

	switch enc.valueType {
	case formatmd.ValueTypeInt64:
		enc.inputBuf = append(enc.inputBuf, v.Int64())
	case formatmd.ValueTypeUint64:
		// Deltas are computed modulo 2^64, so the cast is lossless for the
		// round trip.
		enc.inputBuf = append(enc.inputBuf, int64(v.Uint64()))
	}
	return nil
}

// Flush writes the complete delta plane for all buffered values.
func (enc *deltaEncoder) Flush() error {
	if len(enc.inputBuf) == 0 {
		return nil
	}

	if err := streamio.WriteUvarint(enc.w, deltaBlockSize); err != nil {
		return err
	} else if err := streamio.WriteUvarint(enc.w, deltaMiniblocks); err != nil {
		return err
	} else if err := streamio.WriteUvarint(enc.w, uint64(len(enc.inputBuf))); err != nil {
		return err
	} else if err := streamio.WriteVarint(enc.w, enc.inputBuf[0]); err != nil {
		return err
	}

	deltas := make([]int64, 0, deltaBlockSize)
	for i := 1; i < len(enc.inputBuf); i += deltaBlockSize {
		end := min(i+deltaBlockSize, len(enc.inputBuf))

		deltas = deltas[:0]
		for j := i; j < end; j++ {
			deltas = append(deltas, enc.inputBuf[j]-enc.inputBuf[j-1])
		}
		if err := enc.writeBlock(deltas); err != nil {
			return err
		}
	}

	enc.inputBuf = enc.inputBuf[:0]
	return nil
}

func (enc *deltaEncoder) writeBlock(deltas []int64) error {
	minDelta := deltas[0]
	for _, d := range deltas[1:] {
		if d < minDelta {
			minDelta = d
		}
	}

	// Offsets from the min delta are non-negative and bit-packed per
	// miniblock.
	offsets := make([]uint64, deltaBlockSize)
	for i, d := range deltas {
		offsets[i] = uint64(d - minDelta)
	}

	var widths [deltaMiniblocks]byte
	for mb := 0; mb < deltaMiniblocks; mb++ {
		if mb*deltaMiniblockLen >= len(deltas) {
			break // Unused miniblock; width stays 0.
		}
		var maxOffset uint64
		for _, o := range offsets[mb*deltaMiniblockLen : (mb+1)*deltaMiniblockLen] {
			maxOffset |= o
		}
		widths[mb] = byte(bits.Len64(maxOffset))
	}

	if err := streamio.WriteVarint(enc.w, minDelta); err != nil {
		return err
	}
	if _, err := enc.w.Write(widths[:]); err != nil {
		return err
	}

	for mb := 0; mb < deltaMiniblocks; mb++ {
		if mb*deltaMiniblockLen >= len(deltas) {
			break
		}
		enc.packBuf = packValues(enc.packBuf[:0], offsets[mb*deltaMiniblockLen:(mb+1)*deltaMiniblockLen], int(widths[mb]))
		if _, err := enc.w.Write(enc.packBuf); err != nil {
			return err
		}
	}
	return nil
}

// Reset resets the encoder to write to w.
func (enc *deltaEncoder) Reset(w streamio.Writer) {
	enc.w = w
	enc.inputBuf = enc.inputBuf[:0]
}

// packValues appends vals bit-packed with the given width to dst, LSB
// first.
func packValues(dst []byte, vals []uint64, width int) []byte {
	var acc uint64
	accBits := 0
	for _, v := range vals {
		rem := width
		for rem > 0 {
			take := min(rem, 64-accBits)
			acc |= (v & ((1 << take) - 1)) << accBits
			accBits += take
			v >>= take
			rem -= take

			for accBits >= 8 {
				dst = append(dst, byte(acc))
				acc >>= 8
				accBits -= 8
			}
		}
	}
	if accBits > 0 {
		dst = append(dst, byte(acc))
	}
	return dst
}

// deltaDecoder decodes planes written by [deltaEncoder].
type deltaDecoder struct {
	valueType formatmd.ValueType
	r         streamio.Reader

	headerRead bool
	remaining  int
	prev       int64
	first      bool // Next value to emit is the header's first value.

	blockSize  int
	miniblocks int

	// Remaining state of the current block.
	minDelta   int64
	widths     []byte
	miniblock  int // Next miniblock index to load.
	offsets    []uint64
	offsetIdx  int
	offsetsLen int

	packBuf []byte
}

var _ valueDecoder = (*deltaDecoder)(nil)

func newDeltaDecoder(valueType formatmd.ValueType, r streamio.Reader) *deltaDecoder {
	return &deltaDecoder{valueType: valueType, r: r}
}

// ValueType returns the type of values supported by the decoder.
func (dec *deltaDecoder) ValueType() formatmd.ValueType { return dec.valueType }

// EncodingType returns [formatmd.EncodingDeltaBinaryPacked].
func (dec *deltaDecoder) EncodingType() formatmd.EncodingType {
	return formatmd.EncodingDeltaBinaryPacked
}

// Decode decodes up to len(s) values.
func (dec *deltaDecoder) Decode(s []Value) (int, error) {
	if len(s) == 0 {
		return 0, nil
	}

	for i := range s {
		v, err := dec.decode()
		if errors.Is(err, io.EOF) {
			if i == 0 {
				return 0, io.EOF
			}
			return i, nil
		} else if err != nil {
			return i, err
		}

		switch dec.valueType {
		case formatmd.ValueTypeInt64:
			s[i] = Int64Value(v)
		case formatmd.ValueTypeUint64:
			s[i] = Uint64Value(uint64(v))
		}
	}
	return len(s), nil
}

func (dec *deltaDecoder) decode() (int64, error) {
	if !dec.headerRead {
		if err := dec.readHeader(); err != nil {
			return 0, err
		}
	}

	if dec.remaining == 0 {
		return 0, io.EOF
	}

	if dec.first {
		dec.first = false
		dec.remaining--
		return dec.prev, nil
	}

	if dec.offsetIdx >= dec.offsetsLen {
		if err := dec.readMiniblock(); err != nil {
			return 0, eofIsCorrupt(err)
		}
	}

	v := dec.prev + dec.minDelta + int64(dec.offsets[dec.offsetIdx])
	dec.offsetIdx++
	dec.prev = v
	dec.remaining--
	return v, nil
}

func (dec *deltaDecoder) readHeader() error {
	blockSize, err := streamio.ReadUvarint(dec.r)
	if err != nil {
		return err // io.EOF: empty plane.
	}
	miniblocks, err := streamio.ReadUvarint(dec.r)
	if err != nil {
		return eofIsCorrupt(err)
	}
	total, err := streamio.ReadUvarint(dec.r)
	if err != nil {
		return eofIsCorrupt(err)
	}
	first, err := streamio.ReadVarint(dec.r)
	if err != nil {
		return eofIsCorrupt(err)
	}

	if blockSize == 0 || miniblocks == 0 || blockSize%miniblocks != 0 || (blockSize/miniblocks)%8 != 0 {
		return fmt.Errorf("delta: invalid block shape %d/%d", blockSize, miniblocks)
	}
	if total > deltaMaxTotalValues {
		return fmt.Errorf("delta: implausible value count %d", total)
	}

	dec.blockSize = int(blockSize)
	dec.miniblocks = int(miniblocks)
	dec.remaining = int(total)
	dec.prev = first
	dec.first = true
	dec.headerRead = true

	dec.miniblock = dec.miniblocks // Force loading a fresh block.
	dec.offsetIdx = 0
	dec.offsetsLen = 0
	return nil
}

func (dec *deltaDecoder) readMiniblock() error {
	if dec.miniblock >= dec.miniblocks {
		// Start of a new block: min delta plus all miniblock widths.
		minDelta, err := streamio.ReadVarint(dec.r)
		if err != nil {
			return err
		}
		dec.minDelta = minDelta

		if cap(dec.widths) < dec.miniblocks {
			dec.widths = make([]byte, dec.miniblocks)
		}
		dec.widths = dec.widths[:dec.miniblocks]
		if err := readFull(dec.r, dec.widths); err != nil {
			return err
		}
		dec.miniblock = 0
	}

	width := int(dec.widths[dec.miniblock])
	if width > 64 {
		return fmt.Errorf("delta: invalid miniblock bit width %d", width)
	}
	mbLen := dec.blockSize / dec.miniblocks

	packed := mbLen * width / 8
	if cap(dec.packBuf) < packed {
		dec.packBuf = make([]byte, packed)
	}
	buf := dec.packBuf[:packed]
	if err := readFull(dec.r, buf); err != nil {
		return err
	}

	if cap(dec.offsets) < mbLen {
		dec.offsets = make([]uint64, mbLen)
	}
	dec.offsets = dec.offsets[:mbLen]
	for i := 0; i < mbLen; i++ {
		dec.offsets[i] = unpackValue(buf, i, width)
	}

	dec.offsetIdx = 0
	dec.offsetsLen = mbLen
	dec.miniblock++
	return nil
}

// Reset resets the decoder to read from r.
func (dec *deltaDecoder) Reset(r streamio.Reader) {
	dec.r = r
	dec.headerRead = false
	dec.remaining = 0
	dec.first = false
}

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
		formatmd.ValueTypeUint64,
		formatmd.EncodingRLE,
		func(w streamio.Writer) valueEncoder { return newRLEEncoder(formatmd.ValueTypeUint64, w) },
		func(r streamio.Reader) valueDecoder { return newRLEDecoder(formatmd.ValueTypeUint64, r) },
	)
	registerValueEncoding(
		formatmd.ValueTypeInt64,
		formatmd.EncodingRLE,
		func(w streamio.Writer) valueEncoder { return newRLEEncoder(formatmd.ValueTypeInt64, w) },
		func(r streamio.Reader) valueDecoder { return newRLEDecoder(formatmd.ValueTypeInt64, r) },
	)
}

// The run-length / bit-packed hybrid encoding alternates between two kinds
// of runs, each introduced by a uvarint header:
//
//   - header&1 == 0: a repeated run; header>>1 copies of a single value
//     stored in ceil(bitWidth/8) little-endian bytes.
//   - header&1 == 1: a bit-packed run of header>>1 groups of 8 values, each
//     value bitWidth bits, packed LSB first.
//
// Encoders switch to a repeated run once eight identical values are
// pending; shorter repetitions are folded into bit-packed groups. A partial
// trailing group is padded with zeros; decoders rely on the caller's value
// count to discard the padding.

// maxBitPackedGroups caps the number of groups per bit-packed run so the
// run header always fits in a single varint byte, matching the reference
// implementations this layout interoperates with.
const maxBitPackedGroups = 63

// rleRunEncoder writes the hybrid run stream for a fixed bit width.
type rleRunEncoder struct {
	w     streamio.Writer
	width int // Bits per value; 0..64.

	buffered    [8]uint64
	numBuffered int

	prev        uint64
	repeatCount int

	groups     []byte // Pending bit-packed run, starting with a reserved header byte.
	groupCount int
}

func newRLERunEncoder(w streamio.Writer, width int) *rleRunEncoder {
	return &rleRunEncoder{w: w, width: width}
}

func (enc *rleRunEncoder) Reset(w streamio.Writer, width int) {
	enc.w = w
	enc.width = width
	enc.numBuffered = 0
	enc.prev = 0
	enc.repeatCount = 0
	enc.groups = enc.groups[:0]
	enc.groupCount = 0
}

func (enc *rleRunEncoder) Encode(v uint64) error {
	if enc.width < 64 && v >= 1<<enc.width {
		return fmt.Errorf("rle: value %d does not fit in %d bits", v, enc.width)
	}

	if enc.repeatCount > 0 && v == enc.prev {
		enc.repeatCount++
		if enc.repeatCount >= 8 {
			// In a repeated run; the value is recorded by the counter alone.
			return nil
		}
	} else {
		if enc.repeatCount >= 8 {
			if err := enc.writeRepeatedRun(); err != nil {
				return err
			}
		}
		enc.repeatCount = 1
		enc.prev = v
	}

	enc.buffered[enc.numBuffered] = v
	enc.numBuffered++
	if enc.numBuffered == 8 {
		return enc.appendBitPackedGroup()
	}
	return nil
}

// Flush terminates any pending runs. The encoder may be reused afterwards.
func (enc *rleRunEncoder) Flush() error {
	if enc.repeatCount >= 8 {
		if err := enc.writeRepeatedRun(); err != nil {
			return err
		}
	} else if enc.numBuffered > 0 {
		// Pad the partial group with zeros; the padding is discarded on read
		// using the caller's value count.
		for i := enc.numBuffered; i < 8; i++ {
			enc.buffered[i] = 0
		}
		enc.numBuffered = 8
		if err := enc.appendBitPackedGroup(); err != nil {
			return err
		}
	}
	enc.repeatCount = 0
	return enc.endBitPackedRun()
}

func (enc *rleRunEncoder) writeRepeatedRun() error {
	if err := enc.endBitPackedRun(); err != nil {
		return err
	}

	if err := streamio.WriteUvarint(enc.w, uint64(enc.repeatCount)<<1); err != nil {
		return err
	}
	for i := 0; i < (enc.width+7)/8; i++ {
		if err := enc.w.WriteByte(byte(enc.prev >> (8 * i))); err != nil {
			return err
		}
	}

	enc.repeatCount = 0
	enc.numBuffered = 0
	return nil
}

func (enc *rleRunEncoder) appendBitPackedGroup() error {
	if enc.groupCount == 0 {
		enc.groups = append(enc.groups[:0], 0) // Reserved header byte.
	}
	enc.groups = packGroup(enc.groups, enc.buffered, enc.width)
	enc.groupCount++
	enc.numBuffered = 0
	enc.repeatCount = 0

	if enc.groupCount == maxBitPackedGroups {
		return enc.endBitPackedRun()
	}
	return nil
}

func (enc *rleRunEncoder) endBitPackedRun() error {
	if enc.groupCount == 0 {
		return nil
	}
	enc.groups[0] = byte(enc.groupCount<<1 | 1)
	_, err := enc.w.Write(enc.groups)
	enc.groups = enc.groups[:0]
	enc.groupCount = 0
	return err
}

// packGroup appends 8 values of the given bit width to dst, LSB first.
func packGroup(dst []byte, vals [8]uint64, width int) []byte {
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

// rleRunDecoder reads the hybrid run stream for a fixed bit width.
type rleRunDecoder struct {
	r     streamio.Reader
	width int

	// Remaining state of the current run.
	repeatValue uint64
	repeatLeft  int

	group     [8]uint64
	groupIdx  int
	groupLeft int // Groups remaining in the current bit-packed run.

	packed []byte
}

func newRLERunDecoder(r streamio.Reader, width int) *rleRunDecoder {
	return &rleRunDecoder{r: r, width: width}
}

func (dec *rleRunDecoder) Reset(r streamio.Reader, width int) {
	dec.r = r
	dec.width = width
	dec.repeatLeft = 0
	dec.groupIdx = 8
	dec.groupLeft = 0
}

func (dec *rleRunDecoder) decode() (uint64, error) {
	for {
		if dec.repeatLeft > 0 {
			dec.repeatLeft--
			return dec.repeatValue, nil
		}
		if dec.groupIdx < 8 {
			v := dec.group[dec.groupIdx]
			dec.groupIdx++
			return v, nil
		}
		if dec.groupLeft > 0 {
			if err := dec.readGroup(); err != nil {
				return 0, err
			}
			continue
		}

		header, err := streamio.ReadUvarint(dec.r)
		if err != nil {
			// io.EOF here is a clean end of the run stream.
			return 0, err
		}

		switch {
		case header&1 == 0: // Repeated run.
			count := header >> 1
			if count == 0 {
				return 0, fmt.Errorf("rle: invalid empty repeated run")
			}
			var v uint64
			for i := 0; i < (dec.width+7)/8; i++ {
				b, err := dec.r.ReadByte()
				if err != nil {
					return 0, eofIsCorrupt(err)
				}
				v |= uint64(b) << (8 * i)
			}
			dec.repeatValue = v
			dec.repeatLeft = int(count)

		default: // Bit-packed run.
			groups := header >> 1
			if groups == 0 {
				return 0, fmt.Errorf("rle: invalid empty bit-packed run")
			}
			dec.groupLeft = int(groups)
			if err := dec.readGroup(); err != nil {
				return 0, err
			}
		}
	}
}

func (dec *rleRunDecoder) readGroup() error {
	if cap(dec.packed) < dec.width {
		dec.packed = make([]byte, dec.width)
	}
	buf := dec.packed[:dec.width]
	if err := readFull(dec.r, buf); err != nil {
		return eofIsCorrupt(err)
	}

	for i := range dec.group {
		dec.group[i] = unpackValue(buf, i, dec.width)
	}
	dec.groupIdx = 0
	dec.groupLeft--
	return nil
}

// unpackValue extracts the idx-th value of the given bit width from a
// packed group of 8.
func unpackValue(buf []byte, idx, width int) uint64 {
	var v uint64
	bitPos := idx * width
	for got := 0; got < width; {
		b := uint64(buf[bitPos/8])
		off := bitPos % 8
		take := min(width-got, 8-off)
		v |= ((b >> off) & ((1 << take) - 1)) << got
		got += take
		bitPos += take
	}
	return v
}

// eofIsCorrupt converts a clean EOF inside a run into an unexpected one: a
// run header promised more data than the stream holds.
func eofIsCorrupt(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// rleEncoder is the registered value-plane form of the hybrid encoding. The
// plane starts with a single byte holding the bit width, computed over the
// full set of encoded values, followed by the run stream. Signed values are
// zigzag-mapped before width computation.
type rleEncoder struct {
	valueType formatmd.ValueType
	w         streamio.Writer
	inputBuf  []uint64
	runs      rleRunEncoder
}

var _ valueEncoder = (*rleEncoder)(nil)

func newRLEEncoder(valueType formatmd.ValueType, w streamio.Writer) *rleEncoder {
	return &rleEncoder{
		valueType: valueType,
		w:         w,
		inputBuf:  make([]uint64, 0, 256),
	}
}

// ValueType returns the type of values supported by the encoder.
func (enc *rleEncoder) ValueType() formatmd.ValueType { return enc.valueType }

// EncodingType returns [formatmd.EncodingRLE].
func (enc *rleEncoder) EncodingType() formatmd.EncodingType { return formatmd.EncodingRLE }

// Encode buffers a new value. The bit width depends on the largest value,
// so nothing is written until [rleEncoder.Flush].
func (enc *rleEncoder) Encode(v Value) error {
	if v.Type() != enc.valueType {
		return fmt.Errorf("rle: invalid value type %s, expected %s", v.Type(), enc.valueType)
	}

	switch enc.valueType {
	case formatmd.ValueTypeUint64:
		enc.inputBuf = append(enc.inputBuf, v.Uint64())
	case formatmd.ValueTypeInt64:
		enc.inputBuf = append(enc.inputBuf, zigzag(v.Int64()))
	}
	return nil
}

// Flush writes all buffered values as a single width-prefixed run stream.
func (enc *rleEncoder) Flush() error {
	if len(enc.inputBuf) == 0 {
		return nil
	}

	var maxVal uint64
	for _, v := range enc.inputBuf {
		maxVal |= v
	}
	width := bits.Len64(maxVal)

	if err := enc.w.WriteByte(byte(width)); err != nil {
		return err
	}

	enc.runs.Reset(enc.w, width)
	for _, v := range enc.inputBuf {
		if err := enc.runs.Encode(v); err != nil {
			return err
		}
	}
	if err := enc.runs.Flush(); err != nil {
		return err
	}

	enc.inputBuf = enc.inputBuf[:0]
	return nil
}

// Reset resets the encoder to write to w.
func (enc *rleEncoder) Reset(w streamio.Writer) {
	enc.w = w
	enc.inputBuf = enc.inputBuf[:0]
}

// rleDecoder decodes a width-prefixed hybrid run stream.
type rleDecoder struct {
	valueType formatmd.ValueType
	r         streamio.Reader
	runs      *rleRunDecoder
}

var _ valueDecoder = (*rleDecoder)(nil)

func newRLEDecoder(valueType formatmd.ValueType, r streamio.Reader) *rleDecoder {
	return &rleDecoder{valueType: valueType, r: r}
}

// ValueType returns the type of values supported by the decoder.
func (dec *rleDecoder) ValueType() formatmd.ValueType { return dec.valueType }

// EncodingType returns [formatmd.EncodingRLE].
func (dec *rleDecoder) EncodingType() formatmd.EncodingType { return formatmd.EncodingRLE }

// Decode decodes up to len(s) values.
func (dec *rleDecoder) Decode(s []Value) (int, error) {
	if len(s) == 0 {
		return 0, nil
	}

	if dec.runs == nil {
		width, err := dec.r.ReadByte()
		if err != nil {
			return 0, err // io.EOF: empty plane.
		}
		if width > 64 {
			return 0, fmt.Errorf("rle: invalid bit width %d", width)
		}
		dec.runs = newRLERunDecoder(dec.r, int(width))
	}

	for i := range s {
		uv, err := dec.runs.decode()
		if errors.Is(err, io.EOF) {
			if i == 0 {
				return 0, io.EOF
			}
			return i, nil
		} else if err != nil {
			return i, err
		}

		switch dec.valueType {
		case formatmd.ValueTypeUint64:
			s[i] = Uint64Value(uv)
		case formatmd.ValueTypeInt64:
			s[i] = Int64Value(unzigzag(uv))
		}
	}
	return len(s), nil
}

// Reset resets the decoder to read from r.
func (dec *rleDecoder) Reset(r streamio.Reader) {
	dec.r = r
	dec.runs = nil
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/bits"
)

// Definition and repetition levels are stored as raw run-length / bit-packed
// hybrid streams without a width prefix: the width is implied by the
// column's maximum level, which readers know from the schema.

// levelsWidth returns the bit width used for a level stream with the given
// maximum level.
func levelsWidth(maxLevel int) int {
	return bits.Len64(uint64(maxLevel))
}

// levelEncoder accumulates a level stream.
type levelEncoder struct {
	buf  bytes.Buffer
	runs rleRunEncoder
}

func newLevelEncoder(maxLevel int) *levelEncoder {
	enc := &levelEncoder{}
	enc.runs.Reset(&enc.buf, levelsWidth(maxLevel))
	return enc
}

func (enc *levelEncoder) Encode(level uint64) error {
	return enc.runs.Encode(level)
}

// Bytes terminates pending runs and returns the encoded stream.
func (enc *levelEncoder) Bytes() ([]byte, error) {
	if err := enc.runs.Flush(); err != nil {
		return nil, err
	}
	return enc.buf.Bytes(), nil
}

// Len returns the current encoded size of the stream, there may be
// additional buffered runs not yet accounted for.
func (enc *levelEncoder) Len() int { return enc.buf.Len() }

func (enc *levelEncoder) Reset(maxLevel int) {
	enc.buf.Reset()
	enc.runs.Reset(&enc.buf, levelsWidth(maxLevel))
}

// decodeLevels decodes exactly count levels from data. Trailing padding
// from the final bit-packed group is ignored.
func decodeLevels(data []byte, maxLevel, count int) ([]uint64, error) {
	dec := newRLERunDecoder(bytes.NewReader(data), levelsWidth(maxLevel))

	out := make([]uint64, count)
	for i := range out {
		v, err := dec.decode()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("level stream exhausted after %d of %d levels", i, count)
		} else if err != nil {
			return nil, err
		}
		if v > uint64(maxLevel) {
			return nil, fmt.Errorf("level %d exceeds maximum %d", v, maxLevel)
		}
		out[i] = v
	}
	return out, nil
}

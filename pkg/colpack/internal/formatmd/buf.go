package formatmd

import (
	"encoding/binary"
	"errors"
	"hash"
	"math"
)

// The encbuf/decbuf pair below follows the Prometheus TSDB convention:
// encbuf appends primitives to a byte slice, decbuf consumes them while
// carrying a sticky error so call sites can check once at the end.

type encbuf struct {
	b []byte
	c [binary.MaxVarintLen64]byte
}

func (e *encbuf) reset()      { e.b = e.b[:0] }
func (e *encbuf) get() []byte { return e.b }

func (e *encbuf) putByte(c byte) { e.b = append(e.b, c) }

func (e *encbuf) putLE32(x uint32) {
	binary.LittleEndian.PutUint32(e.c[:4], x)
	e.b = append(e.b, e.c[:4]...)
}

func (e *encbuf) putUvarint64(x uint64) {
	n := binary.PutUvarint(e.c[:], x)
	e.b = append(e.b, e.c[:n]...)
}

func (e *encbuf) putUvarint(x int) { e.putUvarint64(uint64(x)) }

func (e *encbuf) putUvarintBytes(b []byte) {
	e.putUvarint(len(b))
	e.b = append(e.b, b...)
}

func (e *encbuf) putHash(h hash.Hash32) {
	h.Reset()
	_, err := h.Write(e.b)
	if err != nil {
		panic(err) // The CRC32 implementation does not error
	}
	e.putLE32(h.Sum32())
}

var errInvalidSize = errors.New("invalid size")

type decbuf struct {
	b []byte
	e error
}

func (d *decbuf) err() error { return d.e }
func (d *decbuf) len() int   { return len(d.b) }

func (d *decbuf) byte() byte {
	if d.e != nil {
		return 0
	}
	if len(d.b) < 1 {
		d.e = errInvalidSize
		return 0
	}
	x := d.b[0]
	d.b = d.b[1:]
	return x
}

func (d *decbuf) le32() uint32 {
	if d.e != nil {
		return 0
	}
	if len(d.b) < 4 {
		d.e = errInvalidSize
		return 0
	}
	x := binary.LittleEndian.Uint32(d.b)
	d.b = d.b[4:]
	return x
}

func (d *decbuf) uvarint64() uint64 {
	if d.e != nil {
		return 0
	}
	x, n := binary.Uvarint(d.b)
	if n < 1 {
		d.e = errInvalidSize
		return 0
	}
	d.b = d.b[n:]
	return x
}

// uvarint decodes a uvarint that is used as a count, length, or offset.
// Values that do not fit in an int32 are corrupt, not large; allowing them
// through would flip sign on conversion to int.
func (d *decbuf) uvarint() int {
	x := d.uvarint64()
	if x > math.MaxInt32 {
		d.e = errInvalidSize
		return 0
	}
	return int(x)
}

func (d *decbuf) uvarintBytes() []byte {
	l := d.uvarint()
	if d.e != nil {
		return nil
	}
	if len(d.b) < l {
		d.e = errInvalidSize
		return nil
	}
	x := d.b[:l]
	d.b = d.b[l:]
	return x
}

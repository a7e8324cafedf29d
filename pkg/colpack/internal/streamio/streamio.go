// Package streamio provides utilities for working with streaming binary
// data: interfaces combining byte-level and slice-level I/O, plus varint
// helpers that operate on streams instead of byte slices.
package streamio

import (
	"encoding/binary"
	"io"
	"math/bits"
)

// Writer is an interface that combines [io.Writer] and [io.ByteWriter].
// Encoders write to a Writer so they can emit single bytes without
// allocating one-element slices.
type Writer interface {
	io.Writer
	io.ByteWriter
}

// Reader is an interface that combines [io.Reader] and [io.ByteReader].
type Reader interface {
	io.Reader
	io.ByteReader
}

// WriteUvarint writes v to w as a uvarint.
func WriteUvarint(w io.ByteWriter, v uint64) error {
	for v >= 0x80 {
		if err := w.WriteByte(byte(v) | 0x80); err != nil {
			return err
		}
		v >>= 7
	}
	return w.WriteByte(byte(v))
}

// WriteVarint writes v to w as a varint using zigzag encoding.
func WriteVarint(w io.ByteWriter, v int64) error {
	uv := uint64(v) << 1
	if v < 0 {
		uv = ^uv
	}
	return WriteUvarint(w, uv)
}

// ReadUvarint reads a uvarint from r. It is a convenience alias for
// [binary.ReadUvarint].
func ReadUvarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}

// ReadVarint reads a zigzag-encoded varint from r.
func ReadVarint(r io.ByteReader) (int64, error) {
	uv, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	v := int64(uv >> 1)
	if uv&1 != 0 {
		v = ^v
	}
	return v, nil
}

// UvarintSize returns the number of bytes needed to encode v as a uvarint.
func UvarintSize(v uint64) int {
	return (bits.Len64(v|1) + 6) / 7
}

// VarintSize returns the number of bytes needed to encode v as a
// zigzag-encoded varint.
func VarintSize(v int64) int {
	uv := uint64(v) << 1
	if v < 0 {
		uv = ^uv
	}
	return UvarintSize(uv)
}

package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Reader is a bounds-checked sequential cursor over a byte slice.
// It never modifies the underlying buffer.
type Reader struct {
	buf []byte
	off uint64
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Pos() uint64       { return r.off }
func (r *Reader) Len() uint64       { return uint64(len(r.buf)) }
func (r *Reader) Remaining() uint64 { return uint64(len(r.buf)) - r.off }

func (r *Reader) SeekTo(pos uint64) error {
	if pos > r.Len() {
		return fmt.Errorf("%w: seek to %d (len %d)", ErrOutOfBounds, pos, r.Len())
	}
	r.off = pos
	return nil
}

func (r *Reader) Skip(n uint64) error {
	if n > r.Remaining() {
		return fmt.Errorf("%w: skip %d bytes at offset %d (len %d)", ErrOutOfBounds, n, r.off, r.Len())
	}
	r.off += n
	return nil
}

// Bytes returns the next n bytes as a sub-slice of the buffer.
// The result aliases the buffer and must not be written to.
func (r *Reader) Bytes(n uint64) ([]byte, error) {
	if n > r.Remaining() {
		return nil, fmt.Errorf("%w: read %d bytes at offset %d (len %d)", ErrOutOfBounds, n, r.off, r.Len())
	}
	b := r.buf[r.off : r.off+n : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) I8() (int8, error) {
	v, err := r.U8()
	return int8(v), err
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	return v != 0, err
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) I16() (int16, error) {
	v, err := r.U16()
	return int16(v), err
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

func (r *Reader) F32() (float32, error) {
	u, err := r.U32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(u), nil
}

func (r *Reader) F64() (float64, error) {
	u, err := r.U64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// ReadString reads a u64 little-endian length followed by that many bytes.
func (r *Reader) ReadString() (string, error) {
	start := r.off
	n, err := r.U64()
	if err != nil {
		return "", err
	}
	if n > r.Remaining() {
		r.off = start
		return "", fmt.Errorf("%w: string of %d bytes at offset %d (len %d)", ErrOutOfBounds, n, start, r.Len())
	}
	b, _ := r.Bytes(n)
	return string(b), nil
}

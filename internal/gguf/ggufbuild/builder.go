// Package ggufbuild assembles GGUF containers in memory. Tests use it to
// synthesize well-formed and deliberately broken inputs.
package ggufbuild

import (
	"encoding/binary"
	"errors"
	"math"
	"os"

	"github.com/samcharles93/layerscope/internal/gguf"
)

// Builder accumulates metadata and tensors and renders them with Bytes.
//
// Tensors added with AddTensor get sequential offsets in the data section,
// each rounded up to the builder's alignment. AddTensorAt records a descriptor
// with an explicit offset and no payload.
type Builder struct {
	Version uint32

	kv      [][]byte
	kvCount uint64

	tensors     [][]byte
	tensorCount uint64
	data        []byte

	align uint64
}

func New() *Builder {
	return &Builder{Version: 3, align: gguf.DefaultAlignment}
}

// SetAlignment writes general.alignment as u32 and pads the data section to it.
func (b *Builder) SetAlignment(a uint32) *Builder {
	b.align = uint64(a)
	return b.Add("general.alignment", gguf.Uint32Value(a))
}

// Pad changes only the padding the builder applies, without any metadata.
func (b *Builder) Pad(a uint64) *Builder {
	b.align = a
	return b
}

// Add appends a scalar or string entry. Array values carry no payload, so
// arrays go through AddArray or AddStrings.
func (b *Builder) Add(key string, v gguf.Value) *Builder {
	var payload []byte
	switch v.Type() {
	case gguf.TypeUint8:
		x, _ := v.Uint8()
		payload = []byte{x}
	case gguf.TypeInt8:
		x, _ := v.Int8()
		payload = []byte{byte(x)}
	case gguf.TypeUint16:
		x, _ := v.Uint16()
		payload = binary.LittleEndian.AppendUint16(nil, x)
	case gguf.TypeInt16:
		x, _ := v.Int16()
		payload = binary.LittleEndian.AppendUint16(nil, uint16(x))
	case gguf.TypeUint32:
		x, _ := v.Uint32()
		payload = binary.LittleEndian.AppendUint32(nil, x)
	case gguf.TypeInt32:
		x, _ := v.Int32()
		payload = binary.LittleEndian.AppendUint32(nil, uint32(x))
	case gguf.TypeUint64:
		x, _ := v.Uint64()
		payload = binary.LittleEndian.AppendUint64(nil, x)
	case gguf.TypeInt64:
		x, _ := v.Int64()
		payload = binary.LittleEndian.AppendUint64(nil, uint64(x))
	case gguf.TypeFloat32:
		x, _ := v.Float32()
		payload = binary.LittleEndian.AppendUint32(nil, math.Float32bits(x))
	case gguf.TypeFloat64:
		x, _ := v.Float64()
		payload = binary.LittleEndian.AppendUint64(nil, math.Float64bits(x))
	case gguf.TypeBool:
		x, _ := v.Bool()
		if x {
			payload = []byte{1}
		} else {
			payload = []byte{0}
		}
	case gguf.TypeString:
		x, _ := v.Str()
		payload = appendString(nil, x)
	case gguf.TypeArray:
		s, _ := v.Array()
		return b.AddArray(key, s.Elem, s.Len)
	}
	return b.AddRaw(key, uint32(v.Type()), payload)
}

// AddArray appends an array of n zeroed fixed-width elements.
func (b *Builder) AddArray(key string, elem gguf.ValueType, n uint64) *Builder {
	w := uint64(0)
	switch elem {
	case gguf.TypeUint8, gguf.TypeInt8, gguf.TypeBool:
		w = 1
	case gguf.TypeUint16, gguf.TypeInt16:
		w = 2
	case gguf.TypeUint32, gguf.TypeInt32, gguf.TypeFloat32:
		w = 4
	case gguf.TypeUint64, gguf.TypeInt64, gguf.TypeFloat64:
		w = 8
	case gguf.TypeString, gguf.TypeArray:
	}
	payload := binary.LittleEndian.AppendUint32(nil, uint32(elem))
	payload = binary.LittleEndian.AppendUint64(payload, n)
	payload = append(payload, make([]byte, n*w)...)
	return b.AddRaw(key, uint32(gguf.TypeArray), payload)
}

func (b *Builder) AddStrings(key string, elems ...string) *Builder {
	payload := binary.LittleEndian.AppendUint32(nil, uint32(gguf.TypeString))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(len(elems)))
	for _, s := range elems {
		payload = appendString(payload, s)
	}
	return b.AddRaw(key, uint32(gguf.TypeArray), payload)
}

// AddRaw appends an entry with an arbitrary tag and pre-encoded payload.
func (b *Builder) AddRaw(key string, tag uint32, payload []byte) *Builder {
	e := appendString(nil, key)
	e = binary.LittleEndian.AppendUint32(e, tag)
	e = append(e, payload...)
	b.kv = append(b.kv, e)
	b.kvCount++
	return b
}

// AddTensor appends a descriptor and its payload to the data section.
func (b *Builder) AddTensor(name string, typ gguf.TensorType, dims []uint64, payload []byte) *Builder {
	b.data = padTo(b.data, b.align)
	b.AddTensorAt(name, typ, dims, uint64(len(b.data)))
	b.data = append(b.data, payload...)
	return b
}

// AddTensorAt appends a descriptor with an explicit relative offset.
func (b *Builder) AddTensorAt(name string, typ gguf.TensorType, dims []uint64, offset uint64) *Builder {
	e := appendString(nil, name)
	e = binary.LittleEndian.AppendUint32(e, uint32(len(dims)))
	for _, d := range dims {
		e = binary.LittleEndian.AppendUint64(e, d)
	}
	e = binary.LittleEndian.AppendUint32(e, uint32(typ))
	e = binary.LittleEndian.AppendUint64(e, offset)
	b.tensors = append(b.tensors, e)
	b.tensorCount++
	return b
}

// AddF32 is AddTensor for a plain float32 payload.
func (b *Builder) AddF32(name string, dims []uint64, values []float32) *Builder {
	return b.AddTensor(name, gguf.GGMLTypeF32, dims, F32Bytes(values))
}

// Bytes renders the container: header, tables, padding, then tensor data.
func (b *Builder) Bytes() []byte {
	out := []byte("GGUF")
	out = binary.LittleEndian.AppendUint32(out, b.Version)
	out = binary.LittleEndian.AppendUint64(out, b.tensorCount)
	out = binary.LittleEndian.AppendUint64(out, b.kvCount)
	for _, e := range b.kv {
		out = append(out, e...)
	}
	for _, e := range b.tensors {
		out = append(out, e...)
	}
	out = padTo(out, b.align)
	return append(out, b.data...)
}

// WriteFile renders the container to path.
func (b *Builder) WriteFile(path string) error {
	if path == "" {
		return errors.New("ggufbuild: empty path")
	}
	return os.WriteFile(path, b.Bytes(), 0o644)
}

func F32Bytes(values []float32) []byte {
	out := make([]byte, 0, len(values)*4)
	for _, v := range values {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

// F16Bytes packs raw half-precision bit patterns.
func F16Bytes(bits []uint16) []byte {
	out := make([]byte, 0, len(bits)*2)
	for _, h := range bits {
		out = binary.LittleEndian.AppendUint16(out, h)
	}
	return out
}

func appendString(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(s)))
	return append(dst, s...)
}

func padTo(b []byte, align uint64) []byte {
	if align == 0 {
		return b
	}
	if rem := uint64(len(b)) % align; rem != 0 {
		b = append(b, make([]byte, align-rem)...)
	}
	return b
}

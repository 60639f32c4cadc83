package gguf

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

const (
	magicGGUF = "GGUF"

	// DefaultAlignment is the data section alignment when general.alignment is absent.
	DefaultAlignment = 32

	keyAlignment = "general.alignment"

	// Smallest possible encodings, used to cap table pre-allocation.
	minKVSize     = 8 + 4 + 1
	minTensorSize = 8 + 4 + 4 + 8
)

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

type KV struct {
	Key   string
	Value Value
}

// ParseOptions carries the tunables of Parse.
type ParseOptions struct {
	// DefaultAlignment applies when the container does not set general.alignment.
	DefaultAlignment uint32
}

func DefaultParseOptions() ParseOptions {
	return ParseOptions{DefaultAlignment: DefaultAlignment}
}

// File is a parsed container. Tensors and KV keep every entry in file order;
// the lookup maps point at the last entry for a duplicated key or name.
type File struct {
	Header     Header
	KV         []KV
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64 // absolute offset of the tensor data section
	Size       uint64 // length of the parsed buffer

	kvIndex     map[string]int
	tensorIndex map[string]int
}

// Parse decodes the header, metadata and tensor tables of a GGUF buffer and
// checks that every tensor lies inside it. The buffer is only read.
func Parse(data []byte, opts ParseOptions) (*File, error) {
	r := NewReader(data)

	magic, err := r.Bytes(4)
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != magicGGUF {
		return nil, fmt.Errorf("%w: invalid magic %q", ErrMalformed, string(magic))
	}

	var h Header
	if h.Version, err = r.U32(); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if h.TensorCount, err = r.U64(); err != nil {
		return nil, fmt.Errorf("read tensor count: %w", err)
	}
	if h.KVCount, err = r.U64(); err != nil {
		return nil, fmt.Errorf("read kv count: %w", err)
	}

	f := &File{
		Header:      h,
		KV:          make([]KV, 0, min(h.KVCount, r.Remaining()/minKVSize)),
		Size:        uint64(len(data)),
		kvIndex:     make(map[string]int),
		tensorIndex: make(map[string]int),
	}

	for i := range h.KVCount {
		key, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("read key %d: %w", i, err)
		}
		tag, err := r.U32()
		if err != nil {
			return nil, fmt.Errorf("read value type for %s: %w", key, err)
		}
		val, err := readValue(r, ValueType(tag))
		if err != nil {
			return nil, fmt.Errorf("read value for %s: %w", key, err)
		}
		f.kvIndex[key] = len(f.KV)
		f.KV = append(f.KV, KV{Key: key, Value: val})
	}

	f.Tensors = make([]TensorInfo, 0, min(h.TensorCount, r.Remaining()/minTensorSize))
	for i := range h.TensorCount {
		info, err := readTensorInfo(r)
		if err != nil {
			if info.Name != "" {
				return nil, fmt.Errorf("read tensor %s: %w", info.Name, err)
			}
			return nil, fmt.Errorf("read tensor %d: %w", i, err)
		}
		f.tensorIndex[info.Name] = len(f.Tensors)
		f.Tensors = append(f.Tensors, info)
	}

	f.Alignment = uint64(opts.DefaultAlignment)
	if v, ok := f.Value(keyAlignment); ok {
		if a, ok := alignmentFrom(v); ok {
			f.Alignment = a
		}
	}
	f.DataOffset = alignUp(r.Pos(), f.Alignment)
	if f.DataOffset > f.Size {
		return nil, fmt.Errorf("%w: data section offset %d (len %d)", ErrOutOfBounds, f.DataOffset, f.Size)
	}

	for _, t := range f.Tensors {
		if err := f.checkSpan(t); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func readTensorInfo(r *Reader) (TensorInfo, error) {
	var info TensorInfo
	name, err := r.ReadString()
	if err != nil {
		return info, err
	}
	info.Name = name
	nDims, err := r.U32()
	if err != nil {
		return info, fmt.Errorf("read dim count: %w", err)
	}
	if uint64(nDims) > r.Remaining()/8 {
		return info, fmt.Errorf("%w: %d dims at offset %d (len %d)", ErrOutOfBounds, nDims, r.Pos(), r.Len())
	}
	info.Dims = make([]uint64, nDims)
	for d := range info.Dims {
		if info.Dims[d], err = r.U64(); err != nil {
			return info, fmt.Errorf("read dim %d: %w", d, err)
		}
	}
	tag, err := r.U32()
	if err != nil {
		return info, fmt.Errorf("read type: %w", err)
	}
	info.Type = TensorType(tag)
	if info.Offset, err = r.U64(); err != nil {
		return info, fmt.Errorf("read offset: %w", err)
	}
	if _, err := ElementCount(info.Dims); err != nil {
		return info, err
	}
	return info, nil
}

func (f *File) checkSpan(t TensorInfo) error {
	abs, ok := addU64(f.DataOffset, t.Offset)
	if !ok {
		return fmt.Errorf("%w: tensor %s offset %d + data offset %d", ErrOverflow, t.Name, t.Offset, f.DataOffset)
	}
	if abs > f.Size {
		return fmt.Errorf("%w: tensor %s starts at %d (len %d)", ErrOutOfBounds, t.Name, abs, f.Size)
	}
	n, known, err := t.ByteSize()
	if err != nil {
		return fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	if !known {
		return nil
	}
	end, ok := addU64(abs, n)
	if !ok {
		return fmt.Errorf("%w: tensor %s end %d + %d", ErrOverflow, t.Name, abs, n)
	}
	if end > f.Size {
		return fmt.Errorf("%w: tensor %s spans [%d, %d) (len %d)", ErrOutOfBounds, t.Name, abs, end, f.Size)
	}
	return nil
}

func readValue(r *Reader, t ValueType) (Value, error) {
	switch t {
	case TypeUint8:
		v, err := r.U8()
		return Uint8Value(v), err
	case TypeInt8:
		v, err := r.I8()
		return Int8Value(v), err
	case TypeUint16:
		v, err := r.U16()
		return Uint16Value(v), err
	case TypeInt16:
		v, err := r.I16()
		return Int16Value(v), err
	case TypeUint32:
		v, err := r.U32()
		return Uint32Value(v), err
	case TypeInt32:
		v, err := r.I32()
		return Int32Value(v), err
	case TypeUint64:
		v, err := r.U64()
		return Uint64Value(v), err
	case TypeInt64:
		v, err := r.I64()
		return Int64Value(v), err
	case TypeFloat32:
		v, err := r.F32()
		return Float32Value(v), err
	case TypeFloat64:
		v, err := r.F64()
		return Float64Value(v), err
	case TypeBool:
		v, err := r.Bool()
		return BoolValue(v), err
	case TypeString:
		v, err := r.ReadString()
		return StringValue(v), err
	case TypeArray:
		return readArray(r)
	default:
		return Value{}, fmt.Errorf("%w: unknown value type %d at offset %d", ErrMalformed, uint32(t), r.Pos()-4)
	}
}

// readArray advances past every element but keeps only the element type and count.
func readArray(r *Reader) (Value, error) {
	tag, err := r.U32()
	if err != nil {
		return Value{}, fmt.Errorf("read array type: %w", err)
	}
	elem := ValueType(tag)
	n, err := r.U64()
	if err != nil {
		return Value{}, fmt.Errorf("read array length: %w", err)
	}
	start := r.Pos()

	switch elem {
	case TypeString:
		for i := range n {
			if _, err := r.ReadString(); err != nil {
				return Value{}, fmt.Errorf("array element %d: %w", i, err)
			}
		}
	case TypeArray:
		return Value{}, fmt.Errorf("%w: array of arrays", ErrMalformed)
	default:
		w, ok := elem.width()
		if !ok {
			return Value{}, fmt.Errorf("%w: unknown array element type %d", ErrMalformed, tag)
		}
		size, ok := mulU64(n, w)
		if !ok {
			return Value{}, fmt.Errorf("%w: array of %d %s elements", ErrOverflow, n, elem)
		}
		if err := r.Skip(size); err != nil {
			return Value{}, fmt.Errorf("array of %d %s: %w", n, elem, err)
		}
	}
	v := ArrayValue(elem, n)
	v.arr.Offset = start
	return v, nil
}

// ReadStrings decodes a string array from the container bytes it was parsed
// from. At most limit elements are returned; zero means all of them.
func ReadStrings(data []byte, arr ArraySummary, limit uint64) ([]string, error) {
	if arr.Elem != TypeString {
		return nil, fmt.Errorf("%w: array of %s is not a string array", ErrMalformed, arr.Elem)
	}
	n := arr.Len
	if limit > 0 && limit < n {
		n = limit
	}
	r := NewReader(data)
	if err := r.SeekTo(arr.Offset); err != nil {
		return nil, fmt.Errorf("seek array: %w", err)
	}
	// Every element carries at least its 8-byte length prefix.
	if n > r.Remaining()/8 {
		return nil, fmt.Errorf("%w: %d strings in %d bytes", ErrOutOfBounds, n, r.Remaining())
	}
	out := make([]string, 0, n)
	for i := range n {
		s, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("array element %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func alignmentFrom(v Value) (uint64, bool) {
	switch v.Type() {
	case TypeUint32:
		a, _ := v.Uint32()
		return uint64(a), true
	case TypeUint64:
		a, _ := v.Uint64()
		if a > math.MaxUint32 {
			return 0, false
		}
		return a, true
	case TypeUint8, TypeInt8, TypeUint16, TypeInt16, TypeInt32, TypeInt64,
		TypeFloat32, TypeFloat64, TypeBool, TypeString, TypeArray:
		return 0, false
	default:
		return 0, false
	}
}

// alignUp rounds offset up to a multiple of alignment. Alignment 0 leaves it unchanged.
func alignUp(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}

// Value returns the metadata value stored under key.
func (f *File) Value(key string) (Value, bool) {
	i, ok := f.kvIndex[key]
	if !ok {
		return Value{}, false
	}
	return f.KV[i].Value, true
}

// Tensor returns the descriptor registered under name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	i, ok := f.tensorIndex[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

// TensorIndex returns the list position the name resolves to.
func (f *File) TensorIndex(name string) (int, bool) {
	i, ok := f.tensorIndex[name]
	return i, ok
}

// AbsOffset returns the absolute file offset of a tensor. Parse has already
// proven the sum does not overflow.
func (f *File) AbsOffset(t TensorInfo) uint64 {
	return f.DataOffset + t.Offset
}

// SpanSizes estimates each tensor's byte size from the distance to the next
// tensor (by offset) or to the end of the buffer. It is the fallback for
// types without known traits.
func (f *File) SpanSizes() []uint64 {
	idx := make([]int, len(f.Tensors))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(f.Tensors[a].Offset, f.Tensors[b].Offset)
	})

	sizes := make([]uint64, len(f.Tensors))
	for i, cur := range idx {
		next := f.Size
		if i+1 < len(idx) {
			next = f.AbsOffset(f.Tensors[idx[i+1]])
		}
		sizes[cur] = next - f.AbsOffset(f.Tensors[cur])
	}
	return sizes
}

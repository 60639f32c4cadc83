package gguf

import (
	"fmt"
	"math/bits"
)

type TensorType uint32

const (
	GGMLTypeF32  TensorType = 0
	GGMLTypeF16  TensorType = 1
	GGMLTypeQ4_0 TensorType = 2
	GGMLTypeQ4_1 TensorType = 3
	GGMLTypeQ5_0 TensorType = 6
	GGMLTypeQ5_1 TensorType = 7
	GGMLTypeQ8_0 TensorType = 8
	GGMLTypeQ8_1 TensorType = 9
	GGMLTypeQ2_K TensorType = 10
	GGMLTypeQ3_K TensorType = 11
	GGMLTypeQ4_K TensorType = 12
	GGMLTypeQ5_K TensorType = 13
	GGMLTypeQ6_K TensorType = 14
	GGMLTypeQ8_K TensorType = 15
	GGMLTypeI8   TensorType = 24
	GGMLTypeI16  TensorType = 25
	GGMLTypeI32  TensorType = 26
	GGMLTypeI64  TensorType = 27
	GGMLTypeF64  TensorType = 28
	GGMLTypeBF16 TensorType = 30
)

func (t TensorType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeQ4_0:
		return "Q4_0"
	case GGMLTypeQ4_1:
		return "Q4_1"
	case GGMLTypeQ5_0:
		return "Q5_0"
	case GGMLTypeQ5_1:
		return "Q5_1"
	case GGMLTypeQ8_0:
		return "Q8_0"
	case GGMLTypeQ8_1:
		return "Q8_1"
	case GGMLTypeQ2_K:
		return "Q2_K"
	case GGMLTypeQ3_K:
		return "Q3_K"
	case GGMLTypeQ4_K:
		return "Q4_K"
	case GGMLTypeQ5_K:
		return "Q5_K"
	case GGMLTypeQ6_K:
		return "Q6_K"
	case GGMLTypeQ8_K:
		return "Q8_K"
	case GGMLTypeI8:
		return "I8"
	case GGMLTypeI16:
		return "I16"
	case GGMLTypeI32:
		return "I32"
	case GGMLTypeI64:
		return "I64"
	case GGMLTypeF64:
		return "F64"
	case GGMLTypeBF16:
		return "BF16"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// TypeTraits describes how a tensor type is laid out: BlockSize elements
// along dim0 are stored in TypeSize bytes.
type TypeTraits struct {
	BlockSize uint64
	TypeSize  uint64
}

// Traits reports the layout of the types this package can size and decode.
func (t TensorType) Traits() (TypeTraits, bool) {
	switch t {
	case GGMLTypeF32:
		return TypeTraits{BlockSize: 1, TypeSize: 4}, true
	case GGMLTypeF16:
		return TypeTraits{BlockSize: 1, TypeSize: 2}, true
	case GGMLTypeQ4_K:
		return TypeTraits{BlockSize: QK_K, TypeSize: q4kBlockSize}, true
	case GGMLTypeQ6_K:
		return TypeTraits{BlockSize: QK_K, TypeSize: q6kBlockSize}, true
	default:
		return TypeTraits{}, false
	}
}

type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   TensorType
	Offset uint64 // relative to the data section
}

// Elements returns the product of all dims.
func (t TensorInfo) Elements() (uint64, error) {
	return ElementCount(t.Dims)
}

// ByteSize returns the encoded size of the tensor. known is false when the
// type has no traits; the size must then come from neighbouring offsets.
func (t TensorInfo) ByteSize() (n uint64, known bool, err error) {
	return ByteSize(t.Type, t.Dims)
}

// ElementCount multiplies dims with overflow checking. No dims means a scalar.
func ElementCount(dims []uint64) (uint64, error) {
	n := uint64(1)
	for i, d := range dims {
		var ok bool
		n, ok = mulU64(n, d)
		if !ok {
			return 0, fmt.Errorf("%w: element count of dims %v at dim %d", ErrOverflow, dims, i)
		}
	}
	return n, nil
}

// ByteSize computes the number of bytes a tensor of the given type and dims
// occupies. Blocks run along dim0; a partial trailing block is counted whole.
func ByteSize(t TensorType, dims []uint64) (uint64, bool, error) {
	tr, ok := t.Traits()
	if !ok {
		return 0, false, nil
	}
	if len(dims) == 0 {
		return 0, true, nil
	}
	blocks := dims[0] / tr.BlockSize
	if dims[0]%tr.BlockSize != 0 {
		blocks++
	}
	for _, d := range dims[1:] {
		if blocks, ok = mulU64(blocks, d); !ok {
			return 0, true, fmt.Errorf("%w: block count of %s dims %v", ErrOverflow, t, dims)
		}
	}
	n, ok := mulU64(blocks, tr.TypeSize)
	if !ok {
		return 0, true, fmt.Errorf("%w: byte size of %s dims %v", ErrOverflow, t, dims)
	}
	return n, true, nil
}

func mulU64(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

func addU64(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

package tensor

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

// DefaultAlignment is the byte alignment of decoded tensor buffers.
const DefaultAlignment = 64

var ErrAlloc = errors.New("tensor: invalid allocation")

// AlignedF32 returns n zeroed float32s whose first element sits on an
// alignment-byte boundary. The Go heap does not move objects, so the
// alignment holds for the lifetime of the slice.
func AlignedF32(n uint64, alignment int) ([]float32, error) {
	if n == 0 {
		return nil, fmt.Errorf("%w: zero elements", ErrAlloc)
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrAlloc, alignment)
	}
	pad := uint64(max(alignment/4, 1))
	if n > math.MaxInt/4-pad {
		return nil, fmt.Errorf("%w: %d elements", ErrAlloc, n)
	}

	buf := make([]float32, n+pad)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	off := 0
	if rem := addr % uintptr(alignment); rem != 0 {
		off = int((uintptr(alignment) - rem) / 4)
	}
	return buf[off : off+int(n) : off+int(n)], nil
}

// TensorF32 is a decoded tensor. Dims follow the container order, dim0 fastest.
type TensorF32 struct {
	Dims  []uint64
	Numel uint64
	Data  []float32
}

// NewTensorF32 allocates a zeroed aligned tensor of the given shape.
func NewTensorF32(dims []uint64, alignment int) (*TensorF32, error) {
	n := uint64(1)
	for _, d := range dims {
		if d != 0 && n > math.MaxUint64/d {
			return nil, fmt.Errorf("%w: element count of %v overflows", ErrAlloc, dims)
		}
		n *= d
	}
	data, err := AlignedF32(n, alignment)
	if err != nil {
		return nil, err
	}
	return &TensorF32{Dims: append([]uint64(nil), dims...), Numel: n, Data: data}, nil
}

// Col returns column j of a 2-D column-major tensor, i.e. dims[0] contiguous values.
func (t *TensorF32) Col(j uint64) []float32 {
	rows := t.Dims[0]
	return t.Data[j*rows : (j+1)*rows]
}

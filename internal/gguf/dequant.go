package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// QK_K is the number of elements in one k-quant super-block. It is part
	// of the on-disk layout.
	QK_K = 256

	q4kBlockSize = 2 + 2 + 12 + QK_K/2
	q6kBlockSize = QK_K/2 + QK_K/4 + QK_K/16 + 2
)

// Decode converts the raw bytes of a tensor with the given type and dims into dst.
// dim0 is the row (quantization) axis.
func Decode(t TensorType, src []byte, dims []uint64, dst []float32) error {
	n, err := ElementCount(dims)
	if err != nil {
		return err
	}
	if uint64(len(dst)) < n {
		return fmt.Errorf("%w: destination holds %d of %d elements", ErrShape, len(dst), n)
	}
	switch t {
	case GGMLTypeF32:
		return DecodeF32(src, dst[:n])
	case GGMLTypeF16:
		return DecodeF16(src, dst[:n])
	case GGMLTypeQ4_K, GGMLTypeQ6_K:
		if len(dims) == 0 {
			return fmt.Errorf("%w: %s tensor without dims", ErrShape, t)
		}
		rows := n / max(dims[0], 1)
		if t == GGMLTypeQ4_K {
			return DecodeQ4K(src, dims[0], rows, dst)
		}
		return DecodeQ6K(src, dims[0], rows, dst)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
}

// DecodeF32 copies little-endian float32 values bit for bit.
func DecodeF32(src []byte, dst []float32) error {
	if need := uint64(len(dst)) * 4; uint64(len(src)) < need {
		return fmt.Errorf("%w: f32 needs %d bytes, have %d", ErrTruncated, need, len(src))
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return nil
}

func DecodeF16(src []byte, dst []float32) error {
	if need := uint64(len(dst)) * 2; uint64(len(src)) < need {
		return fmt.Errorf("%w: f16 needs %d bytes, have %d", ErrTruncated, need, len(src))
	}
	for i := range dst {
		dst[i] = HalfToFloat32(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return nil
}

// DecodeQ4K decodes rows of rowLen elements stored as 144-byte super-blocks.
func DecodeQ4K(src []byte, rowLen, rows uint64, dst []float32) error {
	rowBytes, err := quantRowBytes("q4_k", rowLen, rows, q4kBlockSize, uint64(len(src)), uint64(len(dst)))
	if err != nil {
		return err
	}
	for r := range rows {
		row := src[r*rowBytes : (r+1)*rowBytes]
		y := dst[r*rowLen : (r+1)*rowLen]
		for b := range rowLen / QK_K {
			dequantizeBlockQ4K(row[b*q4kBlockSize:(b+1)*q4kBlockSize], y[b*QK_K:(b+1)*QK_K])
		}
	}
	return nil
}

// DecodeQ6K decodes rows of rowLen elements stored as 210-byte super-blocks.
func DecodeQ6K(src []byte, rowLen, rows uint64, dst []float32) error {
	rowBytes, err := quantRowBytes("q6_k", rowLen, rows, q6kBlockSize, uint64(len(src)), uint64(len(dst)))
	if err != nil {
		return err
	}
	for r := range rows {
		row := src[r*rowBytes : (r+1)*rowBytes]
		y := dst[r*rowLen : (r+1)*rowLen]
		for b := range rowLen / QK_K {
			dequantizeBlockQ6K(row[b*q6kBlockSize:(b+1)*q6kBlockSize], y[b*QK_K:(b+1)*QK_K])
		}
	}
	return nil
}

func quantRowBytes(name string, rowLen, rows, blockSize, have, out uint64) (uint64, error) {
	if rowLen == 0 || rowLen%QK_K != 0 {
		return 0, fmt.Errorf("%w: %s row length %d is not a multiple of %d", ErrShape, name, rowLen, QK_K)
	}
	rowBytes := rowLen / QK_K * blockSize
	need, ok := mulU64(rowBytes, rows)
	if !ok {
		return 0, fmt.Errorf("%w: %s %d rows of %d bytes", ErrOverflow, name, rows, rowBytes)
	}
	if have < need {
		return 0, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrTruncated, name, need, have)
	}
	if elems, ok := mulU64(rowLen, rows); !ok || out < elems {
		return 0, fmt.Errorf("%w: %s destination holds %d of %d x %d elements", ErrShape, name, out, rowLen, rows)
	}
	return rowBytes, nil
}

// dequantizeBlockQ4K: d, dmin (f16), 12 bytes of 6-bit scale/min pairs, 128 bytes of nibbles.
func dequantizeBlockQ4K(block []byte, y []float32) {
	d := HalfToFloat32(binary.LittleEndian.Uint16(block[0:]))
	dmin := HalfToFloat32(binary.LittleEndian.Uint16(block[2:]))
	scales := block[4:16]
	q := block[16:q4kBlockSize]

	yi := 0
	for is := 0; is < 8; is += 2 {
		sc1, m1 := scaleMinK4(is, scales)
		sc2, m2 := scaleMinK4(is+1, scales)
		d1 := d * float32(sc1)
		d2 := d * float32(sc2)
		mm1 := dmin * float32(m1)
		mm2 := dmin * float32(m2)
		for l := range 32 {
			y[yi+l] = d1*float32(q[l]&0x0F) - mm1
		}
		for l := range 32 {
			y[yi+32+l] = d2*float32(q[l]>>4) - mm2
		}
		q = q[32:]
		yi += 64
	}
}

func scaleMinK4(j int, scales []byte) (uint8, uint8) {
	if j < 4 {
		return scales[j] & 63, scales[j+4] & 63
	}
	d := (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
	m := (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	return d, m
}

// dequantizeBlockQ6K: 128 bytes ql, 64 bytes qh, 16 int8 scales, trailing f16 d.
func dequantizeBlockQ6K(block []byte, y []float32) {
	ql := block[0:128]
	qh := block[128:192]
	sc := block[192:208]
	d := HalfToFloat32(binary.LittleEndian.Uint16(block[208:]))

	for n := 0; n < QK_K; n += 128 {
		for l := range 32 {
			is := l / 16
			q1 := int8((ql[l]&0x0F)|((qh[l]>>0)&3)<<4) - 32
			q2 := int8((ql[l+32]&0x0F)|((qh[l]>>2)&3)<<4) - 32
			q3 := int8((ql[l]>>4)|((qh[l]>>4)&3)<<4) - 32
			q4 := int8((ql[l+32]>>4)|((qh[l]>>6)&3)<<4) - 32
			y[n+l] = d * float32(int8(sc[is])) * float32(q1)
			y[n+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
			y[n+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
			y[n+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
		}
		ql = ql[64:]
		qh = qh[32:]
		sc = sc[8:]
	}
}

// HalfToFloat32 converts IEEE-754 binary16 bits to float32, preserving signed
// zero, subnormals, infinities and NaN payloads.
func HalfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for frac&0x400 == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = sign<<31 | e<<23 | frac<<13
		}
	case 0x1F:
		f = sign<<31 | 0x7F800000 | frac<<13
	default:
		f = sign<<31 | (exp+127-15)<<23 | frac<<13
	}
	return math.Float32frombits(f)
}

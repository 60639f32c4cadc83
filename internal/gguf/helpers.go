package gguf

import "math"

// AsUint64 coerces any non-negative integer value to uint64.
func AsUint64(v Value) (uint64, bool) {
	switch v.Type() {
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return v.bits, true
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		i := int64(v.bits)
		if i < 0 {
			return 0, false
		}
		return uint64(i), true
	case TypeFloat32, TypeFloat64, TypeBool, TypeString, TypeArray:
		return 0, false
	default:
		return 0, false
	}
}

// AsUint32 coerces an integer value to uint32, rejecting values out of range.
func AsUint32(v Value) (uint32, bool) {
	u, ok := AsUint64(v)
	if !ok || u > math.MaxUint32 {
		return 0, false
	}
	return uint32(u), true
}

// AsInt64 coerces any integer value that fits in int64.
func AsInt64(v Value) (int64, bool) {
	switch v.Type() {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return int64(v.bits), true
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		if v.bits > math.MaxInt64 {
			return 0, false
		}
		return int64(v.bits), true
	case TypeFloat32, TypeFloat64, TypeBool, TypeString, TypeArray:
		return 0, false
	default:
		return 0, false
	}
}

// AsFloat64 widens float values. Non-negative integers are accepted too,
// since some converters store rope bases as integers.
func AsFloat64(v Value) (float64, bool) {
	switch v.Type() {
	case TypeFloat32:
		f, _ := v.Float32()
		return float64(f), true
	case TypeFloat64:
		f, _ := v.Float64()
		return f, true
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64, TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		if u, ok := AsUint64(v); ok {
			return float64(u), true
		}
		return 0, false
	case TypeBool, TypeString, TypeArray:
		return 0, false
	default:
		return 0, false
	}
}

func AsFloat32(v Value) (float32, bool) {
	f, ok := AsFloat64(v)
	if !ok {
		return 0, false
	}
	return float32(f), true
}

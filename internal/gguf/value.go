package gguf

import (
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"
)

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

func (t ValueType) String() string {
	switch t {
	case TypeUint8:
		return "u8"
	case TypeInt8:
		return "i8"
	case TypeUint16:
		return "u16"
	case TypeInt16:
		return "i16"
	case TypeUint32:
		return "u32"
	case TypeInt32:
		return "i32"
	case TypeUint64:
		return "u64"
	case TypeInt64:
		return "i64"
	case TypeFloat32:
		return "f32"
	case TypeFloat64:
		return "f64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// width returns the encoded size of a fixed-width value type.
// Strings and arrays have no fixed width.
func (t ValueType) width() (uint64, bool) {
	switch t {
	case TypeUint8, TypeInt8, TypeBool:
		return 1, true
	case TypeUint16, TypeInt16:
		return 2, true
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4, true
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8, true
	default:
		return 0, false
	}
}

// ArraySummary is what the parser keeps of an array value: its element type,
// length and the offset of the first element. Element payloads are skipped;
// ReadStrings re-reads string arrays on demand.
type ArraySummary struct {
	Elem   ValueType
	Len    uint64
	Offset uint64
}

// Value is one metadata value. Exactly one payload is meaningful, selected by
// Type; integers and floats share bits, strings and arrays have their own field.
// The accessors return ok=false unless the stored type matches exactly.
type Value struct {
	typ  ValueType
	bits uint64
	str  string
	arr  ArraySummary
}

func Uint8Value(v uint8) Value     { return Value{typ: TypeUint8, bits: uint64(v)} }
func Int8Value(v int8) Value       { return Value{typ: TypeInt8, bits: uint64(int64(v))} }
func Uint16Value(v uint16) Value   { return Value{typ: TypeUint16, bits: uint64(v)} }
func Int16Value(v int16) Value     { return Value{typ: TypeInt16, bits: uint64(int64(v))} }
func Uint32Value(v uint32) Value   { return Value{typ: TypeUint32, bits: uint64(v)} }
func Int32Value(v int32) Value     { return Value{typ: TypeInt32, bits: uint64(int64(v))} }
func Uint64Value(v uint64) Value   { return Value{typ: TypeUint64, bits: v} }
func Int64Value(v int64) Value     { return Value{typ: TypeInt64, bits: uint64(v)} }
func Float32Value(v float32) Value { return Value{typ: TypeFloat32, bits: uint64(math.Float32bits(v))} }
func Float64Value(v float64) Value { return Value{typ: TypeFloat64, bits: math.Float64bits(v)} }
func StringValue(v string) Value   { return Value{typ: TypeString, str: v} }

func BoolValue(v bool) Value {
	if v {
		return Value{typ: TypeBool, bits: 1}
	}
	return Value{typ: TypeBool}
}

func ArrayValue(elem ValueType, n uint64) Value {
	return Value{typ: TypeArray, arr: ArraySummary{Elem: elem, Len: n}}
}

func (v Value) Type() ValueType { return v.typ }

func (v Value) Uint8() (uint8, bool)     { return uint8(v.bits), v.typ == TypeUint8 }
func (v Value) Int8() (int8, bool)       { return int8(v.bits), v.typ == TypeInt8 }
func (v Value) Uint16() (uint16, bool)   { return uint16(v.bits), v.typ == TypeUint16 }
func (v Value) Int16() (int16, bool)     { return int16(v.bits), v.typ == TypeInt16 }
func (v Value) Uint32() (uint32, bool)   { return uint32(v.bits), v.typ == TypeUint32 }
func (v Value) Int32() (int32, bool)     { return int32(v.bits), v.typ == TypeInt32 }
func (v Value) Uint64() (uint64, bool)   { return v.bits, v.typ == TypeUint64 }
func (v Value) Int64() (int64, bool)     { return int64(v.bits), v.typ == TypeInt64 }
func (v Value) Float32() (float32, bool) { return math.Float32frombits(uint32(v.bits)), v.typ == TypeFloat32 }
func (v Value) Float64() (float64, bool) { return math.Float64frombits(v.bits), v.typ == TypeFloat64 }
func (v Value) Bool() (bool, bool)       { return v.bits != 0, v.typ == TypeBool }
func (v Value) Str() (string, bool)      { return v.str, v.typ == TypeString }
func (v Value) Array() (ArraySummary, bool) {
	return v.arr, v.typ == TypeArray
}

const maxDisplayString = 160

// String renders the value for display. Long strings are cut at 160 runes.
func (v Value) String() string {
	switch v.typ {
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return strconv.FormatUint(v.bits, 10)
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return strconv.FormatInt(int64(v.bits), 10)
	case TypeFloat32:
		f, _ := v.Float32()
		return strconv.FormatFloat(float64(f), 'g', 9, 32)
	case TypeFloat64:
		f, _ := v.Float64()
		return strconv.FormatFloat(f, 'g', 17, 64)
	case TypeBool:
		return strconv.FormatBool(v.bits != 0)
	case TypeString:
		if utf8.RuneCountInString(v.str) <= maxDisplayString {
			return v.str
		}
		n := 0
		for i := range v.str {
			if n == maxDisplayString {
				return v.str[:i] + "…"
			}
			n++
		}
		return v.str
	case TypeArray:
		return fmt.Sprintf("array<%s>[%d]", v.arr.Elem, v.arr.Len)
	default:
		return fmt.Sprintf("<%s>", v.typ)
	}
}

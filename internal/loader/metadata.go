package loader

import (
	"fmt"

	"github.com/samcharles93/layerscope/internal/gguf"
)

// Value returns the raw metadata value for key.
func (l *Loader) Value(key string) (gguf.Value, bool) {
	return l.file.Value(key)
}

// Uint32 coerces any integer value into uint32 range.
func (l *Loader) Uint32(key string) (uint32, bool) {
	v, ok := l.file.Value(key)
	if !ok {
		return 0, false
	}
	return gguf.AsUint32(v)
}

func (l *Loader) Uint64(key string) (uint64, bool) {
	v, ok := l.file.Value(key)
	if !ok {
		return 0, false
	}
	return gguf.AsUint64(v)
}

// Float32 accepts float values and non-negative integers.
func (l *Loader) Float32(key string) (float32, bool) {
	v, ok := l.file.Value(key)
	if !ok {
		return 0, false
	}
	return gguf.AsFloat32(v)
}

func (l *Loader) String(key string) (string, bool) {
	v, ok := l.file.Value(key)
	if !ok {
		return "", false
	}
	return v.Str()
}

// Strings decodes a string array value. At most limit elements are returned;
// zero means all of them.
func (l *Loader) Strings(key string, limit uint64) ([]string, error) {
	v, ok := l.file.Value(key)
	if !ok {
		return nil, fmt.Errorf("%w: metadata %q", ErrNotFound, key)
	}
	arr, ok := v.Array()
	if !ok {
		return nil, fmt.Errorf("metadata %q is %s, not an array", key, v.Type())
	}
	if !l.src.Valid() {
		return nil, ErrSourceClosed
	}
	return gguf.ReadStrings(l.src.Bytes(), arr, limit)
}

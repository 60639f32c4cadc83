package gguf

import "errors"

var (
	// ErrMalformed reports a structurally invalid container: bad magic,
	// unknown value tag, array of arrays.
	ErrMalformed = errors.New("malformed gguf")
	// ErrOutOfBounds reports a read, seek or tensor span past the end of the buffer.
	ErrOutOfBounds = errors.New("out of bounds")
	// ErrOverflow reports a size computation that does not fit in 64 bits.
	ErrOverflow = errors.New("size overflow")
	// ErrUnsupportedType reports a tensor type with no decoder.
	ErrUnsupportedType = errors.New("unsupported tensor type")
	// ErrTruncated reports a tensor whose bytes are shorter than its shape requires.
	ErrTruncated = errors.New("truncated tensor data")
	// ErrShape reports a row length or destination size a codec cannot handle.
	ErrShape = errors.New("invalid tensor shape")
)

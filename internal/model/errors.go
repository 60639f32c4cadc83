package model

import "errors"

var (
	ErrShapeMismatch   = errors.New("model: shape mismatch")
	ErrMissingMetadata = errors.New("model: missing metadata")
	ErrRange           = errors.New("model: index out of range")
)

package loader

import "errors"

var (
	ErrNotFound     = errors.New("loader: not found")
	ErrSourceClosed = errors.New("loader: source closed")
)

// Package mmap provides read-only whole-file byte sources. On unix the file is
// memory mapped; elsewhere, or when mapping fails, it is read into memory.
package mmap

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var (
	ErrEmpty    = errors.New("mmap: empty file")
	ErrTooLarge = errors.New("mmap: file too large to address")
)

// Source owns the bytes of one file. Slices returned by Bytes borrow from the
// source and must not be used after Close.
type Source struct {
	data   []byte
	path   string
	mapped bool
	closed bool
}

// Open maps path read-only. The file descriptor is closed before returning;
// the mapping stays valid until Close.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size64 := st.Size()
	if size64 == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	if size64 < 0 || uint64(size64) > math.MaxInt {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, size64)
	}
	size := int(size64)

	data, err := mapFile(f, size)
	if err == nil {
		return &Source{data: data, path: path, mapped: true}, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &Source{data: data, path: path}, nil
}

// FromBytes wraps caller memory. Close drops the reference without touching b.
func FromBytes(b []byte) *Source {
	return &Source{data: b}
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

// Bytes returns the whole source, or nil after Close.
func (s *Source) Bytes() []byte {
	if s == nil || s.closed {
		return nil
	}
	return s.data
}

func (s *Source) Len() int {
	return len(s.Bytes())
}

// Valid reports whether the source is open.
func (s *Source) Valid() bool {
	return s != nil && !s.closed
}

// Mapped reports whether the bytes come from an OS mapping.
func (s *Source) Mapped() bool {
	return s != nil && s.mapped && !s.closed
}

// Path is empty for sources built with FromBytes.
func (s *Source) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close releases the mapping. Calling it again is a no-op.
func (s *Source) Close() error {
	if s == nil || s.closed {
		return nil
	}
	var err error
	if s.mapped {
		err = unmap(s.data)
	}
	s.data = nil
	s.closed = true
	s.mapped = false
	return err
}

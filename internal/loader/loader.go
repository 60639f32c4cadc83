// Package loader pairs a parsed GGUF container with the bytes it was parsed
// from and hands out bounds-checked tensor views and typed metadata.
package loader

import (
	"fmt"

	"github.com/samcharles93/layerscope/internal/gguf"
	"github.com/samcharles93/layerscope/internal/logger"
	"github.com/samcharles93/layerscope/internal/mmap"
)

type Options struct {
	Parse  gguf.ParseOptions
	Logger logger.Logger
}

func DefaultOptions() Options {
	return Options{Parse: gguf.DefaultParseOptions()}
}

// Loader owns the source of a container. Tensor views borrow from it and
// report ErrSourceClosed once Close has run.
type Loader struct {
	src   *mmap.Source
	file  *gguf.File
	log   logger.Logger
	spans []uint64
}

// Open maps path and parses it. A parse failure releases the mapping.
func Open(path string, opts Options) (*Loader, error) {
	src, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	l, err := newLoader(src, opts)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	l.log.Debug("opened container", "path", path, "bytes", src.Len(), "mapped", src.Mapped())
	return l, nil
}

// OpenBytes parses caller memory. data must stay unmodified while the loader is open.
func OpenBytes(data []byte, opts Options) (*Loader, error) {
	return newLoader(mmap.FromBytes(data), opts)
}

func newLoader(src *mmap.Source, opts Options) (*Loader, error) {
	f, err := gguf.Parse(src.Bytes(), opts.Parse)
	if err != nil {
		return nil, err
	}
	log := logger.OrDiscard(opts.Logger)
	log.Debug("parsed container",
		"version", f.Header.Version,
		"tensors", len(f.Tensors),
		"kv", len(f.KV),
		"alignment", f.Alignment,
		"data_offset", f.DataOffset,
	)
	return &Loader{src: src, file: f, log: log, spans: f.SpanSizes()}, nil
}

func (l *Loader) Close() error {
	return l.src.Close()
}

// File exposes the parsed tables.
func (l *Loader) File() *gguf.File {
	return l.file
}

func (l *Loader) Path() string {
	return l.src.Path()
}

// Tensor resolves name to a view over its bytes.
func (l *Loader) Tensor(name string) (TensorView, error) {
	i, ok := l.file.TensorIndex(name)
	if !ok {
		return TensorView{}, fmt.Errorf("%w: tensor %s", ErrNotFound, name)
	}
	return l.view(i)
}

func (l *Loader) view(i int) (TensorView, error) {
	info := l.file.Tensors[i]
	size, known, err := info.ByteSize()
	if err != nil {
		return TensorView{}, fmt.Errorf("tensor %s: %w", info.Name, err)
	}
	if !known {
		size = l.spans[i]
	}
	abs := l.file.AbsOffset(info)
	if abs > l.file.Size || size > l.file.Size-abs {
		return TensorView{}, fmt.Errorf("%w: tensor %s spans [%d, %d+%d) (len %d)",
			gguf.ErrOutOfBounds, info.Name, abs, abs, size, l.file.Size)
	}
	return TensorView{
		Name:      info.Name,
		Dims:      info.Dims,
		Type:      info.Type,
		Offset:    abs,
		Size:      size,
		SizeKnown: known,
		src:       l.src,
	}, nil
}

// TensorView is a borrowed window onto one tensor's encoded bytes.
type TensorView struct {
	Name   string
	Dims   []uint64
	Type   gguf.TensorType
	Offset uint64 // absolute offset in the source
	Size   uint64
	// SizeKnown is false when Size was estimated from neighbouring offsets.
	SizeKnown bool

	src *mmap.Source
}

// Data returns the tensor bytes. The slice aliases the source and must not be
// retained past the loader's Close.
func (v TensorView) Data() ([]byte, error) {
	if !v.src.Valid() {
		return nil, fmt.Errorf("%w: tensor %s", ErrSourceClosed, v.Name)
	}
	b := v.src.Bytes()
	if v.Offset > uint64(len(b)) || v.Size > uint64(len(b))-v.Offset {
		return nil, fmt.Errorf("%w: tensor %s", gguf.ErrOutOfBounds, v.Name)
	}
	return b[v.Offset : v.Offset+v.Size : v.Offset+v.Size], nil
}

// Elements returns the product of Dims. Parse has already checked it fits.
func (v TensorView) Elements() uint64 {
	n, _ := gguf.ElementCount(v.Dims)
	return n
}

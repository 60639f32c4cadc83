package loader

import (
	"cmp"
	"slices"
	"strings"

	"github.com/samcharles93/layerscope/internal/gguf"
)

// CatalogEntry describes one tensor for listing.
type CatalogEntry struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Dims      []uint64 `json:"dims"`
	Offset    uint64   `json:"offset"`
	Bytes     uint64   `json:"bytes"`
	SizeKnown bool     `json:"size_known"`
}

// TypeCount is one row of the tensor type histogram.
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
	Bytes uint64 `json:"bytes"`
}

type Catalog struct {
	Tensors []CatalogEntry `json:"tensors"`
	Types   []TypeCount    `json:"types"`
	// TotalBytes sums the per-tensor sizes.
	TotalBytes uint64 `json:"total_bytes"`
}

// Catalog lists every tensor in file order, with sizes falling back to the
// distance to the next tensor for types without known traits.
func (l *Loader) Catalog() Catalog {
	var c Catalog
	hist := make(map[gguf.TensorType]*TypeCount)
	for i, info := range l.file.Tensors {
		size, known, err := info.ByteSize()
		if err != nil || !known {
			size, known = l.spans[i], false
		}
		c.Tensors = append(c.Tensors, CatalogEntry{
			Name:      info.Name,
			Type:      info.Type.String(),
			Dims:      info.Dims,
			Offset:    l.file.AbsOffset(info),
			Bytes:     size,
			SizeKnown: known,
		})
		c.TotalBytes += size
		tc, ok := hist[info.Type]
		if !ok {
			tc = &TypeCount{Type: info.Type.String()}
			hist[info.Type] = tc
		}
		tc.Count++
		tc.Bytes += size
	}
	for _, tc := range hist {
		c.Types = append(c.Types, *tc)
	}
	slices.SortFunc(c.Types, func(a, b TypeCount) int {
		if n := cmp.Compare(b.Count, a.Count); n != 0 {
			return n
		}
		return strings.Compare(a.Type, b.Type)
	})
	return c
}

// Filter keeps entries whose name contains substr.
func (c Catalog) Filter(substr string) []CatalogEntry {
	if substr == "" {
		return c.Tensors
	}
	var out []CatalogEntry
	for _, e := range c.Tensors {
		if strings.Contains(e.Name, substr) {
			out = append(out, e)
		}
	}
	return out
}

// Package modeltest builds small llama-layout containers for tests.
package modeltest

import (
	"github.com/x448/float16"

	"github.com/samcharles93/layerscope/internal/gguf"
	"github.com/samcharles93/layerscope/internal/gguf/ggufbuild"
	"github.com/samcharles93/layerscope/internal/model"
)

// Dims describes a tiny model. HeadDim is DModel/Heads.
type Dims struct {
	Layers  uint32
	DModel  uint32
	Heads   uint32
	KVHeads uint32
	FFN     uint32
	Vocab   uint32
	Context uint32
	Theta   float32
	Eps     float32

	// Override replaces the dims of the named tensors. A nil entry omits the
	// tensor from the container.
	Override map[string][]uint64
	// Half stores the named tensors as F16 instead of F32.
	Half map[string]bool
}

// Small is the shape used across the test suites: two query heads sharing one
// kv head, head_dim 2.
func Small() Dims {
	return Dims{Layers: 2, DModel: 4, Heads: 2, KVHeads: 1, FFN: 8, Vocab: 3, Context: 16, Theta: 10000, Eps: 1e-5}
}

// FillFunc returns the values for a tensor, column-major, len = product of dims.
// A nil return falls back to Identity.
type FillFunc func(name string, dims []uint64) []float32

// Builder returns a container with metadata for d and F32 tensors (F16 for
// names in d.Half) for every block, filled by fill.
func Builder(d Dims, fill FillFunc) *ggufbuild.Builder {
	if fill == nil {
		fill = Identity
	}
	b := ggufbuild.New().
		Add("general.architecture", gguf.StringValue("llama")).
		Add("llama.block_count", gguf.Uint32Value(d.Layers)).
		Add("llama.embedding_length", gguf.Uint32Value(d.DModel)).
		Add("llama.attention.head_count", gguf.Uint32Value(d.Heads)).
		Add("llama.attention.head_count_kv", gguf.Uint32Value(d.KVHeads)).
		Add("llama.feed_forward_length", gguf.Uint32Value(d.FFN)).
		Add("llama.context_length", gguf.Uint32Value(d.Context)).
		Add("llama.rope.freq_base", gguf.Float32Value(d.Theta)).
		Add("llama.attention.layer_norm_rms_epsilon", gguf.Float32Value(d.Eps))

	dm, kv, ffn := uint64(d.DModel), uint64(d.KVHeads)*uint64(d.DModel/d.Heads), uint64(d.FFN)
	add := func(name string, dims ...uint64) {
		if o, ok := d.Override[name]; ok {
			if o == nil {
				return
			}
			dims = o
		}
		vals := fill(name, dims)
		if vals == nil {
			vals = Identity(name, dims)
		}
		if d.Half[name] {
			bits := make([]uint16, len(vals))
			for i, v := range vals {
				bits[i] = float16.Fromfloat32(v).Bits()
			}
			b.AddTensor(name, gguf.GGMLTypeF16, dims, ggufbuild.F16Bytes(bits))
			return
		}
		b.AddF32(name, dims, vals)
	}
	add(model.TokenEmbedding, dm, uint64(d.Vocab))
	add(model.OutputNorm, dm)
	add(model.Output, dm, uint64(d.Vocab))
	for l := range d.Layers {
		add(model.BlockTensor(l, model.AttnNorm), dm)
		add(model.BlockTensor(l, model.AttnQ), dm, dm)
		add(model.BlockTensor(l, model.AttnK), dm, kv)
		add(model.BlockTensor(l, model.AttnV), dm, kv)
		add(model.BlockTensor(l, model.AttnOutput), dm, dm)
		add(model.BlockTensor(l, model.FFNNorm), dm)
		add(model.BlockTensor(l, model.FFNGate), dm, ffn)
		add(model.BlockTensor(l, model.FFNUp), dm, ffn)
		add(model.BlockTensor(l, model.FFNDown), ffn, dm)
	}
	return b
}

// Identity fills vectors with ones and matrices [in, out] with column j set to
// the unit vector e_(j mod in).
func Identity(_ string, dims []uint64) []float32 {
	if len(dims) == 1 {
		out := make([]float32, dims[0])
		for i := range out {
			out[i] = 1
		}
		return out
	}
	in, cols := dims[0], dims[1]
	out := make([]float32, in*cols)
	for j := range cols {
		out[j*in+j%in] = 1
	}
	return out
}

// Ramp fills a tensor with (i+1)/n. Useful when values must differ per element.
func Ramp(_ string, dims []uint64) []float32 {
	n := uint64(1)
	for _, d := range dims {
		n *= d
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i+1) / float32(n)
	}
	return out
}

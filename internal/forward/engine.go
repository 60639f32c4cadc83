// Package forward runs one llama decoder block for a single token at a time,
// keeping that block's key/value history.
package forward

import (
	"fmt"
	"math"

	"github.com/samcharles93/layerscope/internal/loader"
	"github.com/samcharles93/layerscope/internal/logger"
	"github.com/samcharles93/layerscope/internal/model"
	"github.com/samcharles93/layerscope/internal/tensor"
)

const (
	DefaultMaxSeq    = 2048
	DefaultRopeTheta = 10000
)

type Options struct {
	// MaxSeq overrides the cache length. Zero uses the config's context
	// length, then DefaultMaxSeq.
	MaxSeq uint32
	// DefaultMaxSeq and DefaultRopeTheta apply when the config leaves the
	// value unset; zero means the package constants.
	DefaultMaxSeq    uint32
	DefaultRopeTheta float64
	Logger           logger.Logger
}

func DefaultOptions() Options {
	return Options{DefaultMaxSeq: DefaultMaxSeq, DefaultRopeTheta: DefaultRopeTheta}
}

// Engine owns the cache and scratch buffers for one sequence through one
// block. It is not safe for concurrent use.
type Engine struct {
	cfg     loader.ModelConfig
	d       int
	nHeads  int
	nKV     int
	headDim int
	kvDim   int
	ffn     int
	group   int
	eps     float32
	scale   float64
	maxSeq  int
	rope    *tensor.RoPE
	cache   *KVCache
	filled  int
	log     logger.Logger

	xn     []float32
	q      []float32
	k      []float32
	v      []float32
	att    []float32
	proj   []float32
	scores []float32
	gate   []float32
	up     []float32
	hidden []float32
}

// New validates cfg and allocates the cache and scratch space.
func New(cfg loader.ModelConfig, opts Options) (*Engine, error) {
	switch {
	case cfg.DModel == 0, cfg.NHeads == 0, cfg.NKVHeads == 0, cfg.HeadDim == 0, cfg.FFNHiddenDim == 0:
		return nil, fmt.Errorf("%w: d_model=%d n_heads=%d n_kv_heads=%d head_dim=%d ffn=%d must be non-zero",
			ErrConfig, cfg.DModel, cfg.NHeads, cfg.NKVHeads, cfg.HeadDim, cfg.FFNHiddenDim)
	case cfg.NHeads%cfg.NKVHeads != 0:
		return nil, fmt.Errorf("%w: n_heads %d is not a multiple of n_kv_heads %d", ErrConfig, cfg.NHeads, cfg.NKVHeads)
	case uint64(cfg.NHeads)*uint64(cfg.HeadDim) != uint64(cfg.DModel):
		return nil, fmt.Errorf("%w: n_heads %d * head_dim %d != d_model %d", ErrConfig, cfg.NHeads, cfg.HeadDim, cfg.DModel)
	case cfg.RopeTheta < 0 || math.IsNaN(float64(cfg.RopeTheta)):
		return nil, fmt.Errorf("%w: rope theta %v", ErrConfig, cfg.RopeTheta)
	}

	ropeDim := cfg.RopeDim
	if ropeDim == 0 {
		ropeDim = cfg.HeadDim
	}
	if ropeDim%2 != 0 || ropeDim > cfg.HeadDim {
		return nil, fmt.Errorf("%w: rope dim %d must be even and at most head_dim %d", ErrConfig, ropeDim, cfg.HeadDim)
	}
	theta := float64(cfg.RopeTheta)
	if theta == 0 {
		theta = opts.DefaultRopeTheta
		if theta == 0 {
			theta = DefaultRopeTheta
		}
	}
	rope, err := tensor.NewRoPE(int(ropeDim), theta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	maxSeq := opts.MaxSeq
	if maxSeq == 0 {
		maxSeq = cfg.ContextLength
	}
	if maxSeq == 0 {
		maxSeq = opts.DefaultMaxSeq
	}
	if maxSeq == 0 {
		maxSeq = DefaultMaxSeq
	}

	e := &Engine{
		cfg:     cfg,
		d:       int(cfg.DModel),
		nHeads:  int(cfg.NHeads),
		nKV:     int(cfg.NKVHeads),
		headDim: int(cfg.HeadDim),
		kvDim:   int(cfg.NKVHeads) * int(cfg.HeadDim),
		ffn:     int(cfg.FFNHiddenDim),
		group:   int(cfg.NHeads / cfg.NKVHeads),
		eps:     cfg.RMSEpsilon,
		scale:   1 / math.Sqrt(float64(cfg.HeadDim)),
		maxSeq:  int(maxSeq),
		rope:    rope,
		log:     logger.OrDiscard(opts.Logger),
	}
	e.cache = newKVCache(e.nKV, e.maxSeq, e.headDim)
	e.xn = make([]float32, e.d)
	e.q = make([]float32, e.d)
	e.k = make([]float32, e.kvDim)
	e.v = make([]float32, e.kvDim)
	e.att = make([]float32, e.d)
	e.proj = make([]float32, e.d)
	e.scores = make([]float32, e.maxSeq)
	e.gate = make([]float32, e.ffn)
	e.up = make([]float32, e.ffn)
	e.hidden = make([]float32, e.ffn)

	e.log.Debug("forward engine ready",
		"d_model", e.d, "n_heads", e.nHeads, "n_kv_heads", e.nKV,
		"head_dim", e.headDim, "rope_dim", ropeDim, "rope_theta", theta, "max_seq", e.maxSeq)
	return e, nil
}

// Len is the number of cached positions.
func (e *Engine) Len() int { return e.filled }

func (e *Engine) MaxSeq() int { return e.maxSeq }

func (e *Engine) Config() loader.ModelConfig { return e.cfg }

func (e *Engine) Cache() *KVCache { return e.cache }

func (e *Engine) RoPE() *tensor.RoPE { return e.rope }

// Reset empties the cache so the engine can start a new sequence.
func (e *Engine) Reset() {
	e.cache.reset()
	e.filled = 0
}

// Step advances x (length d_model) through the block at position pos. Any
// pos below MaxSeq() is accepted: cache rows never written stay zero and still
// take part in attention, and a pos below Len() rewinds and overwrites history
// from there. On error neither x nor the cache is touched.
func (e *Engine) Step(layer *model.LayerWeights, pos uint32, x []float32) error {
	if err := e.check(layer, pos, x); err != nil {
		return err
	}
	p := int(pos)

	// Attention.
	tensor.RMSNorm(e.xn, x, layer.AttnNorm.Data, e.eps)
	tensor.MatVecColMajor(e.q, layer.AttnQ.Data, e.xn, e.d, e.d)
	tensor.MatVecColMajor(e.k, layer.AttnK.Data, e.xn, e.d, e.kvDim)
	tensor.MatVecColMajor(e.v, layer.AttnV.Data, e.xn, e.d, e.kvDim)
	e.rope.Apply(e.q, e.nHeads, e.headDim, pos)
	e.rope.Apply(e.k, e.nKV, e.headDim, pos)

	for h := range e.nKV {
		copy(e.cache.K(h, p), e.k[h*e.headDim:(h+1)*e.headDim])
		copy(e.cache.V(h, p), e.v[h*e.headDim:(h+1)*e.headDim])
	}
	e.filled = p + 1

	for h := range e.nHeads {
		kvh := h / e.group
		qh := e.q[h*e.headDim : (h+1)*e.headDim]
		scores := e.scores[:p+1]
		for t := range scores {
			scores[t] = float32(float64(tensor.Dot(qh, e.cache.K(kvh, t))) * e.scale)
		}
		tensor.Softmax(scores)

		out := e.att[h*e.headDim : (h+1)*e.headDim]
		for i := range out {
			var sum float64
			for t, w := range scores {
				sum += float64(w) * float64(e.cache.V(kvh, t)[i])
			}
			out[i] = float32(sum)
		}
	}
	tensor.MatVecColMajor(e.proj, layer.AttnOutput.Data, e.att, e.d, e.d)
	tensor.Add(x, e.proj)

	// Feed-forward.
	tensor.RMSNorm(e.xn, x, layer.FFNNorm.Data, e.eps)
	tensor.MatVecColMajor(e.gate, layer.FFNGate.Data, e.xn, e.d, e.ffn)
	tensor.MatVecColMajor(e.up, layer.FFNUp.Data, e.xn, e.d, e.ffn)
	tensor.SiluMul(e.hidden, e.gate, e.up)
	tensor.MatVecColMajor(e.proj, layer.FFNDown.Data, e.hidden, e.ffn, e.d)
	tensor.Add(x, e.proj)

	e.log.Debug("step", "layer", layer.Index, "pos", pos)
	return nil
}

func (e *Engine) check(layer *model.LayerWeights, pos uint32, x []float32) error {
	if uint64(pos) >= uint64(e.maxSeq) {
		return fmt.Errorf("%w: position %d, max_seq %d", ErrRange, pos, e.maxSeq)
	}
	if len(x) != e.d {
		return fmt.Errorf("%w: activation has %d values, want %d", model.ErrShapeMismatch, len(x), e.d)
	}
	if layer == nil {
		return fmt.Errorf("%w: nil layer weights", model.ErrShapeMismatch)
	}
	weights := []struct {
		name string
		t    *tensor.TensorF32
		n    int
	}{
		{model.AttnNorm, layer.AttnNorm, e.d},
		{model.AttnQ, layer.AttnQ, e.d * e.d},
		{model.AttnK, layer.AttnK, e.d * e.kvDim},
		{model.AttnV, layer.AttnV, e.d * e.kvDim},
		{model.AttnOutput, layer.AttnOutput, e.d * e.d},
		{model.FFNNorm, layer.FFNNorm, e.d},
		{model.FFNGate, layer.FFNGate, e.d * e.ffn},
		{model.FFNUp, layer.FFNUp, e.d * e.ffn},
		{model.FFNDown, layer.FFNDown, e.ffn * e.d},
	}
	for _, w := range weights {
		if w.t == nil || len(w.t.Data) != w.n {
			got := 0
			if w.t != nil {
				got = len(w.t.Data)
			}
			return fmt.Errorf("%w: layer %d %s has %d values, want %d",
				model.ErrShapeMismatch, layer.Index, w.name, got, w.n)
		}
	}
	return nil
}

// Package model materializes llama-layout weights from a loader into aligned
// float32 tensors and checks them against the shapes the config implies.
package model

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/layerscope/internal/gguf"
	"github.com/samcharles93/layerscope/internal/loader"
	"github.com/samcharles93/layerscope/internal/logger"
	"github.com/samcharles93/layerscope/internal/tensor"
)

type LoadOptions struct {
	// LMHead also loads output_norm.weight and output.weight.
	LMHead bool
	// TieOutput lets a container without output.weight reuse
	// token_embd.weight as the output projection. Without it the missing
	// tensor is an error.
	TieOutput bool
	// Alignment of decoded buffers in bytes; 0 selects tensor.DefaultAlignment.
	Alignment int
	Logger    logger.Logger
}

type GlobalWeights struct {
	TokenEmbd  *tensor.TensorF32
	OutputNorm *tensor.TensorF32
	Output     *tensor.TensorF32
	// OutputTied reports that Output shares TokenEmbd because the container
	// has no output.weight.
	OutputTied bool
}

// LayerWeights holds one transformer block. Matrices are [in, out] with
// contiguous columns.
type LayerWeights struct {
	Index      uint32
	AttnNorm   *tensor.TensorF32
	AttnQ      *tensor.TensorF32
	AttnK      *tensor.TensorF32
	AttnV      *tensor.TensorF32
	AttnOutput *tensor.TensorF32
	FFNNorm    *tensor.TensorF32
	FFNGate    *tensor.TensorF32
	FFNUp      *tensor.TensorF32
	FFNDown    *tensor.TensorF32
}

type Weights struct {
	Config loader.ModelConfig
	Global GlobalWeights
	// Layers follow the order they were requested in.
	Layers []LayerWeights
}

// Layer returns the loaded block with the given index.
func (w *Weights) Layer(index uint32) (*LayerWeights, bool) {
	for i := range w.Layers {
		if w.Layers[i].Index == index {
			return &w.Layers[i], true
		}
	}
	return nil, false
}

// LoadTensorF32 decodes one tensor into an aligned float32 buffer.
func LoadTensorF32(ld *loader.Loader, name string, alignment int) (*tensor.TensorF32, error) {
	return loadTensor(ld, name, nil, alignment, logger.Discard())
}

func loadTensor(ld *loader.Loader, name string, want []uint64, alignment int, log logger.Logger) (*tensor.TensorF32, error) {
	view, err := ld.Tensor(name)
	if err != nil {
		return nil, err
	}
	if len(view.Dims) == 0 {
		return nil, fmt.Errorf("%w: %s has no dimensions", ErrShapeMismatch, name)
	}
	if want != nil && !slices.Equal(view.Dims, want) {
		return nil, fmt.Errorf("%w: %s has dims %v, want %v", ErrShapeMismatch, name, view.Dims, want)
	}
	if alignment == 0 {
		alignment = tensor.DefaultAlignment
	}
	t, err := tensor.NewTensorF32(view.Dims, alignment)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	data, err := view.Data()
	if err != nil {
		return nil, err
	}
	if err := gguf.Decode(view.Type, data, view.Dims, t.Data); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	log.Debug("decoded tensor", "name", name, "type", view.Type.String(), "elements", t.Numel)
	return t, nil
}

// LoadWeights decodes the embedding, the optional LM head and the requested
// blocks. Nothing is returned unless every tensor decodes with the expected shape.
func LoadWeights(ld *loader.Loader, layers []uint32, opts LoadOptions) (*Weights, error) {
	log := logger.OrDiscard(opts.Logger)
	cfg := ld.Config()
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	d := uint64(cfg.DModel)

	emb, err := loadTensor(ld, TokenEmbedding, nil, opts.Alignment, log)
	if err != nil {
		return nil, err
	}
	if len(emb.Dims) != 2 || emb.Dims[0] != d {
		return nil, fmt.Errorf("%w: %s has dims %v, want [%d, vocab]", ErrShapeMismatch, TokenEmbedding, emb.Dims, d)
	}
	if cfg.VocabSize == 0 {
		if emb.Dims[1] > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%w: %s vocab %d exceeds uint32", ErrShapeMismatch, TokenEmbedding, emb.Dims[1])
		}
		cfg.VocabSize = uint32(emb.Dims[1])
	} else if emb.Dims[1] != uint64(cfg.VocabSize) {
		return nil, fmt.Errorf("%w: %s has dims %v, want [%d %d]", ErrShapeMismatch, TokenEmbedding, emb.Dims, d, cfg.VocabSize)
	}
	vocab := uint64(cfg.VocabSize)

	w := &Weights{Config: cfg, Global: GlobalWeights{TokenEmbd: emb}}
	if opts.LMHead {
		if w.Global.OutputNorm, err = loadTensor(ld, OutputNorm, []uint64{d}, opts.Alignment, log); err != nil {
			return nil, err
		}
		w.Global.Output, err = loadTensor(ld, Output, []uint64{d, vocab}, opts.Alignment, log)
		switch {
		case errors.Is(err, loader.ErrNotFound) && opts.TieOutput:
			log.Info("output projection tied to token embedding")
			w.Global.Output, w.Global.OutputTied = emb, true
		case err != nil:
			return nil, err
		}
	}

	for _, idx := range layers {
		if idx >= cfg.NLayers {
			return nil, fmt.Errorf("%w: layer %d, model has %d", ErrRange, idx, cfg.NLayers)
		}
		lw, err := loadLayer(ld, cfg, idx, opts.Alignment, log)
		if err != nil {
			return nil, err
		}
		w.Layers = append(w.Layers, lw)
	}
	log.Info("weights loaded", "layers", len(w.Layers), "lm_head", opts.LMHead)
	return w, nil
}

func validateConfig(cfg loader.ModelConfig) error {
	required := []struct {
		name string
		v    uint32
	}{
		{"block_count", cfg.NLayers},
		{"embedding_length", cfg.DModel},
		{"attention.head_count", cfg.NHeads},
		{"head_dim", cfg.HeadDim},
		{"kv_dim", cfg.KVDim},
		{"feed_forward_length", cfg.FFNHiddenDim},
	}
	for _, r := range required {
		if r.v == 0 {
			return fmt.Errorf("%w: %s.%s", ErrMissingMetadata, cfg.Architecture, r.name)
		}
	}
	return nil
}

// layerShapes maps each per-block tensor to its expected dims.
func layerShapes(cfg loader.ModelConfig) map[string][]uint64 {
	d, kv, ffn := uint64(cfg.DModel), uint64(cfg.KVDim), uint64(cfg.FFNHiddenDim)
	return map[string][]uint64{
		AttnNorm:   {d},
		AttnQ:      {d, d},
		AttnK:      {d, kv},
		AttnV:      {d, kv},
		AttnOutput: {d, d},
		FFNNorm:    {d},
		FFNGate:    {d, ffn},
		FFNUp:      {d, ffn},
		FFNDown:    {ffn, d},
	}
}

func loadLayer(ld *loader.Loader, cfg loader.ModelConfig, idx uint32, alignment int, log logger.Logger) (LayerWeights, error) {
	shapes := layerShapes(cfg)
	lw := LayerWeights{Index: idx}
	slots := map[string]**tensor.TensorF32{
		AttnNorm:   &lw.AttnNorm,
		AttnQ:      &lw.AttnQ,
		AttnK:      &lw.AttnK,
		AttnV:      &lw.AttnV,
		AttnOutput: &lw.AttnOutput,
		FFNNorm:    &lw.FFNNorm,
		FFNGate:    &lw.FFNGate,
		FFNUp:      &lw.FFNUp,
		FFNDown:    &lw.FFNDown,
	}
	for _, suffix := range LayerTensorNames {
		t, err := loadTensor(ld, BlockTensor(idx, suffix), shapes[suffix], alignment, log)
		if err != nil {
			return LayerWeights{}, err
		}
		*slots[suffix] = t
	}
	return lw, nil
}

// GatherColumn copies the embedding column of token into dst.
func GatherColumn(t *tensor.TensorF32, token uint32, dst []float32) error {
	if len(t.Dims) != 2 {
		return fmt.Errorf("%w: embedding dims %v, want 2-D", ErrShapeMismatch, t.Dims)
	}
	if uint64(token) >= t.Dims[1] {
		return fmt.Errorf("%w: token %d, vocab %d", ErrRange, token, t.Dims[1])
	}
	if uint64(len(dst)) < t.Dims[0] {
		return fmt.Errorf("%w: destination holds %d values, column has %d", ErrShapeMismatch, len(dst), t.Dims[0])
	}
	copy(dst, t.Col(uint64(token)))
	return nil
}

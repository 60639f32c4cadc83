package loader

import "math"

const (
	DefaultArchitecture = "llama"

	KeyArchitecture = "general.architecture"
	TokenEmbedding  = "token_embd.weight"
)

// ModelConfig holds the hyperparameters derived from metadata. Missing keys
// leave fields zero; callers decide which ones they need.
type ModelConfig struct {
	Architecture  string  `json:"architecture"`
	NLayers       uint32  `json:"n_layers"`
	DModel        uint32  `json:"d_model"`
	NHeads        uint32  `json:"n_heads"`
	NKVHeads      uint32  `json:"n_kv_heads"`
	HeadDim       uint32  `json:"head_dim"`
	KVDim         uint32  `json:"kv_dim"`
	FFNHiddenDim  uint32  `json:"ffn_hidden_dim"`
	VocabSize     uint32  `json:"vocab_size"`
	ContextLength uint32  `json:"context_length"`
	RopeDim       uint32  `json:"rope_dim"`
	RopeTheta     float32 `json:"rope_theta"`
	RMSEpsilon    float32 `json:"rms_epsilon"`
}

// Config reads <arch>.* keys, where arch comes from general.architecture.
// head_dim is set only when d_model divides evenly by the head count.
func (l *Loader) Config() ModelConfig {
	arch, ok := l.String(KeyArchitecture)
	if !ok || arch == "" {
		arch = DefaultArchitecture
	}
	u32 := func(suffix string) uint32 {
		v, _ := l.Uint32(arch + "." + suffix)
		return v
	}
	f32 := func(suffix string) float32 {
		v, _ := l.Float32(arch + "." + suffix)
		return v
	}

	cfg := ModelConfig{
		Architecture:  arch,
		NLayers:       u32("block_count"),
		DModel:        u32("embedding_length"),
		NHeads:        u32("attention.head_count"),
		NKVHeads:      u32("attention.head_count_kv"),
		FFNHiddenDim:  u32("feed_forward_length"),
		ContextLength: u32("context_length"),
		RopeDim:       u32("rope.dimension_count"),
		RopeTheta:     f32("rope.freq_base"),
		RMSEpsilon:    f32("attention.layer_norm_rms_epsilon"),
	}
	if cfg.NHeads != 0 && cfg.DModel%cfg.NHeads == 0 {
		cfg.HeadDim = cfg.DModel / cfg.NHeads
	}
	if kv := uint64(cfg.NKVHeads) * uint64(cfg.HeadDim); kv <= math.MaxUint32 {
		cfg.KVDim = uint32(kv)
	}
	if v, ok := l.Uint32(arch + ".vocab_size"); ok {
		cfg.VocabSize = v
	}
	if cfg.VocabSize == 0 {
		if info, ok := l.file.Tensor(TokenEmbedding); ok && len(info.Dims) == 2 &&
			info.Dims[0] <= math.MaxUint32 && info.Dims[1] <= math.MaxUint32 {
			cfg.VocabSize = uint32(info.Dims[1])
		}
	}
	return cfg
}

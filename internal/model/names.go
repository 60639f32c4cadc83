package model

import "fmt"

// Tensor names of the llama layout.
const (
	TokenEmbedding = "token_embd.weight"
	OutputNorm     = "output_norm.weight"
	Output         = "output.weight"

	AttnNorm   = "attn_norm.weight"
	AttnQ      = "attn_q.weight"
	AttnK      = "attn_k.weight"
	AttnV      = "attn_v.weight"
	AttnOutput = "attn_output.weight"
	FFNNorm    = "ffn_norm.weight"
	FFNGate    = "ffn_gate.weight"
	FFNUp      = "ffn_up.weight"
	FFNDown    = "ffn_down.weight"
)

// LayerTensorNames lists the per-block tensors in load order.
var LayerTensorNames = []string{
	AttnNorm, AttnQ, AttnK, AttnV, AttnOutput,
	FFNNorm, FFNGate, FFNUp, FFNDown,
}

// BlockTensor returns the full name of a per-block tensor, e.g. blk.3.attn_q.weight.
func BlockTensor(layer uint32, suffix string) string {
	return fmt.Sprintf("blk.%d.%s", layer, suffix)
}

// Package logits projects a final activation through the LM head and ranks
// the resulting vocabulary scores.
package logits

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/layerscope/internal/model"
	"github.com/samcharles93/layerscope/internal/tensor"
)

var ErrNoHead = errors.New("logits: lm head not loaded")

// Candidate is one ranked vocabulary entry. Prob is the softmax probability
// over the whole vocabulary.
type Candidate struct {
	ID    int     `json:"id"`
	Logit float32 `json:"logit"`
	Prob  float64 `json:"prob"`
}

// Project applies output_norm then the output projection to x and returns
// one logit per vocabulary entry.
func Project(g model.GlobalWeights, x []float32, eps float32) ([]float32, error) {
	if g.OutputNorm == nil || g.Output == nil {
		return nil, ErrNoHead
	}
	d := len(x)
	if len(g.OutputNorm.Data) != d || len(g.Output.Dims) != 2 || g.Output.Dims[0] != uint64(d) {
		return nil, fmt.Errorf("%w: lm head dims %v for activation of %d", model.ErrShapeMismatch, g.Output.Dims, d)
	}
	vocab := int(g.Output.Dims[1])
	xn := make([]float32, d)
	tensor.RMSNorm(xn, x, g.OutputNorm.Data, eps)
	out := make([]float32, vocab)
	tensor.MatVecColMajor(out, g.Output.Data, xn, d, vocab)
	return out, nil
}

// TopK returns the k largest logits, largest first. Ties keep the lower id
// first. This is O(V*K), fine for the small k used in reports.
func TopK(logits []float32, k int) []Candidate {
	k = min(k, len(logits))
	if k <= 0 {
		return nil
	}
	top := make([]Candidate, 0, k+1)
	for i, v := range logits {
		pos := len(top)
		for pos > 0 && top[pos-1].Logit < v {
			pos--
		}
		if pos >= k {
			continue
		}
		top = append(top, Candidate{})
		copy(top[pos+1:], top[pos:])
		top[pos] = Candidate{ID: i, Logit: v}
		if len(top) > k {
			top = top[:k]
		}
	}

	maxv := top[0].Logit
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - maxv))
	}
	if sum > 0 {
		for i := range top {
			top[i].Prob = math.Exp(float64(top[i].Logit-maxv)) / sum
		}
	}
	return top
}

// Argmax returns the index of the largest value, or -1 for an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

package tensor

import (
	"fmt"
	"math"
)

// RoPE holds the inverse frequencies for rotary position embedding over the
// first Dim values of every head.
type RoPE struct {
	Dim     int
	Theta   float64
	InvFreq []float64
}

// NewRoPE builds inv_freq[i] = theta^(-2i/dim) for i < dim/2.
func NewRoPE(dim int, theta float64) (*RoPE, error) {
	if dim <= 0 || dim%2 != 0 {
		return nil, fmt.Errorf("rope dimension %d must be positive and even", dim)
	}
	if !(theta > 0) {
		return nil, fmt.Errorf("rope theta %v must be positive", theta)
	}
	inv := make([]float64, dim/2)
	for i := range inv {
		inv[i] = math.Pow(theta, -2*float64(i)/float64(dim))
	}
	return &RoPE{Dim: dim, Theta: theta, InvFreq: inv}, nil
}

// Apply rotates pairs (2i, 2i+1) of each of nHeads head vectors by
// pos*inv_freq[i]. Values past Dim within a head are left alone.
func (r *RoPE) Apply(x []float32, nHeads, headDim int, pos uint32) {
	for h := range nHeads {
		head := x[h*headDim : (h+1)*headDim]
		for i, f := range r.InvFreq {
			angle := float64(pos) * f
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			x0 := head[2*i]
			x1 := head[2*i+1]
			head[2*i] = x0*c - x1*s
			head[2*i+1] = x0*s + x1*c
		}
	}
}

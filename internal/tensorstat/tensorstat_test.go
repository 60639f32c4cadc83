package tensorstat

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompute(t *testing.T) {
	s := Compute([]float32{1, 2, 3, 4, 0}, 0)
	assert.Equal(t, 5, s.Elements)
	assert.Equal(t, 5, s.Sampled)
	assert.Equal(t, 1, s.Zeros)
	assert.Equal(t, 0.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.InDelta(t, 2.0, s.Mean, 1e-12)
	// Sample standard deviation of {0..4}.
	assert.InDelta(t, math.Sqrt(2.5), s.Std, 1e-12)
	assert.InDelta(t, math.Sqrt(30.0/5), s.RMS, 1e-12)
}

func TestComputeCountsNonFinite(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	s := Compute([]float32{nan, 2, inf, -inf, 4}, 0)
	assert.Equal(t, 1, s.NaN)
	assert.Equal(t, 2, s.Inf)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.Equal(t, 3.0, s.Mean)
}

func TestComputeSamples(t *testing.T) {
	values := make([]float32, 100)
	for i := range values {
		values[i] = float32(i)
	}
	s := Compute(values, 10)
	assert.Equal(t, 100, s.Elements)
	assert.Equal(t, 10, s.Sampled)
	assert.Equal(t, 90.0, s.Max)
}

func TestComputeEdgeCases(t *testing.T) {
	s := Compute([]float32{7}, 0)
	assert.Equal(t, 7.0, s.Mean)
	assert.Equal(t, 0.0, s.Std)

	s = Compute([]float32{float32(math.NaN())}, 0)
	assert.True(t, math.IsNaN(s.Mean))
	assert.Equal(t, 1, s.NaN)

	s = Compute(nil, 4)
	assert.Equal(t, 0, s.Sampled)
	assert.True(t, math.IsNaN(s.Max))
}

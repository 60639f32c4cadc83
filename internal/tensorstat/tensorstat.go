// Package tensorstat summarizes decoded tensor values.
package tensorstat

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes the finite values of a (possibly sampled) tensor.
// Min, Max, Mean and Std are NaN when no finite value was seen.
type Summary struct {
	Elements int     `json:"elements"`
	Sampled  int     `json:"sampled"`
	NaN      int     `json:"nan"`
	Inf      int     `json:"inf"`
	Zeros    int     `json:"zeros"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Std      float64 `json:"std"`
	RMS      float64 `json:"rms"`
}

// Compute looks at up to samples values taken at an even stride; samples <= 0
// means every value.
func Compute(values []float32, samples int) Summary {
	s := Summary{Elements: len(values)}
	stride := 1
	if samples > 0 && len(values) > samples {
		stride = (len(values) + samples - 1) / samples
	}

	finite := make([]float64, 0, (len(values)+stride-1)/stride)
	for i := 0; i < len(values); i += stride {
		v := float64(values[i])
		s.Sampled++
		switch {
		case math.IsNaN(v):
			s.NaN++
			continue
		case math.IsInf(v, 0):
			s.Inf++
			continue
		case v == 0:
			s.Zeros++
		}
		finite = append(finite, v)
	}

	if len(finite) == 0 {
		nan := math.NaN()
		s.Min, s.Max, s.Mean, s.Std, s.RMS = nan, nan, nan, nan, nan
		return s
	}
	s.Min = floats.Min(finite)
	s.Max = floats.Max(finite)
	if len(finite) == 1 {
		s.Mean, s.Std = finite[0], 0
	} else {
		s.Mean, s.Std = stat.MeanStdDev(finite, nil)
	}
	s.RMS = floats.Norm(finite, 2) / math.Sqrt(float64(len(finite)))
	return s
}

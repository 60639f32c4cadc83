package forward_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/layerscope/internal/forward"
	"github.com/samcharles93/layerscope/internal/loader"
	"github.com/samcharles93/layerscope/internal/model"
	"github.com/samcharles93/layerscope/internal/model/modeltest"
)

func loadLayer(t *testing.T, d modeltest.Dims, fill modeltest.FillFunc) (loader.ModelConfig, *model.LayerWeights) {
	t.Helper()
	ld, err := loader.OpenBytes(modeltest.Builder(d, fill).Bytes(), loader.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ld.Close() })
	w, err := model.LoadWeights(ld, []uint32{0}, model.LoadOptions{})
	require.NoError(t, err)
	return w.Config, &w.Layers[0]
}

func rmsNorm64(x []float64, eps float64) []float64 {
	var ss float64
	for _, v := range x {
		ss += v * v
	}
	inv := 1 / math.Sqrt(ss/float64(len(x))+eps)
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v * inv
	}
	return out
}

func silu64(z float64) float64 { return z / (1 + math.Exp(-z)) }

// With identity projections and unit norms, position 0 attends only to itself,
// so every head returns (xn0, xn1) and the block has a closed form.
func TestStepGoldenIdentity(t *testing.T) {
	dims := modeltest.Small()
	dims.Layers = 1
	ld, err := loader.OpenBytes(modeltest.Builder(dims, modeltest.Identity).Bytes(), loader.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ld.Close() })
	w, err := model.LoadWeights(ld, []uint32{0}, model.LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, uint32(1), w.Config.NLayers)

	e, err := forward.New(w.Config, forward.DefaultOptions())
	require.NoError(t, err)

	x := make([]float32, w.Config.DModel)
	require.NoError(t, model.GatherColumn(w.Global.TokenEmbd, 0, x))
	require.Equal(t, []float32{1, 0, 0, 0}, x)
	require.NoError(t, e.Step(&w.Layers[0], 0, x))

	in := []float64{1, 0, 0, 0}
	xn := rmsNorm64(in, 1e-5)
	mid := []float64{in[0] + xn[0], in[1] + xn[1], in[2] + xn[0], in[3] + xn[1]}
	xn2 := rmsNorm64(mid, 1e-5)
	for i := range x {
		want := mid[i] + silu64(xn2[i])*xn2[i]
		assert.InDelta(t, want, float64(x[i]), 1e-5, "x[%d]", i)
	}
	assert.Equal(t, 1, e.Len())

	// Position 0 leaves RoPE as the identity, so the cached key is (xn0, xn1).
	k := e.Cache().K(0, 0)
	assert.InDelta(t, xn[0], float64(k[0]), 1e-6)
	assert.InDelta(t, xn[1], float64(k[1]), 1e-6)
}

// reference is a direct float64 rendition of the block over a whole history.
type reference struct {
	d, heads, kvHeads, headDim, ffn int
	theta, eps                      float64
	layer                           *model.LayerWeights
	keys, vals                      [][]float64
}

func (r *reference) matvec(w []float32, x []float64, in, out int) []float64 {
	y := make([]float64, out)
	for j := range out {
		for i := range in {
			y[j] += float64(w[j*in+i]) * x[i]
		}
	}
	return y
}

func (r *reference) rope(v []float64, heads, pos int) {
	for h := range heads {
		for i := range r.headDim / 2 {
			a := float64(pos) * math.Pow(r.theta, -2*float64(i)/float64(r.headDim))
			x0, x1 := v[h*r.headDim+2*i], v[h*r.headDim+2*i+1]
			v[h*r.headDim+2*i] = x0*math.Cos(a) - x1*math.Sin(a)
			v[h*r.headDim+2*i+1] = x0*math.Sin(a) + x1*math.Cos(a)
		}
	}
}

func (r *reference) step(pos int, x []float64) []float64 {
	kv := r.kvHeads * r.headDim
	xn := rmsNorm64(x, r.eps)
	for i := range xn {
		xn[i] *= float64(r.layer.AttnNorm.Data[i])
	}
	q := r.matvec(r.layer.AttnQ.Data, xn, r.d, r.d)
	k := r.matvec(r.layer.AttnK.Data, xn, r.d, kv)
	v := r.matvec(r.layer.AttnV.Data, xn, r.d, kv)
	r.rope(q, r.heads, pos)
	r.rope(k, r.kvHeads, pos)
	r.keys = append(r.keys[:pos], k)
	r.vals = append(r.vals[:pos], v)

	att := make([]float64, r.d)
	group := r.heads / r.kvHeads
	for h := range r.heads {
		g := h / group
		scores := make([]float64, pos+1)
		maxv := math.Inf(-1)
		for t := range scores {
			for i := range r.headDim {
				scores[t] += q[h*r.headDim+i] * r.keys[t][g*r.headDim+i]
			}
			scores[t] /= math.Sqrt(float64(r.headDim))
			maxv = max(maxv, scores[t])
		}
		var sum float64
		for t := range scores {
			scores[t] = math.Exp(scores[t] - maxv)
			sum += scores[t]
		}
		for t := range scores {
			for i := range r.headDim {
				att[h*r.headDim+i] += scores[t] / sum * r.vals[t][g*r.headDim+i]
			}
		}
	}
	o := r.matvec(r.layer.AttnOutput.Data, att, r.d, r.d)
	mid := make([]float64, r.d)
	for i := range mid {
		mid[i] = x[i] + o[i]
	}

	xn2 := rmsNorm64(mid, r.eps)
	for i := range xn2 {
		xn2[i] *= float64(r.layer.FFNNorm.Data[i])
	}
	gate := r.matvec(r.layer.FFNGate.Data, xn2, r.d, r.ffn)
	up := r.matvec(r.layer.FFNUp.Data, xn2, r.d, r.ffn)
	for i := range gate {
		gate[i] = silu64(gate[i]) * up[i]
	}
	down := r.matvec(r.layer.FFNDown.Data, gate, r.ffn, r.d)
	out := make([]float64, r.d)
	for i := range out {
		out[i] = mid[i] + down[i]
	}
	return out
}

func TestStepMatchesReference(t *testing.T) {
	tests := []struct {
		name string
		dims modeltest.Dims
	}{
		{"grouped query", modeltest.Dims{Layers: 1, DModel: 8, Heads: 4, KVHeads: 2, FFN: 12, Vocab: 5, Context: 8, Theta: 10000, Eps: 1e-5}},
		{"one kv head per query head", modeltest.Dims{Layers: 1, DModel: 8, Heads: 2, KVHeads: 2, FFN: 6, Vocab: 5, Context: 8, Theta: 500, Eps: 1e-6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, layer := loadLayer(t, tt.dims, wavy)
			e, err := forward.New(cfg, forward.DefaultOptions())
			require.NoError(t, err)

			ref := &reference{
				d: int(cfg.DModel), heads: int(cfg.NHeads), kvHeads: int(cfg.NKVHeads),
				headDim: int(cfg.HeadDim), ffn: int(cfg.FFNHiddenDim),
				theta: float64(cfg.RopeTheta), eps: float64(cfg.RMSEpsilon), layer: layer,
			}
			for pos := range 4 {
				x := make([]float32, cfg.DModel)
				xr := make([]float64, cfg.DModel)
				for i := range x {
					x[i] = float32(math.Sin(float64(pos*7 + i + 1)))
					xr[i] = float64(x[i])
				}
				require.NoError(t, e.Step(layer, uint32(pos), x))
				want := ref.step(pos, xr)
				for i := range x {
					assert.InDelta(t, want[i], float64(x[i]), 1e-4, "pos %d x[%d]", pos, i)
				}
			}
			assert.Equal(t, 4, e.Len())
		})
	}
}

// wavy gives every tensor distinct, bounded values.
func wavy(name string, dims []uint64) []float32 {
	n := uint64(1)
	for _, d := range dims {
		n *= d
	}
	seed := float64(len(name))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Cos(seed+float64(i)*0.37))
	}
	if len(dims) == 1 {
		for i := range out {
			out[i] += 1
		}
	}
	return out
}

func TestStepRange(t *testing.T) {
	cfg, layer := loadLayer(t, modeltest.Small(), modeltest.Identity)
	e, err := forward.New(cfg, forward.Options{MaxSeq: 2})
	require.NoError(t, err)
	require.Equal(t, 2, e.MaxSeq())

	x := []float32{1, 2, 3, 4}
	require.NoError(t, e.Step(layer, 0, x))
	require.NoError(t, e.Step(layer, 1, x))

	err = e.Step(layer, 2, x)
	require.ErrorIs(t, err, forward.ErrRange)
	require.ErrorIs(t, err, model.ErrRange)
}

func TestStepFailureLeavesStateUntouched(t *testing.T) {
	cfg, layer := loadLayer(t, modeltest.Small(), modeltest.Identity)
	e, err := forward.New(cfg, forward.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, e.Step(layer, 0, []float32{1, 2, 3, 4}))
	cached := append([]float32(nil), e.Cache().K(0, 0)...)

	short := *layer
	short.FFNDown = layer.AttnQ

	tests := []struct {
		name  string
		layer *model.LayerWeights
		pos   uint32
		x     []float32
		want  error
	}{
		{"past max seq", layer, 16, []float32{5, 6, 7, 8}, forward.ErrRange},
		{"short activation", layer, 1, []float32{5, 6, 7}, model.ErrShapeMismatch},
		{"nil layer", nil, 1, []float32{5, 6, 7, 8}, model.ErrShapeMismatch},
		{"wrong weight size", &short, 0, []float32{5, 6, 7, 8}, model.ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := append([]float32(nil), tt.x...)
			require.ErrorIs(t, e.Step(tt.layer, tt.pos, x), tt.want)
			assert.Equal(t, tt.x, x)
			assert.Equal(t, 1, e.Len())
			assert.Equal(t, cached, e.Cache().K(0, 0))
		})
	}
}

// A first step past position 0 attends over zero rows for the skipped
// positions, exactly as if they had been cached as zeros.
func TestStepNonContiguousFirstPosition(t *testing.T) {
	cfg, layer := loadLayer(t, modeltest.Dims{Layers: 1, DModel: 8, Heads: 4, KVHeads: 2, FFN: 12, Vocab: 5, Context: 16, Theta: 10000, Eps: 1e-5}, wavy)
	e, err := forward.New(cfg, forward.DefaultOptions())
	require.NoError(t, err)

	ref := &reference{
		d: int(cfg.DModel), heads: int(cfg.NHeads), kvHeads: int(cfg.NKVHeads),
		headDim: int(cfg.HeadDim), ffn: int(cfg.FFNHiddenDim),
		theta: float64(cfg.RopeTheta), eps: float64(cfg.RMSEpsilon), layer: layer,
	}
	kv := int(cfg.NKVHeads * cfg.HeadDim)
	for range 3 {
		ref.keys = append(ref.keys, make([]float64, kv))
		ref.vals = append(ref.vals, make([]float64, kv))
	}

	x := make([]float32, cfg.DModel)
	xr := make([]float64, cfg.DModel)
	for i := range x {
		x[i] = float32(math.Cos(float64(i + 1)))
		xr[i] = float64(x[i])
	}
	require.NoError(t, e.Step(layer, 3, x))
	assert.Equal(t, 4, e.Len())

	want := ref.step(3, xr)
	for i := range x {
		assert.InDelta(t, want[i], float64(x[i]), 1e-4, "x[%d]", i)
	}
	zero := make([]float32, cfg.HeadDim)
	for h := range int(cfg.NKVHeads) {
		for pos := range 3 {
			assert.Equal(t, zero, e.Cache().K(h, pos), "K(%d, %d)", h, pos)
			assert.Equal(t, zero, e.Cache().V(h, pos), "V(%d, %d)", h, pos)
		}
	}
}

func TestStepRewindAndReset(t *testing.T) {
	cfg, layer := loadLayer(t, modeltest.Small(), modeltest.Identity)
	e, err := forward.New(cfg, forward.DefaultOptions())
	require.NoError(t, err)

	first := []float32{1, 2, 3, 4}
	require.NoError(t, e.Step(layer, 0, first))
	require.NoError(t, e.Step(layer, 1, []float32{4, 3, 2, 1}))
	require.Equal(t, 2, e.Len())

	again := []float32{1, 2, 3, 4}
	require.NoError(t, e.Step(layer, 0, again))
	assert.Equal(t, 1, e.Len())
	assert.Equal(t, first, again)

	e.Reset()
	assert.Equal(t, 0, e.Len())
	assert.Equal(t, []float32{0, 0}, e.Cache().K(0, 0))
}

func TestNewMaxSeq(t *testing.T) {
	cfg, _ := loadLayer(t, modeltest.Small(), nil)

	e, err := forward.New(cfg, forward.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 16, e.MaxSeq())

	cfg.ContextLength = 0
	e, err = forward.New(cfg, forward.Options{})
	require.NoError(t, err)
	assert.Equal(t, forward.DefaultMaxSeq, e.MaxSeq())

	e, err = forward.New(cfg, forward.Options{DefaultMaxSeq: 64})
	require.NoError(t, err)
	assert.Equal(t, 64, e.MaxSeq())
}

func TestNewDefaultsRope(t *testing.T) {
	cfg, _ := loadLayer(t, modeltest.Small(), nil)
	cfg.RopeDim, cfg.RopeTheta = 0, 0

	e, err := forward.New(cfg, forward.Options{})
	require.NoError(t, err)
	assert.Equal(t, int(cfg.HeadDim), e.RoPE().Dim)
	assert.Equal(t, float64(forward.DefaultRopeTheta), e.RoPE().Theta)
}

func TestNewConfigErrors(t *testing.T) {
	base, _ := loadLayer(t, modeltest.Small(), nil)
	tests := []struct {
		name   string
		mutate func(*loader.ModelConfig)
	}{
		{"zero kv heads", func(c *loader.ModelConfig) { c.NKVHeads = 0 }},
		{"zero ffn", func(c *loader.ModelConfig) { c.FFNHiddenDim = 0 }},
		{"heads not a multiple of kv heads", func(c *loader.ModelConfig) { c.NHeads, c.NKVHeads, c.DModel = 3, 2, 6 }},
		{"odd rope dim", func(c *loader.ModelConfig) { c.RopeDim = 1 }},
		{"rope dim past head dim", func(c *loader.ModelConfig) { c.RopeDim = 4 }},
		{"negative theta", func(c *loader.ModelConfig) { c.RopeTheta = -1 }},
		{"heads times head dim", func(c *loader.ModelConfig) { c.HeadDim = 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := forward.New(cfg, forward.DefaultOptions())
			require.ErrorIs(t, err, forward.ErrConfig)
		})
	}
}

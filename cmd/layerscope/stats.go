package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/layerscope/internal/gguf"
	"github.com/samcharles93/layerscope/internal/loader"
	"github.com/samcharles93/layerscope/internal/logger"
	"github.com/samcharles93/layerscope/internal/model"
	"github.com/samcharles93/layerscope/internal/tensor"
	"github.com/samcharles93/layerscope/internal/tensorstat"
)

type tensorStats struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Dims     []uint64 `json:"dims"`
	Elements int      `json:"elements"`
	Sampled  int      `json:"sampled"`
	NaN      int      `json:"nan"`
	Inf      int      `json:"inf"`
	Zeros    int      `json:"zeros"`
	Min      *float64 `json:"min"`
	Max      *float64 `json:"max"`
	Mean     *float64 `json:"mean"`
	Std      *float64 `json:"std"`
	RMS      *float64 `json:"rms"`
	Skipped  string   `json:"skipped,omitempty"`

	summary tensorstat.Summary
}

func newTensorStats(name, typ string, dims []uint64, s tensorstat.Summary) tensorStats {
	return tensorStats{
		Name: name, Type: typ, Dims: dims,
		Elements: s.Elements, Sampled: s.Sampled,
		NaN: s.NaN, Inf: s.Inf, Zeros: s.Zeros,
		Min: finite(s.Min), Max: finite(s.Max),
		Mean: finite(s.Mean), Std: finite(s.Std), RMS: finite(s.RMS),
		summary: s,
	}
}

type statsReport struct {
	Config  *loader.ModelConfig `json:"config,omitempty"`
	Tensors []tensorStats       `json:"tensors"`
	// Column is the embedding column gathered for the sanity check.
	Column *tensorStats `json:"column,omitempty"`
}

// statJob yields one decoded tensor. Weight mode hands over tensors that are
// already materialized; tensor mode decodes inside the worker.
type statJob struct {
	name string
	typ  string
	dims []uint64
	load func() (*tensor.TensorF32, error)
}

func statsCmd(g *globalOptions) *cli.Command {
	var (
		modelPath string
		names     []string
		layers    string
		lmHead    bool
		tieOutput bool
		token     int
		samples   int
		workers   int
	)

	return &cli.Command{
		Name:  "stats",
		Usage: "Materialize weights and print summary statistics per tensor",
		Flags: []cli.Flag{
			modelFlag(&modelPath),
			&cli.StringFlag{Name: "layer", Aliases: []string{"l"}, Usage: "comma separated layer indices", Value: "0", Destination: &layers},
			&cli.BoolFlag{Name: "lm-head", Usage: "also load output_norm and output projection", Destination: &lmHead},
			tieOutputFlag(&tieOutput),
			&cli.IntFlag{Name: "token", Usage: "embedding column for the gather check", Value: 0, Destination: &token},
			&cli.StringSliceFlag{Name: "tensor", Aliases: []string{"t"}, Usage: "decode named tensors instead of layer weights (repeatable)", Destination: &names},
			&cli.IntFlag{Name: "samples", Usage: "values sampled per tensor (0 = all)", Value: 65536, Destination: &samples},
			&cli.IntFlag{Name: "workers", Usage: "tensors summarized concurrently", Value: runtime.NumCPU(), Destination: &workers},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			applyStatsConfig(c, g.cfg, &samples, &workers)

			ld, err := loader.Open(modelPath, loader.Options{Parse: gguf.DefaultParseOptions(), Logger: g.log})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open model: %v", err), 1)
			}
			defer func() { _ = ld.Close() }()

			var rep statsReport
			var jobs []statJob
			if len(names) > 0 {
				jobs, err = tensorJobs(ld, names, g.alignment)
			} else {
				var idx []uint32
				if idx, err = parseIndices(layers); err != nil {
					return cli.Exit(fmt.Sprintf("error: --layer: %v", err), 1)
				}
				var w *model.Weights
				w, err = model.LoadWeights(ld, idx, model.LoadOptions{LMHead: lmHead, TieOutput: tieOutput, Alignment: g.alignment, Logger: g.log})
				if err == nil {
					rep.Config = &w.Config
					jobs = weightJobs(ld, w)
					rep.Column, err = gatherCheck(w, token, samples)
				}
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if rep.Tensors, err = collectStats(ctx, jobs, samples, workers); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			w := outWriter(c)
			if g.output == outputJSON {
				return writeJSON(w, rep)
			}
			printStats(w, rep)
			return nil
		},
	}
}

func tensorJobs(ld *loader.Loader, names []string, alignment int) ([]statJob, error) {
	jobs := make([]statJob, 0, len(names))
	for _, name := range names {
		view, err := ld.Tensor(name)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, statJob{
			name: name,
			typ:  view.Type.String(),
			dims: view.Dims,
			load: func() (*tensor.TensorF32, error) { return model.LoadTensorF32(ld, name, alignment) },
		})
	}
	return jobs, nil
}

// weightJobs reports materialized tensors under their on-disk type.
func weightJobs(ld *loader.Loader, w *model.Weights) []statJob {
	var jobs []statJob
	add := func(name string, t *tensor.TensorF32) {
		if t == nil {
			return
		}
		typ := "F32"
		if view, err := ld.Tensor(name); err == nil {
			typ = view.Type.String()
		}
		jobs = append(jobs, statJob{
			name: name,
			typ:  typ,
			dims: t.Dims,
			load: func() (*tensor.TensorF32, error) { return t, nil },
		})
	}
	add(model.TokenEmbedding, w.Global.TokenEmbd)
	add(model.OutputNorm, w.Global.OutputNorm)
	if !w.Global.OutputTied {
		add(model.Output, w.Global.Output)
	}
	for i := range w.Layers {
		lw := &w.Layers[i]
		for _, e := range []struct {
			suffix string
			t      *tensor.TensorF32
		}{
			{model.AttnNorm, lw.AttnNorm},
			{model.AttnQ, lw.AttnQ},
			{model.AttnK, lw.AttnK},
			{model.AttnV, lw.AttnV},
			{model.AttnOutput, lw.AttnOutput},
			{model.FFNNorm, lw.FFNNorm},
			{model.FFNGate, lw.FFNGate},
			{model.FFNUp, lw.FFNUp},
			{model.FFNDown, lw.FFNDown},
		} {
			add(model.BlockTensor(lw.Index, e.suffix), e.t)
		}
	}
	return jobs
}

func gatherCheck(w *model.Weights, token, samples int) (*tensorStats, error) {
	if token < 0 || uint64(token) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: token %d", model.ErrRange, token)
	}
	col := make([]float32, w.Config.DModel)
	if err := model.GatherColumn(w.Global.TokenEmbd, uint32(token), col); err != nil {
		return nil, err
	}
	s := newTensorStats(fmt.Sprintf("%s[:, %d]", model.TokenEmbedding, token), "F32",
		[]uint64{uint64(len(col))}, tensorstat.Compute(col, samples))
	return &s, nil
}

// collectStats summarizes jobs with at most workers in flight. Tensors whose
// type has no codec are reported as skipped.
func collectStats(ctx context.Context, jobs []statJob, samples, workers int) ([]tensorStats, error) {
	log := logger.FromContext(ctx)
	results := make([]tensorStats, len(jobs))

	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(max(workers, 1))
	for i, job := range jobs {
		grp.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := job.load()
			switch {
			case errors.Is(err, gguf.ErrUnsupportedType), errors.Is(err, gguf.ErrShape):
				log.Warn("skipping tensor", "name", job.name, "type", job.typ, "err", err)
				results[i] = tensorStats{Name: job.name, Type: job.typ, Dims: job.dims, Skipped: err.Error()}
				return nil
			case err != nil:
				return err
			}
			s := tensorstat.Compute(t.Data, samples)
			results[i] = newTensorStats(job.name, job.typ, job.dims, s)
			log.Debug("tensor stats", "name", job.name, "elements", s.Elements, "nan", s.NaN, "inf", s.Inf)
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func printStats(w io.Writer, rep statsReport) {
	table := newTable(w, []string{"NAME", "TYPE", "DIMS", "SAMPLED", "MIN", "MAX", "MEAN", "STD", "NAN", "INF"})
	row := func(r tensorStats) []string {
		if r.Skipped != "" {
			return []string{r.Name, r.Type, formatDims(r.Dims), "skipped", "", "", "", "", "", ""}
		}
		s := r.summary
		return []string{
			r.Name, r.Type, formatDims(r.Dims), strconv.Itoa(s.Sampled),
			formatFloat(s.Min), formatFloat(s.Max), formatFloat(s.Mean), formatFloat(s.Std),
			strconv.Itoa(s.NaN), strconv.Itoa(s.Inf),
		}
	}
	for _, r := range rep.Tensors {
		table.Append(row(r))
	}
	if rep.Column != nil {
		table.Append(row(*rep.Column))
	}
	table.Render()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/layerscope/internal/forward"
	"github.com/samcharles93/layerscope/internal/gguf"
	"github.com/samcharles93/layerscope/internal/loader"
	"github.com/samcharles93/layerscope/internal/logger"
	"github.com/samcharles93/layerscope/internal/logits"
	"github.com/samcharles93/layerscope/internal/model"
	"github.com/samcharles93/layerscope/internal/tensorstat"
	"github.com/samcharles93/layerscope/internal/tokenizer"
)

type stepPosition struct {
	Pos  uint32    `json:"pos"`
	RMS  *float64  `json:"rms"`
	Head []float32 `json:"head"`
}

type stepReport struct {
	Layer     uint32         `json:"layer"`
	Token     uint32         `json:"token"`
	MaxSeq    int            `json:"max_seq"`
	Positions []stepPosition `json:"positions"`
	// Final is the activation after the last position.
	Final tensorStats `json:"final"`
	Head  []float32   `json:"head"`
	// OutputTied reports that the LM head reused the token embedding.
	OutputTied bool `json:"output_tied,omitempty"`
	// Top ranks the LM head logits of the final activation.
	Top []topToken `json:"top,omitempty"`
}

type topToken struct {
	logits.Candidate
	Piece string `json:"piece,omitempty"`
}

type stepParams struct {
	layer, token, pos uint32
	maxSeq            uint32
	head              int
	alignment         int
	lmHead            bool
	tieOutput         bool
	top               int
}

// setIndices range-checks the integer flags into p.
func (p *stepParams) setIndices(layer, token, pos, maxSeq int) error {
	for _, f := range []struct {
		name string
		v    int
		dst  *uint32
	}{
		{"layer", layer, &p.layer},
		{"token", token, &p.token},
		{"pos", pos, &p.pos},
		{"max-seq", maxSeq, &p.maxSeq},
	} {
		if f.v < 0 || uint64(f.v) > uint64(^uint32(0)) {
			return cli.Exit(fmt.Sprintf("error: --%s %d out of range", f.name, f.v), 1)
		}
		*f.dst = uint32(f.v)
	}
	return nil
}

func stepCmd(g *globalOptions) *cli.Command {
	var (
		modelPath string
		layer     int
		token     int
		pos       int
		maxSeq    int
		head      int
		lmHead    bool
		tieOutput bool
		top       int
	)

	return &cli.Command{
		Name:  "step",
		Usage: "Run one decoder layer for a token over positions 0..pos",
		Flags: []cli.Flag{
			modelFlag(&modelPath),
			&cli.IntFlag{Name: "layer", Aliases: []string{"l"}, Usage: "layer index", Value: 0, Destination: &layer},
			&cli.IntFlag{Name: "token", Usage: "token id whose embedding column is fed", Value: 0, Destination: &token},
			&cli.IntFlag{Name: "pos", Usage: "last position to step (every position up to it is a causal step)", Value: 0, Destination: &pos},
			&cli.IntFlag{Name: "max-seq", Usage: "kv cache length (0 = context length)", Value: 0, Destination: &maxSeq},
			&cli.IntFlag{Name: "head", Usage: "number of leading activation values to print", Value: 8, Destination: &head},
			&cli.BoolFlag{Name: "lm-head", Usage: "project the final activation through the LM head", Destination: &lmHead},
			tieOutputFlag(&tieOutput),
			&cli.IntFlag{Name: "top", Usage: "logits to rank with --lm-head", Value: 5, Destination: &top},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			applyStepConfig(c, g.cfg, &maxSeq, &head)

			p := stepParams{head: head, alignment: g.alignment, lmHead: lmHead, tieOutput: tieOutput, top: top}
			if err := p.setIndices(layer, token, pos, maxSeq); err != nil {
				return err
			}

			ld, err := loader.Open(modelPath, loader.Options{Parse: gguf.DefaultParseOptions(), Logger: g.log})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open model: %v", err), 1)
			}
			defer func() { _ = ld.Close() }()

			rep, err := runStep(ctx, ld, p)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			w := outWriter(c)
			if g.output == outputJSON {
				return writeJSON(w, rep)
			}
			printStep(w, rep)
			return nil
		},
	}
}

// stepTrace keeps the raw vectors behind a step report.
type stepTrace struct {
	report stepReport
	acts   [][]float32
	scores []float32
}

func runStep(ctx context.Context, ld *loader.Loader, p stepParams) (stepReport, error) {
	tr, err := traceStep(ctx, ld, p)
	if err != nil {
		return stepReport{}, err
	}
	return tr.report, nil
}

// traceStep feeds the same embedding column at every position 0..p.pos.
func traceStep(ctx context.Context, ld *loader.Loader, p stepParams) (stepTrace, error) {
	log := logger.FromContext(ctx)
	w, err := model.LoadWeights(ld, []uint32{p.layer}, model.LoadOptions{LMHead: p.lmHead, TieOutput: p.tieOutput, Alignment: p.alignment, Logger: log})
	if err != nil {
		return stepTrace{}, err
	}
	eng, err := forward.New(w.Config, forward.Options{MaxSeq: p.maxSeq, Logger: log})
	if err != nil {
		return stepTrace{}, err
	}
	lw := &w.Layers[0]

	tr := stepTrace{report: stepReport{Layer: p.layer, Token: p.token, MaxSeq: eng.MaxSeq()}}
	rep := &tr.report
	x := make([]float32, w.Config.DModel)
	for pos := uint32(0); pos <= p.pos; pos++ {
		if err := ctx.Err(); err != nil {
			return stepTrace{}, err
		}
		if err := model.GatherColumn(w.Global.TokenEmbd, p.token, x); err != nil {
			return stepTrace{}, err
		}
		if err := eng.Step(lw, pos, x); err != nil {
			return stepTrace{}, err
		}
		tr.acts = append(tr.acts, append([]float32(nil), x...))
		rep.Positions = append(rep.Positions, stepPosition{
			Pos:  pos,
			RMS:  finite(tensorstat.Compute(x, 0).RMS),
			Head: headOf(x, p.head),
		})
		if pos == ^uint32(0) {
			break
		}
	}
	rep.Final = newTensorStats("activation", "F32", []uint64{uint64(len(x))}, tensorstat.Compute(x, 0))
	rep.Head = headOf(x, p.head)
	if p.lmHead {
		tr.scores, err = logits.Project(w.Global, x, w.Config.RMSEpsilon)
		if err != nil {
			return stepTrace{}, err
		}
		rep.OutputTied = w.Global.OutputTied
		rep.Top = rankTokens(ld, log, logits.TopK(tr.scores, p.top))
	}
	log.Info("step complete", "layer", p.layer, "token", p.token, "positions", len(rep.Positions))
	return tr, nil
}

// rankTokens attaches vocabulary pieces when the container carries them.
func rankTokens(ld *loader.Loader, log logger.Logger, cands []logits.Candidate) []topToken {
	vocab, err := tokenizer.FromLoader(ld)
	if err != nil && !errors.Is(err, tokenizer.ErrNoVocab) {
		log.Warn("vocabulary unavailable", "error", err)
	}
	out := make([]topToken, len(cands))
	for i, c := range cands {
		out[i] = topToken{Candidate: c}
		if err == nil {
			out[i].Piece, _ = vocab.Decode([]int{c.ID})
		}
	}
	return out
}

func headOf(x []float32, n int) []float32 {
	n = min(max(n, 0), len(x))
	return append([]float32(nil), x[:n]...)
}

func printStep(w io.Writer, rep stepReport) {
	table := newTable(w, []string{"POS", "RMS", "HEAD"})
	for _, p := range rep.Positions {
		rms := "-"
		if p.RMS != nil {
			rms = formatFloat(*p.RMS)
		}
		table.Append([]string{strconv.FormatUint(uint64(p.Pos), 10), rms, formatValues(p.Head)})
	}
	table.Render()

	s := rep.Final.summary
	_, _ = fmt.Fprintln(w)
	section(w, "Final activation", [][]string{
		{"layer", strconv.FormatUint(uint64(rep.Layer), 10)},
		{"token", strconv.FormatUint(uint64(rep.Token), 10)},
		{"max_seq", strconv.Itoa(rep.MaxSeq)},
		{"min", formatFloat(s.Min)},
		{"max", formatFloat(s.Max)},
		{"mean", formatFloat(s.Mean)},
		{"std", formatFloat(s.Std)},
		{"nan/inf", fmt.Sprintf("%d/%d", s.NaN, s.Inf)},
		{"head", formatValues(rep.Head)},
	})

	if len(rep.Top) > 0 {
		_, _ = fmt.Fprintln(w)
		if rep.OutputTied {
			_, _ = fmt.Fprintln(w, "LM head tied to token_embd.weight")
		}
		top := newTable(w, []string{"TOKEN", "PIECE", "LOGIT", "PROB"})
		for _, c := range rep.Top {
			top.Append([]string{strconv.Itoa(c.ID), strconv.Quote(c.Piece), formatFloat(float64(c.Logit)), formatFloat(c.Prob)})
		}
		top.Render()
	}
}

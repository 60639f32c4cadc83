package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/layerscope/internal/gguf"
	"github.com/samcharles93/layerscope/internal/loader"
	"github.com/samcharles93/layerscope/internal/logits"
)

type diffPosition struct {
	Pos uint32 `json:"pos"`
	logits.Diff
}

type diffReport struct {
	Reference string             `json:"reference"`
	Candidate string             `json:"candidate"`
	Layer     uint32             `json:"layer"`
	Token     uint32             `json:"token"`
	Positions []diffPosition     `json:"positions"`
	Summary   logits.DiffSummary `json:"summary"`
	Logits    *logits.Diff       `json:"logits,omitempty"`
}

func diffCmd(g *globalOptions) *cli.Command {
	var (
		refPath  string
		candPath string
		layer    int
		token    int
		pos      int
		maxSeq   int
		lmHead   bool
		tie      bool
		top      int
	)

	return &cli.Command{
		Name:  "diff",
		Usage: "Compare one layer step between two containers of the same model",
		Flags: []cli.Flag{
			modelFlag(&refPath),
			&cli.StringFlag{Name: "against", Aliases: []string{"b"}, Usage: "candidate GGUF file compared with --model", Required: true, Destination: &candPath},
			&cli.IntFlag{Name: "layer", Aliases: []string{"l"}, Usage: "layer index", Value: 0, Destination: &layer},
			&cli.IntFlag{Name: "token", Usage: "token id whose embedding column is fed", Value: 0, Destination: &token},
			&cli.IntFlag{Name: "pos", Usage: "last position to step", Value: 0, Destination: &pos},
			&cli.IntFlag{Name: "max-seq", Usage: "kv cache length (0 = context length)", Value: 0, Destination: &maxSeq},
			&cli.BoolFlag{Name: "lm-head", Usage: "also compare LM head logits of the final activation", Destination: &lmHead},
			tieOutputFlag(&tie),
			&cli.IntFlag{Name: "top", Usage: "top-k overlap width", Value: 5, Destination: &top},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			var head int
			applyStepConfig(c, g.cfg, &maxSeq, &head)

			p := stepParams{alignment: g.alignment, lmHead: lmHead, tieOutput: tie, top: top}
			if err := p.setIndices(layer, token, pos, maxSeq); err != nil {
				return err
			}

			rep, err := runDiff(ctx, g, refPath, candPath, p)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			w := outWriter(c)
			if g.output == outputJSON {
				return writeJSON(w, rep)
			}
			printDiff(w, rep)
			return nil
		},
	}
}

// runDiff traces both containers concurrently and compares position by position.
func runDiff(ctx context.Context, g *globalOptions, refPath, candPath string, p stepParams) (diffReport, error) {
	paths := [2]string{refPath, candPath}
	var traces [2]stepTrace

	eg, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		eg.Go(func() error {
			ld, err := loader.Open(path, loader.Options{Parse: gguf.DefaultParseOptions(), Logger: g.log})
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer func() { _ = ld.Close() }()
			tr, err := traceStep(ctx, ld, p)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			traces[i] = tr
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return diffReport{}, err
	}

	ref, cand := traces[0], traces[1]
	if len(ref.acts) == 0 || len(cand.acts) == 0 || len(ref.acts[0]) != len(cand.acts[0]) {
		return diffReport{}, errors.New("activation widths differ")
	}
	rep := diffReport{Reference: refPath, Candidate: candPath, Layer: p.layer, Token: p.token}
	for i := range ref.acts {
		d := logits.Compare(ref.acts[i], cand.acts[i], p.top)
		rep.Positions = append(rep.Positions, diffPosition{Pos: uint32(i), Diff: d})
		rep.Summary.Add(d)
	}
	if p.lmHead {
		if len(ref.scores) != len(cand.scores) {
			return diffReport{}, fmt.Errorf("vocabulary sizes differ: %d vs %d", len(ref.scores), len(cand.scores))
		}
		d := logits.Compare(ref.scores, cand.scores, p.top)
		rep.Logits = &d
	}
	g.log.Info("diff complete", "positions", len(rep.Positions), "max_abs", rep.Summary.MaxAbs)
	return rep, nil
}

func printDiff(w io.Writer, rep diffReport) {
	table := newTable(w, []string{"POS", "MAX ABS", "MEAN ABS", "RMSE", "COSINE"})
	for _, p := range rep.Positions {
		table.Append([]string{
			strconv.FormatUint(uint64(p.Pos), 10),
			formatFloat(p.MaxAbs),
			formatFloat(p.MeanAbs),
			formatFloat(p.RMSE),
			formatFloat(p.Cosine),
		})
	}
	table.Render()

	s := rep.Summary
	_, _ = fmt.Fprintln(w)
	section(w, "Summary", [][]string{
		{"reference", rep.Reference},
		{"candidate", rep.Candidate},
		{"layer", strconv.FormatUint(uint64(rep.Layer), 10)},
		{"positions", strconv.Itoa(s.Count)},
		{"max_abs", formatFloat(s.MaxAbs)},
		{"mean_abs", formatFloat(s.MeanAbs)},
		{"rmse", formatFloat(s.RMSE)},
		{"cosine", formatFloat(s.Cosine)},
	})

	if l := rep.Logits; l != nil {
		_, _ = fmt.Fprintln(w)
		section(w, "Logits", [][]string{
			{"max_abs", formatFloat(l.MaxAbs)},
			{"rmse", formatFloat(l.RMSE)},
			{"cosine", formatFloat(l.Cosine)},
			{"top1", fmt.Sprintf("%d vs %d", l.Top1A, l.Top1B)},
			{"top1_match", strconv.FormatBool(l.Top1Match)},
			{"top_overlap", strconv.Itoa(l.TopOverlap)},
		})
	}
}

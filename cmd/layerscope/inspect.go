package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/layerscope/internal/gguf"
	"github.com/samcharles93/layerscope/internal/loader"
)

type kvRow struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type tokenizerSummary struct {
	Model  string  `json:"model"`
	Tokens uint64  `json:"tokens"`
	BOS    *uint32 `json:"bos_token_id,omitempty"`
	EOS    *uint32 `json:"eos_token_id,omitempty"`
}

type inspectReport struct {
	Path       string                `json:"path"`
	Version    uint32                `json:"version"`
	Size       uint64                `json:"size"`
	Alignment  uint64                `json:"alignment"`
	DataOffset uint64                `json:"data_offset"`
	Config     loader.ModelConfig    `json:"config"`
	Tokenizer  *tokenizerSummary     `json:"tokenizer,omitempty"`
	Metadata   []kvRow               `json:"metadata,omitempty"`
	Types      []loader.TypeCount    `json:"types"`
	Tensors    []loader.CatalogEntry `json:"tensors,omitempty"`
	TotalBytes uint64                `json:"total_bytes"`
}

func inspectCmd(g *globalOptions) *cli.Command {
	var (
		modelPath    string
		showAll      bool
		showKV       bool
		showTensors  bool
		tensorLimit  int
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the header, metadata and tensor catalog of a GGUF file",
		Flags: []cli.Flag{
			modelFlag(&modelPath),
			&cli.BoolFlag{Name: "all", Usage: "show metadata and every tensor", Destination: &showAll},
			&cli.BoolFlag{Name: "kv", Usage: "list metadata entries", Destination: &showKV},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensor catalog", Destination: &showTensors},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if showAll {
				showKV = true
				showTensors = true
				if tensorLimit == 50 {
					tensorLimit = 0
				}
			}

			ld, err := loader.Open(modelPath, loader.Options{Parse: gguf.DefaultParseOptions(), Logger: g.log})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open model: %v", err), 1)
			}
			defer func() { _ = ld.Close() }()

			rep := buildInspectReport(ld, showKV, showTensors, tensorFilter, tensorLimit)
			g.log.Debug("inspected container", "path", modelPath, "tensors", len(ld.File().Tensors))

			w := outWriter(c)
			if g.output == outputJSON {
				return writeJSON(w, rep)
			}
			printInspect(w, rep, showKV, showTensors)
			return nil
		},
	}
}

func buildInspectReport(ld *loader.Loader, withKV, withTensors bool, filter string, limit int) inspectReport {
	f := ld.File()
	cat := ld.Catalog()
	rep := inspectReport{
		Path:       ld.Path(),
		Version:    f.Header.Version,
		Size:       f.Size,
		Alignment:  f.Alignment,
		DataOffset: f.DataOffset,
		Config:     ld.Config(),
		Types:      cat.Types,
		TotalBytes: cat.TotalBytes,
	}
	rep.Tokenizer = summarizeTokenizer(ld)
	if withKV {
		for _, kv := range f.KV {
			rep.Metadata = append(rep.Metadata, kvRow{Key: kv.Key, Type: kv.Value.Type().String(), Value: kv.Value.String()})
		}
	}
	if withTensors {
		rep.Tensors = cat.Filter(filter)
		if limit > 0 && len(rep.Tensors) > limit {
			rep.Tensors = rep.Tensors[:limit]
		}
	}
	return rep
}

func summarizeTokenizer(ld *loader.Loader) *tokenizerSummary {
	name, ok := ld.String("tokenizer.ggml.model")
	if !ok {
		return nil
	}
	ts := &tokenizerSummary{Model: name}
	if v, ok := ld.Value("tokenizer.ggml.tokens"); ok {
		if arr, ok := v.Array(); ok {
			ts.Tokens = arr.Len
		}
	}
	if id, ok := ld.Uint32("tokenizer.ggml.bos_token_id"); ok {
		ts.BOS = &id
	}
	if id, ok := ld.Uint32("tokenizer.ggml.eos_token_id"); ok {
		ts.EOS = &id
	}
	return ts
}

func printInspect(w io.Writer, rep inspectReport, withKV, withTensors bool) {
	u := func(v uint32) string { return strconv.FormatUint(uint64(v), 10) }
	section(w, "Container", [][]string{
		{"path", rep.Path},
		{"version", u(rep.Version)},
		{"size", formatBytes(rep.Size)},
		{"alignment", strconv.FormatUint(rep.Alignment, 10)},
		{"data offset", strconv.FormatUint(rep.DataOffset, 10)},
		{"tensor bytes", formatBytes(rep.TotalBytes)},
	})

	cfg := rep.Config
	section(w, "Model", [][]string{
		{"architecture", cfg.Architecture},
		{"layers", u(cfg.NLayers)},
		{"d_model", u(cfg.DModel)},
		{"heads", u(cfg.NHeads)},
		{"kv heads", u(cfg.NKVHeads)},
		{"head_dim", u(cfg.HeadDim)},
		{"kv_dim", u(cfg.KVDim)},
		{"ffn", u(cfg.FFNHiddenDim)},
		{"vocab", u(cfg.VocabSize)},
		{"context", u(cfg.ContextLength)},
		{"rope dim", u(cfg.RopeDim)},
		{"rope theta", formatFloat(float64(cfg.RopeTheta))},
		{"rms eps", formatFloat(float64(cfg.RMSEpsilon))},
	})

	if ts := rep.Tokenizer; ts != nil {
		rows := [][]string{{"model", ts.Model}, {"tokens", strconv.FormatUint(ts.Tokens, 10)}}
		if ts.BOS != nil {
			rows = append(rows, []string{"bos", u(*ts.BOS)})
		}
		if ts.EOS != nil {
			rows = append(rows, []string{"eos", u(*ts.EOS)})
		}
		section(w, "Tokenizer", rows)
	}

	types := newTable(w, []string{"TYPE", "TENSORS", "SIZE"})
	for _, tc := range rep.Types {
		types.Append([]string{tc.Type, strconv.Itoa(tc.Count), formatBytes(tc.Bytes)})
	}
	types.Render()

	if withKV {
		_, _ = fmt.Fprintln(w)
		kv := newTable(w, []string{"KEY", "TYPE", "VALUE"})
		for _, r := range rep.Metadata {
			kv.Append([]string{r.Key, r.Type, r.Value})
		}
		kv.Render()
	}

	if withTensors {
		_, _ = fmt.Fprintln(w)
		tt := newTable(w, []string{"NAME", "TYPE", "DIMS", "OFFSET", "SIZE"})
		for _, e := range rep.Tensors {
			size := formatBytes(e.Bytes)
			if !e.SizeKnown {
				size = "~" + size
			}
			tt.Append([]string{e.Name, e.Type, formatDims(e.Dims), strconv.FormatUint(e.Offset, 10), size})
		}
		tt.Render()
	}
}

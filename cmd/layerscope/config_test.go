package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file is empty", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(dir, "nope.yaml"))
		if err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
		if cfg.Samples != nil || cfg.Output != "" {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("values are read", func(t *testing.T) {
		path := filepath.Join(dir, "config.yaml")
		data := "log_level: debug\noutput: json\nsamples: 128\nworkers: 2\nmax_seq: 64\nhead: 4\nalignment: 128\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
		if cfg.LogLevel != "debug" || cfg.Output != "json" {
			t.Fatalf("unexpected strings: %+v", cfg)
		}
		if cfg.Samples == nil || *cfg.Samples != 128 || cfg.Workers == nil || *cfg.Workers != 2 {
			t.Fatalf("unexpected stats keys: %+v", cfg)
		}
		if cfg.MaxSeq == nil || *cfg.MaxSeq != 64 || cfg.Head == nil || *cfg.Head != 4 {
			t.Fatalf("unexpected step keys: %+v", cfg)
		}
		if cfg.Alignment == nil || *cfg.Alignment != 128 {
			t.Fatalf("unexpected alignment: %+v", cfg.Alignment)
		}
	})

	t.Run("malformed file fails", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte("samples: [1, 2"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestApplyStatsConfigFlagWins(t *testing.T) {
	samples, workers := 7, 7
	five, three := 5, 3
	cfg := Config{Samples: &five, Workers: &three}

	cmd := &cli.Command{
		Name: "stats",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "samples", Value: 1, Destination: &samples},
			&cli.IntFlag{Name: "workers", Value: 1, Destination: &workers},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			applyStatsConfig(c, cfg, &samples, &workers)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"stats", "--samples", "10"}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if samples != 10 {
		t.Fatalf("explicit flag lost: samples = %d", samples)
	}
	if workers != 3 {
		t.Fatalf("config default not applied: workers = %d", workers)
	}
}

func TestApplyStepConfig(t *testing.T) {
	var maxSeq, head int
	sixteen := 16
	cfg := Config{MaxSeq: &sixteen}

	cmd := &cli.Command{
		Name: "step",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max-seq", Destination: &maxSeq},
			&cli.IntFlag{Name: "head", Value: 8, Destination: &head},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			applyStepConfig(c, cfg, &maxSeq, &head)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"step"}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if maxSeq != 16 || head != 8 {
		t.Fatalf("maxSeq = %d, head = %d; want 16, 8", maxSeq, head)
	}
}

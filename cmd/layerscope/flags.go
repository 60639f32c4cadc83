package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/layerscope/internal/logger"
	"github.com/samcharles93/layerscope/internal/tensor"
)

const (
	outputText = "text"
	outputJSON = "json"
)

// globalOptions carries the root flags and what setup derives from them.
type globalOptions struct {
	configFile string
	logLevel   string
	logFormat  string
	debug      bool
	output     string
	alignment  int

	cfg   Config
	log   logger.Logger
	runID string
}

func globalFlags(g *globalOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &g.configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &g.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &g.logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &g.debug,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "output format (text, json)",
			Value:       outputText,
			Destination: &g.output,
		},
		&cli.IntFlag{
			Name:        "alignment",
			Usage:       "byte alignment of decoded tensor buffers",
			Value:       tensor.DefaultAlignment,
			Destination: &g.alignment,
		},
	}
}

func modelFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "model",
		Aliases:     []string{"m"},
		Usage:       "path to .gguf file",
		Destination: dst,
		Required:    true,
	}
}

// setup applies the config file, builds the logger and tags it with a run id.
func (g *globalOptions) setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := g.configFile
	if path == "" {
		path = configPath()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	applyGlobalConfig(cmd, cfg, g)
	g.cfg = cfg

	switch g.output {
	case outputText, outputJSON:
	default:
		return ctx, cli.Exit(fmt.Sprintf("error: unknown output format %q (want text or json)", g.output), 1)
	}

	level := g.logLevel
	if g.debug {
		level = "debug"
	}
	log, err := logger.Build(errWriter(cmd), level, g.logFormat)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	g.runID = uuid.NewString()
	g.log = log.With("run", g.runID)
	return logger.WithContext(ctx, g.log), nil
}

func outWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func errWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

func tieOutputFlag(dst *bool) cli.Flag {
	return &cli.BoolFlag{
		Name:        "tie-output",
		Usage:       "use token_embd.weight as the LM head when output.weight is absent",
		Destination: dst,
	}
}

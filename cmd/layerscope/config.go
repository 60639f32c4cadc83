package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the layerscope configuration file
// (~/.config/layerscope/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Output    string `yaml:"output"`
	Alignment *int   `yaml:"alignment"`

	// stats
	Samples *int `yaml:"samples"`
	Workers *int `yaml:"workers"`

	// step
	MaxSeq *int `yaml:"max_seq"`
	Head   *int `yaml:"head"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "layerscope", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyGlobalConfig applies config file defaults to the root options when the
// corresponding flag was not explicitly set.
func applyGlobalConfig(c *cli.Command, cfg Config, g *globalOptions) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		g.logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		g.logFormat = cfg.LogFormat
	}
	if cfg.Output != "" && !c.IsSet("output") {
		g.output = cfg.Output
	}
	if cfg.Alignment != nil && !c.IsSet("alignment") {
		g.alignment = *cfg.Alignment
	}
}

func applyStatsConfig(c *cli.Command, cfg Config, samples, workers *int) {
	if cfg.Samples != nil && !c.IsSet("samples") {
		*samples = *cfg.Samples
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		*workers = *cfg.Workers
	}
}

func applyStepConfig(c *cli.Command, cfg Config, maxSeq, head *int) {
	if cfg.MaxSeq != nil && !c.IsSet("max-seq") {
		*maxSeq = *cfg.MaxSeq
	}
	if cfg.Head != nil && !c.IsSet("head") {
		*head = *cfg.Head
	}
}

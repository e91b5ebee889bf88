package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/hetmoe/internal/config"
)

// Config represents the user configuration file (~/.config/hetmoe/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	WeightsDir string `yaml:"weights_dir"`
	Engine     string `yaml:"engine"`

	MaxChunkSize *int64 `yaml:"max_chunk_size"`
	HostThreads  *int64 `yaml:"host_threads"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "hetmoe", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyEngineConfig fills engine flags that were not set on the command
// line.
func applyEngineConfig(c *cli.Command, cfg Config) {
	if cfg.WeightsDir != "" && !c.IsSet("weights-dir") {
		weightsDir = cfg.WeightsDir
	}
	if cfg.Engine != "" && !c.IsSet("engine") {
		enginePath = cfg.Engine
	}
	if cfg.MaxChunkSize != nil && !c.IsSet("max-chunk-size") {
		maxChunk = *cfg.MaxChunkSize
	}
	if cfg.HostThreads != nil && !c.IsSet("host-threads") {
		hostThreads = *cfg.HostThreads
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyEngineConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// overrideEngine applies the chunk and thread settings, from flags or the
// user config, over an engine config.
func overrideEngine(cfg *config.Config) {
	if maxChunk > 0 {
		v := int(maxChunk)
		cfg.MaxChunkSize = &v
	}
	if hostThreads > 0 {
		v := int(hostThreads)
		cfg.HostThreads = &v
	}
}

func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print an example engine config and the user config location",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, _ = fmt.Fprintf(os.Stderr, "# user config: %s\n", configPath())
			fmt.Print(config.Example)
			return nil
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/samcharles93/hetmoe/internal/backend"
	"github.com/samcharles93/hetmoe/internal/config"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/moe"
	"github.com/samcharles93/hetmoe/internal/staging"
	"github.com/samcharles93/hetmoe/internal/tensorstore"
)

// Metadata keys written by synth.
const (
	metaConfig = "hetmoe.config"
	metaKind   = "hetmoe.kind"
	metaSeed   = "hetmoe.seed"
)

type loadedEngine struct {
	*moe.Engine
	Path   string
	Config *config.Config
	file   *tensorstore.File
}

func (l *loadedEngine) Close() error {
	return errors.Join(l.Session().Close(), l.file.Close())
}

// openEngine resolves the weights, reads the engine config and builds every
// block. Groups start Unloaded.
func openEngine(ctx context.Context) (*loadedEngine, error) {
	log := logger.FromContext(ctx)
	path, err := resolveWeightsPath(weightsPath, weightsDir, os.Stdin, os.Stderr)
	if err != nil {
		return nil, err
	}
	f, err := tensorstore.Open(path)
	if err != nil {
		return nil, err
	}
	cfg, err := engineConfig(enginePath, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	overrideEngine(cfg)

	sess := staging.New(staging.Options{MaxChunk: *cfg.MaxChunkSize, Logger: log})
	env := backend.Env{Store: f, Session: sess}
	log.Info("building engine",
		"weights", path,
		"layers", cfg.Model.Layers,
		"experts", cfg.Model.Experts,
		"max_chunk_size", sess.MaxChunk(),
		"capable", backend.Available(backend.DetectCapability),
	)
	engine, err := moe.Build(cfg, env)
	if err != nil {
		_ = sess.Close()
		_ = f.Close()
		return nil, err
	}
	return &loadedEngine{Engine: engine, Path: path, Config: cfg, file: f}, nil
}

// engineConfig reads path, or the config embedded in the tensor file.
func engineConfig(path string, f *tensorstore.File) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	doc, ok := f.Meta()[metaConfig]
	if !ok {
		return nil, fmt.Errorf("tensor file has no %s metadata; set --engine", metaConfig)
	}
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("embedded config: %w", err)
	}
	return cfg, nil
}

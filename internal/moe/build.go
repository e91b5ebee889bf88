package moe

import (
	"fmt"

	"github.com/samcharles93/hetmoe/internal/backend"
	"github.com/samcharles93/hetmoe/internal/config"
	"github.com/samcharles93/hetmoe/internal/group"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/router"
	"github.com/samcharles93/hetmoe/internal/tensor"
)

// Module key suffixes under a layer prefix.
const (
	RouterSuffix      = ".ffn_gate_inp"
	SharedGateSuffix  = ".ffn_gate_shexp"
	SharedUpSuffix    = ".ffn_up_shexp"
	SharedDownSuffix  = ".ffn_down_shexp"
	SharedScaleSuffix = ".ffn_gate_inp_shexp"
)

// Build constructs every block described by cfg. Groups start Unloaded.
func Build(cfg *config.Config, env backend.Env) (*Engine, error) {
	if env.Session == nil {
		return nil, fmt.Errorf("moe: env has no session")
	}
	log := env.Session.Logger()
	act, err := tensor.ParseActivation(cfg.Model.Activation)
	if err != nil {
		return nil, err
	}
	m := cfg.Model
	rc := router.Config{
		Experts:     m.Experts,
		TopK:        m.ExpertsPerToken,
		Renormalize: m.Renormalize == nil || *m.Renormalize,
		Scale:       m.RoutedScale,
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	b := builder{cfg: cfg, env: env, log: log}
	blocks := make([]*Block, 0, m.Layers)
	for i := range m.Layers {
		key := config.LayerKey(i)
		blk := &Block{Key: key, Hidden: m.Hidden, Router: rc}
		if blk.Gate, err = b.linear(key+RouterSuffix, m.Hidden, m.Experts); err != nil {
			return nil, err
		}
		if blk.Experts, err = b.experts(key, act); err != nil {
			return nil, err
		}
		if m.SharedIntermediate > 0 {
			sh := &Shared{Act: act}
			if sh.Gate, err = b.linear(key+SharedGateSuffix, m.Hidden, m.SharedIntermediate); err != nil {
				return nil, err
			}
			if sh.Up, err = b.linear(key+SharedUpSuffix, m.Hidden, m.SharedIntermediate); err != nil {
				return nil, err
			}
			if sh.Down, err = b.linear(key+SharedDownSuffix, m.SharedIntermediate, m.Hidden); err != nil {
				return nil, err
			}
			if m.SharedGate {
				if sh.Scale, err = b.linear(key+SharedScaleSuffix, m.Hidden, 1); err != nil {
					return nil, err
				}
			}
			blk.Shared = sh
		}
		blocks = append(blocks, blk)
	}
	return NewEngine(env.Session, blocks, log), nil
}

type builder struct {
	cfg *config.Config
	env backend.Env
	log logger.Logger
}

func (b builder) experts(key string, act tensor.Activation) (*group.ExpertGroup, error) {
	rule := b.cfg.RuleFor(key, config.KindExperts)
	m := b.cfg.Model
	place := func(p config.Placement) (backend.Expert, group.Placement, error) {
		dev, out, err := p.Devices()
		if err != nil {
			return nil, group.Placement{}, err
		}
		bc := backend.ExpertConfig{
			Key:          key,
			Experts:      m.Experts,
			TopK:         m.ExpertsPerToken,
			Hidden:       m.Hidden,
			Intermediate: m.Intermediate,
			Act:          act,
			Tuning:       b.cfg.Tuning(rule),
			Device:       dev,
			OutDevice:    out,
			Force:        p.Force,
		}
		be, err := backend.NewExpert(p.Op, bc, b.env)
		if err != nil {
			return nil, group.Placement{}, fmt.Errorf("%s: %w", key, err)
		}
		return be, group.Placement{Device: dev}, nil
	}
	pre, preAt, err := place(rule.Prefill)
	if err != nil {
		return nil, err
	}
	gen, genAt, err := place(rule.Generate)
	if err != nil {
		return nil, err
	}
	b.log.Debug("expert group", "key", key, "prefill", pre.Variant(), "generate", gen.Variant())
	return group.NewExpertGroup(key, pre, gen, preAt, genAt, b.log)
}

func (b builder) linear(key string, in, out int) (*group.LinearGroup, error) {
	rule := b.cfg.RuleFor(key, config.KindLinear)
	place := func(p config.Placement) (backend.Linear, group.Placement, error) {
		dev, _, err := p.Devices()
		if err != nil {
			return nil, group.Placement{}, err
		}
		lc := backend.LinearConfig{Key: key, In: in, Out: out, Tuning: b.cfg.Tuning(rule), Device: dev, Force: p.Force}
		l, err := backend.NewLinear(p.Op, lc, b.env)
		if err != nil {
			return nil, group.Placement{}, fmt.Errorf("%s: %w", key, err)
		}
		return l, group.Placement{Device: dev}, nil
	}
	pre, preAt, err := place(rule.Prefill)
	if err != nil {
		return nil, err
	}
	gen, genAt, err := place(rule.Generate)
	if err != nil {
		return nil, err
	}
	return group.NewLinearGroup(key, pre, gen, preAt, genAt, b.log)
}

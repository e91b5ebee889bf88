// Package config reads the engine description: model shape, chunk
// capacity and the ordered placement rules that pick a prefill and a
// generate backend for every module.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/hetmoe/internal/backend"
	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/staging"
	"github.com/samcharles93/hetmoe/internal/tensor"
)

// Module kinds a rule can target.
const (
	KindExperts = "experts"
	KindLinear  = "linear"
)

// Config is the root document. Pointer fields distinguish "not set" from
// zero values.
type Config struct {
	MaxChunkSize *int   `yaml:"max_chunk_size"`
	HostThreads  *int   `yaml:"host_threads"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`

	Model Model  `yaml:"model"`
	Rules []Rule `yaml:"rules"`
}

// Model is the shape shared by every MoE block.
type Model struct {
	Layers             int     `yaml:"layers"`
	Experts            int     `yaml:"experts"`
	ExpertsPerToken    int     `yaml:"experts_per_token"`
	Hidden             int     `yaml:"hidden"`
	Intermediate       int     `yaml:"intermediate"`
	SharedIntermediate int     `yaml:"shared_intermediate"`
	SharedGate         bool    `yaml:"shared_gate"`
	Renormalize        *bool   `yaml:"renormalize"`
	RoutedScale        float32 `yaml:"routed_scale"`
	Activation         string  `yaml:"activation"`
}

// Placement is where and how one phase of a module runs.
type Placement struct {
	Op        string `yaml:"op"`
	Device    string `yaml:"device"`
	OutDevice string `yaml:"out_device"`
	Force     bool   `yaml:"force"`
}

// Rule assigns placements to every module whose key matches Match.
type Rule struct {
	Match    string          `yaml:"match"`
	Kind     string          `yaml:"kind"`
	Prefill  Placement       `yaml:"prefill"`
	Generate Placement       `yaml:"generate"`
	Tuning   *backend.Tuning `yaml:"tuning"`

	re *regexp.Regexp
}

// Default rules apply when no configured rule matches.
var (
	DefaultExpertRule = Rule{
		Kind:     KindExperts,
		Prefill:  Placement{Op: string(backend.Dense), Device: "cpu"},
		Generate: Placement{Op: string(backend.HostQuant), Device: "cpu"},
	}
	DefaultLinearRule = Rule{
		Kind:     KindLinear,
		Prefill:  Placement{Op: string(backend.Dense), Device: "cpu"},
		Generate: Placement{Op: string(backend.Dense), Device: "cpu"},
	}
)

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxChunkSize == nil {
		v := staging.DefaultMaxChunk
		c.MaxChunkSize = &v
	}
	if c.HostThreads == nil {
		v := 0
		c.HostThreads = &v
	}
	if c.Model.Renormalize == nil {
		v := true
		c.Model.Renormalize = &v
	}
	if c.Model.RoutedScale == 0 {
		c.Model.RoutedScale = 1
	}
	if c.Model.Layers == 0 {
		c.Model.Layers = 1
	}
}

// Validate checks ranges, compiles rule patterns and resolves every op and
// device name.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxChunkSize != nil && *c.MaxChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("max_chunk_size must be positive, got %d", *c.MaxChunkSize))
	}
	if c.HostThreads != nil && *c.HostThreads < 0 {
		errs = append(errs, fmt.Errorf("host_threads must not be negative, got %d", *c.HostThreads))
	}
	m := c.Model
	if m.Experts <= 0 || m.Hidden <= 0 || m.Intermediate <= 0 || m.Layers <= 0 {
		errs = append(errs, errors.New("model: layers, experts, hidden and intermediate must be positive"))
	}
	if m.ExpertsPerToken <= 0 || m.ExpertsPerToken > m.Experts {
		errs = append(errs, fmt.Errorf("model: experts_per_token %d outside [1, %d]", m.ExpertsPerToken, m.Experts))
	}
	if m.SharedIntermediate < 0 {
		errs = append(errs, errors.New("model: shared_intermediate must not be negative"))
	}
	if m.SharedGate && m.SharedIntermediate == 0 {
		errs = append(errs, errors.New("model: shared_gate needs shared_intermediate"))
	}
	if _, err := tensor.ParseActivation(m.Activation); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}
	for i := range c.Rules {
		if err := c.Rules[i].compile(); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Rule) compile() error {
	if r.Match == "" {
		return errors.New("match is required")
	}
	re, err := regexp.Compile(r.Match)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	r.re = re
	if r.Kind != KindExperts && r.Kind != KindLinear {
		return fmt.Errorf("kind must be %q or %q, got %q", KindExperts, KindLinear, r.Kind)
	}
	for _, p := range []struct {
		name string
		pl   Placement
	}{{"prefill", r.Prefill}, {"generate", r.Generate}} {
		if p.pl.Op == "" {
			return fmt.Errorf("%s.op is required", p.name)
		}
		if _, err := device.Parse(p.pl.Device); err != nil {
			return fmt.Errorf("%s.device: %w", p.name, err)
		}
		if _, err := device.Parse(p.pl.OutDevice); err != nil {
			return fmt.Errorf("%s.out_device: %w", p.name, err)
		}
	}
	return nil
}

// RuleFor returns the first rule of kind whose pattern matches key, or the
// default rule for kind.
func (c *Config) RuleFor(key, kind string) Rule {
	for _, r := range c.Rules {
		if r.Kind != kind {
			continue
		}
		if r.re == nil {
			if err := r.compile(); err != nil {
				continue
			}
		}
		if r.re.MatchString(key) {
			return r
		}
	}
	if kind == KindExperts {
		return DefaultExpertRule
	}
	return DefaultLinearRule
}

// Devices resolves the placement's device names. An empty out_device
// means the placement device.
func (p Placement) Devices() (dev, out device.ID, err error) {
	if dev, err = device.Parse(p.Device); err != nil {
		return "", "", err
	}
	if p.OutDevice == "" {
		return dev, dev, nil
	}
	out, err = device.Parse(p.OutDevice)
	return dev, out, err
}

// Tuning returns the rule tuning over the host thread setting.
func (c *Config) Tuning(r Rule) backend.Tuning {
	var t backend.Tuning
	if r.Tuning != nil {
		t = *r.Tuning
	}
	if t.Kernel.Threads == 0 && c.HostThreads != nil {
		t.Kernel.Threads = *c.HostThreads
	}
	return t
}

// LayerKey is the tensor prefix of layer i.
func LayerKey(i int) string { return "blk." + strconv.Itoa(i) }

// Example is a commented starting document.
const Example = `max_chunk_size: 512
host_threads: 0
log_level: info
log_format: pretty

model:
  layers: 2
  experts: 8
  experts_per_token: 2
  hidden: 256
  intermediate: 512
  shared_intermediate: 512
  shared_gate: true
  renormalize: true
  activation: silu

rules:
  # routed experts: full dense on the accelerator for prompts, host kernels
  # with accelerator output while decoding
  - match: '^blk\.\d+$'
    kind: experts
    prefill:  {op: dense, device: cuda:0}
    generate: {op: host-quant, device: cpu, out_device: cuda:0}
    tuning: {stride: 64, group_min_len: 10, group_max_len: 1024}
  - match: '_shexp$'
    kind: linear
    prefill:  {op: accel-quant, device: cuda:0}
    generate: {op: accel-quant, device: cuda:0}
`

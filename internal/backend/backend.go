// Package backend implements the interchangeable compute backends that own
// resident expert and linear weights. Backends are built by variant name
// from a static table; the accelerated host variants report incompatibility
// through TryInitialize and leave the fallback decision to the caller.
package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/kernel"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/staging"
	"github.com/samcharles93/hetmoe/internal/tensor"
	"github.com/samcharles93/hetmoe/internal/tensorstore"
)

// Variant names a backend implementation.
type Variant string

const (
	Dense      Variant = "dense"
	HostQuant  Variant = "host-quant"
	HostBF16   Variant = "host-bf16"
	HostInt8   Variant = "host-int8"
	AccelQuant Variant = "accel-quant"
)

// Variants lists every variant in table order.
var Variants = []Variant{Dense, HostQuant, HostBF16, HostInt8, AccelQuant}

// Normalize maps user spellings onto a Variant without checking that it is
// registered.
func Normalize(name string) Variant {
	v := strings.ToLower(strings.TrimSpace(name))
	return Variant(strings.ReplaceAll(v, "_", "-"))
}

// Tuning carries the construction-time constants of a backend.
type Tuning struct {
	Kernel kernel.Tuning `yaml:",inline" json:"kernel"`
	// ConvertChunk bounds the elements decoded per conversion work item.
	ConvertChunk int `yaml:"convert_chunk" json:"convert_chunk"`
	// AccelChunk bounds the elements one accelerated host kernel call
	// processes; larger chunks are split by token rows.
	AccelChunk int `yaml:"accel_chunk" json:"accel_chunk"`
}

// DefaultTuning returns the stock constants.
func DefaultTuning() Tuning {
	return Tuning{Kernel: kernel.DefaultTuning(), ConvertChunk: 1_000_000, AccelChunk: 25600}
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	t.Kernel = t.Kernel.WithDefaults()
	if t.ConvertChunk <= 0 {
		t.ConvertChunk = d.ConvertChunk
	}
	if t.AccelChunk <= 0 {
		t.AccelChunk = d.AccelChunk
	}
	return t
}

// ExpertConfig fixes the shape of an expert block.
type ExpertConfig struct {
	// Key is the tensor prefix of the block, e.g. "blk.3".
	Key          string
	Experts      int
	TopK         int
	Hidden       int
	Intermediate int
	Act          tensor.Activation
	Tuning       Tuning
	// Device is where weights are placed when Load is given no device.
	Device device.ID
	// OutDevice receives the forward output. Empty means Device.
	OutDevice device.ID
	// Force converts incompatible weights instead of falling back.
	Force bool
}

// Validate checks the shape.
func (c ExpertConfig) Validate() error {
	switch {
	case c.Experts <= 0:
		return fmt.Errorf("backend: %s: experts must be positive", c.Key)
	case c.TopK <= 0 || c.TopK > c.Experts:
		return fmt.Errorf("backend: %s: experts_per_token %d outside [1, %d]", c.Key, c.TopK, c.Experts)
	case c.Hidden <= 0 || c.Intermediate <= 0:
		return fmt.Errorf("backend: %s: hidden and intermediate must be positive", c.Key)
	}
	return nil
}

// LinearConfig fixes the shape of a linear module.
type LinearConfig struct {
	// Key is the tensor prefix; weights live at Key+".weight".
	Key    string
	In     int
	Out    int
	Tuning Tuning
	Device device.ID
	Force  bool
}

// Validate checks the shape.
func (c LinearConfig) Validate() error {
	if c.In <= 0 || c.Out <= 0 {
		return fmt.Errorf("backend: %s: linear dimensions must be positive, got %dx%d", c.Key, c.Out, c.In)
	}
	return nil
}

// Env is what every backend runs against.
type Env struct {
	Store   tensorstore.Store
	Session *staging.Session
	// Capability reports hardware support per variant. Nil means
	// DetectCapability.
	Capability Capability
}

func (e Env) capability() Capability {
	if e.Capability == nil {
		return DetectCapability
	}
	return e.Capability
}

func (e Env) logger() logger.Logger {
	if e.Session == nil {
		return logger.Default()
	}
	return e.Session.Logger()
}

func (e Env) validate() error {
	if e.Session == nil {
		return errors.New("backend: env has no session")
	}
	return nil
}

// Expert is a backend for a whole expert block.
type Expert interface {
	Variant() Variant
	Device() device.ID
	// Load makes weights resident on dev. With w nil the weights are read
	// from the store.
	Load(w *ExpertWeights, dev device.ID) error
	// Unload releases resident state. It is idempotent.
	Unload()
	Loaded() bool
	ResidentBytes() int64
	// Forward computes the routed expert sum for n tokens. ids and weights
	// hold TopK entries per token.
	Forward(input []float32, ids []int, weights []float32, n int) ([]float32, error)
}

// AsyncExpert is an Expert whose forward can be ordered on a stream.
type AsyncExpert interface {
	Expert
	// SubmitForward issues the staging copies and the compute task on s.
	// The caller must keep the arguments unchanged until s synchronizes.
	SubmitForward(s *device.Stream, input []float32, ids []int, weights []float32, n int) error
	// SyncForward orders the result copy after the task on s and returns
	// the output rows, which hold the result once s has synchronized.
	SyncForward(s *device.Stream, n int) ([]float32, error)
}

// Warmer is implemented by backends that benefit from a dry run after
// loading.
type Warmer interface {
	Warmup() error
}

// Linear is a backend for a single projection with optional bias.
type Linear interface {
	Variant() Variant
	Device() device.ID
	Load(w *LinearWeights, dev device.ID) error
	Unload()
	Loaded() bool
	ResidentBytes() int64
	// Forward computes n rows of input * W^T + bias.
	Forward(input []float32, n int) ([]float32, error)
}

// residency is the load bookkeeping shared by every backend.
type residency struct {
	dev   device.ID
	alloc *device.Allocation
}

func (r *residency) loaded() bool { return r.alloc != nil }

func (r *residency) hold(t *device.Tracker, dev device.ID, bytes int64) {
	r.dev = dev
	r.alloc = t.Alloc(dev, bytes)
}

func (r *residency) release() {
	r.alloc.Free()
	r.alloc = nil
}

func (r *residency) bytes() int64 { return r.alloc.Bytes() }

func pickDevice(dev, fallback device.ID) device.ID {
	if dev == "" {
		dev = fallback
	}
	if dev == "" {
		return device.Host
	}
	return dev
}

func checkForward(variant Variant, loaded bool, n, capacity int) error {
	if !loaded {
		return &NotLoadedError{Variant: variant}
	}
	return staging.CheckCapacity(n, capacity)
}

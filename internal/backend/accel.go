package backend

import (
	"fmt"

	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/kernel"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/router"
	"github.com/samcharles93/hetmoe/internal/tensor"
)

func requireAccelerator(dev device.ID) error {
	if dev.IsHost() {
		return fmt.Errorf("backend: %s needs an accelerator device, got %s", AccelQuant, dev)
	}
	return nil
}

// accelLinear keeps a packed 4-bit copy of the weight on the accelerator and
// multiplies without expanding it.
type accelLinear struct {
	cfg LinearConfig
	env Env

	res  residency
	w    *kernel.Packed
	bias []float32
}

func newAccelLinear(cfg LinearConfig, env Env) (Linear, error) {
	return &accelLinear{cfg: cfg, env: env}, nil
}

func (b *accelLinear) Variant() Variant     { return AccelQuant }
func (b *accelLinear) Device() device.ID    { return pickDevice(b.res.dev, b.cfg.Device) }
func (b *accelLinear) Loaded() bool         { return b.res.loaded() }
func (b *accelLinear) ResidentBytes() int64 { return b.res.bytes() }

func (b *accelLinear) Load(w *LinearWeights, dev device.ID) error {
	b.Unload()
	dev = pickDevice(dev, b.cfg.Device)
	if err := requireAccelerator(dev); err != nil {
		return err
	}
	w, err := linearWeights(b.env, b.cfg, w, dev)
	if err != nil {
		return err
	}
	p, err := kernel.Pack(w.W)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", b.cfg.Key, err)
	}
	b.w, b.bias = p, w.Bias
	b.res.hold(b.env.Session.Tracker(), dev, p.Bytes()+int64(len(b.bias))*4)
	return nil
}

func (b *accelLinear) Unload() {
	b.res.release()
	b.w, b.bias = nil, nil
}

func (b *accelLinear) Forward(input []float32, n int) ([]float32, error) {
	var w kernel.Matrix
	if b.w != nil {
		w = b.w
	}
	return linearForward(AccelQuant, b.cfg, b.env, b.res.loaded(), w, b.bias, input, n)
}

// accelExpert builds every expert from three packed linears and combines
// through the grouped path.
type accelExpert struct {
	cfg ExpertConfig
	env Env
	log logger.Logger

	res residency
	ev  kernel.Evaluator
}

func newAccelExpert(cfg ExpertConfig, env Env) (Expert, error) {
	return &accelExpert{cfg: cfg, env: env, log: env.logger().With("backend", AccelQuant, "key", cfg.Key)}, nil
}

func (b *accelExpert) Variant() Variant     { return AccelQuant }
func (b *accelExpert) Device() device.ID    { return pickDevice(b.res.dev, b.cfg.Device) }
func (b *accelExpert) Loaded() bool         { return b.res.loaded() }
func (b *accelExpert) ResidentBytes() int64 { return b.res.bytes() }

func (b *accelExpert) Load(w *ExpertWeights, dev device.ID) error {
	b.Unload()
	dev = pickDevice(dev, b.cfg.Device)
	if err := requireAccelerator(dev); err != nil {
		return err
	}
	experts, err := buildExperts(b.env, b.cfg, w, dev, func(m *tensor.Mat) (kernel.Matrix, error) {
		return kernel.Pack(m)
	})
	if err != nil {
		return err
	}
	b.ev = kernel.NewEvaluator(b.cfg.Tuning.Kernel, experts)
	b.res.hold(b.env.Session.Tracker(), dev, experts.Bytes())
	b.log.Debug("loaded", "device", dev, "bytes", b.res.bytes())
	return nil
}

func (b *accelExpert) Unload() {
	if !b.res.loaded() {
		return
	}
	b.res.release()
	b.ev = kernel.Evaluator{}
}

func (b *accelExpert) Forward(input []float32, ids []int, weights []float32, n int) ([]float32, error) {
	if err := checkForward(AccelQuant, b.res.loaded(), n, b.env.Session.MaxChunk()); err != nil {
		return nil, err
	}
	d, err := decision(b.cfg, input, ids, weights, n)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n*b.cfg.Hidden)
	if err := router.CombineGrouped(b.ev, input, d, b.cfg.Experts, out); err != nil {
		return nil, err
	}
	return out, nil
}

package backend

import (
	"context"
	"fmt"

	"github.com/samcharles93/hetmoe/internal/convert"
	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/kernel"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/router"
	"github.com/samcharles93/hetmoe/internal/tensor"
)

// denseExpert is the float32 reference. Small batches run token by token;
// larger ones are grouped by expert.
type denseExpert struct {
	cfg ExpertConfig
	env Env
	log logger.Logger
	res residency
	w   *kernel.Experts
}

func newDenseExpert(cfg ExpertConfig, env Env) (Expert, error) {
	return &denseExpert{cfg: cfg, env: env, log: env.logger().With("backend", Dense, "key", cfg.Key)}, nil
}

func (b *denseExpert) Variant() Variant     { return Dense }
func (b *denseExpert) Device() device.ID    { return pickDevice(b.res.dev, b.cfg.Device) }
func (b *denseExpert) Loaded() bool         { return b.res.loaded() }
func (b *denseExpert) ResidentBytes() int64 { return b.res.bytes() }

func (b *denseExpert) Load(w *ExpertWeights, dev device.ID) error {
	b.Unload()
	dev = pickDevice(dev, b.cfg.Device)
	conv := convert.Converter{ChunkElems: b.cfg.Tuning.ConvertChunk}
	experts, err := buildExperts(b.env, b.cfg, w, dev, func(m *tensor.Mat) (kernel.Matrix, error) {
		f, err := conv.Dequantize(context.Background(), m)
		if err != nil {
			return nil, err
		}
		return kernel.Dense(f), nil
	})
	if err != nil {
		return err
	}
	b.w = experts
	b.res.hold(b.env.Session.Tracker(), dev, experts.Bytes())
	b.log.Debug("loaded", "device", dev, "bytes", b.res.bytes())
	return nil
}

func (b *denseExpert) Unload() {
	if !b.res.loaded() {
		return
	}
	b.res.release()
	b.w = nil
	b.log.Debug("unloaded")
}

// Hidden and EvalExpert let the combine paths drive the dense weights.
func (b *denseExpert) Hidden() int { return b.cfg.Hidden }

func (b *denseExpert) EvalExpert(e int, x []float32, m int, out []float32) error {
	return kernel.NewEvaluator(b.cfg.Tuning.Kernel, b.w).EvalExpert(e, x, m, out)
}

func (b *denseExpert) Forward(input []float32, ids []int, weights []float32, n int) ([]float32, error) {
	if err := checkForward(Dense, b.res.loaded(), n, b.env.Session.MaxChunk()); err != nil {
		return nil, err
	}
	d, err := decision(b.cfg, input, ids, weights, n)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n*b.cfg.Hidden)
	if n > b.cfg.Tuning.withDefaults().Kernel.GroupMinLen {
		err = router.CombineGrouped(b, input, d, b.cfg.Experts, out)
	} else {
		err = router.CombineDirect(b, input, d, b.cfg.Experts, out)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decision(cfg ExpertConfig, input []float32, ids []int, weights []float32, n int) (router.Decision, error) {
	k := cfg.TopK
	if len(input) < n*cfg.Hidden || len(ids) < n*k || len(weights) < n*k {
		return router.Decision{}, fmt.Errorf("backend: %s: short forward inputs for %d tokens", cfg.Key, n)
	}
	return router.Decision{N: n, K: k, IDs: ids[:n*k], Weights: weights[:n*k]}, nil
}

// buildExperts reads weights from the store when w is nil, checks them and
// prepares every matrix with prep.
func buildExperts(env Env, cfg ExpertConfig, w *ExpertWeights, dev device.ID, prep func(*tensor.Mat) (kernel.Matrix, error)) (*kernel.Experts, error) {
	if w == nil {
		var err error
		if w, err = LoadExpertWeights(env.Store, cfg, dev); err != nil {
			return nil, err
		}
	}
	if err := w.check(cfg); err != nil {
		return nil, err
	}
	out := &kernel.Experts{Hidden: cfg.Hidden, Intermediate: cfg.Intermediate, Act: cfg.Act}
	for e := range cfg.Experts {
		g, err := prep(w.Gate[e])
		if err != nil {
			return nil, fmt.Errorf("backend: %s: expert %d gate: %w", cfg.Key, e, err)
		}
		u, err := prep(w.Up[e])
		if err != nil {
			return nil, fmt.Errorf("backend: %s: expert %d up: %w", cfg.Key, e, err)
		}
		d, err := prep(w.Down[e])
		if err != nil {
			return nil, fmt.Errorf("backend: %s: expert %d down: %w", cfg.Key, e, err)
		}
		out.Gate = append(out.Gate, g)
		out.Up = append(out.Up, u)
		out.Down = append(out.Down, d)
	}
	return out, out.Validate()
}

// denseLinear keeps a float32 copy of the weight.
type denseLinear struct {
	cfg  LinearConfig
	env  Env
	res  residency
	w    kernel.Matrix
	bias []float32
}

func newDenseLinear(cfg LinearConfig, env Env) (Linear, error) {
	return &denseLinear{cfg: cfg, env: env}, nil
}

func (b *denseLinear) Variant() Variant     { return Dense }
func (b *denseLinear) Device() device.ID    { return pickDevice(b.res.dev, b.cfg.Device) }
func (b *denseLinear) Loaded() bool         { return b.res.loaded() }
func (b *denseLinear) ResidentBytes() int64 { return b.res.bytes() }

func (b *denseLinear) Load(w *LinearWeights, dev device.ID) error {
	b.Unload()
	dev = pickDevice(dev, b.cfg.Device)
	w, err := linearWeights(b.env, b.cfg, w, dev)
	if err != nil {
		return err
	}
	f, err := convert.Converter{ChunkElems: b.cfg.Tuning.ConvertChunk}.Dequantize(context.Background(), w.W)
	if err != nil {
		return err
	}
	b.w, b.bias = kernel.Dense(f), w.Bias
	b.res.hold(b.env.Session.Tracker(), dev, b.w.Bytes()+int64(len(b.bias))*4)
	return nil
}

func (b *denseLinear) Unload() {
	b.res.release()
	b.w, b.bias = nil, nil
}

func (b *denseLinear) Forward(input []float32, n int) ([]float32, error) {
	return linearForward(Dense, b.cfg, b.env, b.res.loaded(), b.w, b.bias, input, n)
}

func linearWeights(env Env, cfg LinearConfig, w *LinearWeights, dev device.ID) (*LinearWeights, error) {
	if w == nil {
		return LoadLinearWeights(env.Store, cfg, dev)
	}
	if err := w.check(cfg); err != nil {
		return nil, err
	}
	return w, nil
}

func linearForward(v Variant, cfg LinearConfig, env Env, loaded bool, w kernel.Matrix, bias, input []float32, n int) ([]float32, error) {
	if err := checkForward(v, loaded, n, env.Session.MaxChunk()); err != nil {
		return nil, err
	}
	if len(input) < n*cfg.In {
		return nil, fmt.Errorf("backend: %s: %d inputs for %d rows of %d", cfg.Key, len(input), n, cfg.In)
	}
	out := make([]float32, n*cfg.Out)
	err := kernel.Linear(cfg.Tuning.Kernel, w, bias, n,
		device.Float32Handle(input[:n*cfg.In], cfg.In, device.Host),
		device.Float32Handle(out, cfg.Out, device.Host))
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", cfg.Key, err)
	}
	return out, nil
}

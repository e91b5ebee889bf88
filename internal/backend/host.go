package backend

import (
	"context"
	"fmt"
	"slices"

	"github.com/samcharles93/hetmoe/internal/convert"
	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/kernel"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/staging"
	"github.com/samcharles93/hetmoe/internal/taskqueue"
	"github.com/samcharles93/hetmoe/internal/tensor"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

// hostExpert runs expert blocks on the host task queue through the
// session's staging buffers. host-quant keeps weights in their source
// encoding and decodes rows inside the kernel; host-bf16 and host-int8
// convert weights to their target encoding on load.
type hostExpert struct {
	variant Variant
	target  quant.Kind // F32 means keep the source encoding
	cfg     ExpertConfig
	tun     Tuning
	env     Env
	log     logger.Logger

	res residency
	w   *kernel.Experts
}

func newHostQuantExpert(cfg ExpertConfig, env Env) (Expert, error) {
	return newHostExpert(HostQuant, quant.F32, cfg, env), nil
}

func newHostBF16Expert(cfg ExpertConfig, env Env) (Expert, error) {
	return newHostExpert(HostBF16, quant.BF16, cfg, env), nil
}

func newHostInt8Expert(cfg ExpertConfig, env Env) (Expert, error) {
	return newHostExpert(HostInt8, quant.I8, cfg, env), nil
}

func newHostExpert(v Variant, target quant.Kind, cfg ExpertConfig, env Env) *hostExpert {
	return &hostExpert{
		variant: v,
		target:  target,
		cfg:     cfg,
		tun:     cfg.Tuning.withDefaults(),
		env:     env,
		log:     env.logger().With("backend", v, "key", cfg.Key),
	}
}

func (b *hostExpert) Variant() Variant     { return b.variant }
func (b *hostExpert) Device() device.ID    { return pickDevice(b.res.dev, b.cfg.Device) }
func (b *hostExpert) Loaded() bool         { return b.res.loaded() }
func (b *hostExpert) ResidentBytes() int64 { return b.res.bytes() }

func (b *hostExpert) outDevice() device.ID {
	return pickDevice(b.cfg.OutDevice, b.Device())
}

func (b *hostExpert) Load(w *ExpertWeights, dev device.ID) error {
	b.Unload()
	dev = pickDevice(dev, b.cfg.Device)
	experts, err := buildExperts(b.env, b.cfg, w, dev, func(m *tensor.Mat) (kernel.Matrix, error) {
		c, err := encodeFor(b.variant, b.target, b.cfg.Force, b.tun, b.log, m)
		if err != nil {
			return nil, err
		}
		return kernel.Dense(c), nil
	})
	if err != nil {
		return err
	}
	b.w = experts
	b.res.hold(b.env.Session.Tracker(), dev, experts.Bytes())
	b.log.Debug("loaded", "device", dev, "bytes", b.res.bytes())
	return nil
}

func (b *hostExpert) Unload() {
	if !b.res.loaded() {
		return
	}
	b.res.release()
	b.w = nil
	b.log.Debug("unloaded")
}

func (b *hostExpert) buffers() (*staging.Buffers, error) {
	return b.env.Session.Buffers(string(b.variant), b.outDevice(), b.cfg.Hidden, b.cfg.TopK)
}

// chunkRows is the token count of one kernel call. Only the accelerated
// variants split.
func (b *hostExpert) chunkRows() int {
	if b.target == quant.F32 {
		return 0
	}
	return max(1, b.tun.AccelChunk/b.cfg.Hidden)
}

// task binds the kernel to the first n rows of the staging buffers.
func (b *hostExpert) task(bufs *staging.Buffers, n int) taskqueue.Func {
	w, t, step := b.w, b.tun.Kernel, b.chunkRows()
	in, ids, ws, out := bufs.Handles(n)
	return func() error {
		if step <= 0 || step >= n {
			return kernel.MoE(t, w, n, in, ids, ws, out)
		}
		for rs := 0; rs < n; rs += step {
			m := min(step, n-rs)
			if err := kernel.MoE(t, w, m, in.Slice(rs, m), ids.Slice(rs, m), ws.Slice(rs, m), out.Slice(rs, m)); err != nil {
				return err
			}
		}
		return nil
	}
}

func (b *hostExpert) Forward(input []float32, ids []int, weights []float32, n int) ([]float32, error) {
	if err := checkForward(b.variant, b.res.loaded(), n, b.env.Session.MaxChunk()); err != nil {
		return nil, err
	}
	bufs, err := b.buffers()
	if err != nil {
		return nil, err
	}
	if err := bufs.Stage(input, ids, weights, n); err != nil {
		return nil, err
	}
	q := b.env.Session.Queue()
	if _, err := q.Submit(b.task(bufs, n)); err != nil {
		return nil, err
	}
	if err := q.Sync(); err != nil {
		return nil, fmt.Errorf("backend: %s %s: %w", b.variant, b.cfg.Key, err)
	}
	return slices.Clone(bufs.Output[:n*b.cfg.Hidden]), nil
}

func (b *hostExpert) SubmitForward(s *device.Stream, input []float32, ids []int, weights []float32, n int) error {
	if err := checkForward(b.variant, b.res.loaded(), n, b.env.Session.MaxChunk()); err != nil {
		return err
	}
	bufs, err := b.buffers()
	if err != nil {
		return err
	}
	if err := s.Launch(func() error { return bufs.Stage(input, ids, weights, n) }); err != nil {
		return err
	}
	return b.env.Session.Queue().SubmitWithStream(s, b.task(bufs, n))
}

func (b *hostExpert) SyncForward(s *device.Stream, n int) ([]float32, error) {
	if err := staging.CheckCapacity(n, b.env.Session.MaxChunk()); err != nil {
		return nil, err
	}
	bufs, err := b.buffers()
	if err != nil {
		return nil, err
	}
	out, err := b.env.Session.Output(b.outDevice(), b.cfg.Hidden)
	if err != nil {
		return nil, err
	}
	if err := b.env.Session.Queue().SyncWithStream(s); err != nil {
		return nil, err
	}
	rows := n * b.cfg.Hidden
	if err := s.Launch(func() error { copy(out[:rows], bufs.Output[:rows]); return nil }); err != nil {
		return nil, err
	}
	return out[:rows], nil
}

// Warmup runs one empty task through the queue so the first real chunk
// does not pay worker start-up.
func (b *hostExpert) Warmup() error {
	if !b.res.loaded() {
		return &NotLoadedError{Variant: b.variant}
	}
	bufs, err := b.buffers()
	if err != nil {
		return err
	}
	q := b.env.Session.Queue()
	if _, err := q.Submit(b.task(bufs, 0)); err != nil {
		return err
	}
	return q.Sync()
}

// encodeFor prepares one matrix for a host variant. Forced conversion
// failures are fatal; otherwise the source encoding is kept and the
// degradation is logged once.
func encodeFor(v Variant, target quant.Kind, force bool, tun Tuning, log logger.Logger, m *tensor.Mat) (*tensor.Mat, error) {
	if target == quant.F32 || m.Kind == target {
		return m, nil
	}
	conv := convert.Converter{ChunkElems: tun.ConvertChunk}
	out, err := conv.Try(context.Background(), m, target)
	if err == nil {
		return out, nil
	}
	if force {
		return nil, err
	}
	logger.WarnOnce(log, "convert:"+string(v),
		"weight conversion failed, keeping source encoding", "variant", v, "from", m.Kind, "to", target, "error", err)
	return out, nil
}

// hostLinear is the host linear for host-quant, host-bf16 and host-int8.
type hostLinear struct {
	variant Variant
	target  quant.Kind
	cfg     LinearConfig
	env     Env
	log     logger.Logger

	res  residency
	w    kernel.Matrix
	bias []float32
}

func newHostLinear(v Variant, target quant.Kind) func(LinearConfig, Env) (Linear, error) {
	return func(cfg LinearConfig, env Env) (Linear, error) {
		return &hostLinear{
			variant: v,
			target:  target,
			cfg:     cfg,
			env:     env,
			log:     env.logger().With("backend", v, "key", cfg.Key),
		}, nil
	}
}

func (b *hostLinear) Variant() Variant     { return b.variant }
func (b *hostLinear) Device() device.ID    { return pickDevice(b.res.dev, b.cfg.Device) }
func (b *hostLinear) Loaded() bool         { return b.res.loaded() }
func (b *hostLinear) ResidentBytes() int64 { return b.res.bytes() }

func (b *hostLinear) Load(w *LinearWeights, dev device.ID) error {
	b.Unload()
	dev = pickDevice(dev, b.cfg.Device)
	w, err := linearWeights(b.env, b.cfg, w, dev)
	if err != nil {
		return err
	}
	m, err := encodeFor(b.variant, b.target, b.cfg.Force, b.cfg.Tuning.withDefaults(), b.log, w.W)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", b.cfg.Key, err)
	}
	b.w, b.bias = kernel.Dense(m), w.Bias
	b.res.hold(b.env.Session.Tracker(), dev, b.w.Bytes()+int64(len(b.bias))*4)
	return nil
}

func (b *hostLinear) Unload() {
	b.res.release()
	b.w, b.bias = nil, nil
}

func (b *hostLinear) Forward(input []float32, n int) ([]float32, error) {
	return linearForward(b.variant, b.cfg, b.env, b.res.loaded(), b.w, b.bias, input, n)
}

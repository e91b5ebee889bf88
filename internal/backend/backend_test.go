package backend

import (
	"errors"
	"math"
	"testing"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/hetmoe/internal/convert"
	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/staging"
	"github.com/samcharles93/hetmoe/internal/tensor"
	"github.com/samcharles93/hetmoe/internal/tensorstore"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

var gpu = device.Accelerator(0)

func newEnv(t *testing.T, store tensorstore.Store, maxChunk int) Env {
	t.Helper()
	s := staging.New(staging.Options{MaxChunk: maxChunk, Logger: logger.Discard()})
	t.Cleanup(func() { _ = s.Close() })
	return Env{Store: store, Session: s, Capability: AllCapable}
}

func expertConfig(hidden, inter int) ExpertConfig {
	return ExpertConfig{Key: "blk.0", Experts: 4, TopK: 2, Hidden: hidden, Intermediate: inter}
}

// putExperts stores stacked float32 expert weights and returns them.
func putExperts(t *testing.T, store *tensorstore.MemStore, cfg ExpertConfig, seed int64) map[tensorstore.Projection]*tensor.Mat {
	t.Helper()
	out := make(map[tensorstore.Projection]*tensor.Mat)
	for i, p := range tensorstore.Projections {
		r, c := cfg.Intermediate, cfg.Hidden
		if p == tensorstore.Down {
			r, c = cfg.Hidden, cfg.Intermediate
		}
		m := tensor.NewMat(cfg.Experts*r, c)
		tensor.FillRand(&m, seed+int64(i), 1)
		if err := store.Put(tensorstore.StackedKey(cfg.Key, p), m, cfg.Experts, r, c); err != nil {
			t.Fatalf("put: %v", err)
		}
		out[p] = &m
	}
	return out
}

func routing(n, experts, hidden int) (x []float32, ids []int, ws []float32) {
	x = make([]float32, n*hidden)
	for i := range x {
		x[i] = float32(math.Sin(float64(i)*0.37)) * 0.5
	}
	for t := range n {
		ids = append(ids, t%experts, (t+1)%experts)
		ws = append(ws, 0.6, 0.4)
	}
	return x, ids, ws
}

func relErr(want, got []float32) float64 {
	var num, den float64
	for i := range want {
		d := float64(want[i] - got[i])
		num += d * d
		den += float64(want[i]) * float64(want[i])
	}
	return math.Sqrt(num / den)
}

func mustExpert(t *testing.T, name string, cfg ExpertConfig, env Env) Expert {
	t.Helper()
	b, err := NewExpert(name, cfg, env)
	if err != nil {
		t.Fatalf("new %s: %v", name, err)
	}
	return b
}

func TestUnsupportedBackend(t *testing.T) {
	t.Parallel()

	env := newEnv(t, tensorstore.NewMemStore(), 8)
	var ue *UnsupportedBackendError
	if _, err := NewExpert("amx-turbo", expertConfig(8, 8), env); !errors.As(err, &ue) || ue.Name != "amx-turbo" {
		t.Fatalf("expected UnsupportedBackendError, got %v", err)
	}
	if _, err := NewLinear("llamafile", LinearConfig{Key: "q", In: 4, Out: 4}, env); !errors.As(err, &ue) {
		t.Fatalf("expected UnsupportedBackendError, got %v", err)
	}
}

func TestForwardBeforeLoad(t *testing.T) {
	t.Parallel()

	env := newEnv(t, tensorstore.NewMemStore(), 8)
	cfg := expertConfig(64, 64)
	cfg.Device = gpu
	x, ids, ws := routing(1, cfg.Experts, cfg.Hidden)
	for _, v := range Variants {
		b := mustExpert(t, string(v), cfg, env)
		if b.Variant() != v {
			t.Fatalf("%s built %s", v, b.Variant())
		}
		_, err := b.Forward(x, ids, ws, 1)
		var nl *NotLoadedError
		if !errors.As(err, &nl) || !errors.Is(err, ErrNotLoaded) {
			t.Fatalf("%s: expected NotLoadedError, got %v", v, err)
		}
		l, err := NewLinear(string(v), LinearConfig{Key: "q", In: 64, Out: 64, Device: gpu}, env)
		if err != nil {
			t.Fatalf("linear %s: %v", v, err)
		}
		if _, err := l.Forward(x, 1); !errors.Is(err, ErrNotLoaded) {
			t.Fatalf("linear %s: expected NotLoadedError, got %v", v, err)
		}
	}
}

func TestForwardOverCapacity(t *testing.T) {
	t.Parallel()

	store := tensorstore.NewMemStore()
	cfg := expertConfig(8, 16)
	putExperts(t, store, cfg, 1)
	env := newEnv(t, store, 4)
	x, ids, ws := routing(5, cfg.Experts, cfg.Hidden)
	for _, v := range []Variant{Dense, HostQuant} {
		b := mustExpert(t, string(v), cfg, env)
		if err := b.Load(nil, device.Host); err != nil {
			t.Fatalf("load %s: %v", v, err)
		}
		var ce *CapacityError
		if _, err := b.Forward(x, ids, ws, 5); !errors.As(err, &ce) || ce.Tokens != 5 || ce.Capacity != 4 {
			t.Fatalf("%s: expected CapacityError, got %v", v, err)
		}
		if _, err := b.Forward(x, ids, ws, 4); err != nil {
			t.Fatalf("%s: forward at capacity: %v", v, err)
		}
	}
}

func TestLoadMissingTensor(t *testing.T) {
	t.Parallel()

	env := newEnv(t, tensorstore.NewMemStore(), 8)
	b := mustExpert(t, "host-quant", expertConfig(8, 8), env)
	err := b.Load(nil, device.Host)
	var me *MissingTensorError
	if !errors.As(err, &me) || !errors.Is(err, ErrMissingTensor) || !errors.Is(err, tensorstore.ErrTensorNotFound) {
		t.Fatalf("expected MissingTensorError, got %v", err)
	}
	if me.Key != "blk.0.ffn_gate_exps.weight" {
		t.Fatalf("missing key = %q", me.Key)
	}
	if b.Loaded() || env.Session.Tracker().Resident(device.Host) != 0 {
		t.Fatal("failed load left resident state")
	}
}

func TestVariantsAgreeWithDense(t *testing.T) {
	t.Parallel()

	store := tensorstore.NewMemStore()
	cfg := expertConfig(64, 64)
	putExperts(t, store, cfg, 7)
	env := newEnv(t, store, 32)
	const n = 17
	x, ids, ws := routing(n, cfg.Experts, cfg.Hidden)

	ref := mustExpert(t, "dense", cfg, env)
	if err := ref.Load(nil, device.Host); err != nil {
		t.Fatalf("load dense: %v", err)
	}
	want, err := ref.Forward(x, ids, ws, n)
	if err != nil {
		t.Fatalf("dense forward: %v", err)
	}

	forced := cfg
	forced.Force = true
	accel := cfg
	accel.Device = gpu
	tests := []struct {
		name string
		cfg  ExpertConfig
		tol  cmp.Option
	}{
		{"host-quant", cfg, cmpopts.EquateApprox(0, 1e-4)},
		{"host-bf16", cfg, cmpopts.EquateApprox(0.05, 0.05)},
		{"host-int8", forced, cmpopts.EquateApprox(0.05, 0.05)},
		{"accel-quant", accel, nil},
	}
	for _, tc := range tests {
		b := mustExpert(t, tc.name, tc.cfg, env)
		if string(b.Variant()) != tc.name {
			t.Fatalf("%s built %s", tc.name, b.Variant())
		}
		if err := b.Load(nil, ""); err != nil {
			t.Fatalf("load %s: %v", tc.name, err)
		}
		got, err := b.Forward(x, ids, ws, n)
		if err != nil {
			t.Fatalf("%s forward: %v", tc.name, err)
		}
		if tc.tol == nil {
			// 4-bit weights: compare by relative error
			if e := relErr(want, got); e > 0.3 {
				t.Fatalf("%s relative error %.3f", tc.name, e)
			}
		} else if diff := cmp.Diff(want, got, tc.tol); diff != "" {
			t.Fatalf("%s (-dense +got):\n%s", tc.name, diff)
		}
		b.Unload()
	}
}

func TestResidencyFollowsLoad(t *testing.T) {
	t.Parallel()

	store := tensorstore.NewMemStore()
	cfg := expertConfig(8, 16)
	putExperts(t, store, cfg, 3)
	env := newEnv(t, store, 8)
	tr := env.Session.Tracker()

	b := mustExpert(t, "host-quant", cfg, env)
	if err := b.Load(nil, device.Host); err != nil {
		t.Fatalf("load: %v", err)
	}
	want := int64(3 * cfg.Experts * cfg.Hidden * cfg.Intermediate * 4)
	if b.ResidentBytes() != want || tr.Resident(device.Host) != want {
		t.Fatalf("resident = %d (tracker %d), want %d", b.ResidentBytes(), tr.Resident(device.Host), want)
	}
	if err := b.Load(nil, device.Host); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if tr.Resident(device.Host) != want {
		t.Fatalf("reload double counted: %d", tr.Resident(device.Host))
	}
	b.Unload()
	b.Unload()
	if b.Loaded() || b.ResidentBytes() != 0 || tr.Resident(device.Host) != 0 {
		t.Fatalf("unload left %d bytes", tr.Resident(device.Host))
	}
}

func TestPerExpertKeysMatchStacked(t *testing.T) {
	t.Parallel()

	cfg := expertConfig(8, 12)
	stacked := tensorstore.NewMemStore()
	mats := putExperts(t, stacked, cfg, 5)
	split := tensorstore.NewMemStore()
	for p, m := range mats {
		r := m.R / cfg.Experts
		for e := range cfg.Experts {
			if err := split.Put(tensorstore.PerExpertKey(cfg.Key, p, e), m.Rows(e*r, r)); err != nil {
				t.Fatalf("put: %v", err)
			}
		}
	}
	a, err := LoadExpertWeights(stacked, cfg, device.Host)
	if err != nil {
		t.Fatalf("stacked: %v", err)
	}
	b, err := LoadExpertWeights(split, cfg, device.Host)
	if err != nil {
		t.Fatalf("per-expert: %v", err)
	}
	for e := range cfg.Experts {
		if diff := cmp.Diff(a.Down[e].Data, b.Down[e].Data); diff != "" {
			t.Fatalf("expert %d down differs:\n%s", e, diff)
		}
	}

	if err := split.Put(tensorstore.PerExpertKey(cfg.Key, tensorstore.Up, 3), tensor.NewMat(1, 1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := LoadExpertWeights(split, cfg, device.Host); err == nil {
		t.Fatal("expected shape error for a malformed per-expert tensor")
	}
}

func blockQuantStore(t *testing.T, cfg ExpertConfig) *tensorstore.MemStore {
	t.Helper()
	store := tensorstore.NewMemStore()
	for p, m := range putExperts(t, tensorstore.NewMemStore(), cfg, 9) {
		raw, err := quant.Encode(quant.Q4K, m.Data)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		q, err := tensor.NewMatFromRaw(m.R, m.C, quant.Q4K, raw)
		if err != nil {
			t.Fatalf("raw: %v", err)
		}
		if err := store.Put(tensorstore.StackedKey(cfg.Key, p), q, cfg.Experts, m.R/cfg.Experts, m.C); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	return store
}

func TestBlockQuantSourceFallsBackUnlessForced(t *testing.T) {
	t.Parallel()

	cfg := expertConfig(256, 256)
	store := blockQuantStore(t, cfg)
	env := newEnv(t, store, 8)

	var inc *IncompatibleError
	if _, err := TryInitializeExpert("host-bf16", cfg, env); !errors.As(err, &inc) {
		t.Fatalf("expected IncompatibleError, got %v", err)
	}
	fb := mustExpert(t, "host-bf16", cfg, env)
	if fb.Variant() != HostQuant {
		t.Fatalf("fallback built %s", fb.Variant())
	}

	forced := cfg
	forced.Force = true
	b := mustExpert(t, "host-bf16", forced, env)
	if b.Variant() != HostBF16 {
		t.Fatalf("forced built %s", b.Variant())
	}
	x, ids, ws := routing(3, cfg.Experts, cfg.Hidden)
	for _, be := range []Expert{fb, b} {
		if err := be.Load(nil, device.Host); err != nil {
			t.Fatalf("load %s: %v", be.Variant(), err)
		}
	}
	want, err := fb.Forward(x, ids, ws, 3)
	if err != nil {
		t.Fatalf("host-quant forward: %v", err)
	}
	got, err := b.Forward(x, ids, ws, 3)
	if err != nil {
		t.Fatalf("host-bf16 forward: %v", err)
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0.05, 0.1)); diff != "" {
		t.Fatalf("forced bf16 vs host-quant (-want +got):\n%s", diff)
	}
}

func TestMissingCapabilityFallsBack(t *testing.T) {
	t.Parallel()

	store := tensorstore.NewMemStore()
	cfg := expertConfig(8, 8)
	putExperts(t, store, cfg, 1)
	env := newEnv(t, store, 8)
	env.Capability = func(v Variant) bool { return v != HostBF16 }

	if b := mustExpert(t, "host-bf16", cfg, env); b.Variant() != HostQuant {
		t.Fatalf("built %s without capability", b.Variant())
	}
	cfg.Force = true
	if b := mustExpert(t, "host-bf16", cfg, env); b.Variant() != HostBF16 {
		t.Fatalf("forced built %s", b.Variant())
	}
	if got := Available(env.Capability); got != "dense,host-quant,host-int8,accel-quant" {
		t.Fatalf("available = %q", got)
	}
}

func TestAccelQuantLinearFallsBackToDense(t *testing.T) {
	t.Parallel()

	env := newEnv(t, tensorstore.NewMemStore(), 8)
	for _, cfg := range []LinearConfig{
		{Key: "a", In: 96, Out: 64, Device: gpu},
		{Key: "b", In: 64, Out: 64, Device: device.Host},
	} {
		l, err := NewLinear("accel-quant", cfg, env)
		if err != nil {
			t.Fatalf("%s: %v", cfg.Key, err)
		}
		if l.Variant() != Dense {
			t.Fatalf("%s: built %s", cfg.Key, l.Variant())
		}
	}
	if l, err := NewLinear("accel-quant", LinearConfig{Key: "c", In: 128, Out: 64, Device: gpu}, env); err != nil || l.Variant() != AccelQuant {
		t.Fatalf("tiled shape: %v %v", l, err)
	}
}

func TestLinearVariantsAddBias(t *testing.T) {
	t.Parallel()

	const in, out, n = 64, 128, 3
	store := tensorstore.NewMemStore()
	w := tensor.NewMat(out, in)
	tensor.FillRand(&w, 4, 1)
	bias := tensor.NewMat(1, out)
	for i := range bias.Data {
		bias.Data[i] = float32(i) / 10
	}
	if err := store.Put("blk.0.attn_q.weight", w); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put("blk.0.attn_q.bias", bias, out); err != nil {
		t.Fatalf("put: %v", err)
	}
	env := newEnv(t, store, 8)
	x := make([]float32, n*in)
	for i := range x {
		x[i] = float32(i%7) / 7
	}
	want := make([]float32, n*out)
	for r := range n {
		for i := range out {
			want[r*out+i] = tensor.Dot(w.Row(i), x[r*in:(r+1)*in]) + bias.Data[i]
		}
	}
	tols := map[Variant]cmp.Option{
		Dense:      cmpopts.EquateApprox(0, 1e-4),
		HostQuant:  cmpopts.EquateApprox(0, 1e-4),
		HostBF16:   cmpopts.EquateApprox(0.02, 0.05),
		AccelQuant: cmpopts.EquateApprox(0.1, 0.5),
	}
	for v, tol := range tols {
		cfg := LinearConfig{Key: "blk.0.attn_q", In: in, Out: out, Device: gpu}
		l, err := NewLinear(string(v), cfg, env)
		if err != nil || l.Variant() != v {
			t.Fatalf("new %s: %v", v, err)
		}
		if err := l.Load(nil, ""); err != nil {
			t.Fatalf("load %s: %v", v, err)
		}
		got, err := l.Forward(x, n)
		if err != nil {
			t.Fatalf("forward %s: %v", v, err)
		}
		if diff := cmp.Diff(want, got, tol); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", v, diff)
		}
		if env.Session.Tracker().Resident(gpu) == 0 {
			t.Fatalf("%s: nothing resident on %s", v, gpu)
		}
		l.Unload()
	}
}

func TestInt8ConversionFailure(t *testing.T) {
	t.Parallel()

	raw := make([]byte, 64*64*2)
	for i := 0; i < len(raw); i += 2 {
		v := uint16(bfloat16.FromFloat32(0.25))
		if i == 2 {
			v = uint16(bfloat16.FromFloat32(float32(math.NaN())))
		}
		raw[i], raw[i+1] = byte(v), byte(v>>8)
	}
	m, err := tensor.NewMatFromRaw(64, 64, quant.BF16, raw)
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	env := newEnv(t, tensorstore.NewMemStore(), 8)
	cfg := LinearConfig{Key: "o", In: 64, Out: 64}

	soft, err := NewLinear("host-int8", cfg, env)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := soft.Load(&LinearWeights{W: &m}, device.Host); err != nil {
		t.Fatalf("unforced load should keep the source encoding: %v", err)
	}
	if soft.ResidentBytes() != int64(len(raw)) {
		t.Fatalf("resident %d, want source size %d", soft.ResidentBytes(), len(raw))
	}

	cfg.Force = true
	hard, err := NewLinear("host-int8", cfg, env)
	if err != nil {
		t.Fatalf("new forced: %v", err)
	}
	var ce *convert.ConversionError
	if err := hard.Load(&LinearWeights{W: &m}, device.Host); !errors.As(err, &ce) || ce.To != quant.I8 {
		t.Fatalf("expected ConversionError, got %v", err)
	}
	if hard.Loaded() {
		t.Fatal("failed forced load left the backend loaded")
	}
}

func TestStreamForwardMatchesForward(t *testing.T) {
	t.Parallel()

	store := tensorstore.NewMemStore()
	cfg := expertConfig(16, 24)
	cfg.OutDevice = gpu
	putExperts(t, store, cfg, 2)
	env := newEnv(t, store, 8)
	b := mustExpert(t, "host-quant", cfg, env).(AsyncExpert)
	if err := b.Load(nil, device.Host); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := b.(Warmer).Warmup(); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	const n = 5
	x, ids, ws := routing(n, cfg.Experts, cfg.Hidden)
	want, err := b.Forward(x, ids, ws, n)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	s := env.Session.Stream(gpu)
	if err := b.SubmitForward(s, x, ids, ws, n); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := b.SyncForward(s, n)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stream path (-forward +stream):\n%s", diff)
	}
}

func TestCapturedForwardReplaysOnNewInput(t *testing.T) {
	t.Parallel()

	store := tensorstore.NewMemStore()
	cfg := expertConfig(16, 24)
	putExperts(t, store, cfg, 6)
	env := newEnv(t, store, 8)
	b := mustExpert(t, "host-quant", cfg, env).(AsyncExpert)
	if err := b.Load(nil, device.Host); err != nil {
		t.Fatalf("load: %v", err)
	}
	const n = 2
	x, ids, ws := routing(n, cfg.Experts, cfg.Hidden)

	s := env.Session.Stream(device.Host)
	if err := s.BeginCapture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := b.SubmitForward(s, x, ids, ws, n); err != nil {
		t.Fatalf("submit: %v", err)
	}
	out, err := b.SyncForward(s, n)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	g, err := s.EndCapture()
	if err != nil {
		t.Fatalf("end capture: %v", err)
	}

	for i := range x {
		x[i] *= -2
	}
	if err := g.Replay(s); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("stream: %v", err)
	}
	want, err := b.Forward(x, ids, ws, n)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("replay (-forward +replay):\n%s", diff)
	}
}

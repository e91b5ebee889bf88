package group

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/hetmoe/internal/backend"
	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/staging"
	"github.com/samcharles93/hetmoe/internal/tensor"
	"github.com/samcharles93/hetmoe/internal/tensorstore"
)

var gpu = device.Accelerator(0)

func setup(t *testing.T, withWeights bool) (backend.Env, backend.ExpertConfig) {
	t.Helper()
	cfg := backend.ExpertConfig{Key: "blk.1", Experts: 4, TopK: 2, Hidden: 8, Intermediate: 16}
	store := tensorstore.NewMemStore()
	if withWeights {
		for i, p := range tensorstore.Projections {
			r, c := cfg.Intermediate, cfg.Hidden
			if p == tensorstore.Down {
				r, c = c, r
			}
			m := tensor.NewMat(cfg.Experts*r, c)
			tensor.FillRand(&m, int64(i), 1)
			if err := store.Put(tensorstore.StackedKey(cfg.Key, p), m, cfg.Experts, r, c); err != nil {
				t.Fatalf("put: %v", err)
			}
		}
	}
	s := staging.New(staging.Options{MaxChunk: 16, Logger: logger.Discard()})
	t.Cleanup(func() { _ = s.Close() })
	return backend.Env{Store: store, Session: s, Capability: backend.AllCapable}, cfg
}

func expertGroup(t *testing.T, env backend.Env, cfg backend.ExpertConfig) *ExpertGroup {
	t.Helper()
	pre, err := backend.NewExpert("dense", cfg, env)
	if err != nil {
		t.Fatalf("prefill backend: %v", err)
	}
	gen, err := backend.NewExpert("host-quant", cfg, env)
	if err != nil {
		t.Fatalf("generate backend: %v", err)
	}
	g, err := NewExpertGroup(cfg.Key, pre, gen, Placement{Device: gpu}, Placement{Device: device.Host}, logger.Discard())
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	return g
}

func TestPhaseResidency(t *testing.T) {
	t.Parallel()

	env, cfg := setup(t, true)
	g := expertGroup(t, env, cfg)
	tr := env.Session.Tracker()

	check := func(p Phase) {
		t.Helper()
		st := g.Status()
		if st.Phase != p || g.Phase() != p {
			t.Fatalf("phase = %s, want %s", st.Phase, p)
		}
		if st.Prefill.Loaded != (p == Prefill) || st.Generate.Loaded != (p == Generate) {
			t.Fatalf("%s: prefill loaded=%v generate loaded=%v", p, st.Prefill.Loaded, st.Generate.Loaded)
		}
		want := map[device.ID]int64{}
		if p == Prefill {
			want[gpu] = st.Prefill.Resident
		}
		if p == Generate {
			want[device.Host] = st.Generate.Resident
		}
		if diff := cmp.Diff(want, tr.Snapshot()); diff != "" {
			t.Fatalf("%s residency (-want +got):\n%s", p, diff)
		}
	}

	check(Unloaded)
	for _, p := range []Phase{Prefill, Generate, Prefill, Prefill, Unloaded, Generate, Unloaded} {
		if err := g.SetPhase(p); err != nil {
			t.Fatalf("set %s: %v", p, err)
		}
		check(p)
	}
}

func TestPrefillGeneratePrefillLeavesNoGenerateAllocation(t *testing.T) {
	t.Parallel()

	env, cfg := setup(t, true)
	g := expertGroup(t, env, cfg)
	for _, p := range []Phase{Prefill, Generate, Prefill} {
		if err := g.SetPhase(p); err != nil {
			t.Fatalf("set %s: %v", p, err)
		}
	}
	tr := env.Session.Tracker()
	if tr.Resident(device.Host) != 0 {
		t.Fatalf("generate backend still holds %d host bytes", tr.Resident(device.Host))
	}
	if got := g.Backend(); got == nil || got.Variant() != backend.Dense || !got.Loaded() {
		t.Fatalf("active backend = %v", got)
	}
	if tr.Resident(gpu) == 0 {
		t.Fatal("prefill backend holds nothing")
	}
}

func TestForwardFollowsPhase(t *testing.T) {
	t.Parallel()

	env, cfg := setup(t, true)
	g := expertGroup(t, env, cfg)
	x := make([]float32, 2*cfg.Hidden)
	for i := range x {
		x[i] = float32(i) / 16
	}
	ids := []int{0, 1, 2, 3}
	ws := []float32{0.7, 0.3, 0.5, 0.5}

	_, err := g.Forward(x, ids, ws, 2)
	var nl *backend.NotLoadedError
	if !errors.As(err, &nl) || !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected NotLoadedError while unloaded, got %v", err)
	}

	if err := g.SetPhase(Prefill); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	pre, err := g.Forward(x, ids, ws, 2)
	if err != nil {
		t.Fatalf("prefill forward: %v", err)
	}
	if err := g.SetPhase(Generate); err != nil {
		t.Fatalf("generate: %v", err)
	}
	gen, err := g.Forward(x, ids, ws, 2)
	if err != nil {
		t.Fatalf("generate forward: %v", err)
	}
	for i := range pre {
		if d := pre[i] - gen[i]; d > 1e-4 || d < -1e-4 {
			t.Fatalf("output %d: prefill %v generate %v", i, pre[i], gen[i])
		}
	}
}

func TestLoadFailureLeavesGroupUnloaded(t *testing.T) {
	t.Parallel()

	env, cfg := setup(t, false)
	g := expertGroup(t, env, cfg)
	err := g.SetPhase(Generate)
	if !errors.Is(err, backend.ErrMissingTensor) {
		t.Fatalf("expected missing tensor, got %v", err)
	}
	if g.Phase() != Unloaded || len(env.Session.Tracker().Snapshot()) != 0 {
		t.Fatalf("phase %s, resident %v", g.Phase(), env.Session.Tracker().Snapshot())
	}
}

func TestLinearGroup(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, false)
	w := tensor.NewMat(64, 64)
	tensor.FillRand(&w, 2, 1)
	if err := env.Store.(*tensorstore.MemStore).Put("blk.1.ffn_gate_inp.weight", w); err != nil {
		t.Fatalf("put: %v", err)
	}
	lc := backend.LinearConfig{Key: "blk.1.ffn_gate_inp", In: 64, Out: 64, Device: gpu}
	pre, err := backend.NewLinear("accel-quant", lc, env)
	if err != nil {
		t.Fatalf("prefill: %v", err)
	}
	gen, err := backend.NewLinear("dense", lc, env)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	g, err := NewLinearGroup(lc.Key, pre, gen, Placement{Device: gpu}, Placement{Device: gpu}, nil)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if _, err := g.Forward(make([]float32, 64), 1); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected not loaded, got %v", err)
	}
	for _, p := range []Phase{Generate, Prefill} {
		if err := g.SetPhase(p); err != nil {
			t.Fatalf("set %s: %v", p, err)
		}
		out, err := g.Forward(make([]float32, 64), 1)
		if err != nil || len(out) != 64 {
			t.Fatalf("%s forward: %d values, %v", p, len(out), err)
		}
	}
	st := g.Status()
	if st.Kind != "linear" || st.Generate.Loaded || !st.Prefill.Loaded || st.Prefill.Variant != backend.AccelQuant {
		t.Fatalf("status = %+v", st)
	}
	if got, want := env.Session.Tracker().Resident(gpu), st.Prefill.Resident; got != want {
		t.Fatalf("resident %d, want %d", got, want)
	}
}

func TestParsePhase(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Phase{"prefill": Prefill, "Generate": Generate, "decode": Generate, "unloaded": Unloaded} {
		got, err := ParsePhase(in)
		if err != nil || got != want {
			t.Fatalf("ParsePhase(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParsePhase("warm"); err == nil {
		t.Fatal("expected error")
	}
	var p Phase
	if err := p.UnmarshalText([]byte("prefill")); err != nil || p != Prefill {
		t.Fatalf("unmarshal = %s, %v", p, err)
	}
}

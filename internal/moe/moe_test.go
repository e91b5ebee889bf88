package moe

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/hetmoe/internal/backend"
	"github.com/samcharles93/hetmoe/internal/config"
	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/group"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/router"
	"github.com/samcharles93/hetmoe/internal/staging"
	"github.com/samcharles93/hetmoe/internal/tensor"
	"github.com/samcharles93/hetmoe/internal/tensorstore"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

var approx = cmpopts.EquateApprox(1e-4, 1e-5)

func testConfig(maxChunk int) *config.Config {
	renorm := true
	return &config.Config{
		MaxChunkSize: &maxChunk,
		Model: config.Model{
			Layers:             2,
			Experts:            4,
			ExpertsPerToken:    2,
			Hidden:             8,
			Intermediate:       16,
			SharedIntermediate: 8,
			SharedGate:         true,
			Renormalize:        &renorm,
		},
	}
}

func newEngine(t *testing.T, cfg *config.Config) (*Engine, *tensorstore.MemStore) {
	t.Helper()
	store := tensorstore.NewMemStore()
	if err := Synthesize(cfg.Model, 7, quant.F32, store.Put); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	s := staging.New(staging.Options{MaxChunk: *cfg.MaxChunkSize, Logger: logger.Discard()})
	t.Cleanup(func() { _ = s.Close() })
	e, err := Build(cfg, backend.Env{Store: store, Session: s, Capability: backend.AllCapable})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return e, store
}

func weight(t *testing.T, store *tensorstore.MemStore, key string) *tensor.Mat {
	t.Helper()
	m, err := store.Tensor(key, device.Host)
	if err != nil {
		t.Fatalf("tensor %s: %v", key, err)
	}
	return m
}

// project returns rows [r0, r0+rows) of w applied to x, in float64.
func project(w *tensor.Mat, r0, rows int, x []float64) []float64 {
	out := make([]float64, rows)
	for r := range rows {
		row := w.Data[(r0+r)*w.C : (r0+r+1)*w.C]
		for c, v := range row {
			out[r] += float64(v) * x[c]
		}
	}
	return out
}

func silu(v float64) float64 { return v / (1 + math.Exp(-v)) }

func mlp(gate, up, down *tensor.Mat, gr, dr, inter, hidden int, x []float64) []float64 {
	g := project(gate, gr, inter, x)
	u := project(up, gr, inter, x)
	for i := range g {
		g[i] = silu(g[i]) * u[i]
	}
	return project(down, dr, hidden, g)
}

// reference runs the model token by token in float64.
func reference(t *testing.T, store *tensorstore.MemStore, m config.Model, x []float32, n int) []float32 {
	t.Helper()
	H, I, S := m.Hidden, m.Intermediate, m.SharedIntermediate
	out := make([]float32, len(x))
	copy(out, x)
	for l := range m.Layers {
		key := config.LayerKey(l)
		wr := weight(t, store, tensorstore.WeightKey(key+RouterSuffix))
		gate := weight(t, store, tensorstore.StackedKey(key, tensorstore.Gate))
		up := weight(t, store, tensorstore.StackedKey(key, tensorstore.Up))
		down := weight(t, store, tensorstore.StackedKey(key, tensorstore.Down))
		sg := weight(t, store, tensorstore.WeightKey(key+SharedGateSuffix))
		su := weight(t, store, tensorstore.WeightKey(key+SharedUpSuffix))
		sd := weight(t, store, tensorstore.WeightKey(key+SharedDownSuffix))
		ss := weight(t, store, tensorstore.WeightKey(key+SharedScaleSuffix))
		for tok := range n {
			h := out[tok*H : (tok+1)*H]
			h64 := make([]float64, H)
			for i, v := range h {
				h64[i] = float64(v)
			}
			logits := project(wr, 0, m.Experts, h64)
			l32 := make([]float32, len(logits))
			for i, v := range logits {
				l32[i] = float32(v)
			}
			d, err := router.Route(l32, 1, router.Config{Experts: m.Experts, TopK: m.ExpertsPerToken, Renormalize: true})
			if err != nil {
				t.Fatalf("route: %v", err)
			}
			y := make([]float64, H)
			for j, e := range d.IDs {
				ey := mlp(gate, up, down, e*I, e*H, I, H, h64)
				for i := range y {
					y[i] += float64(d.Weights[j]) * ey[i]
				}
			}
			sy := mlp(sg, su, sd, 0, 0, S, H, h64)
			g := 1 / (1 + math.Exp(-project(ss, 0, 1, h64)[0]))
			for i := range h {
				h[i] += float32(y[i] + g*sy[i])
			}
		}
	}
	return out
}

func TestEngineMatchesReference(t *testing.T) {
	t.Parallel()

	cfg := testConfig(16)
	e, store := newEngine(t, cfg)
	if err := e.SetPhase(group.Prefill); err != nil {
		t.Fatalf("set phase: %v", err)
	}
	const n = 5
	x := Input(n, cfg.Model.Hidden)
	got, err := e.Forward(x, n, false)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	want := reference(t, store, cfg.Model, x, n)
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestPhasesAgree(t *testing.T) {
	t.Parallel()

	cfg := testConfig(16)
	e, _ := newEngine(t, cfg)
	const n = 4
	x := Input(n, cfg.Model.Hidden)

	run := func(p group.Phase, overlap bool) []float32 {
		t.Helper()
		if err := e.SetPhase(p); err != nil {
			t.Fatalf("set %s: %v", p, err)
		}
		out, err := e.Forward(x, n, overlap)
		if err != nil {
			t.Fatalf("forward %s overlap=%v: %v", p, overlap, err)
		}
		return out
	}
	prefill := run(group.Prefill, false)
	generate := run(group.Generate, false)
	overlapped := run(group.Generate, true)
	if diff := cmp.Diff(prefill, generate, approx); diff != "" {
		t.Fatalf("generate differs from prefill (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(generate, overlapped, approx); diff != "" {
		t.Fatalf("overlapped differs (-want +got):\n%s", diff)
	}
}

func TestForwardChunksLongInputs(t *testing.T) {
	t.Parallel()

	cfg := testConfig(2)
	e, store := newEngine(t, cfg)
	if err := e.SetPhase(group.Generate); err != nil {
		t.Fatalf("set phase: %v", err)
	}
	if err := e.Warmup(); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	const n = 5
	x := Input(n, cfg.Model.Hidden)
	got, err := e.Forward(x, n, true)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	want := reference(t, store, cfg.Model, x, n)
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Fatalf("chunked output mismatch (-want +got):\n%s", diff)
	}

	// A single block still enforces the staging capacity.
	b := e.Blocks()[0]
	var capErr *backend.CapacityError
	if _, err := b.Forward(x, n); !errors.As(err, &capErr) {
		t.Fatalf("block forward of %d tokens: got %v, want CapacityError", n, err)
	}
}

func TestEngineStatusAndResidency(t *testing.T) {
	t.Parallel()

	cfg := testConfig(8)
	e, _ := newEngine(t, cfg)
	tracker := e.Session().Tracker()

	if _, err := e.Forward(Input(1, cfg.Model.Hidden), 1, false); !errors.Is(err, group.ErrNotLoaded) {
		t.Fatalf("forward while unloaded: got %v, want ErrNotLoaded", err)
	}
	if got := tracker.Resident(device.Host); got != 0 {
		t.Fatalf("resident before load = %d", got)
	}

	for _, p := range []group.Phase{group.Prefill, group.Generate, group.Unloaded} {
		if err := e.SetPhase(p); err != nil {
			t.Fatalf("set %s: %v", p, err)
		}
		if e.Phase() != p {
			t.Fatalf("engine phase = %s, want %s", e.Phase(), p)
		}
		st := e.Status()
		// gate, experts and four shared linears per layer
		if want := cfg.Model.Layers * 6; len(st) != want {
			t.Fatalf("%d groups, want %d", len(st), want)
		}
		var resident int64
		for _, s := range st {
			if s.Phase != p {
				t.Fatalf("%s in phase %s, want %s", s.Key, s.Phase, p)
			}
			if s.Prefill.Loaded != (p == group.Prefill) || s.Generate.Loaded != (p == group.Generate) {
				t.Fatalf("%s residency %+v / %+v in phase %s", s.Key, s.Prefill, s.Generate, p)
			}
			resident += s.Prefill.Resident + s.Generate.Resident
		}
		if got := tracker.Resident(device.Host); got != resident {
			t.Fatalf("tracker holds %d bytes, groups report %d", got, resident)
		}
	}
}

func TestBuildUsesPlacementRules(t *testing.T) {
	t.Parallel()

	doc := `
model:
  layers: 1
  experts: 4
  experts_per_token: 2
  hidden: 8
  intermediate: 16
rules:
  - match: '^blk\.0$'
    kind: experts
    prefill: {op: host-bf16, device: cpu}
    generate: {op: host-int8, device: cpu}
  - match: 'ffn_gate_inp$'
    kind: linear
    prefill: {op: accel-quant, device: cuda:0}
    generate: {op: host-quant, device: cpu}
`
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	e, _ := newEngine(t, cfg)
	blk := e.Blocks()[0]
	if blk.Shared != nil {
		t.Fatalf("shared expert built without shared_intermediate")
	}
	// host-int8 does not take F32 sources and accel-quant needs 64-aligned
	// shapes, so both fall back.
	st := blk.Status()
	got := map[string][2]backend.Variant{}
	for _, s := range st {
		got[s.Key] = [2]backend.Variant{s.Prefill.Variant, s.Generate.Variant}
	}
	want := map[string][2]backend.Variant{
		"blk.0":              {backend.HostBF16, backend.HostQuant},
		"blk.0.ffn_gate_inp": {backend.Dense, backend.HostQuant},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("variants (-want +got):\n%s", diff)
	}
}

func TestBuildRejectsBadModel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(8)
	cfg.Model.ExpertsPerToken = 9
	s := staging.New(staging.Options{MaxChunk: 8, Logger: logger.Discard()})
	t.Cleanup(func() { _ = s.Close() })
	if _, err := Build(cfg, backend.Env{Store: tensorstore.NewMemStore(), Session: s}); err == nil {
		t.Fatal("expected error for experts_per_token > experts")
	}
}

func TestSynthesizeBlockedNeedsAlignedShapes(t *testing.T) {
	t.Parallel()

	m := testConfig(8).Model
	err := Synthesize(m, 1, quant.Q4K, func(string, tensor.Mat, ...int) error { return nil })
	if err == nil {
		t.Fatal("expected error for unaligned Q4_K shapes")
	}

	m = config.Model{Layers: 1, Experts: 2, ExpertsPerToken: 1, Hidden: 256, Intermediate: 256}
	store := tensorstore.NewMemStore()
	if err := Synthesize(m, 1, quant.Q4K, store.Put); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	meta, err := store.Metadata(tensorstore.StackedKey("blk.0", tensorstore.Down))
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Kind != quant.Q4K {
		t.Fatalf("kind = %s, want Q4_K", meta.Kind)
	}
	if store.Has(tensorstore.WeightKey("blk.0" + SharedGateSuffix)) {
		t.Fatal("shared weights written without shared_intermediate")
	}
}

package router

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// linearExperts maps x to A_e x + e, so every expert is distinguishable.
type linearExperts struct {
	h     int
	mats  [][]float32
	calls map[int]int
}

func newLinearExperts(experts, h int, seed int64) *linearExperts {
	rng := rand.New(rand.NewSource(seed))
	le := &linearExperts{h: h, calls: make(map[int]int)}
	for range experts {
		m := make([]float32, h*h)
		for i := range m {
			m[i] = rng.Float32() - 0.5
		}
		le.mats = append(le.mats, m)
	}
	return le
}

func (le *linearExperts) Hidden() int { return le.h }

func (le *linearExperts) EvalExpert(e int, x []float32, m int, out []float32) error {
	le.calls[e]++
	a := le.mats[e]
	for r := range m {
		for i := range le.h {
			sum := float32(e)
			for j := range le.h {
				sum += a[i*le.h+j] * x[r*le.h+j]
			}
			out[r*le.h+i] = sum
		}
	}
	return nil
}

func randomDecision(t *testing.T, n, experts, k int, seed int64) Decision {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	logits := make([]float32, n*experts)
	for i := range logits {
		logits[i] = float32(rng.NormFloat64())
	}
	d, err := Route(logits, n, Config{Experts: experts, TopK: k, Renormalize: true})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	return d
}

func TestCombinePathsAgree(t *testing.T) {
	t.Parallel()

	const n, experts, k, h = 37, 8, 3, 12
	ev := newLinearExperts(experts, h, 1)
	d := randomDecision(t, n, experts, k, 2)
	x := make([]float32, n*h)
	rng := rand.New(rand.NewSource(5))
	for i := range x {
		x[i] = rng.Float32()*2 - 1
	}

	direct := make([]float32, n*h)
	masked := make([]float32, n*h)
	grouped := make([]float32, n*h)
	if err := CombineDirect(ev, x, d, experts, direct); err != nil {
		t.Fatalf("direct: %v", err)
	}
	if err := CombineMasked(ev, x, d, experts, masked); err != nil {
		t.Fatalf("masked: %v", err)
	}
	if err := CombineGrouped(ev, x, d, experts, grouped); err != nil {
		t.Fatalf("grouped: %v", err)
	}
	opt := cmpopts.EquateApprox(0, 1e-4)
	if diff := cmp.Diff(direct, grouped, opt); diff != "" {
		t.Fatalf("direct vs grouped (-direct +grouped):\n%s", diff)
	}
	if diff := cmp.Diff(direct, masked, opt); diff != "" {
		t.Fatalf("direct vs masked (-direct +masked):\n%s", diff)
	}
}

func TestCombineScenarioWeightsExpertOutputs(t *testing.T) {
	t.Parallel()

	const h = 4
	ev := newLinearExperts(4, h, 9)
	d, err := Route([]float32{2, 1, 0, -1}, 1, Config{Experts: 4, TopK: 2, Renormalize: true})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	x := []float32{0.3, -0.1, 0.7, 0.2}
	got := make([]float32, h)
	if err := CombineGrouped(ev, x, d, 4, got); err != nil {
		t.Fatalf("combine: %v", err)
	}
	e0 := make([]float32, h)
	e1 := make([]float32, h)
	_ = ev.EvalExpert(0, x, 1, e0)
	_ = ev.EvalExpert(1, x, 1, e1)
	want := make([]float32, h)
	for i := range want {
		want[i] = d.Weights[0]*e0[i] + d.Weights[1]*e1[i]
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Fatalf("combine output (-want +got):\n%s", diff)
	}
}

func TestGroupIsStableByExpert(t *testing.T) {
	t.Parallel()

	d := Decision{N: 3, K: 2, IDs: []int{2, 0, 0, 2, 1, 0}, Weights: make([]float32, 6)}
	g, err := Group(d, 3)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if diff := cmp.Diff([]int{1, 2, 5, 4, 0, 3}, g.Order); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 3, 4, 6}, g.Offsets); diff != "" {
		t.Fatalf("offsets (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{4}, g.Rows(1)); diff != "" {
		t.Fatalf("rows(1) (-want +got):\n%s", diff)
	}
}

func TestGroupedEvaluatesEachExpertOnce(t *testing.T) {
	t.Parallel()

	const n, experts, h = 20, 4, 3
	ev := newLinearExperts(experts, h, 4)
	d := randomDecision(t, n, experts, 2, 7)
	out := make([]float32, n*h)
	if err := CombineGrouped(ev, make([]float32, n*h), d, experts, out); err != nil {
		t.Fatalf("grouped: %v", err)
	}
	for e, c := range ev.calls {
		if c != 1 {
			t.Fatalf("expert %d evaluated %d times", e, c)
		}
	}
}

func TestCombineRejectsOutOfRangeExpert(t *testing.T) {
	t.Parallel()

	ev := newLinearExperts(2, 2, 1)
	d := Decision{N: 1, K: 1, IDs: []int{5}, Weights: []float32{1}}
	out := make([]float32, 2)
	for name, fn := range map[string]func(Evaluator, []float32, Decision, int, []float32) error{
		"direct": CombineDirect, "masked": CombineMasked, "grouped": CombineGrouped,
	} {
		var re *RoutingError
		if err := fn(ev, make([]float32, 2), d, 2, out); !errors.As(err, &re) {
			t.Fatalf("%s: expected RoutingError, got %v", name, err)
		}
	}
}

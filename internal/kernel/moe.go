package kernel

import (
	"fmt"

	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/router"
	"github.com/samcharles93/hetmoe/internal/tensor"
)

// Experts is the resident weight descriptor of an expert block. Gate and Up
// are Intermediate x Hidden, Down is Hidden x Intermediate, one per expert.
type Experts struct {
	Hidden       int
	Intermediate int
	Act          tensor.Activation

	Gate, Up, Down []Matrix
}

// Count is the number of experts.
func (w *Experts) Count() int { return len(w.Gate) }

// Validate checks that every matrix has the expected shape.
func (w *Experts) Validate() error {
	if len(w.Up) != len(w.Gate) || len(w.Down) != len(w.Gate) {
		return fmt.Errorf("kernel: expert matrices disagree on count: gate=%d up=%d down=%d", len(w.Gate), len(w.Up), len(w.Down))
	}
	for e := range w.Gate {
		for _, c := range []struct {
			name string
			m    Matrix
			r, c int
		}{
			{"gate", w.Gate[e], w.Intermediate, w.Hidden},
			{"up", w.Up[e], w.Intermediate, w.Hidden},
			{"down", w.Down[e], w.Hidden, w.Intermediate},
		} {
			if c.m == nil {
				return fmt.Errorf("kernel: expert %d has no %s matrix", e, c.name)
			}
			if r, cc := c.m.Dims(); r != c.r || cc != c.c {
				return fmt.Errorf("kernel: expert %d %s is %dx%d, want %dx%d", e, c.name, r, cc, c.r, c.c)
			}
		}
	}
	return nil
}

// Bytes is the resident size of every matrix.
func (w *Experts) Bytes() int64 {
	var n int64
	for e := range w.Gate {
		n += w.Gate[e].Bytes() + w.Up[e].Bytes() + w.Down[e].Bytes()
	}
	return n
}

// Evaluator applies single experts of W. It satisfies router.Evaluator.
type Evaluator struct {
	T Tuning
	W *Experts
}

// NewEvaluator fills tuning defaults.
func NewEvaluator(t Tuning, w *Experts) Evaluator {
	return Evaluator{T: t.WithDefaults(), W: w}
}

func (ev Evaluator) Hidden() int { return ev.W.Hidden }

// EvalExpert computes down(act(gate x) * up x) for m rows of x.
func (ev Evaluator) EvalExpert(e int, x []float32, m int, out []float32) error {
	if e < 0 || e >= ev.W.Count() {
		return &router.RoutingError{Token: -1, Slot: -1, Expert: e, Experts: ev.W.Count()}
	}
	h, inter := ev.W.Hidden, ev.W.Intermediate
	batch := ev.T.GroupMaxLen
	if m < ev.T.GroupMinLen {
		batch = 1
	}
	batch = min(batch, m)
	gate := make([]float32, batch*inter)
	up := make([]float32, batch*inter)
	for rs := 0; rs < m; rs += batch {
		b := min(batch, m-rs)
		xs := x[rs*h : (rs+b)*h]
		g, u := gate[:b*inter], up[:b*inter]
		if err := ev.T.project(g, ev.W.Gate[e], xs, b); err != nil {
			return err
		}
		if err := ev.T.project(u, ev.W.Up[e], xs, b); err != nil {
			return err
		}
		tensor.GateMul(g, u, ev.W.Act)
		if err := ev.T.project(out[rs*h:(rs+b)*h], ev.W.Down[e], g, b); err != nil {
			return err
		}
	}
	return nil
}

// MoE runs the routed experts for n staged tokens. input and output are
// Hidden wide; ids and weights are experts-per-token wide. Rows are grouped
// by expert, each group is evaluated once, and every token's slot results
// are summed in slot order.
func MoE(t Tuning, w *Experts, n int, input, ids, weights, output device.Handle) error {
	if n == 0 {
		return nil
	}
	h, k := w.Hidden, ids.Stride
	if input.Stride != h || output.Stride != h {
		return fmt.Errorf("kernel: moe hidden %d given input stride %d, output stride %d", h, input.Stride, output.Stride)
	}
	if weights.Stride != k || k <= 0 {
		return fmt.Errorf("kernel: moe ids stride %d, weights stride %d", k, weights.Stride)
	}
	for _, hd := range []device.Handle{input, ids, weights, output} {
		if hd.Rows() < n {
			return fmt.Errorf("kernel: moe over %d tokens given a %d-row handle", n, hd.Rows())
		}
	}
	raw := ids.Int64s()[:n*k]
	d := router.Decision{N: n, K: k, IDs: make([]int, n*k), Weights: weights.Float32s()[:n*k]}
	for i, id := range raw {
		if id < 0 || id >= int64(w.Count()) {
			return &router.RoutingError{Token: i / k, Slot: i % k, Expert: int(id), Experts: w.Count()}
		}
		d.IDs[i] = int(id)
	}
	return router.CombineGrouped(NewEvaluator(t, w), input.Float32s()[:n*h], d, w.Count(), output.Float32s()[:n*h])
}

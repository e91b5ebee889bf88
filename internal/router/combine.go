package router

import (
	"cmp"
	"fmt"
	"slices"
)

// Evaluator runs a single expert over m token rows.
type Evaluator interface {
	// Hidden is the activation width of inputs and outputs.
	Hidden() int
	// EvalExpert writes expert e applied to x (m rows) into out (m rows).
	EvalExpert(e int, x []float32, m int, out []float32) error
}

func checkCombine(ev Evaluator, x []float32, d Decision, out []float32) (int, error) {
	h := ev.Hidden()
	if len(x) < d.N*h || len(out) < d.N*h {
		return 0, fmt.Errorf("router: combine buffers too small for %d tokens of width %d", d.N, h)
	}
	return h, nil
}

// CombineDirect evaluates every (token, slot) pair on its own and sums the
// weighted outputs per token in slot order.
func CombineDirect(ev Evaluator, x []float32, d Decision, experts int, out []float32) error {
	h, err := checkCombine(ev, x, d, out)
	if err != nil {
		return err
	}
	if err := d.Validate(experts); err != nil {
		return err
	}
	y := make([]float32, h)
	for t := range d.N {
		acc := out[t*h : (t+1)*h]
		clear(acc)
		ids, ws := d.Token(t)
		for j, id := range ids {
			if err := ev.EvalExpert(id, x[t*h:(t+1)*h], 1, y); err != nil {
				return fmt.Errorf("expert %d: %w", id, err)
			}
			for i := range acc {
				acc[i] += ws[j] * y[i]
			}
		}
	}
	return nil
}

// CombineMasked walks experts in index order. For each expert it builds the
// one-hot mask of tokens that selected it, evaluates those tokens as one
// batch and accumulates the weighted rows.
func CombineMasked(ev Evaluator, x []float32, d Decision, experts int, out []float32) error {
	h, err := checkCombine(ev, x, d, out)
	if err != nil {
		return err
	}
	if err := d.Validate(experts); err != nil {
		return err
	}
	clear(out[:d.N*h])
	tokens := make([]int, 0, d.N)
	weights := make([]float32, 0, d.N)
	for e := range experts {
		tokens, weights = tokens[:0], weights[:0]
		for t := range d.N {
			ids, ws := d.Token(t)
			for j, id := range ids {
				if id == e {
					tokens = append(tokens, t)
					weights = append(weights, ws[j])
				}
			}
		}
		if len(tokens) == 0 {
			continue
		}
		m := len(tokens)
		xs := make([]float32, m*h)
		for r, t := range tokens {
			copy(xs[r*h:(r+1)*h], x[t*h:(t+1)*h])
		}
		ys := make([]float32, m*h)
		if err := ev.EvalExpert(e, xs, m, ys); err != nil {
			return fmt.Errorf("expert %d: %w", e, err)
		}
		for r, t := range tokens {
			acc := out[t*h : (t+1)*h]
			for i := range acc {
				acc[i] += weights[r] * ys[r*h+i]
			}
		}
	}
	return nil
}

// Grouping is the token-sorted view of a decision: Order lists flattened
// (token*K + slot) positions stably sorted by expert id, and Offsets[e] to
// Offsets[e+1] is the run of positions assigned to expert e.
type Grouping struct {
	Order   []int
	Offsets []int
}

// Group sorts the decision's slots by expert id, preserving token order
// within each expert.
func Group(d Decision, experts int) (Grouping, error) {
	if err := d.Validate(experts); err != nil {
		return Grouping{}, err
	}
	order := make([]int, d.N*d.K)
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(d.IDs[a], d.IDs[b])
	})
	offsets := make([]int, experts+1)
	for _, p := range order {
		offsets[d.IDs[p]+1]++
	}
	for e := range experts {
		offsets[e+1] += offsets[e]
	}
	return Grouping{Order: order, Offsets: offsets}, nil
}

// Rows returns the flattened positions routed to expert e.
func (g Grouping) Rows(e int) []int {
	return g.Order[g.Offsets[e]:g.Offsets[e+1]]
}

// CombineGrouped gathers the rows of each expert contiguously, evaluates
// each group once, scatters results back to their (token, slot) position
// and sums each token's slots in slot order.
func CombineGrouped(ev Evaluator, x []float32, d Decision, experts int, out []float32) error {
	h, err := checkCombine(ev, x, d, out)
	if err != nil {
		return err
	}
	g, err := Group(d, experts)
	if err != nil {
		return err
	}
	slotOut := make([]float32, d.N*d.K*h)
	gathered := make([]float32, len(g.Order)*h)
	for e := range experts {
		rows := g.Rows(e)
		if len(rows) == 0 {
			continue
		}
		m := len(rows)
		xs := gathered[g.Offsets[e]*h : g.Offsets[e+1]*h]
		for r, p := range rows {
			t := p / d.K
			copy(xs[r*h:(r+1)*h], x[t*h:(t+1)*h])
		}
		ys := make([]float32, m*h)
		if err := ev.EvalExpert(e, xs, m, ys); err != nil {
			return fmt.Errorf("expert %d: %w", e, err)
		}
		for r, p := range rows {
			copy(slotOut[p*h:(p+1)*h], ys[r*h:(r+1)*h])
		}
	}
	for t := range d.N {
		acc := out[t*h : (t+1)*h]
		clear(acc)
		_, ws := d.Token(t)
		for j, w := range ws {
			y := slotOut[(t*d.K+j)*h : (t*d.K+j+1)*h]
			for i := range acc {
				acc[i] += w * y[i]
			}
		}
	}
	return nil
}

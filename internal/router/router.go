// Package router turns gate logits into per-token expert assignments and
// merges expert outputs back into token activations.
package router

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Config fixes the routing shape.
type Config struct {
	Experts int
	TopK    int
	// Renormalize rescales the selected weights of each token to sum to 1.
	Renormalize bool
	// Scale multiplies every selected weight after renormalization. Zero
	// means 1.
	Scale float32
}

// Validate checks the shape.
func (c Config) Validate() error {
	if c.Experts <= 0 {
		return fmt.Errorf("router: experts must be positive, got %d", c.Experts)
	}
	if c.TopK <= 0 || c.TopK > c.Experts {
		return fmt.Errorf("router: experts_per_token must be in [1, %d], got %d", c.Experts, c.TopK)
	}
	return nil
}

// RoutingError reports an expert id outside [0, Experts).
type RoutingError struct {
	Token, Slot int
	Expert      int
	Experts     int
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("router: token %d slot %d selects expert %d, outside [0, %d)", e.Token, e.Slot, e.Expert, e.Experts)
}

// Decision is the routing of N tokens, K experts each, token-major.
type Decision struct {
	N, K    int
	IDs     []int
	Weights []float32
}

// Validate rejects any expert id outside [0, experts).
func (d Decision) Validate(experts int) error {
	if len(d.IDs) < d.N*d.K || len(d.Weights) < d.N*d.K {
		return fmt.Errorf("router: decision holds %d ids and %d weights for %dx%d", len(d.IDs), len(d.Weights), d.N, d.K)
	}
	for t := range d.N {
		for j := range d.K {
			if id := d.IDs[t*d.K+j]; id < 0 || id >= experts {
				return &RoutingError{Token: t, Slot: j, Expert: id, Experts: experts}
			}
		}
	}
	return nil
}

// Token returns the ids and weights of token t.
func (d Decision) Token(t int) ([]int, []float32) {
	return d.IDs[t*d.K : (t+1)*d.K], d.Weights[t*d.K : (t+1)*d.K]
}

// Softmax writes the softmax of logits into dst, computed in float64 as
// exp(l - logsumexp(l)).
func Softmax(dst []float64, logits []float32) {
	for i, v := range logits {
		dst[i] = float64(v)
	}
	lse := floats.LogSumExp(dst[:len(logits)])
	for i := range logits {
		dst[i] = math.Exp(dst[i] - lse)
	}
}

// Route computes the decision for n tokens from token-major gate logits
// (n x cfg.Experts): softmax, top-k with ties going to the lower index,
// optional renormalization, then scaling.
func Route(logits []float32, n int, cfg Config) (Decision, error) {
	if err := cfg.Validate(); err != nil {
		return Decision{}, err
	}
	if len(logits) != n*cfg.Experts {
		return Decision{}, fmt.Errorf("router: %d logits for %d tokens x %d experts", len(logits), n, cfg.Experts)
	}
	scale := cfg.Scale
	if scale == 0 {
		scale = 1
	}
	d := Decision{N: n, K: cfg.TopK, IDs: make([]int, n*cfg.TopK), Weights: make([]float32, n*cfg.TopK)}
	probs := make([]float64, cfg.Experts)
	for t := range n {
		row := logits[t*cfg.Experts : (t+1)*cfg.Experts]
		for _, v := range row {
			if math.IsNaN(float64(v)) {
				return Decision{}, fmt.Errorf("router: token %d has NaN gate logit", t)
			}
		}
		Softmax(probs, row)
		ids, ws := d.Token(t)
		SelectTopK(probs, ids)

		var sum float64
		for _, id := range ids {
			sum += probs[id]
		}
		for j, id := range ids {
			w := probs[id]
			if cfg.Renormalize && sum > 0 {
				w /= sum
			}
			ws[j] = float32(w) * scale
		}
	}
	return d, nil
}

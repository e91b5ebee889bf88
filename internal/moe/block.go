// Package moe composes routing, the routed expert group and the optional
// shared expert into MoE blocks, and drives a stack of blocks through phase
// changes and chunked forwards.
package moe

import (
	"fmt"
	"slices"

	"github.com/samcharles93/hetmoe/internal/backend"
	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/group"
	"github.com/samcharles93/hetmoe/internal/router"
	"github.com/samcharles93/hetmoe/internal/tensor"
)

// Shared is the always-on expert added to the routed output.
type Shared struct {
	Gate, Up, Down *group.LinearGroup
	// Scale, when set, is a single-output linear whose sigmoid weighs the
	// shared output per token.
	Scale *group.LinearGroup
	Act   tensor.Activation
}

func (s *Shared) groups() []*group.LinearGroup {
	g := []*group.LinearGroup{s.Gate, s.Up, s.Down}
	if s.Scale != nil {
		g = append(g, s.Scale)
	}
	return g
}

// forward returns the shared output for n tokens, already scaled.
func (s *Shared) forward(x []float32, n, hidden int) ([]float32, error) {
	gate, err := s.Gate.Forward(x, n)
	if err != nil {
		return nil, fmt.Errorf("shared gate: %w", err)
	}
	up, err := s.Up.Forward(x, n)
	if err != nil {
		return nil, fmt.Errorf("shared up: %w", err)
	}
	tensor.GateMul(gate, up, s.Act)
	y, err := s.Down.Forward(gate, n)
	if err != nil {
		return nil, fmt.Errorf("shared down: %w", err)
	}
	if s.Scale == nil {
		return y, nil
	}
	logits, err := s.Scale.Forward(x, n)
	if err != nil {
		return nil, fmt.Errorf("shared scale: %w", err)
	}
	for t := range n {
		g := tensor.Sigmoid(logits[t])
		row := y[t*hidden : (t+1)*hidden]
		for i := range row {
			row[i] *= g
		}
	}
	return y, nil
}

// Block is one MoE layer. Gate maps hidden activations to one logit per
// expert.
type Block struct {
	Key     string
	Hidden  int
	Router  router.Config
	Gate    *group.LinearGroup
	Experts *group.ExpertGroup
	Shared  *Shared
}

type phaser interface {
	SetPhase(group.Phase) error
	Status() group.Status
}

func (b *Block) members() []phaser {
	m := []phaser{b.Gate, b.Experts}
	if b.Shared != nil {
		for _, g := range b.Shared.groups() {
			m = append(m, g)
		}
	}
	return m
}

// SetPhase switches every group of the block.
func (b *Block) SetPhase(p group.Phase) error {
	for _, m := range b.members() {
		if err := m.SetPhase(p); err != nil {
			return fmt.Errorf("block %s: %w", b.Key, err)
		}
	}
	return nil
}

// Status reports every group of the block.
func (b *Block) Status() []group.Status {
	var out []group.Status
	for _, m := range b.members() {
		out = append(out, m.Status())
	}
	return out
}

func (b *Block) route(x []float32, n int) (router.Decision, error) {
	if len(x) < n*b.Hidden {
		return router.Decision{}, fmt.Errorf("block %s: %d inputs for %d tokens of width %d", b.Key, len(x), n, b.Hidden)
	}
	logits, err := b.Gate.Forward(x, n)
	if err != nil {
		return router.Decision{}, fmt.Errorf("block %s: gate: %w", b.Key, err)
	}
	d, err := router.Route(logits, n, b.Router)
	if err != nil {
		return router.Decision{}, fmt.Errorf("block %s: %w", b.Key, err)
	}
	return d, nil
}

// Forward computes the block output for n tokens: the routed expert sum
// plus the shared expert.
func (b *Block) Forward(x []float32, n int) ([]float32, error) {
	d, err := b.route(x, n)
	if err != nil {
		return nil, err
	}
	out, err := b.Experts.Forward(x, d.IDs, d.Weights, n)
	if err != nil {
		return nil, fmt.Errorf("block %s: experts: %w", b.Key, err)
	}
	return b.addShared(out, x, n)
}

func (b *Block) addShared(out, x []float32, n int) ([]float32, error) {
	if b.Shared == nil {
		return out, nil
	}
	y, err := b.Shared.forward(x, n, b.Hidden)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", b.Key, err)
	}
	tensor.Add(out[:n*b.Hidden], y)
	return out, nil
}

// ForwardOverlapped issues the routed experts on s and computes the shared
// expert while they run. Backends without a stream path use Forward.
func (b *Block) ForwardOverlapped(s *device.Stream, x []float32, n int) ([]float32, error) {
	be, ok := b.Experts.Backend().(backend.AsyncExpert)
	if !ok {
		return b.Forward(x, n)
	}
	d, err := b.route(x, n)
	if err != nil {
		return nil, err
	}
	if err := be.SubmitForward(s, x, d.IDs, d.Weights, n); err != nil {
		return nil, fmt.Errorf("block %s: submit: %w", b.Key, err)
	}
	var shared []float32
	if b.Shared != nil {
		shared, err = b.Shared.forward(x, n, b.Hidden)
	}
	routed, serr := be.SyncForward(s, n)
	if serr == nil {
		serr = s.Synchronize()
	} else {
		_ = s.Synchronize()
	}
	if serr != nil {
		return nil, fmt.Errorf("block %s: experts: %w", b.Key, serr)
	}
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", b.Key, err)
	}
	out := slices.Clone(routed)
	if shared != nil {
		tensor.Add(out, shared)
	}
	return out, nil
}

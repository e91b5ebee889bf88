package moe

import (
	"fmt"
	"sync"

	"github.com/samcharles93/hetmoe/internal/backend"
	"github.com/samcharles93/hetmoe/internal/group"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/staging"
)

// Engine runs a stack of blocks with residual connections.
type Engine struct {
	session *staging.Session
	blocks  []*Block
	log     logger.Logger

	mu    sync.Mutex
	phase group.Phase
}

// NewEngine wraps blocks built against session.
func NewEngine(session *staging.Session, blocks []*Block, log logger.Logger) *Engine {
	return &Engine{session: session, blocks: blocks, log: logger.OrDefault(log).With("component", "engine")}
}

func (e *Engine) Session() *staging.Session { return e.session }
func (e *Engine) Blocks() []*Block          { return e.blocks }

// Phase is the phase most recently set on every block.
func (e *Engine) Phase() group.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// SetPhase switches every block. A failure leaves the engine Unloaded.
func (e *Engine) SetPhase(p group.Phase) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.blocks {
		if err := b.SetPhase(p); err != nil {
			for _, u := range e.blocks {
				_ = u.SetPhase(group.Unloaded)
			}
			e.phase = group.Unloaded
			return err
		}
	}
	e.log.Info("phase set", "phase", p, "blocks", len(e.blocks), "resident", e.session.Tracker().Snapshot())
	e.phase = p
	return nil
}

// Warmup dry-runs every loaded expert backend that supports it.
func (e *Engine) Warmup() error {
	for _, b := range e.blocks {
		if w, ok := b.Experts.Backend().(backend.Warmer); ok {
			if err := w.Warmup(); err != nil {
				return fmt.Errorf("block %s: warmup: %w", b.Key, err)
			}
		}
	}
	return nil
}

// Status lists every group of every block.
func (e *Engine) Status() []group.Status {
	var out []group.Status
	for _, b := range e.blocks {
		out = append(out, b.Status()...)
	}
	return out
}

// Forward runs n tokens of hidden activations through every block,
// h = h + block(h), in chunks of at most the session's max chunk size. With
// overlap, the routed experts run on the session stream of their output
// device while the shared expert is computed.
func (e *Engine) Forward(x []float32, n int, overlap bool) ([]float32, error) {
	if len(e.blocks) == 0 {
		return nil, fmt.Errorf("engine: no blocks")
	}
	hidden := e.blocks[0].Hidden
	if len(x) < n*hidden {
		return nil, fmt.Errorf("engine: %d inputs for %d tokens of width %d", len(x), n, hidden)
	}
	out := make([]float32, n*hidden)
	copy(out, x[:n*hidden])
	chunk := e.session.MaxChunk()
	for rs := 0; rs < n; rs += chunk {
		m := min(chunk, n-rs)
		h := out[rs*hidden : (rs+m)*hidden]
		for _, b := range e.blocks {
			var y []float32
			var err error
			if be := b.Experts.Backend(); overlap && be != nil {
				y, err = b.ForwardOverlapped(e.session.Stream(be.Device()), h, m)
			} else {
				y, err = b.Forward(h, m)
			}
			if err != nil {
				return nil, fmt.Errorf("tokens %d-%d: %w", rs, rs+m, err)
			}
			for i := range h {
				h[i] += y[i]
			}
		}
	}
	return out, nil
}

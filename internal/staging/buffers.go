package staging

import (
	"fmt"

	"github.com/samcharles93/hetmoe/internal/device"
)

// Buffers is one staging set: input activations, expert ids, routing
// weights and output activations, each Capacity rows long.
type Buffers struct {
	Class    string
	Device   device.ID
	Capacity int
	Hidden   int
	TopK     int

	Input     []float32
	ExpertIDs []int64
	Weights   []float32
	Output    []float32
}

func newBuffers(class string, dev device.ID, capacity, hidden, topK int) *Buffers {
	return &Buffers{
		Class:     class,
		Device:    dev,
		Capacity:  capacity,
		Hidden:    hidden,
		TopK:      topK,
		Input:     make([]float32, capacity*hidden),
		ExpertIDs: make([]int64, capacity*topK),
		Weights:   make([]float32, capacity*topK),
		Output:    make([]float32, capacity*hidden),
	}
}

func (b *Buffers) bytes() int64 {
	return int64(len(b.Input)+len(b.Weights)+len(b.Output))*4 + int64(len(b.ExpertIDs))*8
}

// Stage copies n tokens of input and routing into the buffers.
func (b *Buffers) Stage(input []float32, ids []int, weights []float32, n int) error {
	if err := CheckCapacity(n, b.Capacity); err != nil {
		return err
	}
	if len(input) < n*b.Hidden || len(ids) < n*b.TopK || len(weights) < n*b.TopK {
		return fmt.Errorf("staging: short inputs for %d tokens (input %d, ids %d, weights %d)", n, len(input), len(ids), len(weights))
	}
	copy(b.Input, input[:n*b.Hidden])
	for i, id := range ids[:n*b.TopK] {
		b.ExpertIDs[i] = int64(id)
	}
	copy(b.Weights, weights[:n*b.TopK])
	return nil
}

// Handles describes the first n rows of each buffer for the kernel boundary.
func (b *Buffers) Handles(n int) (input, ids, weights, output device.Handle) {
	input = device.Float32Handle(b.Input, b.Hidden, device.Host).Head(n)
	ids = device.Int64Handle(b.ExpertIDs, b.TopK, device.Host).Head(n)
	weights = device.Float32Handle(b.Weights, b.TopK, device.Host).Head(n)
	output = device.Float32Handle(b.Output, b.Hidden, device.Host).Head(n)
	return
}

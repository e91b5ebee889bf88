package tensor

import (
	"runtime"
	"sync"

	"github.com/samcharles93/hetmoe/pkg/quant"
)

type matMulTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	n      int
	rs, re int
	done   chan struct{}
}

type matMulPool struct {
	size      int
	tasks     chan matMulTask
	doneSlots chan chan struct{}
}

var (
	matMulWorkPool *matMulPool
	matMulPoolOnce sync.Once
)

func getMatMulPool() *matMulPool {
	matMulPoolOnce.Do(func() {
		matMulWorkPool = newMatMulPool()
	})
	return matMulWorkPool
}

func newMatMulPool() *matMulPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &matMulPool{
		size:      size,
		tasks:     make(chan matMulTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			var scratch []float32
			for task := range p.tasks {
				scratch = matMulRange(task, scratch)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// MatVec computes dst = w * x.
func MatVec(dst []float32, w *Mat, x []float32) {
	MatMulT(dst, w, x, 1)
}

// MatMulT computes dst[t] = w * x[t] for n row vectors packed in x.
// x holds n*w.C values and dst receives n*w.R values, both token-major.
// Rows of w are split across the shared worker pool; each worker decodes a
// weight row once and applies it to all n inputs.
func MatMulT(dst []float32, w *Mat, x []float32, n int) {
	if w.R == 0 || w.C == 0 || n == 0 {
		return
	}
	if len(dst) < n*w.R || len(x) < n*w.C {
		panic("matmul shape mismatch")
	}

	pool := getMatMulPool()
	workers := min(pool.size, w.R)
	if workers <= 1 || w.R*w.C*n < 1<<14 {
		matMulRange(matMulTask{dst: dst, w: w, x: x, n: n, rs: 0, re: w.R}, nil)
		return
	}

	chunk := (w.R + workers - 1) / workers
	done := <-pool.doneSlots
	active := 0
	for i := range workers {
		rs := i * chunk
		re := min(rs+chunk, w.R)
		if rs >= re {
			break
		}
		active++
		pool.tasks <- matMulTask{dst: dst, w: w, x: x, n: n, rs: rs, re: re, done: done}
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}

func matMulRange(task matMulTask, scratch []float32) []float32 {
	w := task.w
	c := w.C
	var row []float32
	if w.Kind != quant.F32 {
		if cap(scratch) < w.Stride {
			scratch = make([]float32, w.Stride)
		}
		row = scratch[:w.Stride]
	}
	for i := task.rs; i < task.re; i++ {
		if w.Kind == quant.F32 {
			row = w.Data[i*w.Stride : i*w.Stride+c]
		} else {
			w.RowTo(row, i)
		}
		for t := 0; t < task.n; t++ {
			task.dst[t*w.R+i] = dot(row[:c], task.x[t*c:(t+1)*c])
		}
	}
	return scratch
}

func dot(a, b []float32) float32 {
	var sum float32
	j := 0
	for ; j+3 < len(a); j += 4 {
		sum += a[j]*b[j] + a[j+1]*b[j+1] + a[j+2]*b[j+2] + a[j+3]*b[j+3]
	}
	for ; j < len(a); j++ {
		sum += a[j] * b[j]
	}
	return sum
}

// Package kernel holds the host compute kernels behind the backends. Kernel
// entry points take device.Handle values and scalar counts only; the weight
// descriptor is the one structured argument and is owned by the caller.
package kernel

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/hetmoe/internal/tensor"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

// Tuning carries the host kernel batching constants.
type Tuning struct {
	// Stride is the number of weight rows per parallel work item.
	Stride int `yaml:"stride" json:"stride"`
	// GroupMinLen is the smallest per-expert batch evaluated as one
	// matrix product. Smaller batches run token by token.
	GroupMinLen int `yaml:"group_min_len" json:"group_min_len"`
	// GroupMaxLen caps the rows of one batched expert evaluation.
	GroupMaxLen int `yaml:"group_max_len" json:"group_max_len"`
	// Threads bounds concurrent work items. Zero means GOMAXPROCS.
	Threads int `yaml:"threads" json:"threads"`
}

// DefaultTuning returns the stock constants.
func DefaultTuning() Tuning {
	return Tuning{Stride: 64, GroupMinLen: 10, GroupMaxLen: 1024}
}

// WithDefaults fills unset fields from DefaultTuning.
func (t Tuning) WithDefaults() Tuning {
	d := DefaultTuning()
	if t.Stride <= 0 {
		t.Stride = d.Stride
	}
	if t.GroupMinLen <= 0 {
		t.GroupMinLen = d.GroupMinLen
	}
	if t.GroupMaxLen <= 0 {
		t.GroupMaxLen = d.GroupMaxLen
	}
	if t.Threads <= 0 {
		t.Threads = max(runtime.GOMAXPROCS(0), 1)
	}
	return t
}

// Matrix is a weight matrix in whatever layout a backend keeps resident.
type Matrix interface {
	Dims() (rows, cols int)
	Bytes() int64
	// MulRows writes dst[t*rows+i] = row(i) . x[t] for i in [rs, re) and
	// t in [0, n). x and dst are token-major.
	MulRows(dst, x []float32, n, rs, re int)
}

type denseMatrix struct {
	m *tensor.Mat
}

// Dense wraps a tensor.Mat of any kind. Encoded rows are decoded as they are
// consumed.
func Dense(m *tensor.Mat) Matrix { return denseMatrix{m: m} }

func (d denseMatrix) Dims() (int, int) { return d.m.R, d.m.C }
func (d denseMatrix) Bytes() int64     { return d.m.Bytes() }

func (d denseMatrix) MulRows(dst, x []float32, n, rs, re int) {
	m := d.m
	if rs == 0 && re == m.R {
		tensor.MatMulT(dst, m, x, n)
		return
	}
	var row []float32
	if m.Kind != quant.F32 {
		row = make([]float32, m.Stride)
	}
	for i := rs; i < re; i++ {
		if m.Kind == quant.F32 {
			row = m.Data[i*m.Stride : i*m.Stride+m.C]
		} else {
			m.RowTo(row, i)
		}
		for t := range n {
			dst[t*m.R+i] = tensor.Dot(row[:m.C], x[t*m.C:(t+1)*m.C])
		}
	}
}

// below this many multiply-adds a projection runs on the calling goroutine
const serialWork = 1 << 14

// project computes dst = w * x for n token rows, splitting w into blocks of
// t.Stride rows.
func (t Tuning) project(dst []float32, w Matrix, x []float32, n int) error {
	r, c := w.Dims()
	if len(dst) < n*r || len(x) < n*c {
		return fmt.Errorf("kernel: projection %dx%d over %d tokens given x=%d dst=%d", r, c, n, len(x), len(dst))
	}
	if n == 0 || r == 0 {
		return nil
	}
	if r <= t.Stride || r*c*n < serialWork || t.Threads == 1 {
		return mulRows(w, dst, x, n, 0, r)
	}
	var g errgroup.Group
	g.SetLimit(t.Threads)
	for rs := 0; rs < r; rs += t.Stride {
		re := min(rs+t.Stride, r)
		g.Go(func() error {
			return mulRows(w, dst, x, n, rs, re)
		})
	}
	return g.Wait()
}

func mulRows(w Matrix, dst, x []float32, n, rs, re int) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("kernel: rows %d-%d: %v", rs, re, rec)
		}
	}()
	w.MulRows(dst, x, n, rs, re)
	return nil
}

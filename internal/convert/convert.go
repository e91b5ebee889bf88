// Package convert changes the encoding of weight matrices: block-quantized to
// float32, and float32 to bf16 or scale-quantized int8. Work proceeds in row
// chunks so the full float32 expansion of a quantized tensor never has to
// exist as a separate intermediate copy.
package convert

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/hetmoe/internal/tensor"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

// DefaultChunkElems is the number of elements decoded per work item.
const DefaultChunkElems = 1_000_000

// ErrUnsupported is wrapped when no conversion path exists between kinds.
var ErrUnsupported = errors.New("convert: unsupported conversion")

// ConversionError reports a failed encoding change.
type ConversionError struct {
	From, To quant.Kind
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Converter holds the chunking and concurrency limits.
type Converter struct {
	// ChunkElems bounds the elements handled by one work item.
	ChunkElems int
	// Workers bounds concurrent work items. Zero means GOMAXPROCS.
	Workers int
	// MaxInflight bounds the decoded scratch elements alive at once across
	// workers. Zero means Workers*ChunkElems.
	MaxInflight int64
}

// Default is the converter used by the package-level functions.
var Default = Converter{ChunkElems: DefaultChunkElems}

func (c Converter) limits(cols int) (rowsPerChunk, workers int, sem *semaphore.Weighted) {
	chunk := c.ChunkElems
	if chunk <= 0 {
		chunk = DefaultChunkElems
	}
	rowsPerChunk = max(1, chunk/max(cols, 1))
	workers = c.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	inflight := c.MaxInflight
	if inflight <= 0 {
		inflight = int64(workers) * int64(rowsPerChunk*cols)
	}
	return rowsPerChunk, workers, semaphore.NewWeighted(max(inflight, int64(rowsPerChunk*cols)))
}

// forEachChunk decodes src in row chunks and hands each decoded chunk to fn.
// fn may run concurrently for different chunks.
func (c Converter) forEachChunk(ctx context.Context, src *tensor.Mat, fn func(rs, re int, vals []float32) error) error {
	rowsPerChunk, workers, sem := c.limits(src.C)
	weight := int64(rowsPerChunk * src.C)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for rs := 0; rs < src.R; rs += rowsPerChunk {
		re := min(rs+rowsPerChunk, src.R)
		if err := sem.Acquire(ctx, weight); err != nil {
			if gerr := g.Wait(); gerr != nil {
				return gerr
			}
			return err
		}
		g.Go(func() (err error) {
			defer sem.Release(weight)
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("decode rows %d-%d: %v", rs, re, rec)
				}
			}()
			vals := make([]float32, (re-rs)*src.C)
			for i := rs; i < re; i++ {
				src.RowTo(vals[(i-rs)*src.C:(i-rs+1)*src.C], i)
			}
			return fn(rs, re, vals)
		})
	}
	return g.Wait()
}

// Dequantize decodes src into a new F32 matrix. Rows are decoded directly
// into the output.
func (c Converter) Dequantize(ctx context.Context, src *tensor.Mat) (*tensor.Mat, error) {
	if src.Kind == quant.F32 {
		out := tensor.NewMat(src.R, src.C)
		for i := range src.R {
			copy(out.Data[i*src.C:(i+1)*src.C], src.Row(i))
		}
		return &out, nil
	}
	out := tensor.NewMat(src.R, src.C)
	rowsPerChunk, workers, _ := c.limits(src.C)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for rs := 0; rs < src.R; rs += rowsPerChunk {
		re := min(rs+rowsPerChunk, src.R)
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("decode rows %d-%d: %v", rs, re, rec)
				}
			}()
			for i := rs; i < re; i++ {
				src.RowTo(out.Data[i*src.C:(i+1)*src.C], i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &ConversionError{From: src.Kind, To: quant.F32, Err: err}
	}
	return &out, nil
}

// AbsMax returns max(|v|) over the decoded tensor.
func (c Converter) AbsMax(ctx context.Context, src *tensor.Mat) (float32, error) {
	var mu sync.Mutex
	var amax float32
	err := c.forEachChunk(ctx, src, func(_, _ int, vals []float32) error {
		var local float32
		for _, v := range vals {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return fmt.Errorf("non-finite value %v", v)
			}
			local = max(local, float32(math.Abs(float64(v))))
		}
		mu.Lock()
		amax = max(amax, local)
		mu.Unlock()
		return nil
	})
	return amax, err
}

// ToInt8 scale-quantizes src over the whole tensor: scale = 127/max|x|,
// q = clip(round(x*scale), -127, 127). An all-zero tensor yields scale 0
// and all-zero output. I8 input is returned as a copy.
func (c Converter) ToInt8(ctx context.Context, src *tensor.Mat) (*tensor.Mat, error) {
	if src.Kind == quant.I8 {
		out := *src
		out.Raw = append([]byte(nil), src.Raw...)
		return &out, nil
	}
	amax, err := c.AbsMax(ctx, src)
	if err != nil {
		return nil, &ConversionError{From: src.Kind, To: quant.I8, Err: err}
	}
	var scale float32
	if amax > 0 {
		scale = 127 / amax
	}
	raw := make([]byte, src.R*src.C)
	if scale != 0 {
		err = c.forEachChunk(ctx, src, func(rs, _ int, vals []float32) error {
			QuantizeInt8(raw[rs*src.C:rs*src.C+len(vals)], vals, scale)
			return nil
		})
		if err != nil {
			return nil, &ConversionError{From: src.Kind, To: quant.I8, Err: err}
		}
	}
	out, err := tensor.NewMatFromRaw(src.R, src.C, quant.I8, raw)
	if err != nil {
		return nil, &ConversionError{From: src.Kind, To: quant.I8, Err: err}
	}
	out.Scale = scale
	return &out, nil
}

// QuantizeInt8 writes clip(round(v*scale), -127, 127) for each value.
// Rounding is half-to-even.
func QuantizeInt8(dst []byte, vals []float32, scale float32) {
	for i, v := range vals {
		q := math.RoundToEven(float64(v * scale))
		q = min(max(q, -127), 127)
		dst[i] = byte(int8(q))
	}
}

// ToBF16 truncates every value to its top 16 bits. BF16 input is returned
// as a copy.
func (c Converter) ToBF16(ctx context.Context, src *tensor.Mat) (*tensor.Mat, error) {
	if src.Kind == quant.BF16 {
		out := *src
		out.Raw = append([]byte(nil), src.Raw...)
		return &out, nil
	}
	raw := make([]byte, src.R*src.C*2)
	err := c.forEachChunk(ctx, src, func(rs, _ int, vals []float32) error {
		dst := raw[rs*src.C*2:]
		for i, v := range vals {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(bfloat16.FromFloat32(v)))
		}
		return nil
	})
	if err != nil {
		return nil, &ConversionError{From: src.Kind, To: quant.BF16, Err: err}
	}
	out, err := tensor.NewMatFromRaw(src.R, src.C, quant.BF16, raw)
	if err != nil {
		return nil, &ConversionError{From: src.Kind, To: quant.BF16, Err: err}
	}
	return &out, nil
}

// Convert re-encodes src as kind. Block kinds are not valid targets.
func (c Converter) Convert(ctx context.Context, src *tensor.Mat, to quant.Kind) (*tensor.Mat, error) {
	switch to {
	case quant.F32:
		return c.Dequantize(ctx, src)
	case quant.BF16:
		return c.ToBF16(ctx, src)
	case quant.I8:
		return c.ToInt8(ctx, src)
	}
	return nil, &ConversionError{From: src.Kind, To: to, Err: ErrUnsupported}
}

// Try converts src to kind. On failure it returns src unchanged with the
// error, leaving the fallback decision to the caller.
func (c Converter) Try(ctx context.Context, src *tensor.Mat, to quant.Kind) (*tensor.Mat, error) {
	if src.Kind == to {
		return src, nil
	}
	out, err := c.Convert(ctx, src, to)
	if err != nil {
		return src, err
	}
	return out, nil
}

// Dequantize uses Default.
func Dequantize(src *tensor.Mat) (*tensor.Mat, error) {
	return Default.Dequantize(context.Background(), src)
}

// ToInt8 uses Default.
func ToInt8(src *tensor.Mat) (*tensor.Mat, error) {
	return Default.ToInt8(context.Background(), src)
}

// ToBF16 uses Default.
func ToBF16(src *tensor.Mat) (*tensor.Mat, error) {
	return Default.ToBF16(context.Background(), src)
}

// Convert uses Default.
func Convert(src *tensor.Mat, to quant.Kind) (*tensor.Mat, error) {
	return Default.Convert(context.Background(), src, to)
}

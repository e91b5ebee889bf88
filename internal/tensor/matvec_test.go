package tensor

import (
	"encoding/binary"
	"math"
	"testing"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

func matMulNaive(dst []float32, w *Mat, x []float32, n int) {
	row := make([]float32, w.C)
	for i := 0; i < w.R; i++ {
		w.RowTo(row, i)
		for t := 0; t < n; t++ {
			var sum float32
			for j := 0; j < w.C; j++ {
				sum += row[j] * x[t*w.C+j]
			}
			dst[t*w.R+i] = sum
		}
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var worst float64
	for i := range a {
		worst = math.Max(worst, math.Abs(float64(a[i]-b[i])))
	}
	return worst
}

func TestMatMulTMatchesNaive(t *testing.T) {
	t.Parallel()

	w := NewMat(96, 512)
	FillRand(&w, 7, 0.2)
	x := NewMat(5, 512)
	FillRand(&x, 8, 2)

	enc, err := quant.Encode(quant.Q4K, w.Data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	q, err := NewMatFromRaw(w.R, w.C, quant.Q4K, enc)
	if err != nil {
		t.Fatalf("raw mat: %v", err)
	}

	for _, m := range []*Mat{&w, &q} {
		got := make([]float32, 5*m.R)
		want := make([]float32, 5*m.R)
		MatMulT(got, m, x.Data, 5)
		matMulNaive(want, m, x.Data, 5)
		if d := maxAbsDiff(got, want); d > 1e-4 {
			t.Fatalf("%s: max diff %v", m.Kind, d)
		}
	}
}

func TestRowToDecodesKinds(t *testing.T) {
	t.Parallel()

	vals := []float32{1.5, -2.25, 0, 3.015625}
	raw := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(bfloat16.FromFloat32(v)))
	}
	m, err := NewMatFromRaw(1, len(vals), quant.BF16, raw)
	if err != nil {
		t.Fatalf("bf16 mat: %v", err)
	}
	got := m.Row(0)
	for i := range vals {
		if got[i] != vals[i] {
			t.Fatalf("bf16[%d] = %v, want %v", i, got[i], vals[i])
		}
	}

	i8, err := NewMatFromRaw(1, 3, quant.I8, []byte{127, 0x81, 10})
	if err != nil {
		t.Fatalf("i8 mat: %v", err)
	}
	i8.Scale = 127
	got = i8.Row(0)
	if got[0] != 1 || got[1] != -1 || math.Abs(float64(got[2])-10.0/127) > 1e-7 {
		t.Fatalf("i8 row = %v", got)
	}
}

func TestRowsView(t *testing.T) {
	t.Parallel()

	w := NewMat(4, 256)
	FillRand(&w, 3, 1)
	enc, _ := quant.Encode(quant.Q6K, w.Data)
	q, err := NewMatFromRaw(4, 256, quant.Q6K, enc)
	if err != nil {
		t.Fatalf("raw mat: %v", err)
	}
	v := q.Rows(2, 2)
	if v.R != 2 || len(v.Raw) != 2*q.RowBytes() {
		t.Fatalf("view has %d rows, %d bytes", v.R, len(v.Raw))
	}
	if d := maxAbsDiff(v.Row(1), q.Row(3)); d != 0 {
		t.Fatalf("view row differs by %v", d)
	}
	if _, err := NewMatFromRaw(1, 100, quant.Q4K, nil); err == nil {
		t.Fatalf("expected error for unaligned blocked row")
	}
}

func BenchmarkMatVecQ4K(b *testing.B) {
	w := NewMat(1024, 1024)
	FillRand(&w, 1, 0.02)
	enc, _ := quant.Encode(quant.Q4K, w.Data)
	q, _ := NewMatFromRaw(1024, 1024, quant.Q4K, enc)
	x := make([]float32, 1024)
	dst := make([]float32, 1024)
	for b.Loop() {
		MatVec(dst, &q, x)
	}
}

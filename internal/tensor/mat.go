package tensor

import (
	"encoding/binary"
	"math/rand"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

// Mat is a row-major matrix whose rows may be stored in any quant.Kind.
//
// F32 matrices keep their values in Data with Stride elements between rows.
// Every other kind keeps the encoded bytes in Raw, rowBytes apart, and rows
// are decoded on demand by RowTo. I8 matrices carry a tensor-wide Scale such
// that value = q / Scale.
type Mat struct {
	R, C   int
	Stride int

	Kind  quant.Kind
	Data  []float32
	Raw   []byte
	Scale float32
}

// NewMat allocates a zeroed F32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Stride: c, Kind: quant.F32, Data: make([]float32, r*c)}
}

// NewMatFromData wraps existing F32 values. len(data) must equal r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, Stride: c, Kind: quant.F32, Data: data}
}

// NewMatFromRaw wraps encoded rows. Blocked kinds need c to be a multiple of
// quant.BlockElems.
func NewMatFromRaw(r, c int, kind quant.Kind, raw []byte) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if kind == quant.F32 {
		if len(raw) != r*c*4 {
			return Mat{}, errRawSizeMismatch
		}
		data := make([]float32, r*c)
		for i := range data {
			data[i] = float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return NewMatFromData(r, c, data), nil
	}
	rowBytes, err := kind.RowBytes(c)
	if err != nil {
		return Mat{}, err
	}
	if r != 0 && rowBytes*r/r != rowBytes {
		return Mat{}, errMatTooLarge
	}
	if len(raw) != rowBytes*r {
		return Mat{}, errRawSizeMismatch
	}
	m := Mat{R: r, C: c, Stride: c, Kind: kind, Raw: raw}
	if kind == quant.I8 {
		m.Scale = 1
	}
	return m, nil
}

// RowBytes is the encoded size of one row.
func (m *Mat) RowBytes() int {
	n, err := m.Kind.RowBytes(m.Stride)
	if err != nil {
		panic(err)
	}
	return n
}

// Bytes is the storage footprint of the matrix.
func (m *Mat) Bytes() int64 {
	if m.Kind == quant.F32 {
		return int64(len(m.Data)) * 4
	}
	return int64(len(m.Raw))
}

// Rows returns a view of n rows starting at start. The view shares storage.
func (m *Mat) Rows(start, n int) Mat {
	if start < 0 || n < 0 || start+n > m.R {
		panic("row range out of bounds")
	}
	v := *m
	v.R = n
	if m.Kind == quant.F32 {
		v.Data = m.Data[start*m.Stride : (start+n)*m.Stride]
		return v
	}
	rb := m.RowBytes()
	v.Raw = m.Raw[start*rb : (start+n)*rb]
	return v
}

// Row returns the i-th row. F32 rows alias the matrix; other kinds are
// decoded into a fresh slice.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if m.Kind == quant.F32 {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	if m.Kind == quant.F32 {
		start := i * m.Stride
		copy(dst[:m.C], m.Data[start:start+m.C])
		return
	}
	rb := m.RowBytes()
	row := m.Raw[i*rb : (i+1)*rb]
	switch m.Kind {
	case quant.BF16:
		for j := 0; j < m.C; j++ {
			dst[j] = bfloat16.ToFloat32(bfloat16.BF16(binary.LittleEndian.Uint16(row[j*2:])))
		}
	case quant.I8:
		inv := float32(0)
		if m.Scale != 0 {
			inv = 1 / m.Scale
		}
		for j := 0; j < m.C; j++ {
			dst[j] = float32(int8(row[j])) * inv
		}
	case quant.Q4K, quant.Q5K, quant.Q6K:
		if err := quant.DecodeBlocks(m.Kind, row, dst[:m.Stride]); err != nil {
			panic(err)
		}
	default:
		panic("unsupported kind for row decode")
	}
}

// FillRand fills an F32 matrix with reproducible values in (-scale/2, scale/2).
func FillRand(m *Mat, seed int64, scale float32) {
	if m.Kind != quant.F32 {
		panic("FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * scale
	}
}

var (
	errNegativeDim     = fmtError("negative dimension for matrix")
	errMatTooLarge     = fmtError("matrix too large")
	errRawSizeMismatch = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }

package kernel

import (
	"fmt"
	"math"

	"github.com/samcharles93/hetmoe/internal/tensor"
)

// PackGroup is the number of consecutive row values sharing one scale in a
// packed matrix, and the tile size both dimensions must divide into.
const PackGroup = 64

// Packed is a 4-bit symmetric group-quantized matrix. Each byte holds two
// values, the even column in the low nibble, stored as q+8 with q in
// [-8, 7]. value = q * Scales[row*C/PackGroup + group].
type Packed struct {
	R, C   int
	Q      []byte
	Scales []float32
}

// TileError reports dimensions the packed layout cannot tile.
type TileError struct {
	Rows, Cols int
}

func (e *TileError) Error() string {
	return fmt.Sprintf("kernel: %dx%d is not divisible into %d-element tiles", e.Rows, e.Cols, PackGroup)
}

// CanPack reports whether an r x c matrix can be packed.
func CanPack(r, c int) bool {
	return r > 0 && c > 0 && r%PackGroup == 0 && c%PackGroup == 0
}

// Pack quantizes m row by row. m may be in any kind.
func Pack(m *tensor.Mat) (*Packed, error) {
	if !CanPack(m.R, m.C) {
		return nil, &TileError{Rows: m.R, Cols: m.C}
	}
	p := &Packed{
		R:      m.R,
		C:      m.C,
		Q:      make([]byte, m.R*m.C/2),
		Scales: make([]float32, m.R*m.C/PackGroup),
	}
	row := make([]float32, max(m.Stride, m.C))
	for i := range m.R {
		m.RowTo(row, i)
		for g := 0; g < m.C; g += PackGroup {
			vals := row[g : g+PackGroup]
			var amax float32
			for _, v := range vals {
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					return nil, fmt.Errorf("kernel: non-finite weight at row %d col %d", i, g)
				}
				amax = max(amax, float32(math.Abs(float64(v))))
			}
			scale := amax / 7
			p.Scales[(i*m.C+g)/PackGroup] = scale
			var inv float32
			if scale != 0 {
				inv = 1 / scale
			}
			q := p.Q[(i*m.C+g)/2:]
			for j := 0; j < PackGroup; j += 2 {
				q[j/2] = nibble(vals[j]*inv) | nibble(vals[j+1]*inv)<<4
			}
		}
	}
	return p, nil
}

func nibble(v float32) byte {
	q := math.Round(float64(v))
	q = min(max(q, -8), 7)
	return byte(int(q) + 8)
}

func (p *Packed) Dims() (int, int) { return p.R, p.C }
func (p *Packed) Bytes() int64     { return int64(len(p.Q)) + int64(len(p.Scales))*4 }

// MulRows consumes the packed groups directly; no row is expanded to float32.
func (p *Packed) MulRows(dst, x []float32, n, rs, re int) {
	groups := p.C / PackGroup
	for i := rs; i < re; i++ {
		qrow := p.Q[i*p.C/2 : (i+1)*p.C/2]
		scales := p.Scales[i*groups : (i+1)*groups]
		for t := range n {
			xt := x[t*p.C : (t+1)*p.C]
			var sum float32
			for g, s := range scales {
				if s == 0 {
					continue
				}
				qg := qrow[g*PackGroup/2 : (g+1)*PackGroup/2]
				xg := xt[g*PackGroup : (g+1)*PackGroup]
				var acc float32
				for j, b := range qg {
					acc += float32(int(b&0x0f)-8)*xg[2*j] + float32(int(b>>4)-8)*xg[2*j+1]
				}
				sum += s * acc
			}
			dst[t*p.R+i] = sum
		}
	}
}

// Value decodes one element.
func (p *Packed) Value(i, j int) float32 {
	b := p.Q[(i*p.C+j)/2]
	if j%2 == 1 {
		b >>= 4
	}
	return float32(int(b&0x0f)-8) * p.Scales[(i*p.C+j)/PackGroup]
}

package quant

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

func fp16(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// putFP16 stores v as fp16 and returns the value actually stored.
func putFP16(b []byte, v float32) float32 {
	h := float16.Fromfloat32(v)
	binary.LittleEndian.PutUint16(b, h.Bits())
	return h.Float32()
}

// DecodeBlocks decodes len(dst) elements of a blocked kind from src.
func DecodeBlocks(k Kind, src []byte, dst []float32) error {
	if !k.Blocked() {
		return fmt.Errorf("quant: %s is not a blocked kind", k)
	}
	need, err := k.RowBytes(len(dst))
	if err != nil {
		return err
	}
	if len(src) < need {
		return fmt.Errorf("%s: invalid data length %d for n=%d", strings.ToLower(k.String()), len(src), len(dst))
	}
	bs := k.BlockBytes()
	for b := 0; b < len(dst)/BlockElems; b++ {
		blk := src[b*bs : (b+1)*bs]
		out := dst[b*BlockElems : (b+1)*BlockElems]
		switch k {
		case Q4K:
			DecodeQ4K(blk, out)
		case Q5K:
			DecodeQ5K(blk, out)
		case Q6K:
			DecodeQ6K(blk, out)
		}
	}
	return nil
}

func getScaleMinK4(j int, scales []byte) (sc, m uint8) {
	if j < 4 {
		sc = scales[j] & 63
		m = scales[j+4] & 63
	} else {
		sc = (scales[j+4] & 0xF) | ((scales[j-4] >> 6) << 4)
		m = (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	}
	return
}

func putScaleMinK4(j int, scales []byte, sc, m uint8) {
	if j < 4 {
		scales[j] = scales[j]&0xC0 | sc&63
		scales[j+4] = scales[j+4]&0xC0 | m&63
		return
	}
	scales[j+4] = sc&0xF | (m&0xF)<<4
	scales[j-4] = scales[j-4]&63 | (sc>>4)<<6
	scales[j] = scales[j]&63 | (m>>4)<<6
}

// DecodeQ4K decodes one 144-byte block into 256 values.
// Layout: fp16 d, fp16 dmin, 12 bytes of packed 6-bit scales/mins, 128 bytes of nibbles.
func DecodeQ4K(src []byte, dst []float32) {
	d := fp16(src[0:2])
	dmin := fp16(src[2:4])
	scales := src[4:16]
	qs := src[16:q4kBlockBytes]

	yi, is := 0, 0
	for j := 0; j < BlockElems; j += 64 {
		sc1, m1 := getScaleMinK4(is, scales)
		sc2, m2 := getScaleMinK4(is+1, scales)
		d1, mm1 := d*float32(sc1), dmin*float32(m1)
		d2, mm2 := d*float32(sc2), dmin*float32(m2)
		q := qs[j/2 : j/2+32]
		for l := range 32 {
			dst[yi] = d1*float32(q[l]&0xF) - mm1
			yi++
		}
		for l := range 32 {
			dst[yi] = d2*float32(q[l]>>4) - mm2
			yi++
		}
		is += 2
	}
}

// DecodeQ5K decodes one 176-byte block. It is Q4_K with a fifth bit per
// value held in qh, selected by a mask that advances two bits per 64 values.
func DecodeQ5K(src []byte, dst []float32) {
	d := fp16(src[0:2])
	dmin := fp16(src[2:4])
	scales := src[4:16]
	qh := src[16:48]
	qs := src[48:q5kBlockBytes]

	yi, is := 0, 0
	var u1, u2 uint8 = 1, 2
	for j := 0; j < BlockElems; j += 64 {
		sc1, m1 := getScaleMinK4(is, scales)
		sc2, m2 := getScaleMinK4(is+1, scales)
		d1, mm1 := d*float32(sc1), dmin*float32(m1)
		d2, mm2 := d*float32(sc2), dmin*float32(m2)
		q := qs[j/2 : j/2+32]
		for l := range 32 {
			v := q[l] & 0xF
			if qh[l]&u1 != 0 {
				v += 16
			}
			dst[yi] = d1*float32(v) - mm1
			yi++
		}
		for l := range 32 {
			v := q[l] >> 4
			if qh[l]&u2 != 0 {
				v += 16
			}
			dst[yi] = d2*float32(v) - mm2
			yi++
		}
		is += 2
		u1 <<= 2
		u2 <<= 2
	}
}

// DecodeQ6K decodes one 210-byte block.
// Layout: 128 bytes low nibbles, 64 bytes high crumbs, 16 int8 scales, fp16 d.
func DecodeQ6K(src []byte, dst []float32) {
	ql := src[0:128]
	qh := src[128:192]
	sc := src[192:208]
	d := fp16(src[208:210])

	for n := 0; n < 2; n++ {
		y := dst[128*n:]
		l4 := ql[64*n:]
		h := qh[32*n:]
		s := sc[8*n:]
		for l := range 32 {
			is := l / 16
			q1 := int8(l4[l]&0xF|(h[l]&3)<<4) - 32
			q2 := int8(l4[l+32]&0xF|((h[l]>>2)&3)<<4) - 32
			q3 := int8(l4[l]>>4|((h[l]>>4)&3)<<4) - 32
			q4 := int8(l4[l+32]>>4|((h[l]>>6)&3)<<4) - 32
			y[l] = d * float32(int8(s[is])) * float32(q1)
			y[l+32] = d * float32(int8(s[is+2])) * float32(q2)
			y[l+64] = d * float32(int8(s[is+4])) * float32(q3)
			y[l+96] = d * float32(int8(s[is+6])) * float32(q4)
		}
	}
}

// Encode quantizes src into a blocked kind. len(src) must be a multiple of
// BlockElems. Encoding is a simple min/max fit per sub-block; it exists so
// synthetic models and tests can produce valid blocks.
func Encode(k Kind, src []float32) ([]byte, error) {
	size, err := k.RowBytes(len(src))
	if err != nil {
		return nil, err
	}
	if !k.Blocked() {
		return nil, fmt.Errorf("quant: %s is not a blocked kind", k)
	}
	out := make([]byte, size)
	bs := k.BlockBytes()
	for b := 0; b < len(src)/BlockElems; b++ {
		x := src[b*BlockElems : (b+1)*BlockElems]
		blk := out[b*bs : (b+1)*bs]
		switch k {
		case Q4K:
			encodeAsymmetric(x, blk, 15)
		case Q5K:
			encodeAsymmetric(x, blk, 31)
		case Q6K:
			encodeQ6K(x, blk)
		}
	}
	return out, nil
}

func nearest(v float32) int {
	return int(math.RoundToEven(float64(v)))
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// encodeAsymmetric fills a Q4_K (levels=15) or Q5_K (levels=31) block.
func encodeAsymmetric(x []float32, blk []byte, levels int) {
	var scale, mins [8]float32
	var maxScale, maxMin float32
	for j := range 8 {
		sub := x[32*j : 32*j+32]
		lo, hi := float32(0), sub[0]
		for _, v := range sub {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		scale[j] = (hi - lo) / float32(levels)
		mins[j] = -lo
		maxScale = max(maxScale, scale[j])
		maxMin = max(maxMin, mins[j])
	}
	d := putFP16(blk[0:2], maxScale/63)
	dmin := putFP16(blk[2:4], maxMin/63)
	scales := blk[4:16]

	var eff, effMin [8]float32
	for j := range 8 {
		var sc, m int
		if d > 0 {
			sc = clampInt(nearest(scale[j]/d), 0, 63)
		}
		if dmin > 0 {
			m = clampInt(nearest(mins[j]/dmin), 0, 63)
		}
		putScaleMinK4(j, scales, uint8(sc), uint8(m))
		eff[j] = d * float32(sc)
		effMin[j] = dmin * float32(m)
	}

	q := func(i int) uint8 {
		j := i / 32
		if eff[j] == 0 {
			return 0
		}
		return uint8(clampInt(nearest((x[i]+effMin[j])/eff[j]), 0, levels))
	}

	if levels == 15 {
		qs := blk[16:q4kBlockBytes]
		for c := range 4 {
			for l := range 32 {
				qs[32*c+l] = q(64*c+l) | q(64*c+32+l)<<4
			}
		}
		return
	}
	qh := blk[16:48]
	qs := blk[48:q5kBlockBytes]
	for c := range 4 {
		u1, u2 := uint8(1)<<(2*c), uint8(2)<<(2*c)
		for l := range 32 {
			a, b := q(64*c+l), q(64*c+32+l)
			qs[32*c+l] = a&0xF | (b&0xF)<<4
			if a&16 != 0 {
				qh[l] |= u1
			}
			if b&16 != 0 {
				qh[l] |= u2
			}
		}
	}
}

func encodeQ6K(x []float32, blk []byte) {
	ql := blk[0:128]
	qh := blk[128:192]
	sc := blk[192:208]

	var scale [16]float32
	var maxScale float32
	for i := range 16 {
		var amax float32
		for _, v := range x[16*i : 16*i+16] {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		scale[i] = amax / 31
		maxScale = max(maxScale, scale[i])
	}
	d := putFP16(blk[208:210], maxScale/127)

	var eff [16]float32
	for i := range 16 {
		var s int
		if d > 0 {
			s = clampInt(nearest(scale[i]/d), -128, 127)
		}
		sc[i] = byte(int8(s))
		eff[i] = d * float32(s)
	}

	for p := range BlockElems {
		var u uint8 = 32
		if e := eff[p/16]; e != 0 {
			u = uint8(clampInt(nearest(x[p]/e), -32, 31) + 32)
		}
		n, m, l := p/128, (p%128)/32, p%32
		lo, hi := u&0xF, u>>4
		switch m {
		case 0:
			ql[64*n+l] |= lo
		case 1:
			ql[64*n+l+32] |= lo
		case 2:
			ql[64*n+l] |= lo << 4
		case 3:
			ql[64*n+l+32] |= lo << 4
		}
		qh[32*n+l] |= hi << (2 * m)
	}
}

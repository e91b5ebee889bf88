package tensor

import "math"

func float32frombits(u uint32) float32 { return math.Float32frombits(u) }

// EncodeF32 returns the little-endian bytes of data.
func EncodeF32(data []float32) []byte {
	out := make([]byte, len(data)*4)
	for i, v := range data {
		u := math.Float32bits(v)
		out[i*4] = byte(u)
		out[i*4+1] = byte(u >> 8)
		out[i*4+2] = byte(u >> 16)
		out[i*4+3] = byte(u >> 24)
	}
	return out
}

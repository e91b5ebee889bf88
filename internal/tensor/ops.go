package tensor

import "math"

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// AddScaled computes dst += alpha * src.
func AddScaled(dst []float32, alpha float32, src []float32) {
	for i := range dst {
		dst[i] += alpha * src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	return dot(a, b)
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Gelu computes the tanh approximation of GELU.
func Gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	xf := float64(x)
	return float32(0.5 * xf * (1 + math.Tanh(c*(xf+0.044715*xf*xf*xf))))
}

// Activation names the gate nonlinearity of a gated feed-forward block.
type Activation uint8

const (
	ActSilu Activation = iota
	ActGelu
)

// ParseActivation maps a config name to an Activation. Empty means SiLU.
func ParseActivation(name string) (Activation, error) {
	switch name {
	case "", "silu", "swiglu":
		return ActSilu, nil
	case "gelu", "gelu_tanh", "gelu_pytorch_tanh":
		return ActGelu, nil
	}
	return 0, fmtError("unknown activation " + name)
}

func (a Activation) String() string {
	if a == ActGelu {
		return "gelu"
	}
	return "silu"
}

// GateMul computes gate[i] = act(gate[i]) * up[i] in place.
func GateMul(gate, up []float32, act Activation) {
	if len(up) < len(gate) {
		panic("GateMul up too small")
	}
	if act == ActGelu {
		for i, g := range gate {
			gate[i] = Gelu(g) * up[i]
		}
		return
	}
	for i, g := range gate {
		gate[i] = Silu(g) * up[i]
	}
}

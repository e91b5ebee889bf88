// Package quant defines the closed set of weight encodings the engine
// understands and the block codecs for the K-quant formats.
package quant

import (
	"fmt"
	"strings"
)

// Kind identifies how a tensor's elements are encoded.
type Kind uint8

const (
	F32 Kind = iota
	Q4K
	Q5K
	Q6K
	BF16
	I8
)

// BlockElems is the number of elements in one K-quant super-block.
const BlockElems = 256

const (
	q4kBlockBytes = 2 + 2 + 12 + 128
	q5kBlockBytes = 2 + 2 + 12 + 32 + 128
	q6kBlockBytes = 128 + 64 + 16 + 2
)

var kindNames = [...]string{
	F32:  "F32",
	Q4K:  "Q4_K",
	Q5K:  "Q5_K",
	Q6K:  "Q6_K",
	BF16: "BF16",
	I8:   "I8",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind accepts the canonical names ("Q4_K", "BF16", ...) case-insensitively.
func ParseKind(s string) (Kind, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == u {
			return Kind(k), nil
		}
	}
	switch u {
	case "F32", "FLOAT32", "FP32":
		return F32, nil
	case "Q4K":
		return Q4K, nil
	case "Q5K":
		return Q5K, nil
	case "Q6K":
		return Q6K, nil
	case "INT8":
		return I8, nil
	}
	return 0, fmt.Errorf("quant: unknown kind %q", s)
}

// Blocked reports whether the kind stores super-blocks with shared scales.
func (k Kind) Blocked() bool {
	return k == Q4K || k == Q5K || k == Q6K
}

// BlockBytes returns the encoded size of one super-block, or 0 for
// element-wise kinds.
func (k Kind) BlockBytes() int {
	switch k {
	case Q4K:
		return q4kBlockBytes
	case Q5K:
		return q5kBlockBytes
	case Q6K:
		return q6kBlockBytes
	}
	return 0
}

// ElemBytes returns the size of one element for element-wise kinds, or 0
// for blocked kinds.
func (k Kind) ElemBytes() int {
	switch k {
	case F32:
		return 4
	case BF16:
		return 2
	case I8:
		return 1
	}
	return 0
}

// RowBytes returns the encoded size of n consecutive elements. Blocked kinds
// require n to be a multiple of BlockElems.
func (k Kind) RowBytes(n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("quant: negative length %d", n)
	}
	if k.Blocked() {
		if n%BlockElems != 0 {
			return 0, fmt.Errorf("%s: n must be multiple of %d, got %d", strings.ToLower(k.String()), BlockElems, n)
		}
		return n / BlockElems * k.BlockBytes(), nil
	}
	size := k.ElemBytes()
	if size == 0 {
		return 0, fmt.Errorf("quant: unsupported kind %s", k)
	}
	return n * size, nil
}

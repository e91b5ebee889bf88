package kernel

import (
	"fmt"

	"github.com/samcharles93/hetmoe/internal/device"
)

// Linear computes output = input * w^T + bias for n rows. input rows are
// w's column count wide and output rows its row count. bias may be nil.
func Linear(t Tuning, w Matrix, bias []float32, n int, input, output device.Handle) error {
	t = t.WithDefaults()
	out, in := w.Dims()
	if input.Stride != in || output.Stride != out {
		return fmt.Errorf("kernel: linear %dx%d given input stride %d, output stride %d", out, in, input.Stride, output.Stride)
	}
	if input.Rows() < n || output.Rows() < n {
		return fmt.Errorf("kernel: linear over %d rows given input %d, output %d rows", n, input.Rows(), output.Rows())
	}
	if bias != nil && len(bias) != out {
		return fmt.Errorf("kernel: bias has %d values for %d outputs", len(bias), out)
	}
	dst := output.Float32s()[:n*out]
	if err := t.project(dst, w, input.Float32s()[:n*in], n); err != nil {
		return err
	}
	if bias != nil {
		for r := range n {
			row := dst[r*out : (r+1)*out]
			for i, b := range bias {
				row[i] += b
			}
		}
	}
	return nil
}

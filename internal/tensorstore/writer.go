package tensorstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/hetmoe/internal/tensor"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

const dataAlign = 32

// Writer accumulates tensors and writes them as a File container.
type Writer struct {
	keys    []string
	entries map[string]writerEntry
	meta    map[string]string
}

type writerEntry struct {
	mat   tensor.Mat
	shape []int
}

// NewWriter returns an empty writer.
func NewWriter() *Writer {
	return &Writer{entries: make(map[string]writerEntry), meta: make(map[string]string)}
}

// SetMeta records a header metadata pair.
func (w *Writer) SetMeta(key, value string) { w.meta[key] = value }

// Add queues m under key with an optional logical shape.
func (w *Writer) Add(key string, m tensor.Mat, shape ...int) error {
	if _, dup := w.entries[key]; dup {
		return fmt.Errorf("tensorstore: duplicate key %s", key)
	}
	if len(shape) == 0 {
		shape = []int{m.R, m.C}
	}
	if (Metadata{Shape: shape}).Elements() != m.R*m.C {
		return fmt.Errorf("tensorstore: %s: shape %v does not match %dx%d", key, shape, m.R, m.C)
	}
	w.keys = append(w.keys, key)
	w.entries[key] = writerEntry{mat: m, shape: shape}
	return nil
}

func payload(m *tensor.Mat) []byte {
	if m.Kind == quant.F32 {
		return tensor.EncodeF32(m.Data)
	}
	return m.Raw
}

// WriteTo serializes the container.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	header := make(map[string]any, len(w.entries)+1)
	if len(w.meta) > 0 {
		header[metadataKey] = w.meta
	}
	var off int64
	for _, k := range w.keys {
		e := w.entries[k]
		n := int64(len(payload(&e.mat)))
		h := headerEntry{DType: e.mat.Kind.String(), Shape: e.shape, DataOffsets: []int64{off, off + n}}
		if e.mat.Kind == quant.I8 {
			s := e.mat.Scale
			h.Scale = &s
		}
		header[k] = h
		off += n
		off += pad(off)
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return 0, err
	}
	if p := pad(int64(8 + len(hdr))); p > 0 {
		hdr = append(hdr, bytes.Repeat([]byte(" "), int(p))...)
	}

	var total int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	for _, chunk := range [][]byte{lenBuf[:], hdr} {
		n, err := out.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	zeros := make([]byte, dataAlign)
	for _, k := range w.keys {
		e := w.entries[k]
		p := payload(&e.mat)
		n, err := out.Write(p)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if gap := pad(int64(len(p))); gap > 0 {
			n, err := out.Write(zeros[:gap])
			total += int64(n)
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// WriteFile writes the container to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func pad(n int64) int64 {
	return (dataAlign - n%dataAlign) % dataAlign
}

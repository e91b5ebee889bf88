package tensorstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"unsafe"

	json "github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/tensor"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

// ErrCorruptFile reports a container whose header or offsets are invalid.
var ErrCorruptFile = errors.New("tensorstore: corrupt file")

const metadataKey = "__metadata__"

// File is a read-only tensor container: an 8-byte little-endian header
// length, a JSON header mapping keys to {dtype, shape, data_offsets}, then
// the data section. The layout is safetensors-compatible for F32, BF16 and
// I8 tensors; K-quant tensors use their quant kind name as dtype.
type File struct {
	data      []byte
	mmapped   bool
	dataStart int
	entries   map[string]fileEntry
	meta      map[string]string
}

type fileEntry struct {
	meta       Metadata
	start, end int
}

type headerEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets []int64  `json:"data_offsets"`
	Scale       *float32 `json:"scale,omitempty"`
}

// Open maps path read-only. If mmap is unavailable it falls back to reading
// the whole file. The returned file must be closed.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := st.Size()
	if size64 < 8 || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		tf, perr := parse(data, true)
		if perr != nil {
			_ = unix.Munmap(data)
			return nil, perr
		}
		return tf, nil
	}

	data = make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return parse(data, false)
}

func parse(data []byte, mmapped bool) (*File, error) {
	hlen := binary.LittleEndian.Uint64(data[:8])
	if hlen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds file", ErrCorruptFile, hlen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+hlen], &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptFile, err)
	}

	tf := &File{
		data:      data,
		mmapped:   mmapped,
		dataStart: 8 + int(hlen),
		entries:   make(map[string]fileEntry, len(raw)),
	}
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &tf.meta); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptFile, metadataKey, err)
		}
		delete(raw, metadataKey)
	}

	section := len(data) - tf.dataStart
	for name, msg := range raw {
		var h headerEntry
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorruptFile, name, err)
		}
		kind, err := quant.ParseKind(h.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if len(h.DataOffsets) != 2 || h.DataOffsets[0] < 0 || h.DataOffsets[1] < h.DataOffsets[0] || h.DataOffsets[1] > int64(section) {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets %v", ErrCorruptFile, name, h.DataOffsets)
		}
		meta := Metadata{Kind: kind, Shape: h.Shape}
		if h.Scale != nil {
			meta.Scale = *h.Scale
		} else if kind == quant.I8 {
			meta.Scale = 1
		}
		rows, cols := meta.Matrix()
		want, err := kind.RowBytes(cols)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if int64(want*rows) != h.DataOffsets[1]-h.DataOffsets[0] {
			return nil, fmt.Errorf("%w: tensor %s: %d bytes for %s%v", ErrCorruptFile, name, h.DataOffsets[1]-h.DataOffsets[0], kind, h.Shape)
		}
		tf.entries[name] = fileEntry{meta: meta, start: int(h.DataOffsets[0]), end: int(h.DataOffsets[1])}
	}
	return tf, nil
}

// Close releases the mapping. Views returned by Mapped become invalid.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.entries = nil
	return err
}

// Keys lists tensor keys in sorted order.
func (f *File) Keys() []string {
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Meta returns the free-form string metadata of the header.
func (f *File) Meta() map[string]string { return f.meta }

func (f *File) lookup(key string) (fileEntry, error) {
	e, ok := f.entries[key]
	if !ok {
		return fileEntry{}, fmt.Errorf("%w: %s", ErrTensorNotFound, key)
	}
	return e, nil
}

func (f *File) Has(key string) bool {
	_, ok := f.entries[key]
	return ok
}

func (f *File) Metadata(key string) (Metadata, error) {
	e, err := f.lookup(key)
	if err != nil {
		return Metadata{}, err
	}
	return e.meta, nil
}

func (f *File) Mapped(key string) (*tensor.Mat, error) {
	e, err := f.lookup(key)
	if err != nil {
		return nil, err
	}
	raw := f.data[f.dataStart+e.start : f.dataStart+e.end]
	rows, cols := e.meta.Matrix()
	if e.meta.Kind == quant.F32 && uintptr(unsafe.Pointer(unsafe.SliceData(raw)))%4 == 0 && len(raw) > 0 {
		vals := unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(raw))), len(raw)/4)
		m := tensor.NewMatFromData(rows, cols, vals)
		return &m, nil
	}
	m, err := tensor.NewMatFromRaw(rows, cols, e.meta.Kind, raw)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", key, err)
	}
	if e.meta.Kind == quant.I8 {
		m.Scale = e.meta.Scale
	}
	return &m, nil
}

func (f *File) Tensor(key string, _ device.ID) (*tensor.Mat, error) {
	m, err := f.Mapped(key)
	if err != nil {
		return nil, err
	}
	return Clone(m), nil
}

package device

import (
	"fmt"
	"unsafe"
)

// ElemType is the element encoding of a Handle.
type ElemType uint8

const (
	Float32 ElemType = iota
	Int64
)

func (e ElemType) size() int {
	if e == Int64 {
		return 8
	}
	return 4
}

func (e ElemType) String() string {
	if e == Int64 {
		return "i64"
	}
	return "f32"
}

// Handle is the flat buffer descriptor passed across the kernel boundary:
// a base address, an element count, the element stride between consecutive
// rows and the device the memory belongs to. A Handle does not own memory;
// the staging session or backend that created it does.
type Handle struct {
	Base   unsafe.Pointer
	Count  int
	Stride int
	Elem   ElemType
	Device ID
}

// Float32Handle describes buf as rows of stride elements.
func Float32Handle(buf []float32, stride int, dev ID) Handle {
	h := Handle{Count: len(buf), Stride: stride, Elem: Float32, Device: dev}
	if len(buf) > 0 {
		h.Base = unsafe.Pointer(unsafe.SliceData(buf))
	}
	return h
}

// Int64Handle describes buf as rows of stride elements.
func Int64Handle(buf []int64, stride int, dev ID) Handle {
	h := Handle{Count: len(buf), Stride: stride, Elem: Int64, Device: dev}
	if len(buf) > 0 {
		h.Base = unsafe.Pointer(unsafe.SliceData(buf))
	}
	return h
}

// Float32s resolves the handle to a slice. It panics on an element type
// mismatch.
func (h Handle) Float32s() []float32 {
	if h.Elem != Float32 {
		panic(fmt.Sprintf("device: handle holds %s, not f32", h.Elem))
	}
	if h.Base == nil {
		return nil
	}
	return unsafe.Slice((*float32)(h.Base), h.Count)
}

// Int64s resolves the handle to a slice. It panics on an element type
// mismatch.
func (h Handle) Int64s() []int64 {
	if h.Elem != Int64 {
		panic(fmt.Sprintf("device: handle holds %s, not i64", h.Elem))
	}
	if h.Base == nil {
		return nil
	}
	return unsafe.Slice((*int64)(h.Base), h.Count)
}

// Rows is the number of complete rows described by the handle.
func (h Handle) Rows() int {
	if h.Stride <= 0 {
		return 0
	}
	return h.Count / h.Stride
}

// Head returns a handle over the first rows rows.
func (h Handle) Head(rows int) Handle {
	n := rows * h.Stride
	if rows < 0 || n > h.Count {
		panic(fmt.Sprintf("device: %d rows exceed handle of %d", rows, h.Rows()))
	}
	h.Count = n
	return h
}

// Slice returns a handle over rows [row, row+rows).
func (h Handle) Slice(row, rows int) Handle {
	if row < 0 || rows < 0 || (row+rows)*h.Stride > h.Count {
		panic(fmt.Sprintf("device: rows [%d, %d) exceed handle of %d", row, row+rows, h.Rows()))
	}
	if rows == 0 {
		h.Base = nil
	} else {
		h.Base = unsafe.Add(h.Base, row*h.Stride*h.Elem.size())
	}
	h.Count = rows * h.Stride
	return h
}

// Bytes is the size of the described memory.
func (h Handle) Bytes() int64 { return int64(h.Count) * int64(h.Elem.size()) }

// Addr returns the base address for logging.
func (h Handle) Addr() uintptr { return uintptr(h.Base) }

// Package tensorstore provides key-addressed tensor lookup with quantization
// metadata, backed by memory or by a memory-mapped container file.
package tensorstore

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/tensor"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

// ErrTensorNotFound is wrapped by every lookup of an absent key.
var ErrTensorNotFound = errors.New("tensorstore: tensor not found")

// Metadata describes a stored tensor without touching its data.
type Metadata struct {
	Kind  quant.Kind
	Shape []int
	// Scale is the int8 dequantization divisor for I8 tensors.
	Scale float32
}

// Elements is the product of the shape.
func (m Metadata) Elements() int {
	if len(m.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range m.Shape {
		n *= d
	}
	return n
}

// Matrix folds the shape into rows x cols, where cols is the last dimension.
func (m Metadata) Matrix() (rows, cols int) {
	if len(m.Shape) == 0 {
		return 0, 0
	}
	cols = m.Shape[len(m.Shape)-1]
	rows = 1
	for _, d := range m.Shape[:len(m.Shape)-1] {
		rows *= d
	}
	return rows, cols
}

// Store is the tensor lookup capability the engine consumes.
type Store interface {
	Has(key string) bool
	Metadata(key string) (Metadata, error)
	// Tensor returns a materialized copy owned by the caller.
	Tensor(key string, dev device.ID) (*tensor.Mat, error)
	// Mapped returns a view sharing the store's memory. It stays valid
	// until the store is closed.
	Mapped(key string) (*tensor.Mat, error)
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu      sync.RWMutex
	tensors map[string]memEntry
}

type memEntry struct {
	meta Metadata
	mat  tensor.Mat
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{tensors: make(map[string]memEntry)}
}

// Put stores m under key. shape defaults to [m.R, m.C]; when given, its
// element count must match the matrix.
func (s *MemStore) Put(key string, m tensor.Mat, shape ...int) error {
	if len(shape) == 0 {
		shape = []int{m.R, m.C}
	}
	meta := Metadata{Kind: m.Kind, Shape: slices.Clone(shape), Scale: m.Scale}
	if meta.Elements() != m.R*m.C {
		return fmt.Errorf("tensorstore: %s: shape %v does not match %dx%d", key, shape, m.R, m.C)
	}
	s.mu.Lock()
	s.tensors[key] = memEntry{meta: meta, mat: m}
	s.mu.Unlock()
	return nil
}

// Keys lists the stored keys in sorted order.
func (s *MemStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.tensors))
	for k := range s.tensors {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (s *MemStore) lookup(key string) (memEntry, error) {
	s.mu.RLock()
	e, ok := s.tensors[key]
	s.mu.RUnlock()
	if !ok {
		return memEntry{}, fmt.Errorf("%w: %s", ErrTensorNotFound, key)
	}
	return e, nil
}

func (s *MemStore) Has(key string) bool {
	_, err := s.lookup(key)
	return err == nil
}

func (s *MemStore) Metadata(key string) (Metadata, error) {
	e, err := s.lookup(key)
	if err != nil {
		return Metadata{}, err
	}
	return e.meta, nil
}

func (s *MemStore) Tensor(key string, _ device.ID) (*tensor.Mat, error) {
	e, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	return Clone(&e.mat), nil
}

func (s *MemStore) Mapped(key string) (*tensor.Mat, error) {
	e, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	m := e.mat
	return &m, nil
}

// Clone deep-copies a matrix.
func Clone(m *tensor.Mat) *tensor.Mat {
	c := *m
	c.Data = slices.Clone(m.Data)
	c.Raw = slices.Clone(m.Raw)
	return &c
}

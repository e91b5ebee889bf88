package backend

import (
	"errors"
	"fmt"

	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/tensor"
	"github.com/samcharles93/hetmoe/internal/tensorstore"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

// ExpertWeights holds gate, up and down per expert, in their source
// encoding.
type ExpertWeights struct {
	Gate, Up, Down []*tensor.Mat
}

// Count is the number of experts.
func (w *ExpertWeights) Count() int { return len(w.Gate) }

// Kind is the encoding shared by every matrix, or false when they differ.
func (w *ExpertWeights) Kind() (quant.Kind, bool) {
	if len(w.Gate) == 0 {
		return quant.F32, true
	}
	k := w.Gate[0].Kind
	for _, set := range [][]*tensor.Mat{w.Gate, w.Up, w.Down} {
		for _, m := range set {
			if m.Kind != k {
				return 0, false
			}
		}
	}
	return k, true
}

func (w *ExpertWeights) check(cfg ExpertConfig) error {
	if w.Count() != cfg.Experts || len(w.Up) != cfg.Experts || len(w.Down) != cfg.Experts {
		return fmt.Errorf("backend: %s: weights hold %d/%d/%d experts, want %d", cfg.Key, len(w.Gate), len(w.Up), len(w.Down), cfg.Experts)
	}
	for e := range cfg.Experts {
		for _, c := range []struct {
			p    tensorstore.Projection
			m    *tensor.Mat
			r, c int
		}{
			{tensorstore.Gate, w.Gate[e], cfg.Intermediate, cfg.Hidden},
			{tensorstore.Up, w.Up[e], cfg.Intermediate, cfg.Hidden},
			{tensorstore.Down, w.Down[e], cfg.Hidden, cfg.Intermediate},
		} {
			if c.m == nil || c.m.R != c.r || c.m.C != c.c {
				return fmt.Errorf("backend: %s: expert %d %s has wrong shape, want %dx%d", cfg.Key, e, c.p, c.r, c.c)
			}
		}
	}
	return nil
}

// sourceKind reads the encoding of the block's gate weights from store
// metadata without materializing them.
func sourceKind(store tensorstore.Store, prefix string) (quant.Kind, error) {
	if store == nil {
		return 0, errors.New("backend: no tensor store")
	}
	key := tensorstore.StackedKey(prefix, tensorstore.Gate)
	if !store.Has(key) {
		key = tensorstore.PerExpertKey(prefix, tensorstore.Gate, 0)
	}
	meta, err := store.Metadata(key)
	if err != nil {
		return 0, &MissingTensorError{Key: key, Err: err}
	}
	return meta.Kind, nil
}

// LoadExpertWeights reads an expert block from store. Stacked
// [experts, out, in] tensors are preferred; otherwise every per-expert key
// must be present.
func LoadExpertWeights(store tensorstore.Store, cfg ExpertConfig, dev device.ID) (*ExpertWeights, error) {
	if store == nil {
		return nil, errors.New("backend: no tensor store")
	}
	w := &ExpertWeights{}
	for _, p := range tensorstore.Projections {
		r, c := cfg.Intermediate, cfg.Hidden
		if p == tensorstore.Down {
			r, c = cfg.Hidden, cfg.Intermediate
		}
		mats, err := loadProjection(store, cfg.Key, p, cfg.Experts, r, c, dev)
		if err != nil {
			return nil, err
		}
		switch p {
		case tensorstore.Gate:
			w.Gate = mats
		case tensorstore.Up:
			w.Up = mats
		case tensorstore.Down:
			w.Down = mats
		}
	}
	return w, nil
}

func loadProjection(store tensorstore.Store, prefix string, p tensorstore.Projection, experts, r, c int, dev device.ID) ([]*tensor.Mat, error) {
	stacked := tensorstore.StackedKey(prefix, p)
	if store.Has(stacked) {
		m, err := store.Tensor(stacked, dev)
		if err != nil {
			return nil, fmt.Errorf("backend: read %s: %w", stacked, err)
		}
		if m.R != experts*r || m.C != c {
			return nil, fmt.Errorf("backend: %s is %dx%d, want %dx%d", stacked, m.R, m.C, experts*r, c)
		}
		out := make([]*tensor.Mat, experts)
		for e := range experts {
			v := m.Rows(e*r, r)
			out[e] = &v
		}
		return out, nil
	}
	out := make([]*tensor.Mat, experts)
	for e := range experts {
		key := tensorstore.PerExpertKey(prefix, p, e)
		if !store.Has(key) {
			if e == 0 {
				key = stacked
			}
			return nil, &MissingTensorError{Key: key, Err: tensorstore.ErrTensorNotFound}
		}
		m, err := store.Tensor(key, dev)
		if err != nil {
			return nil, fmt.Errorf("backend: read %s: %w", key, err)
		}
		if m.R != r || m.C != c {
			return nil, fmt.Errorf("backend: %s is %dx%d, want %dx%d", key, m.R, m.C, r, c)
		}
		out[e] = m
	}
	return out, nil
}

// LinearWeights holds a projection and its optional bias.
type LinearWeights struct {
	W    *tensor.Mat
	Bias []float32
}

func (w *LinearWeights) check(cfg LinearConfig) error {
	if w.W == nil || w.W.R != cfg.Out || w.W.C != cfg.In {
		return fmt.Errorf("backend: %s: weight must be %dx%d", cfg.Key, cfg.Out, cfg.In)
	}
	if w.Bias != nil && len(w.Bias) != cfg.Out {
		return fmt.Errorf("backend: %s: bias has %d values, want %d", cfg.Key, len(w.Bias), cfg.Out)
	}
	return nil
}

// LoadLinearWeights reads key.weight and, when present, key.bias.
func LoadLinearWeights(store tensorstore.Store, cfg LinearConfig, dev device.ID) (*LinearWeights, error) {
	if store == nil {
		return nil, errors.New("backend: no tensor store")
	}
	wk := tensorstore.WeightKey(cfg.Key)
	if !store.Has(wk) {
		return nil, &MissingTensorError{Key: wk, Err: tensorstore.ErrTensorNotFound}
	}
	m, err := store.Tensor(wk, dev)
	if err != nil {
		return nil, fmt.Errorf("backend: read %s: %w", wk, err)
	}
	w := &LinearWeights{W: m}
	if bk := tensorstore.BiasKey(cfg.Key); store.Has(bk) {
		b, err := store.Tensor(bk, dev)
		if err != nil {
			return nil, fmt.Errorf("backend: read %s: %w", bk, err)
		}
		w.Bias = make([]float32, b.R*b.C)
		for i := range b.R {
			b.RowTo(w.Bias[i*b.C:(i+1)*b.C], i)
		}
	}
	if err := w.check(cfg); err != nil {
		return nil, err
	}
	return w, nil
}

func linearSourceKind(store tensorstore.Store, key string) (quant.Kind, error) {
	if store == nil {
		return 0, errors.New("backend: no tensor store")
	}
	wk := tensorstore.WeightKey(key)
	meta, err := store.Metadata(wk)
	if err != nil {
		return 0, &MissingTensorError{Key: wk, Err: err}
	}
	return meta.Kind, nil
}

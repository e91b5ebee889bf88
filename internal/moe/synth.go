package moe

import (
	"fmt"
	"math"

	"github.com/samcharles93/hetmoe/internal/config"
	"github.com/samcharles93/hetmoe/internal/convert"
	"github.com/samcharles93/hetmoe/internal/tensor"
	"github.com/samcharles93/hetmoe/internal/tensorstore"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

// PutFunc stores one tensor. tensorstore.MemStore.Put and
// tensorstore.Writer.Add both fit.
type PutFunc func(key string, m tensor.Mat, shape ...int) error

// Synthesize generates reproducible random weights for model and hands
// every tensor to put. Expert tensors are stacked and encoded as kind;
// router and shared-expert weights stay F32.
func Synthesize(model config.Model, seed int64, kind quant.Kind, put PutFunc) error {
	if kind.Blocked() && (model.Hidden%quant.BlockElems != 0 || model.Intermediate%quant.BlockElems != 0) {
		return fmt.Errorf("synth: %s needs hidden and intermediate to be multiples of %d", kind, quant.BlockElems)
	}
	E, H, I := model.Experts, model.Hidden, model.Intermediate
	for l := range max(model.Layers, 1) {
		key := config.LayerKey(l)
		layerSeed := seed + int64(l)*1000
		if err := putF32(put, tensorstore.WeightKey(key+RouterSuffix), E, H, layerSeed); err != nil {
			return err
		}
		for i, p := range tensorstore.Projections {
			r, c := I, H
			if p == tensorstore.Down {
				r, c = H, I
			}
			m := random(E*r, c, layerSeed+int64(i)+1)
			enc, err := encode(&m, kind)
			if err != nil {
				return fmt.Errorf("synth: %s: %w", tensorstore.StackedKey(key, p), err)
			}
			if err := put(tensorstore.StackedKey(key, p), *enc, E, r, c); err != nil {
				return err
			}
		}
		if S := model.SharedIntermediate; S > 0 {
			if err := putF32(put, tensorstore.WeightKey(key+SharedGateSuffix), S, H, layerSeed+10); err != nil {
				return err
			}
			if err := putF32(put, tensorstore.WeightKey(key+SharedUpSuffix), S, H, layerSeed+11); err != nil {
				return err
			}
			if err := putF32(put, tensorstore.WeightKey(key+SharedDownSuffix), H, S, layerSeed+12); err != nil {
				return err
			}
			if model.SharedGate {
				if err := putF32(put, tensorstore.WeightKey(key+SharedScaleSuffix), 1, H, layerSeed+13); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func random(r, c int, seed int64) tensor.Mat {
	m := tensor.NewMat(r, c)
	tensor.FillRand(&m, seed, float32(2/math.Sqrt(float64(max(c, 1)))))
	return m
}

func putF32(put PutFunc, key string, r, c int, seed int64) error {
	return put(key, random(r, c, seed), r, c)
}

func encode(m *tensor.Mat, kind quant.Kind) (*tensor.Mat, error) {
	switch {
	case kind == quant.F32:
		return m, nil
	case kind.Blocked():
		raw, err := quant.Encode(kind, m.Data)
		if err != nil {
			return nil, err
		}
		q, err := tensor.NewMatFromRaw(m.R, m.C, kind, raw)
		if err != nil {
			return nil, err
		}
		return &q, nil
	}
	return convert.Convert(m, kind)
}

// Input is a deterministic n x hidden activation batch for benchmarks.
func Input(n, hidden int) []float32 {
	x := make([]float32, n*hidden)
	for i := range x {
		x[i] = float32(math.Cos(float64(i)*0.61)) * 0.8
	}
	return x
}

package backend

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/kernel"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

type (
	expertFactory func(ExpertConfig, Env) (Expert, error)
	linearFactory func(LinearConfig, Env) (Linear, error)
)

var expertTable = map[Variant]expertFactory{
	Dense:      newDenseExpert,
	HostQuant:  newHostQuantExpert,
	HostBF16:   newHostBF16Expert,
	HostInt8:   newHostInt8Expert,
	AccelQuant: newAccelExpert,
}

var linearTable = map[Variant]linearFactory{
	Dense:      newDenseLinear,
	HostQuant:  newHostLinear(HostQuant, quant.F32),
	HostBF16:   newHostLinear(HostBF16, quant.BF16),
	HostInt8:   newHostLinear(HostInt8, quant.I8),
	AccelQuant: newAccelLinear,
}

// accepted lists the source encodings an accelerated host variant takes
// without forcing.
var accepted = map[Variant][]quant.Kind{
	HostBF16: {quant.F32, quant.BF16},
	HostInt8: {quant.I8, quant.BF16},
}

// Fallback is the variant built in place of v when v is incompatible.
func Fallback(v Variant) Variant {
	if v == AccelQuant {
		return Dense
	}
	return HostQuant
}

// hostCompat decides whether a host-bf16 or host-int8 backend can run.
// An unreadable source kind defers the decision to load.
func hostCompat(v Variant, force bool, capability Capability, kind func() (quant.Kind, error)) error {
	if _, ok := accepted[v]; !ok || force {
		return nil
	}
	if !capability(v) {
		return &IncompatibleError{Variant: v, Reason: "hardware capability not present"}
	}
	k, err := kind()
	if err != nil {
		return nil
	}
	if !slices.Contains(accepted[v], k) {
		return &IncompatibleError{Variant: v, Reason: fmt.Sprintf("source encoding %s is not accepted", k)}
	}
	return nil
}

// TryInitializeExpert builds the named expert backend. It returns an
// *IncompatibleError when the variant cannot run here unforced; every
// other error is fatal.
func TryInitializeExpert(name string, cfg ExpertConfig, env Env) (Expert, error) {
	v := Normalize(name)
	factory, ok := expertTable[v]
	if !ok {
		return nil, &UnsupportedBackendError{Name: name, Kind: "expert"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	cfg.Tuning = cfg.Tuning.withDefaults()
	if v == AccelQuant {
		if err := accelCompat(cfg.Device, cfg.Hidden, cfg.Intermediate); err != nil {
			return nil, err
		}
	}
	err := hostCompat(v, cfg.Force, env.capability(), func() (quant.Kind, error) {
		return sourceKind(env.Store, cfg.Key)
	})
	if err != nil {
		return nil, err
	}
	return factory(cfg, env)
}

// TryInitializeLinear is TryInitializeExpert for linear modules.
func TryInitializeLinear(name string, cfg LinearConfig, env Env) (Linear, error) {
	v := Normalize(name)
	factory, ok := linearTable[v]
	if !ok {
		return nil, &UnsupportedBackendError{Name: name, Kind: "linear"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	cfg.Tuning = cfg.Tuning.withDefaults()
	if v == AccelQuant {
		if err := accelCompat(cfg.Device, cfg.Out, cfg.In); err != nil {
			return nil, err
		}
	}
	err := hostCompat(v, cfg.Force, env.capability(), func() (quant.Kind, error) {
		return linearSourceKind(env.Store, cfg.Key)
	})
	if err != nil {
		return nil, err
	}
	return factory(cfg, env)
}

// accelCompat applies to forced configurations too: the packed layout
// cannot be produced for other shapes or host placement.
func accelCompat(dev device.ID, r, c int) error {
	if dev.IsHost() {
		return &IncompatibleError{Variant: AccelQuant, Reason: "placement is not an accelerator"}
	}
	if !kernel.CanPack(r, c) {
		return &IncompatibleError{Variant: AccelQuant, Reason: fmt.Sprintf("%dx%d is not a multiple of %d", r, c, kernel.PackGroup)}
	}
	return nil
}

// NewExpert builds the named expert backend, substituting Fallback(v) with
// a one-time warning when the variant is incompatible.
func NewExpert(name string, cfg ExpertConfig, env Env) (Expert, error) {
	b, err := TryInitializeExpert(name, cfg, env)
	var inc *IncompatibleError
	if !errors.As(err, &inc) {
		return b, err
	}
	fb := Fallback(inc.Variant)
	logger.WarnOnce(env.logger(), "fallback:expert:"+string(inc.Variant),
		"backend unavailable, falling back", "variant", inc.Variant, "fallback", fb, "reason", inc.Reason)
	return TryInitializeExpert(string(fb), cfg, env)
}

// NewLinear is NewExpert for linear modules.
func NewLinear(name string, cfg LinearConfig, env Env) (Linear, error) {
	b, err := TryInitializeLinear(name, cfg, env)
	var inc *IncompatibleError
	if !errors.As(err, &inc) {
		return b, err
	}
	fb := Fallback(inc.Variant)
	logger.WarnOnce(env.logger(), "fallback:linear:"+string(inc.Variant),
		"backend unavailable, falling back", "variant", inc.Variant, "fallback", fb, "reason", inc.Reason)
	return TryInitializeLinear(string(fb), cfg, env)
}

// Package group pairs a prefill backend and a generate backend for the same
// weights and keeps at most one of them resident.
package group

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/hetmoe/internal/backend"
	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/logger"
)

// Phase is the inference mode a group is loaded for.
type Phase uint8

const (
	Unloaded Phase = iota
	Prefill
	Generate
)

func (p Phase) String() string {
	switch p {
	case Prefill:
		return "prefill"
	case Generate:
		return "generate"
	}
	return "unloaded"
}

// ParsePhase accepts the names printed by String. "decode" is an alias for
// generate.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unloaded", "none":
		return Unloaded, nil
	case "prefill":
		return Prefill, nil
	case "generate", "decode":
		return Generate, nil
	}
	return Unloaded, fmt.Errorf("unknown phase %q (expected unloaded, prefill or generate)", s)
}

// MarshalText lets phases appear by name in JSON and YAML.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Placement says where a phase's backend loads its weights.
type Placement struct {
	Device device.ID
}

// Status is a point-in-time view of a group.
type Status struct {
	Key      string        `json:"key"`
	Kind     string        `json:"kind"`
	Phase    Phase         `json:"phase"`
	Prefill  BackendStatus `json:"prefill"`
	Generate BackendStatus `json:"generate"`
}

// BackendStatus describes one side of a group.
type BackendStatus struct {
	Variant  backend.Variant `json:"variant"`
	Device   device.ID       `json:"device"`
	Loaded   bool            `json:"loaded"`
	Resident int64           `json:"resident_bytes"`
}

// member is the load surface shared by expert and linear backends.
type member interface {
	Variant() backend.Variant
	Device() device.ID
	Loaded() bool
	ResidentBytes() int64
	Unload()
}

func status(m member) BackendStatus {
	return BackendStatus{Variant: m.Variant(), Device: m.Device(), Loaded: m.Loaded(), Resident: m.ResidentBytes()}
}

// machine is the phase state machine. load is called for the backend of the
// target phase after the other backend has been unloaded.
type machine struct {
	key  string
	log  logger.Logger
	pair [2]member // prefill, generate

	mu    sync.RWMutex
	phase Phase
}

func (m *machine) setPhase(p Phase, load func(Phase) error) error {
	if p > Generate {
		return fmt.Errorf("group %s: invalid phase %d", m.key, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.phase
	prefill, generate := m.pair[0], m.pair[1]
	if p == from && (p == Unloaded || m.pair[p-1].Loaded()) {
		return nil
	}
	switch p {
	case Unloaded:
		prefill.Unload()
		generate.Unload()
	case Prefill:
		generate.Unload()
	case Generate:
		prefill.Unload()
	}
	if p != Unloaded {
		if err := load(p); err != nil {
			prefill.Unload()
			generate.Unload()
			m.phase = Unloaded
			return fmt.Errorf("group %s: load %s: %w", m.key, p, err)
		}
	}
	m.phase = p
	m.log.Debug("phase changed", "from", from, "to", p)
	return nil
}

// Phase is the current phase.
func (m *machine) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// ErrNotLoaded is matched by Forward while Unloaded.
var ErrNotLoaded = backend.ErrNotLoaded

func (m *machine) notLoaded() error {
	return fmt.Errorf("group %s: %w", m.key, &backend.NotLoadedError{Variant: "unloaded"})
}

// ExpertGroup owns the two expert backends of one MoE block.
type ExpertGroup struct {
	machine
	prefill, generate     backend.Expert
	prefillAt, generateAt Placement
}

// NewExpertGroup builds a group in the Unloaded phase.
func NewExpertGroup(key string, prefill, generate backend.Expert, prefillAt, generateAt Placement, log logger.Logger) (*ExpertGroup, error) {
	if prefill == nil || generate == nil {
		return nil, errors.New("group: both backends are required")
	}
	g := &ExpertGroup{prefill: prefill, generate: generate, prefillAt: prefillAt, generateAt: generateAt}
	g.machine = machine{key: key, log: logger.OrDefault(log).With("group", key), pair: [2]member{prefill, generate}}
	return g, nil
}

// SetPhase unloads the backend not matching p, then loads the one that
// does. On a load failure both backends are unloaded and the group is left
// Unloaded.
func (g *ExpertGroup) SetPhase(p Phase) error {
	return g.setPhase(p, func(p Phase) error {
		if p == Prefill {
			return g.prefill.Load(nil, g.prefillAt.Device)
		}
		return g.generate.Load(nil, g.generateAt.Device)
	})
}

// Backend returns the backend of the current phase, or nil while Unloaded.
func (g *ExpertGroup) Backend() backend.Expert {
	g.mu.RLock()
	defer g.mu.RUnlock()
	switch g.phase {
	case Prefill:
		return g.prefill
	case Generate:
		return g.generate
	}
	return nil
}

// Forward dispatches to the backend of the current phase.
func (g *ExpertGroup) Forward(input []float32, ids []int, weights []float32, n int) ([]float32, error) {
	b := g.Backend()
	if b == nil {
		return nil, g.notLoaded()
	}
	return b.Forward(input, ids, weights, n)
}

// Status reports both backends.
func (g *ExpertGroup) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Status{Key: g.key, Kind: "experts", Phase: g.phase, Prefill: status(g.prefill), Generate: status(g.generate)}
}

// LinearGroup owns the two backends of one linear module.
type LinearGroup struct {
	machine
	prefill, generate     backend.Linear
	prefillAt, generateAt Placement
}

// NewLinearGroup builds a group in the Unloaded phase.
func NewLinearGroup(key string, prefill, generate backend.Linear, prefillAt, generateAt Placement, log logger.Logger) (*LinearGroup, error) {
	if prefill == nil || generate == nil {
		return nil, errors.New("group: both backends are required")
	}
	g := &LinearGroup{prefill: prefill, generate: generate, prefillAt: prefillAt, generateAt: generateAt}
	g.machine = machine{key: key, log: logger.OrDefault(log).With("group", key), pair: [2]member{prefill, generate}}
	return g, nil
}

// SetPhase behaves as ExpertGroup.SetPhase.
func (g *LinearGroup) SetPhase(p Phase) error {
	return g.setPhase(p, func(p Phase) error {
		if p == Prefill {
			return g.prefill.Load(nil, g.prefillAt.Device)
		}
		return g.generate.Load(nil, g.generateAt.Device)
	})
}

// Backend returns the backend of the current phase, or nil while Unloaded.
func (g *LinearGroup) Backend() backend.Linear {
	g.mu.RLock()
	defer g.mu.RUnlock()
	switch g.phase {
	case Prefill:
		return g.prefill
	case Generate:
		return g.generate
	}
	return nil
}

// Forward dispatches to the backend of the current phase.
func (g *LinearGroup) Forward(input []float32, n int) ([]float32, error) {
	b := g.Backend()
	if b == nil {
		return nil, g.notLoaded()
	}
	return b.Forward(input, n)
}

// Status reports both backends.
func (g *LinearGroup) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Status{Key: g.key, Kind: "linear", Phase: g.phase, Prefill: status(g.prefill), Generate: status(g.generate)}
}

package tensorstore

import "strconv"

// Projection names one of the three matrices of a gated expert.
type Projection string

const (
	Gate Projection = "gate"
	Up   Projection = "up"
	Down Projection = "down"
)

// Projections lists gate, up and down in load order.
var Projections = [3]Projection{Gate, Up, Down}

// StackedKey names the [experts, out, in] tensor of a projection, e.g.
// "blk.3.ffn_gate_exps.weight".
func StackedKey(prefix string, p Projection) string {
	return prefix + ".ffn_" + string(p) + "_exps.weight"
}

// PerExpertKey names one expert's matrix, e.g. "blk.3.ffn_gate.7.weight".
func PerExpertKey(prefix string, p Projection, expert int) string {
	return prefix + ".ffn_" + string(p) + "." + strconv.Itoa(expert) + ".weight"
}

// WeightKey and BiasKey name the parameters of a linear module.
func WeightKey(prefix string) string { return prefix + ".weight" }
func BiasKey(prefix string) string   { return prefix + ".bias" }

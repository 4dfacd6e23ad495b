// SPDX-License-Identifier: Apache-2.0

// Package budget implements C4, the size-budget planner: it estimates the
// additive code-size growth a function's enabled techniques would cause and,
// when that estimate exceeds Config.MaxSizeGrowthPercent, disables
// techniques in a fixed priority order until the estimate fits (spec.md
// §4.4).
package budget

import (
	"irobf/internal/analysis"
	"irobf/internal/config"
)

// perTechniquePercent is the fixed additive size-growth contribution of one
// cycle of each technique. spec.md §4.4 requires a "fixed percentage"
// per technique but does not name the constants; these are this engine's
// calibration: polymorphism and the pseudo-VM dominate growth, cheap
// substitutions barely register.
var perTechniquePercent = map[string]int{
	"polymorphic":              60,
	"pseudo_vm":                45,
	"control_flow_flattening":  20,
	"mba":                      15,
	"constant_obfuscation":     8,
	"bogus_code":               10,
	"fake_loops":               6,
	"control_flow_obfuscation": 5,
	"instruction_substitution": 4,
	"string_encryption":        3,
	"indirect_calls":           5,
	"import_hiding":            4,
	"anti_debug":               3,
	"anti_tamper":              3,
	"metamorphic":              12,
	"anti_analysis":            3,
}

// disablePriority is the priority-of-disable order spec.md §4.4 names,
// expressed as the Techniques fields (and the matching perTechniquePercent
// keys) to turn off, first to last. "virtualization" in the spec's
// wording is this engine's PseudoVM field.
var disablePriority = []string{
	"polymorphic",
	"pseudo_vm",
	"control_flow_flattening",
	"mba",
	"constant_obfuscation",
	"bogus_code",
	"fake_loops",
}

// Plan is the outcome of budgeting one function: the technique set actually
// to run (possibly trimmed from cfg.Techniques), the cycle count actually to
// run (possibly reduced to 1), and the resulting growth estimate.
type Plan struct {
	Techniques             config.Techniques
	Cycles                 int
	EstimatedGrowthPercent int
}

// estimate computes the additive growth percentage for one cycle of t,
// multiplied by cycles.
func estimate(t config.Techniques, cycles int) int {
	total := 0
	if t.Polymorphic {
		total += perTechniquePercent["polymorphic"]
	}
	if t.PseudoVM {
		total += perTechniquePercent["pseudo_vm"]
	}
	if t.ControlFlowFlattening {
		total += perTechniquePercent["control_flow_flattening"]
	}
	if t.MBA {
		total += perTechniquePercent["mba"]
	}
	if t.ConstantObfuscation {
		total += perTechniquePercent["constant_obfuscation"]
	}
	if t.BogusCode {
		total += perTechniquePercent["bogus_code"]
	}
	if t.FakeLoops {
		total += perTechniquePercent["fake_loops"]
	}
	if t.ControlFlowObfuscation {
		total += perTechniquePercent["control_flow_obfuscation"]
	}
	if t.InstructionSubstitution {
		total += perTechniquePercent["instruction_substitution"]
	}
	if t.StringEncryption {
		total += perTechniquePercent["string_encryption"]
	}
	if t.IndirectCalls {
		total += perTechniquePercent["indirect_calls"]
	}
	if t.ImportHiding {
		total += perTechniquePercent["import_hiding"]
	}
	if t.AntiDebug {
		total += perTechniquePercent["anti_debug"]
	}
	if t.AntiTamper {
		total += perTechniquePercent["anti_tamper"]
	}
	if t.Metamorphic {
		total += perTechniquePercent["metamorphic"]
	}
	if t.AntiAnalysis {
		total += perTechniquePercent["anti_analysis"]
	}
	return total * cycles
}

// disable turns off the Techniques field named by key, returning whether it
// was actually enabled (and therefore whether disabling it changes anything).
func disable(t *config.Techniques, key string) bool {
	switch key {
	case "polymorphic":
		if !t.Polymorphic {
			return false
		}
		t.Polymorphic = false
	case "pseudo_vm":
		if !t.PseudoVM {
			return false
		}
		t.PseudoVM = false
	case "control_flow_flattening":
		if !t.ControlFlowFlattening {
			return false
		}
		t.ControlFlowFlattening = false
	case "mba":
		if !t.MBA {
			return false
		}
		t.MBA = false
	case "constant_obfuscation":
		if !t.ConstantObfuscation {
			return false
		}
		t.ConstantObfuscation = false
	case "bogus_code":
		if !t.BogusCode {
			return false
		}
		t.BogusCode = false
	case "fake_loops":
		if !t.FakeLoops {
			return false
		}
		t.FakeLoops = false
	default:
		return false
	}
	return true
}

// PlanFor budgets one function's technique set against cfg, per spec.md
// §4.4. rec is consulted only for its Criticality and is not modified; the
// growth estimate is returned on Plan.EstimatedGrowthPercent only.
func PlanFor(rec analysis.Record, cfg *config.Config) Plan {
	t := cfg.Techniques
	cycles := cfg.Cycles

	growth := estimate(t, cycles)
	for _, key := range disablePriority {
		if growth <= cfg.MaxSizeGrowthPercent {
			break
		}
		if disable(&t, key) {
			growth = estimate(t, cycles)
		}
	}
	for growth > cfg.MaxSizeGrowthPercent && cycles > 1 {
		cycles--
		growth = estimate(t, cycles)
	}

	if rec.Criticality == analysis.Critical {
		t.ControlFlowObfuscation = true
		t.StringEncryption = true
		t.AntiDebug = true
		growth = estimate(t, cycles)
	}

	return Plan{Techniques: t, Cycles: cycles, EstimatedGrowthPercent: growth}
}

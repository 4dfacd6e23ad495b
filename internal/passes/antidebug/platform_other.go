// SPDX-License-Identifier: Apache-2.0

//go:build !windows && !linux && !darwin

package antidebug

import "irobf/internal/ir"

const targetPlatform = "unsupported"

// buildProbes on an unrecognized target platform emits no probes at all —
// spec.md §7's "Platform-unsupported intrinsic" policy ("detect ... and
// skip the ... probe; do not fail the module") applied to the whole probe
// set rather than a single instruction.
func buildProbes(m *ir.Module, bd *ir.Builder) *ir.Value {
	return bd.ConstInt(ir.I32, 0)
}

func buildAnalysisProbes(m *ir.Module, bd *ir.Builder) *ir.Value {
	return bd.ConstInt(ir.I32, 0)
}

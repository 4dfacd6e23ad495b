// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package antidebug

import (
	"golang.org/x/sys/unix"

	"irobf/internal/ir"
)

const targetPlatform = "posix"

// ptraceTracemeRequest is unix.PTRACE_TRACEME from golang.org/x/sys/unix,
// rather than a bare literal 0, passed to the declaration-only runtime
// primitive that performs the actual ptrace(2) call (spec.md §4.13: "use
// ptrace(PTRACE_TRACEME,…) == -1 as the single probe").
var ptraceTracemeRequest = uint64(unix.PTRACE_TRACEME)

func buildProbes(m *ir.Module, bd *ir.Builder) *ir.Value {
	ptrace := ensureDeclaration(m, "__ptrace_traceme", []*ir.Parameter{
		{Name: "request", Type: ir.I32},
	})
	result := bd.Call(ptrace, bd.ConstInt(ir.I32, ptraceTracemeRequest))
	failed := bd.ICmp(ir.ICmpEQ, result, bd.ConstInt(ir.I32, 0xFFFFFFFF))
	return bd.Select(failed, bd.ConstInt(ir.I32, 1), bd.ConstInt(ir.I32, 0))
}

// buildAnalysisProbes emits the POSIX analysis-environment probe chain:
// a /proc scan for known analysis tool process names, an LD_PRELOAD hook
// check, and the same sandbox-artifact (core count / disk size) check as
// the Windows side, OR-combined.
func buildAnalysisProbes(m *ir.Module, bd *ir.Builder) *ir.Value {
	scanProcessBlacklist := ensureProbeDecl(m, "__scan_proc_blacklist")
	checkLdPreload := ensureProbeDecl(m, "__check_ld_preload")
	sandboxArtifacts := ensureProbeDecl(m, "__check_sandbox_artifacts")

	p1 := bd.Call(scanProcessBlacklist)
	p2 := bd.Call(checkLdPreload)
	p3 := bd.Call(sandboxArtifacts)

	combined := bd.BinOp(ir.OpOr, p1, p2)
	return bd.BinOp(ir.OpOr, combined, p3)
}

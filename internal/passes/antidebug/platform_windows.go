// SPDX-License-Identifier: Apache-2.0

//go:build windows

package antidebug

import (
	"golang.org/x/sys/windows"

	"irobf/internal/ir"
)

// targetPlatform and debugPortClass are resolved at build time by which of
// this file, platform_posix.go, or platform_other.go is compiled in — the
// GOOS build-tag gate spec.md §4.13's closing constraint calls for.
const targetPlatform = "windows"

// debugPortClass is NtQueryInformationProcess's ProcessDebugPort info class
// (spec.md §4.13), taken from golang.org/x/sys/windows's own enumeration
// rather than a bare literal "7".
var debugPortClass = uint64(windows.ProcessDebugPort)

// buildProbes emits the eight-probe OR-chain spec.md §4.13 describes for
// Windows, into bd's block, returning an i32 that is 1 iff any probe fired.
// Each probe is a call into a declaration-only runtime primitive — like
// strcipher's RC4 loop and indirect's API resolver, these talk to the OS
// loader/debugger APIs directly, which is outside what this pointer-
// arithmetic-free IR can express; by contract, each declared probe returns
// exactly 0 or 1, so OR-combining them never needs re-normalizing.
func buildProbes(m *ir.Module, bd *ir.Builder) *ir.Value {
	isDebuggerPresent := ensureProbeDecl(m, "IsDebuggerPresent")
	checkRemoteDebugger := ensureProbeDecl(m, "CheckRemoteDebuggerPresent")
	ntQueryDebugPort := ensureDeclaration(m, "NtQueryInformationProcess",
		[]*ir.Parameter{{Name: "infoClass", Type: ir.I32}})
	checkDebuggerModules := ensureProbeDecl(m, "__check_debugger_modules")
	getThreadContextBp := ensureProbeDecl(m, "__check_hw_breakpoints")
	pebNtGlobalFlag := ensureDeclaration(m, "__check_peb_ntglobalflag",
		[]*ir.Parameter{{Name: "mask", Type: ir.I32}})
	pebBeingDebugged := ensureProbeDecl(m, "__check_peb_being_debugged")

	p1 := bd.Call(isDebuggerPresent)
	p2 := bd.Call(checkRemoteDebugger)
	p3 := bd.Call(ntQueryDebugPort, bd.ConstInt(ir.I32, debugPortClass))
	p4 := bd.Call(checkDebuggerModules)
	p5 := timingProbe(bd)
	p6 := bd.Call(getThreadContextBp)
	p7 := bd.Call(pebNtGlobalFlag, bd.ConstInt(ir.I32, 0x70))
	p8 := bd.Call(pebBeingDebugged)

	combined := p1
	for _, p := range []*ir.Value{p2, p3, p4, p5, p6, p7, p8} {
		combined = bd.BinOp(ir.OpOr, combined, p)
	}
	return combined
}

// buildAnalysisProbes emits the Windows analysis-environment probe chain:
// known analysis-tool windows (OllyDbg, x64dbg, Wireshark, Process Hacker),
// a blacklisted-process-name scan over a toolhelp snapshot, and a sandbox
// artifact check (low core count / small virtual disk), OR-combined the
// same way buildProbes combines its debugger probes.
func buildAnalysisProbes(m *ir.Module, bd *ir.Builder) *ir.Value {
	findAnalysisWindow := ensureProbeDecl(m, "__find_analysis_tool_window")
	scanProcessBlacklist := ensureProbeDecl(m, "__scan_process_blacklist")
	sandboxArtifacts := ensureProbeDecl(m, "__check_sandbox_artifacts")

	p1 := bd.Call(findAnalysisWindow)
	p2 := bd.Call(scanProcessBlacklist)
	p3 := bd.Call(sandboxArtifacts)

	combined := bd.BinOp(ir.OpOr, p1, p2)
	return bd.BinOp(ir.OpOr, combined, p3)
}

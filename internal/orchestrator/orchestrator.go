// SPDX-License-Identifier: Apache-2.0

// Package orchestrator implements C16, the engine's driving loop: seed the
// RNG, snapshot the original function set, run the fixed per-cycle pass
// sequence over every function and then the module as a whole, and finally
// write the report (spec.md §4.1).
package orchestrator

import (
	"fmt"
	"hash/fnv"
	"sort"

	"irobf/internal/analysis"
	"irobf/internal/budget"
	"irobf/internal/config"
	"irobf/internal/ir"
	"irobf/internal/passes/antidebug"
	"irobf/internal/passes/antitamper"
	"irobf/internal/passes/bogus"
	"irobf/internal/passes/cfo"
	"irobf/internal/passes/constobf"
	"irobf/internal/passes/flatten"
	"irobf/internal/passes/indirect"
	"irobf/internal/passes/mba"
	"irobf/internal/passes/polymorphic"
	"irobf/internal/passes/strcipher"
	"irobf/internal/report"
	"irobf/internal/rng"
	"irobf/internal/verify"
)

// Logger is the narrow logging surface Run needs, satisfied directly by
// *logrus.Logger: verify.Logger's WithFields for per-failure detail, plus
// the plain leveled calls the orchestrator itself uses for progress and
// fatal-path notices.
type Logger interface {
	verify.Logger
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// deriveSeed combines the module fingerprint with the handful of config
// fields that change what the engine does (spec.md §4.1 step 1: "Seed the
// RNG from config + stable module fingerprint"). Two runs over the same
// module and config therefore draw the identical pseudo-random sequence.
func deriveSeed(m *ir.Module, cfg *config.Config) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d:%d:%d:%d:%d:%d:%s:%s:%d:%v",
		m.Fingerprint(), cfg.Cycles, cfg.BogusPercent, cfg.FakeLoopCount,
		cfg.MBAComplexity, cfg.PolyVariants, cfg.FlatteningProbability,
		cfg.StringCipherKind, cfg.SizeMode, cfg.MaxSizeGrowthPercent,
		cfg.Techniques)
	return h.Sum64()
}

func isMainLike(name string) bool {
	return name == "main"
}

// snapshotOriginalFunctions returns every defined (non-declaration) function
// in m at the moment Run starts, sorted by name for stable iteration (spec.md
// §5: "iterate by sorted stable key ... wherever iteration order is
// observable in the output"). This is spec.md §4.1 step 2's "frozen set" —
// later passes append variants, dispatchers, and runtime helper functions to
// m.Functions, but the per-function recipe only ever drives over this
// snapshot.
func snapshotOriginalFunctions(m *ir.Module) []*ir.Function {
	var out []*ir.Function
	for _, fn := range m.Functions {
		if !fn.IsDeclaration() {
			out = append(out, fn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func calleeNames(fn *ir.Function) []string {
	var out []string
	for _, b := range fn.Blocks {
		for _, inst := range b.Instructions {
			if c, ok := inst.(*ir.CallInstruction); ok {
				out = append(out, c.Callee.Name)
			}
		}
	}
	return out
}

func callerCount(m *ir.Module, target *ir.Function) int {
	count := 0
	for _, caller := range m.Functions {
		if caller == target {
			continue
		}
		for _, b := range caller.Blocks {
			for _, inst := range b.Instructions {
				if c, ok := inst.(*ir.CallInstruction); ok && c.Callee == target {
					count++
					break
				}
			}
		}
	}
	return count
}

// state threads the run-scoped bookkeeping budget.Plan and the individual
// passes can't see on their own: the RNG stream, accumulated counters, the
// module-wide pseudo-VM virtualization cap, and the lazily-built anti-debug/
// anti-analysis check functions (built at most once, on cycle 1).
type state struct {
	m             *ir.Module
	cfg           *config.Config
	log           Logger
	s             *rng.Stream
	counters      report.Counters
	modified      bool
	perFuncFailed int
	virtualized   int
	checkDebugger *ir.Function
	checkAnalysis *ir.Function
}

func (st *state) verifyFn(pass string, fn *ir.Function) {
	if res := verify.Function(st.log, pass, fn); !res.OK {
		st.perFuncFailed++
	}
}

// Run is the engine's public entry point (spec.md §4.1's `run(module,
// config) -> bool`): it mutates m in place and returns whether anything was
// actually modified, plus the report summary written to cfg.ReportPath so a
// caller can also render it (e.g. report.PreviewToTerminal) without
// re-reading the file back. A verification failure is logged and the run
// continues — the module is still emitted, and a fatal marker lands in the
// report if the final, whole-module verify fails.
func Run(m *ir.Module, cfg *config.Config, log Logger) (bool, report.Run, report.Counters) {
	if err := cfg.Validate(); err != nil {
		log.Warnf("orchestrator: invalid config, aborting: %v", err)
		return false, report.Run{}, report.Counters{}
	}

	rng.ResetUniqueCounter()
	st := &state{m: m, cfg: cfg, log: log, s: rng.New(deriveSeed(m, cfg))}

	original := snapshotOriginalFunctions(m)
	log.Infof("orchestrator: %d cycle(s) over %d function(s)", cfg.Cycles, len(original))

	for cycle := 1; cycle <= cfg.Cycles; cycle++ {
		for _, fn := range original {
			st.runFunctionRecipe(fn, cycle)
		}
		st.runModuleScopedPasses(cycle)
	}

	finalRes := verify.Module(log, "final", m)
	run := report.Run{
		ModuleName:        m.Name,
		Cycles:            cfg.Cycles,
		FunctionsVisited:  len(original),
		FinalVerifyFailed: !finalRes.OK,
		PerFunctionFailed: st.perFuncFailed,
	}
	if err := report.WriteFile(cfg, run, st.counters); err != nil {
		log.Warnf("orchestrator: failed to write report: %v", err)
	}

	return st.modified, run, st.counters
}

// runFunctionRecipe applies spec.md §4.1 step 3a's per-function recipe: a
// fresh criticality query and size-budget plan every cycle (a function's
// complexity and hence its Criticality can shift after earlier cycles
// mutate it), the always-on lightweight passes, and — when the function is
// Critical or Important and the budget plan still allows this cycle — the
// heavy passes in their fixed order.
func (st *state) runFunctionRecipe(fn *ir.Function, cycle int) {
	if fn.IsDeclaration() {
		return
	}
	rec := analysis.Analyze(fn, calleeNames(fn), callerCount(st.m, fn))
	plan := budget.PlanFor(rec, st.cfg)
	t := plan.Techniques

	if t.ControlFlowObfuscation {
		if cfo.Run(fn, st.s, rec.Criticality == analysis.Critical) > 0 {
			st.modified = true
			st.counters.OpaquePredicates++
		}
		st.verifyFn("cfo", fn)
	}
	if t.InstructionSubstitution {
		if mba.Run(fn, st.s, 1) > 0 {
			st.modified = true
			st.counters.Substitutions++
		}
		st.verifyFn("instruction_substitution", fn)
	}

	if cycle > plan.Cycles {
		return
	}
	heavy := rec.Criticality == analysis.Critical || rec.Criticality == analysis.Important
	if !heavy {
		return
	}

	if t.BogusCode {
		if n := bogus.InjectBogusCode(fn, st.s, st.cfg.BogusPercent); n > 0 {
			st.modified = true
			st.counters.BogusInstructions += n
		}
		st.verifyFn("bogus", fn)
	}
	if t.FakeLoops {
		if n := bogus.InjectFakeLoops(fn, st.s, st.cfg.FakeLoopCount); n > 0 {
			st.modified = true
			st.counters.FakeLoops += n
		}
		st.verifyFn("fake_loops", fn)
	}
	if t.ControlFlowFlattening && flatten.Eligible(fn) && st.s.Bool(st.cfg.FlatteningProbability) {
		if flatten.Run(fn, st.s) {
			st.modified = true
			st.counters.FlattenedFunctions++
		}
		st.verifyFn("flatten", fn)
	}
	if t.MBA {
		if mba.Run(fn, st.s, st.cfg.MBAComplexity) > 0 {
			st.modified = true
			st.counters.MBARewrites++
		}
		st.verifyFn("mba", fn)
	}
	if t.ConstantObfuscation {
		if n := constobf.ObfuscateConstants(fn, st.s); n > 0 {
			st.modified = true
			st.counters.ConstantsHidden += n
		}
		st.verifyFn("constobf", fn)
	}
	if t.PseudoVM {
		if n := constobf.VirtualizeConstants(st.m, fn, st.s, &st.virtualized); n > 0 {
			st.modified = true
			st.counters.ConstantsHidden += n
			st.counters.VirtualizedFunctions++
		}
		st.verifyFn("pseudo_vm", fn)
	}
	if t.Polymorphic && rec.Criticality == analysis.Critical {
		if res := polymorphic.GenerateVariants(st.m, fn, st.cfg.PolyVariants, st.cfg.BogusPercent, st.cfg.MBAComplexity, st.s); res != nil {
			st.modified = true
			st.counters.PolymorphicVariants += len(res.Variants)
		}
		st.verifyFn("polymorphic", fn)
	}
	if t.Metamorphic {
		if polymorphic.Reshape(fn, st.s) > 0 {
			st.modified = true
			st.counters.MetamorphicTransforms++
		}
		st.verifyFn("metamorphic", fn)
	}
}

// runModuleScopedPasses applies spec.md §4.1 step 3b's module-scoped passes
// in their documented order, gating anti-debug and anti-analysis to cycle 1
// and anti-tamper to the last cycle, then verifies the whole module.
func (st *state) runModuleScopedPasses(cycle int) {
	if st.cfg.Techniques.StringEncryption {
		if recs := strcipher.Run(st.m, st.s, st.cfg); len(recs) > 0 {
			st.modified = true
			st.counters.StringsEncrypted += len(recs)
		}
	}

	if st.cfg.Techniques.IndirectCalls {
		slots := indirect.BuildInternalCallTable(st.m)
		for _, fn := range st.m.Functions {
			if fn.IsDeclaration() {
				continue
			}
			if n := indirect.RewriteInternalCalls(fn, slots); n > 0 {
				st.modified = true
				st.counters.IndirectCalls += n
			}
		}
	}
	if st.cfg.Techniques.ImportHiding {
		if n := indirect.HideImports(st.m); n > 0 {
			st.modified = true
			st.counters.IndirectCalls += n
		}
	}

	if cycle == 1 {
		if st.cfg.Techniques.AntiDebug {
			st.checkDebugger = antidebug.BuildCheckDebugger(st.m)
			for _, fn := range snapshotOriginalFunctions(st.m) {
				rec := analysis.Analyze(fn, calleeNames(fn), callerCount(st.m, fn))
				if isMainLike(fn.Name) || rec.Criticality == analysis.Critical {
					antidebug.InstrumentFunction(st.m, fn, st.checkDebugger)
					st.counters.AntiDebugInsertionPoints++
				}
			}
			antidebug.EmitTLSCallback(st.m, st.checkDebugger)
			st.modified = true
		}
		if st.cfg.Techniques.AntiAnalysis {
			st.checkAnalysis = antidebug.BuildCheckAnalysis(st.m)
			for _, fn := range snapshotOriginalFunctions(st.m) {
				rec := analysis.Analyze(fn, calleeNames(fn), callerCount(st.m, fn))
				if isMainLike(fn.Name) || rec.Criticality == analysis.Critical {
					antidebug.InstrumentAnalysisFunction(st.m, fn, st.checkAnalysis)
					st.counters.AntiAnalysisInsertions++
				}
			}
			st.modified = true
		}
	}

	if cycle == st.cfg.Cycles && st.cfg.Techniques.AntiTamper {
		for _, fn := range snapshotOriginalFunctions(st.m) {
			rec := analysis.Analyze(fn, calleeNames(fn), callerCount(st.m, fn))
			if rec.Criticality == analysis.Critical {
				if antitamper.ProtectFunction(st.m, fn) {
					st.modified = true
				}
			}
		}
	}

	st.verifyModule(cycle)
}

func (st *state) verifyModule(cycle int) {
	if res := verify.Module(st.log, fmt.Sprintf("cycle_%d", cycle), st.m); !res.OK {
		st.log.Warnf("orchestrator: module verification failed after cycle %d", cycle)
	}
}

// SPDX-License-Identifier: Apache-2.0

package antidebug

import (
	"testing"

	"irobf/internal/ir"
)

func TestBuildCheckDebugger_SynthesizesOnceAndIsIdempotent(t *testing.T) {
	m := ir.NewModule("m")
	first := BuildCheckDebugger(m)
	if first == nil || first.Name != ir.FuncCheckDebugger {
		t.Fatalf("expected %s to be synthesized", ir.FuncCheckDebugger)
	}
	if first.IsDeclaration() {
		t.Fatal("expected __check_debugger to have a body")
	}

	second := BuildCheckDebugger(m)
	if second != first {
		t.Fatal("expected a second call to return the same function, not rebuild it")
	}

	count := 0
	for _, fn := range m.Functions {
		if fn.Name == ir.FuncCheckDebugger {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one __check_debugger in the module, found %d", count)
	}
}

func TestInstrumentFunction_GuardsEntryAndReturnSites(t *testing.T) {
	m := ir.NewModule("m")
	checkFn := BuildCheckDebugger(m)

	fn := ir.NewFunction("main", nil, ir.I32)
	entry := fn.NewBlock("entry")
	bd := ir.NewBuilder(fn, entry)
	v := bd.ConstInt(ir.I32, 1)
	entry.SetTerminator(&ir.ReturnTerminator{Block: entry, Value: v})
	m.Functions = append(m.Functions, fn)

	InstrumentFunction(m, fn, checkFn)

	var hit *ir.BasicBlock
	for _, b := range fn.Blocks {
		if b.Label == ir.BlockDebuggerHit {
			hit = b
		}
	}
	if hit == nil {
		t.Fatal("expected a debugger-hit block to be created")
	}

	br, ok := fn.Entry.Terminator.(*ir.BranchTerminator)
	if !ok {
		t.Fatalf("expected entry to end in a branch after instrumentation, got %T", fn.Entry.Terminator)
	}
	if br.TrueBlock != hit {
		t.Fatal("expected the entry's guard branch to target the debugger-hit block on detection")
	}

	foundReturn := false
	for _, b := range fn.Blocks {
		if _, ok := b.Terminator.(*ir.ReturnTerminator); ok {
			foundReturn = true
		}
	}
	if !foundReturn {
		t.Fatal("expected the original return to survive in a continuation block")
	}
}

func TestInstrumentFunction_IsIdempotent(t *testing.T) {
	m := ir.NewModule("m")
	checkFn := BuildCheckDebugger(m)

	fn := ir.NewFunction("main", nil, ir.I32)
	entry := fn.NewBlock("entry")
	entry.SetTerminator(&ir.ReturnTerminator{Block: entry, Value: nil})
	m.Functions = append(m.Functions, fn)

	InstrumentFunction(m, fn, checkFn)
	blockCountAfterFirst := len(fn.Blocks)
	InstrumentFunction(m, fn, checkFn)

	if len(fn.Blocks) != blockCountAfterFirst {
		t.Fatalf("expected a second InstrumentFunction call to be a no-op, block count changed from %d to %d", blockCountAfterFirst, len(fn.Blocks))
	}
}

func TestBuildCheckAnalysis_SynthesizesOnceAndIsIdempotent(t *testing.T) {
	m := ir.NewModule("m")
	first := BuildCheckAnalysis(m)
	if first == nil || first.Name != ir.FuncCheckAnalysis {
		t.Fatalf("expected %s to be synthesized", ir.FuncCheckAnalysis)
	}
	second := BuildCheckAnalysis(m)
	if second != first {
		t.Fatal("expected a second call to return the same function, not rebuild it")
	}
}

func TestInstrumentAnalysisFunction_CoexistsWithDebuggerGuard(t *testing.T) {
	m := ir.NewModule("m")
	checkDebugger := BuildCheckDebugger(m)
	checkAnalysis := BuildCheckAnalysis(m)

	fn := ir.NewFunction("main", nil, ir.I32)
	entry := fn.NewBlock("entry")
	bd := ir.NewBuilder(fn, entry)
	v := bd.ConstInt(ir.I32, 1)
	entry.SetTerminator(&ir.ReturnTerminator{Block: entry, Value: v})
	m.Functions = append(m.Functions, fn)

	InstrumentFunction(m, fn, checkDebugger)
	InstrumentAnalysisFunction(m, fn, checkAnalysis)

	var debuggerHit, analysisHit *ir.BasicBlock
	for _, b := range fn.Blocks {
		if b.Label == ir.BlockDebuggerHit {
			debuggerHit = b
		}
		if b.Label == ir.BlockAnalysisHit {
			analysisHit = b
		}
	}
	if debuggerHit == nil || analysisHit == nil {
		t.Fatal("expected both a debugger-hit and an analysis-hit block to exist")
	}
	if debuggerHit == analysisHit {
		t.Fatal("expected distinct exit blocks for each guard")
	}

	foundReturn := false
	for _, b := range fn.Blocks {
		if _, ok := b.Terminator.(*ir.ReturnTerminator); ok {
			foundReturn = true
		}
	}
	if !foundReturn {
		t.Fatal("expected the original return to survive after both guards are spliced in")
	}
}

func TestInstrumentAnalysisFunction_IsIdempotent(t *testing.T) {
	m := ir.NewModule("m")
	checkAnalysis := BuildCheckAnalysis(m)

	fn := ir.NewFunction("main", nil, ir.I32)
	entry := fn.NewBlock("entry")
	entry.SetTerminator(&ir.ReturnTerminator{Block: entry, Value: nil})
	m.Functions = append(m.Functions, fn)

	InstrumentAnalysisFunction(m, fn, checkAnalysis)
	blockCountAfterFirst := len(fn.Blocks)
	InstrumentAnalysisFunction(m, fn, checkAnalysis)

	if len(fn.Blocks) != blockCountAfterFirst {
		t.Fatalf("expected a second InstrumentAnalysisFunction call to be a no-op, block count changed from %d to %d", blockCountAfterFirst, len(fn.Blocks))
	}
}

func TestInstrumentFunction_SkipsLandingPadFunctions(t *testing.T) {
	m := ir.NewModule("m")
	checkFn := BuildCheckDebugger(m)

	fn := ir.NewFunction("main", nil, ir.I32)
	entry := fn.NewBlock("entry")
	entry.SetTerminator(&ir.ReturnTerminator{Block: entry, Value: nil})
	pad := fn.NewBlock("lpad")
	pad.IsLandingPad = true
	pad.SetTerminator(&ir.UnreachableTerminator{Block: pad})
	m.Functions = append(m.Functions, fn)

	InstrumentFunction(m, fn, checkFn)

	for _, b := range fn.Blocks {
		if b.Label == ir.BlockDebuggerHit {
			t.Fatal("expected functions with landing pads to be left uninstrumented")
		}
	}
}

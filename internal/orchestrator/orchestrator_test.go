// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"testing"

	"github.com/sirupsen/logrus"

	"irobf/internal/config"
	"irobf/internal/ir"
)

// buildSampleModule returns a small module with one Critical function (an
// explicit obfuscate annotation) doing some integer arithmetic plus a
// string global, enough surface for every pass family to find something to
// do.
func buildSampleModule() *ir.Module {
	m := ir.NewModule("sample")

	greeting := &ir.GlobalVariable{
		Name:        "greeting",
		Type:        &ir.ArrayType{Elem: ir.I8, Len: 6},
		Initializer: []byte("hello\x00"),
		Linkage:     ir.LinkageInternal,
		IsConstant:  true,
	}
	m.AddGlobal(greeting)

	fn := ir.NewFunction("compute", []*ir.Parameter{
		{Name: "a", Type: ir.I32, Value: &ir.Value{ID: 1, Name: "a", Type: ir.I32}},
		{Name: "b", Type: ir.I32, Value: &ir.Value{ID: 2, Name: "b", Type: ir.I32}},
	}, ir.I32)
	fn.Annotations[ir.AnnotationObfuscate] = true

	entry := fn.NewBlock("entry")
	bd := ir.NewBuilder(fn, entry)
	c := bd.ConstInt(ir.I32, 42)
	sum := bd.BinOp(ir.OpAdd, fn.Params[0].Value, fn.Params[1].Value)
	cmp := bd.ICmp(ir.ICmpSGT, sum, c)

	thenB := fn.NewBlock("then")
	elseB := fn.NewBlock("else")
	entry.SetTerminator(&ir.BranchTerminator{Block: entry, Condition: cmp, TrueBlock: thenB, FalseBlock: elseB})

	bdThen := ir.NewBuilder(fn, thenB)
	two := bdThen.ConstInt(ir.I32, 2)
	doubled := bdThen.BinOp(ir.OpMul, sum, two)
	thenB.SetTerminator(&ir.ReturnTerminator{Block: thenB, Value: doubled})

	bdElse := ir.NewBuilder(fn, elseB)
	zero := bdElse.ConstInt(ir.I32, 0)
	elseB.SetTerminator(&ir.ReturnTerminator{Block: elseB, Value: zero})

	m.Functions = append(m.Functions, fn)
	return m
}

func silentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(noopWriter{})
	return log
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRun_AppliesPassesAndLeavesModuleVerifiable(t *testing.T) {
	m := buildSampleModule()
	cfg := config.Balanced()
	cfg.ReportPath = t.TempDir() + "/report.txt"

	modified, _, _ := Run(m, cfg, silentLogger())
	if !modified {
		t.Fatal("expected Run to report a modification")
	}

	ok, failures := ir.VerifyModule(m)
	if !ok {
		t.Fatalf("expected module to remain verifiable, got failures: %+v", failures)
	}

	if m.FindFunction("__check_debugger") == nil {
		t.Error("expected anti-debug check function to be synthesized")
	}
	if m.FindFunction("__check_analysis") == nil {
		t.Error("expected anti-analysis check function to be synthesized")
	}
}

func TestRun_InvalidConfigIsRejectedWithoutMutation(t *testing.T) {
	m := buildSampleModule()
	before := len(m.Functions)

	cfg := config.Minimal()
	cfg.Cycles = 0 // out of [1,10]

	if modified, _, _ := Run(m, cfg, silentLogger()); modified {
		t.Fatal("expected Run to refuse an invalid config")
	}
	if len(m.Functions) != before {
		t.Fatal("expected no functions to be added when config validation fails")
	}
}

func TestRun_NoTechniquesIsANoop(t *testing.T) {
	// Unannotated, low-complexity function: Criticality comes out Minimal,
	// so budget.PlanFor's Critical-only force-back-on rule never fires and
	// every technique genuinely stays off.
	m := ir.NewModule("quiet")
	fn := ir.NewFunction("identity", []*ir.Parameter{
		{Name: "x", Type: ir.I32, Value: &ir.Value{ID: 1, Name: "x", Type: ir.I32}},
	}, ir.I32)
	entry := fn.NewBlock("entry")
	entry.SetTerminator(&ir.ReturnTerminator{Block: entry, Value: fn.Params[0].Value})
	m.Functions = append(m.Functions, fn)

	cfg := config.Minimal()
	cfg.Techniques = config.Techniques{}
	cfg.ReportPath = t.TempDir() + "/report.txt"

	if modified, _, _ := Run(m, cfg, silentLogger()); modified {
		t.Fatal("expected no modification when every technique is disabled")
	}
}

// SPDX-License-Identifier: Apache-2.0

package polymorphic

import (
	"testing"

	"irobf/internal/ir"
	"irobf/internal/rng"
)

func buildAddFunction(name string) *ir.Function {
	fn := ir.NewFunction(name, []*ir.Parameter{
		{Name: "x", Type: ir.I32, Value: &ir.Value{ID: 1, Name: "x", Type: ir.I32}},
	}, ir.I32)
	entry := fn.NewBlock("entry")
	bd := ir.NewBuilder(fn, entry)
	one := bd.ConstInt(ir.I32, 1)
	sum := bd.BinOp(ir.OpAdd, fn.Params[0].Value, one)
	entry.SetTerminator(&ir.ReturnTerminator{Block: entry, Value: sum})
	return fn
}

func TestGenerateVariants_CreatesVariantsAndDispatcher(t *testing.T) {
	m := ir.NewModule("m")
	fn := buildAddFunction("process")
	m.Functions = append(m.Functions, fn)

	s := rng.New(1)
	res := GenerateVariants(m, fn, 3, 20, 1, s)
	if res == nil {
		t.Fatal("expected a result")
	}
	if len(res.Variants) != 3 {
		t.Fatalf("expected 3 variants, got %d", len(res.Variants))
	}
	for i, v := range res.Variants {
		if v.Name != ir.VariantFuncName("process", i) {
			t.Fatalf("expected variant %d named %q, got %q", i, ir.VariantFuncName("process", i), v.Name)
		}
	}
	if res.Dispatcher.Name != ir.DispatchFuncName("process") {
		t.Fatalf("expected dispatcher named %q, got %q", ir.DispatchFuncName("process"), res.Dispatcher.Name)
	}
	if fn.Name != "process_impl" {
		t.Fatalf("expected the original function renamed internally, got %q", fn.Name)
	}

	found := false
	for _, f := range m.Functions {
		if f == res.Dispatcher {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the dispatcher to be registered in the module")
	}
}

func TestGenerateVariants_RedirectsExistingCallSites(t *testing.T) {
	m := ir.NewModule("m")
	fn := buildAddFunction("process")
	m.Functions = append(m.Functions, fn)

	caller := ir.NewFunction("caller", nil, ir.I32)
	cb := caller.NewBlock("entry")
	cbd := ir.NewBuilder(caller, cb)
	arg := cbd.ConstInt(ir.I32, 5)
	called := cbd.Call(fn, arg)
	cb.SetTerminator(&ir.ReturnTerminator{Block: cb, Value: called})
	m.Functions = append(m.Functions, caller)

	s := rng.New(2)
	res := GenerateVariants(m, fn, 2, 0, 0, s)

	call := cb.Instructions[len(cb.Instructions)-1].(*ir.CallInstruction)
	if call.Callee != res.Dispatcher {
		t.Fatal("expected the existing call site to be redirected to the dispatcher")
	}
}

func TestGenerateVariants_IsIdempotent(t *testing.T) {
	m := ir.NewModule("m")
	fn := buildAddFunction("process")
	m.Functions = append(m.Functions, fn)

	s := rng.New(3)
	first := GenerateVariants(m, fn, 2, 0, 0, s)
	if first == nil {
		t.Fatal("expected the first call to produce a result")
	}
	second := GenerateVariants(m, fn, 2, 0, 0, s)
	if second != nil {
		t.Fatal("expected a second call on an already-processed function to be a no-op")
	}
}

func TestReshape_InsertsDeadCodeDeterministically(t *testing.T) {
	fn1 := buildAddFunction("f")
	fn2 := buildAddFunction("f")

	Reshape(fn1, rng.New(42))
	Reshape(fn2, rng.New(42))

	if len(fn1.Entry.Instructions) != len(fn2.Entry.Instructions) {
		t.Fatal("expected identical seeds to produce identical reshaping")
	}
}

func TestReshape_SkipsSubstitutionOnFlattenedFunctions(t *testing.T) {
	fn := buildAddFunction("f")
	fn.Entry.Label = "cff_dispatch"

	before := len(fn.Entry.Instructions)
	ret := fn.Entry.Terminator.(*ir.ReturnTerminator)
	sum := ret.Value
	s := rng.New(7)
	for i := 0; i < 20; i++ {
		Reshape(fn, s)
	}
	_ = before
	if isFlattened(fn) != true {
		t.Fatal("expected the renamed block to be detected as flattened")
	}
	if ret.Value != sum {
		t.Fatal("expected the original add to survive unsubstituted in a flattened function")
	}
}

// SPDX-License-Identifier: Apache-2.0
package flatten

import (
	"testing"

	"irobf/internal/ir"
	"irobf/internal/rng"
)

// buildLinearFunc builds entry -> mid -> exit, entry returning void, a
// minimal 3-block shape that satisfies Eligible's precondition.
func buildLinearFunc() *ir.Function {
	fn := ir.NewFunction("linear", nil, &ir.VoidType{})
	entry := fn.NewBlock("entry")
	mid := fn.NewBlock("mid")
	exit := fn.NewBlock("exit")

	entry.SetTerminator(&ir.JumpTerminator{Block: entry, Target: mid})
	bd := ir.NewBuilder(fn, mid)
	a := bd.ConstInt(ir.I32, 1)
	b := bd.ConstInt(ir.I32, 2)
	bd.BinOp(ir.OpAdd, a, b)
	mid.SetTerminator(&ir.JumpTerminator{Block: mid, Target: exit})
	exit.SetTerminator(&ir.ReturnTerminator{Block: exit})
	return fn
}

func buildDiamondReturningFunc() *ir.Function {
	fn := ir.NewFunction("diamond", nil, ir.I32)
	entry := fn.NewBlock("entry")
	left := fn.NewBlock("left")
	right := fn.NewBlock("right")
	join := fn.NewBlock("join")

	cond := ir.NewBuilder(fn, entry).ConstInt(ir.I1, 1)
	entry.SetTerminator(&ir.BranchTerminator{Block: entry, Condition: cond, TrueBlock: left, FalseBlock: right})

	lv := ir.NewBuilder(fn, left).ConstInt(ir.I32, 10)
	left.SetTerminator(&ir.JumpTerminator{Block: left, Target: join})
	rv := ir.NewBuilder(fn, right).ConstInt(ir.I32, 20)
	right.SetTerminator(&ir.JumpTerminator{Block: right, Target: join})

	jb := ir.NewBuilder(fn, join)
	phi := jb.Phi(ir.I32)
	phi.AddIncoming(left, lv)
	phi.AddIncoming(right, rv)
	join.SetTerminator(&ir.ReturnTerminator{Block: join, Value: phi.Result})
	return fn
}

func TestEligible_RejectsTooFewBlocks(t *testing.T) {
	fn := ir.NewFunction("tiny", nil, &ir.VoidType{})
	b := fn.NewBlock("entry")
	b.SetTerminator(&ir.ReturnTerminator{Block: b})
	if Eligible(fn) {
		t.Fatal("expected a single-block function to be ineligible")
	}
}

func TestRun_LinearFunctionFlattensAndVerifies(t *testing.T) {
	fn := buildLinearFunc()
	ok := Run(fn, rng.New(1))
	if !ok {
		t.Fatal("expected flattening to apply")
	}
	foundDispatch, foundEnd := false, false
	for _, b := range fn.Blocks {
		if b.Label == "cff_dispatch" {
			foundDispatch = true
		}
		if b.Label == "cff_end" {
			foundEnd = true
		}
	}
	if !foundDispatch || !foundEnd {
		t.Fatal("expected dispatch and end blocks to be present")
	}
	vOK, failures := ir.VerifyFunction(fn)
	if !vOK {
		t.Fatalf("expected well-formed function after flattening, got %v", failures)
	}
}

func TestRun_PreservesPhiSemanticsViaShadowSlot(t *testing.T) {
	fn := buildDiamondReturningFunc()
	ok := Run(fn, rng.New(2))
	if !ok {
		t.Fatal("expected flattening to apply to a small diamond with a 2-incoming PHI")
	}
	vOK, failures := ir.VerifyFunction(fn)
	if !vOK {
		t.Fatalf("expected well-formed function after flattening a function with a PHI, got %v", failures)
	}
	for _, b := range fn.Blocks {
		if len(b.Phis()) != 0 {
			t.Fatalf("expected the original PHI to be removed, block %s still has one", b.Label)
		}
	}
}

// buildTwoPhiJoinFunc builds entry -> {left, right} -> join, where join has
// two PHIs both fed by "left", the shape that exercises storeShadowsFor's
// multi-match ordering.
func buildTwoPhiJoinFunc() (*ir.Function, *ir.PhiInstruction, *ir.PhiInstruction) {
	fn := ir.NewFunction("twophi", nil, ir.I32)
	entry := fn.NewBlock("entry")
	left := fn.NewBlock("left")
	right := fn.NewBlock("right")
	join := fn.NewBlock("join")

	cond := ir.NewBuilder(fn, entry).ConstInt(ir.I1, 1)
	entry.SetTerminator(&ir.BranchTerminator{Block: entry, Condition: cond, TrueBlock: left, FalseBlock: right})

	leftBd := ir.NewBuilder(fn, left)
	lv1 := leftBd.ConstInt(ir.I32, 1)
	lv2 := leftBd.ConstInt(ir.I32, 2)
	left.SetTerminator(&ir.JumpTerminator{Block: left, Target: join})

	rightBd := ir.NewBuilder(fn, right)
	rv1 := rightBd.ConstInt(ir.I32, 10)
	rv2 := rightBd.ConstInt(ir.I32, 20)
	right.SetTerminator(&ir.JumpTerminator{Block: right, Target: join})

	jb := ir.NewBuilder(fn, join)
	phi1 := jb.Phi(ir.I32)
	phi1.AddIncoming(left, lv1)
	phi1.AddIncoming(right, rv1)
	phi2 := jb.Phi(ir.I32)
	phi2.AddIncoming(left, lv2)
	phi2.AddIncoming(right, rv2)
	sum := jb.BinOp(ir.OpAdd, phi1.Result, phi2.Result)
	join.SetTerminator(&ir.ReturnTerminator{Block: join, Value: sum})
	return fn, phi1, phi2
}

// TestRun_ShadowStoreOrderIsStableAcrossRuns guards against
// storeShadowsFor's formerly map-iteration-ordered emission: when a single
// predecessor feeds two PHIs at the same join block, the order of their
// shadow-slot Store instructions must be identical every time the identical
// function and seed are flattened, not dependent on Go's randomized map
// iteration (spec.md §5, Testable Property 2).
func TestRun_ShadowStoreOrderIsStableAcrossRuns(t *testing.T) {
	var firstOrder []int
	for i := 0; i < 25; i++ {
		fn, phi1, phi2 := buildTwoPhiJoinFunc()
		wantSlotOrder := []int{phi1.Result.ID, phi2.Result.ID}
		sortInts(wantSlotOrder)

		if !Run(fn, rng.New(7)) {
			t.Fatal("expected flattening to apply")
		}

		var gotOrder []int
		for _, b := range fn.Blocks {
			for _, inst := range b.Instructions {
				st, ok := inst.(*ir.StoreInstruction)
				if !ok {
					continue
				}
				// Shadow slots are allocas of I32 distinct from the state
				// and retval slots; identify them by their defining
				// Alloca's result type matching phi1/phi2's type and being
				// stored to from this test's two known predecessors only
				// by collecting every I32 store target in encounter order.
				if _, isAlloca := st.Address.DefInst.(*ir.AllocaInstruction); isAlloca {
					gotOrder = append(gotOrder, st.Address.ID)
				}
			}
		}
		if i == 0 {
			firstOrder = gotOrder
			continue
		}
		if len(gotOrder) != len(firstOrder) {
			t.Fatalf("run %d: store count changed: got %v, first was %v", i, gotOrder, firstOrder)
		}
		for j := range gotOrder {
			if gotOrder[j] != firstOrder[j] {
				t.Fatalf("run %d: shadow store order changed: got %v, first was %v", i, gotOrder, firstOrder)
			}
		}
	}
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func TestRun_RejectsFunctionWithLandingPad(t *testing.T) {
	fn := buildLinearFunc()
	for _, b := range fn.Blocks {
		if b.Label == "exit" {
			b.IsLandingPad = true
		}
	}
	if Run(fn, rng.New(3)) {
		t.Fatal("expected flattening to refuse a function containing a landing pad")
	}
}

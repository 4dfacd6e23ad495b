// SPDX-License-Identifier: Apache-2.0
package cfo

import (
	"testing"

	"irobf/internal/ir"
	"irobf/internal/rng"
)

// buildCandidateFunc builds entry -> mid (>=3 instrs, unconditional jump) ->
// exit, a shape with one non-entry, obfuscation-eligible block reachable via
// an unconditional jump (exercising the block-split path).
func buildCandidateFunc() *ir.Function {
	fn := ir.NewFunction("target", nil, &ir.VoidType{})
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

func TestRun_SplitsEligibleBlock(t *testing.T) {
	fn := buildCandidateFunc()
	before := len(fn.Blocks)
	n := Run(fn, rng.New(1), false)
	if n != 1 {
		t.Fatalf("expected exactly one transformed site, got %d", n)
	}
	if len(fn.Blocks) <= before {
		t.Fatalf("expected new blocks to be spliced in, had %d now have %d", before, len(fn.Blocks))
	}
	ok, failures := ir.VerifyFunction(fn)
	if !ok {
		t.Fatalf("expected well-formed function after split, got failures: %v", failures)
	}
}

func TestRun_GuardsExistingConditionalBranch(t *testing.T) {
	fn := ir.NewFunction("cond", nil, &ir.VoidType{})
	entry := fn.NewBlock("entry")
	mid := fn.NewBlock("mid")
	tBlk := fn.NewBlock("t")
	fBlk := fn.NewBlock("f")

	entry.SetTerminator(&ir.JumpTerminator{Block: entry, Target: mid})
	bd := ir.NewBuilder(fn, mid)
	a := bd.ConstInt(ir.I32, 1)
	b := bd.ConstInt(ir.I32, 2)
	c := bd.ConstInt(ir.I32, 3)
	cond := bd.ICmp(ir.ICmpEQ, a, b)
	_ = c
	mid.SetTerminator(&ir.BranchTerminator{Block: mid, Condition: cond, TrueBlock: tBlk, FalseBlock: fBlk})
	tBlk.SetTerminator(&ir.ReturnTerminator{Block: tBlk})
	fBlk.SetTerminator(&ir.ReturnTerminator{Block: fBlk})

	n := Run(fn, rng.New(2), false)
	if n != 1 {
		t.Fatalf("expected one transformed site, got %d", n)
	}
	br, ok := mid.Terminator.(*ir.BranchTerminator)
	if !ok {
		t.Fatal("expected mid to still terminate in a conditional branch")
	}
	if br.Condition == cond {
		t.Fatal("expected the branch condition to have been ANDed with an opaque predicate")
	}
}

func TestRun_RespectsCapAndDoublesForCritical(t *testing.T) {
	build := func() *ir.Function {
		fn := ir.NewFunction("many", nil, &ir.VoidType{})
		entry := fn.NewBlock("entry")
		prev := entry
		for i := 0; i < 12; i++ {
			blk := fn.NewBlock("b")
			prev.SetTerminator(&ir.JumpTerminator{Block: prev, Target: blk})
			bd := ir.NewBuilder(fn, blk)
			a := bd.ConstInt(ir.I32, 1)
			bb := bd.ConstInt(ir.I32, 2)
			bd.BinOp(ir.OpAdd, a, bb)
			prev = blk
		}
		prev.SetTerminator(&ir.ReturnTerminator{Block: prev})
		return fn
	}

	n := Run(build(), rng.New(5), false)
	if n > baseCap {
		t.Fatalf("expected at most %d transformed sites for a non-critical function, got %d", baseCap, n)
	}
	if n := Run(build(), rng.New(5), true); n <= baseCap || n > 2*baseCap {
		t.Fatalf("expected a critical function to exceed the base cap of %d but stay within %d, got %d", baseCap, 2*baseCap, n)
	}
}

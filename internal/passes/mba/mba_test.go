// SPDX-License-Identifier: Apache-2.0
package mba

import (
	"math/rand"
	"testing"

	"irobf/internal/ir"
	"irobf/internal/rng"
)

func TestRun_RewritesMultiplicationByPowerOfTwo(t *testing.T) {
	fn := ir.NewFunction("f", nil, ir.I32)
	b := fn.NewBlock("entry")
	bd := ir.NewBuilder(fn, b)
	a := bd.Alloca(ir.I32)
	x := bd.Load(a)
	c8 := bd.ConstInt(ir.I32, 8)
	prod := bd.BinOp(ir.OpMul, x, c8)
	b.SetTerminator(&ir.ReturnTerminator{Block: b, Value: prod})

	n := Run(fn, rng.New(1), 1)
	if n != 1 {
		t.Fatalf("expected one rewrite, got %d", n)
	}
	ret := b.Terminator.(*ir.ReturnTerminator)
	shl, ok := ret.Value.DefInst.(*ir.BinaryInstruction)
	if !ok || shl.Op != ir.OpShl {
		t.Fatalf("expected the terminator's value to be defined by a shl, got %#v", ret.Value.DefInst)
	}
	ok2, failures := ir.VerifyFunction(fn)
	if !ok2 {
		t.Fatalf("expected well-formed function after rewrite, got %v", failures)
	}
}

func TestRun_RewritesAdditionOfTwoNonConstants(t *testing.T) {
	fn := ir.NewFunction("f", nil, ir.I32)
	b := fn.NewBlock("entry")
	bd := ir.NewBuilder(fn, b)
	slotA := bd.Alloca(ir.I32)
	slotB := bd.Alloca(ir.I32)
	x := bd.Load(slotA)
	y := bd.Load(slotB)
	sum := bd.BinOp(ir.OpAdd, x, y)
	b.SetTerminator(&ir.ReturnTerminator{Block: b, Value: sum})

	n := Run(fn, rng.New(1), 1)
	if n != 1 {
		t.Fatalf("expected one rewrite, got %d", n)
	}
	ret := b.Terminator.(*ir.ReturnTerminator)
	if _, ok := ret.Value.DefInst.(*ir.BinaryInstruction); !ok {
		t.Fatal("expected the terminator's value to be defined by a binary instruction")
	}
}

func TestRun_SkipsFlattenedFunctions(t *testing.T) {
	fn := ir.NewFunction("f", nil, ir.I32)
	b := fn.NewBlock("entry")
	bd := ir.NewBuilder(fn, b)
	a := bd.Alloca(ir.I32)
	x := bd.Load(a)
	c8 := bd.ConstInt(ir.I32, 8)
	prod := bd.BinOp(ir.OpMul, x, c8)
	b.SetTerminator(&ir.ReturnTerminator{Block: b, Value: prod})
	fn.NewBlock("cff_dispatch")

	n := Run(fn, rng.New(1), 1)
	if n != 0 {
		t.Fatalf("expected zero rewrites for a flattened function, got %d", n)
	}
}

func TestRun_MultiplyOfTwoOperandsRequiresComplexityThreshold(t *testing.T) {
	fn := ir.NewFunction("f", nil, ir.I32)
	b := fn.NewBlock("entry")
	bd := ir.NewBuilder(fn, b)
	slotA := bd.Alloca(ir.I32)
	slotB := bd.Alloca(ir.I32)
	x := bd.Load(slotA)
	y := bd.Load(slotB)
	prod := bd.BinOp(ir.OpMul, x, y)
	b.SetTerminator(&ir.ReturnTerminator{Block: b, Value: prod})

	if n := Run(fn, rng.New(1), 2); n != 0 {
		t.Fatalf("expected no rewrite below the mbaComplexity threshold, got %d", n)
	}
}

// TestAndIdentity_MatchesRealAndAcrossRandomOperands exercises the exact
// arithmetic the OpAnd rewrite emits ((a|b)-(a^b)) against Go's real &,
// across full-width uint32 operands including the all-high-bits-set corner
// case that broke the previous ((a+b-(a^b))>>1) identity.
func TestAndIdentity_MatchesRealAndAcrossRandomOperands(t *testing.T) {
	check := func(a, b uint32) {
		t.Helper()
		got := uint32((uint64(a)|uint64(b))-(uint64(a)^uint64(b))) & 0xFFFFFFFF
		want := a & b
		if got != want {
			t.Fatalf("(a|b)-(a^b) mismatch for a=%#x b=%#x: got %#x want %#x", a, b, got, want)
		}
	}
	check(0x80000000, 0x80000000)
	check(0xFFFFFFFF, 0xFFFFFFFF)
	prng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		check(prng.Uint32(), prng.Uint32())
	}
}

// TestMulIdentity_MatchesRealMulAcrossRandomOperandsAndMasks exercises the
// additive-mask identity the OpMul rewrite emits ((a*b+k)-k) against Go's
// real *, across full-width uint32 operands and masks, including pairs whose
// true product's top two bits are set (the case that broke the previous
// sum-of-squares-then-shift identity).
func TestMulIdentity_MatchesRealMulAcrossRandomOperandsAndMasks(t *testing.T) {
	check := func(a, b, k uint32) {
		t.Helper()
		got := uint32((uint64(a)*uint64(b) + uint64(k)) - uint64(k))
		want := a * b
		if got != want {
			t.Fatalf("(a*b+k)-k mismatch for a=%#x b=%#x k=%#x: got %#x want %#x", a, b, k, got, want)
		}
	}
	check(0xdeadbeef, 0xcafebabe, 0)
	check(0xdeadbeef, 0xcafebabe, 0x12345678)
	prng := rand.New(rand.NewSource(2))
	for i := 0; i < 1000; i++ {
		check(prng.Uint32(), prng.Uint32(), prng.Uint32())
	}
}

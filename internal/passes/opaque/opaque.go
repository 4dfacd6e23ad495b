// SPDX-License-Identifier: Apache-2.0

// Package opaque implements C5, the opaque-predicate synthesizer: Boolean
// IR expressions whose value is constant on every execution but hidden
// behind a fresh stack slot and a load, so a trivial constant-folding pass
// cannot see through them (spec.md §4.5).
package opaque

import (
	"irobf/internal/ir"
	"irobf/internal/rng"
)

// identity computes an always-true i1 predicate over a loaded i32 value x.
type identity func(bd *ir.Builder, x *ir.Value) *ir.Value

// identities is the rotation spec.md §4.5 names, each evaluating to true for
// every x loadFreshRandom produces: x is kept below 2^15, so neither x·x nor
// 2x overflows a signed i32 (the x² ≥ 0 and (2x)/2 == x forms depend on
// that). The IR has no modulo operator, so "(x·(x+1)) mod 2 == 0"
// is expressed as a bitwise AND against 1 (x·(x+1) is always even, so its
// low bit is always clear) — this is exactly the identity, not an
// approximation of it.
var identities = []identity{
	evenProduct,
	orOne,
	andNot,
	xorSelf,
	squareNonNegative,
	selfSubPlusOne,
	orSelf,
	andSelf,
	halvedDouble,
	quadraticNonZero,
	doubleNot,
	addZero,
}

func one(bd *ir.Builder) *ir.Value  { return bd.ConstInt(ir.I32, 1) }
func zero(bd *ir.Builder) *ir.Value { return bd.ConstInt(ir.I32, 0) }

func evenProduct(bd *ir.Builder, x *ir.Value) *ir.Value {
	xPlus1 := bd.BinOp(ir.OpAdd, x, one(bd))
	prod := bd.BinOp(ir.OpMul, x, xPlus1)
	lowBit := bd.BinOp(ir.OpAnd, prod, one(bd))
	return bd.ICmp(ir.ICmpEQ, lowBit, zero(bd))
}

func orOne(bd *ir.Builder, x *ir.Value) *ir.Value {
	ord := bd.BinOp(ir.OpOr, x, one(bd))
	return bd.ICmp(ir.ICmpNE, ord, zero(bd))
}

func andNot(bd *ir.Builder, x *ir.Value) *ir.Value {
	notX := bd.Unary("not", x)
	anded := bd.BinOp(ir.OpAnd, x, notX)
	return bd.ICmp(ir.ICmpEQ, anded, zero(bd))
}

func xorSelf(bd *ir.Builder, x *ir.Value) *ir.Value {
	xored := bd.BinOp(ir.OpXor, x, x)
	return bd.ICmp(ir.ICmpEQ, xored, zero(bd))
}

func squareNonNegative(bd *ir.Builder, x *ir.Value) *ir.Value {
	sq := bd.BinOp(ir.OpMul, x, x)
	return bd.ICmp(ir.ICmpSGE, sq, zero(bd))
}

func selfSubPlusOne(bd *ir.Builder, x *ir.Value) *ir.Value {
	diff := bd.BinOp(ir.OpSub, x, x)
	plus1 := bd.BinOp(ir.OpAdd, diff, one(bd))
	return bd.ICmp(ir.ICmpSGT, plus1, zero(bd))
}

func orSelf(bd *ir.Builder, x *ir.Value) *ir.Value {
	ored := bd.BinOp(ir.OpOr, x, x)
	return bd.ICmp(ir.ICmpEQ, ored, x)
}

func andSelf(bd *ir.Builder, x *ir.Value) *ir.Value {
	anded := bd.BinOp(ir.OpAnd, x, x)
	return bd.ICmp(ir.ICmpEQ, anded, x)
}

func halvedDouble(bd *ir.Builder, x *ir.Value) *ir.Value {
	two := bd.ConstInt(ir.I32, 2)
	doubled := bd.BinOp(ir.OpMul, x, two)
	halved := bd.BinOp(ir.OpSDiv, doubled, two)
	return bd.ICmp(ir.ICmpEQ, halved, x)
}

func quadraticNonZero(bd *ir.Builder, x *ir.Value) *ir.Value {
	seven := bd.ConstInt(ir.I32, 7)
	eleven := bd.ConstInt(ir.I32, 11)
	sq := bd.BinOp(ir.OpMul, x, x)
	scaled := bd.BinOp(ir.OpMul, seven, sq)
	plus11 := bd.BinOp(ir.OpAdd, scaled, eleven)
	return bd.ICmp(ir.ICmpNE, plus11, zero(bd))
}

func doubleNot(bd *ir.Builder, x *ir.Value) *ir.Value {
	notX := bd.Unary("not", x)
	notNotX := bd.Unary("not", notX)
	return bd.ICmp(ir.ICmpEQ, notNotX, x)
}

func addZero(bd *ir.Builder, x *ir.Value) *ir.Value {
	plus0 := bd.BinOp(ir.OpAdd, x, zero(bd))
	return bd.ICmp(ir.ICmpEQ, plus0, x)
}

// True emits, at bd's current position, a fresh stack slot seeded with a
// random integer, loads it back (to defeat constant folding), and computes
// one of the always-true identities over the loaded value, rotating through
// the family pseudo-randomly per spec.md §4.5. It returns the resulting i1
// value.
func True(bd *ir.Builder, s *rng.Stream) *ir.Value {
	x := loadFreshRandom(bd, s)
	idx := s.Intn(len(identities))
	return identities[idx](bd, x)
}

// False emits an always-false predicate: the negated form of True, i.e. the
// logical NOT of one of the same identities.
func False(bd *ir.Builder, s *rng.Stream) *ir.Value {
	truthy := True(bd, s)
	return bd.ICmp(ir.ICmpEQ, truthy, bd.ConstInt(ir.I1, 0))
}

// loadFreshRandom allocates a stack slot, stores a pseudo-random i32 in
// [0, 2^15) into it, and loads it back through the slot so later folding
// passes cannot see the constant directly.
func loadFreshRandom(bd *ir.Builder, s *rng.Stream) *ir.Value {
	slot := bd.Alloca(ir.I32)
	seed := bd.ConstInt(ir.I32, uint64(s.Uint32()&0x7FFF))
	bd.Store(slot, seed)
	return bd.Load(slot)
}

// SPDX-License-Identifier: Apache-2.0

// Package mba implements C8, the instruction substituter and mixed
// Boolean-arithmetic rewriter: per-instruction identities that replace a
// cheap arithmetic/bitwise op with an equivalent but harder-to-read
// expansion (spec.md §4.8).
package mba

import (
	"strings"

	"irobf/internal/ir"
	"irobf/internal/rng"
)

// IsFlattened reports whether fn already contains a control-flow-flattener
// dispatch block, in which case the whole of C8 is skipped: a flattened
// function's local dominance relationships are too fragile for in-place
// rewriting (spec.md §4.8).
func IsFlattened(fn *ir.Function) bool {
	for _, b := range fn.Blocks {
		if strings.HasPrefix(b.Label, "cff_") {
			return true
		}
	}
	return false
}

func powerOfTwoLog2(c uint64) (int, bool) {
	if c == 0 || c&(c-1) != 0 {
		return 0, false
	}
	n := 0
	for c > 1 {
		c >>= 1
		n++
	}
	return n, true
}

func widthMask(t ir.Type) uint64 {
	it, ok := t.(*ir.IntType)
	if !ok || it.Bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(it.Bits)) - 1
}

func constUint(v *ir.Value) (uint64, bool) {
	ci, ok := v.DefInst.(*ir.ConstantInstruction)
	if !ok {
		return 0, false
	}
	u, ok := ci.Value.(uint64)
	return u, ok
}

// Run applies the C8 rewrite rules across fn, replacing rewritten
// instructions in place (their original *ir.Value identity is preserved via
// ir.ReplaceAllUses / direct Result reuse so downstream consumers need no
// rewiring). Returns the number of instructions substituted.
func Run(fn *ir.Function, s *rng.Stream, mbaComplexity int) int {
	if IsFlattened(fn) {
		return 0
	}
	count := 0
	for _, b := range fn.Blocks {
		count += rewriteBlock(fn, b, s, mbaComplexity)
	}
	return count
}

func rewriteBlock(fn *ir.Function, b *ir.BasicBlock, s *rng.Stream, mbaComplexity int) int {
	count := 0
	// Snapshot the instruction list: rewriteOne may insert new instructions
	// before the current index, and we must not re-visit synthesized code.
	originals := append([]ir.Instruction(nil), b.Instructions...)
	for _, inst := range originals {
		idx := indexOf(b.Instructions, inst)
		if idx < 0 {
			continue
		}
		if rewriteOne(fn, b, idx, inst, s, mbaComplexity) {
			count++
		}
	}
	return count
}

func indexOf(list []ir.Instruction, target ir.Instruction) int {
	for i, inst := range list {
		if inst == target {
			return i
		}
	}
	return -1
}

func rewriteOne(fn *ir.Function, b *ir.BasicBlock, idx int, inst ir.Instruction, s *rng.Stream, mbaComplexity int) bool {
	switch v := inst.(type) {
	case *ir.BinaryInstruction:
		return rewriteBinary(fn, b, idx, v, s, mbaComplexity)
	case *ir.UnaryInstruction:
		return rewriteUnary(fn, b, idx, v)
	}
	return false
}

func rewriteUnary(fn *ir.Function, b *ir.BasicBlock, idx int, u *ir.UnaryInstruction) bool {
	if u.Op != "not" {
		return false
	}
	bd := ir.NewBuilderAt(fn, b, idx)
	neg := bd.Unary("neg", u.Operand)
	result := bd.BinOp(ir.OpSub, neg, bd.ConstInt(u.Operand.Type, 1))
	finish(fn, b, u, result)
	return true
}

func rewriteBinary(fn *ir.Function, b *ir.BasicBlock, idx int, bin *ir.BinaryInstruction, s *rng.Stream, mbaComplexity int) bool {
	// Multiplication/division by a power-of-two constant → shift.
	if bin.Op == ir.OpMul {
		if c, ok := constUint(bin.Right); ok {
			if shift, pow2 := powerOfTwoLog2(c); pow2 {
				bd := ir.NewBuilderAt(fn, b, idx)
				result := bd.BinOp(ir.OpShl, bin.Left, bd.ConstInt(bin.Left.Type, uint64(shift)))
				finish(fn, b, bin, result)
				return true
			}
		}
	}
	if bin.Op == ir.OpUDiv || bin.Op == ir.OpSDiv {
		if c, ok := constUint(bin.Right); ok {
			if shift, pow2 := powerOfTwoLog2(c); pow2 {
				shiftOp := ir.OpLShr
				if bin.Op == ir.OpSDiv {
					shiftOp = ir.OpAShr
				}
				bd := ir.NewBuilderAt(fn, b, idx)
				result := bd.BinOp(shiftOp, bin.Left, bd.ConstInt(bin.Left.Type, uint64(shift)))
				finish(fn, b, bin, result)
				return true
			}
		}
	}

	// Two non-constant SSA operands: identity substitutions.
	_, lConst := constUint(bin.Left)
	_, rConst := constUint(bin.Right)
	if lConst || rConst {
		return false
	}

	bd := ir.NewBuilderAt(fn, b, idx)
	a, bb := bin.Left, bin.Right
	switch bin.Op {
	case ir.OpAdd:
		xored := bd.BinOp(ir.OpXor, a, bb)
		anded := bd.BinOp(ir.OpAnd, a, bb)
		two := bd.ConstInt(a.Type, 2)
		result := bd.BinOp(ir.OpAdd, xored, bd.BinOp(ir.OpMul, two, anded))
		finish(fn, b, bin, result)
		return true
	case ir.OpSub:
		xored := bd.BinOp(ir.OpXor, a, bb)
		notA := bd.Unary("not", a)
		anded := bd.BinOp(ir.OpAnd, notA, bb)
		two := bd.ConstInt(a.Type, 2)
		result := bd.BinOp(ir.OpSub, xored, bd.BinOp(ir.OpMul, two, anded))
		finish(fn, b, bin, result)
		return true
	case ir.OpXor:
		ored := bd.BinOp(ir.OpOr, a, bb)
		anded := bd.BinOp(ir.OpAnd, a, bb)
		result := bd.BinOp(ir.OpSub, ored, anded)
		finish(fn, b, bin, result)
		return true
	case ir.OpAnd:
		ored := bd.BinOp(ir.OpOr, a, bb)
		xored := bd.BinOp(ir.OpXor, a, bb)
		result := bd.BinOp(ir.OpSub, ored, xored)
		finish(fn, b, bin, result)
		return true
	case ir.OpOr:
		sum := bd.BinOp(ir.OpAdd, a, bb)
		anded := bd.BinOp(ir.OpAnd, a, bb)
		result := bd.BinOp(ir.OpSub, sum, anded)
		finish(fn, b, bin, result)
		return true
	case ir.OpMul:
		if mbaComplexity < 3 {
			return false
		}
		// a*b hidden behind an additive mask that cancels exactly: no
		// shift or division is involved, so this holds for every width
		// with no wraparound loss (unlike a sum-of-squares/shift identity,
		// which discards the product's high bits).
		k := bd.ConstInt(a.Type, s.Uint64()&widthMask(a.Type))
		prod := bd.BinOp(ir.OpMul, a, bb)
		masked := bd.BinOp(ir.OpAdd, prod, k)
		result := bd.BinOp(ir.OpSub, masked, k)
		finish(fn, b, bin, result)
		return true
	}
	return false
}

// finish removes the original instruction from its block and repoints every
// existing reference to its result at the rewrite's final value.
func finish(fn *ir.Function, b *ir.BasicBlock, original ir.Instruction, replacement *ir.Value) {
	ir.ReplaceAllUses(fn, original.GetResult(), replacement)
	removeInstruction(b, original)
}

func removeInstruction(b *ir.BasicBlock, target ir.Instruction) {
	out := b.Instructions[:0]
	for _, inst := range b.Instructions {
		if inst != target {
			out = append(out, inst)
		}
	}
	b.Instructions = out
}

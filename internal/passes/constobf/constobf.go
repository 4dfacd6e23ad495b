// SPDX-License-Identifier: Apache-2.0

// Package constobf implements C10, the constant obfuscator and pseudo-VM
// constant hider: it replaces literal integer operands with equivalent but
// less legible reconstructions (spec.md §4.10).
package constobf

import (
	"math/big"

	"irobf/internal/ir"
	"irobf/internal/rng"
)

// maxVirtualizedFunctions caps how many functions per module the pseudo-VM
// constant hider is allowed to touch (spec.md §4.10).
const maxVirtualizedFunctions = 5

// pseudoVMThreshold is the minimum constant magnitude eligible for key-XOR
// hiding; smaller constants are left to the plain obfuscator below.
const pseudoVMThreshold = 16

// keyObfuscationMask is applied to a pseudo-VM key before it is stored in
// its module-level global, so the global's initializer is not the bare key.
const keyObfuscationMask = 0xFFFF

func constUint(v *ir.Value) (uint64, bool) {
	ci, ok := v.DefInst.(*ir.ConstantInstruction)
	if !ok {
		return 0, false
	}
	u, ok := ci.Value.(uint64)
	return u, ok
}

func widthMask(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(bits)) - 1
}

func isEligibleSmallConstant(bits int, u uint64) bool {
	allOnes := widthMask(bits)
	return u != 0 && u != 1 && u != allOnes
}

// inverseOfSevenMod2ToThe returns the multiplicative inverse of 7 modulo
// 2^bits. 7 is odd, so it is always invertible in that ring; multiplying by
// this inverse exactly recovers u from (u*7 mod 2^bits), unlike plain
// division, which only inverts the multiply when no wraparound occurred.
func inverseOfSevenMod2ToThe(bits int) uint64 {
	mod := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	inv := new(big.Int).ModInverse(big.NewInt(7), mod)
	return inv.Uint64()
}

// ObfuscateConstants applies C10's plain constant obfuscator to every
// eligible integer constant in fn: for c ∉ {-1, 0, 1}, it synthesizes
// y = (c*7) mod 2^bits, spills y to a fresh stack slot, reloads it, and
// multiplies by 7's modular inverse to recover c exactly, replacing every
// use of the original constant with that computation's result. Returns the
// number of constants rewritten.
func ObfuscateConstants(fn *ir.Function, s *rng.Stream) int {
	count := 0
	for _, b := range fn.Blocks {
		originals := append([]ir.Instruction(nil), b.Instructions...)
		for _, inst := range originals {
			ci, ok := inst.(*ir.ConstantInstruction)
			if !ok {
				continue
			}
			it, ok := ci.Result.Type.(*ir.IntType)
			if !ok {
				continue
			}
			u, ok := ci.Value.(uint64)
			if !ok || !isEligibleSmallConstant(it.Bits, u) {
				continue
			}
			idx := indexOf(b.Instructions, inst)
			if idx < 0 {
				continue
			}
			rewriteConstant(fn, b, idx, ci, it)
			count++
		}
	}
	return count
}

func rewriteConstant(fn *ir.Function, b *ir.BasicBlock, idx int, ci *ir.ConstantInstruction, it *ir.IntType) {
	bd := ir.NewBuilderAt(fn, b, idx)
	mask := widthMask(it.Bits)
	u := ci.Value.(uint64) & mask
	y := bd.ConstInt(it, (u*7)&mask)
	slot := bd.Alloca(it)
	bd.Store(slot, y)
	loaded := bd.Load(slot)
	inv7 := bd.ConstInt(it, inverseOfSevenMod2ToThe(it.Bits))
	result := bd.BinOp(ir.OpMul, loaded, inv7)
	ir.ReplaceAllUses(fn, ci.Result, result)
	removeInstruction(b, ci)
}

// VirtualizeConstants applies C10's pseudo-VM hider to fn, provided the
// module has not already reached maxVirtualizedFunctions and fn contains no
// exception machinery. Every integer constant >= pseudoVMThreshold that is a
// direct operand of a binary op is replaced by (encodedConst ^ key), where
// encodedConst = c ^ key was computed at transform time and key is this
// function's single per-function random 16-bit value. The key is not stored
// bare: its module-level global holds key ^ keyObfuscationMask, and the
// generated code XORs it back out before use. Returns the number of
// constants hidden (0 if fn was skipped).
func VirtualizeConstants(m *ir.Module, fn *ir.Function, s *rng.Stream, virtualizedSoFar *int) int {
	if *virtualizedSoFar >= maxVirtualizedFunctions {
		return 0
	}
	if fn.HasLandingPad() {
		return 0
	}

	var keyGlobal *ir.GlobalVariable
	var key uint64
	count := 0

	for _, b := range fn.Blocks {
		originals := append([]ir.Instruction(nil), b.Instructions...)
		for _, inst := range originals {
			bin, ok := inst.(*ir.BinaryInstruction)
			if !ok {
				continue
			}
			idx := indexOf(b.Instructions, inst)
			if idx < 0 {
				continue
			}
			if rewriteOperand(fn, m, s, &keyGlobal, &key, &bin.Left, it(bin.Left), idx) {
				count++
			}
			if rewriteOperand(fn, m, s, &keyGlobal, &key, &bin.Right, it(bin.Right), idx) {
				count++
			}
		}
	}

	if count > 0 {
		*virtualizedSoFar++
	}
	return count
}

func it(v *ir.Value) *ir.IntType {
	t, _ := v.Type.(*ir.IntType)
	return t
}

// rewriteOperand hides *operand in place if it is an eligible constant,
// lazily minting the function's single pseudo-VM key and its module global
// on first use.
func rewriteOperand(fn *ir.Function, m *ir.Module, s *rng.Stream, keyGlobal **ir.GlobalVariable, key *uint64, operand **ir.Value, intType *ir.IntType, idx int) bool {
	if intType == nil {
		return false
	}
	u, ok := constUint(*operand)
	if !ok || u < pseudoVMThreshold {
		return false
	}
	ci := (*operand).DefInst.(*ir.ConstantInstruction)
	b := ci.Block

	if *keyGlobal == nil {
		*keyGlobal = newKeyGlobal(m, fn, s)
		*key = uint64((*keyGlobal).Initializer.(uint64)) ^ keyObfuscationMask
	}

	encoded := (u ^ *key) & ((uint64(1) << uint(intType.Bits)) - 1)

	bd := ir.NewBuilderAt(fn, b, idx)
	addr := bd.GlobalAddr(*keyGlobal)
	obfKey := bd.Load(addr)
	actualKey := bd.BinOp(ir.OpXor, obfKey, bd.ConstInt(intType, keyObfuscationMask))
	encodedConst := bd.ConstInt(intType, encoded)
	recovered := bd.BinOp(ir.OpXor, encodedConst, actualKey)

	*operand = recovered
	return true
}

// newKeyGlobal mints fn's per-function pseudo-VM key and stores it,
// obfuscated, in a fresh read-only module-level constant global. The key is
// drawn from the pass's own deterministic stream, not reseeded from the
// module fingerprint, so it stays part of the single seed->output chain
// spec.md §5 requires.
func newKeyGlobal(m *ir.Module, fn *ir.Function, s *rng.Stream) *ir.GlobalVariable {
	key := uint64(uint16(s.Uint32()))
	g := &ir.GlobalVariable{
		Name:        fn.Name + "_vm_key",
		Type:        ir.I32,
		Initializer: key ^ keyObfuscationMask,
		IsConstant:  true,
	}
	m.AddGlobal(g)
	return g
}

func indexOf(list []ir.Instruction, target ir.Instruction) int {
	for i, inst := range list {
		if inst == target {
			return i
		}
	}
	return -1
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

// SPDX-License-Identifier: Apache-2.0

package polymorphic

import (
	"strings"

	"irobf/internal/ir"
	"irobf/internal/rng"
)

// isFlattened reports whether fn carries a control-flow-flattener dispatch
// block, in which case the substitution step is skipped — same dominance
// caveat mba.IsFlattened documents for C8.
func isFlattened(fn *ir.Function) bool {
	for _, b := range fn.Blocks {
		if strings.HasPrefix(b.Label, "cff_") {
			return true
		}
	}
	return false
}

// Reshape applies spec.md §4.15's metamorphic pass to every block of fn:
// safe reordering, realistic dead-code insertion, and (unless fn is
// flattened) instruction-substitution variants — each independently rolled
// at a 30% probability per block. Returns the number of blocks changed by
// at least one of the three transformations.
func Reshape(fn *ir.Function, s *rng.Stream) int {
	skipSubstitution := isFlattened(fn)
	changed := 0
	for _, b := range fn.Blocks {
		touched := false
		if reorderBlock(b, s) {
			touched = true
		}
		if insertDeadCode(fn, b, s) {
			touched = true
		}
		if !skipSubstitution && s.Bool(30) && substituteVariants(fn, b, s) {
			touched = true
		}
		if touched {
			changed++
		}
	}
	return changed
}

// reorderBlock shuffles b's reorderable instructions in place (spec.md
// §4.15 Metamorphic step 1). "Reorderable" excludes terminators, PHIs,
// memory ops, calls, and allocas, and — conservatively standing in for full
// dependency analysis — any instruction whose operand is the result of
// another reorderable instruction in the same block.
func reorderBlock(b *ir.BasicBlock, s *rng.Stream) bool {
	if !s.Bool(30) {
		return false
	}
	idxs := independentReorderableIndices(b)
	if len(idxs) < 2 {
		return false
	}
	picked := make([]ir.Instruction, len(idxs))
	for i, idx := range idxs {
		picked[i] = b.Instructions[idx]
	}
	s.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	for i, idx := range idxs {
		b.Instructions[idx] = picked[i]
	}
	return true
}

func isReorderable(inst ir.Instruction) bool {
	switch inst.(type) {
	case *ir.PhiInstruction, *ir.AllocaInstruction, *ir.LoadInstruction,
		*ir.StoreInstruction, *ir.CallInstruction, *ir.IndirectCallInstruction:
		return false
	default:
		return true
	}
}

func independentReorderableIndices(b *ir.BasicBlock) []int {
	var candidates []int
	for i, inst := range b.Instructions {
		if isReorderable(inst) {
			candidates = append(candidates, i)
		}
	}
	results := map[*ir.Value]bool{}
	for _, i := range candidates {
		if r := b.Instructions[i].GetResult(); r != nil {
			results[r] = true
		}
	}
	var independent []int
	for _, i := range candidates {
		dependsOnPeer := false
		for _, op := range b.Instructions[i].GetOperands() {
			if results[op] {
				dependsOnPeer = true
				break
			}
		}
		if !dependsOnPeer {
			independent = append(independent, i)
		}
	}
	return independent
}

// insertDeadCode splices one of four dead-code templates before a random
// instruction in b (spec.md §4.15 Metamorphic step 2).
func insertDeadCode(fn *ir.Function, b *ir.BasicBlock, s *rng.Stream) bool {
	if !s.Bool(30) {
		return false
	}
	idx := s.Intn(len(b.Instructions) + 1)
	bd := ir.NewBuilderAt(fn, b, idx)
	switch s.Intn(4) {
	case 0:
		deadArithmetic(bd, s)
	case 1:
		deadComparison(bd, s)
	case 2:
		deadCounter(bd, s)
	default:
		deadXorCrypto(bd, s)
	}
	return true
}

func deadArithmetic(bd *ir.Builder, s *rng.Stream) {
	a := bd.ConstInt(ir.I32, uint64(s.Uint32()))
	b := bd.ConstInt(ir.I32, uint64(s.Uint32()))
	bd.BinOp(ir.OpAdd, a, b)
}

func deadComparison(bd *ir.Builder, s *rng.Stream) {
	a := bd.ConstInt(ir.I32, uint64(s.Uint32()))
	b := bd.ConstInt(ir.I32, uint64(s.Uint32()))
	bd.ICmp(ir.ICmpSLT, a, b)
}

func deadCounter(bd *ir.Builder, s *rng.Stream) {
	slot := bd.Alloca(ir.I32)
	bd.Store(slot, bd.ConstInt(ir.I32, 0))
	cur := bd.Load(slot)
	incremented := bd.BinOp(ir.OpAdd, cur, bd.ConstInt(ir.I32, 1))
	bd.Store(slot, incremented)
}

func deadXorCrypto(bd *ir.Builder, s *rng.Stream) {
	key := bd.ConstInt(ir.I32, uint64(s.Uint32()))
	data := bd.ConstInt(ir.I32, uint64(s.Uint32()))
	bd.BinOp(ir.OpXor, data, key)
}

// substituteVariants rewrites eligible binary ops under a per-site random
// bit into one of two alternative identities (spec.md §4.15 Metamorphic
// step 3), distinct from C8's fixed MBA identity per operator: this pass
// picks between two, chosen independently at every site.
func substituteVariants(fn *ir.Function, b *ir.BasicBlock, s *rng.Stream) bool {
	changed := false
	originals := append([]ir.Instruction(nil), b.Instructions...)
	for _, inst := range originals {
		bin, ok := inst.(*ir.BinaryInstruction)
		if !ok {
			continue
		}
		idx := indexOf(b.Instructions, bin)
		if idx < 0 {
			continue
		}
		if substituteOne(fn, b, idx, bin, s) {
			changed = true
		}
	}
	return changed
}

func substituteOne(fn *ir.Function, b *ir.BasicBlock, idx int, bin *ir.BinaryInstruction, s *rng.Stream) bool {
	bd := ir.NewBuilderAt(fn, b, idx)
	a, c := bin.Left, bin.Right
	var result *ir.Value
	bit := s.Bool(50)

	switch bin.Op {
	case ir.OpAdd:
		if bit {
			negC := bd.Unary("neg", c)
			result = bd.BinOp(ir.OpSub, a, negC)
		} else {
			ored := bd.BinOp(ir.OpOr, a, c)
			anded := bd.BinOp(ir.OpAnd, a, c)
			result = bd.BinOp(ir.OpAdd, ored, anded)
		}
	case ir.OpOr:
		if bit {
			anded := bd.BinOp(ir.OpAnd, a, c)
			xored := bd.BinOp(ir.OpXor, a, c)
			result = bd.BinOp(ir.OpAdd, anded, xored)
		} else {
			notA := bd.Unary("not", a)
			notC := bd.Unary("not", c)
			anded := bd.BinOp(ir.OpAnd, notA, notC)
			result = bd.Unary("not", anded)
		}
	default:
		return false
	}

	ir.ReplaceAllUses(fn, bin.Result, result)
	removeInstruction(b, bin)
	return true
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

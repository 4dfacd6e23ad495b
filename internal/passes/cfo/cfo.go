// SPDX-License-Identifier: Apache-2.0

// Package cfo implements C6, the control-flow obfuscator: it either ANDs an
// existing conditional branch's condition with a true-opaque predicate, or
// splits a block in two and guards the split with a dead sibling reachable
// only through a never-taken opaque branch (spec.md §4.6).
package cfo

import (
	"strings"

	"irobf/internal/ir"
	"irobf/internal/passes/opaque"
	"irobf/internal/rng"
)

const baseCap = 8

// reservedPrefixes marks blocks this pass (or an earlier one in the same
// cycle) already synthesized, so repeated runs don't keep nesting inside
// their own output.
var reservedPrefixes = []string{"obf_", "fake_", "cff_"}

func isReserved(label string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(label, p) {
			return true
		}
	}
	return false
}

func candidates(fn *ir.Function) []*ir.BasicBlock {
	var out []*ir.BasicBlock
	for _, b := range fn.Blocks {
		if b == fn.Entry {
			continue
		}
		if b.IsLandingPad {
			continue
		}
		if isReserved(b.Label) {
			continue
		}
		if len(b.Instructions) < 3 {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Run applies control-flow obfuscation to fn and returns the number of
// sites transformed.
func Run(fn *ir.Function, s *rng.Stream, critical bool) int {
	limit := baseCap
	if critical {
		limit *= 2
	}
	cands := candidates(fn)
	count := 0
	for _, b := range cands {
		if count >= limit {
			break
		}
		if transformSite(fn, b, s) {
			count++
		}
	}
	return count
}

func transformSite(fn *ir.Function, b *ir.BasicBlock, s *rng.Stream) bool {
	if br, ok := b.Terminator.(*ir.BranchTerminator); ok {
		guardBranch(fn, b, br, s)
		return true
	}
	splitBlock(fn, b, s)
	return true
}

// guardBranch ANDs an existing conditional branch's condition with a
// true-opaque predicate, preserving its semantics while hiding the real
// condition behind extra arithmetic.
func guardBranch(fn *ir.Function, b *ir.BasicBlock, br *ir.BranchTerminator, s *rng.Stream) {
	bd := ir.NewBuilder(fn, b)
	pred := opaque.True(bd, s)
	guarded := bd.BinOp(ir.OpAnd, br.Condition, pred)
	b.SetTerminator(&ir.BranchTerminator{
		Block:      b,
		Condition:  guarded,
		TrueBlock:  br.TrueBlock,
		FalseBlock: br.FalseBlock,
	})
}

// splitBlock splits b at its median non-PHI, non-alloca instruction,
// spawning a continuation block for the back half and a dead sibling block
// that is never actually reached, per spec.md §4.6(b).
func splitBlock(fn *ir.Function, b *ir.BasicBlock, s *rng.Stream) {
	splitIdx := medianSplitIndex(b)
	cont := fn.InsertBlockAfter(b, rng.Unique(ir.BlockObfCont))
	cont.Instructions = append(cont.Instructions, b.Instructions[splitIdx:]...)
	for _, inst := range cont.Instructions {
		rehomeBlock(inst, cont)
	}
	b.Instructions = b.Instructions[:splitIdx]

	oldTerm := b.Terminator
	if oldTerm != nil {
		rehomeTerminatorBlock(oldTerm, cont)
	}
	cont.SetTerminator(oldTerm)
	ir.RetargetPhiPredecessor(fn, b, cont)

	dead := fn.InsertBlockAfter(b, rng.Unique(ir.BlockObfDead))
	deadBd := ir.NewBuilder(fn, dead)
	fillerA := deadBd.ConstInt(ir.I32, uint64(s.Uint32()))
	fillerB := deadBd.ConstInt(ir.I32, uint64(s.Uint32()))
	deadBd.BinOp(ir.OpXor, fillerA, fillerB)
	dead.SetTerminator(&ir.JumpTerminator{Block: dead, Target: cont})

	bd := ir.NewBuilder(fn, b)
	pred := opaque.True(bd, s)
	b.SetTerminator(&ir.BranchTerminator{
		Block:      b,
		Condition:  pred,
		TrueBlock:  cont,
		FalseBlock: dead,
	})
}

// medianSplitIndex finds the index to split at: the middle position among
// non-PHI, non-alloca instructions, translated back to an index into the
// full Instructions slice.
func medianSplitIndex(b *ir.BasicBlock) int {
	var eligible []int
	for i, inst := range b.Instructions {
		switch inst.(type) {
		case *ir.PhiInstruction, *ir.AllocaInstruction:
			continue
		default:
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return len(b.Instructions)
	}
	return eligible[len(eligible)/2]
}

// rehomeBlock fixes an instruction's Block pointer after moving it into a
// new block; instructions carry their owning block as a plain field rather
// than deriving it, so moves must update it explicitly.
func rehomeBlock(inst ir.Instruction, newBlock *ir.BasicBlock) {
	switch v := inst.(type) {
	case *ir.AllocaInstruction:
		v.Block = newBlock
	case *ir.LoadInstruction:
		v.Block = newBlock
	case *ir.StoreInstruction:
		v.Block = newBlock
	case *ir.BinaryInstruction:
		v.Block = newBlock
	case *ir.UnaryInstruction:
		v.Block = newBlock
	case *ir.ICmpInstruction:
		v.Block = newBlock
	case *ir.SelectInstruction:
		v.Block = newBlock
	case *ir.PhiInstruction:
		v.Block = newBlock
	case *ir.CallInstruction:
		v.Block = newBlock
	case *ir.IndirectCallInstruction:
		v.Block = newBlock
	case *ir.ConstantInstruction:
		v.Block = newBlock
	case *ir.GlobalAddrInstruction:
		v.Block = newBlock
	case *ir.RdtscInstruction:
		v.Block = newBlock
	case *ir.LandingPadInstruction:
		v.Block = newBlock
	}
	if res := inst.GetResult(); res != nil {
		res.DefBlock = newBlock
	}
}

func rehomeTerminatorBlock(term ir.Terminator, newBlock *ir.BasicBlock) {
	switch v := term.(type) {
	case *ir.ReturnTerminator:
		v.Block = newBlock
	case *ir.JumpTerminator:
		v.Block = newBlock
	case *ir.BranchTerminator:
		v.Block = newBlock
	case *ir.SwitchTerminator:
		v.Block = newBlock
	case *ir.UnreachableTerminator:
		v.Block = newBlock
	}
}

// SPDX-License-Identifier: Apache-2.0

// Package bogus implements C7: the bogus-code injector, which pads blocks
// with opaque-predicate-backed dead stores, and the fake-loop injector,
// which splices never-taken loop shapes between a block and its successor
// (spec.md §4.7).
package bogus

import (
	"irobf/internal/ir"
	"irobf/internal/passes/opaque"
	"irobf/internal/rng"
)

// InjectBogusCode pads every non-trivial block of fn with
// opaque-predicate-backed dead stores, inserted right after the block's PHI
// prefix. Returns the number of dead-store units inserted (one per
// emitBogusStore call), not the number of instructions those units emit.
func InjectBogusCode(fn *ir.Function, s *rng.Stream, bogusPercent int) int {
	total := 0
	for _, b := range fn.Blocks {
		blockLen := len(b.Instructions)
		if blockLen == 0 {
			continue
		}
		units := blockLen * bogusPercent / 200
		if units <= 0 {
			continue
		}
		bd := ir.NewBuilderAt(fn, b, b.PhiCount())
		for i := 0; i < units; i++ {
			emitBogusStore(bd, s)
			total++
		}
	}
	return total
}

// emitBogusStore emits one opaque-predicate-backed dead store: a fresh
// stack slot, a select between two constants driven by an always-true
// predicate (so the stored value is determinate but not foldable without
// seeing through the predicate), and the store itself — spec.md §4.7's
// "two-instruction cost" (select + store) on top of the predicate.
func emitBogusStore(bd *ir.Builder, s *rng.Stream) {
	pred := opaque.True(bd, s)
	slot := bd.Alloca(ir.I32)
	c1 := bd.ConstInt(ir.I32, uint64(s.Uint32()))
	c2 := bd.ConstInt(ir.I32, uint64(s.Uint32()))
	val := bd.Select(pred, c1, c2)
	bd.Store(slot, val)
}

// hasExceptionMachinery reports whether b carries any exception-handling
// furniture this pass must avoid splicing around.
func hasExceptionMachinery(b *ir.BasicBlock) bool {
	return b.IsLandingPad
}

func fakeLoopCandidates(fn *ir.Function) []*ir.BasicBlock {
	var out []*ir.BasicBlock
	for _, b := range fn.Blocks {
		if b == fn.Entry {
			continue
		}
		if hasExceptionMachinery(b) {
			continue
		}
		jmp, ok := b.Terminator.(*ir.JumpTerminator)
		if !ok || jmp.Target == nil {
			continue
		}
		if hasExceptionMachinery(jmp.Target) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// guardPattern is one of the three always-false guard shapes spec.md §4.7
// names for the fake loop's header branch.
type guardPattern int

const (
	guardCounterNegative guardPattern = iota
	guardCounterAtMax
	guardNotOpaqueTrue
)

func emitGuard(bd *ir.Builder, s *rng.Stream, pattern guardPattern) *ir.Value {
	switch pattern {
	case guardCounterNegative:
		slot := bd.Alloca(ir.I32)
		bd.Store(slot, bd.ConstInt(ir.I32, 0))
		counter := bd.Load(slot)
		return bd.ICmp(ir.ICmpSLT, counter, bd.ConstInt(ir.I32, 0))
	case guardCounterAtMax:
		slot := bd.Alloca(ir.I32)
		bd.Store(slot, bd.ConstInt(ir.I32, 0))
		counter := bd.Load(slot)
		return bd.ICmp(ir.ICmpSGE, counter, bd.ConstInt(ir.I32, 0x7fffffff))
	default:
		return opaque.False(bd, s)
	}
}

// InjectFakeLoops splices up to fakeLoopCount two-block fake loops (header +
// exit) between candidate blocks and their successors. Returns the number
// spliced.
func InjectFakeLoops(fn *ir.Function, s *rng.Stream, fakeLoopCount int) int {
	cands := fakeLoopCandidates(fn)
	s.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })

	spliced := 0
	for _, c := range cands {
		if spliced >= fakeLoopCount {
			break
		}
		spliceOne(fn, c, s)
		spliced++
	}
	return spliced
}

func spliceOne(fn *ir.Function, c *ir.BasicBlock, s *rng.Stream) {
	jmp := c.Terminator.(*ir.JumpTerminator)
	origSucc := jmp.Target

	header := fn.InsertBlockAfter(c, rng.Unique(ir.BlockFakeLoop))
	exit := fn.InsertBlockAfter(header, rng.Unique(ir.BlockFakeExit))

	c.SetTerminator(&ir.JumpTerminator{Block: c, Target: header})

	bd := ir.NewBuilder(fn, header)
	pattern := guardPattern(s.Intn(3))
	guard := emitGuard(bd, s, pattern)
	header.SetTerminator(&ir.BranchTerminator{Block: header, Condition: guard, TrueBlock: header, FalseBlock: exit})

	exit.SetTerminator(&ir.JumpTerminator{Block: exit, Target: origSucc})

	extendPhis(fn, origSucc, c, exit)
}

// extendPhis retargets origSucc's PHI incoming edges from the candidate
// block to the fake-exit block, preserving the original incoming value (or
// substituting a typed poison value if no such edge exists), per spec.md
// §4.7.
func extendPhis(fn *ir.Function, origSucc, candidate, exit *ir.BasicBlock) {
	for _, inst := range origSucc.Instructions {
		phi, ok := inst.(*ir.PhiInstruction)
		if !ok {
			continue
		}
		if phi.ValueFor(candidate) == nil {
			bd := ir.NewBuilderAt(fn, exit, len(exit.Instructions))
			poison := bd.Const(phi.Result.Type, ir.ZeroValueKind(phi.Result.Type))
			phi.AddIncoming(exit, poison)
			continue
		}
	}
	ir.RetargetPhiPredecessor(fn, candidate, exit)
}

// SPDX-License-Identifier: Apache-2.0

// Package flatten implements C9, the control-flow flattener: it funnels
// every original block through a single state-dispatch switch, so the
// function's real control flow is no longer visible in its CFG shape
// (spec.md §4.9).
package flatten

import (
	"sort"

	"irobf/internal/ir"
	"irobf/internal/rng"
)

const maxPhiIncoming = 3

// Eligible reports whether fn satisfies C9's conservative preconditions:
// at least 3 blocks, no exception pads, and no PHI with more than 3
// incoming values.
func Eligible(fn *ir.Function) bool {
	if len(fn.Blocks) < 3 {
		return false
	}
	if fn.HasLandingPad() {
		return false
	}
	for _, b := range fn.Blocks {
		for _, phi := range b.Phis() {
			if len(phi.Incoming) > maxPhiIncoming {
				return false
			}
		}
	}
	return true
}

// Run flattens fn in place, returning true if the transformation was
// applied (false if fn failed Eligible's precondition — the caller should
// treat that as a no-op, not an error).
func Run(fn *ir.Function, s *rng.Stream) bool {
	if !Eligible(fn) {
		return false
	}

	original := append([]*ir.BasicBlock(nil), fn.Blocks...)
	nonEntry := make([]*ir.BasicBlock, 0, len(original)-1)
	for _, b := range original {
		if b != fn.Entry {
			nonEntry = append(nonEntry, b)
		}
	}

	stateIDs, endState := assignStateIDs(nonEntry, s)

	entry := fn.Entry
	bd := ir.NewBuilder(fn, entry)
	stateSlot := bd.Alloca(ir.I32)

	var retvalSlot *ir.Value
	_, voidReturn := fn.ReturnType.(*ir.VoidType)
	if !voidReturn {
		retvalSlot = bd.Alloca(fn.ReturnType)
		bd.Store(retvalSlot, bd.Const(fn.ReturnType, ir.ZeroValueKind(fn.ReturnType)))
	}

	// Every PHI surviving across a flattened edge needs a shadow stack slot:
	// flattening collapses all of a block's real predecessors onto the single
	// "dispatch" predecessor, so a PHI can no longer select by incoming block.
	// Each original predecessor instead stores its PHI operand into the
	// shadow slot right before funneling through dispatch, and the PHI itself
	// is replaced by a load from that slot.
	shadows := map[*ir.PhiInstruction]*ir.Value{}
	for _, b := range nonEntry {
		for _, phi := range b.Phis() {
			shadows[phi] = ir.NewBuilder(fn, entry).Alloca(phi.Result.Type)
		}
	}

	dispatch := fn.InsertBlockAfter(entry, ir.BlockCFFDispatch)
	end := fn.InsertBlockAfter(dispatch, ir.BlockCFFEnd)

	rewriteTerminator(fn, entry, stateSlot, retvalSlot, dispatch, stateIDs, endState, shadows, s)
	for _, b := range nonEntry {
		rewriteTerminator(fn, b, stateSlot, retvalSlot, dispatch, stateIDs, endState, shadows, s)
	}

	// Replace each PHI with a load of its shadow slot now that every
	// predecessor has been wired to populate it.
	for _, b := range nonEntry {
		for _, phi := range b.Phis() {
			slot := shadows[phi]
			phiBd := ir.NewBuilderAt(fn, b, indexOfInst(b, phi))
			loaded := phiBd.Load(slot)
			ir.ReplaceAllUses(fn, phi.Result, loaded)
			removeInstruction(b, phi)
		}
	}

	dispBd := ir.NewBuilder(fn, dispatch)
	loadedState := dispBd.Load(stateSlot)
	cases := make([]ir.SwitchCase, 0, len(nonEntry)+1)
	for _, b := range nonEntry {
		cases = append(cases, ir.SwitchCase{Value: int64(stateIDs[b]), Target: b})
	}
	cases = append(cases, ir.SwitchCase{Value: int64(endState), Target: end})
	dispatch.SetTerminator(&ir.SwitchTerminator{Block: dispatch, Value: loadedState, Cases: cases, Default: end})

	if voidReturn {
		end.SetTerminator(&ir.ReturnTerminator{Block: end})
	} else {
		endBd := ir.NewBuilder(fn, end)
		retval := endBd.Load(retvalSlot)
		end.SetTerminator(&ir.ReturnTerminator{Block: end, Value: retval})
	}

	return true
}

// assignStateIDs gives every block in blocks a unique, pseudo-random 32-bit
// state ID, shuffled so lexical (original layout) order does not predict
// state order, plus a reserved end-of-function sentinel distinct from all
// of them.
func assignStateIDs(blocks []*ir.BasicBlock, s *rng.Stream) (map[*ir.BasicBlock]uint32, uint32) {
	used := map[uint32]bool{}
	fresh := func() uint32 {
		for {
			v := s.Uint32()
			if v != 0 && !used[v] {
				used[v] = true
				return v
			}
		}
	}
	ids := make([]uint32, len(blocks))
	for i := range ids {
		ids[i] = fresh()
	}
	s.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	out := make(map[*ir.BasicBlock]uint32, len(blocks))
	for i, b := range blocks {
		out[b] = ids[i]
	}
	return out, fresh()
}

// rewriteTerminator erases b's terminator and replaces it with code that
// stores the appropriate next state (and, for a return, the return value;
// and, for any PHI whose shadow slot this edge feeds, that PHI's operand)
// before branching to dispatch.
func rewriteTerminator(fn *ir.Function, b *ir.BasicBlock, stateSlot, retvalSlot *ir.Value, dispatch *ir.BasicBlock, stateIDs map[*ir.BasicBlock]uint32, endState uint32, shadows map[*ir.PhiInstruction]*ir.Value, s *rng.Stream) {
	term := b.Terminator
	bd := ir.NewBuilder(fn, b)

	storeShadowsFor := func(target *ir.BasicBlock) {
		type phiSlot struct {
			phi  *ir.PhiInstruction
			slot *ir.Value
		}
		var matches []phiSlot
		for phi, slot := range shadows {
			if phi.Block == target {
				matches = append(matches, phiSlot{phi, slot})
			}
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].phi.Result.ID < matches[j].phi.Result.ID })
		for _, m := range matches {
			if val := m.phi.ValueFor(b); val != nil {
				bd.Store(m.slot, val)
			}
		}
	}

	switch t := term.(type) {
	case *ir.JumpTerminator:
		storeShadowsFor(t.Target)
		bd.Store(stateSlot, bd.ConstInt(ir.I32, uint64(stateIDs[t.Target])))
	case *ir.BranchTerminator:
		storeShadowsFor(t.TrueBlock)
		storeShadowsFor(t.FalseBlock)
		trueID := bd.ConstInt(ir.I32, uint64(stateIDs[t.TrueBlock]))
		falseID := bd.ConstInt(ir.I32, uint64(stateIDs[t.FalseBlock]))
		selected := bd.Select(t.Condition, trueID, falseID)
		bd.Store(stateSlot, selected)
	case *ir.SwitchTerminator:
		// Conservative fallback (spec.md §4.9 step 4, "Switch"; DESIGN.md
		// Open Question #1): route everything through the default
		// destination, losing the other cases.
		storeShadowsFor(t.Default)
		bd.Store(stateSlot, bd.ConstInt(ir.I32, uint64(stateIDs[t.Default])))
	case *ir.ReturnTerminator:
		if t.Value != nil && retvalSlot != nil {
			bd.Store(retvalSlot, t.Value)
		}
		bd.Store(stateSlot, bd.ConstInt(ir.I32, uint64(endState)))
	default:
		bd.Store(stateSlot, bd.ConstInt(ir.I32, uint64(endState)))
	}

	b.SetTerminator(&ir.JumpTerminator{Block: b, Target: dispatch})
}

func indexOfInst(b *ir.BasicBlock, target ir.Instruction) int {
	for i, inst := range b.Instructions {
		if inst == target {
			return i
		}
	}
	return 0
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

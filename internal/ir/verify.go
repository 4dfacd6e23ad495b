// SPDX-License-Identifier: Apache-2.0
package ir

import "fmt"

// Failure is one well-formedness violation, as spec.md §3's invariant list
// and §4.2 (C1) require: every failure names the block/function it was
// found in so the verifier shim can attach a pass name on top.
type Failure struct {
	Function string
	Block    string
	Message  string
}

func (f Failure) String() string {
	if f.Block != "" {
		return fmt.Sprintf("%s/%s: %s", f.Function, f.Block, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Function, f.Message)
}

// VerifyModule checks every function definition in m. It never mutates m.
func VerifyModule(m *Module) (bool, []Failure) {
	var fails []Failure
	for _, fn := range m.Functions {
		if fn.IsDeclaration() {
			continue
		}
		_, fFails := VerifyFunction(fn)
		fails = append(fails, fFails...)
	}
	return len(fails) == 0, fails
}

// VerifyFunction checks spec.md §3 invariants 1–4 for a single function
// definition:
//  1. module verifies (delegated to the caller aggregating per-function results)
//  2. every basic block has exactly one terminator
//  3. SSA dominance: every non-PHI operand is defined by an instruction that
//     dominates the use
//  4. PHI predecessor sets equal the block's actual predecessor set
func VerifyFunction(fn *Function) (bool, []Failure) {
	var fails []Failure

	if len(fn.Blocks) == 0 {
		return true, nil
	}

	for _, b := range fn.Blocks {
		if b.Terminator == nil {
			fails = append(fails, Failure{Function: fn.Name, Block: b.Label, Message: "missing terminator"})
		}
	}

	idom := computeDominators(fn)
	dominates := func(defBlock, useBlock *BasicBlock) bool {
		if defBlock == useBlock {
			return true
		}
		cur := useBlock
		for {
			d, ok := idom[cur]
			if !ok || d == nil {
				return false
			}
			if d == defBlock {
				return true
			}
			cur = d
		}
	}

	values := map[*Value]*BasicBlock{}
	for _, p := range fn.Params {
		if p.Value != nil {
			values[p.Value] = fn.Entry
		}
	}
	for _, b := range fn.Blocks {
		for _, inst := range b.Instructions {
			if r := inst.GetResult(); r != nil {
				values[r] = b
			}
		}
	}

	checkOperand := func(b *BasicBlock, op *Value) {
		if op == nil {
			return
		}
		defBlock, known := values[op]
		if !known {
			return // params, constants folded elsewhere, or external refs
		}
		if !dominates(defBlock, b) {
			fails = append(fails, Failure{
				Function: fn.Name, Block: b.Label,
				Message: fmt.Sprintf("use of %s is not dominated by its definition in %s", op, defBlock.Label),
			})
		}
	}

	for _, b := range fn.Blocks {
		for _, inst := range b.Instructions {
			if phi, ok := inst.(*PhiInstruction); ok {
				predSet := map[*BasicBlock]bool{}
				for _, p := range b.Predecessors {
					predSet[p] = true
				}
				phiSet := map[*BasicBlock]bool{}
				for _, in := range phi.Incoming {
					phiSet[in.Pred] = true
					if in.Value != nil {
						if defBlock, known := values[in.Value]; known {
							if !dominates(defBlock, in.Pred) {
								fails = append(fails, Failure{
									Function: fn.Name, Block: b.Label,
									Message: fmt.Sprintf("phi incoming value %s from %s not dominated", in.Value, in.Pred.Label),
								})
							}
						}
					}
				}
				for p := range predSet {
					if !phiSet[p] {
						fails = append(fails, Failure{
							Function: fn.Name, Block: b.Label,
							Message: fmt.Sprintf("phi missing incoming edge from predecessor %s", p.Label),
						})
					}
				}
				for p := range phiSet {
					if !predSet[p] {
						fails = append(fails, Failure{
							Function: fn.Name, Block: b.Label,
							Message: fmt.Sprintf("phi has incoming edge from non-predecessor %s", p.Label),
						})
					}
				}
				continue
			}
			for _, op := range inst.GetOperands() {
				checkOperand(b, op)
			}
		}
		if b.Terminator != nil {
			for _, op := range b.Terminator.GetOperands() {
				checkOperand(b, op)
			}
		}
	}

	return len(fails) == 0, fails
}

// computeDominators runs the standard iterative (Cooper/Harvey/Kennedy)
// dominator algorithm over fn's blocks in reverse postorder (reachable blocks
// from a depth-first walk of the successor lists, then any unreachable ones in
// layout order), which is stable and avoids the map-iteration-order pitfall
// spec.md §5 warns about: the algorithm's correctness doesn't depend on
// visiting blocks in any particular order, but determinism of *equal-cost*
// tie-breaks does, and fixing the order removes the question entirely.
func computeDominators(fn *Function) map[*BasicBlock]*BasicBlock {
	order := reversePostorder(fn)
	indexOf := map[*BasicBlock]int{}
	for i, b := range order {
		indexOf[b] = i
	}

	idom := map[*BasicBlock]*BasicBlock{}
	entry := order[0]
	idom[entry] = entry

	changed := true
	for changed {
		changed = false
		for _, b := range order[1:] {
			var newIdom *BasicBlock
			for _, p := range b.Predecessors {
				if _, ok := idom[p]; !ok {
					continue
				}
				if newIdom == nil {
					newIdom = p
					continue
				}
				newIdom = intersect(idom, indexOf, newIdom, p)
			}
			if newIdom != nil && idom[b] != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}
	idom[entry] = nil // entry has no strict dominator
	return idom
}

func intersect(idom map[*BasicBlock]*BasicBlock, indexOf map[*BasicBlock]int, a, b *BasicBlock) *BasicBlock {
	for a != b {
		for indexOf[a] > indexOf[b] {
			a = idom[a]
			if a == nil {
				return b
			}
		}
		for indexOf[b] > indexOf[a] {
			b = idom[b]
			if b == nil {
				return a
			}
		}
	}
	return a
}

func reversePostorder(fn *Function) []*BasicBlock {
	visited := map[*BasicBlock]bool{}
	var postorder []*BasicBlock
	var visit func(b *BasicBlock)
	visit = func(b *BasicBlock) {
		if visited[b] {
			return
		}
		visited[b] = true
		for _, s := range b.Successors {
			visit(s)
		}
		postorder = append(postorder, b)
	}
	visit(fn.Entry)
	// reverse in place
	for i, j := 0, len(postorder)-1; i < j; i, j = i+1, j-1 {
		postorder[i], postorder[j] = postorder[j], postorder[i]
	}
	// any block unreachable from entry (shouldn't normally happen) is
	// appended at the end so computeDominators still has an index for it.
	for _, b := range fn.Blocks {
		if !visited[b] {
			postorder = append(postorder, b)
		}
	}
	return postorder
}

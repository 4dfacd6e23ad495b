// SPDX-License-Identifier: Apache-2.0
package ir

// Uses enumerates every use of v within fn: one Use per non-PHI instruction
// or terminator that reads v (however many of its operand slots point at v),
// plus one per matching PHI incoming edge. This is the "enumerate... uses of any value"
// service spec.md §6 requires of the host IR toolkit.
func Uses(fn *Function, v *Value) []Use {
	var out []Use
	for _, b := range fn.Blocks {
		for _, inst := range b.Instructions {
			if phi, ok := inst.(*PhiInstruction); ok {
				for _, inc := range phi.Incoming {
					if inc.Value == v {
						out = append(out, Use{Value: v, User: inst, Block: b})
					}
				}
				continue
			}
			for _, op := range inst.GetOperands() {
				if op == v {
					out = append(out, Use{Value: v, User: inst, Block: b})
					break
				}
			}
		}
		if b.Terminator != nil {
			for _, op := range terminatorOperands(b.Terminator) {
				if op == v {
					out = append(out, Use{Value: v, User: b.Terminator, Block: b})
					break
				}
			}
		}
	}
	return out
}

func terminatorOperands(t Terminator) []*Value {
	switch v := t.(type) {
	case *ReturnTerminator:
		if v.Value == nil {
			return nil
		}
		return []*Value{v.Value}
	case *BranchTerminator:
		return []*Value{v.Condition}
	case *SwitchTerminator:
		return []*Value{v.Value}
	default:
		return nil
	}
}

// ReplaceAllUses rewrites every operand slot across fn (instruction
// operands, terminator operands, and PHI incoming values) that currently
// points at old to point at replacement instead. It does not touch old's
// own defining instruction, so callers typically remove that instruction
// themselves once nothing references it. This is the "replace uses of any
// value" service spec.md §6 requires of the host IR toolkit, and is what
// lets the instruction substituter and MBA rewriter (C8) swap a
// computation's defining instructions in place without re-threading every
// downstream consumer by hand.
func ReplaceAllUses(fn *Function, old, replacement *Value) {
	for _, b := range fn.Blocks {
		for _, inst := range b.Instructions {
			replaceOperandsIn(inst, old, replacement)
		}
		if b.Terminator != nil {
			replaceTerminatorOperands(b.Terminator, old, replacement)
		}
	}
}

func replaceOperandsIn(inst Instruction, old, replacement *Value) {
	switch v := inst.(type) {
	case *LoadInstruction:
		if v.Address == old {
			v.Address = replacement
		}
	case *StoreInstruction:
		if v.Address == old {
			v.Address = replacement
		}
		if v.Value == old {
			v.Value = replacement
		}
	case *BinaryInstruction:
		if v.Left == old {
			v.Left = replacement
		}
		if v.Right == old {
			v.Right = replacement
		}
	case *UnaryInstruction:
		if v.Operand == old {
			v.Operand = replacement
		}
	case *ICmpInstruction:
		if v.Left == old {
			v.Left = replacement
		}
		if v.Right == old {
			v.Right = replacement
		}
	case *SelectInstruction:
		if v.Cond == old {
			v.Cond = replacement
		}
		if v.TrueVal == old {
			v.TrueVal = replacement
		}
		if v.FalseVal == old {
			v.FalseVal = replacement
		}
	case *PhiInstruction:
		for i := range v.Incoming {
			if v.Incoming[i].Value == old {
				v.Incoming[i].Value = replacement
			}
		}
	case *CallInstruction:
		for i, a := range v.Args {
			if a == old {
				v.Args[i] = replacement
			}
		}
	case *IndirectCallInstruction:
		if v.FuncPtr == old {
			v.FuncPtr = replacement
		}
		for i, a := range v.Args {
			if a == old {
				v.Args[i] = replacement
			}
		}
	}
}

func replaceTerminatorOperands(t Terminator, old, replacement *Value) {
	switch v := t.(type) {
	case *ReturnTerminator:
		if v.Value == old {
			v.Value = replacement
		}
	case *BranchTerminator:
		if v.Condition == old {
			v.Condition = replacement
		}
	case *SwitchTerminator:
		if v.Value == old {
			v.Value = replacement
		}
	}
}

// SPDX-License-Identifier: Apache-2.0
package ir

// Clone deep-copies fn under a new name, remapping every Value, BasicBlock,
// and Instruction so the copy shares no mutable state with the original.
// Used by the polymorphic engine (spec.md §4.15) to produce N independent
// variants of a Critical function.
func (fn *Function) Clone(newName string) *Function {
	out := NewFunction(newName, nil, fn.ReturnType)
	out.Linkage = fn.Linkage
	for k, v := range fn.Annotations {
		out.Annotations[k] = v
	}

	valMap := map[*Value]*Value{}
	blockMap := map[*BasicBlock]*BasicBlock{}

	for _, p := range fn.Params {
		nv := &Value{Type: p.Type}
		valMap[p.Value] = nv
		out.Params = append(out.Params, &Parameter{Name: p.Name, Type: p.Type, Value: nv})
	}

	for _, b := range fn.Blocks {
		nb := out.NewBlock(b.Label)
		nb.IsLandingPad = b.IsLandingPad
		blockMap[b] = nb
	}
	out.Entry = blockMap[fn.Entry]

	remapValue := func(v *Value) *Value {
		if v == nil {
			return nil
		}
		if nv, ok := valMap[v]; ok {
			return nv
		}
		nv := &Value{ID: v.ID, Name: v.Name, Type: v.Type}
		valMap[v] = nv
		return nv
	}

	for _, b := range fn.Blocks {
		nb := blockMap[b]
		for _, inst := range b.Instructions {
			ninst := cloneInstruction(inst, nb, out, remapValue, blockMap)
			nb.AddInstruction(ninst)
			if r := ninst.GetResult(); r != nil {
				r.DefBlock, r.DefInst = nb, ninst
			}
		}
	}
	// second pass for PHI incoming blocks, which may reference a block
	// defined later in layout order than the PHI itself.
	for _, b := range fn.Blocks {
		nb := blockMap[b]
		for i, inst := range b.Instructions {
			if phi, ok := inst.(*PhiInstruction); ok {
				nphi := nb.Instructions[i].(*PhiInstruction)
				nphi.Incoming = nil
				for _, in := range phi.Incoming {
					nphi.AddIncoming(blockMap[in.Pred], remapValue(in.Value))
				}
			}
		}
	}
	for _, b := range fn.Blocks {
		nb := blockMap[b]
		nb.SetTerminator(cloneTerminator(b.Terminator, nb, out, remapValue, blockMap))
	}
	// rebuild Predecessors/Successors implicitly via SetTerminator above.
	return out
}

func cloneInstruction(inst Instruction, nb *BasicBlock, out *Function, rv func(*Value) *Value, bm map[*BasicBlock]*BasicBlock) Instruction {
	id := out.NextInstID()
	switch i := inst.(type) {
	case *AllocaInstruction:
		return &AllocaInstruction{ID: id, Result: rv(i.Result), Block: nb, ElemType: i.ElemType}
	case *LoadInstruction:
		return &LoadInstruction{ID: id, Result: rv(i.Result), Block: nb, Address: rv(i.Address)}
	case *StoreInstruction:
		return &StoreInstruction{ID: id, Block: nb, Address: rv(i.Address), Value: rv(i.Value)}
	case *BinaryInstruction:
		return &BinaryInstruction{ID: id, Result: rv(i.Result), Block: nb, Op: i.Op, Left: rv(i.Left), Right: rv(i.Right)}
	case *UnaryInstruction:
		return &UnaryInstruction{ID: id, Result: rv(i.Result), Block: nb, Op: i.Op, Operand: rv(i.Operand)}
	case *ICmpInstruction:
		return &ICmpInstruction{ID: id, Result: rv(i.Result), Block: nb, Pred: i.Pred, Left: rv(i.Left), Right: rv(i.Right)}
	case *SelectInstruction:
		return &SelectInstruction{ID: id, Result: rv(i.Result), Block: nb, Cond: rv(i.Cond), TrueVal: rv(i.TrueVal), FalseVal: rv(i.FalseVal)}
	case *PhiInstruction:
		return &PhiInstruction{ID: id, Result: rv(i.Result), Block: nb}
	case *CallInstruction:
		args := make([]*Value, len(i.Args))
		for j, a := range i.Args {
			args[j] = rv(a)
		}
		return &CallInstruction{ID: id, Result: rv(i.Result), Block: nb, Callee: i.Callee, Args: args}
	case *IndirectCallInstruction:
		args := make([]*Value, len(i.Args))
		for j, a := range i.Args {
			args[j] = rv(a)
		}
		return &IndirectCallInstruction{ID: id, Result: rv(i.Result), Block: nb, FuncPtr: rv(i.FuncPtr), Signature: i.Signature, Args: args}
	case *ConstantInstruction:
		return &ConstantInstruction{ID: id, Result: rv(i.Result), Block: nb, Value: i.Value}
	case *GlobalAddrInstruction:
		return &GlobalAddrInstruction{ID: id, Result: rv(i.Result), Block: nb, Global: i.Global}
	case *RdtscInstruction:
		return &RdtscInstruction{ID: id, Result: rv(i.Result), Block: nb}
	case *LandingPadInstruction:
		return &LandingPadInstruction{ID: id, Block: nb}
	default:
		return inst
	}
}

func cloneTerminator(term Terminator, nb *BasicBlock, out *Function, rv func(*Value) *Value, bm map[*BasicBlock]*BasicBlock) Terminator {
	id := out.NextInstID()
	switch t := term.(type) {
	case *ReturnTerminator:
		return &ReturnTerminator{ID: id, Block: nb, Value: rv(t.Value)}
	case *JumpTerminator:
		return &JumpTerminator{ID: id, Block: nb, Target: bm[t.Target]}
	case *BranchTerminator:
		return &BranchTerminator{ID: id, Block: nb, Condition: rv(t.Condition), TrueBlock: bm[t.TrueBlock], FalseBlock: bm[t.FalseBlock]}
	case *SwitchTerminator:
		cases := make([]SwitchCase, len(t.Cases))
		for j, c := range t.Cases {
			cases[j] = SwitchCase{Value: c.Value, Target: bm[c.Target]}
		}
		var def *BasicBlock
		if t.Default != nil {
			def = bm[t.Default]
		}
		return &SwitchTerminator{ID: id, Block: nb, Value: rv(t.Value), Cases: cases, Default: def}
	case *UnreachableTerminator:
		return &UnreachableTerminator{ID: id, Block: nb}
	default:
		return term
	}
}

// SPDX-License-Identifier: Apache-2.0

// Package antitamper implements C14: a compile-time opcode fold over each
// Critical function's final instructions, stored in a read-only module
// constant, re-verified at the function's entry against a tamper block
// (spec.md §4.14). Must run after every other function-scoped pass in a
// cycle — the fold is computed over whatever opcodes are present the moment
// ProtectFunction runs, so running it early would let a later pass silently
// invalidate the checksum it is supposed to guard.
package antitamper

import (
	"math/bits"

	"irobf/internal/ir"
)

// opcodeCode maps an instruction or terminator to a small, stable integer.
// Folding on this rather than the instruction's Go type name keeps the
// checksum cheap and keeps distinct operations (add vs. sub, eq vs. ne)
// distinguishable without hashing operand values, which would make the
// fold sensitive to SSA numbering rather than to actual code shape.
func opcodeCode(inst ir.Instruction) uint32 {
	switch v := inst.(type) {
	case *ir.AllocaInstruction:
		return 1
	case *ir.LoadInstruction:
		return 2
	case *ir.StoreInstruction:
		return 3
	case *ir.BinaryInstruction:
		return 100 + binOpCode(v.Op)
	case *ir.UnaryInstruction:
		return 4
	case *ir.ICmpInstruction:
		return 200 + icmpCode(v.Pred)
	case *ir.SelectInstruction:
		return 5
	case *ir.PhiInstruction:
		return 6
	case *ir.CallInstruction:
		return 7
	case *ir.IndirectCallInstruction:
		return 8
	case *ir.ConstantInstruction:
		return 9
	case *ir.GlobalAddrInstruction:
		return 10
	case *ir.RdtscInstruction:
		return 11
	case *ir.LandingPadInstruction:
		return 12
	default:
		return 0
	}
}

func binOpCode(op ir.BinOp) uint32 {
	switch op {
	case ir.OpAdd:
		return 1
	case ir.OpSub:
		return 2
	case ir.OpMul:
		return 3
	case ir.OpUDiv:
		return 4
	case ir.OpSDiv:
		return 5
	case ir.OpAnd:
		return 6
	case ir.OpOr:
		return 7
	case ir.OpXor:
		return 8
	default:
		return 0
	}
}

func icmpCode(pred ir.ICmpPred) uint32 {
	switch pred {
	case ir.ICmpEQ:
		return 1
	case ir.ICmpNE:
		return 2
	case ir.ICmpSLT:
		return 3
	case ir.ICmpSLE:
		return 4
	case ir.ICmpSGT:
		return 5
	case ir.ICmpSGE:
		return 6
	case ir.ICmpULT:
		return 7
	case ir.ICmpUGE:
		return 8
	default:
		return 0
	}
}

func terminatorOpcodeCode(term ir.Terminator) uint32 {
	switch term.(type) {
	case *ir.ReturnTerminator:
		return 50
	case *ir.JumpTerminator:
		return 51
	case *ir.BranchTerminator:
		return 52
	case *ir.SwitchTerminator:
		return 53
	case *ir.UnreachableTerminator:
		return 54
	default:
		return 0
	}
}

// Fold computes spec.md §4.14's order-sensitive opcode fold over fn's
// current blocks in their stable slice order, each instruction in turn,
// followed by the block's terminator.
func Fold(fn *ir.Function) uint32 {
	var checksum uint32
	for _, b := range fn.Blocks {
		for _, inst := range b.Instructions {
			checksum = bits.RotateLeft32(checksum^opcodeCode(inst), 1)
		}
		if b.Terminator != nil {
			checksum = bits.RotateLeft32(checksum^terminatorOpcodeCode(b.Terminator), 1)
		}
	}
	return checksum
}

func checksumGlobalName(fn *ir.Function) string {
	return fn.Name + ir.GlobalChecksumSuffix
}

// ensureDeclaration mirrors the other passes' declaration-only runtime
// primitive helper: the actual recomputation of a function's in-memory
// opcode fold at runtime is a loader/backend responsibility (reading back
// compiled bytes this IR never materializes), so it is modeled as a
// body-less function the same way strcipher/indirect/antidebug model their
// OS- and byte-level primitives.
func ensureDeclaration(m *ir.Module, name string, params []*ir.Parameter, ret ir.Type) *ir.Function {
	if fn := m.FindFunction(name); fn != nil {
		return fn
	}
	fn := ir.NewFunction(name, params, ret)
	m.Functions = append(m.Functions, fn)
	return fn
}

// ProtectFunction computes fn's checksum over its current (final) opcodes,
// stores it in a fresh read-only global named after fn, and splices a
// verify-then-branch sequence into fn's entry: on mismatch, control passes
// to a tamper block that calls an abort primitive and falls through to
// unreachable, per the doc comment on ir.UnreachableTerminator. Idempotent:
// a function already carrying a checksum global is left alone.
func ProtectFunction(m *ir.Module, fn *ir.Function) bool {
	if fn.IsDeclaration() || fn.HasLandingPad() {
		return false
	}
	if m.FindGlobal(checksumGlobalName(fn)) != nil {
		return false
	}

	expected := Fold(fn)
	g := &ir.GlobalVariable{
		Name:        checksumGlobalName(fn),
		Type:        ir.I32,
		Initializer: uint64(expected),
		IsConstant:  true,
	}
	m.AddGlobal(g)

	recompute := ensureDeclaration(m, "__recompute_checksum", nil, ir.I32)
	abort := ensureDeclaration(m, "__integrity_abort", nil, &ir.VoidType{})

	entry := fn.Entry
	cont := splitAt(fn, entry, 0)

	bd := ir.NewBuilder(fn, entry)
	addr := bd.GlobalAddr(g)
	expectedVal := bd.Load(addr)
	actual := bd.Call(recompute)
	mismatch := bd.ICmp(ir.ICmpNE, actual, expectedVal)

	tamper := fn.InsertBlockAfter(entry, ir.BlockTampered)
	tbd := ir.NewBuilder(fn, tamper)
	tbd.Call(abort)
	tamper.SetTerminator(&ir.UnreachableTerminator{Block: tamper})

	cont.Label = ir.BlockIntegrityOK
	entry.SetTerminator(&ir.BranchTerminator{Block: entry, Condition: mismatch, TrueBlock: tamper, FalseBlock: cont})

	return true
}

// splitAt moves b.Instructions[idx:] plus b's terminator into a fresh
// continuation block and returns it, leaving b holding only [0:idx).
func splitAt(fn *ir.Function, b *ir.BasicBlock, idx int) *ir.BasicBlock {
	cont := fn.InsertBlockAfter(b, "integrity_cont")
	cont.Instructions = append(cont.Instructions, b.Instructions[idx:]...)
	for _, inst := range cont.Instructions {
		rehomeBlock(inst, cont)
	}
	oldTerm := b.Terminator
	if oldTerm != nil {
		rehomeTerminatorBlock(oldTerm, cont)
	}
	cont.SetTerminator(oldTerm)
	ir.RetargetPhiPredecessor(fn, b, cont)
	b.Instructions = b.Instructions[:idx]
	return cont
}

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

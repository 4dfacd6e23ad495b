// SPDX-License-Identifier: Apache-2.0
package ir

// Instruction is any non-terminating IR operation. The interface shape
// (GetID/GetResult/GetOperands/GetBlock/IsTerminator) follows the teacher's
// own ir.Instruction contract, generalized from EVM opcodes to a
// general-purpose compiled-IR instruction set.
type Instruction interface {
	GetID() int
	GetResult() *Value
	GetOperands() []*Value
	GetBlock() *BasicBlock
	IsTerminator() bool
}

// Terminator ends a basic block.
type Terminator interface {
	Instruction
	GetSuccessors() []*BasicBlock
}

// BinOp enumerates the binary operators the instruction substituter and MBA
// pass (spec.md §4.8) know how to rewrite, plus the ordinary arithmetic the
// rest of the engine leaves alone.
type BinOp string

const (
	OpAdd BinOp = "add"
	OpSub BinOp = "sub"
	OpMul BinOp = "mul"
	OpUDiv BinOp = "udiv"
	OpSDiv BinOp = "sdiv"
	OpShl BinOp = "shl"
	OpLShr BinOp = "lshr"
	OpAShr BinOp = "ashr"
	OpAnd BinOp = "and"
	OpOr  BinOp = "or"
	OpXor BinOp = "xor"
)

// ICmpPred enumerates integer comparison predicates.
type ICmpPred string

const (
	ICmpEQ  ICmpPred = "eq"
	ICmpNE  ICmpPred = "ne"
	ICmpSLT ICmpPred = "slt"
	ICmpSLE ICmpPred = "sle"
	ICmpSGT ICmpPred = "sgt"
	ICmpSGE ICmpPred = "sge"
	ICmpULT ICmpPred = "ult"
	ICmpUGE ICmpPred = "uge"
)

// AllocaInstruction reserves a stack slot of ElemType.
type AllocaInstruction struct {
	ID       int
	Result   *Value // pointer to ElemType
	Block    *BasicBlock
	ElemType Type
}

func (a *AllocaInstruction) GetID() int            { return a.ID }
func (a *AllocaInstruction) GetResult() *Value     { return a.Result }
func (a *AllocaInstruction) GetOperands() []*Value { return nil }
func (a *AllocaInstruction) GetBlock() *BasicBlock { return a.Block }
func (a *AllocaInstruction) IsTerminator() bool    { return false }

// LoadInstruction reads through a pointer.
type LoadInstruction struct {
	ID      int
	Result  *Value
	Block   *BasicBlock
	Address *Value
}

func (l *LoadInstruction) GetID() int            { return l.ID }
func (l *LoadInstruction) GetResult() *Value     { return l.Result }
func (l *LoadInstruction) GetOperands() []*Value { return []*Value{l.Address} }
func (l *LoadInstruction) GetBlock() *BasicBlock { return l.Block }
func (l *LoadInstruction) IsTerminator() bool    { return false }

// StoreInstruction writes Value through Address.
type StoreInstruction struct {
	ID      int
	Block   *BasicBlock
	Address *Value
	Value   *Value
}

func (s *StoreInstruction) GetID() int            { return s.ID }
func (s *StoreInstruction) GetResult() *Value     { return nil }
func (s *StoreInstruction) GetOperands() []*Value { return []*Value{s.Address, s.Value} }
func (s *StoreInstruction) GetBlock() *BasicBlock { return s.Block }
func (s *StoreInstruction) IsTerminator() bool    { return false }

// BinaryInstruction is a two-operand arithmetic/bitwise op.
type BinaryInstruction struct {
	ID     int
	Result *Value
	Block  *BasicBlock
	Op     BinOp
	Left   *Value
	Right  *Value
}

func (b *BinaryInstruction) GetID() int            { return b.ID }
func (b *BinaryInstruction) GetResult() *Value     { return b.Result }
func (b *BinaryInstruction) GetOperands() []*Value { return []*Value{b.Left, b.Right} }
func (b *BinaryInstruction) GetBlock() *BasicBlock { return b.Block }
func (b *BinaryInstruction) IsTerminator() bool    { return false }

// UnaryInstruction is a one-operand op ("neg", "not").
type UnaryInstruction struct {
	ID      int
	Result  *Value
	Block   *BasicBlock
	Op      string
	Operand *Value
}

func (u *UnaryInstruction) GetID() int            { return u.ID }
func (u *UnaryInstruction) GetResult() *Value     { return u.Result }
func (u *UnaryInstruction) GetOperands() []*Value { return []*Value{u.Operand} }
func (u *UnaryInstruction) GetBlock() *BasicBlock { return u.Block }
func (u *UnaryInstruction) IsTerminator() bool    { return false }

// ICmpInstruction compares two integers, producing an I1.
type ICmpInstruction struct {
	ID     int
	Result *Value
	Block  *BasicBlock
	Pred   ICmpPred
	Left   *Value
	Right  *Value
}

func (c *ICmpInstruction) GetID() int            { return c.ID }
func (c *ICmpInstruction) GetResult() *Value     { return c.Result }
func (c *ICmpInstruction) GetOperands() []*Value { return []*Value{c.Left, c.Right} }
func (c *ICmpInstruction) GetBlock() *BasicBlock { return c.Block }
func (c *ICmpInstruction) IsTerminator() bool    { return false }

// SelectInstruction is the ternary `cond ? trueVal : falseVal`, used
// extensively by the control-flow flattener's next-state computation
// (spec.md §4.9 step 4).
type SelectInstruction struct {
	ID       int
	Result   *Value
	Block    *BasicBlock
	Cond     *Value
	TrueVal  *Value
	FalseVal *Value
}

func (s *SelectInstruction) GetID() int        { return s.ID }
func (s *SelectInstruction) GetResult() *Value { return s.Result }
func (s *SelectInstruction) GetOperands() []*Value {
	return []*Value{s.Cond, s.TrueVal, s.FalseVal}
}
func (s *SelectInstruction) GetBlock() *BasicBlock { return s.Block }
func (s *SelectInstruction) IsTerminator() bool    { return false }

// PhiIncoming is one (predecessor, value) pair of a PhiInstruction. Using a
// slice rather than a map keeps incoming order stable and explicit, per
// spec.md §5's ban on decisions driven by unordered map iteration.
type PhiIncoming struct {
	Pred  *BasicBlock
	Value *Value
}

// PhiInstruction selects among its Incoming values based on which
// predecessor control arrived from.
type PhiInstruction struct {
	ID       int
	Result   *Value
	Block    *BasicBlock
	Incoming []PhiIncoming
}

func (p *PhiInstruction) GetID() int        { return p.ID }
func (p *PhiInstruction) GetResult() *Value { return p.Result }
func (p *PhiInstruction) GetOperands() []*Value {
	ops := make([]*Value, 0, len(p.Incoming))
	for _, in := range p.Incoming {
		ops = append(ops, in.Value)
	}
	return ops
}
func (p *PhiInstruction) GetBlock() *BasicBlock { return p.Block }
func (p *PhiInstruction) IsTerminator() bool    { return false }

// ValueFor returns the incoming value for pred, or nil if pred is not (yet)
// one of the PHI's predecessors.
func (p *PhiInstruction) ValueFor(pred *BasicBlock) *Value {
	for _, in := range p.Incoming {
		if in.Pred == pred {
			return in.Value
		}
	}
	return nil
}

// AddIncoming appends a new (pred, value) pair, used by the fake-loop
// injector to extend an existing PHI with an edge from a synthetic
// fake-exit block (spec.md §4.7, edge case S4).
func (p *PhiInstruction) AddIncoming(pred *BasicBlock, val *Value) {
	p.Incoming = append(p.Incoming, PhiIncoming{Pred: pred, Value: val})
}

// CallInstruction is a direct call to a known Function.
type CallInstruction struct {
	ID     int
	Result *Value
	Block  *BasicBlock
	Callee *Function
	Args   []*Value
}

func (c *CallInstruction) GetID() int            { return c.ID }
func (c *CallInstruction) GetResult() *Value     { return c.Result }
func (c *CallInstruction) GetOperands() []*Value { return c.Args }
func (c *CallInstruction) GetBlock() *BasicBlock { return c.Block }
func (c *CallInstruction) IsTerminator() bool    { return false }

// IndirectCallInstruction calls through a computed function pointer — the
// shape C12's internal-call table and import-hiding resolver both rewrite
// direct calls into (spec.md §4.12).
type IndirectCallInstruction struct {
	ID        int
	Result    *Value
	Block     *BasicBlock
	FuncPtr   *Value
	Signature *FuncType
	Args      []*Value
}

func (c *IndirectCallInstruction) GetID() int        { return c.ID }
func (c *IndirectCallInstruction) GetResult() *Value { return c.Result }
func (c *IndirectCallInstruction) GetOperands() []*Value {
	ops := append([]*Value{c.FuncPtr}, c.Args...)
	return ops
}
func (c *IndirectCallInstruction) GetBlock() *BasicBlock { return c.Block }
func (c *IndirectCallInstruction) IsTerminator() bool    { return false }

// ConstantInstruction materializes a compile-time constant into SSA form.
type ConstantInstruction struct {
	ID     int
	Result *Value
	Block  *BasicBlock
	Value  interface{} // uint64, bool, float64, []byte
}

func (c *ConstantInstruction) GetID() int            { return c.ID }
func (c *ConstantInstruction) GetResult() *Value     { return c.Result }
func (c *ConstantInstruction) GetOperands() []*Value { return nil }
func (c *ConstantInstruction) GetBlock() *BasicBlock { return c.Block }
func (c *ConstantInstruction) IsTerminator() bool    { return false }

// GlobalAddrInstruction materializes the address of a module-level global.
type GlobalAddrInstruction struct {
	ID     int
	Result *Value
	Block  *BasicBlock
	Global *GlobalVariable
}

func (g *GlobalAddrInstruction) GetID() int            { return g.ID }
func (g *GlobalAddrInstruction) GetResult() *Value     { return g.Result }
func (g *GlobalAddrInstruction) GetOperands() []*Value { return nil }
func (g *GlobalAddrInstruction) GetBlock() *BasicBlock { return g.Block }
func (g *GlobalAddrInstruction) IsTerminator() bool    { return false }

// RdtscInstruction reads the hardware cycle counter — the entropy source for
// the polymorphic dispatcher (spec.md §4.15) and the anti-debug timing probe
// (spec.md §4.13). Platform-gated by the backend; spec.md §7 treats its
// absence as a "platform-unsupported intrinsic", not a failure.
type RdtscInstruction struct {
	ID     int
	Result *Value
	Block  *BasicBlock
}

func (r *RdtscInstruction) GetID() int            { return r.ID }
func (r *RdtscInstruction) GetResult() *Value     { return r.Result }
func (r *RdtscInstruction) GetOperands() []*Value { return nil }
func (r *RdtscInstruction) GetBlock() *BasicBlock { return r.Block }
func (r *RdtscInstruction) IsTerminator() bool    { return false }

// LandingPadInstruction marks the start of an exception-handling pad block.
// Its presence as a block's leading non-PHI instruction is what
// BasicBlock.IsLandingPad / Function.HasLandingPad report on.
type LandingPadInstruction struct {
	ID    int
	Block *BasicBlock
}

func (l *LandingPadInstruction) GetID() int            { return l.ID }
func (l *LandingPadInstruction) GetResult() *Value     { return nil }
func (l *LandingPadInstruction) GetOperands() []*Value { return nil }
func (l *LandingPadInstruction) GetBlock() *BasicBlock { return l.Block }
func (l *LandingPadInstruction) IsTerminator() bool    { return false }

// Terminators.

// ReturnTerminator ends the function; Value is nil for a void return.
type ReturnTerminator struct {
	ID    int
	Block *BasicBlock
	Value *Value
}

func (r *ReturnTerminator) GetID() int        { return r.ID }
func (r *ReturnTerminator) GetResult() *Value { return nil }
func (r *ReturnTerminator) GetOperands() []*Value {
	if r.Value != nil {
		return []*Value{r.Value}
	}
	return nil
}
func (r *ReturnTerminator) GetBlock() *BasicBlock        { return r.Block }
func (r *ReturnTerminator) IsTerminator() bool           { return true }
func (r *ReturnTerminator) GetSuccessors() []*BasicBlock { return nil }

// JumpTerminator is an unconditional branch.
type JumpTerminator struct {
	ID     int
	Block  *BasicBlock
	Target *BasicBlock
}

func (j *JumpTerminator) GetID() int                   { return j.ID }
func (j *JumpTerminator) GetResult() *Value            { return nil }
func (j *JumpTerminator) GetOperands() []*Value        { return nil }
func (j *JumpTerminator) GetBlock() *BasicBlock        { return j.Block }
func (j *JumpTerminator) IsTerminator() bool           { return true }
func (j *JumpTerminator) GetSuccessors() []*BasicBlock { return []*BasicBlock{j.Target} }

// BranchTerminator is a conditional branch.
type BranchTerminator struct {
	ID         int
	Block      *BasicBlock
	Condition  *Value
	TrueBlock  *BasicBlock
	FalseBlock *BasicBlock
}

func (b *BranchTerminator) GetID() int            { return b.ID }
func (b *BranchTerminator) GetResult() *Value     { return nil }
func (b *BranchTerminator) GetOperands() []*Value { return []*Value{b.Condition} }
func (b *BranchTerminator) GetBlock() *BasicBlock { return b.Block }
func (b *BranchTerminator) IsTerminator() bool    { return true }
func (b *BranchTerminator) GetSuccessors() []*BasicBlock {
	return []*BasicBlock{b.TrueBlock, b.FalseBlock}
}

// SwitchCase maps one constant value to a target block.
type SwitchCase struct {
	Value  int64
	Target *BasicBlock
}

// SwitchTerminator dispatches on an integer value. The control-flow
// flattener's conservative fallback for pre-existing switches (spec.md §4.9
// step 4, "Switch" case; Open Question #1 in DESIGN.md) routes through
// Default only.
type SwitchTerminator struct {
	ID      int
	Block   *BasicBlock
	Value   *Value
	Cases   []SwitchCase
	Default *BasicBlock
}

func (s *SwitchTerminator) GetID() int            { return s.ID }
func (s *SwitchTerminator) GetResult() *Value     { return nil }
func (s *SwitchTerminator) GetOperands() []*Value { return []*Value{s.Value} }
func (s *SwitchTerminator) GetBlock() *BasicBlock { return s.Block }
func (s *SwitchTerminator) IsTerminator() bool    { return true }
func (s *SwitchTerminator) GetSuccessors() []*BasicBlock {
	out := make([]*BasicBlock, 0, len(s.Cases)+1)
	for _, c := range s.Cases {
		out = append(out, c.Target)
	}
	if s.Default != nil {
		out = append(out, s.Default)
	}
	return out
}

// UnreachableTerminator marks a block whose end is never reached — the
// anti-tamper block after its call to the abort primitive, and the
// anti-debug/anti-analysis exit blocks after their exit-process call.
type UnreachableTerminator struct {
	ID    int
	Block *BasicBlock
}

func (u *UnreachableTerminator) GetID() int                   { return u.ID }
func (u *UnreachableTerminator) GetResult() *Value            { return nil }
func (u *UnreachableTerminator) GetOperands() []*Value        { return nil }
func (u *UnreachableTerminator) GetBlock() *BasicBlock        { return u.Block }
func (u *UnreachableTerminator) IsTerminator() bool           { return true }
func (u *UnreachableTerminator) GetSuccessors() []*BasicBlock { return nil }

// SPDX-License-Identifier: Apache-2.0

// Package ir models the compilation-unit-level IR the obfuscation engine
// consumes: a typed, SSA-form, basic-block-structured representation of a
// compiled C/C++ translation unit. In a real deployment this type graph, its
// parser/printer, and its verifier are produced by the host compiler
// toolchain (spec.md §6 lists them as an external collaborator); this package
// stands in for that boundary so the engine has something concrete to mutate
// and to hand to internal/verify.
package ir

import "fmt"

// Linkage mirrors the handful of linkage kinds the passes care about.
type Linkage int

const (
	LinkageExternal Linkage = iota
	LinkageInternal
	LinkageLinkOnceODR
)

func (l Linkage) String() string {
	switch l {
	case LinkageExternal:
		return "external"
	case LinkageInternal:
		return "internal"
	case LinkageLinkOnceODR:
		return "linkonce_odr"
	default:
		return "unknown"
	}
}

// Module is the mutable compilation unit the engine transforms in place.
type Module struct {
	Name      string
	Globals   []*GlobalVariable
	Functions []*Function

	// Constructors is the module's global-constructor list. spec.md §5
	// requires entries to be appended, never replacing whatever the frontend
	// already emitted there.
	Constructors []*ConstructorEntry

	// TLSCallbacks holds function references placed in the platform's
	// TLS-callback loader section (spec.md §4.13, §6).
	TLSCallbacks []*Function

	nextGlobalID int
}

// ConstructorEntry is one entry of the module's global-constructor list.
type ConstructorEntry struct {
	Fn       *Function
	Priority int // lower runs first
}

func NewModule(name string) *Module {
	return &Module{Name: name}
}

// Fingerprint computes a 64-bit FNV-1a fingerprint over function names and
// instruction opcodes/operand counts (spec.md §4.11 pre-pass). It is used to
// seed both the RNG and RC4-family key derivation, and iterates functions and
// blocks in their stored (stable) order rather than any hash-keyed order, per
// spec.md §5's determinism requirement.
func (m *Module) Fingerprint() uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	step := func(s string) {
		for i := 0; i < len(s); i++ {
			h ^= uint64(s[i])
			h *= prime64
		}
	}
	step(m.Name)
	for _, fn := range m.Functions {
		step(fn.Name)
		for _, b := range fn.Blocks {
			for _, inst := range b.Instructions {
				step(fmt.Sprintf("%T:%d", inst, len(inst.GetOperands())))
			}
			if b.Terminator != nil {
				step(fmt.Sprintf("%T", b.Terminator))
			}
		}
	}
	return h
}

// AddGlobal appends g to the module and assigns it a stable internal ID.
func (m *Module) AddGlobal(g *GlobalVariable) {
	m.nextGlobalID++
	g.id = m.nextGlobalID
	m.Globals = append(m.Globals, g)
}

// FindGlobal looks up a global by name; globals are few enough per module
// that a linear scan keeps the iteration order explicit and stable, which
// matters per spec.md §5.
func (m *Module) FindGlobal(name string) *GlobalVariable {
	for _, g := range m.Globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// FindFunction looks up a function by name.
func (m *Module) FindFunction(name string) *Function {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// GlobalVariable is a module-level datum: an encrypted string, a function
// table, a cached API pointer, an anti-tamper checksum, and so on are all
// GlobalVariables distinguished by their Initializer and Kind.
type GlobalVariable struct {
	Name        string
	Type        Type
	Initializer interface{} // []byte, []*Value (pointer-array), uint64, etc.
	Linkage     Linkage
	IsConstant  bool
	Comdat      string
	Section     string

	// NoStringCipher excludes this global from C11's candidate search even
	// if its initializer looks like a null-terminated byte string. Passes
	// that mint their own runtime-machinery globals (decrypt keys, flags,
	// resolved-API-name literals) set this so a later cycle's string
	// cipher pass can't reclassify and re-encrypt them out from under the
	// code that already reads them in their original form.
	NoStringCipher bool

	id int
}

// Parameter is a function parameter; Value is the SSA value visible inside
// the function body.
type Parameter struct {
	Name  string
	Type  Type
	Value *Value
}

// Annotation keys recognized on a Function (spec.md §4.3).
const AnnotationObfuscate = "obfuscate"

// Function is a typed signature plus, for definitions, a set of basic
// blocks. A Function with no Blocks is a declaration (an external/library
// call target) and is never itself a candidate for obfuscation (spec.md §4.1
// step 3a, "skip declarations").
type Function struct {
	Name        string
	Params      []*Parameter
	ReturnType  Type
	Linkage     Linkage
	Annotations map[string]bool

	Entry  *BasicBlock
	Blocks []*BasicBlock

	nextValueID int
	nextInstID  int
	blockSeq    int
}

func NewFunction(name string, params []*Parameter, ret Type) *Function {
	return &Function{
		Name:        name,
		Params:      params,
		ReturnType:  ret,
		Annotations: map[string]bool{},
	}
}

func (fn *Function) IsDeclaration() bool { return len(fn.Blocks) == 0 }

// NextValueID returns a fresh, function-unique SSA value ID.
func (fn *Function) NextValueID() int {
	fn.nextValueID++
	return fn.nextValueID
}

// NextInstID returns a fresh, function-unique instruction ID.
func (fn *Function) NextInstID() int {
	fn.nextInstID++
	return fn.nextInstID
}

// NewBlock creates and appends a basic block. If fn has no entry yet, the new
// block becomes the entry.
func (fn *Function) NewBlock(label string) *BasicBlock {
	fn.blockSeq++
	b := &BasicBlock{Label: label, Parent: fn, seq: fn.blockSeq}
	fn.Blocks = append(fn.Blocks, b)
	if fn.Entry == nil {
		fn.Entry = b
	}
	return b
}

// InsertBlockAfter splices a new block into fn.Blocks immediately after
// `after`, preserving layout order (layout order is what the printer relies
// on). The new block still takes the next creation sequence number, so its
// Seq is larger than that of every block created before it.
func (fn *Function) InsertBlockAfter(after *BasicBlock, label string) *BasicBlock {
	fn.blockSeq++
	b := &BasicBlock{Label: label, Parent: fn, seq: fn.blockSeq}
	for i, blk := range fn.Blocks {
		if blk == after {
			fn.Blocks = append(fn.Blocks[:i+1], append([]*BasicBlock{b}, fn.Blocks[i+1:]...)...)
			return b
		}
	}
	fn.Blocks = append(fn.Blocks, b)
	return b
}

// RemoveBlock deletes b from fn.Blocks. Callers are responsible for having
// already retargeted every predecessor/PHI reference to b.
func (fn *Function) RemoveBlock(b *BasicBlock) {
	out := fn.Blocks[:0]
	for _, blk := range fn.Blocks {
		if blk != b {
			out = append(out, blk)
		}
	}
	fn.Blocks = out
}

// HasLandingPad reports whether fn contains any exception-handling pad
// block. Function-scoped passes that are not allowed to touch EH machinery
// (flatten, fake-loops, virtualization — spec.md invariant 5) bail out
// entirely when this is true.
func (fn *Function) HasLandingPad() bool {
	for _, b := range fn.Blocks {
		if b.IsLandingPad {
			return true
		}
	}
	return false
}

// BasicBlock is a maximal straight-line instruction sequence ending in
// exactly one Terminator.
type BasicBlock struct {
	Label        string
	Parent       *Function
	Instructions []Instruction
	Terminator   Terminator
	Predecessors []*BasicBlock
	Successors   []*BasicBlock

	// IsLandingPad marks a block as exception-handling machinery. Such
	// blocks are never split, flattened, reordered, or virtualized.
	IsLandingPad bool

	seq int
}

// Seq is the block's creation sequence number within its function (NewBlock
// and InsertBlockAfter each take the next one), which matches layout order
// only for blocks appended with NewBlock — used by the criticality analyzer's "successor appears earlier in layout"
// back-edge approximation (spec.md §4.3) and nowhere else.
func (b *BasicBlock) Seq() int { return b.seq }

// AddInstruction appends inst to the end of b's instruction list (before the
// terminator, which is tracked separately).
func (b *BasicBlock) AddInstruction(inst Instruction) {
	b.Instructions = append(b.Instructions, inst)
}

// InsertInstructionAt inserts inst at position idx (0 == before everything
// else in the block, including any PHIs — callers that must skip PHIs
// compute idx themselves via PhiCount).
func (b *BasicBlock) InsertInstructionAt(idx int, inst Instruction) {
	if idx < 0 {
		idx = 0
	}
	if idx > len(b.Instructions) {
		idx = len(b.Instructions)
	}
	b.Instructions = append(b.Instructions[:idx], append([]Instruction{inst}, b.Instructions[idx:]...)...)
}

// PhiCount returns how many leading instructions are PHI nodes.
func (b *BasicBlock) PhiCount() int {
	n := 0
	for _, inst := range b.Instructions {
		if _, ok := inst.(*PhiInstruction); ok {
			n++
		} else {
			break
		}
	}
	return n
}

// Phis returns the block's PHI instructions, in their stored order.
func (b *BasicBlock) Phis() []*PhiInstruction {
	var out []*PhiInstruction
	for _, inst := range b.Instructions {
		if p, ok := inst.(*PhiInstruction); ok {
			out = append(out, p)
		} else {
			break
		}
	}
	return out
}

// SetTerminator replaces b's terminator and updates the Successors/
// Predecessors edges to match. Any stale edge into a block no longer
// targeted by the new terminator is removed.
func (b *BasicBlock) SetTerminator(t Terminator) {
	for _, succ := range b.Successors {
		succ.removePredecessor(b)
	}
	b.Terminator = t
	b.Successors = nil
	if t == nil {
		return
	}
	for _, succ := range t.GetSuccessors() {
		if succ == nil {
			continue
		}
		b.Successors = append(b.Successors, succ)
		succ.addPredecessor(b)
	}
}

func (b *BasicBlock) addPredecessor(p *BasicBlock) {
	for _, existing := range b.Predecessors {
		if existing == p {
			return
		}
	}
	b.Predecessors = append(b.Predecessors, p)
}

func (b *BasicBlock) removePredecessor(p *BasicBlock) {
	out := b.Predecessors[:0]
	for _, existing := range b.Predecessors {
		if existing != p {
			out = append(out, existing)
		}
	}
	b.Predecessors = out
}

// Value is an SSA value: exactly one definition, any number of uses.
type Value struct {
	ID       int
	Name     string
	Type     Type
	DefBlock *BasicBlock
	DefInst  Instruction
}

func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	if v.Name != "" {
		return "%" + v.Name
	}
	return fmt.Sprintf("%%v%d", v.ID)
}

// Use records that `User` reads `Value` while executing inside `Block` — kept
// for completeness with the external-IR contract (spec.md §6: "a way to
// enumerate and replace uses of any value"); the engine's own passes track
// rewrites locally rather than maintaining a global use-list, since every
// pass already owns the one function or module it is rewriting.
type Use struct {
	Value *Value
	User  Instruction
	Block *BasicBlock
}

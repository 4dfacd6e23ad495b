// SPDX-License-Identifier: Apache-2.0
package ir

import "testing"

func TestReplaceAllUses_RewritesBinaryOperandsAndTerminator(t *testing.T) {
	fn := NewFunction("f", nil, I32)
	b := fn.NewBlock("entry")
	bd := NewBuilder(fn, b)
	a := bd.ConstInt(I32, 1)
	bb := bd.ConstInt(I32, 2)
	sum := bd.BinOp(OpAdd, a, bb)
	doubled := bd.BinOp(OpAdd, sum, sum)
	b.SetTerminator(&ReturnTerminator{Block: b, Value: doubled})

	replacement := bd.ConstInt(I32, 99)
	ReplaceAllUses(fn, sum, replacement)

	bin := doubled.DefInst.(*BinaryInstruction)
	if bin.Left != replacement || bin.Right != replacement {
		t.Fatalf("expected both operands rewritten, got left=%v right=%v", bin.Left, bin.Right)
	}
}

func TestUses_FindsOperandAndTerminatorUses(t *testing.T) {
	fn := NewFunction("f", nil, I32)
	b := fn.NewBlock("entry")
	bd := NewBuilder(fn, b)
	a := bd.ConstInt(I32, 1)
	bb := bd.ConstInt(I32, 2)
	sum := bd.BinOp(OpAdd, a, bb)
	b.SetTerminator(&ReturnTerminator{Block: b, Value: sum})

	uses := Uses(fn, sum)
	if len(uses) != 1 {
		t.Fatalf("expected exactly one use (the terminator), got %d", len(uses))
	}
}

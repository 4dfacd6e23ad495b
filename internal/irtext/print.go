// SPDX-License-Identifier: Apache-2.0

package irtext

import (
	"fmt"
	"strconv"
	"strings"

	"irobf/internal/ir"
)

// Print renders m back into this package's textual format. It is not a
// byte-exact inverse of Build — synthesized helper functions and globals
// the passes add along the way print too, using their actual IR shape
// rather than the restricted subset Build's grammar accepts as input — but
// every construct Build can parse, Print can render, so parse(print(m))
// reproduces m's function and block structure.
func Print(m *ir.Module) string {
	var b strings.Builder
	fmt.Fprintf(&b, "module %s {\n", m.Name)
	for _, g := range m.Globals {
		printGlobal(&b, g)
	}
	for _, fn := range m.Functions {
		if fn.IsDeclaration() {
			printDecl(&b, fn)
		}
	}
	for _, fn := range m.Functions {
		if !fn.IsDeclaration() {
			printDef(&b, fn)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func printGlobal(b *strings.Builder, g *ir.GlobalVariable) {
	data, ok := g.Initializer.([]byte)
	if !ok {
		return
	}
	text := string(data)
	text = strings.TrimSuffix(text, "\x00")
	fmt.Fprintf(b, "  global @%s: i8* = %s;\n", g.Name, strconv.Quote(text))
}

func printType(t ir.Type) string {
	switch v := t.(type) {
	case *ir.IntType:
		return fmt.Sprintf("i%d", v.Bits)
	case *ir.VoidType:
		return "void"
	case *ir.PointerType:
		return printType(v.Elem) + "*"
	default:
		return fmt.Sprintf("%v", t)
	}
}

func printParams(params []*ir.Parameter) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = fmt.Sprintf("%s %%%s", printType(p.Type), p.Name)
	}
	return strings.Join(parts, ", ")
}

func printDecl(b *strings.Builder, fn *ir.Function) {
	fmt.Fprintf(b, "  declare @%s(%s) -> %s;\n", fn.Name, printParams(fn.Params), printType(fn.ReturnType))
}

func printDef(b *strings.Builder, fn *ir.Function) {
	fmt.Fprintf(b, "  func @%s(%s) -> %s {\n", fn.Name, printParams(fn.Params), printType(fn.ReturnType))
	for _, blk := range fn.Blocks {
		fmt.Fprintf(b, "  %s:\n", blk.Label)
		for _, inst := range blk.Instructions {
			printInstr(b, inst)
		}
		printTerm(b, blk.Terminator)
	}
	b.WriteString("  }\n")
}

func valRef(v *ir.Value) string {
	if v == nil {
		return ""
	}
	if v.Name != "" {
		return "%" + v.Name
	}
	return "%v" + strconv.Itoa(v.ID)
}

func printInstr(b *strings.Builder, inst ir.Instruction) {
	switch i := inst.(type) {
	case *ir.ConstantInstruction:
		if u, ok := i.Value.(uint64); ok {
			fmt.Fprintf(b, "    %s = const %s %d;\n", valRef(i.Result), printType(i.Result.Type), u)
		}
	case *ir.BinaryInstruction:
		fmt.Fprintf(b, "    %s = %s %s %s, %s;\n", valRef(i.Result), i.Op, printType(i.Result.Type), valRef(i.Left), valRef(i.Right))
	case *ir.ICmpInstruction:
		fmt.Fprintf(b, "    %s = icmp %s %s %s, %s;\n", valRef(i.Result), i.Pred, printType(i.Left.Type), valRef(i.Left), valRef(i.Right))
	case *ir.CallInstruction:
		args := make([]string, len(i.Args))
		for j, a := range i.Args {
			args[j] = valRef(a)
		}
		if i.Result != nil {
			fmt.Fprintf(b, "    %s = call @%s(%s);\n", valRef(i.Result), i.Callee.Name, strings.Join(args, ", "))
		} else {
			fmt.Fprintf(b, "    call @%s(%s);\n", i.Callee.Name, strings.Join(args, ", "))
		}
	default:
		fmt.Fprintf(b, "    // unrenderable instruction\n")
	}
}

func printTerm(b *strings.Builder, term ir.Terminator) {
	switch t := term.(type) {
	case *ir.ReturnTerminator:
		if t.Value == nil {
			b.WriteString("    ret void;\n")
		} else {
			fmt.Fprintf(b, "    ret %s %s;\n", printType(t.Value.Type), valRef(t.Value))
		}
	case *ir.JumpTerminator:
		fmt.Fprintf(b, "    jmp label %%%s;\n", t.Target.Label)
	case *ir.BranchTerminator:
		fmt.Fprintf(b, "    br %s, label %%%s, label %%%s;\n", valRef(t.Condition), t.TrueBlock.Label, t.FalseBlock.Label)
	default:
		b.WriteString("    // unrenderable terminator\n")
	}
}

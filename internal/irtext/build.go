// SPDX-License-Identifier: Apache-2.0

package irtext

import (
	"fmt"
	"strconv"

	"irobf/internal/ir"
)

// Build converts a parsed File into a real *ir.Module, wiring every
// instruction and terminator through ir.Builder the same way a hand-written
// pass would. It is a straight two-pass construction: first every global
// and function signature is registered (so forward calls and forward
// branches resolve), then each function definition's blocks and bodies are
// filled in.
func Build(f *File) (*ir.Module, error) {
	mod := ir.NewModule(f.Module.Name)

	for _, g := range f.Module.Globals {
		gv, err := buildGlobal(g)
		if err != nil {
			return nil, err
		}
		mod.AddGlobal(gv)
	}

	funcs := map[string]*ir.Function{}
	for _, d := range f.Module.Declares {
		fn, err := declFunction(d)
		if err != nil {
			return nil, err
		}
		funcs[d.Name] = fn
		mod.Functions = append(mod.Functions, fn)
	}
	for _, d := range f.Module.Funcs {
		fn, err := defSignature(d)
		if err != nil {
			return nil, err
		}
		funcs[d.Name] = fn
		mod.Functions = append(mod.Functions, fn)
	}

	for _, d := range f.Module.Funcs {
		if err := buildBody(funcs[d.Name], d, funcs); err != nil {
			return nil, fmt.Errorf("function %s: %w", d.Name, err)
		}
	}

	return mod, nil
}

func buildGlobal(g *GlobalDecl) (*ir.GlobalVariable, error) {
	value, err := unquote(g.Value)
	if err != nil {
		return nil, fmt.Errorf("global %s: %w", g.Name, err)
	}
	bytes := append([]byte(value), 0)
	return &ir.GlobalVariable{
		Name:        g.Name,
		Type:        &ir.ArrayType{Elem: ir.I8, Len: len(bytes)},
		Initializer: bytes,
		Linkage:     ir.LinkageInternal,
		IsConstant:  true,
	}, nil
}

func toType(t *TypeRef) (ir.Type, error) {
	if t.Ptr {
		elem, err := scalarType(t.Name)
		if err != nil {
			return nil, err
		}
		return &ir.PointerType{Elem: elem}, nil
	}
	if t.Name == "void" {
		return &ir.VoidType{}, nil
	}
	return scalarType(t.Name)
}

func scalarType(name string) (ir.Type, error) {
	switch name {
	case "i1":
		return ir.I1, nil
	case "i8":
		return ir.I8, nil
	case "i32":
		return ir.I32, nil
	case "i64":
		return ir.I64, nil
	default:
		return nil, fmt.Errorf("unknown type %q", name)
	}
}

func buildParams(params []*Param) ([]*ir.Parameter, error) {
	out := make([]*ir.Parameter, len(params))
	for i, p := range params {
		t, err := toType(p.Type)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", p.Name, err)
		}
		out[i] = &ir.Parameter{
			Name:  p.Name,
			Type:  t,
			Value: &ir.Value{ID: i + 1, Name: p.Name, Type: t},
		}
	}
	return out, nil
}

func declFunction(d *FuncDecl) (*ir.Function, error) {
	params, err := buildParams(d.Params)
	if err != nil {
		return nil, err
	}
	ret, err := toType(d.Ret)
	if err != nil {
		return nil, err
	}
	return ir.NewFunction(d.Name, params, ret), nil
}

func defSignature(d *FuncDef) (*ir.Function, error) {
	params, err := buildParams(d.Params)
	if err != nil {
		return nil, err
	}
	ret, err := toType(d.Ret)
	if err != nil {
		return nil, err
	}
	return ir.NewFunction(d.Name, params, ret), nil
}

// buildBody creates fn's blocks up front (so jumps and branches can target
// a block defined later in the file) and then fills in every instruction
// and terminator in a second sweep.
func buildBody(fn *ir.Function, d *FuncDef, funcs map[string]*ir.Function) error {
	blocks := make(map[string]*ir.BasicBlock, len(d.Blocks))
	for _, b := range d.Blocks {
		blocks[b.Label] = fn.NewBlock(b.Label)
	}

	values := map[string]*ir.Value{}
	for _, p := range fn.Params {
		values[p.Name] = p.Value
	}

	for _, b := range d.Blocks {
		block := blocks[b.Label]
		bd := ir.NewBuilder(fn, block)
		for _, inst := range b.Instrs {
			if err := buildInstr(bd, inst, values, funcs); err != nil {
				return fmt.Errorf("block %s: %w", b.Label, err)
			}
		}
		if err := buildTerm(block, b.Term, values, blocks); err != nil {
			return fmt.Errorf("block %s: %w", b.Label, err)
		}
	}
	return nil
}

func lookup(values map[string]*ir.Value, ref *ValueRef) (*ir.Value, error) {
	v, ok := values[ref.Name]
	if !ok {
		return nil, fmt.Errorf("undefined value %%%s", ref.Name)
	}
	return v, nil
}

func buildInstr(bd *ir.Builder, inst *Instr, values map[string]*ir.Value, funcs map[string]*ir.Function) error {
	switch {
	case inst.Const != nil:
		c := inst.Const
		t, err := toType(c.Type)
		if err != nil {
			return err
		}
		values[c.Result] = bd.ConstInt(t, uint64(c.Value))
	case inst.ICmp != nil:
		c := inst.ICmp
		l, err := lookup(values, c.Left)
		if err != nil {
			return err
		}
		r, err := lookup(values, c.Right)
		if err != nil {
			return err
		}
		values[c.Result] = bd.ICmp(ir.ICmpPred(c.Pred), l, r)
	case inst.Binary != nil:
		b := inst.Binary
		l, err := lookup(values, b.Left)
		if err != nil {
			return err
		}
		r, err := lookup(values, b.Right)
		if err != nil {
			return err
		}
		op := ir.BinOp(b.Op)
		switch op {
		case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpUDiv, ir.OpSDiv, ir.OpShl,
			ir.OpLShr, ir.OpAShr, ir.OpAnd, ir.OpOr, ir.OpXor:
		default:
			return fmt.Errorf("unknown binary operator %q", b.Op)
		}
		values[b.Result] = bd.BinOp(op, l, r)
	case inst.Call != nil:
		c := inst.Call
		callee, ok := funcs[c.Callee]
		if !ok {
			return fmt.Errorf("call to undeclared function @%s", c.Callee)
		}
		args := make([]*ir.Value, len(c.Args))
		for i, a := range c.Args {
			v, err := lookup(values, a)
			if err != nil {
				return err
			}
			args[i] = v
		}
		result := bd.Call(callee, args...)
		if c.Result != "" {
			values[c.Result] = result
		}
	default:
		return fmt.Errorf("empty instruction")
	}
	return nil
}

func buildTerm(block *ir.BasicBlock, t *Term, values map[string]*ir.Value, blocks map[string]*ir.BasicBlock) error {
	switch {
	case t.Ret != nil:
		var v *ir.Value
		if t.Ret.Value != nil {
			var err error
			v, err = lookup(values, t.Ret.Value)
			if err != nil {
				return err
			}
		}
		block.SetTerminator(&ir.ReturnTerminator{Block: block, Value: v})
	case t.Jmp != nil:
		target, ok := blocks[t.Jmp.Target]
		if !ok {
			return fmt.Errorf("jump to undefined block %%%s", t.Jmp.Target)
		}
		block.SetTerminator(&ir.JumpTerminator{Block: block, Target: target})
	case t.Br != nil:
		cond, err := lookup(values, t.Br.Cond)
		if err != nil {
			return err
		}
		trueB, ok := blocks[t.Br.True]
		if !ok {
			return fmt.Errorf("branch to undefined block %%%s", t.Br.True)
		}
		falseB, ok := blocks[t.Br.False]
		if !ok {
			return fmt.Errorf("branch to undefined block %%%s", t.Br.False)
		}
		block.SetTerminator(&ir.BranchTerminator{Block: block, Condition: cond, TrueBlock: trueB, FalseBlock: falseB})
	default:
		return fmt.Errorf("empty terminator")
	}
	return nil
}

func unquote(lit string) (string, error) {
	if len(lit) < 2 || lit[0] != '"' || lit[len(lit)-1] != '"' {
		return "", fmt.Errorf("malformed string literal %q", lit)
	}
	return strconv.Unquote(lit)
}

// SPDX-License-Identifier: Apache-2.0
package strcipher

import (
	"strconv"

	"irobf/internal/config"
	"irobf/internal/ir"
)

// Runtime helper declarations: this toy IR has no pointer-arithmetic/GEP
// instruction, so the actual byte-level RC4/rotating-XOR loops are not
// representable here any more than the anti-debug probes or RDTSC are —
// they are modeled as calls into declaration-only (body-less) functions
// supplied by the runtime support library, the same boundary spec.md §7's
// "platform-unsupported intrinsic" taxonomy draws around RDTSC/ptrace.
const rc4DecryptName = "__rc4_decrypt"
const rotXorDecryptName = "__rotxor_decrypt"

func bytePtr() ir.Type { return &ir.PointerType{Elem: ir.I8} }

func ensureDeclaration(m *ir.Module, name string, params []*ir.Parameter) *ir.Function {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn
		}
	}
	fn := ir.NewFunction(name, params, &ir.VoidType{})
	m.Functions = append(m.Functions, fn)
	return fn
}

func ensureRC4Decl(m *ir.Module) *ir.Function {
	return ensureDeclaration(m, rc4DecryptName, []*ir.Parameter{
		{Name: "data", Type: bytePtr()},
		{Name: "len", Type: ir.I32},
		{Name: "key", Type: bytePtr()},
		{Name: "keyLen", Type: ir.I32},
	})
}

func ensureRotXorDecl(m *ir.Module) *ir.Function {
	return ensureDeclaration(m, rotXorDecryptName, []*ir.Parameter{
		{Name: "data", Type: bytePtr()},
		{Name: "len", Type: ir.I32},
		{Name: "keys", Type: bytePtr()},
		{Name: "keysLen", Type: ir.I32},
		{Name: "baseKey", Type: ir.I32},
	})
}

// keyGlobal materializes rec's derived key (or, for RotatingXOR, its
// obfuscated key array) as a fresh constant module global so the decryptor
// body can take its address.
func keyGlobal(m *ir.Module, rec Record, label string) *ir.GlobalVariable {
	var bytes []byte
	switch rec.Cipher {
	case config.RC4withPBKDF2, config.RC4:
		bytes = rec.DerivedKey
	default:
		bytes = rec.Keys
	}
	g := &ir.GlobalVariable{
		Name:           label,
		Type:           &ir.ArrayType{Elem: ir.I8, Len: len(bytes)},
		Initializer:    append([]byte(nil), bytes...),
		IsConstant:     true,
		Linkage:        ir.LinkageInternal,
		NoStringCipher: true,
	}
	m.AddGlobal(g)
	return g
}

// emitDecryptCall appends the call that performs rec's in-place runtime
// decryption to bd's block.
func emitDecryptCall(m *ir.Module, bd *ir.Builder, rec Record, keyG *ir.GlobalVariable) {
	dataAddr := bd.GlobalAddr(rec.Global)
	keyAddr := bd.GlobalAddr(keyG)
	lenConst := bd.ConstInt(ir.I32, uint64(rec.Length))

	switch rec.Cipher {
	case config.RC4withPBKDF2, config.RC4:
		decl := ensureRC4Decl(m)
		keyLen := bd.ConstInt(ir.I32, uint64(len(rec.DerivedKey)))
		bd.Call(decl, dataAddr, lenConst, keyAddr, keyLen)
	default:
		decl := ensureRotXorDecl(m)
		keysLen := bd.ConstInt(ir.I32, uint64(len(rec.Keys)))
		baseKey := bd.ConstInt(ir.I32, uint64(rec.BaseKey))
		bd.Call(decl, dataAddr, lenConst, keyAddr, keysLen, baseKey)
	}
}

// SynthesizeStartupConstructors implements spec.md §4.11's "Startup
// constructor mode": one constructor per cipher family present among
// records, each decrypting every one of its records' globals in place at
// module init, registered in m.Constructors at low priority so it runs
// before user main.
func SynthesizeStartupConstructors(m *ir.Module, records []Record) {
	byFamily := map[config.StringCipher][]Record{}
	for _, rec := range records {
		byFamily[rec.Cipher] = append(byFamily[rec.Cipher], rec)
	}
	for family, recs := range byFamily {
		name := "__decrypt_startup_" + string(family)
		fn := ir.NewFunction(name, nil, &ir.VoidType{})
		b := fn.NewBlock("entry")
		bd := ir.NewBuilder(fn, b)
		for i, rec := range recs {
			kg := keyGlobal(m, rec, name+"_key"+strconv.Itoa(i))
			emitDecryptCall(m, bd, rec, kg)
		}
		b.SetTerminator(&ir.ReturnTerminator{Block: b})
		m.Functions = append(m.Functions, fn)
		m.Constructors = append(m.Constructors, &ir.ConstructorEntry{Fn: fn, Priority: -1000})
	}
}

// SynthesizeLazyStub builds rec's dedicated decryptor stub function and
// rewrites every IR operand across m that previously referenced rec.Global
// directly (via a GlobalAddrInstruction) into a call to the stub, consuming
// its return value instead (spec.md §4.11 "Lazy mode").
func SynthesizeLazyStub(m *ir.Module, rec Record, index int) *ir.Function {
	flag := &ir.GlobalVariable{
		Name:        "__str_decrypted_flag_" + strconv.Itoa(index),
		Type:        ir.I1,
		Initializer: uint64(0),
		Linkage:     ir.LinkageInternal,
	}
	m.AddGlobal(flag)
	kg := keyGlobal(m, rec, "__str_key_"+strconv.Itoa(index))

	retType := &ir.PointerType{Elem: rec.Global.Type}
	fn := ir.NewFunction("__decrypt_str_"+strconv.Itoa(index), nil, retType)

	entry := fn.NewBlock("entry")
	doDecrypt := fn.NewBlock("do_decrypt")
	done := fn.NewBlock("done")

	entryBd := ir.NewBuilder(fn, entry)
	flagAddr := entryBd.GlobalAddr(flag)
	flagVal := entryBd.Load(flagAddr)
	entry.SetTerminator(&ir.BranchTerminator{Block: entry, Condition: flagVal, TrueBlock: done, FalseBlock: doDecrypt})

	decBd := ir.NewBuilder(fn, doDecrypt)
	emitDecryptCall(m, decBd, rec, kg)
	decBd.Store(flagAddr, decBd.ConstInt(ir.I1, 1))
	doDecrypt.SetTerminator(&ir.JumpTerminator{Block: doDecrypt, Target: done})

	doneBd := ir.NewBuilder(fn, done)
	addr := doneBd.GlobalAddr(rec.Global)
	done.SetTerminator(&ir.ReturnTerminator{Block: done, Value: addr})

	m.Functions = append(m.Functions, fn)
	rewriteGlobalReferences(m, rec.Global, fn)
	return fn
}

// rewriteGlobalReferences finds every GlobalAddrInstruction in m referencing
// target and replaces it with a call to stub, consuming the call's return
// value in place of the direct address (spec.md §4.11's closing
// correctness property: every subsequent load sees the same plaintext
// regardless of which access happens first).
func rewriteGlobalReferences(m *ir.Module, target *ir.GlobalVariable, stub *ir.Function) {
	for _, fn := range m.Functions {
		if fn == stub || fn.IsDeclaration() {
			continue
		}
		for _, b := range fn.Blocks {
			originals := append([]ir.Instruction(nil), b.Instructions...)
			for _, inst := range originals {
				ga, ok := inst.(*ir.GlobalAddrInstruction)
				if !ok || ga.Global != target {
					continue
				}
				idx := indexOf(b.Instructions, inst)
				if idx < 0 {
					continue
				}
				bd := ir.NewBuilderAt(fn, b, idx)
				called := bd.Call(stub)
				ir.ReplaceAllUses(fn, ga.Result, called)
				removeInstruction(b, ga)
			}
		}
	}
}

func indexOf(list []ir.Instruction, target ir.Instruction) int {
	for i, inst := range list {
		if inst == target {
			return i
		}
	}
	return -1
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

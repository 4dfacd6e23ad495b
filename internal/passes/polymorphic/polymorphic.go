// SPDX-License-Identifier: Apache-2.0

// Package polymorphic implements C15: cloning each Critical function into
// polyVariants independently mutated bodies dispatched at runtime by a
// sampled-RDTSC switch (spec.md §4.15 "Polymorphic"), plus a per-block
// metamorphic reshaping pass applied to every function (§4.15
// "Metamorphic", in metamorphic.go).
package polymorphic

import (
	"strconv"

	"irobf/internal/ir"
	"irobf/internal/passes/bogus"
	"irobf/internal/passes/mba"
	"irobf/internal/rng"
)

// annotationVariantSource marks a function whose variants and dispatcher
// have already been generated, so a second cycle over the same module
// doesn't reclone an already-cloned function.
const annotationVariantSource = "polymorphic_variant_source"

// Result reports what GenerateVariants built, consumed by the report
// generator's per-technique counters.
type Result struct {
	Variants   []*ir.Function
	Dispatcher *ir.Function
}

// GenerateVariants clones fn polyVariants times (spec.md §4.15
// "Polymorphic"). Each clone is independently mutated with its own
// variant-keyed seed drawn from s, then a dispatcher taking over fn's
// externally visible name is synthesized and every existing call site
// (and indirect-call-table slot) pointing at fn is redirected to it.
// fn itself survives, renamed to <name>_impl with internal linkage; every
// dispatcher case calls one of the clones, never fn.
func GenerateVariants(m *ir.Module, fn *ir.Function, polyVariants, bogusPercent, mbaComplexity int, s *rng.Stream) *Result {
	if polyVariants <= 0 || fn.IsDeclaration() || fn.HasLandingPad() {
		return nil
	}
	if fn.Annotations[annotationVariantSource] {
		return nil
	}

	originalName := fn.Name
	variants := make([]*ir.Function, polyVariants)
	for i := 0; i < polyVariants; i++ {
		clone := fn.Clone(ir.VariantFuncName(originalName, i))
		variantSeed := s.Uint64()
		vs := rng.New(variantSeed)
		bogus.InjectBogusCode(clone, vs, bogusPercent)
		mba.Run(clone, vs, mbaComplexity)
		clone.Linkage = ir.LinkageInternal
		variants[i] = clone
		m.Functions = append(m.Functions, clone)
	}

	dispatcher := buildDispatcher(fn, originalName, variants)
	redirectCallSites(m, fn, dispatcher)

	fn.Name = originalName + "_impl"
	fn.Linkage = ir.LinkageInternal
	fn.Annotations[annotationVariantSource] = true

	m.Functions = append(m.Functions, dispatcher)
	return &Result{Variants: variants, Dispatcher: dispatcher}
}

// buildDispatcher synthesizes a function with fn's original signature that
// samples RDTSC, reduces it modulo len(variants) via udiv/mul/sub (this IR
// has no remainder operator), and switches to the corresponding variant,
// forwarding arguments and returning its result (spec.md §4.15 step 3).
func buildDispatcher(fn *ir.Function, originalName string, variants []*ir.Function) *ir.Function {
	params := make([]*ir.Parameter, len(fn.Params))
	args := make([]*ir.Value, len(fn.Params))
	for i, p := range fn.Params {
		v := &ir.Value{ID: i + 1, Name: p.Name, Type: p.Type}
		params[i] = &ir.Parameter{Name: p.Name, Type: p.Type, Value: v}
		args[i] = v
	}

	dispatcher := ir.NewFunction(ir.DispatchFuncName(originalName), params, fn.ReturnType)
	dispatcher.Linkage = fn.Linkage
	entry := dispatcher.NewBlock("entry")
	bd := ir.NewBuilder(dispatcher, entry)

	n := uint64(len(variants))
	raw := bd.Rdtsc()
	nConst := bd.ConstInt(ir.I64, n)
	quotient := bd.BinOp(ir.OpUDiv, raw, nConst)
	product := bd.BinOp(ir.OpMul, quotient, nConst)
	selector := bd.BinOp(ir.OpSub, raw, product)

	cases := make([]ir.SwitchCase, len(variants))
	for i, v := range variants {
		caseBlock := dispatcher.NewBlock("variant_case_" + strconv.Itoa(i))
		cbd := ir.NewBuilder(dispatcher, caseBlock)
		result := cbd.Call(v, args...)
		caseBlock.SetTerminator(&ir.ReturnTerminator{Block: caseBlock, Value: result})
		cases[i] = ir.SwitchCase{Value: int64(i), Target: caseBlock}
	}
	entry.SetTerminator(&ir.SwitchTerminator{Block: entry, Value: selector, Cases: cases, Default: cases[0].Target})
	return dispatcher
}

// redirectCallSites repoints every direct call and indirect-call-table slot
// in the module that targets original at dispatcher instead, so existing
// callers transparently go through the polymorphic front door (spec.md
// §4.15's Testable Property S2: "call sites to foo are rewritten to call
// foo_dispatch").
func redirectCallSites(m *ir.Module, original, dispatcher *ir.Function) int {
	count := 0
	for _, caller := range m.Functions {
		if caller == original {
			continue
		}
		for _, b := range caller.Blocks {
			for _, inst := range b.Instructions {
				if c, ok := inst.(*ir.CallInstruction); ok && c.Callee == original {
					c.Callee = dispatcher
					count++
				}
			}
		}
	}
	for _, g := range m.Globals {
		if ptr, ok := g.Initializer.(*ir.Function); ok && ptr == original {
			g.Initializer = dispatcher
			count++
		}
	}
	return count
}

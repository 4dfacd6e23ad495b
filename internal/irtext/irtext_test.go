// SPDX-License-Identifier: Apache-2.0

package irtext

import (
	"strings"
	"testing"

	"irobf/internal/ir"
)

const sampleSource = `
module billing {
  global @greeting: i8* = "hello";

  declare @puts(i8* %s) -> i32;

  func @add(i32 %a, i32 %b) -> i32 {
  entry:
    %vsum = add i32 %a, %b;
    %vcmp = icmp sgt i32 %vsum, %a;
    br %vcmp, label %positive, label %negative;
  positive:
    ret i32 %vsum;
  negative:
    %vzero = const i32 0;
    ret i32 %vzero;
  }
}
`

func mustParse(t *testing.T, src string) *File {
	t.Helper()
	f, err := ParseString("test.irt", src)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return f
}

func TestParseString_ParsesModuleShape(t *testing.T) {
	f := mustParse(t, sampleSource)
	if f.Module.Name != "billing" {
		t.Fatalf("expected module name billing, got %s", f.Module.Name)
	}
	if len(f.Module.Globals) != 1 || len(f.Module.Declares) != 1 || len(f.Module.Funcs) != 1 {
		t.Fatalf("unexpected top-level counts: %+v", f.Module)
	}
	if len(f.Module.Funcs[0].Blocks) != 3 {
		t.Fatalf("expected 3 blocks in @add, got %d", len(f.Module.Funcs[0].Blocks))
	}
}

func TestBuild_ProducesVerifiableModule(t *testing.T) {
	f := mustParse(t, sampleSource)
	m, err := Build(f)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if m.Name != "billing" {
		t.Fatalf("expected module name billing, got %s", m.Name)
	}

	addFn := m.FindFunction("add")
	if addFn == nil {
		t.Fatal("expected to find function add")
	}
	if addFn.IsDeclaration() {
		t.Fatal("add should be a definition, not a declaration")
	}
	if len(addFn.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(addFn.Blocks))
	}

	putsFn := m.FindFunction("puts")
	if putsFn == nil || !putsFn.IsDeclaration() {
		t.Fatal("expected puts to be a registered declaration")
	}

	if ok, failures := ir.VerifyFunction(addFn); !ok {
		t.Fatalf("expected verifiable function, got failures: %+v", failures)
	}
	if ok, failures := ir.VerifyModule(m); !ok {
		t.Fatalf("expected verifiable module, got failures: %+v", failures)
	}

	g := m.FindGlobal("greeting")
	if g == nil {
		t.Fatal("expected to find global greeting")
	}
	data, ok := g.Initializer.([]byte)
	if !ok || string(data) != "hello\x00" {
		t.Fatalf("unexpected global initializer: %#v", g.Initializer)
	}
}

func TestPrint_RoundTripsFunctionStructure(t *testing.T) {
	f := mustParse(t, sampleSource)
	m, err := Build(f)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	text := Print(m)
	if !strings.Contains(text, "module billing") {
		t.Fatalf("expected printed text to contain the module header, got:\n%s", text)
	}

	f2, err := ParseString("roundtrip.irt", text)
	if err != nil {
		t.Fatalf("unexpected re-parse error: %v\n%s", err, text)
	}
	m2, err := Build(f2)
	if err != nil {
		t.Fatalf("unexpected re-build error: %v\n%s", err, text)
	}

	addFn := m2.FindFunction("add")
	if addFn == nil || len(addFn.Blocks) != 3 {
		t.Fatalf("expected round-tripped @add to keep its 3 blocks, got %+v", addFn)
	}
	if ok, failures := ir.VerifyModule(m2); !ok {
		t.Fatalf("expected round-tripped module to verify, got failures: %+v", failures)
	}
}

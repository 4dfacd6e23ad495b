// SPDX-License-Identifier: Apache-2.0
package verify

import (
	"testing"

	"github.com/sirupsen/logrus"

	"irobf/internal/ir"
)

func wellFormedFunc() *ir.Function {
	fn := ir.NewFunction("ok", nil, &ir.VoidType{})
	entry := fn.NewBlock("entry")
	entry.SetTerminator(&ir.ReturnTerminator{Block: entry})
	return fn
}

func brokenFunc() *ir.Function {
	fn := ir.NewFunction("broken", nil, &ir.VoidType{})
	fn.NewBlock("entry")
	return fn
}

func TestFunction_WellFormedReportsOK(t *testing.T) {
	logger := logrus.New()
	res := Function(logger, "test-pass", wellFormedFunc())
	if !res.OK {
		t.Fatalf("expected OK, got failures: %v", res.Failures)
	}
	if res.Pass != "test-pass" {
		t.Fatalf("expected pass name preserved, got %q", res.Pass)
	}
}

func TestFunction_MissingTerminatorReportsFailure(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(discardWriter{})
	res := Function(logger, "test-pass", brokenFunc())
	if res.OK {
		t.Fatal("expected verification failure for a block with no terminator")
	}
	if len(res.Failures) == 0 {
		t.Fatal("expected at least one reported failure")
	}
}

func TestModule_AggregatesAcrossFunctions(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(discardWriter{})
	m := ir.NewModule("test")
	m.Functions = append(m.Functions, wellFormedFunc(), brokenFunc())
	res := Module(logger, "test-pass", m)
	if res.OK {
		t.Fatal("expected module verification to fail when one function is broken")
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

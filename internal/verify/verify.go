// SPDX-License-Identifier: Apache-2.0

// Package verify implements C1, the IR verifier shim: a pure wrapper around
// internal/ir's dominance/PHI/terminator checks that attaches the offending
// pass name and location to any failure and never mutates the module
// (spec.md §4.2).
package verify

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"irobf/internal/ir"
)

// Result is the outcome of one verification call: whether the IR is
// well-formed, and — on failure — the pass name that produced it plus the
// underlying failures reported by internal/ir.
type Result struct {
	OK       bool
	Pass     string
	Failures []ir.Failure
}

// Logger is the narrow logging surface this package needs, satisfied by
// *logrus.Logger / *logrus.Entry without pulling logrus's full API into the
// exported contract.
type Logger interface {
	WithFields(fields logrus.Fields) *logrus.Entry
}

// Function verifies a single function after passName ran over it. It never
// panics and never mutates fn; on failure it logs each Failure at Warn
// level, tagged with the pass name, per spec.md §7's "transform-local
// invariant violation: log and continue" policy.
func Function(log Logger, passName string, fn *ir.Function) Result {
	ok, failures := ir.VerifyFunction(fn)
	res := Result{OK: ok, Pass: passName, Failures: failures}
	if !ok {
		for _, f := range failures {
			log.WithFields(logrus.Fields{
				"pass":     passName,
				"function": f.Function,
				"block":    f.Block,
			}).Warn(errors.Wrap(fmt.Errorf(f.Message), "verifier").Error())
		}
	}
	return res
}

// Module verifies an entire module after passName ran over it (used for the
// module-scoped passes: string encryption, indirect calls, anti-debug,
// polymorphic dispatch synthesis, and the report generator's final check).
func Module(log Logger, passName string, m *ir.Module) Result {
	ok, failures := ir.VerifyModule(m)
	res := Result{OK: ok, Pass: passName, Failures: failures}
	if !ok {
		for _, f := range failures {
			log.WithFields(logrus.Fields{
				"pass":     passName,
				"function": f.Function,
				"block":    f.Block,
			}).Warn(errors.Wrap(fmt.Errorf(f.Message), "verifier").Error())
		}
	}
	return res
}

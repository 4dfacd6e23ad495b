// SPDX-License-Identifier: Apache-2.0

// Package irtext is a toy textual front end for internal/ir: a small
// participle grammar that reads the engine's demo ".irt" module format and
// builds a real *ir.Module from it, plus a printer that renders one back
// out. A real deployment gets its modules from the host compiler's own IR
// (spec.md §6 names that boundary as an external collaborator); this
// package exists so the demo CLI and the tests have something to read and
// write without depending on an actual C/C++ toolchain.
package irtext

import (
	"github.com/alecthomas/participle/v2/lexer"
)

var irLexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		{"Comment", `//[^\n]*`, nil},
		{"String", `"(\\.|[^"\\])*"`, nil},
		{"Ident", `[a-zA-Z_][a-zA-Z0-9_.]*`, nil},
		{"Integer", `-?[0-9]+`, nil},
		{"At", `@`, nil},
		{"Percent", `%`, nil},
		{"Arrow", `->`, nil},
		{"Punctuation", `[{}()\[\]:,;=*]`, nil},
		{"Whitespace", `[ \t\r\n]+`, nil},
	},
})

// SPDX-License-Identifier: Apache-2.0

package irtext

import (
	"fmt"

	"github.com/alecthomas/participle/v2"
)

var textParser = buildParser()

func buildParser() *participle.Parser[File] {
	p, err := participle.Build[File](
		participle.Lexer(irLexer),
		participle.Elide("Whitespace", "Comment"),
		participle.UseLookahead(3),
	)
	if err != nil {
		panic(fmt.Errorf("irtext: failed to build parser: %w", err))
	}
	return p
}

// ParseString parses one ".irt" module from source, named sourceName for
// error messages.
func ParseString(sourceName, source string) (*File, error) {
	return textParser.ParseString(sourceName, source)
}

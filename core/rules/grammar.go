// Package rules evaluates per-operation access rules such as
//
//	@request.auth.id != "" && (owner = @request.auth.id || @request.auth.role = "admin")
//
// Rules are parsed into a small AST over a closed operator set and walked
// against an AccessContext. Nothing is ever evaluated as host code.
package rules

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var ruleLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "String", Pattern: `'(?:\\.|[^'])*'|"(?:\\.|[^"])*"`},
	{Name: "Number", Pattern: `-?\d+(?:\.\d+)?`},
	{Name: "Ref", Pattern: `@[A-Za-z_][A-Za-z0-9_.]*`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_.]*`},
	{Name: "Operator", Pattern: `&&|\|\||!=|>=|<=|!~|\?=|[=<>~!()]`},
})

type orExpr struct {
	And []*andExpr `parser:"@@ ( '||' @@ )*"`
}

type andExpr struct {
	Terms []*unaryExpr `parser:"@@ ( '&&' @@ )*"`
}

type unaryExpr struct {
	Not     *unaryExpr   `parser:"  '!' @@"`
	Primary *primaryExpr `parser:"| @@"`
}

type primaryExpr struct {
	Group      *orExpr     `parser:"  '(' @@ ')'"`
	Comparison *comparison `parser:"| @@"`
}

// comparison without an operator tests the truthiness of Left.
type comparison struct {
	Left  *operand `parser:"@@"`
	Op    string   `parser:"( @( '=' | '!=' | '>=' | '<=' | '>' | '<' | '~' | '!~' | '?=' )"`
	Right *operand `parser:"  @@ )?"`
}

type operand struct {
	String *string  `parser:"  @String"`
	Number *float64 `parser:"| @Number"`
	True   bool     `parser:"| @'true'"`
	False  bool     `parser:"| @'false'"`
	Null   bool     `parser:"| @( 'null' | 'none' )"`
	Ref    *string  `parser:"| @Ref"`
	Field  *string  `parser:"| @Ident"`
}

var ruleParser = participle.MustBuild[orExpr](
	participle.Lexer(ruleLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
)

package token

type Type int

const (
	EOF Type = iota
	Newline
	Ident
	Number
	String
	Dollar
	LParen
	RParen
	Comma
	Colon
	ColonColon
	Directive
	Eq
	Plus
	Minus
	Star
	Slash
	Rem
	And
	Or
	Xor
	Shl
	Shr
	EqEq
	Neq
	Lt
	Gt
	Gte
	Lte
	AndAnd
	OrOr
	Not
	Complement
)

var typeNames = map[Type]string{
	EOF: "end of file", Newline: "end of line", Ident: "identifier", Number: "number",
	String: "string", Dollar: "'$'", LParen: "'('", RParen: "')'", Comma: "','",
	Colon: "':'", ColonColon: "'::'", Directive: "directive", Eq: "'='",
	Plus: "'+'", Minus: "'-'", Star: "'*'", Slash: "'/'", Rem: "'%'",
	And: "'&'", Or: "'|'", Xor: "'^'", Shl: "'<<'", Shr: "'>>'",
	EqEq: "'=='", Neq: "'!='", Lt: "'<'", Gt: "'>'", Gte: "'>='", Lte: "'<='",
	AndAnd: "'&&'", OrOr: "'||'", Not: "'!'", Complement: "'~'",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown token"
}

type Token struct {
	Type      Type
	Value     string
	FileIndex int
	Line      int
	Column    int
	Len       int
}

// Pos returns the source position of the token.
func (t Token) Pos() Pos { return Pos{FileIndex: t.FileIndex, Line: t.Line, Column: t.Column, Len: t.Len} }

// Pos is a source location carried by statements and diagnostics
type Pos struct {
	FileIndex int
	Line      int
	Column    int
	Len       int
}

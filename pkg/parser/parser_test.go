package parser

import (
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/lexer"
	"github.com/xplshn/basm/pkg/token"
)

func tokens(src string, diags *diag.List) []token.Token {
	return lexer.NewLexer([]rune(src), 0, config.NewConfig(), diags).Tokenize()
}

// show prints an expression in prefix form
func show(n *ast.Node) string {
	switch n.Type {
	case ast.Number:
		return fmt.Sprint(n.Data.(ast.NumberNode).Value)
	case ast.String:
		return fmt.Sprintf("%q", n.Data.(ast.StringNode).Value)
	case ast.Ident:
		return n.Data.(ast.IdentNode).Name.String()
	case ast.CurrentAddr:
		return "$"
	case ast.UnaryOp:
		u := n.Data.(ast.UnaryOpNode)
		return fmt.Sprintf("(%s %s)", strings.Trim(u.Op.String(), "'"), show(u.Expr))
	case ast.BinaryOp:
		b := n.Data.(ast.BinaryOpNode)
		return fmt.Sprintf("(%s %s %s)", strings.Trim(b.Op.String(), "'"), show(b.Left), show(b.Right))
	case ast.FuncCall:
		f := n.Data.(ast.FuncCallNode)
		args := make([]string, len(f.Args))
		for i, a := range f.Args {
			args[i] = show(a)
		}
		return f.Name + "(" + strings.Join(args, " ") + ")"
	}
	return "?"
}

func TestParseExpr(t *testing.T) {
	tests := map[string]string{
		"1+2*3":               "(+ 1 (* 2 3))",
		"(1+2)*3":             "(* (+ 1 2) 3)",
		"a<<1|b":              "(| (<< a 1) b)",
		"-x+ +y":              "(+ (- x) y)",
		"::Main.loop - $":     "(- ::Main.loop $)",
		"hi(label)+lo(#1234)": "(+ hi(label) lo(4660))",
		"a == 1 && !b":        "(&& (== a 1) (! b))",
		"10-4-3":              "(- (- 10 4) 3)",
	}
	for src, want := range tests {
		var diags diag.List
		expr := ParseExpr(tokens(src, &diags), &diags)
		require.Zero(t, diags.Len(), "%s: %v", src, diags.Items())
		require.Equal(t, want, show(expr), src)
	}

	var diags diag.List
	require.Nil(t, ParseExpr(tokens("1 2", &diags), &diags))
	require.Equal(t, 1, diags.Len())
}

type line struct {
	Label string
	Kind  ast.StmtKind
	Name  string
	Ops   []string
	Args  []string
}

func summarize(stmts []*ast.Stmt) []line {
	var out []line
	for _, s := range stmts {
		l := line{Label: s.Label, Kind: s.Kind, Name: s.Name}
		for _, op := range s.Operands {
			switch {
			case op.Kind == ast.OpReg:
				l.Ops = append(l.Ops, "reg:"+op.Reg)
			case op.Kind == ast.OpIndirect && op.Reg != "":
				l.Ops = append(l.Ops, "("+op.Reg+")")
			case op.Kind == ast.OpIndirect:
				l.Ops = append(l.Ops, "["+show(op.Expr)+"]")
			default:
				l.Ops = append(l.Ops, show(op.Expr))
			}
		}
		for _, a := range s.Args {
			l.Args = append(l.Args, show(a))
		}
		out = append(out, l)
	}
	return out
}

func parse(t *testing.T, src string) ([]*ast.Stmt, *diag.List) {
	t.Helper()
	var diags diag.List
	p := NewParser(tokens(src, &diags), &diags)
	p.IsMnemonic = func(s string) bool { return s == "nop" }
	return p.Parse(), &diags
}

func TestParseStatements(t *testing.T) {
	stmts, diags := parse(t, `start: ld a,(hl)
 ld (buf+1),a
 jp nz,start
count = 3
table .db 1,"ab",count*2
nop
 ex af,af'
 out (#7F),a
 ld a,(1+2)*3
alone:

`)
	require.Zero(t, diags.Len(), "%v", diags.Items())
	want := []line{
		{Label: "start", Kind: ast.Instruction, Name: "ld", Ops: []string{"reg:a", "(hl)"}},
		{Kind: ast.Instruction, Name: "ld", Ops: []string{"[(+ buf 1)]", "reg:a"}},
		{Kind: ast.Instruction, Name: "jp", Ops: []string{"reg:nz", "start"}},
		{Label: "count", Kind: ast.Directive, Name: "set", Args: []string{"3"}},
		{Label: "table", Kind: ast.Directive, Name: "db", Args: []string{"1", `"ab"`, "(* count 2)"}},
		{Kind: ast.Instruction, Name: "nop"},
		{Kind: ast.Instruction, Name: "ex", Ops: []string{"reg:af", "reg:af'"}},
		{Kind: ast.Instruction, Name: "out", Ops: []string{"[127]", "reg:a"}},
		{Kind: ast.Instruction, Name: "ld", Ops: []string{"reg:a", "(* (+ 1 2) 3)"}},
		{Label: "alone", Kind: ast.Empty},
	}
	if diff := cmp.Diff(want, summarize(stmts)); diff != "" {
		t.Errorf("statements mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, token.Pos{Line: 4, Column: 7, Len: 1}, stmts[3].Pos)
	require.Equal(t, token.Pos{Line: 5, Column: 1, Len: 5}, stmts[4].LabelPos)
}

func TestParseRecovers(t *testing.T) {
	stmts, diags := parse(t, " ld a,(hl\n .db 1,\n ld a b\n nop\n")
	require.Equal(t, 3, diags.Len())
	for _, d := range diags.Items() {
		require.Equal(t, diag.CodeSyntax, d.Code)
	}
	require.Equal(t, []line{{Kind: ast.Instruction, Name: "nop"}}, summarize(stmts))
	require.Equal(t, 4, stmts[0].Pos.Line)
}

type memFS map[string]string

func (m memFS) read(path string) ([]byte, error) {
	if s, ok := m[path]; ok {
		return []byte(s), nil
	}
	return nil, fs.ErrNotExist
}

func newLoader(files memFS, dirs ...string) (*Loader, *diag.List) {
	var diags diag.List
	l := NewLoader(config.NewConfig(), &diags)
	l.IncludeDirs = dirs
	l.ReadFile = files.read
	return l, &diags
}

func TestLoaderIncludes(t *testing.T) {
	l, diags := newLoader(memFS{
		"main.asm":       " .org 0\nlib: .include \"lib/defs.inc\"\n halt\n",
		"lib/defs.inc":   " .include \"more.inc\"\n .include \"common.inc\"\n",
		"lib/more.inc":   "MORE = 1\n",
		"inc/common.inc": "COMMON = 2\n",
	}, "inc")
	prog := l.LoadFile("main.asm")
	require.Zero(t, diags.Len(), "%v", diags.Items())
	require.Equal(t, []string{"main.asm", "lib/defs.inc", "lib/more.inc", "inc/common.inc"}, prog.Files)
	require.Len(t, l.Files, 4)

	want := []line{
		{Kind: ast.Directive, Name: "org", Args: []string{"0"}},
		{Label: "lib", Kind: ast.Empty},
		{Label: "MORE", Kind: ast.Directive, Name: "set", Args: []string{"1"}},
		{Label: "COMMON", Kind: ast.Directive, Name: "set", Args: []string{"2"}},
		{Kind: ast.Instruction, Name: "halt"},
	}
	if diff := cmp.Diff(want, summarize(prog.Stmts)); diff != "" {
		t.Errorf("statements mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 3, prog.Stmts[3].Pos.FileIndex)
}

func TestLoaderErrors(t *testing.T) {
	l, diags := newLoader(memFS{})
	l.LoadFile("missing.asm")
	require.Equal(t, diag.CodeIO, diags.Items()[0].Code)

	l, diags = newLoader(memFS{"a.asm": " .include \"nowhere.inc\"\n .include 5\n"})
	l.LoadFile("a.asm")
	require.Equal(t, 2, diags.Len())
	require.Equal(t, diag.CodeIO, diags.Items()[0].Code)
	require.Equal(t, diag.CodeBadArgument, diags.Items()[1].Code)

	l, diags = newLoader(memFS{"loop.asm": " .include \"loop.asm\"\n"})
	l.LoadFile("loop.asm")
	require.Equal(t, 1, diags.Len())
	require.Equal(t, diag.CodeContext, diags.Items()[0].Code)
}

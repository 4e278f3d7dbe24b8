package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/lexer"
	"github.com/xplshn/basm/pkg/parser"
	"github.com/xplshn/basm/pkg/token"
)

type mapEnv struct {
	values map[string]uint16
	addr   uint16
}

func (e mapEnv) Lookup(name ast.Name, _ token.Token) (uint16, bool, error) {
	if name.String() == "hidden" {
		return 0, false, errors.New("not visible")
	}
	v, ok := e.values[name.String()]
	return v, ok, nil
}

func (e mapEnv) CurrentAddress() uint16 { return e.addr }

func parse(t *testing.T, src string) *ast.Node {
	t.Helper()
	var diags diag.List
	toks := lexer.NewLexer([]rune(src), 0, config.NewConfig(), &diags).Tokenize()
	n := parser.ParseExpr(toks, &diags)
	require.Empty(t, diags.Items())
	require.NotNil(t, n)
	return n
}

func TestEvalConcrete(t *testing.T) {
	env := mapEnv{values: map[string]uint16{"start": 0x6000, "mod.len": 3}, addr: 0x8000}
	tests := []struct {
		src  string
		want uint16
	}{
		{"1+2*3", 7},
		{"(1+2)*3", 9},
		{"#FF + 1", 0x100},
		{"$10", 0x10},
		{"%1010", 10},
		{"0x1234 >> 8", 0x12},
		{"'A'", 65},
		{"$", 0x8000},
		{"$ + 2", 0x8002},
		{"start + mod.len", 0x6003},
		{"0 - 1", 0xFFFF},
		{"#FFFF + 2", 1},
		{"-1", 0xFFFF},
		{"~0", 0xFFFF},
		{"!0", 1},
		{"3 == 3 && 2 < 1", 0},
		{"3 == 3 || 2 < 1", 1},
		{"7 % 4", 3},
		{"1 << 3 | 1", 9},
		{"hi(#1234)", 0x12},
		{"lo(#1234)", 0x34},
		{"min(3, 9) + max(3, 9)", 12},
		{"abs(-5)", 5},
		{"sqrt(81)", 9},
		{"sin(90)", 256},
		{"cos(180)", 0xFF00},
		{"strlen(\"hello\")", 5},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			r, err := Eval(parse(t, tt.src), env)
			require.NoError(t, err)
			require.True(t, r.Concrete())
			require.Equal(t, tt.want, r.Value)
		})
	}
}

func TestEvalDeferred(t *testing.T) {
	env := mapEnv{values: map[string]uint16{"known": 1}}
	r, err := Eval(parse(t, "later + known * other - later"), env)
	require.NoError(t, err)
	require.False(t, r.Concrete())
	require.Equal(t, []string{"later", "other"}, r.Deferred)

	r, err = Eval(parse(t, "hi(later)"), env)
	require.NoError(t, err)
	require.Equal(t, []string{"later"}, r.Deferred)
}

func TestEvalDivisionByZeroOnlyWhenConcrete(t *testing.T) {
	env := mapEnv{values: map[string]uint16{}}
	_, err := Eval(parse(t, "4 / 0"), env)
	require.ErrorIs(t, err, ErrDivZero)
	_, err = Eval(parse(t, "4 % (2-2)"), env)
	require.ErrorIs(t, err, ErrDivZero)

	r, err := Eval(parse(t, "4 / later"), env)
	require.NoError(t, err)
	require.False(t, r.Concrete())
}

func TestEvalErrors(t *testing.T) {
	env := mapEnv{values: map[string]uint16{}}
	for _, src := range []string{"min(1)", "strlen(3)", "\"ab\" + 1"} {
		_, err := Eval(parse(t, src), env)
		require.Error(t, err, src)
	}
	_, err := Eval(parse(t, "hidden + 1"), env)
	require.EqualError(t, err, "not visible")
}

func TestRangeHelpers(t *testing.T) {
	require.True(t, FitsByte(0xFF))
	require.True(t, FitsByte(0xFF80))
	require.False(t, FitsByte(0x100))
	require.False(t, FitsByte(0xFF7F))
	require.Equal(t, -2, Signed(0xFFFE))
	require.True(t, FitsRel(-128))
	require.False(t, FitsRel(128))
}

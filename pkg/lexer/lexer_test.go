package lexer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/token"
)

type tok struct {
	Type  token.Type
	Value string
}

func lex(t *testing.T, cfg *config.Config, src string) ([]tok, *diag.List) {
	t.Helper()
	if cfg == nil {
		cfg = config.NewConfig()
	}
	var diags diag.List
	var out []tok
	for _, tk := range NewLexer([]rune(src), 0, cfg, &diags).Tokenize() {
		out = append(out, tok{tk.Type, tk.Value})
	}
	return out, &diags
}

func TestTokens(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []tok
	}{
		{"instruction", " ld a,#FF ; load\n", []tok{
			{token.Ident, "ld"}, {token.Ident, "a"}, {token.Comma, ""}, {token.Number, "255"},
			{token.Newline, ""}, {token.EOF, ""},
		}},
		{"number forms", "&10 0x1F 1Fh 101b 0b11 42", []tok{
			{token.Number, "16"}, {token.Number, "31"}, {token.Number, "31"}, {token.Number, "5"},
			{token.Number, "3"}, {token.Number, "42"}, {token.EOF, ""},
		}},
		{"dollar", "$FF+$", []tok{
			{token.Number, "255"}, {token.Plus, ""}, {token.Dollar, ""}, {token.EOF, ""},
		}},
		{"percent", "%0101 % 3", []tok{
			{token.Number, "5"}, {token.Rem, ""}, {token.Number, "3"}, {token.EOF, ""},
		}},
		{"char and string", `'A' "hi\n" 'ok'`, []tok{
			{token.Number, "65"}, {token.String, "hi\n"}, {token.String, "ok"}, {token.EOF, ""},
		}},
		{"shadow pair", "ex af,af'", []tok{
			{token.Ident, "ex"}, {token.Ident, "af"}, {token.Comma, ""}, {token.Ident, "af'"}, {token.EOF, ""},
		}},
		{"directive and global", ".DB ::Main.loop", []tok{
			{token.Directive, "db"}, {token.ColonColon, ""}, {token.Ident, "Main.loop"}, {token.EOF, ""},
		}},
		{"operators", "a<<2>=b&&c!=~d", []tok{
			{token.Ident, "a"}, {token.Shl, ""}, {token.Number, "2"}, {token.Gte, ""}, {token.Ident, "b"},
			{token.AndAnd, ""}, {token.Ident, "c"}, {token.Neq, ""}, {token.Complement, ""}, {token.Ident, "d"},
			{token.EOF, ""},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, diags := lex(t, nil, tc.src)
			require.Zero(t, diags.Len(), "%v", diags.Items())
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("tokens mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDollarHexFeature(t *testing.T) {
	cfg := config.NewConfig()
	cfg.SetFeature(config.FeatDollarHex, false)
	got, _ := lex(t, cfg, "$FF")
	require.Equal(t, []tok{{token.Dollar, ""}, {token.Ident, "FF"}, {token.EOF, ""}}, got)
}

func TestPositions(t *testing.T) {
	var diags diag.List
	toks := NewLexer([]rune("loop:\n  djnz loop"), 2, config.NewConfig(), &diags).Tokenize()
	require.Equal(t, token.Pos{FileIndex: 2, Line: 2, Column: 3, Len: 4}, toks[3].Pos())
	require.Equal(t, token.Pos{FileIndex: 2, Line: 2, Column: 8, Len: 4}, toks[4].Pos())
}

func TestLexErrors(t *testing.T) {
	tests := []struct {
		src  string
		code diag.Code
	}{
		{"#10000", diag.CodeRange},
		{"0x", diag.CodeSyntax},
		{`"abc`, diag.CodeUnterminated},
		{`"\q"`, diag.CodeSyntax},
		{"ld a,`", diag.CodeSyntax},
	}
	for _, tc := range tests {
		_, diags := lex(t, nil, tc.src)
		require.Equal(t, 1, diags.Len(), tc.src)
		require.Equal(t, tc.code, diags.Items()[0].Code, tc.src)
	}
}

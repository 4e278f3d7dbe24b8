package diag

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xplshn/basm/pkg/token"
)

func TestList(t *testing.T) {
	var l List
	require.False(t, l.HasErrors())
	l.Warnf(WarnTruncate, token.Pos{Line: 1, Column: 5}, "value %d truncated", -3)
	require.False(t, l.HasErrors())
	l.Errorf(CodeUnknown, token.Pos{Line: 2, Column: 1}, "unknown symbol '%s'", "foo")

	require.Equal(t, 2, l.Len())
	require.Equal(t, 1, l.ErrorCount())
	require.True(t, l.HasErrors())
	require.Equal(t, Warning, l.Items()[0].Severity)
	require.Equal(t, "2:1: unknown symbol 'foo' [E202]", l.Items()[1].Error())
}

func TestRender(t *testing.T) {
	files := []SourceFile{{Name: "main.asm", Content: []rune(" .org 0\n ld a,undefined\r\n halt\n")}}
	var buf bytes.Buffer
	r := NewPlainRenderer(&buf, files)
	r.RenderAll([]Diagnostic{
		{Code: CodeUnknown, Severity: Error, Pos: token.Pos{Line: 2, Column: 7, Len: 9}, Msg: "unknown symbol 'undefined'"},
		{Code: WarnExtra, Severity: Warning, Pos: token.Pos{FileIndex: -1}, Msg: "no code emitted"},
	})
	require.Equal(t, "main.asm:2:7: error: unknown symbol 'undefined' [E202]\n"+
		"   ld a,undefined\n"+
		"        ^~~~~~~~~\n"+
		"<input>:0:0: warning: no code emitted [W104]\n", buf.String())
}

func TestRenderColor(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainRenderer(&buf, nil)
	r.Color = true
	r.Render(Diagnostic{Code: CodeSyntax, Msg: "bad", Pos: token.Pos{FileIndex: -1}})
	require.Equal(t, "<input>:0:0: \033[31merror:\033[0m bad [E101]\n", buf.String())
}

package ast

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xplshn/basm/pkg/token"
)

func TestParseName(t *testing.T) {
	n := ParseName("::gfx.plot.loop")
	require.True(t, n.Global)
	require.Equal(t, []string{"gfx", "plot", "loop"}, n.Parts)
	require.Equal(t, "::gfx.plot.loop", n.String())
	require.False(t, n.IsTemp())

	require.True(t, ParseName("@@next").IsTemp())
	require.False(t, ParseName("@local").IsTemp())
	require.False(t, ParseName("a.@@b").IsTemp())
}

func TestNodeAccessors(t *testing.T) {
	tok := token.Token{Type: token.Ident, Value: "x"}
	name, ok := IdentName(NewIdent(tok, ParseName("x")))
	require.True(t, ok)
	require.Equal(t, "x", name.String())

	_, ok = IdentName(NewNumber(tok, 1))
	require.False(t, ok)
	_, ok = IdentName(nil)
	require.False(t, ok)

	s, ok := StringValue(NewString(tok, "file.bin"))
	require.True(t, ok)
	require.Equal(t, "file.bin", s)
	_, ok = StringValue(NewCurrentAddr(tok))
	require.False(t, ok)
}

package scope

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/structs"
	"github.com/xplshn/basm/pkg/token"
)

var nopos token.Pos

func name(s string) ast.Name { return ast.ParseName(s) }

// openModule defines a module symbol and enters its scope
func openModule(t *testing.T, tr *Tree, n string) *Scope {
	t.Helper()
	sym, err := tr.Define(n, ModuleName, 0, nopos)
	require.NoError(t, err)
	sym.Inner = tr.Enter(Module, n, strings.HasPrefix(n, "@"))
	return sym.Inner
}

func TestResolveWalksUpward(t *testing.T) {
	tr := NewTree(nil)
	_, err := tr.Define("top", Label, 0x100, nopos)
	require.NoError(t, err)
	m := openModule(t, tr, "m")
	inner := tr.Enter(Loop, "", true)

	sym, err := tr.Resolve(name("top"), inner)
	require.NoError(t, err)
	require.Equal(t, uint16(0x100), sym.Value)

	require.NoError(t, tr.Exit())
	require.Same(t, m, tr.Current)
}

func TestQualifiedAndGlobalLookup(t *testing.T) {
	tr := NewTree(nil)
	openModule(t, tr, "gfx")
	_, err := tr.Define("x", Label, 1, nopos)
	require.NoError(t, err)
	openModule(t, tr, "sub")
	_, err = tr.Define("x", Label, 2, nopos)
	require.NoError(t, err)
	from := tr.Current

	sym, err := tr.Resolve(name("x"), from)
	require.NoError(t, err)
	require.Equal(t, uint16(2), sym.Value)

	sym, err = tr.Resolve(name("gfx.x"), from)
	require.NoError(t, err)
	require.Equal(t, uint16(1), sym.Value)

	sym, err = tr.Resolve(name("::gfx.sub.x"), tr.Root)
	require.NoError(t, err)
	require.Equal(t, uint16(2), sym.Value)

	_, err = tr.Resolve(name("gfx.missing"), tr.Root)
	require.ErrorIs(t, err, ErrUnknown)
	_, err = tr.Resolve(name("gfx.x.y"), tr.Root)
	require.ErrorIs(t, err, ErrNotScope)
}

func TestLocalScopeIsHiddenFromOutside(t *testing.T) {
	tr := NewTree(nil)
	a := openModule(t, tr, "a")
	sym, err := tr.Define("@hidden", Label, 0, nopos)
	require.NoError(t, err)
	sym.Inner = tr.Enter(Proc, "@hidden", true)
	_, err = tr.Define("x", Label, 7, nopos)
	require.NoError(t, err)
	require.NoError(t, tr.Exit())
	require.NoError(t, tr.Exit())

	_, err = tr.Resolve(name("a.@hidden.x"), tr.Root)
	require.ErrorIs(t, err, ErrNotVisible)

	got, err := tr.Resolve(name("@hidden.x"), a)
	require.NoError(t, err)
	require.Equal(t, uint16(7), got.Value)
}

func TestSiblingTemporaryLabelsAreIndependent(t *testing.T) {
	tr := NewTree(nil)
	m1 := openModule(t, tr, "m1")
	_, err := tr.DefineTemp("@@loop", 0x10, nopos)
	require.NoError(t, err)
	require.NoError(t, tr.Exit())
	m2 := openModule(t, tr, "m2")
	_, err = tr.DefineTemp("@@loop", 0x20, nopos)
	require.NoError(t, err)
	require.NoError(t, tr.Exit())

	s1, err := tr.Resolve(name("@@loop"), m1)
	require.NoError(t, err)
	s2, err := tr.Resolve(name("@@loop"), m2)
	require.NoError(t, err)
	require.Equal(t, uint16(0x10), s1.Value)
	require.Equal(t, uint16(0x20), s2.Value)

	_, err = tr.Resolve(name("@@loop"), tr.Root)
	require.ErrorIs(t, err, ErrUnknown)
}

func TestDefineRules(t *testing.T) {
	tr := NewTree(strings.ToUpper)
	_, err := tr.Define("Start", Label, 1, nopos)
	require.NoError(t, err)
	_, err = tr.Define("START", Label, 2, nopos)
	require.ErrorIs(t, err, ErrDuplicate)
	_, err = tr.Define("start", Variable, 2, nopos)
	require.ErrorIs(t, err, ErrDuplicate)

	_, err = tr.Define("count", Variable, 1, nopos)
	require.NoError(t, err)
	v, err := tr.Define("COUNT", Variable, 5, nopos)
	require.NoError(t, err)
	require.Equal(t, uint16(5), v.Value)

	_, err = tr.DefineTemp("@@x", 0, nopos)
	require.NoError(t, err)
	_, err = tr.DefineTemp("@@X", 0, nopos)
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestStructFieldsResolveAsMembers(t *testing.T) {
	c := structs.NewCompiler(nil)
	require.NoError(t, c.Begin("S", nopos))
	require.NoError(t, c.AddField("a", 2, nopos))
	require.NoError(t, c.AddField("b", 1, nopos))
	def, err := c.End()
	require.NoError(t, err)

	tr := NewTree(nil)
	sym, err := tr.Define("S", Struct, uint16(def.Size), nopos)
	require.NoError(t, err)
	sym.Struct = def

	f, err := tr.Resolve(name("S.b"), tr.Root)
	require.NoError(t, err)
	require.Equal(t, Field, f.Kind)
	require.Equal(t, uint16(2), f.Value)

	s, err := tr.Resolve(name("S"), tr.Root)
	require.NoError(t, err)
	require.Equal(t, uint16(3), s.Value)
}

func TestReferenceTracking(t *testing.T) {
	tr := NewTree(nil)
	require.False(t, tr.WasReferenced(name("later"), tr.Root))
	tr.NoteReference(name("later"), nil)
	require.True(t, tr.WasReferenced(name("later"), tr.Root))

	sym, err := tr.Define("now", Label, 0, nopos)
	require.NoError(t, err)
	require.False(t, tr.WasReferenced(name("now"), tr.Root))
	tr.NoteReference(name("now"), sym)
	require.True(t, sym.Referenced)
	require.True(t, tr.WasReferenced(name("now"), tr.Root))
}

func TestSnapshotQualifiesNames(t *testing.T) {
	tr := NewTree(nil)
	_, _ = tr.Define("top", Label, 1, nopos)
	openModule(t, tr, "m")
	_, _ = tr.Define("x", Constant, 2, nopos)
	tr.Enter(Loop, "", true)
	_, _ = tr.Define("y", Label, 3, nopos)

	var names []string
	for _, e := range tr.Snapshot() {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"top", "m", "m.x", "m.@0.y"}, names)
}

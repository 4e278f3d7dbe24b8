package structs

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"github.com/xplshn/basm/pkg/token"
)

func TestOffsetsAreRunningSums(t *testing.T) {
	c := NewCompiler(nil)
	require.NoError(t, c.Begin("S", token.Pos{}))
	require.NoError(t, c.AddField("field1", 2, token.Pos{}))
	require.NoError(t, c.AddField("field2", 0, token.Pos{}))
	require.NoError(t, c.AddField("field3", 2, token.Pos{}))
	d, err := c.End()
	require.NoError(t, err)

	want := []Field{
		{Name: "field1", Offset: 0, Size: 2},
		{Name: "field2", Offset: 2, Size: 0},
		{Name: "field3", Offset: 2, Size: 2},
	}
	if diff := cmp.Diff(want, d.Fields, cmpopts.IgnoreFields(Field{}, "Pos")); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 4, d.Size)
	require.False(t, c.Active())
}

func TestAdditivity(t *testing.T) {
	sizes := []int{1, 4, 0, 2, 7, 3}
	c := NewCompiler(nil)
	require.NoError(t, c.Begin("T", token.Pos{}))
	for i, s := range sizes {
		require.NoError(t, c.AddField(string(rune('a'+i)), s, token.Pos{}))
	}
	d, err := c.End()
	require.NoError(t, err)

	sum := 0
	for i, f := range d.Fields {
		require.Equal(t, sum, f.Offset, "field %d", i)
		sum += sizes[i]
	}
	require.Equal(t, sum, d.Size)
}

func TestAnonymousFieldsAdvanceOffset(t *testing.T) {
	c := NewCompiler(nil)
	require.NoError(t, c.Begin("P", token.Pos{}))
	require.NoError(t, c.AddField("", 3, token.Pos{}))
	require.NoError(t, c.AddField("x", 1, token.Pos{}))
	d, _ := c.End()
	f, ok := d.Field("x")
	require.True(t, ok)
	require.Equal(t, 3, f.Offset)
	require.Equal(t, 4, d.Size)
}

func TestDuplicateFieldsFollowCaseRule(t *testing.T) {
	c := NewCompiler(strings.ToUpper)
	require.NoError(t, c.Begin("S", token.Pos{}))
	require.NoError(t, c.AddField("x", 1, token.Pos{}))
	require.ErrorIs(t, c.AddField("X", 1, token.Pos{}), ErrDuplicateField)

	d, _ := c.End()
	_, ok := d.Field("x")
	require.True(t, ok)

	sensitive := NewCompiler(nil)
	require.NoError(t, sensitive.Begin("S", token.Pos{}))
	require.NoError(t, sensitive.AddField("x", 1, token.Pos{}))
	require.NoError(t, sensitive.AddField("X", 1, token.Pos{}))
}

func TestProtocolErrors(t *testing.T) {
	c := NewCompiler(nil)
	_, err := c.End()
	require.ErrorIs(t, err, ErrNotOpen)
	require.ErrorIs(t, c.AddField("x", 1, token.Pos{}), ErrNotOpen)

	require.NoError(t, c.Begin("A", token.Pos{}))
	require.ErrorIs(t, c.Begin("B", token.Pos{}), ErrNested)
	require.ErrorIs(t, c.AddField("n", -1, token.Pos{}), ErrNegativeSize)
	require.ErrorIs(t, c.Reject("instruction 'nop'"), ErrNotData)
}

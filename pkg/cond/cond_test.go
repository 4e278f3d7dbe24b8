package cond

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBranchSelection(t *testing.T) {
	tests := []struct {
		name  string
		conds []bool // if, elif..., trailing else implied
		want  int    // index of the active branch, len(conds) for else
	}{
		{"if taken", []bool{true, true}, 0},
		{"first elif", []bool{false, true, true}, 1},
		{"second elif", []bool{false, false, true}, 2},
		{"else", []bool{false, false}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Stack
			var active []bool
			s.PushIf(tt.conds[0])
			active = append(active, s.Active())
			for _, c := range tt.conds[1:] {
				require.NoError(t, s.Elif(c))
				active = append(active, s.Active())
			}
			require.NoError(t, s.Else())
			active = append(active, s.Active())
			require.NoError(t, s.Endif())
			require.True(t, s.Active())

			for i, a := range active {
				require.Equal(t, i == tt.want, a, "branch %d", i)
			}
		})
	}
}

func TestNestedInactiveRegion(t *testing.T) {
	var s Stack
	s.PushUsed(false)
	require.False(t, s.Active())
	s.PushIf(true)
	require.False(t, s.Active(), "inner block of an inactive region stays inactive")
	require.False(t, s.NeedsEval())
	require.NoError(t, s.Else())
	require.False(t, s.Active())
	require.NoError(t, s.Endif())
	require.NoError(t, s.Else())
	require.True(t, s.Active())
	require.NoError(t, s.Endif())
	require.False(t, s.Open())
}

func TestNeedsEval(t *testing.T) {
	var s Stack
	s.PushIf(false)
	require.True(t, s.NeedsEval())
	require.NoError(t, s.Elif(true))
	require.False(t, s.NeedsEval())
}

func TestProtocolErrors(t *testing.T) {
	var s Stack
	require.ErrorIs(t, s.Endif(), ErrNoIf)
	require.ErrorIs(t, s.Else(), ErrNoIf)
	require.ErrorIs(t, s.Elif(true), ErrNoIf)

	s.PushIf(false)
	require.NoError(t, s.Else())
	require.ErrorIs(t, s.Else(), ErrDoubleElse)
	require.ErrorIs(t, s.Elif(true), ErrElifAfterElse)
	require.Equal(t, 1, s.Depth())
}

package z80

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/fixup"
	"github.com/xplshn/basm/pkg/parser"
)

// encodeLine parses a single instruction and fills its slots with the value
// of a plain number operand, or with zero.
func encodeLine(t *testing.T, src string) (Encoded, error) {
	t.Helper()
	var diags diag.List
	l := parser.NewLoader(config.NewConfig(), &diags)
	l.IsMnemonic = IsMnemonic
	prog := l.LoadSource("t.asm", " "+src+"\n")
	require.Empty(t, diags.Items(), src)
	require.Len(t, prog.Stmts, 1)
	st := prog.Stmts[0]

	constant := func(n *ast.Node) (uint16, error) {
		if n.Type != ast.Number {
			return 0, errors.New("not constant")
		}
		return uint16(n.Data.(ast.NumberNode).Value), nil
	}
	enc, err := Encode(st.Name, st.Operands, constant)
	if err != nil {
		return enc, err
	}
	for _, s := range enc.Slots {
		v, cerr := constant(s.Expr)
		if cerr != nil {
			continue
		}
		next := uint16(len(enc.Bytes))
		b, ferr := fixup.Encode(s.Kind, 0, v, next)
		require.NoError(t, ferr)
		copy(enc.Bytes[s.Offset:], b)
	}
	return enc, nil
}

func TestEncodeTable(t *testing.T) {
	tests := []struct {
		src  string
		want []byte
	}{
		{"nop", []byte{0x00}},
		{"ld a,b", []byte{0x78}},
		{"ld (hl),a", []byte{0x77}},
		{"ld b,(hl)", []byte{0x46}},
		{"ld a,#42", []byte{0x3E, 0x42}},
		{"ld (hl),7", []byte{0x36, 0x07}},
		{"ld bc,#6000", []byte{0x01, 0x00, 0x60}},
		{"ld sp,#FFFF", []byte{0x31, 0xFF, 0xFF}},
		{"ld a,(bc)", []byte{0x0A}},
		{"ld (de),a", []byte{0x12}},
		{"ld a,(#1234)", []byte{0x3A, 0x34, 0x12}},
		{"ld (#1234),a", []byte{0x32, 0x34, 0x12}},
		{"ld hl,(#1234)", []byte{0x2A, 0x34, 0x12}},
		{"ld de,(#1234)", []byte{0xED, 0x5B, 0x34, 0x12}},
		{"ld (#1234),hl", []byte{0x22, 0x34, 0x12}},
		{"ld (#1234),sp", []byte{0xED, 0x73, 0x34, 0x12}},
		{"ld sp,hl", []byte{0xF9}},
		{"ld a,i", []byte{0xED, 0x57}},
		{"ld r,a", []byte{0xED, 0x4F}},
		{"ld a,(1+2)*3", []byte{0x3E, 0x00}},
		{"push af", []byte{0xF5}},
		{"pop bc", []byte{0xC1}},
		{"ex de,hl", []byte{0xEB}},
		{"ex af,af'", []byte{0x08}},
		{"ex (sp),hl", []byte{0xE3}},
		{"inc a", []byte{0x3C}},
		{"dec (hl)", []byte{0x35}},
		{"inc hl", []byte{0x23}},
		{"dec sp", []byte{0x3B}},
		{"add a,b", []byte{0x80}},
		{"sub 5", []byte{0xD6, 0x05}},
		{"cp (hl)", []byte{0xBE}},
		{"xor a", []byte{0xAF}},
		{"and a,#0F", []byte{0xE6, 0x0F}},
		{"add hl,de", []byte{0x19}},
		{"adc hl,bc", []byte{0xED, 0x4A}},
		{"sbc hl,sp", []byte{0xED, 0x72}},
		{"rlc b", []byte{0xCB, 0x00}},
		{"srl a", []byte{0xCB, 0x3F}},
		{"bit 7,a", []byte{0xCB, 0x7F}},
		{"res 0,(hl)", []byte{0xCB, 0x86}},
		{"set 3,c", []byte{0xCB, 0xD9}},
		{"jp #1234", []byte{0xC3, 0x34, 0x12}},
		{"jp nz,#1234", []byte{0xC2, 0x34, 0x12}},
		{"jp m,#1234", []byte{0xFA, 0x34, 0x12}},
		{"jp (hl)", []byte{0xE9}},
		{"call #0005", []byte{0xCD, 0x05, 0x00}},
		{"call c,#0005", []byte{0xDC, 0x05, 0x00}},
		{"ret", []byte{0xC9}},
		{"ret z", []byte{0xC8}},
		{"rst #38", []byte{0xFF}},
		{"im 1", []byte{0xED, 0x56}},
		{"in a,(#FE)", []byte{0xDB, 0xFE}},
		{"out (c),a", []byte{0xED, 0x79}},
		{"in b,(c)", []byte{0xED, 0x40}},
		{"out (#FE),a", []byte{0xD3, 0xFE}},
		{"ldir", []byte{0xED, 0xB0}},
		{"neg", []byte{0xED, 0x44}},
		{"halt", []byte{0x76}},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			enc, err := encodeLine(t, tt.src)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, enc.Bytes); diff != "" {
				t.Errorf("%s mismatch (-want +got):\n%s", tt.src, diff)
			}
		})
	}
}

func TestRelativeSlots(t *testing.T) {
	enc, err := encodeLine(t, "jr nz,label")
	require.NoError(t, err)
	require.Equal(t, []byte{0x20, 0x00}, enc.Bytes)
	require.Len(t, enc.Slots, 1)
	require.Equal(t, fixup.Rel8, enc.Slots[0].Kind)
	require.Equal(t, 1, enc.Slots[0].Offset)

	enc, err = encodeLine(t, "djnz label")
	require.NoError(t, err)
	require.Equal(t, byte(0x10), enc.Bytes[0])
}

func TestEncodeErrors(t *testing.T) {
	for _, src := range []string{
		"ld (hl),(hl)",
		"ld b,(#1234)",
		"jr po,label",
		"push sp",
		"ex hl,de",
		"add de,bc",
		"im 3",
		"rst 3",
		"bit 8,a",
		"bit n,a",
		"nop a",
		"out (c),(hl)",
	} {
		_, err := encodeLine(t, src)
		require.Error(t, err, src)
	}

	_, err := Encode("frob", nil, nil)
	require.ErrorIs(t, err, ErrUnknownMnemonic)
}

func TestIsMnemonic(t *testing.T) {
	for _, m := range []string{"ld", "ldir", "xor", "srl", "set", "djnz", "out"} {
		require.True(t, IsMnemonic(m), m)
	}
	require.False(t, IsMnemonic("start"))
	require.False(t, IsMnemonic("ix"))
}

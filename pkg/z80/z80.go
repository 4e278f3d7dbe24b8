// Package z80 encodes the documented Z80 base instruction set, without the
// IX/IY prefixes. Operands whose value is not known yet become slots that the
// assembler fills now or records as fixups.
package z80

import (
	"errors"
	"fmt"

	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/fixup"
)

var (
	ErrUnknownMnemonic = errors.New("unknown instruction")
	ErrOperands        = errors.New("invalid operands")
)

// Slot is an operand field inside the encoded bytes
type Slot struct {
	Offset int
	Kind   fixup.Kind
	Expr   *ast.Node
}

type Encoded struct {
	Bytes []byte
	Slots []Slot
}

// ConstFunc evaluates operands that are part of the opcode itself (bit
// numbers, rst vectors, interrupt modes) and so must be known at once.
type ConstFunc func(*ast.Node) (uint16, error)

var r8 = map[string]byte{"b": 0, "c": 1, "d": 2, "e": 3, "h": 4, "l": 5, "a": 7}
var rp = map[string]byte{"bc": 0, "de": 1, "hl": 2, "sp": 3}
var rp2 = map[string]byte{"bc": 0, "de": 1, "hl": 2, "af": 3}
var cc = map[string]byte{"nz": 0, "z": 1, "nc": 2, "c": 3, "po": 4, "pe": 5, "p": 6, "m": 7}

var implied = map[string][]byte{
	"nop": {0x00}, "halt": {0x76}, "di": {0xF3}, "ei": {0xFB}, "exx": {0xD9},
	"daa": {0x27}, "cpl": {0x2F}, "scf": {0x37}, "ccf": {0x3F},
	"rlca": {0x07}, "rrca": {0x0F}, "rla": {0x17}, "rra": {0x1F},
	"neg": {0xED, 0x44}, "retn": {0xED, 0x45}, "reti": {0xED, 0x4D},
	"rld": {0xED, 0x6F}, "rrd": {0xED, 0x67},
	"ldi": {0xED, 0xA0}, "cpi": {0xED, 0xA1}, "ini": {0xED, 0xA2}, "outi": {0xED, 0xA3},
	"ldd": {0xED, 0xA8}, "cpd": {0xED, 0xA9}, "ind": {0xED, 0xAA}, "outd": {0xED, 0xAB},
	"ldir": {0xED, 0xB0}, "cpir": {0xED, 0xB1}, "inir": {0xED, 0xB2}, "otir": {0xED, 0xB3},
	"lddr": {0xED, 0xB8}, "cpdr": {0xED, 0xB9}, "indr": {0xED, 0xBA}, "otdr": {0xED, 0xBB},
}

var alu = map[string]byte{"add": 0, "adc": 1, "sub": 2, "sbc": 3, "and": 4, "xor": 5, "or": 6, "cp": 7}
var rot = map[string]byte{"rlc": 0, "rrc": 1, "rl": 2, "rr": 3, "sla": 4, "sra": 5, "srl": 7}
var bitops = map[string]byte{"bit": 0x40, "res": 0x80, "set": 0xC0}

var other = map[string]bool{
	"ld": true, "push": true, "pop": true, "ex": true, "inc": true, "dec": true,
	"jp": true, "jr": true, "djnz": true, "call": true, "ret": true, "rst": true,
	"im": true, "in": true, "out": true,
}

// IsMnemonic reports whether name (lower case) is an instruction
func IsMnemonic(name string) bool {
	_, ok := implied[name]
	return ok || isALU(name) || isRot(name) || isBitOp(name) || other[name]
}

type builder struct{ e Encoded }

func (b *builder) op(bs ...byte) { b.e.Bytes = append(b.e.Bytes, bs...) }

func (b *builder) imm(kind fixup.Kind, x *ast.Node) {
	b.e.Slots = append(b.e.Slots, Slot{Offset: len(b.e.Bytes), Kind: kind, Expr: x})
	b.e.Bytes = append(b.e.Bytes, make([]byte, fixup.Size(kind, 0))...)
}

func isReg(o ast.Operand, name string) bool    { return o.Kind == ast.OpReg && o.Reg == name }
func isIndReg(o ast.Operand, name string) bool { return o.Kind == ast.OpIndirect && o.Reg == name }
func isIndExpr(o ast.Operand) bool             { return o.Kind == ast.OpIndirect && o.Expr != nil }
func isExpr(o ast.Operand) bool                { return o.Kind == ast.OpExpr }

// reg8 maps b c d e h l (hl) a to their 3-bit field
func reg8(o ast.Operand) (byte, bool) {
	if isIndReg(o, "hl") {
		return 6, true
	}
	if o.Kind != ast.OpReg {
		return 0, false
	}
	r, ok := r8[o.Reg]
	return r, ok
}

func lookup(o ast.Operand, table map[string]byte) (byte, bool) {
	if o.Kind != ast.OpReg {
		return 0, false
	}
	v, ok := table[o.Reg]
	return v, ok
}

func badOperands(mn string) error { return fmt.Errorf("%w for '%s'", ErrOperands, mn) }

// Encode assembles one instruction.
func Encode(mn string, ops []ast.Operand, eval ConstFunc) (Encoded, error) {
	b := &builder{}
	var err error
	switch {
	case implied[mn] != nil:
		if len(ops) != 0 {
			return Encoded{}, badOperands(mn)
		}
		b.op(implied[mn]...)
	case mn == "ld":
		err = b.ld(ops)
	case mn == "push" || mn == "pop":
		err = b.stack(mn, ops)
	case mn == "ex":
		err = b.ex(ops)
	case mn == "inc" || mn == "dec":
		err = b.incdec(mn, ops)
	case isALU(mn):
		err = b.alu(mn, ops)
	case isRot(mn):
		r, ok := byte(0), len(ops) == 1
		if ok {
			r, ok = reg8(ops[0])
		}
		if !ok {
			return Encoded{}, badOperands(mn)
		}
		b.op(0xCB, rot[mn]<<3|r)
	case isBitOp(mn):
		err = b.bit(mn, ops, eval)
	case mn == "jp" || mn == "call":
		err = b.jump(mn, ops)
	case mn == "jr" || mn == "djnz":
		err = b.relative(mn, ops)
	case mn == "ret":
		err = b.ret(ops)
	case mn == "rst" || mn == "im":
		err = b.vector(mn, ops, eval)
	case mn == "in" || mn == "out":
		err = b.io(mn, ops)
	default:
		return Encoded{}, fmt.Errorf("%w '%s'", ErrUnknownMnemonic, mn)
	}
	if err != nil {
		return Encoded{}, err
	}
	return b.e, nil
}

func isALU(mn string) bool {
	_, ok := alu[mn]
	return ok
}

func isRot(mn string) bool {
	_, ok := rot[mn]
	return ok
}

func isBitOp(mn string) bool {
	_, ok := bitops[mn]
	return ok
}

func (b *builder) ld(ops []ast.Operand) error {
	if len(ops) != 2 {
		return badOperands("ld")
	}
	d, s := ops[0], ops[1]

	if dr, ok := reg8(d); ok {
		if sr, ok := reg8(s); ok {
			if dr == 6 && sr == 6 {
				return badOperands("ld")
			}
			b.op(0x40 | dr<<3 | sr)
			return nil
		}
		if isExpr(s) {
			b.op(0x06 | dr<<3)
			b.imm(fixup.Byte, s.Expr)
			return nil
		}
	}
	if isReg(d, "a") {
		switch {
		case isIndReg(s, "bc"): b.op(0x0A)
		case isIndReg(s, "de"): b.op(0x1A)
		case isReg(s, "i"): b.op(0xED, 0x57)
		case isReg(s, "r"): b.op(0xED, 0x5F)
		case isIndExpr(s):
			b.op(0x3A)
			b.imm(fixup.Word, s.Expr)
		default:
			return badOperands("ld")
		}
		return nil
	}
	if isReg(s, "a") {
		switch {
		case isIndReg(d, "bc"): b.op(0x02)
		case isIndReg(d, "de"): b.op(0x12)
		case isReg(d, "i"): b.op(0xED, 0x47)
		case isReg(d, "r"): b.op(0xED, 0x4F)
		case isIndExpr(d):
			b.op(0x32)
			b.imm(fixup.Word, d.Expr)
		default:
			return badOperands("ld")
		}
		return nil
	}
	if isIndExpr(d) {
		p, ok := lookup(s, rp)
		if !ok {
			return badOperands("ld")
		}
		if p == 2 {
			b.op(0x22)
		} else {
			b.op(0xED, 0x43|p<<4)
		}
		b.imm(fixup.Word, d.Expr)
		return nil
	}
	if p, ok := lookup(d, rp); ok {
		switch {
		case isExpr(s):
			b.op(0x01 | p<<4)
		case isIndExpr(s) && p == 2:
			b.op(0x2A)
		case isIndExpr(s):
			b.op(0xED, 0x4B|p<<4)
		case p == 3 && isReg(s, "hl"):
			b.op(0xF9)
			return nil
		default:
			return badOperands("ld")
		}
		b.imm(fixup.Word, s.Expr)
		return nil
	}
	return badOperands("ld")
}

func (b *builder) stack(mn string, ops []ast.Operand) error {
	if len(ops) != 1 {
		return badOperands(mn)
	}
	p, ok := lookup(ops[0], rp2)
	if !ok {
		return badOperands(mn)
	}
	base := byte(0xC5)
	if mn == "pop" {
		base = 0xC1
	}
	b.op(base | p<<4)
	return nil
}

func (b *builder) ex(ops []ast.Operand) error {
	if len(ops) != 2 {
		return badOperands("ex")
	}
	switch {
	case isReg(ops[0], "de") && isReg(ops[1], "hl"): b.op(0xEB)
	case isReg(ops[0], "af") && isReg(ops[1], "af'"): b.op(0x08)
	case isIndReg(ops[0], "sp") && isReg(ops[1], "hl"): b.op(0xE3)
	default:
		return badOperands("ex")
	}
	return nil
}

func (b *builder) incdec(mn string, ops []ast.Operand) error {
	if len(ops) != 1 {
		return badOperands(mn)
	}
	dec := byte(0)
	if mn == "dec" {
		dec = 1
	}
	if r, ok := reg8(ops[0]); ok {
		b.op(0x04 | r<<3 | dec)
		return nil
	}
	if p, ok := lookup(ops[0], rp); ok {
		b.op(0x03 | p<<4 | dec<<3)
		return nil
	}
	return badOperands(mn)
}

func (b *builder) alu(mn string, ops []ast.Operand) error {
	code := alu[mn]
	if len(ops) == 2 && isReg(ops[0], "hl") {
		p, ok := lookup(ops[1], rp)
		if !ok {
			return badOperands(mn)
		}
		switch mn {
		case "add": b.op(0x09 | p<<4)
		case "adc": b.op(0xED, 0x4A|p<<4)
		case "sbc": b.op(0xED, 0x42|p<<4)
		default:
			return badOperands(mn)
		}
		return nil
	}

	var src ast.Operand
	switch {
	case len(ops) == 2 && isReg(ops[0], "a"):
		src = ops[1]
	case len(ops) == 1:
		src = ops[0]
	default:
		return badOperands(mn)
	}
	if r, ok := reg8(src); ok {
		b.op(0x80 | code<<3 | r)
		return nil
	}
	if isExpr(src) {
		b.op(0xC6 | code<<3)
		b.imm(fixup.Byte, src.Expr)
		return nil
	}
	return badOperands(mn)
}

func (b *builder) bit(mn string, ops []ast.Operand, eval ConstFunc) error {
	if len(ops) != 2 || !isExpr(ops[0]) {
		return badOperands(mn)
	}
	r, ok := reg8(ops[1])
	if !ok {
		return badOperands(mn)
	}
	n, err := eval(ops[0].Expr)
	if err != nil {
		return err
	}
	if n > 7 {
		return fmt.Errorf("%w: bit number %d", fixup.ErrRange, n)
	}
	b.op(0xCB, bitops[mn]|byte(n)<<3|r)
	return nil
}

func (b *builder) jump(mn string, ops []ast.Operand) error {
	plain, cond := byte(0xC3), byte(0xC2)
	if mn == "call" {
		plain, cond = 0xCD, 0xC4
	}
	switch {
	case len(ops) == 1 && mn == "jp" && isIndReg(ops[0], "hl"):
		b.op(0xE9)
		return nil
	case len(ops) == 1 && isExpr(ops[0]):
		b.op(plain)
		b.imm(fixup.Word, ops[0].Expr)
		return nil
	case len(ops) == 2 && isExpr(ops[1]):
		c, ok := lookup(ops[0], cc)
		if !ok {
			return badOperands(mn)
		}
		b.op(cond | c<<3)
		b.imm(fixup.Word, ops[1].Expr)
		return nil
	}
	return badOperands(mn)
}

func (b *builder) relative(mn string, ops []ast.Operand) error {
	switch {
	case len(ops) == 1 && isExpr(ops[0]):
		if mn == "djnz" {
			b.op(0x10)
		} else {
			b.op(0x18)
		}
		b.imm(fixup.Rel8, ops[0].Expr)
		return nil
	case len(ops) == 2 && mn == "jr" && isExpr(ops[1]):
		c, ok := lookup(ops[0], cc)
		if !ok || c > 3 {
			return badOperands(mn)
		}
		b.op(0x20 | c<<3)
		b.imm(fixup.Rel8, ops[1].Expr)
		return nil
	}
	return badOperands(mn)
}

func (b *builder) ret(ops []ast.Operand) error {
	switch len(ops) {
	case 0:
		b.op(0xC9)
		return nil
	case 1:
		if c, ok := lookup(ops[0], cc); ok {
			b.op(0xC0 | c<<3)
			return nil
		}
	}
	return badOperands("ret")
}

func (b *builder) vector(mn string, ops []ast.Operand, eval ConstFunc) error {
	if len(ops) != 1 || !isExpr(ops[0]) {
		return badOperands(mn)
	}
	n, err := eval(ops[0].Expr)
	if err != nil {
		return err
	}
	if mn == "im" {
		modes := map[uint16]byte{0: 0x46, 1: 0x56, 2: 0x5E}
		op, ok := modes[n]
		if !ok {
			return fmt.Errorf("%w: interrupt mode %d", fixup.ErrRange, n)
		}
		b.op(0xED, op)
		return nil
	}
	if n > 0x38 || n%8 != 0 {
		return fmt.Errorf("%w: rst #%02X", fixup.ErrRange, n)
	}
	b.op(0xC7 | byte(n))
	return nil
}

func (b *builder) io(mn string, ops []ast.Operand) error {
	if len(ops) != 2 {
		return badOperands(mn)
	}
	reg, port := ops[0], ops[1]
	if mn == "out" {
		reg, port = ops[1], ops[0]
	}
	if isReg(reg, "a") && isIndExpr(port) {
		if mn == "in" {
			b.op(0xDB)
		} else {
			b.op(0xD3)
		}
		b.imm(fixup.Byte, port.Expr)
		return nil
	}
	if isIndReg(port, "c") {
		if r, ok := lookup(reg, r8); ok {
			if mn == "in" {
				b.op(0xED, 0x40|r<<3)
			} else {
				b.op(0xED, 0x41|r<<3)
			}
			return nil
		}
	}
	return badOperands(mn)
}

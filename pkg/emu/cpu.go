// Package emu runs assembled programs on a Z80 core. It covers the base
// instruction set together with the CB and ED groups; the index register
// prefixes are not emulated.
package emu

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	ErrUnsupported = errors.New("unsupported opcode")
	ErrBreakpoint  = errors.New("breakpoint")
	ErrStepLimit   = errors.New("step limit reached")
)

const (
	FlagC  byte = 0x01
	FlagN  byte = 0x02
	FlagPV byte = 0x04
	FlagX  byte = 0x08
	FlagH  byte = 0x10
	FlagY  byte = 0x20
	FlagZ  byte = 0x40
	FlagS  byte = 0x80
)

const flagXY = FlagX | FlagY

// Bus is everything the CPU sees of the machine
type Bus interface {
	Read(addr uint16) byte
	Write(addr uint16, value byte)
	In(port uint16) byte
	Out(port uint16, value byte)
}

type CPU struct {
	A, F, B, C, D, E, H, L         byte
	A2, F2, B2, C2, D2, E2, H2, L2 byte

	SP, PC uint16
	I, R   byte
	IM     byte

	IFF1, IFF2 bool
	Halted     bool

	// Steps counts executed instructions
	Steps       uint64
	Breakpoints map[uint16]bool

	bus Bus
}

func NewCPU(bus Bus) *CPU {
	c := &CPU{bus: bus, Breakpoints: make(map[uint16]bool)}
	c.Reset()
	return c
}

// Reset puts the registers in their power-on state
func (c *CPU) Reset() {
	c.A, c.F = 0xFF, 0xFF
	c.B, c.C, c.D, c.E, c.H, c.L = 0, 0, 0, 0, 0, 0
	c.SP, c.PC = 0xFFFF, 0
	c.I, c.R, c.IM = 0, 0, 0
	c.IFF1, c.IFF2 = false, false
	c.Halted = false
	c.Steps = 0
}

func (c *CPU) AF() uint16 { return uint16(c.A)<<8 | uint16(c.F) }
func (c *CPU) BC() uint16 { return uint16(c.B)<<8 | uint16(c.C) }
func (c *CPU) DE() uint16 { return uint16(c.D)<<8 | uint16(c.E) }
func (c *CPU) HL() uint16 { return uint16(c.H)<<8 | uint16(c.L) }

func (c *CPU) SetAF(v uint16) { c.A, c.F = byte(v>>8), byte(v) }
func (c *CPU) SetBC(v uint16) { c.B, c.C = byte(v>>8), byte(v) }
func (c *CPU) SetDE(v uint16) { c.D, c.E = byte(v>>8), byte(v) }
func (c *CPU) SetHL(v uint16) { c.H, c.L = byte(v>>8), byte(v) }

func (c *CPU) Flag(f byte) bool { return c.F&f != 0 }

func (c *CPU) read(addr uint16) byte     { return c.bus.Read(addr) }
func (c *CPU) write(addr uint16, v byte) { c.bus.Write(addr, v) }

func (c *CPU) readWord(addr uint16) uint16 {
	return uint16(c.read(addr)) | uint16(c.read(addr+1))<<8
}

func (c *CPU) writeWord(addr, v uint16) {
	c.write(addr, byte(v))
	c.write(addr+1, byte(v>>8))
}

func (c *CPU) fetch() byte {
	v := c.read(c.PC)
	c.PC++
	return v
}

func (c *CPU) fetchWord() uint16 {
	v := c.readWord(c.PC)
	c.PC += 2
	return v
}

// fetchOp reads an opcode byte; every opcode fetch refreshes R
func (c *CPU) fetchOp() byte {
	c.R = c.R&0x80 | (c.R+1)&0x7F
	return c.fetch()
}

func (c *CPU) pushWord(v uint16) {
	c.SP -= 2
	c.writeWord(c.SP, v)
}

func (c *CPU) popWord() uint16 {
	v := c.readWord(c.SP)
	c.SP += 2
	return v
}

// reg reads an 8-bit operand by its encoding; 6 is (HL)
func (c *CPU) reg(r byte) byte {
	switch r {
	case 0:
		return c.B
	case 1:
		return c.C
	case 2:
		return c.D
	case 3:
		return c.E
	case 4:
		return c.H
	case 5:
		return c.L
	case 6:
		return c.read(c.HL())
	}
	return c.A
}

func (c *CPU) setReg(r, v byte) {
	switch r {
	case 0:
		c.B = v
	case 1:
		c.C = v
	case 2:
		c.D = v
	case 3:
		c.E = v
	case 4:
		c.H = v
	case 5:
		c.L = v
	case 6:
		c.write(c.HL(), v)
	default:
		c.A = v
	}
}

// pair reads BC, DE, HL or SP
func (c *CPU) pair(p byte) uint16 {
	switch p {
	case 0:
		return c.BC()
	case 1:
		return c.DE()
	case 2:
		return c.HL()
	}
	return c.SP
}

func (c *CPU) setPair(p byte, v uint16) {
	switch p {
	case 0:
		c.SetBC(v)
	case 1:
		c.SetDE(v)
	case 2:
		c.SetHL(v)
	default:
		c.SP = v
	}
}

// pair2 is pair with AF in place of SP, as push and pop see it
func (c *CPU) pair2(p byte) uint16 {
	if p == 3 {
		return c.AF()
	}
	return c.pair(p)
}

func (c *CPU) setPair2(p byte, v uint16) {
	if p == 3 {
		c.SetAF(v)
		return
	}
	c.setPair(p, v)
}

func (c *CPU) cond(y byte) bool {
	switch y {
	case 0:
		return !c.Flag(FlagZ)
	case 1:
		return c.Flag(FlagZ)
	case 2:
		return !c.Flag(FlagC)
	case 3:
		return c.Flag(FlagC)
	case 4:
		return !c.Flag(FlagPV)
	case 5:
		return c.Flag(FlagPV)
	case 6:
		return !c.Flag(FlagS)
	}
	return c.Flag(FlagS)
}

// Step executes one instruction. A halted CPU stays where it is.
func (c *CPU) Step() error {
	if c.Halted {
		return nil
	}
	at := c.PC
	op := c.fetchOp()
	c.Steps++
	switch op {
	case 0xCB:
		c.execCB(c.fetchOp())
		return nil
	case 0xED:
		c.execED(c.fetchOp())
		return nil
	case 0xDD, 0xFD:
		c.PC = at
		return fmt.Errorf("%w: prefix #%02X at #%04X", ErrUnsupported, op, at)
	}
	c.exec(op)
	return nil
}

// Run executes until the CPU halts, stops on a breakpoint or has taken limit
// instructions. A limit of 0 means none.
func (c *CPU) Run(limit uint64) error {
	start := c.Steps
	for !c.Halted {
		if limit > 0 && c.Steps-start >= limit {
			return fmt.Errorf("%w after %d instructions at #%04X", ErrStepLimit, limit, c.PC)
		}
		if err := c.Step(); err != nil {
			return err
		}
		if c.Breakpoints[c.PC] {
			return fmt.Errorf("%w at #%04X", ErrBreakpoint, c.PC)
		}
	}
	return nil
}

func (c *CPU) jr(take bool) {
	d := int8(c.fetch())
	if take {
		c.PC = uint16(int(c.PC) + int(d))
	}
}

func (c *CPU) exec(op byte) {
	x, y, z := op>>6, op>>3&7, op&7
	p, q := y>>1, y&1
	switch x {
	case 0:
		c.execX0(y, z, p, q)
	case 1:
		if op == 0x76 {
			c.Halted = true
			return
		}
		c.setReg(y, c.reg(z))
	case 2:
		c.alu(y, c.reg(z))
	case 3:
		c.execX3(y, z, p, q)
	}
}

func (c *CPU) execX0(y, z, p, q byte) {
	switch z {
	case 0:
		switch y {
		case 0:
		case 1:
			c.A, c.A2 = c.A2, c.A
			c.F, c.F2 = c.F2, c.F
		case 2:
			c.B--
			c.jr(c.B != 0)
		case 3:
			c.jr(true)
		default:
			c.jr(c.cond(y - 4))
		}
	case 1:
		if q == 0 {
			c.setPair(p, c.fetchWord())
		} else {
			c.addHL(c.pair(p))
		}
	case 2:
		switch y {
		case 0:
			c.write(c.BC(), c.A)
		case 1:
			c.A = c.read(c.BC())
		case 2:
			c.write(c.DE(), c.A)
		case 3:
			c.A = c.read(c.DE())
		case 4:
			c.writeWord(c.fetchWord(), c.HL())
		case 5:
			c.SetHL(c.readWord(c.fetchWord()))
		case 6:
			c.write(c.fetchWord(), c.A)
		case 7:
			c.A = c.read(c.fetchWord())
		}
	case 3:
		if q == 0 {
			c.setPair(p, c.pair(p)+1)
		} else {
			c.setPair(p, c.pair(p)-1)
		}
	case 4:
		c.setReg(y, c.inc8(c.reg(y)))
	case 5:
		c.setReg(y, c.dec8(c.reg(y)))
	case 6:
		c.setReg(y, c.fetch())
	case 7:
		c.accumulator(y)
	}
}

func (c *CPU) execX3(y, z, p, q byte) {
	switch z {
	case 0:
		if c.cond(y) {
			c.PC = c.popWord()
		}
	case 1:
		if q == 0 {
			c.setPair2(p, c.popWord())
			return
		}
		switch p {
		case 0:
			c.PC = c.popWord()
		case 1:
			c.B, c.B2 = c.B2, c.B
			c.C, c.C2 = c.C2, c.C
			c.D, c.D2 = c.D2, c.D
			c.E, c.E2 = c.E2, c.E
			c.H, c.H2 = c.H2, c.H
			c.L, c.L2 = c.L2, c.L
		case 2:
			c.PC = c.HL()
		case 3:
			c.SP = c.HL()
		}
	case 2:
		nn := c.fetchWord()
		if c.cond(y) {
			c.PC = nn
		}
	case 3:
		switch y {
		case 0:
			c.PC = c.fetchWord()
		case 2:
			c.bus.Out(uint16(c.A)<<8|uint16(c.fetch()), c.A)
		case 3:
			c.A = c.bus.In(uint16(c.A)<<8 | uint16(c.fetch()))
		case 4:
			v := c.readWord(c.SP)
			c.writeWord(c.SP, c.HL())
			c.SetHL(v)
		case 5:
			c.D, c.H = c.H, c.D
			c.E, c.L = c.L, c.E
		case 6:
			c.IFF1, c.IFF2 = false, false
		case 7:
			c.IFF1, c.IFF2 = true, true
		}
	case 4:
		nn := c.fetchWord()
		if c.cond(y) {
			c.pushWord(c.PC)
			c.PC = nn
		}
	case 5:
		if q == 0 {
			c.pushWord(c.pair2(p))
			return
		}
		nn := c.fetchWord()
		c.pushWord(c.PC)
		c.PC = nn
	case 6:
		c.alu(y, c.fetch())
	case 7:
		c.pushWord(c.PC)
		c.PC = uint16(y) * 8
	}
}

func (c *CPU) execCB(op byte) {
	x, y, z := op>>6, op>>3&7, op&7
	v := c.reg(z)
	switch x {
	case 0:
		c.setReg(z, c.rotate(y, v))
	case 1:
		c.bit(y, v)
	case 2:
		c.setReg(z, v&^(1<<y))
	case 3:
		c.setReg(z, v|1<<y)
	}
}

var interruptModes = [8]byte{0, 0, 1, 2, 0, 0, 1, 2}

// execED runs the extended group. Undefined codes behave as NOP.
func (c *CPU) execED(op byte) {
	x, y, z := op>>6, op>>3&7, op&7
	p, q := y>>1, y&1
	if x == 2 && z <= 3 && y >= 4 {
		c.block(y, z)
		return
	}
	if x != 1 {
		return
	}
	switch z {
	case 0:
		v := c.bus.In(c.BC())
		if y != 6 {
			c.setReg(y, v)
		}
		c.F = c.F&FlagC | szp(v)
	case 1:
		v := byte(0)
		if y != 6 {
			v = c.reg(y)
		}
		c.bus.Out(c.BC(), v)
	case 2:
		if q == 0 {
			c.sbcHL(c.pair(p))
		} else {
			c.adcHL(c.pair(p))
		}
	case 3:
		nn := c.fetchWord()
		if q == 0 {
			c.writeWord(nn, c.pair(p))
		} else {
			c.setPair(p, c.readWord(nn))
		}
	case 4:
		a := c.A
		c.A = 0
		c.sub8(a, 0, true)
	case 5:
		c.PC = c.popWord()
		c.IFF1 = c.IFF2
	case 6:
		c.IM = interruptModes[y]
	case 7:
		switch y {
		case 0:
			c.I = c.A
		case 1:
			c.R = c.A
		case 2:
			c.A = c.I
			c.irFlags()
		case 3:
			c.A = c.R
			c.irFlags()
		case 4:
			v := c.read(c.HL())
			c.write(c.HL(), v>>4|c.A<<4)
			c.A = c.A&0xF0 | v&0x0F
			c.F = c.F&FlagC | szp(c.A)
		case 5:
			v := c.read(c.HL())
			c.write(c.HL(), v<<4|c.A&0x0F)
			c.A = c.A&0xF0 | v>>4
			c.F = c.F&FlagC | szp(c.A)
		}
	}
}

func (c *CPU) irFlags() {
	c.F = c.F&FlagC | sz(c.A)
	if c.IFF2 {
		c.F |= FlagPV
	}
}

// block runs LDI, CPI, INI, OUTI and their decrementing and repeating
// forms. A repeating form that is not done rewinds PC onto itself.
func (c *CPU) block(y, z byte) {
	step := uint16(1)
	if y&1 == 1 {
		step = 0xFFFF
	}
	repeat := y >= 6
	again := false
	switch z {
	case 0:
		v := c.read(c.HL())
		c.write(c.DE(), v)
		c.SetHL(c.HL() + step)
		c.SetDE(c.DE() + step)
		c.SetBC(c.BC() - 1)
		n := v + c.A
		c.F = c.F&(FlagS|FlagZ|FlagC) | n&FlagX
		if n&0x02 != 0 {
			c.F |= FlagY
		}
		if c.BC() != 0 {
			c.F |= FlagPV
		}
		again = c.BC() != 0
	case 1:
		v := c.read(c.HL())
		c.SetHL(c.HL() + step)
		c.SetBC(c.BC() - 1)
		carry := c.F & FlagC
		c.sub8(v, 0, false)
		c.F = c.F&^(FlagC|FlagPV) | carry
		if c.BC() != 0 {
			c.F |= FlagPV
		}
		again = c.BC() != 0 && !c.Flag(FlagZ)
	case 2:
		c.write(c.HL(), c.bus.In(c.BC()))
		c.B--
		c.SetHL(c.HL() + step)
		c.F = c.F&FlagC | sz(c.B) | FlagN
		again = c.B != 0
	case 3:
		v := c.read(c.HL())
		c.B--
		c.bus.Out(c.BC(), v)
		c.SetHL(c.HL() + step)
		c.F = c.F&FlagC | sz(c.B) | FlagN
		again = c.B != 0
	}
	if repeat && again {
		c.PC -= 2
	}
}

func sz(v byte) byte {
	f := v & (FlagS | flagXY)
	if v == 0 {
		f |= FlagZ
	}
	return f
}

func szp(v byte) byte {
	f := sz(v)
	if bits.OnesCount8(v)%2 == 0 {
		f |= FlagPV
	}
	return f
}

func (c *CPU) alu(op, v byte) {
	switch op {
	case 0:
		c.add8(v, 0)
	case 1:
		c.add8(v, c.F&FlagC)
	case 2:
		c.sub8(v, 0, true)
	case 3:
		c.sub8(v, c.F&FlagC, true)
	case 4:
		c.A &= v
		c.F = szp(c.A) | FlagH
	case 5:
		c.A ^= v
		c.F = szp(c.A)
	case 6:
		c.A |= v
		c.F = szp(c.A)
	case 7:
		c.sub8(v, 0, false)
	}
}

func (c *CPU) add8(v, carry byte) {
	a := c.A
	sum := uint16(a) + uint16(v) + uint16(carry)
	res := byte(sum)
	f := sz(res)
	if a&0x0F+v&0x0F+carry > 0x0F {
		f |= FlagH
	}
	if (a^v)&0x80 == 0 && (a^res)&0x80 != 0 {
		f |= FlagPV
	}
	if sum > 0xFF {
		f |= FlagC
	}
	c.A, c.F = res, f
}

// sub8 subtracts from A; CP passes store=false and keeps A
func (c *CPU) sub8(v, carry byte, store bool) {
	a := c.A
	diff := int(a) - int(v) - int(carry)
	res := byte(diff)
	f := sz(res) | FlagN
	if int(a&0x0F)-int(v&0x0F)-int(carry) < 0 {
		f |= FlagH
	}
	if (a^v)&0x80 != 0 && (a^res)&0x80 != 0 {
		f |= FlagPV
	}
	if diff < 0 {
		f |= FlagC
	}
	if store {
		c.A = res
	} else {
		f = f&^flagXY | v&flagXY
	}
	c.F = f
}

func (c *CPU) inc8(v byte) byte {
	res := v + 1
	f := c.F&FlagC | sz(res)
	if v&0x0F == 0x0F {
		f |= FlagH
	}
	if v == 0x7F {
		f |= FlagPV
	}
	c.F = f
	return res
}

func (c *CPU) dec8(v byte) byte {
	res := v - 1
	f := c.F&FlagC | sz(res) | FlagN
	if v&0x0F == 0 {
		f |= FlagH
	}
	if v == 0x80 {
		f |= FlagPV
	}
	c.F = f
	return res
}

func (c *CPU) addHL(v uint16) {
	hl := c.HL()
	sum := uint32(hl) + uint32(v)
	res := uint16(sum)
	f := c.F&(FlagS|FlagZ|FlagPV) | byte(res>>8)&flagXY
	if hl&0x0FFF+v&0x0FFF > 0x0FFF {
		f |= FlagH
	}
	if sum > 0xFFFF {
		f |= FlagC
	}
	c.SetHL(res)
	c.F = f
}

func (c *CPU) adcHL(v uint16) {
	hl := c.HL()
	carry := uint32(c.F & FlagC)
	sum := uint32(hl) + uint32(v) + carry
	res := uint16(sum)
	f := byte(res>>8) & (FlagS | flagXY)
	if res == 0 {
		f |= FlagZ
	}
	if uint32(hl&0x0FFF)+uint32(v&0x0FFF)+carry > 0x0FFF {
		f |= FlagH
	}
	if (hl^v)&0x8000 == 0 && (hl^res)&0x8000 != 0 {
		f |= FlagPV
	}
	if sum > 0xFFFF {
		f |= FlagC
	}
	c.SetHL(res)
	c.F = f
}

func (c *CPU) sbcHL(v uint16) {
	hl := c.HL()
	carry := int(c.F & FlagC)
	diff := int(hl) - int(v) - carry
	res := uint16(diff)
	f := byte(res>>8)&(FlagS|flagXY) | FlagN
	if res == 0 {
		f |= FlagZ
	}
	if int(hl&0x0FFF)-int(v&0x0FFF)-carry < 0 {
		f |= FlagH
	}
	if (hl^v)&0x8000 != 0 && (hl^res)&0x8000 != 0 {
		f |= FlagPV
	}
	if diff < 0 {
		f |= FlagC
	}
	c.SetHL(res)
	c.F = f
}

// accumulator runs the x=0 z=7 group: RLCA RRCA RLA RRA DAA CPL SCF CCF
func (c *CPU) accumulator(y byte) {
	a := c.A
	keep := c.F & (FlagS | FlagZ | FlagPV)
	switch y {
	case 0:
		c.A = a<<1 | a>>7
		c.F = keep | c.A&flagXY | a>>7
	case 1:
		c.A = a>>1 | a<<7
		c.F = keep | c.A&flagXY | a&1
	case 2:
		c.A = a<<1 | c.F&FlagC
		c.F = keep | c.A&flagXY | a>>7
	case 3:
		c.A = a>>1 | (c.F&FlagC)<<7
		c.F = keep | c.A&flagXY | a&1
	case 4:
		c.daa()
	case 5:
		c.A = ^a
		c.F = c.F&(FlagS|FlagZ|FlagPV|FlagC) | FlagH | FlagN | c.A&flagXY
	case 6:
		c.F = keep | FlagC | a&flagXY
	case 7:
		f := keep | a&flagXY
		if c.Flag(FlagC) {
			f |= FlagH
		} else {
			f |= FlagC
		}
		c.F = f
	}
}

func (c *CPU) daa() {
	a := c.A
	sub := c.Flag(FlagN)
	carry := c.Flag(FlagC)
	var corr byte
	if c.Flag(FlagH) || a&0x0F > 9 {
		corr |= 0x06
	}
	if carry || a > 0x99 {
		corr |= 0x60
		carry = true
	}
	res := a + corr
	if sub {
		res = a - corr
	}
	f := szp(res)
	if sub {
		f |= FlagN
		if c.Flag(FlagH) && a&0x0F < 6 {
			f |= FlagH
		}
	} else if a&0x0F > 9 {
		f |= FlagH
	}
	if carry {
		f |= FlagC
	}
	c.A, c.F = res, f
}

// rotate runs the CB shift group; 6 is the undocumented SLL
func (c *CPU) rotate(op, v byte) byte {
	var res, out byte
	switch op {
	case 0:
		res, out = v<<1|v>>7, v>>7
	case 1:
		res, out = v>>1|v<<7, v&1
	case 2:
		res, out = v<<1|c.F&FlagC, v>>7
	case 3:
		res, out = v>>1|(c.F&FlagC)<<7, v&1
	case 4:
		res, out = v<<1, v>>7
	case 5:
		res, out = v>>1|v&0x80, v&1
	case 6:
		res, out = v<<1|1, v>>7
	case 7:
		res, out = v>>1, v&1
	}
	c.F = szp(res) | out
	return res
}

func (c *CPU) bit(n, v byte) {
	f := c.F&FlagC | FlagH | v&flagXY
	r := v & (1 << n)
	if r == 0 {
		f |= FlagZ | FlagPV
	}
	if n == 7 && r != 0 {
		f |= FlagS
	}
	c.F = f
}

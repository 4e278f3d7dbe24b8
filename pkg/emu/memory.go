package emu

import (
	"errors"
	"fmt"

	"github.com/xplshn/basm/pkg/asm"
	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/segment"
)

const (
	// BankPort selects the bank mapped into the window; #FF unmaps it
	BankPort = 0x7F
	// ConsolePort collects whatever the program writes to it
	ConsolePort = 0x01
)

var ErrNoEntry = errors.New("no entry point")

// Memory is a flat 64K address space plus the banks of a memory model.
// While a bank is selected, accesses inside the window reach that bank.
type Memory struct {
	RAM     [0x10000]byte
	Model   *config.MemoryModel
	Console []byte

	banks map[int][]byte
	cur   int
	ports [0x100]byte
}

func NewMemory(model *config.MemoryModel) *Memory {
	return &Memory{Model: model, banks: make(map[int][]byte), cur: segment.NoBank}
}

// Bank is the selected bank, or segment.NoBank
func (m *Memory) Bank() int { return m.cur }

func (m *Memory) Select(bank int) error {
	if bank == segment.NoBank {
		m.cur = bank
		return nil
	}
	if m.Model == nil {
		return segment.ErrNoModel
	}
	if bank < 0 || bank >= m.Model.BankCount {
		return fmt.Errorf("%w: %d (model %s has %d)", segment.ErrBankRange, bank, m.Model.Name, m.Model.BankCount)
	}
	m.cur = bank
	return nil
}

func (m *Memory) page(bank int) []byte {
	p, ok := m.banks[bank]
	if !ok {
		p = make([]byte, m.Model.WindowSize)
		m.banks[bank] = p
	}
	return p
}

// window returns the page and offset backing addr when a bank is mapped
// over it.
func (m *Memory) window(addr uint16) ([]byte, int, bool) {
	if m.cur == segment.NoBank || m.Model == nil {
		return nil, 0, false
	}
	off := int(addr) - int(m.Model.WindowBase)
	if off < 0 || off >= m.Model.WindowSize {
		return nil, 0, false
	}
	return m.page(m.cur), off, true
}

func (m *Memory) Read(addr uint16) byte {
	if p, off, ok := m.window(addr); ok {
		return p[off]
	}
	return m.RAM[addr]
}

func (m *Memory) Write(addr uint16, value byte) {
	if p, off, ok := m.window(addr); ok {
		p[off] = value
		return
	}
	m.RAM[addr] = value
}

func (m *Memory) In(port uint16) byte { return m.ports[byte(port)] }

// Out latches value on the low byte of port. Bank selects outside the
// model are ignored.
func (m *Memory) Out(port uint16, value byte) {
	m.ports[byte(port)] = value
	switch byte(port) {
	case BankPort:
		bank := int(value)
		if value == 0xFF {
			bank = segment.NoBank
		}
		_ = m.Select(bank)
	case ConsolePort:
		m.Console = append(m.Console, value)
	}
}

// SetInput presets the value a later IN from port returns
func (m *Memory) SetInput(port, value byte) { m.ports[port] = value }

// ReadBank reads a byte of bank without mapping it
func (m *Memory) ReadBank(bank int, addr uint16) (byte, error) {
	if m.Model == nil {
		return 0, segment.ErrNoModel
	}
	off := int(addr) - int(m.Model.WindowBase)
	if off < 0 || off >= m.Model.WindowSize {
		return 0, fmt.Errorf("%w: #%04X", segment.ErrOutsideBank, addr)
	}
	return m.page(bank)[off], nil
}

// Load copies every segment to where it is stored: unbanked bytes into RAM,
// banked bytes into their bank pages.
func (m *Memory) Load(segs []*segment.Segment) error {
	for _, s := range segs {
		if !s.Banked() {
			copy(m.RAM[s.Base:], s.Data)
			continue
		}
		if m.Model == nil {
			return fmt.Errorf("segment %d: %w", s.ID, segment.ErrNoModel)
		}
		off := int(s.Base) - int(m.Model.WindowBase)
		if off < 0 || off+len(s.Data) > m.Model.WindowSize {
			return fmt.Errorf("segment %d: %w", s.ID, segment.ErrOutsideBank)
		}
		copy(m.page(s.Bank)[off:], s.Data)
	}
	return nil
}

// Machine is a CPU wired to banked memory
type Machine struct {
	CPU    *CPU
	Memory *Memory
}

// Boot loads res and points PC at its entry: the .entry address, otherwise
// the start of the first unbanked segment.
func Boot(res *asm.Result, model *config.MemoryModel) (*Machine, error) {
	mem := NewMemory(model)
	if err := mem.Load(res.Segments); err != nil {
		return nil, err
	}
	cpu := NewCPU(mem)
	switch {
	case res.Entry != nil:
		cpu.PC = *res.Entry
	default:
		found := false
		for _, s := range res.Segments {
			if !s.Banked() {
				cpu.PC, found = s.Base, true
				break
			}
		}
		if !found {
			return nil, ErrNoEntry
		}
	}
	return &Machine{CPU: cpu, Memory: mem}, nil
}

// Package segment tracks the output regions of a compilation and the single
// write cursor into them.
package segment

import (
	"errors"
	"fmt"

	"github.com/xplshn/basm/pkg/config"
)

var (
	ErrOverflow    = errors.New("segment overflow")
	ErrNoModel     = errors.New("no memory model selected")
	ErrModelLocked = errors.New("memory model cannot change after a bank was used")
	ErrBankUsed    = errors.New("bank already used")
	ErrBankRange   = errors.New("bank out of range")
	ErrOutsideBank = errors.New("address outside the bank window")
	ErrNoOrigin    = errors.New("no origin set")
	ErrXorgTwice   = errors.New("segment already has an execution origin")
	ErrBadPatch    = errors.New("patch outside segment")
)

// NoBank marks an unbanked segment
const NoBank = -1

// Segment is one contiguous run of bytes. Base is where the bytes are
// stored; Disp and Xorg describe where the code believes it runs.
type Segment struct {
	ID      int
	Base    uint16
	Bank    int
	Disp    uint16
	HasDisp bool
	Xorg    uint16
	HasXorg bool
	Data    []byte
}

func (s *Segment) Banked() bool { return s.Bank != NoBank }

// End is the storage address one past the last byte
func (s *Segment) End() int { return int(s.Base) + len(s.Data) }

// Logical is the run-time address of the next byte
func (s *Segment) Logical() uint16 {
	n := uint16(len(s.Data))
	switch {
	case s.HasXorg:
		return s.Xorg + n
	case s.HasDisp:
		return s.Base + s.Disp + n
	}
	return s.Base + n
}

type Manager struct {
	model      *config.MemoryModel
	segs       []*Segment
	cur        *Segment
	bank       int
	used       map[int]bool
	disp       uint16
	dispOn     bool
	overflowed bool
}

func NewManager() *Manager { return &Manager{bank: NoBank, used: make(map[int]bool)} }

func (m *Manager) Model() *config.MemoryModel { return m.model }

func (m *Manager) SetModel(model *config.MemoryModel) error {
	if len(m.used) > 0 {
		return ErrModelLocked
	}
	m.model = model
	return nil
}

// Open reports whether a segment is receiving bytes
func (m *Manager) Open() bool { return m.cur != nil }

// Bank is the bank of the open segment, or NoBank
func (m *Manager) Bank() int { return m.bank }

func (m *Manager) limit() int {
	if m.bank != NoBank {
		return int(m.model.WindowBase) + m.model.WindowSize
	}
	return 0x10000
}

func (m *Manager) open(base uint16) *Segment {
	s := &Segment{ID: len(m.segs), Base: base, Bank: m.bank, Disp: m.disp, HasDisp: m.dispOn}
	m.segs = append(m.segs, s)
	m.cur = s
	return s
}

// SetOrigin moves the cursor. An empty open segment is rebased, a cursor
// that already sits at addr is left alone, anything else opens a segment.
func (m *Manager) SetOrigin(addr uint16) error {
	if m.bank != NoBank {
		if int(addr) < int(m.model.WindowBase) || int(addr) >= m.limit() {
			return fmt.Errorf("%w: #%04X not in #%04X-#%04X", ErrOutsideBank, addr, m.model.WindowBase, m.limit()-1)
		}
	}
	switch {
	case m.cur == nil:
		m.open(addr)
	case len(m.cur.Data) == 0:
		m.cur.Base = addr
	case m.cur.End() != int(addr):
		m.open(addr)
	}
	return nil
}

// SetBank opens the first segment of bank id at window base plus offset.
func (m *Manager) SetBank(id, offset int) error {
	if m.model == nil {
		return ErrNoModel
	}
	if id < 0 || id >= m.model.BankCount {
		return fmt.Errorf("%w: bank %d, model '%s' has %d", ErrBankRange, id, m.model.Name, m.model.BankCount)
	}
	if offset < 0 || offset >= m.model.WindowSize {
		return fmt.Errorf("%w: offset #%X, window is #%X bytes", ErrBankRange, offset, m.model.WindowSize)
	}
	if m.used[id] {
		return fmt.Errorf("%w: %d", ErrBankUsed, id)
	}
	m.used[id] = true
	m.bank = id
	m.open(m.model.WindowBase + uint16(offset))
	return nil
}

// continuation opens a segment at the storage cursor so run-time metadata
// can change without disturbing bytes already emitted.
func (m *Manager) continuation() {
	if m.cur != nil && len(m.cur.Data) > 0 {
		m.open(uint16(m.cur.End()))
	}
}

func (m *Manager) SetDisplacement(v uint16) {
	m.disp, m.dispOn = v, true
	m.continuation()
	if m.cur != nil {
		m.cur.Disp, m.cur.HasDisp = v, true
	}
}

func (m *Manager) ClearDisplacement() {
	m.disp, m.dispOn = 0, false
	if m.cur != nil && m.cur.HasDisp {
		m.continuation()
		m.cur.Disp, m.cur.HasDisp = 0, false
	}
}

func (m *Manager) SetXorg(v uint16) error {
	if m.cur == nil {
		return ErrNoOrigin
	}
	if m.cur.HasXorg {
		return ErrXorgTwice
	}
	m.continuation()
	m.cur.Xorg, m.cur.HasXorg = v, true
	return nil
}

// BeginStatement re-arms the overflow report
func (m *Manager) BeginStatement() { m.overflowed = false }

// Emit appends bytes to the open segment. The first byte that would cross
// the window reports ErrOverflow; it and every later byte of the statement
// are dropped.
func (m *Manager) Emit(b ...byte) error {
	if m.cur == nil {
		return ErrNoOrigin
	}
	lim := m.limit()
	for i, c := range b {
		if m.cur.End() >= lim {
			if m.overflowed {
				return nil
			}
			m.overflowed = true
			return fmt.Errorf("%w: %d byte(s) past #%04X", ErrOverflow, len(b)-i, lim-1)
		}
		m.cur.Data = append(m.cur.Data, c)
	}
	return nil
}

// Address is the logical address of the next byte
func (m *Manager) Address() uint16 {
	if m.cur == nil {
		return 0
	}
	return m.cur.Logical()
}

// Storage is the storage address of the next byte
func (m *Manager) Storage() uint16 {
	if m.cur == nil {
		return 0
	}
	return uint16(m.cur.End())
}

// Cursor names the segment and offset the next byte will land at
func (m *Manager) Cursor() (seg, offset int) {
	if m.cur == nil {
		return -1, 0
	}
	return m.cur.ID, len(m.cur.Data)
}

func (m *Manager) Patch(seg, offset int, b []byte) error {
	if seg < 0 || seg >= len(m.segs) {
		return ErrBadPatch
	}
	s := m.segs[seg]
	if offset < 0 || offset+len(b) > len(s.Data) {
		return fmt.Errorf("%w: %d+%d of %d", ErrBadPatch, offset, len(b), len(s.Data))
	}
	copy(s.Data[offset:], b)
	return nil
}

// Segments returns every segment in creation order
func (m *Manager) Segments() []*Segment { return m.segs }

// Output drops empty unbanked segments; an empty bank still marks the bank.
func (m *Manager) Output() []*Segment {
	var out []*Segment
	for _, s := range m.segs {
		if len(s.Data) > 0 || s.Banked() {
			out = append(out, s)
		}
	}
	return out
}

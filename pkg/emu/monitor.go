package emu

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/scope"
)

// Command is a parsed monitor line
type Command struct {
	Name string
	Args []string
}

func ParseCommand(input string) Command {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return Command{}
	}
	return Command{Name: strings.ToLower(parts[0]), Args: parts[1:]}
}

// Monitor is an interactive front end to a Machine
type Monitor struct {
	m   *Machine
	out io.Writer

	syms   map[string]scope.Entry
	labels map[uint16]string

	// Limit bounds a single 'go'; 0 means no bound
	Limit uint64
}

func NewMonitor(m *Machine, syms []scope.Entry, out io.Writer) *Monitor {
	mon := &Monitor{m: m, out: out, syms: make(map[string]scope.Entry), labels: make(map[uint16]string)}
	for _, e := range syms {
		if !e.Defined || e.Kind == scope.ModuleName {
			continue
		}
		mon.syms[strings.ToLower(e.Name)] = e
		if e.Kind == scope.Label {
			if _, taken := mon.labels[e.Value]; !taken {
				mon.labels[e.Value] = e.Name
			}
		}
	}
	return mon
}

// Address reads a number or a symbol name
func (mon *Monitor) Address(s string) (uint16, bool) {
	if v, ok := parseNumber(s); ok {
		return v, true
	}
	if e, ok := mon.syms[strings.ToLower(s)]; ok {
		return e.Value, true
	}
	return 0, false
}

func parseNumber(s string) (uint16, bool) {
	v, err := config.ParseNumber(s)
	return v, err == nil
}

func (mon *Monitor) printf(format string, args ...any) {
	fmt.Fprintf(mon.out, format, args...)
}

// Exec runs one command line and reports whether the monitor should quit
func (mon *Monitor) Exec(line string) bool {
	cmd := ParseCommand(line)
	switch cmd.Name {
	case "":
	case "r", "regs":
		mon.registers()
	case "s", "step":
		mon.step(cmd)
	case "g", "go":
		mon.run(cmd)
	case "b", "break":
		mon.setBreak(cmd, true)
	case "bc":
		mon.setBreak(cmd, false)
	case "bl":
		mon.listBreaks()
	case "m", "mem":
		mon.memory(cmd)
	case "sym":
		mon.symbols(cmd)
	case "x", "q", "quit":
		return true
	case "?", "help":
		mon.help()
	default:
		mon.printf("unknown command: %s (try 'help')\n", cmd.Name)
	}
	return false
}

func (mon *Monitor) flags() string {
	const names = "SZYHXPNC"
	var b strings.Builder
	for i := range 8 {
		if mon.m.CPU.F&(0x80>>i) != 0 {
			b.WriteByte(names[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func (mon *Monitor) where(addr uint16) string {
	if name, ok := mon.labels[addr]; ok {
		return " <" + name + ">"
	}
	return ""
}

func (mon *Monitor) registers() {
	c := mon.m.CPU
	mon.printf("AF=#%04X BC=#%04X DE=#%04X HL=#%04X SP=#%04X PC=#%04X%s\n",
		c.AF(), c.BC(), c.DE(), c.HL(), c.SP, c.PC, mon.where(c.PC))
	iff := 0
	if c.IFF1 {
		iff = 1
	}
	bank := "-"
	if b := mon.m.Memory.Bank(); b >= 0 {
		bank = strconv.Itoa(b)
	}
	mon.printf("I=%02X R=%02X IM=%d IFF=%d F=%s bank=%s steps=%d\n", c.I, c.R, c.IM, iff, mon.flags(), bank, c.Steps)
}

func (mon *Monitor) step(cmd Command) {
	n := 1
	if len(cmd.Args) > 0 {
		v, ok := parseNumber(cmd.Args[0])
		if !ok || v == 0 {
			mon.printf("bad count: %s\n", cmd.Args[0])
			return
		}
		n = int(v)
	}
	for range n {
		if err := mon.m.CPU.Step(); err != nil {
			mon.printf("%v\n", err)
			break
		}
		if mon.m.CPU.Halted {
			break
		}
	}
	mon.registers()
}

func (mon *Monitor) run(cmd Command) {
	if len(cmd.Args) > 0 {
		addr, ok := mon.Address(cmd.Args[0])
		if !ok {
			mon.printf("bad address: %s\n", cmd.Args[0])
			return
		}
		mon.m.CPU.PC = addr
		mon.m.CPU.Halted = false
	}
	err := mon.m.CPU.Run(mon.Limit)
	switch {
	case err == nil:
		mon.printf("halted at #%04X%s\n", mon.m.CPU.PC-1, mon.where(mon.m.CPU.PC-1))
	case errors.Is(err, ErrBreakpoint):
		mon.printf("break at #%04X%s\n", mon.m.CPU.PC, mon.where(mon.m.CPU.PC))
	default:
		mon.printf("%v\n", err)
	}
	mon.registers()
}

func (mon *Monitor) setBreak(cmd Command, on bool) {
	if len(cmd.Args) == 0 {
		mon.printf("usage: %s <address>\n", cmd.Name)
		return
	}
	for _, a := range cmd.Args {
		addr, ok := mon.Address(a)
		if !ok {
			mon.printf("bad address: %s\n", a)
			continue
		}
		if on {
			mon.m.CPU.Breakpoints[addr] = true
		} else {
			delete(mon.m.CPU.Breakpoints, addr)
		}
	}
}

func (mon *Monitor) listBreaks() {
	addrs := make([]int, 0, len(mon.m.CPU.Breakpoints))
	for a := range mon.m.CPU.Breakpoints {
		addrs = append(addrs, int(a))
	}
	sort.Ints(addrs)
	for _, a := range addrs {
		mon.printf("#%04X%s\n", a, mon.where(uint16(a)))
	}
}

func (mon *Monitor) memory(cmd Command) {
	addr := mon.m.CPU.PC
	lines := 4
	if len(cmd.Args) > 0 {
		v, ok := mon.Address(cmd.Args[0])
		if !ok {
			mon.printf("bad address: %s\n", cmd.Args[0])
			return
		}
		addr = v
	}
	if len(cmd.Args) > 1 {
		if v, ok := parseNumber(cmd.Args[1]); ok && v > 0 {
			lines = int(v)
		}
	}
	for range lines {
		var hex strings.Builder
		ascii := make([]byte, 16)
		for j := range 16 {
			v := mon.m.Memory.Read(addr + uint16(j))
			if j == 8 {
				hex.WriteByte(' ')
			}
			fmt.Fprintf(&hex, " %02X", v)
			if v >= 0x20 && v < 0x7F {
				ascii[j] = v
			} else {
				ascii[j] = '.'
			}
		}
		mon.printf("#%04X:%s  %s\n", addr, hex.String(), ascii)
		addr += 16
	}
}

func (mon *Monitor) symbols(cmd Command) {
	if len(cmd.Args) > 0 {
		for _, name := range cmd.Args {
			e, ok := mon.syms[strings.ToLower(name)]
			if !ok {
				mon.printf("%s: not found\n", name)
				continue
			}
			mon.printf("%s = #%04X (%s)\n", e.Name, e.Value, e.Kind)
		}
		return
	}
	names := make([]string, 0, len(mon.syms))
	for n := range mon.syms {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		e := mon.syms[n]
		mon.printf("%-24s #%04X\n", e.Name, e.Value)
	}
}

func (mon *Monitor) help() {
	mon.printf(`r                 registers
s [n]             step n instructions
g [addr]          run until halt or breakpoint
b addr..          set breakpoints
bc addr..         clear breakpoints
bl                list breakpoints
m [addr] [lines]  dump memory
sym [name..]      list or look up symbols
q                 quit
Addresses are #hex, $hex, 0xhex, decimal or a symbol name.
`)
}

func (mon *Monitor) complete(line string) []string {
	if strings.Contains(line, " ") {
		head := line[:strings.LastIndex(line, " ")+1]
		word := strings.ToLower(line[len(head):])
		var out []string
		for n, e := range mon.syms {
			if strings.HasPrefix(n, word) {
				out = append(out, head+e.Name)
			}
		}
		sort.Strings(out)
		return out
	}
	var out []string
	for _, c := range []string{"break", "bc", "bl", "go", "help", "mem", "quit", "regs", "step", "sym"} {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}
	return out
}

// Repl reads commands from the terminal until quit or end of input
func (mon *Monitor) Repl() error {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(mon.complete)

	mon.registers()
	for {
		line, err := ln.Prompt("mon> ")
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		ln.AppendHistory(line)
		if mon.Exec(line) {
			return nil
		}
	}
}

// Package scope holds the tree of lexical scopes and their symbol tables.
// Children are owned by their parent's slice; the Parent field is only used
// to walk upward during name resolution.
package scope

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/structs"
	"github.com/xplshn/basm/pkg/token"
)

var (
	ErrDuplicate  = errors.New("duplicate definition")
	ErrUnknown    = errors.New("unknown symbol")
	ErrNotVisible = errors.New("symbol is not visible here")
	ErrNotScope   = errors.New("not a scope")
	ErrAtRoot     = errors.New("no scope to close")
)

type Kind int

const (
	Root Kind = iota
	Module
	Proc
	Loop
)

func (k Kind) String() string {
	switch k {
	case Module: return "module"
	case Proc: return "proc"
	case Loop: return "loop"
	}
	return "root"
}

type SymKind int

const (
	Label SymKind = iota
	Constant
	Variable
	Struct
	Field
	ModuleName
)

func (k SymKind) String() string {
	return [...]string{"label", "constant", "variable", "struct", "field", "module"}[k]
}

// NoBank marks a symbol that does not live in a bank
const NoBank = -1

// Pending is a constant whose expression could not be evaluated when it was
// defined. It is evaluated again, in the same context, on first use.
type Pending struct {
	Expr    *ast.Node
	Scope   *Scope
	Address uint16
}

type Symbol struct {
	Name       string
	Norm       string
	Kind       SymKind
	Value      uint16
	Defined    bool
	Pending    *Pending
	Evaluating bool
	Scope      *Scope
	Inner      *Scope
	Struct     *structs.Def
	Bank       int
	Pos        token.Pos
	Referenced bool
}

// Local symbols start with a single '@' and are hidden outside their scope
func (s *Symbol) Local() bool { return isLocal(s.Name) }

func isLocal(name string) bool { return strings.HasPrefix(name, "@") && !strings.HasPrefix(name, "@@") }

// Table keeps symbols in definition order
type Table struct {
	byName map[string]*Symbol
	order  []*Symbol
}

func newTable() *Table { return &Table{byName: make(map[string]*Symbol)} }

func (t *Table) Get(norm string) *Symbol { return t.byName[norm] }
func (t *Table) All() []*Symbol           { return t.order }

func (t *Table) put(sym *Symbol) {
	t.byName[sym.Norm] = sym
	t.order = append(t.order, sym)
}

type Scope struct {
	Kind     Kind
	Name     string
	Local    bool
	Parent   *Scope
	Children []*Scope
	Symbols  *Table
	temps    *Table
}

func newScope(kind Kind, name string, local bool, parent *Scope) *Scope {
	return &Scope{Kind: kind, Name: name, Local: local, Parent: parent, Symbols: newTable(), temps: newTable()}
}

// Within reports whether s is anc or nested inside it
func (s *Scope) Within(anc *Scope) bool {
	for c := s; c != nil; c = c.Parent {
		if c == anc {
			return true
		}
	}
	return false
}

// Path is the dotted name of the scope; anonymous scopes are numbered by
// their position in the parent.
func (s *Scope) Path() string {
	if s.Parent == nil {
		return ""
	}
	name := s.Name
	if name == "" {
		for i, c := range s.Parent.Children {
			if c == s {
				name = "@" + strconv.Itoa(i)
			}
		}
	}
	if p := s.Parent.Path(); p != "" {
		return p + "." + name
	}
	return name
}

// Tree is the scope hierarchy of one compilation
type Tree struct {
	Root      *Scope
	Current   *Scope
	Normalize func(string) string
	refs      map[string]bool
}

func NewTree(normalize func(string) string) *Tree {
	if normalize == nil {
		normalize = func(s string) string { return s }
	}
	root := newScope(Root, "", false, nil)
	return &Tree{Root: root, Current: root, Normalize: normalize, refs: make(map[string]bool)}
}

// Enter opens a child of the current scope and makes it current
func (t *Tree) Enter(kind Kind, name string, local bool) *Scope {
	s := newScope(kind, name, local, t.Current)
	t.Current.Children = append(t.Current.Children, s)
	t.Current = s
	return s
}

func (t *Tree) Exit() error {
	if t.Current.Parent == nil {
		return ErrAtRoot
	}
	t.Current = t.Current.Parent
	return nil
}

// Define adds name to the current scope. Variables may be assigned again;
// every other kind collides with an existing name.
func (t *Tree) Define(name string, kind SymKind, value uint16, pos token.Pos) (*Symbol, error) {
	norm := t.Normalize(name)
	tab := t.Current.Symbols
	if existing := tab.Get(norm); existing != nil {
		if kind == Variable && existing.Kind == Variable {
			existing.Value, existing.Defined, existing.Pos = value, true, pos
			return existing, nil
		}
		return existing, fmt.Errorf("%w of '%s' (previous %s at line %d)", ErrDuplicate, name, existing.Kind, existing.Pos.Line)
	}
	sym := &Symbol{Name: name, Norm: norm, Kind: kind, Value: value, Defined: true, Scope: t.Current, Bank: NoBank, Pos: pos}
	tab.put(sym)
	return sym, nil
}

// DefinePending adds a constant whose value is not known yet
func (t *Tree) DefinePending(name string, p *Pending, pos token.Pos) (*Symbol, error) {
	sym, err := t.Define(name, Constant, 0, pos)
	if err != nil {
		return sym, err
	}
	sym.Defined, sym.Pending = false, p
	return sym, nil
}

// DefineTemp binds an '@@' label in the current scope's temporary pool
func (t *Tree) DefineTemp(name string, value uint16, pos token.Pos) (*Symbol, error) {
	norm := t.Normalize(name)
	if existing := t.Current.temps.Get(norm); existing != nil {
		return existing, fmt.Errorf("%w of temporary label '%s' (previous at line %d)", ErrDuplicate, name, existing.Pos.Line)
	}
	sym := &Symbol{Name: name, Norm: norm, Kind: Label, Value: value, Defined: true, Scope: t.Current, Bank: NoBank, Pos: pos}
	t.Current.temps.put(sym)
	return sym, nil
}

// ResolveTemp finds a temporary label in from's pool only
func (t *Tree) ResolveTemp(name string, from *Scope) (*Symbol, error) {
	if sym := from.temps.Get(t.Normalize(name)); sym != nil {
		return sym, nil
	}
	return nil, fmt.Errorf("%w '%s'", ErrUnknown, name)
}

// Resolve finds a possibly qualified name as seen from the given scope. The
// first part is searched in from and then each ancestor; every later part
// must name a member of the previous match.
func (t *Tree) Resolve(name ast.Name, from *Scope) (*Symbol, error) {
	if name.IsTemp() {
		return t.ResolveTemp(name.Parts[0], from)
	}
	first := t.Normalize(name.Parts[0])

	var sym *Symbol
	if name.Global {
		sym = t.Root.Symbols.Get(first)
	} else {
		for s := from; s != nil && sym == nil; s = s.Parent {
			sym = s.Symbols.Get(first)
		}
	}
	if sym == nil {
		return nil, fmt.Errorf("%w '%s'", ErrUnknown, name)
	}

	for _, part := range name.Parts[1:] {
		switch {
		case sym.Struct != nil:
			f, ok := sym.Struct.Field(part)
			if !ok {
				return nil, fmt.Errorf("%w '%s': struct '%s' has no field '%s'", ErrUnknown, name, sym.Name, part)
			}
			sym = &Symbol{Name: f.Name, Norm: t.Normalize(f.Name), Kind: Field, Value: uint16(f.Offset), Defined: true, Scope: sym.Scope, Bank: NoBank, Pos: f.Pos}
		case sym.Inner != nil:
			inner := sym.Inner
			if inner.Local && !from.Within(inner.Parent) {
				return nil, fmt.Errorf("%w: '%s' is local to '%s'", ErrNotVisible, sym.Name, inner.Parent.Path())
			}
			next := inner.Symbols.Get(t.Normalize(part))
			if next == nil {
				return nil, fmt.Errorf("%w '%s': '%s' has no member '%s'", ErrUnknown, name, sym.Name, part)
			}
			if next.Local() && !from.Within(inner) {
				return nil, fmt.Errorf("%w: '%s' is local to '%s'", ErrNotVisible, next.Name, inner.Path())
			}
			sym = next
		default:
			return nil, fmt.Errorf("%w: '%s' in '%s'", ErrNotScope, sym.Name, name)
		}
	}
	return sym, nil
}

// NoteReference records a lookup so that '.ifused' can see it, including
// references made before the name is defined.
func (t *Tree) NoteReference(name ast.Name, sym *Symbol) {
	if sym != nil {
		sym.Referenced = true
	}
	t.refs[t.normalizeName(name)] = true
}

// WasReferenced answers '.ifused': true when the symbol has been looked up,
// or when the same text was referenced before it was defined.
func (t *Tree) WasReferenced(name ast.Name, from *Scope) bool {
	if sym, err := t.Resolve(name, from); err == nil && sym.Referenced {
		return true
	}
	return t.refs[t.normalizeName(name)]
}

func (t *Tree) normalizeName(name ast.Name) string {
	parts := make([]string, len(name.Parts))
	for i, p := range name.Parts {
		parts[i] = t.Normalize(p)
	}
	n := ast.Name{Parts: parts, Global: name.Global}
	return n.String()
}

// Entry is one row of the symbol table snapshot
type Entry struct {
	Name       string
	Kind       SymKind
	Value      uint16
	Bank       int
	Defined    bool
	Referenced bool
	Pos        token.Pos
}

// Snapshot lists every symbol with its qualified name, in scope order.
func (t *Tree) Snapshot() []Entry {
	var out []Entry
	var walk func(s *Scope)
	walk = func(s *Scope) {
		prefix := s.Path()
		if prefix != "" {
			prefix += "."
		}
		for _, tab := range []*Table{s.Symbols, s.temps} {
			for _, sym := range tab.All() {
				out = append(out, Entry{
					Name: prefix + sym.Name, Kind: sym.Kind, Value: sym.Value, Bank: sym.Bank,
					Defined: sym.Defined, Referenced: sym.Referenced, Pos: sym.Pos,
				})
			}
		}
		for _, c := range s.Children {
			walk(c)
		}
	}
	walk(t.Root)
	return out
}

// Walk visits every symbol in the tree, temporaries included
func (t *Tree) Walk(fn func(*Symbol)) {
	var walk func(s *Scope)
	walk = func(s *Scope) {
		for _, sym := range s.Symbols.All() {
			fn(sym)
		}
		for _, sym := range s.temps.All() {
			fn(sym)
		}
		for _, c := range s.Children {
			walk(c)
		}
	}
	walk(t.Root)
}

package asm

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/expr"
	"github.com/xplshn/basm/pkg/fixup"
	"github.com/xplshn/basm/pkg/scope"
	"github.com/xplshn/basm/pkg/structs"
	"github.com/xplshn/basm/pkg/token"
)

var dataDirectives = map[string]bool{
	"db": true, "byte": true, "dw": true, "word": true,
	"ds": true, "fill": true, "align": true,
	"str": true, "dg": true, "dstruct": true, "incbin": true,
}

func isData(name string) bool { return dataDirectives[name] }

func (s *State) data(st *ast.Stmt) {
	addr, ok := s.address(st.Pos)
	if !ok {
		return
	}
	b, holes, ok := s.dataBytes(st, addr)
	if ok {
		s.emit(st.Pos, b, holes)
	}
}

// dataBytes lays out a data directive starting at address at. Values become
// holes; counts, fill bytes and alignments must be known immediately.
func (s *State) dataBytes(st *ast.Stmt, at uint16) ([]byte, []hole, bool) {
	switch st.Name {
	case "db", "byte":
		return s.values(st, fixup.Byte, 1)
	case "dw", "word":
		return s.values(st, fixup.Word, 2)
	case "ds", "fill":
		return s.space(st)
	case "align":
		return s.align(st, at)
	case "str":
		return s.str(st)
	case "dg":
		return s.graphic(st)
	case "dstruct":
		return s.instance(st)
	case "incbin":
		return s.incbin(st)
	}
	return nil, nil, false
}

func (s *State) argError(st *ast.Stmt, format string, args ...any) ([]byte, []hole, bool) {
	s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .%s %s", ErrArgs, st.Name, fmt.Sprintf(format, args...))
	return nil, nil, false
}

func (s *State) values(st *ast.Stmt, kind fixup.Kind, size int) ([]byte, []hole, bool) {
	if len(st.Args) == 0 {
		return s.argError(st, "needs at least one value")
	}
	var b []byte
	var holes []hole
	for _, a := range st.Args {
		if str, ok := ast.StringValue(a); ok {
			if kind != fixup.Byte {
				return s.argError(st, "does not take strings")
			}
			b = append(b, str...)
			continue
		}
		holes = append(holes, hole{offset: len(b), kind: kind, expr: a})
		b = append(b, make([]byte, size)...)
	}
	return b, holes, true
}

// fillByte evaluates the optional fill argument at index i
func (s *State) fillByte(st *ast.Stmt, i int) (byte, bool) {
	if len(st.Args) <= i {
		return 0, true
	}
	v, err := s.constant(st.Args[i])
	if err != nil {
		s.fail(st.Pos, err)
		return 0, false
	}
	if !expr.FitsByte(v) {
		s.diags.Errorf(diag.CodeRange, st.Pos, "%v: fill #%04X does not fit in a byte", fixup.ErrRange, v)
		return 0, false
	}
	return byte(v), true
}

func (s *State) space(st *ast.Stmt) ([]byte, []hole, bool) {
	if len(st.Args) < 1 || len(st.Args) > 2 {
		return s.argError(st, "takes a count and an optional fill byte")
	}
	n, err := s.constant(st.Args[0])
	if err != nil {
		s.fail(st.Pos, err)
		return nil, nil, false
	}
	// counts are unsigned; only one written with a leading minus is negative
	if u, ok := st.Args[0].Data.(ast.UnaryOpNode); ok && u.Op == token.Minus && n != 0 {
		s.diags.Errorf(diag.CodeNegative, st.Pos, "%v: .%s %d", ErrNegative, st.Name, expr.Signed(n))
		return nil, nil, false
	}
	fill, ok := s.fillByte(st, 1)
	if !ok {
		return nil, nil, false
	}
	return bytes.Repeat([]byte{fill}, int(n)), nil, true
}

func (s *State) align(st *ast.Stmt, at uint16) ([]byte, []hole, bool) {
	if len(st.Args) < 1 || len(st.Args) > 2 {
		return s.argError(st, "takes a boundary and an optional fill byte")
	}
	n, err := s.constant(st.Args[0])
	if err != nil {
		s.fail(st.Pos, err)
		return nil, nil, false
	}
	if n == 0 {
		return s.argError(st, "boundary must not be zero")
	}
	fill, ok := s.fillByte(st, 1)
	if !ok {
		return nil, nil, false
	}
	pad := (int(n) - int(at)%int(n)) % int(n)
	return bytes.Repeat([]byte{fill}, pad), nil, true
}

// str emits each string with bit 7 set on its last character
func (s *State) str(st *ast.Stmt) ([]byte, []hole, bool) {
	if len(st.Args) == 0 {
		return s.argError(st, "needs a string")
	}
	var b []byte
	for _, a := range st.Args {
		str, ok := ast.StringValue(a)
		if !ok || str == "" {
			return s.argError(st, "takes non-empty strings")
		}
		b = append(b, str...)
		b[len(b)-1] |= 0x80
	}
	return b, nil, true
}

// graphic packs pixel strings, eight characters per byte, most significant
// bit first.
func (s *State) graphic(st *ast.Stmt) ([]byte, []hole, bool) {
	if len(st.Args) == 0 {
		return s.argError(st, "needs a pattern")
	}
	var b []byte
	for _, a := range st.Args {
		pat, ok := ast.StringValue(a)
		if !ok {
			return s.argError(st, "takes pattern strings")
		}
		if len(pat)%8 != 0 {
			return s.argError(st, "pattern %q is not a multiple of 8 pixels", pat)
		}
		for i := 0; i < len(pat); i += 8 {
			var v byte
			for _, c := range pat[i : i+8] {
				v <<= 1
				switch c {
				case '1', 'X', 'x', '#':
					v |= 1
				case '0', '.', '-', '_':
				default:
					return s.argError(st, "pattern %q has invalid pixel %q", pat, c)
				}
			}
			b = append(b, v)
		}
	}
	return b, nil, true
}

// instance lays out '.dstruct Name[, values]'. Values go to the fields that
// have a size, in order.
func (s *State) instance(st *ast.Stmt) ([]byte, []hole, bool) {
	if len(st.Args) == 0 {
		return s.argError(st, "needs a struct name")
	}
	name, ok := ast.IdentName(st.Args[0])
	if !ok {
		return s.argError(st, "needs a struct name")
	}
	sym, err := s.scopes.Resolve(name, s.scopes.Current)
	if err != nil {
		s.fail(st.Pos, err)
		return nil, nil, false
	}
	s.scopes.NoteReference(name, sym)
	if sym.Struct == nil || sym.Kind != scope.Struct {
		s.diags.Errorf(diag.CodeNotValue, st.Pos, "%v: '%s' is not a struct", ErrNotValue, name)
		return nil, nil, false
	}
	def := sym.Struct
	var fields []structs.Field
	for _, f := range def.Fields {
		if f.Size > 0 {
			fields = append(fields, f)
		}
	}
	vals := st.Args[1:]
	if len(vals) > len(fields) {
		return s.argError(st, "'%s' has %d field(s), got %d value(s)", def.Name, len(fields), len(vals))
	}
	b := make([]byte, def.Size)
	var holes []hole
	for i, v := range vals {
		f := fields[i]
		if f.Size != 1 && f.Size != 2 {
			return s.argError(st, "field '%s' of %d bytes takes no value", f.Name, f.Size)
		}
		holes = append(holes, hole{offset: f.Offset, kind: fixup.Field, width: f.Size, expr: v})
	}
	return b, holes, true
}

// incbin includes raw bytes: '.incbin "file"[, offset[, length]]'. The
// path is relative to the including source.
func (s *State) incbin(st *ast.Stmt) ([]byte, []hole, bool) {
	if len(st.Args) < 1 || len(st.Args) > 3 {
		return s.argError(st, "takes a file, an optional offset and length")
	}
	path, ok := ast.StringValue(st.Args[0])
	if !ok {
		return s.argError(st, "needs a file name string")
	}
	if !filepath.IsAbs(path) && st.Pos.FileIndex >= 0 && st.Pos.FileIndex < len(s.files) {
		path = filepath.Join(filepath.Dir(s.files[st.Pos.FileIndex]), path)
	}
	content, err := s.readFile(path)
	if err != nil {
		s.diags.Errorf(diag.CodeIO, st.Pos, "cannot read '%s': %v", path, err)
		return nil, nil, false
	}
	var bounds [2]int
	bounds[1] = len(content)
	for i, a := range st.Args[1:] {
		v, err := s.constant(a)
		if err != nil {
			s.fail(st.Pos, err)
			return nil, nil, false
		}
		bounds[i] = int(v)
	}
	off, n := bounds[0], bounds[1]
	if len(st.Args) < 3 {
		n = len(content) - off
	}
	if off > len(content) || n < 0 || off+n > len(content) {
		s.diags.Errorf(diag.CodeRange, st.Pos, "%v: %d+%d outside '%s' (%d bytes)", fixup.ErrRange, off, n, path, len(content))
		return nil, nil, false
	}
	return append([]byte(nil), content[off:off+n]...), nil, true
}

// structStatement handles a statement inside a struct body: data sets the
// size of the field its label names, nothing else may appear.
func (s *State) structStatement(st *ast.Stmt) {
	switch {
	case s.definition(st):
	case st.Kind == ast.Directive && st.Name == "endstruct":
		s.placeLabel(st)
		if s.noArgs(st) {
			s.endStruct()
		}
	case st.Kind == ast.Directive && st.Name == "struct":
		s.fail(st.Pos, s.structs.Begin(st.Name, st.Pos))
	case st.Kind == ast.Empty:
		s.placeLabel(st)
	case st.Kind == ast.Directive && isData(st.Name):
		size := 0
		if b, _, ok := s.dataBytes(st, uint16(s.structs.Offset())); ok {
			size = len(b)
		}
		s.fail(st.Pos, s.structs.AddField(st.Label, size, st.LabelPos))
	case st.Kind == ast.Instruction:
		s.placeLabel(st)
		s.fail(st.Pos, s.structs.Reject("instruction '"+st.Name+"'"))
	default:
		s.placeLabel(st)
		s.fail(st.Pos, s.structs.Reject("."+st.Name))
	}
}

func (s *State) beginStruct(st *ast.Stmt) {
	name, ok := s.blockName(st)
	if !ok {
		return
	}
	if err := s.structs.Begin(name, st.Pos); err != nil {
		s.fail(st.Pos, err)
		return
	}
	s.structPos = st.Pos
}

func (s *State) endStruct() {
	def, err := s.structs.End()
	if err != nil {
		s.fail(s.structPos, err)
		return
	}
	sym, err := s.scopes.Define(def.Name, scope.Struct, uint16(def.Size), def.Pos)
	if err != nil {
		s.fail(def.Pos, err)
		return
	}
	sym.Struct = def
	qualified := def.Name
	if p := s.scopes.Current.Path(); p != "" {
		qualified = p + "." + def.Name
	}
	s.defs[qualified] = def
	if len(def.Fields) == 0 && s.cfg.IsWarningEnabled(config.WarnEmptyStruct) {
		s.diags.Warnf(diag.WarnEmptyStruct, def.Pos, "struct '%s' has no fields", def.Name)
	}
	s.log.Debug("struct", "name", qualified, "size", def.Size, "fields", len(def.Fields))
}

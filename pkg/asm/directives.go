package asm

import (
	"fmt"
	"strings"

	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/fixup"
	"github.com/xplshn/basm/pkg/scope"
)

// labelsAfter lists directives whose label names the address they select
var labelsAfter = map[string]bool{"org": true, "bank": true, "xorg": true, "disp": true, "enddisp": true}

func isConditional(name string) bool {
	switch name {
	case "if", "ifused", "ifnused", "elif", "else", "endif":
		return true
	}
	return false
}

func (s *State) directive(st *ast.Stmt) {
	switch st.Name {
	case "org":
		if v, ok := s.argConstant(st, 0, 1); ok {
			s.fail(st.Pos, s.segs.SetOrigin(v))
			s.log.Debug("origin", "addr", fmt.Sprintf("#%04X", v), "line", st.Pos.Line)
		}
	case "model":
		s.model(st)
	case "bank":
		s.bank(st)
	case "disp":
		if v, ok := s.argConstant(st, 0, 1); ok {
			s.segs.SetDisplacement(v)
		}
	case "enddisp":
		if s.noArgs(st) {
			s.segs.ClearDisplacement()
		}
	case "xorg":
		if v, ok := s.argConstant(st, 0, 1); ok {
			if _, ok := s.address(st.Pos); ok {
				s.fail(st.Pos, s.segs.SetXorg(v))
			}
		}
	case "module":
		s.openModule(st)
	case "proc":
		s.openProc(st)
	case "endmodule":
		s.closeBlock(st, "module")
	case "endproc":
		s.closeBlock(st, "proc")
	case "struct":
		s.beginStruct(st)
	case "endstruct", "endloop":
		s.diags.Errorf(diag.CodeUnmatched, st.Pos, ".%s without a matching opener", st.Name)
	case "equ", "set":
		s.diags.Errorf(diag.CodeBadArgument, st.Pos, ".%s needs a name", st.Name)
	case "entry":
		s.entryPoint(st, &s.entry)
	case "export":
		s.entryPoint(st, &s.export)
	case "assert":
		s.assert(st)
	case "option":
		s.option(st)
	case "include":
		s.diags.Errorf(diag.CodeContext, st.Pos, ".include was not expanded")
	default:
		if isData(st.Name) {
			s.data(st)
			return
		}
		s.diags.Errorf(diag.CodeSyntax, st.Pos, "unknown directive '.%s'", st.Name)
	}
}

// definition handles 'name .equ expr' and 'name = expr'. A constant whose
// value depends on a forward reference is kept pending; a variable must be
// known at once.
func (s *State) definition(st *ast.Stmt) bool {
	if st.Kind != ast.Directive || (st.Name != "equ" && st.Name != "set") || st.Label == "" {
		return false
	}
	if len(st.Args) != 1 {
		s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .%s takes one expression", ErrArgs, st.Name)
		return true
	}
	res, err := s.eval(st.Args[0])
	if err != nil {
		s.fail(st.Pos, err)
		return true
	}
	if st.Name == "set" {
		if !res.Concrete() {
			s.diags.Errorf(diag.CodeNotConstant, st.Pos, "%v: variable '%s' needs a known value", ErrNotConstant, st.Label)
			return true
		}
		_, err = s.scopes.Define(st.Label, scope.Variable, res.Value, st.LabelPos)
	} else if res.Concrete() {
		_, err = s.scopes.Define(st.Label, scope.Constant, res.Value, st.LabelPos)
	} else {
		_, err = s.scopes.DefinePending(st.Label, &scope.Pending{Expr: st.Args[0], Scope: s.scopes.Current, Address: s.here}, st.LabelPos)
	}
	s.fail(st.LabelPos, err)
	return true
}

func (s *State) conditional(st *ast.Stmt) {
	switch st.Name {
	case "if", "ifused", "ifnused":
		if !s.conds.Active() {
			s.conds.PushIf(false)
			s.condPos = append(s.condPos, st.Pos)
			return
		}
		s.segs.BeginStatement()
		s.here = s.segs.Address()
		s.placeLabel(st)
		if st.Name == "if" {
			v, ok := s.argConstant(st, 0, 1)
			s.conds.PushIf(ok && v != 0)
		} else {
			used := s.used(st)
			s.conds.PushUsed(used == (st.Name == "ifused"))
		}
		s.condPos = append(s.condPos, st.Pos)
	case "elif":
		s.noLabel(st)
		v := uint16(0)
		if s.conds.NeedsEval() {
			v, _ = s.argConstant(st, 0, 1)
		}
		s.fail(st.Pos, s.conds.Elif(v != 0))
	case "else":
		s.noLabel(st)
		if s.noArgs(st) {
			s.fail(st.Pos, s.conds.Else())
		}
	case "endif":
		if err := s.conds.Endif(); err != nil {
			s.fail(st.Pos, err)
			return
		}
		s.condPos = s.condPos[:len(s.condPos)-1]
		if s.conds.Active() {
			s.segs.BeginStatement()
			s.here = s.segs.Address()
			s.placeLabel(st)
		}
	}
}

// used answers .ifused for the single name argument
func (s *State) used(st *ast.Stmt) bool {
	if len(st.Args) != 1 {
		s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .%s takes one name", ErrArgs, st.Name)
		return false
	}
	name, ok := ast.IdentName(st.Args[0])
	if !ok {
		s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .%s takes a name, not an expression", ErrArgs, st.Name)
		return false
	}
	return s.scopes.WasReferenced(name, s.scopes.Current)
}

func (s *State) noLabel(st *ast.Stmt) {
	if st.Label != "" {
		s.diags.Errorf(diag.CodeLabeledBranch, st.LabelPos, "label '%s' not allowed on .%s", st.Label, st.Name)
	}
}

// loop replays the statements up to the matching .endloop, each pass in a
// fresh anonymous scope. It returns the index of the .endloop.
func (s *State) loop(i, to int) int {
	st := s.prog[i]
	end := s.matchEndLoop(i, to)
	if end < 0 {
		s.diags.Errorf(diag.CodeUnterminated, st.Pos, "unterminated .loop")
		return to
	}
	s.segs.BeginStatement()
	s.here = s.segs.Address()
	if s.structs.Active() {
		s.fail(st.Pos, s.structs.Reject(".loop"))
		return end
	}
	s.placeLabel(st)
	n, ok := s.argConstant(st, 0, 1)
	if !ok {
		return end
	}
	if s.prog[end].Label != "" {
		s.noLabel(s.prog[end])
	}
	s.log.Debug("loop", "count", n, "line", st.Pos.Line)
	for k := 0; k < int(n); k++ {
		s.scopes.Enter(scope.Loop, "", true)
		s.run(i+1, end)
		s.fail(st.Pos, s.scopes.Exit())
	}
	return end
}

func (s *State) matchEndLoop(i, to int) int {
	depth := 0
	for j := i + 1; j < to; j++ {
		st := s.prog[j]
		if st.Kind != ast.Directive {
			continue
		}
		switch st.Name {
		case "loop":
			depth++
		case "endloop":
			if depth == 0 {
				return j
			}
			depth--
		}
	}
	return -1
}

func (s *State) openModule(st *ast.Stmt) {
	name, ok := s.blockName(st)
	if !ok {
		return
	}
	sym, err := s.scopes.Define(name, scope.ModuleName, 0, st.Pos)
	s.fail(st.Pos, err)
	inner := s.scopes.Enter(scope.Module, name, strings.HasPrefix(name, "@"))
	if err == nil {
		sym.Inner = inner
	}
	s.blocks = append(s.blocks, block{kind: "module", name: name, pos: st.Pos})
	s.log.Debug("enter module", "name", name, "scope", inner.Path())
}

func (s *State) openProc(st *ast.Stmt) {
	name, ok := s.blockName(st)
	if !ok {
		return
	}
	addr, ok := s.address(st.Pos)
	if !ok {
		return
	}
	sym, err := s.scopes.Define(name, scope.Label, addr, st.Pos)
	s.fail(st.Pos, err)
	inner := s.scopes.Enter(scope.Proc, name, strings.HasPrefix(name, "@"))
	if err == nil {
		sym.Inner = inner
		sym.Bank = s.segs.Bank()
	}
	s.blocks = append(s.blocks, block{kind: "proc", name: name, pos: st.Pos})
	s.log.Debug("enter proc", "name", name, "addr", fmt.Sprintf("#%04X", addr))
}

// blockName is the single plain name a .module, .proc or .struct takes
func (s *State) blockName(st *ast.Stmt) (string, bool) {
	if len(st.Args) == 1 {
		if name, ok := ast.IdentName(st.Args[0]); ok && len(name.Parts) == 1 && !name.Global && !name.IsTemp() {
			return name.Parts[0], true
		}
	}
	s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .%s takes one plain name", ErrArgs, st.Name)
	return "", false
}

func (s *State) closeBlock(st *ast.Stmt, kind string) {
	if !s.noArgs(st) {
		return
	}
	if len(s.blocks) == 0 {
		s.diags.Errorf(diag.CodeUnmatched, st.Pos, ".end%s without .%s", kind, kind)
		return
	}
	top := s.blocks[len(s.blocks)-1]
	if top.kind != kind {
		s.diags.Errorf(diag.CodeUnmatched, st.Pos, ".end%s closes .%s '%s' opened at line %d", kind, top.kind, top.name, top.pos.Line)
		return
	}
	s.blocks = s.blocks[:len(s.blocks)-1]
	s.fail(st.Pos, s.scopes.Exit())
	s.log.Debug("exit "+kind, "name", top.name)
}

func (s *State) inProc() bool {
	for _, b := range s.blocks {
		if b.kind == "proc" {
			return true
		}
	}
	return false
}

func (s *State) model(st *ast.Stmt) {
	var name string
	if len(st.Args) == 1 {
		if str, ok := ast.StringValue(st.Args[0]); ok {
			name = str
		} else if id, ok := ast.IdentName(st.Args[0]); ok {
			name = id.String()
		}
	}
	if name == "" {
		s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .model takes a model name", ErrArgs)
		return
	}
	prev := s.cfg.Model
	if err := s.cfg.SelectModel(name); err != nil {
		s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v", err)
		return
	}
	if err := s.segs.SetModel(s.cfg.Model); err != nil {
		s.cfg.Model = prev
		s.fail(st.Pos, err)
		return
	}
	s.log.Debug("memory model", "name", s.cfg.Model.Name)
}

// bank handles '.bank id[, offset]'
func (s *State) bank(st *ast.Stmt) {
	if len(st.Args) < 1 || len(st.Args) > 2 {
		s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .bank takes an id and an optional offset", ErrArgs)
		return
	}
	id, err := s.constant(st.Args[0])
	if err != nil {
		s.fail(st.Pos, err)
		return
	}
	off := uint16(0)
	if len(st.Args) == 2 {
		if off, err = s.constant(st.Args[1]); err != nil {
			s.fail(st.Pos, err)
			return
		}
	}
	if err := s.segs.SetBank(int(id), int(off)); err != nil {
		s.fail(st.Pos, err)
		return
	}
	s.log.Debug("bank", "id", id, "addr", fmt.Sprintf("#%04X", s.segs.Address()))
}

func (s *State) entryPoint(st *ast.Stmt, dst **deferred) {
	if s.inProc() {
		s.diags.Errorf(diag.CodeContext, st.Pos, "%v: .%s inside a .proc", ErrContext, st.Name)
		return
	}
	if len(st.Args) != 1 {
		s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .%s takes one address", ErrArgs, st.Name)
		return
	}
	*dst = &deferred{expr: st.Args[0], scope: s.scopes.Current, addr: s.here, pos: st.Pos}
}

// assert checks its condition now when it can, otherwise after pass 2
func (s *State) assert(st *ast.Stmt) {
	if len(st.Args) < 1 || len(st.Args) > 2 {
		s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .assert takes a condition and an optional message", ErrArgs)
		return
	}
	msg := ""
	if len(st.Args) == 2 {
		str, ok := ast.StringValue(st.Args[1])
		if !ok {
			s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .assert message must be a string", ErrArgs)
			return
		}
		msg = str
	}
	res, err := s.eval(st.Args[0])
	if err != nil {
		s.fail(st.Pos, err)
		return
	}
	if !res.Concrete() {
		s.fixups.Add(&fixup.Fixup{Segment: -1, Kind: fixup.Assert, Expr: st.Args[0], Scope: s.scopes.Current, Address: s.here, Pos: st.Pos, Msg: msg})
		return
	}
	if res.Value == 0 {
		if msg != "" {
			s.diags.Errorf(diag.CodeAssert, st.Pos, "%v: %s", fixup.ErrAssert, msg)
		} else {
			s.diags.Errorf(diag.CodeAssert, st.Pos, "%v", fixup.ErrAssert)
		}
	}
}

// option applies '-W'/'-F' style flags from the source
func (s *State) option(st *ast.Stmt) {
	for _, a := range st.Args {
		str, ok := ast.StringValue(a)
		if !ok {
			s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .option takes strings", ErrArgs)
			return
		}
		caseSensitive := s.cfg.IsFeatureEnabled(config.FeatCaseSensitive)
		if err := s.cfg.ProcessDirectiveFlags(str); err != nil {
			s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v", err)
		}
		// symbols are already stored under the case rule in force
		if s.cfg.IsFeatureEnabled(config.FeatCaseSensitive) != caseSensitive {
			s.cfg.SetFeature(config.FeatCaseSensitive, caseSensitive)
			s.diags.Errorf(diag.CodeContext, st.Pos, "%v: case-sensitive can only be set on the command line", ErrContext)
		}
	}
}

// argConstant evaluates argument i of a directive that takes exactly n
func (s *State) argConstant(st *ast.Stmt, i, n int) (uint16, bool) {
	if len(st.Args) != n {
		s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .%s takes %d argument(s), got %d", ErrArgs, st.Name, n, len(st.Args))
		return 0, false
	}
	v, err := s.constant(st.Args[i])
	if err != nil {
		s.fail(st.Pos, err)
		return 0, false
	}
	return v, true
}

func (s *State) noArgs(st *ast.Stmt) bool {
	if len(st.Args) > 0 {
		s.diags.Errorf(diag.CodeBadArgument, st.Pos, "%v: .%s takes no arguments", ErrArgs, st.Name)
		return false
	}
	return true
}

// Package asm is the emission driver. One State is built per compilation;
// it walks the statement stream once, emitting bytes and recording fixups,
// then resolves the fixups in a second pass.
package asm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/cond"
	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/expr"
	"github.com/xplshn/basm/pkg/fixup"
	"github.com/xplshn/basm/pkg/parser"
	"github.com/xplshn/basm/pkg/scope"
	"github.com/xplshn/basm/pkg/segment"
	"github.com/xplshn/basm/pkg/structs"
	"github.com/xplshn/basm/pkg/token"
	"github.com/xplshn/basm/pkg/z80"
)

var (
	ErrNotConstant = errors.New("value must be known here")
	ErrNotValue    = errors.New("not a value")
	ErrContext     = errors.New("not allowed here")
	ErrArgs        = errors.New("wrong arguments")
	ErrNegative    = errors.New("negative size")
)

type Options struct {
	// Logger receives scope, segment and pass progress. Nil discards.
	Logger *log.Logger
	// ReadFile loads sources and .incbin data; defaults to os.ReadFile.
	ReadFile func(string) ([]byte, error)
}

// Result is everything a compilation hands to the tools downstream
type Result struct {
	Segments    []*segment.Segment
	Symbols     []scope.Entry
	Entry       *uint16
	Export      *uint16
	Structs     map[string]*structs.Def
	Diagnostics []diag.Diagnostic
	Files       []diag.SourceFile
	// Model is the memory model in force at the end of the run
	Model *config.MemoryModel
}

func (r *Result) HasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == diag.Error {
			return true
		}
	}
	return false
}

// Lookup finds a symbol entry by qualified name
func (r *Result) Lookup(name string) (scope.Entry, bool) {
	for _, e := range r.Symbols {
		if e.Name == name {
			return e, true
		}
	}
	return scope.Entry{}, false
}

type block struct {
	kind string
	name string
	pos  token.Pos
}

// deferred is a value evaluated after pass 1, such as the entry point
type deferred struct {
	expr  *ast.Node
	scope *scope.Scope
	addr  uint16
	pos   token.Pos
}

// State is the whole mutable state of one compilation
type State struct {
	cfg      *config.Config
	log      *log.Logger
	readFile func(string) ([]byte, error)
	diags    *diag.List

	scopes  *scope.Tree
	segs    *segment.Manager
	conds   cond.Stack
	condPos []token.Pos
	structs *structs.Compiler
	fixups  fixup.Resolver
	blocks  []block

	defs      map[string]*structs.Def
	structPos token.Pos
	entry     *deferred
	export    *deferred

	prog  []*ast.Stmt
	files []string
	here  uint16
}

func New(cfg *config.Config, opts Options) *State {
	return newState(cfg, opts, &diag.List{})
}

func newState(cfg *config.Config, opts Options, diags *diag.List) *State {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	readFile := opts.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	// .model and .option change the copy, never the caller's config
	cfg = cfg.Clone()
	s := &State{
		cfg:      cfg,
		log:      logger,
		readFile: readFile,
		diags:    diags,
		scopes:   scope.NewTree(cfg.Normalizer()),
		segs:     segment.NewManager(),
		structs:  structs.NewCompiler(cfg.Normalizer()),
		defs:     make(map[string]*structs.Def),
	}
	if cfg.Model != nil {
		s.fail(token.Pos{FileIndex: -1}, s.segs.SetModel(cfg.Model))
	}
	return s
}

// AssembleFile loads path with its includes and assembles it
func AssembleFile(path string, cfg *config.Config, opts Options) *Result {
	diags := &diag.List{}
	l := parser.NewLoader(cfg, diags)
	l.IsMnemonic = z80.IsMnemonic
	if opts.ReadFile != nil {
		l.ReadFile = opts.ReadFile
	}
	prog := l.LoadFile(path)
	res := newState(cfg, opts, diags).Assemble(prog)
	res.Files = l.Files
	return res
}

// AssembleSource assembles an in-memory source named name
func AssembleSource(name, src string, cfg *config.Config, opts Options) *Result {
	diags := &diag.List{}
	l := parser.NewLoader(cfg, diags)
	l.IsMnemonic = z80.IsMnemonic
	if opts.ReadFile != nil {
		l.ReadFile = opts.ReadFile
	}
	prog := l.LoadSource(name, src)
	res := newState(cfg, opts, diags).Assemble(prog)
	res.Files = l.Files
	return res
}

// Assemble runs both passes over prog.
func (s *State) Assemble(prog *ast.Program) *Result {
	s.prog, s.files = prog.Stmts, prog.Files
	s.predefine()

	start := time.Now()
	s.run(0, len(s.prog))
	s.log.Info("pass 1 done", "statements", len(s.prog), "segments", len(s.segs.Segments()), "fixups", s.fixups.Len(), "elapsed", time.Since(start))

	start = time.Now()
	s.resolve()
	s.log.Info("pass 2 done", "elapsed", time.Since(start))

	s.checkUnterminated()
	s.warnUnused()
	return s.result()
}

func (s *State) predefine() {
	for name, v := range s.cfg.Defines {
		if _, err := s.scopes.Define(name, scope.Constant, v, token.Pos{FileIndex: -1}); err != nil {
			s.fail(token.Pos{FileIndex: -1}, err)
		}
	}
}

func (s *State) result() *Result {
	res := &Result{
		Segments:    s.segs.Output(),
		Symbols:     s.scopes.Snapshot(),
		Structs:     s.defs,
		Diagnostics: s.diags.Items(),
		Model:       s.segs.Model(),
	}
	res.Entry = s.finalValue(s.entry, ".entry")
	res.Export = s.finalValue(s.export, ".export")
	return res
}

// run executes statements [from, to). Loops are expanded here because
// they replay a range of the stream.
func (s *State) run(from, to int) {
	for i := from; i < to; i++ {
		st := s.prog[i]
		if st.Kind == ast.Directive && st.Name == "loop" && s.conds.Active() {
			i = s.loop(i, to)
			continue
		}
		s.statement(st)
	}
}

func (s *State) statement(st *ast.Stmt) {
	if st.Kind == ast.Directive && isConditional(st.Name) {
		s.conditional(st)
		return
	}
	if !s.conds.Active() {
		return
	}
	s.segs.BeginStatement()
	s.here = s.segs.Address()

	if s.structs.Active() {
		s.structStatement(st)
		return
	}
	if s.definition(st) {
		return
	}
	switch {
	case st.Kind == ast.Directive && labelsAfter[st.Name]:
		s.directive(st)
		s.placeLabel(st)
	case st.Kind == ast.Directive:
		s.placeLabel(st)
		s.directive(st)
	case st.Kind == ast.Instruction:
		s.placeLabel(st)
		s.instruction(st)
	default:
		s.placeLabel(st)
	}
}

// placeLabel binds the statement's label to the current address, or to the
// current offset inside a struct body.
func (s *State) placeLabel(st *ast.Stmt) {
	if st.Label == "" {
		return
	}
	if s.structs.Active() {
		s.fail(st.LabelPos, s.structs.AddField(st.Label, 0, st.LabelPos))
		return
	}
	addr, ok := s.address(st.LabelPos)
	if !ok {
		return
	}
	if strings.HasPrefix(st.Label, "@@") {
		if !s.cfg.IsFeatureEnabled(config.FeatTempLabels) {
			s.diags.Errorf(diag.CodeContext, st.LabelPos, "temporary label '%s' used with temp-labels disabled", st.Label)
			return
		}
		_, err := s.scopes.DefineTemp(st.Label, addr, st.LabelPos)
		s.fail(st.LabelPos, err)
		return
	}
	sym, err := s.scopes.Define(st.Label, scope.Label, addr, st.LabelPos)
	if err != nil {
		s.fail(st.LabelPos, err)
		return
	}
	sym.Bank = s.segs.Bank()
}

// address returns the current address, opening the implicit origin when
// nothing has set one.
func (s *State) address(pos token.Pos) (uint16, bool) {
	if !s.segs.Open() {
		if !s.cfg.IsFeatureEnabled(config.FeatImplicitOrigin) {
			s.diags.Errorf(diag.CodeNoOrigin, pos, "no .org before the first address is needed")
			return 0, false
		}
		if err := s.segs.SetOrigin(0); err != nil {
			s.fail(pos, err)
			return 0, false
		}
		s.log.Debug("implicit origin", "addr", "#0000")
	}
	return s.segs.Address(), true
}

func (s *State) instruction(st *ast.Stmt) {
	enc, err := z80.Encode(st.Name, st.Operands, s.constant)
	if err != nil {
		s.fail(st.Pos, err)
		return
	}
	holes := make([]hole, len(enc.Slots))
	for i, sl := range enc.Slots {
		holes[i] = hole{offset: sl.Offset, kind: sl.Kind, expr: sl.Expr}
	}
	s.emit(st.Pos, enc.Bytes, holes)
}

// hole is an operand field to fill now or to record as a fixup
type hole struct {
	offset int
	kind   fixup.Kind
	width  int
	expr   *ast.Node
}

// emit evaluates each hole. Known values are encoded in place; the rest are
// left as zero bytes and become fixups once the bytes have a position.
func (s *State) emit(pos token.Pos, b []byte, holes []hole) {
	addr, ok := s.address(pos)
	if !ok {
		return
	}
	next := addr + uint16(len(b))
	var pending []hole
	for _, h := range holes {
		res, err := s.eval(h.expr)
		if err != nil {
			s.fail(pos, err)
			continue
		}
		if !res.Concrete() {
			pending = append(pending, h)
			continue
		}
		enc, err := fixup.Encode(h.kind, h.width, res.Value, next)
		if err != nil {
			s.fail(pos, err)
			continue
		}
		s.warnTruncate(pos, h, res.Value)
		copy(b[h.offset:], enc)
	}

	seg, off := s.segs.Cursor()
	if err := s.segs.Emit(b...); err != nil {
		s.fail(pos, err)
	}
	_, end := s.segs.Cursor()
	for _, h := range pending {
		// bytes dropped by an overflow have nothing left to patch
		if off+h.offset+fixup.Size(h.kind, h.width) > end {
			continue
		}
		s.fixups.Add(&fixup.Fixup{
			Segment: seg, Offset: off + h.offset, Kind: h.kind, Width: h.width, Expr: h.expr,
			Scope: s.scopes.Current, Address: s.here, Next: next, Pos: pos,
		})
	}
}

func (s *State) warnTruncate(pos token.Pos, h hole, v uint16) {
	isByte := h.kind == fixup.Byte || (h.kind == fixup.Field && h.width == 1)
	if isByte && v > 0xFF && s.cfg.IsWarningEnabled(config.WarnTruncate) {
		s.diags.Warnf(diag.WarnTruncate, pos, "negative value %d stored in a byte", expr.Signed(v))
	}
}

// env resolves names for the evaluator. Pass 1 records every reference so
// that .ifused sees them in source order.
type env struct {
	s     *State
	scope *scope.Scope
	addr  uint16
	final bool
}

func (e *env) CurrentAddress() uint16 { return e.addr }

func (e *env) Lookup(name ast.Name, tok token.Token) (uint16, bool, error) {
	sym, err := e.s.scopes.Resolve(name, e.scope)
	if err != nil {
		if errors.Is(err, scope.ErrUnknown) {
			if !e.final {
				e.s.scopes.NoteReference(name, nil)
			}
			return 0, false, nil
		}
		return 0, false, err
	}
	e.s.scopes.NoteReference(name, sym)
	if sym.Kind == scope.ModuleName {
		return 0, false, fmt.Errorf("%w: '%s' is a module", ErrNotValue, name)
	}
	if !sym.Defined {
		return e.s.evalPending(sym, e.final)
	}
	return sym.Value, true, nil
}

func (s *State) eval(x *ast.Node) (expr.Result, error) {
	return expr.Eval(x, &env{s: s, scope: s.scopes.Current, addr: s.here})
}

// constant evaluates x and requires a concrete result
func (s *State) constant(x *ast.Node) (uint16, error) {
	res, err := s.eval(x)
	if err != nil {
		return 0, err
	}
	if !res.Concrete() {
		return 0, fmt.Errorf("%w: '%s' is not defined yet", ErrNotConstant, strings.Join(res.Deferred, "', '"))
	}
	return res.Value, nil
}

// evalPending evaluates a constant defined from a forward reference, in the
// context it was defined in. A cycle leaves it unresolved.
func (s *State) evalPending(sym *scope.Symbol, final bool) (uint16, bool, error) {
	p := sym.Pending
	if p == nil || sym.Evaluating {
		return 0, false, nil
	}
	sym.Evaluating = true
	res, err := expr.Eval(p.Expr, &env{s: s, scope: p.Scope, addr: p.Address, final: final})
	sym.Evaluating = false
	if err != nil {
		return 0, false, err
	}
	if !res.Concrete() {
		return 0, false, nil
	}
	sym.Value, sym.Defined, sym.Pending = res.Value, true, nil
	return sym.Value, true, nil
}

// resolve is pass 2
func (s *State) resolve() {
	errs := s.fixups.Resolve(func(f *fixup.Fixup) (expr.Result, error) {
		return expr.Eval(f.Expr, &env{s: s, scope: f.Scope, addr: f.Address, final: true})
	}, func(f *fixup.Fixup, b []byte) error {
		return s.segs.Patch(f.Segment, f.Offset, b)
	})
	for _, e := range errs {
		code := codeFor(e.Err)
		if errors.Is(e.Err, fixup.ErrRange) {
			code = diag.CodeFixupRange
		}
		s.diags.Errorf(code, e.Fixup.Pos, "%v", e.Err)
	}

	s.scopes.Walk(func(sym *scope.Symbol) {
		if sym.Pending == nil {
			return
		}
		if _, ok, err := s.evalPending(sym, true); err != nil {
			s.fail(sym.Pos, err)
		} else if !ok {
			s.diags.Errorf(diag.CodeUnresolved, sym.Pos, "%v in definition of '%s'", fixup.ErrUnresolved, sym.Name)
		}
	})
}

func (s *State) finalValue(d *deferred, what string) *uint16 {
	if d == nil {
		return nil
	}
	res, err := expr.Eval(d.expr, &env{s: s, scope: d.scope, addr: d.addr, final: true})
	if err != nil {
		s.fail(d.pos, err)
		return nil
	}
	if !res.Concrete() {
		s.diags.Errorf(diag.CodeUnresolved, d.pos, "%v '%s' in %s", fixup.ErrUnresolved, strings.Join(res.Deferred, "', '"), what)
		return nil
	}
	v := res.Value
	return &v
}

func (s *State) checkUnterminated() {
	if s.structs.Active() {
		s.diags.Errorf(diag.CodeUnterminated, s.structPos, "unterminated .struct '%s'", s.structs.Name())
	}
	for _, b := range s.blocks {
		s.diags.Errorf(diag.CodeUnterminated, b.pos, "unterminated .%s '%s'", b.kind, b.name)
	}
	for _, p := range s.condPos {
		s.diags.Errorf(diag.CodeUnterminated, p, "unterminated conditional block")
	}
}

func (s *State) warnUnused() {
	if !s.cfg.IsWarningEnabled(config.WarnUnusedLabel) {
		return
	}
	s.scopes.Walk(func(sym *scope.Symbol) {
		if sym.Kind == scope.Label && !sym.Referenced && sym.Inner == nil {
			s.diags.Warnf(diag.WarnUnusedLabel, sym.Pos, "label '%s' is never used", sym.Name)
		}
	})
}

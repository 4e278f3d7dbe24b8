package parser

import (
	"os"
	"path/filepath"

	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/lexer"
	"github.com/xplshn/basm/pkg/token"
)

// maxIncludeDepth stops runaway recursion; it does not detect cycles.
const maxIncludeDepth = 32

// Loader reads source files and splices '.include' directives in place,
// producing one flat statement stream.
type Loader struct {
	Cfg         *config.Config
	Diags       *diag.List
	IncludeDirs []string
	IsMnemonic  func(string) bool
	ReadFile    func(string) ([]byte, error)
	Files       []diag.SourceFile
	paths       []string
}

func NewLoader(cfg *config.Config, diags *diag.List) *Loader {
	return &Loader{Cfg: cfg, Diags: diags, IncludeDirs: cfg.IncludeDirs, ReadFile: os.ReadFile}
}

// LoadFile parses path and everything it includes.
func (l *Loader) LoadFile(path string) *ast.Program {
	data, err := l.ReadFile(path)
	if err != nil {
		l.Diags.Errorf(diag.CodeIO, token.Pos{FileIndex: -1}, "%v", err)
		return &ast.Program{Files: l.paths}
	}
	stmts := l.load(path, string(data), 0)
	return &ast.Program{Stmts: stmts, Files: l.paths}
}

// LoadSource parses an in-memory source. Includes resolve relative to the
// working directory and the include path.
func (l *Loader) LoadSource(name, src string) *ast.Program {
	stmts := l.load(name, src, 0)
	return &ast.Program{Stmts: stmts, Files: l.paths}
}

func (l *Loader) load(name, src string, depth int) []*ast.Stmt {
	fileIndex := len(l.Files)
	content := []rune(src)
	l.Files = append(l.Files, diag.SourceFile{Name: name, Content: content})
	l.paths = append(l.paths, name)

	toks := lexer.NewLexer(content, fileIndex, l.Cfg, l.Diags).Tokenize()
	p := NewParser(toks, l.Diags)
	p.IsMnemonic = l.IsMnemonic

	var out []*ast.Stmt
	for _, stmt := range p.Parse() {
		if stmt.Kind != ast.Directive || stmt.Name != "include" {
			out = append(out, stmt)
			continue
		}
		if stmt.Label != "" {
			out = append(out, &ast.Stmt{Label: stmt.Label, LabelPos: stmt.LabelPos, Pos: stmt.LabelPos})
		}
		out = append(out, l.include(stmt, name, depth)...)
	}
	return out
}

func (l *Loader) include(stmt *ast.Stmt, from string, depth int) []*ast.Stmt {
	if len(stmt.Args) != 1 {
		l.Diags.Errorf(diag.CodeBadArgument, stmt.Pos, ".include expects one file name")
		return nil
	}
	file, ok := ast.StringValue(stmt.Args[0])
	if !ok {
		l.Diags.Errorf(diag.CodeBadArgument, stmt.Pos, ".include expects a quoted file name")
		return nil
	}
	if depth >= maxIncludeDepth {
		l.Diags.Errorf(diag.CodeContext, stmt.Pos, "includes nested deeper than %d levels", maxIncludeDepth)
		return nil
	}
	path, data, err := l.find(file, filepath.Dir(from))
	if err != nil {
		l.Diags.Errorf(diag.CodeIO, stmt.Pos, "cannot include '%s': %v", file, err)
		return nil
	}
	return l.load(path, string(data), depth+1)
}

// find tries the including file's directory first, then the include path.
func (l *Loader) find(file, dir string) (string, []byte, error) {
	candidates := []string{file}
	if !filepath.IsAbs(file) {
		candidates = []string{filepath.Join(dir, file)}
		for _, inc := range l.IncludeDirs {
			candidates = append(candidates, filepath.Join(inc, file))
		}
	}
	var firstErr error
	for _, c := range candidates {
		data, err := l.ReadFile(c)
		if err == nil {
			return c, data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return "", nil, firstErr
}

// Package diag collects assembler diagnostics and renders them in the
// file:line:col format with a caret line under the offending source.
package diag

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xplshn/basm/pkg/token"
	"golang.org/x/term"
)

type Severity int

const (
	Error Severity = iota
	Warning
)

func (s Severity) String() string {
	if s == Warning {
		return "warning"
	}
	return "error"
}

// Code is a stable machine-readable identifier. The hundreds digit groups
// codes by family: 1 structural, 2 names, 3 values, 4 protocol, 5 fixups.
type Code string

const (
	CodeSyntax          Code = "E101"
	CodeUnterminated    Code = "E102"
	CodeBadArgument     Code = "E103"
	CodeUnmatched       Code = "E104"
	CodeNotData         Code = "E105"
	CodeUnknownMnemonic Code = "E106"
	CodeIO              Code = "E107"

	CodeDuplicate  Code = "E201"
	CodeUnknown    Code = "E202"
	CodeNotVisible Code = "E203"
	CodeNotValue   Code = "E204"

	CodeRange       Code = "E301"
	CodeOverflow    Code = "E302"
	CodeBankRange   Code = "E303"
	CodeDivZero     Code = "E304"
	CodeNegative    Code = "E305"
	CodeNotConstant Code = "E306"

	CodeContext       Code = "E401"
	CodeNoModel       Code = "E402"
	CodeLabeledBranch Code = "E403"
	CodeBankUsed      Code = "E404"
	CodeNoOrigin      Code = "E405"
	CodeXorgTwice     Code = "E406"

	CodeUnresolved Code = "E501"
	CodeFixupRange Code = "E502"
	CodeAssert     Code = "E503"

	WarnUnusedLabel Code = "W101"
	WarnTruncate    Code = "W102"
	WarnEmptyStruct Code = "W103"
	WarnExtra       Code = "W104"
)

type Diagnostic struct {
	Code     Code
	Severity Severity
	Pos      token.Pos
	Msg      string
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%d:%d: %s [%s]", d.Pos.Line, d.Pos.Column, d.Msg, d.Code)
}

// List accumulates diagnostics in the order they are reported
type List struct{ items []Diagnostic }

func (l *List) Add(d Diagnostic) { l.items = append(l.items, d) }

func (l *List) Errorf(code Code, pos token.Pos, format string, args ...any) {
	l.Add(Diagnostic{Code: code, Severity: Error, Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

func (l *List) Warnf(code Code, pos token.Pos, format string, args ...any) {
	l.Add(Diagnostic{Code: code, Severity: Warning, Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

func (l *List) Items() []Diagnostic { return l.items }
func (l *List) Len() int            { return len(l.items) }

func (l *List) ErrorCount() int {
	n := 0
	for _, d := range l.items {
		if d.Severity == Error {
			n++
		}
	}
	return n
}

func (l *List) HasErrors() bool { return l.ErrorCount() > 0 }

// SourceFile tracks the name and content of a single source file.
type SourceFile struct {
	Name    string
	Content []rune
}

// Renderer prints diagnostics against the loaded sources
type Renderer struct {
	Files []SourceFile
	Color bool
	w     io.Writer
}

// NewRenderer enables colour only when f is a terminal.
func NewRenderer(f *os.File, files []SourceFile) *Renderer {
	return &Renderer{Files: files, Color: term.IsTerminal(int(f.Fd())), w: f}
}

// NewPlainRenderer writes without escape sequences, for logs and tests.
func NewPlainRenderer(w io.Writer, files []SourceFile) *Renderer {
	return &Renderer{Files: files, w: w}
}

func (r *Renderer) paint(code, s string) string {
	if !r.Color {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func (r *Renderer) fileName(pos token.Pos) string {
	if pos.FileIndex < 0 || pos.FileIndex >= len(r.Files) {
		return "<input>"
	}
	return r.Files[pos.FileIndex].Name
}

func (r *Renderer) Render(d Diagnostic) {
	label := r.paint("31", "error:")
	if d.Severity == Warning {
		label = r.paint("33", "warning:")
	}
	fmt.Fprintf(r.w, "%s:%d:%d: %s %s [%s]\n", r.fileName(d.Pos), d.Pos.Line, d.Pos.Column, label, d.Msg, d.Code)
	r.printLine(d.Pos)
}

func (r *Renderer) RenderAll(list []Diagnostic) {
	for _, d := range list {
		r.Render(d)
	}
}

// printLine prints the source line and a caret indicating the position
func (r *Renderer) printLine(pos token.Pos) {
	if pos.FileIndex < 0 || pos.FileIndex >= len(r.Files) || pos.Line == 0 {
		return
	}
	content := r.Files[pos.FileIndex].Content
	lineNum, lineStart := pos.Line, 0
	for i, c := range content {
		if lineNum <= 1 {
			break
		}
		if c == '\n' {
			lineNum--
			lineStart = i + 1
		}
	}
	lineEnd := len(content)
	for i := lineStart; i < len(content); i++ {
		if content[i] == '\n' {
			lineEnd = i
			break
		}
	}
	fmt.Fprintf(r.w, "  %s\n", strings.TrimRight(string(content[lineStart:lineEnd]), "\r"))

	col := pos.Column
	if col < 1 {
		col = 1
	}
	caret := "^"
	if pos.Len > 1 {
		caret += strings.Repeat("~", pos.Len-1)
	}
	fmt.Fprintf(r.w, "  %s%s\n", strings.Repeat(" ", col-1), r.paint("32", caret))
}

// Package fixup records emissions that depend on values not known yet and
// patches them once every definition exists.
package fixup

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/expr"
	"github.com/xplshn/basm/pkg/scope"
	"github.com/xplshn/basm/pkg/token"
)

var (
	ErrUnresolved = errors.New("unresolved symbol")
	ErrRange      = errors.New("value out of range")
	ErrAssert     = errors.New("assertion failed")
)

type Kind int

const (
	Byte Kind = iota // 8-bit absolute
	Rel8             // signed displacement from the next instruction
	Word             // 16-bit little endian
	Field            // struct field of Width bytes
	Assert           // no bytes; value must be non-zero
)

func (k Kind) String() string {
	return [...]string{"byte", "relative", "word", "field", "assert"}[k]
}

// Size is the number of bytes a kind occupies
func Size(kind Kind, width int) int {
	switch kind {
	case Byte, Rel8:
		return 1
	case Word:
		return 2
	case Field:
		return width
	}
	return 0
}

// Fixup is a hole in an already emitted segment. Scope and Address are the
// context the expression is evaluated in again; Next is the address after
// the instruction, used by relative branches.
type Fixup struct {
	Segment int
	Offset  int
	Kind    Kind
	Width   int
	Expr    *ast.Node
	Scope   *scope.Scope
	Address uint16
	Next    uint16
	Pos     token.Pos
	Msg     string
}

// Encode turns a value into bytes. It is shared by immediate emission and
// the resolver so a forward reference produces the same bytes a known value
// would.
func Encode(kind Kind, width int, value, next uint16) ([]byte, error) {
	switch kind {
	case Byte:
		if !expr.FitsByte(value) {
			return nil, fmt.Errorf("%w: #%04X does not fit in a byte", ErrRange, value)
		}
		return []byte{byte(value)}, nil
	case Rel8:
		d := expr.Signed(value - next)
		if !expr.FitsRel(d) {
			return nil, fmt.Errorf("%w: relative jump of %d bytes", ErrRange, d)
		}
		return []byte{byte(int8(d))}, nil
	case Word:
		return []byte{byte(value), byte(value >> 8)}, nil
	case Field:
		switch width {
		case 1:
			return Encode(Byte, 0, value, next)
		case 2:
			return Encode(Word, 0, value, next)
		}
		return nil, fmt.Errorf("%w: field of %d bytes takes no value", ErrRange, width)
	case Assert:
		if value == 0 {
			return nil, ErrAssert
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown fixup kind %d", kind)
}

// Error ties a resolution failure to its fixup
type Error struct {
	Fixup *Fixup
	Err   error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

type Resolver struct{ items []*Fixup }

func (r *Resolver) Add(f *Fixup)    { r.items = append(r.items, f) }
func (r *Resolver) Len() int        { return len(r.items) }
func (r *Resolver) Items() []*Fixup { return r.items }

// EvalFunc evaluates a fixup expression against the final symbol state
type EvalFunc func(f *Fixup) (expr.Result, error)

// PatchFunc writes resolved bytes back into the fixup's segment
type PatchFunc func(f *Fixup, b []byte) error

// Resolve evaluates every fixup once, in the order they were added. A
// failure never stops the pass; every failure is returned.
func (r *Resolver) Resolve(eval EvalFunc, patch PatchFunc) []*Error {
	var errs []*Error
	for _, f := range r.items {
		if err := resolveOne(f, eval, patch); err != nil {
			errs = append(errs, &Error{Fixup: f, Err: err})
		}
	}
	return errs
}

func resolveOne(f *Fixup, eval EvalFunc, patch PatchFunc) error {
	res, err := eval(f)
	if err != nil {
		return err
	}
	if !res.Concrete() {
		return fmt.Errorf("%w '%s'", ErrUnresolved, strings.Join(res.Deferred, "', '"))
	}
	b, err := Encode(f.Kind, f.Width, res.Value, f.Next)
	if err != nil {
		if f.Kind == Assert && f.Msg != "" {
			return fmt.Errorf("%w: %s", err, f.Msg)
		}
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return patch(f, b)
}

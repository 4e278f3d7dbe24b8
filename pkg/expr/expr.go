// Package expr evaluates expression trees over 16-bit words. A reference
// to a name that is not defined yet does not fail: the result is deferred
// and carries the names that are still missing.
package expr

import (
	"errors"
	"fmt"
	"math"

	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/token"
)

var (
	ErrDivZero   = errors.New("division by zero")
	ErrNotNumber = errors.New("string used as a number")
	ErrBuiltin   = errors.New("bad built-in call")
)

// Env supplies symbol values and the current address.
// Lookup returns ok=false for a name that is not defined yet.
type Env interface {
	Lookup(name ast.Name, tok token.Token) (value uint16, ok bool, err error)
	CurrentAddress() uint16
}

// Result is either a concrete value or the set of names it waits on
type Result struct {
	Value    uint16
	Deferred []string
}

func (r Result) Concrete() bool { return len(r.Deferred) == 0 }

func concrete(v uint16) Result { return Result{Value: v} }

func merge(a, b Result) Result {
	out := Result{}
	seen := make(map[string]bool)
	for _, list := range [][]string{a.Deferred, b.Deferred} {
		for _, n := range list {
			if !seen[n] {
				seen[n] = true
				out.Deferred = append(out.Deferred, n)
			}
		}
	}
	return out
}

func bool16(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

// Signed reads a word as two's complement
func Signed(v uint16) int { return int(int16(v)) }

// FitsByte accepts 0..255 and the negative bytes -128..-1
func FitsByte(v uint16) bool { return v <= 0xFF || v >= 0xFF80 }

// FitsRel accepts a relative displacement in -128..127
func FitsRel(d int) bool { return d >= -128 && d <= 127 }

// Eval evaluates n against env.
func Eval(n *ast.Node, env Env) (Result, error) {
	switch n.Type {
	case ast.Number:
		return concrete(uint16(n.Data.(ast.NumberNode).Value)), nil
	case ast.String:
		s := n.Data.(ast.StringNode).Value
		if len(s) == 1 {
			return concrete(uint16(s[0])), nil
		}
		return Result{}, fmt.Errorf("%w: \"%s\"", ErrNotNumber, s)
	case ast.CurrentAddr:
		return concrete(env.CurrentAddress()), nil
	case ast.Ident:
		name := n.Data.(ast.IdentNode).Name
		v, ok, err := env.Lookup(name, n.Tok)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{Deferred: []string{name.String()}}, nil
		}
		return concrete(v), nil
	case ast.UnaryOp:
		d := n.Data.(ast.UnaryOpNode)
		r, err := Eval(d.Expr, env)
		if err != nil || !r.Concrete() {
			return r, err
		}
		switch d.Op {
		case token.Minus: return concrete(-r.Value), nil
		case token.Complement: return concrete(^r.Value), nil
		case token.Not: return concrete(bool16(r.Value == 0)), nil
		}
		return Result{}, fmt.Errorf("unknown unary operator %s", d.Op)
	case ast.BinaryOp:
		return evalBinary(n.Data.(ast.BinaryOpNode), env)
	case ast.FuncCall:
		return evalCall(n.Data.(ast.FuncCallNode), env)
	}
	return Result{}, fmt.Errorf("unknown expression node %d", n.Type)
}

func evalBinary(d ast.BinaryOpNode, env Env) (Result, error) {
	l, err := Eval(d.Left, env)
	if err != nil {
		return Result{}, err
	}
	r, err := Eval(d.Right, env)
	if err != nil {
		return Result{}, err
	}
	if !l.Concrete() || !r.Concrete() {
		return merge(l, r), nil
	}
	a, b := l.Value, r.Value
	switch d.Op {
	case token.Plus: return concrete(a + b), nil
	case token.Minus: return concrete(a - b), nil
	case token.Star: return concrete(a * b), nil
	case token.And: return concrete(a & b), nil
	case token.Or: return concrete(a | b), nil
	case token.Xor: return concrete(a ^ b), nil
	case token.Shl: return concrete(a << b), nil
	case token.Shr: return concrete(a >> b), nil
	case token.EqEq: return concrete(bool16(a == b)), nil
	case token.Neq: return concrete(bool16(a != b)), nil
	case token.Lt: return concrete(bool16(a < b)), nil
	case token.Gt: return concrete(bool16(a > b)), nil
	case token.Lte: return concrete(bool16(a <= b)), nil
	case token.Gte: return concrete(bool16(a >= b)), nil
	case token.AndAnd: return concrete(bool16(a != 0 && b != 0)), nil
	case token.OrOr: return concrete(bool16(a != 0 || b != 0)), nil
	case token.Slash, token.Rem:
		if b == 0 {
			return Result{}, ErrDivZero
		}
		if d.Op == token.Slash {
			return concrete(a / b), nil
		}
		return concrete(a % b), nil
	}
	return Result{}, fmt.Errorf("unknown binary operator %s", d.Op)
}

var arity = map[string]int{
	"hi": 1, "lo": 1, "abs": 1, "sqrt": 1, "sin": 1, "cos": 1, "strlen": 1, "min": 2, "max": 2,
}

// evalCall runs a built-in once every argument is concrete. sin and cos take
// degrees and return the result scaled by 256.
func evalCall(d ast.FuncCallNode, env Env) (Result, error) {
	want, ok := arity[d.Name]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown function '%s'", ErrBuiltin, d.Name)
	}
	if len(d.Args) != want {
		return Result{}, fmt.Errorf("%w: %s takes %d argument(s), got %d", ErrBuiltin, d.Name, want, len(d.Args))
	}
	if d.Name == "strlen" {
		s, ok := ast.StringValue(d.Args[0])
		if !ok {
			return Result{}, fmt.Errorf("%w: strlen expects a string literal", ErrBuiltin)
		}
		return concrete(uint16(len(s))), nil
	}

	args := make([]uint16, len(d.Args))
	var pending Result
	for i, a := range d.Args {
		r, err := Eval(a, env)
		if err != nil {
			return Result{}, err
		}
		pending = merge(pending, r)
		args[i] = r.Value
	}
	if !pending.Concrete() {
		return pending, nil
	}

	x := args[0]
	switch d.Name {
	case "hi": return concrete(x >> 8), nil
	case "lo": return concrete(x & 0xFF), nil
	case "min": return concrete(min(x, args[1])), nil
	case "max": return concrete(max(x, args[1])), nil
	case "abs":
		if s := Signed(x); s < 0 {
			return concrete(uint16(-s)), nil
		}
		return concrete(x), nil
	case "sqrt": return concrete(uint16(math.Sqrt(float64(x)))), nil
	case "sin", "cos":
		rad := float64(Signed(x)) * math.Pi / 180
		f := math.Sin(rad)
		if d.Name == "cos" {
			f = math.Cos(rad)
		}
		return concrete(uint16(int16(math.Round(f * 256)))), nil
	}
	return Result{}, fmt.Errorf("%w: unknown function '%s'", ErrBuiltin, d.Name)
}

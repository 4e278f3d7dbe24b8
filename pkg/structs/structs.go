// Package structs lays out struct bodies: each field sits at the running
// sum of the sizes declared before it.
package structs

import (
	"errors"
	"fmt"

	"github.com/xplshn/basm/pkg/token"
)

var (
	ErrNested         = errors.New("struct definitions cannot nest")
	ErrNotOpen        = errors.New("no struct is being defined")
	ErrDuplicateField = errors.New("duplicate field")
	ErrNotData        = errors.New("only data declarations are allowed in a struct")
	ErrNegativeSize   = errors.New("negative field size")
)

type Field struct {
	Name   string
	Offset int
	Size   int
	Pos    token.Pos
}

// Def is a finished struct layout. Anonymous fields have an empty name.
type Def struct {
	Name      string
	Fields    []Field
	Size      int
	Pos       token.Pos
	index     map[string]int
	normalize func(string) string
}

// Field finds a named field under the case rule the struct was built with
func (d *Def) Field(name string) (Field, bool) {
	i, ok := d.index[d.normalize(name)]
	if !ok {
		return Field{}, false
	}
	return d.Fields[i], true
}

// Compiler accumulates the body of the struct being defined
type Compiler struct {
	normalize func(string) string
	cur       *Def
}

func NewCompiler(normalize func(string) string) *Compiler {
	if normalize == nil {
		normalize = func(s string) string { return s }
	}
	return &Compiler{normalize: normalize}
}

func (c *Compiler) Active() bool { return c.cur != nil }

// Name is the struct being defined, or empty
func (c *Compiler) Name() string {
	if c.cur == nil {
		return ""
	}
	return c.cur.Name
}

func (c *Compiler) Begin(name string, pos token.Pos) error {
	if c.cur != nil {
		return fmt.Errorf("%w: '%s' opened inside '%s'", ErrNested, name, c.cur.Name)
	}
	c.cur = &Def{Name: name, Pos: pos, index: make(map[string]int), normalize: c.normalize}
	return nil
}

// AddField appends size bytes. A zero size with a label names the next
// offset without reserving anything.
func (c *Compiler) AddField(label string, size int, pos token.Pos) error {
	if c.cur == nil {
		return ErrNotOpen
	}
	if size < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeSize, size)
	}
	if label != "" {
		key := c.normalize(label)
		if _, dup := c.cur.index[key]; dup {
			return fmt.Errorf("%w '%s' in struct '%s'", ErrDuplicateField, label, c.cur.Name)
		}
		c.cur.index[key] = len(c.cur.Fields)
	}
	c.cur.Fields = append(c.cur.Fields, Field{Name: label, Offset: c.cur.Size, Size: size, Pos: pos})
	c.cur.Size += size
	return nil
}

// Offset is the size accumulated so far
func (c *Compiler) Offset() int {
	if c.cur == nil {
		return 0
	}
	return c.cur.Size
}

// Reject reports a statement that cannot appear in a struct body
func (c *Compiler) Reject(what string) error {
	return fmt.Errorf("%w: %s in struct '%s'", ErrNotData, what, c.Name())
}

func (c *Compiler) End() (*Def, error) {
	if c.cur == nil {
		return nil, ErrNotOpen
	}
	d := c.cur
	c.cur = nil
	return d, nil
}

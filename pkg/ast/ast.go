// Package ast defines the statement stream and expression trees produced by
// the parser and consumed by the assembler.
package ast

import (
	"strings"

	"github.com/xplshn/basm/pkg/token"
)

// NodeType defines the kind of an expression node
type NodeType int

const (
	Number NodeType = iota
	String
	Ident
	CurrentAddr
	BinaryOp
	UnaryOp
	FuncCall
)

// Node is one expression tree node
type Node struct {
	Type NodeType
	Tok  token.Token
	Data interface{}
}

// Name is a possibly qualified symbol reference. Global names were written
// with a leading '::' and resolve from the root scope.
type Name struct {
	Parts  []string
	Global bool
}

func ParseName(text string) Name {
	n := Name{}
	if strings.HasPrefix(text, "::") {
		n.Global, text = true, text[2:]
	}
	n.Parts = strings.Split(text, ".")
	return n
}

func (n Name) String() string {
	s := strings.Join(n.Parts, ".")
	if n.Global {
		return "::" + s
	}
	return s
}

// IsTemp reports whether the name is an '@@' temporary label
func (n Name) IsTemp() bool {
	return !n.Global && len(n.Parts) == 1 && strings.HasPrefix(n.Parts[0], "@@")
}

// --- Node Data Structs ---
type NumberNode struct{ Value int64 }
type StringNode struct{ Value string }
type IdentNode struct{ Name Name }
type BinaryOpNode struct{ Op token.Type; Left, Right *Node }
type UnaryOpNode struct{ Op token.Type; Expr *Node }
type FuncCallNode struct{ Name string; Args []*Node }

// --- Node Constructors ---

func newNode(tok token.Token, nodeType NodeType, data interface{}) *Node {
	return &Node{Type: nodeType, Tok: tok, Data: data}
}

func NewNumber(tok token.Token, value int64) *Node {
	return newNode(tok, Number, NumberNode{Value: value})
}
func NewString(tok token.Token, value string) *Node {
	return newNode(tok, String, StringNode{Value: value})
}
func NewIdent(tok token.Token, name Name) *Node {
	return newNode(tok, Ident, IdentNode{Name: name})
}
func NewCurrentAddr(tok token.Token) *Node {
	return newNode(tok, CurrentAddr, nil)
}
func NewBinaryOp(tok token.Token, op token.Type, left, right *Node) *Node {
	return newNode(tok, BinaryOp, BinaryOpNode{Op: op, Left: left, Right: right})
}
func NewUnaryOp(tok token.Token, op token.Type, expr *Node) *Node {
	return newNode(tok, UnaryOp, UnaryOpNode{Op: op, Expr: expr})
}
func NewFuncCall(tok token.Token, name string, args []*Node) *Node {
	return newNode(tok, FuncCall, FuncCallNode{Name: name, Args: args})
}

// IdentName returns the name carried by an identifier node
func IdentName(n *Node) (Name, bool) {
	if n == nil || n.Type != Ident {
		return Name{}, false
	}
	return n.Data.(IdentNode).Name, true
}

// StringValue returns the text of a string node
func StringValue(n *Node) (string, bool) {
	if n == nil || n.Type != String {
		return "", false
	}
	return n.Data.(StringNode).Value, true
}

// StmtKind separates instructions from directives
type StmtKind int

const (
	Empty StmtKind = iota
	Instruction
	Directive
)

// OperandKind classifies an instruction operand
type OperandKind int

const (
	OpExpr     OperandKind = iota
	OpReg                  // register or condition name, lower case
	OpIndirect             // (reg) or (expr)
)

type Operand struct {
	Kind OperandKind
	Reg  string
	Expr *Node
	Tok  token.Token
}

// Stmt is one source line. Directive names are lower case without the dot;
// 'N = e' is stored as the directive "set".
type Stmt struct {
	Label    string
	LabelPos token.Pos
	Kind     StmtKind
	Name     string
	Operands []Operand
	Args     []*Node
	Pos      token.Pos
}

// Program is the flattened statement stream of every loaded file
type Program struct {
	Stmts []*Stmt
	Files []string
}

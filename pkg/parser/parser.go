package parser

import (
	"strconv"
	"strings"

	"github.com/xplshn/basm/pkg/ast"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/token"
)

// Parser holds the state for the parsing process
type Parser struct {
	tokens   []token.Token
	pos      int
	current  token.Token
	previous token.Token
	diags    *diag.List
	// IsMnemonic keeps a mnemonic written in the first column from being
	// read as a label. When nil every first-column name is a label.
	IsMnemonic func(string) bool
}

// bailout aborts the current line after an error was recorded
type bailout struct{}

var registers = map[string]bool{
	"a": true, "b": true, "c": true, "d": true, "e": true, "h": true, "l": true,
	"i": true, "r": true, "af": true, "af'": true, "bc": true, "de": true, "hl": true, "sp": true,
	"nz": true, "z": true, "nc": true, "po": true, "pe": true, "p": true, "m": true,
}

// IsRegister reports whether name is a register or condition operand
func IsRegister(name string) bool { return registers[strings.ToLower(name)] }

var builtins = map[string]bool{
	"hi": true, "lo": true, "min": true, "max": true, "abs": true,
	"sqrt": true, "sin": true, "cos": true, "strlen": true,
}

// NewParser creates and initializes a new Parser from a token stream
func NewParser(tokens []token.Token, diags *diag.List) *Parser {
	p := &Parser{tokens: tokens, pos: 0, diags: diags}
	if len(tokens) > 0 {
		p.current = p.tokens[0]
	}
	return p
}

// Parser helpers
func (p *Parser) advance() {
	if p.pos < len(p.tokens) {
		p.previous = p.current
		p.pos++
		if p.pos < len(p.tokens) {
			p.current = p.tokens[p.pos]
		}
	}
}

func (p *Parser) peek() token.Token {
	if p.pos+1 < len(p.tokens) {
		return p.tokens[p.pos+1]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *Parser) check(tokType token.Type) bool {
	return p.current.Type == tokType
}

func (p *Parser) match(tokType token.Type) bool {
	if !p.check(tokType) {
		return false
	}
	p.advance()
	return true
}

func (p *Parser) atLineEnd() bool { return p.check(token.Newline) || p.check(token.EOF) }

func (p *Parser) errorf(tok token.Token, format string, args ...any) {
	p.diags.Errorf(diag.CodeSyntax, tok.Pos(), format, args...)
	panic(bailout{})
}

func (p *Parser) expect(tokType token.Type, message string) {
	if p.check(tokType) {
		p.advance()
		return
	}
	p.errorf(p.current, "%s", message)
}

// Expression Parsing
func getBinaryOpPrecedence(op token.Type) int {
	switch op {
	case token.Star, token.Slash, token.Rem:
		return 10
	case token.Plus, token.Minus:
		return 9
	case token.Shl, token.Shr:
		return 8
	case token.Lt, token.Gt, token.Lte, token.Gte:
		return 7
	case token.EqEq, token.Neq:
		return 6
	case token.And:
		return 5
	case token.Xor:
		return 4
	case token.Or:
		return 3
	case token.AndAnd:
		return 2
	case token.OrOr:
		return 1
	default:
		return -1
	}
}

func (p *Parser) parsePrimaryExpr() *ast.Node {
	tok := p.current
	switch {
	case p.match(token.Number):
		val, _ := strconv.ParseInt(p.previous.Value, 10, 64)
		return ast.NewNumber(tok, val)
	case p.match(token.String):
		return ast.NewString(tok, p.previous.Value)
	case p.match(token.Dollar):
		return ast.NewCurrentAddr(tok)
	case p.match(token.ColonColon):
		if !p.check(token.Ident) {
			p.errorf(p.current, "expected a name after '::'")
		}
		p.advance()
		name := ast.ParseName(p.previous.Value)
		name.Global = true
		return ast.NewIdent(tok, name)
	case p.check(token.Ident):
		p.advance()
		if p.check(token.LParen) && builtins[strings.ToLower(tok.Value)] {
			return p.parseCall(tok)
		}
		return ast.NewIdent(tok, ast.ParseName(tok.Value))
	case p.match(token.LParen):
		expr := p.parseExpr()
		p.expect(token.RParen, "expected ')' after expression")
		return expr
	}
	p.errorf(tok, "expected an expression, found %s", tok.Type)
	return nil
}

func (p *Parser) parseCall(nameTok token.Token) *ast.Node {
	p.expect(token.LParen, "expected '('")
	var args []*ast.Node
	if !p.check(token.RParen) {
		for {
			args = append(args, p.parseExpr())
			if !p.match(token.Comma) {
				break
			}
		}
	}
	p.expect(token.RParen, "expected ')' after function arguments")
	return ast.NewFuncCall(nameTok, strings.ToLower(nameTok.Value), args)
}

func (p *Parser) parseUnaryExpr() *ast.Node {
	tok := p.current
	switch tok.Type {
	case token.Minus, token.Plus, token.Complement, token.Not:
		p.advance()
		operand := p.parseUnaryExpr()
		if tok.Type == token.Plus {
			return operand
		}
		return ast.NewUnaryOp(tok, tok.Type, operand)
	}
	return p.parsePrimaryExpr()
}

func (p *Parser) parseBinaryExpr(minPrec int) *ast.Node {
	left := p.parseUnaryExpr()
	for {
		op := p.current
		prec := getBinaryOpPrecedence(op.Type)
		if prec < minPrec {
			break
		}
		p.advance()
		right := p.parseBinaryExpr(prec + 1)
		left = ast.NewBinaryOp(op, op.Type, left, right)
	}
	return left
}

func (p *Parser) parseExpr() *ast.Node { return p.parseBinaryExpr(1) }

// ParseExpr parses a standalone expression, as typed into the monitor.
func ParseExpr(tokens []token.Token, diags *diag.List) (expr *ast.Node) {
	p := NewParser(tokens, diags)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(bailout); !ok {
				panic(r)
			}
			expr = nil
		}
	}()
	expr = p.parseExpr()
	if !p.atLineEnd() {
		p.errorf(p.current, "unexpected %s after expression", p.current.Type)
	}
	return expr
}

// Statement parsing

// closingParen returns the index of the ')' matching the '(' at p.pos.
func (p *Parser) closingParen() int {
	depth := 0
	for i := p.pos; i < len(p.tokens); i++ {
		switch p.tokens[i].Type {
		case token.LParen:
			depth++
		case token.RParen:
			depth--
			if depth == 0 {
				return i
			}
		case token.Newline, token.EOF:
			return -1
		}
	}
	return -1
}

func (p *Parser) parseOperand() ast.Operand {
	tok := p.current
	if p.check(token.Ident) && IsRegister(tok.Value) {
		next := p.peek().Type
		if next == token.Comma || next == token.Newline || next == token.EOF {
			p.advance()
			return ast.Operand{Kind: ast.OpReg, Reg: strings.ToLower(tok.Value), Tok: tok}
		}
	}
	if p.check(token.LParen) {
		end := p.closingParen()
		if end > 0 && end+1 < len(p.tokens) {
			after := p.tokens[end+1].Type
			if after == token.Comma || after == token.Newline || after == token.EOF {
				p.advance()
				inner := p.current
				if inner.Type == token.Ident && IsRegister(inner.Value) && p.peek().Type == token.RParen {
					p.advance()
					p.advance()
					return ast.Operand{Kind: ast.OpIndirect, Reg: strings.ToLower(inner.Value), Tok: tok}
				}
				expr := p.parseExpr()
				p.expect(token.RParen, "expected ')' to close indirect operand")
				return ast.Operand{Kind: ast.OpIndirect, Expr: expr, Tok: tok}
			}
		}
	}
	return ast.Operand{Kind: ast.OpExpr, Expr: p.parseExpr(), Tok: tok}
}

func (p *Parser) parseArgs() []*ast.Node {
	var args []*ast.Node
	if p.atLineEnd() {
		return args
	}
	for {
		args = append(args, p.parseExpr())
		if !p.match(token.Comma) {
			return args
		}
	}
}

func (p *Parser) isLabel() bool {
	if !p.check(token.Ident) {
		return false
	}
	switch p.peek().Type {
	case token.Colon, token.Eq, token.Directive:
		return true
	}
	if p.current.Column != 1 {
		return false
	}
	return p.IsMnemonic == nil || !p.IsMnemonic(strings.ToLower(p.current.Value))
}

func (p *Parser) parseLine() (stmt *ast.Stmt) {
	stmt = &ast.Stmt{Pos: p.current.Pos()}
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(bailout); !ok {
				panic(r)
			}
			for !p.atLineEnd() {
				p.advance()
			}
			stmt = nil
		}
	}()

	if p.isLabel() {
		stmt.Label, stmt.LabelPos = p.current.Value, p.current.Pos()
		p.advance()
		p.match(token.Colon)
	}

	tok := p.current
	switch {
	case p.match(token.Eq):
		stmt.Kind, stmt.Name, stmt.Pos = ast.Directive, "set", tok.Pos()
		stmt.Args = []*ast.Node{p.parseExpr()}
	case p.match(token.Directive):
		stmt.Kind, stmt.Name, stmt.Pos = ast.Directive, tok.Value, tok.Pos()
		stmt.Args = p.parseArgs()
	case p.match(token.Ident):
		stmt.Kind, stmt.Name, stmt.Pos = ast.Instruction, strings.ToLower(tok.Value), tok.Pos()
		if !p.atLineEnd() {
			for {
				stmt.Operands = append(stmt.Operands, p.parseOperand())
				if !p.match(token.Comma) {
					break
				}
			}
		}
	case p.atLineEnd():
		stmt.Kind = ast.Empty
	default:
		p.errorf(tok, "unexpected %s at start of statement", tok.Type)
	}

	if !p.atLineEnd() {
		p.errorf(p.current, "unexpected %s at end of statement", p.current.Type)
	}
	return stmt
}

// Parse returns every non-empty statement. Lines with errors are dropped
// after their diagnostic is recorded.
func (p *Parser) Parse() []*ast.Stmt {
	var stmts []*ast.Stmt
	for !p.check(token.EOF) {
		if p.match(token.Newline) {
			continue
		}
		stmt := p.parseLine()
		if stmt != nil && (stmt.Kind != ast.Empty || stmt.Label != "") {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

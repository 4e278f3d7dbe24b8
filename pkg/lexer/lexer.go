package lexer

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/xplshn/basm/pkg/config"
	"github.com/xplshn/basm/pkg/diag"
	"github.com/xplshn/basm/pkg/token"
)

type Lexer struct {
	source    []rune
	fileIndex int
	pos       int
	line      int
	column    int
	cfg       *config.Config
	diags     *diag.List
	// operand is true where a value may start; it separates '%0101' from
	// the modulo operator and '$FF' from the current address.
	operand bool
}

func NewLexer(source []rune, fileIndex int, cfg *config.Config, diags *diag.List) *Lexer {
	return &Lexer{
		source: source, fileIndex: fileIndex, line: 1, column: 1, cfg: cfg, diags: diags, operand: true,
	}
}

// Tokenize runs the lexer to the end of the source.
func (l *Lexer) Tokenize() []token.Token {
	var toks []token.Token
	for {
		tok := l.Next()
		toks = append(toks, tok)
		if tok.Type == token.EOF {
			return toks
		}
	}
}

func (l *Lexer) Next() token.Token {
	tok := l.next()
	switch tok.Type {
	case token.Ident, token.Number, token.String, token.Dollar, token.RParen, token.Directive:
		l.operand = false
	default:
		l.operand = true
	}
	return tok
}

func (l *Lexer) next() token.Token {
	l.skipWhitespaceAndComments()
	startPos, startCol, startLine := l.pos, l.column, l.line

	if l.isAtEnd() {
		return l.makeToken(token.EOF, "", startPos, startCol, startLine)
	}

	ch := l.peek()
	if isIdentStart(ch) {
		return l.identifier(startPos, startCol, startLine)
	}
	if unicode.IsDigit(ch) {
		return l.numberLiteral(startPos, startCol, startLine)
	}
	if ch == '.' && isIdentStart(l.peekNext()) {
		l.advance()
		for isIdentPart(l.peek()) {
			l.advance()
		}
		name := strings.ToLower(string(l.source[startPos+1 : l.pos]))
		return l.makeToken(token.Directive, name, startPos, startCol, startLine)
	}

	l.advance()
	switch ch {
	case '\n': return l.makeToken(token.Newline, "", startPos, startCol, startLine)
	case '(': return l.makeToken(token.LParen, "", startPos, startCol, startLine)
	case ')': return l.makeToken(token.RParen, "", startPos, startCol, startLine)
	case ',': return l.makeToken(token.Comma, "", startPos, startCol, startLine)
	case '~': return l.makeToken(token.Complement, "", startPos, startCol, startLine)
	case '+': return l.makeToken(token.Plus, "", startPos, startCol, startLine)
	case '-': return l.makeToken(token.Minus, "", startPos, startCol, startLine)
	case '*': return l.makeToken(token.Star, "", startPos, startCol, startLine)
	case '/': return l.makeToken(token.Slash, "", startPos, startCol, startLine)
	case '^': return l.makeToken(token.Xor, "", startPos, startCol, startLine)
	case ':': return l.matchThen(':', token.ColonColon, token.Colon, startPos, startCol, startLine)
	case '!': return l.matchThen('=', token.Neq, token.Not, startPos, startCol, startLine)
	case '=': return l.matchThen('=', token.EqEq, token.Eq, startPos, startCol, startLine)
	case '|': return l.matchThen('|', token.OrOr, token.Or, startPos, startCol, startLine)
	case '<':
		if l.match('<') {
			return l.makeToken(token.Shl, "", startPos, startCol, startLine)
		}
		return l.matchThen('=', token.Lte, token.Lt, startPos, startCol, startLine)
	case '>':
		if l.match('>') {
			return l.makeToken(token.Shr, "", startPos, startCol, startLine)
		}
		return l.matchThen('=', token.Gte, token.Gt, startPos, startCol, startLine)
	case '#':
		return l.radixLiteral(16, startPos, startCol, startLine)
	case '$':
		if l.operand && l.cfg.IsFeatureEnabled(config.FeatDollarHex) && isHexDigit(l.peek()) {
			return l.radixLiteral(16, startPos, startCol, startLine)
		}
		return l.makeToken(token.Dollar, "", startPos, startCol, startLine)
	case '&':
		if l.operand && isHexDigit(l.peek()) {
			return l.radixLiteral(16, startPos, startCol, startLine)
		}
		return l.matchThen('&', token.AndAnd, token.And, startPos, startCol, startLine)
	case '%':
		if l.operand && (l.peek() == '0' || l.peek() == '1') {
			return l.radixLiteral(2, startPos, startCol, startLine)
		}
		return l.makeToken(token.Rem, "", startPos, startCol, startLine)
	case '"':
		return l.stringLiteral('"', startPos, startCol, startLine)
	case '\'':
		return l.stringLiteral('\'', startPos, startCol, startLine)
	}

	tok := l.makeToken(token.EOF, "", startPos, startCol, startLine)
	l.diags.Errorf(diag.CodeSyntax, tok.Pos(), "unexpected character '%c'", ch)
	return l.next()
}

func isIdentStart(c rune) bool { return unicode.IsLetter(c) || c == '_' || c == '@' }
func isIdentPart(c rune) bool  { return isIdentStart(c) || unicode.IsDigit(c) }

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func (l *Lexer) peek() rune {
	if l.isAtEnd() {
		return 0
	}
	return l.source[l.pos]
}

func (l *Lexer) peekNext() rune {
	if l.pos+1 >= len(l.source) {
		return 0
	}
	return l.source[l.pos+1]
}

func (l *Lexer) advance() rune {
	if l.isAtEnd() {
		return 0
	}
	ch := l.source[l.pos]
	if ch == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	l.pos++
	return ch
}

func (l *Lexer) match(expected rune) bool {
	if l.isAtEnd() || l.source[l.pos] != expected {
		return false
	}
	l.advance()
	return true
}

func (l *Lexer) isAtEnd() bool { return l.pos >= len(l.source) }

func (l *Lexer) makeToken(tokType token.Type, value string, startPos, startCol, startLine int) token.Token {
	return token.Token{
		Type: tokType, Value: value, FileIndex: l.fileIndex,
		Line: startLine, Column: startCol, Len: l.pos - startPos,
	}
}

func (l *Lexer) skipWhitespaceAndComments() {
	for {
		switch l.peek() {
		case ' ', '\t', '\r':
			l.advance()
		case ';':
			for !l.isAtEnd() && l.peek() != '\n' {
				l.advance()
			}
		default:
			return
		}
	}
}

// identifier reads a possibly dotted name. The shadow register pair is
// spelled af' and keeps its quote.
func (l *Lexer) identifier(startPos, startCol, startLine int) token.Token {
	for {
		c := l.peek()
		if isIdentPart(c) {
			l.advance()
			continue
		}
		if c == '.' && isIdentStart(l.peekNext()) {
			l.advance()
			continue
		}
		break
	}
	if l.peek() == '\'' && strings.EqualFold(string(l.source[startPos:l.pos]), "af") {
		l.advance()
	}
	return l.makeToken(token.Ident, string(l.source[startPos:l.pos]), startPos, startCol, startLine)
}

// numberLiteral handles decimal, 0x/0b prefixes and the h/b suffix forms.
func (l *Lexer) numberLiteral(startPos, startCol, startLine int) token.Token {
	for isIdentPart(l.peek()) {
		l.advance()
	}
	text := string(l.source[startPos:l.pos])
	lower := strings.ToLower(text)

	digits, base := lower, 10
	switch {
	case strings.HasPrefix(lower, "0x"):
		digits, base = lower[2:], 16
	case strings.HasPrefix(lower, "0b") && !strings.HasSuffix(lower, "h"):
		digits, base = lower[2:], 2
	case strings.HasSuffix(lower, "h"):
		digits, base = lower[:len(lower)-1], 16
	case strings.HasSuffix(lower, "b") && strings.Trim(lower[:len(lower)-1], "01") == "":
		digits, base = lower[:len(lower)-1], 2
	}
	return l.numberToken(text, digits, base, startPos, startCol, startLine)
}

func (l *Lexer) radixLiteral(base int, startPos, startCol, startLine int) token.Token {
	digitStart := l.pos
	for isIdentPart(l.peek()) {
		l.advance()
	}
	return l.numberToken(string(l.source[startPos:l.pos]), string(l.source[digitStart:l.pos]), base, startPos, startCol, startLine)
}

func (l *Lexer) numberToken(text, digits string, base int, startPos, startCol, startLine int) token.Token {
	tok := l.makeToken(token.Number, "0", startPos, startCol, startLine)
	val, err := strconv.ParseUint(digits, base, 64)
	if err != nil || digits == "" {
		l.diags.Errorf(diag.CodeSyntax, tok.Pos(), "invalid number literal '%s'", text)
		return tok
	}
	if val > 0xFFFF {
		l.diags.Errorf(diag.CodeRange, tok.Pos(), "number '%s' does not fit in 16 bits", text)
		val &= 0xFFFF
	}
	tok.Value = strconv.FormatUint(val, 10)
	return tok
}

// stringLiteral reads a quoted literal. A single-quoted literal holding one
// character is a number.
func (l *Lexer) stringLiteral(quote rune, startPos, startCol, startLine int) token.Token {
	var sb strings.Builder
	for !l.isAtEnd() && l.peek() != '\n' {
		c := l.advance()
		if c == quote {
			value := sb.String()
			if quote == '\'' && len(value) == 1 {
				return l.makeToken(token.Number, strconv.Itoa(int(value[0])), startPos, startCol, startLine)
			}
			return l.makeToken(token.String, value, startPos, startCol, startLine)
		}
		if c == '\\' {
			sb.WriteByte(l.decodeEscape(startPos, startCol, startLine))
			continue
		}
		if c > 0xFF {
			l.diags.Errorf(diag.CodeSyntax, l.makeToken(token.String, "", startPos, startCol, startLine).Pos(), "character '%c' does not fit in a byte", c)
			c = '?'
		}
		sb.WriteByte(byte(c))
	}
	tok := l.makeToken(token.String, sb.String(), startPos, startCol, startLine)
	l.diags.Errorf(diag.CodeUnterminated, tok.Pos(), "unterminated string literal")
	return tok
}

func (l *Lexer) decodeEscape(startPos, startCol, startLine int) byte {
	c := l.advance()
	switch c {
	case 'n': return '\n'
	case 't': return '\t'
	case 'r': return '\r'
	case '0': return 0
	case 'e': return 0x1B
	case '\\', '\'', '"': return byte(c)
	case 'x':
		if isHexDigit(l.peek()) && isHexDigit(l.peekNext()) {
			hi, lo := l.advance(), l.advance()
			v, _ := strconv.ParseUint(string([]rune{hi, lo}), 16, 8)
			return byte(v)
		}
	}
	tok := l.makeToken(token.String, "", startPos, startCol, startLine)
	l.diags.Errorf(diag.CodeSyntax, tok.Pos(), "unrecognized escape sequence '\\%c'", c)
	return byte(c)
}

func (l *Lexer) matchThen(expected rune, thenType, elseType token.Type, sPos, sCol, sLine int) token.Token {
	if l.match(expected) {
		return l.makeToken(thenType, "", sPos, sCol, sLine)
	}
	return l.makeToken(elseType, "", sPos, sCol, sLine)
}

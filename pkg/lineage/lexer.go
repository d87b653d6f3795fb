package lineage

import (
	"fmt"
	"strings"
	"unicode"
)

// lexer turns a SQL string into a token stream. It understands single-quoted
// strings with '' escaping, double-quoted identifiers, line and block
// comments, and $name substitution parameters.
type lexer struct {
	input string
	pos   int
	line  int
}

func newLexer(input string) *lexer {
	return &lexer{input: input, line: 1}
}

// lexAll tokenizes the whole input. The returned slice always ends with an
// EOF token.
func (l *lexer) lexAll() ([]Token, error) {
	var tokens []Token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			return tokens, nil
		}
	}
}

func (l *lexer) next() (Token, error) {
	l.skipSpaceAndComments()

	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: l.pos, Line: l.line}, nil
	}

	start := l.pos
	ch := l.input[l.pos]

	switch {
	case ch == '(':
		l.pos++
		return Token{Type: TokenLParen, Value: "(", Pos: start, Line: l.line}, nil
	case ch == ')':
		l.pos++
		return Token{Type: TokenRParen, Value: ")", Pos: start, Line: l.line}, nil
	case ch == ',':
		l.pos++
		return Token{Type: TokenComma, Value: ",", Pos: start, Line: l.line}, nil
	case ch == '.':
		l.pos++
		return Token{Type: TokenDot, Value: ".", Pos: start, Line: l.line}, nil
	case ch == '*':
		l.pos++
		return Token{Type: TokenStar, Value: "*", Pos: start, Line: l.line}, nil
	case ch == ';':
		l.pos++
		return Token{Type: TokenSemicolon, Value: ";", Pos: start, Line: l.line}, nil
	case ch == '\'':
		return l.lexString()
	case ch == '"':
		return l.lexQuotedIdent()
	case ch == '$':
		return l.lexParam()
	case isDigit(rune(ch)):
		return l.lexNumber()
	case isIdentStart(rune(ch)):
		return l.lexWord()
	default:
		return l.lexOperator()
	}
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch == '\n':
			l.line++
			l.pos++
		case ch == ' ' || ch == '\t' || ch == '\r':
			l.pos++
		case ch == '-' && l.peekAt(1) == '-':
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.pos++
			}
		case ch == '/' && l.peekAt(1) == '*':
			l.pos += 2
			for l.pos < len(l.input) {
				if l.input[l.pos] == '\n' {
					l.line++
				}
				if l.input[l.pos] == '*' && l.peekAt(1) == '/' {
					l.pos += 2
					break
				}
				l.pos++
			}
		default:
			return
		}
	}
}

func (l *lexer) peekAt(offset int) byte {
	if l.pos+offset < len(l.input) {
		return l.input[l.pos+offset]
	}
	return 0
}

func (l *lexer) lexString() (Token, error) {
	start := l.pos
	l.pos++ // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '\'' {
			// '' escapes a quote inside the string
			if l.peekAt(1) == '\'' {
				b.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return Token{Type: TokenString, Value: b.String(), Pos: start, Line: l.line}, nil
		}
		if ch == '\n' {
			l.line++
		}
		b.WriteByte(ch)
		l.pos++
	}
	return Token{}, &ParseError{Message: "unterminated string literal", Line: l.line, Pos: start}
}

func (l *lexer) lexQuotedIdent() (Token, error) {
	start := l.pos
	l.pos++ // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '"' {
			l.pos++
			return Token{Type: TokenQuotedIdent, Value: b.String(), Pos: start, Line: l.line}, nil
		}
		b.WriteByte(ch)
		l.pos++
	}
	return Token{}, &ParseError{Message: "unterminated quoted identifier", Line: l.line, Pos: start}
}

func (l *lexer) lexParam() (Token, error) {
	start := l.pos
	l.pos++ // $
	nameStart := l.pos
	for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos == nameStart {
		return Token{}, &ParseError{
			Message: "expected identifier after $",
			Line:    l.line,
			Pos:     start,
		}
	}
	return Token{Type: TokenParam, Value: l.input[nameStart:l.pos], Pos: start, Line: l.line}, nil
}

func (l *lexer) lexNumber() (Token, error) {
	start := l.pos
	for l.pos < len(l.input) && (isDigit(rune(l.input[l.pos])) || l.input[l.pos] == '.') {
		l.pos++
	}
	// scientific notation
	if l.pos < len(l.input) && (l.input[l.pos] == 'e' || l.input[l.pos] == 'E') {
		next := l.peekAt(1)
		if isDigit(rune(next)) || next == '+' || next == '-' {
			l.pos += 2
			for l.pos < len(l.input) && isDigit(rune(l.input[l.pos])) {
				l.pos++
			}
		}
	}
	return Token{Type: TokenNumber, Value: l.input[start:l.pos], Pos: start, Line: l.line}, nil
}

func (l *lexer) lexWord() (Token, error) {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
		l.pos++
	}
	word := l.input[start:l.pos]
	if isKeyword(word) {
		return Token{Type: TokenKeyword, Value: strings.ToUpper(word), Pos: start, Line: l.line}, nil
	}
	return Token{Type: TokenIdent, Value: word, Pos: start, Line: l.line}, nil
}

var twoCharOps = map[string]struct{}{
	"<=": {}, ">=": {}, "<>": {}, "!=": {}, "||": {}, "::": {},
}

func (l *lexer) lexOperator() (Token, error) {
	start := l.pos
	if l.pos+1 < len(l.input) {
		two := l.input[l.pos : l.pos+2]
		if _, ok := twoCharOps[two]; ok {
			l.pos += 2
			return Token{Type: TokenOperator, Value: two, Pos: start, Line: l.line}, nil
		}
	}
	ch := l.input[l.pos]
	switch ch {
	case '=', '<', '>', '+', '-', '/', '%':
		l.pos++
		return Token{Type: TokenOperator, Value: string(ch), Pos: start, Line: l.line}, nil
	}
	return Token{}, &ParseError{
		Message: fmt.Sprintf("unexpected character %q", ch),
		Line:    l.line,
		Pos:     start,
	}
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

package lineage

import "strings"

// TokenType identifies a lexical token class.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIdent
	TokenQuotedIdent
	TokenKeyword
	TokenNumber
	TokenString
	// TokenParam is a $name substitution parameter. Parameters are opaque
	// values at parse time and never contribute lineage sources.
	TokenParam
	TokenOperator
	TokenLParen
	TokenRParen
	TokenComma
	TokenDot
	TokenStar
	TokenSemicolon
)

// Token is a single lexical token with its source position.
type Token struct {
	Type  TokenType
	Value string
	Pos   int
	Line  int
}

// IsKeyword reports whether the token is the given keyword, case-insensitive.
func (t Token) IsKeyword(kw string) bool {
	return t.Type == TokenKeyword && strings.EqualFold(t.Value, kw)
}

var keywords = map[string]struct{}{
	"SELECT": {}, "FROM": {}, "WHERE": {}, "GROUP": {}, "BY": {},
	"HAVING": {}, "ORDER": {}, "LIMIT": {}, "OFFSET": {}, "AS": {},
	"JOIN": {}, "LEFT": {}, "RIGHT": {}, "FULL": {}, "INNER": {},
	"OUTER": {}, "CROSS": {}, "ON": {}, "USING": {}, "WITH": {},
	"UNION": {}, "INTERSECT": {}, "EXCEPT": {}, "ALL": {}, "DISTINCT": {},
	"CASE": {}, "WHEN": {}, "THEN": {}, "ELSE": {}, "END": {},
	"AND": {}, "OR": {}, "NOT": {}, "IS": {}, "NULL": {}, "IN": {},
	"EXISTS": {}, "BETWEEN": {}, "LIKE": {}, "ILIKE": {}, "CAST": {},
	"OVER": {}, "PARTITION": {}, "TRUE": {}, "FALSE": {},
	"ASC": {}, "DESC": {}, "NULLS": {}, "FIRST": {}, "LAST": {},
	"QUALIFY": {}, "INTERVAL": {},
}

func isKeyword(word string) bool {
	_, ok := keywords[strings.ToUpper(word)]
	return ok
}

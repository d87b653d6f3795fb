package lineage

import (
	"fmt"
	"strings"
)

// Parse parses a single SELECT statement. Trailing semicolons are allowed;
// anything else after the statement is an error.
func Parse(sql string) (*SelectStmt, error) {
	tokens, err := newLexer(sql).lexAll()
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	stmt, err := p.parseSelectStmt()
	if err != nil {
		return nil, err
	}
	for p.cur().Type == TokenSemicolon {
		p.advance()
	}
	if p.cur().Type != TokenEOF {
		return nil, p.errorf("unexpected %q after statement", p.cur().Value)
	}
	return stmt, nil
}

type parser struct {
	tokens []Token
	pos    int
}

func (p *parser) cur() Token { return p.tokens[p.pos] }

func (p *parser) advance() { p.pos++ }

func (p *parser) peek() Token {
	if p.pos+1 < len(p.tokens) {
		return p.tokens[p.pos+1]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{
		Message: fmt.Sprintf(format, args...),
		Line:    p.cur().Line,
		Pos:     p.cur().Pos,
	}
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.cur().IsKeyword(kw) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.errorf("expected %s, found %q", kw, p.cur().Value)
	}
	return nil
}

func (p *parser) expect(tt TokenType, what string) (Token, error) {
	tok := p.cur()
	if tok.Type != tt {
		return Token{}, p.errorf("expected %s, found %q", what, tok.Value)
	}
	p.advance()
	return tok, nil
}

func (p *parser) parseSelectStmt() (*SelectStmt, error) {
	stmt := &SelectStmt{}

	if p.acceptKeyword("WITH") {
		for {
			cte, err := p.parseCTE()
			if err != nil {
				return nil, err
			}
			stmt.CTEs = append(stmt.CTEs, cte)
			if !p.accept(TokenComma) {
				break
			}
		}
	}

	core, err := p.parseSelectCore()
	if err != nil {
		return nil, err
	}
	stmt.Core = core

	for {
		op, ok := p.parseSetOperator()
		if !ok {
			break
		}
		right, err := p.parseSelectCore()
		if err != nil {
			return nil, err
		}
		stmt.SetOps = append(stmt.SetOps, &SetOp{Op: op, Right: right})
	}

	if p.cur().IsKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		exprs, err := p.parseOrderList()
		if err != nil {
			return nil, err
		}
		stmt.OrderBy = exprs
	}
	if p.acceptKeyword("LIMIT") {
		expr, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		stmt.Limit = expr
	}
	if p.acceptKeyword("OFFSET") {
		expr, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		stmt.Offset = expr
	}

	return stmt, nil
}

func (p *parser) accept(tt TokenType) bool {
	if p.cur().Type == tt {
		p.advance()
		return true
	}
	return false
}

func (p *parser) parseCTE() (*CTE, error) {
	name, err := p.parseIdent("CTE name")
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenLParen, "("); err != nil {
		return nil, err
	}
	sel, err := p.parseSelectStmt()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenRParen, ")"); err != nil {
		return nil, err
	}
	return &CTE{Name: name, Select: sel}, nil
}

func (p *parser) parseSetOperator() (string, bool) {
	switch {
	case p.cur().IsKeyword("UNION"):
		p.advance()
		if p.acceptKeyword("ALL") {
			return "UNION ALL", true
		}
		return "UNION", true
	case p.cur().IsKeyword("INTERSECT"):
		p.advance()
		return "INTERSECT", true
	case p.cur().IsKeyword("EXCEPT"):
		p.advance()
		return "EXCEPT", true
	}
	return "", false
}

func (p *parser) parseSelectCore() (*SelectCore, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	core := &SelectCore{}
	if p.acceptKeyword("DISTINCT") {
		core.Distinct = true
	} else {
		p.acceptKeyword("ALL")
	}

	for {
		item, err := p.parseSelectItem()
		if err != nil {
			return nil, err
		}
		core.Items = append(core.Items, item)
		if !p.accept(TokenComma) {
			break
		}
	}

	if p.acceptKeyword("FROM") {
		from, err := p.parseTableRef()
		if err != nil {
			return nil, err
		}
		core.From = from
		for {
			join, ok, err := p.parseJoin()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			core.Joins = append(core.Joins, join)
		}
	}

	if p.acceptKeyword("WHERE") {
		expr, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		core.Where = expr
	}
	if p.cur().IsKeyword("GROUP") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			expr, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			core.GroupBy = append(core.GroupBy, expr)
			if !p.accept(TokenComma) {
				break
			}
		}
	}
	if p.acceptKeyword("HAVING") {
		expr, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		core.Having = expr
	}
	if p.acceptKeyword("QUALIFY") {
		expr, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		core.Qualify = expr
	}

	return core, nil
}

func (p *parser) parseSelectItem() (*SelectItem, error) {
	// SELECT *
	if p.cur().Type == TokenStar {
		p.advance()
		return &SelectItem{Star: true}, nil
	}
	// SELECT t.* (two-token lookahead keeps the expression parser simple)
	if p.cur().Type == TokenIdent && p.peek().Type == TokenDot {
		if p.pos+2 < len(p.tokens) && p.tokens[p.pos+2].Type == TokenStar {
			table := p.cur().Value
			p.pos += 3
			return &SelectItem{TableStar: table}, nil
		}
	}

	expr, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	item := &SelectItem{Expr: expr}

	if p.acceptKeyword("AS") {
		alias, err := p.parseIdent("alias")
		if err != nil {
			return nil, err
		}
		item.Alias = alias
	} else if p.cur().Type == TokenIdent || p.cur().Type == TokenQuotedIdent {
		item.Alias = p.cur().Value
		p.advance()
	}
	return item, nil
}

func (p *parser) parseTableRef() (TableRef, error) {
	if p.accept(TokenLParen) {
		sel, err := p.parseSelectStmt()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen, ")"); err != nil {
			return nil, err
		}
		sub := &Subquery{Select: sel}
		sub.Alias = p.parseOptionalAlias()
		return sub, nil
	}

	name, err := p.parseIdent("table name")
	if err != nil {
		return nil, err
	}
	parts := []string{name}
	for p.accept(TokenDot) {
		part, err := p.parseIdent("table name part")
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	ref := &TableName{Parts: parts}
	ref.Alias = p.parseOptionalAlias()
	return ref, nil
}

func (p *parser) parseOptionalAlias() string {
	if p.acceptKeyword("AS") {
		if p.cur().Type == TokenIdent || p.cur().Type == TokenQuotedIdent {
			alias := p.cur().Value
			p.advance()
			return alias
		}
		return ""
	}
	if p.cur().Type == TokenIdent {
		alias := p.cur().Value
		p.advance()
		return alias
	}
	return ""
}

var joinTypes = []string{"INNER", "LEFT", "RIGHT", "FULL", "CROSS"}

func (p *parser) parseJoin() (*Join, bool, error) {
	joinType := "INNER"
	matched := false

	for _, jt := range joinTypes {
		if p.cur().IsKeyword(jt) {
			joinType = jt
			p.advance()
			p.acceptKeyword("OUTER")
			matched = true
			break
		}
	}
	if !p.cur().IsKeyword("JOIN") {
		if matched {
			return nil, false, p.errorf("expected JOIN, found %q", p.cur().Value)
		}
		return nil, false, nil
	}
	p.advance()

	right, err := p.parseTableRef()
	if err != nil {
		return nil, false, err
	}
	join := &Join{Type: joinType, Right: right}

	if p.acceptKeyword("ON") {
		cond, err := p.parseExpr(0)
		if err != nil {
			return nil, false, err
		}
		join.On = cond
	} else if p.acceptKeyword("USING") {
		if _, err := p.expect(TokenLParen, "("); err != nil {
			return nil, false, err
		}
		for {
			col, err := p.parseIdent("column name")
			if err != nil {
				return nil, false, err
			}
			join.Using = append(join.Using, col)
			if !p.accept(TokenComma) {
				break
			}
		}
		if _, err := p.expect(TokenRParen, ")"); err != nil {
			return nil, false, err
		}
	}
	return join, true, nil
}

func (p *parser) parseOrderList() ([]Expr, error) {
	var exprs []Expr
	for {
		expr, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		p.acceptKeyword("ASC")
		p.acceptKeyword("DESC")
		if p.acceptKeyword("NULLS") {
			p.acceptKeyword("FIRST")
			p.acceptKeyword("LAST")
		}
		exprs = append(exprs, expr)
		if !p.accept(TokenComma) {
			break
		}
	}
	return exprs, nil
}

func (p *parser) parseIdent(what string) (string, error) {
	tok := p.cur()
	if tok.Type == TokenIdent || tok.Type == TokenQuotedIdent {
		p.advance()
		return tok.Value, nil
	}
	return "", p.errorf("expected %s, found %q", what, tok.Value)
}

// Binding powers for the Pratt expression parser. Comparison binds tighter
// than NOT, which binds tighter than AND, which binds tighter than OR.
func bindingPower(tok Token) int {
	if tok.Type == TokenOperator {
		switch tok.Value {
		case "||":
			return 60
		case "*", "/", "%":
			return 50
		case "+", "-":
			return 40
		case "=", "<", ">", "<=", ">=", "<>", "!=":
			return 30
		case "::":
			return 70
		}
	}
	if tok.Type == TokenStar {
		return 50
	}
	if tok.Type == TokenKeyword {
		switch strings.ToUpper(tok.Value) {
		case "LIKE", "ILIKE", "IN", "BETWEEN", "IS":
			return 30
		case "NOT":
			return 30
		case "AND":
			return 20
		case "OR":
			return 10
		}
	}
	return 0
}

func (p *parser) parseExpr(minBP int) (Expr, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.cur()
		bp := bindingPower(tok)
		if bp == 0 || bp <= minBP {
			return left, nil
		}

		left, err = p.parseInfix(left, tok, bp)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseInfix(left Expr, tok Token, bp int) (Expr, error) {
	switch {
	case tok.Type == TokenOperator && tok.Value == "::":
		p.advance()
		typ, err := p.parseTypeName()
		if err != nil {
			return nil, err
		}
		return &CastExpr{Expr: left, Type: typ}, nil

	case tok.Type == TokenOperator || tok.Type == TokenStar:
		op := tok.Value
		p.advance()
		right, err := p.parseExpr(bp)
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Left: left, Op: op, Right: right}, nil

	case tok.IsKeyword("AND") || tok.IsKeyword("OR") ||
		tok.IsKeyword("LIKE") || tok.IsKeyword("ILIKE"):
		op := strings.ToUpper(tok.Value)
		p.advance()
		right, err := p.parseExpr(bp)
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Left: left, Op: op, Right: right}, nil

	case tok.IsKeyword("IS"):
		p.advance()
		not := p.acceptKeyword("NOT")
		if p.acceptKeyword("NULL") {
			op := "IS NULL"
			if not {
				op = "IS NOT NULL"
			}
			return &UnaryExpr{Op: op, Expr: left}, nil
		}
		right, err := p.parseExpr(bp)
		if err != nil {
			return nil, err
		}
		op := "IS"
		if not {
			op = "IS NOT"
		}
		return &BinaryExpr{Left: left, Op: op, Right: right}, nil

	case tok.IsKeyword("NOT"):
		p.advance()
		switch {
		case p.cur().IsKeyword("IN"):
			return p.parseInTail(left, true)
		case p.cur().IsKeyword("BETWEEN"):
			return p.parseBetweenTail(left, true)
		case p.cur().IsKeyword("LIKE") || p.cur().IsKeyword("ILIKE"):
			op := "NOT " + strings.ToUpper(p.cur().Value)
			p.advance()
			right, err := p.parseExpr(bp)
			if err != nil {
				return nil, err
			}
			return &BinaryExpr{Left: left, Op: op, Right: right}, nil
		}
		return nil, p.errorf("expected IN, BETWEEN, or LIKE after NOT, found %q", p.cur().Value)

	case tok.IsKeyword("IN"):
		return p.parseInTail(left, false)

	case tok.IsKeyword("BETWEEN"):
		return p.parseBetweenTail(left, false)
	}

	return nil, p.errorf("unexpected operator %q", tok.Value)
}

func (p *parser) parseInTail(left Expr, not bool) (Expr, error) {
	if err := p.expectKeyword("IN"); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenLParen, "("); err != nil {
		return nil, err
	}
	in := &InExpr{Expr: left, Not: not}
	if p.cur().IsKeyword("SELECT") || p.cur().IsKeyword("WITH") {
		sel, err := p.parseSelectStmt()
		if err != nil {
			return nil, err
		}
		in.Subquery = sel
	} else {
		for {
			expr, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			in.List = append(in.List, expr)
			if !p.accept(TokenComma) {
				break
			}
		}
	}
	if _, err := p.expect(TokenRParen, ")"); err != nil {
		return nil, err
	}
	return in, nil
}

func (p *parser) parseBetweenTail(left Expr, not bool) (Expr, error) {
	if err := p.expectKeyword("BETWEEN"); err != nil {
		return nil, err
	}
	// low binds above AND so the BETWEEN's AND is not consumed
	low, err := p.parseExpr(25)
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("AND"); err != nil {
		return nil, err
	}
	high, err := p.parseExpr(25)
	if err != nil {
		return nil, err
	}
	return &BetweenExpr{Expr: left, Not: not, Low: low, High: high}, nil
}

func (p *parser) parsePrefix() (Expr, error) {
	tok := p.cur()

	switch {
	case tok.Type == TokenNumber:
		p.advance()
		return &Literal{Value: tok.Value, Kind: "number"}, nil

	case tok.Type == TokenString:
		p.advance()
		return &Literal{Value: tok.Value, Kind: "string"}, nil

	case tok.Type == TokenParam:
		p.advance()
		return &Param{Name: tok.Value}, nil

	case tok.IsKeyword("NULL"):
		p.advance()
		return &Literal{Value: "NULL", Kind: "null"}, nil

	case tok.IsKeyword("TRUE") || tok.IsKeyword("FALSE"):
		p.advance()
		return &Literal{Value: strings.ToUpper(tok.Value), Kind: "bool"}, nil

	case tok.IsKeyword("INTERVAL"):
		p.advance()
		lit, err := p.expect(TokenString, "interval literal")
		if err != nil {
			return nil, err
		}
		return &Literal{Value: lit.Value, Kind: "interval"}, nil

	case tok.IsKeyword("NOT"):
		p.advance()
		inner, err := p.parseExpr(35)
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", Expr: inner}, nil

	case tok.Type == TokenOperator && tok.Value == "-":
		p.advance()
		inner, err := p.parseExpr(45)
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "-", Expr: inner}, nil

	case tok.IsKeyword("CASE"):
		return p.parseCase()

	case tok.IsKeyword("CAST"):
		return p.parseCast()

	case tok.IsKeyword("EXISTS"):
		p.advance()
		if _, err := p.expect(TokenLParen, "("); err != nil {
			return nil, err
		}
		sel, err := p.parseSelectStmt()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen, ")"); err != nil {
			return nil, err
		}
		return &SubqueryExpr{Select: sel, Exists: true}, nil

	case tok.Type == TokenLParen:
		p.advance()
		if p.cur().IsKeyword("SELECT") || p.cur().IsKeyword("WITH") {
			sel, err := p.parseSelectStmt()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokenRParen, ")"); err != nil {
				return nil, err
			}
			return &SubqueryExpr{Select: sel}, nil
		}
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen, ")"); err != nil {
			return nil, err
		}
		return &ParenExpr{Expr: inner}, nil

	case tok.Type == TokenIdent || tok.Type == TokenQuotedIdent:
		return p.parseIdentExpr()
	}

	return nil, p.errorf("unexpected token %q in expression", tok.Value)
}

// parseIdentExpr handles column references (a, t.a, db.schema.t.a) and
// function calls.
func (p *parser) parseIdentExpr() (Expr, error) {
	first := p.cur().Value
	p.advance()

	if p.cur().Type == TokenLParen {
		return p.parseFuncCall(first)
	}

	parts := []string{first}
	for p.accept(TokenDot) {
		part, err := p.parseIdent("column name part")
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	col := &ColumnRef{Column: parts[len(parts)-1]}
	if len(parts) > 1 {
		col.Table = strings.Join(parts[:len(parts)-1], ".")
	}
	return col, nil
}

func (p *parser) parseFuncCall(name string) (Expr, error) {
	p.advance() // (
	fn := &FuncCall{Name: name}

	if p.cur().Type == TokenStar {
		p.advance()
		fn.Star = true
	} else if p.cur().Type != TokenRParen {
		if p.acceptKeyword("DISTINCT") {
			fn.Distinct = true
		}
		for {
			arg, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			fn.Args = append(fn.Args, arg)
			if !p.accept(TokenComma) {
				break
			}
		}
	}
	if _, err := p.expect(TokenRParen, ")"); err != nil {
		return nil, err
	}

	if p.acceptKeyword("OVER") {
		over, err := p.parseWindowSpec()
		if err != nil {
			return nil, err
		}
		fn.Over = over
	}
	return fn, nil
}

func (p *parser) parseWindowSpec() (*WindowSpec, error) {
	if _, err := p.expect(TokenLParen, "("); err != nil {
		return nil, err
	}
	spec := &WindowSpec{}
	if p.cur().IsKeyword("PARTITION") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			expr, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			spec.PartitionBy = append(spec.PartitionBy, expr)
			if !p.accept(TokenComma) {
				break
			}
		}
	}
	if p.cur().IsKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		exprs, err := p.parseOrderList()
		if err != nil {
			return nil, err
		}
		spec.OrderBy = exprs
	}
	if _, err := p.expect(TokenRParen, ")"); err != nil {
		return nil, err
	}
	return spec, nil
}

func (p *parser) parseCase() (Expr, error) {
	p.advance() // CASE
	c := &CaseExpr{}

	if !p.cur().IsKeyword("WHEN") {
		operand, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		c.Operand = operand
	}
	for p.acceptKeyword("WHEN") {
		cond, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("THEN"); err != nil {
			return nil, err
		}
		then, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		c.Whens = append(c.Whens, &WhenClause{Cond: cond, Then: then})
	}
	if p.acceptKeyword("ELSE") {
		els, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		c.Else = els
	}
	if err := p.expectKeyword("END"); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *parser) parseCast() (Expr, error) {
	p.advance() // CAST
	if _, err := p.expect(TokenLParen, "("); err != nil {
		return nil, err
	}
	inner, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}
	typ, err := p.parseTypeName()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenRParen, ")"); err != nil {
		return nil, err
	}
	return &CastExpr{Expr: inner, Type: typ}, nil
}

// parseTypeName consumes a type, including parameterized forms like
// VARCHAR(10) and DECIMAL(10, 2).
func (p *parser) parseTypeName() (string, error) {
	name, err := p.parseIdent("type name")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(name)
	if p.accept(TokenLParen) {
		b.WriteString("(")
		for p.cur().Type != TokenRParen && p.cur().Type != TokenEOF {
			b.WriteString(p.cur().Value)
			p.advance()
		}
		if _, err := p.expect(TokenRParen, ")"); err != nil {
			return "", err
		}
		b.WriteString(")")
	}
	return b.String(), nil
}

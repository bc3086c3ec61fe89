package querylang

import (
	"strconv"
	"strings"

	"cruncher/internal/record"
)

// Expression parser for where/eval.
//
//	expr    = or
//	or      = and ( "||" and )*
//	and     = not ( "&&" not )*
//	not     = "!" not | cmp
//	cmp     = add [ cmp_op add | "in" "[" expr ( "," expr )* "]" ]
//	add     = mul ( ( "+" | "-" ) mul )*
//	mul     = unary ( ( "*" | "/" ) unary )*
//	unary   = "-" unary | primary
//	primary = NUMBER | STRING | REGEX | "true" | "false" | "null"
//	        | NAME "(" [ expr ( "," expr )* ] ")" | NAME | "(" expr ")"

func (p *parser) parseExpr() (Expr, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.cur.Kind == TokNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Expr: inner}, nil
	}
	return p.parseCmp()
}

var comparisonOps = map[TokenKind]BinaryOp{
	TokEqEq: OpEq,
	TokNeq:  OpNeq,
	TokGt:   OpGt,
	TokGte:  OpGte,
	TokLt:   OpLt,
	TokLte:  OpLte,
}

func (p *parser) parseCmp() (Expr, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}

	if op, ok := comparisonOps[p.cur.Kind]; ok {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: op, Left: left, Right: right}, nil
	}

	if p.cur.Kind == TokEq {
		return nil, newParseError(p.cur.Pos, ErrUnexpectedToken, "expected comparison operator, found '=' (use '==')")
	}

	if p.isKeyword("in") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expect(TokLBracket, "'[' after 'in'"); err != nil {
			return nil, err
		}
		in := &InExpr{Expr: left}
		for {
			item, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			in.List = append(in.List, item)
			if p.cur.Kind != TokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if err := p.expect(TokRBracket, "']' to close 'in' list"); err != nil {
			return nil, err
		}
		return in, nil
	}

	return left, nil
}

func (p *parser) parseAdd() (Expr, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokPlus || p.cur.Kind == TokMinus {
		op := OpAdd
		if p.cur.Kind == TokMinus {
			op = OpSub
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMul() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokStar || p.cur.Kind == TokSlash {
		op := OpMul
		if p.cur.Kind == TokSlash {
			op = OpDiv
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.cur.Kind == TokMinus {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := inner.(*Literal); ok && lit.Value.Kind == record.KindNumber {
			return &Literal{Value: record.Number(-lit.Value.Num)}, nil
		}
		return &NegExpr{Expr: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.cur
	switch tok.Kind {
	case TokNumber:
		n, err := strconv.ParseFloat(tok.Lit, 64)
		if err != nil {
			return nil, newParseError(tok.Pos, ErrUnexpectedToken, "invalid number %q", tok.Lit)
		}
		return &Literal{Value: record.Number(n)}, p.advance()

	case TokString:
		return &Literal{Value: record.String(tok.Lit)}, p.advance()

	case TokRegex:
		re, err := compileRegex(tok.Lit)
		if err != nil {
			return nil, newParseError(tok.Pos, ErrInvalidRegex, "invalid regex: %v", err)
		}
		return &RegexLit{Pattern: tok.Lit, Re: re}, p.advance()

	case TokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.cur.Kind != TokRParen {
			return nil, newParseError(tok.Pos, ErrUnmatchedParen, "unmatched opening parenthesis")
		}
		return inner, p.advance()

	case TokWord:
		switch strings.ToLower(tok.Lit) {
		case "true":
			return &Literal{Value: record.Bool(true)}, p.advance()
		case "false":
			return &Literal{Value: record.Bool(false)}, p.advance()
		case "null":
			return &Literal{Value: record.None()}, p.advance()
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.Kind == TokLParen {
			return p.parseCall(tok)
		}
		return &ColumnRef{Name: tok.Lit}, nil
	}

	return nil, p.unexpected("expression")
}

// parseCall parses the argument list of name(...); p.cur is '('.
func (p *parser) parseCall(name Token) (Expr, error) {
	if _, ok := lookupFunc(name.Lit); !ok {
		return nil, newParseError(name.Pos, ErrUnknownFunction, "unknown function '%s'", name.Lit)
	}
	if err := p.advance(); err != nil { // consume "("
		return nil, err
	}

	call := &FuncCall{Name: name.Lit}
	if p.cur.Kind != TokRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
			if p.cur.Kind != TokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if err := p.expect(TokRParen, "')' to close "+name.Lit+"("); err != nil {
		return nil, err
	}
	return call, nil
}

// ParseExpr parses a standalone where/eval expression.
func ParseExpr(input string) (Expr, error) {
	lex := NewLexer(input)
	lex.SetPipeMode(true)
	p := &parser{lex: lex, query: &Query{}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind != TokEOF {
		return nil, p.unexpected("end of expression")
	}
	return e, nil
}

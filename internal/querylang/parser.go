package querylang

import "fmt"

// Parser for the search part of a query. Stages after the first '|' are
// parsed by pipeline_parser.go, their expressions by expr_parser.go.
//
// Grammar (EBNF):
//
//	query       = [ search ] ( "|" stage )* EOF
//	search      = or_expr
//	or_expr     = and_expr ( "OR" and_expr )*
//	and_expr    = unit ( [ "AND" ] unit )*
//	unit        = "(" or_expr ")" | literal | source_ref | index_param
//	literal     = ( WORD | STRING )+          adjacent words form one literal
//	source_ref  = "@" WORD
//	index_param = WORD ( "=" | "!=" ) ( WORD | STRING | REGEX )
//
// Precedence (highest to lowest):
//  1. Parentheses
//  2. AND (implicit or explicit)
//  3. OR
//
// Source references and index parameters are lifted out of the tree into
// Query.SourceRefs and Query.IndexParams.
type parser struct {
	lex   *Lexer
	cur   Token
	query *Query
}

// Parse parses a query string into a Query. An empty query is valid and
// matches everything. On error no partial Query is returned.
func Parse(input string) (*Query, error) {
	p := &parser{lex: NewLexer(input), query: &Query{}}

	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.cur.Kind != TokPipe && p.cur.Kind != TokEOF {
		root, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		if root != nil {
			p.query.Search = &Search{Root: root}
		}
	}

	if p.cur.Kind == TokPipe {
		// Everything after the first pipe uses the expression lexer.
		p.lex.SetPipeMode(true)
		stages, err := p.parsePipeline()
		if err != nil {
			return nil, err
		}
		p.query.Pipeline = stages
	}

	if p.cur.Kind != TokEOF {
		return nil, p.unexpected("end of query")
	}

	return p.query, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

// unexpected builds the standard "expected X, found Y" error for p.cur.
func (p *parser) unexpected(expected string) *ParseError {
	sentinel := ErrUnexpectedToken
	if p.cur.Kind == TokEOF {
		sentinel = ErrUnexpectedEOF
	}
	return newParseError(p.cur.Pos, sentinel, "expected %s, found %s", expected, p.cur.describe())
}

// parseOrExpr parses: or_expr = and_expr ( "OR" and_expr )*
// A nil node means the operand held only source refs or index params.
func (p *parser) parseOrExpr() (SearchNode, error) {
	left, err := p.parseAndExpr()
	if err != nil {
		return nil, err
	}

	for p.cur.Kind == TokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAndExpr()
		if err != nil {
			return nil, err
		}
		left = joinSearch(left, right, func(l, r SearchNode) SearchNode { return &SearchOr{Left: l, Right: r} })
	}

	return left, nil
}

// parseAndExpr parses: and_expr = unit ( [ "AND" ] unit )*
func (p *parser) parseAndExpr() (SearchNode, error) {
	if !p.isUnitStart() {
		return nil, p.unexpected("search term")
	}

	var left SearchNode
	var lit *SearchLiteral // literal still accepting adjacent words

	for p.isUnitStart() || p.cur.Kind == TokAnd {
		explicit := false
		if p.cur.Kind == TokAnd {
			explicit = true
			if err := p.advance(); err != nil {
				return nil, err
			}
			if !p.isUnitStart() {
				return nil, p.unexpected("search term after AND")
			}
		}

		if (p.cur.Kind == TokWord || p.cur.Kind == TokString) && !p.atIndexParam() {
			if lit != nil && !explicit {
				lit.Tokens = append(lit.Tokens, p.cur.Lit)
			} else {
				lit = &SearchLiteral{Tokens: []string{p.cur.Lit}}
				left = joinSearch(left, lit, andNode)
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}

		node, err := p.parseUnit()
		if err != nil {
			return nil, err
		}
		if node != nil {
			lit = nil
			left = joinSearch(left, node, andNode)
		}
	}

	return left, nil
}

func andNode(l, r SearchNode) SearchNode { return &SearchAnd{Left: l, Right: r} }

// joinSearch combines two optional nodes.
func joinSearch(left, right SearchNode, join func(l, r SearchNode) SearchNode) SearchNode {
	switch {
	case left == nil:
		return right
	case right == nil:
		return left
	}
	return join(left, right)
}

func (p *parser) isUnitStart() bool {
	switch p.cur.Kind {
	case TokWord, TokString, TokLParen, TokSource:
		return true
	}
	return false
}

// atIndexParam reports whether the current word is the key of key=value.
func (p *parser) atIndexParam() bool {
	if p.cur.Kind != TokWord {
		return false
	}
	next, err := p.lex.Peek()
	if err != nil {
		return false
	}
	return next.Kind == TokEq || next.Kind == TokNeq
}

// parseUnit parses a parenthesized group, a source ref or an index param.
// Source refs and index params are recorded on the query and yield nil.
func (p *parser) parseUnit() (SearchNode, error) {
	switch p.cur.Kind {
	case TokLParen:
		openPos := p.cur.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.Kind == TokRParen {
			return nil, newParseError(openPos, ErrUnexpectedToken, "expected search term inside parentheses, found ')'")
		}
		node, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		if p.cur.Kind != TokRParen {
			return nil, newParseError(openPos, ErrUnmatchedParen, "unmatched opening parenthesis")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return node, nil

	case TokSource:
		p.query.SourceRefs = append(p.query.SourceRefs, p.cur.Lit)
		return nil, p.advance()

	case TokWord:
		return nil, p.parseIndexParam()
	}
	return nil, p.unexpected("search term")
}

// parseIndexParam parses: WORD ( "=" | "!=" ) ( WORD | STRING | REGEX )
func (p *parser) parseIndexParam() error {
	key := p.cur
	if err := p.advance(); err != nil {
		return err
	}
	op := p.cur.Lit
	if err := p.advance(); err != nil {
		return err
	}

	param := IndexParam{Key: key.Lit, Operator: op}
	switch p.cur.Kind {
	case TokWord, TokString:
		param.Value = p.cur.Lit
	case TokRegex:
		if _, err := compileRegex(p.cur.Lit); err != nil {
			return newParseError(p.cur.Pos, ErrInvalidRegex, "invalid regex for %s: %v", key.Lit, err)
		}
		param.Value = p.cur.Lit
		param.Regex = true
	default:
		return p.unexpected(fmt.Sprintf("value after '%s%s'", key.Lit, op))
	}
	p.query.IndexParams = append(p.query.IndexParams, param)
	return p.advance()
}

package querylang

import "strings"

// SpanRole identifies a syntax highlighting role.
type SpanRole string

const (
	RoleOperator    SpanRole = "operator"
	RoleKey         SpanRole = "key"
	RoleEq          SpanRole = "eq"
	RoleCompareOp   SpanRole = "compare-op"
	RoleValue       SpanRole = "value"
	RoleToken       SpanRole = "token"
	RoleQuoted      SpanRole = "quoted"
	RoleRegex       SpanRole = "regex"
	RoleSource      SpanRole = "source"
	RoleNumber      SpanRole = "number"
	RoleParen       SpanRole = "paren"
	RolePipe        SpanRole = "pipe"
	RolePipeKeyword SpanRole = "pipe-keyword"
	RoleKeyword     SpanRole = "keyword"
	RoleFunction    SpanRole = "function"
	RoleColumn      SpanRole = "column"
	RoleComma       SpanRole = "comma"
	RoleWhitespace  SpanRole = "whitespace"
	RoleError       SpanRole = "error"
)

// Span is a highlighted text span.
type Span struct {
	Text string
	Role SpanRole
}

// rawToken keeps the source text of a token, quotes and delimiters included.
type rawToken struct {
	text string
	tok  Token
	ws   bool
	bad  bool
}

var stageKeywords = func() map[string]bool {
	m := make(map[string]bool, len(StageNames))
	for _, n := range StageNames {
		m[n] = true
	}
	return m
}()

var pipeWords = map[string]bool{
	"by": true, "as": true, "asc": true, "desc": true, "in": true,
	"field": true, "true": true, "false": true, "null": true,
	"span": true, "maxgroups": true, "timecol": true,
}

// Highlight splits input into role-tagged spans whose texts concatenate back
// to the input. errorOffset < 0 means valid; otherwise everything from that
// byte offset on is marked as an error. The bool reports whether the query
// has a pipeline.
func Highlight(input string, errorOffset int) ([]Span, bool) {
	if input == "" {
		return nil, false
	}
	raw := lexHighlight(input)
	spans, hasPipeline := classify(raw)
	if errorOffset >= 0 {
		spans = applyError(spans, errorOffset)
	}
	return spans, hasPipeline
}

func lexHighlight(input string) []rawToken {
	l := NewLexer(input)
	var tokens []rawToken
	for {
		start := l.Pos()
		l.skipWhitespace()
		if l.Pos() > start {
			tokens = append(tokens, rawToken{text: input[start:l.Pos()], ws: true})
		}

		tokStart := l.Pos()
		tok, err := l.Next()
		if err != nil {
			tokens = append(tokens, rawToken{text: input[tokStart:], bad: true})
			return tokens
		}
		if tok.Kind == TokEOF {
			return tokens
		}
		if tok.Kind == TokPipe {
			l.SetPipeMode(true)
		}
		tokens = append(tokens, rawToken{text: input[tok.Pos:l.Pos()], tok: tok})
	}
}

func classify(tokens []rawToken) ([]Span, bool) {
	spans := make([]Span, 0, len(tokens))
	inPipe := false
	stageStart := false

	for i, t := range tokens {
		var role SpanRole
		switch {
		case t.ws:
			role = RoleWhitespace
		case t.bad:
			role = RoleError
		case t.tok.Kind == TokPipe:
			role = RolePipe
			inPipe = true
			stageStart = true
		case inPipe:
			role = classifyPipeToken(tokens, i, stageStart)
			stageStart = false
		default:
			role = classifySearchToken(tokens, i)
		}
		spans = append(spans, Span{Text: t.text, Role: role})
	}
	return spans, inPipe
}

// nextToken returns the next non-whitespace token after i.
func nextToken(tokens []rawToken, i int) (Token, bool) {
	for j := i + 1; j < len(tokens); j++ {
		if !tokens[j].ws {
			return tokens[j].tok, !tokens[j].bad
		}
	}
	return Token{}, false
}

// prevToken returns the previous non-whitespace token before i.
func prevToken(tokens []rawToken, i int) (Token, bool) {
	for j := i - 1; j >= 0; j-- {
		if !tokens[j].ws {
			return tokens[j].tok, !tokens[j].bad
		}
	}
	return Token{}, false
}

func classifySearchToken(tokens []rawToken, i int) SpanRole {
	tok := tokens[i].tok
	switch tok.Kind {
	case TokAnd, TokOr:
		return RoleOperator
	case TokEq, TokNeq:
		return RoleEq
	case TokLParen, TokRParen:
		return RoleParen
	case TokSource:
		return RoleSource
	case TokRegex:
		return RoleRegex
	}
	if next, ok := nextToken(tokens, i); ok && (next.Kind == TokEq || next.Kind == TokNeq) {
		return RoleKey
	}
	if prev, ok := prevToken(tokens, i); ok && (prev.Kind == TokEq || prev.Kind == TokNeq) {
		return RoleValue
	}
	if tok.Kind == TokString {
		return RoleQuoted
	}
	return RoleToken
}

func classifyPipeToken(tokens []rawToken, i int, stageStart bool) SpanRole {
	tok := tokens[i].tok
	switch tok.Kind {
	case TokString:
		return RoleQuoted
	case TokRegex:
		return RoleRegex
	case TokNumber:
		return RoleNumber
	case TokComma:
		return RoleComma
	case TokLParen, TokRParen, TokLBracket, TokRBracket:
		return RoleParen
	case TokEqEq, TokNeq, TokGt, TokGte, TokLt, TokLte:
		return RoleCompareOp
	case TokEq:
		return RoleEq
	case TokAnd, TokOr, TokNot, TokPlus, TokMinus, TokStar, TokSlash:
		return RoleOperator
	case TokWord:
		lower := strings.ToLower(tok.Lit)
		if stageStart && stageKeywords[lower] {
			return RolePipeKeyword
		}
		if next, ok := nextToken(tokens, i); ok && next.Kind == TokLParen {
			return RoleFunction
		}
		if pipeWords[lower] {
			return RoleKeyword
		}
		return RoleColumn
	}
	return RoleToken
}

// applyError re-tags everything from offset onwards as an error, splitting
// the span that straddles it.
func applyError(spans []Span, offset int) []Span {
	out := make([]Span, 0, len(spans)+1)
	pos := 0
	for _, s := range spans {
		end := pos + len(s.Text)
		switch {
		case end <= offset:
			out = append(out, s)
		case pos >= offset:
			out = append(out, Span{Text: s.Text, Role: RoleError})
		default:
			cut := offset - pos
			out = append(out, Span{Text: s.Text[:cut], Role: s.Role}, Span{Text: s.Text[cut:], Role: RoleError})
		}
		pos = end
	}
	return out
}

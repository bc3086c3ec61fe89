package querylang

import (
	"errors"
	"testing"
)

func lexAll(t *testing.T, input string, pipe bool) []Token {
	t.Helper()
	l := NewLexer(input)
	l.SetPipeMode(pipe)
	var toks []Token
	for {
		tok, err := l.Next()
		if err != nil {
			t.Fatalf("lex %q: %v", input, err)
		}
		if tok.Kind == TokEOF {
			return toks
		}
		toks = append(toks, tok)
	}
}

func kinds(toks []Token) []TokenKind {
	out := make([]TokenKind, len(toks))
	for i, tok := range toks {
		out[i] = tok.Kind
	}
	return out
}

func equalKinds(a, b []TokenKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLexerSearchMode(t *testing.T) {
	tests := []struct {
		input string
		kinds []TokenKind
		lits  []string
	}{
		{"hello world", []TokenKind{TokWord, TokWord}, []string{"hello", "world"}},
		{"a AND b or c", []TokenKind{TokWord, TokAnd, TokWord, TokOr, TokWord}, []string{"a", "AND", "b", "or", "c"}},
		{"550e8400-e29b-41d4-a716-446655440000", []TokenKind{TokWord}, []string{"550e8400-e29b-41d4-a716-446655440000"}},
		{"/var/log/syslog", []TokenKind{TokWord}, []string{"/var/log/syslog"}},
		{`"hello world"`, []TokenKind{TokString}, []string{"hello world"}},
		{`"say \"hi\"\n"`, []TokenKind{TokString}, []string{"say \"hi\"\n"}},
		{"level=error", []TokenKind{TokWord, TokEq, TokWord}, []string{"level", "=", "error"}},
		{"level!=debug", []TokenKind{TokWord, TokNeq, TokWord}, []string{"level", "!=", "debug"}},
		{"hello!", []TokenKind{TokWord}, []string{"hello!"}},
		{"@prod", []TokenKind{TokSource}, []string{"prod"}},
		{"(a)", []TokenKind{TokLParen, TokWord, TokRParen}, []string{"(", "a", ")"}},
		{"host=`web-\\d+`", []TokenKind{TokWord, TokEq, TokRegex}, []string{"host", "=", `web-\d+`}},
		{"a | b", []TokenKind{TokWord, TokPipe, TokWord}, []string{"a", "|", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			toks := lexAll(t, tt.input, false)
			if got := kinds(toks); !equalKinds(got, tt.kinds) {
				t.Fatalf("kinds = %v, want %v", got, tt.kinds)
			}
			for i, tok := range toks {
				if tok.Lit != tt.lits[i] {
					t.Errorf("token %d lit = %q, want %q", i, tok.Lit, tt.lits[i])
				}
			}
		})
	}
}

func TestLexerPipeMode(t *testing.T) {
	tests := []struct {
		input string
		kinds []TokenKind
	}{
		{"x > 1 && x < 10", []TokenKind{TokWord, TokGt, TokNumber, TokAnd, TokWord, TokLt, TokNumber}},
		{"a == b || !c", []TokenKind{TokWord, TokEqEq, TokWord, TokOr, TokNot, TokWord}},
		{"a >= 1.5 != <=", []TokenKind{TokWord, TokGte, TokNumber, TokNeq, TokLte}},
		{"x in [1, 2]", []TokenKind{TokWord, TokWord, TokLBracket, TokNumber, TokComma, TokNumber, TokRBracket}},
		{"a + b - c * d / e", []TokenKind{TokWord, TokPlus, TokWord, TokMinus, TokWord, TokStar, TokWord, TokSlash, TokWord}},
		{"span=5m", []TokenKind{TokWord, TokEq, TokWord}},
		{"http.status-code", []TokenKind{TokWord}},
		{"count() | table", []TokenKind{TokWord, TokLParen, TokRParen, TokPipe, TokWord}},
		{"regex `(?P<n>\\d+)`", []TokenKind{TokWord, TokRegex}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := kinds(lexAll(t, tt.input, true)); !equalKinds(got, tt.kinds) {
				t.Errorf("kinds = %v, want %v", got, tt.kinds)
			}
		})
	}
}

func TestLexerErrors(t *testing.T) {
	tests := []struct {
		input string
		pipe  bool
		want  error
	}{
		{`"open`, false, ErrUnterminatedString},
		{"`open", false, ErrUnterminatedRegex},
		{`"bad \q"`, false, ErrInvalidEscape},
		{"a & b", true, ErrUnexpectedChar},
		{"#", true, ErrUnexpectedChar},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			l := NewLexer(tt.input)
			l.SetPipeMode(tt.pipe)
			var err error
			for {
				var tok Token
				tok, err = l.Next()
				if err != nil || tok.Kind == TokEOF {
					break
				}
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Errorf("err %T is not a *ParseError", err)
			}
		})
	}
}

func TestLexerPeek(t *testing.T) {
	l := NewLexer("a b")
	peeked, err := l.Peek()
	if err != nil {
		t.Fatal(err)
	}
	next, err := l.Next()
	if err != nil {
		t.Fatal(err)
	}
	if peeked != next {
		t.Errorf("Peek = %+v, Next = %+v", peeked, next)
	}
	if l.Pos() != 1 {
		t.Errorf("Pos = %d, want 1", l.Pos())
	}
}

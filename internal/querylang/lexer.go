package querylang

import (
	"strconv"
	"strings"
)

// Regex literals are delimited by back-ticks.
const regexDelimiter = '`'

// TokenKind identifies the type of lexical token.
type TokenKind int

const (
	TokEOF      TokenKind = iota
	TokWord               // bareword or identifier
	TokString             // quoted string (quotes stripped, escapes processed)
	TokNumber             // numeric literal (pipe mode only)
	TokRegex              // `pattern` (back-ticks stripped)
	TokSource             // @name (the @ is stripped)
	TokLParen             // (
	TokRParen             // )
	TokLBracket           // [
	TokRBracket           // ]
	TokComma              // ,
	TokPipe               // |
	TokEq                 // =
	TokEqEq               // ==
	TokNeq                // !=
	TokGt                 // >
	TokGte                // >=
	TokLt                 // <
	TokLte                // <=
	TokAnd                // && (pipe mode) or AND (search mode, case-insensitive)
	TokOr                 // || (pipe mode) or OR (search mode, case-insensitive)
	TokNot                // !
	TokPlus               // +
	TokMinus              // -
	TokStar               // *
	TokSlash              // /
)

var tokenNames = [...]string{
	TokEOF:      "end of query",
	TokWord:     "word",
	TokString:   "string",
	TokNumber:   "number",
	TokRegex:    "regex",
	TokSource:   "source reference",
	TokLParen:   "'('",
	TokRParen:   "')'",
	TokLBracket: "'['",
	TokRBracket: "']'",
	TokComma:    "','",
	TokPipe:     "'|'",
	TokEq:       "'='",
	TokEqEq:     "'=='",
	TokNeq:      "'!='",
	TokGt:       "'>'",
	TokGte:      "'>='",
	TokLt:       "'<'",
	TokLte:      "'<='",
	TokAnd:      "AND",
	TokOr:       "OR",
	TokNot:      "'!'",
	TokPlus:     "'+'",
	TokMinus:    "'-'",
	TokStar:     "'*'",
	TokSlash:    "'/'",
}

func (k TokenKind) String() string {
	if int(k) < len(tokenNames) {
		return tokenNames[k]
	}
	return "unknown"
}

// Token represents a lexical token.
type Token struct {
	Kind TokenKind
	Lit  string // for quoted strings: unescaped content without quotes
	Pos  int    // byte offset in input for error reporting
}

// describe renders the token for "found ..." error messages.
func (t Token) describe() string {
	switch t.Kind {
	case TokEOF:
		return "end of query"
	case TokString:
		return strconv.Quote(t.Lit)
	case TokRegex:
		return "`" + t.Lit + "`"
	case TokSource:
		return "'@" + t.Lit + "'"
	}
	if t.Lit != "" {
		return "'" + t.Lit + "'"
	}
	return t.Kind.String()
}

// Lexer tokenizes a query string. It starts in search mode, where barewords
// span everything up to a delimiter, and is switched to pipe mode by the
// parser once the first '|' is consumed.
type Lexer struct {
	input    string
	pos      int
	pipeMode bool
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// SetPipeMode switches tokenization rules. In pipe mode numbers and
// operators are recognised and identifiers are restricted to
// [A-Za-z0-9_.@$-].
func (l *Lexer) SetPipeMode(on bool) {
	l.pipeMode = on
}

// Pos returns the current byte offset.
func (l *Lexer) Pos() int { return l.pos }

// Next returns the next token.
func (l *Lexer) Next() (Token, error) {
	l.skipWhitespace()

	if l.pos >= len(l.input) {
		return Token{Kind: TokEOF, Pos: l.pos}, nil
	}
	if l.pipeMode {
		return l.nextPipe()
	}
	return l.nextSearch()
}

// Peek returns the next token without consuming it.
func (l *Lexer) Peek() (Token, error) {
	savedPos := l.pos
	tok, err := l.Next()
	l.pos = savedPos
	return tok, err
}

func (l *Lexer) nextSearch() (Token, error) {
	startPos := l.pos
	ch := l.input[l.pos]

	switch ch {
	case '(':
		l.pos++
		return Token{Kind: TokLParen, Lit: "(", Pos: startPos}, nil
	case ')':
		l.pos++
		return Token{Kind: TokRParen, Lit: ")", Pos: startPos}, nil
	case '|':
		l.pos++
		return Token{Kind: TokPipe, Lit: "|", Pos: startPos}, nil
	case '=':
		l.pos++
		return Token{Kind: TokEq, Lit: "=", Pos: startPos}, nil
	case '!':
		if l.peekByte(1) == '=' {
			l.pos += 2
			return Token{Kind: TokNeq, Lit: "!=", Pos: startPos}, nil
		}
	case '"', '\'':
		return l.scanQuotedString(ch)
	case regexDelimiter:
		return l.scanRegex()
	case '@':
		l.pos++
		word := l.scanWhile(isBarewordChar)
		if word == "" {
			return Token{}, newParseError(startPos, ErrUnexpectedToken, "expected source name after '@'")
		}
		return Token{Kind: TokSource, Lit: word, Pos: startPos}, nil
	}

	lit := l.scanBareword()
	return Token{Kind: classifyWord(lit), Lit: lit, Pos: startPos}, nil
}

func (l *Lexer) nextPipe() (Token, error) {
	startPos := l.pos
	ch := l.input[l.pos]

	single := func(kind TokenKind) (Token, error) {
		l.pos++
		return Token{Kind: kind, Lit: string(ch), Pos: startPos}, nil
	}
	double := func(kind TokenKind) (Token, error) {
		lit := l.input[l.pos : l.pos+2]
		l.pos += 2
		return Token{Kind: kind, Lit: lit, Pos: startPos}, nil
	}

	switch ch {
	case '(':
		return single(TokLParen)
	case ')':
		return single(TokRParen)
	case '[':
		return single(TokLBracket)
	case ']':
		return single(TokRBracket)
	case ',':
		return single(TokComma)
	case '+':
		return single(TokPlus)
	case '-':
		return single(TokMinus)
	case '*':
		return single(TokStar)
	case '/':
		return single(TokSlash)
	case '|':
		if l.peekByte(1) == '|' {
			return double(TokOr)
		}
		return single(TokPipe)
	case '&':
		if l.peekByte(1) == '&' {
			return double(TokAnd)
		}
		return Token{}, newParseError(startPos, ErrUnexpectedChar, "unexpected character '&' (did you mean '&&'?)")
	case '=':
		if l.peekByte(1) == '=' {
			return double(TokEqEq)
		}
		return single(TokEq)
	case '!':
		if l.peekByte(1) == '=' {
			return double(TokNeq)
		}
		return single(TokNot)
	case '>':
		if l.peekByte(1) == '=' {
			return double(TokGte)
		}
		return single(TokGt)
	case '<':
		if l.peekByte(1) == '=' {
			return double(TokLte)
		}
		return single(TokLt)
	case '"', '\'':
		return l.scanQuotedString(ch)
	case regexDelimiter:
		return l.scanRegex()
	}

	if isDigit(ch) {
		lit := l.scanWhile(func(c byte) bool { return isDigit(c) || isLetter(c) || c == '_' || c == '.' })
		if _, err := strconv.ParseFloat(lit, 64); err == nil {
			return Token{Kind: TokNumber, Lit: lit, Pos: startPos}, nil
		}
		// Durations and similar (5m, 1h30m) stay words.
		return Token{Kind: TokWord, Lit: lit, Pos: startPos}, nil
	}
	if isIdentStart(ch) {
		lit := l.scanWhile(isIdentChar)
		return Token{Kind: TokWord, Lit: lit, Pos: startPos}, nil
	}

	return Token{}, newParseError(startPos, ErrUnexpectedChar, "unexpected character %q", ch)
}

func (l *Lexer) peekByte(offset int) byte {
	if l.pos+offset < len(l.input) {
		return l.input[l.pos+offset]
	}
	return 0
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			l.pos++
		} else {
			break
		}
	}
}

func (l *Lexer) scanWhile(ok func(byte) bool) string {
	start := l.pos
	for l.pos < len(l.input) && ok(l.input[l.pos]) {
		l.pos++
	}
	return l.input[start:l.pos]
}

// scanBareword scans a search-mode bareword. A '!' only ends the word when
// it starts a '!=' operator, so "hello!" stays one word.
func (l *Lexer) scanBareword() string {
	start := l.pos
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '!' && l.peekByte(1) == '=' {
			break
		}
		if !isBarewordChar(ch) {
			break
		}
		l.pos++
	}
	return l.input[start:l.pos]
}

// scanQuotedString scans a quoted string, processing escape sequences.
func (l *Lexer) scanQuotedString(quote byte) (Token, error) {
	startPos := l.pos
	l.pos++ // skip opening quote

	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]

		if ch == quote {
			l.pos++
			return Token{Kind: TokString, Lit: sb.String(), Pos: startPos}, nil
		}

		if ch == '\\' {
			l.pos++
			if l.pos >= len(l.input) {
				return Token{}, newParseError(l.pos-1, ErrUnterminatedString, "unterminated string: escape at end of input")
			}

			escaped := l.input[l.pos]
			switch escaped {
			case '\\':
				sb.WriteByte('\\')
			case '"':
				sb.WriteByte('"')
			case '\'':
				sb.WriteByte('\'')
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			default:
				return Token{}, newParseError(l.pos-1, ErrInvalidEscape, "invalid escape sequence: \\%c", escaped)
			}
			l.pos++
			continue
		}

		sb.WriteByte(ch)
		l.pos++
	}

	return Token{}, newParseError(startPos, ErrUnterminatedString, "unterminated string starting at position %d", startPos)
}

// scanRegex scans a back-tick delimited regex. \` inside the pattern is an
// escaped back-tick; every other backslash is kept for the regex engine.
func (l *Lexer) scanRegex() (Token, error) {
	startPos := l.pos
	l.pos++ // skip opening `

	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]

		if ch == regexDelimiter {
			l.pos++
			return Token{Kind: TokRegex, Lit: sb.String(), Pos: startPos}, nil
		}
		if ch == '\\' && l.peekByte(1) == regexDelimiter {
			sb.WriteByte(regexDelimiter)
			l.pos += 2
			continue
		}

		sb.WriteByte(ch)
		l.pos++
	}

	return Token{}, newParseError(startPos, ErrUnterminatedRegex, "unterminated regex starting at position %d", startPos)
}

// isBarewordChar reports whether ch can be part of a search-mode bareword.
// Barewords exclude whitespace and ()|="'`.
func isBarewordChar(ch byte) bool {
	switch ch {
	case ' ', '\t', '\n', '\r':
		return false
	case '(', ')', '|', '=', '"', '\'', regexDelimiter:
		return false
	default:
		return true
	}
}

func isDigit(ch byte) bool  { return ch >= '0' && ch <= '9' }
func isLetter(ch byte) bool { return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' }

func isIdentStart(ch byte) bool {
	return isLetter(ch) || ch == '_' || ch == '.' || ch == '@' || ch == '$'
}

func isIdentChar(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch) || ch == '-'
}

// classifyWord checks if a search-mode word is a keyword (case-insensitive).
func classifyWord(word string) TokenKind {
	switch strings.ToUpper(word) {
	case "OR":
		return TokOr
	case "AND":
		return TokAnd
	default:
		return TokWord
	}
}

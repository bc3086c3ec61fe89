package querylang

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Lexer errors.
var (
	ErrUnterminatedString = errors.New("unterminated string")
	ErrUnterminatedRegex  = errors.New("unterminated regex")
	ErrInvalidEscape      = errors.New("invalid escape sequence")
	ErrInvalidRegex       = errors.New("invalid regex")
	ErrUnexpectedChar     = errors.New("unexpected character")
)

// Parser errors.
var (
	ErrUnmatchedParen     = errors.New("unmatched parenthesis")
	ErrUnexpectedToken    = errors.New("unexpected token")
	ErrUnexpectedEOF      = errors.New("unexpected end of query")
	ErrUnknownStage       = errors.New("unknown pipeline stage")
	ErrUnknownAggregation = errors.New("unknown aggregation function")
	ErrInvalidParam       = errors.New("invalid parameter")
)

// Evaluation errors.
var (
	ErrUnknownFunction   = errors.New("unknown function")
	ErrInvalidArguments  = errors.New("invalid function arguments")
	ErrNotBoolean        = errors.New("expression is not boolean")
	ErrInvalidOperands   = errors.New("invalid operands")
	ErrUnsupportedSyntax = errors.New("unsupported expression")
)

// ParseError locates a lexer or parser failure in the query text.
type ParseError struct {
	Pos     int // byte offset in input
	Message string
	Err     error // sentinel, for errors.Is
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Pos, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Excerpt renders the line of query holding the error with a caret under
// the offending column:
//
//	level=error | stats cout()
//	                    ^
func (e *ParseError) Excerpt(query string) string {
	pos := min(max(e.Pos, 0), len(query))
	start := strings.LastIndexByte(query[:pos], '\n') + 1
	end := len(query)
	if i := strings.IndexByte(query[pos:], '\n'); i >= 0 {
		end = pos + i
	}
	line := strings.ReplaceAll(query[start:end], "\t", " ")
	col := utf8.RuneCountInString(query[start:pos])
	return line + "\n" + strings.Repeat(" ", col) + "^"
}

func newParseError(pos int, err error, msgFmt string, args ...any) *ParseError {
	return &ParseError{
		Pos:     pos,
		Message: fmt.Sprintf(msgFmt, args...),
		Err:     err,
	}
}

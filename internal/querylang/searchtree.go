package querylang

import "strings"

// SearchBuilder folds a search tree into a backend-specific representation:
// a boolean matcher, a grep command line, a remote query string.
type SearchBuilder[T any] struct {
	And     func(left, right T) T
	Or      func(left, right T) T
	Literal func(tokens []string) T
	// Empty is used for an absent search or an empty literal.
	Empty func() T
}

// BuildSearch walks s bottom-up with b.
func BuildSearch[T any](s *Search, b SearchBuilder[T]) T {
	if s == nil || s.Root == nil {
		return b.Empty()
	}
	return buildNode(s.Root, b)
}

func buildNode[T any](n SearchNode, b SearchBuilder[T]) T {
	switch n := n.(type) {
	case *SearchLiteral:
		if len(n.Tokens) == 0 {
			return b.Empty()
		}
		return b.Literal(n.Tokens)
	case *SearchAnd:
		return b.And(buildNode(n.Left, b), buildNode(n.Right, b))
	case *SearchOr:
		return b.Or(buildNode(n.Left, b), buildNode(n.Right, b))
	}
	return b.Empty()
}

// Matcher reports whether a row's text satisfies a search.
type Matcher func(text string) bool

// MatchBuilder builds matchers over lower-cased text. Use NewMatcher, which
// lower-cases the input once, rather than calling the result directly.
var MatchBuilder = SearchBuilder[Matcher]{
	And: func(left, right Matcher) Matcher {
		return func(text string) bool { return left(text) && right(text) }
	},
	Or: func(left, right Matcher) Matcher {
		return func(text string) bool { return left(text) || right(text) }
	},
	Literal: func(tokens []string) Matcher {
		lowered := make([]string, len(tokens))
		for i, t := range tokens {
			lowered[i] = strings.ToLower(t)
		}
		return func(text string) bool {
			for _, t := range lowered {
				if !strings.Contains(text, t) {
					return false
				}
			}
			return true
		}
	},
	Empty: func() Matcher {
		return func(string) bool { return true }
	},
}

// NewMatcher compiles s into a case-insensitive substring matcher. A nil
// search matches everything.
func NewMatcher(s *Search) Matcher {
	if s == nil || s.Root == nil {
		return MatchBuilder.Empty()
	}
	inner := BuildSearch(s, MatchBuilder)
	return func(text string) bool {
		return inner(strings.ToLower(text))
	}
}

// Matcher is shorthand for NewMatcher(s).
func (s *Search) Matcher() Matcher { return NewMatcher(s) }

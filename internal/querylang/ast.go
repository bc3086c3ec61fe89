// Package querylang parses QQL, the cruncher query language, into an AST.
//
// A query is an optional free-text search predicate followed by zero or more
// pipeline stages:
//
//	error timeout @prod level!=debug | where status >= 500 | stats count() by host
//
// This package only parses and evaluates expressions. It MUST NOT:
//   - Talk to adapters
//   - Schedule or execute fetches
//   - Know about tasks, caches or pagination
package querylang

import (
	"strings"
)

// Query is a fully parsed QQL query.
type Query struct {
	Search      *Search      // free-text predicate; nil matches everything
	Pipeline    []Stage      // stages in order of application
	SourceRefs  []string     // @name references, in order of appearance
	IndexParams []IndexParam // key=value filters handed to adapters
}

// String returns a normalized form of the query.
func (q *Query) String() string {
	var parts []string
	var head []string
	if q.Search != nil {
		head = append(head, q.Search.String())
	}
	for _, ref := range q.SourceRefs {
		head = append(head, "@"+ref)
	}
	for _, p := range q.IndexParams {
		head = append(head, p.String())
	}
	// A pipeline-only query keeps its leading pipe.
	parts = append(parts, strings.Join(head, " "))
	for _, st := range q.Pipeline {
		parts = append(parts, st.String())
	}
	return strings.TrimSpace(strings.Join(parts, " | "))
}

// IndexParam is a key/value filter pushed down to adapters.
type IndexParam struct {
	Key      string
	Operator string // "=" or "!="
	Value    string
	Regex    bool // Value is a regular expression (back-tick literal)
}

func (p IndexParam) String() string {
	if p.Regex {
		return p.Key + p.Operator + "`" + p.Value + "`"
	}
	return p.Key + p.Operator + quoteIfNeeded(p.Value)
}

// Search is the free-text predicate tree.
type Search struct {
	Root SearchNode
}

func (s *Search) String() string {
	if s == nil || s.Root == nil {
		return ""
	}
	return s.Root.String()
}

// SearchNode is implemented by SearchLiteral, SearchAnd and SearchOr.
type SearchNode interface {
	searchNode()
	String() string
}

// SearchLiteral matches when every token is found in the text.
type SearchLiteral struct {
	Tokens []string
}

func (SearchLiteral) searchNode() {}

func (l *SearchLiteral) String() string {
	parts := make([]string, len(l.Tokens))
	for i, t := range l.Tokens {
		parts[i] = quoteIfNeeded(t)
	}
	return strings.Join(parts, " ")
}

// SearchAnd matches when both sides match.
type SearchAnd struct {
	Left, Right SearchNode
}

func (SearchAnd) searchNode() {}

func (a *SearchAnd) String() string {
	return "(" + a.Left.String() + " AND " + a.Right.String() + ")"
}

// SearchOr matches when either side matches.
type SearchOr struct {
	Left, Right SearchNode
}

func (SearchOr) searchNode() {}

func (o *SearchOr) String() string {
	return "(" + o.Left.String() + " OR " + o.Right.String() + ")"
}

// Tokens returns every literal token in the tree, left to right.
func (s *Search) Tokens() []string {
	if s == nil {
		return nil
	}
	var out []string
	var walk func(SearchNode)
	walk = func(n SearchNode) {
		switch n := n.(type) {
		case *SearchLiteral:
			out = append(out, n.Tokens...)
		case *SearchAnd:
			walk(n.Left)
			walk(n.Right)
		case *SearchOr:
			walk(n.Left)
			walk(n.Right)
		}
	}
	walk(s.Root)
	return out
}

// quoteIfNeeded quotes s when it would not lex back as a single bareword.
func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	for i := 0; i < len(s); i++ {
		if !isBarewordChar(s[i]) {
			return quote(s)
		}
	}
	if k := classifyWord(s); k != TokWord {
		return quote(s)
	}
	return s
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return `"` + r.Replace(s) + `"`
}

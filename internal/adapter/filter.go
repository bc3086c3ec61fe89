package adapter

import (
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"cruncher/internal/querylang"
)

// ParamFilter evaluates index params against a source's own attributes.
// Every param must hold. Plain values match as doublestar globs, back-tick
// values as regular expressions.
type ParamFilter struct {
	conds []paramCond
}

type paramCond struct {
	key    string
	negate bool
	match  func(string) bool
}

// CompileParams builds a filter from params.
func CompileParams(params []querylang.IndexParam) (*ParamFilter, error) {
	f := &ParamFilter{conds: make([]paramCond, 0, len(params))}
	for _, p := range params {
		c := paramCond{key: p.Key, negate: p.Operator == "!="}
		if p.Regex {
			re, err := querylang.CompileRegex(p.Value)
			if err != nil {
				return nil, fmt.Errorf("param %s: %w", p.Key, err)
			}
			c.match = re.MatchString
		} else {
			if !doublestar.ValidatePattern(p.Value) {
				return nil, fmt.Errorf("param %s: invalid pattern %q", p.Key, p.Value)
			}
			pattern := p.Value
			c.match = func(s string) bool {
				ok, _ := doublestar.Match(pattern, s)
				return ok
			}
		}
		f.conds = append(f.conds, c)
	}
	return f, nil
}

// Match reports whether the attributes returned by get satisfy every param.
// An absent attribute fails "=" and passes "!=".
func (f *ParamFilter) Match(get func(key string) (string, bool)) bool {
	if f == nil {
		return true
	}
	for _, c := range f.conds {
		v, ok := get(c.key)
		hit := ok && c.match(v)
		if hit == c.negate {
			return false
		}
	}
	return true
}

// MatchMap is Match over a string map.
func (f *ParamFilter) MatchMap(attrs map[string]string) bool {
	return f.Match(func(k string) (string, bool) {
		v, ok := attrs[k]
		return v, ok
	})
}

// MatchValue reports whether the attribute key, known by any of values,
// satisfies every param on key: "=" holds if some value matches and "!="
// holds if none does. Params on other keys are ignored.
func (f *ParamFilter) MatchValue(key string, values ...string) bool {
	if f == nil {
		return true
	}
	for _, c := range f.conds {
		if c.key != key {
			continue
		}
		if slices.ContainsFunc(values, c.match) == c.negate {
			return false
		}
	}
	return true
}

// Keys returns the distinct param keys, sorted.
func (f *ParamFilter) Keys() []string {
	if f == nil {
		return nil
	}
	var keys []string
	for _, c := range f.conds {
		if !slices.Contains(keys, c.key) {
			keys = append(keys, c.key)
		}
	}
	slices.Sort(keys)
	return keys
}

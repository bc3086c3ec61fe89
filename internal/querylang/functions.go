package querylang

import (
	"encoding/json"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/grafana/regexp"
	"github.com/theory/jsonpath"

	"cruncher/internal/record"
)

// funcSpec declares a built-in function. Signature entries list the accepted
// syntactic argument types separated by '|'; "any" accepts everything.
type funcSpec struct {
	name      string
	returns   record.Kind
	signature []string
	impl      func(vals []record.Field, args []Expr) (record.Field, error)
}

// Functions grouped by the kind they return.
var (
	StringFuncNames  = []string{"lower", "upper", "trim", "json_extract"}
	NumberFuncNames  = []string{"abs", "round", "ceil", "floor", "length"}
	BooleanFuncNames = []string{"contains", "startsWith", "endsWith", "match", "isNull", "isNotNull"}
)

const stringArg = "string|columnRef|functionExpression"

var builtins = func() map[string]*funcSpec {
	specs := []*funcSpec{
		{name: "lower", returns: record.KindString, signature: []string{"any"}, impl: stringFunc(strings.ToLower)},
		{name: "upper", returns: record.KindString, signature: []string{"any"}, impl: stringFunc(strings.ToUpper)},
		{name: "trim", returns: record.KindString, signature: []string{"any"}, impl: stringFunc(strings.TrimSpace)},
		{name: "json_extract", returns: record.KindString, signature: []string{stringArg, "string"}, impl: jsonExtract},

		{name: "abs", returns: record.KindNumber, signature: []string{"any"}, impl: mathFunc(math.Abs)},
		{name: "round", returns: record.KindNumber, signature: []string{"any"}, impl: mathFunc(roundHalfUp)},
		{name: "ceil", returns: record.KindNumber, signature: []string{"any"}, impl: mathFunc(math.Ceil)},
		{name: "floor", returns: record.KindNumber, signature: []string{"any"}, impl: mathFunc(math.Floor)},
		{name: "length", returns: record.KindNumber, signature: []string{"any"}, impl: length},

		{name: "contains", returns: record.KindBoolean, signature: []string{stringArg, stringArg}, impl: stringPredicate(strings.Contains)},
		{name: "startsWith", returns: record.KindBoolean, signature: []string{stringArg, stringArg}, impl: stringPredicate(strings.HasPrefix)},
		{name: "endsWith", returns: record.KindBoolean, signature: []string{stringArg, stringArg}, impl: stringPredicate(strings.HasSuffix)},
		{name: "match", returns: record.KindBoolean, signature: []string{stringArg, "regex"}, impl: match},
		{name: "isNull", returns: record.KindBoolean, signature: []string{"any"}, impl: func(v []record.Field, _ []Expr) (record.Field, error) {
			return record.Bool(v[0].IsNone()), nil
		}},
		{name: "isNotNull", returns: record.KindBoolean, signature: []string{"any"}, impl: func(v []record.Field, _ []Expr) (record.Field, error) {
			return record.Bool(!v[0].IsNone()), nil
		}},
	}
	m := make(map[string]*funcSpec, len(specs))
	for _, s := range specs {
		m[strings.ToLower(s.name)] = s
	}
	return m
}()

// lookupFunc finds a built-in by case-insensitive name.
func lookupFunc(name string) (*funcSpec, bool) {
	s, ok := builtins[strings.ToLower(name)]
	return s, ok
}

// IsFunction reports whether name is a built-in function.
func IsFunction(name string) bool {
	_, ok := lookupFunc(name)
	return ok
}

// checkSignature validates argument count and syntactic types.
func (s *funcSpec) checkSignature(args []Expr) error {
	if len(args) != len(s.signature) {
		return evalError(ErrInvalidArguments, "invalid number of arguments for function %s - expected %d, got %d",
			s.name, len(s.signature), len(args))
	}
	got := make([]string, len(args))
	ok := true
	for i, a := range args {
		got[i] = a.ArgType()
		if s.signature[i] == "any" {
			continue
		}
		if !acceptsType(s.signature[i], got[i]) {
			ok = false
		}
	}
	if !ok {
		return evalError(ErrInvalidArguments, "invalid argument types for function %s - expected: (%s), got (%s)",
			s.name, strings.Join(s.signature, ","), strings.Join(got, ","))
	}
	return nil
}

func acceptsType(allowed, got string) bool {
	for alt := range strings.SplitSeq(allowed, "|") {
		if alt == got {
			return true
		}
	}
	return false
}

// stringValue renders a field for string functions: strings as-is, absent
// as "", everything else by its display form.
func stringValue(f record.Field) string {
	switch f.Kind {
	case record.KindString:
		return f.Str
	case record.KindNone:
		return ""
	}
	return f.Display()
}

func stringFunc(fn func(string) string) func([]record.Field, []Expr) (record.Field, error) {
	return func(v []record.Field, _ []Expr) (record.Field, error) {
		return record.String(fn(stringValue(v[0]))), nil
	}
}

func stringPredicate(fn func(s, sub string) bool) func([]record.Field, []Expr) (record.Field, error) {
	return func(v []record.Field, _ []Expr) (record.Field, error) {
		return record.Bool(fn(stringValue(v[0]), stringValue(v[1]))), nil
	}
}

func mathFunc(fn func(float64) float64) func([]record.Field, []Expr) (record.Field, error) {
	return func(v []record.Field, _ []Expr) (record.Field, error) {
		return record.Number(fn(v[0].AsNumber().Num)), nil
	}
}

// roundHalfUp rounds .5 towards positive infinity.
func roundHalfUp(x float64) float64 { return math.Floor(x + 0.5) }

func length(v []record.Field, _ []Expr) (record.Field, error) {
	switch v[0].Kind {
	case record.KindArray:
		return record.Number(float64(len(v[0].Arr))), nil
	case record.KindObject:
		return record.Number(float64(len(v[0].Obj))), nil
	}
	return record.Number(float64(utf8.RuneCountInString(stringValue(v[0])))), nil
}

func match(v []record.Field, args []Expr) (record.Field, error) {
	lit, ok := args[1].(*RegexLit)
	if !ok || lit.Re == nil {
		return record.Field{}, evalError(ErrInvalidArguments, "match expects a compiled regex")
	}
	return record.Bool(lit.Re.MatchString(stringValue(v[0]))), nil
}

var jsonPaths sync.Map // path string -> *jsonpath.Path

func jsonExtract(v []record.Field, _ []Expr) (record.Field, error) {
	expr := v[1].Str
	var path *jsonpath.Path
	if cached, ok := jsonPaths.Load(expr); ok {
		path = cached.(*jsonpath.Path)
	} else {
		p, err := jsonpath.Parse(expr)
		if err != nil {
			return record.Field{}, evalError(ErrInvalidArguments, "json_extract: invalid path %q: %v", expr, err)
		}
		jsonPaths.Store(expr, p)
		path = p
	}

	var doc any
	switch v[0].Kind {
	case record.KindObject, record.KindArray:
		doc = v[0].Interface()
	case record.KindString:
		if err := json.Unmarshal([]byte(v[0].Str), &doc); err != nil {
			return record.None(), nil
		}
	default:
		return record.None(), nil
	}

	nodes := path.Select(doc)
	if len(nodes) == 0 {
		return record.None(), nil
	}
	return record.FromAny(nodes[0]), nil
}

var regexCache sync.Map // pattern -> *regexp.Regexp

// compileRegex compiles pattern, reusing earlier compilations.
func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// CompileRegex is compileRegex for adapters handling regex index params.
func CompileRegex(pattern string) (*regexp.Regexp, error) {
	return compileRegex(pattern)
}

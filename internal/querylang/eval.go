package querylang

import (
	"fmt"
	"strings"

	"cruncher/internal/record"
)

// EvalError is returned for expression evaluation failures. It unwraps to
// one of the Err* evaluation sentinels.
type EvalError struct {
	Message string
	Err     error
}

func (e *EvalError) Error() string { return e.Message }
func (e *EvalError) Unwrap() error { return e.Err }

func evalError(sentinel error, msgFmt string, args ...any) *EvalError {
	return &EvalError{Message: fmt.Sprintf(msgFmt, args...), Err: sentinel}
}

// Evaluator evaluates where/eval expressions against records. It is
// stateless and safe for concurrent use.
type Evaluator struct{}

// NewEvaluator creates an Evaluator with the built-in functions.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Test evaluates a where expression. Anything other than a boolean result is
// an error.
func (e *Evaluator) Test(expr Expr, rec record.Record) (bool, error) {
	v, err := e.Eval(expr, rec)
	if err != nil {
		return false, err
	}
	if v.Kind != record.KindBoolean {
		return false, evalError(ErrNotBoolean, "where expression must evaluate to a boolean, got %s (%s)", v.Kind, expr)
	}
	return v.Bool, nil
}

// Eval evaluates an expression to a field value. Unknown columns evaluate to
// the absent value.
func (e *Evaluator) Eval(expr Expr, rec record.Record) (record.Field, error) {
	switch ex := expr.(type) {
	case *Literal:
		return ex.Value, nil
	case *RegexLit:
		return record.String(ex.Pattern), nil
	case *ColumnRef:
		return rec.Get(ex.Name), nil
	case *FuncCall:
		return e.evalCall(ex, rec)
	case *NotExpr:
		b, err := e.Test(ex.Expr, rec)
		if err != nil {
			return record.Field{}, err
		}
		return record.Bool(!b), nil
	case *NegExpr:
		v, err := e.Eval(ex.Expr, rec)
		if err != nil {
			return record.Field{}, err
		}
		if v.IsNone() {
			return record.None(), nil
		}
		n, ok := numeric(v)
		if !ok {
			return record.Field{}, evalError(ErrInvalidOperands, "cannot negate %s", v.Kind)
		}
		return record.Number(-n), nil
	case *InExpr:
		return e.evalIn(ex, rec)
	case *BinaryExpr:
		switch {
		case ex.Op.IsLogical():
			return e.evalLogical(ex, rec)
		case ex.Op.IsComparison():
			return e.evalComparison(ex, rec)
		}
		return e.evalArith(ex, rec)
	}
	return record.Field{}, evalError(ErrUnsupportedSyntax, "unsupported expression type %T", expr)
}

func (e *Evaluator) evalCall(fc *FuncCall, rec record.Record) (record.Field, error) {
	spec, ok := lookupFunc(fc.Name)
	if !ok {
		return record.Field{}, evalError(ErrUnknownFunction, "unknown function '%s'", fc.Name)
	}
	if err := spec.checkSignature(fc.Args); err != nil {
		return record.Field{}, err
	}
	vals := make([]record.Field, len(fc.Args))
	for i, a := range fc.Args {
		v, err := e.Eval(a, rec)
		if err != nil {
			return record.Field{}, fmt.Errorf("evaluating argument %d of %s: %w", i+1, fc.Name, err)
		}
		vals[i] = v
	}
	return spec.impl(vals, fc.Args)
}

// evalLogical short-circuits && and ||.
func (e *Evaluator) evalLogical(ex *BinaryExpr, rec record.Record) (record.Field, error) {
	left, err := e.Test(ex.Left, rec)
	if err != nil {
		return record.Field{}, err
	}
	if ex.Op == OpAnd && !left {
		return record.Bool(false), nil
	}
	if ex.Op == OpOr && left {
		return record.Bool(true), nil
	}
	right, err := e.Test(ex.Right, rec)
	if err != nil {
		return record.Field{}, err
	}
	return record.Bool(right), nil
}

// evalComparison applies undefined-aware comparison: absent == absent is
// true, absent != present is true and every relational operator involving
// an absent side is false.
func (e *Evaluator) evalComparison(ex *BinaryExpr, rec record.Record) (record.Field, error) {
	left, err := e.Eval(ex.Left, rec)
	if err != nil {
		return record.Field{}, err
	}
	right, err := e.Eval(ex.Right, rec)
	if err != nil {
		return record.Field{}, err
	}
	return record.Bool(Compare(ex.Op, left, right)), nil
}

// Compare applies a comparison operator to two values.
func Compare(op BinaryOp, left, right record.Field) bool {
	if left.IsNone() || right.IsNone() {
		switch op {
		case OpEq:
			return left.IsNone() && right.IsNone()
		case OpNeq:
			return !(left.IsNone() && right.IsNone())
		}
		return false
	}

	switch op {
	case OpEq:
		return record.Equal(left, right)
	case OpNeq:
		return !record.Equal(left, right)
	}

	c, ok := relate(left, right)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

// relate orders two present values for relational operators. Numbers and
// dates compare numerically; a numeric string compared against a number is
// read as a number; two strings compare lexicographically.
func relate(a, b record.Field) (int, bool) {
	an, aok := numeric(a)
	bn, bok := numeric(b)
	if aok && bok && (isNumberKind(a) || isNumberKind(b)) {
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		}
		return 0, true
	}
	if a.Kind == record.KindString && b.Kind == record.KindString {
		return strings.Compare(a.Str, b.Str), true
	}
	return 0, false
}

func isNumberKind(f record.Field) bool {
	return f.Kind == record.KindNumber || f.Kind == record.KindDate
}

// numeric reads f as a number: numbers, dates and numeric strings.
func numeric(f record.Field) (float64, bool) { return f.Float() }

func (e *Evaluator) evalIn(ex *InExpr, rec record.Record) (record.Field, error) {
	v, err := e.Eval(ex.Expr, rec)
	if err != nil {
		return record.Field{}, err
	}
	for _, item := range ex.List {
		iv, err := e.Eval(item, rec)
		if err != nil {
			return record.Field{}, err
		}
		if record.Equal(v, iv) {
			return record.Bool(true), nil
		}
	}
	return record.Bool(false), nil
}

// evalArith applies + - * /. An absent operand or division by zero yields
// the absent value; + on two strings concatenates.
func (e *Evaluator) evalArith(ex *BinaryExpr, rec record.Record) (record.Field, error) {
	left, err := e.Eval(ex.Left, rec)
	if err != nil {
		return record.Field{}, err
	}
	right, err := e.Eval(ex.Right, rec)
	if err != nil {
		return record.Field{}, err
	}
	if left.IsNone() || right.IsNone() {
		return record.None(), nil
	}

	if ex.Op == OpAdd && left.Kind == record.KindString && right.Kind == record.KindString {
		return record.String(left.Str + right.Str), nil
	}

	ln, lok := numeric(left)
	rn, rok := numeric(right)
	if !lok || !rok {
		return record.Field{}, evalError(ErrInvalidOperands, "arithmetic requires numeric operands: %s %s %s",
			left.Kind, ex.Op, right.Kind)
	}

	switch ex.Op {
	case OpAdd:
		return record.Number(ln + rn), nil
	case OpSub:
		return record.Number(ln - rn), nil
	case OpMul:
		return record.Number(ln * rn), nil
	case OpDiv:
		if rn == 0 {
			return record.None(), nil
		}
		return record.Number(ln / rn), nil
	}
	return record.Field{}, evalError(ErrUnsupportedSyntax, "unknown arithmetic operator %s", ex.Op)
}

package querylang

import (
	"strconv"
	"strings"

	"github.com/grafana/regexp"

	"cruncher/internal/record"
)

// Expr is a where/eval expression node.
type Expr interface {
	expr()
	// ArgType is the syntactic type used in function signature checks:
	// string, number, boolean, null, regex, columnRef, functionExpression,
	// logicalExpression or arithmeticExpression.
	ArgType() string
	String() string
}

// Literal is a constant: number, string, boolean or null (absent).
type Literal struct {
	Value record.Field
}

func (Literal) expr() {}

func (l *Literal) ArgType() string {
	if l.Value.IsNone() {
		return "null"
	}
	return l.Value.Kind.String()
}

func (l *Literal) String() string {
	switch l.Value.Kind {
	case record.KindNone:
		return "null"
	case record.KindString:
		return strconv.Quote(l.Value.Str)
	}
	return l.Value.Display()
}

// RegexLit is a back-tick regex literal, compiled at parse time.
type RegexLit struct {
	Pattern string
	Re      *regexp.Regexp
}

func (RegexLit) expr() {}

func (*RegexLit) ArgType() string  { return "regex" }
func (r *RegexLit) String() string { return "`" + r.Pattern + "`" }

// ColumnRef reads a field from the row.
type ColumnRef struct {
	Name string
}

func (ColumnRef) expr() {}

func (*ColumnRef) ArgType() string  { return "columnRef" }
func (c *ColumnRef) String() string { return c.Name }

// FuncCall is name(args...).
type FuncCall struct {
	Name string
	Args []Expr
}

func (FuncCall) expr() {}

func (*FuncCall) ArgType() string { return "functionExpression" }

func (f *FuncCall) String() string {
	args := make([]string, len(f.Args))
	for i, a := range f.Args {
		args[i] = a.String()
	}
	return f.Name + "(" + strings.Join(args, ", ") + ")"
}

// BinaryOp is a binary operator.
type BinaryOp int

const (
	OpEq BinaryOp = iota
	OpNeq
	OpGt
	OpGte
	OpLt
	OpLte
	OpAnd
	OpOr
	OpAdd
	OpSub
	OpMul
	OpDiv
)

var binaryOpNames = [...]string{
	OpEq: "==", OpNeq: "!=", OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<=",
	OpAnd: "&&", OpOr: "||",
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/",
}

func (op BinaryOp) String() string {
	if int(op) < len(binaryOpNames) {
		return binaryOpNames[op]
	}
	return "?"
}

// IsComparison reports whether op is one of == != > >= < <=.
func (op BinaryOp) IsComparison() bool { return op <= OpLte }

// IsLogical reports whether op is && or ||.
func (op BinaryOp) IsLogical() bool { return op == OpAnd || op == OpOr }

// BinaryExpr is left op right.
type BinaryExpr struct {
	Op          BinaryOp
	Left, Right Expr
}

func (BinaryExpr) expr() {}

func (b *BinaryExpr) ArgType() string {
	switch {
	case b.Op.IsComparison(), b.Op.IsLogical():
		return "logicalExpression"
	}
	return "arithmeticExpression"
}

func (b *BinaryExpr) String() string {
	return "(" + b.Left.String() + " " + b.Op.String() + " " + b.Right.String() + ")"
}

// NotExpr is !expr.
type NotExpr struct {
	Expr Expr
}

func (NotExpr) expr() {}

func (*NotExpr) ArgType() string  { return "logicalExpression" }
func (n *NotExpr) String() string { return "!" + n.Expr.String() }

// NegExpr is unary minus.
type NegExpr struct {
	Expr Expr
}

func (NegExpr) expr() {}

func (*NegExpr) ArgType() string  { return "arithmeticExpression" }
func (n *NegExpr) String() string { return "-" + n.Expr.String() }

// InExpr is expr in [a, b, ...].
type InExpr struct {
	Expr Expr
	List []Expr
}

func (InExpr) expr() {}

func (*InExpr) ArgType() string { return "logicalExpression" }

func (in *InExpr) String() string {
	items := make([]string, len(in.List))
	for i, e := range in.List {
		items[i] = e.String()
	}
	return in.Expr.String() + " in [" + strings.Join(items, ", ") + "]"
}

package query

import (
	"slices"
	"strings"

	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

// MaxGroupCardinality limits the number of distinct groups to prevent memory exhaustion.
const MaxGroupCardinality = 10_000

// Aggregator accumulates records into aggregate groups for a stats stage.
type Aggregator struct {
	aggs    []querylang.AggExpr
	groupBy []string

	state     map[string]*groupState
	keyOrder  []string // insertion order for deterministic output
	truncated bool
}

type groupState struct {
	groupValues []record.Field // one per group-by column
	accs        []accumulator  // one per aggregate expression
}

// NewAggregator creates an Aggregator for the given aggregations and
// group-by columns.
func NewAggregator(aggs []querylang.AggExpr, groupBy []string) *Aggregator {
	return &Aggregator{
		aggs:    aggs,
		groupBy: groupBy,
		state:   make(map[string]*groupState),
	}
}

// Add processes a row, updating aggregate state.
func (a *Aggregator) Add(r record.Record) {
	groupValues := make([]record.Field, len(a.groupBy))
	for i, col := range a.groupBy {
		groupValues[i] = r.Get(col)
	}

	gs := a.group(groupValues)
	if gs == nil {
		return
	}
	for i, agg := range a.aggs {
		if agg.Column == "" {
			// Bare count: every row counts.
			gs.accs[i].Add(record.Number(1))
			continue
		}
		gs.accs[i].Add(r.Get(agg.Column))
	}
}

// group returns the state for groupValues, creating it when the cardinality
// cap allows. Nil means the row is dropped.
func (a *Aggregator) group(groupValues []record.Field) *groupState {
	key := makeGroupKey(groupValues)
	if gs, ok := a.state[key]; ok {
		return gs
	}
	if len(a.state) >= MaxGroupCardinality {
		a.truncated = true
		return nil
	}
	gs := &groupState{groupValues: groupValues, accs: newAccumulators(a.aggs)}
	a.state[key] = gs
	a.keyOrder = append(a.keyOrder, key)
	return gs
}

// Columns returns the output columns: group-by columns, then aggregates.
func (a *Aggregator) Columns() []string {
	cols := make([]string, 0, len(a.groupBy)+len(a.aggs))
	cols = append(cols, a.groupBy...)
	for _, agg := range a.aggs {
		cols = append(cols, agg.OutputName())
	}
	return cols
}

// Result produces the aggregated table, one row per group ordered by group
// values.
func (a *Aggregator) Result() *Table {
	var rows []record.Record

	if len(a.groupBy) == 0 && len(a.state) == 0 {
		// No group-by, no records: a single row of empty results, like SQL.
		rows = append(rows, a.row(nil, newAccumulators(a.aggs)))
	} else {
		groups := make([]*groupState, 0, len(a.keyOrder))
		for _, key := range a.keyOrder {
			groups = append(groups, a.state[key])
		}
		slices.SortStableFunc(groups, func(x, y *groupState) int {
			for k := range x.groupValues {
				if c := compareSortValues(x.groupValues[k], y.groupValues[k], false); c != 0 {
					return c
				}
			}
			return 0
		})
		for _, gs := range groups {
			rows = append(rows, a.row(gs.groupValues, gs.accs))
		}
	}

	return &Table{
		Columns:   a.Columns(),
		Rows:      rows,
		Truncated: a.truncated,
	}
}

func (a *Aggregator) row(groupValues []record.Field, accs []accumulator) record.Record {
	fields := make(map[string]record.Field, len(a.groupBy)+len(a.aggs))
	for i, col := range a.groupBy {
		if !groupValues[i].IsNone() {
			fields[col] = groupValues[i]
		}
	}
	for i, agg := range a.aggs {
		if v := accs[i].Result(); !v.IsNone() {
			fields[agg.OutputName()] = v
		}
	}
	return record.Record{Fields: fields}
}

// applyStats aggregates the working rows into a table.
func applyStats(in DisplayResult, st *querylang.StatsStage) DisplayResult {
	agg := NewAggregator(st.Aggs, st.GroupBy)
	for _, r := range in.Rows() {
		agg.Add(r)
	}
	return DisplayResult{Events: in.Events, Table: agg.Result()}
}

// makeGroupKey creates a hashable string from group values using null byte separator.
func makeGroupKey(values []record.Field) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.Kind.String() + ":" + v.Display()
	}
	return strings.Join(parts, "\x00")
}

func newAccumulators(aggs []querylang.AggExpr) []accumulator {
	accs := make([]accumulator, len(aggs))
	for i, agg := range aggs {
		accs[i] = newAccumulator(agg.Func)
	}
	return accs
}

// accumulator is the interface for aggregate function state.
type accumulator interface {
	Add(v record.Field)
	Result() record.Field
}

// countAcc counts non-absent values. For bare count (no column), the caller
// passes a present value for every row.
type countAcc struct{ n int64 }

func (a *countAcc) Add(v record.Field) {
	if !v.IsNone() {
		a.n++
	}
}

func (a *countAcc) Result() record.Field {
	return record.Number(float64(a.n))
}

type sumAcc struct {
	sum float64
	any bool
}

func (a *sumAcc) Add(v record.Field) {
	if n, ok := v.Float(); ok {
		a.sum += n
		a.any = true
	}
}

func (a *sumAcc) Result() record.Field {
	if !a.any {
		return record.None()
	}
	return record.Number(a.sum)
}

type avgAcc struct {
	sum   float64
	count int64
}

func (a *avgAcc) Add(v record.Field) {
	if n, ok := v.Float(); ok {
		a.sum += n
		a.count++
	}
}

func (a *avgAcc) Result() record.Field {
	if a.count == 0 {
		return record.None()
	}
	return record.Number(a.sum / float64(a.count))
}

// extremeAcc keeps the smallest (or largest) numeric value, preserving its
// kind so dates stay dates.
type extremeAcc struct {
	best record.Field
	num  float64
	max  bool
	any  bool
}

func (a *extremeAcc) Add(v record.Field) {
	n, ok := v.Float()
	if !ok {
		return
	}
	if !a.any || (a.max && n > a.num) || (!a.max && n < a.num) {
		a.num = n
		a.any = true
		if v.Kind == record.KindDate {
			a.best = v
		} else {
			a.best = record.Number(n)
		}
	}
}

func (a *extremeAcc) Result() record.Field {
	if !a.any {
		return record.None()
	}
	return a.best
}

// dcountAcc counts distinct present values.
type dcountAcc struct {
	seen map[string]bool
}

func (a *dcountAcc) Add(v record.Field) {
	if v.IsNone() {
		return
	}
	if a.seen == nil {
		a.seen = make(map[string]bool)
	}
	a.seen[v.Display()] = true
}

func (a *dcountAcc) Result() record.Field {
	return record.Number(float64(len(a.seen)))
}

// medianAcc collects numeric values and returns the median.
type medianAcc struct {
	vals []float64
}

func (a *medianAcc) Add(v record.Field) {
	if n, ok := v.Float(); ok {
		a.vals = append(a.vals, n)
	}
}

func (a *medianAcc) Result() record.Field {
	if len(a.vals) == 0 {
		return record.None()
	}
	vals := slices.Clone(a.vals)
	slices.Sort(vals)
	n := len(vals)
	if n%2 == 1 {
		return record.Number(vals[n/2])
	}
	return record.Number((vals[n/2-1] + vals[n/2]) / 2)
}

// firstAcc tracks the first present value seen.
type firstAcc struct {
	val record.Field
	set bool
}

func (a *firstAcc) Add(v record.Field) {
	if !a.set && !v.IsNone() {
		a.val = v
		a.set = true
	}
}

func (a *firstAcc) Result() record.Field {
	return a.val
}

// lastAcc tracks the last present value seen.
type lastAcc struct {
	val record.Field
}

func (a *lastAcc) Add(v record.Field) {
	if !v.IsNone() {
		a.val = v
	}
}

func (a *lastAcc) Result() record.Field {
	return a.val
}

// valuesAcc collects distinct values in order of first appearance.
type valuesAcc struct {
	seen  map[string]bool
	order []record.Field
}

func (a *valuesAcc) Add(v record.Field) {
	if v.IsNone() {
		return
	}
	if a.seen == nil {
		a.seen = make(map[string]bool)
	}
	key := v.Display()
	if !a.seen[key] {
		a.seen[key] = true
		a.order = append(a.order, v)
	}
}

func (a *valuesAcc) Result() record.Field {
	if len(a.order) == 0 {
		return record.None()
	}
	return record.Array(slices.Clone(a.order)...)
}

// newAccumulator returns the accumulator for an aggregation function.
// Function names are validated by the parser; unknown names count.
func newAccumulator(funcName string) accumulator {
	switch strings.ToLower(funcName) {
	case "sum":
		return &sumAcc{}
	case "avg":
		return &avgAcc{}
	case "min":
		return &extremeAcc{}
	case "max":
		return &extremeAcc{max: true}
	case "dcount":
		return &dcountAcc{}
	case "median":
		return &medianAcc{}
	case "first":
		return &firstAcc{}
	case "last":
		return &lastAcc{}
	case "values":
		return &valuesAcc{}
	}
	return &countAcc{}
}

package query

import (
	"fmt"
	"slices"

	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

// applyTable projects the working rows onto the named columns. Aliased
// columns are renamed; the message is carried over.
func applyTable(in DisplayResult, st *querylang.TableStage) DisplayResult {
	cols := make([]string, len(st.Columns))
	for i, c := range st.Columns {
		cols[i] = c.OutputName()
	}

	src := in.Rows()
	rows := make([]record.Record, len(src))
	for i, r := range src {
		fields := make(map[string]record.Field, len(st.Columns))
		for _, c := range st.Columns {
			if v, ok := r.Fields[c.Name]; ok {
				fields[c.OutputName()] = v
			}
		}
		rows[i] = record.Record{Fields: fields, Message: r.Message}
	}

	return DisplayResult{
		Events: in.Events,
		Table:  &Table{Columns: cols, Rows: rows},
	}
}

// applySort stably orders the working rows by the sort keys. Absent values
// sort last in both directions.
func applySort(in DisplayResult, st *querylang.SortStage) DisplayResult {
	rows := slices.Clone(in.Rows())
	slices.SortStableFunc(rows, func(a, b record.Record) int {
		for _, k := range st.Keys {
			if c := compareSortValues(a.Get(k.Name), b.Get(k.Name), k.Desc); c != 0 {
				return c
			}
		}
		return 0
	})
	return in.withRows(rows)
}

func compareSortValues(a, b record.Field, desc bool) int {
	switch {
	case a.IsNone() && b.IsNone():
		return 0
	case a.IsNone():
		return 1
	case b.IsNone():
		return -1
	}
	c := record.Compare(a, b)
	if desc {
		return -c
	}
	return c
}

// applyRegex matches the stage's pattern against a column's display string,
// or the row text when no column is given. Named captures become string
// fields on a clone of the matching row; other rows pass through.
func applyRegex(in DisplayResult, st *querylang.RegexStage) DisplayResult {
	names := st.Re.SubexpNames()
	var added []string
	seen := make(map[string]bool)

	src := in.Rows()
	rows := make([]record.Record, len(src))
	for i, r := range src {
		rows[i] = r

		var term string
		if st.Column == "" {
			term = r.Text()
		} else if f := r.Get(st.Column); !f.IsNone() {
			if f.Kind == record.KindString {
				term = f.Str
			} else {
				term = f.Display()
			}
		}

		m := st.Re.FindStringSubmatchIndex(term)
		if m == nil {
			continue
		}

		var c record.Record
		cloned := false
		for g := 1; g < len(names); g++ {
			if names[g] == "" || m[2*g] < 0 {
				continue
			}
			if !cloned {
				c = r.Clone()
				cloned = true
			}
			c.Fields[names[g]] = record.String(term[m[2*g]:m[2*g+1]])
			if !seen[names[g]] {
				seen[names[g]] = true
				added = append(added, names[g])
			}
		}
		if cloned {
			rows[i] = c
		}
	}
	return in.withRows(rows, added...)
}

// applyWhere keeps the rows for which the expression is true.
func applyWhere(in DisplayResult, st *querylang.WhereStage, eval *querylang.Evaluator) (DisplayResult, error) {
	src := in.Rows()
	rows := make([]record.Record, 0, len(src))
	for _, r := range src {
		ok, err := eval.Test(st.Expr, r)
		if err != nil {
			return in, err
		}
		if ok {
			rows = append(rows, r)
		}
	}
	return in.withRows(rows), nil
}

// applyEval writes the expression's value to the named field on a clone of
// every row.
func applyEval(in DisplayResult, st *querylang.EvalStage, eval *querylang.Evaluator) (DisplayResult, error) {
	src := in.Rows()
	rows := make([]record.Record, len(src))
	for i, r := range src {
		v, err := eval.Eval(st.Expr, r)
		if err != nil {
			return in, fmt.Errorf("eval %s: %w", st.Field, err)
		}
		rows[i] = r.With(st.Field, v)
	}
	return in.withRows(rows, st.Field), nil
}

// applyUnpack parses JSON columns and adds "<col>.<key>" fields for each
// top-level member. Object fields are used as-is. Rows where the column is
// absent or not JSON pass through unchanged.
func applyUnpack(in DisplayResult, st *querylang.UnpackStage) DisplayResult {
	var added []string
	seen := make(map[string]bool)

	src := in.Rows()
	rows := make([]record.Record, len(src))
	for i, r := range src {
		rows[i] = r
		var c record.Record
		cloned := false
		for _, col := range st.Columns {
			members := unpackMembers(r.Get(col))
			if len(members) == 0 {
				continue
			}
			if !cloned {
				c = r.Clone()
				cloned = true
			}
			for _, k := range sortedKeys(members) {
				name := col + "." + k
				c.Fields[name] = members[k]
				if !seen[name] {
					seen[name] = true
					added = append(added, name)
				}
			}
		}
		if cloned {
			rows[i] = c
		}
	}
	return in.withRows(rows, added...)
}

func unpackMembers(f record.Field) map[string]record.Field {
	switch f.Kind {
	case record.KindObject:
		return f.Obj
	case record.KindString:
		m, _ := record.ParseJSONObject([]byte(f.Str))
		return m
	}
	return nil
}

func sortedKeys(m map[string]record.Field) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

package querylang

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Pipeline stage parser. The lexer is in pipe mode.
//
// Grammar:
//
//	stage     = table | stats | sort | regex | where | eval | timechart | unpack
//	table     = "table" column ( [","] column )*
//	column    = NAME [ "as" NAME ]
//	stats     = "stats" agg ( "," agg )* [ "by" NAME ( "," NAME )* ]
//	agg       = NAME "(" [ NAME ] ")" [ "as" NAME ]  |  "count" [ "as" NAME ]
//	sort      = "sort" NAME [ "asc" | "desc" ] ( "," NAME [ "asc" | "desc" ] )*
//	regex     = "regex" [ "field" "=" NAME ] REGEX
//	where     = "where" expr
//	eval      = "eval" NAME "=" expr
//	timechart = "timechart" { param } agg ( "," agg )* [ "by" NAME ] { param }
//	param     = ( "span" | "maxGroups" | "timeCol" ) "=" ( NAME | NUMBER )
//	unpack    = "unpack" NAME ( [","] NAME )*
//
// NAME is an identifier or a quoted string.

func (p *parser) parsePipeline() ([]Stage, error) {
	var stages []Stage
	for p.cur.Kind == TokPipe {
		if err := p.advance(); err != nil {
			return nil, err
		}
		st, err := p.parseStage()
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, nil
}

func (p *parser) parseStage() (Stage, error) {
	if p.cur.Kind != TokWord {
		return nil, p.unexpected("pipeline stage after '|'")
	}

	switch strings.ToLower(p.cur.Lit) {
	case "table":
		return p.parseTable()
	case "stats":
		return p.parseStats()
	case "sort":
		return p.parseSort()
	case "regex":
		return p.parseRegex()
	case "where":
		return p.parseWhere()
	case "eval":
		return p.parseEval()
	case "timechart":
		return p.parseTimechart()
	case "unpack":
		return p.parseUnpack()
	}
	return nil, newParseError(p.cur.Pos, ErrUnknownStage, "unknown pipeline stage '%s' (expected one of %s)",
		p.cur.Lit, strings.Join(StageNames, ", "))
}

// isKeyword reports whether the current token is the given bare keyword.
func (p *parser) isKeyword(kw string) bool {
	return p.cur.Kind == TokWord && strings.EqualFold(p.cur.Lit, kw)
}

func (p *parser) isName() bool {
	return p.cur.Kind == TokWord || p.cur.Kind == TokString
}

// expectName consumes a column or alias name.
func (p *parser) expectName(what string) (string, error) {
	if !p.isName() {
		return "", p.unexpected(what)
	}
	name := p.cur.Lit
	return name, p.advance()
}

func (p *parser) expect(kind TokenKind, what string) error {
	if p.cur.Kind != kind {
		return p.unexpected(what)
	}
	return p.advance()
}

// parseNameList parses NAME ( sep NAME )* where sep is "," or, when
// commaOptional is set, nothing. At least one name is required.
func (p *parser) parseNameList(what string, commaOptional bool) ([]string, error) {
	if !p.isName() {
		return nil, p.unexpected("at least one " + what)
	}
	var names []string
	for {
		name, err := p.expectName(what)
		if err != nil {
			return nil, err
		}
		names = append(names, name)

		if p.cur.Kind == TokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		if commaOptional && p.isName() {
			continue
		}
		return names, nil
	}
}

func (p *parser) parseTable() (*TableStage, error) {
	if err := p.advance(); err != nil { // consume "table"
		return nil, err
	}
	if !p.isName() {
		return nil, p.unexpected("at least one column name after 'table'")
	}

	st := &TableStage{}
	for p.isName() {
		col := TableColumn{Name: p.cur.Lit}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.isKeyword("as") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			alias, err := p.expectName("alias after 'as'")
			if err != nil {
				return nil, err
			}
			col.Alias = alias
		}
		st.Columns = append(st.Columns, col)

		if p.cur.Kind == TokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if !p.isName() {
				return nil, p.unexpected("column name after ','")
			}
		}
	}
	return st, nil
}

func (p *parser) parseStats() (*StatsStage, error) {
	if err := p.advance(); err != nil { // consume "stats"
		return nil, err
	}
	aggs, err := p.parseAggList("stats")
	if err != nil {
		return nil, err
	}
	st := &StatsStage{Aggs: aggs}

	if p.isKeyword("by") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		st.GroupBy, err = p.parseNameList("group-by column after 'by'", false)
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (p *parser) parseAggList(stage string) ([]AggExpr, error) {
	if p.cur.Kind != TokWord || p.isKeyword("by") {
		return nil, p.unexpected("aggregation after '" + stage + "'")
	}

	var aggs []AggExpr
	seen := make(map[string]bool)
	for {
		agg, pos, err := p.parseAgg()
		if err != nil {
			return nil, err
		}
		name := agg.OutputName()
		if seen[name] {
			return nil, newParseError(pos, ErrUnexpectedToken, "duplicate output column '%s' (use 'as' to rename)", name)
		}
		seen[name] = true
		aggs = append(aggs, agg)

		if p.cur.Kind != TokComma {
			return aggs, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseAgg() (AggExpr, int, error) {
	pos := p.cur.Pos
	if p.cur.Kind != TokWord {
		return AggExpr{}, pos, p.unexpected("aggregation function")
	}
	fn := strings.ToLower(p.cur.Lit)
	if !IsAggregationFunc(fn) {
		return AggExpr{}, pos, newParseError(pos, ErrUnknownAggregation, "unknown aggregation function '%s' (expected one of %s)",
			p.cur.Lit, strings.Join(AggregationFuncs, ", "))
	}
	if err := p.advance(); err != nil {
		return AggExpr{}, pos, err
	}

	agg := AggExpr{Func: fn}
	switch {
	case p.cur.Kind == TokLParen:
		if err := p.advance(); err != nil {
			return AggExpr{}, pos, err
		}
		if p.isName() {
			agg.Column = p.cur.Lit
			if err := p.advance(); err != nil {
				return AggExpr{}, pos, err
			}
		}
		if err := p.expect(TokRParen, "')' after aggregation argument"); err != nil {
			return AggExpr{}, pos, err
		}
	case fn != "count":
		return AggExpr{}, pos, p.unexpected("'(' after '" + fn + "'")
	}

	if agg.Column == "" && fn != "count" {
		return AggExpr{}, pos, newParseError(pos, ErrUnexpectedToken, "%s() requires a column", fn)
	}

	if p.isKeyword("as") {
		if err := p.advance(); err != nil {
			return AggExpr{}, pos, err
		}
		alias, err := p.expectName("alias after 'as'")
		if err != nil {
			return AggExpr{}, pos, err
		}
		agg.Alias = alias
	}
	return agg, pos, nil
}

func (p *parser) parseSort() (*SortStage, error) {
	if err := p.advance(); err != nil { // consume "sort"
		return nil, err
	}
	if !p.isName() {
		return nil, p.unexpected("at least one column name after 'sort'")
	}

	st := &SortStage{}
	for {
		name, err := p.expectName("column name")
		if err != nil {
			return nil, err
		}
		key := SortKey{Name: name}
		switch {
		case p.isKeyword("desc"):
			key.Desc = true
			if err := p.advance(); err != nil {
				return nil, err
			}
		case p.isKeyword("asc"):
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		st.Keys = append(st.Keys, key)

		if p.cur.Kind != TokComma {
			return st, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseRegex() (*RegexStage, error) {
	if err := p.advance(); err != nil { // consume "regex"
		return nil, err
	}
	st := &RegexStage{}

	if p.isKeyword("field") {
		if next, err := p.lex.Peek(); err == nil && next.Kind == TokEq {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if err := p.advance(); err != nil { // consume "="
				return nil, err
			}
			col, err := p.expectName("column name after 'field='")
			if err != nil {
				return nil, err
			}
			st.Column = col
		}
	}

	if p.cur.Kind != TokRegex {
		return nil, p.unexpected("regex pattern in back-ticks")
	}
	re, err := compileRegex(p.cur.Lit)
	if err != nil {
		return nil, newParseError(p.cur.Pos, ErrInvalidRegex, "invalid regex: %v", err)
	}
	st.Pattern = p.cur.Lit
	st.Re = re
	return st, p.advance()
}

func (p *parser) parseWhere() (*WhereStage, error) {
	if err := p.advance(); err != nil { // consume "where"
		return nil, err
	}
	if p.cur.Kind == TokEOF || p.cur.Kind == TokPipe {
		return nil, p.unexpected("expression after 'where'")
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &WhereStage{Expr: e}, nil
}

func (p *parser) parseEval() (*EvalStage, error) {
	if err := p.advance(); err != nil { // consume "eval"
		return nil, err
	}
	name, err := p.expectName("field name after 'eval'")
	if err != nil {
		return nil, err
	}
	if err := p.expect(TokEq, "'=' after '"+name+"'"); err != nil {
		return nil, err
	}
	if p.cur.Kind == TokEOF || p.cur.Kind == TokPipe {
		return nil, p.unexpected("expression after '='")
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &EvalStage{Field: name, Expr: e}, nil
}

func (p *parser) parseTimechart() (*TimechartStage, error) {
	if err := p.advance(); err != nil { // consume "timechart"
		return nil, err
	}
	st := &TimechartStage{MaxGroups: DefaultTimechartMaxGroups, TimeColumn: DefaultTimeColumn}

	if err := p.parseTimechartParams(st); err != nil {
		return nil, err
	}
	aggs, err := p.parseAggList("timechart")
	if err != nil {
		return nil, err
	}
	st.Aggs = aggs

	if p.isKeyword("by") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		st.GroupBy, err = p.expectName("group-by column after 'by'")
		if err != nil {
			return nil, err
		}
	}
	if err := p.parseTimechartParams(st); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *parser) atTimechartParam() bool {
	if p.cur.Kind != TokWord {
		return false
	}
	switch strings.ToLower(p.cur.Lit) {
	case "span", "maxgroups", "timecol":
	default:
		return false
	}
	next, err := p.lex.Peek()
	return err == nil && next.Kind == TokEq
}

func (p *parser) parseTimechartParams(st *TimechartStage) error {
	for p.atTimechartParam() {
		key := strings.ToLower(p.cur.Lit)
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.advance(); err != nil { // consume "="
			return err
		}
		valTok := p.cur
		if valTok.Kind != TokWord && valTok.Kind != TokNumber && valTok.Kind != TokString {
			return p.unexpected("value for " + key)
		}
		switch key {
		case "span":
			d, err := ParseSpan(valTok.Lit)
			if err != nil {
				return newParseError(valTok.Pos, ErrInvalidParam, "invalid span %q: %v", valTok.Lit, err)
			}
			st.Span = d
		case "maxgroups":
			n, err := strconv.Atoi(valTok.Lit)
			if err != nil || n < 1 {
				return newParseError(valTok.Pos, ErrInvalidParam, "maxGroups must be a positive integer, found %s", valTok.describe())
			}
			st.MaxGroups = n
		case "timecol":
			st.TimeColumn = valTok.Lit
		}
		if err := p.advance(); err != nil {
			return err
		}
	}
	return nil
}

// ParseSpan parses a bucket width: a Go duration ("5m", "1h30m"), a day
// count ("1d"), or a bare number of seconds.
func ParseSpan(s string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("bad day count")
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

func (p *parser) parseUnpack() (*UnpackStage, error) {
	if err := p.advance(); err != nil { // consume "unpack"
		return nil, err
	}
	cols, err := p.parseNameList("column name after 'unpack'", true)
	if err != nil {
		return nil, err
	}
	return &UnpackStage{Columns: cols}, nil
}

// Package filter evaluates UserDefinedFilter predicates against a decoded
// record's columns without touching the database.
package filter

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/supabase-community/walrus/internal/record"
	"github.com/supabase-community/walrus/internal/subscription"
)

// Verdict is the outcome of evaluating one filter list against one column
// set.
type Verdict int

const (
	// Match means every filter in the list was satisfied locally.
	Match Verdict = iota
	// NoMatch means a filter was locally determined not to hold.
	NoMatch
	// Delegate means the evaluator lacks type or operator support and the
	// subscription must be checked against is_visible_through_filters.
	Delegate
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case NoMatch:
		return "no-match"
	case Delegate:
		return "delegate"
	default:
		return "unknown"
	}
}

// Result carries a Verdict and, for Delegate, the reason evaluation could
// not be completed locally.
type Result struct {
	Verdict Verdict
	Reason  string
}

func matchResult() Result          { return Result{Verdict: Match} }
func noMatchResult() Result        { return Result{Verdict: NoMatch} }
func delegateResult(r string) Result { return Result{Verdict: Delegate, Reason: r} }

// orderedScalarTypes allow all six comparison operators. Both regtype names
// (as wal2json reports them) and pg_type.typname forms are accepted.
var orderedScalarTypes = map[string]bool{
	"boolean": true, "smallint": true, "integer": true, "bigint": true,
	"serial": true, "bigserial": true, "numeric": true, "double precision": true,
	"character": true, "character varying": true, "text": true,
	"bool": true, "char": true, "int2": true, "int4": true, "int8": true,
	"float4": true, "float8": true, "varchar": true,
}

// Evaluate checks filters against columns in order, short-circuiting on the
// first NoMatch or Delegate.
func Evaluate(filters []subscription.UserDefinedFilter, columns []record.Column) Result {
	for _, f := range filters {
		res := evaluateOne(f, columns)
		if res.Verdict != Match {
			return res
		}
	}
	return matchResult()
}

func evaluateOne(f subscription.UserDefinedFilter, columns []record.Column) Result {
	var filterValue any
	if err := json.Unmarshal([]byte(f.Value), &filterValue); err != nil {
		return delegateResult(err.Error())
	}

	col := findColumn(columns, f.ColumnName)
	if col == nil {
		zap.L().Warn("filter references non-existing column", zap.String("column", f.ColumnName))
		return noMatchResult()
	}

	var columnValue any
	if len(col.Value) > 0 {
		if err := json.Unmarshal(col.Value, &columnValue); err != nil {
			return delegateResult(err.Error())
		}
	}

	if filterValue == nil || columnValue == nil {
		return noMatchResult()
	}

	switch {
	case orderedScalarTypes[col.Type]:
		return evaluateOrdered(f.Op, columnValue, filterValue)
	case col.Type == "uuid":
		switch f.Op {
		case subscription.Equal, subscription.NotEqual:
			return evaluateOrdered(f.Op, columnValue, filterValue)
		default:
			return delegateResult("op not supported for uuid column")
		}
	default:
		return delegateResult("unsupported column type " + col.Type)
	}
}

func evaluateOrdered(op subscription.Op, columnValue, filterValue any) Result {
	ops, err := validOps(columnValue, filterValue)
	if err != nil {
		return delegateResult(err.Error())
	}
	for _, o := range ops {
		if o == op {
			return matchResult()
		}
	}
	return noMatchResult()
}

func findColumn(columns []record.Column, name string) *record.Column {
	for i := range columns {
		if columns[i].Name == name {
			return &columns[i]
		}
	}
	return nil
}

type opError struct{ msg string }

func (e opError) Error() string { return e.msg }

// validOps returns the subset of {=, ≠, <, ≤, >, ≥} that holds between a and
// b, sorted for determinism. a and b must be the same JSON scalar kind
// (bool, number, or string); anything else is an error, delegating
// comparison to SQL.
func validOps(a, b any) ([]subscription.Op, error) {
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return nil, opError{"mismatched json value types"}
		}
		return matchingOpsBool(av, bv), nil
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return nil, opError{"mismatched json value types"}
		}
		return matchingOpsFloat(av, bv), nil
	case string:
		bv, ok := b.(string)
		if !ok {
			return nil, opError{"mismatched json value types"}
		}
		return matchingOpsString(av, bv), nil
	default:
		return nil, opError{"non-scalar json value type"}
	}
}

func matchingOpsBool(a, b bool) []subscription.Op {
	var ops []subscription.Op
	if a == b {
		ops = append(ops, subscription.Equal)
	}
	if a != b {
		ops = append(ops, subscription.NotEqual)
	}
	return sortOps(ops)
}

func matchingOpsFloat(a, b float64) []subscription.Op {
	return sortOps(matchingOps(a == b, a != b, a < b, a <= b, a > b, a >= b))
}

func matchingOpsString(a, b string) []subscription.Op {
	return sortOps(matchingOps(a == b, a != b, a < b, a <= b, a > b, a >= b))
}

func matchingOps(eq, neq, lt, lte, gt, gte bool) []subscription.Op {
	var ops []subscription.Op
	if eq {
		ops = append(ops, subscription.Equal)
	}
	if neq {
		ops = append(ops, subscription.NotEqual)
	}
	if lt {
		ops = append(ops, subscription.LessThan)
	}
	if lte {
		ops = append(ops, subscription.LessThanOrEqual)
	}
	if gt {
		ops = append(ops, subscription.GreaterThan)
	}
	if gte {
		ops = append(ops, subscription.GreaterThanOrEqual)
	}
	return ops
}

var opOrder = map[subscription.Op]int{
	subscription.Equal:              0,
	subscription.NotEqual:           1,
	subscription.LessThan:           2,
	subscription.LessThanOrEqual:    3,
	subscription.GreaterThan:        4,
	subscription.GreaterThanOrEqual: 5,
}

func sortOps(ops []subscription.Op) []subscription.Op {
	sort.Slice(ops, func(i, j int) bool { return opOrder[ops[i]] < opOrder[ops[j]] })
	return ops
}

package sql

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

// Query is a statement with named parameters written as @name.
type Query struct {
	SQL  string
	Args []sql.NamedArg
}

var comparisonOps = map[string]string{
	"=":    "=",
	"!=":   "!=",
	"<>":   "<>",
	">":    ">",
	">=":   ">=",
	"<":    "<",
	"<=":   "<=",
	"like": "LIKE",
}

// NormalizeJoin maps join tokens such as left, leftJoin or "LEFT JOIN" to
// the SQL keyword. Unknown tokens become INNER.
func NormalizeJoin(token string) string {
	t := strings.ToUpper(token)
	t = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(t)
	t = strings.TrimSuffix(t, "JOIN")
	t = strings.TrimSuffix(t, "OUTER")
	switch t {
	case "LEFT", "RIGHT", "FULL":
		return t
	}
	return "INNER"
}

// Build compiles a structured sql dataset into a parameterised SELECT.
// Where values come from the literal value or from the input named by
// valueFrom; an unresolved valueFrom is a configuration error.
func Build(ds *runtime.DatasetConfig, inputs any) (Query, error) {
	var q Query
	var sb strings.Builder

	cols := append(append([]string{}, ds.Select...), ds.SelectDerived...)
	sb.WriteString("SELECT ")
	if len(cols) == 0 {
		sb.WriteString("*")
	} else {
		sb.WriteString(strings.Join(cols, ", "))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(ds.From)

	for _, j := range ds.Joins {
		fmt.Fprintf(&sb, " %s JOIN %s ON %s", NormalizeJoin(j.Type), j.Table, j.On)
	}

	if len(ds.Where) > 0 {
		clauses := make([]string, 0, len(ds.Where))
		for i, w := range ds.Where {
			clause, args, err := whereClause(ds.Name, i, w, inputs)
			if err != nil {
				return Query{}, err
			}
			clauses = append(clauses, clause)
			q.Args = append(q.Args, args...)
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}

	if len(ds.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(ds.OrderBy, ", "))
	}

	if ds.Limit != nil {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(*ds.Limit))
	}

	q.SQL = sb.String()
	return q, nil
}

func whereClause(dataset string, i int, w runtime.WhereConfig, inputs any) (string, []sql.NamedArg, error) {
	value := w.Value
	if w.ValueFrom != "" {
		v, ok := evalctx.Lookup(inputs, w.ValueFrom)
		if !ok {
			return "", nil, runtime.ConfigError(dataset, "where[%d] valueFrom '%s' does not resolve to an input", i, w.ValueFrom)
		}
		value = v
	}

	name := "p" + strconv.Itoa(i)
	op := strings.ToLower(strings.TrimSpace(w.Op))

	if op == "in" {
		items, ok := toList(value)
		if !ok {
			return "", nil, runtime.ConfigError(dataset, "where[%d] operator 'in' needs a list value, got %T", i, value)
		}
		if len(items) == 0 {
			return "1=0", nil, nil
		}
		names := make([]string, len(items))
		args := make([]sql.NamedArg, len(items))
		for j, item := range items {
			n := name + "_" + strconv.Itoa(j)
			names[j] = "@" + n
			args[j] = sql.Named(n, bindValue(item))
		}
		return fmt.Sprintf("%s IN (%s)", w.Field, strings.Join(names, ", ")), args, nil
	}

	sqlOp, ok := comparisonOps[op]
	if !ok {
		return "", nil, runtime.ConfigError(dataset, "where[%d] has unsupported operator '%s'", i, w.Op)
	}
	return fmt.Sprintf("%s %s @%s", w.Field, sqlOp, name), []sql.NamedArg{sql.Named(name, bindValue(value))}, nil
}

// BuildRaw prepares a raw SQL dataset. Each param value is a {name}
// template rendered against inputs; a template that is exactly one
// reference binds the referenced value with its type intact.
func BuildRaw(ds *runtime.DatasetConfig, sqlText string, inputs any) Query {
	q := Query{SQL: sqlText}
	for _, name := range sortedKeys(ds.Params) {
		q.Args = append(q.Args, sql.Named(name, paramValue(ds.Params[name], inputs)))
	}
	return q
}

func paramValue(template string, inputs any) any {
	t := strings.TrimSpace(template)
	if strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") && strings.Count(t, "{") == 1 {
		if v, ok := evalctx.Lookup(inputs, t[1:len(t)-1]); ok {
			return bindValue(v)
		}
	}
	return runtime.RenderKey(template, inputs)
}

func toList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	case []int64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

// bindValue converts context kinds into driver-friendly values.
func bindValue(v any) any {
	switch t := v.(type) {
	case *evalctx.Map, []any, map[string]any:
		return runtime.ToText(t)
	}
	return evalctx.Normalize(v)
}

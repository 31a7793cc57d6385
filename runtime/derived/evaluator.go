// Package derived computes the derived fields of a flow.
package derived

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
	"github.com/BDNK1/flowgate/runtime/expression"
)

type Evaluator struct {
	l *slog.Logger
}

func New(l *slog.Logger) *Evaluator {
	return &Evaluator{l: l}
}

// Evaluate computes every item against ec in name order. Items do not see
// each other's results. A failing sum yields 0 and a failing expression
// yields nil; neither stops the batch.
func (e *Evaluator) Evaluate(ctx context.Context, items map[string]runtime.DerivedItem, ec *evalctx.Context) *evalctx.Map {
	out := evalctx.NewMap()

	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		item := items[name]
		switch {
		case item.SumCollectionField != nil:
			sum, err := SumField(ec, item.SumCollectionField.Collection, item.SumCollectionField.Field)
			if err != nil {
				e.l.WarnContext(ctx, "Derived sum failed", "field", name, "error", err)
			}
			out.Set(name, sum)
		case strings.TrimSpace(item.Expr) != "":
			v, err := expression.Evaluate(item.Expr, ec)
			if err != nil {
				e.l.WarnContext(ctx, "Derived expression failed", "field", name, "expr", item.Expr, "error", err)
				v = nil
			}
			out.Set(name, evalctx.Normalize(v))
		default:
			out.Set(name, nil)
		}
	}

	e.l.DebugContext(ctx, "Evaluated derived fields", "count", out.Len())
	return out
}

// SumField adds up field across the list bound to collection. Values that
// do not coerce to a number count as zero. A missing or non-list collection
// sums to zero and is reported as an error.
func SumField(ec *evalctx.Context, collection, field string) (float64, error) {
	v, ok := ec.Lookup(collection)
	if !ok {
		return 0, fmt.Errorf("collection '%s' not found", collection)
	}
	list, ok := v.([]any)
	if !ok {
		return 0, fmt.Errorf("collection '%s' is %T, not a list", collection, v)
	}

	var sum float64
	for _, item := range list {
		fv, ok := evalctx.Lookup(item, field)
		if !ok {
			continue
		}
		n, err := cast.ToFloat64E(fv)
		if err != nil {
			if s, isStr := fv.(string); isStr {
				n, err = cast.ToFloat64E(strings.TrimSpace(s))
			}
			if err != nil {
				continue
			}
		}
		sum += n
	}
	return sum, nil
}

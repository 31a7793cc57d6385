// Package template selects output templates by rule and renders them against
// the evaluation context.
package template

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

type Selector struct {
	l *slog.Logger
}

func NewSelector(l *slog.Logger) *Selector {
	return &Selector{l: l}
}

// Select returns the template of the first rule whose conditions all hold,
// or the group default.
func (s *Selector) Select(ctx context.Context, ec *evalctx.Context, group runtime.TemplateGroup) string {
	if tmpl, ok := s.Match(ctx, ec, group.Rules); ok {
		return tmpl
	}
	s.l.DebugContext(ctx, "No template rule matched, using default", "template", group.Default)
	return group.Default
}

// Match returns the template of the first matching rule. A rule without
// conditions never matches.
func (s *Selector) Match(ctx context.Context, ec *evalctx.Context, rules []runtime.TemplateRule) (string, bool) {
	for i, rule := range rules {
		if len(rule.If) == 0 {
			continue
		}
		matched := true
		for _, c := range rule.If {
			if !Holds(ec, c) {
				matched = false
				break
			}
		}
		if matched {
			s.l.DebugContext(ctx, "Template rule matched", "rule", i, "template", rule.Template)
			return rule.Template, true
		}
	}
	return "", false
}

// SelectAll resolves every group to a template file.
func (s *Selector) SelectAll(ctx context.Context, ec *evalctx.Context, groups map[string]runtime.TemplateGroup) map[string]string {
	out := make(map[string]string, len(groups))
	for name, group := range groups {
		out[name] = s.Select(ctx, ec, group)
	}
	return out
}

// GroupNames returns the group names in sorted order.
func GroupNames(groups map[string]runtime.TemplateGroup) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Holds evaluates one condition: the value at c.Path compared with c.Value.
// Unknown operators never hold.
func Holds(ec *evalctx.Context, c runtime.Condition) bool {
	left := ec.Get(c.Path)
	right := evalctx.Normalize(c.Value)

	switch strings.ToLower(strings.TrimSpace(c.Op)) {
	case "=", "==":
		return looseEqual(left, right)
	case "!=", "<>":
		return !looseEqual(left, right)
	case ">":
		return numeric(left, right, func(a, b float64) bool { return a > b })
	case ">=":
		return numeric(left, right, func(a, b float64) bool { return a >= b })
	case "<":
		return numeric(left, right, func(a, b float64) bool { return a < b })
	case "<=":
		return numeric(left, right, func(a, b float64) bool { return a <= b })
	case "in":
		list, ok := right.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(left, item) {
				return true
			}
		}
		return false
	case "contains":
		return textOp(left, right, strings.Contains)
	case "startswith":
		return textOp(left, right, strings.HasPrefix)
	case "endswith":
		return textOp(left, right, strings.HasSuffix)
	}
	return false
}

// looseEqual compares numbers numerically, booleans as booleans and
// everything else as case-insensitive text.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := runtime.ToNumber(a); ok {
		if y, ok := runtime.ToNumber(b); ok {
			return x == y
		}
	}
	if x, ok := a.(bool); ok {
		if y, ok := b.(bool); ok {
			return x == y
		}
	}
	return strings.EqualFold(runtime.ToText(a), runtime.ToText(b))
}

func numeric(a, b any, cmp func(a, b float64) bool) bool {
	x, okA := runtime.ToNumber(a)
	y, okB := runtime.ToNumber(b)
	return okA && okB && cmp(x, y)
}

func textOp(a, b any, fn func(s, sub string) bool) bool {
	if a == nil || b == nil {
		return false
	}
	return fn(strings.ToLower(runtime.ToText(a)), strings.ToLower(runtime.ToText(b)))
}

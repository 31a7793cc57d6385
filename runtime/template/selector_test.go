package template

import (
	"context"
	"testing"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

func selectorContext() *evalctx.Context {
	return evalctx.FromMap(map[string]any{
		"score":    "720",
		"amount":   1500,
		"approved": true,
		"segment":  "Gold",
		"email":    "ana@example.com",
		"customer": map[string]any{"type": "PERSON"},
		"empty":    nil,
	})
}

func TestHolds(t *testing.T) {
	tests := []struct {
		name string
		cond runtime.Condition
		want bool
	}{
		{"numeric string equals number", runtime.Condition{Path: "score", Op: "=", Value: 720}, true},
		{"double equals", runtime.Condition{Path: "amount", Op: "==", Value: "1500.0"}, true},
		{"case-insensitive text", runtime.Condition{Path: "segment", Op: "=", Value: "GOLD"}, true},
		{"bool", runtime.Condition{Path: "approved", Op: "=", Value: true}, true},
		{"bool against text", runtime.Condition{Path: "approved", Op: "=", Value: "TRUE"}, true},
		{"not equal", runtime.Condition{Path: "segment", Op: "!=", Value: "silver"}, true},
		{"angle not equal", runtime.Condition{Path: "segment", Op: "<>", Value: "gold"}, false},
		{"null equals null", runtime.Condition{Path: "empty", Op: "=", Value: nil}, true},
		{"missing path not equal value", runtime.Condition{Path: "nope", Op: "=", Value: "x"}, false},
		{"greater", runtime.Condition{Path: "score", Op: ">", Value: 700}, true},
		{"greater or equal", runtime.Condition{Path: "amount", Op: ">=", Value: 1500}, true},
		{"less", runtime.Condition{Path: "amount", Op: "<", Value: "1000"}, false},
		{"less or equal", runtime.Condition{Path: "amount", Op: "<=", Value: 1500.5}, true},
		{"relational on text is false", runtime.Condition{Path: "segment", Op: ">", Value: "A"}, false},
		{"in list", runtime.Condition{Path: "customer.type", Op: "in", Value: []any{"company", "person"}}, true},
		{"in numeric list", runtime.Condition{Path: "score", Op: "IN", Value: []any{700, 720}}, true},
		{"in empty list", runtime.Condition{Path: "segment", Op: "in", Value: []any{}}, false},
		{"in scalar", runtime.Condition{Path: "segment", Op: "in", Value: "Gold"}, false},
		{"contains", runtime.Condition{Path: "email", Op: "contains", Value: "EXAMPLE"}, true},
		{"startswith", runtime.Condition{Path: "email", Op: "startsWith", Value: "ana@"}, true},
		{"endswith", runtime.Condition{Path: "email", Op: "endswith", Value: ".org"}, false},
		{"contains on missing", runtime.Condition{Path: "nope", Op: "contains", Value: "a"}, false},
		{"unknown operator", runtime.Condition{Path: "segment", Op: "~=", Value: "Gold"}, false},
	}

	ec := selectorContext()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Holds(ec, tt.cond); got != tt.want {
				t.Errorf("Holds(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestSelect(t *testing.T) {
	group := runtime.TemplateGroup{
		Default: "default.json",
		Rules: []runtime.TemplateRule{
			{Template: "never.json"},
			{Template: "high.json", If: []runtime.Condition{
				{Path: "score", Op: ">", Value: 700},
				{Path: "segment", Op: "=", Value: "silver"},
			}},
			{Template: "gold.json", If: []runtime.Condition{{Path: "segment", Op: "=", Value: "gold"}}},
			{Template: "also-gold.json", If: []runtime.Condition{{Path: "segment", Op: "=", Value: "gold"}}},
		},
	}

	s := NewSelector(runtime.DiscardLogger())
	ctx := context.Background()

	if got := s.Select(ctx, selectorContext(), group); got != "gold.json" {
		t.Errorf("Select() = %q, want gold.json", got)
	}

	other := evalctx.FromMap(map[string]any{"segment": "bronze"})
	if got := s.Select(ctx, other, group); got != "default.json" {
		t.Errorf("Select() = %q, want default.json", got)
	}

	all := s.SelectAll(ctx, other, map[string]runtime.TemplateGroup{"motor": group, "sap": {Default: "sap.json"}})
	if all["motor"] != "default.json" || all["sap"] != "sap.json" {
		t.Errorf("SelectAll() = %v", all)
	}
}

func TestSelect_LoanAmountThreshold(t *testing.T) {
	group := runtime.TemplateGroup{
		Default: "default.json",
		Rules: []runtime.TemplateRule{
			{Template: "high-value.json", If: []runtime.Condition{{Path: "loanAmount", Op: ">=", Value: 5000}}},
		},
	}
	s := NewSelector(runtime.DiscardLogger())

	tests := []struct {
		amount any
		want   string
	}{
		{7000, "high-value.json"},
		{5000, "high-value.json"},
		{"7000", "high-value.json"},
		{3000, "default.json"},
		{nil, "default.json"},
	}

	for _, tt := range tests {
		ec := evalctx.FromMap(map[string]any{"loanAmount": tt.amount})
		if got := s.Select(context.Background(), ec, group); got != tt.want {
			t.Errorf("Select(loanAmount=%v) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

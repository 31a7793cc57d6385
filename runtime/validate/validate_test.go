package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

func validFlow() *runtime.FlowConfig {
	return &runtime.FlowConfig{
		Name:   "loan",
		Inputs: []string{"dni"},
		Datasets: []runtime.DatasetConfig{
			{Name: "customer", Type: "sql", Database: "primary", From: "customers",
				Where: []runtime.WhereConfig{{Field: "dni", Op: "=", ValueFrom: "dni"}}},
			{Name: "bureau", Type: "http", HTTP: &runtime.HTTPConfig{URL: "http://bureau/{{dni}}"}},
			{Name: "loans", Type: "rawSql", SQL: "select * from loans where dni = @dni"},
		},
		Mapping:     map[string]string{"customer.name": "customer.full_name"},
		Collections: map[string]runtime.CollectionBinding{"activeLoans": {From: "loans"}},
		Derived: map[string]runtime.DerivedItem{
			"totalDebt": {SumCollectionField: &runtime.SumCollectionField{Collection: "activeLoans", Field: "balance"}},
			"eligible":  {Expr: "bureau.score > 600"},
		},
	}
}

func TestFlow_Valid(t *testing.T) {
	assert.Empty(t, Flow(validFlow()))
}

func TestFlow_ValidVariants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *runtime.FlowConfig)
	}{
		{"mapping matches dataset name in another case", func(f *runtime.FlowConfig) {
			f.Datasets[0].Name = "Customer"
			f.Mapping = map[string]string{"name": "customer.name"}
		}},
		{"collection matches dataset name in another case", func(f *runtime.FlowConfig) {
			f.Collections["activeLoans"] = runtime.CollectionBinding{From: "LOANS"}
		}},
		{"sql dataset on the default database", func(f *runtime.FlowConfig) { f.Datasets[0].Database = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFlow()
			tt.mutate(f)
			assert.Empty(t, Flow(f))
		})
	}
}

func TestFlow_Problems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *runtime.FlowConfig)
		want   string
	}{
		{"missing name", func(f *runtime.FlowConfig) { f.Name = "" }, "Name"},
		{"no inputs", func(f *runtime.FlowConfig) { f.Inputs = nil }, "Inputs"},
		{"no datasets", func(f *runtime.FlowConfig) { f.Datasets = nil; f.Mapping = nil; f.Collections = nil; f.Derived = nil }, "Datasets"},
		{"duplicate dataset", func(f *runtime.FlowConfig) { f.Datasets[1].Name = "customer" }, "unique"},
		{"duplicate dataset differing in case", func(f *runtime.FlowConfig) { f.Datasets[0].Name = "Customer"; f.Datasets[1].Name = "customer" }, "'customer': name is not unique"},
		{"unknown type", func(f *runtime.FlowConfig) { f.Datasets[0].Type = "graphql" }, "dataset_type"},
		{"sql without from", func(f *runtime.FlowConfig) { f.Datasets[0].From = "" }, "requires 'from'"},
		{"bad where op", func(f *runtime.FlowConfig) { f.Datasets[0].Where[0].Op = "between" }, "unsupported operator 'between'"},
		{"rawSql without sql", func(f *runtime.FlowConfig) { f.Datasets[2].SQL = "" }, "requires 'sql'"},
		{"http without url", func(f *runtime.FlowConfig) { f.Datasets[1].HTTP = nil }, "requires 'http.url'"},
		{"mapping to unknown dataset", func(f *runtime.FlowConfig) { f.Mapping["x"] = "nope.field" }, "unknown dataset: nope"},
		{"collection to unknown dataset", func(f *runtime.FlowConfig) { f.Collections["c"] = runtime.CollectionBinding{From: "ghost"} }, "unknown dataset: ghost"},
		{"derived with both forms", func(f *runtime.FlowConfig) {
			f.Derived["x"] = runtime.DerivedItem{Expr: "1", SumCollectionField: &runtime.SumCollectionField{Collection: "activeLoans", Field: "a"}}
		}, "exactly one"},
		{"derived bad expr", func(f *runtime.FlowConfig) { f.Derived["x"] = runtime.DerivedItem{Expr: "1 +"} }, "derived 'x'"},
		{"bad timezone", func(f *runtime.FlowConfig) { f.Settings.Timezone = "Mars/Base" }, "timezone"},
		{"bad result mode", func(f *runtime.FlowConfig) { f.Datasets[0].Result.Mode = "many" }, "Mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFlow()
			tt.mutate(f)
			errs := Flow(f)
			require.NotEmpty(t, errs)
			assert.Contains(t, strings.Join(errs, "\n"), tt.want)
		})
	}
}

func TestFlow_PostProcessing(t *testing.T) {
	f := validFlow()
	f.PostProcessing = &runtime.PostProcessingConfig{
		ExecutionMode: "conditional",
		Order:         []string{"decision", "unknown"},
		Endpoints: []runtime.EndpointInvocationConfig{
			{ID: "decision", ExecuteIf: "eligible &&", Endpoint: runtime.EndpointConfig{HTTP: &runtime.HTTPConfig{URL: "http://x"}}},
		},
	}

	joined := strings.Join(Flow(f), "\n")
	assert.Contains(t, joined, "executeIf")
	assert.Contains(t, joined, "unknown endpoint 'unknown'")
}

func TestInputs(t *testing.T) {
	missing := Inputs(map[string]any{"dni": "123", "product": "  "}, []string{"dni", "product", "channel"})
	assert.Equal(t, []string{"product", "channel"}, missing)
}

func TestRequiredFields(t *testing.T) {
	ctx := evalctx.FromMap(map[string]any{
		"customer": map[string]any{"name": "Ana", "email": ""},
		"loans":    []any{},
		"score":    0,
	})

	missing := RequiredFields(ctx, []string{"customer.name", "customer.email", "loans", "score", "customer.phone"})
	assert.Equal(t, []string{"customer.email", "loans", "customer.phone"}, missing)
}

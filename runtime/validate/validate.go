// Package validate checks flow definitions at load time and the presence of
// required inputs and template fields at run time.
package validate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
	"github.com/BDNK1/flowgate/runtime/expression"
)

var selectorOps = map[string]bool{
	"=": true, "==": true, "!=": true, "<>": true,
	">": true, ">=": true, "<": true, "<=": true,
	"in": true, "contains": true, "startswith": true, "endswith": true,
}

var whereOps = map[string]bool{
	"=": true, "!=": true, "<>": true, ">": true, ">=": true,
	"<": true, "<=": true, "like": true, "in": true,
}

// Flow returns every problem found in flow. An empty result means the flow is valid.
func Flow(flow *runtime.FlowConfig) []string {
	errs := runtime.ValidationMessages(flow)

	// Dataset names are matched case-insensitively, like the context they land in.
	names := make(map[string]bool, len(flow.Datasets))
	for i := range flow.Datasets {
		ds := &flow.Datasets[i]
		key := strings.ToLower(ds.Name)
		if ds.Name != "" && names[key] {
			errs = append(errs, fmt.Sprintf("dataset[%d] '%s': name is not unique", i, ds.Name))
		}
		names[key] = true
		errs = append(errs, dataset(ds, i)...)
	}

	errs = append(errs, references(flow, names)...)
	errs = append(errs, derived(flow)...)
	errs = append(errs, templates(flow)...)
	errs = append(errs, postProcessing(flow.PostProcessing)...)

	if tz := flow.Settings.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Sprintf("settings.timezone '%s' is not a known location", tz))
		}
	}
	return errs
}

func dataset(ds *runtime.DatasetConfig, i int) []string {
	var errs []string
	label := fmt.Sprintf("dataset[%d] '%s'", i, ds.Name)

	switch ds.Kind() {
	case runtime.DatasetSQL:
		if strings.TrimSpace(ds.From) == "" {
			errs = append(errs, label+": sql dataset requires 'from'")
		}
		for j, w := range ds.Where {
			if !whereOps[strings.ToLower(strings.TrimSpace(w.Op))] {
				errs = append(errs, fmt.Sprintf("%s: where[%d] has unsupported operator '%s'", label, j, w.Op))
			}
		}
	case runtime.DatasetRawSQL:
		if strings.TrimSpace(ds.SQL) == "" {
			errs = append(errs, label+": rawSql dataset requires 'sql'")
		}
	case runtime.DatasetHTTP:
		if ds.HTTP == nil || strings.TrimSpace(ds.HTTP.URL) == "" {
			errs = append(errs, label+": http dataset requires 'http.url'")
		}
	}

	if ds.Cache != nil && ds.Cache.Enabled && strings.TrimSpace(ds.Cache.Key) == "" {
		errs = append(errs, label+": cache requires a key template")
	}
	if ds.OnFailure != nil && ds.OnFailure.Enabled && !ds.OnFailure.IsRawSQL() {
		errs = append(errs, label+": onFailure supports only fallbackType 'rawSQL' with fallbackConfig.sql")
	}
	return errs
}

// datasetRoot returns the dataset name a mapping source starts with.
func datasetRoot(source string) string {
	head := strings.SplitN(strings.TrimSpace(source), ".", 2)[0]
	if i := strings.IndexByte(head, '['); i >= 0 {
		head = head[:i]
	}
	return head
}

func references(flow *runtime.FlowConfig, names map[string]bool) []string {
	var errs []string

	for _, target := range sortedKeys(flow.Mapping) {
		root := datasetRoot(flow.Mapping[target])
		if !names[strings.ToLower(root)] {
			errs = append(errs, fmt.Sprintf("mapping references unknown dataset: %s in %s", root, target))
		}
	}
	for _, alias := range sortedKeys(flow.Collections) {
		from := flow.Collections[alias].From
		if !names[strings.ToLower(from)] {
			errs = append(errs, fmt.Sprintf("collection references unknown dataset: %s in %s", from, alias))
		}
	}
	return errs
}

func derived(flow *runtime.FlowConfig) []string {
	var errs []string
	for _, name := range sortedKeys(flow.Derived) {
		item := flow.Derived[name]
		hasSum := item.SumCollectionField != nil
		hasExpr := strings.TrimSpace(item.Expr) != ""
		switch {
		case hasSum && hasExpr, !hasSum && !hasExpr:
			errs = append(errs, fmt.Sprintf("derived '%s' must define exactly one of sumCollectionField or expr", name))
		case hasSum:
			if _, ok := flow.Collections[item.SumCollectionField.Collection]; !ok {
				errs = append(errs, fmt.Sprintf("derived '%s' references unknown collection '%s'", name, item.SumCollectionField.Collection))
			}
			if item.SumCollectionField.Field == "" {
				errs = append(errs, fmt.Sprintf("derived '%s' requires sumCollectionField.field", name))
			}
		case hasExpr:
			if _, err := expression.Compile(item.Expr); err != nil {
				errs = append(errs, fmt.Sprintf("derived '%s': %v", name, err))
			}
		}
	}
	return errs
}

func conditions(label string, rules []runtime.TemplateRule) []string {
	var errs []string
	for i, rule := range rules {
		for j, c := range rule.If {
			if !selectorOps[strings.ToLower(strings.TrimSpace(c.Op))] {
				errs = append(errs, fmt.Sprintf("%s rule[%d].if[%d] has unsupported operator '%s'", label, i, j, c.Op))
			}
		}
	}
	return errs
}

func templates(flow *runtime.FlowConfig) []string {
	var errs []string
	for _, group := range sortedKeys(flow.Templates) {
		errs = append(errs, conditions("templates."+group, flow.Templates[group].Rules)...)
	}
	return errs
}

func postProcessing(pp *runtime.PostProcessingConfig) []string {
	if pp == nil {
		return nil
	}
	var errs []string
	ids := make(map[string]bool, len(pp.Endpoints))
	for _, ep := range pp.Endpoints {
		ids[ep.ID] = true
		label := "endpoint '" + ep.ID + "'"
		if ep.Endpoint.HTTP != nil && strings.TrimSpace(ep.Endpoint.HTTP.URL) == "" {
			errs = append(errs, label+": endpoint.http.url is required")
		}
		if ep.ExecuteIf != "" {
			if _, err := expression.Compile(ep.ExecuteIf); err != nil {
				errs = append(errs, fmt.Sprintf("%s executeIf: %v", label, err))
			}
		}
		if ep.Payload != nil {
			errs = append(errs, conditions(label+" payload", ep.Payload.Rules)...)
		}
	}
	for _, id := range pp.Order {
		if !ids[id] {
			errs = append(errs, fmt.Sprintf("postProcessing.order references unknown endpoint '%s'", id))
		}
	}
	return errs
}

// Inputs returns the declared inputs that are absent or empty.
func Inputs(inputs map[string]any, declared []string) []string {
	var missing []string
	for _, name := range declared {
		v, ok := evalctx.Lookup(inputs, name)
		if !ok || IsEmpty(v) {
			missing = append(missing, name)
		}
	}
	return missing
}

// RequiredFields returns the paths that resolve to an empty value in ctx.
func RequiredFields(ctx *evalctx.Context, required []string) []string {
	var missing []string
	for _, path := range required {
		if IsEmpty(ctx.Get(path)) {
			missing = append(missing, path)
		}
	}
	return missing
}

// IsEmpty reports whether v is null, a blank string or an empty collection.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case *evalctx.Map:
		return t.Len() == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package contextbuilder assembles the evaluation context of a flow run.
package contextbuilder

import (
	"context"
	"log/slog"
	"sort"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

// DatasetsKey holds the raw dataset results inside the context.
const DatasetsKey = "datasets"

type Builder struct {
	l *slog.Logger
}

func New(l *slog.Logger) *Builder {
	return &Builder{l: l}
}

// Build creates a context from inputs and dataset results: inputs are copied
// first, results land under "datasets", then mapping entries are applied in
// sorted target order and collections are bound. A mapping whose source does
// not resolve is logged and skipped. datasets may be nil.
func (b *Builder) Build(ctx context.Context, flow *runtime.FlowConfig, inputs map[string]any, datasets *evalctx.Map) *evalctx.Context {
	ec := evalctx.New()
	for _, k := range sortedKeys(inputs) {
		ec.Root().Set(k, evalctx.Normalize(inputs[k]))
	}

	if datasets == nil {
		datasets = evalctx.NewMap()
	}
	ec.Root().Set(DatasetsKey, datasets)

	b.applyMapping(ctx, ec, datasets, flow.Mapping)
	b.bindCollections(ctx, ec, datasets, flow.Collections)

	b.l.DebugContext(ctx, "Built evaluation context",
		"flow", flow.Name,
		"inputs", len(inputs),
		"datasets", datasets.Len(),
		"mappings", len(flow.Mapping),
		"collections", len(flow.Collections))
	return ec
}

func (b *Builder) applyMapping(ctx context.Context, ec *evalctx.Context, datasets *evalctx.Map, mapping map[string]string) {
	for _, target := range sortedKeys(mapping) {
		source := mapping[target]
		v, ok := evalctx.Lookup(datasets, source)
		if !ok {
			b.l.WarnContext(ctx, "Mapping source did not resolve", "source", source, "target", target)
			continue
		}
		if err := ec.Set(target, v); err != nil {
			b.l.WarnContext(ctx, "Mapping target rejected", "source", source, "target", target, "error", err)
		}
	}
}

func (b *Builder) bindCollections(ctx context.Context, ec *evalctx.Context, datasets *evalctx.Map, collections map[string]runtime.CollectionBinding) {
	for _, alias := range sortedKeys(collections) {
		from := collections[alias].From
		v, ok := datasets.Get(from)
		if !ok {
			b.l.WarnContext(ctx, "Collection source missing", "collection", alias, "from", from)
			continue
		}
		ec.Root().Set(alias, v)
	}
}

// AddDerived writes derived results into the context, each by path.
func (b *Builder) AddDerived(ctx context.Context, ec *evalctx.Context, derived *evalctx.Map) {
	derived.Range(func(name string, v any) bool {
		if err := ec.Set(name, v); err != nil {
			b.l.WarnContext(ctx, "Derived field rejected", "field", name, "error", err)
		}
		return true
	})
}

// Datasets returns the dataset results stored in the context.
func Datasets(ec *evalctx.Context) *evalctx.Map {
	if m, ok := ec.Get(DatasetsKey).(*evalctx.Map); ok {
		return m
	}
	return evalctx.NewMap()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package orchestrator

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/audit"
	"github.com/BDNK1/flowgate/runtime/cache"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

type datasetOutcome struct {
	result    any
	err       error
	fromCache bool
	elapsed   time.Duration
}

// executeDatasets runs every dataset concurrently. Each task writes only its
// own slot; results are merged in declaration order after all complete. A
// failed dataset contributes {"error": message} and its description is
// returned in failures.
func (o *Orchestrator) executeDatasets(exec *execution, flow *runtime.FlowConfig, initial *evalctx.Context) (*evalctx.Map, []string) {
	o.l.InfoContext(exec, "Starting parallel execution of datasets", "flow", flow.Name, "datasets", len(flow.Datasets))

	outcomes := make([]datasetOutcome, len(flow.Datasets))
	var g errgroup.Group
	for i := range flow.Datasets {
		i := i
		ds := &flow.Datasets[i]
		g.Go(func() error {
			outcomes[i] = o.executeDataset(exec, ds, initial)
			return nil
		})
	}
	_ = g.Wait()

	results := evalctx.NewMap()
	var failures []string
	for i, out := range outcomes {
		ds := &flow.Datasets[i]
		status := "success"
		if out.err != nil {
			status = "error"
			failures = append(failures, fmt.Sprintf("dataset '%s' failed: %v", ds.Name, out.err))

			marker := evalctx.NewMap()
			marker.Set("error", out.err.Error())
			results.Set(ds.Name, marker)
		} else {
			results.Set(ds.Name, out.result)
		}

		if !out.fromCache {
			o.metrics.DatasetExecuted(ds.Name, string(ds.Kind()), status, out.elapsed)
		}
		o.audit.DatasetExecuted(exec, exec.ID, ds.Name, string(ds.Kind()), out.elapsed, out.fromCache, out.err)
	}

	o.l.InfoContext(exec, "All datasets completed", "flow", flow.Name, "datasets", len(flow.Datasets), "failed", len(failures))
	return results, failures
}

// executeDataset checks the cache, dispatches on the dataset type and stores
// a successful result. Panics are converted into errors.
func (o *Orchestrator) executeDataset(exec *execution, ds *runtime.DatasetConfig, initial *evalctx.Context) (out datasetOutcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.l.ErrorContext(exec, "Dataset panicked", "dataset", ds.Name, "panic", r)
			out = datasetOutcome{err: fmt.Errorf("internal error: %v", r)}
		}
		out.elapsed = time.Since(start)
	}()

	cacheKey := ""
	if ds.Cache != nil && ds.Cache.Enabled && o.cache != nil {
		cacheKey = cache.BuildKey(ds.Cache.Key, exec.Inputs)
		if cacheKey == "" {
			cacheKey = exec.Flow.Name + ":" + ds.Name
		}
		if v, ok := o.cache.Get(exec, cacheKey); ok && v != nil {
			o.audit.CacheOperation(exec, exec.ID, "get", cacheKey, true)
			return datasetOutcome{result: v, fromCache: true}
		}
		o.audit.CacheOperation(exec, exec.ID, "get", cacheKey, false)
	}

	o.l.DebugContext(exec, "Starting dataset", "dataset", ds.Name, "type", ds.Type)

	var (
		result any
		err    error
	)
	switch ds.Kind() {
	case runtime.DatasetSQL, runtime.DatasetRawSQL:
		result, err = o.sql.Execute(exec, ds, initial.Root())
	case runtime.DatasetHTTP:
		result, err = o.http.Execute(exec, ds, initial.Root())
	default:
		err = runtime.ConfigError(ds.Name, "unsupported dataset type '%s'", ds.Type)
	}
	if err != nil {
		return datasetOutcome{err: err}
	}

	if cacheKey != "" && result != nil {
		ttl := time.Duration(ds.Cache.TTLSec) * time.Second
		if err := o.cache.Set(exec, cacheKey, result, ttl); err != nil {
			o.l.WarnContext(exec, "Failed to cache dataset result", "dataset", ds.Name, "key", audit.RedactString(cacheKey), "error", err)
		} else {
			o.audit.CacheOperation(exec, exec.ID, "set", cacheKey, true)
		}
	}
	return datasetOutcome{result: result}
}

// Package orchestrator runs a flow end to end: datasets, context, derived
// fields, templates and post-processing.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/audit"
	"github.com/BDNK1/flowgate/runtime/contextbuilder"
	"github.com/BDNK1/flowgate/runtime/derived"
	"github.com/BDNK1/flowgate/runtime/metrics"
	"github.com/BDNK1/flowgate/runtime/postprocess"
	"github.com/BDNK1/flowgate/runtime/template"
	"github.com/BDNK1/flowgate/runtime/validate"
)

// FlowLoader resolves flow definitions by name. *flowstore.Store satisfies it.
type FlowLoader interface {
	Load(ctx context.Context, name string) (*runtime.FlowConfig, error)
	List() ([]string, error)
}

// DatasetExecutor runs one dataset variant.
type DatasetExecutor interface {
	Execute(ctx context.Context, ds *runtime.DatasetConfig, inputs any) (any, error)
}

// DatasetCache stores dataset results across runs. *cache.Cache satisfies it.
type DatasetCache interface {
	Get(ctx context.Context, key string) (any, bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// Options wires an Orchestrator. Cache, Metrics and PostProcessing may be nil.
type Options struct {
	Flows          FlowLoader
	SQL            DatasetExecutor
	HTTP           DatasetExecutor
	Cache          DatasetCache
	Selector       *template.Selector
	Renderer       *template.Renderer
	PostProcessing *postprocess.Executor
	Metrics        *metrics.Metrics
	Audit          *audit.Logger
}

type Orchestrator struct {
	flows    FlowLoader
	sql      DatasetExecutor
	http     DatasetExecutor
	cache    DatasetCache
	builder  *contextbuilder.Builder
	derived  *derived.Evaluator
	selector *template.Selector
	renderer *template.Renderer
	post     *postprocess.Executor
	metrics  *metrics.Metrics
	audit    *audit.Logger
	tracer   trace.Tracer
	l        *slog.Logger
}

func New(opts Options, l *slog.Logger) *Orchestrator {
	a := opts.Audit
	if a == nil {
		a = audit.New(l)
	}
	return &Orchestrator{
		flows:    opts.Flows,
		sql:      opts.SQL,
		http:     opts.HTTP,
		cache:    opts.Cache,
		builder:  contextbuilder.New(l),
		derived:  derived.New(l),
		selector: opts.Selector,
		renderer: opts.Renderer,
		post:     opts.PostProcessing,
		metrics:  opts.Metrics,
		audit:    a,
		tracer:   otel.Tracer("github.com/BDNK1/flowgate/runtime/orchestrator"),
		l:        l,
	}
}

// ExecuteFlow runs the flow called name against inputs. It never panics and
// never returns nil.
func (o *Orchestrator) ExecuteFlow(ctx context.Context, name string, inputs map[string]any) (resp *Response) {
	ctx, span := o.tracer.Start(ctx, "Flow."+name, trace.WithAttributes(attribute.String("flow.name", name)))
	defer span.End()

	if inputs == nil {
		inputs = map[string]any{}
	}
	exec := newExecution(ctx, inputs)

	defer func() {
		if r := recover(); r != nil {
			o.l.ErrorContext(exec, "Flow execution panicked", "flow", name, "trace_id", exec.ID, "panic", r)
			resp = exec.failure(fmt.Errorf("internal error: %v", r))
		}

		status := "success"
		if !resp.IsSuccess {
			status = "error"
			span.SetStatus(codes.Error, resp.Error)
		}
		o.metrics.FlowExecuted(name, status, exec.elapsed())
		o.recordPayloadSize(name, resp)

		if exec.Flow != nil {
			o.audit.LogTrace(exec, exec.Flow.Audit.Trace, audit.Trace{
				TraceID:   exec.ID,
				Flow:      name,
				Inputs:    exec.Inputs,
				Datasets:  exec.Datasets,
				Derived:   exec.Derived,
				Context:   exec.Context,
				Templates: exec.Templates,
				Payloads:  postPayload(exec.Post),
				Elapsed:   exec.elapsed(),
			})
		}
	}()

	o.l.InfoContext(exec, "Processing flow", "flow", name, "trace_id", exec.ID)

	if err := o.run(exec, name); err != nil {
		o.l.ErrorContext(exec, "Flow execution failed", "flow", name, "trace_id", exec.ID, "error", err)
		span.RecordError(err)
		return exec.failure(err)
	}

	o.l.InfoContext(exec, "Flow completed", "flow", name, "trace_id", exec.ID, "elapsed_ms", exec.elapsed().Milliseconds())
	return exec.success()
}

func (o *Orchestrator) run(exec *execution, name string) error {
	flow, err := o.flows.Load(exec, name)
	if err != nil {
		o.l.WarnContext(exec, "Flow not found", "flow", name, "error", err)
		return runtime.NotFoundError(name, err)
	}
	exec.Flow = flow
	exec.Location = location(exec, flow.Settings.Timezone, o.l)

	if missing := validate.Inputs(exec.Inputs, flow.Inputs); len(missing) > 0 {
		exec.Missing = missing
		o.audit.ValidationFailed(exec, exec.ID, "inputs", missing)
		return &runtime.FlowError{
			Type:    runtime.ErrorTypeConfiguration,
			Code:    runtime.ErrorCodeInvalidInput,
			Message: "missing required inputs: " + strings.Join(missing, ", "),
		}
	}

	initial := o.builder.Build(exec, flow, exec.Inputs, nil)

	datasets, failures := o.executeDatasets(exec, flow, initial)
	exec.Datasets = datasets
	if flow.Settings.FailFast && len(failures) > 0 {
		return &runtime.FlowError{
			Type:    runtime.ErrorTypePermanent,
			Code:    runtime.ErrorCodeDatasetFailed,
			Message: strings.Join(failures, "; "),
		}
	}

	exec.Context = o.builder.Build(exec, flow, exec.Inputs, datasets)
	exec.Derived = o.derived.Evaluate(exec, flow.Derived, exec.Context)
	o.builder.AddDerived(exec, exec.Context, exec.Derived)

	if err := o.renderTemplates(exec, flow); err != nil {
		return err
	}

	if flow.PostProcessing != nil && o.post != nil {
		o.l.InfoContext(exec, "Starting post-processing", "flow", name)
		exec.Post = o.post.Execute(exec, postprocess.Run{
			Flow:          flow.Name,
			Config:        flow.PostProcessing,
			DefaultSource: defaultTemplateGroup(flow),
			Location:      exec.Location,
		}, exec.Context)

		if exec.Post.IsSuccess {
			exec.Context = exec.Post.Context
		} else {
			o.l.ErrorContext(exec, "Post-processing failed", "flow", name, "errors", strings.Join(exec.Post.Errors, ", "))
		}
	}
	return nil
}

// GetFlowConfig returns the flow called name, or nil when it cannot be loaded.
func (o *Orchestrator) GetFlowConfig(ctx context.Context, name string) *runtime.FlowConfig {
	flow, err := o.flows.Load(ctx, name)
	if err != nil {
		o.l.WarnContext(ctx, "Flow not found", "flow", name, "error", err)
		return nil
	}
	return flow
}

// ListFlows returns the names of every flow definition on disk.
func (o *Orchestrator) ListFlows() ([]string, error) {
	return o.flows.List()
}

// ClearCache removes one dataset cache entry.
func (o *Orchestrator) ClearCache(ctx context.Context, key string) error {
	if o.cache == nil {
		return nil
	}
	o.audit.CacheOperation(ctx, "", "remove", key, true)
	return o.cache.Remove(ctx, key)
}

func (o *Orchestrator) recordPayloadSize(flow string, resp *Response) {
	if o.metrics == nil || resp == nil || resp.Payload == nil {
		return
	}
	if data, err := json.Marshal(resp.Payload); err == nil {
		o.metrics.PayloadSize(flow, len(data))
	}
}

func postPayload(r *postprocess.Result) any {
	if !r.Ran() {
		return nil
	}
	return r.Payload()
}

// defaultTemplateGroup is the first template group by name, or "".
func defaultTemplateGroup(flow *runtime.FlowConfig) string {
	names := template.GroupNames(flow.Templates)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func location(ctx context.Context, tz string, l *slog.Logger) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		l.WarnContext(ctx, "Unknown flow timezone, using UTC", "timezone", tz, "error", err)
		return time.UTC
	}
	return loc
}

// Package postprocess drives the downstream endpoint calls that follow
// template rendering and feeds their responses back into the context.
package postprocess

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
	"github.com/BDNK1/flowgate/runtime/expression"
)

// Invoker performs the HTTP call of an endpoint. *http.Executor satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, ds *runtime.DatasetConfig, inputs any, body any) (any, error)
}

// RuleMatcher picks a template from ordered rules. *template.Selector satisfies it.
type RuleMatcher interface {
	Match(ctx context.Context, ec *evalctx.Context, rules []runtime.TemplateRule) (string, bool)
}

// TemplateRenderer renders a template file. *template.Renderer satisfies it.
type TemplateRenderer interface {
	Render(ctx context.Context, p string, ec *evalctx.Context, loc *time.Location) (any, error)
}

// Observer receives one notification per endpoint invocation.
type Observer interface {
	EndpointExecuted(endpoint, endpointType, status string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) EndpointExecuted(string, string, string, time.Duration) {}

type Executor struct {
	invoker  Invoker
	selector RuleMatcher
	renderer TemplateRenderer
	observer Observer
	tracer   trace.Tracer
	l        *slog.Logger
}

func New(invoker Invoker, selector RuleMatcher, renderer TemplateRenderer, observer Observer, l *slog.Logger) *Executor {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Executor{
		invoker:  invoker,
		selector: selector,
		renderer: renderer,
		observer: observer,
		tracer:   otel.Tracer("github.com/BDNK1/flowgate/runtime/postprocess"),
		l:        l,
	}
}

// Run describes one post-processing pass.
type Run struct {
	Flow   string
	Config *runtime.PostProcessingConfig
	// DefaultSource is the template group used when an endpoint asks for
	// the template result without naming one.
	DefaultSource string
	Location      *time.Location
}

// Execute invokes the configured endpoints against a clone of ec. The input
// context is never modified; the updated clone is returned in the result.
func (e *Executor) Execute(ctx context.Context, run Run, ec *evalctx.Context) *Result {
	ctx, span := e.tracer.Start(ctx, "PostProcessing."+run.Flow,
		trace.WithAttributes(
			attribute.String("flow.name", run.Flow),
			attribute.String("execution.mode", string(run.Config.Mode())),
		))
	defer span.End()

	start := time.Now()
	result := &Result{Context: ec.Clone(), Errors: []string{}}

	e.l.InfoContext(ctx, "Starting post-processing", "flow", run.Flow, "mode", run.Config.Mode())

	switch run.Config.Mode() {
	case runtime.ModeConditional:
		e.executeOrdered(ctx, run, result, true)
	case runtime.ModeParallel:
		e.executeParallel(ctx, run, result)
	default:
		e.executeOrdered(ctx, run, result, false)
	}

	result.TotalElapsedMs = time.Since(start).Milliseconds()
	result.IsSuccess = len(result.Errors) == 0

	e.l.InfoContext(ctx, "Post-processing completed",
		"flow", run.Flow,
		"elapsed_ms", result.TotalElapsedMs,
		"endpoints", len(result.EndpointResults),
		"errors", len(result.Errors))
	return result
}

// executeOrdered runs endpoints one at a time; each sees the updates of the
// ones before it. With guarded set, executeIf is evaluated first.
func (e *Executor) executeOrdered(ctx context.Context, run Run, result *Result, guarded bool) {
	for _, inv := range orderedEndpoints(ctx, run.Config, e.l) {
		if !inv.IsEnabled() {
			e.l.DebugContext(ctx, "Endpoint disabled, skipping", "endpoint", inv.ID)
			continue
		}

		if guarded && strings.TrimSpace(inv.ExecuteIf) != "" && !e.guard(ctx, inv, result.Context) {
			e.l.DebugContext(ctx, "Condition not met for endpoint, skipping", "endpoint", inv.ID, "executeIf", inv.ExecuteIf)
			continue
		}

		er := e.executeEndpoint(ctx, run, inv, result.Context)
		result.EndpointResults = append(result.EndpointResults, er)
		merge(ctx, result.Context, er, e.l)

		if !er.IsSuccess && inv.ErrorHandling.ResolveStrategy() == runtime.StrategyFailFast {
			result.Errors = append(result.Errors, fmt.Sprintf("Endpoint %s failed: %s", inv.ID, er.Error))
			e.l.WarnContext(ctx, "Stopping post-processing after failFast endpoint", "endpoint", inv.ID)
			return
		}
	}
}

// executeParallel invokes every enabled endpoint concurrently against its own
// copy of the starting context and merges the outcomes in declaration order.
func (e *Executor) executeParallel(ctx context.Context, run Run, result *Result) {
	var endpoints []*runtime.EndpointInvocationConfig
	for i := range run.Config.Endpoints {
		if run.Config.Endpoints[i].IsEnabled() {
			endpoints = append(endpoints, &run.Config.Endpoints[i])
		}
	}

	results := make([]*EndpointResult, len(endpoints))
	var g errgroup.Group
	for i, inv := range endpoints {
		i, inv := i, inv
		snapshot := result.Context.Clone()
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					e.l.ErrorContext(ctx, "Endpoint panicked", "endpoint", inv.ID, "panic", r)
					results[i] = &EndpointResult{
						ID:     inv.ID,
						Name:   inv.DisplayName(),
						Status: StatusError,
						Error:  fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			results[i] = e.executeEndpoint(ctx, run, inv, snapshot)
			return nil
		})
	}
	_ = g.Wait()

	for i, er := range results {
		result.EndpointResults = append(result.EndpointResults, er)
		merge(ctx, result.Context, er, e.l)
		if !er.IsSuccess {
			result.Errors = append(result.Errors, fmt.Sprintf("Endpoint %s failed: %s", endpoints[i].ID, er.Error))
		}
	}
}

func (e *Executor) guard(ctx context.Context, inv *runtime.EndpointInvocationConfig, ec *evalctx.Context) bool {
	expr, err := expression.Compile(inv.ExecuteIf)
	if err != nil {
		e.l.WarnContext(ctx, "Invalid executeIf, skipping endpoint", "endpoint", inv.ID, "error", err)
		return false
	}
	ok, err := expr.EvalBool(ec)
	if err != nil {
		e.l.WarnContext(ctx, "executeIf evaluation failed, skipping endpoint", "endpoint", inv.ID, "error", err)
		return false
	}
	return ok
}

// orderedEndpoints applies the explicit order when one is configured.
// Ids in the order that match no endpoint are logged and ignored.
func orderedEndpoints(ctx context.Context, cfg *runtime.PostProcessingConfig, l *slog.Logger) []*runtime.EndpointInvocationConfig {
	out := make([]*runtime.EndpointInvocationConfig, 0, len(cfg.Endpoints))
	if len(cfg.Order) == 0 {
		for i := range cfg.Endpoints {
			out = append(out, &cfg.Endpoints[i])
		}
		return out
	}

	for _, id := range cfg.Order {
		inv := findEndpoint(cfg.Endpoints, id)
		if inv == nil {
			l.WarnContext(ctx, "Endpoint not found in configuration", "endpoint", id)
			continue
		}
		out = append(out, inv)
	}
	return out
}

func findEndpoint(endpoints []runtime.EndpointInvocationConfig, id string) *runtime.EndpointInvocationConfig {
	for i := range endpoints {
		if strings.EqualFold(endpoints[i].ID, id) {
			return &endpoints[i]
		}
	}
	return nil
}

// merge writes the mapped data of er into ec. Entries are context paths.
func merge(ctx context.Context, ec *evalctx.Context, er *EndpointResult, l *slog.Logger) {
	if er.MappedData == nil {
		return
	}
	er.MappedData.Range(func(key string, v any) bool {
		if err := ec.Set(key, v); err != nil {
			l.WarnContext(ctx, "Failed to merge endpoint result into context", "endpoint", er.ID, "key", key, "error", err)
		}
		return true
	})
}

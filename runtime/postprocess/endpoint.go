package postprocess

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	httpplugin "github.com/BDNK1/flowgate/plugins/http"
	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

const templatesKey = "templates"

func (e *Executor) executeEndpoint(ctx context.Context, run Run, inv *runtime.EndpointInvocationConfig, ec *evalctx.Context) *EndpointResult {
	ctx, span := e.tracer.Start(ctx, "Endpoint."+inv.ID,
		trace.WithAttributes(
			attribute.String("endpoint.name", inv.DisplayName()),
			attribute.String("endpoint.type", endpointType(inv)),
		))
	defer span.End()

	start := time.Now()
	er := &EndpointResult{ID: inv.ID, Name: inv.DisplayName()}
	logRequest := inv.Audit != nil && inv.Audit.LogRequest

	if logRequest {
		e.l.InfoContext(ctx, "Executing endpoint", "endpoint", inv.ID, "flow", run.Flow)
	}

	response, err := e.call(ctx, run, inv, ec, er)

	er.ElapsedMs = time.Since(start).Milliseconds()
	if err != nil {
		er.Status = StatusError
		er.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if inv.Audit != nil && inv.Audit.LogErrors {
			e.l.ErrorContext(ctx, "Endpoint failed", "endpoint", inv.ID, "elapsed_ms", er.ElapsedMs, "attempts", er.Attempts, "error", err)
		}
		if inv.ErrorHandling != nil && inv.ErrorHandling.DefaultValue != nil {
			er.MappedData = evalctx.NewMap()
			er.MappedData.Set(inv.ID, evalctx.Normalize(inv.ErrorHandling.DefaultValue))
		}
		e.observer.EndpointExecuted(inv.DisplayName(), endpointType(inv), StatusError, time.Since(start))
		return er
	}

	er.Status = StatusSuccess
	er.IsSuccess = true
	er.ResponsePayload = response
	if len(inv.ResponseMapping) > 0 {
		er.MappedData = mapResponse(ctx, response, inv.ResponseMapping, e.l)
	}

	if inv.Audit != nil && inv.Audit.LogResponse {
		e.l.InfoContext(ctx, "Endpoint completed", "endpoint", inv.ID, "elapsed_ms", er.ElapsedMs, "attempts", er.Attempts)
	}
	e.observer.EndpointExecuted(inv.DisplayName(), endpointType(inv), StatusSuccess, time.Since(start))
	return er
}

// call builds the payload and invokes the endpoint, re-invoking it when the
// endpoint's strategy is retry.
func (e *Executor) call(ctx context.Context, run Run, inv *runtime.EndpointInvocationConfig, ec *evalctx.Context, er *EndpointResult) (any, error) {
	if inv.Endpoint.HTTP == nil {
		return nil, runtime.ConfigError(inv.ID, "endpoint '%s' has no http configuration", inv.ID)
	}

	payload, used, err := e.buildPayload(ctx, run, inv, ec)
	er.TemplateUsed = used
	if err != nil {
		return nil, err
	}
	er.RequestPayload = payload

	if inv.Audit != nil && inv.Audit.LogRequest {
		e.l.DebugContext(ctx, "Endpoint payload", "endpoint", inv.ID, "template", used, "payload", payload)
	}

	ds := &runtime.DatasetConfig{
		Name:   inv.DisplayName(),
		Type:   string(runtime.DatasetHTTP),
		Result: runtime.ResultConfig{Mode: string(runtime.ResultSingle)},
		HTTP:   inv.Endpoint.HTTP,
	}
	if inv.Endpoint.Name != "" {
		ds.Name = inv.Endpoint.Name
	}

	attempts := 1
	var delay time.Duration
	if inv.ErrorHandling.ResolveStrategy() == runtime.StrategyRetry {
		attempts += inv.ErrorHandling.MaxRetries
		delay = time.Duration(inv.ErrorHandling.RetryDelayMs) * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		er.Attempts = attempt
		response, err := e.invoker.Invoke(ctx, ds, ec.Root(), payload)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if attempt == attempts || runtime.IsConfiguration(err) || ctx.Err() != nil {
			break
		}
		e.l.WarnContext(ctx, "Endpoint failed, retrying", "endpoint", inv.ID, "attempt", attempt, "max_attempts", attempts, "error", err)
		if err := wait(ctx, delay); err != nil {
			return nil, errors.Join(lastErr, err)
		}
	}
	return nil, lastErr
}

// buildPayload returns the request body and a label naming where it came from.
func (e *Executor) buildPayload(ctx context.Context, run Run, inv *runtime.EndpointInvocationConfig, ec *evalctx.Context) (any, string, error) {
	p := inv.Payload
	switch {
	case p == nil:
		return evalctx.NewMap(), "empty", nil

	case p.UseTemplateResult:
		source := p.TemplateSource
		if source == "" {
			source = run.DefaultSource
		}
		rendered, ok := ec.Lookup(templatesKey + "." + source)
		if !ok {
			e.l.WarnContext(ctx, "Template result not found in context", "endpoint", inv.ID, "template", source)
			if p.AdditionalData != nil {
				return renderData(p.AdditionalData, ec), source + " (not found)", nil
			}
			fallback := evalctx.NewMap()
			fallback.Set("error", "Template not found")
			return fallback, source + " (not found)", nil
		}
		if p.AdditionalData == nil {
			return rendered, source, nil
		}
		return mergePayloads(rendered, renderData(p.AdditionalData, ec), p.MergeStrategy), source, nil

	case p.TemplateFile != "":
		name := p.TemplateFile
		if len(p.Rules) > 0 {
			if matched, ok := e.selector.Match(ctx, ec, p.Rules); ok {
				name = matched
			}
		}
		rendered, err := e.renderer.Render(ctx, name, ec, run.Location)
		if err != nil {
			return nil, name, err
		}
		return rendered, name, nil

	case p.StaticPayload != nil:
		return renderData(p.StaticPayload, ec), "static", nil
	}
	return evalctx.NewMap(), "empty", nil
}

func renderData(data map[string]any, ec *evalctx.Context) any {
	return evalctx.Normalize(runtime.RenderValue(data, ec.Root()))
}

// mergePayloads combines a rendered template with additional data. With the
// default templateFirst strategy additional keys overwrite template keys.
// Values that are not both objects are wrapped side by side.
func mergePayloads(rendered, additional any, strategy string) any {
	tm, ok1 := rendered.(*evalctx.Map)
	am, ok2 := additional.(*evalctx.Map)
	if !ok1 || !ok2 {
		wrapper := evalctx.NewMap()
		wrapper.Set("template", rendered)
		wrapper.Set("additional", additional)
		return wrapper
	}

	base, overlay := tm, am
	if strings.EqualFold(strategy, string(runtime.MergeAdditionalFirst)) {
		base, overlay = am, tm
	}
	merged := base.Clone()
	overlay.Range(func(k string, v any) bool {
		merged.Set(k, v)
		return true
	})
	return merged
}

// mapResponse extracts responseMapping entries (context key to response
// path). Paths that are missing or null are left out.
func mapResponse(ctx context.Context, response any, mapping map[string]string, l *slog.Logger) *evalctx.Map {
	out := evalctx.NewMap()
	if response == nil {
		return out
	}

	root := gabs.Wrap(evalctx.ToNative(response))
	for _, key := range sortedKeys(mapping) {
		v, ok := httpplugin.Locate(root, mapping[key])
		if !ok || v == nil {
			l.DebugContext(ctx, "Response path not found", "key", key, "path", mapping[key])
			continue
		}
		out.Set(key, evalctx.Normalize(v))
	}
	return out
}

func endpointType(inv *runtime.EndpointInvocationConfig) string {
	if inv.Endpoint.Type != "" {
		return inv.Endpoint.Type
	}
	return "unknown"
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package audit emits structured audit events for flow runs. Values that
// look sensitive are redacted before they reach the log.
package audit

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

const Redacted = "[REDACTED]"

var sensitiveFields = []string{
	"dni", "password", "token", "key", "secret", "auth",
	"email", "phone", "mobile", "ssn", "account", "credit",
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{8,}`),
	regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
}

// Trace is everything a run can contribute to its audit record.
type Trace struct {
	TraceID   string
	Flow      string
	Inputs    map[string]any
	Datasets  *evalctx.Map
	Derived   *evalctx.Map
	Context   *evalctx.Context
	Templates map[string]string
	Payloads  any
	Elapsed   time.Duration
}

type Logger struct {
	l *slog.Logger
}

func New(l *slog.Logger) *Logger {
	return &Logger{l: l.With("component", "audit")}
}

// LogTrace writes the execution trace. Sections are included only when
// named in cfg.Fields; nothing but a debug summary is written when the
// trace is disabled.
func (a *Logger) LogTrace(ctx context.Context, cfg runtime.TraceConfig, t Trace) {
	if !cfg.Enabled {
		a.l.DebugContext(ctx, "Orchestrator execution completed", "trace_id", t.TraceID, "flow", t.Flow)
		return
	}

	record := evalctx.NewMap()
	record.Set("traceId", t.TraceID)
	record.Set("flowName", t.Flow)
	record.Set("timestamp", time.Now().UTC().Format(time.RFC3339Nano))
	record.Set("executionTimeMs", t.Elapsed.Milliseconds())

	if cfg.Includes("inputs") {
		record.Set("inputs", Redact(evalctx.Normalize(t.Inputs)))
	}
	if cfg.Includes("datasets") {
		record.Set("datasets", Redact(t.Datasets))
	}
	if cfg.Includes("derived") {
		record.Set("derived", Redact(t.Derived))
	}
	if cfg.Includes("mappingContext", "context") && t.Context != nil {
		record.Set("mappingContext", Redact(t.Context.Root()))
	}
	if cfg.Includes("chosenTemplates", "templates") {
		record.Set("chosenTemplates", evalctx.Normalize(t.Templates))
	}
	if cfg.Includes("payloads", "postProcessing") {
		record.Set("payloads", Redact(evalctx.Normalize(t.Payloads)))
	}

	a.l.InfoContext(ctx, "Orchestrator execution trace", "trace", record)
}

func (a *Logger) DatasetExecuted(ctx context.Context, traceID, dataset, datasetType string, elapsed time.Duration, fromCache bool, err error) {
	attrs := []any{
		"trace_id", traceID,
		"dataset", dataset,
		"type", datasetType,
		"elapsed_ms", elapsed.Milliseconds(),
		"from_cache", fromCache,
	}
	if err != nil {
		a.l.ErrorContext(ctx, "Dataset execution failed", append(attrs, "error", RedactString(err.Error()))...)
		return
	}
	a.l.InfoContext(ctx, "Dataset executed", attrs...)
}

func (a *Logger) TemplateSelected(ctx context.Context, traceID, group, template string) {
	a.l.InfoContext(ctx, "Template selected", "trace_id", traceID, "group", group, "template", template)
}

func (a *Logger) TemplateRendered(ctx context.Context, traceID, template string, size int, elapsed time.Duration, err error) {
	attrs := []any{
		"trace_id", traceID,
		"template", template,
		"payload_size_bytes", size,
		"elapsed_ms", elapsed.Milliseconds(),
	}
	if err != nil {
		a.l.ErrorContext(ctx, "Template rendering failed", append(attrs, "error", RedactString(err.Error()))...)
		return
	}
	a.l.InfoContext(ctx, "Template rendered", attrs...)
}

func (a *Logger) ValidationFailed(ctx context.Context, traceID, kind string, errs []string) {
	a.l.WarnContext(ctx, "Validation failed",
		"trace_id", traceID,
		"validation_type", kind,
		"errors", redactAll(errs),
		"error_count", len(errs))
}

func (a *Logger) CacheOperation(ctx context.Context, traceID, op, key string, ok bool) {
	a.l.DebugContext(ctx, "Cache operation",
		"trace_id", traceID,
		"operation", op,
		"cache_key", RedactString(key),
		"success", ok)
}

func redactAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = RedactString(s)
	}
	return out
}

// Redact replaces the values of sensitive keys throughout a context value
// and masks sensitive patterns in strings. The input is not modified.
func Redact(v any) any {
	switch t := v.(type) {
	case *evalctx.Map:
		if t == nil {
			return nil
		}
		out := evalctx.NewMap()
		t.Range(func(k string, item any) bool {
			if IsSensitiveField(k) {
				out.Set(k, Redacted)
			} else {
				out.Set(k, Redact(item))
			}
			return true
		})
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Redact(item)
		}
		return out
	case string:
		return RedactString(t)
	}
	return v
}

// RedactString masks long digit runs and email addresses.
func RedactString(s string) string {
	for _, re := range sensitivePatterns {
		s = re.ReplaceAllString(s, Redacted)
	}
	return s
}

// IsSensitiveField reports whether a key name suggests personal or secret data.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, f := range sensitiveFields {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

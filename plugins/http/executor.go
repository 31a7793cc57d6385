// Package http runs HTTP datasets and post-processing endpoint calls.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffMs   = 500
)

// Fallback re-runs a failed dataset as a raw SQL query.
type Fallback interface {
	ExecuteFallback(ctx context.Context, ds *runtime.DatasetConfig, sqlText string, inputs any) (any, error)
}

// Executor issues templated HTTP requests under a linear retry policy.
type Executor struct {
	client   *resty.Client
	fallback Fallback
	l        *slog.Logger
}

// NewExecutor builds the shared resty client. Retries are driven per dataset,
// so the client itself never retries. fallback may be nil.
func NewExecutor(cfg runtime.HTTPClientSettings, fallback Fallback, l *slog.Logger) *Executor {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetDebug(cfg.Debug)

	return &Executor{client: client, fallback: fallback, l: l}
}

// Execute runs an http dataset. Values for {{ }} placeholders are resolved
// against inputs.
func (e *Executor) Execute(ctx context.Context, ds *runtime.DatasetConfig, inputs any) (any, error) {
	return e.Invoke(ctx, ds, inputs, nil)
}

// Invoke runs an http dataset with an explicit request body. The body is sent
// as JSON (or form data when the Content-Type header asks for it) unless the
// dataset declares a bodyTemplate.
func (e *Executor) Invoke(ctx context.Context, ds *runtime.DatasetConfig, inputs any, body any) (any, error) {
	if ds.HTTP == nil || ds.HTTP.URL == "" {
		return nil, runtime.ConfigError(ds.Name, "http dataset '%s' has no url", ds.Name)
	}

	result, err := e.fetch(ctx, ds, inputs, body)
	if err == nil {
		return result, nil
	}

	e.l.ErrorContext(ctx, "HTTP dataset failed", "dataset", ds.Name, "error", err)

	if ctx.Err() == nil && ds.OnFailure.IsRawSQL() && e.fallback != nil {
		fb := *ds
		fb.Name = ds.Name + "_fallback"
		fb.Type = string(runtime.DatasetRawSQL)
		fb.SQL = ds.OnFailure.FallbackConfig.SQL
		fb.HTTP = nil
		fb.OnFailure = nil

		e.l.WarnContext(ctx, "Executing raw SQL fallback", "dataset", ds.Name, "fallback", fb.Name)
		return e.fallback.ExecuteFallback(ctx, &fb, fb.SQL, inputs)
	}
	return nil, err
}

func (e *Executor) fetch(ctx context.Context, ds *runtime.DatasetConfig, inputs any, body any) (any, error) {
	maxAttempts, backoffMs := retryPolicy(ds.HTTP.Retry)

	var lastErr *runtime.FlowError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		raw, err := e.do(ctx, ds, inputs, body)
		if err == nil {
			return processResponse(ds, raw)
		}

		if ctx.Err() != nil {
			return nil, runtime.AsFlowError(ctx.Err(), ds.Name)
		}

		lastErr = runtime.AsFlowError(err, ds.Name)
		lastErr.Retries = attempt - 1
		if attempt == maxAttempts {
			break
		}

		wait := time.Duration(attempt*backoffMs) * time.Millisecond
		e.l.WarnContext(ctx, "HTTP attempt failed, retrying",
			"dataset", ds.Name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"wait", wait,
			"error", err)

		if err := sleep(ctx, wait); err != nil {
			return nil, runtime.AsFlowError(err, ds.Name)
		}
	}
	return nil, lastErr
}

// do performs a single attempt and returns the raw response body.
func (e *Executor) do(ctx context.Context, ds *runtime.DatasetConfig, inputs any, body any) ([]byte, error) {
	cfg := ds.HTTP
	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	target := runtime.RenderPlaceholders(cfg.URL, inputs)
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = runtime.RenderPlaceholders(v, inputs)
	}

	req := e.client.R().SetContext(ctx).SetHeaders(headers)

	hasBody := true
	switch {
	case cfg.BodyTemplate != "":
		if headerValue(headers, "Content-Type") == "" {
			req.SetHeader("Content-Type", "application/json")
		}
		req.SetBody(runtime.RenderPlaceholders(cfg.BodyTemplate, inputs))
	case body != nil:
		native := evalctx.ToNative(body)
		if strings.HasPrefix(strings.ToLower(headerValue(headers, "Content-Type")), "application/x-www-form-urlencoded") {
			if m, ok := native.(map[string]any); ok {
				req.SetFormData(flattenToFormData(m, ""))
				break
			}
		}
		req.SetBody(native)
	default:
		hasBody = false
	}

	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
		if hasBody {
			method = http.MethodPost
		}
	}

	e.l.DebugContext(ctx, "Executing HTTP request", "dataset", ds.Name, "method", method, "url", cfg.URL)

	resp, err := req.Execute(method, target)
	if err != nil {
		cause := withoutURL(err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &runtime.FlowError{
				Type:    runtime.ErrorTypeTimeout,
				Code:    runtime.ErrorCodeDeadlineExceeded,
				Message: "request timed out",
				Step:    ds.Name,
				Cause:   cause,
			}
		}
		return nil, runtime.TransientError(runtime.ErrorCodeHTTPTransport, ds.Name, cause, "%s request for dataset '%s' failed", method, ds.Name)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		fe := runtime.TransientError(runtime.ErrorCodeHTTPStatus, ds.Name, nil, "%s request for dataset '%s' returned status %d", method, ds.Name, resp.StatusCode())
		fe.Meta = map[string]any{"status": resp.StatusCode()}
		return nil, fe
	}
	return resp.Body(), nil
}

// withoutURL drops the request URL from transport errors. Rendered URLs
// carry input values and must not reach error messages or logs.
func withoutURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func retryPolicy(r *runtime.RetryConfig) (int, int) {
	if r == nil {
		return defaultMaxAttempts, defaultBackoffMs
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := r.BackoffMs
	if backoff < 0 {
		backoff = 0
	}
	return maxAttempts, backoff
}

func sleep(ctx context.Context, d time.Duration) error {
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

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

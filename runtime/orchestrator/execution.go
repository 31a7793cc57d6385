package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
	"github.com/BDNK1/flowgate/runtime/postprocess"
)

var _ context.Context = &execution{}

// execution carries the state of one flow run. It is a context.Context so
// that cancellation and the active span reach every stage through it.
type execution struct {
	ID       string
	Flow     *runtime.FlowConfig
	Inputs   map[string]any
	Location *time.Location
	Started  time.Time

	Datasets  *evalctx.Map
	Derived   *evalctx.Map
	Context   *evalctx.Context
	Templates map[string]string
	Missing   []string
	Post      *postprocess.Result

	ctx context.Context
}

func newExecution(ctx context.Context, inputs map[string]any) *execution {
	return &execution{
		ID:      traceID(ctx),
		Inputs:  inputs,
		Started: time.Now(),
		ctx:     ctx,
	}
}

func (e *execution) Deadline() (deadline time.Time, ok bool) {
	return e.ctx.Deadline()
}

func (e *execution) Done() <-chan struct{} {
	return e.ctx.Done()
}

func (e *execution) Err() error {
	return e.ctx.Err()
}

func (e *execution) Value(key any) any {
	return e.ctx.Value(key)
}

func (e *execution) elapsed() time.Duration {
	return time.Since(e.Started)
}

// traceID prefers the active span's trace id and falls back to the first
// 16 hex characters of a random uuid.
func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.TraceID().IsValid() {
		return sc.TraceID().String()
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

package orchestrator

import (
	"errors"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
	"github.com/BDNK1/flowgate/runtime/postprocess"
)

const (
	TemplatePostProcessing = "postProcessing"
	TemplateContext        = "context"
)

// Response is the outcome of ExecuteFlow. It is always well formed; failures
// are reported through IsSuccess, Error and ErrorCode.
type Response struct {
	IsSuccess     bool       `json:"isSuccess"`
	Template      string     `json:"template,omitempty"`
	Payload       any        `json:"payload,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorCode     string     `json:"errorCode,omitempty"`
	MissingFields []string   `json:"missingFields,omitempty"`
	Debug         *DebugInfo `json:"debug,omitempty"`
}

// DebugInfo always carries the trace id and elapsed time. The remaining
// sections are filled only when the flow's trace allow-list names them.
type DebugInfo struct {
	TraceID        string              `json:"traceId"`
	ElapsedMs      int64               `json:"elapsedMs"`
	Inputs         map[string]any      `json:"inputs,omitempty"`
	Datasets       *evalctx.Map        `json:"datasets,omitempty"`
	Derived        *evalctx.Map        `json:"derived,omitempty"`
	Context        *evalctx.Context    `json:"context,omitempty"`
	Templates      map[string]string   `json:"templates,omitempty"`
	PostProcessing *postprocess.Result `json:"postProcessing,omitempty"`
}

func (e *execution) debug() *DebugInfo {
	d := &DebugInfo{TraceID: e.ID, ElapsedMs: e.elapsed().Milliseconds()}
	if e.Flow == nil {
		return d
	}

	t := e.Flow.Audit.Trace
	if t.Includes("inputs") {
		d.Inputs = e.Inputs
	}
	if t.Includes("datasets") {
		d.Datasets = e.Datasets
	}
	if t.Includes("derived") {
		d.Derived = e.Derived
	}
	if t.Includes("context", "mappingContext") {
		d.Context = e.Context
	}
	if t.Includes("templates", "chosenTemplates") {
		d.Templates = e.Templates
	}
	if t.Includes("postProcessing", "payloads") {
		d.PostProcessing = e.Post
	}
	return d
}

func (e *execution) success() *Response {
	r := &Response{IsSuccess: true, MissingFields: e.Missing}
	if e.Post.Ran() {
		r.Template = TemplatePostProcessing
		r.Payload = e.Post.Payload()
	} else {
		r.Template = TemplateContext
		r.Payload = e.Context
	}
	r.Debug = e.debug()
	return r
}

func (e *execution) failure(err error) *Response {
	code := runtime.ErrorCodeInternal
	msg := err.Error()

	var fe *runtime.FlowError
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}

	return &Response{
		IsSuccess:     false,
		Error:         msg,
		ErrorCode:     string(code),
		MissingFields: e.Missing,
		Debug:         e.debug(),
	}
}

package postprocess

import (
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the outcome of one post-processing run.
type Result struct {
	IsSuccess       bool              `json:"isSuccess"`
	EndpointResults []*EndpointResult `json:"endpointResults"`
	TotalElapsedMs  int64             `json:"totalElapsedMs"`
	Errors          []string          `json:"errors"`

	// Context is the evaluation context after every successful endpoint
	// merged its mapped data.
	Context *evalctx.Context `json:"-"`
}

// EndpointResult records a single endpoint invocation.
type EndpointResult struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Status          string       `json:"status"`
	IsSuccess       bool         `json:"isSuccess"`
	TemplateUsed    string       `json:"templateUsed"`
	RequestPayload  any          `json:"requestPayload,omitempty"`
	ResponsePayload any          `json:"responsePayload,omitempty"`
	MappedData      *evalctx.Map `json:"mappedData,omitempty"`
	Error           string       `json:"error,omitempty"`
	Attempts        int          `json:"attempts"`
	ElapsedMs       int64        `json:"elapsedMs"`
}

// Ran reports whether at least one endpoint was invoked.
func (r *Result) Ran() bool {
	return r != nil && len(r.EndpointResults) > 0
}

// Payload returns the endpoint results keyed by endpoint id, in execution order.
func (r *Result) Payload() *evalctx.Map {
	m := evalctx.NewMap()
	if r == nil {
		return m
	}
	for _, er := range r.EndpointResults {
		m.Set(er.ID, er.summary())
	}
	return m
}

func (er *EndpointResult) summary() *evalctx.Map {
	s := evalctx.NewMap()
	s.Set("isSuccess", er.IsSuccess)
	s.Set("status", er.Status)
	s.Set("templateUsed", er.TemplateUsed)
	s.Set("response", evalctx.Normalize(er.ResponsePayload))
	if er.MappedData != nil {
		s.Set("mappedData", er.MappedData)
	}
	if er.Error != "" {
		s.Set("error", er.Error)
	}
	s.Set("attempts", int64(er.Attempts))
	s.Set("elapsedMs", er.ElapsedMs)
	return s
}

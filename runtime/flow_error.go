package runtime

import (
	"context"
	"errors"
	"fmt"
)

// FlowErrorType classifies error severity and retry behavior.
type FlowErrorType string

const (
	// ErrorTypeConfiguration signals a malformed flow definition or an input the flow cannot use.
	ErrorTypeConfiguration FlowErrorType = "configuration"
	// ErrorTypeTransient signals the operation can be retried.
	ErrorTypeTransient FlowErrorType = "transient"
	// ErrorTypePermanent signals the operation should not be retried.
	ErrorTypePermanent FlowErrorType = "permanent"
	// ErrorTypeTimeout signals the operation was cancelled by a deadline.
	ErrorTypeTimeout FlowErrorType = "timeout"
	// ErrorTypeNotFound signals a flow that is absent or failed to load.
	ErrorTypeNotFound FlowErrorType = "not_found"
)

// FlowErrorCode identifies known error codes surfaced to callers.
type FlowErrorCode string

const (
	ErrorCodeFlowNotFound     FlowErrorCode = "FLOW_NOT_FOUND"
	ErrorCodeInvalidInput     FlowErrorCode = "INVALID_INPUT"
	ErrorCodeInvalidConfig    FlowErrorCode = "INVALID_CONFIG"
	ErrorCodeDatasetFailed    FlowErrorCode = "DATASET_FAILED"
	ErrorCodeMissingFields    FlowErrorCode = "MISSING_FIELDS"
	ErrorCodeHTTPStatus       FlowErrorCode = "HTTP_STATUS"
	ErrorCodeHTTPTransport    FlowErrorCode = "HTTP_TRANSPORT"
	ErrorCodeQueryFailed      FlowErrorCode = "QUERY_FAILED"
	ErrorCodeEndpointFailed   FlowErrorCode = "ENDPOINT_FAILED"
	ErrorCodeContextCancelled FlowErrorCode = "CONTEXT_CANCELLED"
	ErrorCodeDeadlineExceeded FlowErrorCode = "DEADLINE_EXCEEDED"
	ErrorCodeInternal         FlowErrorCode = "INTERNAL"
)

// ErrFlowNotFound is matched by every FlowError of type not_found.
var ErrFlowNotFound = errors.New("flow not found")

// FlowError is the canonical error type propagated through a flow execution.
type FlowError struct {
	Type    FlowErrorType  `json:"type"`
	Code    FlowErrorCode  `json:"code"`
	Message string         `json:"message"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
	Retries int            `json:"retries,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (e *FlowError) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s", e.Type, e.Code, e.Message)
	if e.Step != "" {
		msg += fmt.Sprintf(" (step: %s)", e.Step)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrFlowNotFound) match not_found errors.
func (e *FlowError) Is(target error) bool {
	return target == ErrFlowNotFound && e.Type == ErrorTypeNotFound
}

// ToMap converts the error to a map suitable for embedding in a payload.
func (e *FlowError) ToMap() map[string]any {
	m := map[string]any{
		"type":    string(e.Type),
		"code":    string(e.Code),
		"message": e.Message,
	}
	if e.Step != "" {
		m["step"] = e.Step
	}
	if e.Retries > 0 {
		m["retries"] = e.Retries
	}
	return m
}

func ConfigError(step, format string, args ...any) *FlowError {
	return &FlowError{
		Type:    ErrorTypeConfiguration,
		Code:    ErrorCodeInvalidConfig,
		Message: fmt.Sprintf(format, args...),
		Step:    step,
	}
}

func TransientError(code FlowErrorCode, step string, cause error, format string, args ...any) *FlowError {
	return &FlowError{
		Type:    ErrorTypeTransient,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Step:    step,
		Cause:   cause,
	}
}

func NotFoundError(flowName string, cause error) *FlowError {
	return &FlowError{
		Type:    ErrorTypeNotFound,
		Code:    ErrorCodeFlowNotFound,
		Message: fmt.Sprintf("flow '%s' not found", flowName),
		Cause:   cause,
	}
}

// AsFlowError converts any error into a FlowError. Context errors map to
// timeout types; anything unrecognised becomes a permanent internal error.
func AsFlowError(err error, step string) *FlowError {
	if err == nil {
		return nil
	}

	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &FlowError{Type: ErrorTypeTimeout, Code: ErrorCodeDeadlineExceeded, Message: "deadline exceeded", Step: step, Cause: err}
	case errors.Is(err, context.Canceled):
		return &FlowError{Type: ErrorTypeTimeout, Code: ErrorCodeContextCancelled, Message: "context cancelled", Step: step, Cause: err}
	}

	return &FlowError{Type: ErrorTypePermanent, Code: ErrorCodeInternal, Message: err.Error(), Step: step, Cause: err}
}

// IsTransient reports whether err, or any error it wraps, is a transient FlowError.
func IsTransient(err error) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Type == ErrorTypeTransient
}

// IsConfiguration reports whether err is a configuration FlowError.
func IsConfiguration(err error) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Type == ErrorTypeConfiguration
}

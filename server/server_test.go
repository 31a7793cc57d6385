package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/metrics"
	"github.com/BDNK1/flowgate/runtime/orchestrator"
)

type stubOrchestrator struct {
	inputs  map[string]any
	cleared string
	listErr error
}

func (s *stubOrchestrator) ExecuteFlow(_ context.Context, name string, inputs map[string]any) *orchestrator.Response {
	s.inputs = inputs
	switch name {
	case "credit":
		return &orchestrator.Response{IsSuccess: true, Template: orchestrator.TemplateContext, Payload: map[string]any{"ok": true}}
	case "broken":
		return &orchestrator.Response{Error: "missing required inputs: dni", ErrorCode: string(runtime.ErrorCodeInvalidInput)}
	}
	return &orchestrator.Response{Error: "flow '" + name + "' not found", ErrorCode: string(runtime.ErrorCodeFlowNotFound)}
}

func (s *stubOrchestrator) GetFlowConfig(_ context.Context, name string) *runtime.FlowConfig {
	if name == "credit" {
		return &runtime.FlowConfig{Name: "credit", Inputs: []string{"dni"}}
	}
	return nil
}

func (s *stubOrchestrator) ListFlows() ([]string, error) {
	return []string{"credit", "onboarding"}, s.listErr
}

func (s *stubOrchestrator) ClearCache(_ context.Context, key string) error {
	s.cleared = key
	return nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, orch Orchestrator) *gin.Engine {
	t.Helper()
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg)
	require.NoError(t, err)
	return New(orch, reg, runtime.DiscardLogger()).Handler()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestBuildPayload(t *testing.T) {
	tests := []struct {
		name   string
		flow   string
		body   string
		status int
		code   string
	}{
		{"success", "credit", `{"inputData": {"dni": "123", "amount": 7000}}`, http.StatusOK, ""},
		{"flow not found", "missing", `{"inputData": {}}`, http.StatusNotFound, "FLOW_NOT_FOUND"},
		{"flow failure", "broken", `{"inputData": {}}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"malformed body", "credit", `{"inputData": `, http.StatusBadRequest, "INVALID_INPUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &stubOrchestrator{})
			w := do(h, http.MethodPost, "/api/orchestrator/build-payload/"+tt.flow, tt.body)
			assert.Equal(t, tt.status, w.Code)

			var resp map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			if tt.code == "" {
				assert.Equal(t, true, resp["isSuccess"])
			} else {
				assert.Equal(t, tt.code, resp["errorCode"])
			}
		})
	}
}

func TestBuildPayload_KeepsIntegerInputs(t *testing.T) {
	orch := &stubOrchestrator{}
	h := newTestServer(t, orch)

	w := do(h, http.MethodPost, "/api/orchestrator/build-payload/credit", `{"inputData": {"amount": 7000}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, json.Number("7000"), orch.inputs["amount"])
}

func TestFlowEndpoints(t *testing.T) {
	orch := &stubOrchestrator{}
	h := newTestServer(t, orch)

	w := do(h, http.MethodGet, "/api/orchestrator/flows", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"flows": ["credit", "onboarding"]}`, w.Body.String())

	w = do(h, http.MethodGet, "/api/orchestrator/flows/credit/config", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"credit"`)

	w = do(h, http.MethodGet, "/api/orchestrator/flows/nope/config", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(h, http.MethodDelete, "/api/orchestrator/cache/customer:123", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "customer:123", orch.cleared)
}

func TestListFlows_Error(t *testing.T) {
	h := newTestServer(t, &stubOrchestrator{listErr: errors.New("disk gone")})

	w := do(h, http.MethodGet, "/api/orchestrator/flows", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "disk gone")
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t, &stubOrchestrator{})

	w := do(h, http.MethodGet, "/api/orchestrator/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	w = do(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRun_StopsWithContext(t *testing.T) {
	s := New(&stubOrchestrator{}, nil, runtime.DiscardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx, "127.0.0.1:0"))
}

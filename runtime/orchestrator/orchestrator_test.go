package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpplugin "github.com/BDNK1/flowgate/plugins/http"
	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/cache"
	"github.com/BDNK1/flowgate/runtime/evalctx"
	"github.com/BDNK1/flowgate/runtime/filesource"
	"github.com/BDNK1/flowgate/runtime/flowstore"
	"github.com/BDNK1/flowgate/runtime/metrics"
	"github.com/BDNK1/flowgate/runtime/postprocess"
	"github.com/BDNK1/flowgate/runtime/template"
)

const creditFlow = `{
  "name": "credit",
  "inputs": ["dni"],
  "settings": {"failFast": %FAILFAST%},
  "datasets": [
    {
      "name": "customer",
      "type": "sql",
      "database": "primary",
      "from": "customers",
      "where": [{"field": "dni", "op": "=", "valueFrom": "dni"}],
      "result": {"mode": "single"},
      "cache": {"enabled": true, "ttlSec": 60, "key": "customer:{dni}"}
    },
    {
      "name": "loans",
      "type": "rawSql",
      "sql": "SELECT amount FROM loans WHERE dni = @dni",
      "params": {"dni": "{dni}"}
    }
  ],
  "mapping": {"applicant.name": "customer.name", "applicant.age": "customer.age"},
  "collections": {"loans": {"from": "loans"}},
  "derived": {
    "totalDebt": {"sumCollectionField": {"collection": "loans", "field": "amount"}},
    "isAdult": {"expr": "applicant.age >= 18"}
  },
  "templates": {
    "decision": {
      "default": "decision/default.json",
      "rules": [{"if": [{"path": "totalDebt", "op": ">", "value": 1000}], "template": "decision/high.json"}]
    }
  },
  "audit": {"trace": {"enabled": true, "fields": ["inputs", "derived", "chosenTemplates"]}}
  %POST%
}`

const highTemplate = `{
  "_meta": {"required": ["applicant.name"]},
  "level": "high",
  "name": "{{ applicant.name }}",
  "debt": {{ totalDebt }}
}`

const defaultTemplate = `{"level": "default", "name": "{{ applicant.name }}"}`

type datasetFunc func(ctx context.Context, ds *runtime.DatasetConfig, inputs any) (any, error)

func (f datasetFunc) Execute(ctx context.Context, ds *runtime.DatasetConfig, inputs any) (any, error) {
	return f(ctx, ds, inputs)
}

// stubDatasets answers sql datasets by name and counts the calls.
type stubDatasets struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string]func() (any, error)
}

func (s *stubDatasets) Execute(_ context.Context, ds *runtime.DatasetConfig, _ any) (any, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[ds.Name]++
	fn := s.results[ds.Name]
	s.mu.Unlock()

	if fn == nil {
		return nil, errors.New("no result for " + ds.Name)
	}
	return fn()
}

func (s *stubDatasets) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func creditDatasets() *stubDatasets {
	return &stubDatasets{results: map[string]func() (any, error){
		"customer": func() (any, error) {
			return evalctx.Normalize(map[string]any{"name": "Ana", "age": 30}), nil
		},
		"loans": func() (any, error) {
			return evalctx.Normalize([]any{
				map[string]any{"amount": 600},
				map[string]any{"amount": 700},
			}), nil
		},
	}}
}

type fixture struct {
	orch     *Orchestrator
	sql      *stubDatasets
	cache    *cache.Cache
	registry *prometheus.Registry
	flows    string
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func creditDefinition(failFast bool, post string) string {
	ff := "false"
	if failFast {
		ff = "true"
	}
	if post != "" {
		post = `, "postProcessing": ` + post
	}
	return strings.NewReplacer("%FAILFAST%", ff, "%POST%", post).Replace(creditFlow)
}

func newFixture(t *testing.T, definition string, datasets *stubDatasets) *fixture {
	t.Helper()
	l := runtime.DiscardLogger()

	flowsDir := t.TempDir()
	templatesDir := t.TempDir()
	writeFile(t, flowsDir, "flow-credit.json", definition)
	writeFile(t, templatesDir, "decision/high.json", highTemplate)
	writeFile(t, templatesDir, "decision/default.json", defaultTemplate)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	c, err := cache.New(context.Background(), cache.Options{Observer: m}, l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	selector := template.NewSelector(l)
	renderer := template.NewRenderer(filesource.NewDir(templatesDir, l), time.Minute, l)
	httpExec := httpplugin.NewExecutor(runtime.HTTPClientSettings{Timeout: 5 * time.Second}, nil, l)

	orch := New(Options{
		Flows:          flowstore.New(filesource.NewDir(flowsDir, l), time.Minute, l),
		SQL:            datasets,
		HTTP:           httpExec,
		Cache:          c,
		Selector:       selector,
		Renderer:       renderer,
		PostProcessing: postprocess.New(httpExec, selector, renderer, m, l),
		Metrics:        m,
	}, l)

	return &fixture{orch: orch, sql: datasets, cache: c, registry: reg, flows: flowsDir}
}

func contextValue(t *testing.T, resp *Response, path string) any {
	t.Helper()
	ec, ok := resp.Payload.(*evalctx.Context)
	require.True(t, ok, "payload is %T", resp.Payload)
	return ec.Get(path)
}

func TestExecuteFlow_BuildsContext(t *testing.T) {
	f := newFixture(t, creditDefinition(false, ""), creditDatasets())

	resp := f.orch.ExecuteFlow(context.Background(), "credit", map[string]any{"dni": "12345678"})
	require.True(t, resp.IsSuccess, resp.Error)

	assert.Equal(t, TemplateContext, resp.Template)
	assert.Empty(t, resp.MissingFields)
	assert.Equal(t, "Ana", contextValue(t, resp, "applicant.name"))
	assert.Equal(t, 1300.0, contextValue(t, resp, "totalDebt"))
	assert.Equal(t, true, contextValue(t, resp, "isAdult"))
	assert.Equal(t, "high", contextValue(t, resp, "templates.decision.level"))
	assert.Equal(t, "Ana", contextValue(t, resp, "templates.decision.name"))
	assert.Equal(t, int64(700), contextValue(t, resp, "datasets.loans[1].amount"))

	require.NotNil(t, resp.Debug)
	assert.NotEmpty(t, resp.Debug.TraceID)
	assert.Equal(t, "12345678", resp.Debug.Inputs["dni"])
	assert.Equal(t, map[string]string{"decision": "decision/high.json"}, resp.Debug.Templates)
	assert.NotNil(t, resp.Debug.Derived)
	assert.Nil(t, resp.Debug.Datasets, "datasets are not in the allow-list")
	assert.Nil(t, resp.Debug.Context)

	n, err := testutil.GatherAndCount(f.registry, "orchestrator_flow_executions_total", "orchestrator_template_renderings_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestExecuteFlow_FlowNotFound(t *testing.T) {
	f := newFixture(t, creditDefinition(false, ""), creditDatasets())

	resp := f.orch.ExecuteFlow(context.Background(), "unknown", map[string]any{"dni": "1"})
	assert.False(t, resp.IsSuccess)
	assert.Equal(t, string(runtime.ErrorCodeFlowNotFound), resp.ErrorCode)
	assert.Contains(t, resp.Error, "unknown")
	require.NotNil(t, resp.Debug)
	assert.NotEmpty(t, resp.Debug.TraceID)
}

func TestExecuteFlow_MissingInputs(t *testing.T) {
	f := newFixture(t, creditDefinition(false, ""), creditDatasets())

	resp := f.orch.ExecuteFlow(context.Background(), "credit", map[string]any{"dni": "  "})
	assert.False(t, resp.IsSuccess)
	assert.Equal(t, string(runtime.ErrorCodeInvalidInput), resp.ErrorCode)
	assert.Equal(t, []string{"dni"}, resp.MissingFields)
	assert.Zero(t, f.sql.count("customer"), "datasets must not run")
}

func TestExecuteFlow_DatasetFailure(t *testing.T) {
	failingLoans := func() *stubDatasets {
		ds := creditDatasets()
		ds.results["loans"] = func() (any, error) { return nil, errors.New("connection refused") }
		return ds
	}

	t.Run("continue records a marker", func(t *testing.T) {
		f := newFixture(t, creditDefinition(false, ""), failingLoans())

		resp := f.orch.ExecuteFlow(context.Background(), "credit", map[string]any{"dni": "12345678"})
		require.True(t, resp.IsSuccess, resp.Error)
		assert.Equal(t, "connection refused", contextValue(t, resp, "datasets.loans.error"))
		assert.Equal(t, 0.0, contextValue(t, resp, "totalDebt"))
		assert.Equal(t, "default", contextValue(t, resp, "templates.decision.level"))
	})

	t.Run("failFast stops the run", func(t *testing.T) {
		f := newFixture(t, creditDefinition(true, ""), failingLoans())

		resp := f.orch.ExecuteFlow(context.Background(), "credit", map[string]any{"dni": "12345678"})
		assert.False(t, resp.IsSuccess)
		assert.Equal(t, string(runtime.ErrorCodeDatasetFailed), resp.ErrorCode)
		assert.Contains(t, resp.Error, "dataset 'loans' failed: connection refused")
	})
}

func TestExecuteFlow_MissingTemplateFields(t *testing.T) {
	nameless := func() *stubDatasets {
		ds := creditDatasets()
		ds.results["customer"] = func() (any, error) {
			return evalctx.Normalize(map[string]any{"name": "", "age": 30}), nil
		}
		return ds
	}

	t.Run("reported without failFast", func(t *testing.T) {
		f := newFixture(t, creditDefinition(false, ""), nameless())

		resp := f.orch.ExecuteFlow(context.Background(), "credit", map[string]any{"dni": "12345678"})
		require.True(t, resp.IsSuccess, resp.Error)
		assert.Equal(t, []string{"applicant.name"}, resp.MissingFields)
	})

	t.Run("fails with failFast", func(t *testing.T) {
		f := newFixture(t, creditDefinition(true, ""), nameless())

		resp := f.orch.ExecuteFlow(context.Background(), "credit", map[string]any{"dni": "12345678"})
		assert.False(t, resp.IsSuccess)
		assert.Equal(t, string(runtime.ErrorCodeMissingFields), resp.ErrorCode)
		assert.Equal(t, []string{"applicant.name"}, resp.MissingFields)
	})
}

func TestExecuteFlow_DatasetCache(t *testing.T) {
	f := newFixture(t, creditDefinition(false, ""), creditDatasets())
	inputs := map[string]any{"dni": "12345678"}

	first := f.orch.ExecuteFlow(context.Background(), "credit", inputs)
	second := f.orch.ExecuteFlow(context.Background(), "credit", inputs)
	require.True(t, first.IsSuccess, first.Error)
	require.True(t, second.IsSuccess, second.Error)

	assert.Equal(t, 1, f.sql.count("customer"), "second run served from cache")
	assert.Equal(t, 2, f.sql.count("loans"), "loans are not cached")
	assert.Equal(t, "Ana", contextValue(t, second, "applicant.name"))

	require.NoError(t, f.orch.ClearCache(context.Background(), "customer:12345678"))
	assert.False(t, f.cache.Exists(context.Background(), "customer:12345678"))

	f.orch.ExecuteFlow(context.Background(), "credit", inputs)
	assert.Equal(t, 2, f.sql.count("customer"))
}

func TestExecuteFlow_PostProcessing(t *testing.T) {
	var (
		mu       sync.Mutex
		received map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(body, &received)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "D-1", "status": "stored"}`))
	}))
	defer srv.Close()

	post := `{
      "executionMode": "sequential",
      "endpoints": [{
        "id": "store",
        "endpoint": {"type": "decision", "http": {"method": "POST", "url": "` + srv.URL + `/decisions/{{dni}}"}},
        "payload": {"useTemplateResult": true, "templateSource": "decision", "additionalData": {"channel": "web"}},
        "responseMapping": {"decision.id": "id"}
      }]
    }`
	f := newFixture(t, creditDefinition(false, post), creditDatasets())

	resp := f.orch.ExecuteFlow(context.Background(), "credit", map[string]any{"dni": "12345678"})
	require.True(t, resp.IsSuccess, resp.Error)
	assert.Equal(t, TemplatePostProcessing, resp.Template)

	payload, ok := resp.Payload.(*evalctx.Map)
	require.True(t, ok, "payload is %T", resp.Payload)
	assert.Equal(t, true, evalctx.Resolve(payload, "store.isSuccess"))
	assert.Equal(t, "D-1", evalctx.Resolve(payload, "store.response.id"))
	mapped, ok := evalctx.Resolve(payload, "store.mappedData").(*evalctx.Map)
	require.True(t, ok)
	id, _ := mapped.Get("decision.id")
	assert.Equal(t, "D-1", id)

	mu.Lock()
	assert.Equal(t, "high", received["level"])
	assert.Equal(t, "web", received["channel"])
	mu.Unlock()

	n, err := testutil.GatherAndCount(f.registry, "orchestrator_endpoint_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecuteFlow_PanicIsInternal(t *testing.T) {
	l := runtime.DiscardLogger()
	orch := New(Options{Flows: panickingLoader{}}, l)

	resp := orch.ExecuteFlow(context.Background(), "credit", nil)
	require.NotNil(t, resp)
	assert.False(t, resp.IsSuccess)
	assert.Equal(t, string(runtime.ErrorCodeInternal), resp.ErrorCode)
	assert.Contains(t, resp.Error, "boom")
}

func TestExecuteFlow_DatasetPanicIsIsolated(t *testing.T) {
	ds := creditDatasets()
	ds.results["loans"] = func() (any, error) { panic("driver bug") }
	f := newFixture(t, creditDefinition(false, ""), ds)

	resp := f.orch.ExecuteFlow(context.Background(), "credit", map[string]any{"dni": "12345678"})
	require.True(t, resp.IsSuccess, resp.Error)
	assert.Contains(t, contextValue(t, resp, "datasets.loans.error"), "driver bug")
	assert.Equal(t, "Ana", contextValue(t, resp, "applicant.name"))
}

func TestExecuteFlow_UnsupportedDatasetType(t *testing.T) {
	o := &Orchestrator{l: runtime.DiscardLogger(), sql: datasetFunc(func(context.Context, *runtime.DatasetConfig, any) (any, error) {
		return nil, nil
	})}
	exec := newExecution(context.Background(), map[string]any{})
	exec.Flow = &runtime.FlowConfig{Name: "f"}

	out := o.executeDataset(exec, &runtime.DatasetConfig{Name: "x", Type: "ftp"}, evalctx.New())
	require.Error(t, out.err)
	assert.True(t, runtime.IsConfiguration(out.err))
}

func TestGetFlowConfigAndList(t *testing.T) {
	f := newFixture(t, creditDefinition(false, ""), creditDatasets())
	writeFile(t, f.flows, "flow-onboarding.yaml", "name: onboarding\n")

	flow := f.orch.GetFlowConfig(context.Background(), "credit")
	require.NotNil(t, flow)
	assert.Equal(t, "credit", flow.Name)
	assert.Len(t, flow.Datasets, 2)

	assert.Nil(t, f.orch.GetFlowConfig(context.Background(), "missing"))
	assert.Nil(t, f.orch.GetFlowConfig(context.Background(), "onboarding"), "invalid definitions are not served")

	names, err := f.orch.ListFlows()
	require.NoError(t, err)
	assert.Equal(t, []string{"credit", "onboarding"}, names)
}

func TestClearCache_NoCache(t *testing.T) {
	orch := New(Options{}, runtime.DiscardLogger())
	assert.NoError(t, orch.ClearCache(context.Background(), "anything"))
}

type panickingLoader struct{}

func (panickingLoader) Load(context.Context, string) (*runtime.FlowConfig, error) {
	panic("boom")
}

func (panickingLoader) List() ([]string, error) {
	return nil, nil
}

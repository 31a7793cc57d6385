package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

const scoreFlow = `name: score
inputs: [dni]
datasets:
  - name: bureau
    type: http
    result: {mode: single}
    cache: {enabled: true, ttlSec: 30, key: "bureau:{dni}"}
    http:
      url: "%s/score/{{dni}}"
      resultPath: data
templates:
  summary:
    default: summary.json
mapping:
  score: bureau.score
`

func testSettings(t *testing.T, serverURL string) *runtime.Settings {
	t.Helper()
	s, err := runtime.DefaultSettings()
	require.NoError(t, err)

	s.FlowsPath = t.TempDir()
	s.TemplatesPath = t.TempDir()
	s.Redis.Enabled = false

	flow := []byte(fmt.Sprintf(scoreFlow, serverURL))
	require.NoError(t, os.WriteFile(filepath.Join(s.FlowsPath, "flow-score.yaml"), flow, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.TemplatesPath, "summary.json"), []byte(`{"score": {{ score }}}`), 0o644))
	return s
}

func bureauServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	calls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": {"score": 710}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func TestApp_ExecutesFlow(t *testing.T) {
	srv, calls := bureauServer(t)
	a, err := New(context.Background(), testSettings(t, srv.URL), runtime.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	resp := a.Orchestrator.ExecuteFlow(context.Background(), "score", map[string]any{"dni": "12345678"})
	require.True(t, resp.IsSuccess, resp.Error)

	ec, ok := resp.Payload.(*evalctx.Context)
	require.True(t, ok)
	assert.Equal(t, int64(710), ec.Get("score"))
	assert.Equal(t, int64(710), ec.Get("templates.summary.score"))

	a.Orchestrator.ExecuteFlow(context.Background(), "score", map[string]any{"dni": "12345678"})
	assert.Equal(t, int32(1), calls.Load(), "second run served from cache")

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "orchestrator_flow_executions_total")
	assert.Contains(t, names, "go_goroutines")
}

func TestApp_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	srv, calls := bureauServer(t)

	s := testSettings(t, srv.URL)
	s.Redis.Enabled = true
	s.Redis.Addr = mr.Addr()

	a, err := New(context.Background(), s, runtime.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.True(t, a.cache.Distributed())

	resp := a.Orchestrator.ExecuteFlow(context.Background(), "score", map[string]any{"dni": "12345678"})
	require.True(t, resp.IsSuccess, resp.Error)
	assert.True(t, mr.Exists("bureau:12345678"))

	require.NoError(t, a.Orchestrator.ClearCache(context.Background(), "bureau:12345678"))
	assert.False(t, mr.Exists("bureau:12345678"))

	a.Orchestrator.ExecuteFlow(context.Background(), "score", map[string]any{"dni": "12345678"})
	assert.Equal(t, int32(2), calls.Load())
}

func TestApp_UnreachableRedisFallsBack(t *testing.T) {
	srv, _ := bureauServer(t)
	s := testSettings(t, srv.URL)
	s.Redis.Enabled = true
	s.Redis.Addr = "127.0.0.1:1"

	a, err := New(context.Background(), s, runtime.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.False(t, a.cache.Distributed())
}

func TestApp_WatchStopsWithContext(t *testing.T) {
	srv, _ := bureauServer(t)
	a, err := New(context.Background(), testSettings(t, srv.URL), runtime.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.Watch(ctx))
}

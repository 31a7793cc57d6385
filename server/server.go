// Package server exposes the orchestrator over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/orchestrator"
)

const basePath = "/api/orchestrator"

// Orchestrator is the subset of *orchestrator.Orchestrator the handlers use.
type Orchestrator interface {
	ExecuteFlow(ctx context.Context, name string, inputs map[string]any) *orchestrator.Response
	GetFlowConfig(ctx context.Context, name string) *runtime.FlowConfig
	ListFlows() ([]string, error)
	ClearCache(ctx context.Context, key string) error
}

type BuildPayloadRequest struct {
	InputData map[string]any `json:"inputData"`
}

type Server struct {
	orch     Orchestrator
	gatherer prometheus.Gatherer
	l        *slog.Logger
}

func New(orch Orchestrator, gatherer prometheus.Gatherer, l *slog.Logger) *Server {
	return &Server{orch: orch, gatherer: gatherer, l: l}
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), s.requestLogger())

	api := g.Group(basePath)
	api.POST("/build-payload/:flow", s.buildPayload)
	api.GET("/flows", s.listFlows)
	api.GET("/flows/:flow/config", s.flowConfig)
	api.DELETE("/cache/:key", s.clearCache)
	api.GET("/health", s.health)

	if s.gatherer != nil {
		g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})))
	}
	return g
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.l.Info("Listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.l.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) buildPayload(c *gin.Context) {
	flow := c.Param("flow")

	var req BuildPayloadRequest
	if body, err := c.GetRawData(); err != nil || decodeJSON(body, &req) != nil {
		s.l.WarnContext(c, "Invalid build-payload request body", "flow", flow)
		c.JSON(http.StatusBadRequest, &orchestrator.Response{
			Error:     "request body must be a JSON object with inputData",
			ErrorCode: string(runtime.ErrorCodeInvalidInput),
		})
		return
	}

	resp := s.orch.ExecuteFlow(c.Request.Context(), flow, req.InputData)
	switch {
	case resp.IsSuccess:
		c.JSON(http.StatusOK, resp)
	case resp.ErrorCode == string(runtime.ErrorCodeFlowNotFound):
		c.JSON(http.StatusNotFound, resp)
	default:
		c.JSON(http.StatusBadRequest, resp)
	}
}

func (s *Server) listFlows(c *gin.Context) {
	flows, err := s.orch.ListFlows()
	if err != nil {
		s.l.ErrorContext(c, "Failed to list flows", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error listing flows: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flows": flows})
}

func (s *Server) flowConfig(c *gin.Context) {
	flow := c.Param("flow")
	cfg := s.orch.GetFlowConfig(c.Request.Context(), flow)
	if cfg == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Flow '" + flow + "' not found"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) clearCache(c *gin.Context) {
	key := c.Param("key")
	if err := s.orch.ClearCache(c.Request.Context(), key); err != nil {
		s.l.ErrorContext(c, "Failed to clear cache", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error clearing cache: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cache entry removed"})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.l.InfoContext(c, "HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed_ms", time.Since(start).Milliseconds())
	}
}

// decodeJSON keeps numbers as json.Number so integers survive into the
// evaluation context unchanged.
func decodeJSON(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

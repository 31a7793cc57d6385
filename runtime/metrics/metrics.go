// Package metrics exposes Prometheus instruments for flow runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orchestrator"

// Metrics holds every instrument recorded by the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	flowExecutions     *prometheus.CounterVec   // flow, status
	flowDuration       *prometheus.HistogramVec // flow, status
	datasetExecutions  *prometheus.CounterVec   // dataset, type, status
	datasetDuration    *prometheus.HistogramVec // dataset, type
	templateRenderings *prometheus.CounterVec   // template, status
	templateDuration   *prometheus.HistogramVec // template
	cacheHits          *prometheus.CounterVec   // layer
	cacheMisses        *prometheus.CounterVec   // layer
	payloadSize        *prometheus.HistogramVec // flow
	endpointExecutions *prometheus.CounterVec   // endpoint, type, status
	endpointDuration   *prometheus.HistogramVec // endpoint, status
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		flowExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_executions_total",
			Help:      "Total number of flow executions",
		}, []string{"flow", "status"}),

		flowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_execution_duration_seconds",
			Help:      "Flow execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"flow", "status"}),

		datasetExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dataset_executions_total",
			Help:      "Total number of dataset executions",
		}, []string{"dataset", "type", "status"}),

		datasetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dataset_execution_duration_seconds",
			Help:      "Dataset execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dataset", "type"}),

		templateRenderings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "template_renderings_total",
			Help:      "Total number of template renderings",
		}, []string{"template", "status"}),

		templateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "template_rendering_duration_seconds",
			Help:      "Template rendering duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"template"}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of dataset cache hits",
		}, []string{"layer"}),

		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of dataset cache misses",
		}, []string{"layer"}),

		payloadSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payload_size_bytes",
			Help:      "Size of response payloads in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"flow"}),

		endpointExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_executions_total",
			Help:      "Total number of post-processing endpoint executions",
		}, []string{"endpoint", "type", "status"}),

		endpointDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "endpoint_execution_duration_seconds",
			Help:      "Post-processing endpoint duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "status"}),
	}

	for _, c := range []prometheus.Collector{
		m.flowExecutions, m.flowDuration,
		m.datasetExecutions, m.datasetDuration,
		m.templateRenderings, m.templateDuration,
		m.cacheHits, m.cacheMisses,
		m.payloadSize,
		m.endpointExecutions, m.endpointDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) FlowExecuted(flow, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.flowExecutions.WithLabelValues(flow, status).Inc()
	m.flowDuration.WithLabelValues(flow, status).Observe(elapsed.Seconds())
}

func (m *Metrics) DatasetExecuted(dataset, datasetType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.datasetExecutions.WithLabelValues(dataset, datasetType, status).Inc()
	m.datasetDuration.WithLabelValues(dataset, datasetType).Observe(elapsed.Seconds())
}

func (m *Metrics) TemplateRendered(template, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.templateRenderings.WithLabelValues(template, status).Inc()
	m.templateDuration.WithLabelValues(template).Observe(elapsed.Seconds())
}

// CacheHit and CacheMiss satisfy cache.Observer.
func (m *Metrics) CacheHit(layer string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(layer).Inc()
}

func (m *Metrics) CacheMiss(layer string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(layer).Inc()
}

func (m *Metrics) PayloadSize(flow string, bytes int) {
	if m == nil {
		return
	}
	m.payloadSize.WithLabelValues(flow).Observe(float64(bytes))
}

// EndpointExecuted satisfies postprocess.Observer.
func (m *Metrics) EndpointExecuted(endpoint, endpointType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.endpointExecutions.WithLabelValues(endpoint, endpointType, status).Inc()
	m.endpointDuration.WithLabelValues(endpoint, status).Observe(elapsed.Seconds())
}

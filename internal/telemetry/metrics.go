// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeranaias/openyap/internal/model"
)

const namespace = "openyap"

// =============================================================================
// METRICS
// =============================================================================

// Metrics holds the Prometheus collectors and the in-process Stats. It
// implements chat.Observer.
type Metrics struct {
	registry *prometheus.Registry
	stats    *Stats

	active       prometheus.Gauge
	generations  *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	costMicros   *prometheus.CounterVec
	flushes      *prometheus.CounterVec
	firstToken   *prometheus.HistogramVec
	genDuration  *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates Metrics on a private registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stats:    NewStats(),

		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations_active",
			Help:      "Generations currently streaming.",
		}),
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Finished generations by model and final status.",
		}, []string{"model", "status"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by model and kind (prompt, completion, reasoning).",
		}, []string{"model", "kind"}),
		costMicros: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_micro_usd_total",
			Help:      "Estimated spend in millionths of a US dollar.",
		}, []string{"model"}),
		flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_flushes_total",
			Help:      "Incremental message writes by result.",
		}, []string{"result"}),
		firstToken: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Latency from request to the first streamed token.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"model"}),
		genDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall time of a generation from start to finalisation.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"model", "status"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Stats returns the in-process counters.
func (m *Metrics) Stats() *Stats { return m.stats }

// =============================================================================
// GENERATION OBSERVER
// =============================================================================

// GenerationStarted records a generation entering the pipeline.
func (m *Metrics) GenerationStarted(modelID string) {
	m.active.Inc()
	m.stats.started()
}

// FirstToken records time to first token.
func (m *Metrics) FirstToken(modelID string, latency time.Duration) {
	m.firstToken.WithLabelValues(modelID).Observe(latency.Seconds())
}

// Flushed records an incremental write.
func (m *Metrics) Flushed(modelID string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.flushes.WithLabelValues(result).Inc()
}

// GenerationFinished records the outcome and usage of a generation.
func (m *Metrics) GenerationFinished(modelID string, status model.MessageStatus, usage model.Usage, elapsed time.Duration) {
	m.active.Dec()
	m.generations.WithLabelValues(modelID, string(status)).Inc()
	m.genDuration.WithLabelValues(modelID, string(status)).Observe(elapsed.Seconds())

	if usage.PromptTokens > 0 {
		m.tokens.WithLabelValues(modelID, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		m.tokens.WithLabelValues(modelID, "completion").Add(float64(usage.CompletionTokens))
	}
	if usage.ReasoningTokens > 0 {
		m.tokens.WithLabelValues(modelID, "reasoning").Add(float64(usage.ReasoningTokens))
	}
	if usage.CostMicros > 0 {
		m.costMicros.WithLabelValues(modelID).Add(float64(usage.CostMicros))
	}
	m.stats.finished(modelID, status, usage)
}

// =============================================================================
// HTTP
// =============================================================================

// ObserveHTTP records one HTTP request. route is the router pattern, not
// the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// Package observability exposes Prometheus metrics for the query path.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for routing, retrieval and model calls.
type Metrics struct {
	routeDecisions    *prometheus.CounterVec
	retrievalDuration *prometheus.HistogramVec
	llmCalls          *prometheus.CounterVec
	llmTokens         *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		routeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doclens_route_decisions_total",
			Help: "Routing decisions by selected path and escalation reason.",
		}, []string{"path", "reason"}),
		retrievalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doclens_retrieval_duration_seconds",
			Help:    "Retrieval pass duration by kind (probe, short, step).",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doclens_llm_calls_total",
			Help: "Model calls by outcome.",
		}, []string{"outcome"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doclens_llm_tokens_total",
			Help: "Model tokens by direction (prompt, completion).",
		}, []string{"direction"}),
	}

	reg.MustRegister(m.routeDecisions, m.retrievalDuration, m.llmCalls, m.llmTokens)
	return m
}

// RecordRoute counts one routing decision. reason is empty for the
// short path and recorded as "none".
func (m *Metrics) RecordRoute(path, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.routeDecisions.WithLabelValues(path, reason).Inc()
}

// ObserveRetrieval records one retrieval pass duration.
func (m *Metrics) ObserveRetrieval(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.retrievalDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordLLMCall counts one model call with outcome "ok" or "error".
func (m *Metrics) RecordLLMCall(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.llmCalls.WithLabelValues(outcome).Inc()
}

// AddTokens accumulates token usage.
func (m *Metrics) AddTokens(prompt, completion int) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.llmTokens.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.llmTokens.WithLabelValues("completion").Add(float64(completion))
	}
}

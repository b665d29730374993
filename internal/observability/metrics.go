// Package observability exposes the fleet's prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the gauges and counters the runtime updates. Construct one
// per process with a dedicated registry so tests can run in parallel.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsQueued  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	TurnsTotal      prometheus.Counter
	LLMCallsTotal   prometheus.Counter
	LimiterTokens   prometheus.Gauge
	LimiterWaiting  prometheus.Gauge
	ConnectFailures prometheus.Counter
}

// New builds the metric set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bbsfleet_sessions_active",
			Help: "Sessions currently connected or connecting.",
		}),
		SessionsQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bbsfleet_sessions_queued",
			Help: "Due sessions waiting for a pool slot.",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bbsfleet_sessions_total",
			Help: "Completed sessions by final status.",
		}, []string{"status"}),
		TurnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bbsfleet_turns_total",
			Help: "Screen-to-action turns executed across all sessions.",
		}),
		LLMCallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bbsfleet_llm_calls_total",
			Help: "Completion requests issued to the model.",
		}),
		LimiterTokens: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bbsfleet_limiter_tokens",
			Help: "Tokens currently available in the LLM rate limiter.",
		}),
		LimiterWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bbsfleet_limiter_waiting",
			Help: "Callers blocked on the LLM rate limiter.",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "bbsfleet_connect_failures_total",
			Help: "Board connections that failed to establish.",
		}),
	}
}

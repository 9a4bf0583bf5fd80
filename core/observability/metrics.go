// Package observability holds the Prometheus metrics and OpenTelemetry
// tracing helpers shared across every core/* component. The metric-vector
// layout is adapted from the teacher's internal/metrics.Collector, narrowed
// from its HTTP/Agent/DB superset down to the counters and histograms the
// routing core actually emits: decisions, attempts, breaker transitions,
// capacity status and cache hit rate.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Metrics is the Core's Prometheus surface.
type Metrics struct {
	routingDecisionsTotal *prometheus.CounterVec
	routeUnavailableTotal *prometheus.CounterVec

	attemptsTotal    *prometheus.CounterVec
	attemptLatency   *prometheus.HistogramVec
	attemptCostUSD   *prometheus.CounterVec
	attemptTokens    *prometheus.CounterVec

	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	capacityStatus *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	compactionsTotal     *prometheus.CounterVec
	compactionTokensSaved *prometheus.CounterVec

	costAlertsTotal *prometheus.CounterVec
}

// NewMetrics registers the Core's metric vectors under namespace.
func NewMetrics(namespace string, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Metrics{
		routingDecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "routing_decisions_total",
			Help: "Total number of routing decisions made, by workload and chosen endpoint.",
		}, []string{"workload", "endpoint"}),

		routeUnavailableTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "route_unavailable_total",
			Help: "Total number of requests for which no endpoint in a workload's chain was admissible.",
		}, []string{"workload"}),

		attemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "attempts_total",
			Help: "Total number of upstream call attempts, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),

		attemptLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "attempt_latency_seconds",
			Help:    "Upstream call latency in seconds, by endpoint.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"endpoint"}),

		attemptCostUSD: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "attempt_cost_usd_total",
			Help: "Total realized cost in USD, by provider.",
		}, []string{"provider"}),

		attemptTokens: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "attempt_tokens_total",
			Help: "Total tokens consumed, by endpoint and direction (input/output).",
		}, []string{"endpoint", "direction"}),

		breakerTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "breaker_transitions_total",
			Help: "Total circuit breaker state transitions, by endpoint and target state.",
		}, []string{"endpoint", "to_state"}),

		breakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "breaker_state",
			Help: "Current breaker state per endpoint: 0=Closed, 1=Open, 2=HalfOpen.",
		}, []string{"endpoint"}),

		capacityStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "capacity_status",
			Help: "Current capacity status per endpoint: 0=Available..4=Cooldown.",
		}, []string{"endpoint"}),

		cacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Total response cache hits.",
		}, []string{"tier"}),

		cacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total",
			Help: "Total response cache misses.",
		}, []string{"tier"}),

		compactionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "compactions_total",
			Help: "Total context compactions performed, by provider class.",
		}, []string{"class"}),

		compactionTokensSaved: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "compaction_tokens_saved_total",
			Help: "Total tokens saved by context compaction, by provider class.",
		}, []string{"class"}),

		costAlertsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cost_alerts_total",
			Help: "Total cost alerts fired, by provider, period and level.",
		}, []string{"provider", "period", "level"}),
	}

	logger.Info("metrics registered", zap.String("namespace", namespace))
	return m
}

func (m *Metrics) RecordDecision(workload, endpoint string) {
	m.routingDecisionsTotal.WithLabelValues(workload, endpoint).Inc()
}

func (m *Metrics) RecordRouteUnavailable(workload string) {
	m.routeUnavailableTotal.WithLabelValues(workload).Inc()
}

func (m *Metrics) RecordAttempt(endpoint, outcome string, latency time.Duration) {
	m.attemptsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.attemptLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
}

func (m *Metrics) RecordUsage(endpoint, provider string, inputTokens, outputTokens int64, costUSD float64) {
	m.attemptTokens.WithLabelValues(endpoint, "input").Add(float64(inputTokens))
	m.attemptTokens.WithLabelValues(endpoint, "output").Add(float64(outputTokens))
	m.attemptCostUSD.WithLabelValues(provider).Add(costUSD)
}

func (m *Metrics) RecordBreakerTransition(endpoint, toState string, stateValue int) {
	m.breakerTransitions.WithLabelValues(endpoint, toState).Inc()
	m.breakerState.WithLabelValues(endpoint).Set(float64(stateValue))
}

func (m *Metrics) RecordCapacityStatus(endpoint string, statusValue int) {
	m.capacityStatus.WithLabelValues(endpoint).Set(float64(statusValue))
}

func (m *Metrics) RecordCacheHit(tier string)  { m.cacheHits.WithLabelValues(tier).Inc() }
func (m *Metrics) RecordCacheMiss(tier string) { m.cacheMisses.WithLabelValues(tier).Inc() }

func (m *Metrics) RecordCompaction(class string, tokensSaved int) {
	m.compactionsTotal.WithLabelValues(class).Inc()
	m.compactionTokensSaved.WithLabelValues(class).Add(float64(tokensSaved))
}

func (m *Metrics) RecordCostAlert(provider, period, level string) {
	m.costAlertsTotal.WithLabelValues(provider, period, level).Inc()
}

package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	analysisRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_runs_total",
		Help: "Pipeline runs by terminal status",
	}, []string{"status"})

	analysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "analysis_duration_ms",
		Help:    "Pipeline duration in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 120000},
	})

	providerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_calls_total",
		Help: "Provider calls by stage and outcome",
	}, []string{"provider", "stage", "outcome"})

	providerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_call_duration_seconds",
		Help:    "Provider call latency",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"provider", "stage"})

	providerTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_tokens_total",
		Help: "Tokens consumed per provider",
	}, []string{"provider"})

	usageChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "usage_checks_total",
		Help: "Rate limit decisions",
	}, []string{"result"})
)

func init() {
	registry.MustRegister(analysisRuns, analysisDuration, providerCalls, providerDuration, providerTokens, usageChecks)
}

// IncAnalysisRun counts a pipeline run reaching the given status.
func IncAnalysisRun(status string) {
	analysisRuns.WithLabelValues(status).Inc()
}

// ObserveAnalysisDurationMs records a pipeline duration in milliseconds.
func ObserveAnalysisDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	analysisDuration.Observe(value)
}

// ObserveProviderCall records one provider attempt.
func ObserveProviderCall(provider, stage string, success bool, elapsed time.Duration, tokens int) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	providerCalls.WithLabelValues(provider, stage, outcome).Inc()
	providerDuration.WithLabelValues(provider, stage).Observe(elapsed.Seconds())
	if tokens > 0 {
		providerTokens.WithLabelValues(provider).Add(float64(tokens))
	}
}

// IncUsageCheck counts a rate limit decision (allowed, denied, bypass, fail_open).
func IncUsageCheck(result string) {
	usageChecks.WithLabelValues(result).Inc()
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

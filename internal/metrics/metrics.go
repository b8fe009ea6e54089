// Package metrics exposes Prometheus collectors for the pipeline service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	advanceTotal               *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	stageItemsTotal            *prometheus.CounterVec
	jobFailuresTotal           *prometheus.CounterVec
	continuationsTotal         *prometheus.CounterVec
	messagesDeliveredTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		advanceTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_advance_total",
				Help: "Total number of controller passes, labeled by job status and outcome.",
			},
			[]string{"status", "outcome"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Histogram of stage handler latencies, labeled by stage and result.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage", "result"},
		)

		stageItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_items_total",
				Help: "Total number of items handled by stages, labeled by stage and counter.",
			},
			[]string{"stage", "counter"},
		)

		jobFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_job_failures_total",
				Help: "Total number of recorded stage failures, labeled by status and whether the budget was spent.",
			},
			[]string{"status", "exhausted"},
		)

		continuationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_continuations_total",
				Help: "Total number of continuation signals, labeled by mode and result.",
			},
			[]string{"mode", "result"},
		)

		messagesDeliveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_messages_delivered_total",
				Help: "Total number of Telegram sends, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"scope"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdvance counts one controller pass.
func ObserveAdvance(status, outcome string) {
	Init()
	if status == "" {
		status = "none"
	}
	advanceTotal.WithLabelValues(status, outcome).Inc()
}

// ObserveStage records a stage call and the counters it reported.
func ObserveStage(stage string, err error, duration time.Duration, counters map[string]int) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	stageDurationSeconds.WithLabelValues(stage, result).Observe(duration.Seconds())
	for name, n := range counters {
		if n > 0 {
			stageItemsTotal.WithLabelValues(stage, name).Add(float64(n))
		}
	}
}

// ObserveFailure counts a failure charged to the job's retry budget.
func ObserveFailure(status string, exhausted bool) {
	Init()
	jobFailuresTotal.WithLabelValues(status, strconv.FormatBool(exhausted)).Inc()
}

// ObserveContinuation counts a continuation signal.
func ObserveContinuation(mode string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	continuationsTotal.WithLabelValues(mode, result).Inc()
}

// ObserveDelivery counts one Telegram send.
func ObserveDelivery(err error) {
	Init()
	result := "sent"
	if err != nil {
		result = "failed"
	}
	messagesDeliveredTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(scope string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(scope).Observe(duration.Seconds())
}

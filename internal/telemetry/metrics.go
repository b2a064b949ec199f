package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsStarted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analytics_runs_started_total", Help: "Job runs claimed"}, []string{"kind"})
	RunsSucceeded    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analytics_runs_succeeded_total", Help: "Job runs completed successfully"}, []string{"kind"})
	RunsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analytics_runs_failed_total", Help: "Job runs that failed"}, []string{"kind"})
	RunsSkipped      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analytics_runs_skipped_total", Help: "Triggers skipped because a run was already in progress"}, []string{"kind"})
	RowsAffected     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analytics_rows_affected_total", Help: "Derived rows written or deleted per kind"}, []string{"kind"})
	RunDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "analytics_run_duration_seconds", Help: "Aggregator run duration", Buckets: prometheus.DefBuckets}, []string{"kind"})
	StaleRunsGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analytics_stale_runs", Help: "Runs stuck in progress past the staleness threshold"})
	EventsIngested   = prometheus.NewCounter(prometheus.CounterOpts{Name: "analytics_events_ingested_total", Help: "Raw activity events accepted"})
	ProfileMerges    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analytics_profile_merges_total", Help: "Enrichment payloads merged into visitor profiles"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "analytics_rate_limit_rejects_total", Help: "Enrichment requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsStarted,
			RunsSucceeded,
			RunsFailed,
			RunsSkipped,
			RowsAffected,
			RunDuration,
			StaleRunsGauge,
			EventsIngested,
			ProfileMerges,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}

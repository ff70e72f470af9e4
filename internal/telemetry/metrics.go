package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsDispatched    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "intake_jobs_dispatched_total", Help: "Jobs published by the scanner"}, []string{"kind"})
	JobsCompleted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "intake_jobs_completed_total", Help: "Jobs finished by outcome"}, []string{"outcome"})
	ExtractAttempts   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "intake_extract_attempts_total", Help: "Extractor calls by result"}, []string{"result"})
	ExtractDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "intake_extract_duration_seconds", Help: "Extractor call latency", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12)})
	EnrichFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "intake_enrich_failures_total", Help: "Enrichment trigger failures"})
	CandidatesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "intake_scan_candidates_skipped_total", Help: "Scan candidates left for a later pass"}, []string{"reason"})
	QueueDepth        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "intake_queue_depth", Help: "Messages waiting for a worker"})
	InFlight          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "intake_jobs_inflight", Help: "Jobs currently being processed"})
	IndexSize         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "intake_index_size", Help: "Fingerprints in the processed index"})
	BackpressureWaits = prometheus.NewCounter(prometheus.CounterOpts{Name: "intake_backpressure_waits_total", Help: "Publishes that blocked on a full dispatch channel"})
	DispatchFallbacks = prometheus.NewCounter(prometheus.CounterOpts{Name: "intake_dispatch_fallbacks_total", Help: "Durable publishes that fell back to the in-process channel"})
	RateLimitWaits    = prometheus.NewCounter(prometheus.CounterOpts{Name: "intake_rate_limit_waits_total", Help: "Extractor attempts delayed by the shared rate limit"})
	OrphansReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "intake_orphans_reclaimed_total", Help: "Files returned from processing to staging with no running job"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsDispatched,
			JobsCompleted,
			ExtractAttempts,
			ExtractDuration,
			EnrichFailures,
			CandidatesSkipped,
			QueueDepth,
			InFlight,
			IndexSize,
			BackpressureWaits,
			DispatchFallbacks,
			RateLimitWaits,
			OrphansReclaimed,
		)
	})
	return promhttp.Handler()
}

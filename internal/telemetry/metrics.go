package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionsRegistered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "submissions_registered_total", Help: "Submissions whose register task succeeded"})
	SubmissionsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "submissions_failed_total", Help: "Submissions whose register task failed"})
	StatusRateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "status_rate_limit_rejects_total", Help: "Status queries rejected by the rate limiter"})
	AlertsRecorded         = prometheus.NewCounter(prometheus.CounterOpts{Name: "alerts_recorded_total", Help: "Error entities written"})
	CredentialsCleaned     = prometheus.NewCounter(prometheus.CounterOpts{Name: "credentials_cleaned_total", Help: "Secrets erased by credential cleanup"})
	ReactorEvents          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reactor_events_total", Help: "Download status events by outcome"}, []string{"outcome"})
	FeedPublished          = prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_batches_published_total", Help: "Change batches appended to the feed"})
	FeedDeadLetter         = prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_dead_letter_total", Help: "Change batches moved to the DLQ"})
	FeedInFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "feed_inflight", Help: "Change batches currently being handled"})
	ReconcileResolved      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reconcile_resolved_total", Help: "Partial-failure states resolved by the sweep"}, []string{"kind"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsRegistered,
			SubmissionsFailed,
			StatusRateLimitRejects,
			AlertsRecorded,
			CredentialsCleaned,
			ReactorEvents,
			FeedPublished,
			FeedDeadLetter,
			FeedInFlightGauge,
			ReconcileResolved,
		)
	})
	return promhttp.Handler()
}

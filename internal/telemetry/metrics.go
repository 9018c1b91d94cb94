package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "gen_submissions_total", Help: "Generation requests accepted"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "gen_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	TickCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "gen_poll_ticks_total", Help: "Poller ticks executed"})
	JobsPolled       = prometheus.NewCounter(prometheus.CounterOpts{Name: "gen_jobs_polled_total", Help: "Jobs selected for polling"})
	ProviderErrors   = prometheus.NewCounter(prometheus.CounterOpts{Name: "gen_provider_errors_total", Help: "Transient provider call failures"})
	Conflicts        = prometheus.NewCounter(prometheus.CounterOpts{Name: "gen_version_conflicts_total", Help: "Optimistic commits lost to a concurrent writer"})
	Downloads        = prometheus.NewCounter(prometheus.CounterOpts{Name: "gen_downloads_total", Help: "Assets downloaded successfully"})
	DownloadFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "gen_download_failures_total", Help: "Download attempts that failed"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "gen_jobs_completed_total", Help: "Jobs reaching completed"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "gen_jobs_failed_total", Help: "Jobs reaching failed"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "gen_jobs_inflight", Help: "Jobs being processed this tick"})
	DueGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "gen_jobs_due", Help: "Jobs selected as due on the last tick"})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gen_stage_transitions_total", Help: "Committed stage transitions"}, []string{"stage"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			TickCounter,
			JobsPolled,
			ProviderErrors,
			Conflicts,
			Downloads,
			DownloadFailures,
			JobsCompleted,
			JobsFailed,
			InFlightGauge,
			DueGauge,
			Transitions,
		)
	})
	return promhttp.Handler()
}

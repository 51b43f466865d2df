package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_jobs_created_total", Help: "Broadcast jobs created"})
	JobsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_jobs_completed_total", Help: "Broadcast jobs completed"})
	JobsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_jobs_failed_total", Help: "Broadcast jobs that ended in failure"})
	JobsCancelled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_jobs_cancelled_total", Help: "Broadcast jobs cancelled"})
	EmailsSent     = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_emails_sent_total", Help: "Emails accepted by the provider"})
	EmailsFailed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_emails_failed_total", Help: "Emails that failed terminally"})
	EmailsSkipped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_emails_skipped_total", Help: "Addresses skipped during collection"})
	LockConflicts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_lock_conflicts_total", Help: "Send attempts that found the job locked elsewhere"})
	LocksReaped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_locks_reaped_total", Help: "Expired locks cleared by the reaper"})
	RateLimitWaits = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_rate_limit_waits_total", Help: "Sends that had to wait for rate-limit tokens"})
	ActiveSenders  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broadcast_active_senders", Help: "Sender workers currently holding a job lock"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			EmailsSent,
			EmailsFailed,
			EmailsSkipped,
			LockConflicts,
			LocksReaped,
			RateLimitWaits,
			ActiveSenders,
		)
	})
	return promhttp.Handler()
}
